package swarm

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/dere/dere/internal/common/errors"
)

// EvaluateCondition evaluates a restricted boolean expression against a
// dependency's decoded output. The language allows field and bracket
// access rooted at `output`, the comparison operators, boolean
// operators, and the functions len, any, and all. Unparseable or
// ill-typed conditions return a typed condition error; the scheduler
// skips the dependent on such errors.
func EvaluateCondition(condition string, output any) (bool, error) {
	p := &condParser{input: condition, env: map[string]any{"output": output}}
	p.next()
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.tok.kind != tokEOF {
		return false, p.errorf("unexpected '%s'", p.tok.text)
	}
	return truthy(v), nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // == != < <= > >= && || !
	tokLParen // (
	tokRParen // )
	tokLBrack // [
	tokRBrack // ]
	tokDot    // .
	tokComma  // ,
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type condParser struct {
	input string
	pos   int
	tok   token
	env   map[string]any
}

func (p *condParser) errorf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errors.Condition(fmt.Sprintf("condition %q: %s at offset %d", p.input, msg, p.pos))
}

func (p *condParser) next() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")"}
	case c == '[':
		p.pos++
		p.tok = token{kind: tokLBrack, text: "["}
	case c == ']':
		p.pos++
		p.tok = token{kind: tokRBrack, text: "]"}
	case c == '.':
		p.pos++
		p.tok = token{kind: tokDot, text: "."}
	case c == ',':
		p.pos++
		p.tok = token{kind: tokComma, text: ","}
	case c == '\'' || c == '"':
		quote := c
		start := p.pos + 1
		end := start
		for end < len(p.input) && p.input[end] != quote {
			end++
		}
		if end >= len(p.input) {
			p.pos = end
			p.tok = token{kind: tokString, text: p.input[start:]}
			return
		}
		p.tok = token{kind: tokString, text: p.input[start:end]}
		p.pos = end + 1
	case strings.ContainsRune("=!<>&|", rune(c)):
		two := ""
		if p.pos+1 < len(p.input) {
			two = p.input[p.pos : p.pos+2]
		}
		switch two {
		case "==", "!=", "<=", ">=", "&&", "||":
			p.pos += 2
			p.tok = token{kind: tokOp, text: two}
			return
		}
		switch c {
		case '<', '>', '!':
			p.pos++
			p.tok = token{kind: tokOp, text: string(c)}
		default:
			p.pos++
			p.tok = token{kind: tokOp, text: string(c)}
		}
	case unicode.IsDigit(rune(c)) || c == '-':
		start := p.pos
		p.pos++
		for p.pos < len(p.input) &&
			(unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
			p.pos++
		}
		text := p.input[start:p.pos]
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.tok = token{kind: tokOp, text: text}
			return
		}
		p.tok = token{kind: tokNumber, text: text, num: n}
	case unicode.IsLetter(rune(c)) || c == '_':
		start := p.pos
		for p.pos < len(p.input) &&
			(unicode.IsLetter(rune(p.input[p.pos])) ||
				unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '_') {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.input[start:p.pos]}
	default:
		p.pos++
		p.tok = token{kind: tokOp, text: string(c)}
	}
}

func (p *condParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *condParser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *condParser) parseUnary() (any, error) {
	if p.tok.kind == tokOp && p.tok.text == "!" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (any, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokOp {
		return left, nil
	}
	op := p.tok.text
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
	default:
		return left, nil
	}
	p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return p.compare(op, left, right)
}

func (p *condParser) compare(op string, left, right any) (any, error) {
	switch op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	return nil, p.errorf("cannot order %T and %T with '%s'", left, right, op)
}

func (p *condParser) parseOperand() (any, error) {
	switch p.tok.kind {
	case tokNumber:
		v := p.tok.num
		p.next()
		return v, nil
	case tokString:
		v := p.tok.text
		p.next()
		return v, nil
	case tokLParen:
		p.next()
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errorf("expected ')'")
		}
		p.next()
		return v, nil
	case tokIdent:
		name := p.tok.text
		switch name {
		case "true":
			p.next()
			return true, nil
		case "false":
			p.next()
			return false, nil
		case "null", "nil":
			p.next()
			return nil, nil
		case "len", "any", "all":
			p.next()
			return p.parseCall(name)
		}
		p.next()
		root, ok := p.env[name]
		if !ok {
			return nil, p.errorf("unknown identifier '%s'", name)
		}
		return p.parsePath(root)
	default:
		return nil, p.errorf("unexpected '%s'", p.tok.text)
	}
}

// parseCall handles len(x), any(xs...), all(xs...). With a single list
// argument, any/all test element truthiness; with several arguments
// they behave as n-ary or/and.
func (p *condParser) parseCall(name string) (any, error) {
	if p.tok.kind != tokLParen {
		return nil, p.errorf("expected '(' after %s", name)
	}
	p.next()

	var args []any
	for p.tok.kind != tokRParen {
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		if p.tok.kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if p.tok.kind != tokRParen {
		return nil, p.errorf("expected ')' in %s call", name)
	}
	p.next()

	switch name {
	case "len":
		if len(args) != 1 {
			return nil, p.errorf("len takes exactly one argument")
		}
		return lengthOf(args[0], p)
	case "any", "all":
		values := args
		if len(args) == 1 {
			if list, ok := args[0].([]any); ok {
				values = list
			}
		}
		if name == "any" {
			for _, v := range values {
				if truthy(v) {
					return true, nil
				}
			}
			return false, nil
		}
		for _, v := range values {
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	}
	return nil, p.errorf("unknown function '%s'", name)
}

// parsePath consumes .field and [key] accessors. Missing fields yield
// nil rather than an error so equality tests against absent keys read
// naturally.
func (p *condParser) parsePath(v any) (any, error) {
	for {
		switch {
		case p.tok.kind == tokDot:
			p.next()
			if p.tok.kind != tokIdent {
				return nil, p.errorf("expected field name after '.'")
			}
			v = fieldOf(v, p.tok.text)
			p.next()
		case p.tok.kind == tokLBrack:
			p.next()
			switch p.tok.kind {
			case tokString:
				v = fieldOf(v, p.tok.text)
				p.next()
			case tokNumber:
				v = indexOf(v, int(p.tok.num))
				p.next()
			default:
				return nil, p.errorf("expected string or integer index")
			}
			if p.tok.kind != tokRBrack {
				return nil, p.errorf("expected ']'")
			}
			p.next()
		default:
			return v, nil
		}
	}
}

func fieldOf(v any, name string) any {
	if m, ok := v.(map[string]any); ok {
		return m[name]
	}
	return nil
}

func indexOf(v any, i int) any {
	if list, ok := v.([]any); ok && i >= 0 && i < len(list) {
		return list[i]
	}
	return nil
}

func lengthOf(v any, p *condParser) (any, error) {
	switch x := v.(type) {
	case string:
		return float64(len(x)), nil
	case []any:
		return float64(len(x)), nil
	case map[string]any:
		return float64(len(x)), nil
	case nil:
		return float64(0), nil
	default:
		return nil, p.errorf("len of %T", v)
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

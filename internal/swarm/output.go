package swarm

import (
	"encoding/json"
	"strings"
)

// DecodeAgentOutput turns an agent's raw output into the value
// conditions evaluate against: the first fenced JSON block if present,
// else the first top-level JSON object in the text, else a wrapper
// exposing the raw text under "text".
func DecodeAgentOutput(raw string) any {
	if v, ok := decodeFencedJSON(raw); ok {
		return v
	}
	if v, ok := decodeFirstObject(raw); ok {
		return v
	}
	return map[string]any{"text": raw}
}

func decodeFencedJSON(raw string) (any, bool) {
	rest := raw
	for {
		start := strings.Index(rest, "```json")
		if start < 0 {
			return nil, false
		}
		rest = rest[start+len("```json"):]
		end := strings.Index(rest, "```")
		if end < 0 {
			return nil, false
		}
		block := strings.TrimSpace(rest[:end])
		var v any
		if err := json.Unmarshal([]byte(block), &v); err == nil {
			return v, true
		}
		rest = rest[end+3:]
	}
}

func decodeFirstObject(raw string) (any, bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(raw[i:]))
		var v map[string]any
		if err := dec.Decode(&v); err == nil {
			return v, true
		}
	}
	return nil, false
}

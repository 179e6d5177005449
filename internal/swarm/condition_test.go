package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/errors"
)

func TestEvaluateCondition(t *testing.T) {
	output := map[string]any{
		"risk":     "low",
		"score":    float64(7),
		"approved": true,
		"files":    []any{"a.go", "b.go"},
		"review": map[string]any{
			"verdict": "pass",
			"issues":  []any{},
		},
	}

	cases := []struct {
		name string
		cond string
		want bool
	}{
		{"string equality false", `output.risk == "high"`, false},
		{"string equality true", `output.risk == "low"`, true},
		{"string inequality", `output.risk != "high"`, true},
		{"numeric comparison", `output.score > 5`, true},
		{"numeric comparison false", `output.score >= 8`, false},
		{"string ordering", `output.risk < "mid"`, true},
		{"boolean field", `output.approved`, true},
		{"negation", `!output.approved`, false},
		{"conjunction", `output.approved && output.score > 5`, true},
		{"disjunction", `output.risk == "high" || output.score > 5`, true},
		{"grouping", `(output.risk == "high" || output.approved) && output.score < 10`, true},
		{"nested field", `output.review.verdict == "pass"`, true},
		{"bracket string access", `output["risk"] == "low"`, true},
		{"bracket index access", `output.files[0] == "a.go"`, true},
		{"out of range index is null", `output.files[9] == null`, true},
		{"missing field equals null", `output.missing == null`, true},
		{"missing field inequality", `output.missing != null`, false},
		{"missing nested path is null", `output.missing.deeper == null`, true},
		{"len of list", `len(output.files) == 2`, true},
		{"len of empty list", `len(output.review.issues) == 0`, true},
		{"len of string", `len(output.risk) == 3`, true},
		{"len of missing is zero", `len(output.missing) == 0`, true},
		{"any over list", `any(output.files)`, true},
		{"any over empty list", `any(output.review.issues)`, false},
		{"all over list", `all(output.files)`, true},
		{"any n-ary", `any(output.approved, output.risk == "high")`, true},
		{"all n-ary", `all(output.approved, output.risk == "high")`, false},
		{"literal true", `true`, true},
		{"literal comparison", `3 < 4`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateCondition(tc.cond, output)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateConditionErrors(t *testing.T) {
	output := map[string]any{"risk": "low", "score": float64(7)}

	cases := []struct {
		name string
		cond string
	}{
		{"unknown identifier", `result.risk == "low"`},
		{"trailing garbage", `output.risk == "low" extra`},
		{"unclosed paren", `(output.score > 5`},
		{"missing field name", `output. == "low"`},
		{"type error in ordering", `output.risk > 5`},
		{"len of number", `len(output.score) == 1`},
		{"bad len arity", `len(output.risk, output.score)`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EvaluateCondition(tc.cond, output)
			require.Error(t, err)
			assert.True(t, errors.IsCondition(err), "expected condition error, got %v", err)
		})
	}
}

func TestDecodeAgentOutput(t *testing.T) {
	t.Run("fenced json block", func(t *testing.T) {
		raw := "Review complete.\n```json\n{\"risk\": \"high\", \"score\": 3}\n```\nDone."
		v := DecodeAgentOutput(raw)
		m, ok := v.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "high", m["risk"])
		assert.Equal(t, float64(3), m["score"])
	})

	t.Run("embedded object", func(t *testing.T) {
		raw := `The result is {"risk": "low"} as expected.`
		v := DecodeAgentOutput(raw)
		m, ok := v.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "low", m["risk"])
	})

	t.Run("skips invalid fenced block", func(t *testing.T) {
		raw := "```json\nnot json at all {{{\n```\nthen ```json\n{\"ok\": true}\n```"
		v := DecodeAgentOutput(raw)
		m, ok := v.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, m["ok"])
	})

	t.Run("plain text wrapped", func(t *testing.T) {
		v := DecodeAgentOutput("all done, nothing to report")
		m, ok := v.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "all done, nothing to report", m["text"])
	})

	t.Run("decoded output drives conditions", func(t *testing.T) {
		v := DecodeAgentOutput("```json\n{\"risk\": \"low\"}\n```")
		got, err := EvaluateCondition(`output.risk == "high"`, v)
		require.NoError(t, err)
		assert.False(t, got)
	})
}

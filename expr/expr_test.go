package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/types"
)

func testEnv() Env {
	iter := 2
	return Env{
		Input: map[string]any{
			"x":      1.0,
			"name":   "ana",
			"labels": []any{"fast", "cheap"},
		},
		Output: map[string]map[string]any{
			"scorer":  {"score": 0.8, "band": "high"},
			"gate":    {"passed": true},
			"profile": {"user": map[string]any{"age": 31.0}},
		},
		Context:   map[string]any{"retries": 1.0},
		Iteration: &iter,
	}
}

func TestEvalBool(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		expected bool
	}{
		{"output comparison", `output.scorer.score > 0.5`, true},
		{"output comparison false", `output.scorer.score > 0.9`, false},
		{"string equality", `output.scorer.band == "high"`, true},
		{"single equals alias", `output.scorer.band = "high"`, true},
		{"not equal", `input.name != "bob"`, true},
		{"keyword and", `output.scorer.score >= 0.8 and output.gate.passed`, true},
		{"keyword or", `input.x > 5 or output.gate.passed`, true},
		{"keyword not", `not (input.x > 5)`, true},
		{"symbolic operators", `output.scorer.score > 0.5 && !(input.x == 2)`, true},
		{"iteration bound", `iteration >= 2`, true},
		{"iteration strict", `iteration > 2`, false},
		{"membership in list", `"fast" in input.labels`, true},
		{"membership miss", `"slow" in input.labels`, false},
		{"membership in string", `"an" in input.name`, true},
		{"nested field access", `output.profile.user.age >= 31`, true},
		{"arithmetic in guard", `output.scorer.score * 100 >= 80`, true},
		{"addition", `input.x + context.retries == 2`, true},
		{"division", `output.scorer.score / 2 == 0.4`, true},
		{"precedence", `1 + 2 * 3 == 7`, true},
		{"parenthesized", `(1 + 2) * 3 == 9`, true},
		{"unary minus", `-input.x < 0`, true},
		{"string concat", `"a" + "b" == "ab"`, true},
		{"boolean literal", `true`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvalBool(tt.expr, testEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"unresolved variable", `output.missing.score > 1`},
		{"unresolved root", `foo > 1`},
		{"iteration outside loop", `iteration > 0`},
		{"unterminated string", `input.name == "ana`},
		{"trailing garbage", `input.x > 1 )`},
		{"division by zero", `input.x / 0 > 1`},
		{"empty", ``},
		{"non-numeric arithmetic", `input.labels * 2 > 1`},
	}

	env := testEnv()
	env.Iteration = nil
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EvalBool(tt.expr, env)
			require.Error(t, err)
			assert.Equal(t, types.ErrExpression, types.KindOf(err))
		})
	}
}

func TestEvalNumber(t *testing.T) {
	score, err := EvalNumber(`output.scorer.score * 10`, testEnv())
	require.NoError(t, err)
	assert.InDelta(t, 8.0, score, 1e-9)

	_, err = EvalNumber(`output.scorer.band`, testEnv())
	require.Error(t, err)
}

func TestEvalNilComparison(t *testing.T) {
	env := Env{Input: map[string]any{"maybe": nil}}

	got, err := EvalBool(`input.maybe == null`, env)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalBool(`input.maybe != null`, env)
	require.NoError(t, err)
	assert.False(t, got)
}

package rules

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Evaluate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		ctx  Context
		want float64
	}{
		{"arithmetic", "(eyeBlinkLeft+eyeBlinkRight)*50", Context{"eyeBlinkLeft": 0.3, "eyeBlinkRight": 0.5}, 40},
		{"constant", "42", nil, 42},
		{"integer division yields float", "1/4", nil, 0.25},
		{"math helper", "Abs(HeadRotX) + Max(a, b)", Context{"HeadRotX": -3, "a": 1, "b": 2}, 5},
		{"pow", "Pow(x, 2)", Context{"x": 3}, 9},
		{"round with digits", "Round(x, 2)", Context{"x": 1.23456}, 1.23},
		{"ternary", "x > 0.5 ? 100 : 0", Context{"x": 0.7}, 100},
		{"boolean result", "x > 0.5", Context{"x": 0.7}, 1},
		{"builtin", "max(x, 10)", Context{"x": 3}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Compile(tt.src)
			require.NoError(t, err)
			got, err := e.Evaluate(tt.ctx)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Equal(t, tt.src, e.String())
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	for _, src := range []string{"", "   ", "(a +", "a +* b"} {
		_, err := Compile(src)
		assert.Error(t, err, "source %q", src)
	}
	_, err := Compile("")
	assert.ErrorIs(t, err, ErrEmptyExpression)
}

func TestExpression_Variables(t *testing.T) {
	e, err := Compile("Sin(HeadRotY) * jawOpen + HeadRotY - Pow(mouthLeft, 2)")
	require.NoError(t, err)
	assert.Equal(t, []string{"HeadRotY", "jawOpen", "mouthLeft"}, e.Variables())
}

func TestExpression_UnresolvedVariable(t *testing.T) {
	e, err := Compile("eyeBlinkLeft + browInnerUp")
	require.NoError(t, err)

	_, err = e.Evaluate(Context{"eyeBlinkLeft": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedVariable))

	var ee *EvaluationError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "browInnerUp", ee.Variable)
}

func TestExpression_ArithmeticFaults(t *testing.T) {
	nan, err := Compile("Sqrt(x)")
	require.NoError(t, err)
	_, err = nan.Evaluate(Context{"x": -1})
	assert.Error(t, err, "NaN results must be rejected")

	mod, err := Compile("x % y")
	require.NoError(t, err)
	_, err = mod.Evaluate(Context{"x": 5, "y": 0})
	assert.Error(t, err, "modulo by zero is NaN")

	inf, err := Compile("x / 0")
	require.NoError(t, err)
	v, err := inf.Evaluate(Context{"x": 1})
	require.NoError(t, err)
	assert.True(t, math.IsInf(v, 1))
}

func TestExpression_NonNumericResult(t *testing.T) {
	e, err := Compile(`"text"`)
	require.NoError(t, err)
	_, err = e.Evaluate(nil)
	assert.Error(t, err)
}

func TestExpression_FloatModulo(t *testing.T) {
	tests := []struct {
		source string
		ctx    Context
		want   float64
	}{
		{"jawOpen % 2", Context{"jawOpen": 5}, 1},
		{"x % y", Context{"x": 5.5, "y": 2}, math.Mod(5.5, 2)},
		{"x % y", Context{"x": -7.25, "y": 3}, math.Mod(-7.25, 3)},
		{"(x * 100) % 30 + 1", Context{"x": 0.75}, math.Mod(75, 30) + 1},
		{"Abs(x % 4)", Context{"x": -6}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			e, err := Compile(tt.source)
			require.NoError(t, err)
			got, err := e.Evaluate(tt.ctx)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestExpression_ModuloVariables(t *testing.T) {
	e, err := Compile("(a % b) + Mod(c, 2)")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, e.Variables())
}

package ascalc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndEvalArithmetic(t *testing.T) {
	idx := map[string]int{"A": 0, "B": 1}
	postfix, used, err := Compile("A + B * 2 > 1", idx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b11), used)

	vals := map[string]float64{"A": 0.1, "B": 0.5}
	r, err := Eval(postfix, func(name string) float64 { return vals[name] })
	require.NoError(t, err)
	assert.Equal(t, 1.0, r)
}

func TestTruthinessBoundary(t *testing.T) {
	idx := map[string]int{"A": 0}
	postfix, _, err := Compile("A", idx)
	require.NoError(t, err)

	cases := []struct {
		val   float64
		truthy bool
	}{
		{1.0, true},
		{0.995, true},
		{1.009, true},
		{0.99, false},
		{1.01, false},
		{0, false},
	}
	for _, c := range cases {
		r, err := Eval(postfix, func(string) float64 { return c.val })
		require.NoError(t, err)
		assert.Equal(t, c.truthy, truthy(r), "value %v", c.val)
	}
}

func TestCompileRejectsAssignment(t *testing.T) {
	_, _, err := Compile("A = 1", map[string]int{"A": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assignment operator")
}

func TestCompileRejectsUnknownInput(t *testing.T) {
	_, _, err := Compile("Z > 1", map[string]int{"A": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown input")
}

func TestCompileUnbalancedParens(t *testing.T) {
	_, _, err := Compile("(A + 1", map[string]int{"A": 0})
	require.Error(t, err)
}

func TestEvalDivisionByZero(t *testing.T) {
	postfix, _, err := Compile("A / B", map[string]int{"A": 0, "B": 1})
	require.NoError(t, err)
	_, err = Eval(postfix, func(name string) float64 {
		if name == "A" {
			return 1
		}
		return 0
	})
	require.Error(t, err)
}

func TestUnaryOperators(t *testing.T) {
	postfix, _, err := Compile("-A == 1", map[string]int{"A": 0})
	require.NoError(t, err)
	r, err := Eval(postfix, func(string) float64 { return -1 })
	require.NoError(t, err)
	assert.Equal(t, 1.0, r)

	postfix, _, err = Compile("!A", map[string]int{"A": 0})
	require.NoError(t, err)
	r, err = Eval(postfix, func(string) float64 { return 0 })
	require.NoError(t, err)
	assert.True(t, truthy(r))
}

func TestLogicalOperators(t *testing.T) {
	postfix, _, err := Compile("A && B", map[string]int{"A": 0, "B": 1})
	require.NoError(t, err)
	r, err := Eval(postfix, func(name string) float64 {
		if name == "A" {
			return 1
		}
		return 1
	})
	require.NoError(t, err)
	assert.True(t, truthy(r))
}

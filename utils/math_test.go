package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReturns(t *testing.T) {
	rets := Returns([]float64{100, 110, 99})
	assert.InDelta(t, 0.10, rets[0], 1e-9)
	assert.InDelta(t, -0.10, rets[1], 1e-9)

	assert.Nil(t, Returns([]float64{100}))
	// A zero price cannot produce a return; the slot is zeroed instead.
	assert.Equal(t, []float64{0, 0}, Returns([]float64{0, 50, 0}))
}

func TestStdDev(t *testing.T) {
	assert.InDelta(t, 1.0, StdDev([]float64{1, 2, 3}), 1e-9)
	assert.Equal(t, 0.0, StdDev([]float64{5}))
	assert.Equal(t, 0.0, StdDev(nil))
}

func TestCorrelation(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	assert.InDelta(t, 1.0, Correlation(a, b), 1e-9)

	inverse := []float64{10, 8, 6, 4, 2}
	assert.InDelta(t, -1.0, Correlation(a, inverse), 1e-9)

	constant := []float64{3, 3, 3, 3, 3}
	assert.Equal(t, 0.0, Correlation(a, constant))
	assert.Equal(t, 0.0, Correlation(a, []float64{1, 2}))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.01, Clamp(0.001, 0.01, 0.05))
	assert.Equal(t, 0.05, Clamp(0.5, 0.01, 0.05))
	assert.Equal(t, 0.03, Clamp(0.03, 0.01, 0.05))
}

func TestSign(t *testing.T) {
	assert.Equal(t, 1.0, Sign(42))
	assert.Equal(t, -1.0, Sign(-0.1))
	assert.Equal(t, 0.0, Sign(0))
}

func TestRoundToPrecision(t *testing.T) {
	assert.Equal(t, 1.23, RoundToPrecision(1.2345, 2))
	assert.Equal(t, 1.235, RoundToPrecision(1.2345, 3))
}

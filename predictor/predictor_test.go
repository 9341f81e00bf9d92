package predictor

import (
	"testing"
	"time"

	"quant_engine_go/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func barsFromCloses(closes []float64) []exchange.Bar {
	bars := make([]exchange.Bar, len(closes))
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = exchange.Bar{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     c, High: c * 1.001, Low: c * 0.999, Close: c,
			Volume: 1000,
		}
	}
	return bars
}

func TestMomentumPredictorBuySignalOnUptrend(t *testing.T) {
	p := NewMomentumPredictor()

	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 * (1 + 0.005*float64(i))
	}
	pred, err := p.Predict(barsFromCloses(closes))
	require.NoError(t, err)

	// A steady uptrend pushes RSI to 100, which gates the buy into a hold.
	assert.Equal(t, Hold, pred.Action)
	assert.Greater(t, pred.PredictedReturn, 0.0)
}

func TestMomentumPredictorDirections(t *testing.T) {
	p := NewMomentumPredictor()

	// An uptrend with pullbacks keeps RSI short of overbought.
	up := make([]float64, 60)
	for i := range up {
		up[i] = 100 + 0.5*float64(i)
		if i%4 == 3 {
			up[i] -= 2.5
		}
	}
	pred, err := p.Predict(barsFromCloses(up))
	require.NoError(t, err)
	assert.Equal(t, Buy, pred.Action)
	assert.Greater(t, pred.Confidence, 0.0)
	assert.LessOrEqual(t, pred.Confidence, 1.0)

	down := make([]float64, 60)
	for i := range down {
		down[i] = 200 - 0.5*float64(i)
		if i%4 == 3 {
			down[i] += 2.5
		}
	}
	pred, err = p.Predict(barsFromCloses(down))
	require.NoError(t, err)
	assert.Equal(t, Sell, pred.Action)
	assert.Greater(t, pred.Confidence, 0.0)
	assert.Less(t, pred.PredictedReturn, 0.0)
}

func TestMomentumPredictorInsufficientData(t *testing.T) {
	p := NewMomentumPredictor()
	_, err := p.Predict(barsFromCloses([]float64{100, 101}))
	assert.Error(t, err)
}

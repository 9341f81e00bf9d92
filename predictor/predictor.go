// predictor/predictor.go

// Package predictor defines the narrow prediction contract the engine
// consumes, plus a momentum baseline used in simulation. Heavier numeric
// backends can be swapped in behind the same interface without touching the
// control loop.
package predictor

import (
	"fmt"

	"quant_engine_go/exchange"
	"quant_engine_go/indicators"
	"quant_engine_go/utils"
)

// Action is a discrete trade recommendation.
type Action string

const (
	Hold Action = "hold"
	Buy  Action = "buy"
	Sell Action = "sell"
)

// Prediction is one forward-looking call on an instrument.
type Prediction struct {
	Action          Action
	Confidence      float64 // in [0, 1]
	PredictedReturn float64 // fractional, signed
}

// Predictor produces a prediction from recent bars.
type Predictor interface {
	Predict(bars []exchange.Bar) (Prediction, error)
}

const (
	momentumFastPeriod = 12
	momentumSlowPeriod = 26
	momentumRSIPeriod  = 14
	rsiOverbought      = 70.0
	rsiOversold        = 30.0
	// momentumReturnScale converts the EMA spread into a forward return guess.
	momentumReturnScale = 0.5
)

// MomentumPredictor is the baseline implementation: EMA crossover direction
// gated by RSI extremes, confidence from the spread magnitude.
type MomentumPredictor struct{}

// NewMomentumPredictor returns the baseline momentum predictor.
func NewMomentumPredictor() *MomentumPredictor {
	return &MomentumPredictor{}
}

// Predict derives action and confidence from the fast/slow EMA spread. An RSI
// extreme against the spread direction forces a hold.
func (p *MomentumPredictor) Predict(bars []exchange.Bar) (Prediction, error) {
	if len(bars) < momentumSlowPeriod+1 {
		return Prediction{}, fmt.Errorf("need at least %d bars, got %d", momentumSlowPeriod+1, len(bars))
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	last := closes[len(closes)-1]
	if last <= 0 {
		return Prediction{}, fmt.Errorf("non-positive last close")
	}

	fast := indicators.EMA(closes, momentumFastPeriod)
	slow := indicators.EMA(closes, momentumSlowPeriod)
	rsi := indicators.RSI(closes, momentumRSIPeriod)

	spread := (fast - slow) / last
	confidence := utils.Clamp(spread/0.01, -1, 1)

	pred := Prediction{
		Action:          Hold,
		Confidence:      0,
		PredictedReturn: spread * momentumReturnScale,
	}
	switch {
	case spread > 0 && rsi < rsiOverbought:
		pred.Action = Buy
		pred.Confidence = confidence
	case spread < 0 && rsi > rsiOversold:
		pred.Action = Sell
		pred.Confidence = -confidence
	}
	return pred, nil
}

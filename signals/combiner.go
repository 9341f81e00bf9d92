// signals/combiner.go

// Package signals merges the multi-timeframe technical signal with the
// external predictor's call into one actionable score.
package signals

import (
	"fmt"
	"math"

	"quant_engine_go/logs"
	"quant_engine_go/predictor"
	"quant_engine_go/utils"
)

// Blend weights and amplification bound for the combined signal.
const (
	TraditionalWeight = 0.4
	PredictorWeight   = 0.6
	MaxAmplification  = 0.1
)

// Combiner blends signals deterministically: identical inputs always produce
// the identical combined value.
type Combiner struct {
	predictionThreshold float64
}

// NewCombiner creates a combiner. predictionThreshold is the absolute
// predicted return beyond which the combined signal is amplified.
func NewCombiner(predictionThreshold float64) *Combiner {
	return &Combiner{predictionThreshold: predictionThreshold}
}

// Combine merges the technical signal with a predictor call into a score in
// roughly [-1, 1]. The predictor side is weighted by its own confidence; a
// large predicted return amplifies the blend in the return's direction. Any
// invalid input yields 0, treated as no actionable signal.
func (c *Combiner) Combine(traditionalSignal float64, pred predictor.Prediction) float64 {
	combined, err := c.combine(traditionalSignal, pred)
	if err != nil {
		logs.Warnf("[Signals] Dropping signal: %v", err)
		return 0
	}
	return combined
}

func (c *Combiner) combine(traditionalSignal float64, pred predictor.Prediction) (float64, error) {
	if math.IsNaN(traditionalSignal) || math.IsNaN(pred.Confidence) || math.IsNaN(pred.PredictedReturn) {
		return 0, fmt.Errorf("non-finite signal inputs")
	}
	if pred.Confidence < 0 || pred.Confidence > 1 {
		return 0, fmt.Errorf("predictor confidence out of range: %f", pred.Confidence)
	}

	var predictorSignal float64
	switch pred.Action {
	case predictor.Buy:
		predictorSignal = 1
	case predictor.Sell:
		predictorSignal = -1
	case predictor.Hold:
		predictorSignal = 0
	default:
		return 0, fmt.Errorf("unknown predictor action %q", pred.Action)
	}

	predWeight := PredictorWeight * pred.Confidence
	totalWeight := TraditionalWeight + predWeight
	combined := (TraditionalWeight*traditionalSignal + predWeight*predictorSignal) / totalWeight

	if math.Abs(pred.PredictedReturn) > c.predictionThreshold {
		amplifier := 1 + utils.Sign(pred.PredictedReturn)*math.Min(math.Abs(pred.PredictedReturn), MaxAmplification)
		combined *= amplifier
	}
	return combined, nil
}

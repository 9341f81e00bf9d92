// strategy/features.go
package strategy

import (
	"quant_engine_go/exchange"
	"quant_engine_go/indicators"
	"quant_engine_go/utils"
)

// Feature engineering for the direction classifier. Each sample is built from
// the bars up to and including index i; the label is whether the next bar
// closed higher. Keeping the lookback fixed means every sample has the same
// dimensionality.
const (
	featureLookback = 50
	rsiPeriod       = 14
	shortSMAPeriod  = 10
	momentumPeriod  = 5
	volReturnWindow = 10
)

// featuresAt builds the feature vector for bar i. It returns false when not
// enough history exists before i.
func featuresAt(bars []exchange.Bar, i int) ([]float64, bool) {
	if i < featureLookback || i >= len(bars) {
		return nil, false
	}

	closes := make([]float64, i+1)
	volumes := make([]float64, i+1)
	for j := 0; j <= i; j++ {
		closes[j] = bars[j].Close
		volumes[j] = bars[j].Volume
	}
	last := closes[i]
	if last <= 0 || closes[i-1] <= 0 {
		return nil, false
	}

	// One-bar return.
	ret1 := last/closes[i-1] - 1

	// Price relative to its short moving average.
	sma := indicators.SMA(closes, shortSMAPeriod)
	var smaRatio float64
	if sma > 0 {
		smaRatio = last/sma - 1
	}

	// Centered RSI in [-0.5, 0.5].
	rsi := indicators.RSI(closes, rsiPeriod)/100 - 0.5

	// Recent realized volatility of one-bar returns.
	returns := utils.Returns(closes)
	var vol float64
	if len(returns) >= volReturnWindow {
		vol = utils.StdDev(returns[len(returns)-volReturnWindow:])
	}

	// Momentum over a few bars.
	var momentum float64
	if prev := closes[i-momentumPeriod]; prev > 0 {
		momentum = last/prev - 1
	}

	// Volume relative to its short moving average.
	volSMA := indicators.SMA(volumes, shortSMAPeriod)
	var volRatio float64
	if volSMA > 0 {
		volRatio = volumes[i]/volSMA - 1
	}

	return []float64{ret1, smaRatio, rsi, vol, momentum, volRatio}, true
}

// buildDataset converts a bar series into classifier samples with a binary
// next-bar-up label. Samples stay in time order; shuffling them would leak
// future information into the validation folds.
func buildDataset(bars []exchange.Bar) (features [][]float64, labels []float64) {
	for i := featureLookback; i < len(bars)-1; i++ {
		vec, ok := featuresAt(bars, i)
		if !ok {
			continue
		}
		label := 0.0
		if bars[i+1].Close > bars[i].Close {
			label = 1.0
		}
		features = append(features, vec)
		labels = append(labels, label)
	}
	return features, labels
}

// strategy/optimizer.go
package strategy

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"quant_engine_go/config"
	"quant_engine_go/exchange"
	"quant_engine_go/indicators"
	"quant_engine_go/logs"
	"quant_engine_go/utils"
)

// ErrModelNotFound is returned by Predict when no trained model exists for
// the instrument/timeframe key.
var ErrModelNotFound = errors.New("model not found")

// RegimeType classifies the qualitative market state.
type RegimeType string

const (
	Trending RegimeType = "trending"
	Ranging  RegimeType = "ranging"
	Volatile RegimeType = "volatile"
	Unknown  RegimeType = "unknown"
)

// Regime classification thresholds and the model refresh window.
const (
	adxPeriod         = 14
	adxTrendThreshold = 25.0
	adxFullStrength   = 50.0
	bollingerWindow   = 20
	rangingBandWidth  = 0.1
	atrPeriod         = 14
	atrHistoryWindow  = 100
	smaFastPeriod     = 20
	smaSlowPeriod     = 50

	// ModelFreshness is how long a trained model stays valid before the
	// retrain pass rebuilds it.
	ModelFreshness = 24 * time.Hour
)

// Regime-based probability scaling applied by Predict.
const (
	rangingDampening  = 0.5
	volatileDampening = 0.7
)

// MarketRegime is the per-instrument classification produced by
// DetectMarketRegime. Consumers treat it as read-only.
type MarketRegime struct {
	Type       RegimeType `json:"type"`
	Strength   float64    `json:"strength"`
	Direction  float64    `json:"direction"`
	Confidence float64    `json:"confidence"`
}

// baseTimeframeWeights fixes the contribution of each timeframe to the
// multi-timeframe signal. Shorter timeframes are noisier and weigh less.
var baseTimeframeWeights = map[string]float64{
	"1m":  0.05,
	"5m":  0.10,
	"15m": 0.15,
	"1h":  0.25,
	"4h":  0.25,
	"1d":  0.20,
}

// Optimizer owns per-instrument regime classification and the per
// instrument/timeframe direction models. Models are trained on the control
// goroutine; Predict is safe to call concurrently with reads.
type Optimizer struct {
	cfg *config.StrategyConfig

	mu      sync.RWMutex
	models  map[string]*directionModel
	regimes map[string]MarketRegime
}

// NewOptimizer creates a strategy optimizer from validated configuration.
func NewOptimizer(cfg *config.StrategyConfig) *Optimizer {
	return &Optimizer{
		cfg:     cfg,
		models:  make(map[string]*directionModel),
		regimes: make(map[string]MarketRegime),
	}
}

func modelKey(symbol, timeframe string) string {
	return symbol + "_" + timeframe
}

// DetectMarketRegime classifies the market state of an instrument from its
// bars: strong directional movement means trending, a tight Bollinger band
// means ranging, everything else is volatile. It never fails: any problem
// yields the unknown regime with zero strength and confidence.
func (o *Optimizer) DetectMarketRegime(bars []exchange.Bar, symbol string) MarketRegime {
	regime := o.classifyRegime(bars)
	if regime.Type == Unknown {
		logs.Warnf("[Strategy] Unable to classify market regime for %s (%d bars)", symbol, len(bars))
	}

	o.mu.Lock()
	o.regimes[symbol] = regime
	o.mu.Unlock()
	return regime
}

func (o *Optimizer) classifyRegime(bars []exchange.Bar) MarketRegime {
	if len(bars) < o.cfg.RegimeWindow {
		return MarketRegime{Type: Unknown}
	}

	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, bar := range bars {
		closes[i] = bar.Close
		highs[i] = bar.High
		lows[i] = bar.Low
	}

	adx := indicators.ADX(highs, lows, closes, adxPeriod)
	bandWidth := indicators.BollingerWidth(closes, bollingerWindow)
	direction := utils.Sign(indicators.SMA(closes, smaFastPeriod) - indicators.SMA(closes, smaSlowPeriod))

	if math.IsNaN(adx) || math.IsNaN(bandWidth) {
		return MarketRegime{Type: Unknown}
	}

	switch {
	case adx > adxTrendThreshold:
		strength := math.Min(adx/adxFullStrength, 1.0)
		return MarketRegime{
			Type:       Trending,
			Strength:   strength,
			Direction:  direction,
			Confidence: strength,
		}
	case bandWidth < rangingBandWidth:
		return MarketRegime{
			Type:       Ranging,
			Strength:   1 - bandWidth,
			Direction:  direction,
			Confidence: 1 - bandWidth,
		}
	default:
		atr := indicators.ATR(highs, lows, closes, atrPeriod)
		atrSeries := indicators.ATRSeries(highs, lows, closes, atrPeriod)
		maxATR := indicators.Max(atrSeries, atrHistoryWindow)
		var ratio float64
		if maxATR > 0 {
			ratio = math.Min(atr/maxATR, 1.0)
		}
		return MarketRegime{
			Type:       Volatile,
			Strength:   ratio,
			Direction:  direction,
			Confidence: ratio,
		}
	}
}

// Regime returns the last classified regime for an instrument.
func (o *Optimizer) Regime(symbol string) (MarketRegime, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	regime, ok := o.regimes[symbol]
	return regime, ok
}

// TrainModel fits the direction classifier for an instrument/timeframe key.
// An existing model younger than ModelFreshness is kept unless force is set.
// Returns false when the bar series yields fewer samples than the configured
// minimum.
func (o *Optimizer) TrainModel(symbol, timeframe string, bars []exchange.Bar, force bool) bool {
	key := modelKey(symbol, timeframe)

	o.mu.RLock()
	existing, ok := o.models[key]
	o.mu.RUnlock()
	if ok && !force && time.Since(existing.trainedAt) < ModelFreshness {
		return true
	}

	features, labels := buildDataset(bars)
	if len(features) < o.cfg.MinTrainingSamples {
		logs.Warnf("[Strategy] Skipping training for %s: %d samples below minimum %d",
			key, len(features), o.cfg.MinTrainingSamples)
		return false
	}

	score, err := crossValidate(features, labels)
	if err != nil {
		logs.Warnf("[Strategy] Cross-validation skipped for %s: %v", key, err)
	} else {
		logs.Infof("[Strategy] Walk-forward accuracy for %s: %.2f%%", key, score*100)
	}

	model := &directionModel{cvScore: score}
	model.fit(features, labels)

	o.mu.Lock()
	o.models[key] = model
	o.mu.Unlock()
	logs.Infof("[Strategy] Trained model %s on %d samples", key, model.samples)
	return true
}

// Predict returns the directional prediction for an instrument/timeframe:
// direction is +1 or -1, probability is the model's up-probability adjusted
// for the instrument's current regime. Trending regimes amplify it, ranging
// and volatile regimes dampen it.
func (o *Optimizer) Predict(symbol, timeframe string, bars []exchange.Bar) (direction float64, probability float64, err error) {
	key := modelKey(symbol, timeframe)

	o.mu.RLock()
	model, ok := o.models[key]
	regime, hasRegime := o.regimes[symbol]
	o.mu.RUnlock()
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrModelNotFound, key)
	}

	features, haveFeatures := featuresAt(bars, len(bars)-1)
	if !haveFeatures {
		return 0, 0, fmt.Errorf("insufficient bars for features: %d", len(bars))
	}

	upProb := model.predictProb(features)
	direction = 1.0
	probability = upProb
	if upProb < decisionLevel {
		direction = -1.0
		probability = 1 - upProb
	}

	if hasRegime {
		switch regime.Type {
		case Trending:
			probability *= 1 + regime.Strength*regime.Confidence
		case Ranging:
			probability *= 1 - regime.Confidence*rangingDampening
		case Volatile:
			probability *= 1 - regime.Confidence*volatileDampening
		}
	}
	probability = utils.Clamp(probability, 0, 1)
	return direction, probability, nil
}

// AnalyzeMultipleTimeframes blends per-timeframe predictions into one signal
// in [-1, 1]. Each timeframe's fixed base weight is scaled by its prediction
// probability and by the regime confidence classified from that timeframe's
// own bars, so an unreadable timeframe contributes nothing. Timeframes
// without a base weight or without a trained model drop out. A zero total
// weight means no signal.
func (o *Optimizer) AnalyzeMultipleTimeframes(symbol string, barsByTimeframe map[string][]exchange.Bar) float64 {
	var weightedSum, totalWeight float64
	for timeframe, bars := range barsByTimeframe {
		baseWeight, ok := baseTimeframeWeights[timeframe]
		if !ok {
			continue
		}

		direction, probability, err := o.Predict(symbol, timeframe, bars)
		if err != nil {
			logs.Debugf("[Strategy] No prediction for %s %s: %v", symbol, timeframe, err)
			continue
		}

		weight := baseWeight * probability * o.classifyRegime(bars).Confidence
		weightedSum += direction * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

// ModelTimestamps returns the training time of every fitted model, keyed by
// instrument_timeframe, for persistence and status surfaces.
func (o *Optimizer) ModelTimestamps() map[string]time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]time.Time, len(o.models))
	for key, model := range o.models {
		out[key] = model.trainedAt
	}
	return out
}

// risk/manager.go
package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"quant_engine_go/config"
	"quant_engine_go/indicators"
	"quant_engine_go/logs"
	"quant_engine_go/utils"
)

// ErrNoMarketCondition is returned when a stop-loss is requested for an
// instrument with no computed market condition. Callers must fall back to the
// fixed FallbackStopPct / FallbackTargetPct pair.
var ErrNoMarketCondition = errors.New("no market data for instrument")

// Named risk constants. Every default the manager applies is declared here.
const (
	// ReferenceVolatility is the "typical" annualized volatility the dynamic
	// stop-loss scales against.
	ReferenceVolatility = 0.02

	// RewardRiskRatio fixes take-profit at 2x the stop distance.
	RewardRiskRatio = 2.0

	// FallbackStopPct / FallbackTargetPct apply when no market condition exists.
	FallbackStopPct   = 0.02
	FallbackTargetPct = 0.04

	// NeutralSentiment is the placeholder sentiment score until an external
	// sentiment feed is wired in.
	NeutralSentiment = 0.5

	// EmergencyLiquidityFloor: an instrument below 50% of the minimum
	// liquidity score triggers the emergency path.
	EmergencyLiquidityFloor = 0.5

	// Portfolio weight blend: diversification dominates expected return.
	DiversificationWeight = 0.7
	ExpectedReturnWeight  = 0.3

	// MinPositionFraction keeps sized positions above dust level.
	MinPositionFraction = 0.001

	// VolatileRegimeSizeFactor halves exposure in volatile regimes.
	VolatileRegimeSizeFactor = 0.5

	// adxPeriod is the directional-movement window for trend strength.
	adxPeriod = 14

	// tradingDaysPerYear annualizes per-bar return volatility.
	tradingDaysPerYear = 252
)

// MarketCondition is the per-instrument risk view, recomputed every
// risk-update cycle.
type MarketCondition struct {
	Volatility    float64 `json:"volatility"`
	Correlation   float64 `json:"correlation"`
	TrendStrength float64 `json:"trend_strength"`
	Liquidity     float64 `json:"liquidity"`
	Sentiment     float64 `json:"sentiment"`
}

// PositionSnapshot is the read-only view of an open position handed to the
// risk manager. The engine owns the live position; the manager never mutates it.
type PositionSnapshot struct {
	Symbol     string
	EntryPrice float64
	Amount     float64
	StopLoss   float64
	TakeProfit float64
	PeakValue  float64
	DailyPL    float64
}

// PortfolioSnapshot carries the aggregates the emergency evaluation needs.
type PortfolioSnapshot struct {
	TotalValue float64
	PeakValue  float64
	DailyPL    float64
}

// Manager tracks per-instrument market conditions, the cross-instrument
// correlation matrix, protective levels and the emergency triggers. The
// condition map and the matrix are rebuilt wholesale, never patched, so
// readers always see a consistent generation.
type Manager struct {
	cfg *config.RiskConfig

	mu         sync.RWMutex
	conditions map[string]MarketCondition
	matrix     *CorrelationMatrix
	lastUpdate time.Time
}

// NewManager creates a risk manager from validated configuration.
func NewManager(cfg *config.RiskConfig) *Manager {
	return &Manager{
		cfg:        cfg,
		conditions: make(map[string]MarketCondition),
	}
}

// MarketCondition returns the current condition for an instrument.
func (m *Manager) MarketCondition(symbol string) (MarketCondition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cond, ok := m.conditions[symbol]
	return cond, ok
}

// Conditions returns a copy of the full condition map, for status surfaces.
func (m *Manager) Conditions() map[string]MarketCondition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]MarketCondition, len(m.conditions))
	for k, v := range m.conditions {
		out[k] = v
	}
	return out
}

// UpdateMarketCondition recomputes the market condition for an instrument
// from its price and volume series. It fails soft: any computation problem
// yields a zero-valued condition instead of an error.
func (m *Manager) UpdateMarketCondition(symbol string, prices, volumes []float64) MarketCondition {
	cond, err := m.computeCondition(prices, volumes)
	if err != nil {
		logs.Errorf("[Risk] Error updating market condition for %s: %v", symbol, err)
		cond = MarketCondition{}
	}

	m.mu.Lock()
	// Preserve the correlation computed by the last matrix rebuild.
	if prev, ok := m.conditions[symbol]; ok {
		cond.Correlation = prev.Correlation
	}
	m.conditions[symbol] = cond
	m.mu.Unlock()
	return cond
}

func (m *Manager) computeCondition(prices, volumes []float64) (MarketCondition, error) {
	if len(prices) < m.cfg.VolatilityWindow || len(volumes) == 0 {
		return MarketCondition{}, fmt.Errorf("series too short: %d prices, %d volumes", len(prices), len(volumes))
	}

	returns := utils.Returns(prices)
	volatility := utils.StdDev(returns) * math.Sqrt(tradingDaysPerYear)

	// Trend strength from directional movement over synthetic high/low bands,
	// since the condition input is a plain price series.
	high := make([]float64, len(prices))
	low := make([]float64, len(prices))
	for i, p := range prices {
		high[i] = p * 1.001
		low[i] = p * 0.999
	}
	trendStrength := indicators.ADX(high, low, prices, adxPeriod)

	// Liquidity score: mean traded notional normalized against the minimum.
	n := len(volumes)
	if len(prices) < n {
		n = len(prices)
	}
	var notional float64
	for i := 0; i < n; i++ {
		notional += volumes[len(volumes)-n+i] * prices[len(prices)-n+i]
	}
	notional /= float64(n)
	liquidity := math.Min(1.0, notional/m.cfg.Emergency.MinLiquidity)

	cond := MarketCondition{
		Volatility:    volatility,
		TrendStrength: trendStrength,
		Liquidity:     liquidity,
		Sentiment:     NeutralSentiment,
	}
	if math.IsNaN(volatility) || math.IsNaN(trendStrength) {
		return MarketCondition{}, fmt.Errorf("non-finite condition values")
	}
	return cond, nil
}

// CalculateDynamicStopLoss derives protective levels from the instrument's
// market condition: the base stop is scaled by the volatility ratio and the
// trend factor, clamped to the configured band, with take-profit fixed at a
// 2:1 reward-risk ratio. Without condition data it returns
// ErrNoMarketCondition and the caller must use the fixed fallback pair.
func (m *Manager) CalculateDynamicStopLoss(symbol string, entryPrice, positionSize float64, cond *MarketCondition) (stopLoss, takeProfit float64, err error) {
	if cond == nil {
		m.mu.RLock()
		stored, ok := m.conditions[symbol]
		m.mu.RUnlock()
		if !ok {
			return 0, 0, fmt.Errorf("%w: %s", ErrNoMarketCondition, symbol)
		}
		cond = &stored
	}

	volFactor := cond.Volatility / ReferenceVolatility
	trendFactor := 1.0 + cond.TrendStrength/100.0
	finalStopPct := utils.Clamp(m.cfg.BaseStopLoss*volFactor*trendFactor, m.cfg.MinStopLoss, m.cfg.MaxStopLoss)

	stopLoss = entryPrice * (1 - finalStopPct)
	takeProfit = entryPrice * (1 + finalStopPct*RewardRiskRatio)
	return stopLoss, takeProfit, nil
}

// UpdateCorrelationMatrix rebuilds the pairwise return-correlation matrix
// wholesale and refreshes each condition's correlation field from its row
// mean. Calling it twice with identical inputs yields identical output.
func (m *Manager) UpdateCorrelationMatrix(priceSeries map[string][]float64) {
	matrix := NewCorrelationMatrix(priceSeries)
	if matrix == nil {
		logs.Errorf("[Risk] Correlation matrix rebuild skipped: no usable return series")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.matrix = matrix
	for symbol, cond := range m.conditions {
		if mean, ok := matrix.RowMean(symbol); ok {
			cond.Correlation = mean
			m.conditions[symbol] = cond
		}
	}
	m.lastUpdate = time.Now()
}

// Correlations returns the current matrix generation, which may be nil before
// the first rebuild. The matrix is immutable once published.
func (m *Manager) Correlations() *CorrelationMatrix {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matrix
}

// CheckEmergencyShutdown evaluates the emergency triggers in order: portfolio
// drawdown, daily loss, per-instrument volatility, per-instrument liquidity.
// The first breach short-circuits. Any internal inconsistency is fail-safe:
// it reports an emergency rather than a clean pass.
func (m *Manager) CheckEmergencyShutdown(portfolio PortfolioSnapshot) (bool, string) {
	if math.IsNaN(portfolio.TotalValue) || math.IsNaN(portfolio.PeakValue) || math.IsNaN(portfolio.DailyPL) {
		return true, "Error in risk assessment: non-finite portfolio values"
	}

	triggers := m.cfg.Emergency

	var drawdown float64
	if portfolio.PeakValue > 0 {
		drawdown = (portfolio.PeakValue - portfolio.TotalValue) / portfolio.PeakValue
	}
	if drawdown > triggers.MaxDrawdown {
		return true, fmt.Sprintf("Maximum drawdown exceeded: %.2f%%", drawdown*100)
	}

	var dailyLossPct float64
	if portfolio.TotalValue > 0 {
		dailyLossPct = portfolio.DailyPL / portfolio.TotalValue
	}
	if dailyLossPct < -triggers.MaxDailyLoss {
		return true, fmt.Sprintf("Maximum daily loss exceeded: %.2f%%", dailyLossPct*100)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for symbol, cond := range m.conditions {
		if cond.Volatility > triggers.MaxVolatility {
			return true, fmt.Sprintf("Excessive volatility in %s: %.2f%%", symbol, cond.Volatility*100)
		}
		if cond.Liquidity < EmergencyLiquidityFloor {
			return true, fmt.Sprintf("Insufficient liquidity in %s", symbol)
		}
	}
	return false, ""
}

// OptimizePortfolioWeights scores each instrument by a blend of
// diversification (distance from the rest of the book) and expected return,
// then normalizes the scores into weights. Without a usable matrix, or when
// every score is zero, it falls back to equal weighting.
func (m *Manager) OptimizePortfolioWeights(holdings map[string]float64, expectedReturns map[string]float64) map[string]float64 {
	if len(holdings) == 0 {
		return map[string]float64{}
	}

	m.mu.RLock()
	matrix := m.matrix
	m.mu.RUnlock()

	equalWeights := func() map[string]float64 {
		weights := make(map[string]float64, len(holdings))
		for symbol := range holdings {
			weights[symbol] = 1.0 / float64(len(holdings))
		}
		return weights
	}
	if matrix == nil {
		return equalWeights()
	}

	scores := make(map[string]float64, len(holdings))
	var total float64
	for symbol := range holdings {
		var divScore float64
		var counted int
		for other := range holdings {
			if corr, ok := matrix.At(symbol, other); ok {
				divScore += 1 - math.Abs(corr)
				counted++
			}
		}
		if counted == 0 {
			return equalWeights()
		}
		divScore /= float64(counted)
		score := DiversificationWeight*divScore + ExpectedReturnWeight*expectedReturns[symbol]
		scores[symbol] = score
		total += score
	}
	if total <= 0 {
		return equalWeights()
	}

	weights := make(map[string]float64, len(scores))
	for symbol, score := range scores {
		weights[symbol] = score / total
	}
	return weights
}

// CalculatePositionSize sizes a new position: volatility-scaled exposure,
// divided by risk aversion, halved in volatile regimes, clamped between the
// dust floor and the per-position maximum. The result is an instrument
// amount, not a notional.
func (m *Manager) CalculatePositionSize(symbol string, currentPrice, portfolioValue float64, volatileRegime bool) float64 {
	if currentPrice <= 0 || portfolioValue <= 0 {
		return 0
	}

	volatility := ReferenceVolatility
	m.mu.RLock()
	if cond, ok := m.conditions[symbol]; ok && cond.Volatility > 0 {
		volatility = cond.Volatility
	}
	m.mu.RUnlock()

	notional := m.cfg.MaxPositionSize * portfolioValue * (ReferenceVolatility / volatility)
	notional /= m.cfg.RiskAversion
	if volatileRegime {
		notional *= VolatileRegimeSizeFactor
	}

	notional = utils.Clamp(notional, portfolioValue*MinPositionFraction, portfolioValue*m.cfg.MaxPositionSize)
	return notional / currentPrice
}

// CalculateTrailingStop ratchets a long position's stop upward as price moves
// favorably. The returned stop is never below the current one.
func (m *Manager) CalculateTrailingStop(entryPrice, currentPrice, currentStop float64) float64 {
	candidate := currentPrice * (1 - m.cfg.BaseStopLoss)
	if candidate > currentStop {
		return candidate
	}
	return currentStop
}

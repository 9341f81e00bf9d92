package risk

import (
	"math"
	"testing"

	"quant_engine_go/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRiskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		MaxPositionSize:   0.1,
		RiskAversion:      2.0,
		VolatilityWindow:  30,
		CorrelationWindow: 100,
		BaseStopLoss:      0.02,
		MinStopLoss:       0.01,
		MaxStopLoss:       0.05,
		Emergency: &config.EmergencyTriggers{
			MaxDrawdown:   0.15,
			MaxDailyLoss:  0.05,
			MinLiquidity:  100000,
			MaxVolatility: 0.5,
		},
	}
}

func TestDynamicStopLossBaseline(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	// Volatility at reference with no trend leaves the base 2% stop and the
	// fixed 2:1 target.
	cond := &MarketCondition{Volatility: ReferenceVolatility}
	stop, target, err := m.CalculateDynamicStopLoss("BTCUSDT", 100, 1, cond)
	require.NoError(t, err)
	assert.InDelta(t, 98.0, stop, 1e-9)
	assert.InDelta(t, 104.0, target, 1e-9)
}

func TestDynamicStopLossClamped(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	// Extreme volatility clamps at the maximum stop.
	cond := &MarketCondition{Volatility: 1.0, TrendStrength: 80}
	stop, target, err := m.CalculateDynamicStopLoss("BTCUSDT", 100, 1, cond)
	require.NoError(t, err)
	assert.InDelta(t, 95.0, stop, 1e-9)
	assert.InDelta(t, 110.0, target, 1e-9)

	// Near-zero volatility clamps at the minimum stop.
	cond = &MarketCondition{Volatility: 0.0001}
	stop, _, err = m.CalculateDynamicStopLoss("BTCUSDT", 100, 1, cond)
	require.NoError(t, err)
	assert.InDelta(t, 99.0, stop, 1e-9)
}

func TestDynamicStopLossStaysInBand(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	for _, cond := range []MarketCondition{
		{Volatility: 0}, {Volatility: 10, TrendStrength: 100},
		{Volatility: 0.02, TrendStrength: -200}, {Volatility: 0.5},
	} {
		cond := cond
		stop, _, err := m.CalculateDynamicStopLoss("X", 100, 1, &cond)
		require.NoError(t, err)
		pct := 1 - stop/100
		assert.GreaterOrEqual(t, pct, 0.01-1e-9)
		assert.LessOrEqual(t, pct, 0.05+1e-9)
	}
}

func TestDynamicStopLossMissingCondition(t *testing.T) {
	m := NewManager(newTestRiskConfig())
	_, _, err := m.CalculateDynamicStopLoss("NOPE", 100, 1, nil)
	assert.ErrorIs(t, err, ErrNoMarketCondition)
}

func TestUpdateMarketConditionFailsSoft(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	cond := m.UpdateMarketCondition("BTCUSDT", []float64{100, 101}, []float64{10})
	assert.Equal(t, MarketCondition{}, cond)

	stored, ok := m.MarketCondition("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, MarketCondition{}, stored)
}

func TestUpdateMarketConditionComputesVolatility(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	prices := make([]float64, 60)
	volumes := make([]float64, 60)
	for i := range prices {
		prices[i] = 100 + float64(i%2) // alternating 100/101
		volumes[i] = 5000
	}
	cond := m.UpdateMarketCondition("BTCUSDT", prices, volumes)
	assert.Greater(t, cond.Volatility, 0.0)
	assert.Equal(t, NeutralSentiment, cond.Sentiment)
	// 5000 units around price 100 is ~500k notional, above min_liquidity.
	assert.Equal(t, 1.0, cond.Liquidity)
}

func TestEmergencyShutdownDrawdownBoundary(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	const eps = 1e-6
	threshold := 0.15

	triggered, reason := m.CheckEmergencyShutdown(PortfolioSnapshot{
		TotalValue: 100 * (1 - threshold - eps),
		PeakValue:  100,
	})
	assert.True(t, triggered)
	assert.Contains(t, reason, "drawdown")

	triggered, _ = m.CheckEmergencyShutdown(PortfolioSnapshot{
		TotalValue: 100 * (1 - threshold + eps),
		PeakValue:  100,
	})
	assert.False(t, triggered)
}

func TestEmergencyShutdownDailyLoss(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	triggered, reason := m.CheckEmergencyShutdown(PortfolioSnapshot{
		TotalValue: 94,
		PeakValue:  100,
		DailyPL:    -6,
	})
	assert.True(t, triggered)
	assert.Contains(t, reason, "daily loss")
}

func TestEmergencyShutdownInstrumentTriggers(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	m.conditions["BTCUSDT"] = MarketCondition{Volatility: 0.6, Liquidity: 1}
	triggered, reason := m.CheckEmergencyShutdown(PortfolioSnapshot{TotalValue: 100, PeakValue: 100})
	assert.True(t, triggered)
	assert.Contains(t, reason, "volatility")

	m.conditions["BTCUSDT"] = MarketCondition{Volatility: 0.1, Liquidity: 0.3}
	triggered, reason = m.CheckEmergencyShutdown(PortfolioSnapshot{TotalValue: 100, PeakValue: 100})
	assert.True(t, triggered)
	assert.Contains(t, reason, "liquidity")
}

func TestEmergencyShutdownFailSafeOnBadInput(t *testing.T) {
	m := NewManager(newTestRiskConfig())
	triggered, reason := m.CheckEmergencyShutdown(PortfolioSnapshot{
		TotalValue: math.NaN(),
		PeakValue:  100,
	})
	assert.True(t, triggered)
	assert.Contains(t, reason, "risk assessment")
}

func TestOptimizePortfolioWeightsEqualFallback(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	holdings := map[string]float64{"A": 1, "B": 2}
	weights := m.OptimizePortfolioWeights(holdings, nil)
	assert.InDelta(t, 0.5, weights["A"], 1e-9)
	assert.InDelta(t, 0.5, weights["B"], 1e-9)
}

func TestOptimizePortfolioWeightsSumToOne(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	series := map[string][]float64{
		"A": {100, 101, 102, 103, 104, 105, 104, 106},
		"B": {50, 50.5, 51, 51.5, 52, 52.5, 52, 53},
		"C": {200, 198, 202, 196, 204, 194, 206, 192},
	}
	m.UpdateCorrelationMatrix(series)

	holdings := map[string]float64{"A": 1, "B": 1, "C": 1}
	expected := map[string]float64{"A": 0.05, "B": 0.02, "C": 0.10}
	weights := m.OptimizePortfolioWeights(holdings, expected)

	var total float64
	for _, w := range weights {
		assert.Greater(t, w, 0.0)
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	// C is the diversifier and carries the highest expected return.
	assert.Greater(t, weights["C"], weights["A"])
}

func TestCalculatePositionSize(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	// No condition data: reference volatility, so the ratio is 1.
	amount := m.CalculatePositionSize("BTCUSDT", 100, 100000, false)
	assert.InDelta(t, 50.0, amount, 1e-9) // 0.1*100000/2.0 / 100

	volatileAmount := m.CalculatePositionSize("BTCUSDT", 100, 100000, true)
	assert.InDelta(t, 25.0, volatileAmount, 1e-9)

	assert.Equal(t, 0.0, m.CalculatePositionSize("BTCUSDT", 0, 100000, false))
	assert.Equal(t, 0.0, m.CalculatePositionSize("BTCUSDT", 100, 0, false))
}

func TestCalculateTrailingStopMonotonic(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	stop := m.CalculateTrailingStop(100, 110, 98)
	assert.InDelta(t, 107.8, stop, 1e-9)

	// A pullback never lowers the stop.
	next := m.CalculateTrailingStop(100, 105, stop)
	assert.Equal(t, stop, next)

	// A new high raises it again.
	final := m.CalculateTrailingStop(100, 120, next)
	assert.InDelta(t, 117.6, final, 1e-9)
	assert.GreaterOrEqual(t, final, next)
}

func TestReviewPositions(t *testing.T) {
	m := NewManager(newTestRiskConfig())

	positions := []PositionSnapshot{
		{Symbol: "STOPPED", EntryPrice: 100, Amount: 1, StopLoss: 98, TakeProfit: 104},
		{Symbol: "TARGET", EntryPrice: 100, Amount: 2, StopLoss: 98, TakeProfit: 104},
		{Symbol: "TRAIL", EntryPrice: 100, Amount: 3, StopLoss: 98, TakeProfit: 200},
		{Symbol: "NOPRICE", EntryPrice: 100, Amount: 4, StopLoss: 98, TakeProfit: 104},
	}
	prices := map[string]float64{
		"STOPPED": 97.5,
		"TARGET":  104.5,
		"TRAIL":   110,
	}

	actions := m.ReviewPositions(positions, prices)
	require.Len(t, actions, 3)

	closeStop, ok := actions[0].(*ClosePositionAction)
	require.True(t, ok)
	assert.Equal(t, "STOPPED", closeStop.Symbol)
	assert.Contains(t, closeStop.Reason, "stop-loss")

	closeTarget, ok := actions[1].(*ClosePositionAction)
	require.True(t, ok)
	assert.Equal(t, "TARGET", closeTarget.Symbol)
	assert.Contains(t, closeTarget.Reason, "take-profit")

	trail, ok := actions[2].(*UpdateStopAction)
	require.True(t, ok)
	assert.Equal(t, "TRAIL", trail.Symbol)
	assert.InDelta(t, 107.8, trail.NewStop, 1e-9)
}

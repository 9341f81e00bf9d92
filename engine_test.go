package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"quant_engine_go/config"
	"quant_engine_go/exchange"
	"quant_engine_go/predictor"
	"quant_engine_go/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alwaysBuy is a predictor stub producing a constant full-confidence buy.
type alwaysBuy struct{}

func (alwaysBuy) Predict(bars []exchange.Bar) (predictor.Prediction, error) {
	return predictor.Prediction{
		Action:          predictor.Buy,
		Confidence:      1.0,
		PredictedReturn: 0.05,
	}, nil
}

func newTestEngineConfig(t *testing.T, maxPositions int) *config.Config {
	t.Helper()
	cfg := &config.Config{
		UseSimulation: true,
		Exchange: &config.ExchangeConfig{
			Symbols:            []string{"BTCUSDT", "ETHUSDT"},
			HTTPTimeoutSeconds: 5,
			SlippageTolerance:  0.002,
			RequestsPerSecond:  100,
			MaxRetries:         1,
		},
		Risk: &config.RiskConfig{
			MaxPositionSize:   0.1,
			RiskAversion:      2,
			VolatilityWindow:  30,
			CorrelationWindow: 100,
			BaseStopLoss:      0.02,
			MinStopLoss:       0.01,
			MaxStopLoss:       0.05,
			Emergency: &config.EmergencyTriggers{
				MaxDrawdown:   0.9,
				MaxDailyLoss:  0.9,
				MinLiquidity:  1,
				MaxVolatility: 100,
			},
		},
		Strategy: &config.StrategyConfig{
			Timeframes:          []string{"1h"},
			ConfidenceThreshold: 0.3,
			MinTrainingSamples:  100000, // keep tests from spending time on training
			PredictionThreshold: 0.01,
			RegimeWindow:        50,
		},
		Trading: &config.TradingConfig{
			UpdateIntervalSeconds:       1,
			MarketDataRefreshSeconds:    3600,
			ModelRetrainIntervalSeconds: 3600,
			RiskUpdateIntervalSeconds:   3600,
			MaxOpenPositions:            maxPositions,
			HistoryLimit:                120,
		},
		System: &config.SystemConfig{
			CPUThreads:     2,
			LogDirectory:   t.TempDir(),
			StateDirectory: t.TempDir(),
		},
		Logs: &config.LogConfig{LogLevel: "error", MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestEngine(t *testing.T, maxPositions int) (*Engine, *exchange.MockClient) {
	t.Helper()
	cfg := newTestEngineConfig(t, maxPositions)
	client := exchange.NewMockClient(42, cfg.Exchange.Symbols, 100)

	sm, err := state.NewFileManager(filepath.Join(cfg.System.StateDirectory, "state.json"))
	require.NoError(t, err)

	return NewEngine(cfg, client, alwaysBuy{}, sm), client
}

func TestEngineInitializeEntersRunning(t *testing.T) {
	e, _ := newTestEngine(t, 5)

	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, StateRunning, e.State())

	snap := e.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.InDelta(t, 100000.0, snap.Metrics.TotalValue, 1.0)
}

func TestEngineNeverExceedsMaxOpenPositions(t *testing.T) {
	e, _ := newTestEngine(t, 1)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.iterate(ctx))

	// Both symbols produce a buy signal but only one slot exists.
	snap := e.Snapshot()
	assert.Len(t, snap.Positions, 1)

	// Further iterations never breach the cap.
	require.NoError(t, e.iterate(ctx))
	assert.LessOrEqual(t, len(e.Snapshot().Positions), 1)
}

func TestEngineOpensPositionsWithProtectiveLevels(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.iterate(ctx))

	snap := e.Snapshot()
	require.NotEmpty(t, snap.Positions)
	for _, pos := range snap.Positions {
		assert.Greater(t, pos.Amount, 0.0)
		assert.Less(t, pos.StopLoss, pos.EntryPrice)
		assert.Greater(t, pos.TakeProfit, pos.EntryPrice)
		// The stop distance always lands inside the configured clamp band.
		pct := 1 - pos.StopLoss/pos.EntryPrice
		assert.GreaterOrEqual(t, pct, 0.01-1e-9)
		assert.LessOrEqual(t, pct, 0.05+1e-9)
		// Every entry rests a protective stop order on the exchange.
		assert.NotEmpty(t, pos.StopOrderID)
	}
}

func TestEngineTrailingStopReplacesRestingOrder(t *testing.T) {
	e, client := newTestEngine(t, 5)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.iterate(ctx))

	snap := e.Snapshot()
	require.NotEmpty(t, snap.Positions)
	before := snap.Positions[0]
	require.NotEmpty(t, before.StopOrderID)

	// A favorable move below the take-profit ratchets the trailing stop, which
	// must cancel the old resting order and rest a new one.
	client.SetPrice(before.Symbol, before.EntryPrice*1.015)
	require.NoError(t, e.iterate(ctx))

	var after state.Position
	found := false
	for _, pos := range e.Snapshot().Positions {
		if pos.Symbol == before.Symbol {
			after = pos
			found = true
		}
	}
	require.True(t, found)
	assert.Greater(t, after.StopLoss, before.StopLoss)
	assert.NotEmpty(t, after.StopOrderID)
	assert.NotEqual(t, before.StopOrderID, after.StopOrderID)
}

func TestEngineEmergencyLiquidatesEveryPosition(t *testing.T) {
	e, client := newTestEngine(t, 5)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.iterate(ctx))
	require.NotEmpty(t, e.Snapshot().Positions)

	// A collapse in tracked value breaches the drawdown trigger on the next
	// monitoring pass.
	e.tracker.UpdatePortfolioValue(e.tracker.Snapshot().PeakValue*0.05, time.Now())
	e.monitorPositions(ctx)

	snap := e.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.Contains(t, snap.EmergencyReason, "drawdown")

	portfolio, err := client.GetPortfolio(ctx)
	require.NoError(t, err)
	assert.Empty(t, portfolio.Positions)
}

func TestEngineRejectsTradesAboveSlippageTolerance(t *testing.T) {
	e, client := newTestEngine(t, 5)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	client.SetSlippage(0.05)

	require.NoError(t, e.iterate(ctx))
	assert.Empty(t, e.Snapshot().Positions)
}

func TestEngineEmergencyLatchBlocksEntry(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))

	e.mu.Lock()
	e.emergencyReason = "Excessive volatility in BTCUSDT: 60.00%"
	e.mu.Unlock()

	require.NoError(t, e.iterate(ctx))
	snap := e.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.NotEmpty(t, snap.EmergencyReason)

	// Clearing the latch re-enables entry on the next cycle.
	e.ClearEmergency()
	require.NoError(t, e.iterate(ctx))
	assert.NotEmpty(t, e.Snapshot().Positions)
}

func TestEngineShutdownClosesAllPositions(t *testing.T) {
	e, client := newTestEngine(t, 5)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.iterate(ctx))
	require.NotEmpty(t, e.Snapshot().Positions)

	e.shutdown()

	assert.Equal(t, StateStopped, e.State())
	assert.Empty(t, e.Snapshot().Positions)

	portfolio, err := client.GetPortfolio(ctx)
	require.NoError(t, err)
	assert.Empty(t, portfolio.Positions)
}

func TestEnginePersistsPositionsAcrossRestart(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.iterate(ctx))
	opened := e.Snapshot().Positions
	require.NotEmpty(t, opened)

	// A second engine on the same state file restores the book.
	client2 := exchange.NewMockClient(43, e.cfg.Exchange.Symbols, 100)
	sm2, err := state.NewFileManager(filepath.Join(e.cfg.System.StateDirectory, "state.json"))
	require.NoError(t, err)
	e2 := NewEngine(e.cfg, client2, alwaysBuy{}, sm2)
	require.NoError(t, e2.Initialize(ctx))

	restored := e2.Snapshot().Positions
	assert.Len(t, restored, len(opened))
	for _, pos := range restored {
		assert.NotEmpty(t, pos.StopOrderID)
	}
}

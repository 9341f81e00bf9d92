// engine.go
package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"quant_engine_go/config"
	"quant_engine_go/exchange"
	"quant_engine_go/logs"
	"quant_engine_go/predictor"
	"quant_engine_go/profit"
	"quant_engine_go/risk"
	"quant_engine_go/signals"
	"quant_engine_go/state"
	"quant_engine_go/strategy"
)

// EngineState is the lifecycle state of the control loop.
type EngineState string

const (
	StateInitializing EngineState = "initializing"
	StateRunning      EngineState = "running"
	StateShuttingDown EngineState = "shutting_down"
	StateStopped      EngineState = "stopped"
)

// iterationCooldown is slept after a failed iteration before the next one.
const iterationCooldown = config.DefaultCooldownSeconds * time.Second

// Position is a live open position, owned by the control goroutine. All
// writes happen there; Snapshot copies under the engine mutex.
type Position struct {
	Symbol      string
	Amount      float64
	EntryPrice  float64
	StopLoss    float64
	TakeProfit  float64
	StopOrderID string
	OpenedAt    time.Time
}

// Snapshot is the engine view exposed to status surfaces.
type Snapshot struct {
	State           EngineState
	Positions       []state.Position
	Metrics         profit.Metrics
	EmergencyReason string
}

// Engine drives the trading decision loop: market data refresh, model
// retraining, risk analysis, trade evaluation, position monitoring and
// metrics, in that fixed order. A single control goroutine owns all mutable
// state; the worker pool only hands back fetched data.
type Engine struct {
	cfg          *config.Config
	client       exchange.Client
	riskManager  *risk.Manager
	optimizer    *strategy.Optimizer
	combiner     *signals.Combiner
	pred         predictor.Predictor
	tracker      *profit.Tracker
	stateManager state.Manager

	mu              sync.RWMutex
	engineState     EngineState
	positions       map[string]*Position
	emergencyReason string

	// Control-goroutine state: never touched off the loop.
	marketData      map[string]map[string][]exchange.Bar // symbol -> timeframe -> bars
	lastDataRefresh time.Time
	lastRetrain     time.Time
	lastRiskUpdate  time.Time

	callTimeout time.Duration
}

// NewEngine wires an engine from its collaborators. The caller owns the
// choice of exchange client and predictor backend.
func NewEngine(cfg *config.Config, client exchange.Client, pred predictor.Predictor, stateManager state.Manager) *Engine {
	return &Engine{
		cfg:          cfg,
		client:       client,
		riskManager:  risk.NewManager(cfg.Risk),
		optimizer:    strategy.NewOptimizer(cfg.Strategy),
		combiner:     signals.NewCombiner(cfg.Strategy.PredictionThreshold),
		pred:         pred,
		tracker:      profit.NewTracker(0),
		stateManager: stateManager,
		engineState:  StateInitializing,
		positions:    make(map[string]*Position),
		marketData:   make(map[string]map[string][]exchange.Bar),
		callTimeout:  time.Duration(cfg.Exchange.HTTPTimeoutSeconds) * time.Second,
	}
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	e.engineState = s
	e.mu.Unlock()
	logs.Infof("[Engine] State -> %s", s)
}

// State returns the current lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.engineState
}

// Snapshot returns the status view: state, open positions, last metrics and
// the active emergency reason, if any.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{
		State:           e.engineState,
		Metrics:         e.tracker.Snapshot(),
		EmergencyReason: e.emergencyReason,
	}
	for _, pos := range e.positions {
		snap.Positions = append(snap.Positions, state.Position{
			Symbol:      pos.Symbol,
			Amount:      pos.Amount,
			EntryPrice:  pos.EntryPrice,
			StopLoss:    pos.StopLoss,
			TakeProfit:  pos.TakeProfit,
			StopOrderID: pos.StopOrderID,
			OpenedAt:    pos.OpenedAt,
		})
	}
	return snap
}

// Status implements the monitor's status contract.
func (e *Engine) Status() any {
	return e.Snapshot()
}

// ClearEmergency lifts the emergency latch so trade entry resumes. Intended
// for operator use after the underlying cause is resolved.
func (e *Engine) ClearEmergency() {
	e.mu.Lock()
	e.emergencyReason = ""
	e.mu.Unlock()
	if err := e.stateManager.SaveEmergency(""); err != nil {
		logs.Errorf("[Engine] Failed to persist emergency clear: %v", err)
	}
	logs.Warnf("[Engine] Emergency latch cleared by operator")
}

func (e *Engine) emergencyActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergencyReason != ""
}

// Initialize connects the exchange client, bootstraps historical data for
// every instrument and timeframe, and restores persisted state. Any failure
// here is fatal: the engine never enters Running.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.client.Initialize(ctx); err != nil {
		return fmt.Errorf("exchange initialization failed: %w", err)
	}

	if err := e.refreshMarketData(ctx, e.cfg.Trading.HistoryLimit); err != nil {
		return fmt.Errorf("historical data bootstrap failed: %w", err)
	}
	e.lastDataRefresh = time.Now()

	metricsRestored := e.restorePersistedState()

	portfolio, err := e.getPortfolio(ctx)
	if err != nil {
		return fmt.Errorf("initial portfolio query failed: %w", err)
	}
	if !metricsRestored {
		// Fresh start: anchor PnL and drawdown at the live portfolio value.
		e.tracker = profit.NewTracker(portfolio.TotalValue)
	}
	e.tracker.UpdatePortfolioValue(portfolio.TotalValue, time.Now())

	e.setState(StateRunning)
	return nil
}

func (e *Engine) restorePersistedState() bool {
	appState := e.stateManager.FullState()

	e.mu.Lock()
	for symbol, pos := range appState.Positions {
		e.positions[symbol] = &Position{
			Symbol:      pos.Symbol,
			Amount:      pos.Amount,
			EntryPrice:  pos.EntryPrice,
			StopLoss:    pos.StopLoss,
			TakeProfit:  pos.TakeProfit,
			StopOrderID: pos.StopOrderID,
			OpenedAt:    pos.OpenedAt,
		}
		logs.Infof("[Engine] Restored position %s: %.6f @ %.4f", symbol, pos.Amount, pos.EntryPrice)
	}
	e.emergencyReason = appState.EmergencyReason
	e.mu.Unlock()

	if appState.Metrics != nil {
		e.tracker.Restore(*appState.Metrics)
	}
	if appState.EmergencyReason != "" {
		logs.Warnf("[Engine] Emergency latch restored from state: %s", appState.EmergencyReason)
	}
	return appState.Metrics != nil
}

// Run executes the control loop until the context is cancelled, then runs the
// shutdown path. A per-iteration panic or error is logged and followed by a
// cooldown; it never kills the loop.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.Trading.UpdateIntervalSeconds) * time.Second

	for {
		// Shutdown is observed at iteration boundaries, never mid-iteration.
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		default:
		}

		if err := e.safeIterate(ctx); err != nil {
			logs.Errorf("[Engine] Iteration failed: %v. Cooling down for %s", err, iterationCooldown)
			sleepCtx(ctx, iterationCooldown)
			continue
		}
		sleepCtx(ctx, interval)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (e *Engine) safeIterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in iteration: %v", r)
		}
	}()
	return e.iterate(ctx)
}

// iterate runs one cycle in the mandatory order: data refresh, retraining,
// risk analysis, trade evaluation, position monitoring, metrics.
func (e *Engine) iterate(ctx context.Context) error {
	now := time.Now()

	if now.Sub(e.lastDataRefresh) >= time.Duration(e.cfg.Trading.MarketDataRefreshSeconds)*time.Second {
		if err := e.refreshMarketData(ctx, config.DefaultRefreshLimit); err != nil {
			logs.Errorf("[Engine] Market data refresh failed, continuing with stale data: %v", err)
		} else {
			e.lastDataRefresh = now
		}
	}

	if now.Sub(e.lastRetrain) >= time.Duration(e.cfg.Trading.ModelRetrainIntervalSeconds)*time.Second {
		e.retrainModels()
		e.lastRetrain = now
	}

	if now.Sub(e.lastRiskUpdate) >= time.Duration(e.cfg.Trading.RiskUpdateIntervalSeconds)*time.Second {
		e.updateRiskAnalysis()
		e.lastRiskUpdate = now
	}

	e.evaluateTrades(ctx)
	e.monitorPositions(ctx)
	return e.updateMetrics(ctx)
}

// getPrice wraps the exchange price query with the per-call timeout.
func (e *Engine) getPrice(ctx context.Context, symbol string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.client.GetPrice(callCtx, symbol)
}

func (e *Engine) getPortfolio(ctx context.Context) (*exchange.Portfolio, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.client.GetPortfolio(callCtx)
}

func (e *Engine) executeOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.client.ExecuteOrder(callCtx, req)
}

func (e *Engine) estimateSlippage(ctx context.Context, symbol string, side exchange.OrderSide, amount float64) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.client.EstimateSlippage(callCtx, symbol, side, amount)
}

func (e *Engine) cancelOrder(ctx context.Context, symbol, orderID string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.client.CancelOrder(callCtx, symbol, orderID)
}

type fetchResult struct {
	symbol    string
	timeframe string
	bars      []exchange.Bar
	err       error
}

// refreshMarketData fans the per-symbol/timeframe fetches out over a bounded
// worker pool and merges the results back on the control goroutine. Workers
// never touch engine state.
func (e *Engine) refreshMarketData(ctx context.Context, limit int) error {
	type fetchJob struct {
		symbol    string
		timeframe string
	}

	jobs := make(chan fetchJob)
	results := make(chan fetchResult)

	var wg sync.WaitGroup
	workers := e.cfg.System.CPUThreads
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
				bars, err := e.client.GetHistoricalData(callCtx, job.symbol, job.timeframe, limit)
				cancel()
				results <- fetchResult{symbol: job.symbol, timeframe: job.timeframe, bars: bars, err: err}
			}
		}()
	}

	go func() {
		for _, symbol := range e.cfg.Exchange.Symbols {
			for _, timeframe := range e.cfg.Strategy.Timeframes {
				jobs <- fetchJob{symbol: symbol, timeframe: timeframe}
			}
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for res := range results {
		if res.err != nil {
			logs.Errorf("[Engine] Fetch failed for %s %s: %v", res.symbol, res.timeframe, res.err)
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch %s %s: %w", res.symbol, res.timeframe, res.err)
			}
			continue
		}
		if e.marketData[res.symbol] == nil {
			e.marketData[res.symbol] = make(map[string][]exchange.Bar)
		}
		e.marketData[res.symbol][res.timeframe] = res.bars
	}
	return firstErr
}

// primaryTimeframe is the timeframe used for regime detection, risk series
// and the predictor input: 1h when configured, otherwise the last (longest
// by convention) configured timeframe.
func (e *Engine) primaryTimeframe() string {
	for _, tf := range e.cfg.Strategy.Timeframes {
		if tf == "1h" {
			return tf
		}
	}
	return e.cfg.Strategy.Timeframes[len(e.cfg.Strategy.Timeframes)-1]
}

func (e *Engine) retrainModels() {
	for _, symbol := range e.cfg.Exchange.Symbols {
		for _, timeframe := range e.cfg.Strategy.Timeframes {
			bars := e.marketData[symbol][timeframe]
			if len(bars) == 0 {
				continue
			}
			e.optimizer.TrainModel(symbol, timeframe, bars, false)
		}
	}
	if err := e.stateManager.SaveModelTimestamps(e.optimizer.ModelTimestamps()); err != nil {
		logs.Errorf("[Engine] Failed to persist model timestamps: %v", err)
	}
}

// updateRiskAnalysis refreshes per-instrument market conditions and rebuilds
// the correlation matrix from the primary-timeframe close series.
func (e *Engine) updateRiskAnalysis() {
	timeframe := e.primaryTimeframe()
	priceSeries := make(map[string][]float64, len(e.cfg.Exchange.Symbols))

	for _, symbol := range e.cfg.Exchange.Symbols {
		bars := e.marketData[symbol][timeframe]
		if len(bars) == 0 {
			continue
		}
		closes := make([]float64, len(bars))
		volumes := make([]float64, len(bars))
		for i, bar := range bars {
			closes[i] = bar.Close
			volumes[i] = bar.Volume
		}
		if len(closes) > e.cfg.Risk.CorrelationWindow {
			priceSeries[symbol] = closes[len(closes)-e.cfg.Risk.CorrelationWindow:]
		} else {
			priceSeries[symbol] = closes
		}
		e.riskManager.UpdateMarketCondition(symbol, closes, volumes)
	}
	e.riskManager.UpdateCorrelationMatrix(priceSeries)
}

// evaluateTrades scores every instrument and opens positions where the
// combined signal clears the gate. Rejections carry an explicit reason; only
// an undersized position aborts silently.
func (e *Engine) evaluateTrades(ctx context.Context) {
	if e.emergencyActive() {
		return
	}
	timeframe := e.primaryTimeframe()

	for _, symbol := range e.cfg.Exchange.Symbols {
		barsByTimeframe := e.marketData[symbol]
		primaryBars := barsByTimeframe[timeframe]
		if len(primaryBars) == 0 {
			continue
		}

		e.mu.RLock()
		_, held := e.positions[symbol]
		openCount := len(e.positions)
		e.mu.RUnlock()
		if held {
			continue
		}

		regime := e.optimizer.DetectMarketRegime(primaryBars, symbol)
		traditional := e.optimizer.AnalyzeMultipleTimeframes(symbol, barsByTimeframe)

		pred, err := e.pred.Predict(primaryBars)
		if err != nil {
			logs.Debugf("[Engine] Predictor unavailable for %s: %v", symbol, err)
			pred = predictor.Prediction{Action: predictor.Hold}
		}

		combined := e.combiner.Combine(traditional, pred)
		if combined <= e.cfg.Strategy.ConfidenceThreshold {
			continue
		}

		if openCount >= e.cfg.Trading.MaxOpenPositions {
			logs.Infof("[Engine] Trade rejected for %s: open positions at maximum (%d)", symbol, openCount)
			continue
		}

		if reason := e.openPosition(ctx, symbol, combined, regime); reason != "" {
			logs.Infof("[Engine] Trade rejected for %s: %s", symbol, reason)
		}
	}
}

// openPosition sizes, gates and submits one entry order. It returns a
// non-empty rejection reason when the trade was refused for a reportable
// cause; an undersized position returns "" and places no order.
func (e *Engine) openPosition(ctx context.Context, symbol string, signal float64, regime strategy.MarketRegime) string {
	price, err := e.getPrice(ctx, symbol)
	if err != nil {
		return fmt.Sprintf("missing price data: %v", err)
	}

	portfolioValue := e.tracker.Snapshot().TotalValue
	amount := e.riskManager.CalculatePositionSize(symbol, price, portfolioValue, regime.Type == strategy.Volatile)
	if amount <= 0 || amount*price < portfolioValue*risk.MinPositionFraction {
		return ""
	}

	slippage, err := e.estimateSlippage(ctx, symbol, exchange.Buy, amount)
	if err != nil {
		return fmt.Sprintf("slippage estimate failed: %v", err)
	}
	if slippage > e.cfg.Exchange.SlippageTolerance {
		return fmt.Sprintf("estimated slippage %.4f exceeds tolerance %.4f", slippage, e.cfg.Exchange.SlippageTolerance)
	}

	order, err := e.executeOrder(ctx, &exchange.OrderRequest{
		Symbol: symbol,
		Side:   exchange.Buy,
		Type:   exchange.Market,
		Amount: amount,
	})
	if err != nil {
		return fmt.Sprintf("order execution failed: %v", err)
	}

	// Post-fill slippage audit against the quoted price.
	if price > 0 {
		realized := math.Abs(order.FillPrice-price) / price
		if realized > e.cfg.Exchange.SlippageTolerance {
			logs.Warnf("[Engine] Fill slippage for %s was %.4f, above tolerance %.4f", symbol, realized, e.cfg.Exchange.SlippageTolerance)
		}
	}

	stopLoss, takeProfit, err := e.riskManager.CalculateDynamicStopLoss(symbol, order.FillPrice, order.FilledQty, nil)
	if err != nil {
		logs.Warnf("[Engine] No market condition for %s, using fixed stop levels: %v", symbol, err)
		stopLoss = order.FillPrice * (1 - risk.FallbackStopPct)
		takeProfit = order.FillPrice * (1 + risk.FallbackTargetPct)
	}

	e.tracker.RecordTrade(profit.Trade{
		Symbol:   symbol,
		Side:     exchange.Buy,
		Price:    order.FillPrice,
		Quantity: order.FilledQty,
		Time:     time.Now(),
		Reason:   fmt.Sprintf("entry signal %.3f", signal),
	})

	stopOrderID := e.placeStopOrder(ctx, symbol, order.FilledQty, stopLoss)

	e.mu.Lock()
	e.positions[symbol] = &Position{
		Symbol:      symbol,
		Amount:      order.FilledQty,
		EntryPrice:  order.FillPrice,
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		StopOrderID: stopOrderID,
		OpenedAt:    time.Now(),
	}
	e.mu.Unlock()

	logs.Infof("[Engine] Opened %s: %.6f @ %.4f, stop %.4f, target %.4f (signal %.3f)",
		symbol, order.FilledQty, order.FillPrice, stopLoss, takeProfit, signal)
	e.persistPositions()
	return ""
}

// placeStopOrder rests a protective stop order on the exchange and returns its
// ID. A failed placement is not fatal: the monitoring pass still enforces the
// stop level in software, so the engine logs and carries on without a resting
// order.
func (e *Engine) placeStopOrder(ctx context.Context, symbol string, amount, stopPrice float64) string {
	order, err := e.executeOrder(ctx, &exchange.OrderRequest{
		Symbol: symbol,
		Side:   exchange.Sell,
		Type:   exchange.StopLoss,
		Amount: amount,
		Price:  stopPrice,
	})
	if err != nil {
		logs.Warnf("[Engine] Failed to place protective stop for %s at %.4f: %v", symbol, stopPrice, err)
		return ""
	}
	return order.OrderID
}

// moveStopOrder cancels a position's resting stop and rests a replacement at
// the new level.
func (e *Engine) moveStopOrder(ctx context.Context, symbol, prevOrderID string, amount, stopPrice float64) string {
	if prevOrderID != "" {
		if err := e.cancelOrder(ctx, symbol, prevOrderID); err != nil {
			logs.Warnf("[Engine] Failed to cancel stop order %s for %s: %v", prevOrderID, symbol, err)
		}
	}
	return e.placeStopOrder(ctx, symbol, amount, stopPrice)
}

// monitorPositions runs the protective pass: stop/target hits close
// positions, trailing stops ratchet, and the emergency triggers are
// evaluated against the latest portfolio aggregates.
func (e *Engine) monitorPositions(ctx context.Context) {
	e.mu.RLock()
	snapshots := make([]risk.PositionSnapshot, 0, len(e.positions))
	for _, pos := range e.positions {
		snapshots = append(snapshots, risk.PositionSnapshot{
			Symbol:     pos.Symbol,
			EntryPrice: pos.EntryPrice,
			Amount:     pos.Amount,
			StopLoss:   pos.StopLoss,
			TakeProfit: pos.TakeProfit,
		})
	}
	e.mu.RUnlock()

	prices := make(map[string]float64, len(snapshots))
	for _, snap := range snapshots {
		price, err := e.getPrice(ctx, snap.Symbol)
		if err != nil {
			logs.Errorf("[Engine] Price fetch failed for %s during monitoring: %v", snap.Symbol, err)
			continue
		}
		prices[snap.Symbol] = price
	}

	changed := false
	for _, action := range e.riskManager.ReviewPositions(snapshots, prices) {
		switch act := action.(type) {
		case *risk.UpdateStopAction:
			e.mu.RLock()
			pos, held := e.positions[act.Symbol]
			var amount float64
			var prevOrderID string
			if held {
				amount = pos.Amount
				prevOrderID = pos.StopOrderID
			}
			e.mu.RUnlock()
			if !held {
				continue
			}

			newOrderID := e.moveStopOrder(ctx, act.Symbol, prevOrderID, amount, act.NewStop)
			e.mu.Lock()
			if pos, ok := e.positions[act.Symbol]; ok {
				pos.StopLoss = act.NewStop
				pos.StopOrderID = newOrderID
				changed = true
			}
			e.mu.Unlock()
			logs.Debugf("[Engine] %s", act.Description())
		case *risk.ClosePositionAction:
			logs.Infof("[Engine] %s", act.Description())
			if e.closePosition(ctx, act.Symbol, act.Reason) {
				changed = true
			}
		}
	}
	if changed {
		e.persistPositions()
	}

	metrics := e.tracker.Snapshot()
	emergency, reason := e.riskManager.CheckEmergencyShutdown(risk.PortfolioSnapshot{
		TotalValue: metrics.TotalValue,
		PeakValue:  metrics.PeakValue,
		DailyPL:    metrics.DailyPnL,
	})
	if emergency && !e.emergencyActive() {
		e.triggerEmergency(ctx, reason)
	}
}

// triggerEmergency liquidates everything and latches new trade entry shut
// until ClearEmergency is called.
func (e *Engine) triggerEmergency(ctx context.Context, reason string) {
	act := risk.LiquidateAllAction{Reason: reason}
	logs.Errorf("[Engine] EMERGENCY SHUTDOWN: %s", act.Description())

	e.mu.Lock()
	e.emergencyReason = reason
	symbols := make([]string, 0, len(e.positions))
	for symbol := range e.positions {
		symbols = append(symbols, symbol)
	}
	e.mu.Unlock()

	for _, symbol := range symbols {
		e.closePosition(ctx, symbol, act.Description())
	}
	e.persistPositions()
	if err := e.stateManager.SaveEmergency(reason); err != nil {
		logs.Errorf("[Engine] Failed to persist emergency reason: %v", err)
	}
}

// closePosition cancels the position's resting stop, sells out at market and
// books the fill. Returns true when the position was removed.
func (e *Engine) closePosition(ctx context.Context, symbol, reason string) bool {
	e.mu.RLock()
	pos, ok := e.positions[symbol]
	e.mu.RUnlock()
	if !ok {
		return false
	}

	if pos.StopOrderID != "" {
		if err := e.cancelOrder(ctx, symbol, pos.StopOrderID); err != nil {
			logs.Warnf("[Engine] Failed to cancel stop order %s for %s: %v", pos.StopOrderID, symbol, err)
		}
	}

	order, err := e.executeOrder(ctx, &exchange.OrderRequest{
		Symbol: symbol,
		Side:   exchange.Sell,
		Type:   exchange.Market,
		Amount: pos.Amount,
	})
	if err != nil {
		logs.Errorf("[Engine] Failed to close %s: %v", symbol, err)
		return false
	}

	e.tracker.RecordTrade(profit.Trade{
		Symbol:   symbol,
		Side:     exchange.Sell,
		Price:    order.FillPrice,
		Quantity: order.FilledQty,
		Time:     time.Now(),
		Reason:   reason,
	})

	e.mu.Lock()
	delete(e.positions, symbol)
	e.mu.Unlock()

	logs.Infof("[Engine] Closed %s: %.6f @ %.4f (%s)", symbol, order.FilledQty, order.FillPrice, reason)
	return true
}

func (e *Engine) persistPositions() {
	e.mu.RLock()
	persisted := make(map[string]state.Position, len(e.positions))
	for symbol, pos := range e.positions {
		persisted[symbol] = state.Position{
			Symbol:      pos.Symbol,
			Amount:      pos.Amount,
			EntryPrice:  pos.EntryPrice,
			StopLoss:    pos.StopLoss,
			TakeProfit:  pos.TakeProfit,
			StopOrderID: pos.StopOrderID,
			OpenedAt:    pos.OpenedAt,
		}
	}
	e.mu.RUnlock()

	if err := e.stateManager.SavePositions(persisted); err != nil {
		logs.Errorf("[Engine] Failed to persist positions: %v", err)
	}
}

// updateMetrics marks the tracker to the live portfolio value and persists
// the snapshot.
func (e *Engine) updateMetrics(ctx context.Context) error {
	portfolio, err := e.getPortfolio(ctx)
	if err != nil {
		return fmt.Errorf("portfolio query failed: %w", err)
	}

	e.tracker.UpdatePortfolioValue(portfolio.TotalValue, time.Now())
	if err := e.stateManager.SaveMetrics(e.tracker.Snapshot()); err != nil {
		logs.Errorf("[Engine] Failed to persist metrics: %v", err)
	}
	return nil
}

// shutdown closes all open positions at market, persists final state and
// releases the exchange client.
func (e *Engine) shutdown() {
	e.setState(StateShuttingDown)

	// A fresh context: the loop context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.callTimeout)
	defer cancel()

	e.mu.RLock()
	symbols := make([]string, 0, len(e.positions))
	for symbol := range e.positions {
		symbols = append(symbols, symbol)
	}
	e.mu.RUnlock()

	for _, symbol := range symbols {
		e.closePosition(ctx, symbol, "engine shutdown")
	}
	e.persistPositions()

	if err := e.stateManager.SaveMetrics(e.tracker.Snapshot()); err != nil {
		logs.Errorf("[Engine] Failed to persist final metrics: %v", err)
	}
	if err := e.client.Close(); err != nil {
		logs.Errorf("[Engine] Failed to close exchange client: %v", err)
	}

	e.setState(StateStopped)
	logs.Info("[Engine] All positions closed, engine stopped.")
}

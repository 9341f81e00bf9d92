package profit

import (
	"math"
	"sync"
	"time"

	"quant_engine_go/exchange"
)

// sharpeAnnualization scales the daily-return Sharpe ratio to a yearly figure.
const sharpeAnnualization = 252

// Trade is one executed fill, containing all details needed for precise
// profit/loss and win-rate tracking.
type Trade struct {
	Symbol    string             `json:"symbol"`
	Side      exchange.OrderSide `json:"side"`
	Price     float64            `json:"price"`  // actual fill price
	Quantity  float64            `json:"quantity"`
	Time      time.Time          `json:"time"`
	Reason    string             `json:"reason"` // entry signal, stop-loss, take-profit, liquidation
	EntryCost float64            `json:"entry_cost"` // average entry cost at time of a closing fill
	PnL       float64            `json:"pnl"`        // realized on closing fills, 0 on entries
}

// Metrics is the performance snapshot exposed to status surfaces and
// persisted across restarts.
type Metrics struct {
	TotalValue    float64 `json:"total_value"`
	PeakValue     float64 `json:"peak_value"`
	DailyPnL      float64 `json:"daily_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
	WinRate       float64 `json:"win_rate"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
}

// symbolPosition tracks quantity and weighted average cost for one instrument.
type symbolPosition struct {
	quantity float64
	avgCost  float64
}

// Tracker records fills, maintains weighted-average-cost positions per
// instrument, and derives the performance metrics. A closing fill counts as a
// win when its fill price beats the position's average entry cost at the time
// of the close, not the market price afterwards.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]*symbolPosition
	trades    []Trade
	metrics   Metrics

	initialValue float64
	dayStart     time.Time
	dayOpenValue float64
	dailyCloses  []float64 // portfolio value at each UTC day rollover
}

// NewTracker creates a performance tracker anchored at the starting portfolio
// value.
func NewTracker(initialValue float64) *Tracker {
	now := time.Now().UTC()
	return &Tracker{
		positions:    make(map[string]*symbolPosition),
		initialValue: initialValue,
		dayStart:     now.Truncate(24 * time.Hour),
		dayOpenValue: initialValue,
		metrics: Metrics{
			TotalValue: initialValue,
			PeakValue:  initialValue,
		},
	}
}

// RecordTrade books one fill and updates the position and win statistics.
// Buys extend the position at weighted average cost; sells realize PnL
// against that cost.
func (t *Tracker) RecordTrade(trade Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[trade.Symbol]
	if !ok {
		pos = &symbolPosition{}
		t.positions[trade.Symbol] = pos
	}

	if trade.Side == exchange.Buy {
		newQty := pos.quantity + trade.Quantity
		if newQty > 0 {
			pos.avgCost = (pos.avgCost*pos.quantity + trade.Price*trade.Quantity) / newQty
		}
		pos.quantity = newQty
	} else {
		closeQty := math.Min(pos.quantity, trade.Quantity)
		trade.EntryCost = pos.avgCost
		trade.PnL = (trade.Price - pos.avgCost) * closeQty
		t.metrics.RealizedPnL += trade.PnL

		t.metrics.TotalTrades++
		if trade.Price > pos.avgCost {
			t.metrics.WinningTrades++
		}
		if t.metrics.TotalTrades > 0 {
			t.metrics.WinRate = float64(t.metrics.WinningTrades) / float64(t.metrics.TotalTrades)
		}

		pos.quantity -= closeQty
		if pos.quantity <= 0 {
			delete(t.positions, trade.Symbol)
		}
	}

	t.trades = append(t.trades, trade)
}

// UpdatePortfolioValue marks the book to the latest portfolio value and rolls
// the daily PnL window at UTC midnight.
func (t *Tracker) UpdatePortfolioValue(totalValue float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(t.dayStart) {
		t.dailyCloses = append(t.dailyCloses, t.metrics.TotalValue)
		t.dayStart = day
		t.dayOpenValue = t.metrics.TotalValue
	}

	t.metrics.TotalValue = totalValue
	if totalValue > t.metrics.PeakValue {
		t.metrics.PeakValue = totalValue
	}
	t.metrics.DailyPnL = totalValue - t.dayOpenValue
	t.metrics.TotalPnL = totalValue - t.initialValue
	t.metrics.SharpeRatio = t.sharpeLocked()
}

// sharpeLocked computes the annualized Sharpe ratio from the daily close
// series. Needs at least two full days; returns 0 otherwise.
func (t *Tracker) sharpeLocked() float64 {
	if len(t.dailyCloses) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(t.dailyCloses)-1)
	for i := 1; i < len(t.dailyCloses); i++ {
		if t.dailyCloses[i-1] > 0 {
			returns = append(returns, t.dailyCloses[i]/t.dailyCloses[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	sd := math.Sqrt(variance / float64(len(returns)-1))
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(sharpeAnnualization)
}

// Snapshot returns a copy of the current metrics.
func (t *Tracker) Snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// TradeHistory returns a copy of the recorded fills.
func (t *Tracker) TradeHistory() []Trade {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Trade, len(t.trades))
	copy(out, t.trades)
	return out
}

// Restore seeds the tracker from a persisted snapshot after a restart. Trade
// history is not replayed; only the aggregates survive.
func (t *Tracker) Restore(m Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
	t.dayOpenValue = m.TotalValue - m.DailyPnL
	if m.TotalValue > 0 {
		t.initialValue = m.TotalValue - m.TotalPnL
	}
}

package exchange

//
// Complete mock client for running and testing the engine without a real API.
//

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"quant_engine_go/logs"

	"github.com/google/uuid"
)

// Ensure MockClient implements the Client interface.
var _ Client = (*MockClient)(nil)

const (
	mockInitialCash   = 100000.0
	mockBaseSlippage  = 0.0002 // 2 bps at minimal size
	mockDepthPerLevel = 50.0   // units absorbed before slippage grows
)

// MockClient is an in-memory simulated exchange. Prices follow a seeded
// random walk, orders fill immediately at the simulated price plus a
// size-dependent slippage, and the account is tracked as cash plus holdings.
type MockClient struct {
	mu       sync.RWMutex
	rng      *rand.Rand
	prices   map[string]float64
	drift    map[string]float64
	holdings map[string]float64
	avgEntry map[string]float64
	cash     float64
	orders   map[string]*Order
	failNext error
	slippage float64
}

// NewMockClient creates a simulated exchange seeded for reproducible runs.
func NewMockClient(seed int64, symbols []string, initialPrice float64) *MockClient {
	rng := rand.New(rand.NewSource(seed))
	mc := &MockClient{
		rng:      rng,
		prices:   make(map[string]float64),
		drift:    make(map[string]float64),
		holdings: make(map[string]float64),
		avgEntry: make(map[string]float64),
		cash:     mockInitialCash,
		orders:   make(map[string]*Order),
		slippage: mockBaseSlippage,
	}
	for _, s := range symbols {
		mc.prices[s] = initialPrice * (0.9 + 0.2*rng.Float64())
		mc.drift[s] = (rng.Float64() - 0.5) * 0.0004
	}
	return mc
}

// SetPrice pins the simulated price of a symbol, for tests.
func (c *MockClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

// SetSlippage overrides the simulated slippage fraction, for tests.
func (c *MockClient) SetSlippage(fraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slippage = fraction
}

// FailNext makes the next exchange call return err once, for tests.
func (c *MockClient) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

func (c *MockClient) takeFailure() error {
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	return nil
}

// Initialize is a no-op for the mock client.
func (c *MockClient) Initialize(ctx context.Context) error {
	logs.Warnf("<<<<<<<<<< WARNING: Running against the simulated exchange >>>>>>>>>>")
	return nil
}

// Close is a no-op for the mock client.
func (c *MockClient) Close() error {
	return nil
}

// step advances the random walk for one symbol.
func (c *MockClient) step(symbol string) float64 {
	price, ok := c.prices[symbol]
	if !ok {
		price = 100.0
	}
	shock := (c.rng.Float64() - 0.5) * 0.004
	price *= 1 + c.drift[symbol] + shock
	if price < 0.0001 {
		price = 0.0001
	}
	c.prices[symbol] = price
	return price
}

// GetHistoricalData synthesizes a bar series ending at the current simulated
// price, oldest first.
func (c *MockClient) GetHistoricalData(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}

	interval, err := parseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	endPrice := c.step(symbol)
	bars := make([]Bar, limit)
	price := endPrice
	now := time.Now().Truncate(interval)

	// Walk backwards from the current price so the last bar is always fresh.
	for i := limit - 1; i >= 0; i-- {
		move := (c.rng.Float64() - 0.5) * 0.006
		open := price / (1 + move)
		high := math.Max(open, price) * (1 + c.rng.Float64()*0.002)
		low := math.Min(open, price) * (1 - c.rng.Float64()*0.002)
		bars[i] = Bar{
			OpenTime: now.Add(-time.Duration(limit-i) * interval),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    price,
			Volume:   1000 + c.rng.Float64()*9000,
		}
		price = open
	}
	return bars, nil
}

func parseTimeframe(timeframe string) (time.Duration, error) {
	if timeframe == "" {
		return 0, fmt.Errorf("empty timeframe")
	}
	unit := timeframe[len(timeframe)-1]
	n, err := strconv.Atoi(timeframe[:len(timeframe)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}
}

// GetPrice returns the current simulated price.
func (c *MockClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return 0, err
	}
	price, ok := c.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown symbol %s", symbol)
	}
	return price, nil
}

// GetPortfolio values holdings at current simulated prices.
func (c *MockClient) GetPortfolio(ctx context.Context) (*Portfolio, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}

	portfolio := &Portfolio{
		TotalValue: c.cash,
		Positions:  make(map[string]PortfolioPosition),
	}
	for symbol, amount := range c.holdings {
		if amount == 0 {
			continue
		}
		value := amount * c.prices[symbol]
		portfolio.TotalValue += value
		portfolio.Positions[symbol] = PortfolioPosition{
			Symbol:     symbol,
			Amount:     amount,
			EntryPrice: c.avgEntry[symbol],
			Value:      value,
		}
	}
	portfolio.TotalPnL = portfolio.TotalValue - mockInitialCash
	return portfolio, nil
}

// ExecuteOrder fills market orders immediately at the simulated price shifted
// by the configured slippage. Stop orders rest until cancelled; the mock does
// not run a matching loop, the engine's trailing pass replaces them anyway.
func (c *MockClient) ExecuteOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("order amount must be positive")
	}

	price, ok := c.prices[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", req.Symbol)
	}

	order := &Order{
		Symbol:        req.Symbol,
		OrderID:       strconv.Itoa(len(c.orders) + 1),
		ClientOrderID: uuid.NewString(),
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Price:         req.Price,
		Status:        New,
		UpdateTime:    time.Now(),
	}

	if req.Type == Market {
		fillPrice := price * (1 + c.slippage)
		if req.Side == Sell {
			fillPrice = price * (1 - c.slippage)
		}

		if req.Side == Buy {
			cost := fillPrice * req.Amount
			if cost > c.cash {
				return nil, fmt.Errorf("insufficient balance: need %.2f, have %.2f", cost, c.cash)
			}
			prev := c.holdings[req.Symbol]
			c.cash -= cost
			c.holdings[req.Symbol] = prev + req.Amount
			c.avgEntry[req.Symbol] = (c.avgEntry[req.Symbol]*prev + fillPrice*req.Amount) / (prev + req.Amount)
		} else {
			if c.holdings[req.Symbol] < req.Amount {
				return nil, fmt.Errorf("insufficient holdings: need %f, have %f", req.Amount, c.holdings[req.Symbol])
			}
			c.cash += fillPrice * req.Amount
			c.holdings[req.Symbol] -= req.Amount
		}

		order.Status = Filled
		order.FillPrice = fillPrice
		order.FilledQty = req.Amount
	}

	c.orders[order.OrderID] = order
	return order, nil
}

// CancelOrder cancels a resting order.
func (c *MockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return err
	}
	order, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	if order.Status == Filled {
		return fmt.Errorf("order %s already filled", orderID)
	}
	order.Status = Canceled
	return nil
}

// EstimateSlippage grows linearly with order size to mimic walking a book.
func (c *MockClient) EstimateSlippage(ctx context.Context, symbol string, side OrderSide, amount float64) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slippage * (1 + amount/mockDepthPerLevel), nil
}

package exchange

import (
	"context"
	"errors"
	"time"
)

// ErrTransient marks network-level failures. The control loop treats these as
// retryable-by-caller: it logs and continues the cycle with stale data.
var ErrTransient = errors.New("transient exchange error")

// Bar is a single OHLCV candle.
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// OrderSide defines the order direction (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType defines the order type.
type OrderType string

const (
	Market   OrderType = "MARKET"
	Limit    OrderType = "LIMIT"
	StopLoss OrderType = "STOP_LOSS"
)

// OrderStatus defines the order status.
type OrderStatus string

const (
	New      OrderStatus = "NEW"
	Filled   OrderStatus = "FILLED"
	Canceled OrderStatus = "CANCELED"
	Rejected OrderStatus = "REJECTED"
)

// OrderRequest describes an order to be submitted.
type OrderRequest struct {
	Symbol string
	Side   OrderSide
	Type   OrderType
	Amount float64
	Price  float64 // limit or stop price; ignored for MARKET orders
}

// Order is the exchange's view of a submitted order. FillPrice is the actual
// average execution price; the engine uses it to verify slippage after the fact.
type Order struct {
	Symbol        string      `json:"symbol"`
	OrderID       string      `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Amount        float64     `json:"amount"`
	Price         float64     `json:"price"`
	FillPrice     float64     `json:"fillPrice"`
	FilledQty     float64     `json:"filledQty"`
	Status        OrderStatus `json:"status"`
	UpdateTime    time.Time   `json:"updateTime"`
}

// PortfolioPosition is one holding inside a portfolio snapshot.
type PortfolioPosition struct {
	Symbol     string  `json:"symbol"`
	Amount     float64 `json:"amount"`
	EntryPrice float64 `json:"entry_price"`
	Value      float64 `json:"value"`
}

// Portfolio is the account snapshot returned by the exchange. The ratio
// metrics (win rate, Sharpe) are zero-valued when the venue cannot supply
// them; the engine overlays its own ledger in that case.
type Portfolio struct {
	TotalValue  float64                      `json:"total_value"`
	DailyPnL    float64                      `json:"daily_pnl"`
	TotalPnL    float64                      `json:"total_pnl"`
	WinRate     float64                      `json:"win_rate"`
	SharpeRatio float64                      `json:"sharpe_ratio"`
	Positions   map[string]PortfolioPosition `json:"positions"`
}

// Client defines the contract the control loop requires from the exchange
// collaborator. All calls carry a context; implementations must bound their
// own timeouts and retries so the control thread never stalls indefinitely.
type Client interface {
	// Initialize establishes connectivity. A failure here is fatal to the
	// engine; it never enters the running state.
	Initialize(ctx context.Context) error

	// GetHistoricalData fetches up to limit OHLCV bars for a symbol and
	// timeframe, oldest first. May fail with ErrTransient.
	GetHistoricalData(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)

	// GetPortfolio returns the current account snapshot.
	GetPortfolio(ctx context.Context) (*Portfolio, error)

	// ExecuteOrder submits an order and reports the actual fill.
	ExecuteOrder(ctx context.Context, req *OrderRequest) (*Order, error)

	// CancelOrder cancels an active order (protective stops during trailing updates).
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// EstimateSlippage returns the expected execution slippage fraction for
	// an order of the given size, used as a pre-trade gate.
	EstimateSlippage(ctx context.Context, symbol string, side OrderSide, amount float64) (float64, error)

	// GetPrice returns the latest trade price for a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// Close releases exchange resources during shutdown.
	Close() error
}

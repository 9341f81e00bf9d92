// exchange/client.go
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"quant_engine_go/logs"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Ensure APIClient implements the Client interface.
var _ Client = (*APIClient)(nil)

// quoteAsset is the accounting currency all portfolio values are expressed in.
const quoteAsset = "USDT"

// APIClient talks to a Binance-style spot REST API. Transient failures
// (network errors, HTTP 5xx, 429) are retried with exponential backoff up to
// maxRetries; client errors are surfaced immediately. A shared rate limiter
// keeps request bursts inside the venue's weight budget.
type APIClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	timeOffset int64

	mu         sync.Mutex
	priceCache map[string]float64
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// NewAPIClient creates a new REST client.
func NewAPIClient(apiKey, apiSecret, baseURL string, timeoutSeconds int, requestsPerSecond float64, maxRetries int) *APIClient {
	return &APIClient{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		http:       &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
		maxRetries: uint64(maxRetries),
		priceCache: make(map[string]float64),
	}
}

// Initialize synchronizes time with the server. A failure here is fatal to
// the engine.
func (c *APIClient) Initialize(ctx context.Context) error {
	var timeResp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v3/time", url.Values{}, false, &timeResp); err != nil {
		return fmt.Errorf("failed to sync exchange time: %w", err)
	}
	c.timeOffset = timeResp.ServerTime - time.Now().UnixMilli()
	logs.Infof("[API Client] Time synchronization completed, offset: %d ms", c.timeOffset)
	return nil
}

// Close releases client resources. The HTTP client holds no persistent
// connections worth draining, so this is a no-op today.
func (c *APIClient) Close() error {
	logs.Info("[API Client] Connection closed.")
	return nil
}

// sendRequest performs one rate-limited, optionally signed request with
// backoff on transient failures.
func (c *APIClient) sendRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool, target interface{}) error {
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		query := params
		if signed {
			// Signed requests carry a fresh calibrated timestamp per attempt.
			query = cloneValues(params)
			query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli()+c.timeOffset, 10))
			mac := hmac.New(sha256.New, []byte(c.apiSecret))
			_, _ = mac.Write([]byte(query.Encode()))
			query.Set("signature", hex.EncodeToString(mac.Sum(nil)))
		}

		fullURL := c.baseURL + endpoint
		if encoded := query.Encode(); encoded != "" {
			fullURL += "?" + encoded
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: failed to read response body: %v", ErrTransient, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: HTTP %d, body: %s", ErrTransient, resp.StatusCode, string(body))
		}
		if resp.StatusCode >= 400 {
			var errResp apiError
			if json.Unmarshal(body, &errResp) == nil && errResp.Msg != "" {
				return backoff.Permanent(fmt.Errorf("API error: %s (code: %d)", errResp.Msg, errResp.Code))
			}
			return backoff.Permanent(fmt.Errorf("API error: HTTP %d, body: %s", resp.StatusCode, string(body)))
		}

		if target != nil {
			if err := json.Unmarshal(body, target); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(body)))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(operation, policy)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// GetHistoricalData fetches OHLCV bars, oldest first.
func (c *APIClient) GetHistoricalData(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	// Klines come back as heterogeneous arrays:
	// [openTime, "open", "high", "low", "close", "volume", ...]
	var raw [][]interface{}
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v3/klines", params, false, &raw); err != nil {
		return nil, err
	}

	bars := make([]Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, ok := k[0].(float64)
		if !ok {
			continue
		}
		bar := Bar{OpenTime: time.UnixMilli(int64(openTime))}
		fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		valid := true
		for i, dst := range fields {
			s, ok := k[i+1].(string)
			if !ok {
				valid = false
				break
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				valid = false
				break
			}
			*dst = v
		}
		if valid {
			bars = append(bars, bar)
		}
	}
	return bars, nil
}

// GetPrice returns the latest trade price for a symbol.
func (c *APIClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var data struct {
		Price string `json:"price"`
	}
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, false, &data); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(data.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price %q: %w", data.Price, err)
	}

	c.mu.Lock()
	c.priceCache[symbol] = price
	c.mu.Unlock()
	return price, nil
}

// GetPortfolio builds an account snapshot from spot balances. Non-quote
// assets are valued at their last cached price against the quote asset.
// Ratio metrics are left zero; the engine's own ledger supplies them.
func (c *APIClient) GetPortfolio(ctx context.Context) (*Portfolio, error) {
	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true, &account); err != nil {
		return nil, err
	}

	portfolio := &Portfolio{Positions: make(map[string]PortfolioPosition)}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		amount := free + locked
		if amount == 0 {
			continue
		}
		if b.Asset == quoteAsset {
			portfolio.TotalValue += amount
			continue
		}
		symbol := b.Asset + quoteAsset
		price, ok := c.priceCache[symbol]
		if !ok {
			logs.Warnf("[API Client] No cached price for %s, excluding from portfolio value", symbol)
			continue
		}
		value := amount * price
		portfolio.TotalValue += value
		portfolio.Positions[symbol] = PortfolioPosition{
			Symbol: symbol,
			Amount: amount,
			Value:  value,
		}
	}
	return portfolio, nil
}

// ExecuteOrder submits an order and reports the actual fill price.
func (c *APIClient) ExecuteOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Amount, 'f', -1, 64))
	params.Set("newClientOrderId", uuid.NewString())
	params.Set("newOrderRespType", "FULL")

	switch req.Type {
	case Limit:
		if req.Price <= 0 {
			return nil, fmt.Errorf("price required for LIMIT orders")
		}
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	case StopLoss:
		if req.Price <= 0 {
			return nil, fmt.Errorf("stop price required for STOP_LOSS orders")
		}
		params.Set("stopPrice", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		Fills         []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
	}
	if err := c.sendRequest(ctx, http.MethodPost, "/api/v3/order", params, true, &resp); err != nil {
		return nil, err
	}

	filledQty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	var fillValue, fillQty float64
	for _, f := range resp.Fills {
		p, _ := strconv.ParseFloat(f.Price, 64)
		q, _ := strconv.ParseFloat(f.Qty, 64)
		fillValue += p * q
		fillQty += q
	}
	var fillPrice float64
	if fillQty > 0 {
		fillPrice = fillValue / fillQty
	}

	return &Order{
		Symbol:        req.Symbol,
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Price:         req.Price,
		FillPrice:     fillPrice,
		FilledQty:     filledQty,
		Status:        OrderStatus(resp.Status),
		UpdateTime:    time.Now(),
	}, nil
}

// CancelOrder cancels an active order.
func (c *APIClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return c.sendRequest(ctx, http.MethodDelete, "/api/v3/order", params, true, nil)
}

// EstimateSlippage walks the order book to estimate the execution slippage
// fraction for an order of the given size. Insufficient depth yields +Inf so
// the trade gate always rejects it.
func (c *APIClient) EstimateSlippage(ctx context.Context, symbol string, side OrderSide, amount float64) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", "20")

	var book struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v3/depth", params, false, &book); err != nil {
		return 0, err
	}

	levels := book.Asks
	if side == Sell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return inf(), nil
	}

	bestPrice, err := strconv.ParseFloat(levels[0][0], 64)
	if err != nil || bestPrice <= 0 {
		return inf(), nil
	}

	remaining := amount
	var weightedCost float64
	for _, level := range levels {
		if remaining <= 0 {
			break
		}
		if len(level) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(level[0], 64)
		qty, err2 := strconv.ParseFloat(level[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		filled := qty
		if remaining < qty {
			filled = remaining
		}
		weightedCost += price * filled
		remaining -= filled
	}
	if remaining > 0 {
		logs.Warnf("[API Client] Not enough depth for %s %s order of size %f", symbol, side, amount)
		return inf(), nil
	}

	avgPrice := weightedCost / amount
	slippage := avgPrice - bestPrice
	if side == Sell {
		slippage = bestPrice - avgPrice
	}
	return slippage / bestPrice, nil
}

func inf() float64 {
	return 1e18 // effectively infinite slippage, always above any tolerance
}

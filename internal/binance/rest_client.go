package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-position-tracker/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	spotBaseURL           = "https://api.binance.com"
	spotTestnetBaseURL    = "https://testnet.binance.vision"
	futuresBaseURL        = "https://fapi.binance.com"
	futuresTestnetBaseURL = "https://testnet.binancefuture.com"
	defaultRecvWindow     = 5000 // How long a request is valid in milliseconds
	positionCacheTTL      = 1500 * time.Millisecond
	maxForceOrderLimit    = 1000
)

// RestClientInterface defines the read side of the Binance REST API used by the tracker.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	ListOpenFuturesPositions(ctx context.Context, force bool) ([]map[string]any, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetSpotPositionCost(ctx context.Context, symbol string) (*SpotCost, error)
	GetRecentForceOrders(ctx context.Context, symbol string, limit int, start time.Time) ([]ForceOrder, error)
	GetTickerPrices(ctx context.Context) (map[string]float64, error)
}

// RestClient is a client for the Binance spot and USDⓈ-M futures REST APIs.
// It implements the RestClientInterface.
type RestClient struct {
	spot       *resty.Client
	futures    *resty.Client
	apiKey     string
	secretKey  string
	recvWindow int
	logger     *zap.Logger
	limiter    *rate.Limiter
	backoff    time.Duration
	now        func() time.Time

	mu          sync.Mutex
	positions   []map[string]any
	positionsAt time.Time
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	spotURL, futURL := spotBaseURL, futuresBaseURL
	if cfg.Testnet {
		spotURL, futURL = spotTestnetBaseURL, futuresTestnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		logger.Info("Using Binance Production API")
	}

	recv := cfg.RecvWindow
	if recv <= 0 {
		recv = defaultRecvWindow
	}

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		spot:       resty.New().SetBaseURL(spotURL).SetTimeout(10 * time.Second),
		futures:    resty.New().SetBaseURL(futURL).SetTimeout(10 * time.Second),
		apiKey:     cfg.ApiKey,
		secretKey:  cfg.SecretKey,
		recvWindow: recv,
		logger:     logger.Named("binance"),
		limiter:    limiter,
		backoff:    time.Second,
		now:        time.Now,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedPath appends timestamp, recvWindow and the signature to path. The signature
// must cover the query exactly as sent, so it is appended last.
func (c *RestClient) signedPath(path string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	query := params.Encode()
	return path + "?" + query + "&signature=" + c.sign(query)
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.spot.R().
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v3/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	req.SetContext(ctx)
	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && resp.RawResponse != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}
		if err == nil {
			err = fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		if i == maxRetries-1 {
			break
		}
		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// ListOpenFuturesPositions returns the positionRisk rows with a non-zero amount.
// Unless force is set, a result younger than 1.5s is reused.
func (c *RestClient) ListOpenFuturesPositions(ctx context.Context, force bool) ([]map[string]any, error) {
	c.mu.Lock()
	if !force && c.positions != nil && c.now().Sub(c.positionsAt) < positionCacheTTL {
		cached := c.positions
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var rows []map[string]any
	req := c.futures.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(&rows)

	resp, err := c.doRequest(ctx, http.MethodGet, c.signedPath("/fapi/v2/positionRisk", nil), req)
	if err != nil {
		return nil, fmt.Errorf("failed to list futures positions: %w", err)
	}

	all := *resp.Result().(*[]map[string]any)
	open := make([]map[string]any, 0, len(all))
	for _, row := range all {
		amt, _ := strconv.ParseFloat(fmt.Sprint(row["positionAmt"]), 64)
		if amt != 0 {
			open = append(open, row)
		}
	}

	c.mu.Lock()
	c.positions = open
	c.positionsAt = c.now()
	c.mu.Unlock()
	return open, nil
}

// InvalidatePositions drops the cached position list.
func (c *RestClient) InvalidatePositions() {
	c.mu.Lock()
	c.positions = nil
	c.mu.Unlock()
}

// Balance is one spot asset balance.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free,string"`
	Locked float64 `json:"locked,string"`
}

// Total is the free plus locked amount.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// GetBalances returns the non-zero spot balances of the account.
func (c *RestClient) GetBalances(ctx context.Context) ([]Balance, error) {
	type accountResponse struct {
		Balances []Balance `json:"balances"`
	}
	req := c.spot.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(&accountResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, c.signedPath("/api/v3/account", nil), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}

	result := resp.Result().(*accountResponse)
	out := make([]Balance, 0, len(result.Balances))
	for _, b := range result.Balances {
		if b.Asset != "" && b.Total() > 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

// SpotCost is the quantity still held from the account's trades in a symbol and
// the quote amount paid for it at average cost.
type SpotCost struct {
	Qty  float64
	Cost float64
}

// GetSpotPositionCost replays the account's trades in symbol. Sells reduce the cost
// basis at the running average price. It returns nil when nothing is held.
func (c *RestClient) GetSpotPositionCost(ctx context.Context, symbol string) (*SpotCost, error) {
	type tradeRow struct {
		Price   string `json:"price"`
		Qty     string `json:"qty"`
		IsBuyer bool   `json:"isBuyer"`
		Time    int64  `json:"time"`
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", "1000")

	var rows []tradeRow
	req := c.spot.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(&rows)

	resp, err := c.doRequest(ctx, http.MethodGet, c.signedPath("/api/v3/myTrades", params), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades for %s: %w", symbol, err)
	}

	qty, cost := decimal.Zero, decimal.Zero
	for _, t := range *resp.Result().(*[]tradeRow) {
		q, err := decimal.NewFromString(t.Qty)
		if err != nil || !q.IsPositive() {
			continue
		}
		p, err := decimal.NewFromString(t.Price)
		if err != nil {
			continue
		}
		if t.IsBuyer {
			qty = qty.Add(q)
			cost = cost.Add(q.Mul(p))
			continue
		}
		if !qty.IsPositive() {
			continue
		}
		if q.GreaterThanOrEqual(qty) {
			qty, cost = decimal.Zero, decimal.Zero
			continue
		}
		cost = cost.Sub(cost.Mul(q).Div(qty))
		qty = qty.Sub(q)
	}
	if !qty.IsPositive() {
		return nil, nil
	}
	q, _ := qty.Float64()
	cst, _ := cost.Float64()
	return &SpotCost{Qty: q, Cost: cst}, nil
}

// ForceOrder is one forced liquidation order.
type ForceOrder struct {
	Symbol       string
	Side         string
	PositionSide string
	Qty          float64
	Price        float64
	Time         time.Time
}

// GetRecentForceOrders fetches the account's forced liquidation orders for symbol
// since start. The endpoint answers with a bare list or with a list wrapped in an
// object, depending on the API generation; both are accepted.
func (c *RestClient) GetRecentForceOrders(ctx context.Context, symbol string, limit int, start time.Time) ([]ForceOrder, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxForceOrderLimit {
		limit = maxForceOrderLimit
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}

	req := c.futures.R().SetHeader("X-MBX-APIKEY", c.apiKey)
	resp, err := c.doRequest(ctx, http.MethodGet, c.signedPath("/fapi/v1/forceOrders", params), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get force orders: %w", err)
	}
	return parseForceOrders(resp.Body()), nil
}

func parseForceOrders(body []byte) []ForceOrder {
	if !gjson.ValidBytes(body) {
		return nil
	}
	list := gjson.ParseBytes(body)
	if list.IsObject() {
		found := false
		for _, k := range []string{"rows", "data", "forceOrders", "orders", "list"} {
			if v := list.Get(k); v.IsArray() {
				list, found = v, true
				break
			}
		}
		if !found {
			return nil
		}
	}
	if !list.IsArray() {
		return nil
	}

	var out []ForceOrder
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		o := ForceOrder{
			Symbol:       strings.ToUpper(item.Get("symbol").String()),
			Side:         strings.ToUpper(item.Get("side").String()),
			PositionSide: strings.ToUpper(item.Get("positionSide").String()),
		}
		o.Qty = firstPositive(item, "executedQty", "origQty")
		o.Price = firstPositive(item, "avgPrice", "price")
		if ms := firstPositive(item, "updateTime", "time"); ms > 0 {
			o.Time = time.UnixMilli(int64(ms))
		}
		out = append(out, o)
		return true
	})
	return out
}

func firstPositive(item gjson.Result, keys ...string) float64 {
	for _, k := range keys {
		if v := item.Get(k).Float(); v > 0 {
			return v
		}
	}
	return 0
}

// GetTickerPrices fetches the latest spot price of every symbol.
func (c *RestClient) GetTickerPrices(ctx context.Context) (map[string]float64, error) {
	type tickerPrice struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	var prices []tickerPrice

	req := c.spot.R().
		SetResult(&prices).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker prices: %w", err)
	}

	result := resp.Result().(*[]tickerPrice)
	priceMap := make(map[string]float64, len(*result))
	for _, p := range *result {
		if v, err := strconv.ParseFloat(p.Price, 64); err == nil {
			priceMap[p.Symbol] = v
		}
	}
	return priceMap, nil
}

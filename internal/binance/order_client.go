package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-position-tracker/internal/config"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNothingToClose is returned when a close finds no open quantity.
var ErrNothingToClose = errors.New("no open quantity to close")

// PositionLister lists the open futures positions, as RestClient does.
type PositionLister interface {
	ListOpenFuturesPositions(ctx context.Context, force bool) ([]map[string]any, error)
}

// CloseResult summarizes the market orders sent by a close.
type CloseResult struct {
	Symbol   string   `json:"symbol"`
	OrderIDs []int64  `json:"order_ids"`
	Closed   int      `json:"closed"`
	Failed   int      `json:"failed"`
	AvgPrice *float64 `json:"avg_price,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// OrderClient sends reduce-only market orders through the futures API.
type OrderClient struct {
	client    *futures.Client
	positions PositionLister
	logger    *zap.Logger

	mu    sync.Mutex
	steps map[string]string
	dual  *bool
}

// NewOrderClient creates an order client. positions is refreshed before closing a
// whole symbol and invalidated after every order when it supports it.
func NewOrderClient(cfg *config.Binance, positions PositionLister, logger *zap.Logger) *OrderClient {
	futures.UseTestnet = cfg.Testnet
	return &OrderClient{
		client:    futures.NewClient(cfg.ApiKey, cfg.SecretKey),
		positions: positions,
		logger:    logger.Named("orders"),
		steps:     make(map[string]string),
	}
}

// LoadExchangeInfo caches the LOT_SIZE step of every futures symbol.
func (c *OrderClient) LoadExchangeInfo(ctx context.Context) error {
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("could not get exchange info: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		for _, f := range s.Filters {
			if f["filterType"] == "LOT_SIZE" {
				if step, ok := f["stepSize"].(string); ok {
					c.steps[s.Symbol] = step
				}
				break
			}
		}
	}
	c.logger.Info("Cached exchange information for symbols", zap.Int("count", len(c.steps)))
	return nil
}

// FormatQuantity floors qty to the LOT_SIZE step of symbol. Unknown symbols keep
// the quantity as is.
func (c *OrderClient) FormatQuantity(symbol string, qty float64) string {
	c.mu.Lock()
	stepSize := c.steps[strings.ToUpper(symbol)]
	c.mu.Unlock()

	q := decimal.NewFromFloat(qty)
	step, err := decimal.NewFromString(stepSize)
	if err != nil || !step.IsPositive() {
		if stepSize != "" {
			c.logger.Warn("Invalid LOT_SIZE step, using default formatting", zap.String("symbol", symbol), zap.String("step", stepSize))
		}
		return q.String()
	}
	return q.Div(step).Floor().Mul(step).StringFixed(stepPlaces(stepSize))
}

// stepPlaces counts the significant decimals of a step: "0.001" -> 3, "1.00" -> 0.
func stepPlaces(step string) int32 {
	i := strings.IndexByte(step, '.')
	if i < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(step[i+1:], "0")))
}

func (c *OrderClient) dualSide(ctx context.Context) bool {
	c.mu.Lock()
	if c.dual != nil {
		v := *c.dual
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	mode, err := c.client.NewGetPositionModeService().Do(ctx)
	if err != nil {
		c.logger.Warn("Failed to read position mode, assuming one-way", zap.Error(err))
		return false
	}
	c.mu.Lock()
	c.dual = &mode.DualSidePosition
	c.mu.Unlock()
	return mode.DualSidePosition
}

// CloseLegExact closes exactly qty of symbol with a market order on side (BUY or
// SELL). positionSide (LONG or SHORT) is required in hedge mode; without it the
// order is sent reduce-only.
func (c *OrderClient) CloseLegExact(ctx context.Context, symbol string, qty float64, side, positionSide string) (*CloseResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if qty <= 0 {
		return nil, ErrNothingToClose
	}
	qtyStr := c.FormatQuantity(symbol, qty)
	if q, _ := strconv.ParseFloat(qtyStr, 64); q <= 0 {
		return nil, fmt.Errorf("quantity %v is below the lot size of %s: %w", qty, symbol, ErrNothingToClose)
	}
	side = strings.ToUpper(side)
	if side == "" {
		side = string(futures.SideTypeSell)
	}

	res := &CloseResult{Symbol: symbol}
	order, err := c.sendClose(ctx, symbol, side, strings.ToUpper(positionSide), qtyStr)
	if err != nil {
		return nil, err
	}
	res.Closed = 1
	res.OrderIDs = append(res.OrderIDs, order.OrderID)
	if p, err := strconv.ParseFloat(order.AvgPrice, 64); err == nil && p > 0 {
		res.AvgPrice = &p
	}
	return res, nil
}

// ClosePosition closes every open position of symbol, in one-way and hedge mode.
func (c *OrderClient) ClosePosition(ctx context.Context, symbol string) (*CloseResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	rows, err := c.positions.ListOpenFuturesPositions(ctx, true)
	if err != nil {
		return nil, err
	}
	dual := c.dualSide(ctx)

	res := &CloseResult{Symbol: symbol}
	for _, row := range rows {
		if s, _ := row["symbol"].(string); !strings.EqualFold(s, symbol) {
			continue
		}
		amt, _ := strconv.ParseFloat(fmt.Sprint(row["positionAmt"]), 64)
		if amt == 0 {
			continue
		}
		side, positionSide := futures.SideTypeSell, futures.PositionSideTypeLong
		if amt < 0 {
			side, positionSide = futures.SideTypeBuy, futures.PositionSideTypeShort
			amt = -amt
		}
		ps := ""
		if dual {
			ps = string(positionSide)
		}
		order, err := c.sendClose(ctx, symbol, string(side), ps, c.FormatQuantity(symbol, amt))
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Closed++
		res.OrderIDs = append(res.OrderIDs, order.OrderID)
	}
	if res.Closed == 0 && res.Failed == 0 {
		return res, ErrNothingToClose
	}
	if res.Closed == 0 {
		return res, fmt.Errorf("closing %s failed: %s", symbol, strings.Join(res.Errors, "; "))
	}
	return res, nil
}

func (c *OrderClient) sendClose(ctx context.Context, symbol, side, positionSide, qty string) (*futures.CreateOrderResponse, error) {
	svc := c.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		NewClientOrderID(fmt.Sprintf("close-%s-%d", symbol, time.Now().UnixMilli()))
	if positionSide != "" {
		svc = svc.PositionSide(futures.PositionSideType(positionSide))
	} else {
		svc = svc.ReduceOnly(true)
	}

	l := c.logger.With(
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("position_side", positionSide),
		zap.String("quantity", qty),
	)
	order, err := svc.Do(ctx)
	if inv, ok := c.positions.(interface{ InvalidatePositions() }); ok {
		inv.InvalidatePositions()
	}
	if err != nil {
		l.Error("Failed to send close order", zap.Error(err))
		return nil, fmt.Errorf("close order for %s failed: %w", symbol, err)
	}
	l.Info("Close order sent", zap.Int64("order_id", order.OrderID))
	return order, nil
}

package trader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"binance-position-tracker/internal/binance"
	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/position"
	"binance-position-tracker/internal/reconcile"

	"go.uber.org/zap"
)

// FuturesExchange adapts the REST client to reconciliation for a futures account.
type FuturesExchange struct {
	rest binance.RestClientInterface
}

func NewFuturesExchange(rest binance.RestClientInterface) *FuturesExchange {
	return &FuturesExchange{rest: rest}
}

func (e *FuturesExchange) OpenPositions(ctx context.Context, force bool) ([]position.Live, error) {
	raw, err := e.rest.ListOpenFuturesPositions(ctx, force)
	if err != nil {
		return nil, err
	}
	rows := make([]position.Live, 0, len(raw))
	for _, r := range raw {
		if row, ok := position.ParseFuturesRow(r); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (e *FuturesExchange) Balances(ctx context.Context) (map[string]float64, error) {
	return balanceMap(ctx, e.rest)
}

func (e *FuturesExchange) ForceOrders(ctx context.Context, symbol string, limit int, start time.Time) ([]reconcile.ForceOrder, error) {
	orders, err := e.rest.GetRecentForceOrders(ctx, symbol, limit, start)
	if err != nil {
		return nil, err
	}
	out := make([]reconcile.ForceOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, reconcile.ForceOrder{
			Symbol: o.Symbol,
			Side:   o.Side,
			Qty:    o.Qty,
			Price:  o.Price,
			Time:   o.Time,
		})
	}
	return out, nil
}

// SpotExchange synthesizes long positions from the spot balances of the tracked symbols.
// Spot accounts have no forced liquidations.
type SpotExchange struct {
	rest    binance.RestClientInterface
	symbols []string
	logger  *zap.Logger
	now     func() time.Time
}

func NewSpotExchange(rest binance.RestClientInterface, symbols []string, logger *zap.Logger) *SpotExchange {
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = ledger.NormalizeSymbol(s); s != "" {
			norm = append(norm, s)
		}
	}
	return &SpotExchange{rest: rest, symbols: norm, logger: logger.Named("spot"), now: time.Now}
}

// OpenPositions returns one long row per tracked symbol whose base asset is held.
// The cost basis comes from the trade history and the mark price from the ticker;
// either may be missing, in which case the row carries what is known.
func (e *SpotExchange) OpenPositions(ctx context.Context, force bool) ([]position.Live, error) {
	balances, err := balanceMap(ctx, e.rest)
	if err != nil {
		return nil, err
	}
	var prices map[string]float64
	now := e.now()
	var rows []position.Live
	for _, symbol := range e.symbols {
		held := balances[reconcile.BaseAsset(symbol)]
		if held <= 0 {
			continue
		}
		if prices == nil {
			if prices, err = e.rest.GetTickerPrices(ctx); err != nil {
				e.logger.Warn("Ticker prices unavailable", zap.Error(err))
				prices = map[string]float64{}
			}
		}
		cost := 0.0
		if c, err := e.rest.GetSpotPositionCost(ctx, symbol); err != nil {
			e.logger.Warn("Spot cost basis unavailable", zap.String("symbol", symbol), zap.Error(err))
		} else if c != nil && c.Qty > 0 {
			// the trade history may not cover deposits; scale to the held amount
			cost = c.Cost / c.Qty * held
		}
		rows = append(rows, position.SpotRow(symbol, held, cost, prices[symbol], now))
	}
	return rows, nil
}

func (e *SpotExchange) Balances(ctx context.Context) (map[string]float64, error) {
	return balanceMap(ctx, e.rest)
}

func (e *SpotExchange) ForceOrders(ctx context.Context, symbol string, limit int, start time.Time) ([]reconcile.ForceOrder, error) {
	return nil, nil
}

func balanceMap(ctx context.Context, rest binance.RestClientInterface) (map[string]float64, error) {
	balances, err := rest.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	out := make(map[string]float64, len(balances))
	for _, b := range balances {
		out[strings.ToUpper(b.Asset)] += b.Total()
	}
	return out, nil
}

var (
	_ reconcile.Exchange = (*FuturesExchange)(nil)
	_ reconcile.Exchange = (*SpotExchange)(nil)
)

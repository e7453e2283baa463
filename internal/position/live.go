package position

import (
	"strings"
	"time"

	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/margin"
)

// Live is one exchange position row, normalized. Zero prices mean unknown.
type Live struct {
	Symbol           string
	Side             ledger.Side
	Qty              float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	Leverage         float64
	UnrealizedProfit *float64
	UpdateTime       time.Time
	Raw              map[string]any
}

func (l Live) Key() ledger.Key { return ledger.Key{Symbol: l.Symbol, Side: l.Side} }

// ParseFuturesRow converts a positionRisk row. Rows without a symbol or with a zero
// position amount are rejected. In hedge mode positionSide decides the side, in
// one-way mode ("BOTH") the sign of positionAmt does.
func ParseFuturesRow(raw map[string]any) (Live, bool) {
	symbol, _ := raw["symbol"].(string)
	symbol = ledger.NormalizeSymbol(symbol)
	amt := margin.Field(raw, "positionAmt")
	if symbol == "" || amt == 0 {
		return Live{}, false
	}
	side := ledger.SideLong
	if amt < 0 {
		side = ledger.SideShort
	}
	if ps, ok := raw["positionSide"].(string); ok {
		switch strings.ToUpper(ps) {
		case "LONG":
			side = ledger.SideLong
		case "SHORT":
			side = ledger.SideShort
		}
	}
	row := Live{
		Symbol:           symbol,
		Side:             side,
		Qty:              abs(amt),
		EntryPrice:       margin.Field(raw, "entryPrice"),
		MarkPrice:        margin.Field(raw, "markPrice"),
		LiquidationPrice: margin.Field(raw, "liquidationPrice"),
		Leverage:         margin.Field(raw, "leverage"),
		Raw:              raw,
	}
	for _, k := range []string{"unRealizedProfit", "unrealizedProfit"} {
		if v, ok := margin.ToFloat(raw[k]); ok {
			row.UnrealizedProfit = &v
			break
		}
	}
	if ms := margin.Field(raw, "updateTime"); ms > 0 {
		row.UpdateTime = time.UnixMilli(int64(ms))
	}
	return row, true
}

// SpotRow synthesizes a long position from a spot balance. costBasis is the total
// quote amount paid for qty, or 0 when unknown.
func SpotRow(symbol string, qty, costBasis, markPrice float64, at time.Time) Live {
	row := Live{
		Symbol:     ledger.NormalizeSymbol(symbol),
		Side:       ledger.SideLong,
		Qty:        qty,
		MarkPrice:  markPrice,
		Leverage:   1,
		UpdateTime: at,
		Raw:        map[string]any{"symbol": symbol, "positionAmt": qty, "leverage": 1},
	}
	if costBasis > 0 && qty > 0 {
		row.EntryPrice = costBasis / qty
		row.Raw["entryPrice"] = row.EntryPrice
		row.Raw["notional"] = costBasis
		if markPrice > 0 {
			upnl := markPrice*qty - costBasis
			row.UnrealizedProfit = &upnl
			row.Raw["unRealizedProfit"] = upnl
		}
	}
	return row
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

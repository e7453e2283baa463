// Package margin reconstructs margin, margin balance, maintenance margin and
// unrealized loss from partial exchange position payloads.
//
// Every function here is pure: no I/O, no mutation of its inputs, and no panics
// on missing or malformed fields. Absent values degrade to zero.
package margin

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Snapshot is the derived margin state of one position.
type Snapshot struct {
	Margin            float64 `json:"margin"`
	MarginBalance     float64 `json:"margin_balance"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	UnrealizedLoss    float64 `json:"unrealized_loss"`
	Notional          float64 `json:"notional"`
	Leverage          float64 `json:"leverage"`
	UnrealizedProfit  float64 `json:"unrealized_profit"`
}

// Derive applies the fallback chains to raw (a positionRisk-style payload) using
// qtyHint and entryPriceHint where the payload is silent. Each field stops at the
// first positive candidate.
func Derive(raw map[string]any, qtyHint, entryPriceHint float64) Snapshot {
	qty := math.Abs(finite(qtyHint))
	if qty == 0 {
		qty = math.Abs(Field(raw, "positionAmt"))
	}
	hint := math.Abs(finite(entryPriceHint))
	leverage := Field(raw, "leverage")
	upnl := Field(raw, "unRealizedProfit", "unrealizedProfit")

	entry := Field(raw, "entryPrice")
	if entry <= 0 {
		entry = hint
	}
	notional := math.Abs(Field(raw, "notional"))
	if notional == 0 {
		notional = entry * qty
	}
	notional = math.Max(0, notional)

	m := firstPositive(
		Field(raw, "isolatedMargin"),
		Field(raw, "isolatedWallet"),
		Field(raw, "initialMargin"),
		safeDiv(notional, leverage),
		notional,
		safeDiv(hint*qty, leverage),
		hint*qty,
	)

	wallet := Field(raw, "isolatedWallet")
	var walletPlusPnl, marginPlusPnl float64
	if wallet > 0 {
		walletPlusPnl = wallet + upnl
	}
	if m > 0 {
		marginPlusPnl = m + upnl
	}
	balance := math.Max(0, firstPositive(
		Field(raw, "marginBalance"),
		walletPlusPnl,
		wallet,
		marginPlusPnl,
		m,
	))

	maint := firstPositive(Field(raw, "maintMargin", "maintenanceMargin"))
	if maint == 0 {
		rate := Field(raw, "maintMarginRate", "maintenanceMarginRate")
		if rate > 1 {
			rate /= 100
		}
		if rate > 0 {
			maint = notional * rate
		}
	}
	if balance > 0 && maint > balance {
		maint = balance
	}

	return Snapshot{
		Margin:            m,
		MarginBalance:     balance,
		MaintenanceMargin: math.Max(0, maint),
		UnrealizedLoss:    math.Max(0, -upnl),
		Notional:          notional,
		Leverage:          math.Max(0, leverage),
		UnrealizedProfit:  upnl,
	}
}

// ROI returns pnl/margin*100, or nil when either side is unknown or margin is not positive.
func ROI(pnl, margin *float64) *float64 {
	if pnl == nil || margin == nil || *margin <= 0 {
		return nil
	}
	v, _ := decimal.NewFromFloat(*pnl).
		Div(decimal.NewFromFloat(*margin)).
		Mul(decimal.NewFromInt(100)).
		Round(8).
		Float64()
	return &v
}

// RealizedPnL computes (closePrice - entryPrice) * qty * direction with decimal arithmetic.
// direction is +1 for long and -1 for short.
func RealizedPnL(entryPrice, closePrice, qty, direction float64) float64 {
	if entryPrice <= 0 || closePrice <= 0 || qty <= 0 {
		return 0
	}
	v, _ := decimal.NewFromFloat(closePrice).
		Sub(decimal.NewFromFloat(entryPrice)).
		Mul(decimal.NewFromFloat(qty)).
		Mul(decimal.NewFromFloat(direction)).
		Round(8).
		Float64()
	return v
}

// Field returns the first parseable, finite value found under any of keys.
// Binance encodes numbers as strings, so strings and json.Number are accepted.
func Field(raw map[string]any, keys ...string) float64 {
	if raw == nil {
		return 0
	}
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if f, ok := ToFloat(v); ok {
			return f
		}
	}
	return 0
}

// ToFloat converts loosely typed numeric input. ok is false for unsupported or non-finite values.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 && !math.IsInf(v, 0) {
			return v
		}
	}
	return 0
}

func safeDiv(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

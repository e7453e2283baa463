// Package view folds open and closed position records into display rows.
// Both projections are pure and deterministic: identical inputs give identical output.
package view

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"binance-position-tracker/internal/ledger"

	"github.com/shopspring/decimal"
)

// Row is one line of a projection.
type Row struct {
	Symbol      string        `json:"symbol"`
	Side        ledger.Side   `json:"side_key"`
	Status      ledger.Status `json:"status"`
	TradeID     string        `json:"trade_id,omitempty"`
	Interval    string        `json:"interval"`
	Indicator   string        `json:"indicator,omitempty"`
	Indicators  []string      `json:"indicators"`
	Qty         float64       `json:"qty"`
	EntryPrice  *float64      `json:"entry_price"`
	MarkPrice   *float64      `json:"mark_price,omitempty"`
	ClosePrice  *float64      `json:"close_price,omitempty"`
	Leverage    *float64      `json:"leverage"`
	MarginUSDT  *float64      `json:"margin_usdt"`
	PnLValue    *float64      `json:"pnl_value"`
	ROIPercent  *float64      `json:"roi_percent"`
	OpenTime    string        `json:"open_time"`
	CloseTime   string        `json:"close_time"`
	CloseReason string        `json:"close_reason,omitempty"`

	IndicatorValue  string `json:"indicator_value,omitempty"`
	IndicatorAction string `json:"indicator_action,omitempty"`

	openedAt time.Time
	closedAt time.Time
}

// Digest fingerprints rows so callers can skip redrawing unchanged views.
func Digest(rows []Row) string {
	data, err := json.Marshal(rows)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Display renders a nullable number, or "-" when unknown.
func Display(v *float64, places int32) string {
	if v == nil {
		return ledger.NoTime
	}
	return decimal.NewFromFloat(*v).StringFixed(places)
}

func addKnown(a, b *float64) *float64 {
	if a == nil {
		return ledger.CloneFloat(b)
	}
	if b == nil {
		return ledger.CloneFloat(a)
	}
	v, _ := decimal.NewFromFloat(*a).Add(decimal.NewFromFloat(*b)).Float64()
	return &v
}

func maxKnown(a, b *float64) *float64 {
	if a == nil || (b != nil && *b > *a) {
		return ledger.CloneFloat(b)
	}
	return ledger.CloneFloat(a)
}

// splitEven divides v into n parts. The last part absorbs rounding so the parts sum to v.
func splitEven(v float64, n int) []float64 {
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	whole := decimal.NewFromFloat(v)
	part := whole.Div(decimal.NewFromInt(int64(n))).Round(12)
	assigned := decimal.Zero
	for i := range out {
		p := part
		if i == n-1 {
			p = whole.Sub(assigned)
		}
		assigned = assigned.Add(p)
		out[i], _ = p.Float64()
	}
	return out
}

func splitEvenPtr(v *float64, n int) []*float64 {
	out := make([]*float64, n)
	if v == nil {
		return out
	}
	for i, p := range splitEven(*v, n) {
		out[i] = ledger.Float(p)
	}
	return out
}

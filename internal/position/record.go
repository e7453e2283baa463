// Package position holds open and closed position records derived from the ledger,
// the bounded closed history and the closed-trade registry.
package position

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"binance-position-tracker/internal/ledger"
)

// CloseReason tells how a position ended.
type CloseReason string

const (
	ReasonNormal      CloseReason = "normal"
	ReasonLiquidation CloseReason = "liquidation"
)

// Data sources of an open record.
const (
	SourceLedger   = "ledger"
	SourceExchange = "exchange"
)

// RecordData is the aggregate exposure of one (symbol, side).
type RecordData struct {
	Qty              float64        `json:"qty"`
	EntryPrice       *float64       `json:"entry_price"`
	MarkPrice        *float64       `json:"mark_price"`
	LiquidationPrice *float64       `json:"liquidation_price"`
	Leverage         *float64       `json:"leverage"`
	MarginUSDT       *float64       `json:"margin_usdt"`
	MarginBalance    *float64       `json:"margin_balance"`
	MaintMargin      *float64       `json:"maint_margin"`
	UnrealizedLoss   *float64       `json:"unrealized_loss"`
	PnLValue         *float64       `json:"pnl_value"`
	ROIPercent       *float64       `json:"roi_percent"`
	UpdateTime       time.Time      `json:"update_time"`
	Source           string         `json:"source"`
	Raw              map[string]any `json:"raw,omitempty"`
}

// Clone returns a deep copy. Raw values are JSON scalars and are shared.
func (d RecordData) Clone() RecordData {
	out := d
	out.EntryPrice = ledger.CloneFloat(d.EntryPrice)
	out.MarkPrice = ledger.CloneFloat(d.MarkPrice)
	out.LiquidationPrice = ledger.CloneFloat(d.LiquidationPrice)
	out.Leverage = ledger.CloneFloat(d.Leverage)
	out.MarginUSDT = ledger.CloneFloat(d.MarginUSDT)
	out.MarginBalance = ledger.CloneFloat(d.MarginBalance)
	out.MaintMargin = ledger.CloneFloat(d.MaintMargin)
	out.UnrealizedLoss = ledger.CloneFloat(d.UnrealizedLoss)
	out.PnLValue = ledger.CloneFloat(d.PnLValue)
	out.ROIPercent = ledger.CloneFloat(d.ROIPercent)
	if d.Raw != nil {
		out.Raw = maps.Clone(d.Raw)
	}
	return out
}

// Record is an open position, or the snapshot of one taken when it closed.
// Allocations lists every leg of the current episode, closed legs included.
type Record struct {
	Symbol      string              `json:"symbol"`
	Side        ledger.Side         `json:"side_key"`
	Status      ledger.Status       `json:"status"`
	Data        RecordData          `json:"data"`
	Allocations []ledger.Allocation `json:"allocations"`
	OpenTime    string              `json:"open_time"`
	OpenedAt    time.Time           `json:"opened_at"`
	CloseTime   string              `json:"close_time"`
	ClosedAt    time.Time           `json:"closed_at,omitempty"`
	CloseReason CloseReason         `json:"close_reason,omitempty"`
}

func (r *Record) Key() ledger.Key { return ledger.Key{Symbol: r.Symbol, Side: r.Side} }

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Data = r.Data.Clone()
	if r.Allocations != nil {
		out.Allocations = make([]ledger.Allocation, len(r.Allocations))
		for i, a := range r.Allocations {
			out.Allocations[i] = a.Clone()
		}
	}
	return out
}

// ActiveAllocations returns the legs still open.
func (r *Record) ActiveAllocations() []ledger.Allocation {
	var out []ledger.Allocation
	for _, a := range r.Allocations {
		if a.Status.IsActive() {
			out = append(out, a)
		}
	}
	return out
}

// LatestOpen is the open time of the most recent active leg, or OpenedAt when none is known.
func (r *Record) LatestOpen() time.Time {
	latest := time.Time{}
	for _, a := range r.Allocations {
		if a.Status.IsActive() && a.OpenedAt.After(latest) {
			latest = a.OpenedAt
		}
	}
	if latest.IsZero() {
		return r.OpenedAt
	}
	return latest
}

// DedupeKey identifies one closing of one position episode.
func (r *Record) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%d:%s", r.Symbol, r.Side, r.OpenedAt.UnixMilli(),
		strconv.FormatFloat(r.Data.Qty, 'f', -1, 64))
}

package ledger

import (
	"fmt"
	"strings"
	"time"
)

// DisplayLayout is the format used for open/close timestamps shown to the user.
const DisplayLayout = "2006-01-02 15:04:05"

// NoTime is the display placeholder for an unknown timestamp.
const NoTime = "-"

// Side is the position direction of a leg.
type Side string

const (
	SideLong  Side = "L"
	SideShort Side = "S"
)

// ParseSide accepts L/LONG/BUY and S/SHORT/SELL in any case.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L", "LONG", "BUY":
		return SideLong, true
	case "S", "SHORT", "SELL":
		return SideShort, true
	}
	return "", false
}

// Direction is +1 for long and -1 for short.
func (s Side) Direction() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// CloseOrderSide is the order side that reduces a position of this side.
func (s Side) CloseOrderSide() string {
	if s == SideShort {
		return "BUY"
	}
	return "SELL"
}

// PositionSide is the hedge-mode positionSide value for this side.
func (s Side) PositionSide() string {
	if s == SideShort {
		return "SHORT"
	}
	return "LONG"
}

// Key identifies a (symbol, side) bucket.
type Key struct {
	Symbol string
	Side   Side
}

// NewKey normalizes symbol to the exchange ticker form ("btc/usdt" -> "BTCUSDT").
func NewKey(symbol string, side Side) Key {
	return Key{Symbol: NormalizeSymbol(symbol), Side: side}
}

// String encodes the key as "SYMBOL:SIDE", the form used in persisted files.
func (k Key) String() string {
	return k.Symbol + ":" + string(k.Side)
}

// ParseKey decodes the "SYMBOL:SIDE" form.
func ParseKey(s string) (Key, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 {
		return Key{}, fmt.Errorf("invalid key %q", s)
	}
	side, ok := ParseSide(s[idx+1:])
	if !ok {
		return Key{}, fmt.Errorf("invalid side in key %q", s)
	}
	sym := NormalizeSymbol(s[:idx])
	if sym == "" {
		return Key{}, fmt.Errorf("empty symbol in key %q", s)
	}
	return Key{Symbol: sym, Side: side}, nil
}

// NormalizeSymbol upper-cases a ticker and removes separators and settlement suffixes.
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
}

// Status is the lifecycle state of an allocation.
type Status string

const (
	StatusActive     Status = "active"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
	StatusLiquidated Status = "liquidated"
	StatusCancelled  Status = "cancelled"
)

// IsActive reports whether the leg still counts toward open exposure.
func (s Status) IsActive() bool { return s == StatusActive }

// Allocation is one opened trading leg.
//
// Pointer fields are nil while the value is unknown; they are never zero-filled
// to stand in for missing data.
type Allocation struct {
	TradeID       string `json:"trade_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	LedgerID      string `json:"ledger_id,omitempty"`

	Symbol   string `json:"symbol"`
	Side     Side   `json:"side_key"`
	Interval string `json:"interval,omitempty"`

	Qty        float64  `json:"qty"`
	EntryPrice *float64 `json:"entry_price"`
	Leverage   *float64 `json:"leverage"`
	MarginUSDT *float64 `json:"margin_usdt"`
	Notional   *float64 `json:"notional"`

	TriggerIndicators []string          `json:"trigger_indicators,omitempty"`
	TriggerDesc       string            `json:"trigger_desc,omitempty"`
	TriggerActions    map[string]string `json:"trigger_actions,omitempty"`

	OpenTime  string    `json:"open_time"`
	CloseTime string    `json:"close_time"`
	OpenedAt  time.Time `json:"opened_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`

	Status      Status   `json:"status"`
	// Adopted marks a leg synthesized from an exchange position the ledger had no leg for.
	Adopted     bool     `json:"adopted,omitempty"`
	PnLValue    *float64 `json:"pnl_value"`
	ROIPercent  *float64 `json:"roi_percent"`
	ClosePrice  *float64 `json:"close_price,omitempty"`
	CloseReason string   `json:"close_reason,omitempty"`
}

// Key returns the allocation's bucket.
func (a *Allocation) Key() Key { return Key{Symbol: a.Symbol, Side: a.Side} }

// Clone returns a deep copy.
func (a Allocation) Clone() Allocation {
	out := a
	out.EntryPrice = CloneFloat(a.EntryPrice)
	out.Leverage = CloneFloat(a.Leverage)
	out.MarginUSDT = CloneFloat(a.MarginUSDT)
	out.Notional = CloneFloat(a.Notional)
	out.PnLValue = CloneFloat(a.PnLValue)
	out.ROIPercent = CloneFloat(a.ROIPercent)
	out.ClosePrice = CloneFloat(a.ClosePrice)
	if a.TriggerIndicators != nil {
		out.TriggerIndicators = append([]string(nil), a.TriggerIndicators...)
	}
	if a.TriggerActions != nil {
		out.TriggerActions = make(map[string]string, len(a.TriggerActions))
		for k, v := range a.TriggerActions {
			out.TriggerActions[k] = v
		}
	}
	return out
}

// Signature is the trigger fingerprint used for composite matching: "interval|ind1,ind2".
func (a *Allocation) Signature() string {
	return a.Interval + "|" + strings.Join(a.TriggerIndicators, ",")
}

// FormatTime renders t for display, or NoTime when t is zero.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return NoTime
	}
	return t.Local().Format(DisplayLayout)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// CloneFloat copies a nullable float.
func CloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

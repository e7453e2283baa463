package trader

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"binance-position-tracker/internal/ledger"

	"github.com/mitchellh/mapstructure"
)

// ErrInvalidEvent is returned for payloads that name no usable symbol, side or event kind.
var ErrInvalidEvent = errors.New("invalid trade event")

// EventKind is what a trade event reports.
type EventKind string

const (
	KindOpen          EventKind = "open"
	KindClose         EventKind = "close"
	KindCloseInterval EventKind = "close_interval"
)

var failedStatuses = map[string]struct{}{
	"error":     {},
	"failed":    {},
	"failure":   {},
	"rejected":  {},
	"canceled":  {},
	"cancelled": {},
	"expired":   {},
}

// TradeEvent is a trade-event payload of the strategy engine.
type TradeEvent struct {
	Symbol        string            `mapstructure:"symbol" json:"symbol"`
	Side          string            `mapstructure:"side" json:"side,omitempty"`
	PositionSide  string            `mapstructure:"position_side" json:"position_side,omitempty"`
	Interval      string            `mapstructure:"interval" json:"interval,omitempty"`
	Event         EventKind         `mapstructure:"event" json:"event"`
	Status        string            `mapstructure:"status" json:"status,omitempty"`
	OK            *bool             `mapstructure:"ok" json:"ok,omitempty"`
	Qty           *float64          `mapstructure:"qty" json:"qty,omitempty"`
	ExecutedQty   *float64          `mapstructure:"executed_qty" json:"executed_qty,omitempty"`
	Price         *float64          `mapstructure:"price" json:"price,omitempty"`
	AvgPrice      *float64          `mapstructure:"avg_price" json:"avg_price,omitempty"`
	Leverage      *float64          `mapstructure:"leverage" json:"leverage,omitempty"`
	PnLValue      *float64          `mapstructure:"pnl_value" json:"pnl_value,omitempty"`
	MarginUSDT    *float64          `mapstructure:"margin_usdt" json:"margin_usdt,omitempty"`
	TriggerDesc   string            `mapstructure:"trigger_desc" json:"trigger_desc,omitempty"`
	TriggerInds   []string          `mapstructure:"trigger_indicators" json:"trigger_indicators,omitempty"`
	TriggerAction map[string]string `mapstructure:"trigger_actions" json:"trigger_actions,omitempty"`
	LedgerID      string            `mapstructure:"ledger_id" json:"ledger_id,omitempty"`
	OrderID       string            `mapstructure:"order_id" json:"order_id,omitempty"`
	ClientOrderID string            `mapstructure:"client_order_id" json:"client_order_id,omitempty"`
	TradeID       string            `mapstructure:"trade_id" json:"trade_id,omitempty"`
	Time          time.Time         `mapstructure:"time" json:"time"`
}

// ParseTradeEvent decodes a loosely typed payload. Numbers may arrive as strings,
// identifiers as numbers, and time as epoch seconds, epoch milliseconds, RFC 3339
// or "2006-01-02 15:04:05" local time. An absent event kind means an open.
func ParseTradeEvent(raw map[string]any) (TradeEvent, error) {
	var evt TradeEvent
	clean := make(map[string]any, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		clean[strings.ToLower(k)] = v
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(timeHook, identifierHook),
		WeaklyTypedInput: true,
		Result:           &evt,
	})
	if err != nil {
		return evt, err
	}
	if err := dec.Decode(clean); err != nil {
		return evt, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	evt.Symbol = ledger.NormalizeSymbol(evt.Symbol)
	evt.Event = EventKind(strings.ToLower(strings.TrimSpace(string(evt.Event))))
	if evt.Event == "" {
		evt.Event = KindOpen
	}
	evt.Status = strings.ToLower(strings.TrimSpace(evt.Status))

	if evt.Symbol == "" {
		return evt, fmt.Errorf("%w: missing symbol", ErrInvalidEvent)
	}
	switch evt.Event {
	case KindOpen, KindClose, KindCloseInterval:
	default:
		return evt, fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, evt.Event)
	}
	if _, ok := evt.PositionSideKey(); !ok {
		return evt, fmt.Errorf("%w: no side", ErrInvalidEvent)
	}
	return evt, nil
}

// PositionSideKey resolves the position side. position_side wins when it names LONG
// or SHORT; side may be a position side or the order side that opened it.
func (e TradeEvent) PositionSideKey() (ledger.Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(e.PositionSide)) {
	case "LONG":
		return ledger.SideLong, true
	case "SHORT":
		return ledger.SideShort, true
	}
	return ledger.ParseSide(e.Side)
}

// Key is the (symbol, side) bucket of the event. Only valid for parsed events.
func (e TradeEvent) Key() ledger.Key {
	side, _ := e.PositionSideKey()
	return ledger.NewKey(e.Symbol, side)
}

// Failed reports an event for an order that did not go through.
func (e TradeEvent) Failed() bool {
	if e.OK != nil && !*e.OK {
		return true
	}
	_, bad := failedStatuses[e.Status]
	return bad
}

// FilledQty prefers the executed quantity over the requested one.
func (e TradeEvent) FilledQty() *float64 {
	if e.ExecutedQty != nil && *e.ExecutedQty > 0 {
		return e.ExecutedQty
	}
	return e.Qty
}

// FillPrice prefers the average fill price over the requested one.
func (e TradeEvent) FillPrice() *float64 {
	if e.AvgPrice != nil && *e.AvgPrice > 0 {
		return e.AvgPrice
	}
	return e.Price
}

// Fill converts an open event.
func (e TradeEvent) Fill() ledger.Fill {
	return ledger.Fill{
		TradeID:           e.TradeID,
		ClientOrderID:     e.ClientOrderID,
		OrderID:           e.OrderID,
		LedgerID:          e.LedgerID,
		Interval:          e.Interval,
		Qty:               e.FilledQty(),
		Price:             e.FillPrice(),
		Leverage:          e.Leverage,
		Margin:            e.MarginUSDT,
		TriggerIndicators: e.TriggerInds,
		TriggerDesc:       e.TriggerDesc,
		TriggerActions:    e.TriggerAction,
		Time:              e.Time,
	}
}

// Closing converts a close event.
func (e TradeEvent) Closing() ledger.Closing {
	return ledger.Closing{
		TradeID:       e.TradeID,
		ClientOrderID: e.ClientOrderID,
		OrderID:       e.OrderID,
		LedgerID:      e.LedgerID,
		Interval:      e.Interval,
		Qty:           e.FilledQty(),
		Price:         e.FillPrice(),
		PnL:           e.PnLValue,
		Margin:        e.MarginUSDT,
		Time:          e.Time,
	}
}

// DedupKey identifies a delivery of the same underlying fill.
func (e TradeEvent) DedupKey() string {
	side, _ := e.PositionSideKey()
	qty := ""
	if q := e.FilledQty(); q != nil {
		qty = strconv.FormatFloat(*q, 'f', -1, 64)
	}
	at := ""
	if !e.Time.IsZero() {
		at = strconv.FormatInt(e.Time.UnixMilli(), 10)
	}
	lev := ""
	if e.Leverage != nil {
		lev = strconv.FormatFloat(*e.Leverage, 'f', -1, 64)
	}
	return strings.Join([]string{
		e.Symbol,
		string(side),
		e.Interval,
		string(e.Event),
		firstNonEmpty(e.ClientOrderID, e.OrderID, e.LedgerID, e.TradeID),
		qty,
		e.Status,
		at,
		lev,
		strings.Join(e.TriggerInds, ","),
		e.TriggerDesc,
	}, "|")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var timeType = reflect.TypeOf(time.Time{})

func timeHook(from, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseTime(strings.TrimSpace(v))
	case float64:
		return epoch(v), nil
	case float32:
		return epoch(float64(v)), nil
	case int:
		return epoch(float64(v)), nil
	case int64:
		return epoch(float64(v)), nil
	case uint64:
		return epoch(float64(v)), nil
	}
	return data, nil
}

// identifierHook keeps large numeric order ids exact when they become strings.
func identifierHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}
	if f, ok := data.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1e18 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return data, nil
}

func parseTime(s string) (time.Time, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epoch(f), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(ledger.DisplayLayout, s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// epoch reads values above 1e12 as milliseconds and smaller ones as seconds.
func epoch(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9))
}

package trader

import (
	"testing"
	"time"

	"binance-position-tracker/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTradeEvent(t *testing.T) {
	evt, err := ParseTradeEvent(map[string]any{
		"symbol":             "btc/usdt",
		"side":               "BUY",
		"interval":           "5m",
		"event":              "open",
		"status":             "FILLED",
		"qty":                "0.01",
		"price":              60000.0,
		"leverage":           "10",
		"order_id":           123456789.0,
		"client_order_id":    "",
		"trigger_indicators": []any{"RSI", "stochrsi"},
		"time":               1700000000000.0,
	})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", evt.Symbol)
	assert.Equal(t, KindOpen, evt.Event)
	assert.Equal(t, "filled", evt.Status)
	assert.Equal(t, ledger.NewKey("BTCUSDT", ledger.SideLong), evt.Key())
	require.NotNil(t, evt.Qty)
	assert.InDelta(t, 0.01, *evt.Qty, 1e-12)
	require.NotNil(t, evt.Leverage)
	assert.InDelta(t, 10.0, *evt.Leverage, 1e-12)
	assert.Equal(t, "123456789", evt.OrderID)
	assert.Empty(t, evt.ClientOrderID)
	assert.Equal(t, []string{"RSI", "stochrsi"}, evt.TriggerInds)
	assert.True(t, evt.Time.Equal(time.UnixMilli(1700000000000)))
	assert.False(t, evt.Failed())
}

func TestParseTradeEventDefaultsAndErrors(t *testing.T) {
	t.Run("MissingEventMeansOpen", func(t *testing.T) {
		evt, err := ParseTradeEvent(map[string]any{"symbol": "ETHUSDT", "side": "S"})
		require.NoError(t, err)
		assert.Equal(t, KindOpen, evt.Event)
		assert.Equal(t, ledger.SideShort, evt.Key().Side)
	})

	t.Run("PositionSideWins", func(t *testing.T) {
		evt, err := ParseTradeEvent(map[string]any{"symbol": "ETHUSDT", "side": "BUY", "position_side": "SHORT", "event": "close"})
		require.NoError(t, err)
		assert.Equal(t, ledger.SideShort, evt.Key().Side)
	})

	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"NoSymbol", map[string]any{"side": "BUY"}},
		{"BlankSymbol", map[string]any{"symbol": "  ", "side": "BUY"}},
		{"NoSide", map[string]any{"symbol": "BTCUSDT"}},
		{"UnknownEvent", map[string]any{"symbol": "BTCUSDT", "side": "BUY", "event": "modify"}},
		{"BadTime", map[string]any{"symbol": "BTCUSDT", "side": "BUY", "time": "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTradeEvent(tt.raw)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestParseTradeEventTimeFormats(t *testing.T) {
	local := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	tests := []struct {
		name string
		in   any
		want time.Time
	}{
		{"Milliseconds", 1700000000123.0, time.UnixMilli(1700000000123)},
		{"Seconds", 1700000000.0, time.Unix(1700000000, 0)},
		{"SecondsString", "1700000000", time.Unix(1700000000, 0)},
		{"RFC3339", "2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"Display", "2024-01-02 03:04:05", local},
		{"Integer", int64(1700000000000), time.UnixMilli(1700000000000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ParseTradeEvent(map[string]any{"symbol": "BTCUSDT", "side": "L", "time": tt.in})
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(evt.Time), "got %s", evt.Time)
		})
	}
}

func TestTradeEventFailed(t *testing.T) {
	no := false
	yes := true
	tests := []struct {
		name string
		evt  TradeEvent
		want bool
	}{
		{"Filled", TradeEvent{Status: "filled"}, false},
		{"NoStatus", TradeEvent{}, false},
		{"OkFalse", TradeEvent{OK: &no}, true},
		{"OkTrueButRejected", TradeEvent{OK: &yes, Status: "rejected"}, true},
		{"Error", TradeEvent{Status: "error"}, true},
		{"Cancelled", TradeEvent{Status: "cancelled"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.evt.Failed())
		})
	}
}

func TestTradeEventFillPrefersExecuted(t *testing.T) {
	evt := TradeEvent{
		Symbol:      "BTCUSDT",
		Side:        "BUY",
		Qty:         ledger.Float(0.02),
		ExecutedQty: ledger.Float(0.015),
		Price:       ledger.Float(60000),
		AvgPrice:    ledger.Float(60010),
		Interval:    "1h",
	}
	f := evt.Fill()
	assert.InDelta(t, 0.015, *f.Qty, 1e-12)
	assert.InDelta(t, 60010.0, *f.Price, 1e-9)
	assert.Equal(t, "1h", f.Interval)

	evt.ExecutedQty = ledger.Float(0)
	evt.AvgPrice = nil
	c := evt.Closing()
	assert.InDelta(t, 0.02, *c.Qty, 1e-12)
	assert.InDelta(t, 60000.0, *c.Price, 1e-9)
}

func TestDedupKey(t *testing.T) {
	base := map[string]any{
		"symbol": "BTCUSDT", "side": "BUY", "interval": "5m", "event": "open",
		"qty": 0.01, "order_id": "A1", "time": 1700000000000.0,
	}
	parse := func(extra map[string]any) TradeEvent {
		raw := map[string]any{}
		for k, v := range base {
			raw[k] = v
		}
		for k, v := range extra {
			raw[k] = v
		}
		evt, err := ParseTradeEvent(raw)
		require.NoError(t, err)
		return evt
	}

	a := parse(nil)
	assert.Equal(t, a.DedupKey(), parse(nil).DedupKey())
	assert.NotEqual(t, a.DedupKey(), parse(map[string]any{"trigger_indicators": []any{"rsi"}}).DedupKey())
	assert.NotEqual(t, a.DedupKey(), parse(map[string]any{"status": "filled"}).DedupKey())
	assert.NotEqual(t, a.DedupKey(), parse(map[string]any{"event": "close"}).DedupKey())
	assert.NotEqual(t, a.DedupKey(), parse(map[string]any{"qty": 0.02}).DedupKey())
}

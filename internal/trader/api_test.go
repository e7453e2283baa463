package trader

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"binance-position-tracker/internal/binance"
	"binance-position-tracker/internal/position"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockCloser is a mock implementation of Closer.
type MockCloser struct {
	mock.Mock
}

func (m *MockCloser) ClosePosition(ctx context.Context, symbol string) (*binance.CloseResult, error) {
	args := m.Called(symbol)
	res, _ := args.Get(0).(*binance.CloseResult)
	return res, args.Error(1)
}

func (m *MockCloser) CloseLegExact(ctx context.Context, symbol string, qty float64, side, positionSide string) (*binance.CloseResult, error) {
	args := m.Called(symbol, qty, side, positionSide)
	res, _ := args.Get(0).(*binance.CloseResult)
	return res, args.Error(1)
}

func setupAPI(t *testing.T, closer Closer, configure func(*Options)) (*Service, *httptest.Server) {
	svc, _ := setupService(t, &MockExchange{}, configure)
	api := NewAPIServer(0, svc, closer, zap.NewNop())
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return svc, server
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAPIHealthAndStatus(t *testing.T) {
	_, server := setupAPI(t, nil, nil)

	resp := get(t, server.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK\n", string(body))

	resp = get(t, server.URL+"/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	decode(t, resp, &status)
	assert.Equal(t, "Testnet", status["mode"])
	assert.Equal(t, float64(0), status["open_count"])
	assert.Equal(t, "-", status["last_reconcile"])
	assert.NotContains(t, status, "missing")
}

func TestAPIStatusReportsMissingCounters(t *testing.T) {
	svc, _ := setupService(t, &liveExchange{}, nil)
	server := httptest.NewServer(NewAPIServer(0, svc, nil, zap.NewNop()).Handler())
	t.Cleanup(server.Close)

	ingest(t, svc, openEvent(t0))
	require.NoError(t, svc.Tick(context.Background()))
	require.NoError(t, svc.Tick(context.Background()))
	key := svc.OpenRecords()[0].Key().String()

	var status struct {
		OpenCount int            `json:"open_count"`
		Missing   map[string]int `json:"missing"`
	}
	decode(t, get(t, server.URL+"/status"), &status)
	assert.Equal(t, 1, status.OpenCount)
	assert.Equal(t, map[string]int{key: 2}, status.Missing)
}

func TestAPIEventsAndViews(t *testing.T) {
	_, server := setupAPI(t, nil, nil)

	resp := post(t, server.URL+"/api/events", openEvent(t0))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	decode(t, resp, &out)
	assert.Equal(t, "applied", out["outcome"])

	resp = post(t, server.URL+"/api/events", openEvent(t0))
	decode(t, resp, &out)
	assert.Equal(t, "duplicate", out["outcome"])

	resp = post(t, server.URL+"/api/events", map[string]any{"symbol": "BTCUSDT"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(server.URL+"/api/events", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var open []position.Record
	decode(t, get(t, server.URL+"/api/positions/open"), &open)
	require.Len(t, open, 1)
	assert.Equal(t, "BTCUSDT", open[0].Symbol)

	var closed []position.Record
	decode(t, get(t, server.URL+"/api/positions/closed"), &closed)
	assert.Empty(t, closed)

	var cum viewResponse
	decode(t, get(t, server.URL+"/api/views/cumulative"), &cum)
	require.Len(t, cum.Rows, 1)
	assert.NotEmpty(t, cum.Digest)
	assert.InDelta(t, 0.01, cum.Rows[0].Qty, 1e-12)

	resp = get(t, server.URL+"/api/views/cumulative?digest="+cum.Digest)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	var per viewResponse
	decode(t, get(t, server.URL+"/api/views/per-trade"), &per)
	require.NotEmpty(t, per.Rows)
	sum := 0.0
	for _, r := range per.Rows {
		sum += r.Qty
	}
	assert.InDelta(t, cum.Rows[0].Qty, sum, 1e-12)

	var totals position.Totals
	decode(t, get(t, server.URL+"/api/totals"), &totals)
	assert.Equal(t, 1, totals.OpenCount)
}

func TestAPIMethodNotAllowed(t *testing.T) {
	_, server := setupAPI(t, nil, nil)
	resp := get(t, server.URL+"/api/events")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPIClose(t *testing.T) {
	t.Run("NoCloser", func(t *testing.T) {
		_, server := setupAPI(t, nil, nil)
		resp := post(t, server.URL+"/api/positions/close", map[string]any{"symbol": "BTCUSDT"})
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	})

	t.Run("ClosePosition", func(t *testing.T) {
		closer := &MockCloser{}
		closer.On("ClosePosition", "BTCUSDT").Return(&binance.CloseResult{Symbol: "BTCUSDT", OrderIDs: []int64{7}, Closed: 1}, nil)
		svc, server := setupAPI(t, closer, nil)
		ingest(t, svc, openEvent(t0))

		resp := post(t, server.URL+"/api/positions/close", map[string]any{"symbol": "btc/usdt"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var res binance.CloseResult
		decode(t, resp, &res)
		assert.Equal(t, []int64{7}, res.OrderIDs)
		closer.AssertExpectations(t)
	})

	t.Run("SymbolInQuery", func(t *testing.T) {
		closer := &MockCloser{}
		closer.On("ClosePosition", "ETHUSDT").Return(&binance.CloseResult{Symbol: "ETHUSDT", Closed: 1}, nil)
		_, server := setupAPI(t, closer, nil)

		resp, err := http.Post(server.URL+"/api/positions/close?symbol=ethusdt", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		closer.AssertExpectations(t)
	})

	t.Run("NothingToClose", func(t *testing.T) {
		closer := &MockCloser{}
		closer.On("ClosePosition", "ETHUSDT").Return(nil, binance.ErrNothingToClose)
		_, server := setupAPI(t, closer, nil)

		resp := post(t, server.URL+"/api/positions/close", map[string]any{"symbol": "ETHUSDT"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("CloseLeg", func(t *testing.T) {
		closer := &MockCloser{}
		closer.On("CloseLegExact", "BTCUSDT", 0.005, "SELL", "LONG").Return(&binance.CloseResult{Symbol: "BTCUSDT", Closed: 1}, nil)
		_, server := setupAPI(t, closer, nil)

		resp := post(t, server.URL+"/api/positions/close-leg", map[string]any{
			"symbol": "BTCUSDT", "qty": 0.005, "side": "SELL", "position_side": "LONG",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		closer.AssertExpectations(t)

		resp = post(t, server.URL+"/api/positions/close-leg", map[string]any{"symbol": "BTCUSDT"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPIPersist(t *testing.T) {
	_, server := setupAPI(t, nil, nil)
	resp := post(t, server.URL+"/api/state/persist", map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	path := filepath.Join(t.TempDir(), "state.json")
	_, server = setupAPI(t, nil, func(o *Options) { o.StatePath = path })
	resp = post(t, server.URL+"/api/state/persist", map[string]any{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.FileExists(t, path)
}

func TestAPIMetrics(t *testing.T) {
	svc, server := setupAPI(t, nil, nil)
	ingest(t, svc, openEvent(t0))

	resp := get(t, server.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tracker_ingest_events_total")
	assert.Contains(t, string(body), "tracker_positions_open")
}

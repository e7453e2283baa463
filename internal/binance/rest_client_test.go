package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"binance-position-tracker/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a new test server and a RestClient configured to use it.
func setupTestServer(handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	logger := zap.NewNop() // Use a no-op logger for tests

	rc := &RestClient{
		spot:       resty.New().SetBaseURL(server.URL),
		futures:    resty.New().SetBaseURL(server.URL),
		apiKey:     "test_api_key",
		secretKey:  "test_secret_key",
		recvWindow: defaultRecvWindow,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		backoff:    time.Millisecond,
		now:        time.Now,
	}

	return rc, server
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func TestGetServerTime(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		// Arrange
		expectedTime := time.Now().UnixMilli()
		mockResponse := fmt.Sprintf(`{"serverTime": %d}`, expectedTime)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v3/time", r.URL.Path)
			writeJSON(w, mockResponse)
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		// Act
		serverTime, err := rc.GetServerTime(context.Background())

		// Assert
		assert.NoError(t, err)
		assert.Equal(t, expectedTime, serverTime)
	})

	t.Run("APIError", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code": -1001, "msg": "Internal error"}`))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		serverTime, err := rc.GetServerTime(context.Background())

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get server time")
		assert.Contains(t, err.Error(), "request failed") // Check for the error from doRequest
		assert.Equal(t, int64(0), serverTime)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("ClientErrorIsNotRetried", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code": -1102, "msg": "bad"}`))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.GetServerTime(context.Background())
		assert.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}

func TestSignedRequests(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test_api_key", r.Header.Get("X-MBX-APIKEY"))
		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&signature=")
		if !assert.Greater(t, idx, 0) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mac := hmac.New(sha256.New, []byte("test_secret_key"))
		mac.Write([]byte(raw[:idx]))
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), raw[idx+len("&signature="):])
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
		assert.Equal(t, "5000", r.URL.Query().Get("recvWindow"))
		writeJSON(w, `{"balances":[]}`)
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	balances, err := rc.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestListOpenFuturesPositions(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		atomic.AddInt32(&calls, 1)
		writeJSON(w, `[
			{"symbol":"BTCUSDT","positionAmt":"0.010","entryPrice":"60000","leverage":"10","positionSide":"BOTH"},
			{"symbol":"ETHUSDT","positionAmt":"0.000","entryPrice":"0"},
			{"symbol":"SOLUSDT","positionAmt":"-3","entryPrice":"150","leverage":"5"}
		]`)
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rc.now = func() time.Time { return now }
	ctx := context.Background()

	rows, err := rc.ListOpenFuturesPositions(ctx, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "BTCUSDT", rows[0]["symbol"])
	assert.Equal(t, "SOLUSDT", rows[1]["symbol"])

	t.Run("CachedWithinTTL", func(t *testing.T) {
		now = now.Add(time.Second)
		_, err := rc.ListOpenFuturesPositions(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("ForceBypassesCache", func(t *testing.T) {
		_, err := rc.ListOpenFuturesPositions(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("ExpiredCacheRefreshes", func(t *testing.T) {
		now = now.Add(2 * time.Second)
		_, err := rc.ListOpenFuturesPositions(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("InvalidateDropsCache", func(t *testing.T) {
		rc.InvalidatePositions()
		_, err := rc.ListOpenFuturesPositions(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	})
}

func TestGetBalances(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/account", r.URL.Path)
		writeJSON(w, `{"balances":[
			{"asset":"BTC","free":"0.5","locked":"0.1"},
			{"asset":"ETH","free":"0","locked":"0"},
			{"asset":"USDT","free":"100","locked":"0"}
		]}`)
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	balances, err := rc.GetBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.InDelta(t, 0.6, balances[0].Total(), 1e-12)
	assert.Equal(t, "USDT", balances[1].Asset)
}

func TestGetSpotPositionCost(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantNil  bool
		wantQty  float64
		wantCost float64
	}{
		{
			name:     "BuysOnly",
			body:     `[{"price":"100","qty":"1","isBuyer":true},{"price":"200","qty":"1","isBuyer":true}]`,
			wantQty:  2,
			wantCost: 300,
		},
		{
			name:     "SellAtAverageCost",
			body:     `[{"price":"100","qty":"1","isBuyer":true},{"price":"200","qty":"1","isBuyer":true},{"price":"500","qty":"1","isBuyer":false}]`,
			wantQty:  1,
			wantCost: 150,
		},
		{
			name:    "FullySold",
			body:    `[{"price":"100","qty":"1","isBuyer":true},{"price":"120","qty":"1","isBuyer":false}]`,
			wantNil: true,
		},
		{
			name:    "NoTrades",
			body:    `[]`,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v3/myTrades", r.URL.Path)
				assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
				writeJSON(w, tt.body)
			})
			rc, server := setupTestServer(handler)
			defer server.Close()

			cost, err := rc.GetSpotPositionCost(context.Background(), "btcusdt")
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cost)
				return
			}
			require.NotNil(t, cost)
			assert.InDelta(t, tt.wantQty, cost.Qty, 1e-9)
			assert.InDelta(t, tt.wantCost, cost.Cost, 1e-9)
		})
	}
}

func TestGetRecentForceOrders(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"List", `[{"symbol":"BTCUSDT","side":"SELL","executedQty":"0.01","avgPrice":"55000","updateTime":1714565000000}]`, 1},
		{"Wrapped", `{"rows":[{"symbol":"BTCUSDT","side":"sell","origQty":"0.01","price":"55000","time":1714565000000}]}`, 1},
		{"UnknownWrapper", `{"result":[]}`, 0},
		{"Garbage", `not json`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/fapi/v1/forceOrders", r.URL.Path)
				assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
				assert.Equal(t, "50", r.URL.Query().Get("limit"))
				assert.Equal(t, fmt.Sprint(start.UnixMilli()), r.URL.Query().Get("startTime"))
				writeJSON(w, tt.body)
			})
			rc, server := setupTestServer(handler)
			defer server.Close()

			orders, err := rc.GetRecentForceOrders(context.Background(), "BTCUSDT", 50, start)
			require.NoError(t, err)
			require.Len(t, orders, tt.want)
			if tt.want == 0 {
				return
			}
			o := orders[0]
			assert.Equal(t, "BTCUSDT", o.Symbol)
			assert.Equal(t, "SELL", o.Side)
			assert.InDelta(t, 0.01, o.Qty, 1e-12)
			assert.InDelta(t, 55000.0, o.Price, 1e-9)
			assert.Equal(t, int64(1714565000000), o.Time.UnixMilli())
		})
	}
}

func TestGetTickerPrices(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		writeJSON(w, `[{"symbol":"BTCUSDT","price":"60000.5"},{"symbol":"BAD","price":"x"}]`)
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	prices, err := rc.GetTickerPrices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTCUSDT": 60000.5}, prices)
}

func TestNewRestClient(t *testing.T) {
	t.Run("Testnet", func(t *testing.T) {
		cfg := &config.Binance{Testnet: true, ApiKey: "k", SecretKey: "s"}
		rc := NewRestClient(cfg, zap.NewNop())
		assert.NotNil(t, rc)
		assert.Equal(t, spotTestnetBaseURL, rc.spot.BaseURL)
		assert.Equal(t, futuresTestnetBaseURL, rc.futures.BaseURL)
		assert.Equal(t, cfg.ApiKey, rc.apiKey)
		assert.Equal(t, cfg.SecretKey, rc.secretKey)
		assert.Equal(t, defaultRecvWindow, rc.recvWindow)
	})

	t.Run("Production", func(t *testing.T) {
		cfg := &config.Binance{Testnet: false, RecvWindow: 10000}
		rc := NewRestClient(cfg, zap.NewNop())
		assert.NotNil(t, rc)
		assert.Equal(t, spotBaseURL, rc.spot.BaseURL)
		assert.Equal(t, futuresBaseURL, rc.futures.BaseURL)
		assert.Equal(t, 10000, rc.recvWindow)
	})
}

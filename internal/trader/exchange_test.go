package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-position-tracker/internal/binance"
	"binance-position-tracker/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockRestClient is a mock implementation of binance.RestClientInterface.
type MockRestClient struct {
	mock.Mock
}

func (m *MockRestClient) GetServerTime(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRestClient) ListOpenFuturesPositions(ctx context.Context, force bool) ([]map[string]any, error) {
	args := m.Called(ctx, force)
	rows, _ := args.Get(0).([]map[string]any)
	return rows, args.Error(1)
}

func (m *MockRestClient) GetBalances(ctx context.Context) ([]binance.Balance, error) {
	args := m.Called(ctx)
	b, _ := args.Get(0).([]binance.Balance)
	return b, args.Error(1)
}

func (m *MockRestClient) GetSpotPositionCost(ctx context.Context, symbol string) (*binance.SpotCost, error) {
	args := m.Called(ctx, symbol)
	c, _ := args.Get(0).(*binance.SpotCost)
	return c, args.Error(1)
}

func (m *MockRestClient) GetRecentForceOrders(ctx context.Context, symbol string, limit int, start time.Time) ([]binance.ForceOrder, error) {
	args := m.Called(ctx, symbol, limit, start)
	o, _ := args.Get(0).([]binance.ForceOrder)
	return o, args.Error(1)
}

func (m *MockRestClient) GetTickerPrices(ctx context.Context) (map[string]float64, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).(map[string]float64)
	return p, args.Error(1)
}

func TestFuturesExchangeOpenPositions(t *testing.T) {
	ctx := context.Background()
	rest := &MockRestClient{}
	rest.On("ListOpenFuturesPositions", ctx, true).Return([]map[string]any{
		{"symbol": "BTCUSDT", "positionAmt": "0.010", "entryPrice": "60000", "leverage": "10", "positionSide": "BOTH"},
		{"symbol": "ETHUSDT", "positionAmt": "-1.5", "entryPrice": "3000", "positionSide": "BOTH"},
		{"symbol": "XRPUSDT", "positionAmt": "0", "positionSide": "BOTH"},
		{"positionAmt": "1"},
	}, nil)

	rows, err := NewFuturesExchange(rest).OpenPositions(ctx, true)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ledger.NewKey("BTCUSDT", ledger.SideLong), rows[0].Key())
	assert.InDelta(t, 0.01, rows[0].Qty, 1e-12)
	assert.InDelta(t, 60000.0, rows[0].EntryPrice, 1e-9)
	assert.Equal(t, ledger.NewKey("ETHUSDT", ledger.SideShort), rows[1].Key())
	assert.InDelta(t, 1.5, rows[1].Qty, 1e-12)
	rest.AssertExpectations(t)
}

func TestFuturesExchangeErrors(t *testing.T) {
	ctx := context.Background()
	rest := &MockRestClient{}
	rest.On("ListOpenFuturesPositions", ctx, false).Return(nil, errors.New("boom"))
	rest.On("GetBalances", ctx).Return(nil, errors.New("down"))

	ex := NewFuturesExchange(rest)
	_, err := ex.OpenPositions(ctx, false)
	assert.Error(t, err)
	_, err = ex.Balances(ctx)
	assert.ErrorContains(t, err, "failed to get balances")
}

func TestFuturesExchangeForceOrders(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 11, 45, 0, 0, time.UTC)
	at := start.Add(5 * time.Minute)
	rest := &MockRestClient{}
	rest.On("GetRecentForceOrders", ctx, "BTCUSDT", 50, start).Return([]binance.ForceOrder{
		{Symbol: "BTCUSDT", Side: "SELL", PositionSide: "LONG", Qty: 0.01, Price: 54000, Time: at},
	}, nil)

	orders, err := NewFuturesExchange(rest).ForceOrders(ctx, "BTCUSDT", 50, start)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "SELL", orders[0].Side)
	assert.InDelta(t, 0.01, orders[0].Qty, 1e-12)
	assert.True(t, at.Equal(orders[0].Time))
}

func TestSpotExchangeOpenPositions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rest := &MockRestClient{}
	rest.On("GetBalances", ctx).Return([]binance.Balance{
		{Asset: "BTC", Free: 0.015, Locked: 0.005},
		{Asset: "USDT", Free: 500},
	}, nil)
	rest.On("GetTickerPrices", ctx).Return(map[string]float64{"BTCUSDT": 61000}, nil).Once()
	// 0.04 bought for 2400 USDT; only half of it is still held
	rest.On("GetSpotPositionCost", ctx, "BTCUSDT").Return(&binance.SpotCost{Qty: 0.04, Cost: 2400}, nil)

	ex := NewSpotExchange(rest, []string{"btc/usdt", "ETHUSDT", ""}, zap.NewNop())
	ex.now = func() time.Time { return now }

	rows, err := ex.OpenPositions(ctx, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, ledger.NewKey("BTCUSDT", ledger.SideLong), row.Key())
	assert.InDelta(t, 0.02, row.Qty, 1e-12)
	assert.InDelta(t, 60000.0, row.EntryPrice, 1e-6)
	assert.InDelta(t, 61000.0, row.MarkPrice, 1e-9)
	require.NotNil(t, row.UnrealizedProfit)
	assert.InDelta(t, 20.0, *row.UnrealizedProfit, 1e-6)
	assert.True(t, now.Equal(row.UpdateTime))
	rest.AssertExpectations(t)

	orders, err := ex.ForceOrders(ctx, "BTCUSDT", 50, now)
	assert.NoError(t, err)
	assert.Empty(t, orders)
}

func TestSpotExchangeMissingCostBasis(t *testing.T) {
	ctx := context.Background()
	rest := &MockRestClient{}
	rest.On("GetBalances", ctx).Return([]binance.Balance{{Asset: "ETH", Free: 2}}, nil)
	rest.On("GetTickerPrices", ctx).Return(nil, errors.New("timeout"))
	rest.On("GetSpotPositionCost", ctx, "ETHUSDT").Return(nil, errors.New("rate limited"))

	rows, err := NewSpotExchange(rest, []string{"ETHUSDT"}, zap.NewNop()).OpenPositions(ctx, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 2.0, rows[0].Qty, 1e-12)
	assert.Zero(t, rows[0].EntryPrice)
	assert.Zero(t, rows[0].MarkPrice)
	assert.Nil(t, rows[0].UnrealizedProfit)
}

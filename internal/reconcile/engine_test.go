package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/position"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockExchange is a mock implementation of the Exchange interface.
type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) OpenPositions(ctx context.Context, force bool) ([]position.Live, error) {
	args := m.Called(ctx, force)
	rows, _ := args.Get(0).([]position.Live)
	return rows, args.Error(1)
}

func (m *MockExchange) Balances(ctx context.Context) (map[string]float64, error) {
	args := m.Called(ctx)
	balances, _ := args.Get(0).(map[string]float64)
	return balances, args.Error(1)
}

func (m *MockExchange) ForceOrders(ctx context.Context, symbol string, limit int, start time.Time) ([]ForceOrder, error) {
	args := m.Called(ctx, symbol, limit, start)
	orders, _ := args.Get(0).([]ForceOrder)
	return orders, args.Error(1)
}

var (
	t0     = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	btcL   = ledger.NewKey("BTCUSDT", ledger.SideLong)
	noLog  = zap.NewNop()
	noRows []position.Live
)

func setup(t *testing.T, policy Policy) (*position.Book, *Engine, *MockExchange) {
	t.Helper()
	l := ledger.New(ledger.WithClock(func() time.Time { return t0 }))
	return position.NewBook(l, 50, 50), NewEngine(noLog, policy), new(MockExchange)
}

func seed(book *position.Book, key ledger.Key, qty, entry float64, openedAt, updatedAt time.Time) {
	book.Ledger().Upsert(key, ledger.Fill{
		ClientOrderID: key.String() + "-1",
		Interval:      "5m",
		Qty:           ledger.Float(qty),
		Price:         ledger.Float(entry),
		Leverage:      ledger.Float(10),
		Time:          openedAt,
	})
	book.ApplyLive(position.Live{
		Symbol:     key.Symbol,
		Side:       key.Side,
		Qty:        qty,
		EntryPrice: entry,
		Leverage:   10,
		UpdateTime: updatedAt,
	}, updatedAt)
}

func TestGraceWindow(t *testing.T) {
	book, engine, ex := setup(t, DefaultPolicy())
	seed(book, btcL, 0.1, 60000, t0.Add(-5*time.Second), t0.Add(-5*time.Second))

	assert.Empty(t, engine.Observe(book, noRows, t0))
	assert.Empty(t, engine.Observe(book, noRows, t0.Add(time.Second)))
	assert.Equal(t, 2, engine.MissingCount(btcL))
	assert.True(t, book.IsOpen(btcL))

	now := t0.Add(40 * time.Second)
	cands := engine.Observe(book, noRows, now)
	require.Len(t, cands, 1)
	assert.Equal(t, btcL, cands[0].Key)
	assert.Equal(t, 3, cands[0].Missing)

	ex.On("OpenPositions", mock.Anything, true).Return(noRows, nil)
	ex.On("ForceOrders", mock.Anything, "BTCUSDT", forceOrderLimit, mock.Anything).Return([]ForceOrder{}, nil)
	verdicts := Verify(context.Background(), ex, engine.Policy(), cands, now, noLog)
	require.Len(t, verdicts, 1)
	assert.Equal(t, OutcomeClosed, verdicts[0].Outcome)
	assert.True(t, verdicts[0].Verified)

	closed := engine.Apply(book, verdicts, now)
	require.Len(t, closed, 1)
	assert.Equal(t, position.ReasonNormal, closed[0].CloseReason)
	assert.False(t, book.IsOpen(btcL))
	assert.Equal(t, 0, engine.MissingCount(btcL))

	assert.Empty(t, engine.Apply(book, verdicts, now))
	assert.Len(t, book.ClosedRecords(), 1)
	ex.AssertExpectations(t)
}

func TestLiveRowResetsCounter(t *testing.T) {
	book, engine, _ := setup(t, DefaultPolicy())
	seed(book, btcL, 0.1, 60000, t0.Add(-time.Hour), t0.Add(-time.Hour))

	assert.Empty(t, engine.Observe(book, noRows, t0))
	assert.Equal(t, 1, engine.MissingCount(btcL))

	live := []position.Live{{Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 0.1, EntryPrice: 60000}}
	assert.Empty(t, engine.Observe(book, live, t0.Add(time.Second)))
	assert.Equal(t, 0, engine.MissingCount(btcL))

	assert.Empty(t, engine.Observe(book, noRows, t0.Add(2*time.Second)))
	assert.Len(t, engine.Observe(book, noRows, t0.Add(3*time.Second)), 1)
}

func TestPendingCloseCollapsesThreshold(t *testing.T) {
	book, engine, ex := setup(t, DefaultPolicy())
	seed(book, btcL, 0.1, 60000, t0.Add(-time.Second), t0.Add(-time.Second))
	engine.RegisterPendingClose(btcL, t0)

	cands := engine.Observe(book, noRows, t0)
	require.Len(t, cands, 1)
	assert.True(t, cands[0].Pending)

	ex.On("OpenPositions", mock.Anything, true).Return(nil, errors.New("timeout"))
	verdicts := Verify(context.Background(), ex, Policy{AutoClose: false}, cands, t0, noLog)
	require.Len(t, verdicts, 1)
	assert.Equal(t, OutcomeClosed, verdicts[0].Outcome)
	assert.False(t, verdicts[0].Verified)

	closed := engine.Apply(book, verdicts, t0)
	require.Len(t, closed, 1)
	ex.AssertNotCalled(t, "ForceOrders", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLiquidationAttribution(t *testing.T) {
	book, engine, ex := setup(t, DefaultPolicy())
	updated := t0.Add(-10 * time.Minute)
	seed(book, btcL, 0.5, 60000, t0.Add(-2*time.Hour), updated)

	engine.Observe(book, noRows, t0)
	cands := engine.Observe(book, noRows, t0.Add(time.Second))
	require.Len(t, cands, 1)
	assert.True(t, cands[0].LastUpdate.Equal(updated))

	liqTime := updated.Add(3 * time.Minute)
	ex.On("OpenPositions", mock.Anything, true).Return(noRows, nil)
	ex.On("ForceOrders", mock.Anything, "BTCUSDT", forceOrderLimit, updated.Add(-15*time.Minute)).Return([]ForceOrder{
		{Symbol: "BTCUSDT", Side: "BUY", Qty: 0.5, Price: 54000, Time: liqTime},
		{Symbol: "BTCUSDT", Side: "SELL", Qty: 0.1, Price: 54500, Time: liqTime},
		{Symbol: "BTCUSDT", Side: "SELL", Qty: 0.5, Price: 55000, Time: liqTime},
		{Symbol: "BTCUSDT", Side: "SELL", Qty: 0.5, Price: 53000, Time: updated.Add(-40 * time.Minute)},
	}, nil)

	verdicts := Verify(context.Background(), ex, engine.Policy(), cands, t0.Add(time.Second), noLog)
	require.Len(t, verdicts, 1)
	v := verdicts[0]
	assert.Equal(t, position.ReasonLiquidation, v.Reason)
	assert.InDelta(t, 55000.0, *v.ClosePrice, 1e-9)
	assert.InDelta(t, -2500.0, *v.PnL, 1e-9)
	assert.True(t, v.ClosedAt.Equal(liqTime))

	closed := engine.Apply(book, verdicts, t0.Add(time.Second))
	require.Len(t, closed, 1)
	rec := closed[0]
	assert.Equal(t, position.ReasonLiquidation, rec.CloseReason)
	assert.Equal(t, ledger.StatusLiquidated, rec.Status)
	assert.InDelta(t, -2500.0, *rec.Data.PnLValue, 1e-9)
	require.Len(t, rec.Allocations, 1)
	assert.Equal(t, ledger.StatusLiquidated, rec.Allocations[0].Status)
	ex.AssertExpectations(t)
}

func TestLiquidationLookupFailureFallsBack(t *testing.T) {
	book, engine, ex := setup(t, DefaultPolicy())
	seed(book, btcL, 0.5, 60000, t0.Add(-2*time.Hour), t0.Add(-time.Minute))
	engine.Observe(book, noRows, t0)
	cands := engine.Observe(book, noRows, t0)

	ex.On("OpenPositions", mock.Anything, true).Return(noRows, nil)
	ex.On("ForceOrders", mock.Anything, "BTCUSDT", forceOrderLimit, mock.Anything).Return(nil, errors.New("418"))
	verdicts := Verify(context.Background(), ex, engine.Policy(), cands, t0, noLog)
	require.Len(t, verdicts, 1)
	assert.Equal(t, OutcomeClosed, verdicts[0].Outcome)
	assert.Equal(t, position.ReasonNormal, verdicts[0].Reason)
	assert.Nil(t, verdicts[0].PnL)
}

func TestUnverifiedPolicy(t *testing.T) {
	testCases := []struct {
		name      string
		autoClose bool
		expected  Outcome
		open      bool
	}{
		{"Conservative keeps position", false, OutcomeDeferred, true},
		{"Missing implies closed", true, OutcomeClosed, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			policy := DefaultPolicy()
			policy.AutoClose = tc.autoClose
			book, engine, ex := setup(t, policy)
			seed(book, btcL, 0.1, 60000, t0.Add(-time.Hour), t0.Add(-time.Hour))
			engine.Observe(book, noRows, t0)
			cands := engine.Observe(book, noRows, t0)
			require.Len(t, cands, 1)

			ex.On("OpenPositions", mock.Anything, true).Return(nil, context.DeadlineExceeded)
			ex.On("ForceOrders", mock.Anything, "BTCUSDT", forceOrderLimit, mock.Anything).Return([]ForceOrder{}, nil).Maybe()
			verdicts := Verify(context.Background(), ex, engine.Policy(), cands, t0, noLog)
			require.Len(t, verdicts, 1)
			assert.Equal(t, tc.expected, verdicts[0].Outcome)

			engine.Apply(book, verdicts, t0)
			assert.Equal(t, tc.open, book.IsOpen(btcL))
		})
	}
}

func TestVerificationFindsPositionStillOpen(t *testing.T) {
	book, engine, ex := setup(t, DefaultPolicy())
	seed(book, btcL, 0.1, 60000, t0.Add(-time.Hour), t0.Add(-time.Hour))
	engine.Observe(book, noRows, t0)
	cands := engine.Observe(book, noRows, t0)

	ex.On("OpenPositions", mock.Anything, true).Return([]position.Live{{Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 0.1}}, nil)
	verdicts := Verify(context.Background(), ex, engine.Policy(), cands, t0, noLog)
	require.Len(t, verdicts, 1)
	assert.Equal(t, OutcomeStillOpen, verdicts[0].Outcome)

	assert.Empty(t, engine.Apply(book, verdicts, t0))
	assert.True(t, book.IsOpen(btcL))
	assert.Equal(t, 0, engine.MissingCount(btcL))
}

func TestSpotBalanceCountsAsHeld(t *testing.T) {
	policy := DefaultPolicy()
	policy.CheckBalances = true
	book, engine, ex := setup(t, policy)
	seed(book, btcL, 0.1, 60000, t0.Add(-time.Hour), t0.Add(-time.Hour))
	engine.Observe(book, noRows, t0)
	cands := engine.Observe(book, noRows, t0)

	ex.On("OpenPositions", mock.Anything, true).Return(noRows, nil)
	ex.On("Balances", mock.Anything).Return(map[string]float64{"BTC": 0.1, "USDT": 10}, nil)
	verdicts := Verify(context.Background(), ex, engine.Policy(), cands, t0, noLog)
	require.Len(t, verdicts, 1)
	assert.Equal(t, OutcomeStillOpen, verdicts[0].Outcome)
}

func TestApplySkipsReappearedKey(t *testing.T) {
	book, engine, ex := setup(t, DefaultPolicy())
	seed(book, btcL, 0.1, 60000, t0.Add(-time.Hour), t0.Add(-time.Hour))
	engine.Observe(book, noRows, t0)
	cands := engine.Observe(book, noRows, t0)
	require.Len(t, cands, 1)

	ex.On("OpenPositions", mock.Anything, true).Return(noRows, nil)
	ex.On("ForceOrders", mock.Anything, "BTCUSDT", forceOrderLimit, mock.Anything).Return([]ForceOrder{}, nil)
	verdicts := Verify(context.Background(), ex, engine.Policy(), cands, t0, noLog)

	engine.Observe(book, []position.Live{{Symbol: "BTCUSDT", Side: ledger.SideLong, Qty: 0.1}}, t0.Add(time.Second))
	assert.Empty(t, engine.Apply(book, verdicts, t0.Add(time.Second)))
	assert.True(t, book.IsOpen(btcL))
}

func TestBaseAsset(t *testing.T) {
	assert.Equal(t, "BTC", BaseAsset("BTCUSDT"))
	assert.Equal(t, "ETH", BaseAsset("ETHFDUSD"))
	assert.Equal(t, "SOL", BaseAsset("SOLBTC"))
	assert.Equal(t, "USDT", BaseAsset("USDT"))
}

// Package reconcile decides which tracked positions have really closed when they
// vanish from the exchange snapshot, and whether a liquidation closed them.
//
// A round has three steps. Observe and Apply mutate the book and must run on the
// book's owner. Verify performs the network calls and must run elsewhere.
package reconcile

import (
	"context"
	"math"
	"strings"
	"time"

	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/margin"
	"binance-position-tracker/internal/position"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	pendingCloseTTL   = 2 * time.Minute
	qtyMatchTolerance = 0.02
	spotDustFraction  = 0.05
	forceOrderLimit   = 50
)

// Policy tunes when a missing position counts as closed.
type Policy struct {
	// MissingThreshold is the number of consecutive snapshots a key must be absent from.
	MissingThreshold int
	// Grace is the minimum age of the newest active leg before absence counts.
	Grace time.Duration
	// AutoClose closes confirmed-missing keys even when verification failed.
	AutoClose bool
	// VerifyTimeout bounds each verification round trip.
	VerifyTimeout time.Duration
	// LiquidationWindow is the distance from the last update searched for force orders.
	LiquidationWindow time.Duration
	// CheckBalances treats a held spot balance of the base asset as still open.
	CheckBalances bool
}

func DefaultPolicy() Policy {
	return Policy{
		MissingThreshold:  2,
		Grace:             30 * time.Second,
		AutoClose:         true,
		VerifyTimeout:     4 * time.Second,
		LiquidationWindow: 15 * time.Minute,
	}
}

// ForceOrder is a forced liquidation order reported by the exchange.
type ForceOrder struct {
	Symbol string
	Side   string
	Qty    float64
	Price  float64
	Time   time.Time
}

// Exchange is what verification needs from the exchange.
type Exchange interface {
	OpenPositions(ctx context.Context, force bool) ([]position.Live, error)
	Balances(ctx context.Context) (map[string]float64, error)
	ForceOrders(ctx context.Context, symbol string, limit int, start time.Time) ([]ForceOrder, error)
}

// Candidate is a key that passed the missing threshold and grace window.
type Candidate struct {
	Key        ledger.Key
	Missing    int
	Pending    bool
	LastQty    float64
	EntryPrice float64
	LastUpdate time.Time
	LatestOpen time.Time
}

// Outcome is the result of verifying one candidate.
type Outcome int

const (
	// OutcomeClosed confirms the close.
	OutcomeClosed Outcome = iota
	// OutcomeStillOpen means the exchange still reports the position.
	OutcomeStillOpen
	// OutcomeDeferred means verification failed and policy forbids closing blind.
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClosed:
		return "closed"
	case OutcomeStillOpen:
		return "still_open"
	case OutcomeDeferred:
		return "deferred"
	}
	return "unknown"
}

// Verdict is a verified candidate.
type Verdict struct {
	Candidate
	Outcome    Outcome
	Verified   bool
	Reason     position.CloseReason
	ClosePrice *float64
	PnL        *float64
	ClosedAt   time.Time
}

// Engine keeps the missing counters and pending explicit closes between rounds.
type Engine struct {
	logger  *zap.Logger
	policy  Policy
	missing map[ledger.Key]int
	pending map[ledger.Key]time.Time
}

func NewEngine(logger *zap.Logger, policy Policy) *Engine {
	return &Engine{
		logger:  logger.Named("reconcile"),
		policy:  normalize(policy),
		missing: make(map[ledger.Key]int),
		pending: make(map[ledger.Key]time.Time),
	}
}

func normalize(p Policy) Policy {
	if p.MissingThreshold < 1 {
		p.MissingThreshold = 1
	}
	if p.VerifyTimeout <= 0 {
		p.VerifyTimeout = DefaultPolicy().VerifyTimeout
	}
	return p
}

func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) SetPolicy(p Policy) { e.policy = normalize(p) }

// RegisterPendingClose records that an explicit close for key arrived at at.
// While pending, the key needs a single absent snapshot and no grace period.
func (e *Engine) RegisterPendingClose(key ledger.Key, at time.Time) {
	e.pending[key] = at
}

// MissingCount returns the current missing counter of key.
func (e *Engine) MissingCount(key ledger.Key) int { return e.missing[key] }

// Observe folds a live snapshot into the book. Keys present reset their counter and
// are merged or adopted; open keys absent from rows count one more miss and are
// returned once they are eligible for closing.
func (e *Engine) Observe(book *position.Book, rows []position.Live, now time.Time) []Candidate {
	for k, at := range e.pending {
		if now.Sub(at) > pendingCloseTTL {
			delete(e.pending, k)
		}
	}

	live := make(map[ledger.Key]struct{}, len(rows))
	for _, row := range rows {
		if row.Qty <= 0 {
			continue
		}
		live[row.Key()] = struct{}{}
		delete(e.missing, row.Key())
		book.ApplyLive(row, now)
	}

	open := book.OpenKeys()
	tracked := make(map[ledger.Key]struct{}, len(open))
	var out []Candidate
	for _, key := range open {
		tracked[key] = struct{}{}
		if _, ok := live[key]; ok {
			continue
		}
		e.missing[key]++
		count := e.missing[key]
		_, pending := e.pending[key]

		threshold := e.policy.MissingThreshold
		if pending {
			threshold = 1
		}
		if count < threshold {
			continue
		}
		rec, ok := book.Record(key)
		if !ok {
			continue
		}
		latest := rec.LatestOpen()
		if !pending && e.policy.Grace > 0 && !latest.IsZero() && now.Sub(latest) < e.policy.Grace {
			e.logger.Debug("Missing position still inside grace window",
				zap.String("key", key.String()), zap.Duration("age", now.Sub(latest)))
			continue
		}
		c := Candidate{
			Key:        key,
			Missing:    count,
			Pending:    pending,
			LastQty:    rec.Data.Qty,
			LastUpdate: rec.Data.UpdateTime,
			LatestOpen: latest,
		}
		if rec.Data.EntryPrice != nil {
			c.EntryPrice = *rec.Data.EntryPrice
		}
		out = append(out, c)
	}
	for k := range e.missing {
		if _, ok := tracked[k]; !ok {
			delete(e.missing, k)
		}
	}
	return out
}

// Verify re-queries the exchange for the candidates under p.VerifyTimeout and looks
// for liquidations of the confirmed ones. It touches no shared state.
func Verify(ctx context.Context, ex Exchange, p Policy, cands []Candidate, now time.Time, logger *zap.Logger) []Verdict {
	if len(cands) == 0 {
		return nil
	}
	p = normalize(p)

	vctx, cancel := context.WithTimeout(ctx, p.VerifyTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(vctx)
	var (
		rows     []position.Live
		balances map[string]float64
	)
	g.Go(func() error {
		var err error
		rows, err = ex.OpenPositions(gctx, true)
		return err
	})
	if p.CheckBalances {
		g.Go(func() error {
			var err error
			balances, err = ex.Balances(gctx)
			return err
		})
	}
	err := g.Wait()
	verified := err == nil
	if !verified {
		logger.Warn("Position verification unavailable", zap.Error(err), zap.Int("candidates", len(cands)))
	}

	present := make(map[ledger.Key]struct{}, len(rows))
	for _, r := range rows {
		if r.Qty > 0 {
			present[r.Key()] = struct{}{}
		}
	}

	out := make([]Verdict, 0, len(cands))
	for _, c := range cands {
		v := Verdict{Candidate: c, Verified: verified, Reason: position.ReasonNormal, ClosedAt: now}
		switch {
		case verified && stillHeld(c, present, balances):
			v.Outcome = OutcomeStillOpen
		case !verified && !p.AutoClose && !c.Pending:
			v.Outcome = OutcomeDeferred
		default:
			v.Outcome = OutcomeClosed
			if !c.Pending {
				detectLiquidation(ctx, ex, p, &v, now, logger)
			}
		}
		out = append(out, v)
	}
	return out
}

func stillHeld(c Candidate, present map[ledger.Key]struct{}, balances map[string]float64) bool {
	if _, ok := present[c.Key]; ok {
		return true
	}
	if balances == nil || c.Key.Side != ledger.SideLong {
		return false
	}
	held := balances[BaseAsset(c.Key.Symbol)]
	return held > 0 && held >= c.LastQty*spotDustFraction
}

// detectLiquidation looks for an opposite-side force order near the last update
// whose quantity matches the vanished position. Lookup failures leave v a normal close.
func detectLiquidation(ctx context.Context, ex Exchange, p Policy, v *Verdict, now time.Time, logger *zap.Logger) {
	if p.LiquidationWindow <= 0 {
		return
	}
	ref := v.LastUpdate
	if ref.IsZero() {
		ref = now
	}
	lctx, cancel := context.WithTimeout(ctx, p.VerifyTimeout)
	defer cancel()
	orders, err := ex.ForceOrders(lctx, v.Key.Symbol, forceOrderLimit, ref.Add(-p.LiquidationWindow))
	if err != nil {
		logger.Warn("Force order lookup failed", zap.String("key", v.Key.String()), zap.Error(err))
		return
	}

	want := v.Key.Side.CloseOrderSide()
	var best *ForceOrder
	bestDist := time.Duration(math.MaxInt64)
	for i := range orders {
		o := orders[i]
		if !strings.EqualFold(o.Side, want) || o.Price <= 0 {
			continue
		}
		dist := o.Time.Sub(ref)
		if dist < 0 {
			dist = -dist
		}
		if dist > p.LiquidationWindow {
			continue
		}
		if v.LastQty > 0 && math.Abs(o.Qty-v.LastQty) > v.LastQty*qtyMatchTolerance {
			continue
		}
		if dist < bestDist {
			best, bestDist = &orders[i], dist
		}
	}
	if best == nil {
		return
	}

	v.Reason = position.ReasonLiquidation
	v.ClosePrice = ledger.Float(best.Price)
	if !best.Time.IsZero() {
		v.ClosedAt = best.Time
	}
	qty := v.LastQty
	if qty <= 0 {
		qty = best.Qty
	}
	if v.EntryPrice > 0 && qty > 0 {
		v.PnL = ledger.Float(margin.RealizedPnL(v.EntryPrice, best.Price, qty, v.Key.Side.Direction()))
	}
	logger.Info("Liquidation detected",
		zap.String("key", v.Key.String()),
		zap.Float64("price", best.Price),
		zap.Float64("qty", best.Qty),
		zap.Time("time", best.Time))
}

// Apply commits verdicts to the book and returns the closed records it produced.
// Verdicts for keys that closed or reappeared in the meantime are dropped, so a
// repeated Apply emits nothing new.
func (e *Engine) Apply(book *position.Book, verdicts []Verdict, now time.Time) []position.Record {
	var closed []position.Record
	for _, v := range verdicts {
		key := v.Key
		switch v.Outcome {
		case OutcomeStillOpen:
			delete(e.missing, key)
			continue
		case OutcomeDeferred:
			continue
		}
		if !book.IsOpen(key) {
			delete(e.missing, key)
			delete(e.pending, key)
			continue
		}
		_, pending := e.pending[key]
		if e.missing[key] == 0 && !pending {
			e.logger.Debug("Position reappeared before close was applied", zap.String("key", key.String()))
			continue
		}
		if rec, ok := book.Record(key); ok && rec.LatestOpen().After(v.LatestOpen) {
			e.logger.Debug("New leg opened before close was applied", zap.String("key", key.String()))
			continue
		}

		status := ledger.StatusClosed
		if v.Reason == position.ReasonLiquidation {
			status = ledger.StatusLiquidated
		}
		at := v.ClosedAt
		if at.IsZero() {
			at = now
		}
		rec, ok := book.Close(key, position.CloseInput{
			Reason:     v.Reason,
			Status:     status,
			At:         at,
			PnL:        v.PnL,
			ClosePrice: v.ClosePrice,
		})
		delete(e.missing, key)
		delete(e.pending, key)
		if !ok {
			continue
		}
		e.logger.Info("Position closed by reconciliation",
			zap.String("key", key.String()),
			zap.String("reason", string(v.Reason)),
			zap.Bool("verified", v.Verified),
			zap.Int("missing", v.Missing))
		closed = append(closed, rec)
	}
	return closed
}

// ForgetKey drops the counters of key, used when ingestion closes it explicitly.
func (e *Engine) ForgetKey(key ledger.Key) {
	delete(e.missing, key)
	delete(e.pending, key)
}

var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// BaseAsset strips the quote asset from a symbol ("BTCUSDT" -> "BTC").
func BaseAsset(symbol string) string {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q)
		}
	}
	return symbol
}

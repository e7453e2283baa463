// Package trader runs the position tracker: a single goroutine owns the ledger and
// the position book, trade events and reconciliation results reach it as messages,
// and readers get point-in-time snapshots.
package trader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"binance-position-tracker/internal/binance"
	"binance-position-tracker/internal/config"
	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/position"
	"binance-position-tracker/internal/reconcile"
	"binance-position-tracker/internal/view"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("tracker is stopped")

// EventType names a message handled by the actor.
type EventType string

const (
	EventTrade        EventType = "trade_event"
	EventObserve      EventType = "observe"
	EventApply        EventType = "apply_verdicts"
	EventSetPolicy    EventType = "set_policy"
	EventPendingClose EventType = "pending_close"
	EventCapture      EventType = "capture_state"
	EventRestore      EventType = "restore_state"
)

// EventEnvelope carries one message to the actor.
type EventEnvelope struct {
	ID        string
	Type      EventType
	Payload   any
	CreatedAt time.Time

	// ReplyCh receives the handler error, then is closed.
	ReplyCh chan error `json:"-"`
}

// Outcome is what ingestion did with a trade event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
	OutcomeInvalid   Outcome = "invalid"
)

// Options configures a Service.
type Options struct {
	Mode             string
	StatePath        string
	StateMaxAge      time.Duration
	PollInterval     time.Duration
	PersistInterval  time.Duration
	DedupTTL         time.Duration
	DedupCapacity    int
	HistoryCapacity  int
	RegistryCapacity int
	Policy           reconcile.Policy
	// Now replaces time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps the tracker configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	t := cfg.Tracker
	return Options{
		Mode:             t.Mode,
		StatePath:        t.StatePath,
		StateMaxAge:      t.StateMaxAge,
		PollInterval:     t.PollInterval,
		PersistInterval:  t.PersistInterval,
		DedupTTL:         t.DedupTTL,
		DedupCapacity:    t.DedupCapacity,
		HistoryCapacity:  t.MaxClosedHistory,
		RegistryCapacity: t.RegistryCapacity,
		Policy:           PolicyFromConfig(cfg),
	}
}

// PolicyFromConfig builds the reconciliation policy. Spot accounts also check balances.
func PolicyFromConfig(cfg *config.Config) reconcile.Policy {
	t := cfg.Tracker
	return reconcile.Policy{
		MissingThreshold:  t.MissingThreshold,
		Grace:             time.Duration(t.MissingGraceSeconds) * time.Second,
		AutoClose:         t.MissingAutoclose,
		VerifyTimeout:     t.VerifyTimeout,
		LiquidationWindow: t.LiquidationWindow,
		CheckBalances:     cfg.Binance.IsSpot(),
	}
}

// Snapshot is a consistent read-only copy of the tracker state.
type Snapshot struct {
	Open          []position.Record
	Closed        []position.Record
	Totals        position.Totals
	// Missing maps open keys to their consecutive absent snapshots.
	Missing       map[string]int
	UpdatedAt     time.Time
	LastReconcile time.Time
}

type tradeRequest struct {
	event   TradeEvent
	outcome Outcome
}

type observeRequest struct {
	rows       []position.Live
	at         time.Time
	candidates []reconcile.Candidate
	policy     reconcile.Policy
}

type applyRequest struct {
	verdicts []reconcile.Verdict
	at       time.Time
	closed   []position.Record
}

type captureRequest struct {
	state ledger.State
}

// Service owns the ledger, the position book and the reconciliation counters.
type Service struct {
	opts     Options
	logger   *zap.Logger
	exchange reconcile.Exchange
	archive  Archiver
	now      func() time.Time

	// owned by runLoop
	book          *position.Book
	engine        *reconcile.Engine
	dedup         *dedupCache
	lastReconcile time.Time

	msgCh    chan EventEnvelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	snapshot atomic.Value
	started  time.Time
}

// NewService creates a tracker. archive may be nil.
func NewService(opts Options, exchange reconcile.Exchange, archive Archiver, logger *zap.Logger) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if archive == nil {
		archive = nopArchiver{}
	}
	lopts := []ledger.Option{ledger.WithClock(now)}
	if opts.DedupTTL > 0 {
		lopts = append(lopts, ledger.WithTombstoneTTL(opts.DedupTTL))
	}
	l := ledger.New(lopts...)
	s := &Service{
		opts:     opts,
		logger:   logger.Named("tracker"),
		exchange: exchange,
		archive:  archive,
		now:      now,
		book:     position.NewBook(l, opts.HistoryCapacity, opts.RegistryCapacity),
		engine:   reconcile.NewEngine(logger, opts.Policy),
		dedup:    newDedupCache(opts.DedupTTL, opts.DedupCapacity),
		msgCh:    make(chan EventEnvelope, 100),
		stopCh:   make(chan struct{}),
		started:  now(),
	}
	s.refreshSnapshot()
	return s
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.runLoop()
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) Send(evt EventEnvelope) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}
	select {
	case s.msgCh <- evt:
		return nil
	case <-s.stopCh:
		return ErrStopped
	}
}

// SendSync sends evt and waits for the actor to handle it.
func (s *Service) SendSync(ctx context.Context, evt EventEnvelope) error {
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan error, 1)
	}
	if err := s.Send(evt); err != nil {
		return err
	}
	select {
	case err := <-evt.ReplyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopped
	}
}

func (s *Service) envelope(typ EventType, payload any) EventEnvelope {
	return EventEnvelope{ID: uuid.NewString(), Type: typ, Payload: payload, CreatedAt: s.now()}
}

func (s *Service) runLoop() {
	defer s.wg.Done()
	s.logger.Info("Tracker actor started")
	for {
		select {
		case evt := <-s.msgCh:
			s.handleEvent(evt)
		case <-s.stopCh:
			s.logger.Info("Tracker actor stopping")
			return
		}
	}
}

// handleEvent recovers handler panics so one bad payload cannot stop the actor.
func (s *Service) handleEvent(evt EventEnvelope) {
	var err error
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while handling event",
				zap.String("type", string(evt.Type)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
		if evt.ReplyCh != nil {
			evt.ReplyCh <- err
			close(evt.ReplyCh)
		}
		dur := time.Since(start)
		EventLatency.WithLabelValues(string(evt.Type)).Observe(dur.Seconds())
		if dur > 100*time.Millisecond {
			s.logger.Warn("Slow event", zap.String("type", string(evt.Type)), zap.Duration("took", dur))
		}
	}()

	switch evt.Type {
	case EventTrade:
		req, ok := evt.Payload.(*tradeRequest)
		if !ok {
			err = fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
			return
		}
		req.outcome = s.applyTrade(req.event)
		s.archive.ArchiveEvent(eventModel(evt.ID, req.event, req.outcome))
	case EventObserve:
		req, ok := evt.Payload.(*observeRequest)
		if !ok {
			err = fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
			return
		}
		req.candidates = s.engine.Observe(s.book, req.rows, req.at)
		req.policy = s.engine.Policy()
		s.lastReconcile = req.at
	case EventApply:
		req, ok := evt.Payload.(*applyRequest)
		if !ok {
			err = fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
			return
		}
		req.closed = s.engine.Apply(s.book, req.verdicts, req.at)
		for _, rec := range req.closed {
			s.recordClosed(rec, "reconcile")
		}
	case EventSetPolicy:
		p, ok := evt.Payload.(reconcile.Policy)
		if !ok {
			err = fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
			return
		}
		s.engine.SetPolicy(p)
		s.logger.Info("Reconciliation policy updated",
			zap.Int("missing_threshold", p.MissingThreshold),
			zap.Duration("grace", p.Grace),
			zap.Bool("autoclose", p.AutoClose))
	case EventPendingClose:
		key, ok := evt.Payload.(ledger.Key)
		if !ok {
			err = fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
			return
		}
		s.engine.RegisterPendingClose(key, s.now())
	case EventCapture:
		req, ok := evt.Payload.(*captureRequest)
		if !ok {
			err = fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
			return
		}
		req.state, err = s.book.State(s.opts.Mode, s.now())
		return
	case EventRestore:
		st, ok := evt.Payload.(ledger.State)
		if !ok {
			err = fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
			return
		}
		s.book.Restore(st)
	default:
		s.logger.Warn("No handler for event type", zap.String("type", string(evt.Type)))
		return
	}
	s.refreshSnapshot()
}

// applyTrade runs on the actor. Failed orders and repeated deliveries leave the
// ledger untouched.
func (s *Service) applyTrade(evt TradeEvent) Outcome {
	now := s.now()
	key := evt.Key()
	l := s.logger.With(zap.String("key", key.String()), zap.String("event", string(evt.Event)))

	outcome := s.ingest(evt, key, now, l)
	EventsIngested.WithLabelValues(string(evt.Event), string(outcome)).Inc()
	return outcome
}

func (s *Service) ingest(evt TradeEvent, key ledger.Key, now time.Time, l *zap.Logger) Outcome {
	if evt.Failed() {
		l.Warn("Trade event reports a failed order, ledger unchanged", zap.String("status", evt.Status))
		return OutcomeFailed
	}
	if s.dedup.Seen(evt.DedupKey(), now) {
		l.Debug("Duplicate trade event dropped")
		return OutcomeDuplicate
	}

	if evt.Event == KindOpen {
		alloc, changed := s.book.Ledger().Upsert(key, evt.Fill())
		if !changed {
			l.Debug("Open event changed nothing")
			return OutcomeIgnored
		}
		s.book.Sync(key)
		l.Info("Allocation updated",
			zap.String("trade_id", alloc.TradeID),
			zap.String("interval", alloc.Interval),
			zap.Float64("qty", alloc.Qty))
		return OutcomeApplied
	}

	closed := s.markClosed(key, evt)
	if len(closed) == 0 {
		if s.book.IsOpen(key) {
			// let the next snapshot settle it
			s.engine.RegisterPendingClose(key, now)
		}
		l.Info("Close event matched no active allocation", zap.String("interval", evt.Interval))
		return OutcomeIgnored
	}
	if s.book.Ledger().HasActive(key) {
		s.book.Sync(key)
		l.Info("Allocations closed", zap.Int("legs", len(closed)))
		return OutcomeApplied
	}

	at := evt.Time
	if at.IsZero() {
		at = now
	}
	rec, ok := s.book.Close(key, position.CloseInput{
		Reason: position.ReasonNormal,
		Status: closed[len(closed)-1].Status,
		At:     at,
	})
	s.engine.ForgetKey(key)
	if ok {
		s.recordClosed(rec, "event")
	}
	return OutcomeApplied
}

// markClosed closes the legs named by evt. A close whose identifiers belong to no
// known leg (typically the id of the closing order) falls back to its interval, or
// for a plain close without interval to every active leg.
func (s *Service) markClosed(key ledger.Key, evt TradeEvent) []ledger.Allocation {
	l := s.book.Ledger()
	c := evt.Closing()
	if closed := l.MarkClosed(key, c); len(closed) > 0 {
		return closed
	}
	ids := []string{c.ClientOrderID, c.OrderID, c.LedgerID, c.TradeID}
	if !anyNonEmpty(ids) || knowsID(l.Entries(key), ids) {
		return nil
	}
	if c.Interval == "" && evt.Event != KindClose {
		return nil
	}
	c.ClientOrderID, c.OrderID, c.LedgerID, c.TradeID = "", "", "", ""
	return l.MarkClosed(key, c)
}

func (s *Service) recordClosed(rec position.Record, source string) {
	PositionsClosed.WithLabelValues(source, string(rec.CloseReason)).Inc()
	if rec.CloseReason == position.ReasonLiquidation {
		LiquidationsDetected.WithLabelValues(rec.Symbol).Inc()
	}
	fields := []zap.Field{
		zap.String("key", rec.Key().String()),
		zap.String("reason", string(rec.CloseReason)),
		zap.String("source", source),
		zap.String("pnl", view.Display(rec.Data.PnLValue, 4)),
	}
	s.logger.Info("Position closed", fields...)
	s.archive.ArchiveClosed(rec)
}

func (s *Service) refreshSnapshot() {
	snap := &Snapshot{
		Open:          s.book.OpenRecords(),
		Closed:        s.book.ClosedRecords(),
		Totals:        s.book.Totals(),
		UpdatedAt:     s.now(),
		LastReconcile: s.lastReconcile,
	}
	for _, rec := range snap.Open {
		if n := s.engine.MissingCount(rec.Key()); n > 0 {
			if snap.Missing == nil {
				snap.Missing = make(map[string]int)
			}
			snap.Missing[rec.Key().String()] = n
		}
	}
	s.snapshot.Store(snap)
	OpenPositions.Set(float64(snap.Totals.OpenCount))
	RealizedPnL.Set(snap.Totals.RealizedPnL)
}

// Snapshot returns the state as of the last handled message. It must not be modified.
func (s *Service) Snapshot() *Snapshot {
	v := s.snapshot.Load()
	if v == nil {
		return &Snapshot{}
	}
	return v.(*Snapshot)
}

// Ingest parses a trade-event payload and applies it.
func (s *Service) Ingest(ctx context.Context, raw map[string]any) (Outcome, error) {
	evt, err := ParseTradeEvent(raw)
	if err != nil {
		EventsIngested.WithLabelValues("unknown", string(OutcomeInvalid)).Inc()
		s.logger.Warn("Rejected trade event", zap.Error(err))
		return OutcomeInvalid, err
	}
	return s.IngestEvent(ctx, evt)
}

// IngestEvent applies a parsed trade event and waits for the result.
func (s *Service) IngestEvent(ctx context.Context, evt TradeEvent) (Outcome, error) {
	req := &tradeRequest{event: evt}
	if err := s.SendSync(ctx, s.envelope(EventTrade, req)); err != nil {
		return "", err
	}
	return req.outcome, nil
}

// Tick runs one reconciliation round. Only the exchange calls run off the actor.
func (s *Service) Tick(ctx context.Context) error {
	rows, err := s.exchange.OpenPositions(ctx, false)
	if err != nil {
		ReconcileRounds.WithLabelValues("snapshot_error").Inc()
		return fmt.Errorf("failed to fetch open positions: %w", err)
	}
	obs := &observeRequest{rows: rows, at: s.now()}
	if err := s.SendSync(ctx, s.envelope(EventObserve, obs)); err != nil {
		return err
	}
	ReconcileRounds.WithLabelValues("ok").Inc()
	if len(obs.candidates) == 0 {
		return nil
	}

	verdicts := reconcile.Verify(ctx, s.exchange, obs.policy, obs.candidates, s.now(), s.logger)
	for _, v := range verdicts {
		VerifyOutcomes.WithLabelValues(v.Outcome.String()).Inc()
	}
	return s.SendSync(ctx, s.envelope(EventApply, &applyRequest{verdicts: verdicts, at: s.now()}))
}

// Run polls the exchange until ctx is done, persisting the state on its own
// interval and once more on the way out.
func (s *Service) Run(ctx context.Context) {
	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()
	var persist <-chan time.Time
	if s.opts.PersistInterval > 0 && s.opts.StatePath != "" {
		t := time.NewTicker(s.opts.PersistInterval)
		defer t.Stop()
		persist = t.C
	}

	s.logger.Info("Starting reconciliation loop", zap.Duration("interval", s.opts.PollInterval))
	if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("Reconciliation failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping reconciliation loop...")
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Persist(pctx); err != nil {
				s.logger.Error("Failed to persist state", zap.Error(err))
			}
			cancel()
			return
		case <-poll.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Reconciliation failed", zap.Error(err))
			}
		case <-persist:
			if err := s.Persist(ctx); err != nil {
				s.logger.Error("Failed to persist state", zap.Error(err))
			}
		}
	}
}

// Persist captures the state on the actor and writes it to the state file.
func (s *Service) Persist(ctx context.Context) error {
	if s.opts.StatePath == "" {
		return nil
	}
	req := &captureRequest{}
	if err := s.SendSync(ctx, s.envelope(EventCapture, req)); err != nil {
		return err
	}
	return ledger.SaveFile(s.opts.StatePath, req.state)
}

// Load restores the state file when it is usable. An unusable file is logged and
// treated as nothing to load.
func (s *Service) Load(ctx context.Context) error {
	if s.opts.StatePath == "" {
		return nil
	}
	st, err := ledger.LoadFile(s.opts.StatePath, s.opts.Mode, s.now(), s.opts.StateMaxAge)
	if err != nil {
		s.logger.Info("No state restored", zap.String("path", s.opts.StatePath), zap.Error(err))
		return nil
	}
	if err := s.SendSync(ctx, s.envelope(EventRestore, st)); err != nil {
		return err
	}
	s.logger.Info("State restored",
		zap.Int("keys", len(st.Allocations)),
		zap.Int("open", len(s.Snapshot().Open)))
	return nil
}

// SetPolicy replaces the reconciliation policy.
func (s *Service) SetPolicy(ctx context.Context, p reconcile.Policy) error {
	return s.SendSync(ctx, s.envelope(EventSetPolicy, p))
}

// ExpectClose tells reconciliation that key is being closed outside the event stream.
func (s *Service) ExpectClose(ctx context.Context, key ledger.Key) error {
	return s.SendSync(ctx, s.envelope(EventPendingClose, key))
}

// OpenRecords returns copies of the open records, sorted by key.
func (s *Service) OpenRecords() []position.Record {
	return cloneRecords(s.Snapshot().Open)
}

// ClosedRecords returns copies of the closed history, newest first.
func (s *Service) ClosedRecords() []position.Record {
	return cloneRecords(s.Snapshot().Closed)
}

func (s *Service) Totals() position.Totals { return s.Snapshot().Totals }

func (s *Service) ProjectCumulative() []view.Row {
	snap := s.Snapshot()
	return view.Cumulative(snap.Open, snap.Closed)
}

func (s *Service) ProjectPerTrade() []view.Row {
	snap := s.Snapshot()
	return view.PerTrade(snap.Open, snap.Closed)
}

// Closer closes positions on the exchange.
type Closer interface {
	ClosePosition(ctx context.Context, symbol string) (*binance.CloseResult, error)
	CloseLegExact(ctx context.Context, symbol string, qty float64, side, positionSide string) (*binance.CloseResult, error)
}

// CloseAll closes every open symbol on the exchange and marks the keys pending so
// the next round records the closes.
func (s *Service) CloseAll(ctx context.Context, closer Closer) {
	closed := make(map[string]bool)
	for _, rec := range s.Snapshot().Open {
		ok, seen := closed[rec.Symbol]
		if !seen {
			_, err := closer.ClosePosition(ctx, rec.Symbol)
			ok = err == nil || errors.Is(err, binance.ErrNothingToClose)
			closed[rec.Symbol] = ok
			if !ok {
				s.logger.Error("Failed to close position", zap.String("symbol", rec.Symbol), zap.Error(err))
			}
		}
		if !ok {
			continue
		}
		if err := s.ExpectClose(ctx, rec.Key()); err != nil {
			s.logger.Warn("Could not mark close as pending", zap.Error(err))
		}
	}
}

func cloneRecords(in []position.Record) []position.Record {
	out := make([]position.Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

func anyNonEmpty(values []string) bool {
	for _, v := range values {
		if v != "" {
			return true
		}
	}
	return false
}

// knowsID reports whether any leg of entries carries one of ids.
func knowsID(entries []ledger.Allocation, ids []string) bool {
	for _, a := range entries {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if id == a.TradeID || id == a.ClientOrderID || id == a.OrderID || id == a.LedgerID {
				return true
			}
		}
	}
	return false
}

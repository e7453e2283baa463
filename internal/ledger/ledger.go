// Package ledger is the authoritative local store of strategy legs ("allocations")
// keyed by (symbol, side).
//
// The exchange only reports aggregate exposure per symbol and side; interval,
// trigger and leverage metadata for each leg exists only here. A Ledger is not
// safe for concurrent use: its owner serializes every call.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"binance-position-tracker/internal/indicator"
	"binance-position-tracker/internal/margin"
	"binance-position-tracker/internal/timeframe"

	"github.com/shopspring/decimal"
)

const (
	qtyEpsilon           = 1e-12
	defaultHistoryLimit  = 50
	defaultTombstoneTTL  = 10 * time.Minute
	adoptQuarantine      = time.Minute
	marginSourceReported = "reported"
	marginSourceDerived  = "derived"
)

// Fill is an open or adjustment event for one leg.
type Fill struct {
	TradeID       string
	ClientOrderID string
	OrderID       string
	LedgerID      string
	Interval      string

	Qty      *float64
	Price    *float64
	Leverage *float64
	Margin   *float64

	TriggerIndicators []string
	TriggerDesc       string
	TriggerActions    map[string]string

	Time time.Time
}

// Closing describes an explicit close. With no identifiers and no interval it targets every active leg of the key.
type Closing struct {
	TradeID       string
	ClientOrderID string
	OrderID       string
	LedgerID      string
	Interval      string

	Qty    *float64
	Price  *float64
	PnL    *float64
	Margin *float64

	Status Status
	Reason string
	Time   time.Time
}

func (c Closing) ids() []string {
	return nonEmpty(c.ClientOrderID, c.OrderID, c.LedgerID, c.TradeID)
}

func (f Fill) ids() []string {
	return nonEmpty(f.ClientOrderID, f.OrderID, f.LedgerID, f.TradeID)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithResolver replaces the indicator resolver used to canonicalize triggers.
func WithResolver(r *indicator.Resolver) Option {
	return func(l *Ledger) { l.resolver = r }
}

// WithHistoryLimit bounds the number of closed legs kept per key.
func WithHistoryLimit(n int) Option {
	return func(l *Ledger) { l.historyLimit = n }
}

// WithTombstoneTTL sets how long close markers reject stale opens.
func WithTombstoneTTL(d time.Duration) Option {
	return func(l *Ledger) { l.tombstoneTTL = d }
}

// Ledger maps (symbol, side) to its ordered allocations.
type Ledger struct {
	entries      map[Key][]*Allocation
	marginSource map[*Allocation]string
	tombstones   map[string]tombstone
	seq          uint64

	resolver     *indicator.Resolver
	now          func() time.Time
	historyLimit int
	tombstoneTTL time.Duration
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries:      make(map[Key][]*Allocation),
		marginSource: make(map[*Allocation]string),
		tombstones:   make(map[string]tombstone),
		resolver:     indicator.Default,
		now:          time.Now,
		historyLimit: defaultHistoryLimit,
		tombstoneTTL: defaultTombstoneTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Upsert merges f into the matching allocation of key, or appends a new active one.
// Non-nil fields of f overwrite; nil fields never erase known values. An open whose
// time is not after a recorded close of the same leg is ignored.
// It returns a copy of the resulting allocation and whether anything changed.
func (l *Ledger) Upsert(key Key, f Fill) (Allocation, bool) {
	now := l.now()
	at := f.Time
	if at.IsZero() {
		at = now
	}
	l.pruneTombstones(now)

	interval := timeframe.Canonical(f.Interval)
	for _, id := range f.ids() {
		if ts, ok := l.tombstones[idTombstone(key, id)]; ok && !at.After(ts.at) {
			return Allocation{}, false
		}
	}
	if ts, ok := l.tombstones[intervalTombstone(key, interval)]; ok && interval != "" && !at.After(ts.at) {
		return Allocation{}, false
	}

	indicators := l.resolver.ResolveTriggerIndicators(f.TriggerIndicators, f.TriggerDesc)
	actions := l.resolver.NormalizeActions(f.TriggerActions)

	alloc := l.find(key, f, interval, indicators, at)
	if alloc != nil && !alloc.Status.IsActive() {
		return alloc.Clone(), false
	}

	created := false
	if alloc == nil {
		created = true
		l.seq++
		alloc = &Allocation{
			TradeID:   firstNonEmpty(f.ClientOrderID, f.OrderID, f.LedgerID, f.TradeID),
			Symbol:    key.Symbol,
			Side:      key.Side,
			Interval:  interval,
			OpenedAt:  at,
			OpenTime:  FormatTime(at),
			CloseTime: NoTime,
			Status:    StatusActive,
		}
		if alloc.TradeID == "" {
			alloc.TradeID = fmt.Sprintf("%s-%s-%d-%d", key.Symbol, key.Side, at.UnixMilli(), l.seq)
		}
		l.entries[key] = append(l.entries[key], alloc)
	}

	before := alloc.Clone()
	mergeIDs(alloc, f)
	if alloc.Interval == "" && interval != "" {
		alloc.Interval = interval
	}
	if v, ok := positive(f.Qty); ok {
		alloc.Qty = v
	}
	if v, ok := positive(f.Price); ok {
		alloc.EntryPrice = Float(v)
	}
	if v, ok := positive(f.Leverage); ok {
		alloc.Leverage = Float(v)
	}
	if v, ok := positive(f.Margin); ok {
		alloc.MarginUSDT = Float(v)
		l.marginSource[alloc] = marginSourceReported
	}
	l.deriveAmounts(alloc)
	if !alloc.Adopted && alloc.Qty > before.Qty {
		l.absorbAdopted(key, alloc.Qty-before.Qty)
	}

	if len(indicators) > 0 {
		alloc.TriggerIndicators = unionSorted(alloc.TriggerIndicators, indicators)
	}
	if desc := strings.TrimSpace(f.TriggerDesc); desc != "" {
		alloc.TriggerDesc = desc
	}
	for k, v := range actions {
		if alloc.TriggerActions == nil {
			alloc.TriggerActions = make(map[string]string, len(actions))
		}
		alloc.TriggerActions[k] = v
	}

	changed := created || !sameAllocation(before, *alloc)
	if changed {
		alloc.UpdatedAt = now
	}
	return alloc.Clone(), changed
}

// deriveAmounts fills notional and, unless the margin was reported, margin = price*qty/leverage.
func (l *Ledger) deriveAmounts(a *Allocation) {
	if a.EntryPrice == nil || a.Qty <= 0 {
		return
	}
	notional := *a.EntryPrice * a.Qty
	a.Notional = Float(notional)
	if l.marginSource[a] == marginSourceReported {
		return
	}
	lev := 1.0
	if a.Leverage != nil && *a.Leverage > 0 {
		lev = *a.Leverage
	}
	d, _ := decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(lev)).Round(8).Float64()
	a.MarginUSDT = Float(d)
	l.marginSource[a] = marginSourceDerived
}

func (l *Ledger) find(key Key, f Fill, interval string, indicators []string, at time.Time) *Allocation {
	list := l.entries[key]
	matchers := []struct {
		want string
		get  func(*Allocation) string
	}{
		{f.ClientOrderID, func(a *Allocation) string { return a.ClientOrderID }},
		{f.OrderID, func(a *Allocation) string { return a.OrderID }},
		{f.LedgerID, func(a *Allocation) string { return a.LedgerID }},
	}
	for _, m := range matchers {
		if m.want == "" {
			continue
		}
		for _, a := range list {
			if m.get(a) == m.want || a.TradeID == m.want {
				return a
			}
		}
	}
	if f.TradeID != "" {
		for _, a := range list {
			if a.TradeID == f.TradeID {
				return a
			}
		}
	}
	if len(f.ids()) > 0 || f.Time.IsZero() {
		return nil
	}
	// A bare event and its enriched twin share interval and time; either one may
	// lack the indicators.
	inds := strings.Join(indicators, ",")
	for _, a := range list {
		if a.Adopted || a.Interval != interval || !a.OpenedAt.Equal(at) {
			continue
		}
		if own := strings.Join(a.TriggerIndicators, ","); own == "" || inds == "" || own == inds {
			return a
		}
	}
	return nil
}

// MarkClosed closes the active allocations of key selected by c: by identifier when one
// is given, else by interval, else all of them. When several legs close together and the
// event reports aggregate PnL, quantity or margin, those are split pro rata by quantity
// (evenly when quantities are unknown). A single leg closed for less than its size is split
// into a closed child and an active remainder. It returns copies of the legs it closed.
func (l *Ledger) MarkClosed(key Key, c Closing) []Allocation {
	now := l.now()
	at := c.Time
	if at.IsZero() {
		at = now
	}
	status := c.Status
	if status == "" || status == StatusActive {
		status = StatusClosed
	}
	interval := timeframe.Canonical(c.Interval)

	var targets []*Allocation
	ids := c.ids()
	for _, a := range l.entries[key] {
		if !a.Status.IsActive() {
			continue
		}
		switch {
		case len(ids) > 0:
			if matchesAny(a, ids) {
				targets = append(targets, a)
			}
		case interval != "":
			if a.Interval == interval {
				targets = append(targets, a)
			}
		default:
			targets = append(targets, a)
		}
	}

	if len(targets) == 1 {
		if q, ok := positive(c.Qty); ok && q < targets[0].Qty-qtyEpsilon {
			return l.splitClose(key, targets[0], q, c, status, at)
		}
	}

	for _, id := range ids {
		l.bury(idTombstone(key, id), at, now)
	}
	if len(ids) == 0 && interval != "" {
		l.bury(intervalTombstone(key, interval), at, now)
	}
	if len(targets) == 0 {
		return nil
	}

	shares := proportionalShares(targets)
	pnlParts := distribute(c.PnL, shares)
	qtyParts := distribute(c.Qty, shares)
	marginParts := distribute(c.Margin, shares)

	closed := make([]Allocation, 0, len(targets))
	for i, a := range targets {
		l.bury(idTombstone(key, a.TradeID), at, now)
		if qtyParts != nil && qtyParts[i] > 0 {
			a.Qty = qtyParts[i]
		}
		if marginParts != nil && marginParts[i] > 0 {
			a.MarginUSDT = Float(marginParts[i])
			l.marginSource[a] = marginSourceReported
		}
		var pnl *float64
		if pnlParts != nil {
			pnl = Float(pnlParts[i])
		}
		finalize(a, pnl, c, status, at, now)
		closed = append(closed, a.Clone())
	}
	l.trimHistory(key)
	return closed
}

func (l *Ledger) splitClose(key Key, parent *Allocation, qty float64, c Closing, status Status, at time.Time) []Allocation {
	prefix := parent.TradeID + "#p"
	children := 0
	for _, a := range l.entries[key] {
		if strings.HasPrefix(a.TradeID, prefix) {
			if a.ClosedAt.Equal(at) && math.Abs(a.Qty-qty) <= qtyEpsilon {
				return nil
			}
			children++
		}
	}
	ratio := qty / parent.Qty
	child := parent.Clone()
	child.TradeID = fmt.Sprintf("%s%d", prefix, children+1)
	child.ClientOrderID, child.OrderID, child.LedgerID = "", "", ""
	child.Qty = qty
	if parent.MarginUSDT != nil {
		child.MarginUSDT = Float(*parent.MarginUSDT * ratio)
		parent.MarginUSDT = Float(*parent.MarginUSDT - *child.MarginUSDT)
	}
	if parent.Notional != nil {
		child.Notional = Float(*parent.Notional * ratio)
		parent.Notional = Float(*parent.Notional - *child.Notional)
	}
	parent.Qty -= qty
	parent.UpdatedAt = l.now()
	l.marginSource[parent] = marginSourceReported

	if c.Margin != nil && *c.Margin > 0 {
		child.MarginUSDT = Float(*c.Margin)
	}
	finalize(&child, CloneFloat(c.PnL), c, status, at, l.now())
	l.entries[key] = append(l.entries[key], &child)
	l.bury(idTombstone(key, child.TradeID), at, l.now())
	l.trimHistory(key)
	return []Allocation{child.Clone()}
}

func finalize(a *Allocation, pnl *float64, c Closing, status Status, at, now time.Time) {
	if v, ok := positive(c.Price); ok {
		a.ClosePrice = Float(v)
	}
	if pnl == nil && a.ClosePrice != nil && a.EntryPrice != nil && a.Qty > 0 {
		pnl = Float(margin.RealizedPnL(*a.EntryPrice, *a.ClosePrice, a.Qty, a.Side.Direction()))
	}
	if pnl != nil {
		a.PnLValue = pnl
	}
	a.ROIPercent = margin.ROI(a.PnLValue, a.MarginUSDT)
	a.Status = status
	a.ClosedAt = at
	a.CloseTime = FormatTime(at)
	if c.Reason != "" {
		a.CloseReason = c.Reason
	}
	a.UpdatedAt = now
}

// Adopt registers a leg for an exchange position the ledger has no active leg for,
// so that every tracked open position has at least one active allocation. A key closed
// within the last minute, or closed after at, is not adopted: the exchange may still
// report a position that is already gone.
func (l *Ledger) Adopt(key Key, qty float64, entryPrice, leverage *float64, at time.Time) (Allocation, bool) {
	now := l.now()
	if at.IsZero() {
		at = now
	}
	l.pruneTombstones(now)
	if ts, ok := l.tombstones[keyTombstone(key)]; ok && (!at.After(ts.at) || now.Sub(ts.recorded) < adoptQuarantine) {
		return Allocation{}, false
	}
	if qty <= 0 {
		return Allocation{}, false
	}

	l.seq++
	alloc := &Allocation{
		TradeID:   fmt.Sprintf("adopted-%s-%s-%d-%d", key.Symbol, key.Side, at.UnixMilli(), l.seq),
		Symbol:    key.Symbol,
		Side:      key.Side,
		Qty:       qty,
		OpenedAt:  at,
		OpenTime:  FormatTime(at),
		CloseTime: NoTime,
		Status:    StatusActive,
		Adopted:   true,
		UpdatedAt: now,
	}
	if v, ok := positive(entryPrice); ok {
		alloc.EntryPrice = Float(v)
	}
	if v, ok := positive(leverage); ok {
		alloc.Leverage = Float(v)
	}
	l.deriveAmounts(alloc)
	l.entries[key] = append(l.entries[key], alloc)
	return alloc.Clone(), true
}

// AlignAdopted sets the adopted share of key to the exchange quantity not covered by
// the other active legs. Adopted legs left with nothing are dropped. It reports whether
// anything changed.
func (l *Ledger) AlignAdopted(key Key, exchangeQty float64) bool {
	var adopted []*Allocation
	covered := decimal.Zero
	for _, a := range l.entries[key] {
		if !a.Status.IsActive() {
			continue
		}
		if a.Adopted {
			adopted = append(adopted, a)
			continue
		}
		covered = covered.Add(decimal.NewFromFloat(a.Qty))
	}
	if len(adopted) == 0 {
		return false
	}
	rest, _ := decimal.NewFromFloat(exchangeQty).Sub(covered).Float64()
	changed := false
	for i, a := range adopted {
		if i > 0 || rest <= qtyEpsilon {
			l.remove(key, a)
			changed = true
			continue
		}
		if math.Abs(a.Qty-rest) > qtyEpsilon {
			a.Qty = rest
			l.deriveAmounts(a)
			a.UpdatedAt = l.now()
			changed = true
		}
	}
	return changed
}

// absorbAdopted moves qty from adopted legs of key to a leg the strategy reported.
func (l *Ledger) absorbAdopted(key Key, qty float64) {
	left := decimal.NewFromFloat(qty)
	for _, a := range append([]*Allocation(nil), l.entries[key]...) {
		if !a.Adopted || !a.Status.IsActive() || !left.IsPositive() {
			continue
		}
		own := decimal.NewFromFloat(a.Qty)
		if own.LessThanOrEqual(left) {
			left = left.Sub(own)
			l.remove(key, a)
			continue
		}
		a.Qty, _ = own.Sub(left).Float64()
		l.deriveAmounts(a)
		a.UpdatedAt = l.now()
		left = decimal.Zero
	}
}

func (l *Ledger) remove(key Key, target *Allocation) {
	list := l.entries[key]
	kept := list[:0]
	for _, a := range list {
		if a != target {
			kept = append(kept, a)
		}
	}
	delete(l.marginSource, target)
	if len(kept) == 0 {
		delete(l.entries, key)
		return
	}
	l.entries[key] = kept
}

// BuryKey records that key was fully closed at. Adopt honours it.
func (l *Ledger) BuryKey(key Key, at time.Time) {
	now := l.now()
	if at.IsZero() {
		at = now
	}
	l.bury(keyTombstone(key), at, now)
}

// Purge drops every allocation of key. Tombstones are kept so late opens stay rejected.
func (l *Ledger) Purge(key Key) {
	for _, a := range l.entries[key] {
		delete(l.marginSource, a)
	}
	delete(l.entries, key)
}

// Entries returns copies of all allocations of key, in insertion order.
func (l *Ledger) Entries(key Key) []Allocation {
	list := l.entries[key]
	out := make([]Allocation, 0, len(list))
	for _, a := range list {
		out = append(out, a.Clone())
	}
	return out
}

// Active returns copies of the active allocations of key.
func (l *Ledger) Active(key Key) []Allocation {
	var out []Allocation
	for _, a := range l.entries[key] {
		if a.Status.IsActive() {
			out = append(out, a.Clone())
		}
	}
	return out
}

// HasActive reports whether key has at least one active allocation.
func (l *Ledger) HasActive(key Key) bool {
	for _, a := range l.entries[key] {
		if a.Status.IsActive() {
			return true
		}
	}
	return false
}

// Keys returns every key with allocations, sorted by symbol then side.
func (l *Ledger) Keys() []Key {
	keys := make([]Key, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// Snapshot deep-copies the whole ledger.
func (l *Ledger) Snapshot() map[Key][]Allocation {
	out := make(map[Key][]Allocation, len(l.entries))
	for k := range l.entries {
		out[k] = l.Entries(k)
	}
	return out
}

// Restore replaces the ledger contents with entries.
func (l *Ledger) Restore(entries map[Key][]Allocation) {
	l.entries = make(map[Key][]*Allocation, len(entries))
	l.marginSource = make(map[*Allocation]string)
	for k, list := range entries {
		for i := range list {
			a := list[i].Clone()
			a.Symbol, a.Side = k.Symbol, k.Side
			if a.MarginUSDT != nil {
				l.marginSource[&a] = marginSourceReported
			}
			l.entries[k] = append(l.entries[k], &a)
		}
	}
}

func (l *Ledger) trimHistory(key Key) {
	if l.historyLimit <= 0 {
		return
	}
	list := l.entries[key]
	var closed []*Allocation
	for _, a := range list {
		if !a.Status.IsActive() {
			closed = append(closed, a)
		}
	}
	excess := len(closed) - l.historyLimit
	if excess <= 0 {
		return
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ClosedAt.Before(closed[j].ClosedAt) })
	drop := make(map[*Allocation]struct{}, excess)
	for _, a := range closed[:excess] {
		drop[a] = struct{}{}
		delete(l.marginSource, a)
	}
	kept := list[:0]
	for _, a := range list {
		if _, ok := drop[a]; !ok {
			kept = append(kept, a)
		}
	}
	l.entries[key] = kept
}

// tombstone remembers when a leg or interval was closed. at is the event time used for
// ordering; recorded is the local time used for expiry.
type tombstone struct {
	at       time.Time
	recorded time.Time
}

func (l *Ledger) bury(name string, at, now time.Time) {
	if prev, ok := l.tombstones[name]; ok && prev.at.After(at) {
		at = prev.at
	}
	l.tombstones[name] = tombstone{at: at, recorded: now}
}

func (l *Ledger) pruneTombstones(now time.Time) {
	if l.tombstoneTTL <= 0 {
		return
	}
	for k, ts := range l.tombstones {
		if now.Sub(ts.recorded) > l.tombstoneTTL {
			delete(l.tombstones, k)
		}
	}
}

// SortKeys orders keys by symbol, then long before short.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Side < keys[j].Side
	})
}

// proportionalShares weights each allocation by quantity, or evenly when no quantity is known.
func proportionalShares(list []*Allocation) []decimal.Decimal {
	total := decimal.Zero
	for _, a := range list {
		total = total.Add(decimal.NewFromFloat(a.Qty))
	}
	shares := make([]decimal.Decimal, len(list))
	n := decimal.NewFromInt(int64(len(list)))
	for i, a := range list {
		if total.IsPositive() {
			shares[i] = decimal.NewFromFloat(a.Qty).Div(total)
		} else {
			shares[i] = decimal.NewFromInt(1).Div(n)
		}
	}
	return shares
}

// distribute splits total by shares. The last part absorbs rounding so the parts sum to total.
func distribute(total *float64, shares []decimal.Decimal) []float64 {
	if total == nil || len(shares) == 0 {
		return nil
	}
	whole := decimal.NewFromFloat(*total)
	out := make([]float64, len(shares))
	assigned := decimal.Zero
	for i, s := range shares {
		part := whole.Mul(s).Round(8)
		if i == len(shares)-1 {
			part = whole.Sub(assigned)
		}
		assigned = assigned.Add(part)
		out[i], _ = part.Float64()
	}
	return out
}

func mergeIDs(a *Allocation, f Fill) {
	if a.ClientOrderID == "" {
		a.ClientOrderID = f.ClientOrderID
	}
	if a.OrderID == "" {
		a.OrderID = f.OrderID
	}
	if a.LedgerID == "" {
		a.LedgerID = f.LedgerID
	}
}

func matchesAny(a *Allocation, ids []string) bool {
	for _, id := range ids {
		if id == a.TradeID || id == a.ClientOrderID || id == a.OrderID || id == a.LedgerID {
			return true
		}
	}
	return false
}

func sameAllocation(a, b Allocation) bool {
	eq := func(x, y *float64) bool {
		if x == nil || y == nil {
			return x == y
		}
		return *x == *y
	}
	if a.ClientOrderID != b.ClientOrderID || a.OrderID != b.OrderID || a.LedgerID != b.LedgerID ||
		a.Interval != b.Interval || a.Qty != b.Qty || a.TriggerDesc != b.TriggerDesc ||
		!eq(a.EntryPrice, b.EntryPrice) || !eq(a.Leverage, b.Leverage) ||
		!eq(a.MarginUSDT, b.MarginUSDT) || !eq(a.Notional, b.Notional) ||
		strings.Join(a.TriggerIndicators, ",") != strings.Join(b.TriggerIndicators, ",") ||
		len(a.TriggerActions) != len(b.TriggerActions) {
		return false
	}
	for k, v := range a.TriggerActions {
		if b.TriggerActions[k] != v {
			return false
		}
	}
	return true
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func positive(p *float64) (float64, bool) {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return 0, false
	}
	v := math.Abs(*p)
	return v, v > 0
}

func idTombstone(key Key, id string) string {
	return key.String() + "#id:" + id
}

func keyTombstone(key Key) string {
	return key.String() + "#key"
}

func intervalTombstone(key Key, interval string) string {
	return key.String() + "#iv:" + interval
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

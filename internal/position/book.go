package position

import (
	"encoding/json"
	"time"

	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/margin"

	"github.com/shopspring/decimal"
)

// Book combines the allocation ledger with the open records derived from it and
// the closed history. Like the ledger it must be driven by a single owner.
type Book struct {
	ledger   *ledger.Ledger
	open     map[ledger.Key]*Record
	history  *ClosedHistory
	registry *Registry
}

func NewBook(l *ledger.Ledger, historyCapacity, registryCapacity int) *Book {
	return &Book{
		ledger:   l,
		open:     make(map[ledger.Key]*Record),
		history:  NewClosedHistory(historyCapacity),
		registry: NewRegistry(registryCapacity),
	}
}

func (b *Book) Ledger() *ledger.Ledger { return b.ledger }

func (b *Book) Registry() *Registry { return b.registry }

// Sync rebuilds the open record of key from the ledger. The record is removed when
// no allocation of key is active anymore; it returns nil in that case.
func (b *Book) Sync(key ledger.Key) *Record {
	entries := b.ledger.Entries(key)
	var active []ledger.Allocation
	for _, a := range entries {
		if a.Status.IsActive() {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		delete(b.open, key)
		return nil
	}

	rec, ok := b.open[key]
	if !ok {
		rec = &Record{Symbol: key.Symbol, Side: key.Side, Status: ledger.StatusActive, CloseTime: ledger.NoTime}
		b.open[key] = rec
	}
	rec.Allocations = entries

	earliest := time.Time{}
	for _, a := range active {
		if !a.OpenedAt.IsZero() && (earliest.IsZero() || a.OpenedAt.Before(earliest)) {
			earliest = a.OpenedAt
		}
	}
	if !earliest.IsZero() && (rec.OpenedAt.IsZero() || earliest.Before(rec.OpenedAt)) {
		rec.OpenedAt = earliest
	}
	rec.OpenTime = ledger.FormatTime(rec.OpenedAt)

	if rec.Data.Source != SourceExchange {
		rec.Data = aggregate(active)
	}
	return rec
}

// aggregate builds record data from legs alone: summed quantity and margin,
// quantity-weighted entry price and the highest leverage.
func aggregate(active []ledger.Allocation) RecordData {
	d := RecordData{Source: SourceLedger}
	qty, cost, weighted := decimal.Zero, decimal.Zero, decimal.Zero
	var marginSum *decimal.Decimal
	for _, a := range active {
		q := decimal.NewFromFloat(a.Qty)
		qty = qty.Add(q)
		if a.EntryPrice != nil {
			cost = cost.Add(q.Mul(decimal.NewFromFloat(*a.EntryPrice)))
			weighted = weighted.Add(q)
		}
		if a.MarginUSDT != nil {
			if marginSum == nil {
				z := decimal.Zero
				marginSum = &z
			}
			s := marginSum.Add(decimal.NewFromFloat(*a.MarginUSDT))
			marginSum = &s
		}
		if a.Leverage != nil && (d.Leverage == nil || *a.Leverage > *d.Leverage) {
			d.Leverage = ledger.Float(*a.Leverage)
		}
	}
	d.Qty, _ = qty.Float64()
	if weighted.IsPositive() {
		v, _ := cost.Div(weighted).Round(8).Float64()
		d.EntryPrice = &v
	}
	if marginSum != nil {
		v, _ := marginSum.Float64()
		d.MarginUSDT = &v
	}
	return d
}

// ApplyLive merges an exchange row into the book. A position the ledger has no
// active leg for is adopted with a synthesized allocation unless the key was just
// closed. The adopted share follows the exchange quantity not covered by reported
// legs, and active legs missing entry price or leverage are backfilled from the row.
// It returns nil when the row was not taken.
func (b *Book) ApplyLive(row Live, now time.Time) *Record {
	key := row.Key()
	entry := positive(row.EntryPrice)
	lev := positive(row.Leverage)

	if !b.ledger.HasActive(key) {
		at := row.UpdateTime
		if at.IsZero() {
			at = now
		}
		if _, ok := b.ledger.Adopt(key, row.Qty, entry, lev, at); !ok {
			return nil
		}
	} else {
		b.ledger.AlignAdopted(key, row.Qty)
		for _, a := range b.ledger.Active(key) {
			fill := ledger.Fill{TradeID: a.TradeID}
			if a.EntryPrice == nil {
				fill.Price = entry
			}
			if a.Leverage == nil {
				fill.Leverage = lev
			}
			if fill.Price != nil || fill.Leverage != nil {
				b.ledger.Upsert(key, fill)
			}
		}
	}

	snap := margin.Derive(row.Raw, row.Qty, row.EntryPrice)
	data := RecordData{
		Qty:              row.Qty,
		EntryPrice:       entry,
		MarkPrice:        positive(row.MarkPrice),
		LiquidationPrice: positive(row.LiquidationPrice),
		Leverage:         positive(snap.Leverage),
		MarginUSDT:       positive(snap.Margin),
		MarginBalance:    positive(snap.MarginBalance),
		MaintMargin:      positive(snap.MaintenanceMargin),
		UnrealizedLoss:   ledger.Float(snap.UnrealizedLoss),
		PnLValue:         ledger.CloneFloat(row.UnrealizedProfit),
		UpdateTime:       row.UpdateTime,
		Source:           SourceExchange,
		Raw:              row.Raw,
	}
	if data.Leverage == nil {
		data.Leverage = lev
	}
	if data.UpdateTime.IsZero() {
		data.UpdateTime = now
	}
	data.ROIPercent = margin.ROI(data.PnLValue, data.MarginUSDT)

	rec := b.Sync(key)
	if rec == nil {
		return nil
	}
	rec.Data = data.Clone()
	return rec
}

// CloseInput carries what is known about a confirmed close.
type CloseInput struct {
	Reason     CloseReason
	Status     ledger.Status
	At         time.Time
	PnL        *float64
	ClosePrice *float64
}

// Close turns the open position of key into a closed record. Remaining active legs
// are closed in the ledger: they share in.PnL when given, else the last known PnL of
// the open record unless a close price lets each leg compute its own. The record is
// appended to the history and the key is purged from the ledger. ok is false when
// there was nothing to close or the same close was already recorded.
func (b *Book) Close(key ledger.Key, in CloseInput) (Record, bool) {
	entries := b.ledger.Entries(key)
	var rec Record
	if open, ok := b.open[key]; ok {
		rec = open.Clone()
	} else if len(entries) > 0 {
		rec = Record{Symbol: key.Symbol, Side: key.Side}
		rec.Data = aggregate(entries)
		rec.OpenedAt = earliestOpen(entries)
		rec.OpenTime = ledger.FormatTime(rec.OpenedAt)
	} else {
		return Record{}, false
	}

	status := in.Status
	if status == "" || status == ledger.StatusActive {
		status = ledger.StatusClosed
	}
	reason := in.Reason
	if reason == "" {
		reason = ReasonNormal
	}
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}

	if b.ledger.HasActive(key) {
		total := ledger.CloneFloat(in.PnL)
		if total == nil && in.ClosePrice == nil {
			total = ledger.CloneFloat(rec.Data.PnLValue)
		}
		b.ledger.MarkClosed(key, ledger.Closing{
			PnL:    total,
			Price:  in.ClosePrice,
			Status: status,
			Reason: string(reason),
			Time:   at,
		})
		entries = b.ledger.Entries(key)
	}

	rec.Allocations = entries
	rec.Status = status
	rec.CloseReason = reason
	rec.ClosedAt = at
	rec.CloseTime = ledger.FormatTime(at)
	if rec.Data.Qty == 0 {
		rec.Data.Qty = aggregate(entries).Qty
	}
	if pnl := sumKnown(entries, func(a ledger.Allocation) *float64 { return a.PnLValue }); pnl != nil {
		rec.Data.PnLValue = pnl
	} else if in.PnL != nil {
		rec.Data.PnLValue = ledger.CloneFloat(in.PnL)
	}
	if m := sumKnown(entries, func(a ledger.Allocation) *float64 { return a.MarginUSDT }); m != nil {
		rec.Data.MarginUSDT = m
	}
	rec.Data.ROIPercent = margin.ROI(rec.Data.PnLValue, rec.Data.MarginUSDT)

	delete(b.open, key)
	b.ledger.Purge(key)
	b.ledger.BuryKey(key, at)
	if !b.history.Push(rec) {
		return Record{}, false
	}
	for _, a := range entries {
		b.registry.Record(a)
	}
	return rec.Clone(), true
}

// IsOpen reports whether key has an open record.
func (b *Book) IsOpen(key ledger.Key) bool {
	_, ok := b.open[key]
	return ok
}

// Record returns a copy of the open record of key.
func (b *Book) Record(key ledger.Key) (Record, bool) {
	r, ok := b.open[key]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// OpenKeys returns the keys with open records, sorted.
func (b *Book) OpenKeys() []ledger.Key {
	keys := make([]ledger.Key, 0, len(b.open))
	for k := range b.open {
		keys = append(keys, k)
	}
	ledger.SortKeys(keys)
	return keys
}

// OpenRecords returns copies of every open record, sorted by key.
func (b *Book) OpenRecords() []Record {
	keys := b.OpenKeys()
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.open[k].Clone())
	}
	return out
}

// ClosedRecords returns copies of the closed history, newest first.
func (b *Book) ClosedRecords() []Record { return b.history.List() }

// Totals summarizes realized and unrealized results.
type Totals struct {
	RealizedPnL   float64 `json:"realized_pnl"`
	ClosedMargin  float64 `json:"closed_margin"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	OpenMargin    float64 `json:"open_margin"`
	OpenCount     int     `json:"open_count"`
	ClosedLegs    int     `json:"closed_legs"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
}

func (b *Book) Totals() Totals {
	var t Totals
	t.RealizedPnL, t.ClosedMargin, t.Wins, t.Losses = b.registry.Sum()
	t.ClosedLegs = b.registry.Len()
	for _, k := range b.OpenKeys() {
		r := b.open[k]
		t.OpenCount++
		if r.Data.PnLValue != nil {
			t.UnrealizedPnL += *r.Data.PnLValue
		}
		if r.Data.MarginUSDT != nil {
			t.OpenMargin += *r.Data.MarginUSDT
		}
	}
	return t
}

// State captures the ledger and open records for persistence.
func (b *Book) State(mode string, now time.Time) (ledger.State, error) {
	st := ledger.EmptyState(mode)
	st.Timestamp = now
	st.Allocations = b.ledger.Snapshot()
	for k, r := range b.open {
		raw, err := json.Marshal(r)
		if err != nil {
			return st, err
		}
		st.Records[k] = raw
	}
	return st, nil
}

// Restore loads a persisted state. Keys that still have active legs get their open
// record back; keys whose legs are all closed become closed records in the history.
func (b *Book) Restore(st ledger.State) {
	b.ledger.Restore(st.Allocations)
	b.open = make(map[ledger.Key]*Record)
	for _, key := range b.ledger.Keys() {
		if !b.ledger.HasActive(key) {
			entries := b.ledger.Entries(key)
			last := entries[len(entries)-1]
			reason := ReasonNormal
			if last.Status == ledger.StatusLiquidated {
				reason = ReasonLiquidation
			}
			b.Close(key, CloseInput{At: latestClose(entries), Status: last.Status, Reason: reason})
			continue
		}
		if raw, ok := st.Records[key]; ok {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err == nil {
				rec.Symbol, rec.Side = key.Symbol, key.Side
				rec.Status = ledger.StatusActive
				b.open[key] = &rec
			}
		}
		b.Sync(key)
	}
}

func earliestOpen(entries []ledger.Allocation) time.Time {
	var t time.Time
	for _, a := range entries {
		if !a.OpenedAt.IsZero() && (t.IsZero() || a.OpenedAt.Before(t)) {
			t = a.OpenedAt
		}
	}
	return t
}

func latestClose(entries []ledger.Allocation) time.Time {
	var t time.Time
	for _, a := range entries {
		if a.ClosedAt.After(t) {
			t = a.ClosedAt
		}
	}
	return t
}

func sumKnown(entries []ledger.Allocation, get func(ledger.Allocation) *float64) *float64 {
	var sum *decimal.Decimal
	for _, a := range entries {
		v := get(a)
		if v == nil {
			continue
		}
		s := decimal.NewFromFloat(*v)
		if sum != nil {
			s = sum.Add(s)
		}
		sum = &s
	}
	if sum == nil {
		return nil
	}
	f, _ := sum.Float64()
	return &f
}

func positive(v float64) *float64 {
	if v > 0 {
		return ledger.Float(v)
	}
	return nil
}

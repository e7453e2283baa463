package trader

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/models"
	"binance-position-tracker/internal/position"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const archiveBuffer = 256

// Archiver receives closed records and ingested events for long-term storage.
// Implementations must not block the caller.
type Archiver interface {
	ArchiveClosed(rec position.Record)
	ArchiveEvent(evt models.TradeEvent)
}

type nopArchiver struct{}

func (nopArchiver) ArchiveClosed(position.Record)  {}
func (nopArchiver) ArchiveEvent(models.TradeEvent) {}

// Archive writes to the sqlite archive from its own goroutine. Writes that do not
// fit in the buffer are dropped with a warning.
type Archive struct {
	db     *gorm.DB
	logger *zap.Logger
	ch     chan any
	wg     sync.WaitGroup
	once   sync.Once
}

func NewArchive(db *gorm.DB, logger *zap.Logger) *Archive {
	a := &Archive{
		db:     db,
		logger: logger.Named("archive"),
		ch:     make(chan any, archiveBuffer),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Archive) ArchiveClosed(rec position.Record) {
	a.enqueue(ClosedModel(rec))
}

func (a *Archive) ArchiveEvent(evt models.TradeEvent) {
	a.enqueue(&evt)
}

func (a *Archive) enqueue(row any) {
	select {
	case a.ch <- row:
	default:
		a.logger.Warn("Archive buffer full, dropping row")
	}
}

// Close flushes pending writes and stops the writer.
func (a *Archive) Close() {
	a.once.Do(func() {
		close(a.ch)
		a.wg.Wait()
	})
}

func (a *Archive) run() {
	defer a.wg.Done()
	ctx := context.Background()
	for row := range a.ch {
		var err error
		switch v := row.(type) {
		case *models.ClosedPosition:
			err = a.db.WithContext(ctx).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "dedupe_key"}},
				DoNothing: true,
			}).Create(v).Error
		case *models.TradeEvent:
			err = a.db.WithContext(ctx).Create(v).Error
		}
		if err != nil {
			a.logger.Error("Failed to write archive row", zap.Error(err))
		}
	}
}

// ClosedModel flattens a closed record into its archive row.
func ClosedModel(rec position.Record) *models.ClosedPosition {
	intervals := map[string]struct{}{}
	inds := map[string]struct{}{}
	var closePrice *float64
	for _, a := range rec.Allocations {
		if a.Interval != "" {
			intervals[a.Interval] = struct{}{}
		}
		for _, i := range a.TriggerIndicators {
			inds[i] = struct{}{}
		}
		if a.ClosePrice != nil {
			closePrice = ledger.CloneFloat(a.ClosePrice)
		}
	}
	m := &models.ClosedPosition{
		DedupeKey:   rec.DedupeKey(),
		Symbol:      rec.Symbol,
		Side:        string(rec.Side),
		Status:      string(rec.Status),
		CloseReason: string(rec.CloseReason),
		Intervals:   joinSet(intervals),
		Indicators:  joinSet(inds),
		Legs:        len(rec.Allocations),
		Qty:         rec.Data.Qty,
		EntryPrice:  ledger.CloneFloat(rec.Data.EntryPrice),
		ClosePrice:  closePrice,
		Leverage:    ledger.CloneFloat(rec.Data.Leverage),
		MarginUSDT:  ledger.CloneFloat(rec.Data.MarginUSDT),
		PnLValue:    ledger.CloneFloat(rec.Data.PnLValue),
		ROIPercent:  ledger.CloneFloat(rec.Data.ROIPercent),
		ClosedAt:    rec.ClosedAt.UnixMilli(),
	}
	if !rec.OpenedAt.IsZero() {
		m.OpenedAt = rec.OpenedAt.UnixMilli()
	}
	return m
}

func eventModel(envelopeID string, evt TradeEvent, outcome Outcome) models.TradeEvent {
	side, _ := evt.PositionSideKey()
	m := models.TradeEvent{
		EnvelopeID:    envelopeID,
		Symbol:        evt.Symbol,
		Side:          string(side),
		Interval:      evt.Interval,
		Event:         string(evt.Event),
		Status:        evt.Status,
		OrderID:       evt.OrderID,
		ClientOrderID: evt.ClientOrderID,
		Qty:           ledger.CloneFloat(evt.FilledQty()),
		Price:         ledger.CloneFloat(evt.FillPrice()),
		PnLValue:      ledger.CloneFloat(evt.PnLValue),
		Outcome:       string(outcome),
	}
	if !evt.Time.IsZero() {
		m.Timestamp = evt.Time.UnixMilli()
	}
	if raw, err := json.Marshal(evt); err == nil {
		m.Payload = string(raw)
	}
	return m
}

func joinSet(set map[string]struct{}) string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

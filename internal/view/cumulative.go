package view

import (
	"sort"
	"strings"

	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/margin"
	"binance-position-tracker/internal/position"
	"binance-position-tracker/internal/timeframe"
)

// Cumulative renders one row per open (symbol, side), summing its active legs, followed
// by one row per closed record, newest close first. Closed records are never merged
// into open rows.
func Cumulative(open, closed []position.Record) []Row {
	rows := make([]Row, 0, len(open)+len(closed))
	for _, rec := range open {
		rows = append(rows, cumulativeOpen(rec))
	}
	sort.SliceStable(rows, func(i, j int) bool { return lessKey(rows[i], rows[j]) })

	closedRows := make([]Row, 0, len(closed))
	for _, rec := range closed {
		closedRows = append(closedRows, cumulativeClosed(rec))
	}
	sort.SliceStable(closedRows, func(i, j int) bool { return newerClose(closedRows[i], closedRows[j]) })
	return append(rows, closedRows...)
}

func cumulativeOpen(rec position.Record) Row {
	active := rec.ActiveAllocations()
	row := Row{
		Symbol:    rec.Symbol,
		Side:      rec.Side,
		Status:    ledger.StatusActive,
		CloseTime: ledger.NoTime,
		MarkPrice: ledger.CloneFloat(rec.Data.MarkPrice),
		openedAt:  rec.OpenedAt,
	}

	var primary *ledger.Allocation
	var qty float64
	var marginSum, pnl, lev *float64
	var intervals, indicators []string
	for i := range active {
		a := &active[i]
		if primary == nil || largerLeg(a, primary) {
			primary = a
		}
		qty += a.Qty
		marginSum = addKnown(marginSum, a.MarginUSDT)
		pnl = addKnown(pnl, a.PnLValue)
		lev = maxKnown(lev, a.Leverage)
		intervals = append(intervals, a.Interval)
		indicators = append(indicators, a.TriggerIndicators...)
		if !a.OpenedAt.IsZero() && (row.openedAt.IsZero() || a.OpenedAt.Before(row.openedAt)) {
			row.openedAt = a.OpenedAt
		}
	}

	row.Qty = qty
	if row.Qty == 0 {
		row.Qty = rec.Data.Qty
	}
	row.MarginUSDT = marginSum
	if row.MarginUSDT == nil {
		row.MarginUSDT = ledger.CloneFloat(rec.Data.MarginUSDT)
	}
	row.PnLValue = pnl
	if row.PnLValue == nil {
		row.PnLValue = ledger.CloneFloat(rec.Data.PnLValue)
	}
	row.Leverage = maxKnown(lev, rec.Data.Leverage)
	row.EntryPrice = ledger.CloneFloat(rec.Data.EntryPrice)
	if primary != nil {
		row.TradeID = primary.TradeID
		if row.EntryPrice == nil {
			row.EntryPrice = ledger.CloneFloat(primary.EntryPrice)
		}
	}
	row.ROIPercent = margin.ROI(row.PnLValue, row.MarginUSDT)
	row.Interval = strings.Join(timeframe.SortUnique(intervals), ",")
	row.Indicators = sortedSet(indicators)
	row.OpenTime = ledger.FormatTime(row.openedAt)
	return row
}

func cumulativeClosed(rec position.Record) Row {
	var intervals, indicators []string
	var lev *float64
	for _, a := range rec.Allocations {
		intervals = append(intervals, a.Interval)
		indicators = append(indicators, a.TriggerIndicators...)
		lev = maxKnown(lev, a.Leverage)
	}
	var closePrice *float64
	for _, a := range rec.Allocations {
		if a.ClosePrice != nil {
			closePrice = ledger.CloneFloat(a.ClosePrice)
			break
		}
	}
	status := rec.Status
	if status == "" {
		status = ledger.StatusClosed
	}
	return Row{
		Symbol:      rec.Symbol,
		Side:        rec.Side,
		Status:      status,
		Interval:    strings.Join(timeframe.SortUnique(intervals), ","),
		Indicators:  sortedSet(indicators),
		Qty:         rec.Data.Qty,
		EntryPrice:  ledger.CloneFloat(rec.Data.EntryPrice),
		ClosePrice:  closePrice,
		Leverage:    maxKnown(lev, rec.Data.Leverage),
		MarginUSDT:  ledger.CloneFloat(rec.Data.MarginUSDT),
		PnLValue:    ledger.CloneFloat(rec.Data.PnLValue),
		ROIPercent:  margin.ROI(rec.Data.PnLValue, rec.Data.MarginUSDT),
		OpenTime:    ledger.FormatTime(rec.OpenedAt),
		CloseTime:   ledger.FormatTime(rec.ClosedAt),
		CloseReason: string(rec.CloseReason),
		openedAt:    rec.OpenedAt,
		closedAt:    rec.ClosedAt,
	}
}

// largerLeg prefers the larger quantity, then the larger margin.
func largerLeg(a, b *ledger.Allocation) bool {
	if a.Qty != b.Qty {
		return a.Qty > b.Qty
	}
	am, bm := 0.0, 0.0
	if a.MarginUSDT != nil {
		am = *a.MarginUSDT
	}
	if b.MarginUSDT != nil {
		bm = *b.MarginUSDT
	}
	return am > bm
}

func lessKey(a, b Row) bool {
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	return a.Side < b.Side
}

func newerClose(a, b Row) bool {
	if !a.closedAt.Equal(b.closedAt) {
		return a.closedAt.After(b.closedAt)
	}
	if a.Symbol != b.Symbol || a.Side != b.Side {
		return lessKey(a, b)
	}
	if !a.openedAt.Equal(b.openedAt) {
		return a.openedAt.After(b.openedAt)
	}
	return a.TradeID < b.TradeID
}

func sortedSet(values []string) []string {
	set := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

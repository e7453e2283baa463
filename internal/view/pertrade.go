package view

import (
	"sort"
	"strconv"
	"strings"

	"binance-position-tracker/internal/indicator"
	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/margin"
	"binance-position-tracker/internal/position"
	"binance-position-tracker/internal/timeframe"

	"github.com/shopspring/decimal"
)

// PerTrade renders one row per (leg, trigger indicator). A leg's quantity, margin
// and PnL are split evenly across its indicators. Rows describing the same trade are
// emitted once. Within a (symbol, side, interval, indicator set, indicator) group all
// active rows fold into the largest one, so the active quantities still add up to
// the cumulative row; closed rows are all kept, newest first.
func PerTrade(open, closed []position.Record) []Row {
	var rows []Row
	seen := make(map[string]struct{})
	add := func(rec position.Record, a ledger.Allocation) {
		for _, r := range explode(rec, a) {
			k := dedupeKey(r)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			rows = append(rows, r)
		}
	}
	for _, rec := range open {
		for _, a := range rec.Allocations {
			add(rec, a)
		}
	}
	for _, rec := range closed {
		for _, a := range rec.Allocations {
			add(rec, a)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool { return lessTrade(rows[i], rows[j]) })
	return foldActive(rows)
}

func explode(rec position.Record, a ledger.Allocation) []Row {
	inds := a.TriggerIndicators
	if len(inds) == 0 {
		inds = indicator.ResolveTriggerIndicators(nil, a.TriggerDesc)
	}
	names := inds
	if len(names) == 0 {
		names = []string{""}
	}
	n := len(names)
	segments := indicator.SplitSegments(a.TriggerDesc)
	qtys := splitEven(a.Qty, n)
	margins := splitEvenPtr(a.MarginUSDT, n)
	pnls := splitEvenPtr(a.PnLValue, n)

	status := a.Status
	reason := a.CloseReason
	if !status.IsActive() && reason == "" {
		reason = string(rec.CloseReason)
	}
	symbol := a.Symbol
	if symbol == "" {
		symbol = rec.Symbol
	}
	side := a.Side
	if side == "" {
		side = rec.Side
	}
	closeTime := a.CloseTime
	if closeTime == "" {
		closeTime = ledger.FormatTime(a.ClosedAt)
	}

	out := make([]Row, 0, n)
	for i, name := range names {
		r := Row{
			Symbol:      symbol,
			Side:        side,
			Status:      status,
			TradeID:     a.TradeID,
			Interval:    a.Interval,
			Indicator:   name,
			Indicators:  append([]string{}, inds...),
			Qty:         qtys[i],
			EntryPrice:  ledger.CloneFloat(a.EntryPrice),
			ClosePrice:  ledger.CloneFloat(a.ClosePrice),
			Leverage:    ledger.CloneFloat(a.Leverage),
			MarginUSDT:  margins[i],
			PnLValue:    pnls[i],
			ROIPercent:  margin.ROI(pnls[i], margins[i]),
			OpenTime:    ledger.FormatTime(a.OpenedAt),
			CloseTime:   closeTime,
			CloseReason: reason,
			openedAt:    a.OpenedAt,
			closedAt:    a.ClosedAt,
		}
		if status.IsActive() {
			r.MarkPrice = ledger.CloneFloat(rec.Data.MarkPrice)
			r.CloseTime = ledger.NoTime
		}
		if name != "" {
			r.IndicatorValue, r.IndicatorAction = indicator.ExtractMetrics(name, segments)
			if r.IndicatorAction == "" {
				r.IndicatorAction = a.TriggerActions[name]
			}
		}
		out = append(out, r)
	}
	return out
}

func dedupeKey(r Row) string {
	return strings.Join([]string{
		r.Symbol,
		string(r.Side),
		r.Interval,
		r.Indicator,
		strings.Join(r.Indicators, ","),
		strconv.FormatInt(r.openedAt.UnixMilli(), 10),
		strconv.FormatInt(r.closedAt.UnixMilli(), 10),
		strconv.FormatFloat(r.Qty, 'f', -1, 64),
	}, "|")
}

func groupKey(r Row) string {
	return r.Symbol + "|" + string(r.Side) + "|" + r.Interval + "|" + strings.Join(r.Indicators, ",") + "|" + r.Indicator
}

// foldActive merges every active row of a group into the first one, which the
// sort order makes the largest.
func foldActive(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	keeper := make(map[string]int)
	for _, r := range rows {
		if !r.Status.IsActive() {
			out = append(out, r)
			continue
		}
		g := groupKey(r)
		idx, ok := keeper[g]
		if !ok {
			keeper[g] = len(out)
			out = append(out, r)
			continue
		}
		k := &out[idx]
		k.Qty, _ = decimal.NewFromFloat(k.Qty).Add(decimal.NewFromFloat(r.Qty)).Float64()
		k.MarginUSDT = addKnown(k.MarginUSDT, r.MarginUSDT)
		k.PnLValue = addKnown(k.PnLValue, r.PnLValue)
		k.ROIPercent = margin.ROI(k.PnLValue, k.MarginUSDT)
		if !r.openedAt.IsZero() && r.openedAt.Before(k.openedAt) {
			k.openedAt = r.openedAt
			k.OpenTime = r.OpenTime
		}
	}
	return out
}

// lessTrade orders by symbol and side, active before closed, then by interval
// length, indicator set and indicator. Active rows put the largest quantity first;
// closed rows put the newest close first.
func lessTrade(a, b Row) bool {
	if a.Symbol != b.Symbol || a.Side != b.Side {
		return lessKey(a, b)
	}
	if a.Status.IsActive() != b.Status.IsActive() {
		return a.Status.IsActive()
	}
	if a.Interval != b.Interval {
		return timeframe.Less(a.Interval, b.Interval)
	}
	if sa, sb := strings.Join(a.Indicators, ","), strings.Join(b.Indicators, ","); sa != sb {
		return sa < sb
	}
	if a.Indicator != b.Indicator {
		return a.Indicator < b.Indicator
	}
	if a.Status.IsActive() {
		if a.Qty != b.Qty {
			return a.Qty > b.Qty
		}
	} else if !a.closedAt.Equal(b.closedAt) {
		return a.closedAt.After(b.closedAt)
	}
	if !a.openedAt.Equal(b.openedAt) {
		return a.openedAt.Before(b.openedAt)
	}
	return a.TradeID < b.TradeID
}

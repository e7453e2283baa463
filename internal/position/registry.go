package position

import "binance-position-tracker/internal/ledger"

// Outcome is the realized result of one closed leg.
type Outcome struct {
	PnLValue   *float64 `json:"pnl_value"`
	MarginUSDT *float64 `json:"margin_usdt"`
	ROIPercent *float64 `json:"roi_percent"`
}

// Registry maps ledger ids of closed legs to their outcome. The oldest entry is
// dropped once capacity is reached.
type Registry struct {
	capacity int
	order    []string
	items    map[string]Outcome
}

func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Registry{capacity: capacity, items: make(map[string]Outcome)}
}

// Record stores the outcome of a closed allocation under its ledger id (trade id when absent).
func (r *Registry) Record(a ledger.Allocation) {
	id := a.LedgerID
	if id == "" {
		id = a.TradeID
	}
	if id == "" {
		return
	}
	if _, ok := r.items[id]; !ok {
		r.order = append(r.order, id)
	}
	r.items[id] = Outcome{
		PnLValue:   ledger.CloneFloat(a.PnLValue),
		MarginUSDT: ledger.CloneFloat(a.MarginUSDT),
		ROIPercent: ledger.CloneFloat(a.ROIPercent),
	}
	for len(r.order) > r.capacity {
		delete(r.items, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Registry) Get(id string) (Outcome, bool) {
	o, ok := r.items[id]
	return o, ok
}

func (r *Registry) Len() int { return len(r.order) }

// Sum adds up the known realized PnL and margin. Wins and losses count legs with a known PnL.
func (r *Registry) Sum() (pnl, margin float64, wins, losses int) {
	for _, id := range r.order {
		o := r.items[id]
		if o.MarginUSDT != nil {
			margin += *o.MarginUSDT
		}
		if o.PnLValue == nil {
			continue
		}
		pnl += *o.PnLValue
		if *o.PnLValue > 0 {
			wins++
		} else {
			losses++
		}
	}
	return pnl, margin, wins, losses
}

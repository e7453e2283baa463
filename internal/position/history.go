package position

// DefaultHistoryCapacity bounds ClosedHistory when no capacity is configured.
const DefaultHistoryCapacity = 300

// ClosedHistory keeps the most recent closed records, newest first.
type ClosedHistory struct {
	capacity int
	items    []Record
	seen     map[string]struct{}
}

func NewClosedHistory(capacity int) *ClosedHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &ClosedHistory{
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

// Push prepends r unless a record with the same dedupe key is already kept.
// The oldest record is evicted once capacity is reached.
func (h *ClosedHistory) Push(r Record) bool {
	key := r.DedupeKey()
	if _, ok := h.seen[key]; ok {
		return false
	}
	h.seen[key] = struct{}{}
	h.items = append([]Record{r.Clone()}, h.items...)
	for len(h.items) > h.capacity {
		last := h.items[len(h.items)-1]
		delete(h.seen, last.DedupeKey())
		h.items = h.items[:len(h.items)-1]
	}
	return true
}

// List returns copies of the kept records, newest first.
func (h *ClosedHistory) List() []Record {
	out := make([]Record, len(h.items))
	for i, r := range h.items {
		out[i] = r.Clone()
	}
	return out
}

func (h *ClosedHistory) Len() int { return len(h.items) }

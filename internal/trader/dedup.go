package trader

import "time"

// dedupCache remembers recently seen event keys in arrival order. Entries expire
// after ttl and the oldest are evicted beyond capacity. It is owned by the actor.
type dedupCache struct {
	ttl      time.Duration
	capacity int
	order    []dedupEntry
	seen     map[string]time.Time
}

type dedupEntry struct {
	key string
	at  time.Time
}

func newDedupCache(ttl time.Duration, capacity int) *dedupCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if capacity <= 0 {
		capacity = 400
	}
	return &dedupCache{ttl: ttl, capacity: capacity, seen: make(map[string]time.Time)}
}

// Seen records key and reports whether it was already present.
func (c *dedupCache) Seen(key string, now time.Time) bool {
	c.prune(now)
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = now
	c.order = append(c.order, dedupEntry{key: key, at: now})
	for len(c.order) > c.capacity {
		c.drop()
	}
	return false
}

func (c *dedupCache) Len() int { return len(c.order) }

func (c *dedupCache) prune(now time.Time) {
	for len(c.order) > 0 && now.Sub(c.order[0].at) > c.ttl {
		c.drop()
	}
}

func (c *dedupCache) drop() {
	head := c.order[0]
	c.order = c.order[1:]
	if at, ok := c.seen[head.key]; ok && at.Equal(head.at) {
		delete(c.seen, head.key)
	}
}

package pipeline

import "sync"

// DeliveryCache remembers recently seen update IDs so retried webhook
// deliveries are acknowledged without re-entering the pipeline. Bounded: at
// capacity the oldest entry is evicted first, strict FIFO regardless of how
// often an entry was seen.
type DeliveryCache struct {
	mu       sync.Mutex
	capacity int
	order    []int64
	seen     map[int64]struct{}
}

func NewDeliveryCache(capacity int) *DeliveryCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &DeliveryCache{
		capacity: capacity,
		order:    make([]int64, 0, capacity),
		seen:     make(map[int64]struct{}, capacity),
	}
}

// MarkIfNew records id and reports whether it was unseen. Check and insert
// are one atomic step so concurrent deliveries of the same id cannot both
// claim it.
func (c *DeliveryCache) MarkIfNew(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return false
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.order = append(c.order, id)
	c.seen[id] = struct{}{}
	return true
}

func (c *DeliveryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

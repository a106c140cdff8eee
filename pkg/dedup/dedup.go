// Package dedup is the Dedup Cache: a fingerprint set bounded by both count
// and age, whichever limit is reached first, with LRU-by-age eviction. It
// is consulted on every inbound cloud echo to tell a pre-seeded
// locally-originated message apart from a genuine cross-machine message.
package dedup

import (
	"container/list"
	"time"

	"github.com/agentmesh/brokerd/pkg/metrics"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

type node struct {
	id         string
	observedAt time.Time
}

// Cache is the bounded, age-evicting dedup set described in spec §4.7 /
// data model "Dedup Entry".
type Cache struct {
	clock Clock
	cap   int
	ttl   time.Duration

	order *list.List // front = most recently inserted, back = oldest
	index map[string]*list.Element
}

// New constructs a Cache capped at capacity entries and ttl age, whichever
// bound is hit first.
func New(capacity int, ttl time.Duration, clock Clock) *Cache {
	if clock == nil {
		clock = time.Now
	}
	if capacity <= 0 {
		capacity = 65536
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		clock: clock,
		cap:   capacity,
		ttl:   ttl,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Insert records id as seen, returning true if it was not already present
// (after evicting anything aged out). A pre-existing id's age is not
// refreshed — "observed-at" records the original sighting.
func (c *Cache) Insert(id string) bool {
	c.evictExpired()

	if _, ok := c.index[id]; ok {
		return false
	}

	el := c.order.PushFront(&node{id: id, observedAt: c.clock()})
	c.index[id] = el

	for c.order.Len() > c.cap {
		c.evictOldest()
	}

	metrics.DedupCacheSize.Set(float64(c.order.Len()))
	return true
}

// Seen is Insert without the side effect of recording a miss as seen; it
// reports whether id is currently present.
func (c *Cache) Seen(id string) bool {
	c.evictExpired()
	_, ok := c.index[id]
	return ok
}

func (c *Cache) evictExpired() {
	cutoff := c.clock().Add(-c.ttl)
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		n := back.Value.(*node)
		if n.observedAt.After(cutoff) {
			return
		}
		c.order.Remove(back)
		delete(c.index, n.id)
		metrics.DedupEvictionsTotal.WithLabelValues("age").Inc()
	}
}

func (c *Cache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	n := back.Value.(*node)
	c.order.Remove(back)
	delete(c.index, n.id)
	metrics.DedupEvictionsTotal.WithLabelValues("count_cap").Inc()
}

// Len returns the current number of live entries.
func (c *Cache) Len() int {
	c.evictExpired()
	return c.order.Len()
}

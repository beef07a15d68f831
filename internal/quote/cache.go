package quote

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// WarmCache keeps freshly fetched quotes for the freshness window. Entries
// are grouped into one LRU bucket per TTL value so a 400ms strategy and an
// 800ms strategy never evict each other. Reads return nil for expired
// entries and evict them in place.
type WarmCache struct {
	mu       sync.Mutex
	buckets  map[int64]*bucket
	capacity int
}

type bucket struct {
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	key       string
	quote     *Quote
	expiresAt time.Time
}

// NewWarmCache builds a cache with the given per-bucket capacity.
func NewWarmCache(capacity int) *WarmCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &WarmCache{
		buckets:  make(map[int64]*bucket),
		capacity: capacity,
	}
}

func cacheKey(r Request) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s", r.InputMint, r.OutputMint, r.Amount, r.SlippageBps, r.Mode)
}

// Put stores a quote with the given freshness TTL, refreshing expiry if the
// key already exists.
func (c *WarmCache) Put(r Request, q *Quote, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	k := cacheKey(r)

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[ttl.Milliseconds()]
	if !ok {
		b = &bucket{
			ttl:     ttl,
			order:   list.New(),
			entries: make(map[string]*list.Element),
		}
		c.buckets[ttl.Milliseconds()] = b
	}

	if el, ok := b.entries[k]; ok {
		ent := el.Value.(*cacheEntry)
		ent.quote = q
		ent.expiresAt = time.Now().Add(ttl)
		b.order.MoveToFront(el)
		return
	}

	if b.order.Len() >= c.capacity {
		oldest := b.order.Back()
		if oldest != nil {
			b.order.Remove(oldest)
			delete(b.entries, oldest.Value.(*cacheEntry).key)
		}
	}

	el := b.order.PushFront(&cacheEntry{
		key:       k,
		quote:     q,
		expiresAt: time.Now().Add(ttl),
	})
	b.entries[k] = el
}

// Get returns the cached quote or nil. Expired entries are evicted on read.
func (c *WarmCache) Get(r Request) *Quote {
	k := cacheKey(r)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.buckets {
		el, ok := b.entries[k]
		if !ok {
			continue
		}
		ent := el.Value.(*cacheEntry)
		if now.After(ent.expiresAt) {
			b.order.Remove(el)
			delete(b.entries, k)
			continue
		}
		b.order.MoveToFront(el)
		return ent.quote
	}
	return nil
}

// Len reports the number of live entries across all buckets.
func (c *WarmCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, b := range c.buckets {
		n += b.order.Len()
	}
	return n
}

// Package cache provides a sharded quote cache. The KIS quote endpoint
// is rate limited per app key, so bursts of intents on the same symbol
// reuse a recent quote instead of hitting the API again.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"oms-core/pkg/broker"
)

const numShards = 16

type quoteEntry struct {
	quote     broker.Quote
	updatedAt time.Time
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

// QuoteCache holds recent quotes keyed by symbol.
type QuoteCache struct {
	shards [numShards]*quoteShard
}

func NewQuoteCache() *QuoteCache {
	c := &QuoteCache{}
	for i := range c.shards {
		c.shards[i] = &quoteShard{items: make(map[string]quoteEntry)}
	}
	return c
}

func (c *QuoteCache) shard(symbol string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Put stores a quote, stamping it now.
func (c *QuoteCache) Put(q broker.Quote) {
	s := c.shard(q.Symbol)
	s.mu.Lock()
	s.items[q.Symbol] = quoteEntry{quote: q, updatedAt: time.Now()}
	s.mu.Unlock()
}

// Get returns the cached quote when it is younger than maxAge.
func (c *QuoteCache) Get(symbol string, maxAge time.Duration) (broker.Quote, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok || time.Since(e.updatedAt) > maxAge {
		return broker.Quote{}, false
	}
	return e.quote, true
}

// Invalidate drops one symbol.
func (c *QuoteCache) Invalidate(symbol string) {
	s := c.shard(symbol)
	s.mu.Lock()
	delete(s.items, symbol)
	s.mu.Unlock()
}

// Len reports the total cached symbols across shards.
func (c *QuoteCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup evicts entries older than maxAge and reports how many.
func (c *QuoteCache) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

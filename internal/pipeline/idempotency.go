package pipeline

import (
	"sync"

	"oms-core/internal/intent"
)

// idemCache stores EXECUTED results for the current trade date. The
// trade-date component of the key makes entries self-expiring: the
// cache is cleared whenever a new trade date is observed.
type idemCache struct {
	mu      sync.Mutex
	date    string
	results map[string]intent.Result
}

func newIdemCache() *idemCache {
	return &idemCache{results: make(map[string]intent.Result)}
}

func (c *idemCache) get(key, tradeDate string) (intent.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(tradeDate)
	res, ok := c.results[key]
	return res, ok
}

func (c *idemCache) put(key, tradeDate string, res intent.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(tradeDate)
	c.results[key] = res
}

// rollover clears the cache on trade-date change. Caller holds c.mu.
func (c *idemCache) rollover(tradeDate string) {
	if c.date != tradeDate {
		c.date = tradeDate
		c.results = make(map[string]intent.Result)
	}
}

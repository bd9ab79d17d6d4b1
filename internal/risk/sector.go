package risk

import "sync"

// SectorTracker maintains sector exposure as two parallel books:
// open notional accrued from observed fills, and working notional
// reserved before order submission. Cap checks sum both. Counters are
// mutated only by the gateway (reserve/release) and by fill handling.
type SectorTracker struct {
	mu           sync.Mutex
	sectors      map[string]string // symbol -> sector
	allowUnknown bool

	open    map[string]float64 // symbol -> open notional (from fills)
	working map[string]float64 // symbol -> reserved notional
}

// NewSectorTracker builds a tracker from the configured symbol map.
func NewSectorTracker(sectors map[string]string, allowUnknown bool) *SectorTracker {
	m := make(map[string]string, len(sectors))
	for sym, sec := range sectors {
		m[sym] = sec
	}
	return &SectorTracker{
		sectors:      m,
		allowUnknown: allowUnknown,
		open:         make(map[string]float64),
		working:      make(map[string]float64),
	}
}

// SectorOf returns the configured sector for a symbol.
func (t *SectorTracker) SectorOf(symbol string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sectors[symbol]
	return s, ok
}

// AllowUnknown reports the unknown-sector policy.
func (t *SectorTracker) AllowUnknown() bool { return t.allowUnknown }

// Reserve books working notional for a symbol prior to order
// submission. One reservation per symbol is in flight at a time (the
// entry lock guarantees it); a second call overwrites.
func (t *SectorTracker) Reserve(symbol string, notional float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.working[symbol] = notional
}

// Release drops any working reservation for a symbol.
func (t *SectorTracker) Release(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.working, symbol)
}

// OnBuyFill converts reserved notional into open notional.
func (t *SectorTracker) OnBuyFill(symbol string, notional float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.working[symbol] - notional
	if w <= 0 {
		delete(t.working, symbol)
	} else {
		t.working[symbol] = w
	}
	t.open[symbol] += notional
}

// OnSellFill reduces open notional for a symbol.
func (t *SectorTracker) OnSellFill(symbol string, notional float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := t.open[symbol] - notional
	if o <= 0 {
		delete(t.open, symbol)
	} else {
		t.open[symbol] = o
	}
}

// Exposure returns the position count and combined (open + working)
// notional currently attributed to a sector. Symbols without a
// configured sector are not counted.
func (t *SectorTracker) Exposure(sector string) (count int, notional float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool)
	for sym, n := range t.open {
		if t.sectors[sym] != sector {
			continue
		}
		notional += n
		if !seen[sym] && n > 0 {
			seen[sym] = true
			count++
		}
	}
	for sym, n := range t.working {
		if t.sectors[sym] != sector {
			continue
		}
		notional += n
		if !seen[sym] && n > 0 {
			seen[sym] = true
			count++
		}
	}
	return count, notional
}

// Active reports whether the symbol already contributes exposure.
func (t *SectorTracker) Active(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open[symbol] > 0 || t.working[symbol] > 0
}

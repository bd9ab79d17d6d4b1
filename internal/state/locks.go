package state

import "sync"

// SymbolLocks serializes mutation pipelines per symbol. The intent
// pipeline and the reconciliation loop share one instance so at most
// one of them mutates a symbol at a time. Locks are created lazily and
// never discarded; the symbol universe is small.
type SymbolLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSymbolLocks creates an empty lock set.
func NewSymbolLocks() *SymbolLocks {
	return &SymbolLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *SymbolLocks) get(symbol string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		l.locks[symbol] = m
	}
	return m
}

// Lock acquires the per-symbol mutex.
func (l *SymbolLocks) Lock(symbol string) {
	l.get(symbol).Lock()
}

// Unlock releases the per-symbol mutex.
func (l *SymbolLocks) Unlock(symbol string) {
	l.get(symbol).Unlock()
}

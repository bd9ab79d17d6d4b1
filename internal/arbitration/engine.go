// Package arbitration resolves conflicts between strategies acting on
// the same symbol: exits always proceed, entries contend for a
// time-bounded per-symbol lease and yield to pending exits.
package arbitration

import (
	"fmt"
	"sync"
	"time"

	"oms-core/internal/intent"
	"oms-core/internal/state"
)

// Action is the arbitration outcome kind.
type Action int

const (
	Proceed Action = iota
	Cancel
	DeferAction
)

func (a Action) String() string {
	switch a {
	case Proceed:
		return "PROCEED"
	case Cancel:
		return "CANCEL"
	case DeferAction:
		return "DEFER"
	}
	return "UNKNOWN"
}

// Outcome is the engine's verdict for one intent.
type Outcome struct {
	Action     Action
	Reason     string
	DeferUntil time.Time
}

// DefaultLockDuration applies to strategies without a configured lease.
const DefaultLockDuration = 120 * time.Second

// Engine arbitrates entries via the state store's entry locks and an
// in-memory pending-intent queue.
type Engine struct {
	store *state.Store

	mu      sync.Mutex
	pending map[string][]*intent.Intent // by symbol
	leases  map[string]time.Duration    // by strategy
}

// NewEngine builds an engine with per-strategy lease durations
// (seconds may be nil or partial; missing strategies get the default).
func NewEngine(store *state.Store, leaseSeconds map[string]int) *Engine {
	leases := make(map[string]time.Duration, len(leaseSeconds))
	for strat, sec := range leaseSeconds {
		if sec > 0 {
			leases[strat] = time.Duration(sec) * time.Second
		}
	}
	return &Engine{
		store:   store,
		pending: make(map[string][]*intent.Intent),
		leases:  leases,
	}
}

// LockDuration returns the entry-lease duration for a strategy.
func (e *Engine) LockDuration(strategy string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.leases[strategy]; ok {
		return d
	}
	return DefaultLockDuration
}

// AddPending registers an intent as in flight for its symbol. Callers
// add before the pipeline tail and remove on completion.
func (e *Engine) AddPending(it *intent.Intent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[it.Symbol] = append(e.pending[it.Symbol], it)
}

// RemovePending drops an intent from the pending queue.
func (e *Engine) RemovePending(it *intent.Intent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.pending[it.Symbol]
	for i, p := range q {
		if p.ID == it.ID {
			e.pending[it.Symbol] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// pendingExit reports whether another in-flight intent wants out of
// the symbol.
func (e *Engine) pendingExit(symbol, excludingID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pending[symbol] {
		if p.ID == excludingID {
			continue
		}
		if p.Kind == intent.KindExit || p.Kind == intent.KindFlatten {
			return true
		}
	}
	return false
}

// Resolve decides whether the intent may proceed. Exits and reduces
// always do. Entries are cancelled when the strategy already holds the
// symbol, deferred while another strategy owns the entry lock or an
// exit is pending, and otherwise proceed holding a fresh lease.
func (e *Engine) Resolve(it *intent.Intent) Outcome {
	switch it.Kind {
	case intent.KindExit, intent.KindFlatten, intent.KindReduce:
		return Outcome{Action: Proceed}
	case intent.KindEnter:
		return e.resolveEntry(it)
	default:
		return Outcome{Action: Proceed}
	}
}

func (e *Engine) resolveEntry(it *intent.Intent) Outcome {
	if a, ok := e.store.Allocation(it.Symbol, it.Strategy); ok && a.Qty > 0 {
		return Outcome{Action: Cancel, Reason: fmt.Sprintf("%s already holds %s", it.Strategy, it.Symbol)}
	}

	now := time.Now()
	owner, until := e.store.EntryLock(it.Symbol)
	if owner != "" && owner != it.Strategy && now.Before(until) {
		return Outcome{
			Action:     DeferAction,
			Reason:     fmt.Sprintf("entry lock held by %s", owner),
			DeferUntil: until,
		}
	}

	lease := now.Add(e.LockDuration(it.Strategy))
	if !e.store.SetEntryLock(it.Symbol, it.Strategy, lease) {
		_, until := e.store.EntryLock(it.Symbol)
		return Outcome{Action: DeferAction, Reason: "entry lock contention", DeferUntil: until}
	}

	if e.pendingExit(it.Symbol, it.ID) {
		// Yield to the exit; it must not be starved by entries.
		e.store.ReleaseEntryLock(it.Symbol, it.Strategy)
		return Outcome{Action: DeferAction, Reason: "exit pending for symbol", DeferUntil: now.Add(time.Second)}
	}
	return Outcome{Action: Proceed}
}

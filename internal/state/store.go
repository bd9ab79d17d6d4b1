package state

import (
	"sync"
	"time"
)

// Store keeps the in-memory view of positions, allocations, working
// orders and account scalars. Every accessor holds the store mutex for
// the duration of the call; no operation fails, and referencing an
// unknown symbol creates an empty position.
type Store struct {
	mu        sync.Mutex
	positions map[string]*Position
	account   Account
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{positions: make(map[string]*Position)}
}

// position returns the live record, creating it lazily. Caller must
// hold s.mu.
func (s *Store) position(symbol string) *Position {
	p, ok := s.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol, Allocations: make(map[string]*Allocation)}
		s.positions[symbol] = p
	}
	return p
}

// Snapshot returns a deep copy of the position for a symbol.
func (s *Store) Snapshot(symbol string) Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePosition(s.position(symbol))
}

// Snapshots returns deep copies of every tracked position.
func (s *Store) Snapshots() map[string]Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Position, len(s.positions))
	for sym, p := range s.positions {
		out[sym] = clonePosition(p)
	}
	return out
}

func clonePosition(p *Position) Position {
	cp := *p
	cp.Allocations = make(map[string]*Allocation, len(p.Allocations))
	for k, a := range p.Allocations {
		ac := *a
		cp.Allocations[k] = &ac
	}
	cp.WorkingOrders = make([]*WorkingOrder, len(p.WorkingOrders))
	for i, w := range p.WorkingOrders {
		wc := *w
		cp.WorkingOrders[i] = &wc
	}
	return cp
}

// SetRealPosition overwrites broker-authoritative quantity and average
// price for a symbol.
func (s *Store) SetRealPosition(symbol string, qty int64, avgPrice float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.position(symbol)
	p.RealQty = qty
	p.AvgPrice = avgPrice
}

// SetFrozen sets or clears the drift freeze on a symbol.
func (s *Store) SetFrozen(symbol string, frozen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position(symbol).Frozen = frozen
}

// SetHardStop sets the portfolio-level hard stop for a symbol.
func (s *Store) SetHardStop(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position(symbol).HardStop = price
}

// SetCooldown arms the generic entry cooldown for a symbol.
func (s *Store) SetCooldown(symbol string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position(symbol).CooldownUntil = until
}

// SetVICooldown arms the volatility-interruption cooldown for a symbol.
func (s *Store) SetVICooldown(symbol string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position(symbol).VICooldownUntil = until
}

// UpdateAllocation adds qtyDelta to the strategy's allocation, creating
// it lazily. When qtyDelta > 0 and costBasis > 0 the basis is
// recomputed as a share-weighted average. Quantity is floored at zero;
// crossing to zero clears the entry timestamp. Returns the updated
// allocation.
func (s *Store) UpdateAllocation(symbol, strategy string, qtyDelta int64, costBasis float64) Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.position(symbol)
	a, ok := p.Allocations[strategy]
	if !ok {
		a = &Allocation{Strategy: strategy}
		p.Allocations[strategy] = a
	}

	if qtyDelta > 0 {
		if costBasis > 0 {
			newQty := a.Qty + qtyDelta
			a.CostBasis = (a.CostBasis*float64(a.Qty) + costBasis*float64(qtyDelta)) / float64(newQty)
		}
		if a.Qty == 0 {
			a.EnteredAt = time.Now()
		}
		a.Qty += qtyDelta
	} else {
		a.Qty += qtyDelta
		if a.Qty <= 0 {
			a.Qty = 0
			a.CostBasis = 0
			a.EnteredAt = time.Time{}
		}
	}
	return *a
}

// Allocation returns a copy of the strategy's allocation for a symbol.
func (s *Store) Allocation(symbol, strategy string) (Allocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.position(symbol).Allocations[strategy]
	if !ok {
		return Allocation{}, false
	}
	return *a, true
}

// SetAllocationStops updates soft stop and time stop on an existing
// allocation; returns false when the strategy has no allocation.
func (s *Store) SetAllocationStops(symbol, strategy string, softStop float64, timeStop time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.position(symbol).Allocations[strategy]
	if !ok {
		return false
	}
	if softStop > 0 {
		a.SoftStop = softStop
	}
	if !timeStop.IsZero() {
		a.TimeStop = timeStop
	}
	return true
}

// RestoreAllocation reinstates a persisted allocation verbatim (warm
// start only).
func (s *Store) RestoreAllocation(symbol string, a Allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.position(symbol).Allocations[a.Strategy] = &cp
}

// AllocationsForStrategy returns every allocation with positive
// quantity held by a strategy, keyed by symbol.
func (s *Store) AllocationsForStrategy(strategy string) map[string]Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Allocation)
	for sym, p := range s.positions {
		if a, ok := p.Allocations[strategy]; ok && a.Qty > 0 {
			out[sym] = *a
		}
	}
	return out
}

// SetEntryLock is an atomic test-and-set of the per-symbol entry lease.
// It succeeds when no unexpired lock exists or when the caller already
// owns it.
func (s *Store) SetEntryLock(symbol, strategy string, until time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.position(symbol)
	if p.EntryLockOwner != "" && p.EntryLockOwner != strategy && time.Now().Before(p.EntryLockUntil) {
		return false
	}
	p.EntryLockOwner = strategy
	p.EntryLockUntil = until
	return true
}

// ReleaseEntryLock clears the lease only when the caller owns it.
func (s *Store) ReleaseEntryLock(symbol, strategy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.position(symbol)
	if p.EntryLockOwner != strategy {
		return
	}
	p.EntryLockOwner = ""
	p.EntryLockUntil = time.Time{}
}

// EntryLock reports the current lease holder and expiry.
func (s *Store) EntryLock(symbol string) (owner string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.position(symbol)
	return p.EntryLockOwner, p.EntryLockUntil
}

// AddWorkingOrder attaches an order to the symbol's working list. The
// store takes ownership of the record.
func (s *Store) AddWorkingOrder(symbol string, w *WorkingOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.position(symbol)
	p.WorkingOrders = append(p.WorkingOrders, w)
}

// RemoveWorkingOrder detaches an order by id and returns a copy of it.
func (s *Store) RemoveWorkingOrder(symbol, orderID string) (WorkingOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.position(symbol)
	for i, w := range p.WorkingOrders {
		if w.OrderID == orderID {
			cp := *w
			p.WorkingOrders = append(p.WorkingOrders[:i], p.WorkingOrders[i+1:]...)
			return cp, true
		}
	}
	return WorkingOrder{}, false
}

// UpdateOrderFill sets filled quantity and status on a working order.
func (s *Store) UpdateOrderFill(symbol, orderID string, filledQty int64, status OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.position(symbol).WorkingOrders {
		if w.OrderID == orderID {
			if filledQty > w.Qty {
				filledQty = w.Qty
			}
			w.FilledQty = filledQty
			w.Status = status
			return
		}
	}
}

// SetOrderBranch records the venue branch code once observed.
func (s *Store) SetOrderBranch(symbol, orderID, branch string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.position(symbol).WorkingOrders {
		if w.OrderID == orderID {
			w.Branch = branch
			return
		}
	}
}

// WorkingOrders returns copies of a symbol's working orders.
func (s *Store) WorkingOrders(symbol string) []WorkingOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.position(symbol)
	out := make([]WorkingOrder, 0, len(p.WorkingOrders))
	for _, w := range p.WorkingOrders {
		out = append(out, *w)
	}
	return out
}

// WorkingOrdersFor returns a strategy's working orders on a symbol.
func (s *Store) WorkingOrdersFor(symbol, strategy string) []WorkingOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WorkingOrder
	for _, w := range s.position(symbol).WorkingOrders {
		if w.Strategy == strategy {
			out = append(out, *w)
		}
	}
	return out
}

// AllWorkingOrders returns copies of every working order keyed by symbol.
func (s *Store) AllWorkingOrders() map[string][]WorkingOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]WorkingOrder)
	for sym, p := range s.positions {
		if len(p.WorkingOrders) == 0 {
			continue
		}
		ws := make([]WorkingOrder, 0, len(p.WorkingOrders))
		for _, w := range p.WorkingOrders {
			ws = append(ws, *w)
		}
		out[sym] = ws
	}
	return out
}

// HasWorkingOrders reports whether any order is in flight anywhere.
func (s *Store) HasWorkingOrders() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if len(p.WorkingOrders) > 0 {
			return true
		}
	}
	return false
}

// Symbols lists every tracked symbol.
func (s *Store) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		out = append(out, sym)
	}
	return out
}

// Account returns a copy of the account scalars.
func (s *Store) Account() Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// SetEquity updates account equity.
func (s *Store) SetEquity(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.Equity = v
}

// SetBuyableCash updates buyable cash.
func (s *Store) SetBuyableCash(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.BuyableCash = v
}

// RecordRealizedPnL adds a realized P&L delta to the daily counters.
func (s *Store) RecordRealizedPnL(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.DailyRealizedPnL += delta
}

// UpdateDailyPnL recomputes daily P&L as realized plus unrealized
// against the given mark prices.
func (s *Store) UpdateDailyPnL(prices map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pnl := s.account.DailyRealizedPnL
	for sym, p := range s.positions {
		px, ok := prices[sym]
		if !ok || p.RealQty == 0 {
			continue
		}
		pnl += (px - p.AvgPrice) * float64(p.RealQty)
	}
	s.account.DailyPnL = pnl
	if s.account.Equity > 0 {
		s.account.DailyPnLPct = pnl / s.account.Equity
	} else {
		s.account.DailyPnLPct = 0
	}
}

// ResetDaily zeroes the daily P&L counters (end-of-day cleanup).
func (s *Store) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.DailyRealizedPnL = 0
	s.account.DailyPnL = 0
	s.account.DailyPnLPct = 0
}

// ResolveDrift applies an operator decision for a frozen symbol.
// action "reassign" moves the _UNKNOWN_ allocation to targetStrategy;
// "acknowledge" accepts current state. Both unfreeze the symbol.
func (s *Store) ResolveDrift(symbol, action, targetStrategy string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.position(symbol)
	switch action {
	case "reassign":
		unk, ok := p.Allocations[UnknownStrategy]
		if !ok || unk.Qty == 0 || targetStrategy == "" {
			return false
		}
		dst, ok := p.Allocations[targetStrategy]
		if !ok {
			dst = &Allocation{Strategy: targetStrategy, EnteredAt: time.Now()}
			p.Allocations[targetStrategy] = dst
		}
		newQty := dst.Qty + unk.Qty
		if unk.CostBasis > 0 {
			dst.CostBasis = (dst.CostBasis*float64(dst.Qty) + unk.CostBasis*float64(unk.Qty)) / float64(newQty)
		}
		dst.Qty = newQty
		delete(p.Allocations, UnknownStrategy)
	case "acknowledge":
		// Operator accepts the books as they stand.
	default:
		return false
	}
	p.Frozen = false
	return true
}

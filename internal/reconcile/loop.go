// Package reconcile runs the background loop that keeps local state
// honest against the broker: fills, timeouts, positions, cash, and
// drift.
package reconcile

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"oms-core/internal/events"
	"oms-core/internal/fills"
	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
)

// BrokerAdapter is the slice of the adapter the loop needs.
type BrokerAdapter interface {
	GetOrders(ctx context.Context) ([]broker.Order, error)
	GetBalance(ctx context.Context) (broker.BalanceSnapshot, error)
	GetBuyableCash(ctx context.Context) (float64, error)
	CancelOrder(ctx context.Context, orderID, symbol, branch string, remainingQty int64) error
}

// Sink is the persistence surface for reconciliation artifacts.
type Sink interface {
	SavePosition(pos state.Position)
	SaveDailyRisk(acct state.Account)
	RecordRecon(kind, symbol, detail string)
	RecordOrderEvent(orderID, symbol, event, detail string)
	Heartbeat(status string)
	MarkExcursion(symbol, strategy string, costBasis, price float64)
}

// Interval tuning. A cycle slower than SlowCycleThreshold switches to
// the cooldown interval for two cycles (broker rate-limit pressure).
const (
	BaseInterval       = 5 * time.Second
	IdleInterval       = 15 * time.Second
	CooldownInterval   = 20 * time.Second
	SlowCycleThreshold = 10 * time.Second

	// SafeModeFailures consecutive failed cycles flip the risk
	// gateway into safe mode; FatalFailures means the broker link is
	// gone for good and the process should exit.
	SafeModeFailures = 5
	FatalFailures    = 60

	cashCycleEvery = 6
)

// Loop reconciles local state against the broker on an adaptive
// interval. It is the only writer of real position quantities.
type Loop struct {
	store   *state.Store
	locks   *state.SymbolLocks
	adapter BrokerAdapter
	risk    *risk.Gateway
	fills   *fills.Applier
	persist Sink
	bus     *events.Bus

	cycleCount     uint64
	consecFailures int
	cooldownLeft   int

	// cancelRequested remembers timeout cancels already sent so a
	// slow broker does not get the same cancel every cycle.
	cancelRequested map[string]bool

	// Fatal receives exactly one error if the loop decides the
	// reconciliation loss is unrecoverable.
	Fatal chan error
}

// NewLoop wires the reconciliation loop. persist and bus may be nil.
func NewLoop(store *state.Store, locks *state.SymbolLocks, ba BrokerAdapter, gw *risk.Gateway,
	applier *fills.Applier, persist Sink, bus *events.Bus) *Loop {
	return &Loop{
		store:           store,
		locks:           locks,
		adapter:         ba,
		risk:            gw,
		fills:           applier,
		persist:         persist,
		bus:             bus,
		cancelRequested: make(map[string]bool),
		Fatal:           make(chan error, 1),
	}
}

// Run executes cycles until ctx is cancelled. Cancellation is observed
// between iterations.
func (l *Loop) Run(ctx context.Context) {
	log.Info("reconciliation loop started")
	for {
		started := time.Now()
		err := l.RunCycle(ctx)
		elapsed := time.Since(started)

		if l.noteOutcome(err) {
			return
		}

		if elapsed > SlowCycleThreshold {
			l.cooldownLeft = 2
			log.Warnf("reconciliation cycle took %s, cooling down", elapsed.Round(time.Millisecond))
		}

		select {
		case <-ctx.Done():
			log.Info("reconciliation loop stopped")
			return
		case <-time.After(l.nextInterval()):
		}
	}
}

// noteOutcome updates the failure accounting after a cycle. Safe mode
// flips on at SafeModeFailures and stays on until an operator clears
// it. Returns true when the loop should give up for good.
func (l *Loop) noteOutcome(err error) bool {
	if err != nil {
		l.consecFailures++
		log.Errorf("reconciliation cycle failed (%d consecutive): %v", l.consecFailures, err)
		if l.consecFailures == SafeModeFailures {
			l.risk.SetSafeMode(true)
			if l.persist != nil {
				l.persist.RecordRecon("SAFE_MODE", "", fmt.Sprintf("%d consecutive cycle failures", l.consecFailures))
			}
		}
		if l.consecFailures >= FatalFailures {
			select {
			case l.Fatal <- fmt.Errorf("reconciliation lost broker for %d cycles: %w", l.consecFailures, err):
			default:
			}
			return true
		}
		return false
	}

	if l.consecFailures >= SafeModeFailures {
		// Recovered; the operator decides when to lift safe mode.
		log.Warn("reconciliation recovered, safe mode left for operator review")
	}
	l.consecFailures = 0
	return false
}

func (l *Loop) nextInterval() time.Duration {
	if l.cooldownLeft > 0 {
		l.cooldownLeft--
		return CooldownInterval
	}
	if l.store.HasWorkingOrders() {
		return BaseInterval
	}
	return IdleInterval
}

// RunCycle executes one full reconciliation pass.
func (l *Loop) RunCycle(ctx context.Context) error {
	l.cycleCount++

	orders, err := l.adapter.GetOrders(ctx)
	if err != nil {
		// Never treat a failed query as "no orders exist".
		return fmt.Errorf("get orders: %w", err)
	}
	byID := make(map[string]broker.Order, len(orders))
	for _, o := range orders {
		byID[o.OrderID] = o
	}

	for symbol, wos := range l.store.AllWorkingOrders() {
		l.locks.Lock(symbol)
		for _, wo := range wos {
			if bo, present := byID[wo.OrderID]; present {
				l.syncOrder(wo, bo)
			} else {
				l.finishAbsentOrder(wo)
			}
		}
		l.enforceTimeouts(ctx, symbol, byID)
		l.locks.Unlock(symbol)
	}

	snap, err := l.adapter.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	prices := l.applyPositions(snap)

	l.checkDrift()

	if l.cycleCount%cashCycleEvery == 0 {
		if cash, err := l.adapter.GetBuyableCash(ctx); err == nil {
			l.store.SetBuyableCash(cash)
		} else {
			log.Warnf("buyable cash query failed: %v", err)
		}
	}

	l.store.UpdateDailyPnL(prices)

	if l.persist != nil {
		for sym, pos := range l.store.Snapshots() {
			px, ok := prices[sym]
			if !ok {
				continue
			}
			for strat, a := range pos.Allocations {
				if a.Qty > 0 {
					l.persist.MarkExcursion(sym, strat, a.CostBasis, px)
				}
			}
		}
		l.persist.SaveDailyRisk(l.store.Account())
		l.persist.Heartbeat("ok")
	}
	if l.bus != nil {
		l.bus.Publish(events.TopicReconcile, map[string]any{"cycle": l.cycleCount})
	}
	return nil
}

// syncOrder applies the broker's view of a tracked order: branch code,
// fill delta, and terminal transition on full fill.
func (l *Loop) syncOrder(wo state.WorkingOrder, bo broker.Order) {
	if bo.Branch != "" && wo.Branch == "" {
		l.store.SetOrderBranch(wo.Symbol, wo.OrderID, bo.Branch)
	}

	if delta := bo.FilledQty - wo.FilledQty; delta > 0 {
		px := bo.Price
		if px <= 0 {
			px = wo.LimitPrice
		}
		l.fills.Apply(wo, delta, px, bo.FilledQty)

		status := state.OrderWorking
		if bo.FilledQty >= wo.Qty {
			status = state.OrderFilled
		}
		l.store.UpdateOrderFill(wo.Symbol, wo.OrderID, bo.FilledQty, status)
		if l.persist != nil {
			l.persist.RecordOrderEvent(wo.OrderID, wo.Symbol, string(status),
				fmt.Sprintf("filled %d/%d @ %.0f", bo.FilledQty, wo.Qty, px))
		}
	}

	if bo.FilledQty >= wo.Qty {
		l.store.RemoveWorkingOrder(wo.Symbol, wo.OrderID)
		l.store.ReleaseEntryLock(wo.Symbol, wo.Strategy)
		delete(l.cancelRequested, wo.OrderID)
		if l.bus != nil {
			l.bus.Publish(events.TopicOrderFilled, wo)
		}
	}
}

// finishAbsentOrder handles an order the broker no longer reports:
// fully filled if the quantities match, otherwise cancelled (possibly
// a partial cancel).
func (l *Loop) finishAbsentOrder(wo state.WorkingOrder) {
	status := state.OrderCancelled
	if wo.FilledQty >= wo.Qty {
		status = state.OrderFilled
	}
	l.store.RemoveWorkingOrder(wo.Symbol, wo.OrderID)
	l.store.ReleaseEntryLock(wo.Symbol, wo.Strategy)
	delete(l.cancelRequested, wo.OrderID)
	if wo.Side == broker.SideBuy && wo.Remaining() > 0 {
		l.risk.Sector().Release(wo.Symbol)
	}

	log.Infof("order %s %s no longer at broker, marked %s (filled %d/%d)",
		wo.OrderID, wo.Symbol, status, wo.FilledQty, wo.Qty)
	if l.persist != nil {
		l.persist.RecordOrderEvent(wo.OrderID, wo.Symbol, string(status), "absent from broker open orders")
	}
	if l.bus != nil {
		topic := events.TopicOrderCancelled
		if status == state.OrderFilled {
			topic = events.TopicOrderFilled
		}
		l.bus.Publish(topic, wo)
	}
}

// enforceTimeouts cancels the remainder of orders past their
// cancel-after horizon. Fill deltas were already applied from the same
// broker snapshot, so no extra query is needed here.
func (l *Loop) enforceTimeouts(ctx context.Context, symbol string, byID map[string]broker.Order) {
	now := time.Now()
	for _, wo := range l.store.WorkingOrders(symbol) {
		if wo.CancelAfter <= 0 || now.Sub(wo.SubmittedAt) <= wo.CancelAfter {
			continue
		}
		if l.cancelRequested[wo.OrderID] || wo.Remaining() == 0 {
			continue
		}
		branch := wo.Branch
		if bo, ok := byID[wo.OrderID]; ok && branch == "" {
			branch = bo.Branch
		}
		if err := l.adapter.CancelOrder(ctx, wo.OrderID, symbol, branch, wo.Remaining()); err != nil {
			log.Warnf("timeout cancel %s failed: %v", wo.OrderID, err)
			continue
		}
		l.cancelRequested[wo.OrderID] = true
		log.Infof("order %s %s timed out after %s, cancel sent for %d remaining",
			wo.OrderID, symbol, wo.CancelAfter, wo.Remaining())
		if l.persist != nil {
			l.persist.RecordOrderEvent(wo.OrderID, symbol, "TIMEOUT_CANCEL",
				fmt.Sprintf("cancel-after %s exceeded", wo.CancelAfter))
		}
	}
}

// applyPositions copies the broker position snapshot into the store.
// The broker is authoritative: a tracked symbol missing from the
// snapshot is zeroed. Returns mark prices for the P&L recompute.
func (l *Loop) applyPositions(snap broker.BalanceSnapshot) map[string]float64 {
	prices := make(map[string]float64, len(snap.Positions))
	seen := make(map[string]bool, len(snap.Positions))

	for _, bp := range snap.Positions {
		seen[bp.Symbol] = true
		if bp.CurrentPrice > 0 {
			prices[bp.Symbol] = bp.CurrentPrice
		}
		local := l.store.Snapshot(bp.Symbol)
		if local.RealQty != bp.Qty || local.AvgPrice != bp.AvgPrice {
			l.store.SetRealPosition(bp.Symbol, bp.Qty, bp.AvgPrice)
			if l.persist != nil {
				l.persist.SavePosition(l.store.Snapshot(bp.Symbol))
			}
		}
	}
	for _, sym := range l.store.Symbols() {
		if seen[sym] {
			continue
		}
		if p := l.store.Snapshot(sym); p.RealQty != 0 {
			log.Warnf("symbol %s absent from broker positions, zeroing real qty (was %d)", sym, p.RealQty)
			l.store.SetRealPosition(sym, 0, 0)
			if l.persist != nil {
				l.persist.SavePosition(l.store.Snapshot(sym))
			}
		}
	}

	l.store.SetEquity(snap.Equity)
	return prices
}

// checkDrift compares real quantity to allocated quantity for symbols
// with nothing in flight. Any non-zero drift freezes the symbol.
// Positive drift is additionally parked in the _UNKNOWN_ allocation;
// negative drift is never auto-corrected, the operator resolves it.
func (l *Loop) checkDrift() {
	for sym, pos := range l.store.Snapshots() {
		if len(pos.WorkingOrders) > 0 {
			continue
		}
		drift := pos.Drift()
		if drift == 0 {
			continue
		}

		if drift > 0 {
			l.store.UpdateAllocation(sym, state.UnknownStrategy, drift, pos.AvgPrice)
			l.store.SetFrozen(sym, true)
			log.Warnf("drift +%d on %s, parked in %s and froze symbol", drift, sym, state.UnknownStrategy)
			if l.persist != nil {
				l.persist.RecordRecon("DRIFT", sym, fmt.Sprintf("positive drift %d parked in %s", drift, state.UnknownStrategy))
			}
			if l.bus != nil {
				l.bus.Publish(events.TopicDriftDetected, map[string]any{"symbol": sym, "drift": drift})
			}
		} else if !pos.Frozen {
			// Never auto-correct a shortfall; freeze and wait for the
			// operator.
			l.store.SetFrozen(sym, true)
			log.Warnf("drift %d on %s, real qty below allocations; froze symbol, manual resolution required", drift, sym)
			if l.persist != nil {
				l.persist.RecordRecon("DRIFT", sym, fmt.Sprintf("negative drift %d, froze symbol", drift))
			}
			if l.bus != nil {
				l.bus.Publish(events.TopicDriftDetected, map[string]any{"symbol": sym, "drift": drift})
			}
		}
	}
}

// Status summarizes loop health for the /health endpoint.
func (l *Loop) Status() map[string]any {
	return map[string]any{
		"cycles":               l.cycleCount,
		"consecutive_failures": l.consecFailures,
	}
}

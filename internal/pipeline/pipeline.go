// Package pipeline orchestrates the intent lifecycle: idempotency,
// validation, risk, arbitration, planning, and execution, under a
// per-symbol mutex.
package pipeline

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"oms-core/internal/adapter"
	"oms-core/internal/arbitration"
	"oms-core/internal/events"
	"oms-core/internal/fills"
	"oms-core/internal/intent"
	"oms-core/internal/planner"
	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
)

// BrokerAdapter is the slice of the adapter the pipeline needs.
type BrokerAdapter interface {
	SubmitOrder(ctx context.Context, req broker.OrderRequest) adapter.Result
	CancelOrder(ctx context.Context, orderID, symbol, branch string, remainingQty int64) error
	GetOrders(ctx context.Context) ([]broker.Order, error)
	GetQuote(ctx context.Context, symbol string) (broker.Quote, error)
}

// Sink is the persistence surface for intents and orders.
type Sink interface {
	RecordIntent(it *intent.Intent, res intent.Result)
	RecordOrder(wo state.WorkingOrder)
	RecordOrderEvent(orderID, symbol, event, detail string)
}

// Pipeline is the single entry point for intents. At most one intent
// per symbol is in the tail at a time; the idempotency check runs
// before the per-symbol mutex is taken.
type Pipeline struct {
	store   *state.Store
	locks   *state.SymbolLocks
	risk    *risk.Gateway
	arb     *arbitration.Engine
	adapter BrokerAdapter
	fills   *fills.Applier
	persist Sink
	bus     *events.Bus

	idem *idemCache
}

// New wires the pipeline. persist and bus may be nil in tests.
func New(store *state.Store, locks *state.SymbolLocks, gw *risk.Gateway, arb *arbitration.Engine,
	ba BrokerAdapter, applier *fills.Applier, persist Sink, bus *events.Bus) *Pipeline {
	return &Pipeline{
		store:   store,
		locks:   locks,
		risk:    gw,
		arb:     arb,
		adapter: ba,
		fills:   applier,
		persist: persist,
		bus:     bus,
		idem:    newIdemCache(),
	}
}

// SubmitIntent runs the full lifecycle and returns the result. Only
// EXECUTED results are cached under the idempotency key.
func (p *Pipeline) SubmitIntent(ctx context.Context, it *intent.Intent) intent.Result {
	it.Normalize(time.Now())
	key := it.IdempotencyKey()

	if res, ok := p.idem.get(key, it.TradeDate); ok {
		log.Infof("intent %s: idempotent replay of %s", it.ID, res.IntentID)
		return res
	}

	if msg := validate(it); msg != "" {
		return p.finalize(it, key, intent.Rejected(it.ID, msg))
	}

	// Registered before the symbol mutex so exits queued behind an
	// in-flight entry are visible to arbitration.
	p.arb.AddPending(it)
	defer p.arb.RemovePending(it)

	p.locks.Lock(it.Symbol)
	defer p.locks.Unlock(it.Symbol)

	var res intent.Result
	switch it.Kind {
	case intent.KindCancelOrders:
		res = p.cancelOrders(ctx, it)
	case intent.KindModifyRisk:
		res = p.modifyRisk(it)
	default:
		res = p.trade(ctx, it)
	}
	return p.finalize(it, key, res)
}

func validate(it *intent.Intent) string {
	if it.Symbol == "" {
		return "symbol is required"
	}
	if it.Strategy == "" {
		return "strategy is required"
	}
	if !it.Kind.Valid() {
		return fmt.Sprintf("unknown intent kind %q", it.Kind)
	}
	if (it.Kind == intent.KindEnter || it.Kind == intent.KindReduce) && it.DesiredQty <= 0 {
		return "desired_qty must be positive"
	}
	if it.Kind == intent.KindSetTarget && it.TargetQty == nil {
		return "target_qty is required"
	}
	if exp := it.Constraints.ExpiresAt; !exp.IsZero() && !exp.After(time.Now()) {
		return "intent already expired"
	}
	return ""
}

func (p *Pipeline) finalize(it *intent.Intent, key string, res intent.Result) intent.Result {
	if res.IntentID == "" {
		res.IntentID = it.ID
	}
	if res.Status == intent.StatusExecuted {
		p.idem.put(key, it.TradeDate, res)
	}
	if p.persist != nil {
		p.persist.RecordIntent(it, res)
	}
	if p.bus != nil {
		p.bus.Publish(events.TopicIntentResult, res)
	}
	log.Infof("intent %s %s %s %s -> %s %s", it.ID, it.Strategy, it.Kind, it.Symbol, res.Status, res.Message)
	return res
}

// cancelOrders cancels the strategy's working orders on the symbol.
// One batched open-orders query runs first so late fills observed at
// the broker are applied before the cancel removes the order.
func (p *Pipeline) cancelOrders(ctx context.Context, it *intent.Intent) intent.Result {
	orders := p.store.WorkingOrdersFor(it.Symbol, it.Strategy)
	if len(orders) == 0 {
		return intent.Executed(it.ID, "Cancelled 0 orders")
	}

	brokerByID := map[string]broker.Order{}
	if live, err := p.adapter.GetOrders(ctx); err == nil {
		for _, o := range live {
			brokerByID[o.OrderID] = o
		}
	} else {
		log.Warnf("cancel %s: pre-cancel order query failed: %v", it.Symbol, err)
	}

	cancelled := 0
	hadBuys := false
	for _, wo := range orders {
		if bo, ok := brokerByID[wo.OrderID]; ok && bo.FilledQty > wo.FilledQty {
			p.fills.Apply(wo, bo.FilledQty-wo.FilledQty, fillPrice(bo, wo), bo.FilledQty)
			wo.FilledQty = bo.FilledQty
		}
		if rem := wo.Remaining(); rem > 0 {
			if err := p.adapter.CancelOrder(ctx, wo.OrderID, wo.Symbol, wo.Branch, rem); err != nil {
				log.Warnf("cancel order %s failed: %v", wo.OrderID, err)
			}
		}
		p.store.RemoveWorkingOrder(it.Symbol, wo.OrderID)
		if wo.Side == broker.SideBuy {
			hadBuys = true
		}
		cancelled++
		if p.persist != nil {
			p.persist.RecordOrderEvent(wo.OrderID, wo.Symbol, "CANCELLED", "cancel requested by "+it.Strategy)
		}
		if p.bus != nil {
			p.bus.Publish(events.TopicOrderCancelled, wo)
		}
	}
	if hadBuys {
		p.store.ReleaseEntryLock(it.Symbol, it.Strategy)
		p.risk.Sector().Release(it.Symbol)
	}

	if cancelled == 1 {
		return intent.Executed(it.ID, "Cancelled 1 order")
	}
	return intent.Executed(it.ID, fmt.Sprintf("Cancelled %d orders", cancelled))
}

// fillPrice picks the price to book a late fill at: broker order price
// when known, else our limit.
func fillPrice(bo broker.Order, wo state.WorkingOrder) float64 {
	if bo.Price > 0 {
		return bo.Price
	}
	return wo.LimitPrice
}

// modifyRisk updates the strategy's stops on an existing allocation.
func (p *Pipeline) modifyRisk(it *intent.Intent) intent.Result {
	if _, ok := p.store.Allocation(it.Symbol, it.Strategy); !ok {
		return intent.Rejected(it.ID, "No allocation for strategy")
	}
	p.store.SetAllocationStops(it.Symbol, it.Strategy, it.Risk.SoftStop, it.Constraints.ExpiresAt)
	if it.Risk.HardStop > 0 {
		p.store.SetHardStop(it.Symbol, it.Risk.HardStop)
	}
	return intent.Executed(it.ID, "Risk parameters updated")
}

// trade runs risk, arbitration, planning, and execution for the
// position-changing kinds.
func (p *Pipeline) trade(ctx context.Context, it *intent.Intent) intent.Result {
	quote, err := p.adapter.GetQuote(ctx, it.Symbol)
	if err != nil {
		log.Warnf("quote %s failed: %v", it.Symbol, err)
		quote = broker.Quote{Symbol: it.Symbol}
	}

	decision := p.risk.Evaluate(it, quote)
	switch decision.Action {
	case risk.Reject:
		if !decision.CooldownUntil.IsZero() && it.IsEntry() {
			p.store.SetCooldown(it.Symbol, decision.CooldownUntil)
		}
		res := intent.Rejected(it.ID, decision.Reason)
		res.CooldownUntil = decision.CooldownUntil
		return res
	case risk.Defer:
		return intent.Deferred(it.ID, decision.Reason, decision.CooldownUntil)
	}

	qty := it.DesiredQty
	modified := false
	if decision.Action == risk.Modify {
		qty = decision.Qty
		modified = true
		log.Infof("intent %s: risk scaled qty %d -> %d (%s)", it.ID, it.DesiredQty, qty, decision.Reason)
	}

	outcome := p.arb.Resolve(it)
	switch outcome.Action {
	case arbitration.Cancel:
		return intent.Result{IntentID: it.ID, Status: intent.StatusCancelled, Message: outcome.Reason}
	case arbitration.DeferAction:
		return intent.Deferred(it.ID, outcome.Reason, outcome.DeferUntil)
	}
	entryLockHeld := it.Kind == intent.KindEnter

	plan, res, done := p.buildPlan(ctx, it, qty, modified, quote)
	if done {
		if entryLockHeld {
			p.store.ReleaseEntryLock(it.Symbol, it.Strategy)
		}
		return res
	}

	res = p.execute(ctx, it, plan, quote)
	if res.Status != intent.StatusExecuted && entryLockHeld {
		p.store.ReleaseEntryLock(it.Symbol, it.Strategy)
	}
	if res.Status == intent.StatusExecuted && modified {
		res.ModifiedQty = plan.Qty
	}
	return res
}

// buildPlan maps the intent kind to a concrete order plan. done=true
// means res is the terminal result and no order should be placed. For
// SET_TARGET, qty is a cap on the buy delta when the gateway modified.
func (p *Pipeline) buildPlan(ctx context.Context, it *intent.Intent, qty int64, modified bool, quote broker.Quote) (planner.Plan, intent.Result, bool) {
	switch it.Kind {
	case intent.KindEnter:
		return planner.PlanOrder(it, broker.SideBuy, qty, quote), intent.Result{}, false

	case intent.KindExit, intent.KindFlatten:
		alloc, ok := p.store.Allocation(it.Symbol, it.Strategy)
		if !ok || alloc.Qty == 0 {
			if len(buyOrders(p.store.WorkingOrdersFor(it.Symbol, it.Strategy))) > 0 {
				return planner.Plan{}, p.cancelOrders(ctx, it), true
			}
			return planner.Plan{}, intent.Rejected(it.ID, "No allocation to exit"), true
		}
		sellQty := alloc.Qty
		if it.DesiredQty > 0 && it.DesiredQty < sellQty {
			sellQty = it.DesiredQty
		}
		return planner.ExitPlan(it, sellQty), intent.Result{}, false

	case intent.KindReduce:
		sellQty := qty
		if sellQty < 0 {
			sellQty = -sellQty
		}
		return planner.PlanOrder(it, broker.SideSell, sellQty, quote), intent.Result{}, false

	case intent.KindSetTarget:
		var current int64
		if alloc, ok := p.store.Allocation(it.Symbol, it.Strategy); ok {
			current = alloc.Qty
		}
		delta := *it.TargetQty - current
		switch {
		case delta == 0:
			return planner.Plan{}, intent.Executed(it.ID, "Already at target"), true
		case delta > 0:
			if modified && qty < delta {
				delta = qty
			}
			return planner.PlanOrder(it, broker.SideBuy, delta, quote), intent.Result{}, false
		default:
			return planner.PlanOrder(it, broker.SideSell, -delta, quote), intent.Result{}, false
		}
	}
	return planner.Plan{}, intent.Rejected(it.ID, fmt.Sprintf("kind %s is not tradable", it.Kind)), true
}

func buyOrders(ws []state.WorkingOrder) []state.WorkingOrder {
	var out []state.WorkingOrder
	for _, w := range ws {
		if w.Side == broker.SideBuy {
			out = append(out, w)
		}
	}
	return out
}

// execute submits the plan and materializes the working order.
// Allocations are not touched here; they change only on observed fills.
func (p *Pipeline) execute(ctx context.Context, it *intent.Intent, plan planner.Plan, quote broker.Quote) intent.Result {
	reserved := false
	if plan.Side == broker.SideBuy {
		px := plan.LimitPrice
		if px <= 0 {
			px = quote.Price
		}
		p.risk.Sector().Reserve(plan.Symbol, float64(plan.Qty)*px)
		reserved = true
	}

	res := p.adapter.SubmitOrder(ctx, plan.Request())
	if !res.Success {
		if reserved {
			p.risk.Sector().Release(plan.Symbol)
		}
		return intent.Rejected(it.ID, res.Message)
	}

	wo := &state.WorkingOrder{
		OrderID:     res.OrderID,
		Symbol:      plan.Symbol,
		Side:        plan.Side,
		Qty:         plan.Qty,
		LimitPrice:  plan.LimitPrice,
		Type:        plan.Type,
		Status:      state.OrderWorking,
		Strategy:    plan.Strategy,
		IntentID:    plan.IntentID,
		SubmittedAt: time.Now(),
		CancelAfter: plan.CancelAfter,
		Branch:      res.Branch,
	}
	p.store.AddWorkingOrder(plan.Symbol, wo)

	if p.persist != nil {
		p.persist.RecordOrder(*wo)
	}
	if p.bus != nil {
		p.bus.Publish(events.TopicOrderSubmitted, *wo)
	}

	out := intent.Executed(it.ID, fmt.Sprintf("%s %d %s order placed", plan.Side, plan.Qty, plan.Type))
	out.BrokerOrderID = res.OrderID
	return out
}

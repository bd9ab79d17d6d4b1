// Package fills applies observed fills to strategy allocations. Both
// the intent pipeline (immediate fills) and the reconciliation loop
// (polled fills) route through here so the bookkeeping stays in one
// place.
package fills

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"oms-core/internal/events"
	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
)

// Recorder is the persistence surface the applier needs.
type Recorder interface {
	RecordFill(execID, orderID, symbol string, side broker.Side, qty int64, price float64, strategy string)
	SaveAllocation(symbol, strategy string, alloc state.Allocation)
	RecordTradeLifecycle(symbol, strategy, event string, qty int64, price, realized float64)
	SaveStrategyRisk(strategy string, realizedDelta float64, positions int)
}

// Applier turns a fill delta into allocation, P&L, and sector updates.
// It never touches the position's real quantity; that belongs to the
// broker position snapshot.
type Applier struct {
	Store   *state.Store
	Sector  *risk.SectorTracker
	Persist Recorder
	Bus     *events.Bus
}

// Apply books fillDelta shares at fillPrice against the working
// order's strategy allocation. newFilledTotal is the order's filled
// quantity after this delta; it keys the execution id so reprocessing
// the same broker state cannot double-record.
func (a *Applier) Apply(wo state.WorkingOrder, fillDelta int64, fillPrice float64, newFilledTotal int64) {
	if fillDelta <= 0 {
		return
	}
	notional := float64(fillDelta) * fillPrice

	var priorQty int64
	if prior, ok := a.Store.Allocation(wo.Symbol, wo.Strategy); ok {
		priorQty = prior.Qty
	}

	qtyDelta := fillDelta
	var realized float64
	if wo.Side == broker.SideSell {
		qtyDelta = -fillDelta
		if alloc, ok := a.Store.Allocation(wo.Symbol, wo.Strategy); ok && alloc.CostBasis > 0 {
			realized = (fillPrice - alloc.CostBasis) * float64(fillDelta)
			a.Store.RecordRealizedPnL(realized)
		}
		if a.Sector != nil {
			a.Sector.OnSellFill(wo.Symbol, notional)
		}
	} else if a.Sector != nil {
		a.Sector.OnBuyFill(wo.Symbol, notional)
	}

	alloc := a.Store.UpdateAllocation(wo.Symbol, wo.Strategy, qtyDelta, fillPrice)
	log.Infof("fill %s %s %d @ %.0f (%s) -> allocation %d @ %.2f",
		wo.Side, wo.Symbol, fillDelta, fillPrice, wo.Strategy, alloc.Qty, alloc.CostBasis)

	if a.Persist != nil {
		execID := fmt.Sprintf("%s-%d", wo.OrderID, newFilledTotal)
		a.Persist.RecordFill(execID, wo.OrderID, wo.Symbol, wo.Side, fillDelta, fillPrice, wo.Strategy)
		a.Persist.SaveAllocation(wo.Symbol, wo.Strategy, alloc)
		a.Persist.RecordTradeLifecycle(wo.Symbol, wo.Strategy, lifecycleEvent(wo.Side, priorQty, alloc.Qty), fillDelta, fillPrice, realized)
		if wo.Side == broker.SideSell {
			a.Persist.SaveStrategyRisk(wo.Strategy, realized, len(a.Store.AllocationsForStrategy(wo.Strategy)))
		}
	}
	if a.Bus != nil {
		a.Bus.Publish(events.TopicFillApplied, map[string]any{
			"order_id": wo.OrderID,
			"symbol":   wo.Symbol,
			"side":     string(wo.Side),
			"qty":      fillDelta,
			"price":    fillPrice,
			"strategy": wo.Strategy,
		})
	}
}

// lifecycleEvent labels the fill's effect on the allocation.
func lifecycleEvent(side broker.Side, priorQty, newQty int64) string {
	if side == broker.SideBuy {
		if priorQty == 0 {
			return "OPEN"
		}
		return "SCALE_IN"
	}
	if newQty == 0 {
		return "CLOSE"
	}
	return "SCALE_OUT"
}

// Package planner translates an approved intent into a concrete order
// plan: order type, limit price, and cancel-after horizon.
package planner

import (
	"math"
	"time"

	"oms-core/internal/intent"
	"oms-core/pkg/broker"
)

// Plan is the concrete order the adapter should place.
type Plan struct {
	Symbol      string
	Side        broker.Side
	Qty         int64
	Type        broker.OrderType
	LimitPrice  float64
	StopPrice   float64
	CancelAfter time.Duration
	Strategy    string
	IntentID    string
}

// Offsets applied to the reference price when pricing aggressively.
const (
	marketableBuyOffset  = 1.002
	marketableSellOffset = 0.998
	stopLimitBuyOffset   = 1.003
)

// roundWon rounds a price to a whole won.
func roundWon(p float64) float64 { return math.Round(p) }

// PlanOrder builds the order plan for an approved ENTER, REDUCE, or
// SET_TARGET intent. qty is the risk-approved quantity; quote supplies
// the reference price.
func PlanOrder(it *intent.Intent, side broker.Side, qty int64, quote broker.Quote) Plan {
	p := Plan{
		Symbol:   it.Symbol,
		Side:     side,
		Qty:      qty,
		Strategy: it.Strategy,
		IntentID: it.ID,
	}

	if side == broker.SideBuy && it.Constraints.StopPrice > 0 {
		p.Type = broker.OrderTypeStopLimit
		p.StopPrice = roundWon(it.Constraints.StopPrice)
		if it.Constraints.LimitPrice > 0 {
			p.LimitPrice = roundWon(it.Constraints.LimitPrice)
		} else {
			p.LimitPrice = roundWon(it.Constraints.StopPrice * stopLimitBuyOffset)
		}
		p.CancelAfter = 30 * time.Second
		return p
	}

	switch it.Urgency {
	case intent.UrgencyHigh:
		p.Type = broker.OrderTypeMarketableLimit
		if side == broker.SideBuy {
			p.LimitPrice = roundWon(quote.Price * marketableBuyOffset)
		} else {
			p.LimitPrice = roundWon(quote.Price * marketableSellOffset)
		}
		p.CancelAfter = 10 * time.Second
	default:
		p.Type = broker.OrderTypeLimit
		if it.Constraints.LimitPrice > 0 {
			p.LimitPrice = roundWon(it.Constraints.LimitPrice)
		} else {
			p.LimitPrice = roundWon(quote.Price)
		}
		p.CancelAfter = 120 * time.Second
	}
	return p
}

// ExitPlan builds the plan for EXIT and FLATTEN: market out, with a
// short horizon so the reconciler notices stuck orders fast.
func ExitPlan(it *intent.Intent, qty int64) Plan {
	return Plan{
		Symbol:      it.Symbol,
		Side:        broker.SideSell,
		Qty:         qty,
		Type:        broker.OrderTypeMarket,
		CancelAfter: 5 * time.Second,
		Strategy:    it.Strategy,
		IntentID:    it.ID,
	}
}

// Request converts the plan into the broker request.
func (p Plan) Request() broker.OrderRequest {
	return broker.OrderRequest{
		Symbol:    p.Symbol,
		Side:      p.Side,
		Type:      p.Type,
		Qty:       p.Qty,
		Price:     p.LimitPrice,
		StopPrice: p.StopPrice,
		ClientRef: p.IntentID,
	}
}

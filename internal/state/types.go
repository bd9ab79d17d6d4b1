package state

import (
	"time"

	"oms-core/pkg/broker"
)

// UnknownStrategy owns allocation mass created by positive drift
// repair. It is never allowed to trade.
const UnknownStrategy = "_UNKNOWN_"

// OrderStatus is the OMS-side lifecycle state of a working order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderSubmitting OrderStatus = "SUBMITTING"
	OrderWorking    OrderStatus = "WORKING"
	OrderPartial    OrderStatus = "PARTIAL"
	OrderFilled     OrderStatus = "FILLED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderRejected   OrderStatus = "REJECTED"
	OrderExpired    OrderStatus = "EXPIRED"
	OrderFailed     OrderStatus = "FAILED"
)

// Allocation is a strategy's virtual share of a symbol's real position.
// Qty never goes below zero; CostBasis is the share-weighted average of
// buy fills.
type Allocation struct {
	Strategy  string    `json:"strategy"`
	Qty       int64     `json:"qty"`
	CostBasis float64   `json:"cost_basis"`
	EnteredAt time.Time `json:"entered_at,omitempty"`
	SoftStop  float64   `json:"soft_stop,omitempty"`
	TimeStop  time.Time `json:"time_stop,omitempty"`
}

// WorkingOrder is an order the OMS believes is live at the broker.
// Invariant: 0 <= FilledQty <= Qty.
type WorkingOrder struct {
	OrderID     string            `json:"order_id"`
	Symbol      string            `json:"symbol"`
	Side        broker.Side       `json:"side"`
	Qty         int64             `json:"qty"`
	FilledQty   int64             `json:"filled_qty"`
	LimitPrice  float64           `json:"limit_price,omitempty"`
	Type        broker.OrderType  `json:"type"`
	Status      OrderStatus       `json:"status"`
	Strategy    string            `json:"strategy"`
	IntentID    string            `json:"intent_id,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	CancelAfter time.Duration     `json:"cancel_after"`
	Branch      string            `json:"-"`
}

// Remaining returns the unfilled quantity.
func (w *WorkingOrder) Remaining() int64 {
	if w.FilledQty >= w.Qty {
		return 0
	}
	return w.Qty - w.FilledQty
}

// Position is all OMS state for one symbol. RealQty and AvgPrice come
// from the broker and are refreshed only by reconciliation.
type Position struct {
	Symbol          string                 `json:"symbol"`
	RealQty         int64                  `json:"real_qty"`
	AvgPrice        float64                `json:"avg_price"`
	Allocations     map[string]*Allocation `json:"allocations"`
	HardStop        float64                `json:"hard_stop,omitempty"`
	EntryLockOwner  string                 `json:"entry_lock_owner,omitempty"`
	EntryLockUntil  time.Time              `json:"entry_lock_until,omitempty"`
	CooldownUntil   time.Time              `json:"cooldown_until,omitempty"`
	VICooldownUntil time.Time              `json:"vi_cooldown_until,omitempty"`
	WorkingOrders   []*WorkingOrder        `json:"working_orders"`
	Frozen          bool                   `json:"frozen"`
}

// AllocatedQty sums allocation quantities across strategies.
func (p *Position) AllocatedQty() int64 {
	var sum int64
	for _, a := range p.Allocations {
		sum += a.Qty
	}
	return sum
}

// Drift is real quantity minus allocated quantity. Non-zero drift with
// no orders in flight freezes the symbol.
func (p *Position) Drift() int64 {
	return p.RealQty - p.AllocatedQty()
}

// Account holds portfolio-level scalars.
type Account struct {
	Equity           float64 `json:"equity"`
	BuyableCash      float64 `json:"buyable_cash"`
	DailyRealizedPnL float64 `json:"daily_realized_pnl"`
	DailyPnL         float64 `json:"daily_pnl"`
	DailyPnLPct      float64 `json:"daily_pnl_pct"`
}

// Package intent defines the trade-intent request model shared by the
// HTTP ingress and the pipeline.
package intent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KST is the exchange calendar zone; trade dates roll at midnight Seoul.
var KST = time.FixedZone("KST", 9*60*60)

// Kind enumerates what a strategy wants done.
type Kind string

const (
	KindEnter        Kind = "ENTER"
	KindReduce       Kind = "REDUCE"
	KindExit         Kind = "EXIT"
	KindSetTarget    Kind = "SET_TARGET"
	KindCancelOrders Kind = "CANCEL_ORDERS"
	KindModifyRisk   Kind = "MODIFY_RISK"
	KindFlatten      Kind = "FLATTEN"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEnter, KindReduce, KindExit, KindSetTarget, KindCancelOrders, KindModifyRisk, KindFlatten:
		return true
	}
	return false
}

// Urgency influences order type choice in the planner.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyNormal Urgency = "NORMAL"
	UrgencyHigh   Urgency = "HIGH"
)

// Horizon is planner/persistence metadata.
type Horizon string

const (
	HorizonIntraday Horizon = "INTRADAY"
	HorizonSwing    Horizon = "SWING"
)

// Confidence is the strategy's own label for the signal.
type Confidence string

const (
	ConfidenceGreen  Confidence = "GREEN"
	ConfidenceYellow Confidence = "YELLOW"
)

// Constraints are optional execution bounds supplied by the strategy.
type Constraints struct {
	MaxSlippageBps float64   `json:"max_slippage_bps,omitempty"`
	MaxSpreadBps   float64   `json:"max_spread_bps,omitempty"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	StopPrice      float64   `json:"stop_price,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// RiskPayload carries the strategy's risk view of the trade.
type RiskPayload struct {
	EntryPrice float64    `json:"entry_price,omitempty"`
	SoftStop   float64    `json:"soft_stop,omitempty"`
	HardStop   float64    `json:"hard_stop,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
	Confidence Confidence `json:"confidence,omitempty"`
}

// Intent is a strategy's declarative request to change position. It is
// immutable once admitted to the pipeline.
type Intent struct {
	ID         string      `json:"intent_id"`
	Strategy   string      `json:"strategy"`
	Symbol     string      `json:"symbol"`
	Kind       Kind        `json:"kind"`
	DesiredQty int64       `json:"desired_qty,omitempty"`
	TargetQty  *int64      `json:"target_qty,omitempty"`
	Urgency    Urgency     `json:"urgency,omitempty"`
	Horizon    Horizon     `json:"horizon,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`
	Risk       RiskPayload `json:"risk,omitempty"`
	SignalHash string      `json:"signal_hash,omitempty"`
	TradeDate  string      `json:"trade_date,omitempty"`
	CreatedAt  time.Time   `json:"created_at,omitempty"`
}

// Normalize mints server-side identity and fills defaults. Safe to call
// more than once.
func (i *Intent) Normalize(now time.Time) {
	i.Strategy = strings.ToUpper(strings.TrimSpace(i.Strategy))
	i.Symbol = strings.TrimSpace(i.Symbol)
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if i.Urgency == "" {
		i.Urgency = UrgencyNormal
	}
	if i.Horizon == "" {
		i.Horizon = HorizonIntraday
	}
	if i.TradeDate == "" {
		i.TradeDate = now.In(KST).Format("2006-01-02")
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
}

// IsEntry reports whether the intent unconditionally opens or grows a
// position. SET_TARGET can also buy; the risk gateway resolves that
// case against the current allocation.
func (i *Intent) IsEntry() bool { return i.Kind == KindEnter }

// IsExitKind reports whether the intent only closes exposure.
func (i *Intent) IsExitKind() bool {
	return i.Kind == KindExit || i.Kind == KindFlatten || i.Kind == KindReduce
}

// IdempotencyKey derives the deterministic key that identifies this
// logical intent within a trade date. Operational kinds embed the first
// 8 chars of the intent id so each call is unique.
func (i *Intent) IdempotencyKey() string {
	var suffix string
	switch i.Kind {
	case KindEnter:
		switch {
		case i.SignalHash != "":
			suffix = i.SignalHash
		case i.Risk.Rationale != "":
			suffix = i.Risk.Rationale
		default:
			suffix = "default"
		}
	case KindExit, KindReduce, KindFlatten:
		if i.Risk.Rationale != "" {
			suffix = i.Risk.Rationale
		} else {
			suffix = "manual"
		}
	default:
		suffix = i.ID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
	}

	qty := i.DesiredQty
	if i.TargetQty != nil {
		qty = *i.TargetQty
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%d", i.Strategy, i.Symbol, i.Kind, i.TradeDate, suffix, qty)
}

package intent

import "time"

// Status is the pipeline's verdict on an intent.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusApproved  Status = "APPROVED"
	StatusModified  Status = "MODIFIED"
	StatusRejected  Status = "REJECTED"
	StatusDeferred  Status = "DEFERRED"
	StatusExecuted  Status = "EXECUTED"
	StatusCancelled Status = "CANCELLED"
)

// Result is what the pipeline returns (and, for EXECUTED, caches under
// the idempotency key for the rest of the trade date).
type Result struct {
	IntentID      string    `json:"intent_id"`
	Status        Status    `json:"status"`
	Message       string    `json:"message,omitempty"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	ModifiedQty   int64     `json:"modified_qty,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	DeferUntil    time.Time `json:"defer_until,omitempty"`
}

// Rejected builds a REJECTED result for an intent.
func Rejected(id, msg string) Result {
	return Result{IntentID: id, Status: StatusRejected, Message: msg}
}

// Deferred builds a DEFERRED result for an intent.
func Deferred(id, msg string, until time.Time) Result {
	return Result{IntentID: id, Status: StatusDeferred, Message: msg, DeferUntil: until}
}

// Executed builds an EXECUTED result for an intent.
func Executed(id, msg string) Result {
	return Result{IntentID: id, Status: StatusExecuted, Message: msg}
}

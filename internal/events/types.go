package events

// Topic identifies an event stream on the bus.
type Topic string

const (
	TopicIntentResult   Topic = "intent.result"
	TopicOrderSubmitted Topic = "order.submitted"
	TopicOrderFilled    Topic = "order.filled"
	TopicOrderCancelled Topic = "order.cancelled"
	TopicFillApplied    Topic = "fill.applied"
	TopicDriftDetected  Topic = "drift.detected"
	TopicRiskAlert      Topic = "risk.alert"
	TopicReconcile      Topic = "reconcile.report"
)

// AllTopics lists every topic, for consumers that stream everything.
func AllTopics() []Topic {
	return []Topic{
		TopicIntentResult,
		TopicOrderSubmitted,
		TopicOrderFilled,
		TopicOrderCancelled,
		TopicFillApplied,
		TopicDriftDetected,
		TopicRiskAlert,
		TopicReconcile,
	}
}

// Envelope wraps a payload with its topic for fan-in consumers.
type Envelope struct {
	Topic   Topic `json:"topic"`
	Payload any   `json:"payload"`
}

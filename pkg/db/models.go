package db

import "time"

// IntentRow is one persisted intent with its result.
type IntentRow struct {
	ID             string
	IdempotencyKey string
	Strategy       string
	Symbol         string
	Kind           string
	Request        string // full intent JSON
	Status         string
	Message        string
	BrokerOrderID  string
	ModifiedQty    int64
	TradeDate      string
}

// OrderRow is one persisted order.
type OrderRow struct {
	ID          string
	IntentID    string
	Strategy    string
	Symbol      string
	Side        string
	OrderType   string
	Qty         int64
	FilledQty   int64
	LimitPrice  float64
	Status      string
	Branch      string
	SubmittedAt time.Time
}

// FillRow is one broker execution, unique by exec id.
type FillRow struct {
	ExecID   string
	OrderID  string
	Symbol   string
	Side     string
	Qty      int64
	Price    float64
	Strategy string
}

// PositionRow mirrors the broker-authoritative position.
type PositionRow struct {
	Symbol   string
	RealQty  int64
	AvgPrice float64
	HardStop float64
	Frozen   bool
}

// AllocationRow is a strategy's share of a position.
type AllocationRow struct {
	Symbol    string
	Strategy  string
	Qty       int64
	CostBasis float64
	SoftStop  float64
	EnteredAt time.Time
	TimeStop  time.Time
}

// PortfolioRiskRow is the per-day portfolio risk snapshot.
type PortfolioRiskRow struct {
	TradeDate        string
	Equity           float64
	BuyableCash      float64
	DailyRealizedPnL float64
	DailyPnL         float64
	DailyPnLPct      float64
}

// OMSStateRow is the singleton process heartbeat and flags.
type OMSStateRow struct {
	SafeMode      bool
	HaltEntries   bool
	Status        string
	LastHeartbeat time.Time
}

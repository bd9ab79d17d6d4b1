package broker

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the OMS plans with. A venue that
// cannot express one natively reports so via SupportsStopLimit and the
// adapter downgrades the plan.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeMarketableLimit OrderType = "MARKETABLE_LIMIT"
	OrderTypeStopLimit       OrderType = "STOP_LIMIT"
)

// OrderRequest captures an order to be sent to the broker.
type OrderRequest struct {
	Symbol    string
	Side      Side
	Type      OrderType
	Qty       int64
	Price     float64 // limit price; 0 for market
	StopPrice float64 // trigger for STOP_LIMIT
	ClientRef string  // local reference, carried in logs only; the venue is not assumed to honor it
}

// OrderResult returns the broker ack for a submitted order.
type OrderResult struct {
	OrderID string
	Branch  string // venue branch code, opaque; required for cancels/modifies
}

// Order is an order as the broker reports it.
type Order struct {
	OrderID   string
	Symbol    string
	Side      Side
	Qty       int64
	FilledQty int64
	Price     float64
	Status    string
	Branch    string
}

// Position is a holding as the broker reports it.
type Position struct {
	Symbol       string
	Qty          int64
	AvgPrice     float64
	CurrentPrice float64
}

// BalanceSnapshot bundles positions and account equity from a single
// broker call so the two cannot disagree.
type BalanceSnapshot struct {
	Positions []Position
	Equity    float64
}

// Quote is a current price snapshot for one symbol.
type Quote struct {
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
}

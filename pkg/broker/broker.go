package broker

import "context"

// Broker abstracts a brokerage venue. Query methods return an error
// when broker truth is unknown; callers must never read a failed call
// as "no positions/orders exist".
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol, branch string, remainingQty int64) error
	GetOrders(ctx context.Context) ([]Order, error)
	GetBalance(ctx context.Context) (BalanceSnapshot, error)
	GetBuyableCash(ctx context.Context) (float64, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	SupportsStopLimit() bool
}

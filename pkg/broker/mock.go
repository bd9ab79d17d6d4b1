package broker

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory Broker used by tests and by DRY_RUN mode.
// Orders rest open until a test (or the simulator) fills or removes
// them; nothing fills on its own.
type Mock struct {
	mu  sync.Mutex
	seq int

	quotes     map[string]Quote
	openOrders map[string]*Order
	positions  map[string]*Position
	equity     float64
	cash       float64
	stopLimit  bool

	// Error injection. SubmitErrs is consumed one per SubmitOrder call.
	SubmitErrs []error
	CancelErr  error
	OrdersErr  error
	BalanceErr error
	CashErr    error
	QuoteErr   error

	Submitted []OrderRequest
	Cancelled []string
}

// NewMock returns an empty mock broker.
func NewMock() *Mock {
	return &Mock{
		quotes:     make(map[string]Quote),
		openOrders: make(map[string]*Order),
		positions:  make(map[string]*Position),
	}
}

func (m *Mock) SubmitOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Submitted = append(m.Submitted, req)
	if len(m.SubmitErrs) > 0 {
		err := m.SubmitErrs[0]
		m.SubmitErrs = m.SubmitErrs[1:]
		if err != nil {
			return OrderResult{}, err
		}
	}

	m.seq++
	id := fmt.Sprintf("MOCK-%06d", m.seq)
	m.openOrders[id] = &Order{
		OrderID: id,
		Symbol:  req.Symbol,
		Side:    req.Side,
		Qty:     req.Qty,
		Price:   req.Price,
		Status:  "WORKING",
		Branch:  "00950",
	}
	return OrderResult{OrderID: id, Branch: "00950"}, nil
}

func (m *Mock) CancelOrder(_ context.Context, orderID, _, _ string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Cancelled = append(m.Cancelled, orderID)
	delete(m.openOrders, orderID)
	return nil
}

func (m *Mock) GetOrders(_ context.Context) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OrdersErr != nil {
		return nil, m.OrdersErr
	}
	out := make([]Order, 0, len(m.openOrders))
	for _, o := range m.openOrders {
		out = append(out, *o)
	}
	return out, nil
}

func (m *Mock) GetBalance(_ context.Context) (BalanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BalanceErr != nil {
		return BalanceSnapshot{}, m.BalanceErr
	}
	snap := BalanceSnapshot{Equity: m.equity}
	for _, p := range m.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	return snap, nil
}

func (m *Mock) GetBuyableCash(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CashErr != nil {
		return 0, m.CashErr
	}
	return m.cash, nil
}

func (m *Mock) GetQuote(_ context.Context, symbol string) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QuoteErr != nil {
		return Quote{}, m.QuoteErr
	}
	q, ok := m.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

func (m *Mock) SupportsStopLimit() bool { return m.stopLimit }

// --- test/simulation controls ---

// SetQuote arms the quote returned for a symbol.
func (m *Mock) SetQuote(symbol string, price, bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = Quote{Symbol: symbol, Price: price, Bid: bid, Ask: ask}
}

// SetPosition sets the broker-side position for a symbol.
func (m *Mock) SetPosition(symbol string, qty int64, avgPrice, currentPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = &Position{Symbol: symbol, Qty: qty, AvgPrice: avgPrice, CurrentPrice: currentPrice}
}

// SetEquity sets reported account equity.
func (m *Mock) SetEquity(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = v
}

// SetCash sets reported buyable cash.
func (m *Mock) SetCash(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cash = v
}

// SetStopLimitSupport toggles native stop-limit capability.
func (m *Mock) SetStopLimitSupport(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLimit = v
}

// AddOpenOrder injects an order as if it were already resting at the broker.
func (m *Mock) AddOpenOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.openOrders[o.OrderID] = &cp
}

// FillOrder marks filled quantity on a resting order.
func (m *Mock) FillOrder(orderID string, filledQty int64, fillPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.openOrders[orderID]
	if !ok {
		return
	}
	o.FilledQty = filledQty
	if fillPrice > 0 {
		o.Price = fillPrice
	}
	if o.FilledQty >= o.Qty {
		o.Status = "FILLED"
	}
}

// RemoveOrder makes the broker stop reporting an order.
func (m *Mock) RemoveOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openOrders, orderID)
}

// LastOrderID returns the id minted by the most recent submit.
func (m *Mock) LastOrderID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("MOCK-%06d", m.seq)
}

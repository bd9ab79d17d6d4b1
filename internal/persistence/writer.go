// Package persistence implements best-effort write-through. Every
// write is fire-and-forget from the trading paths: a single writer
// goroutine drains a bounded queue, and when the queue saturates the
// oldest writes are dropped and counted rather than blocking a trade.
package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"oms-core/internal/intent"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
	"oms-core/pkg/db"
)

const (
	queueSize    = 1024
	writeTimeout = 5 * time.Second
)

type job func(ctx context.Context, q *db.Queries) error

// Writer is the single write path to the database. A nil Writer (or a
// Writer over a nil database) degrades to a no-op; in-memory state
// stays truthful either way.
type Writer struct {
	queries *db.Queries
	jobs    chan job
	done    chan struct{}
	wg      sync.WaitGroup
	dropped uint64
}

// NewWriter starts the writer goroutine. database may be nil.
func NewWriter(database *db.Database) *Writer {
	w := &Writer{
		jobs: make(chan job, queueSize),
		done: make(chan struct{}),
	}
	if database != nil && database.DB != nil {
		w.queries = db.NewQueries(database.DB)
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.jobs:
			w.execute(j)
		case <-w.done:
			// Drain what is queued, then stop.
			for {
				select {
				case j := <-w.jobs:
					w.execute(j)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) execute(j job) {
	if w.queries == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j(ctx, w.queries); err != nil {
		log.Warnf("persistence write failed: %v", err)
	}
}

// enqueue never blocks: on a full queue the oldest job is dropped and
// counted.
func (w *Writer) enqueue(j job) {
	if w == nil || w.queries == nil {
		return
	}
	select {
	case w.jobs <- j:
		return
	default:
	}
	select {
	case <-w.jobs:
		atomic.AddUint64(&w.dropped, 1)
	default:
	}
	select {
	case w.jobs <- j:
	default:
		atomic.AddUint64(&w.dropped, 1)
	}
}

// Dropped reports how many writes were lost to queue saturation.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return atomic.LoadUint64(&w.dropped)
}

// Close drains the queue and stops the writer goroutine.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	close(w.done)
	w.wg.Wait()
}

func tradeDate() string {
	return time.Now().In(intent.KST).Format("2006-01-02")
}

// RecordIntent persists the intent with its result.
func (w *Writer) RecordIntent(it *intent.Intent, res intent.Result) {
	raw, _ := json.Marshal(it)
	row := db.IntentRow{
		ID:             it.ID,
		IdempotencyKey: it.IdempotencyKey(),
		Strategy:       it.Strategy,
		Symbol:         it.Symbol,
		Kind:           string(it.Kind),
		Request:        string(raw),
		Status:         string(res.Status),
		Message:        res.Message,
		BrokerOrderID:  res.BrokerOrderID,
		ModifiedQty:    res.ModifiedQty,
		TradeDate:      it.TradeDate,
	}
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.InsertIntent(ctx, row)
	})
}

// RecordOrder persists or refreshes a working order.
func (w *Writer) RecordOrder(wo state.WorkingOrder) {
	row := db.OrderRow{
		ID:          wo.OrderID,
		IntentID:    wo.IntentID,
		Strategy:    wo.Strategy,
		Symbol:      wo.Symbol,
		Side:        string(wo.Side),
		OrderType:   string(wo.Type),
		Qty:         wo.Qty,
		FilledQty:   wo.FilledQty,
		LimitPrice:  wo.LimitPrice,
		Status:      string(wo.Status),
		Branch:      wo.Branch,
		SubmittedAt: wo.SubmittedAt,
	}
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.UpsertOrder(ctx, row)
	})
}

// RecordOrderEvent appends a lifecycle transition.
func (w *Writer) RecordOrderEvent(orderID, symbol, event, detail string) {
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.InsertOrderEvent(ctx, orderID, symbol, event, detail)
	})
}

// RecordFill persists one execution, idempotent by exec id.
func (w *Writer) RecordFill(execID, orderID, symbol string, side broker.Side, qty int64, price float64, strategy string) {
	row := db.FillRow{
		ExecID:   execID,
		OrderID:  orderID,
		Symbol:   symbol,
		Side:     string(side),
		Qty:      qty,
		Price:    price,
		Strategy: strategy,
	}
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.InsertFill(ctx, row)
	})
}

// SaveAllocation mirrors a strategy allocation.
func (w *Writer) SaveAllocation(symbol, strategy string, alloc state.Allocation) {
	row := db.AllocationRow{
		Symbol:    symbol,
		Strategy:  strategy,
		Qty:       alloc.Qty,
		CostBasis: alloc.CostBasis,
		SoftStop:  alloc.SoftStop,
		EnteredAt: alloc.EnteredAt,
		TimeStop:  alloc.TimeStop,
	}
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.UpsertAllocation(ctx, row)
	})
}

// SavePosition mirrors the broker-authoritative position.
func (w *Writer) SavePosition(pos state.Position) {
	row := db.PositionRow{
		Symbol:   pos.Symbol,
		RealQty:  pos.RealQty,
		AvgPrice: pos.AvgPrice,
		HardStop: pos.HardStop,
		Frozen:   pos.Frozen,
	}
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.UpsertPosition(ctx, row)
	})
}

// SaveDailyRisk persists the per-day portfolio risk snapshot.
func (w *Writer) SaveDailyRisk(acct state.Account) {
	row := db.PortfolioRiskRow{
		TradeDate:        tradeDate(),
		Equity:           acct.Equity,
		BuyableCash:      acct.BuyableCash,
		DailyRealizedPnL: acct.DailyRealizedPnL,
		DailyPnL:         acct.DailyPnL,
		DailyPnLPct:      acct.DailyPnLPct,
	}
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.UpsertPortfolioRisk(ctx, row)
	})
}

// SaveStrategyRisk accumulates per-strategy daily realized P&L.
func (w *Writer) SaveStrategyRisk(strategy string, realizedDelta float64, positions int) {
	date := tradeDate()
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.UpsertStrategyRisk(ctx, date, strategy, realizedDelta, positions)
	})
}

// StrategyHeartbeat refreshes a strategy's liveness timestamp.
func (w *Writer) StrategyHeartbeat(strategy string) {
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.TouchStrategyHeartbeat(ctx, strategy)
	})
}

// Heartbeat refreshes the singleton OMS heartbeat.
func (w *Writer) Heartbeat(status string) {
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.TouchHeartbeat(ctx, status)
	})
}

// SaveOMSState persists the safe-mode and halt flags.
func (w *Writer) SaveOMSState(safeMode, haltEntries bool, status string) {
	row := db.OMSStateRow{SafeMode: safeMode, HaltEntries: haltEntries, Status: status}
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.UpsertOMSState(ctx, row)
	})
}

// RecordRecon appends a reconciliation event.
func (w *Writer) RecordRecon(kind, symbol, detail string) {
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.InsertReconLog(ctx, kind, symbol, detail)
	})
}

// RecordTradeLifecycle appends an open/scale/close event.
func (w *Writer) RecordTradeLifecycle(symbol, strategy, event string, qty int64, price, realized float64) {
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.InsertTradeLifecycle(ctx, symbol, strategy, event, qty, price, realized)
	})
}

// MarkExcursion widens the MAE/MFE band for an open allocation.
func (w *Writer) MarkExcursion(symbol, strategy string, costBasis, price float64) {
	date := tradeDate()
	w.enqueue(func(ctx context.Context, q *db.Queries) error {
		return q.MarkExcursion(ctx, date, symbol, strategy, costBasis, price)
	})
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Queries bundles all statements the OMS issues against the store.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance over an open handle.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Write path (fire-and-forget from the writer goroutine)
// ----------------------------------------

// InsertIntent records an intent together with its final result.
func (q *Queries) InsertIntent(ctx context.Context, r IntentRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO intents
			(id, idempotency_key, strategy, symbol, kind, request, status, message, broker_order_id, modified_qty, trade_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.IdempotencyKey, r.Strategy, r.Symbol, r.Kind, r.Request, r.Status, r.Message, r.BrokerOrderID, r.ModifiedQty, r.TradeDate)
	return err
}

// UpsertOrder records or refreshes an order row.
func (q *Queries) UpsertOrder(ctx context.Context, r OrderRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, intent_id, strategy, symbol, side, order_type, qty, filled_qty, limit_price, status, branch, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filled_qty = excluded.filled_qty,
			status = excluded.status,
			branch = excluded.branch
	`, r.ID, r.IntentID, r.Strategy, r.Symbol, r.Side, r.OrderType, r.Qty, r.FilledQty, r.LimitPrice, r.Status, r.Branch, r.SubmittedAt)
	return err
}

// InsertOrderEvent appends a lifecycle transition for an order.
func (q *Queries) InsertOrderEvent(ctx context.Context, orderID, symbol, event, detail string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO order_events (order_id, symbol, event, detail) VALUES (?, ?, ?, ?)
	`, orderID, symbol, event, detail)
	return err
}

// InsertFill records an execution. Replays of the same exec id are
// ignored, which makes fill persistence idempotent across cycles.
func (q *Queries) InsertFill(ctx context.Context, r FillRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (exec_id, order_id, symbol, side, qty, price, strategy)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ExecID, r.OrderID, r.Symbol, r.Side, r.Qty, r.Price, r.Strategy)
	return err
}

// UpsertPosition mirrors the broker-authoritative position.
func (q *Queries) UpsertPosition(ctx context.Context, r PositionRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, real_qty, avg_price, hard_stop, frozen, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			real_qty = excluded.real_qty,
			avg_price = excluded.avg_price,
			hard_stop = excluded.hard_stop,
			frozen = excluded.frozen,
			updated_at = CURRENT_TIMESTAMP
	`, r.Symbol, r.RealQty, r.AvgPrice, r.HardStop, r.Frozen)
	return err
}

// UpsertAllocation mirrors a strategy allocation. Zero-quantity rows
// are kept for the audit trail.
func (q *Queries) UpsertAllocation(ctx context.Context, r AllocationRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO allocations (symbol, strategy, qty, cost_basis, soft_stop, entered_at, time_stop, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol, strategy) DO UPDATE SET
			qty = excluded.qty,
			cost_basis = excluded.cost_basis,
			soft_stop = excluded.soft_stop,
			entered_at = excluded.entered_at,
			time_stop = excluded.time_stop,
			updated_at = CURRENT_TIMESTAMP
	`, r.Symbol, r.Strategy, r.Qty, r.CostBasis, r.SoftStop, nullTime(r.EnteredAt), nullTime(r.TimeStop))
	return err
}

// UpsertPortfolioRisk records the per-day portfolio risk snapshot.
func (q *Queries) UpsertPortfolioRisk(ctx context.Context, r PortfolioRiskRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO portfolio_risk_daily (trade_date, equity, buyable_cash, daily_realized_pnl, daily_pnl, daily_pnl_pct, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(trade_date) DO UPDATE SET
			equity = excluded.equity,
			buyable_cash = excluded.buyable_cash,
			daily_realized_pnl = excluded.daily_realized_pnl,
			daily_pnl = excluded.daily_pnl,
			daily_pnl_pct = excluded.daily_pnl_pct,
			updated_at = CURRENT_TIMESTAMP
	`, r.TradeDate, r.Equity, r.BuyableCash, r.DailyRealizedPnL, r.DailyPnL, r.DailyPnLPct)
	return err
}

// UpsertStrategyRisk accumulates per-day per-strategy realized P&L.
func (q *Queries) UpsertStrategyRisk(ctx context.Context, tradeDate, strategy string, realizedDelta float64, positions int) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_risk_daily (trade_date, strategy, realized_pnl, positions, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(trade_date, strategy) DO UPDATE SET
			realized_pnl = realized_pnl + excluded.realized_pnl,
			positions = excluded.positions,
			updated_at = CURRENT_TIMESTAMP
	`, tradeDate, strategy, realizedDelta, positions)
	return err
}

// TouchStrategyHeartbeat updates a strategy's liveness timestamp.
func (q *Queries) TouchStrategyHeartbeat(ctx context.Context, strategy string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_state (strategy, last_heartbeat) VALUES (?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy) DO UPDATE SET last_heartbeat = CURRENT_TIMESTAMP
	`, strategy)
	return err
}

// UpsertOMSState writes the singleton heartbeat and flags.
func (q *Queries) UpsertOMSState(ctx context.Context, r OMSStateRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO oms_state (id, safe_mode, halt_entries, status, last_heartbeat)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			safe_mode = excluded.safe_mode,
			halt_entries = excluded.halt_entries,
			status = excluded.status,
			last_heartbeat = CURRENT_TIMESTAMP
	`, r.SafeMode, r.HaltEntries, r.Status)
	return err
}

// TouchHeartbeat refreshes the singleton heartbeat without disturbing
// the persisted flags.
func (q *Queries) TouchHeartbeat(ctx context.Context, status string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO oms_state (id, status, last_heartbeat) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, last_heartbeat = CURRENT_TIMESTAMP
	`, status)
	return err
}

// InsertReconLog appends a reconciliation event.
func (q *Queries) InsertReconLog(ctx context.Context, kind, symbol, detail string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reconciliation_log (kind, symbol, detail) VALUES (?, ?, ?)
	`, kind, symbol, detail)
	return err
}

// InsertTradeLifecycle appends an open/close/scale event.
func (q *Queries) InsertTradeLifecycle(ctx context.Context, symbol, strategy, event string, qty int64, price, realized float64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trade_lifecycle (symbol, strategy, event, qty, price, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?)
	`, symbol, strategy, event, qty, price, realized)
	return err
}

// MarkExcursion widens the MAE/MFE price band for an open allocation.
func (q *Queries) MarkExcursion(ctx context.Context, tradeDate, symbol, strategy string, costBasis, price float64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO excursion_marks (trade_date, symbol, strategy, cost_basis, low_price, high_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(trade_date, symbol, strategy) DO UPDATE SET
			low_price = MIN(low_price, excluded.low_price),
			high_price = MAX(high_price, excluded.high_price),
			updated_at = CURRENT_TIMESTAMP
	`, tradeDate, symbol, strategy, costBasis, price, price)
	return err
}

// ----------------------------------------
// Warm-start reads
// ----------------------------------------

// LoadPositions returns every persisted position.
func (q *Queries) LoadPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT symbol, real_qty, avg_price, COALESCE(hard_stop, 0), frozen FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		if err := rows.Scan(&r.Symbol, &r.RealQty, &r.AvgPrice, &r.HardStop, &r.Frozen); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadAllocations returns every persisted allocation with quantity > 0.
func (q *Queries) LoadAllocations(ctx context.Context) ([]AllocationRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT symbol, strategy, qty, cost_basis, COALESCE(soft_stop, 0), entered_at, time_stop
		FROM allocations WHERE qty > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []AllocationRow
	for rows.Next() {
		var r AllocationRow
		var entered, timeStop sql.NullTime
		if err := rows.Scan(&r.Symbol, &r.Strategy, &r.Qty, &r.CostBasis, &r.SoftStop, &entered, &timeStop); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		r.EnteredAt = entered.Time
		r.TimeStop = timeStop.Time
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadOpenOrders returns orders persisted in a non-terminal status.
func (q *Queries) LoadOpenOrders(ctx context.Context) ([]OrderRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, COALESCE(intent_id, ''), strategy, symbol, side, order_type, qty,
		       COALESCE(filled_qty, 0), COALESCE(limit_price, 0), status, COALESCE(branch, ''), submitted_at
		FROM orders
		WHERE status IN ('WORKING', 'PARTIAL', 'SUBMITTING')
	`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var r OrderRow
		var submitted sql.NullTime
		if err := rows.Scan(&r.ID, &r.IntentID, &r.Strategy, &r.Symbol, &r.Side, &r.OrderType,
			&r.Qty, &r.FilledQty, &r.LimitPrice, &r.Status, &r.Branch, &submitted); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		r.SubmittedAt = submitted.Time
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadOMSState returns the singleton flags row, if present.
func (q *Queries) LoadOMSState(ctx context.Context) (OMSStateRow, bool, error) {
	var r OMSStateRow
	var hb sql.NullTime
	err := q.db.QueryRowContext(ctx, `
		SELECT safe_mode, halt_entries, COALESCE(status, ''), last_heartbeat FROM oms_state WHERE id = 1
	`).Scan(&r.SafeMode, &r.HaltEntries, &r.Status, &hb)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("query oms state: %w", err)
	}
	r.LastHeartbeat = hb.Time
	return r, true, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

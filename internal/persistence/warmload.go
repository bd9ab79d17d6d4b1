package persistence

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
	"oms-core/pkg/db"
)

// warmOrderTimeout bounds orders restored from disk: their original
// cancel-after horizon is gone, so the first reconciliation cycles
// either confirm or cancel them.
const warmOrderTimeout = 60 * time.Second

// WarmLoad restores positions, allocations, working orders, and OMS
// flags into memory at startup. Runs synchronously before trading.
func WarmLoad(ctx context.Context, database *db.Database, store *state.Store, gw *risk.Gateway) error {
	if database == nil || database.DB == nil {
		return nil
	}
	q := db.NewQueries(database.DB)

	positions, err := q.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("warm load positions: %w", err)
	}
	for _, p := range positions {
		store.SetRealPosition(p.Symbol, p.RealQty, p.AvgPrice)
		if p.HardStop > 0 {
			store.SetHardStop(p.Symbol, p.HardStop)
		}
		if p.Frozen {
			store.SetFrozen(p.Symbol, true)
		}
	}

	allocations, err := q.LoadAllocations(ctx)
	if err != nil {
		return fmt.Errorf("warm load allocations: %w", err)
	}
	for _, a := range allocations {
		store.RestoreAllocation(a.Symbol, state.Allocation{
			Strategy:  a.Strategy,
			Qty:       a.Qty,
			CostBasis: a.CostBasis,
			SoftStop:  a.SoftStop,
			EnteredAt: a.EnteredAt,
			TimeStop:  a.TimeStop,
		})
	}

	orders, err := q.LoadOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("warm load orders: %w", err)
	}
	for _, o := range orders {
		store.AddWorkingOrder(o.Symbol, &state.WorkingOrder{
			OrderID:     o.ID,
			Symbol:      o.Symbol,
			Side:        broker.Side(o.Side),
			Qty:         o.Qty,
			FilledQty:   o.FilledQty,
			LimitPrice:  o.LimitPrice,
			Type:        broker.OrderType(o.OrderType),
			Status:      state.OrderStatus(o.Status),
			Strategy:    o.Strategy,
			IntentID:    o.IntentID,
			SubmittedAt: o.SubmittedAt,
			CancelAfter: warmOrderTimeout,
			Branch:      o.Branch,
		})
	}

	flags, ok, err := q.LoadOMSState(ctx)
	if err != nil {
		return fmt.Errorf("warm load oms state: %w", err)
	}
	if ok {
		gw.SetSafeMode(flags.SafeMode)
		gw.SetHaltEntries(flags.HaltEntries)
	}

	log.Infof("warm load: %d positions, %d allocations, %d working orders", len(positions), len(allocations), len(orders))
	return nil
}

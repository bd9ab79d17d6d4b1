package persistence

import (
	"context"
	"testing"
	"time"

	"oms-core/internal/intent"
	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
	"oms-core/pkg/db"
)

func testWriter(t *testing.T) (*Writer, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return NewWriter(database), database
}

func TestWriterPersistsThroughClose(t *testing.T) {
	w, database := testWriter(t)

	it := &intent.Intent{ID: "i1", Strategy: "KMP", Symbol: "005930", Kind: intent.KindEnter, DesiredQty: 100, TradeDate: "2026-03-02"}
	w.RecordIntent(it, intent.Result{IntentID: "i1", Status: intent.StatusExecuted, BrokerOrderID: "KIS-1"})
	w.RecordOrder(state.WorkingOrder{OrderID: "KIS-1", Symbol: "005930", Side: broker.SideBuy, Qty: 100, Status: state.OrderWorking, Strategy: "KMP", SubmittedAt: time.Now()})
	w.RecordFill("KIS-1-50", "KIS-1", "005930", broker.SideBuy, 50, 72000, "KMP")
	w.SaveAllocation("005930", "KMP", state.Allocation{Strategy: "KMP", Qty: 50, CostBasis: 72000})
	w.Close()

	ctx := context.Background()
	q := db.NewQueries(database.DB)

	open, err := q.LoadOpenOrders(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("open orders=%d err=%v", len(open), err)
	}
	allocs, err := q.LoadAllocations(ctx)
	if err != nil || len(allocs) != 1 || allocs[0].Qty != 50 {
		t.Fatalf("allocations=%+v err=%v", allocs, err)
	}

	var fills int
	if err := database.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM fills`).Scan(&fills); err != nil {
		t.Fatalf("count fills: %v", err)
	}
	if fills != 1 {
		t.Fatalf("fills=%d", fills)
	}
	var status string
	if err := database.DB.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = 'i1'`).Scan(&status); err != nil {
		t.Fatalf("select intent: %v", err)
	}
	if status != "EXECUTED" {
		t.Fatalf("status=%q", status)
	}
}

func TestNilWriterIsNoOp(t *testing.T) {
	var w *Writer
	// Must not panic anywhere.
	w.RecordOrderEvent("KIS-1", "005930", "CANCELLED", "")
	w.Heartbeat("ok")
	if w.Dropped() != 0 {
		t.Fatalf("Dropped on nil writer")
	}
	w.Close()
}

func TestWriterWithoutDatabaseIsNoOp(t *testing.T) {
	w := NewWriter(nil)
	defer w.Close()
	w.RecordRecon("DRIFT", "005930", "test")
	w.Heartbeat("ok")
	if w.Dropped() != 0 {
		t.Fatalf("no-op writer counted drops")
	}
}

func TestWarmLoad(t *testing.T) {
	w, database := testWriter(t)

	w.SavePosition(state.Position{Symbol: "005930", RealQty: 100, AvgPrice: 72000, HardStop: 69800, Frozen: true})
	w.SaveAllocation("005930", "KMP", state.Allocation{Strategy: "KMP", Qty: 100, CostBasis: 72000, EnteredAt: time.Now()})
	w.RecordOrder(state.WorkingOrder{OrderID: "KIS-1", Symbol: "005930", Side: broker.SideBuy, Qty: 100, FilledQty: 30, Status: state.OrderPartial, Strategy: "KMP", SubmittedAt: time.Now()})
	w.SaveOMSState(true, true, "degraded")
	w.Close()

	store := state.NewStore()
	gw := risk.NewGateway(risk.DefaultConfig(), store)
	if err := WarmLoad(context.Background(), database, store, gw); err != nil {
		t.Fatalf("WarmLoad: %v", err)
	}

	p := store.Snapshot("005930")
	if p.RealQty != 100 || p.AvgPrice != 72000 || !p.Frozen || p.HardStop != 69800 {
		t.Fatalf("position=%+v", p)
	}
	if a := p.Allocations["KMP"]; a == nil || a.Qty != 100 || a.CostBasis != 72000 {
		t.Fatalf("allocations=%+v", p.Allocations)
	}
	wos := store.WorkingOrders("005930")
	if len(wos) != 1 || wos[0].FilledQty != 30 {
		t.Fatalf("working orders=%+v", wos)
	}
	if !gw.SafeMode() || !gw.HaltEntries() {
		t.Fatalf("flags not restored: safe=%v halt=%v", gw.SafeMode(), gw.HaltEntries())
	}
}

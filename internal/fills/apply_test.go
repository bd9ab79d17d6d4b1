package fills

import (
	"math"
	"testing"

	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
)

type recordedFill struct {
	ExecID  string
	OrderID string
	Qty     int64
	Price   float64
}

type fakeRecorder struct {
	fills      []recordedFill
	lifecycles []string
	riskSaves  int
}

func (f *fakeRecorder) RecordFill(execID, orderID, symbol string, side broker.Side, qty int64, price float64, strategy string) {
	f.fills = append(f.fills, recordedFill{ExecID: execID, OrderID: orderID, Qty: qty, Price: price})
}
func (f *fakeRecorder) SaveAllocation(symbol, strategy string, alloc state.Allocation) {}
func (f *fakeRecorder) RecordTradeLifecycle(symbol, strategy, event string, qty int64, price, realized float64) {
	f.lifecycles = append(f.lifecycles, event)
}
func (f *fakeRecorder) SaveStrategyRisk(strategy string, realizedDelta float64, positions int) {
	f.riskSaves++
}

func testApplier() (*Applier, *state.Store, *fakeRecorder) {
	store := state.NewStore()
	rec := &fakeRecorder{}
	return &Applier{
		Store:   store,
		Sector:  risk.NewSectorTracker(map[string]string{"005930": "TECH"}, true),
		Persist: rec,
	}, store, rec
}

func buyOrder(id string, qty int64) state.WorkingOrder {
	return state.WorkingOrder{OrderID: id, Symbol: "005930", Side: broker.SideBuy, Qty: qty, Strategy: "KMP"}
}

func sellOrder(id string, qty int64) state.WorkingOrder {
	return state.WorkingOrder{OrderID: id, Symbol: "005930", Side: broker.SideSell, Qty: qty, Strategy: "KMP"}
}

func TestApplyBuyFill(t *testing.T) {
	a, store, rec := testApplier()

	a.Apply(buyOrder("O1", 100), 60, 70000, 60)
	alloc, ok := store.Allocation("005930", "KMP")
	if !ok || alloc.Qty != 60 || alloc.CostBasis != 70000 {
		t.Fatalf("allocation=%+v ok=%v", alloc, ok)
	}
	// Real quantity belongs to reconciliation, never to fills.
	if store.Snapshot("005930").RealQty != 0 {
		t.Fatalf("fill apply touched RealQty")
	}

	if len(rec.fills) != 1 || rec.fills[0].ExecID != "O1-60" {
		t.Fatalf("recorded fills=%+v", rec.fills)
	}
	if rec.lifecycles[0] != "OPEN" {
		t.Fatalf("lifecycle=%s, expected OPEN", rec.lifecycles[0])
	}

	a.Apply(buyOrder("O1", 100), 40, 71000, 100)
	alloc, _ = store.Allocation("005930", "KMP")
	if alloc.Qty != 100 {
		t.Fatalf("Qty=%d", alloc.Qty)
	}
	want := (70000.0*60 + 71000.0*40) / 100
	if math.Abs(alloc.CostBasis-want) > 1e-9 {
		t.Fatalf("CostBasis=%v, expected %v", alloc.CostBasis, want)
	}
	if rec.lifecycles[1] != "SCALE_IN" {
		t.Fatalf("lifecycle=%s, expected SCALE_IN", rec.lifecycles[1])
	}
}

func TestApplySellFillRealizesPnL(t *testing.T) {
	a, store, rec := testApplier()
	store.UpdateAllocation("005930", "KMP", 100, 70000)

	a.Apply(sellOrder("O2", 40), 40, 72000, 40)

	alloc, _ := store.Allocation("005930", "KMP")
	if alloc.Qty != 60 {
		t.Fatalf("Qty=%d, expected 60", alloc.Qty)
	}
	wantPnL := (72000.0 - 70000.0) * 40
	if got := store.Account().DailyRealizedPnL; got != wantPnL {
		t.Fatalf("DailyRealizedPnL=%v, expected %v", got, wantPnL)
	}
	if rec.lifecycles[0] != "SCALE_OUT" {
		t.Fatalf("lifecycle=%s, expected SCALE_OUT", rec.lifecycles[0])
	}
	if rec.riskSaves != 1 {
		t.Fatalf("strategy risk saves=%d, expected 1 on sell", rec.riskSaves)
	}

	a.Apply(sellOrder("O3", 60), 60, 69000, 60)
	if alloc, _ := store.Allocation("005930", "KMP"); alloc.Qty != 0 {
		t.Fatalf("Qty=%d after close, expected 0", alloc.Qty)
	}
	if rec.lifecycles[1] != "CLOSE" {
		t.Fatalf("lifecycle=%s, expected CLOSE", rec.lifecycles[1])
	}
	wantPnL += (69000.0 - 70000.0) * 60
	if got := store.Account().DailyRealizedPnL; got != wantPnL {
		t.Fatalf("DailyRealizedPnL=%v, expected %v", got, wantPnL)
	}
}

// The exec id is derived from the order id and the filled total, so
// replaying the same broker snapshot produces the same id and the
// persistence layer's INSERT OR IGNORE keeps one row.
func TestExecIDDeterministic(t *testing.T) {
	a, _, rec := testApplier()
	a.Apply(buyOrder("O1", 100), 60, 70000, 60)
	a2, _, rec2 := testApplier()
	a2.Apply(buyOrder("O1", 100), 60, 70000, 60)

	if rec.fills[0].ExecID != rec2.fills[0].ExecID {
		t.Fatalf("exec ids differ: %s vs %s", rec.fills[0].ExecID, rec2.fills[0].ExecID)
	}
}

func TestApplyIgnoresNonPositiveDelta(t *testing.T) {
	a, store, rec := testApplier()
	a.Apply(buyOrder("O1", 100), 0, 70000, 0)
	a.Apply(buyOrder("O1", 100), -5, 70000, 0)

	if _, ok := store.Allocation("005930", "KMP"); ok {
		t.Fatalf("zero delta created an allocation")
	}
	if len(rec.fills) != 0 {
		t.Fatalf("zero delta recorded fills: %+v", rec.fills)
	}
}

func TestSectorNotionalFollowsFills(t *testing.T) {
	a, _, _ := testApplier()
	a.Sector.Reserve("005930", 7_000_000)

	a.Apply(buyOrder("O1", 100), 100, 70000, 100)
	if _, notional := a.Sector.Exposure("TECH"); notional != 7_000_000 {
		t.Fatalf("sector notional=%v, expected reservation converted to open 7e6", notional)
	}

	a.Apply(sellOrder("O2", 100), 100, 70000, 100)
	if _, notional := a.Sector.Exposure("TECH"); notional != 0 {
		t.Fatalf("sector notional=%v after close, expected 0", notional)
	}
}

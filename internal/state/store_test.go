package state

import (
	"math"
	"testing"
	"time"
)

func TestUpdateAllocationCostBasis(t *testing.T) {
	s := NewStore()

	// Buys at different prices produce a share-weighted basis.
	s.UpdateAllocation("005930", "KMP", 100, 70000)
	a := s.UpdateAllocation("005930", "KMP", 50, 71500)

	want := (70000.0*100 + 71500.0*50) / 150
	if a.Qty != 150 {
		t.Fatalf("Qty=%d, expected 150", a.Qty)
	}
	if math.Abs(a.CostBasis-want) > 1e-9 {
		t.Fatalf("CostBasis=%v, expected %v", a.CostBasis, want)
	}

	// Selling leaves the basis untouched.
	a = s.UpdateAllocation("005930", "KMP", -50, 72000)
	if a.Qty != 100 {
		t.Fatalf("Qty after sell=%d, expected 100", a.Qty)
	}
	if math.Abs(a.CostBasis-want) > 1e-9 {
		t.Fatalf("CostBasis changed on sell: %v, expected %v", a.CostBasis, want)
	}

	// Crossing to zero clears the basis and entry timestamp.
	a = s.UpdateAllocation("005930", "KMP", -200, 72000)
	if a.Qty != 0 {
		t.Fatalf("Qty floored at %d, expected 0", a.Qty)
	}
	if a.CostBasis != 0 {
		t.Fatalf("CostBasis=%v after flat, expected 0", a.CostBasis)
	}
	if !a.EnteredAt.IsZero() {
		t.Fatalf("EnteredAt not cleared after flat")
	}
}

func TestUpdateAllocationZeroBasisIgnored(t *testing.T) {
	s := NewStore()
	s.UpdateAllocation("005930", "KMP", 100, 70000)
	a := s.UpdateAllocation("005930", "KMP", 50, 0)

	if a.Qty != 150 {
		t.Fatalf("Qty=%d, expected 150", a.Qty)
	}
	if a.CostBasis != 70000 {
		t.Fatalf("CostBasis=%v, expected unchanged 70000", a.CostBasis)
	}
}

func TestEntryLockExclusivity(t *testing.T) {
	s := NewStore()
	until := time.Now().Add(time.Minute)

	if !s.SetEntryLock("005930", "KMP", until) {
		t.Fatalf("first lock acquisition failed")
	}
	if s.SetEntryLock("005930", "GAP", until) {
		t.Fatalf("second strategy acquired a held lock")
	}
	// Re-acquisition by the owner refreshes the lease.
	if !s.SetEntryLock("005930", "KMP", until.Add(time.Minute)) {
		t.Fatalf("owner could not refresh its own lock")
	}

	// Non-owner release is a no-op.
	s.ReleaseEntryLock("005930", "GAP")
	owner, _ := s.EntryLock("005930")
	if owner != "KMP" {
		t.Fatalf("non-owner release cleared the lock, owner=%q", owner)
	}

	s.ReleaseEntryLock("005930", "KMP")
	if !s.SetEntryLock("005930", "GAP", until) {
		t.Fatalf("lock not available after owner release")
	}
}

func TestEntryLockExpiry(t *testing.T) {
	s := NewStore()
	if !s.SetEntryLock("005930", "KMP", time.Now().Add(-time.Second)) {
		t.Fatalf("lock acquisition failed")
	}
	if !s.SetEntryLock("005930", "GAP", time.Now().Add(time.Minute)) {
		t.Fatalf("expired lock blocked a new acquisition")
	}
}

func TestDriftArithmetic(t *testing.T) {
	s := NewStore()
	s.SetRealPosition("005930", 150, 70000)
	s.UpdateAllocation("005930", "KMP", 100, 70000)

	p := s.Snapshot("005930")
	if p.AllocatedQty() != 100 {
		t.Fatalf("AllocatedQty=%d, expected 100", p.AllocatedQty())
	}
	if p.Drift() != 50 {
		t.Fatalf("Drift=%d, expected 50", p.Drift())
	}

	s.UpdateAllocation("005930", "GAP", 80, 70000)
	p = s.Snapshot("005930")
	if p.Drift() != -30 {
		t.Fatalf("Drift=%d, expected -30", p.Drift())
	}
}

func TestResolveDriftReassign(t *testing.T) {
	s := NewStore()
	s.SetRealPosition("005930", 150, 70000)
	s.UpdateAllocation("005930", "KMP", 100, 70000)
	s.UpdateAllocation("005930", UnknownStrategy, 50, 71000)
	s.SetFrozen("005930", true)

	if !s.ResolveDrift("005930", "reassign", "KMP") {
		t.Fatalf("reassign failed")
	}
	p := s.Snapshot("005930")
	if p.Frozen {
		t.Fatalf("symbol still frozen after resolution")
	}
	if _, ok := p.Allocations[UnknownStrategy]; ok {
		t.Fatalf("%s allocation survived reassign", UnknownStrategy)
	}
	a := p.Allocations["KMP"]
	if a.Qty != 150 {
		t.Fatalf("KMP qty=%d, expected 150", a.Qty)
	}
	want := (70000.0*100 + 71000.0*50) / 150
	if math.Abs(a.CostBasis-want) > 1e-9 {
		t.Fatalf("KMP basis=%v, expected %v", a.CostBasis, want)
	}
}

func TestResolveDriftValidation(t *testing.T) {
	s := NewStore()
	s.SetFrozen("005930", true)

	if s.ResolveDrift("005930", "reassign", "") {
		t.Fatalf("reassign without target accepted")
	}
	if s.ResolveDrift("005930", "delete", "KMP") {
		t.Fatalf("unknown action accepted")
	}
	if s.Snapshot("005930").Frozen != true {
		t.Fatalf("failed resolution unfroze the symbol")
	}

	if !s.ResolveDrift("005930", "acknowledge", "") {
		t.Fatalf("acknowledge failed")
	}
	if s.Snapshot("005930").Frozen {
		t.Fatalf("acknowledge did not unfreeze")
	}
}

func TestWorkingOrderLifecycle(t *testing.T) {
	s := NewStore()
	s.AddWorkingOrder("005930", &WorkingOrder{OrderID: "A1", Symbol: "005930", Qty: 100, Strategy: "KMP"})
	s.AddWorkingOrder("005930", &WorkingOrder{OrderID: "A2", Symbol: "005930", Qty: 50, Strategy: "GAP"})

	s.UpdateOrderFill("005930", "A1", 40, OrderPartial)
	ws := s.WorkingOrdersFor("005930", "KMP")
	if len(ws) != 1 || ws[0].FilledQty != 40 || ws[0].Status != OrderPartial {
		t.Fatalf("unexpected KMP orders: %+v", ws)
	}
	if ws[0].Remaining() != 60 {
		t.Fatalf("Remaining=%d, expected 60", ws[0].Remaining())
	}

	// Overfill is clamped to the order quantity.
	s.UpdateOrderFill("005930", "A1", 120, OrderFilled)
	if got := s.WorkingOrders("005930")[0].FilledQty; got != 100 {
		t.Fatalf("FilledQty=%d, expected clamp at 100", got)
	}

	wo, ok := s.RemoveWorkingOrder("005930", "A1")
	if !ok || wo.OrderID != "A1" {
		t.Fatalf("RemoveWorkingOrder: ok=%v wo=%+v", ok, wo)
	}
	if _, ok := s.RemoveWorkingOrder("005930", "A1"); ok {
		t.Fatalf("double remove succeeded")
	}
	if !s.HasWorkingOrders() {
		t.Fatalf("A2 should still be working")
	}
}

func TestDailyPnL(t *testing.T) {
	s := NewStore()
	s.SetEquity(100_000_000)
	s.SetRealPosition("005930", 100, 70000)
	s.RecordRealizedPnL(50000)

	s.UpdateDailyPnL(map[string]float64{"005930": 71000})
	acct := s.Account()

	wantPnL := 50000 + (71000.0-70000.0)*100
	if acct.DailyPnL != wantPnL {
		t.Fatalf("DailyPnL=%v, expected %v", acct.DailyPnL, wantPnL)
	}
	if math.Abs(acct.DailyPnLPct-wantPnL/100_000_000) > 1e-12 {
		t.Fatalf("DailyPnLPct=%v", acct.DailyPnLPct)
	}

	s.ResetDaily()
	if acct := s.Account(); acct.DailyPnL != 0 || acct.DailyRealizedPnL != 0 {
		t.Fatalf("ResetDaily left counters: %+v", acct)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewStore()
	s.UpdateAllocation("005930", "KMP", 100, 70000)
	snap := s.Snapshot("005930")
	snap.Allocations["KMP"].Qty = 999

	if a, _ := s.Allocation("005930", "KMP"); a.Qty != 100 {
		t.Fatalf("mutating a snapshot leaked into the store: qty=%d", a.Qty)
	}
}

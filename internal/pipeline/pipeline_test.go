package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"oms-core/internal/adapter"
	"oms-core/internal/arbitration"
	"oms-core/internal/fills"
	"oms-core/internal/intent"
	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
)

type testRig struct {
	pipe  *Pipeline
	store *state.Store
	gw    *risk.Gateway
	mock  *broker.Mock
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store := state.NewStore()
	store.SetEquity(100_000_000)
	locks := state.NewSymbolLocks()
	gw := risk.NewGateway(risk.DefaultConfig(), store)
	arb := arbitration.NewEngine(store, nil)
	mock := broker.NewMock()
	mock.SetQuote("005930", 72000, 71990, 72010)
	ad := adapter.New(mock)
	applier := &fills.Applier{Store: store, Sector: gw.Sector()}

	return &testRig{
		pipe:  New(store, locks, gw, arb, ad, applier, nil, nil),
		store: store,
		gw:    gw,
		mock:  mock,
	}
}

func enterIntent(qty int64) *intent.Intent {
	return &intent.Intent{
		Strategy:   "KMP",
		Symbol:     "005930",
		Kind:       intent.KindEnter,
		DesiredQty: qty,
		Urgency:    intent.UrgencyHigh,
		SignalHash: "sig-1",
		Risk:       intent.RiskPayload{EntryPrice: 72000, HardStop: 69800},
	}
}

func TestEnterHappyPath(t *testing.T) {
	r := newTestRig(t)

	res := r.pipe.SubmitIntent(context.Background(), enterIntent(100))
	if res.Status != intent.StatusExecuted {
		t.Fatalf("Status=%s %s", res.Status, res.Message)
	}
	if res.BrokerOrderID == "" {
		t.Fatalf("no broker order id on executed result")
	}

	// Marketable limit above the quote, short cancel horizon.
	if len(r.mock.Submitted) != 1 {
		t.Fatalf("submits=%d", len(r.mock.Submitted))
	}
	req := r.mock.Submitted[0]
	if req.Type != broker.OrderTypeMarketableLimit || req.Price != 72144 {
		t.Fatalf("submitted %+v, expected marketable limit @ 72144", req)
	}

	wos := r.store.WorkingOrders("005930")
	if len(wos) != 1 || wos[0].Status != state.OrderWorking || wos[0].CancelAfter != 10*time.Second {
		t.Fatalf("working orders=%+v", wos)
	}

	// Lock held for the lease; allocations untouched until a fill.
	if owner, _ := r.store.EntryLock("005930"); owner != "KMP" {
		t.Fatalf("entry lock owner=%q", owner)
	}
	if _, ok := r.store.Allocation("005930", "KMP"); ok {
		t.Fatalf("allocation created before any fill")
	}
}

func TestIdempotentReplay(t *testing.T) {
	r := newTestRig(t)

	first := r.pipe.SubmitIntent(context.Background(), enterIntent(100))
	if first.Status != intent.StatusExecuted {
		t.Fatalf("first: %s %s", first.Status, first.Message)
	}

	// Same strategy, symbol, kind, signal hash, qty, trade date.
	second := r.pipe.SubmitIntent(context.Background(), enterIntent(100))
	if second.Status != intent.StatusExecuted {
		t.Fatalf("second: %s", second.Status)
	}
	if second.BrokerOrderID != first.BrokerOrderID {
		t.Fatalf("replay returned a different order: %s vs %s", second.BrokerOrderID, first.BrokerOrderID)
	}
	if len(r.mock.Submitted) != 1 {
		t.Fatalf("replay reached the broker: %d submits", len(r.mock.Submitted))
	}
}

func TestNonExecutedNotCached(t *testing.T) {
	r := newTestRig(t)
	r.gw.SetHaltEntries(true)

	res := r.pipe.SubmitIntent(context.Background(), enterIntent(100))
	if res.Status != intent.StatusRejected {
		t.Fatalf("Status=%s, expected REJECTED under halt", res.Status)
	}

	// Lifting the halt lets the same logical intent through.
	r.gw.SetHaltEntries(false)
	res = r.pipe.SubmitIntent(context.Background(), enterIntent(100))
	if res.Status != intent.StatusExecuted {
		t.Fatalf("retry after halt: %s %s", res.Status, res.Message)
	}
}

func TestValidationRejects(t *testing.T) {
	r := newTestRig(t)
	target := int64(0)

	tests := []struct {
		name string
		it   *intent.Intent
	}{
		{"missing symbol", &intent.Intent{Strategy: "KMP", Kind: intent.KindEnter, DesiredQty: 10}},
		{"missing strategy", &intent.Intent{Symbol: "005930", Kind: intent.KindEnter, DesiredQty: 10}},
		{"unknown kind", &intent.Intent{Strategy: "KMP", Symbol: "005930", Kind: "SHORT"}},
		{"zero qty enter", &intent.Intent{Strategy: "KMP", Symbol: "005930", Kind: intent.KindEnter}},
		{"negative reduce", &intent.Intent{Strategy: "KMP", Symbol: "005930", Kind: intent.KindReduce, DesiredQty: -5}},
		{"set target without target", &intent.Intent{Strategy: "KMP", Symbol: "005930", Kind: intent.KindSetTarget}},
		{"expired", &intent.Intent{Strategy: "KMP", Symbol: "005930", Kind: intent.KindEnter, DesiredQty: 10,
			Constraints: intent.Constraints{ExpiresAt: time.Now().Add(-time.Minute)}, TargetQty: &target}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := r.pipe.SubmitIntent(context.Background(), tt.it); res.Status != intent.StatusRejected {
				t.Fatalf("Status=%s, expected REJECTED", res.Status)
			}
		})
	}
	if len(r.mock.Submitted) != 0 {
		t.Fatalf("invalid intents reached the broker")
	}
}

func TestExitWithoutAllocation(t *testing.T) {
	r := newTestRig(t)

	res := r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindExit,
	})
	if res.Status != intent.StatusRejected || res.Message != "No allocation to exit" {
		t.Fatalf("res=%+v", res)
	}
}

// An exit arriving while the entry order is still unfilled converts to
// a cancel of the working buys instead of selling shares we don't hold.
func TestExitCancelsUnfilledEntry(t *testing.T) {
	r := newTestRig(t)

	first := r.pipe.SubmitIntent(context.Background(), enterIntent(100))
	if first.Status != intent.StatusExecuted {
		t.Fatalf("entry: %s %s", first.Status, first.Message)
	}

	res := r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindExit, Risk: intent.RiskPayload{Rationale: "stop"},
	})
	if res.Status != intent.StatusExecuted {
		t.Fatalf("exit: %s %s", res.Status, res.Message)
	}
	if res.Message != "Cancelled 1 order" {
		t.Fatalf("Message=%q", res.Message)
	}
	if len(r.mock.Cancelled) != 1 {
		t.Fatalf("cancels=%v", r.mock.Cancelled)
	}
	if len(r.store.WorkingOrders("005930")) != 0 {
		t.Fatalf("working order survived the cancel")
	}
	if owner, _ := r.store.EntryLock("005930"); owner != "" {
		t.Fatalf("entry lock not released, owner=%q", owner)
	}
}

func TestExitSellsAllocation(t *testing.T) {
	r := newTestRig(t)
	r.store.UpdateAllocation("005930", "KMP", 150, 70000)

	res := r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindExit,
	})
	if res.Status != intent.StatusExecuted {
		t.Fatalf("exit: %s %s", res.Status, res.Message)
	}
	req := r.mock.Submitted[0]
	if req.Side != broker.SideSell || req.Qty != 150 || req.Type != broker.OrderTypeMarket {
		t.Fatalf("submitted %+v", req)
	}

	// Partial exit caps at the allocation.
	r2 := newTestRig(t)
	r2.store.UpdateAllocation("005930", "KMP", 150, 70000)
	r2.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindExit, DesiredQty: 500,
	})
	if req := r2.mock.Submitted[0]; req.Qty != 150 {
		t.Fatalf("exit qty=%d, expected cap at allocation 150", req.Qty)
	}
}

func TestCancelOrdersNoneWorking(t *testing.T) {
	r := newTestRig(t)
	res := r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindCancelOrders,
	})
	if res.Status != intent.StatusExecuted || res.Message != "Cancelled 0 orders" {
		t.Fatalf("res=%+v", res)
	}
}

// A fill that lands between our last sync and the cancel must be booked
// before the order record is dropped.
func TestCancelOrdersAppliesLateFills(t *testing.T) {
	r := newTestRig(t)

	first := r.pipe.SubmitIntent(context.Background(), enterIntent(100))
	if first.Status != intent.StatusExecuted {
		t.Fatalf("entry: %s", first.Status)
	}
	r.mock.FillOrder(first.BrokerOrderID, 30, 72100)

	res := r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindCancelOrders,
	})
	if res.Status != intent.StatusExecuted {
		t.Fatalf("cancel: %s %s", res.Status, res.Message)
	}

	alloc, ok := r.store.Allocation("005930", "KMP")
	if !ok || alloc.Qty != 30 {
		t.Fatalf("late fill not booked: %+v ok=%v", alloc, ok)
	}
	if alloc.CostBasis != 72100 {
		t.Fatalf("CostBasis=%v", alloc.CostBasis)
	}
}

func TestSetTarget(t *testing.T) {
	r := newTestRig(t)
	r.store.UpdateAllocation("005930", "KMP", 100, 70000)

	at := func(target int64) intent.Result {
		return r.pipe.SubmitIntent(context.Background(), &intent.Intent{
			Strategy: "KMP", Symbol: "005930", Kind: intent.KindSetTarget, TargetQty: &target,
		})
	}

	if res := at(100); res.Status != intent.StatusExecuted || res.Message != "Already at target" {
		t.Fatalf("at target: %+v", res)
	}
	if len(r.mock.Submitted) != 0 {
		t.Fatalf("no-op target reached the broker")
	}

	if res := at(40); res.Status != intent.StatusExecuted {
		t.Fatalf("reduce to 40: %+v", res)
	}
	if req := r.mock.Submitted[0]; req.Side != broker.SideSell || req.Qty != 60 {
		t.Fatalf("submitted %+v, expected SELL 60", req)
	}
}

func TestModifyRisk(t *testing.T) {
	r := newTestRig(t)

	res := r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindModifyRisk,
		Risk: intent.RiskPayload{SoftStop: 69000, HardStop: 68000},
	})
	if res.Status != intent.StatusRejected {
		t.Fatalf("modify without allocation: %s", res.Status)
	}

	r.store.UpdateAllocation("005930", "KMP", 100, 70000)
	res = r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindModifyRisk,
		Risk: intent.RiskPayload{SoftStop: 69000, HardStop: 68000},
	})
	if res.Status != intent.StatusExecuted {
		t.Fatalf("modify: %s %s", res.Status, res.Message)
	}
	alloc, _ := r.store.Allocation("005930", "KMP")
	if alloc.SoftStop != 69000 {
		t.Fatalf("SoftStop=%v", alloc.SoftStop)
	}
	if r.store.Snapshot("005930").HardStop != 68000 {
		t.Fatalf("HardStop=%v", r.store.Snapshot("005930").HardStop)
	}
}

func TestEntryLockReleasedOnBrokerReject(t *testing.T) {
	r := newTestRig(t)
	r.mock.SubmitErrs = []error{errors.New("invalid order")}

	res := r.pipe.SubmitIntent(context.Background(), enterIntent(100))
	if res.Status != intent.StatusRejected {
		t.Fatalf("Status=%s", res.Status)
	}
	if owner, _ := r.store.EntryLock("005930"); owner != "" {
		t.Fatalf("entry lock leaked after broker reject, owner=%q", owner)
	}
	// The sector reservation is rolled back too.
	if _, notional := r.gw.Sector().Exposure("TECH"); notional != 0 {
		t.Fatalf("sector reservation leaked: %v", notional)
	}
}

func TestSecondEntryCancelledWhenHeld(t *testing.T) {
	r := newTestRig(t)
	r.store.UpdateAllocation("005930", "KMP", 100, 70000)

	it := enterIntent(50)
	it.SignalHash = "sig-2"
	res := r.pipe.SubmitIntent(context.Background(), it)
	if res.Status != intent.StatusCancelled {
		t.Fatalf("Status=%s, expected CANCELLED (already holds)", res.Status)
	}
}

func TestRiskModifiedQtyFlowsToOrder(t *testing.T) {
	r := newTestRig(t)
	// Per-symbol cap 15% of 100M = 15M; 300 @ 72000 = 21.6M -> 208.
	res := r.pipe.SubmitIntent(context.Background(), enterIntent(300))
	if res.Status != intent.StatusExecuted {
		t.Fatalf("Status=%s %s", res.Status, res.Message)
	}
	if res.ModifiedQty != 208 {
		t.Fatalf("ModifiedQty=%d, expected 208", res.ModifiedQty)
	}
	if req := r.mock.Submitted[0]; req.Qty != 208 {
		t.Fatalf("submitted qty=%d", req.Qty)
	}
}

func TestSetTargetBuyBlockedWhileEntriesHalted(t *testing.T) {
	r := newTestRig(t)
	r.gw.SetHaltEntries(true)

	target := int64(100)
	res := r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindSetTarget, TargetQty: &target,
	})
	if res.Status != intent.StatusRejected {
		t.Fatalf("Status=%s %s, expected REJECTED", res.Status, res.Message)
	}
	if len(r.mock.Submitted) != 0 {
		t.Fatalf("halted SET_TARGET buy reached the broker")
	}

	// Reducing to a lower target is still allowed under the halt.
	r.store.UpdateAllocation("005930", "KMP", 100, 70000)
	down := int64(40)
	res = r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindSetTarget, TargetQty: &down,
	})
	if res.Status != intent.StatusExecuted {
		t.Fatalf("sell leg blocked: %s %s", res.Status, res.Message)
	}
	if req := r.mock.Submitted[0]; req.Side != broker.SideSell || req.Qty != 60 {
		t.Fatalf("submitted %+v, expected SELL 60", req)
	}
}

func TestSetTargetBuyScaledByRisk(t *testing.T) {
	r := newTestRig(t)

	// Per-symbol cap 15% of 100M = 15M; 500 @ 72000 = 36M -> 208.
	target := int64(500)
	res := r.pipe.SubmitIntent(context.Background(), &intent.Intent{
		Strategy: "KMP", Symbol: "005930", Kind: intent.KindSetTarget, TargetQty: &target,
	})
	if res.Status != intent.StatusExecuted {
		t.Fatalf("Status=%s %s", res.Status, res.Message)
	}
	if res.ModifiedQty != 208 {
		t.Fatalf("ModifiedQty=%d, expected 208", res.ModifiedQty)
	}
	if req := r.mock.Submitted[0]; req.Side != broker.SideBuy || req.Qty != 208 {
		t.Fatalf("submitted %+v, expected BUY 208", req)
	}
}

package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"oms-core/internal/fills"
	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
)

type testRig struct {
	loop  *Loop
	store *state.Store
	gw    *risk.Gateway
	mock  *broker.Mock
}

// mockAdapter passes the mock broker straight through; the loop's
// interface matches the adapter's method set minus rate limiting.
type mockAdapter struct{ m *broker.Mock }

func (a mockAdapter) GetOrders(ctx context.Context) ([]broker.Order, error) { return a.m.GetOrders(ctx) }
func (a mockAdapter) GetBalance(ctx context.Context) (broker.BalanceSnapshot, error) {
	return a.m.GetBalance(ctx)
}
func (a mockAdapter) GetBuyableCash(ctx context.Context) (float64, error) {
	return a.m.GetBuyableCash(ctx)
}
func (a mockAdapter) CancelOrder(ctx context.Context, orderID, symbol, branch string, remainingQty int64) error {
	return a.m.CancelOrder(ctx, orderID, symbol, branch, remainingQty)
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := state.NewStore()
	gw := risk.NewGateway(risk.DefaultConfig(), store)
	mock := broker.NewMock()
	mock.SetEquity(100_000_000)
	applier := &fills.Applier{Store: store, Sector: gw.Sector()}
	loop := NewLoop(store, state.NewSymbolLocks(), mockAdapter{mock}, gw, applier, nil, nil)
	return &testRig{loop: loop, store: store, gw: gw, mock: mock}
}

func workingBuy(id string, qty int64, limit float64) *state.WorkingOrder {
	return &state.WorkingOrder{
		OrderID: id, Symbol: "005930", Side: broker.SideBuy, Qty: qty,
		LimitPrice: limit, Type: broker.OrderTypeLimit, Status: state.OrderWorking,
		Strategy: "KMP", SubmittedAt: time.Now(), CancelAfter: 2 * time.Minute,
	}
}

func TestPartialFillSync(t *testing.T) {
	r := newTestRig(t)
	r.store.AddWorkingOrder("005930", workingBuy("KIS-1", 100, 72000))
	r.store.SetEntryLock("005930", "KMP", time.Now().Add(time.Minute))
	r.mock.AddOpenOrder(broker.Order{OrderID: "KIS-1", Symbol: "005930", Side: broker.SideBuy, Qty: 100, FilledQty: 50, Price: 72000, Branch: "00950"})
	r.mock.SetPosition("005930", 50, 72000, 72000)

	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	alloc, ok := r.store.Allocation("005930", "KMP")
	if !ok || alloc.Qty != 50 || alloc.CostBasis != 72000 {
		t.Fatalf("allocation=%+v ok=%v", alloc, ok)
	}
	wos := r.store.WorkingOrders("005930")
	if len(wos) != 1 || wos[0].FilledQty != 50 || wos[0].Status != state.OrderWorking {
		t.Fatalf("working order=%+v", wos)
	}
	// Position synced from the broker snapshot, lock still held while
	// the remainder works.
	if p := r.store.Snapshot("005930"); p.RealQty != 50 {
		t.Fatalf("RealQty=%d", p.RealQty)
	}
	if owner, _ := r.store.EntryLock("005930"); owner != "KMP" {
		t.Fatalf("entry lock released early, owner=%q", owner)
	}
	// real 50 == allocated 50, and the order is in flight anyway.
	if r.store.Snapshot("005930").Frozen {
		t.Fatalf("symbol frozen on a clean partial fill")
	}
}

func TestFullFillCompletesOrder(t *testing.T) {
	r := newTestRig(t)
	r.store.AddWorkingOrder("005930", workingBuy("KIS-1", 100, 72000))
	r.store.SetEntryLock("005930", "KMP", time.Now().Add(time.Minute))
	r.mock.AddOpenOrder(broker.Order{OrderID: "KIS-1", Symbol: "005930", Side: broker.SideBuy, Qty: 100, FilledQty: 100, Price: 72000})
	r.mock.SetPosition("005930", 100, 72000, 72500)

	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(r.store.WorkingOrders("005930")) != 0 {
		t.Fatalf("filled order still tracked")
	}
	if owner, _ := r.store.EntryLock("005930"); owner != "" {
		t.Fatalf("entry lock not released on full fill")
	}
	if alloc, _ := r.store.Allocation("005930", "KMP"); alloc.Qty != 100 {
		t.Fatalf("allocation=%+v", alloc)
	}
}

func TestFillDeltaAppliedOnce(t *testing.T) {
	r := newTestRig(t)
	r.store.AddWorkingOrder("005930", workingBuy("KIS-1", 100, 72000))
	r.mock.AddOpenOrder(broker.Order{OrderID: "KIS-1", Symbol: "005930", Side: broker.SideBuy, Qty: 100, FilledQty: 50, Price: 72000})
	r.mock.SetPosition("005930", 50, 72000, 72000)

	// Two cycles over the same broker state book the delta only once.
	for i := 0; i < 2; i++ {
		if err := r.loop.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if alloc, _ := r.store.Allocation("005930", "KMP"); alloc.Qty != 50 {
		t.Fatalf("allocation qty=%d, delta applied twice", alloc.Qty)
	}
}

func TestAbsentOrderFinished(t *testing.T) {
	r := newTestRig(t)
	wo := workingBuy("KIS-1", 100, 72000)
	wo.FilledQty = 40
	r.store.AddWorkingOrder("005930", wo)
	r.store.SetEntryLock("005930", "KMP", time.Now().Add(time.Minute))
	r.gw.Sector().Reserve("005930", 7_200_000)
	r.mock.SetPosition("005930", 40, 72000, 72000)
	// Broker reports no open orders: the order was cancelled venue-side.

	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(r.store.WorkingOrders("005930")) != 0 {
		t.Fatalf("absent order still tracked")
	}
	if owner, _ := r.store.EntryLock("005930"); owner != "" {
		t.Fatalf("entry lock not released")
	}
	// Unfilled buy remainder releases the sector reservation.
	if r.gw.Sector().Active("005930") {
		t.Fatalf("sector reservation leaked")
	}
}

func TestTimeoutCancelSentOnce(t *testing.T) {
	r := newTestRig(t)
	wo := workingBuy("KIS-1", 100, 72000)
	wo.SubmittedAt = time.Now().Add(-time.Minute)
	wo.CancelAfter = 10 * time.Second
	r.store.AddWorkingOrder("005930", wo)

	resting := broker.Order{OrderID: "KIS-1", Symbol: "005930", Side: broker.SideBuy, Qty: 100, Branch: "00950"}
	r.mock.AddOpenOrder(resting)

	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(r.mock.Cancelled) != 1 {
		t.Fatalf("cancels=%v, expected one timeout cancel", r.mock.Cancelled)
	}

	// The mock dropped the order on cancel; put it back as a slow venue
	// would and verify the cancel is not re-sent.
	r.mock.AddOpenOrder(resting)
	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(r.mock.Cancelled) != 1 {
		t.Fatalf("cancels=%v, timeout cancel repeated", r.mock.Cancelled)
	}
}

func TestPositiveDriftParkedAndFrozen(t *testing.T) {
	r := newTestRig(t)
	r.mock.SetPosition("005930", 50, 71000, 71000)

	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	p := r.store.Snapshot("005930")
	if !p.Frozen {
		t.Fatalf("positive drift did not freeze the symbol")
	}
	unk, ok := p.Allocations[state.UnknownStrategy]
	if !ok || unk.Qty != 50 {
		t.Fatalf("unknown allocation=%+v ok=%v", unk, ok)
	}
	if unk.CostBasis != 71000 {
		t.Fatalf("unknown basis=%v, expected broker avg price", unk.CostBasis)
	}
	if p.Drift() != 0 {
		t.Fatalf("drift=%d after parking, expected 0", p.Drift())
	}
}

func TestNegativeDriftFreezesWithoutCorrection(t *testing.T) {
	r := newTestRig(t)
	r.store.UpdateAllocation("005930", "KMP", 100, 70000)
	r.mock.SetPosition("005930", 60, 70000, 70000)

	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	p := r.store.Snapshot("005930")
	if !p.Frozen {
		t.Fatalf("negative drift left the symbol unfrozen")
	}
	// Never auto-corrected: the shortfall stays for the operator.
	if a := p.Allocations["KMP"]; a.Qty != 100 {
		t.Fatalf("allocation qty=%d, auto-corrected", a.Qty)
	}
	if _, ok := p.Allocations[state.UnknownStrategy]; ok {
		t.Fatalf("negative drift parked an unknown allocation")
	}
	if p.Drift() != -40 {
		t.Fatalf("drift=%d, expected -40 left in place", p.Drift())
	}

	// A second cycle over the same books must not disturb anything.
	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	p = r.store.Snapshot("005930")
	if !p.Frozen || p.Allocations["KMP"].Qty != 100 {
		t.Fatalf("second cycle changed state: frozen=%v alloc=%+v", p.Frozen, p.Allocations["KMP"])
	}
}

func TestDriftSkippedWhileOrdersInFlight(t *testing.T) {
	r := newTestRig(t)
	r.store.AddWorkingOrder("005930", workingBuy("KIS-1", 100, 72000))
	r.mock.AddOpenOrder(broker.Order{OrderID: "KIS-1", Symbol: "005930", Side: broker.SideBuy, Qty: 100})
	r.mock.SetPosition("005930", 50, 71000, 71000)

	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if r.store.Snapshot("005930").Frozen {
		t.Fatalf("drift check ran with an order in flight")
	}
}

func TestMissingSymbolZeroed(t *testing.T) {
	r := newTestRig(t)
	r.store.SetRealPosition("005930", 100, 70000)
	// Broker snapshot no longer contains the symbol.

	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if p := r.store.Snapshot("005930"); p.RealQty != 0 {
		t.Fatalf("RealQty=%d, broker snapshot is authoritative", p.RealQty)
	}
}

func TestFailedOrderQueryAbortsCycle(t *testing.T) {
	r := newTestRig(t)
	r.store.AddWorkingOrder("005930", workingBuy("KIS-1", 100, 72000))
	r.mock.OrdersErr = errors.New("connection reset")

	if err := r.loop.RunCycle(context.Background()); err == nil {
		t.Fatalf("cycle succeeded with a failed order query")
	}
	// The tracked order must not be treated as absent.
	if len(r.store.WorkingOrders("005930")) != 1 {
		t.Fatalf("working order dropped on query failure")
	}
}

func TestSafeModeAfterConsecutiveFailures(t *testing.T) {
	r := newTestRig(t)
	err := errors.New("connection reset")

	for i := 0; i < SafeModeFailures-1; i++ {
		if fatal := r.loop.noteOutcome(err); fatal {
			t.Fatalf("fatal after %d failures", i+1)
		}
	}
	if r.gw.SafeMode() {
		t.Fatalf("safe mode set before the threshold")
	}
	if fatal := r.loop.noteOutcome(err); fatal {
		t.Fatalf("fatal at safe-mode threshold")
	}
	if !r.gw.SafeMode() {
		t.Fatalf("safe mode not set after %d failures", SafeModeFailures)
	}

	// Recovery resets the count but leaves safe mode for the operator.
	r.loop.noteOutcome(nil)
	if !r.gw.SafeMode() {
		t.Fatalf("recovery cleared safe mode on its own")
	}
	if r.loop.consecFailures != 0 {
		t.Fatalf("failure count not reset")
	}
}

func TestFatalAfterSustainedLoss(t *testing.T) {
	r := newTestRig(t)
	err := errors.New("connection reset")

	fatal := false
	for i := 0; i < FatalFailures && !fatal; i++ {
		fatal = r.loop.noteOutcome(err)
	}
	if !fatal {
		t.Fatalf("loop never went fatal after %d failures", FatalFailures)
	}
	select {
	case e := <-r.loop.Fatal:
		if e == nil {
			t.Fatalf("nil fatal error")
		}
	default:
		t.Fatalf("Fatal channel empty")
	}
}

func TestEquityAndPnLUpdated(t *testing.T) {
	r := newTestRig(t)
	r.store.UpdateAllocation("005930", "KMP", 100, 70000)
	r.mock.SetPosition("005930", 100, 70000, 71000)
	r.mock.SetEquity(101_000_000)

	if err := r.loop.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	acct := r.store.Account()
	if acct.Equity != 101_000_000 {
		t.Fatalf("Equity=%v", acct.Equity)
	}
	// Unrealized: (71000-70000)*100.
	if acct.DailyPnL != 100_000 {
		t.Fatalf("DailyPnL=%v, expected 100000", acct.DailyPnL)
	}
}

func TestIntervalAdaptation(t *testing.T) {
	r := newTestRig(t)
	if got := r.loop.nextInterval(); got != IdleInterval {
		t.Fatalf("idle interval=%s", got)
	}
	r.store.AddWorkingOrder("005930", workingBuy("KIS-1", 100, 72000))
	if got := r.loop.nextInterval(); got != BaseInterval {
		t.Fatalf("working interval=%s", got)
	}
	r.loop.cooldownLeft = 2
	if got := r.loop.nextInterval(); got != CooldownInterval {
		t.Fatalf("cooldown interval=%s", got)
	}
	if got := r.loop.nextInterval(); got != CooldownInterval {
		t.Fatalf("second cooldown interval=%s", got)
	}
	if got := r.loop.nextInterval(); got != BaseInterval {
		t.Fatalf("interval after cooldown=%s", got)
	}
}

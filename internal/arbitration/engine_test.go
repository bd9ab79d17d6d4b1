package arbitration

import (
	"testing"
	"time"

	"oms-core/internal/intent"
	"oms-core/internal/state"
)

func entry(id, strategy, symbol string) *intent.Intent {
	return &intent.Intent{ID: id, Strategy: strategy, Symbol: symbol, Kind: intent.KindEnter, DesiredQty: 10}
}

func TestExitsAlwaysProceed(t *testing.T) {
	e := NewEngine(state.NewStore(), nil)
	for _, k := range []intent.Kind{intent.KindExit, intent.KindFlatten, intent.KindReduce} {
		it := &intent.Intent{ID: "x", Strategy: "KMP", Symbol: "005930", Kind: k}
		if out := e.Resolve(it); out.Action != Proceed {
			t.Fatalf("%s: Action=%s, expected PROCEED", k, out.Action)
		}
	}
}

func TestEntryCancelledWhenAlreadyHeld(t *testing.T) {
	store := state.NewStore()
	store.UpdateAllocation("005930", "KMP", 100, 70000)
	e := NewEngine(store, nil)

	out := e.Resolve(entry("i1", "KMP", "005930"))
	if out.Action != Cancel {
		t.Fatalf("Action=%s, expected CANCEL", out.Action)
	}
	// Another strategy is free to enter.
	if out := e.Resolve(entry("i2", "GAP", "005930")); out.Action != Proceed {
		t.Fatalf("GAP entry blocked: %s %s", out.Action, out.Reason)
	}
}

func TestEntryDeferredWhileLockHeld(t *testing.T) {
	store := state.NewStore()
	e := NewEngine(store, map[string]int{"KMP": 90})

	if out := e.Resolve(entry("i1", "KMP", "005930")); out.Action != Proceed {
		t.Fatalf("first entry: %s", out.Action)
	}
	owner, until := store.EntryLock("005930")
	if owner != "KMP" {
		t.Fatalf("lock owner=%q, expected KMP", owner)
	}
	if d := time.Until(until); d < 85*time.Second || d > 95*time.Second {
		t.Fatalf("lease %s, expected ~90s", d)
	}

	out := e.Resolve(entry("i2", "GAP", "005930"))
	if out.Action != DeferAction {
		t.Fatalf("contending entry: %s, expected DEFER", out.Action)
	}
	if !out.DeferUntil.Equal(until) {
		t.Fatalf("DeferUntil=%s, expected lock expiry %s", out.DeferUntil, until)
	}
}

func TestEntryProceedsAfterLockExpiry(t *testing.T) {
	store := state.NewStore()
	store.SetEntryLock("005930", "KMP", time.Now().Add(-time.Second))
	e := NewEngine(store, nil)

	if out := e.Resolve(entry("i1", "GAP", "005930")); out.Action != Proceed {
		t.Fatalf("expired lock still blocking: %s %s", out.Action, out.Reason)
	}
	if owner, _ := store.EntryLock("005930"); owner != "GAP" {
		t.Fatalf("lock not taken over, owner=%q", owner)
	}
}

func TestEntryYieldsToPendingExit(t *testing.T) {
	store := state.NewStore()
	e := NewEngine(store, nil)

	exit := &intent.Intent{ID: "x1", Strategy: "GAP", Symbol: "005930", Kind: intent.KindExit}
	e.AddPending(exit)
	defer e.RemovePending(exit)

	out := e.Resolve(entry("i1", "KMP", "005930"))
	if out.Action != DeferAction {
		t.Fatalf("entry did not yield to exit: %s", out.Action)
	}
	// The yielding entry must not keep the lock it briefly held.
	if owner, _ := store.EntryLock("005930"); owner != "" {
		t.Fatalf("entry lock leaked to %q after yield", owner)
	}
}

func TestPendingExitOtherSymbolIgnored(t *testing.T) {
	store := state.NewStore()
	e := NewEngine(store, nil)

	exit := &intent.Intent{ID: "x1", Strategy: "GAP", Symbol: "000660", Kind: intent.KindExit}
	e.AddPending(exit)
	defer e.RemovePending(exit)

	if out := e.Resolve(entry("i1", "KMP", "005930")); out.Action != Proceed {
		t.Fatalf("exit on another symbol blocked the entry: %s", out.Action)
	}
}

func TestLockDurationFallsBackToDefault(t *testing.T) {
	e := NewEngine(state.NewStore(), map[string]int{"KMP": 45})
	if d := e.LockDuration("KMP"); d != 45*time.Second {
		t.Fatalf("KMP lease=%s", d)
	}
	if d := e.LockDuration("GAP"); d != DefaultLockDuration {
		t.Fatalf("default lease=%s", d)
	}
}

func TestRemovePendingByID(t *testing.T) {
	e := NewEngine(state.NewStore(), nil)
	a := &intent.Intent{ID: "a", Symbol: "005930", Kind: intent.KindExit}
	b := &intent.Intent{ID: "b", Symbol: "005930", Kind: intent.KindExit}
	e.AddPending(a)
	e.AddPending(b)
	e.RemovePending(a)

	if !e.pendingExit("005930", "z") {
		t.Fatalf("b should still be pending")
	}
	e.RemovePending(b)
	if e.pendingExit("005930", "z") {
		t.Fatalf("pending queue not empty")
	}
}

package main

import (
	"context"
	"log"

	"github.com/google/uuid"

	"oms-core/internal/adapter"
	"oms-core/internal/arbitration"
	"oms-core/internal/fills"
	"oms-core/internal/intent"
	"oms-core/internal/pipeline"
	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
)

// dry_run_demo pushes a few intents through the full pipeline against
// the in-memory mock broker. No exchange, no database.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) ENTER a position and watch the risk gateway size it down.
//   2) Replay the same signal to show idempotency.
//   3) EXIT and print the outcome.

func main() {
	log.Println("=== dry-run demo starting ===")

	mock := broker.NewMock()
	mock.SetEquity(100_000_000)
	mock.SetCash(100_000_000)
	mock.SetQuote("005930", 72000, 71990, 72010)

	store := state.NewStore()
	locks := state.NewSymbolLocks()
	gw := risk.NewGateway(risk.DefaultConfig(), store)
	arb := arbitration.NewEngine(store, nil)
	ad := adapter.New(mock)
	applier := &fills.Applier{Store: store, Sector: gw.Sector()}
	pipe := pipeline.New(store, locks, gw, arb, ad, applier, nil, nil)

	ctx := context.Background()

	enter := func() *intent.Intent {
		return &intent.Intent{
			ID:         uuid.NewString(),
			Strategy:   "KMP",
			Symbol:     "005930",
			Kind:       intent.KindEnter,
			DesiredQty: 500,
			Urgency:    intent.UrgencyNormal,
			SignalHash: "sig-demo-1",
			Risk:       intent.RiskPayload{HardStop: 69800},
		}
	}

	log.Println("[scenario 1] oversized ENTER, gateway should scale it down")
	res := pipe.SubmitIntent(ctx, enter())
	log.Printf("  status=%s qty=%d order=%s msg=%q", res.Status, res.ModifiedQty, res.BrokerOrderID, res.Message)

	log.Println("[scenario 2] same signal replayed, must return the cached result")
	res2 := pipe.SubmitIntent(ctx, enter())
	log.Printf("  status=%s order=%s (same order id: %v)", res2.Status, res2.BrokerOrderID, res2.BrokerOrderID == res.BrokerOrderID)

	// Fill part of the resting order at the broker.
	if id := mock.LastOrderID(); id != "" {
		mock.FillOrder(id, 100, 72010)
	}

	exit := func(rationale string) *intent.Intent {
		return &intent.Intent{
			ID:       uuid.NewString(),
			Strategy: "KMP",
			Symbol:   "005930",
			Kind:     intent.KindExit,
			Urgency:  intent.UrgencyHigh,
			Risk:     intent.RiskPayload{Rationale: rationale},
		}
	}

	log.Println("[scenario 3] EXIT while the entry rests: cancels it and books the late fill")
	res3 := pipe.SubmitIntent(ctx, exit("demo cancel"))
	log.Printf("  status=%s msg=%q", res3.Status, res3.Message)

	log.Println("[scenario 4] EXIT again: sells the booked allocation at market")
	res4 := pipe.SubmitIntent(ctx, exit("demo exit"))
	log.Printf("  status=%s msg=%q", res4.Status, res4.Message)

	log.Printf("submitted %d orders, cancelled %d", len(mock.Submitted), len(mock.Cancelled))
	log.Println("=== dry-run demo finished ===")
}

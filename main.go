package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"oms-core/internal/adapter"
	"oms-core/internal/api"
	"oms-core/internal/arbitration"
	"oms-core/internal/events"
	"oms-core/internal/fills"
	"oms-core/internal/monitor"
	"oms-core/internal/persistence"
	"oms-core/internal/pipeline"
	"oms-core/internal/reconcile"
	"oms-core/internal/risk"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
	"oms-core/pkg/broker/kis"
	"oms-core/pkg/config"
	"oms-core/pkg/db"
)

// Exit codes: 0 clean shutdown, 2 startup failure, 3 unrecoverable
// reconciliation loss.
const (
	exitStartupFailure = 2
	exitReconLoss      = 3
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.Errorf("config load failed: %v", err)
		os.Exit(exitStartupFailure)
	}

	riskCfg, err := risk.LoadConfig(cfg.RiskPolicyPath)
	if err != nil {
		log.Errorf("risk policy load failed: %v", err)
		os.Exit(exitStartupFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence is best-effort: a broken database degrades to
	// in-memory operation instead of blocking trading.
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Warnf("database unavailable, running in-memory only: %v", err)
		database = nil
	}
	writer := persistence.NewWriter(database)

	store := state.NewStore()
	locks := state.NewSymbolLocks()
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	gw := risk.NewGateway(riskCfg, store)
	if err := persistence.WarmLoad(ctx, database, store, gw); err != nil {
		log.Warnf("warm load failed, starting cold: %v", err)
	}

	var venue broker.Broker
	if cfg.DryRun {
		log.Warn("DRY_RUN enabled, using mock broker")
		mock := broker.NewMock()
		mock.SetEquity(100_000_000)
		mock.SetCash(100_000_000)
		venue = mock
	} else {
		client, err := kis.New(cfg.KISBaseURL, cfg.KISAppKey, cfg.KISAppSecret, cfg.KISAccount)
		if err != nil {
			log.Errorf("broker client init failed: %v", err)
			os.Exit(exitStartupFailure)
		}
		authCtx, authCancel := context.WithTimeout(ctx, 15*time.Second)
		err = client.Authenticate(authCtx)
		authCancel()
		if err != nil {
			log.Errorf("broker authentication failed: %v", err)
			os.Exit(exitStartupFailure)
		}
		venue = client
	}
	ad := adapter.New(venue)

	leases := make(map[string]int, len(riskCfg.Budgets))
	for strat, b := range riskCfg.Budgets {
		leases[strat] = b.EntryLockSec
	}
	arb := arbitration.NewEngine(store, leases)

	applier := &fills.Applier{Store: store, Sector: gw.Sector(), Persist: writer, Bus: bus}
	pipe := pipeline.New(store, locks, gw, arb, ad, applier, writer, bus)
	loop := reconcile.NewLoop(store, locks, ad, gw, applier, writer, bus)

	server := api.NewServer(pipe, store, gw, loop, ad, metrics, writer, bus, cfg.APISecret)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}

	go loop.Run(ctx)

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("oms listening on :%s (dry_run=%v)", cfg.Port, cfg.DryRun)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case s := <-sig:
		log.Infof("received %s, shutting down", s)
	case err := <-loop.Fatal:
		log.Errorf("reconciliation unrecoverable: %v", err)
		exitCode = exitReconLoss
	case err := <-serverErr:
		log.Errorf("http server failed: %v", err)
		exitCode = exitStartupFailure
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	writer.Close()
	if database != nil {
		database.Close()
	}
	os.Exit(exitCode)
}

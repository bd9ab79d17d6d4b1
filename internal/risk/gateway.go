// Package risk implements the pre-trade risk gateway: a fixed sequence
// of checks between intent validation and arbitration.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"oms-core/internal/intent"
	"oms-core/internal/state"
	"oms-core/pkg/broker"
)

// Gateway runs the pre-trade checks in order: global blocks, daily
// circuit breaker, exposure limits, sector cap, strategy budget,
// microstructure. The pipeline stops on Reject/Defer and keeps the
// smallest quantity when more than one check modifies.
type Gateway struct {
	mu     sync.RWMutex
	cfg    Config
	store  *state.Store
	sector *SectorTracker

	safeMode    bool
	haltEntries bool
	flattening  bool
	paused      map[string]bool
	regime      string
}

// NewGateway builds a gateway over the shared state store.
func NewGateway(cfg Config, store *state.Store) *Gateway {
	return &Gateway{
		cfg:    cfg,
		store:  store,
		sector: NewSectorTracker(cfg.Sectors, cfg.UnknownSectorPolicy != "block"),
		paused: make(map[string]bool),
		regime: "NORMAL",
	}
}

// Config returns a copy of the active policy.
func (g *Gateway) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Sector exposes the sector exposure tracker.
func (g *Gateway) Sector() *SectorTracker { return g.sector }

// SetSafeMode flips safe mode; while set, every intent is deferred.
func (g *Gateway) SetSafeMode(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.safeMode != on {
		log.Warnf("risk: safe mode %v", on)
	}
	g.safeMode = on
}

// SafeMode reports whether safe mode is active.
func (g *Gateway) SafeMode() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.safeMode
}

// SetHaltEntries blocks or unblocks new entries.
func (g *Gateway) SetHaltEntries(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.haltEntries = on
}

// HaltEntries reports the entry-halt flag.
func (g *Gateway) HaltEntries() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.haltEntries
}

// SetFlattening marks an emergency flatten as in progress.
func (g *Gateway) SetFlattening(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flattening = on
}

// PauseStrategy blocks entries from a strategy.
func (g *Gateway) PauseStrategy(strategy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused[strategy] = true
}

// ResumeStrategy lifts a strategy pause.
func (g *Gateway) ResumeStrategy(strategy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.paused, strategy)
}

// IsPaused reports whether a strategy is paused.
func (g *Gateway) IsPaused(strategy string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused[strategy]
}

// SetRegime sets the current market regime label.
func (g *Gateway) SetRegime(regime string) error {
	if !ValidRegimes[regime] {
		return fmt.Errorf("unknown regime %q", regime)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regime = regime
	return nil
}

// Regime returns the current market regime label.
func (g *Gateway) Regime() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.regime
}

// candidate is one intent under review with its entry side resolved:
// for SET_TARGET the buy quantity is the delta over the current
// allocation, not DesiredQty.
type candidate struct {
	it    *intent.Intent
	quote broker.Quote
	entry bool  // opens or grows exposure
	qty   int64 // buy quantity the entry checks size against
}

// Evaluate runs every check in order. Exits skip the exposure, sector
// and budget checks; a SET_TARGET above the current allocation counts
// as an entry for its buy delta. The smallest Modify quantity wins.
func (g *Gateway) Evaluate(it *intent.Intent, quote broker.Quote) Decision {
	c := &candidate{it: it, quote: quote, entry: it.IsEntry(), qty: it.DesiredQty}
	if it.Kind == intent.KindSetTarget && it.TargetQty != nil {
		var current int64
		if alloc, ok := g.store.Allocation(it.Symbol, it.Strategy); ok {
			current = alloc.Qty
		}
		if delta := *it.TargetQty - current; delta > 0 {
			c.entry = true
			c.qty = delta
		}
	}

	checks := []func(*candidate) Decision{
		g.globalBlocks,
		g.circuitBreaker,
		g.exposureLimits,
		g.sectorCap,
		g.strategyBudget,
		g.microstructure,
	}

	final := approve()
	for _, check := range checks {
		d := check(c)
		switch d.Action {
		case Reject, Defer:
			return d
		case Modify:
			if final.Action != Modify || d.Qty < final.Qty {
				final = d
			}
		}
	}
	return final
}

// globalBlocks runs for every intent. Safe mode defers everything;
// the remaining blocks bar entries only, so exits always have a path
// out of a position.
func (g *Gateway) globalBlocks(c *candidate) Decision {
	g.mu.RLock()
	safeMode, flattening, halt, paused := g.safeMode, g.flattening, g.haltEntries, g.paused[c.it.Strategy]
	g.mu.RUnlock()

	if safeMode {
		return Decision{Action: Defer, Reason: "safe mode active"}
	}
	if !c.entry {
		return approve()
	}
	if flattening {
		return Decision{Action: Reject, Reason: "flatten in progress"}
	}
	if halt {
		return Decision{Action: Reject, Reason: "new entries halted"}
	}
	if paused {
		return Decision{Action: Reject, Reason: "strategy paused"}
	}
	if g.store.Snapshot(c.it.Symbol).Frozen {
		return Decision{Action: Reject, Reason: "symbol frozen pending drift resolution"}
	}
	return approve()
}

// circuitBreaker blocks entries once the daily loss breaches the warn
// threshold, and flips the halt flag so later entries are cut off even
// if the P&L recovers intraday. Exits are always allowed.
func (g *Gateway) circuitBreaker(c *candidate) Decision {
	if !c.entry {
		return approve()
	}

	acct := g.store.Account()
	cfg := g.Config()
	pct := acct.DailyPnLPct

	if pct <= -cfg.DailyLossHaltPct {
		return Decision{
			Action:        Reject,
			Reason:        fmt.Sprintf("daily loss %.2f%% breached halt threshold", pct*100),
			CooldownUntil: endOfTradeDay(time.Now()),
		}
	}
	if pct <= -cfg.DailyLossWarnPct {
		g.SetHaltEntries(true)
		log.Warnf("risk: daily loss %.2f%% breached warn threshold, halting new entries", pct*100)
		return Decision{
			Action:        Reject,
			Reason:        fmt.Sprintf("daily loss %.2f%% breached warn threshold", pct*100),
			CooldownUntil: endOfTradeDay(time.Now()),
		}
	}
	return approve()
}

// exposureLimits enforces the position count cap, the gross/regime
// notional caps, and the per-symbol cap (which scales rather than
// rejects when a smaller quantity fits).
func (g *Gateway) exposureLimits(c *candidate) Decision {
	if !c.entry {
		return approve()
	}
	price := c.quote.Price
	if price <= 0 {
		return Decision{Action: Defer, Reason: "no price available for sizing"}
	}

	cfg := g.Config()
	equity := g.store.Account().Equity
	snaps := g.store.Snapshots()

	var active int
	var gross, symbolNotional float64
	symbolActive := false
	for sym, p := range snaps {
		var committedQty int64
		var committedNotional float64
		for _, w := range p.WorkingOrders {
			if w.Side != broker.SideBuy {
				continue
			}
			committedQty += w.Remaining()
			px := w.LimitPrice
			if px <= 0 {
				// Market orders carry no limit; value them at the
				// candidate's quote for its own symbol, else at that
				// position's average price.
				if sym == c.it.Symbol {
					px = price
				} else {
					px = p.AvgPrice
				}
			}
			if px <= 0 {
				log.Warnf("risk: no price to value working buy %s on %s, excluded from gross", w.OrderID, sym)
				continue
			}
			committedNotional += float64(w.Remaining()) * px
		}
		held := float64(p.RealQty)*p.AvgPrice + committedNotional
		gross += held
		if p.RealQty > 0 || committedQty > 0 {
			active++
			if sym == c.it.Symbol {
				symbolActive = true
				symbolNotional = held
			}
		}
	}

	if cfg.MaxPositionsCount > 0 && !symbolActive && active >= cfg.MaxPositionsCount {
		return Decision{Action: Reject, Reason: fmt.Sprintf("position count cap reached (%d)", cfg.MaxPositionsCount)}
	}

	newNotional := float64(c.qty) * price
	cap := cfg.MaxGrossExposurePct * equity
	capName := "gross exposure cap"
	if r, ok := cfg.RegimeCaps[g.Regime()]; ok {
		if rc := r * equity; rc < cap {
			cap = rc
			capName = fmt.Sprintf("regime cap (%s)", g.Regime())
		}
	}
	if cap > 0 && gross+newNotional > cap {
		return Decision{Action: Reject, Reason: capName + " exceeded"}
	}

	if perCap := cfg.MaxPositionPct * equity; perCap > 0 && symbolNotional+newNotional > perCap {
		fit := int64(math.Floor((perCap - symbolNotional) / price))
		if fit <= 0 {
			return Decision{Action: Reject, Reason: "per-symbol exposure cap exceeded"}
		}
		if fit < c.qty {
			return Decision{Action: Modify, Qty: fit, Reason: "scaled to per-symbol exposure cap"}
		}
	}
	return approve()
}

// sectorCap enforces the per-sector count and notional caps using the
// combined open + working exposure.
func (g *Gateway) sectorCap(c *candidate) Decision {
	if !c.entry {
		return approve()
	}

	sector, known := g.sector.SectorOf(c.it.Symbol)
	if !known {
		if g.sector.AllowUnknown() {
			return approve()
		}
		return Decision{Action: Reject, Reason: "symbol has no configured sector"}
	}

	cfg := g.Config()
	count, notional := g.sector.Exposure(sector)

	if cfg.MaxSectorCount > 0 && !g.sector.Active(c.it.Symbol) && count >= cfg.MaxSectorCount {
		return Decision{Action: Reject, Reason: fmt.Sprintf("sector %s position cap reached", sector)}
	}
	if cfg.MaxSectorPct > 0 {
		equity := g.store.Account().Equity
		newNotional := float64(c.qty) * c.quote.Price
		if notional+newNotional > cfg.MaxSectorPct*equity {
			return Decision{Action: Reject, Reason: fmt.Sprintf("sector %s notional cap exceeded", sector)}
		}
	}
	return approve()
}

// strategyBudget enforces per-strategy position and risk-fraction caps.
// Risk for a trade is qty x (entry - stop); quantities that exceed the
// budget are scaled down.
func (g *Gateway) strategyBudget(c *candidate) Decision {
	if !c.entry {
		return approve()
	}
	cfg := g.Config()
	b, ok := cfg.Budgets[c.it.Strategy]
	if !ok {
		return approve()
	}

	if b.MaxPositions > 0 {
		held := len(g.store.AllocationsForStrategy(c.it.Strategy))
		if held >= b.MaxPositions {
			return Decision{Action: Reject, Reason: fmt.Sprintf("strategy position cap reached (%d)", b.MaxPositions)}
		}
	}

	if b.MaxRiskPct > 0 {
		entry := c.it.Risk.EntryPrice
		if entry <= 0 {
			entry = c.quote.Price
		}
		stop := c.it.Risk.HardStop
		if stop <= 0 {
			stop = c.it.Risk.SoftStop
		}
		if entry > 0 && stop > 0 && entry > stop {
			riskPerShare := entry - stop
			budget := b.MaxRiskPct * g.store.Account().Equity
			if float64(c.qty)*riskPerShare > budget {
				scaled := int64(math.Floor(budget / riskPerShare))
				if scaled <= 0 {
					return Decision{Action: Reject, Reason: "risk budget exhausted"}
				}
				return Decision{Action: Modify, Qty: scaled, Reason: "scaled to strategy risk budget"}
			}
		}
	}
	return approve()
}

// microstructure defers entries during VI cooldowns, symbol cooldowns,
// and when the quoted spread is wider than allowed.
func (g *Gateway) microstructure(c *candidate) Decision {
	if !c.entry {
		return approve()
	}

	pos := g.store.Snapshot(c.it.Symbol)
	now := time.Now()
	if now.Before(pos.VICooldownUntil) {
		return Decision{Action: Defer, Reason: "VI cooldown active", CooldownUntil: pos.VICooldownUntil}
	}
	if now.Before(pos.CooldownUntil) {
		return Decision{Action: Defer, Reason: "symbol cooldown active", CooldownUntil: pos.CooldownUntil}
	}

	quote := c.quote
	if quote.Bid > 0 && quote.Ask > 0 {
		mid := (quote.Bid + quote.Ask) / 2
		spreadBps := (quote.Ask - quote.Bid) / mid * 10000
		limit := g.Config().MaxSpreadBps
		if c.it.Constraints.MaxSpreadBps > 0 && c.it.Constraints.MaxSpreadBps < limit {
			limit = c.it.Constraints.MaxSpreadBps
		}
		if limit > 0 && spreadBps > limit {
			return Decision{Action: Defer, Reason: fmt.Sprintf("spread %.1f bps exceeds limit %.1f", spreadBps, limit)}
		}
	}
	return approve()
}

// endOfTradeDay is when circuit-breaker cooldowns naturally expire.
func endOfTradeDay(now time.Time) time.Time {
	k := now.In(intent.KST)
	return time.Date(k.Year(), k.Month(), k.Day(), 23, 59, 59, 0, intent.KST)
}

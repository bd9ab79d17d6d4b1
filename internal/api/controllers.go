package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"oms-core/internal/intent"
	"oms-core/internal/state"
)

// postIntent is the intent ingress: deserialize, hand to the pipeline,
// return the structured result. The pipeline never panics outward; a
// malformed body is the only 400 here.
func (s *Server) postIntent(c *gin.Context) {
	var it intent.Intent
	if err := c.BindJSON(&it); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid intent payload"})
		return
	}

	started := time.Now()
	res := s.Pipeline.SubmitIntent(c.Request.Context(), &it)
	if s.Metrics != nil {
		s.Metrics.IncrementIntents()
		s.Metrics.IntentLatency.RecordDuration(time.Since(started))
		if res.Status == intent.StatusRejected {
			s.Metrics.IncrementRejected()
		}
	}
	c.JSON(http.StatusOK, res)
}

type positionView struct {
	Symbol         string                       `json:"symbol"`
	RealQty        int64                        `json:"real_qty"`
	AvgPrice       float64                      `json:"avg_price"`
	Allocations    map[string]*state.Allocation `json:"allocations"`
	EntryLockOwner string                       `json:"entry_lock_owner,omitempty"`
	EntryLockUntil *time.Time                   `json:"entry_lock_until,omitempty"`
	Frozen         bool                         `json:"frozen"`
	WorkingOrders  int                          `json:"working_orders"`
}

func toView(p state.Position) positionView {
	v := positionView{
		Symbol:         p.Symbol,
		RealQty:        p.RealQty,
		AvgPrice:       p.AvgPrice,
		Allocations:    p.Allocations,
		EntryLockOwner: p.EntryLockOwner,
		Frozen:         p.Frozen,
		WorkingOrders:  len(p.WorkingOrders),
	}
	if !p.EntryLockUntil.IsZero() {
		t := p.EntryLockUntil
		v.EntryLockUntil = &t
	}
	return v
}

func (s *Server) getPositions(c *gin.Context) {
	out := make(map[string]positionView)
	for sym, p := range s.Store.Snapshots() {
		out[sym] = toView(p)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getPosition(c *gin.Context) {
	c.JSON(http.StatusOK, toView(s.Store.Snapshot(c.Param("symbol"))))
}

func (s *Server) getAllocations(c *gin.Context) {
	c.JSON(http.StatusOK, s.Store.AllocationsForStrategy(c.Param("strategy")))
}

// getAccount returns account scalars and flags. With ?strategy=, the
// equity is scaled by that strategy's capital allocation fraction.
func (s *Server) getAccount(c *gin.Context) {
	acct := s.Store.Account()
	equity := acct.Equity

	if strat := c.Query("strategy"); strat != "" {
		if b, ok := s.Risk.Config().Budgets[strat]; ok && b.CapitalAllocationPct > 0 {
			equity *= b.CapitalAllocationPct
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"equity":             equity,
		"buyable_cash":       acct.BuyableCash,
		"daily_realized_pnl": acct.DailyRealizedPnL,
		"daily_pnl":          acct.DailyPnL,
		"daily_pnl_pct":      acct.DailyPnLPct,
		"safe_mode":          s.Risk.SafeMode(),
		"halt_entries":       s.Risk.HaltEntries(),
	})
}

func (s *Server) strategyHeartbeat(c *gin.Context) {
	strat := c.Param("strategy")
	if s.Writer != nil {
		s.Writer.StrategyHeartbeat(strat)
	}
	c.JSON(http.StatusOK, gin.H{"strategy": strat, "status": "ok"})
}

func (s *Server) setRegime(c *gin.Context) {
	var req struct {
		Regime string `json:"regime"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if err := s.Risk.SetRegime(req.Regime); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REGIME", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"regime": req.Regime})
}

func (s *Server) setVICooldown(c *gin.Context) {
	var req struct {
		Symbol  string `json:"symbol"`
		Seconds int    `json:"seconds,omitempty"`
	}
	if err := c.BindJSON(&req); err != nil || req.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "symbol is required"})
		return
	}
	sec := req.Seconds
	if sec <= 0 {
		sec = s.Risk.Config().VICooldownSec
	}
	until := time.Now().Add(time.Duration(sec) * time.Second)
	s.Store.SetVICooldown(req.Symbol, until)
	c.JSON(http.StatusOK, gin.H{"symbol": req.Symbol, "cooldown_until": until})
}

func (s *Server) setSafeMode(c *gin.Context) {
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "enabled must be true or false"})
		return
	}
	s.Risk.SetSafeMode(enabled)
	if s.Writer != nil {
		s.Writer.SaveOMSState(enabled, s.Risk.HaltEntries(), "operator")
	}
	c.JSON(http.StatusOK, gin.H{"safe_mode": enabled})
}

// flattenAll submits a FLATTEN intent per open allocation so every
// exit still runs through risk, arbitration, and the planner.
func (s *Server) flattenAll(c *gin.Context) {
	s.Risk.SetFlattening(true)
	defer s.Risk.SetFlattening(false)

	results := make([]intent.Result, 0)
	for sym, pos := range s.Store.Snapshots() {
		for strat, a := range pos.Allocations {
			if a.Qty <= 0 || strat == state.UnknownStrategy {
				continue
			}
			it := &intent.Intent{
				Strategy: strat,
				Symbol:   sym,
				Kind:     intent.KindFlatten,
				Urgency:  intent.UrgencyHigh,
				Risk:     intent.RiskPayload{Rationale: "flatten-all"},
			}
			results = append(results, s.Pipeline.SubmitIntent(c.Request.Context(), it))
		}
	}
	log.Warnf("flatten-all issued %d exit intents", len(results))
	c.JSON(http.StatusOK, gin.H{"flattened": len(results), "results": results})
}

// eodCleanup cancels all working orders, resets daily counters, and
// clears the entry halt.
func (s *Server) eodCleanup(c *gin.Context) {
	cancelled := 0
	for sym, wos := range s.Store.AllWorkingOrders() {
		seen := make(map[string]bool)
		for _, wo := range wos {
			if seen[wo.Strategy] {
				continue
			}
			seen[wo.Strategy] = true
			it := &intent.Intent{
				Strategy: wo.Strategy,
				Symbol:   sym,
				Kind:     intent.KindCancelOrders,
			}
			res := s.Pipeline.SubmitIntent(c.Request.Context(), it)
			if res.Status == intent.StatusExecuted {
				cancelled++
			}
		}
	}

	s.Store.ResetDaily()
	s.Risk.SetHaltEntries(false)
	if s.Writer != nil {
		s.Writer.SaveOMSState(s.Risk.SafeMode(), false, "eod-cleanup")
	}
	log.Infof("eod cleanup: %d cancel batches, daily counters reset", cancelled)
	c.JSON(http.StatusOK, gin.H{"cancel_batches": cancelled})
}

func (s *Server) pauseStrategy(c *gin.Context) {
	strat := c.Param("strategy")
	s.Risk.PauseStrategy(strat)
	c.JSON(http.StatusOK, gin.H{"strategy": strat, "paused": true})
}

func (s *Server) resumeStrategy(c *gin.Context) {
	strat := c.Param("strategy")
	s.Risk.ResumeStrategy(strat)
	c.JSON(http.StatusOK, gin.H{"strategy": strat, "paused": false})
}

func (s *Server) resolveDrift(c *gin.Context) {
	var req struct {
		Symbol         string `json:"symbol"`
		Action         string `json:"action"` // reassign | acknowledge
		TargetStrategy string `json:"target_strategy,omitempty"`
	}
	if err := c.BindJSON(&req); err != nil || req.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "symbol and action are required"})
		return
	}
	if !s.Store.ResolveDrift(req.Symbol, req.Action, req.TargetStrategy) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "DRIFT_NOT_RESOLVED", "error": "nothing to resolve for the given action"})
		return
	}
	if s.Writer != nil {
		s.Writer.RecordRecon("DRIFT_RESOLVED", req.Symbol, req.Action+" by operator")
		s.Writer.SavePosition(s.Store.Snapshot(req.Symbol))
	}
	log.Infof("drift on %s resolved via %s", req.Symbol, req.Action)
	c.JSON(http.StatusOK, gin.H{"symbol": req.Symbol, "resolved": true})
}

// Package api exposes the intent ingress and operator surface over
// JSON HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"oms-core/internal/events"
	"oms-core/internal/intent"
	"oms-core/internal/monitor"
	"oms-core/internal/persistence"
	"oms-core/internal/risk"
	"oms-core/internal/state"
)

// IntentSubmitter is the pipeline surface the server calls.
type IntentSubmitter interface {
	SubmitIntent(ctx context.Context, it *intent.Intent) intent.Result
}

// ReconStatus reports reconciliation loop health.
type ReconStatus interface {
	Status() map[string]any
}

// BreakerStatus reports the broker circuit breaker state.
type BreakerStatus interface {
	BreakerState() string
}

// Server wires the HTTP endpoints around the pipeline and state store.
type Server struct {
	Router    *gin.Engine
	Pipeline  IntentSubmitter
	Store     *state.Store
	Risk      *risk.Gateway
	Recon     ReconStatus
	Breaker   BreakerStatus
	Metrics   *monitor.SystemMetrics
	Writer    *persistence.Writer
	Bus       *events.Bus
	JWTSecret string
	start     time.Time
}

// NewServer builds the router with the standard middleware stack.
func NewServer(pipe IntentSubmitter, store *state.Store, gw *risk.Gateway, recon ReconStatus,
	breaker BreakerStatus, metrics *monitor.SystemMetrics, writer *persistence.Writer,
	bus *events.Bus, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Pipeline:  pipe,
		Store:     store,
		Risk:      gw,
		Recon:     recon,
		Breaker:   breaker,
		Metrics:   metrics,
		Writer:    writer,
		Bus:       bus,
		JWTSecret: jwtSecret,
		start:     time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", s.getMetrics)
	s.Router.GET("/ws", s.websocket)

	s.Router.POST("/intents", s.postIntent)
	s.Router.GET("/positions", s.getPositions)
	s.Router.GET("/positions/:symbol", s.getPosition)
	s.Router.GET("/allocations/:strategy", s.getAllocations)
	s.Router.GET("/state/account", s.getAccount)
	s.Router.POST("/strategies/:strategy/heartbeat", s.strategyHeartbeat)

	riskGroup := s.Router.Group("/risk")
	{
		riskGroup.POST("/regime", s.setRegime)
		riskGroup.POST("/vi-cooldown", s.setVICooldown)
		riskGroup.POST("/safe-mode", s.setSafeMode)
	}

	admin := s.Router.Group("/admin")
	if s.JWTSecret != "" {
		admin.Use(AuthMiddleware(s.JWTSecret))
	}
	{
		admin.POST("/flatten-all", s.flattenAll)
		admin.POST("/eod-cleanup", s.eodCleanup)
		admin.POST("/pause-strategy/:strategy", s.pauseStrategy)
		admin.POST("/resume-strategy/:strategy", s.resumeStrategy)
		admin.POST("/resolve-drift", s.resolveDrift)
	}
}

func (s *Server) health(c *gin.Context) {
	status := "ok"
	breakerState := ""
	if s.Breaker != nil {
		breakerState = s.Breaker.BreakerState()
		if breakerState == "open" {
			status = "degraded"
		}
	}
	if s.Risk.HaltEntries() && status == "ok" {
		status = "warn"
	}
	if s.Risk.SafeMode() {
		status = "degraded"
	}

	var recon map[string]any
	if s.Recon != nil {
		recon = s.Recon.Status()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"uptime_seconds":  time.Since(s.start).Seconds(),
		"positions":       len(s.Store.Symbols()),
		"circuit_breaker": breakerState,
		"reconciliation":  recon,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	snap := s.Metrics.GetSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"metrics":        snap,
		"dropped_writes": s.Writer.Dropped(),
	})
}

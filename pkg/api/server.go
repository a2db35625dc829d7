// Package api is the thin external HTTP surface over the probe pipeline:
// target registration/control and read-only history/stats queries. It
// does not own any domain logic — every handler delegates to the store,
// the probe engine or the enricher.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/northbeam-io/pulsecheck/internal/config"
	"github.com/northbeam-io/pulsecheck/internal/enrich"
	"github.com/northbeam-io/pulsecheck/internal/probeengine"
	"github.com/northbeam-io/pulsecheck/internal/scheduler"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

// Server holds the dependencies the HTTP handlers need.
type Server struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	probe     *probeengine.Engine
	enricher  *enrich.Enricher
	region    string
}

// NewRouter builds the gin engine for the worker's introspection and
// control API, grouped under /api/v1. probe and enricher back the manual
// on-demand probe endpoint and may be nil in contexts that never expose
// it.
func NewRouter(st *store.Store, sched *scheduler.Scheduler, probe *probeengine.Engine, enricher *enrich.Enricher, region string, release bool) *gin.Engine {
	if release {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{store: st, scheduler: sched, probe: probe, enricher: enricher, region: region}

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), corsMiddleware())

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		targets := v1.Group("/targets")
		{
			targets.POST("", s.createTarget)
			targets.GET("", s.listTargets)
			targets.GET("/:id", s.getTarget)
			targets.PUT("/:id", s.updateTarget)
			targets.DELETE("/:id", s.deleteTarget)
			targets.POST("/:id/enable", s.toggleEnabled(true))
			targets.POST("/:id/disable", s.toggleEnabled(false))
			targets.POST("/:id/probe", s.manualProbe)
			targets.GET("/:id/history", s.targetHistory)
			targets.GET("/:id/rollups", s.targetRollups)
			targets.GET("/:id/stats", s.targetStats)
			targets.GET("/:id/audit-log", s.targetAuditLog)
		}

		subs := v1.Group("/subscriptions")
		{
			subs.GET("/:user_id", s.getSubscription)
			subs.PUT("/:user_id", s.upsertSubscription)
		}

		budgets := v1.Group("/budgets")
		{
			budgets.GET("/:user_id/:channel", s.budgetUsage)
		}
	}

	return r
}

// corsMiddleware applies a permissive CORS policy for the API surface.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.HealthCheck(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}

	resp := gin.H{
		"status":    "healthy",
		"region":    s.region,
		"timestamp": time.Now().UTC(),
	}
	if s.scheduler != nil {
		resp["last_tick_lag_ms"] = s.scheduler.LastTickLag.Milliseconds()
	}
	c.JSON(http.StatusOK, resp)
}

func tierMinimum(tier string) time.Duration {
	return config.TierMinimumInterval(tier)
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"

	"github.com/northbeam-io/pulsecheck/internal/aggregator"
	"github.com/northbeam-io/pulsecheck/internal/config"
	"github.com/northbeam-io/pulsecheck/internal/dispatch"
	"github.com/northbeam-io/pulsecheck/internal/enrich"
	"github.com/northbeam-io/pulsecheck/internal/probeengine"
	"github.com/northbeam-io/pulsecheck/internal/resolver"
	"github.com/northbeam-io/pulsecheck/internal/scheduler"
	"github.com/northbeam-io/pulsecheck/internal/sink"
	"github.com/northbeam-io/pulsecheck/internal/store"
	"github.com/northbeam-io/pulsecheck/pkg/api"
)

func main() {
	log.Println("🔍 Starting PulseCheck Monitor Worker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}
	log.Printf("📋 Region: %s", cfg.Region)

	st, err := store.Open(cfg.Database.Path, cfg.Database.WALMode)
	if err != nil {
		log.Fatalf("❌ Failed to open store: %v", err)
	}
	defer st.Close()

	resolverCache := resolver.New(resolverConfig(cfg.Resolver))
	defer resolverCache.Close()

	probeEngine := probeengine.New(resolverCache, cfg.Probe)

	enricher := enrich.Open(geoIPPath(cfg.Enrich), geoASNPath(cfg.Enrich))
	defer enricher.Close()

	snk := sink.New(st)

	var twilioClient *twilio.RestClient
	if sid, token := os.Getenv("TWILIO_ACCOUNT_SID"), os.Getenv("TWILIO_AUTH_TOKEN"); sid != "" && token != "" {
		twilioClient = twilio.NewRestClientWithParams(twilio.ClientParams{Username: sid, Password: token})
	}
	dispatcher := dispatch.New(cfg.Dispatch, st.Budgets(), config.TierAlertBudget, twilioClient)

	holderID := workerHolderID()
	sched := scheduler.New(cfg.Scheduler, cfg.Region, holderID, st, probeEngine, enricher, snk, dispatcher)
	agg := aggregator.New(cfg.Aggregator, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx)
	go agg.Run(ctx)
	go runReplayLoop(ctx, snk)

	environment := os.Getenv("PULSECHECK_ENV")
	router := api.NewRouter(st, sched, probeEngine, enricher, cfg.Region, environment == "production")

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Printf("🚀 PulseCheck API server starting on port %d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down monitor worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Monitor worker shutdown complete")
}

// runReplayLoop drains outcomes the sink could not append to the store
// (e.g. during an outage) back into durable storage once it recovers.
func runReplayLoop(ctx context.Context, snk *sink.Sink) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := snk.ReplayPending(100); err != nil {
				log.Printf("worker: replay pass failed: %v", err)
			} else if n > 0 {
				log.Printf("worker: replayed %d queued outcomes", n)
			}
		}
	}
}

func resolverConfig(rc config.ResolverConfig) resolver.Config {
	backoffs := make([]time.Duration, len(rc.RetryBackoffMS))
	for i, ms := range rc.RetryBackoffMS {
		backoffs[i] = time.Duration(ms) * time.Millisecond
	}
	return resolver.Config{
		UpstreamServers:      rc.UpstreamServers,
		PositiveTTL:          time.Duration(rc.PositiveTTLMS) * time.Millisecond,
		NegativeTTLPermanent: time.Duration(rc.NegativeTTLPermanentMS) * time.Millisecond,
		NegativeTTLTransient: time.Duration(rc.NegativeTTLTransientMS) * time.Millisecond,
		PerQueryTimeout:      time.Duration(rc.PerQueryTimeoutMS) * time.Millisecond,
		MaxRetries:           rc.MaxRetries,
		RetryBackoff:         backoffs,
	}
}

func geoIPPath(ec config.EnrichConfig) string {
	if !ec.Enabled {
		return ""
	}
	return ec.GeoIPDatabasePath
}

func geoASNPath(ec config.EnrichConfig) string {
	if !ec.Enabled {
		return ""
	}
	return ec.GeoASNDatabasePath
}

func workerHolderID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}

// Package scheduler implements the per-worker tick loop: it acquires the
// region lock, pulls the batch of due targets, and fans each one out
// through the full probe → enrich → classify → sink → dispatch
// pipeline over a bounded worker pool.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/northbeam-io/pulsecheck/internal/classify"
	"github.com/northbeam-io/pulsecheck/internal/config"
	"github.com/northbeam-io/pulsecheck/internal/dispatch"
	"github.com/northbeam-io/pulsecheck/internal/enrich"
	"github.com/northbeam-io/pulsecheck/internal/probeengine"
	"github.com/northbeam-io/pulsecheck/internal/sink"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

// Scheduler runs the tick loop for one worker process.
type Scheduler struct {
	cfg        config.SchedulerConfig
	region     string
	holderID   string
	store      *store.Store
	probe      *probeengine.Engine
	enricher   *enrich.Enricher
	sink       *sink.Sink
	dispatcher *dispatch.Dispatcher

	// LastTickLag surfaces how far a tick ran past its interval, an
	// overload signal worth keeping observable.
	LastTickLag time.Duration
}

// New constructs a Scheduler for a single worker instance, identified by
// holderID for the region lock.
func New(cfg config.SchedulerConfig, region, holderID string, st *store.Store, probe *probeengine.Engine, enricher *enrich.Enricher, snk *sink.Sink, dispatcher *dispatch.Dispatcher) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		region:     region,
		holderID:   holderID,
		store:      st,
		probe:      probe,
		enricher:   enricher,
		sink:       snk,
		dispatcher: dispatcher,
	}
}

// Run blocks, executing ticks until ctx is cancelled. Each tick schedules
// the next one as a one-shot delay after it completes, so a long tick
// never causes concurrent self-overlap.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.TickIntervalMS) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tickStart := time.Now()
		s.tick(ctx)
		elapsed := time.Since(tickStart)
		s.LastTickLag = elapsed - interval

		delay := interval - elapsed
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	leaseDuration := time.Duration(s.cfg.LeaseSeconds) * time.Second

	acquired, err := s.store.RegionLocks().TryAcquire(s.region, s.holderID, now, leaseDuration)
	if err != nil {
		log.Printf("scheduler: failed to acquire region lock for %s: %v", s.region, err)
		return
	}
	if !acquired {
		log.Printf("scheduler: lock_not_acquired for region %s (holder %s), skipping tick", s.region, s.holderID)
		return
	}
	defer func() {
		if err := s.store.RegionLocks().Release(s.region, s.holderID); err != nil {
			log.Printf("scheduler: failed to release region lock for %s: %v", s.region, err)
		}
	}()

	targets, err := s.store.Targets().DueNow(s.region, now, s.cfg.BatchLimit)
	if err != nil {
		log.Printf("scheduler: failed to query due targets: %v", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	done := make(chan struct{}, len(targets))

	launched := 0
	for _, t := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // context cancelled mid-tick
		}
		launched++
		go func(target *store.Target) {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			s.processTarget(ctx, target)
		}(t)
	}

	for i := 0; i < launched; i++ {
		<-done
	}
}

// processTarget runs the full §4.2→§4.6 pipeline for one target. The
// pipeline for a single target is sequential; concurrency is only across
// targets, enforced here by the caller's semaphore.
func (s *Scheduler) processTarget(ctx context.Context, target *store.Target) {
	now := time.Now().UTC()

	outcome, headers := s.probe.Probe(ctx, target, now)
	s.enricher.Enrich(outcome, headers)

	if err := s.sink.AppendOutcome(outcome); err != nil {
		log.Printf("scheduler: failed to append outcome for target %s: %v", target.ID, err)
	}

	prevState := classify.FromTarget(target)
	result := classify.Apply(prevState, outcome, now)

	interval := time.Duration(target.IntervalSeconds) * time.Second
	nextDue := now.Add(interval).Add(jitter(interval))

	updateErr := s.sink.UpdateTargetState(target.ID, func(cur *store.Target) store.StateDelta {
		delta := store.StateDelta{
			Status:              result.NewState.Status,
			LastCheckedAt:       now,
			NextDueAt:           nextDue,
			LastResponseTimeMS:  outcome.ResponseTimeMS,
			LastStatusCode:      outcome.StatusCode,
			LastError:           result.NewState.LastError,
			ConsecutiveFailures: result.NewState.ConsecutiveFailures,
			FirstFailureAt:      result.NewState.FirstFailureTime,
			AutoDisabled:        result.AutoDisable || cur.AutoDisabled,
		}
		if result.AutoDisable && !cur.AutoDisabled {
			disabledAt := now
			reason := result.DisableReason
			delta.AutoDisabledAt = &disabledAt
			delta.AutoDisabledReason = &reason
		} else {
			delta.AutoDisabledAt = cur.AutoDisabledAt
			delta.AutoDisabledReason = cur.AutoDisabledReason
		}
		return delta
	})
	if updateErr != nil {
		log.Printf("scheduler: state update failed for target %s: %v", target.ID, updateErr)
	}

	if result.Event != "" && s.dispatcher != nil {
		s.dispatchEvent(target, prevState, result)
	}
}

func (s *Scheduler) dispatchEvent(target *store.Target, prevState classify.State, result classify.Result) {
	sub, err := s.store.Subscriptions().GetByUser(target.OwnerID)
	if err != nil {
		return // no subscription configured for this owner
	}

	enabledEvents := sub.Events()
	if override, ok := sub.Overrides()[target.ID]; ok {
		if override.Enabled != nil && !*override.Enabled {
			return
		}
		if override.Events != nil {
			enabledEvents = make(map[string]bool, len(override.Events))
			for _, e := range override.Events {
				enabledEvents[e] = true
			}
		}
	}

	eligible := classify.AlertEligible(result.Event, enabledEvents, sub.MinConsecutiveEvents,
		result.NewState.ConsecutiveFailures, prevState.ConsecutiveFailures, result.NewState.Status == classify.StatusDisabled)
	if !eligible {
		return
	}

	// The event carries the target as classified by this probe, so the
	// dispatcher's dedup key and payload see the new status.
	classified := *target
	classified.Status = result.NewState.Status
	classified.LastError = result.NewState.LastError

	ev := dispatch.Event{
		Kind:           result.Event,
		Target:         &classified,
		PreviousStatus: prevState.Status,
		UserID:         sub.UserID,
	}

	now := time.Now().UTC()
	for _, channel := range []string{dispatch.ChannelWebhook, dispatch.ChannelEmail, dispatch.ChannelSMS} {
		if !channelConfigured(sub, channel) {
			continue
		}
		s.dispatcher.Dispatch(sub, channel, ev, now)
	}
}

func channelConfigured(sub *store.AlertSubscription, channel string) bool {
	switch channel {
	case dispatch.ChannelWebhook:
		return sub.WebhookURL != nil && *sub.WebhookURL != ""
	case dispatch.ChannelEmail:
		return sub.RecipientEmail != nil && *sub.RecipientEmail != ""
	case dispatch.ChannelSMS:
		return sub.RecipientPhone != nil && *sub.RecipientPhone != ""
	default:
		return false
	}
}

// jitter returns a random offset within ±10% of interval, to prevent
// thundering-herd synchronization across targets sharing an interval.
func jitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	spread := float64(interval) * 0.1
	return time.Duration((rand.Float64()*2 - 1) * spread)
}

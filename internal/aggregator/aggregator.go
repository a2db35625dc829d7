// Package aggregator is the daily summary aggregator: it materializes
// per-(target, day) rollups from probe outcome history on an hourly
// schedule, and reconciles target state against history when a
// target has gone stale without a state update.
package aggregator

import (
	"context"
	"log"
	"time"

	"github.com/northbeam-io/pulsecheck/internal/classify"
	"github.com/northbeam-io/pulsecheck/internal/config"
	"github.com/northbeam-io/pulsecheck/internal/probeengine"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

// certExpiringSoonWindow flags a rollup day if any outcome's TLS cert
// expires within this window of the time the rollup is computed.
const certExpiringSoonWindow = 14 * 24 * time.Hour

// Aggregator runs the hourly rollup and reconciliation passes.
type Aggregator struct {
	cfg   config.AggregatorConfig
	store *store.Store

	// lastRunSince records the UTC day of the previous run, so a run that
	// follows a gap longer than the lookback window reaches back to it.
	lastRunSince string
}

// New constructs an Aggregator.
func New(cfg config.AggregatorConfig, st *store.Store) *Aggregator {
	return &Aggregator{cfg: cfg, store: st}
}

// Run blocks, executing the aggregator on its configured interval until
// ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	interval := time.Duration(a.cfg.RunIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.runOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runOnce()
		}
	}
}

func (a *Aggregator) runOnce() {
	if err := a.rollupPass(); err != nil {
		log.Printf("aggregator: rollup pass failed: %v", err)
	}
	if err := a.reconcilePass(); err != nil {
		log.Printf("aggregator: reconciliation pass failed: %v", err)
	}
}

// rollupPass recomputes daily rollups for every (target, day) partition
// that has outcomes within the lookback window, or since the last run's
// day if that is earlier. Every such partition is recomputed, whether or
// not it gained outcomes since the last run.
func (a *Aggregator) rollupPass() error {
	lookbackDays := a.cfg.LookbackDays
	if lookbackDays <= 0 {
		lookbackDays = 2
	}
	since := time.Now().UTC().AddDate(0, 0, -lookbackDays).Format("2006-01-02")
	if a.lastRunSince != "" && a.lastRunSince < since {
		since = a.lastRunSince
	}

	partitions, err := a.store.Outcomes().DistinctTargetDaysSince(since)
	if err != nil {
		return err
	}

	for _, p := range partitions {
		outcomes, err := a.store.Outcomes().ForDay(p.TargetID, p.Day)
		if err != nil {
			log.Printf("aggregator: failed to load outcomes for %s/%s: %v", p.TargetID, p.Day, err)
			continue
		}
		roll := computeRollup(p.TargetID, p.Day, outcomes)
		if err := a.store.Rollups().Upsert(roll); err != nil {
			log.Printf("aggregator: failed to upsert rollup %s/%s: %v", p.TargetID, p.Day, err)
		}
	}

	a.lastRunSince = time.Now().UTC().Format("2006-01-02")
	return nil
}

// outcomeSeverity orders outcome kinds worst-first for the "worst outcome
// kind" rollup field.
var outcomeSeverity = map[string]int{
	probeengine.KindUnknownError:    0,
	probeengine.KindConnectFailure:  1,
	probeengine.KindDNSFailure:      2,
	probeengine.KindTLSFailure:      3,
	probeengine.KindTimeout:         4,
	probeengine.KindHTTPError:       5,
	probeengine.KindAssertionFailed: 6,
	probeengine.KindRedirect:        7,
	probeengine.KindOK:              8,
}

func computeRollup(targetID, day string, outcomes []*store.ProbeOutcome) *store.DailyRollup {
	roll := &store.DailyRollup{TargetID: targetID, Day: day}
	if len(outcomes) == 0 {
		return roll
	}

	var totalResponseMS int
	worstRank := len(outcomeSeverity)
	var worstKind string
	certSoon := false
	now := time.Now().UTC()

	for _, o := range outcomes {
		roll.TotalProbes++
		if o.OutcomeKind != probeengine.KindOK && o.OutcomeKind != probeengine.KindRedirect {
			roll.FailureCount++
		}
		totalResponseMS += o.ResponseTimeMS

		if rank, ok := outcomeSeverity[o.OutcomeKind]; ok && rank < worstRank {
			worstRank = rank
			worstKind = o.OutcomeKind
		}
		if o.TLSNotAfter != nil && o.TLSNotAfter.Sub(now) <= certExpiringSoonWindow {
			certSoon = true
		}
	}

	roll.HasIssue = roll.FailureCount > 0
	if worstKind != "" {
		roll.WorstOutcomeKind = &worstKind
	}
	roll.AvgResponseTimeMS = float64(totalResponseMS) / float64(len(outcomes))
	roll.CertExpiringSoon = certSoon
	return roll
}

// reconcilePass re-derives target state from history for any target whose
// updated_at is older than both 2 hours and 2x its probe interval — the
// signal that a state write was skipped after a store failure. Targets
// updated within the last 2 hours are not considered, so a target with an
// interval under an hour is reconciled only once it has been stale for 2
// hours.
func (a *Aggregator) reconcilePass() error {
	targets, err := a.store.Targets().StaleSince(time.Now().UTC().Add(-2 * time.Hour))
	if err != nil {
		return err
	}

	for _, t := range targets {
		interval := time.Duration(t.IntervalSeconds) * time.Second
		cutoff := time.Now().UTC().Add(-2 * interval)
		if t.UpdatedAt.After(cutoff) {
			continue // not actually stale relative to its own interval
		}

		latest, err := a.store.Outcomes().LatestByTarget(t.ID)
		if err != nil {
			continue // no history yet; nothing to reconcile from
		}

		prevState := classify.FromTarget(t)
		result := classify.Apply(prevState, latest, time.Now().UTC())

		err = a.store.Targets().ApplyStateDelta(t.ID, func(cur *store.Target) store.StateDelta {
			nextDue := time.Now().UTC().Add(interval)
			if cur.NextDueAt != nil {
				nextDue = cur.NextDueAt.Add(interval)
			}
			return store.StateDelta{
				Status:              result.NewState.Status,
				LastCheckedAt:       latest.OccurredAt,
				NextDueAt:           nextDue,
				LastResponseTimeMS:  latest.ResponseTimeMS,
				LastStatusCode:      latest.StatusCode,
				LastError:           result.NewState.LastError,
				ConsecutiveFailures: result.NewState.ConsecutiveFailures,
				FirstFailureAt:      result.NewState.FirstFailureTime,
				AutoDisabled:        result.AutoDisable || cur.AutoDisabled,
				AutoDisabledAt:      cur.AutoDisabledAt,
				AutoDisabledReason:  cur.AutoDisabledReason,
			}
		})
		if err != nil {
			log.Printf("aggregator: reconciliation failed for target %s: %v", t.ID, err)
		}
	}
	return nil
}

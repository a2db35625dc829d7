// Package sink durably persists probe outcomes and applies the
// classifier's state delta to the target record, retrying transient
// store failures before spilling to a local replay queue.
package sink

import (
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/northbeam-io/pulsecheck/internal/store"
	"github.com/northbeam-io/pulsecheck/internal/xerrors"
)

const appendRetries = 3

// Sink wraps the store repositories the probe pipeline writes through.
type Sink struct {
	store *store.Store
}

// New constructs a Sink over an open store.
func New(s *store.Store) *Sink {
	return &Sink{store: s}
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 2 * time.Second
	return backoff.WithMaxRetries(b, appendRetries)
}

// AppendOutcome durably records a probe outcome. On exhausted retries it
// spills the outcome to the local replay queue rather than dropping it.
func (s *Sink) AppendOutcome(o *store.ProbeOutcome) error {
	err := backoff.Retry(func() error {
		return s.store.Outcomes().Append(o)
	}, retryPolicy())
	if err == nil {
		return nil
	}

	if spillErr := s.store.ReplayQueue().Enqueue(o); spillErr != nil {
		return xerrors.NewStoreError("AppendOutcome", xerrors.KindStoreUnavailable, spillErr)
	}
	log.Printf("result sink: outcome %s spilled to replay queue after %d retries: %v", o.ID, appendRetries, err)
	return xerrors.NewStoreError("AppendOutcome", xerrors.KindStoreUnavailable, err)
}

// UpdateTargetState applies a classifier-produced delta to the target
// record via the store's conditional read-modify-write loop. On
// persistent failure, the update is skipped for this tick; the daily
// aggregator's reconciliation pass (§4.8) will re-derive state from
// history on its next run.
func (s *Sink) UpdateTargetState(targetID string, fn func(cur *store.Target) store.StateDelta) error {
	err := backoff.Retry(func() error {
		applyErr := s.store.Targets().ApplyStateDelta(targetID, fn)
		if applyErr != nil && xerrors.IsKind(applyErr, xerrors.KindStoreConflict) {
			return backoff.Permanent(applyErr)
		}
		return applyErr
	}, retryPolicy())
	if err != nil {
		log.Printf("result sink: target %s state update skipped this tick, reconciler will correct: %v", targetID, err)
	}
	return err
}

// UpsertDailyRollup writes a recomputed rollup, retrying transient failures.
func (s *Sink) UpsertDailyRollup(roll *store.DailyRollup) error {
	return backoff.Retry(func() error {
		return s.store.Rollups().Upsert(roll)
	}, retryPolicy())
}

// ReplayPending drains up to limit queued outcomes back into the store,
// used by a background replay loop the worker runs alongside the
// scheduler.
func (s *Sink) ReplayPending(limit int) (replayed int, err error) {
	items, err := s.store.ReplayQueue().Pending(limit)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if appendErr := s.store.Outcomes().Append(item.Outcome); appendErr != nil {
			_ = s.store.ReplayQueue().BumpAttempts(item.QueueID)
			continue
		}
		if markErr := s.store.ReplayQueue().MarkReplayed(item.QueueID); markErr != nil {
			continue
		}
		replayed++
	}
	return replayed, nil
}

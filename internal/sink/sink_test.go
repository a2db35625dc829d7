package sink

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/pulsecheck/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAppendOutcome_PersistsToOutcomesTable(t *testing.T) {
	st := openTestStore(t)
	s := New(st)

	target := &store.Target{ID: "t1", OwnerID: "u1", Name: "site", URL: "https://example.test", IntervalSeconds: 60}
	require.NoError(t, st.Targets().Create(target))

	o := &store.ProbeOutcome{
		ID:          "o1",
		TargetID:    target.ID,
		OwnerID:     "u1",
		Day:         "2026-07-31",
		Region:      "us-east",
		OutcomeKind: "ok",
	}
	require.NoError(t, s.AppendOutcome(o))

	got, err := st.Outcomes().LatestByTarget(target.ID)
	require.NoError(t, err)
	require.Equal(t, "o1", got.ID)
}

func TestAppendOutcome_IsIdempotentOnRepeatedID(t *testing.T) {
	st := openTestStore(t)
	s := New(st)

	target := &store.Target{ID: "t1", OwnerID: "u1", Name: "site", URL: "https://example.test", IntervalSeconds: 60}
	require.NoError(t, st.Targets().Create(target))

	o := &store.ProbeOutcome{ID: "dup", TargetID: target.ID, OwnerID: "u1", Day: "2026-07-31", Region: "us-east", OutcomeKind: "ok"}
	require.NoError(t, s.AppendOutcome(o))
	require.NoError(t, s.AppendOutcome(o))

	all, err := st.Outcomes().ForDay(target.ID, "2026-07-31")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

// When the store itself is closed, both the append and the spill to the
// replay queue (which lives in the same database) fail, so AppendOutcome
// returns an error and the caller's pipeline sees the probe as not
// durably recorded.
func TestAppendOutcome_ReturnsErrorWhenStoreClosed(t *testing.T) {
	st := openTestStore(t)
	s := New(st)
	require.NoError(t, st.Close())

	o := &store.ProbeOutcome{ID: "o1", TargetID: "missing-target", OwnerID: "u1", Day: "2026-07-31", Region: "us-east", OutcomeKind: "ok"}
	err := s.AppendOutcome(o)
	require.Error(t, err)
}

func TestUpdateTargetState_AppliesDeltaViaConditionalUpdate(t *testing.T) {
	st := openTestStore(t)
	s := New(st)

	target := &store.Target{ID: "t1", OwnerID: "u1", Name: "site", URL: "https://example.test", IntervalSeconds: 60}
	require.NoError(t, st.Targets().Create(target))

	err := s.UpdateTargetState(target.ID, func(cur *store.Target) store.StateDelta {
		return store.StateDelta{
			Status:              "online",
			LastCheckedAt:       cur.UpdatedAt,
			NextDueAt:           cur.UpdatedAt,
			LastResponseTimeMS:  42,
			ConsecutiveFailures: 0,
		}
	})
	require.NoError(t, err)

	got, err := st.Targets().GetByID(target.ID)
	require.NoError(t, err)
	require.Equal(t, "online", got.Status)
	require.Equal(t, 42, *got.LastResponseTimeMS)
}

func TestReplayPending_DrainsQueueBackIntoOutcomes(t *testing.T) {
	st := openTestStore(t)
	s := New(st)

	target := &store.Target{ID: "t1", OwnerID: "u1", Name: "site", URL: "https://example.test", IntervalSeconds: 60}
	require.NoError(t, st.Targets().Create(target))

	o := &store.ProbeOutcome{ID: "queued1", TargetID: target.ID, OwnerID: "u1", Day: "2026-07-31", Region: "us-east", OutcomeKind: "ok"}
	require.NoError(t, st.ReplayQueue().Enqueue(o))

	replayed, err := s.ReplayPending(10)
	require.NoError(t, err)
	require.Equal(t, 1, replayed)

	got, err := st.Outcomes().LatestByTarget(target.ID)
	require.NoError(t, err)
	require.Equal(t, "queued1", got.ID)

	pending, err := st.ReplayQueue().Pending(10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

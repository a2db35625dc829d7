package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/pulsecheck/internal/config"
	"github.com/northbeam-io/pulsecheck/internal/probeengine"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestComputeRollup_EmptyOutcomesReturnsZeroRollup(t *testing.T) {
	roll := computeRollup("t1", "2026-07-31", nil)
	assert.Equal(t, 0, roll.TotalProbes)
	assert.False(t, roll.HasIssue)
	assert.Nil(t, roll.WorstOutcomeKind)
}

func TestComputeRollup_CountsFailuresAndTracksWorstKind(t *testing.T) {
	outcomes := []*store.ProbeOutcome{
		{OutcomeKind: probeengine.KindOK, ResponseTimeMS: 100},
		{OutcomeKind: probeengine.KindHTTPError, ResponseTimeMS: 200},
		{OutcomeKind: probeengine.KindConnectFailure, ResponseTimeMS: 0},
	}
	roll := computeRollup("t1", "2026-07-31", outcomes)

	assert.Equal(t, 3, roll.TotalProbes)
	assert.Equal(t, 2, roll.FailureCount)
	assert.True(t, roll.HasIssue)
	require.NotNil(t, roll.WorstOutcomeKind)
	assert.Equal(t, probeengine.KindConnectFailure, *roll.WorstOutcomeKind)
	assert.InDelta(t, 100.0, roll.AvgResponseTimeMS, 0.01)
}

func TestComputeRollup_FlagsCertExpiringWithinWindow(t *testing.T) {
	soon := time.Now().UTC().Add(5 * 24 * time.Hour)
	outcomes := []*store.ProbeOutcome{
		{OutcomeKind: probeengine.KindOK, TLSNotAfter: &soon},
	}
	roll := computeRollup("t1", "2026-07-31", outcomes)
	assert.True(t, roll.CertExpiringSoon)
}

func TestComputeRollup_CertFarInFutureIsNotFlagged(t *testing.T) {
	far := time.Now().UTC().Add(90 * 24 * time.Hour)
	outcomes := []*store.ProbeOutcome{
		{OutcomeKind: probeengine.KindOK, TLSNotAfter: &far},
	}
	roll := computeRollup("t1", "2026-07-31", outcomes)
	assert.False(t, roll.CertExpiringSoon)
}

func TestRollupPass_WritesRollupForTargetWithOutcomes(t *testing.T) {
	st := openTestStore(t)
	a := New(config.AggregatorConfig{LookbackDays: 2}, st)

	target := &store.Target{ID: "t1", OwnerID: "u1", Name: "site", URL: "https://example.test", IntervalSeconds: 60}
	require.NoError(t, st.Targets().Create(target))

	day := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, st.Outcomes().Append(&store.ProbeOutcome{
		ID: "o1", TargetID: target.ID, OwnerID: "u1", Day: day, Region: "us-east",
		OutcomeKind: probeengine.KindOK, ResponseTimeMS: 50,
	}))
	require.NoError(t, st.Outcomes().Append(&store.ProbeOutcome{
		ID: "o2", TargetID: target.ID, OwnerID: "u1", Day: day, Region: "us-east",
		OutcomeKind: probeengine.KindHTTPError, ResponseTimeMS: 150,
	}))

	require.NoError(t, a.rollupPass())

	roll, err := st.Rollups().GetByTargetDay(target.ID, day)
	require.NoError(t, err)
	assert.Equal(t, 2, roll.TotalProbes)
	assert.Equal(t, 1, roll.FailureCount)
	assert.True(t, roll.HasIssue)
}

func TestReconcilePass_ReDerivesStaleTargetStateFromLatestOutcome(t *testing.T) {
	st := openTestStore(t)
	a := New(config.AggregatorConfig{}, st)

	target := &store.Target{ID: "t1", OwnerID: "u1", Name: "site", URL: "https://example.test", IntervalSeconds: 60, Status: "online"}
	require.NoError(t, st.Targets().Create(target))

	// Backdate updated_at well past 2x the interval so the target is
	// picked up as stale by both StaleSince's fixed 2h floor and the
	// per-target 2x-interval check.
	staleAt := time.Now().UTC().Add(-3 * time.Hour)
	_, err := st.Exec(`UPDATE targets SET updated_at = ? WHERE id = ?`, staleAt, target.ID)
	require.NoError(t, err)

	day := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, st.Outcomes().Append(&store.ProbeOutcome{
		ID: "o1", TargetID: target.ID, OwnerID: "u1", Day: day, Region: "us-east",
		OutcomeKind: probeengine.KindConnectFailure, ResponseTimeMS: 0,
		OccurredAt: time.Now().UTC(),
	}))

	require.NoError(t, a.reconcilePass())

	got, err := st.Targets().GetByID(target.ID)
	require.NoError(t, err)
	assert.Equal(t, "offline", got.Status)
}

func TestReconcilePass_SkipsTargetsWithoutHistory(t *testing.T) {
	st := openTestStore(t)
	a := New(config.AggregatorConfig{}, st)

	target := &store.Target{ID: "t1", OwnerID: "u1", Name: "site", URL: "https://example.test", IntervalSeconds: 60, Status: "online"}
	require.NoError(t, st.Targets().Create(target))
	staleAt := time.Now().UTC().Add(-3 * time.Hour)
	_, err := st.Exec(`UPDATE targets SET updated_at = ? WHERE id = ?`, staleAt, target.ID)
	require.NoError(t, err)

	require.NoError(t, a.reconcilePass())

	got, err := st.Targets().GetByID(target.ID)
	require.NoError(t, err)
	assert.Equal(t, "online", got.Status)
}

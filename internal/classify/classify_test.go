package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/pulsecheck/internal/probeengine"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

func outcome(kind string, errMsg string) *store.ProbeOutcome {
	o := &store.ProbeOutcome{OutcomeKind: kind}
	if errMsg != "" {
		o.ErrorMessage = &errMsg
	}
	return o
}

// Scenario 1: a healthy target that starts failing fires went_offline once,
// then stays offline without re-firing on identical consecutive failures.
func TestApply_WentOfflineThenStaysOffline(t *testing.T) {
	now := time.Now().UTC()
	state := State{Status: StatusOnline}

	r1 := Apply(state, outcome(probeengine.KindConnectFailure, "connection refused"), now)
	require.Equal(t, EventWentOffline, r1.Event)
	assert.Equal(t, StatusOffline, r1.NewState.Status)
	assert.Equal(t, 1, r1.NewState.ConsecutiveFailures)
	require.NotNil(t, r1.NewState.FirstFailureTime)

	r2 := Apply(r1.NewState, outcome(probeengine.KindConnectFailure, "connection refused"), now.Add(time.Minute))
	assert.Equal(t, "", r2.Event)
	assert.Equal(t, 2, r2.NewState.ConsecutiveFailures)
	assert.Equal(t, r1.NewState.FirstFailureTime, r2.NewState.FirstFailureTime)
}

// Scenario 2: a degraded -> offline move with a changed error message
// fires error_observed rather than a second went_offline.
func TestApply_ErrorObservedOnChangedMessage(t *testing.T) {
	now := time.Now().UTC()
	state := State{Status: StatusDegraded, ConsecutiveFailures: 2, FirstFailureTime: &now}
	lastErr := "connection refused"
	state.LastError = &lastErr

	r := Apply(state, outcome(probeengine.KindConnectFailure, "dns lookup failed"), now.Add(time.Minute))
	assert.Equal(t, EventErrorObserved, r.Event)
	assert.Equal(t, 3, r.NewState.ConsecutiveFailures)

	// staying offline with identical error text does not re-fire
	r2 := Apply(r.NewState, outcome(probeengine.KindConnectFailure, "dns lookup failed"), now.Add(2*time.Minute))
	assert.Equal(t, "", r2.Event)
}

// Scenario 3: recovery from a failing status fires came_online and resets
// the failure counters.
func TestApply_CameOnline(t *testing.T) {
	now := time.Now().UTC()
	firstFailure := now.Add(-time.Hour)
	state := State{Status: StatusDegraded, ConsecutiveFailures: 5, FirstFailureTime: &firstFailure}

	r := Apply(state, outcome(probeengine.KindOK, ""), now)
	assert.Equal(t, EventCameOnline, r.Event)
	assert.Equal(t, StatusOnline, r.NewState.Status)
	assert.Equal(t, 0, r.NewState.ConsecutiveFailures)
	assert.Nil(t, r.NewState.FirstFailureTime)
}

// A target failing continuously for >= 7 days is auto-disabled.
func TestApply_AutoDisableAfterSevenDays(t *testing.T) {
	firstFailure := time.Now().UTC().Add(-8 * 24 * time.Hour)
	now := time.Now().UTC()
	state := State{Status: StatusOffline, ConsecutiveFailures: 100, FirstFailureTime: &firstFailure}

	r := Apply(state, outcome(probeengine.KindTimeout, "deadline exceeded"), now)
	assert.True(t, r.AutoDisable)
	assert.Equal(t, "sustained_failure", r.DisableReason)
	assert.Equal(t, StatusDisabled, r.NewState.Status)
	assert.Equal(t, EventAutoDisabled, r.Event)
}

func TestApply_DisabledTargetIsSticky(t *testing.T) {
	state := State{Status: StatusDisabled, ConsecutiveFailures: 50}
	r := Apply(state, outcome(probeengine.KindOK, ""), time.Now().UTC())
	assert.Equal(t, "", r.Event)
	assert.Equal(t, StatusDisabled, r.NewState.Status)
}

func TestAlertEligible_MinConsecutiveGate(t *testing.T) {
	enabled := map[string]bool{EventWentOffline: true, EventCameOnline: true}

	assert.False(t, AlertEligible(EventWentOffline, enabled, 3, 2, 0, false))
	assert.True(t, AlertEligible(EventWentOffline, enabled, 3, 3, 0, false))
	assert.False(t, AlertEligible(EventCameOnline, enabled, 3, 0, 2, false))
	assert.True(t, AlertEligible(EventCameOnline, enabled, 3, 0, 3, false))
}

func TestAlertEligible_DisabledTargetSuppressesAllButAutoDisabled(t *testing.T) {
	enabled := map[string]bool{EventWentOffline: true, EventAutoDisabled: true}
	assert.False(t, AlertEligible(EventWentOffline, enabled, 1, 5, 0, true))
	assert.True(t, AlertEligible(EventAutoDisabled, enabled, 1, 5, 0, true))
}

func TestFromTarget_DefaultsUnknownStatus(t *testing.T) {
	target := &store.Target{}
	state := FromTarget(target)
	assert.Equal(t, StatusUnknown, state.Status)
}

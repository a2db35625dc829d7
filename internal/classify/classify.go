// Package classify is the pure outcome classifier and per-target state
// machine: it maps (previous target state, new probe outcome) to (new
// target state, transition event, recommended action), with no I/O of
// its own.
package classify

import (
	"time"

	"github.com/northbeam-io/pulsecheck/internal/probeengine"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

// Status values a target can hold.
const (
	StatusUnknown  = "unknown"
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusDegraded = "degraded"
	StatusRedirect = "redirect"
	StatusDisabled = "disabled"
)

// Transition events that may be emitted downstream to the dispatcher.
const (
	EventWentOffline  = "went_offline"
	EventCameOnline   = "came_online"
	EventErrorObserved = "error_observed"
	EventAutoDisabled = "auto_disabled"
)

// AutoDisableDays is the sustained-failure window after which a target is
// auto-disabled.
const AutoDisableDays = 7

// State is the subset of target fields the classifier reads and updates.
// It mirrors store.Target's runtime-state columns.
type State struct {
	Status              string
	ConsecutiveFailures int
	FirstFailureTime    *time.Time
	LastError           *string
}

// FromTarget extracts a State from a persisted target row.
func FromTarget(t *store.Target) State {
	status := t.Status
	if status == "" {
		status = StatusUnknown
	}
	return State{
		Status:              status,
		ConsecutiveFailures: t.ConsecutiveFailures,
		FirstFailureTime:    t.FirstFailureAt,
		LastError:           t.LastError,
	}
}

// Result is what Apply computes: the new state, an optional transition
// event, and whether the target should be auto-disabled as of this
// evaluation.
type Result struct {
	NewState      State
	Event         string // "" if no transition event fires
	AutoDisable   bool
	DisableReason string
}

// statusForOutcome is the classification→status table.
func statusForOutcome(kind string) string {
	switch kind {
	case probeengine.KindOK:
		return StatusOnline
	case probeengine.KindRedirect:
		return StatusRedirect
	case probeengine.KindHTTPError, probeengine.KindAssertionFailed:
		return StatusDegraded
	default:
		// dns_failure, connect_failure, tls_failure, timeout, unknown_error
		return StatusOffline
	}
}

func isFailingStatus(s string) bool {
	return s == StatusOffline || s == StatusDegraded
}

func isHealthyStatus(s string) bool {
	return s == StatusOnline || s == StatusRedirect
}

func errorMessageFor(outcome *store.ProbeOutcome) *string {
	if outcome.ErrorMessage != nil {
		return outcome.ErrorMessage
	}
	return nil
}

// Apply runs the state machine transition for one probe outcome against
// the target's previous state. A disabled target is a sticky terminal
// state: Apply is not meant to be called for targets already disabled
// (the scheduler excludes them), but if it is, the state is returned
// unchanged with no event.
func Apply(prev State, outcome *store.ProbeOutcome, now time.Time) Result {
	if prev.Status == StatusDisabled {
		return Result{NewState: prev}
	}

	newStatus := statusForOutcome(outcome.OutcomeKind)
	next := prev
	next.Status = newStatus
	next.LastError = errorMessageFor(outcome)

	var event string

	switch {
	case newStatus == prev.Status:
		if isFailingStatus(newStatus) {
			next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		} else if isHealthyStatus(newStatus) {
			next.ConsecutiveFailures = 0
			next.FirstFailureTime = nil
		}
		// An unchanged status never emits a transition event.

	case isFailingStatus(prev.Status) && isHealthyStatus(newStatus):
		event = EventCameOnline
		next.ConsecutiveFailures = 0
		next.FirstFailureTime = nil

	case (isHealthyStatus(prev.Status) || prev.Status == StatusUnknown) && isFailingStatus(newStatus):
		event = EventWentOffline
		next.ConsecutiveFailures = 1
		if prev.FirstFailureTime == nil {
			next.FirstFailureTime = &now
		} else {
			next.FirstFailureTime = prev.FirstFailureTime
		}

	case isFailingStatus(prev.Status) && isFailingStatus(newStatus):
		// degraded <-> offline transition: count continues, event only
		// on changed error text.
		next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		if changedError(prev.LastError, next.LastError) {
			event = EventErrorObserved
		}

	default:
		// e.g. unknown -> online/redirect with no prior failure episode
		next.ConsecutiveFailures = 0
		next.FirstFailureTime = nil
	}

	result := Result{NewState: next, Event: event}

	if next.ConsecutiveFailures > 0 && next.FirstFailureTime != nil {
		if now.Sub(*next.FirstFailureTime) >= AutoDisableDays*24*time.Hour {
			result.AutoDisable = true
			result.DisableReason = "sustained_failure"
			result.NewState.Status = StatusDisabled
			if result.Event == "" {
				result.Event = EventAutoDisabled
			} else {
				result.Event = EventAutoDisabled
			}
		}
	}

	return result
}

func changedError(prev, next *string) bool {
	switch {
	case prev == nil && next == nil:
		return false
	case prev == nil || next == nil:
		return true
	default:
		return *prev != *next
	}
}

// AlertEligible reports whether a transition event should be dispatched,
// given the user's enabled events and the min_consecutive_events gate.
// recoveryFailureCount is the consecutive-failure count observed
// immediately prior to a came_online transition; it is ignored for other
// event kinds.
func AlertEligible(event string, enabledEvents map[string]bool, minConsecutiveEvents int, consecutiveFailures int, recoveryFailureCount int, targetDisabled bool) bool {
	if event == "" {
		return false
	}
	if event == EventAutoDisabled {
		return enabledEvents[EventAutoDisabled] || enabledEvents[EventWentOffline]
	}
	if targetDisabled {
		return false
	}
	if !enabledEvents[event] {
		return false
	}
	switch event {
	case EventWentOffline, EventErrorObserved:
		return consecutiveFailures >= minConsecutiveEvents
	case EventCameOnline:
		return recoveryFailureCount >= minConsecutiveEvents
	default:
		return true
	}
}

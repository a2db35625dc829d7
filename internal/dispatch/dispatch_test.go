package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/pulsecheck/internal/config"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testDispatcher(budgets *store.BudgetRepository) *Dispatcher {
	return New(config.DispatchConfig{
		WebhookTimeoutMS: 2000,
		MaxRetries:       3,
		RetryBackoffMS:   []int{10, 10, 10},
		DedupWindowMS:    60_000,
		EmailFrom:        "alerts@pulsecheck.local",
	}, budgets, config.TierAlertBudget, nil)
}

func testTarget() *store.Target {
	return &store.Target{ID: "t1", OwnerID: "u1", Name: "example", URL: "https://example.test", Status: "offline", OwnerTier: "free"}
}

// A free-tier user (hourly cap 10) fires 12 webhook events in one hour;
// the first 10 deliver, the remaining 2 are suppressed by the budget.
func TestDispatch_SuppressesAfterHourlyBudgetExceeded(t *testing.T) {
	var delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := openTestStore(t)
	d := testDispatcher(st.Budgets())

	url := srv.URL
	sub := &store.AlertSubscription{UserID: "u1", WebhookURL: &url}

	now := time.Now().UTC()

	// Budget is keyed by (user, channel) only, not by target, so a
	// distinct target id per event isolates this test from the separate
	// dedup window without touching it.
	outcomes := make([]Outcome, 0, 12)
	for i := 0; i < 12; i++ {
		target := testTarget()
		target.ID = fmt.Sprintf("t%d", i)
		ev := Event{Kind: "went_offline", Target: target, PreviousStatus: "online", UserID: "u1"}
		outcomes = append(outcomes, d.Dispatch(sub, ChannelWebhook, ev, now))
	}

	deliveredCount, suppressedCount := 0, 0
	for _, o := range outcomes {
		switch o {
		case Delivered:
			deliveredCount++
		case Suppressed:
			suppressedCount++
		}
	}
	assert.Equal(t, 10, deliveredCount)
	assert.Equal(t, 2, suppressedCount)
	assert.EqualValues(t, 10, delivered)
}

func TestDispatch_DuplicateEventWithinWindowIsSuppressed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := openTestStore(t)
	d := testDispatcher(st.Budgets())

	url := srv.URL
	sub := &store.AlertSubscription{UserID: "u1", WebhookURL: &url}
	target := testTarget()
	now := time.Now().UTC()

	ev := Event{Kind: "went_offline", Target: target, PreviousStatus: "online", UserID: "u1"}
	first := d.Dispatch(sub, ChannelWebhook, ev, now)
	second := d.Dispatch(sub, ChannelWebhook, ev, now.Add(time.Second))

	assert.Equal(t, Delivered, first)
	assert.Equal(t, Suppressed, second)
}

// Dedup collapses repeats per channel, not across channels: a user
// subscribed on both webhook and email must get both deliveries for the
// same event, not have the second channel wrongly suppressed as a
// duplicate of the first.
func TestDispatch_DedupIsPerChannelNotSharedAcrossChannels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := openTestStore(t)
	d := testDispatcher(st.Budgets())

	url := srv.URL
	email := "alerts@example.test"
	sub := &store.AlertSubscription{UserID: "u1", WebhookURL: &url, RecipientEmail: &email}
	target := testTarget()
	now := time.Now().UTC()

	ev := Event{Kind: "went_offline", Target: target, PreviousStatus: "online", UserID: "u1"}
	webhookOutcome := d.Dispatch(sub, ChannelWebhook, ev, now)
	emailOutcome := d.Dispatch(sub, ChannelEmail, ev, now)

	assert.Equal(t, Delivered, webhookOutcome)
	// No SMTP server is configured, so the email attempt itself fails, but
	// the point under test is that it is attempted at all: the dedup
	// entry recorded for the webhook channel must not suppress the same
	// event on the email channel.
	assert.NotEqual(t, Suppressed, emailOutcome)
}

func TestDispatch_WebhookSignsPayloadWhenSecretConfigured(t *testing.T) {
	var gotSignature string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Signature")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := openTestStore(t)
	d := testDispatcher(st.Budgets())

	url := srv.URL
	secret := "s3cr3t"
	sub := &store.AlertSubscription{UserID: "u1", WebhookURL: &url, WebhookSecret: &secret}
	target := testTarget()

	ev := Event{Kind: "went_offline", Target: target, PreviousStatus: "online", UserID: "u1"}
	outcome := d.Dispatch(sub, ChannelWebhook, ev, time.Now().UTC())

	require.Equal(t, Delivered, outcome)
	assert.NotEmpty(t, gotSignature)
	assert.Equal(t, "went_offline", gotBody["event"])
}

func TestDispatch_WebhookRetriesOnServerError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := openTestStore(t)
	d := testDispatcher(st.Budgets())

	url := srv.URL
	sub := &store.AlertSubscription{UserID: "u1", WebhookURL: &url}
	target := testTarget()

	ev := Event{Kind: "went_offline", Target: target, PreviousStatus: "online", UserID: "u1"}
	outcome := d.Dispatch(sub, ChannelWebhook, ev, time.Now().UTC())

	require.Equal(t, Delivered, outcome)
	assert.EqualValues(t, 2, attempts)
}

func TestDispatch_WebhookTerminalStatusDoesNotRetry(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	st := openTestStore(t)
	d := testDispatcher(st.Budgets())

	url := srv.URL
	sub := &store.AlertSubscription{UserID: "u1", WebhookURL: &url}
	target := testTarget()

	ev := Event{Kind: "went_offline", Target: target, PreviousStatus: "online", UserID: "u1"}
	outcome := d.Dispatch(sub, ChannelWebhook, ev, time.Now().UTC())

	require.Equal(t, Failed, outcome)
	assert.EqualValues(t, 1, attempts)
}

func TestDispatch_EmailWithNoRecipientFails(t *testing.T) {
	st := openTestStore(t)
	d := testDispatcher(st.Budgets())

	sub := &store.AlertSubscription{UserID: "u1"}
	target := testTarget()
	ev := Event{Kind: "went_offline", Target: target, PreviousStatus: "online", UserID: "u1"}

	outcome := d.Dispatch(sub, ChannelEmail, ev, time.Now().UTC())
	assert.Equal(t, Failed, outcome)
}

func TestDispatch_SMSWithoutTwilioClientFails(t *testing.T) {
	st := openTestStore(t)
	d := testDispatcher(st.Budgets())

	phone := "+15551234567"
	sub := &store.AlertSubscription{UserID: "u1", RecipientPhone: &phone}
	target := testTarget()
	ev := Event{Kind: "went_offline", Target: target, PreviousStatus: "online", UserID: "u1"}

	outcome := d.Dispatch(sub, ChannelSMS, ev, time.Now().UTC())
	assert.Equal(t, Failed, outcome)
}

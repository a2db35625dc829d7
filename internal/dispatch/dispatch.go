// Package dispatch is the alert dispatcher: it delivers transition events
// to a user's subscribed channels (webhook, email, SMS) under per-channel
// rate budgets, deduplicating bursts and retrying
// webhook failures with backoff.
package dispatch

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"gopkg.in/gomail.v2"

	"github.com/northbeam-io/pulsecheck/internal/config"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

// Outcome of a dispatch attempt.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Suppressed Outcome = "suppressed"
	Failed     Outcome = "failed"
)

// SuppressReason explains a Suppressed outcome.
const SuppressReasonBudget = "budget"
const SuppressReasonDedup = "dedup"

// Channel names.
const (
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
)

// Event is the payload handed to Dispatch by the classifier/scheduler.
type Event struct {
	Kind           string // classify.EventWentOffline etc.
	Target         *store.Target
	PreviousStatus string
	UserID         string
}

// Dispatcher delivers events to subscribed channels.
type Dispatcher struct {
	cfg         config.DispatchConfig
	budgets     *store.BudgetRepository
	tierLimits  func(tier, channel string) (hourly, monthly int)
	httpClient  *http.Client
	twilio      *twilio.RestClient

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	// perChannelMu serializes dispatch within a single (target, channel)
	// pair so a slower channel cannot overtake an earlier event with a
	// later one.
	perChannelMu sync.Map // key: targetID+"|"+channel -> *sync.Mutex
}

// New constructs a Dispatcher. twilioClient may be nil if SMS is unconfigured.
func New(cfg config.DispatchConfig, budgets *store.BudgetRepository, tierLimits func(tier, channel string) (int, int), twilioClient *twilio.RestClient) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		budgets:    budgets,
		tierLimits: tierLimits,
		httpClient: &http.Client{Timeout: time.Duration(cfg.WebhookTimeoutMS) * time.Millisecond},
		twilio:     twilioClient,
		dedup:      make(map[string]time.Time),
	}
}

func (d *Dispatcher) channelLock(targetID, channel string) *sync.Mutex {
	key := targetID + "|" + channel
	v, _ := d.perChannelMu.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Dispatch delivers ev to one channel for sub, enforcing dedup and budget.
func (d *Dispatcher) Dispatch(sub *store.AlertSubscription, channel string, ev Event, now time.Time) Outcome {
	lock := d.channelLock(ev.Target.ID, channel)
	lock.Lock()
	defer lock.Unlock()

	if d.isDuplicate(ev.Target.ID, channel, ev.Kind, ev.Target.Status, now) {
		return Suppressed
	}

	tier := ev.Target.OwnerTier
	ok := d.checkAndConsumeBudget(sub.UserID, channel, tier, now)
	if !ok {
		return Suppressed
	}

	var err error
	switch channel {
	case ChannelWebhook:
		err = d.sendWebhook(sub, ev)
	case ChannelEmail:
		err = d.sendEmail(sub, ev)
	case ChannelSMS:
		err = d.sendSMS(sub, ev)
	default:
		err = fmt.Errorf("unknown channel %q", channel)
	}

	if err != nil {
		log.Printf("dispatch: %s delivery failed for target %s event %s: %v", channel, ev.Target.ID, ev.Kind, err)
		return Failed
	}
	return Delivered
}

func (d *Dispatcher) isDuplicate(targetID, channel, event, newStatus string, now time.Time) bool {
	key := targetID + "|" + channel + "|" + event + "|" + newStatus
	window := time.Duration(d.cfg.DedupWindowMS) * time.Millisecond

	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()
	if last, ok := d.dedup[key]; ok && now.Sub(last) < window {
		return true
	}
	d.dedup[key] = now
	return false
}

func (d *Dispatcher) checkAndConsumeBudget(userID, channel, tier string, now time.Time) bool {
	hourlyLimit, monthlyLimit := d.tierLimits(tier, channel)

	hourStart := store.FloorHour(now)
	hourCount, err := d.budgets.Increment(store.WindowHour, userID, channel, hourStart)
	if err != nil {
		log.Printf("dispatch: budget increment failed for %s/%s: %v", userID, channel, err)
		return false
	}
	if hourCount > hourlyLimit {
		_ = d.budgets.Decrement(store.WindowHour, userID, channel, hourStart)
		return false
	}

	monthStart := store.FloorMonth(now)
	monthCount, err := d.budgets.Increment(store.WindowMonth, userID, channel, monthStart)
	if err != nil {
		_ = d.budgets.Decrement(store.WindowHour, userID, channel, hourStart)
		log.Printf("dispatch: budget increment failed for %s/%s: %v", userID, channel, err)
		return false
	}
	if monthCount > monthlyLimit {
		_ = d.budgets.Decrement(store.WindowMonth, userID, channel, monthStart)
		_ = d.budgets.Decrement(store.WindowHour, userID, channel, hourStart)
		return false
	}

	return true
}

// webhookPayload is the default JSON shape delivered to a webhook sink.
type webhookPayload struct {
	Event          string         `json:"event"`
	Timestamp      time.Time      `json:"timestamp"`
	Website        webhookWebsite `json:"website"`
	PreviousStatus string         `json:"previous_status"`
	UserID         string         `json:"user_id"`
}

type webhookWebsite struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	URL          string  `json:"url"`
	Status       string  `json:"status"`
	ResponseTime *int    `json:"response_time"`
	LastError    *string `json:"last_error"`
}

func (d *Dispatcher) sendWebhook(sub *store.AlertSubscription, ev Event) error {
	if sub.WebhookURL == nil || *sub.WebhookURL == "" {
		return fmt.Errorf("no webhook url configured")
	}

	var body []byte
	var err error
	if strings.Contains(*sub.WebhookURL, "hooks.slack.com") {
		body, err = json.Marshal(map[string]string{"text": slackText(ev)})
	} else {
		body, err = json.Marshal(webhookPayload{
			Event:     ev.Kind,
			Timestamp: time.Now().UTC(),
			Website: webhookWebsite{
				ID:           ev.Target.ID,
				Name:         ev.Target.Name,
				URL:          ev.Target.URL,
				Status:       ev.Target.Status,
				ResponseTime: ev.Target.LastResponseTimeMS,
				LastError:    ev.Target.LastError,
			},
			PreviousStatus: ev.PreviousStatus,
			UserID:         sub.UserID,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	return d.postWebhookWithRetry(*sub.WebhookURL, body, sub)
}

func slackText(ev Event) string {
	return fmt.Sprintf("*%s* is now *%s* (%s)", ev.Target.Name, ev.Target.Status, ev.Kind)
}

// postWebhookWithRetry makes up to 4 attempts (the first plus up to 3
// retries after waits of 0.5s, 2s and 8s) on connect failure/5xx/408/429;
// any other 3xx/4xx is a terminal failure.
func (d *Dispatcher) postWebhookWithRetry(url string, body []byte, sub *store.AlertSubscription) error {
	backoffSchedule := []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}

	attempt := func() error {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range sub.WebhookHeaderMap() {
			req.Header.Set(k, v)
		}
		if sub.WebhookSecret != nil && *sub.WebhookSecret != "" {
			req.Header.Set("X-Signature", "sha256="+signBody(body, *sub.WebhookSecret))
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err // connect failure: retryable
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned retryable status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("webhook returned terminal status %d", resp.StatusCode))
		}
	}

	var lastErr error
	for i := 0; i <= len(backoffSchedule); i++ {
		lastErr = attempt()
		if lastErr == nil {
			return nil
		}
		if _, permanent := lastErr.(*backoff.PermanentError); permanent {
			return lastErr
		}
		if i < len(backoffSchedule) {
			time.Sleep(backoffSchedule[i])
		}
	}
	return lastErr
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var emailTemplate = template.Must(template.New("alert").Parse(`
<html><body>
<h2>{{.Target.Name}} is now {{.Target.Status}}</h2>
<p>Event: {{.Kind}}</p>
<p>URL: {{.Target.URL}}</p>
{{if .Target.LastError}}<p>Last error: {{.Target.LastError}}</p>{{end}}
</body></html>
`))

func (d *Dispatcher) sendEmail(sub *store.AlertSubscription, ev Event) error {
	if sub.RecipientEmail == nil || *sub.RecipientEmail == "" {
		return fmt.Errorf("no recipient email configured")
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, ev); err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", d.cfg.EmailFrom)
	m.SetHeader("To", *sub.RecipientEmail)
	m.SetHeader("Subject", fmt.Sprintf("[pulsecheck] %s is %s", ev.Target.Name, ev.Target.Status))
	m.SetBody("text/html", buf.String())

	dialer := gomail.NewDialer(d.cfg.SMTPHost, d.cfg.SMTPPort, "", "")
	if err := dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendSMS(sub *store.AlertSubscription, ev Event) error {
	if sub.RecipientPhone == nil || *sub.RecipientPhone == "" {
		return fmt.Errorf("no recipient phone configured")
	}
	if d.twilio == nil {
		return fmt.Errorf("sms channel not configured")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(*sub.RecipientPhone)
	params.SetFrom(d.cfg.TwilioFromNumber)
	params.SetBody(fmt.Sprintf("%s is now %s (%s)", ev.Target.Name, ev.Target.Status, ev.Kind))

	if _, err := d.twilio.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio send failed: %w", err)
	}
	return nil
}

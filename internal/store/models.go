package store

import (
	"encoding/json"
	"time"
)

// Target is the database row backing a monitored check.
type Target struct {
	ID                    string     `db:"id" json:"id"`
	OwnerID               string     `db:"owner_id" json:"owner_id"`
	Name                  string     `db:"name" json:"name"`
	URL                   string     `db:"url" json:"url"`
	Method                string     `db:"method" json:"method"`
	ExpectedStatusMin     int        `db:"expected_status_min" json:"expected_status_min"`
	ExpectedStatusMax     int        `db:"expected_status_max" json:"expected_status_max"`
	BodyAssertion         *string    `db:"body_assertion" json:"body_assertion"`
	IntervalSeconds       int        `db:"interval_seconds" json:"interval_seconds"`
	Headers               string     `db:"headers" json:"-"`
	RequestBody           *string    `db:"request_body" json:"request_body"`
	Region                string     `db:"region" json:"region"`
	Enabled               bool       `db:"enabled" json:"enabled"`
	ManualDisabled        bool       `db:"manual_disabled" json:"manual_disabled"`
	ManualDisabledAt      *time.Time `db:"manual_disabled_at" json:"manual_disabled_at"`
	ManualDisabledReason  *string    `db:"manual_disabled_reason" json:"manual_disabled_reason"`
	OwnerTier             string     `db:"owner_tier" json:"owner_tier"`
	TreatRedirectAsOnline bool       `db:"treat_redirect_as_online" json:"treat_redirect_as_online"`
	IPv6Preferred         bool       `db:"ipv6_preferred" json:"ipv6_preferred"`

	LastCheckedAt       *time.Time `db:"last_checked_at" json:"last_checked_at"`
	NextDueAt           *time.Time `db:"next_due_at" json:"next_due_at"`
	Status              string     `db:"status" json:"status"`
	LastResponseTimeMS  *int       `db:"last_response_time_ms" json:"last_response_time_ms"`
	LastStatusCode      *int       `db:"last_status_code" json:"last_status_code"`
	LastError           *string    `db:"last_error" json:"last_error"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
	FirstFailureAt      *time.Time `db:"first_failure_at" json:"first_failure_at"`
	AutoDisabled        bool       `db:"auto_disabled" json:"auto_disabled"`
	AutoDisabledAt      *time.Time `db:"auto_disabled_at" json:"auto_disabled_at"`
	AutoDisabledReason  *string    `db:"auto_disabled_reason" json:"auto_disabled_reason"`
	SortOrder           int        `db:"sort_order" json:"sort_order"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HeaderMap decodes the JSON-encoded Headers column.
func (t *Target) HeaderMap() map[string]string {
	if t.Headers == "" {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal([]byte(t.Headers), &m)
	return m
}

// SetHeaderMap encodes hdrs into the Headers column.
func (t *Target) SetHeaderMap(hdrs map[string]string) error {
	if len(hdrs) == 0 {
		t.Headers = ""
		return nil
	}
	data, err := json.Marshal(hdrs)
	if err != nil {
		return err
	}
	t.Headers = string(data)
	return nil
}

// Disabled reports whether the target should be skipped by the scheduler:
// either manually disabled or auto-disabled. A disabled target is never
// scheduled.
func (t *Target) Disabled() bool {
	return t.ManualDisabled || t.AutoDisabled
}

// ProbeOutcome is the database row backing one immutable probe result.
type ProbeOutcome struct {
	ID             string     `db:"id" json:"id"`
	TargetID       string     `db:"target_id" json:"target_id"`
	OwnerID        string     `db:"owner_id" json:"owner_id"`
	Day            string     `db:"day" json:"day"`
	Region         string     `db:"region" json:"region"`
	OccurredAt     time.Time  `db:"occurred_at" json:"occurred_at"`
	OutcomeKind    string     `db:"outcome_kind" json:"outcome_kind"`
	ResponseTimeMS int        `db:"response_time_ms" json:"response_time_ms"`
	ConnectTimeMS  *int       `db:"connect_time_ms" json:"connect_time_ms"`
	TLSTimeMS      *int       `db:"tls_time_ms" json:"tls_time_ms"`
	TTFBMS         *int       `db:"ttfb_ms" json:"ttfb_ms"`
	StatusCode     *int       `db:"status_code" json:"status_code"`
	ErrorCode      *string    `db:"error_code" json:"error_code"`
	ErrorMessage   *string    `db:"error_message" json:"error_message"`
	ResolvedIPs    *string    `db:"resolved_ips" json:"resolved_ips"`
	IPFamily       *int       `db:"ip_family" json:"ip_family"`
	GeoCountry     *string    `db:"geo_country" json:"geo_country"`
	GeoRegion      *string    `db:"geo_region" json:"geo_region"`
	GeoCity        *string    `db:"geo_city" json:"geo_city"`
	GeoLat         *float64   `db:"geo_lat" json:"geo_lat"`
	GeoLon         *float64   `db:"geo_lon" json:"geo_lon"`
	ASN            *int       `db:"asn" json:"asn"`
	ASNOrg         *string    `db:"asn_org" json:"asn_org"`
	ISP            *string    `db:"isp" json:"isp"`
	CDNProvider    *string    `db:"cdn_provider" json:"cdn_provider"`
	EdgePoP        *string    `db:"edge_pop" json:"edge_pop"`
	EdgeTraceID    *string    `db:"edge_trace_id" json:"edge_trace_id"`
	TLSNotAfter    *time.Time `db:"tls_not_after" json:"tls_not_after"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// DailyRollup is the database row backing the Daily Rollup entity.
type DailyRollup struct {
	TargetID          string    `db:"target_id" json:"target_id"`
	Day               string    `db:"day" json:"day"`
	TotalProbes       int       `db:"total_probes" json:"total_probes"`
	FailureCount      int       `db:"failure_count" json:"failure_count"`
	HasIssue          bool      `db:"has_issue" json:"has_issue"`
	WorstOutcomeKind  *string   `db:"worst_outcome_kind" json:"worst_outcome_kind"`
	AvgResponseTimeMS float64   `db:"avg_response_time_ms" json:"avg_response_time_ms"`
	CertExpiringSoon  bool      `db:"cert_expiring_soon" json:"cert_expiring_soon"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// TargetOverride is one entry of AlertSubscription.PerTargetOverrides.
type TargetOverride struct {
	Enabled *bool    `json:"enabled,omitempty"`
	Events  []string `json:"events,omitempty"`
}

// AlertSubscription is the database row backing a user's alert
// subscription.
type AlertSubscription struct {
	UserID               string    `db:"user_id" json:"user_id"`
	RecipientEmail       *string   `db:"recipient_email" json:"recipient_email"`
	RecipientPhone       *string   `db:"recipient_phone" json:"recipient_phone"`
	WebhookURL           *string   `db:"webhook_url" json:"webhook_url"`
	WebhookSecret        *string   `db:"webhook_secret" json:"-"`
	WebhookHeaders       string    `db:"webhook_headers" json:"-"`
	EnabledEvents        string    `db:"enabled_events" json:"-"`
	MinConsecutiveEvents int       `db:"min_consecutive_events" json:"min_consecutive_events"`
	PerTargetOverrides   string    `db:"per_target_overrides" json:"-"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// Events decodes EnabledEvents into a set.
func (a *AlertSubscription) Events() map[string]bool {
	var list []string
	_ = json.Unmarshal([]byte(a.EnabledEvents), &list)
	set := make(map[string]bool, len(list))
	for _, e := range list {
		set[e] = true
	}
	return set
}

// Overrides decodes PerTargetOverrides into a map (see DESIGN.md for why
// overrides are modeled as a nested JSON column rather than a join table).
func (a *AlertSubscription) Overrides() map[string]TargetOverride {
	out := make(map[string]TargetOverride)
	if a.PerTargetOverrides == "" {
		return out
	}
	_ = json.Unmarshal([]byte(a.PerTargetOverrides), &out)
	return out
}

// WebhookHeaderMap decodes the custom webhook header set.
func (a *AlertSubscription) WebhookHeaderMap() map[string]string {
	if a.WebhookHeaders == "" {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal([]byte(a.WebhookHeaders), &m)
	return m
}

package store

import "fmt"

// initSchema creates all tables, indexes, and triggers idempotently.
func (s *Store) initSchema() error {
	schema := `
	-- Targets table (one monitored check per row)
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT 'GET',
		expected_status_min INTEGER NOT NULL DEFAULT 200,
		expected_status_max INTEGER NOT NULL DEFAULT 299,
		body_assertion TEXT,
		interval_seconds INTEGER NOT NULL DEFAULT 60,
		headers TEXT, -- JSON object
		request_body TEXT,
		region TEXT NOT NULL DEFAULT 'us',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		manual_disabled BOOLEAN NOT NULL DEFAULT FALSE,
		manual_disabled_at DATETIME,
		manual_disabled_reason TEXT,
		owner_tier TEXT NOT NULL DEFAULT 'free',
		treat_redirect_as_online BOOLEAN NOT NULL DEFAULT TRUE,
		ipv6_preferred BOOLEAN NOT NULL DEFAULT FALSE,

		last_checked_at DATETIME,
		next_due_at DATETIME,
		status TEXT NOT NULL DEFAULT 'unknown',
		last_response_time_ms INTEGER,
		last_status_code INTEGER,
		last_error TEXT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		first_failure_at DATETIME,
		auto_disabled BOOLEAN NOT NULL DEFAULT FALSE,
		auto_disabled_at DATETIME,
		auto_disabled_reason TEXT,
		sort_order INTEGER NOT NULL DEFAULT 0,

		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_targets_schedulable
		ON targets(region, enabled, auto_disabled, next_due_at);
	CREATE INDEX IF NOT EXISTS idx_targets_owner ON targets(owner_id);

	-- Probe outcomes: append-only, partitioned by day via the day column
	CREATE TABLE IF NOT EXISTS probe_outcomes (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		day TEXT NOT NULL, -- YYYY-MM-DD, UTC
		region TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		outcome_kind TEXT NOT NULL,
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		connect_time_ms INTEGER,
		tls_time_ms INTEGER,
		ttfb_ms INTEGER,
		status_code INTEGER,
		error_code TEXT,
		error_message TEXT,
		resolved_ips TEXT, -- the single address the probe connected to
		ip_family INTEGER,
		geo_country TEXT,
		geo_region TEXT,
		geo_city TEXT,
		geo_lat REAL,
		geo_lon REAL,
		asn INTEGER,
		asn_org TEXT,
		isp TEXT,
		cdn_provider TEXT,
		edge_pop TEXT,
		edge_trace_id TEXT,
		tls_not_after DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_target_day ON probe_outcomes(target_id, day);
	CREATE INDEX IF NOT EXISTS idx_outcomes_day ON probe_outcomes(day);

	-- Daily rollups: one row per (target_id, day)
	CREATE TABLE IF NOT EXISTS daily_rollups (
		target_id TEXT NOT NULL,
		day TEXT NOT NULL,
		total_probes INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		has_issue BOOLEAN NOT NULL DEFAULT FALSE,
		worst_outcome_kind TEXT,
		avg_response_time_ms REAL NOT NULL DEFAULT 0,
		cert_expiring_soon BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (target_id, day)
	);

	-- Alert subscriptions: one row per user
	CREATE TABLE IF NOT EXISTS alert_subscriptions (
		user_id TEXT PRIMARY KEY,
		recipient_email TEXT,
		recipient_phone TEXT,
		webhook_url TEXT,
		webhook_secret TEXT,
		webhook_headers TEXT, -- JSON object
		enabled_events TEXT NOT NULL DEFAULT '[]', -- JSON array
		min_consecutive_events INTEGER NOT NULL DEFAULT 1,
		per_target_overrides TEXT NOT NULL DEFAULT '{}', -- JSON: target_id -> {enabled, events}
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Alert budget counters, one row per (user, channel, window_start)
	CREATE TABLE IF NOT EXISTS alert_budget_hour (
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		window_start DATETIME NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, channel, window_start)
	);

	CREATE TABLE IF NOT EXISTS alert_budget_month (
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		window_start DATETIME NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, channel, window_start)
	);

	-- Region locks: at most one holder per region
	CREATE TABLE IF NOT EXISTS region_locks (
		region TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL DEFAULT '',
		acquired_at DATETIME,
		lease_expires_at DATETIME
	);

	-- Durable replay queue for outcomes that failed to persist after retries
	CREATE TABLE IF NOT EXISTS replay_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome_json TEXT NOT NULL,
		enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		attempts INTEGER NOT NULL DEFAULT 0
	);

	-- Dispatch dedup log keyed by (dedup_key, channel). The dispatcher keeps
	-- its dedup window in memory and does not read or write this table.
	CREATE TABLE IF NOT EXISTS dispatch_dedup (
		dedup_key TEXT NOT NULL,
		channel TEXT NOT NULL,
		dispatched_at DATETIME NOT NULL,
		PRIMARY KEY (dedup_key, channel)
	);

	-- Audit trail for user-triggered out-of-band actions (manual probes,
	-- manual enable/disable), so these never become fire-and-forget.
	CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT,
		occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs(target_id, occurred_at);

	CREATE TRIGGER IF NOT EXISTS touch_targets_updated_at
		AFTER UPDATE ON targets
		WHEN NEW.updated_at = OLD.updated_at
		BEGIN
			UPDATE targets SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END;
	`

	if _, err := s.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

package store

import "fmt"

// OutcomeRepository provides database operations for probe outcomes.
type OutcomeRepository struct {
	db *Store
}

// Append inserts a probe outcome. Writing the same outcome id twice is a
// no-op, implemented via INSERT OR IGNORE keyed on the primary key.
func (r *OutcomeRepository) Append(o *ProbeOutcome) error {
	query := `
		INSERT OR IGNORE INTO probe_outcomes (
			id, target_id, owner_id, day, region, occurred_at, outcome_kind,
			response_time_ms, connect_time_ms, tls_time_ms, ttfb_ms,
			status_code, error_code, error_message,
			resolved_ips, ip_family, geo_country, geo_region, geo_city, geo_lat, geo_lon,
			asn, asn_org, isp, cdn_provider, edge_pop, edge_trace_id, tls_not_after
		) VALUES (
			:id, :target_id, :owner_id, :day, :region, :occurred_at, :outcome_kind,
			:response_time_ms, :connect_time_ms, :tls_time_ms, :ttfb_ms,
			:status_code, :error_code, :error_message,
			:resolved_ips, :ip_family, :geo_country, :geo_region, :geo_city, :geo_lat, :geo_lon,
			:asn, :asn_org, :isp, :cdn_provider, :edge_pop, :edge_trace_id, :tls_not_after
		)
	`
	if _, err := r.db.NamedExec(query, o); err != nil {
		return fmt.Errorf("failed to append probe outcome %s: %w", o.ID, err)
	}
	return nil
}

// ListByTarget returns one page (limit, offset) of a target's outcomes,
// newest first, for the paginated history query.
func (r *OutcomeRepository) ListByTarget(targetID string, limit, offset int) ([]*ProbeOutcome, error) {
	var outcomes []*ProbeOutcome
	query := `
		SELECT * FROM probe_outcomes WHERE target_id = ?
		ORDER BY occurred_at DESC LIMIT ? OFFSET ?
	`
	if err := r.db.Select(&outcomes, query, targetID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list outcomes for target %s: %w", targetID, err)
	}
	return outcomes, nil
}

// LatestByTarget returns the single most recent outcome for a target, used
// by the aggregator's reconciliation pass to re-derive state.
func (r *OutcomeRepository) LatestByTarget(targetID string) (*ProbeOutcome, error) {
	var o ProbeOutcome
	query := `SELECT * FROM probe_outcomes WHERE target_id = ? ORDER BY occurred_at DESC LIMIT 1`
	if err := r.db.Get(&o, query, targetID); err != nil {
		return nil, fmt.Errorf("failed to get latest outcome for target %s: %w", targetID, err)
	}
	return &o, nil
}

// ForDay returns every outcome recorded for a target on a given UTC day,
// the input to the daily rollup computation.
func (r *OutcomeRepository) ForDay(targetID, day string) ([]*ProbeOutcome, error) {
	var outcomes []*ProbeOutcome
	query := `SELECT * FROM probe_outcomes WHERE target_id = ? AND day = ? ORDER BY occurred_at ASC`
	if err := r.db.Select(&outcomes, query, targetID, day); err != nil {
		return nil, fmt.Errorf("failed to list outcomes for %s/%s: %w", targetID, day, err)
	}
	return outcomes, nil
}

// RangeByTarget returns every outcome recorded for a target on or after
// sinceDay, oldest first — the input to the per-target uptime/latency
// stats query.
func (r *OutcomeRepository) RangeByTarget(targetID, sinceDay string) ([]*ProbeOutcome, error) {
	var outcomes []*ProbeOutcome
	query := `SELECT * FROM probe_outcomes WHERE target_id = ? AND day >= ? ORDER BY occurred_at ASC`
	if err := r.db.Select(&outcomes, query, targetID, sinceDay); err != nil {
		return nil, fmt.Errorf("failed to list outcomes for %s since %s: %w", targetID, sinceDay, err)
	}
	return outcomes, nil
}

// DistinctTargetDaysSince returns the (target_id, day) pairs that have at
// least one outcome recorded on or after since, the set of partitions the
// aggregator's rollup pass recomputes.
func (r *OutcomeRepository) DistinctTargetDaysSince(since string) ([]struct {
	TargetID string `db:"target_id"`
	Day      string `db:"day"`
}, error) {
	var rows []struct {
		TargetID string `db:"target_id"`
		Day      string `db:"day"`
	}
	query := `SELECT DISTINCT target_id, day FROM probe_outcomes WHERE day >= ?`
	if err := r.db.Select(&rows, query, since); err != nil {
		return nil, fmt.Errorf("failed to list target/day partitions since %s: %w", since, err)
	}
	return rows, nil
}

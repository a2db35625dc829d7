package store

import (
	"fmt"
	"time"
)

// RollupRepository provides database operations for daily rollups.
type RollupRepository struct {
	db *Store
}

// Upsert writes the full computed rollup for (target_id, day), atomically
// replacing any prior value — the aggregator recomputes a rollup wholesale
// each run rather than incrementing counters field by field.
func (r *RollupRepository) Upsert(roll *DailyRollup) error {
	roll.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO daily_rollups (target_id, day, total_probes, failure_count, has_issue,
			worst_outcome_kind, avg_response_time_ms, cert_expiring_soon, updated_at)
		VALUES (:target_id, :day, :total_probes, :failure_count, :has_issue,
			:worst_outcome_kind, :avg_response_time_ms, :cert_expiring_soon, :updated_at)
		ON CONFLICT(target_id, day) DO UPDATE SET
			total_probes = excluded.total_probes,
			failure_count = excluded.failure_count,
			has_issue = excluded.has_issue,
			worst_outcome_kind = excluded.worst_outcome_kind,
			avg_response_time_ms = excluded.avg_response_time_ms,
			cert_expiring_soon = excluded.cert_expiring_soon,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.NamedExec(query, roll); err != nil {
		return fmt.Errorf("failed to upsert rollup %s/%s: %w", roll.TargetID, roll.Day, err)
	}
	return nil
}

// GetByTargetDay fetches a single rollup row, used by "has at most one row
// per (target, day)" invariant tests.
func (r *RollupRepository) GetByTargetDay(targetID, day string) (*DailyRollup, error) {
	var roll DailyRollup
	query := `SELECT * FROM daily_rollups WHERE target_id = ? AND day = ?`
	if err := r.db.Get(&roll, query, targetID, day); err != nil {
		return nil, fmt.Errorf("failed to get rollup %s/%s: %w", targetID, day, err)
	}
	return &roll, nil
}

// ListByTarget returns rollups for a target across a date range, for the
// read-only stats query surface.
func (r *RollupRepository) ListByTarget(targetID string, sinceDay string) ([]*DailyRollup, error) {
	var rows []*DailyRollup
	query := `SELECT * FROM daily_rollups WHERE target_id = ? AND day >= ? ORDER BY day ASC`
	if err := r.db.Select(&rows, query, targetID, sinceDay); err != nil {
		return nil, fmt.Errorf("failed to list rollups for target %s: %w", targetID, err)
	}
	return rows, nil
}

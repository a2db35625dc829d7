package store

import (
	"fmt"
	"time"

	"github.com/northbeam-io/pulsecheck/internal/xerrors"
)

// StateDelta is the set of fields the classifier may change on a target
// after processing one probe outcome.
type StateDelta struct {
	Status              string
	LastCheckedAt        time.Time
	NextDueAt            time.Time
	LastResponseTimeMS   int
	LastStatusCode       *int
	LastError            *string
	ConsecutiveFailures  int
	FirstFailureAt       *time.Time
	AutoDisabled         bool
	AutoDisabledAt       *time.Time
	AutoDisabledReason   *string
}

const maxConditionalRetries = 3

// ApplyStateDelta performs a transactional read-modify-write of the target
// record, guarded by a conditional UPDATE on updated_at to detect
// concurrent writers. On conflict it re-reads and re-applies fn up to
// maxConditionalRetries times before giving up with a StoreConflict
// error.
func (r *TargetRepository) ApplyStateDelta(targetID string, fn func(cur *Target) StateDelta) error {
	for attempt := 0; attempt < maxConditionalRetries; attempt++ {
		cur, err := r.GetByID(targetID)
		if err != nil {
			return xerrors.NewStoreError("ApplyStateDelta", xerrors.KindStoreUnavailable, err)
		}

		delta := fn(cur)
		newUpdatedAt := time.Now().UTC()

		query := `
			UPDATE targets SET
				status = ?, last_checked_at = ?, next_due_at = ?, last_response_time_ms = ?,
				last_status_code = ?, last_error = ?, consecutive_failures = ?,
				first_failure_at = ?, auto_disabled = ?, auto_disabled_at = ?,
				auto_disabled_reason = ?, updated_at = ?
			WHERE id = ? AND updated_at = ?
		`
		res, err := r.db.Exec(query,
			delta.Status, delta.LastCheckedAt, delta.NextDueAt, delta.LastResponseTimeMS,
			delta.LastStatusCode, delta.LastError, delta.ConsecutiveFailures,
			delta.FirstFailureAt, delta.AutoDisabled, delta.AutoDisabledAt,
			delta.AutoDisabledReason, newUpdatedAt,
			targetID, cur.UpdatedAt,
		)
		if err != nil {
			return xerrors.NewStoreError("ApplyStateDelta", xerrors.KindStoreUnavailable, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return xerrors.NewStoreError("ApplyStateDelta", xerrors.KindStoreUnavailable, err)
		}
		if rows == 1 {
			return nil
		}
		// Lost the race against a concurrent writer; re-read fresh state and retry.
	}
	return xerrors.NewStoreError("ApplyStateDelta", xerrors.KindStoreConflict,
		fmt.Errorf("exhausted %d retries for target %s", maxConditionalRetries, targetID))
}

package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TargetRepository provides database operations for targets.
type TargetRepository struct {
	db *Store
}

// Create inserts a new target, generating an id if absent. Callers
// validate the interval against the owner's tier minimum before calling
// Create; this method only assigns defaults.
func (r *TargetRepository) Create(t *Target) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Method == "" {
		t.Method = "GET"
	}
	if t.ExpectedStatusMax == 0 {
		t.ExpectedStatusMin, t.ExpectedStatusMax = 200, 299
	}
	now := time.Now().UTC()
	t.Status = "unknown"
	t.NextDueAt = &now
	t.CreatedAt = now
	t.UpdatedAt = now

	query := `
		INSERT INTO targets (
			id, owner_id, name, url, method, expected_status_min, expected_status_max,
			body_assertion, interval_seconds, headers, request_body, region, enabled,
			owner_tier, treat_redirect_as_online, ipv6_preferred, status, next_due_at,
			created_at, updated_at
		) VALUES (
			:id, :owner_id, :name, :url, :method, :expected_status_min, :expected_status_max,
			:body_assertion, :interval_seconds, :headers, :request_body, :region, :enabled,
			:owner_tier, :treat_redirect_as_online, :ipv6_preferred, :status, :next_due_at,
			:created_at, :updated_at
		)
	`
	_, err := r.db.NamedExec(query, t)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	return nil
}

// GetByID fetches a single target by id.
func (r *TargetRepository) GetByID(id string) (*Target, error) {
	var t Target
	if err := r.db.Get(&t, "SELECT * FROM targets WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to get target %s: %w", id, err)
	}
	return &t, nil
}

// DueNow returns up to limit targets in region that are enabled, not
// disabled, and due for a probe, ordered by next_due_at ascending.
func (r *TargetRepository) DueNow(region string, now time.Time, limit int) ([]*Target, error) {
	var targets []*Target
	query := `
		SELECT * FROM targets
		WHERE region = ? AND enabled = TRUE AND manual_disabled = FALSE
		  AND auto_disabled = FALSE AND next_due_at <= ?
		ORDER BY next_due_at ASC
		LIMIT ?
	`
	if err := r.db.Select(&targets, query, region, now, limit); err != nil {
		return nil, fmt.Errorf("failed to query due targets: %w", err)
	}
	return targets, nil
}

// ToggleEnabled flips the enabled flag for a target.
func (r *TargetRepository) ToggleEnabled(id string, enabled bool) error {
	_, err := r.db.Exec("UPDATE targets SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return fmt.Errorf("failed to toggle target %s: %w", id, err)
	}
	return nil
}

// ManualDisable marks a target disabled by explicit user action, with a
// reason and timestamp.
func (r *TargetRepository) ManualDisable(id, reason string) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(
		`UPDATE targets SET manual_disabled = TRUE, manual_disabled_at = ?, manual_disabled_reason = ? WHERE id = ?`,
		now, reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to manually disable target %s: %w", id, err)
	}
	return nil
}

// UpdateRegistration overwrites the mutable registration fields of an
// existing target — the fields an owner can edit via the API, as opposed
// to the runtime fields ApplyStateDelta owns.
func (r *TargetRepository) UpdateRegistration(t *Target) error {
	t.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE targets SET
			name = :name, url = :url, method = :method,
			expected_status_min = :expected_status_min, expected_status_max = :expected_status_max,
			body_assertion = :body_assertion, interval_seconds = :interval_seconds,
			headers = :headers, request_body = :request_body,
			treat_redirect_as_online = :treat_redirect_as_online, ipv6_preferred = :ipv6_preferred,
			updated_at = :updated_at
		WHERE id = :id
	`
	if _, err := r.db.NamedExec(query, t); err != nil {
		return fmt.Errorf("failed to update target %s: %w", t.ID, err)
	}
	return nil
}

// Delete removes a target; history purge is left to the caller (result
// sink rows reference target_id but are not foreign-keyed so a bulk purge
// can run off the critical path).
func (r *TargetRepository) Delete(id string) error {
	if _, err := r.db.Exec("DELETE FROM targets WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete target %s: %w", id, err)
	}
	return nil
}

// StaleSince returns targets whose updated_at is older than cutoff — input
// to the daily aggregator's reconciliation pass.
func (r *TargetRepository) StaleSince(cutoff time.Time) ([]*Target, error) {
	var targets []*Target
	query := `SELECT * FROM targets WHERE updated_at < ? AND manual_disabled = FALSE AND auto_disabled = FALSE`
	if err := r.db.Select(&targets, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to query stale targets: %w", err)
	}
	return targets, nil
}

// ListByOwner returns all targets belonging to an owner, for the
// read-only query surface.
func (r *TargetRepository) ListByOwner(ownerID string) ([]*Target, error) {
	var targets []*Target
	query := `SELECT * FROM targets WHERE owner_id = ? ORDER BY sort_order ASC, created_at ASC`
	if err := r.db.Select(&targets, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to list targets for owner %s: %w", ownerID, err)
	}
	return targets, nil
}

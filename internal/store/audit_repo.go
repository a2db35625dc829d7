package store

import (
	"fmt"
	"time"
)

// AuditLog is one recorded out-of-band user action against a target.
type AuditLog struct {
	ID         int64     `db:"id" json:"id"`
	TargetID   string    `db:"target_id" json:"target_id"`
	OwnerID    string    `db:"owner_id" json:"owner_id"`
	Action     string    `db:"action" json:"action"`
	Detail     *string   `db:"detail" json:"detail"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// Audit action names.
const (
	ActionManualProbe   = "manual_probe"
	ActionManualEnable  = "manual_enable"
	ActionManualDisable = "manual_disable"
)

// AuditRepository provides database operations for the audit trail.
type AuditRepository struct {
	db *Store
}

// Record appends one audit entry.
func (r *AuditRepository) Record(targetID, ownerID, action, detail string) error {
	var detailPtr *string
	if detail != "" {
		detailPtr = &detail
	}
	_, err := r.db.Exec(
		`INSERT INTO audit_logs (target_id, owner_id, action, detail, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		targetID, ownerID, action, detailPtr, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit log for target %s: %w", targetID, err)
	}
	return nil
}

// ListByTarget returns the most recent audit entries for a target.
func (r *AuditRepository) ListByTarget(targetID string, limit int) ([]*AuditLog, error) {
	var logs []*AuditLog
	query := `SELECT * FROM audit_logs WHERE target_id = ? ORDER BY occurred_at DESC LIMIT ?`
	if err := r.db.Select(&logs, query, targetID, limit); err != nil {
		return nil, fmt.Errorf("failed to list audit logs for target %s: %w", targetID, err)
	}
	return logs, nil
}

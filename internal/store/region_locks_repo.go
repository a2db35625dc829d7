package store

import (
	"fmt"
	"time"
)

// RegionLockRepository implements a lightweight distributed lock: one row
// per region, held via a time-leased conditional update against the
// shared SQLite handle.
type RegionLockRepository struct {
	db *Store
}

// TryAcquire attempts to take or renew the lease on region for holderID.
// It succeeds if no one holds the lock, the lease has expired, or holderID
// already holds it. Returns true if the lease was (re)acquired.
func (r *RegionLockRepository) TryAcquire(region, holderID string, now time.Time, leaseDuration time.Duration) (bool, error) {
	expiresAt := now.Add(leaseDuration)

	// Ensure a row exists for this region so the UPDATE below has a row to
	// match against on a cold start.
	_, err := r.db.Exec(`INSERT OR IGNORE INTO region_locks (region, holder_id, acquired_at, lease_expires_at) VALUES (?, '', NULL, NULL)`, region)
	if err != nil {
		return false, fmt.Errorf("failed to seed region lock row for %s: %w", region, err)
	}

	res, err := r.db.Exec(`
		UPDATE region_locks SET holder_id = ?, acquired_at = ?, lease_expires_at = ?
		WHERE region = ? AND (holder_id = ? OR holder_id = '' OR lease_expires_at IS NULL OR lease_expires_at < ?)
	`, holderID, now, expiresAt, region, holderID, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire region lock for %s: %w", region, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check region lock acquisition for %s: %w", region, err)
	}
	return rows == 1, nil
}

// Release drops holderID's hold on region, a no-op if it no longer holds it.
func (r *RegionLockRepository) Release(region, holderID string) error {
	_, err := r.db.Exec(`UPDATE region_locks SET lease_expires_at = NULL WHERE region = ? AND holder_id = ?`, region, holderID)
	if err != nil {
		return fmt.Errorf("failed to release region lock for %s: %w", region, err)
	}
	return nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BudgetRepository provides atomic increment/decrement operations over the
// alert budget counters used for per-tier rate enforcement.
type BudgetRepository struct {
	db *Store
}

// Window identifies which budget table an operation targets.
type Window string

const (
	WindowHour  Window = "hour"
	WindowMonth Window = "month"
)

func (w Window) table() (string, error) {
	switch w {
	case WindowHour:
		return "alert_budget_hour", nil
	case WindowMonth:
		return "alert_budget_month", nil
	default:
		return "", fmt.Errorf("unknown budget window %q", w)
	}
}

// FloorHour truncates t to the start of its UTC hour.
func FloorHour(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
}

// FloorMonth truncates t to the start of its UTC calendar month.
func FloorMonth(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Increment atomically increments the counter for (userID, channel,
// windowStart) and returns the post-increment count.
func (r *BudgetRepository) Increment(window Window, userID, channel string, windowStart time.Time) (int, error) {
	table, err := window.table()
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, channel, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id, channel, window_start) DO UPDATE SET count = count + 1
	`, table)
	if _, err := r.db.Exec(query, userID, channel, windowStart); err != nil {
		return 0, fmt.Errorf("failed to increment %s budget: %w", window, err)
	}
	return r.Count(window, userID, channel, windowStart)
}

// Decrement reverses a prior Increment, used when a post-increment count
// exceeds the tier limit and the send must be suppressed.
func (r *BudgetRepository) Decrement(window Window, userID, channel string, windowStart time.Time) error {
	table, err := window.table()
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET count = count - 1 WHERE user_id = ? AND channel = ? AND window_start = ? AND count > 0`, table)
	if _, err := r.db.Exec(query, userID, channel, windowStart); err != nil {
		return fmt.Errorf("failed to decrement %s budget: %w", window, err)
	}
	return nil
}

// Count returns the current counter value, defaulting to zero if no row exists.
func (r *BudgetRepository) Count(window Window, userID, channel string, windowStart time.Time) (int, error) {
	table, err := window.table()
	if err != nil {
		return 0, err
	}
	var count int
	query := fmt.Sprintf(`SELECT count FROM %s WHERE user_id = ? AND channel = ? AND window_start = ?`, table)
	err = r.db.Get(&count, query, userID, channel, windowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // no row yet means zero usage
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s budget: %w", window, err)
	}
	return count, nil
}

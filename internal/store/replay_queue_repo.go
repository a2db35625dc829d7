package store

import (
	"encoding/json"
	"fmt"
)

// ReplayQueueRepository durably persists probe outcomes that failed to
// append after the sink's retry budget is exhausted, so they can be
// replayed once the store recovers.
type ReplayQueueRepository struct {
	db *Store
}

// Enqueue stores an outcome for later replay.
func (r *ReplayQueueRepository) Enqueue(o *ProbeOutcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome %s for replay queue: %w", o.ID, err)
	}
	if _, err := r.db.Exec(`INSERT INTO replay_queue (outcome_json) VALUES (?)`, string(data)); err != nil {
		return fmt.Errorf("failed to enqueue outcome %s: %w", o.ID, err)
	}
	return nil
}

// QueuedItem pairs a replay queue row id with its decoded outcome.
type QueuedItem struct {
	QueueID  int64
	Outcome  *ProbeOutcome
	Attempts int
}

// Pending returns up to limit queued items, oldest first.
func (r *ReplayQueueRepository) Pending(limit int) ([]*QueuedItem, error) {
	var rows []struct {
		ID          int64  `db:"id"`
		OutcomeJSON string `db:"outcome_json"`
		Attempts    int    `db:"attempts"`
	}
	query := `SELECT id, outcome_json, attempts FROM replay_queue ORDER BY enqueued_at ASC LIMIT ?`
	if err := r.db.Select(&rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to read replay queue: %w", err)
	}

	items := make([]*QueuedItem, 0, len(rows))
	for _, row := range rows {
		var o ProbeOutcome
		if err := json.Unmarshal([]byte(row.OutcomeJSON), &o); err != nil {
			continue // corrupt row; skip rather than fail the whole batch
		}
		items = append(items, &QueuedItem{QueueID: row.ID, Outcome: &o, Attempts: row.Attempts})
	}
	return items, nil
}

// MarkReplayed removes an item from the queue after it has been
// successfully re-applied.
func (r *ReplayQueueRepository) MarkReplayed(queueID int64) error {
	if _, err := r.db.Exec(`DELETE FROM replay_queue WHERE id = ?`, queueID); err != nil {
		return fmt.Errorf("failed to remove replayed item %d: %w", queueID, err)
	}
	return nil
}

// BumpAttempts increments the attempt counter for an item that failed replay again.
func (r *ReplayQueueRepository) BumpAttempts(queueID int64) error {
	if _, err := r.db.Exec(`UPDATE replay_queue SET attempts = attempts + 1 WHERE id = ?`, queueID); err != nil {
		return fmt.Errorf("failed to bump attempts for %d: %w", queueID, err)
	}
	return nil
}

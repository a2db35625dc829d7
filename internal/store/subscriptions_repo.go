package store

import "fmt"

// SubscriptionRepository provides database operations for alert subscriptions.
type SubscriptionRepository struct {
	db *Store
}

// GetByUser fetches a user's alert subscription, if one exists.
func (r *SubscriptionRepository) GetByUser(userID string) (*AlertSubscription, error) {
	var sub AlertSubscription
	query := `SELECT * FROM alert_subscriptions WHERE user_id = ?`
	if err := r.db.Get(&sub, query, userID); err != nil {
		return nil, fmt.Errorf("failed to get subscription for user %s: %w", userID, err)
	}
	return &sub, nil
}

// Upsert creates or replaces a user's subscription.
func (r *SubscriptionRepository) Upsert(sub *AlertSubscription) error {
	query := `
		INSERT INTO alert_subscriptions (user_id, recipient_email, recipient_phone, webhook_url,
			webhook_secret, webhook_headers, enabled_events, min_consecutive_events, per_target_overrides)
		VALUES (:user_id, :recipient_email, :recipient_phone, :webhook_url,
			:webhook_secret, :webhook_headers, :enabled_events, :min_consecutive_events, :per_target_overrides)
		ON CONFLICT(user_id) DO UPDATE SET
			recipient_email = excluded.recipient_email,
			recipient_phone = excluded.recipient_phone,
			webhook_url = excluded.webhook_url,
			webhook_secret = excluded.webhook_secret,
			webhook_headers = excluded.webhook_headers,
			enabled_events = excluded.enabled_events,
			min_consecutive_events = excluded.min_consecutive_events,
			per_target_overrides = excluded.per_target_overrides,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.NamedExec(query, sub); err != nil {
		return fmt.Errorf("failed to upsert subscription for user %s: %w", sub.UserID, err)
	}
	return nil
}

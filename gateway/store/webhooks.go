package store

import (
	"context"
	"database/sql"
	"time"
)

// WildcardEventType subscribes a webhook to every mirrored event.
const WildcardEventType = "*"

// DefaultWebhookRateLimit is the per-minute delivery budget for a subscription
// registered without one.
const DefaultWebhookRateLimit = 60

// WebhookSubscription describes a registered webhook endpoint.
type WebhookSubscription struct {
	ID        int64     `json:"id"`
	Principal string    `json:"-"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// InsertWebhook registers a subscription and returns its id.
func (s *SQLiteStore) InsertWebhook(ctx context.Context, sub WebhookSubscription) (int64, error) {
	const stmt = `INSERT INTO webhooks(principal, event_type, url, secret, rate_limit, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if sub.RateLimit <= 0 {
		sub.RateLimit = DefaultWebhookRateLimit
	}
	created := sub.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx, stmt, sub.Principal, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, boolInt(sub.Active), created.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListWebhooks returns the subscriptions owned by principal, newest last.
func (s *SQLiteStore) ListWebhooks(ctx context.Context, principal string) ([]WebhookSubscription, error) {
	const query = `SELECT id, principal, event_type, url, secret, rate_limit, active, created_at FROM webhooks WHERE principal = ? ORDER BY id ASC`
	return s.queryWebhooks(ctx, query, principal)
}

// ListWebhooksForEvent returns active subscriptions for eventType, including
// wildcard subscriptions.
func (s *SQLiteStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	const query = `SELECT id, principal, event_type, url, secret, rate_limit, active, created_at FROM webhooks WHERE active = 1 AND (event_type = ? OR event_type = ?) ORDER BY id ASC`
	return s.queryWebhooks(ctx, query, eventType, WildcardEventType)
}

// DeactivateWebhook disables a subscription owned by principal. It reports
// false when no such subscription exists.
func (s *SQLiteStore) DeactivateWebhook(ctx context.Context, principal string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE webhooks SET active = 0 WHERE id = ? AND principal = ?`, id, principal)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) queryWebhooks(ctx context.Context, query string, args ...any) ([]WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var active int
		if err := rows.Scan(&sub.ID, &sub.Principal, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		if sub.RateLimit <= 0 {
			sub.RateLimit = DefaultWebhookRateLimit
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// WebhookAttempt captures one delivery attempt.
type WebhookAttempt struct {
	WebhookID     int64
	EventSequence uint64
	Attempt       int
	Status        string
	Error         string
	NextAttempt   time.Time
	CreatedAt     time.Time
}

// InsertWebhookAttempt records a delivery attempt.
func (s *SQLiteStore) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	const stmt = `INSERT INTO webhook_attempts(webhook_id, event_sequence, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	created := attempt.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, stmt, attempt.WebhookID, int64(attempt.EventSequence), attempt.Attempt, attempt.Status, attempt.Error, nullTime(attempt.NextAttempt), created.UTC())
	return err
}

// WebhookAttempts lists the attempts recorded for a subscription in order.
func (s *SQLiteStore) WebhookAttempts(ctx context.Context, webhookID int64) ([]WebhookAttempt, error) {
	const query = `SELECT webhook_id, event_sequence, attempt, status, error, next_attempt, created_at FROM webhook_attempts WHERE webhook_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, webhookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookAttempt
	for rows.Next() {
		var (
			a       WebhookAttempt
			seq     int64
			errText sql.NullString
			next    sql.NullTime
		)
		if err := rows.Scan(&a.WebhookID, &seq, &a.Attempt, &a.Status, &errText, &next, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.EventSequence = uint64(seq)
		a.Error = errText.String
		if next.Valid {
			a.NextAttempt = next.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// SubscriptionPostgresStore is a PostgreSQL-backed subscription store
type SubscriptionPostgresStore struct {
	db *sql.DB
}

// NewSubscriptionPostgresStore creates a postgres subscription store
func NewSubscriptionPostgresStore(db *sql.DB) *SubscriptionPostgresStore {
	return &SubscriptionPostgresStore{db: db}
}

// Compile-time interface check
var _ SubscriptionStore = (*SubscriptionPostgresStore)(nil)

func (s *SubscriptionPostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, address, url, secret, events, active, created_at, last_error, consecutive_failures)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.Address, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt, sub.LastError, sub.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionPostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, address, url, secret, events, active, created_at, last_success, last_error, consecutive_failures
		FROM webhook_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionPostgresStore) GetByAddress(ctx context.Context, addr string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, url, secret, events, active, created_at, last_success, last_error, consecutive_failures
		FROM webhook_subscriptions WHERE address = LOWER($1) ORDER BY created_at`, addr)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

func (s *SubscriptionPostgresStore) GetActive(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, url, secret, events, active, created_at, last_success, last_error, consecutive_failures
		FROM webhook_subscriptions WHERE active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

func (s *SubscriptionPostgresStore) Update(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	var lastSuccess sql.NullTime
	if sub.LastSuccess != nil {
		lastSuccess = sql.NullTime{Time: *sub.LastSuccess, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET url = $2, events = $3, active = $4, last_success = $5, last_error = $6, consecutive_failures = $7
		WHERE id = $1`,
		sub.ID, sub.URL, eventsJSON, sub.Active, lastSuccess, sub.LastError, sub.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("subscription not found")
	}
	return nil
}

func (s *SubscriptionPostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("subscription not found")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var eventsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	err := row.Scan(&sub.ID, &sub.Address, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}

	if len(eventsJSON) > 0 {
		if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time.UTC()
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	sub.CreatedAt = sub.CreatedAt.UTC()

	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

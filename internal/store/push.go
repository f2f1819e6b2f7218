// Package store persists push registrations received by the relay.
package store

import (
	"database/sql"
	"fmt"

	"github.com/bearstradespro/pushkit/internal/model"
)

const subscriptionColumns = `id, user_id, endpoint, p256dh_key, auth_key, vapid_key, created_at, updated_at`

type PushStore struct {
	db *sql.DB
}

func NewPushStore(db *sql.DB) *PushStore {
	return &PushStore{db: db}
}

// Save upserts reg for userID. A registration is identified by its endpoint;
// saving it again replaces its keys and owner.
func (s *PushStore) Save(userID string, reg *model.PushRegistration, vapidKey string) (*model.StoredSubscription, error) {
	_, err := s.db.Exec(
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, vapid_key)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   user_id = excluded.user_id,
		   p256dh_key = excluded.p256dh_key,
		   auth_key = excluded.auth_key,
		   vapid_key = excluded.vapid_key,
		   updated_at = CURRENT_TIMESTAMP`,
		userID, reg.Endpoint, reg.Keys.P256dh, reg.Keys.Auth, vapidKey,
	)
	if err != nil {
		return nil, fmt.Errorf("save push subscription: %w", err)
	}
	// LastInsertId is not reliable after a conflict update; re-query by endpoint
	return s.GetByEndpoint(reg.Endpoint)
}

func (s *PushStore) GetByEndpoint(endpoint string) (*model.StoredSubscription, error) {
	var sub model.StoredSubscription
	err := s.db.QueryRow(
		`SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE endpoint = ?`, endpoint,
	).Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.VAPIDKey, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get push subscription by endpoint: %w", err)
	}
	return &sub, nil
}

func (s *PushStore) ListByUser(userID string) ([]model.StoredSubscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE user_id = ? ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions by user: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (s *PushStore) ListAll() ([]model.StoredSubscription, error) {
	rows, err := s.db.Query(`SELECT ` + subscriptionColumns + ` FROM push_subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (s *PushStore) DeleteByEndpoint(endpoint string) error {
	_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("delete push subscription by endpoint: %w", err)
	}
	return nil
}

func (s *PushStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM push_subscriptions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count push subscriptions: %w", err)
	}
	return n, nil
}

// RecordDelivery records the outcome of one send to endpoint.
func (s *PushStore) RecordDelivery(endpoint string, statusCode int, errMsg string) error {
	_, err := s.db.Exec(
		`INSERT INTO push_deliveries (endpoint, status_code, error) VALUES (?, ?, ?)`,
		endpoint, statusCode, errMsg,
	)
	if err != nil {
		return fmt.Errorf("record push delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the most recent deliveries to endpoint, newest first.
func (s *PushStore) ListDeliveries(endpoint string, limit int) ([]model.Delivery, error) {
	rows, err := s.db.Query(
		`SELECT id, endpoint, status_code, error, created_at
		 FROM push_deliveries WHERE endpoint = ? ORDER BY id DESC LIMIT ?`,
		endpoint, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list push deliveries: %w", err)
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		var d model.Delivery
		if err := rows.Scan(&d.ID, &d.Endpoint, &d.StatusCode, &d.Error, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanSubscriptions(rows *sql.Rows) ([]model.StoredSubscription, error) {
	var subs []model.StoredSubscription
	for rows.Next() {
		var sub model.StoredSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.VAPIDKey, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

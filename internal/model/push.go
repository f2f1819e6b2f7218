package model

import "time"

// Keys are the per-registration secrets the push service encrypts with.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushRegistration is one browser endpoint's ability to receive pushes. Its
// JSON form matches the platform's PushSubscription.toJSON() and is what the
// backend receives on /subscribe.
type PushRegistration struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           Keys   `json:"keys"`

	// ApplicationServerKey is the decoded VAPID key bound at creation. It never
	// changes for the life of the registration and is not serialized.
	ApplicationServerKey []byte `json:"-"`
}

// Expired reports whether the registration carries an expiration time in the past.
func (r *PushRegistration) Expired(now time.Time) bool {
	if r == nil || r.ExpirationTime == nil {
		return false
	}
	return now.UnixMilli() >= *r.ExpirationTime
}

// StoredSubscription is a registration as persisted by the backend.
type StoredSubscription struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dhKey string    `json:"p256dh_key"`
	AuthKey   string    `json:"auth_key"`
	VAPIDKey  string    `json:"vapid_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Delivery records one attempt to send a push message to an endpoint.
type Delivery struct {
	ID         int64     `json:"id"`
	Endpoint   string    `json:"endpoint"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

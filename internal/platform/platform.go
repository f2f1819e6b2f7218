// Package platform describes the host capabilities the subscription manager and
// the notification worker run against: permission state, the background worker
// registry, the push registration API, window clients and the notification tray.
package platform

import (
	"context"
	"errors"

	"github.com/bearstradespro/pushkit/internal/model"
)

// ErrNotAllowed is returned by PushManager.Subscribe when the user refused
// notification permission.
var ErrNotAllowed = errors.New("NotAllowedError: permission denied")

// Permission is the notification permission state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Capabilities lists which of the required APIs the host exposes.
type Capabilities struct {
	ServiceWorker bool `json:"serviceWorker"`
	PushManager   bool `json:"pushManager"`
	Notification  bool `json:"notification"`
}

// Supported reports whether every required capability is present.
func (c Capabilities) Supported() bool {
	return c.ServiceWorker && c.PushManager && c.Notification
}

// Missing names the absent capabilities.
func (c Capabilities) Missing() []string {
	var out []string
	if !c.ServiceWorker {
		out = append(out, "serviceWorker")
	}
	if !c.PushManager {
		out = append(out, "pushManager")
	}
	if !c.Notification {
		out = append(out, "notification")
	}
	return out
}

// Browser is the page-side view of the platform.
type Browser interface {
	Capabilities() Capabilities
	Permission() Permission
	// RequestPermission prompts the user. It is only called while creating a
	// registration.
	RequestPermission(ctx context.Context) (Permission, error)
	// FetchScript checks the worker script is served at scriptURL without
	// registering it.
	FetchScript(ctx context.Context, scriptURL string) error
	// RegisterWorker registers the worker script for scope. Registering the same
	// script again returns the existing registration.
	RegisterWorker(ctx context.Context, scriptURL, scope string) (Registration, error)
	// GetRegistration returns the registration for scope, or nil if none exists.
	GetRegistration(ctx context.Context, scope string) (Registration, error)
}

// Registration is one background worker registration.
type Registration interface {
	Scope() string
	Active() bool
	// Ready blocks until the worker is active or ctx is done.
	Ready(ctx context.Context) error
	// PostMessage delivers msg to the active worker with port attached for replies.
	PostMessage(ctx context.Context, msg Message, port Port) error
	PushManager() PushManager
}

// SubscribeOptions are passed to PushManager.Subscribe.
type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// PushManager manages the single push registration of a worker scope.
type PushManager interface {
	// GetSubscription returns the current registration, or nil if none exists.
	GetSubscription(ctx context.Context) (*model.PushRegistration, error)
	Subscribe(ctx context.Context, opts SubscribeOptions) (*model.PushRegistration, error)
	// Unsubscribe destroys the current registration and reports whether it did.
	Unsubscribe(ctx context.Context) (bool, error)
}

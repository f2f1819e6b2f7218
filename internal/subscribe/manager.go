// Package subscribe drives the Web Push subscription handshake: it obtains the
// server key, registers or reuses the background worker, reconciles any
// existing push registration and persists the result for a user.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bearstradespro/pushkit/internal/diag"
	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/platform"
	"github.com/bearstradespro/pushkit/internal/vapid"
)

// Step names recorded in the trace.
const (
	StepCapabilities = "capabilities"
	StepPermission   = "permission"
	StepWorker       = "worker"
	StepProbe        = "probe"
	StepServerKey    = "server_key"
	StepReconcile    = "reconcile"
	StepCreate       = "create"
	StepPersist      = "persist"
	StepUnsubscribe  = "unsubscribe"
	StepCancelled    = "cancelled"
)

// Backend is the server side of the handshake.
type Backend interface {
	VAPIDPublicKey(ctx context.Context) (string, error)
	SaveSubscription(ctx context.Context, userID string, reg *model.PushRegistration) error
}

// Config holds subscription manager settings.
type Config struct {
	ScriptURL         string
	Scope             string
	ActivationTimeout time.Duration
	ProbeTimeout      time.Duration
	// AttemptTimeout bounds one shared Subscribe attempt.
	AttemptTimeout time.Duration
	SkipProbe      bool
}

// Manager runs subscribe and unsubscribe against one worker scope.
type Manager struct {
	browser platform.Browser
	backend Backend
	cfg     Config
	logger  *slog.Logger

	flight singleflight.Group
	// serializes reconcile, create and persist across different users
	reconcile sync.Mutex

	mu       sync.RWMutex
	last     *diag.Trace
	lastUser string
}

// New creates a Manager. Zero config fields get defaults.
func New(browser platform.Browser, backend Backend, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ScriptURL == "" {
		cfg.ScriptURL = "/sw.js"
	}
	if cfg.Scope == "" {
		cfg.Scope = "/"
	}
	if cfg.ActivationTimeout == 0 {
		cfg.ActivationTimeout = 10 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		browser: browser,
		backend: backend,
		cfg:     cfg,
		logger:  logger,
	}
}

// LastTrace returns the trace of the most recent Subscribe attempt, or nil.
func (m *Manager) LastTrace() *diag.Trace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// LastUser returns the user of the most recent successful Subscribe.
func (m *Manager) LastUser() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUser
}

// Subscribe makes sure the backend holds a push registration for userID bound
// to the current server key. The returned trace is never nil.
//
// Concurrent calls for the same user share one attempt. The attempt is
// detached from every caller's cancellation and bounded by AttemptTimeout
// instead, so one caller giving up never fails the others; a caller whose ctx
// ends first gets ctx.Err() while the attempt carries on.
func (m *Manager) Subscribe(ctx context.Context, userID string) (*diag.Trace, error) {
	key := m.cfg.Scope + "\x00" + userID
	ch := m.flight.DoChan(key, func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.AttemptTimeout)
		defer cancel()

		trace := diag.NewTrace()
		m.mu.Lock()
		m.last = trace
		m.mu.Unlock()

		err := m.subscribe(actx, userID, trace)
		if err != nil {
			m.logger.Warn("subscribe failed", "user", userID, "kind", KindOf(err), "trace", trace)
			return trace, err
		}

		m.mu.Lock()
		m.lastUser = userID
		m.mu.Unlock()
		m.logger.Info("subscribed", "user", userID, "attempt", trace.ID)
		return trace, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			m.logger.Debug("subscribe joined in-flight attempt", "user", userID)
		}
		return res.Val.(*diag.Trace), res.Err
	case <-ctx.Done():
		trace := diag.NewTrace()
		trace.Fail(StepCancelled, ctx.Err())
		return trace, fmt.Errorf("subscribe %s: %w", userID, ctx.Err())
	}
}

func (m *Manager) subscribe(ctx context.Context, userID string, trace *diag.Trace) error {
	caps := m.browser.Capabilities()
	if !caps.Supported() {
		err := newError(ErrUnsupportedBrowser, StepCapabilities, fmt.Sprintf("missing %v", caps.Missing()), nil)
		trace.Fail(StepCapabilities, err)
		return err
	}
	trace.Record(StepCapabilities, caps)

	perm := m.browser.Permission()
	if perm == platform.PermissionDenied {
		err := newError(ErrPermissionDenied, StepPermission, "permission previously denied", nil)
		trace.Fail(StepPermission, err)
		return err
	}
	trace.Record(StepPermission, perm)

	reg, err := m.activateWorker(ctx, trace)
	if err != nil {
		return err
	}

	serverKey, err := m.fetchServerKey(ctx, trace)
	if err != nil {
		return err
	}

	m.reconcile.Lock()
	defer m.reconcile.Unlock()

	sub, err := m.reconcileExisting(ctx, reg.PushManager(), serverKey, trace)
	if err != nil {
		return err
	}
	if sub == nil {
		sub, err = m.create(ctx, reg.PushManager(), serverKey, trace)
		if err != nil {
			return err
		}
	}

	if err := m.backend.SaveSubscription(ctx, userID, sub); err != nil {
		e := newError(ErrPersistenceFailed, StepPersist, "", err)
		trace.Fail(StepPersist, e)
		return e
	}
	trace.Record(StepPersist, map[string]string{"user": userID, "endpoint": sub.Endpoint})
	return nil
}

// activateWorker registers (or reuses) the worker, waits for it to become
// active and checks it answers a PING.
func (m *Manager) activateWorker(ctx context.Context, trace *diag.Trace) (platform.Registration, error) {
	actx, cancel := context.WithTimeout(ctx, m.cfg.ActivationTimeout)
	defer cancel()

	reg, err := m.browser.RegisterWorker(actx, m.cfg.ScriptURL, m.cfg.Scope)
	if err != nil {
		e := m.activationError(ctx, StepWorker, "register "+m.cfg.ScriptURL, err)
		trace.Fail(StepWorker, e)
		return nil, e
	}

	if err := reg.Ready(actx); err != nil {
		e := m.activationError(ctx, StepWorker, fmt.Sprintf("not active after %s", m.cfg.ActivationTimeout), err)
		trace.Fail(StepWorker, e)
		return nil, e
	}
	trace.Record(StepWorker, map[string]string{"scope": reg.Scope(), "script": m.cfg.ScriptURL})

	if m.cfg.SkipProbe {
		return reg, nil
	}
	if err := m.probe(ctx, reg); err != nil {
		e := newError(ErrWorkerActivationTimeout, StepProbe, "worker did not answer PING", err)
		trace.Fail(StepProbe, e)
		return nil, e
	}
	trace.Record(StepProbe, platform.MessagePong)
	return reg, nil
}

// activationError keeps the attempt deadline distinguishable from the
// activation bound expiring.
func (m *Manager) activationError(ctx context.Context, step, detail string, err error) *Error {
	if ctx.Err() != nil {
		return newError(ErrWorkerActivationTimeout, step, "attempt ended", ctx.Err())
	}
	return newError(ErrWorkerActivationTimeout, step, detail, err)
}

func (m *Manager) probe(ctx context.Context, reg platform.Registration) error {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	reply := make(platform.ChanPort, 1)
	if err := reg.PostMessage(pctx, platform.Message{Type: platform.MessagePing}, reply); err != nil {
		return fmt.Errorf("post PING: %w", err)
	}

	select {
	case msg := <-reply:
		if msg.Type != platform.MessagePong {
			return fmt.Errorf("unexpected reply %q", msg.Type)
		}
		return nil
	case <-pctx.Done():
		return pctx.Err()
	}
}

func (m *Manager) fetchServerKey(ctx context.Context, trace *diag.Trace) ([]byte, error) {
	encoded, err := m.backend.VAPIDPublicKey(ctx)
	if err != nil {
		e := newError(ErrServerKeyUnavailable, StepServerKey, "", err)
		trace.Fail(StepServerKey, e)
		return nil, e
	}
	if encoded == "" {
		e := newError(ErrServerKeyUnavailable, StepServerKey, "empty key", nil)
		trace.Fail(StepServerKey, e)
		return nil, e
	}

	key, err := vapid.Decode(encoded)
	if err != nil {
		e := newError(ErrInvalidKeyFormat, StepServerKey, fmt.Sprintf("encoded length %d", len(encoded)), err)
		trace.Fail(StepServerKey, e)
		return nil, e
	}
	if len(key) != vapid.KeySize {
		e := newError(ErrServerKeyUnavailable, StepServerKey,
			fmt.Sprintf("decoded length %d, want %d", len(key), vapid.KeySize), nil)
		trace.Fail(StepServerKey, e)
		return nil, e
	}

	trace.Record(StepServerKey, map[string]int{"encoded": len(encoded), "decoded": len(key)})
	return key, nil
}

// reconcileExisting returns the current registration when it is bound to
// serverKey. A registration bound to any other key is destroyed first.
func (m *Manager) reconcileExisting(ctx context.Context, pm platform.PushManager, serverKey []byte, trace *diag.Trace) (*model.PushRegistration, error) {
	existing, err := pm.GetSubscription(ctx)
	if err != nil {
		e := newError(ErrSubscriptionRejected, StepReconcile, "read existing registration", err)
		trace.Fail(StepReconcile, e)
		return nil, e
	}
	if existing == nil {
		trace.Record(StepReconcile, "none")
		return nil, nil
	}

	if vapid.Equal(existing.ApplicationServerKey, serverKey) {
		trace.Record(StepReconcile, map[string]string{"reused": existing.Endpoint})
		return existing, nil
	}

	m.logger.Info("server key changed, replacing registration", "endpoint", existing.Endpoint)
	ok, err := pm.Unsubscribe(ctx)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("unsubscribe returned false")
		}
		e := newError(ErrSubscriptionRejected, StepReconcile, "destroy registration bound to old key", err)
		trace.Fail(StepReconcile, e)
		return nil, e
	}
	trace.Record(StepReconcile, map[string]string{"replaced": existing.Endpoint})
	return nil, nil
}

func (m *Manager) create(ctx context.Context, pm platform.PushManager, serverKey []byte, trace *diag.Trace) (*model.PushRegistration, error) {
	if m.browser.Permission() != platform.PermissionGranted {
		perm, err := m.browser.RequestPermission(ctx)
		if err != nil {
			e := newError(ErrPermissionDenied, StepPermission, "request permission", err)
			trace.Fail(StepPermission, e)
			return nil, e
		}
		if perm != platform.PermissionGranted {
			e := newError(ErrPermissionDenied, StepPermission, "user answered "+string(perm), nil)
			trace.Fail(StepPermission, e)
			return nil, e
		}
		trace.Record(StepPermission, perm)
	}

	sub, err := pm.Subscribe(ctx, platform.SubscribeOptions{
		UserVisibleOnly:      true,
		ApplicationServerKey: serverKey,
	})
	if err != nil {
		kind := ErrSubscriptionRejected
		if errors.Is(err, platform.ErrNotAllowed) {
			kind = ErrPermissionDenied
		}
		e := newError(kind, StepCreate, "", err)
		trace.Fail(StepCreate, e)
		return nil, e
	}

	trace.Record(StepCreate, map[string]string{"endpoint": sub.Endpoint})
	return sub, nil
}

// Persist saves an already-created registration for userID. It is used when
// the platform replaces a registration on its own.
func (m *Manager) Persist(ctx context.Context, userID string, reg *model.PushRegistration) error {
	if reg == nil {
		return errors.New("persist: nil registration")
	}
	if err := m.backend.SaveSubscription(ctx, userID, reg); err != nil {
		return newError(ErrPersistenceFailed, StepPersist, "", err)
	}
	m.logger.Info("registration persisted", "user", userID, "endpoint", reg.Endpoint)
	return nil
}

// Unsubscribe destroys the current push registration. It returns false when
// there is nothing to destroy. The backend record is left alone.
func (m *Manager) Unsubscribe(ctx context.Context) (bool, error) {
	reg, err := m.browser.GetRegistration(ctx, m.cfg.Scope)
	if err != nil {
		return false, newError(ErrSubscriptionRejected, StepUnsubscribe, "get worker registration", err)
	}
	if reg == nil {
		return false, nil
	}

	pm := reg.PushManager()
	existing, err := pm.GetSubscription(ctx)
	if err != nil {
		return false, newError(ErrSubscriptionRejected, StepUnsubscribe, "read existing registration", err)
	}
	if existing == nil {
		return false, nil
	}

	ok, err := pm.Unsubscribe(ctx)
	if err != nil {
		return false, newError(ErrSubscriptionRejected, StepUnsubscribe, "", err)
	}
	m.logger.Info("unsubscribed", "endpoint", existing.Endpoint, "ok", ok)
	return ok, nil
}

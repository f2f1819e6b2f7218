package browser

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/platform"
	"github.com/bearstradespro/pushkit/internal/vapid"
	"github.com/bearstradespro/pushkit/internal/worker"
)

var (
	// ErrInvalidState is returned when subscribing with a different
	// application server key while a registration exists.
	ErrInvalidState = errors.New("InvalidStateError: registration exists with a different applicationServerKey")
	// ErrNoWorker is returned when posting to a registration without an active worker.
	ErrNoWorker = errors.New("InvalidStateError: no active worker")

	errUserVisibleOnly = errors.New("NotAllowedError: userVisibleOnly must be true")
	errNoPushService   = errors.New("AbortError: push service unavailable")
)

type registration struct {
	b     *Browser
	scope string

	// guarded by b.mu
	script  string
	version int

	mu      sync.Mutex
	w       *worker.Worker
	waiting *worker.Worker
	ready   chan struct{}
	sub     *subscription
}

type subscription struct {
	id    string
	owner *registration
	reg   model.PushRegistration
	key   *ecdh.PrivateKey
	auth  []byte
}

func (r *registration) Scope() string { return r.scope }

func (r *registration) Active() bool { return r.current() != nil }

func (r *registration) current() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w
}

// Waiting reports whether an installed version is waiting to take over.
func (r *registration) Waiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting != nil
}

// setWaiting parks w until the pages controlled by the active version are
// gone. It returns the waiting version w displaced.
func (r *registration) setWaiting(w *worker.Worker) *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.waiting
	r.waiting = w
	return old
}

func (r *registration) takeWaiting() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.waiting
	r.waiting = nil
	return w
}

// activate installs w as the active worker and returns the one it replaced.
func (r *registration) activate(w *worker.Worker) *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.w
	r.w = w
	if r.waiting == w {
		r.waiting = nil
	}
	select {
	case <-r.ready:
	default:
		close(r.ready)
	}
	return old
}

func (r *registration) Ready(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostMessage queues a message event on the active worker.
func (r *registration) PostMessage(_ context.Context, msg platform.Message, port platform.Port) error {
	w := r.current()
	if w == nil {
		return ErrNoWorker
	}
	var ports []platform.Port
	if port != nil {
		ports = []platform.Port{port}
	}
	r.b.goTask(func(ctx context.Context) {
		ev := worker.Event{Kind: worker.EventMessage, Message: msg, Ports: ports}
		if err := w.Dispatch(ctx, ev); err != nil {
			r.b.logger.Warn("deliver message", "scope", r.scope, "type", msg.Type, "error", err)
		}
	})
	return nil
}

func (r *registration) PushManager() platform.PushManager { return (*pushManager)(r) }

type pushManager registration

func (m *pushManager) GetSubscription(context.Context) (*model.PushRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return nil, nil
	}
	reg := m.sub.reg
	return &reg, nil
}

func (m *pushManager) Subscribe(_ context.Context, opts platform.SubscribeOptions) (*model.PushRegistration, error) {
	b := m.b
	if !b.Capabilities().PushManager {
		return nil, fmt.Errorf("subscribe: %w", ErrUnsupported)
	}
	if b.Permission() != platform.PermissionGranted {
		return nil, platform.ErrNotAllowed
	}
	if !opts.UserVisibleOnly {
		return nil, errUserVisibleOnly
	}
	if _, err := ecdh.P256().NewPublicKey(opts.ApplicationServerKey); err != nil {
		return nil, fmt.Errorf("InvalidAccessError: applicationServerKey: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		if !bytes.Equal(m.sub.reg.ApplicationServerKey, opts.ApplicationServerKey) {
			return nil, ErrInvalidState
		}
		reg := m.sub.reg
		return &reg, nil
	}

	sub, err := b.newSubscription((*registration)(m), opts.ApplicationServerKey)
	if err != nil {
		return nil, err
	}
	m.sub = sub
	reg := sub.reg
	return &reg, nil
}

func (m *pushManager) Unsubscribe(context.Context) (bool, error) {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub == nil {
		return false, nil
	}

	m.b.mu.Lock()
	delete(m.b.endpoints, sub.id)
	m.b.mu.Unlock()
	return true, nil
}

// newSubscription mints an endpoint with fresh user agent keys.
func (b *Browser) newSubscription(owner *registration, serverKey []byte) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.PushServiceURL == "" {
		return nil, errNoPushService
	}

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p256dh: %w", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("generate auth: %w", err)
	}

	id := uuid.NewString()
	sub := &subscription{
		id:    id,
		owner: owner,
		key:   key,
		auth:  auth,
		reg: model.PushRegistration{
			Endpoint: b.cfg.PushServiceURL + "/push/" + id,
			Keys: model.Keys{
				P256dh: vapid.Encode(key.PublicKey().Bytes()),
				Auth:   vapid.Encode(auth),
			},
			ApplicationServerKey: bytes.Clone(serverKey),
		},
	}
	b.endpoints[id] = sub
	return sub, nil
}

// RotateSubscription replaces the push registration of scope with a new one
// bound to the same server key, as push services do when they expire an
// endpoint, and delivers pushsubscriptionchange to the worker.
func (b *Browser) RotateSubscription(ctx context.Context, scope string) (*model.PushRegistration, error) {
	b.mu.Lock()
	r := b.regs[scope]
	b.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("rotate %s: no registration", scope)
	}

	r.mu.Lock()
	old := r.sub
	if old == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("rotate %s: no push registration", scope)
	}
	sub, err := b.newSubscription(r, old.reg.ApplicationServerKey)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("rotate %s: %w", scope, err)
	}
	r.sub = sub
	r.mu.Unlock()

	b.mu.Lock()
	delete(b.endpoints, old.id)
	b.mu.Unlock()

	oldReg, newReg := old.reg, sub.reg
	if w := r.current(); w != nil {
		ev := worker.Event{
			Kind:            worker.EventPushSubscriptionChange,
			OldSubscription: &oldReg,
			NewSubscription: &newReg,
		}
		if err := w.Dispatch(ctx, ev); err != nil {
			return nil, fmt.Errorf("rotate %s: %w", scope, err)
		}
	}
	return &newReg, nil
}

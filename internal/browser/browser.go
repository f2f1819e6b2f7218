// Package browser is a headless, in-process implementation of the platform
// contracts. It keeps the notification permission, runs registered worker
// scripts, creates push registrations backed by real P-256 keys and exposes a
// push service endpoint that verifies VAPID, decrypts aes128gcm payloads and
// hands them to the worker.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/platform"
	"github.com/bearstradespro/pushkit/internal/worker"
)

var (
	// ErrUnknownScript is returned when registering a script that is not served.
	ErrUnknownScript = errors.New("worker script not found")
	// ErrUnsupported is returned when a required capability is switched off.
	ErrUnsupported = errors.New("NotSupportedError")
)

// WorkerFactory builds the worker a script evaluates to.
type WorkerFactory func(scope platform.WorkerScope) *worker.Worker

// PromptFunc answers a permission prompt on behalf of the user.
type PromptFunc func(ctx context.Context) (platform.Permission, error)

// Config holds the headless browser settings.
type Config struct {
	// Origin of the application, e.g. "https://app.example". No trailing slash.
	Origin string
	// PushServiceURL is the base URL push endpoints are minted under. It may be
	// set later with SetPushServiceURL once the push service is listening.
	PushServiceURL string
	// Capabilities overrides the supported APIs; nil means all supported.
	Capabilities *platform.Capabilities
	Permission   platform.Permission
	// Prompt answers permission requests; nil grants.
	Prompt         PromptFunc
	OnNotification func(model.Notification)
}

// Browser is one headless browser profile.
type Browser struct {
	mu        sync.Mutex
	cfg       Config
	perm      platform.Permission
	scripts   map[string]script
	regs      map[string]*registration
	endpoints map[string]*subscription
	windows   []*Window
	shown     []model.Notification
	tray      map[string]model.Notification
	prompts   int

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
	logger *slog.Logger
}

type script struct {
	version int
	factory WorkerFactory
}

// New creates a browser profile.
func New(cfg Config, logger *slog.Logger) *Browser {
	if cfg.Origin == "" {
		cfg.Origin = "https://app.localhost"
	}
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	if cfg.Permission == "" {
		cfg.Permission = platform.PermissionDefault
	}
	if cfg.Prompt == nil {
		cfg.Prompt = func(context.Context) (platform.Permission, error) {
			return platform.PermissionGranted, nil
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		cfg:       cfg,
		perm:      cfg.Permission,
		scripts:   make(map[string]script),
		regs:      make(map[string]*registration),
		endpoints: make(map[string]*subscription),
		tray:      make(map[string]model.Notification),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// SetPushServiceURL sets the base URL for new push endpoints.
func (b *Browser) SetPushServiceURL(u string) {
	b.mu.Lock()
	b.cfg.PushServiceURL = strings.TrimRight(u, "/")
	b.mu.Unlock()
}

// ServeScript makes a worker script available at scriptURL. Serving a script
// again deploys a new version; the next RegisterWorker installs it.
func (b *Browser) ServeScript(scriptURL string, factory WorkerFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.scripts[scriptURL]
	b.scripts[scriptURL] = script{version: s.version + 1, factory: factory}
}

// Capabilities implements platform.Browser.
func (b *Browser) Capabilities() platform.Capabilities {
	if b.cfg.Capabilities != nil {
		return *b.cfg.Capabilities
	}
	return platform.Capabilities{ServiceWorker: true, PushManager: true, Notification: true}
}

// Permission implements platform.Browser.
func (b *Browser) Permission() platform.Permission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perm
}

// SetPermission changes the permission as if the user edited site settings.
func (b *Browser) SetPermission(p platform.Permission) {
	b.mu.Lock()
	b.perm = p
	b.mu.Unlock()
}

// Prompts returns how many times the user was prompted.
func (b *Browser) Prompts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prompts
}

// RequestPermission implements platform.Browser. Only a "default" permission
// prompts; a decided permission is returned as is.
func (b *Browser) RequestPermission(ctx context.Context) (platform.Permission, error) {
	b.mu.Lock()
	if b.perm != platform.PermissionDefault {
		p := b.perm
		b.mu.Unlock()
		return p, nil
	}
	b.prompts++
	b.mu.Unlock()

	p, err := b.cfg.Prompt(ctx)
	if err != nil {
		return platform.PermissionDefault, fmt.Errorf("permission prompt: %w", err)
	}

	b.mu.Lock()
	b.perm = p
	b.mu.Unlock()
	return p, nil
}

// FetchScript implements platform.Browser.
func (b *Browser) FetchScript(_ context.Context, scriptURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.scripts[scriptURL]; !ok {
		return fmt.Errorf("fetch %s: %w", scriptURL, ErrUnknownScript)
	}
	return nil
}

// RegisterWorker implements platform.Browser.
func (b *Browser) RegisterWorker(ctx context.Context, scriptURL, scope string) (platform.Registration, error) {
	if !b.Capabilities().ServiceWorker {
		return nil, fmt.Errorf("register worker: %w", ErrUnsupported)
	}

	b.mu.Lock()
	s, ok := b.scripts[scriptURL]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", scriptURL, ErrUnknownScript)
	}

	r, exists := b.regs[scope]
	if exists && r.script == scriptURL && r.version == s.version {
		b.mu.Unlock()
		return r, nil
	}
	if !exists {
		r = &registration{b: b, scope: scope, ready: make(chan struct{})}
		b.regs[scope] = r
	}
	r.script = scriptURL
	r.version = s.version
	b.mu.Unlock()

	b.install(r, s)
	return r, nil
}

// GetRegistration implements platform.Browser.
func (b *Browser) GetRegistration(_ context.Context, scope string) (platform.Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.regs[scope]
	if !ok {
		return nil, nil
	}
	return r, nil
}

// install evaluates a script version in the background. The installed version
// takes over at once when it skipped waiting or no page is controlled by the
// running version; otherwise it waits until those pages are closed.
func (b *Browser) install(r *registration, s script) {
	scope := &workerScope{b: b, reg: r}
	w := s.factory(scope)
	b.goTask(func(ctx context.Context) {
		if err := w.Install(ctx); err != nil {
			b.logger.Error("install worker", "scope", r.scope, "error", err)
			return
		}

		if !scope.skipWaiting.Load() && r.Active() && b.controlledWindows() > 0 {
			if old := r.setWaiting(w); old != nil {
				old.Stop()
			}
			b.logger.Info("worker waiting", "scope", r.scope, "version", s.version)
			// pages may have closed while installing
			b.releaseWaiting()
			return
		}
		b.promote(ctx, r, w)
	})
}

// promote activates w and retires the version it replaces.
func (b *Browser) promote(ctx context.Context, r *registration, w *worker.Worker) {
	if err := w.Activate(ctx); err != nil {
		b.logger.Error("activate worker", "scope", r.scope, "error", err)
		return
	}
	if old := r.activate(w); old != nil {
		old.Stop()
	}
	b.logger.Info("worker activated", "scope", r.scope)
}

// releaseWaiting promotes every waiting version once no window is controlled.
func (b *Browser) releaseWaiting() {
	if b.controlledWindows() > 0 {
		return
	}
	for _, r := range b.registrations() {
		if w := r.takeWaiting(); w != nil {
			b.goTask(func(ctx context.Context) { b.promote(ctx, r, w) })
		}
	}
}

func (b *Browser) controlledWindows() int {
	n := 0
	for _, w := range b.Windows() {
		if w.Controlled() {
			n++
		}
	}
	return n
}

func (b *Browser) goTask(fn func(ctx context.Context)) {
	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		fn(b.ctx)
	}()
}

// OpenPage opens a window at u, as if the user navigated there.
func (b *Browser) OpenPage(u string) *Window {
	w := &Window{b: b, id: uuid.NewString(), url: u}
	for _, r := range b.registrations() {
		if r.Active() {
			w.controlled = true
		}
	}

	b.mu.Lock()
	b.windows = append(b.windows, w)
	b.mu.Unlock()
	return w
}

func (b *Browser) registrations() []*registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*registration, 0, len(b.regs))
	for _, r := range b.regs {
		out = append(out, r)
	}
	return out
}

// Windows returns the open windows in opening order.
func (b *Browser) Windows() []*Window {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Window, len(b.windows))
	copy(out, b.windows)
	return out
}

// Notifications returns every notification shown so far, in order.
func (b *Browser) Notifications() []model.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Notification, len(b.shown))
	copy(out, b.shown)
	return out
}

// Tray returns the notifications still displayed.
func (b *Browser) Tray() []model.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Notification
	for _, n := range b.shown {
		if _, ok := b.tray[n.ID]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Click clicks a displayed notification and waits for the worker to handle it.
func (b *Browser) Click(ctx context.Context, scope, id string) error {
	return b.notificationEvent(ctx, scope, id, worker.EventNotificationClick)
}

// Dismiss closes a displayed notification as the user would.
func (b *Browser) Dismiss(ctx context.Context, scope, id string) error {
	b.mu.Lock()
	_, ok := b.tray[id]
	delete(b.tray, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("dismiss %s: not displayed", id)
	}
	return b.notificationEvent(ctx, scope, id, worker.EventNotificationClose)
}

func (b *Browser) notificationEvent(ctx context.Context, scope, id string, kind worker.EventKind) error {
	b.mu.Lock()
	r := b.regs[scope]
	var n *model.Notification
	for i := range b.shown {
		if b.shown[i].ID == id {
			c := b.shown[i]
			n = &c
		}
	}
	b.mu.Unlock()

	if r == nil || n == nil {
		return fmt.Errorf("%s %s: no such notification", kind, id)
	}
	w := r.current()
	if w == nil {
		return fmt.Errorf("%s %s: no active worker", kind, id)
	}
	return w.Dispatch(ctx, worker.Event{Kind: kind, Notification: n})
}

// Close stops every worker and waits for background tasks.
func (b *Browser) Close() {
	b.cancel()
	b.tasks.Wait()

	for _, r := range b.registrations() {
		if w := r.takeWaiting(); w != nil {
			w.Stop()
		}
		if w := r.current(); w != nil {
			w.Stop()
		}
	}
}

package subscribe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bearstradespro/pushkit/internal/browser"
	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/platform"
	"github.com/bearstradespro/pushkit/internal/vapid"
	"github.com/bearstradespro/pushkit/internal/worker"
)

type fakeBackend struct {
	mu      sync.Mutex
	key     string
	keyErr  error
	saveErr error
	saved   map[string]string
	saves   int
	onSave  func()
}

func (f *fakeBackend) VAPIDPublicKey(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key, f.keyErr
}

func (f *fakeBackend) SaveSubscription(_ context.Context, userID string, reg *model.PushRegistration) error {
	f.mu.Lock()
	hook := f.onSave
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[userID] = reg.Endpoint
	return nil
}

func (f *fakeBackend) setKey(k string) {
	f.mu.Lock()
	f.key = k
	f.mu.Unlock()
}

func newKey(t *testing.T) string {
	t.Helper()
	pub, _, err := vapid.GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	return pub
}

func newBrowser(t *testing.T, cfg browser.Config) *browser.Browser {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	if cfg.Permission == "" {
		cfg.Permission = platform.PermissionGranted
	}
	cfg.Origin = "https://app.test"
	cfg.PushServiceURL = "https://push.test"
	b := browser.New(cfg, logger)
	t.Cleanup(b.Close)
	b.ServeScript("/sw.js", func(s platform.WorkerScope) *worker.Worker {
		return worker.New(s, worker.Config{}, logger)
	})
	return b
}

func newManager(b platform.Browser, backend Backend, cfg Config) *Manager {
	return New(b, backend, cfg, slog.New(slog.DiscardHandler))
}

func currentEndpoint(t *testing.T, b *browser.Browser) string {
	t.Helper()
	reg, err := b.GetRegistration(context.Background(), "/")
	if err != nil || reg == nil {
		t.Fatalf("registration = %v, %v", reg, err)
	}
	sub, err := reg.PushManager().GetSubscription(context.Background())
	if err != nil || sub == nil {
		t.Fatalf("subscription = %v, %v", sub, err)
	}
	return sub.Endpoint
}

func TestSubscribeHappyPath(t *testing.T) {
	b := newBrowser(t, browser.Config{})
	backend := &fakeBackend{key: newKey(t)}
	m := newManager(b, backend, Config{})

	trace, err := m.Subscribe(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if trace == nil || trace.Err() != nil {
		t.Fatalf("trace = %v", trace)
	}

	var names []string
	for _, s := range trace.Steps() {
		names = append(names, s.Name)
	}
	want := []string{StepCapabilities, StepPermission, StepWorker, StepProbe, StepServerKey, StepReconcile, StepCreate, StepPersist}
	if len(names) != len(want) {
		t.Fatalf("steps = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("step %d = %q, want %q", i, names[i], want[i])
		}
	}

	if got := backend.saved["user-1"]; got != currentEndpoint(t, b) {
		t.Errorf("saved endpoint = %q, want %q", got, currentEndpoint(t, b))
	}
	if m.LastUser() != "user-1" {
		t.Errorf("last user = %q", m.LastUser())
	}
	if m.LastTrace() != trace {
		t.Error("LastTrace should return the latest attempt")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := newBrowser(t, browser.Config{})
	backend := &fakeBackend{key: newKey(t)}
	m := newManager(b, backend, Config{})
	ctx := context.Background()

	if _, err := m.Subscribe(ctx, "user-1"); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	first := currentEndpoint(t, b)

	trace, err := m.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if got := currentEndpoint(t, b); got != first {
		t.Errorf("endpoint changed: %q -> %q", first, got)
	}
	if backend.saves != 2 {
		t.Errorf("saves = %d, want 2", backend.saves)
	}
	for _, s := range trace.Steps() {
		if s.Name == StepCreate {
			t.Error("second subscribe should reuse the registration")
		}
	}
}

func TestSubscribeReplacesRegistrationOnKeyChange(t *testing.T) {
	b := newBrowser(t, browser.Config{})
	backend := &fakeBackend{key: newKey(t)}
	m := newManager(b, backend, Config{})
	ctx := context.Background()

	if _, err := m.Subscribe(ctx, "user-1"); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	first := currentEndpoint(t, b)

	backend.setKey(newKey(t))
	if _, err := m.Subscribe(ctx, "user-1"); err != nil {
		t.Fatalf("subscribe after rotation: %v", err)
	}
	second := currentEndpoint(t, b)
	if second == first {
		t.Error("expected a new registration after the server key changed")
	}
	if backend.saved["user-1"] != second {
		t.Errorf("saved = %q, want %q", backend.saved["user-1"], second)
	}
}

func TestSubscribeDeniedDoesNotTouchWorker(t *testing.T) {
	b := newBrowser(t, browser.Config{Permission: platform.PermissionDenied})
	backend := &fakeBackend{key: newKey(t)}
	m := newManager(b, backend, Config{})

	trace, err := m.Subscribe(context.Background(), "user-1")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want PermissionDenied", err)
	}
	if Retryable(err) {
		t.Error("permission denied must not be retryable")
	}
	if last, ok := trace.Last(); !ok || last.Name != StepPermission {
		t.Errorf("last step = %+v", last)
	}
	if reg, _ := b.GetRegistration(context.Background(), "/"); reg != nil {
		t.Error("no worker should be registered")
	}
	if b.Prompts() != 0 {
		t.Errorf("prompts = %d, want 0", b.Prompts())
	}
}

func TestSubscribePromptDenied(t *testing.T) {
	b := newBrowser(t, browser.Config{
		Permission: platform.PermissionDefault,
		Prompt: func(context.Context) (platform.Permission, error) {
			return platform.PermissionDenied, nil
		},
	})
	backend := &fakeBackend{key: newKey(t)}
	m := newManager(b, backend, Config{})

	_, err := m.Subscribe(context.Background(), "user-1")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want PermissionDenied", err)
	}
	if b.Prompts() != 1 {
		t.Errorf("prompts = %d, want 1", b.Prompts())
	}
	if backend.saves != 0 {
		t.Errorf("saves = %d, want 0", backend.saves)
	}
}

func TestSubscribePromptGranted(t *testing.T) {
	b := newBrowser(t, browser.Config{Permission: platform.PermissionDefault})
	backend := &fakeBackend{key: newKey(t)}
	m := newManager(b, backend, Config{})

	if _, err := m.Subscribe(context.Background(), "user-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if b.Permission() != platform.PermissionGranted {
		t.Errorf("permission = %s", b.Permission())
	}
}

func TestSubscribeUnsupported(t *testing.T) {
	b := newBrowser(t, browser.Config{Capabilities: &platform.Capabilities{ServiceWorker: true, Notification: true}})
	m := newManager(b, &fakeBackend{key: newKey(t)}, Config{})

	_, err := m.Subscribe(context.Background(), "user-1")
	if !errors.Is(err, ErrUnsupportedBrowser) {
		t.Fatalf("err = %v, want UnsupportedBrowser", err)
	}
	if KindOf(err) != ErrUnsupportedBrowser {
		t.Errorf("kind = %q", KindOf(err))
	}
}

func TestSubscribeActivationTimeout(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	b := newBrowser(t, browser.Config{})
	b.ServeScript("/stuck.js", func(s platform.WorkerScope) *worker.Worker {
		w := worker.New(s, worker.Config{}, logger)
		w.On(worker.EventInstall, func(ctx context.Context, _ worker.Event) error {
			<-ctx.Done()
			return ctx.Err()
		})
		return w
	})
	m := newManager(b, &fakeBackend{key: newKey(t)}, Config{ScriptURL: "/stuck.js", ActivationTimeout: 50 * time.Millisecond})

	_, err := m.Subscribe(context.Background(), "user-1")
	if !errors.Is(err, ErrWorkerActivationTimeout) {
		t.Fatalf("err = %v, want WorkerActivationTimeout", err)
	}
	if !Retryable(err) {
		t.Error("activation timeout should be retryable")
	}
}

func TestSubscribeServerKeyErrors(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
		want    Kind
	}{
		{"backend down", &fakeBackend{keyErr: errors.New("connection refused")}, ErrServerKeyUnavailable},
		{"empty key", &fakeBackend{key: ""}, ErrServerKeyUnavailable},
		{"bad characters", &fakeBackend{key: "ab!d"}, ErrInvalidKeyFormat},
		{"wrong length", &fakeBackend{key: "AQID"}, ErrServerKeyUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBrowser(t, browser.Config{})
			m := newManager(b, tt.backend, Config{})

			trace, err := m.Subscribe(context.Background(), "user-1")
			if KindOf(err) != tt.want {
				t.Fatalf("kind = %q (%v), want %q", KindOf(err), err, tt.want)
			}
			if last, _ := trace.Last(); last.Name != StepServerKey {
				t.Errorf("failed step = %q, want %q", last.Name, StepServerKey)
			}
			if tt.backend.saves != 0 {
				t.Errorf("saves = %d, want 0", tt.backend.saves)
			}
		})
	}
}

func TestSubscribePersistenceFailureIsRetryable(t *testing.T) {
	b := newBrowser(t, browser.Config{})
	backend := &fakeBackend{key: newKey(t), saveErr: errors.New("HTTP 503")}
	m := newManager(b, backend, Config{})
	ctx := context.Background()

	_, err := m.Subscribe(ctx, "user-1")
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("err = %v, want PersistenceFailed", err)
	}
	if !Retryable(err) {
		t.Error("persistence failure should be retryable")
	}
	endpoint := currentEndpoint(t, b)

	backend.mu.Lock()
	backend.saveErr = nil
	backend.mu.Unlock()

	if _, err := m.Subscribe(ctx, "user-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if backend.saved["user-1"] != endpoint {
		t.Errorf("saved = %q, want the registration from the first attempt %q", backend.saved["user-1"], endpoint)
	}
}

func TestConcurrentSubscribeSharesAttempt(t *testing.T) {
	b := newBrowser(t, browser.Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	backend := &fakeBackend{key: newKey(t)}
	backend.onSave = func() {
		once.Do(func() { close(entered) })
		<-release
	}
	m := newManager(b, backend, Config{})

	var wg sync.WaitGroup
	var failures atomic.Int32
	traces := make([]any, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 1 {
				<-entered
			}
			tr, err := m.Subscribe(context.Background(), "user-1")
			if err != nil {
				failures.Add(1)
			}
			traces[i] = tr
		}()
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("failures = %d", failures.Load())
	}
	if backend.saves != 1 {
		t.Errorf("saves = %d, want 1", backend.saves)
	}
	if traces[0] != traces[1] {
		t.Error("concurrent callers should share one trace")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newBrowser(t, browser.Config{})
	backend := &fakeBackend{key: newKey(t)}
	m := newManager(b, backend, Config{})
	ctx := context.Background()

	ok, err := m.Unsubscribe(ctx)
	if err != nil || ok {
		t.Fatalf("unsubscribe without registration = %v, %v", ok, err)
	}

	if _, err := m.Subscribe(ctx, "user-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ok, err = m.Unsubscribe(ctx)
	if err != nil || !ok {
		t.Fatalf("unsubscribe = %v, %v", ok, err)
	}
	ok, err = m.Unsubscribe(ctx)
	if err != nil || ok {
		t.Fatalf("second unsubscribe = %v, %v", ok, err)
	}
	if _, ok := backend.saved["user-1"]; !ok {
		t.Error("backend record should be left alone")
	}
}

func TestPersist(t *testing.T) {
	backend := &fakeBackend{}
	m := newManager(newBrowser(t, browser.Config{}), backend, Config{})

	if err := m.Persist(context.Background(), "user-1", nil); err == nil {
		t.Error("expected error for nil registration")
	}
	reg := &model.PushRegistration{Endpoint: "https://push.test/x"}
	if err := m.Persist(context.Background(), "user-1", reg); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if backend.saved["user-1"] != reg.Endpoint {
		t.Errorf("saved = %q", backend.saved["user-1"])
	}

	backend.saveErr = errors.New("down")
	if err := m.Persist(context.Background(), "user-1", reg); !errors.Is(err, ErrPersistenceFailed) {
		t.Errorf("err = %v, want PersistenceFailed", err)
	}
}

func TestDiagnose(t *testing.T) {
	b := newBrowser(t, browser.Config{})
	backend := &fakeBackend{key: newKey(t)}
	m := newManager(b, backend, Config{})
	ctx := context.Background()

	before := m.Diagnose(ctx)
	if before.Passed() {
		t.Errorf("report passed before subscribing:\n%s", before.Summary())
	}
	if reg, _ := b.GetRegistration(ctx, "/"); reg != nil {
		t.Error("Diagnose must not register a worker")
	}

	if _, err := m.Subscribe(ctx, "user-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	after := m.Diagnose(ctx)
	if !after.Passed() {
		t.Errorf("report failed after subscribing:\n%s", after.Summary())
	}
	if len(after.Checks) != 7 {
		t.Errorf("checks = %d, want 7", len(after.Checks))
	}
}

func TestDiagnoseMissingScript(t *testing.T) {
	b := newBrowser(t, browser.Config{})
	m := newManager(b, &fakeBackend{key: newKey(t)}, Config{ScriptURL: "/missing.js"})

	report := m.Diagnose(context.Background())
	var found bool
	for _, c := range report.Failed() {
		if c.Name == "worker script" {
			found = true
			if !strings.Contains(c.Detail, "/missing.js") {
				t.Errorf("detail = %q, want the script URL", c.Detail)
			}
		}
	}
	if !found {
		t.Errorf("expected a failed worker script check:\n%s", report.Summary())
	}
}

func TestErrorFormatting(t *testing.T) {
	err := newError(ErrPersistenceFailed, StepPersist, "user-1", errors.New("HTTP 500"))
	want := "persist: PersistenceFailed: user-1: HTTP 500"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if KindOf(errors.New("other")) != "" {
		t.Error("KindOf should be empty for foreign errors")
	}
	if !errors.Is(err, ErrPersistenceFailed) || errors.Is(err, ErrPermissionDenied) {
		t.Error("errors.Is should match only the error's kind")
	}
}

func TestCancelledCallerDoesNotFailSharedAttempt(t *testing.T) {
	b := newBrowser(t, browser.Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	backend := &fakeBackend{key: newKey(t)}
	backend.onSave = func() {
		once.Do(func() { close(entered) })
		<-release
	}
	m := newManager(b, backend, Config{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Subscribe(firstCtx, "user-1")
		firstErr <- err
	}()
	<-entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := m.Subscribe(context.Background(), "user-1")
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller err = %v, want context.Canceled", err)
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("second caller err = %v, want nil", err)
	}
	if got := backend.saved["user-1"]; got != currentEndpoint(t, b) {
		t.Errorf("saved endpoint = %q, want %q", got, currentEndpoint(t, b))
	}
}

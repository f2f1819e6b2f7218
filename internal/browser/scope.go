package browser

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/platform"
)

var errNoNotificationPermission = errors.New("TypeError: no notification permission has been granted")

// Window is an open page.
type Window struct {
	b  *Browser
	id string

	mu         sync.Mutex
	url        string
	focused    bool
	controlled bool
}

func (w *Window) ID() string { return w.id }

func (w *Window) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.url
}

// Focused reports whether the window has focus.
func (w *Window) Focused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.focused
}

// Controlled reports whether an active worker controls the window.
func (w *Window) Controlled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.controlled
}

// Focus gives the window focus and takes it from every other window.
func (w *Window) Focus(context.Context) error {
	for _, o := range w.b.Windows() {
		o.mu.Lock()
		o.focused = o == w
		o.mu.Unlock()
	}
	return nil
}

// Close closes the window. A waiting worker version takes over once no open
// window is controlled.
func (w *Window) Close() {
	b := w.b
	b.mu.Lock()
	if i := slices.Index(b.windows, w); i >= 0 {
		b.windows = slices.Delete(b.windows, i, i+1)
	}
	b.mu.Unlock()
	b.releaseWaiting()
}

// workerScope is what one worker version sees of the browser.
type workerScope struct {
	b   *Browser
	reg *registration

	skipWaiting atomic.Bool
}

func (s *workerScope) Origin() string { return s.b.cfg.Origin }

func (s *workerScope) SkipWaiting(context.Context) error {
	s.skipWaiting.Store(true)
	return nil
}

func (s *workerScope) ClaimClients(context.Context) error {
	for _, w := range s.b.Windows() {
		if !s.sameOrigin(w.URL()) {
			continue
		}
		w.mu.Lock()
		w.controlled = true
		w.mu.Unlock()
	}
	return nil
}

func (s *workerScope) ShowNotification(_ context.Context, n model.Notification) error {
	b := s.b
	if !b.Capabilities().Notification || b.Permission() != platform.PermissionGranted {
		return errNoNotificationPermission
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	// A notification replaces any displayed one with the same tag.
	b.mu.Lock()
	if tag := n.Options.Tag(); tag != "" {
		for id, o := range b.tray {
			if o.Options.Tag() == tag {
				delete(b.tray, id)
			}
		}
	}
	b.shown = append(b.shown, n)
	b.tray[n.ID] = n
	b.mu.Unlock()

	b.logger.Debug("notification shown", "id", n.ID, "title", n.Title, "tag", n.Options.Tag())
	if b.cfg.OnNotification != nil {
		b.cfg.OnNotification(n)
	}
	return nil
}

func (s *workerScope) CloseNotification(_ context.Context, id string) error {
	s.b.mu.Lock()
	delete(s.b.tray, id)
	s.b.mu.Unlock()
	return nil
}

func (s *workerScope) MatchClients(_ context.Context, opts platform.MatchOptions) ([]platform.WindowClient, error) {
	var out []platform.WindowClient
	for _, w := range s.b.Windows() {
		if !s.sameOrigin(w.URL()) {
			continue
		}
		if !opts.IncludeUncontrolled && !w.Controlled() {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *workerScope) OpenWindow(_ context.Context, u string) (platform.WindowClient, error) {
	w := &Window{b: s.b, id: uuid.NewString(), url: u, focused: true}

	s.b.mu.Lock()
	for _, o := range s.b.windows {
		o.mu.Lock()
		o.focused = false
		o.mu.Unlock()
	}
	s.b.windows = append(s.b.windows, w)
	s.b.mu.Unlock()

	s.b.logger.Debug("window opened", "url", u)
	return w, nil
}

func (s *workerScope) sameOrigin(u string) bool {
	o := s.b.cfg.Origin
	return u == o || strings.HasPrefix(u, o+"/")
}

// Package worker implements the background notification worker: it installs
// and activates eagerly, turns inbound pushes into visible notifications,
// routes notification clicks back into the application and answers liveness
// probes from pages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/platform"
)

// ErrNotActive is returned by Dispatch when the worker is not activated.
var ErrNotActive = errors.New("worker not active")

// State is the worker lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// EventKind identifies a lifecycle or functional event.
type EventKind string

const (
	EventInstall                EventKind = "install"
	EventActivate               EventKind = "activate"
	EventPush                   EventKind = "push"
	EventNotificationClick      EventKind = "notificationclick"
	EventNotificationClose      EventKind = "notificationclose"
	EventMessage                EventKind = "message"
	EventPushSubscriptionChange EventKind = "pushsubscriptionchange"
)

// Event is delivered to the handlers registered for its Kind. Only the fields
// relevant to the kind are set.
type Event struct {
	Kind EventKind

	// Data is the push payload; nil when the push carried none.
	Data []byte

	Notification *model.Notification

	Message platform.Message
	Ports   []platform.Port

	OldSubscription *model.PushRegistration
	NewSubscription *model.PushRegistration
}

// Handler handles one event. The worker stays alive until it returns.
type Handler func(ctx context.Context, ev Event) error

// SubscriptionChangeFunc is called when the platform replaces or drops the push
// registration. newSub is nil when the platform did not create a replacement.
type SubscriptionChangeFunc func(ctx context.Context, oldSub, newSub *model.PushRegistration) error

// Config holds the worker's notification defaults and hooks.
type Config struct {
	Defaults             Defaults
	OnSubscriptionChange SubscriptionChangeFunc
}

// Worker dispatches platform events to handlers.
type Worker struct {
	mu       sync.RWMutex
	scope    platform.WorkerScope
	cfg      Config
	handlers map[EventKind][]Handler
	state    State
	pending  sync.WaitGroup
	logger   *slog.Logger
}

// New creates a worker bound to scope with the default handlers registered.
func New(scope platform.WorkerScope, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Defaults = cfg.Defaults.withFallbacks()

	w := &Worker{
		scope:    scope,
		cfg:      cfg,
		handlers: make(map[EventKind][]Handler),
		state:    StateParsed,
		logger:   logger,
	}

	w.On(EventInstall, w.handleInstall)
	w.On(EventActivate, w.handleActivate)
	w.On(EventPush, w.handlePush)
	w.On(EventNotificationClick, w.handleNotificationClick)
	w.On(EventNotificationClose, w.handleNotificationClose)
	w.On(EventMessage, w.handleMessage)
	w.On(EventPushSubscriptionChange, w.handleSubscriptionChange)
	return w
}

// On registers an additional handler for kind. Handlers run in registration order.
func (w *Worker) On(kind EventKind, h Handler) {
	w.mu.Lock()
	w.handlers[kind] = append(w.handlers[kind], h)
	w.mu.Unlock()
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Start installs and activates the worker. Handler failures during either
// phase are logged; they never prevent activation.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// Install runs the install phase. The worker then waits in the installed
// state until Activate is called.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return fmt.Errorf("install worker: %w", err)
	}
	w.run(ctx, Event{Kind: EventInstall})
	w.setState(StateInstalled)
	return nil
}

// Activate runs the activate phase of an installed worker.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return fmt.Errorf("activate worker: %w", err)
	}
	w.run(ctx, Event{Kind: EventActivate})
	w.setState(StateActivated)
	return nil
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("already %s", w.state)
	}
	w.state = to
	return nil
}

// Dispatch runs every handler for ev and returns once they have all finished.
// Handler errors and panics are logged, never returned.
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	w.mu.RLock()
	if w.state != StateActivated {
		state := w.state
		w.mu.RUnlock()
		return fmt.Errorf("dispatch %s in state %s: %w", ev.Kind, state, ErrNotActive)
	}
	w.pending.Add(1)
	w.mu.RUnlock()
	defer w.pending.Done()

	w.run(ctx, ev)
	return nil
}

// Stop marks the worker redundant and waits for in-flight events.
func (w *Worker) Stop() {
	w.setState(StateRedundant)
	w.pending.Wait()
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.logger.Debug("worker state", "state", s)
}

func (w *Worker) run(ctx context.Context, ev Event) {
	w.mu.RLock()
	handlers := w.handlers[ev.Kind]
	w.mu.RUnlock()

	for _, h := range handlers {
		if err := w.safeCall(ctx, h, ev); err != nil {
			w.logger.Error("event handler failed", "event", ev.Kind, "error", err)
		}
	}
}

func (w *Worker) safeCall(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, ev)
}

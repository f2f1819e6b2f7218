package worker

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/platform"
)

func (w *Worker) handleInstall(ctx context.Context, _ Event) error {
	w.logger.Info("install: taking over without waiting")
	if err := w.scope.SkipWaiting(ctx); err != nil {
		return fmt.Errorf("skip waiting: %w", err)
	}
	return nil
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) error {
	w.logger.Info("activate: claiming clients")
	if err := w.scope.ClaimClients(ctx); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	return nil
}

func (w *Worker) handlePush(ctx context.Context, ev Event) error {
	if ev.Data == nil {
		w.logger.Warn("push without payload, nothing to show")
		return nil
	}

	n := ParsePayload(ev.Data, w.cfg.Defaults)
	w.logger.Debug("showing notification", "title", n.Title, "tag", n.Options.Tag())

	if err := w.scope.ShowNotification(ctx, n); err != nil {
		// The next push must still be processed, so the failure stops here.
		w.logger.Error("show notification", "title", n.Title, "error", err)
		return nil
	}
	w.logger.Info("notification shown", "title", n.Title)
	return nil
}

func (w *Worker) handleNotificationClick(ctx context.Context, ev Event) error {
	if ev.Notification == nil {
		return fmt.Errorf("notificationclick without notification")
	}
	n := ev.Notification

	if err := w.scope.CloseNotification(ctx, n.ID); err != nil {
		w.logger.Warn("close clicked notification", "id", n.ID, "error", err)
	}

	target := w.resolve(n.Options.URL())

	clients, err := w.scope.MatchClients(ctx, platform.MatchOptions{
		Type:                platform.ClientWindow,
		IncludeUncontrolled: true,
	})
	if err != nil {
		return fmt.Errorf("match clients: %w", err)
	}

	for _, c := range clients {
		if c.URL() == target {
			if err := c.Focus(ctx); err != nil {
				return fmt.Errorf("focus client %s: %w", c.ID(), err)
			}
			w.logger.Info("notification click focused window", "url", target)
			return nil
		}
	}

	if _, err := w.scope.OpenWindow(ctx, target); err != nil {
		return fmt.Errorf("open window %s: %w", target, err)
	}
	w.logger.Info("notification click opened window", "url", target)
	return nil
}

func (w *Worker) handleNotificationClose(_ context.Context, ev Event) error {
	if ev.Notification != nil {
		w.logger.Debug("notification closed", "id", ev.Notification.ID, "tag", ev.Notification.Options.Tag())
	}
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) error {
	if ev.Message.Type != platform.MessagePing {
		return nil
	}
	if len(ev.Ports) == 0 || ev.Ports[0] == nil {
		w.logger.Warn("PING without reply port")
		return nil
	}
	if err := ev.Ports[0].PostMessage(ctx, platform.Message{Type: platform.MessagePong}); err != nil {
		return fmt.Errorf("reply PONG: %w", err)
	}
	return nil
}

func (w *Worker) handleSubscriptionChange(ctx context.Context, ev Event) error {
	w.logger.Info("push subscription changed",
		"old", endpointOf(ev.OldSubscription),
		"new", endpointOf(ev.NewSubscription))

	if w.cfg.OnSubscriptionChange == nil {
		return nil
	}
	if err := w.cfg.OnSubscriptionChange(ctx, ev.OldSubscription, ev.NewSubscription); err != nil {
		return fmt.Errorf("subscription change hook: %w", err)
	}
	return nil
}

// resolve turns the click target into an absolute URL on the worker origin.
// Empty targets open the application root.
func (w *Worker) resolve(target string) string {
	if target == "" {
		target = "/"
	}
	base, err := url.Parse(w.scope.Origin() + "/")
	if err != nil {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return base.ResolveReference(ref).String()
}

func endpointOf(r *model.PushRegistration) string {
	if r == nil {
		return ""
	}
	return r.Endpoint
}

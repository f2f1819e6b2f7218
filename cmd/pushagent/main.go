package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/bearstradespro/pushkit/internal/api"
	"github.com/bearstradespro/pushkit/internal/browser"
	"github.com/bearstradespro/pushkit/internal/database"
	"github.com/bearstradespro/pushkit/internal/logging"
	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/platform"
	"github.com/bearstradespro/pushkit/internal/push"
	"github.com/bearstradespro/pushkit/internal/server"
	"github.com/bearstradespro/pushkit/internal/subscribe"
	"github.com/bearstradespro/pushkit/internal/vapid"
	ws "github.com/bearstradespro/pushkit/internal/websocket"
	"github.com/bearstradespro/pushkit/internal/worker"
)

const (
	scriptURL = "/sw.js"
	scope     = "/"
)

func main() {
	logger := logging.Setup(os.Getenv("PUSHKIT_LOG_LEVEL"))

	port := os.Getenv("PUSHKIT_PORT")
	if port == "" {
		port = "8088"
	}
	baseURL := "http://localhost:" + port

	dbPath := os.Getenv("PUSHKIT_DB_PATH")
	if dbPath == "" {
		dbPath = "pushkit.db"
	}

	origin := os.Getenv("PUSHKIT_ORIGIN")
	if origin == "" {
		origin = baseURL
	}

	activationTimeout := 10 * time.Second
	if v := os.Getenv("PUSHKIT_ACTIVATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid PUSHKIT_ACTIVATION_TIMEOUT", "value", v, "error", err)
			os.Exit(1)
		}
		activationTimeout = d
	}

	pub := os.Getenv("PUSHKIT_VAPID_PUBLIC_KEY")
	priv := os.Getenv("PUSHKIT_VAPID_PRIVATE_KEY")
	if pub == "" || priv == "" {
		var err error
		pub, priv, err = vapid.GenerateKeys()
		if err != nil {
			slog.Error("generate vapid keys", "error", err)
			os.Exit(1)
		}
		slog.Warn("no VAPID keys configured, generated an ephemeral pair", "public_key", pub)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(logger.With("component", "websocket"))
	srv := server.New(db, hub, server.Config{
		Push: push.Config{
			VAPIDPublicKey:  pub,
			VAPIDPrivateKey: priv,
			Subscriber:      os.Getenv("PUSHKIT_VAPID_SUBJECT"),
		},
		NotifyToken: os.Getenv("PUSHKIT_NOTIFY_TOKEN"),
	}, logger)

	b := browser.New(browser.Config{
		Origin:         origin,
		PushServiceURL: baseURL,
		Permission:     platform.Permission(os.Getenv("PUSHKIT_PERMISSION")),
		OnNotification: func(n model.Notification) {
			logger.Info("notification", "id", n.ID, "title", n.Title, "body", n.Options.Body())
			hub.Broadcast(ws.NotificationMessage(n))
		},
	}, logger.With("component", "browser"))

	var manager *subscribe.Manager
	workerLogger := logger.With("component", "worker")
	b.ServeScript(scriptURL, func(s platform.WorkerScope) *worker.Worker {
		return worker.New(s, worker.Config{
			OnSubscriptionChange: func(ctx context.Context, _, newSub *model.PushRegistration) error {
				userID := manager.LastUser()
				if userID == "" {
					return nil
				}
				if newSub != nil {
					return manager.Persist(ctx, userID, newSub)
				}
				_, err := manager.Subscribe(ctx, userID)
				return err
			},
		}, workerLogger)
	})

	manager = subscribe.New(b, api.New(api.Config{BaseURL: baseURL, MaxRetries: 3}), subscribe.Config{
		ScriptURL:         scriptURL,
		Scope:             scope,
		ActivationTimeout: activationTimeout,
	}, logger.With("component", "subscribe"))

	// Push endpoints minted by the browser share the listener with the backend
	mux := http.NewServeMux()
	mux.Handle("/push/", b.PushService())
	mux.Handle("/", srv.Router())

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		slog.Error("listen", "addr", httpServer.Addr, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.PushDispatcher().Start(ctx)
	go srv.RateLimiter().RunCleanup(ctx, 10*time.Minute)

	go func() {
		slog.Info("pushagent starting", "addr", httpServer.Addr, "origin", origin)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	if userID := os.Getenv("PUSHKIT_USER_ID"); userID != "" {
		subscribeUser(ctx, manager, userID, activationTimeout)
	}
	if reg, err := b.GetRegistration(ctx, scope); err == nil && reg != nil {
		hub.Bind(reg)
	} else {
		slog.Warn("no worker registration, page messages will be refused")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig != syscall.SIGHUP {
			break
		}
		// SIGHUP simulates the push service rotating the endpoint
		if _, err := b.RotateSubscription(ctx, scope); err != nil {
			slog.Error("rotate subscription", "error", err)
		}
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	err = httpServer.Shutdown(shutdownCtx)
	cancel()
	srv.PushDispatcher().Stop()
	b.Close()
	err = multierr.Append(err, db.Close())
	if err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func subscribeUser(ctx context.Context, m *subscribe.Manager, userID string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, 3*timeout)
	defer cancel()

	trace, err := m.Subscribe(ctx, userID)
	if err != nil {
		slog.Error("subscribe", "user", userID, "kind", subscribe.KindOf(err), "retryable", subscribe.Retryable(err), "error", err, "trace", trace)
		slog.Info("diagnostics\n" + m.Diagnose(ctx).Summary())
		return
	}
	slog.Info("user subscribed", "user", userID, "trace", trace)
}

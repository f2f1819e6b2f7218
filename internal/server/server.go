// Package server wires the loopback backend: stores, push dispatch, handlers
// and middleware behind one router.
package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/bearstradespro/pushkit/internal/handler"
	"github.com/bearstradespro/pushkit/internal/middleware"
	"github.com/bearstradespro/pushkit/internal/push"
	"github.com/bearstradespro/pushkit/internal/store"
	ws "github.com/bearstradespro/pushkit/internal/websocket"
)

// Config holds backend settings.
type Config struct {
	Push push.Config
	// NotifyToken guards the sending and listing routes; empty disables the check.
	NotifyToken string
	// SubscribeLimit is the number of /subscribe calls allowed per client per minute.
	SubscribeLimit int
}

type Server struct {
	hub          *ws.Hub
	pushH        *handler.PushHandler
	pushStore    *store.PushStore
	pushService  *push.Service
	pushDispatch *push.Dispatcher
	rateLimiter  *middleware.RateLimiter
	cfg          Config
	logger       *slog.Logger
}

// New builds the backend. hub may be nil, in which case /ws is not served.
func New(db *sql.DB, hub *ws.Hub, cfg Config, logger *slog.Logger) *Server {
	if cfg.SubscribeLimit == 0 {
		cfg.SubscribeLimit = 10
	}

	pushSt := store.NewPushStore(db)
	pushSvc := push.NewService(cfg.Push)
	dispatcher := push.NewDispatcher(pushSvc, pushSt, logger.With("component", "push"))

	return &Server{
		hub:          hub,
		pushH:        handler.NewPushHandler(pushSt, pushSvc, dispatcher, logger.With("component", "push_handler")),
		pushStore:    pushSt,
		pushService:  pushSvc,
		pushDispatch: dispatcher,
		rateLimiter:  middleware.NewRateLimiter(),
		cfg:          cfg,
		logger:       logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// PushDispatcher returns the dispatcher so callers can start and stop it.
func (s *Server) PushDispatcher() *push.Dispatcher {
	return s.pushDispatch
}

// PushStore returns the push store.
func (s *Server) PushStore() *store.PushStore {
	return s.pushStore
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.pushH.Health)
	mux.HandleFunc("GET /vapid-public-key", s.pushH.GetVAPIDKey)
	mux.HandleFunc("POST /subscribe", s.rateLimitedHandler(s.pushH.Subscribe))

	// Sending and inspection routes share the notify token
	guard := middleware.RequireToken(s.cfg.NotifyToken)
	mux.Handle("POST /notify", guard(http.HandlerFunc(s.pushH.Notify)))
	mux.Handle("GET /subscriptions", guard(http.HandlerFunc(s.pushH.ListSubscriptions)))
	mux.Handle("DELETE /subscriptions", guard(http.HandlerFunc(s.pushH.Unsubscribe)))
	mux.Handle("GET /deliveries", guard(http.HandlerFunc(s.pushH.ListDeliveries)))

	if s.hub != nil {
		mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub))
	}

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, s.cfg.SubscribeLimit, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

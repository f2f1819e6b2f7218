package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bearstradespro/pushkit/internal/api"
	"github.com/bearstradespro/pushkit/internal/platform"
	"github.com/bearstradespro/pushkit/internal/vapid"
	ws "github.com/bearstradespro/pushkit/internal/websocket"
)

type pongTarget struct{}

func (pongTarget) PostMessage(ctx context.Context, msg platform.Message, port platform.Port) error {
	return port.PostMessage(ctx, platform.Message{Type: platform.MessagePong})
}

func TestRun(t *testing.T) {
	pub, _, err := vapid.GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}

	hub := ws.NewHub(slog.New(slog.DiscardHandler))
	hub.Bind(pongTarget{})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /vapid-public-key", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"publicKey":"` + pub + `"}`))
	})
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(hub))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	report := run(context.Background(), api.New(api.Config{BaseURL: srv.URL}), "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", 2*time.Second)
	if !report.Passed() {
		t.Errorf("report failed:\n%s", report.Summary())
	}
}

func TestRunUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	report := run(context.Background(), api.New(api.Config{BaseURL: srv.URL}), "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", time.Second)
	if report.Passed() {
		t.Fatal("expected report to fail")
	}
	if got := len(report.Failed()); got != 2 {
		t.Errorf("failed checks = %d, want 2:\n%s", got, report.Summary())
	}
}

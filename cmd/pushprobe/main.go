// Command pushprobe checks a running pushagent: it validates the server key the
// backend hands out and sends PING over the page socket, expecting PONG.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bearstradespro/pushkit/internal/api"
	"github.com/bearstradespro/pushkit/internal/diag"
	"github.com/bearstradespro/pushkit/internal/logging"
	"github.com/bearstradespro/pushkit/internal/vapid"
	ws "github.com/bearstradespro/pushkit/internal/websocket"
)

func main() {
	logging.Setup(os.Getenv("PUSHKIT_LOG_LEVEL"))

	backendURL := os.Getenv("PUSHKIT_BACKEND_URL")
	if backendURL == "" {
		backendURL = "http://localhost:8088"
	}

	workerURL := os.Getenv("PUSHKIT_WORKER_URL")
	if workerURL == "" {
		workerURL = "ws" + strings.TrimPrefix(backendURL, "http") + "/ws"
	}

	timeout := 2 * time.Second
	if v := os.Getenv("PUSHKIT_PROBE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid PUSHKIT_PROBE_TIMEOUT", "value", v, "error", err)
			os.Exit(2)
		}
		timeout = d
	}

	report := run(context.Background(), api.New(api.Config{BaseURL: backendURL, Timeout: timeout}), workerURL, timeout)
	fmt.Print(report.Summary())
	if !report.Passed() {
		os.Exit(1)
	}
}

func run(ctx context.Context, client *api.Client, workerURL string, timeout time.Duration) *diag.Report {
	r := &diag.Report{}

	keyCtx, cancel := context.WithTimeout(ctx, timeout)
	key, err := client.VAPIDPublicKey(keyCtx)
	cancel()
	if err != nil {
		r.Add("server key", false, err.Error())
	} else {
		r.Checks = append(r.Checks, vapid.Validate(key)...)
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ws.Probe(probeCtx, workerURL); err != nil {
		r.Add("worker communication", false, err.Error())
	} else {
		r.Add("worker communication", true, "PONG")
	}
	return r
}

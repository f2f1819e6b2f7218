package browser

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/bearstradespro/pushkit/internal/worker"
)

const maxPushBody = 4096 + 4096

// PushService returns the handler push messages are POSTed to. Endpoints
// minted by this browser live under /push/{id}.
func (b *Browser) PushService() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /push/{id}", b.handlePush)
	return mux
}

// handlePush handles POST /push/{id}
func (b *Browser) handlePush(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	b.mu.Lock()
	sub := b.endpoints[id]
	b.mu.Unlock()
	if sub == nil {
		http.Error(w, "push registration gone", http.StatusGone)
		return
	}

	key, err := verifyVAPID(r.Header.Get("Authorization"), requestOrigin(r))
	if err != nil {
		b.logger.Warn("push rejected", "endpoint", id, "error", err)
		http.Error(w, "invalid vapid authorization", http.StatusUnauthorized)
		return
	}
	if !bytes.Equal(key, sub.reg.ApplicationServerKey) {
		b.logger.Warn("push rejected", "endpoint", id, "error", "vapid key does not match registration")
		http.Error(w, "vapid key does not match registration", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxPushBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	var data []byte
	if len(body) > 0 {
		if enc := r.Header.Get("Content-Encoding"); !strings.EqualFold(enc, "aes128gcm") {
			http.Error(w, "unsupported content encoding", http.StatusUnsupportedMediaType)
			return
		}
		data, err = decryptPayload(body, sub.key, sub.auth)
		if err != nil {
			b.logger.Warn("push rejected", "endpoint", id, "error", err)
			http.Error(w, "cannot decrypt payload", http.StatusBadRequest)
			return
		}
	}

	wk := sub.owner.current()
	if wk == nil {
		http.Error(w, "no active worker", http.StatusGone)
		return
	}

	b.goTask(func(ctx context.Context) {
		if err := wk.Dispatch(ctx, worker.Event{Kind: worker.EventPush, Data: data}); err != nil {
			b.logger.Warn("deliver push", "endpoint", id, "error", err)
		}
	})

	w.Header().Set("Location", sub.reg.Endpoint)
	w.WriteHeader(http.StatusCreated)
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

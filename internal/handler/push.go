package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/push"
	"github.com/bearstradespro/pushkit/internal/store"
	"github.com/bearstradespro/pushkit/internal/vapid"
)

const maxBodyBytes = 64 << 10

type PushHandler struct {
	pushStore  *store.PushStore
	service    *push.Service
	dispatcher *push.Dispatcher
	logger     *slog.Logger
}

func NewPushHandler(ps *store.PushStore, svc *push.Service, d *push.Dispatcher, logger *slog.Logger) *PushHandler {
	return &PushHandler{pushStore: ps, service: svc, dispatcher: d, logger: logger}
}

type subscribeRequest struct {
	UserID       string                  `json:"userId"`
	Subscription *model.PushRegistration `json:"subscription"`
}

// GetVAPIDKey handles GET /vapid-public-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.service.VAPIDPublicKey()})
}

// Subscribe handles POST /subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg := validateSubscription(req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	sub, err := h.pushStore.Save(req.UserID, req.Subscription, h.service.VAPIDPublicKey())
	if err != nil {
		h.logger.Error("save push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	h.logger.Info("subscription saved", "user_id", req.UserID, "endpoint", sub.Endpoint)
	writeJSON(w, http.StatusCreated, sub)
}

func validateSubscription(req subscribeRequest) string {
	if req.UserID == "" {
		return "userId is required"
	}
	s := req.Subscription
	if s == nil || s.Endpoint == "" || s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return "subscription endpoint, keys.p256dh, and keys.auth are required"
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "subscription endpoint must be an absolute http(s) URL"
	}
	if key, err := vapid.Decode(s.Keys.P256dh); err != nil || len(key) != vapid.KeySize {
		return "keys.p256dh must be a 65-byte uncompressed P-256 point"
	}
	if _, err := vapid.Decode(s.Keys.Auth); err != nil {
		return "keys.auth must be base64url"
	}
	return ""
}

type notifyRequest struct {
	UserID   string          `json:"userId"`
	Endpoint string          `json:"endpoint"`
	Payload  json.RawMessage `json:"payload"`
	Async    bool            `json:"async"`
}

// Notify handles POST /notify
func (h *PushHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job := push.Job{UserID: req.UserID, Endpoint: req.Endpoint, Message: message(req.Payload)}

	if req.Async {
		if err := h.dispatcher.Enqueue(job); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	res, err := h.dispatcher.Deliver(r.Context(), job)
	if err != nil {
		h.logger.Error("deliver notification", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to deliver notification")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// message turns the request payload into push message bytes: objects are sent
// as JSON, strings as plain text, null or absent as an empty push.
func message(raw json.RawMessage) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []byte(s)
	}
	return raw
}

// ListSubscriptions handles GET /subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	var (
		subs []model.StoredSubscription
		err  error
	)
	if userID := r.URL.Query().Get("userId"); userID != "" {
		subs, err = h.pushStore.ListByUser(userID)
	} else {
		subs, err = h.pushStore.ListAll()
	}
	if err != nil {
		h.logger.Error("list push subscriptions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []model.StoredSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// Unsubscribe handles DELETE /subscriptions
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if err := h.pushStore.DeleteByEndpoint(endpoint); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries handles GET /deliveries
func (h *PushHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ds, err := h.pushStore.ListDeliveries(endpoint, limit)
	if err != nil {
		h.logger.Error("list push deliveries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if ds == nil {
		ds = []model.Delivery{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// Health handles GET /health
func (h *PushHandler) Health(w http.ResponseWriter, r *http.Request) {
	n, err := h.pushStore.Count()
	if err != nil {
		h.logger.Error("count push subscriptions", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "subscriptions": n})
}

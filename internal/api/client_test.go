package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bearstradespro/pushkit/internal/model"
)

func newClient(url string, retries uint64) *Client {
	return New(Config{BaseURL: url + "/", MaxRetries: retries, RetryBase: time.Millisecond})
}

func TestVAPIDPublicKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/vapid-public-key" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"publicKey":"BKey"}`))
	}))
	defer srv.Close()

	got, err := newClient(srv.URL, 0).VAPIDPublicKey(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "BKey" {
		t.Errorf("key = %q, want %q", got, "BKey")
	}
}

func TestSaveSubscription(t *testing.T) {
	var got subscribeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/subscribe" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	reg := &model.PushRegistration{
		Endpoint: "https://push.test/abc",
		Keys:     model.Keys{P256dh: "p", Auth: "a"},
	}
	if err := newClient(srv.URL, 0).SaveSubscription(context.Background(), "user-1", reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("userId = %q, want %q", got.UserID, "user-1")
	}
	if got.Subscription == nil || got.Subscription.Endpoint != reg.Endpoint {
		t.Errorf("subscription = %+v", got.Subscription)
	}
	if got.Subscription != nil && got.Subscription.Keys.Auth != "a" {
		t.Errorf("auth = %q, want %q", got.Subscription.Keys.Auth, "a")
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"publicKey":"BKey"}`))
	}))
	defer srv.Close()

	got, err := newClient(srv.URL, 3).VAPIDPublicKey(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "BKey" {
		t.Errorf("key = %q, want %q", got, "BKey")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "database locked", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 2).VAPIDPublicKey(context.Background())
	if !IsStatus(err, http.StatusInternalServerError) {
		t.Fatalf("err = %v, want HTTP 500", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"subscription.endpoint is required"}`))
	}))
	defer srv.Close()

	err := newClient(srv.URL, 3).SaveSubscription(context.Background(), "u", &model.PushRegistration{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", httpErr.StatusCode, http.StatusBadRequest)
	}
	if httpErr.Message != "subscription.endpoint is required" {
		t.Errorf("message = %q", httpErr.Message)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Config{BaseURL: srv.URL, MaxRetries: 100, RetryBase: time.Hour}).VAPIDPublicKey(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		err  *HTTPError
		want string
	}{
		{&HTTPError{StatusCode: 500}, "HTTP 500"},
		{&HTTPError{StatusCode: 404, Message: "not found"}, "HTTP 404: not found"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}

	wrapped := errors.Join(errors.New("context"), &HTTPError{StatusCode: 503})
	if !IsStatus(wrapped, 503) {
		t.Error("IsStatus should see through wrapping")
	}
	if IsStatus(wrapped, 500) {
		t.Error("IsStatus matched the wrong code")
	}
	if IsStatus(errors.New("plain"), 500) {
		t.Error("IsStatus matched a plain error")
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 0).VAPIDPublicKey(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.Message != "forbidden" {
		t.Errorf("message = %q, want %q", httpErr.Message, "forbidden")
	}
}

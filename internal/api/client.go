// Package api is the client for the backend endpoints the subscription
// handshake depends on.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/bearstradespro/pushkit/internal/model"
)

// Config holds backend client settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries uint64
	RetryBase  time.Duration
}

type vapidKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

type subscribeRequest struct {
	UserID       string                  `json:"userId"`
	Subscription *model.PushRegistration `json:"subscription"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to the push backend.
type Client struct {
	baseURL    string
	cfg        Config
	httpClient *http.Client
}

// New creates a backend client. Transient failures (network errors and 5xx)
// are retried with exponential backoff; 4xx responses are not.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// VAPIDPublicKey fetches the current application server key.
func (c *Client) VAPIDPublicKey(ctx context.Context) (string, error) {
	var resp vapidKeyResponse
	if err := c.do(ctx, http.MethodGet, "/vapid-public-key", nil, &resp); err != nil {
		return "", fmt.Errorf("api.VAPIDPublicKey: %w", err)
	}
	return resp.PublicKey, nil
}

// SaveSubscription stores reg for userID on the backend.
func (c *Client) SaveSubscription(ctx context.Context, userID string, reg *model.PushRegistration) error {
	body := subscribeRequest{UserID: userID, Subscription: reg}
	if err := c.do(ctx, http.MethodPost, "/subscribe", body, nil); err != nil {
		return fmt.Errorf("api.SaveSubscription: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	b := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.once(ctx, method, path, payload, out)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
			return err
		}
		if err != nil && ctx.Err() == nil {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &er) != nil || er.Error == "" {
			er.Error = strings.TrimSpace(string(data))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: er.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package platform

import (
	"context"

	"github.com/bearstradespro/pushkit/internal/model"
)

// Message types of the page-worker channel.
const (
	MessagePing = "PING"
	MessagePong = "PONG"
)

// Message is a structured message exchanged between a page and the worker.
type Message struct {
	Type string `json:"type"`
}

// Port is the reply side of a message channel.
type Port interface {
	PostMessage(ctx context.Context, msg Message) error
}

// ChanPort is an in-process Port backed by a channel.
type ChanPort chan Message

// PostMessage sends msg, giving up when ctx is done.
func (p ChanPort) PostMessage(ctx context.Context, msg Message) error {
	select {
	case p <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientType filters MatchClients.
type ClientType string

const (
	ClientWindow ClientType = "window"
	ClientAll    ClientType = "all"
)

// MatchOptions filters the clients returned by MatchClients.
type MatchOptions struct {
	Type                ClientType
	IncludeUncontrolled bool
}

// WindowClient is an open page of the origin.
type WindowClient interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
}

// WorkerScope is the worker-side view of the platform.
type WorkerScope interface {
	// Origin is the scheme and host the worker serves, without a trailing slash.
	Origin() string
	// SkipWaiting activates this worker version without waiting for pages
	// controlled by the previous one to close.
	SkipWaiting(ctx context.Context) error
	// ClaimClients makes this worker the controller of every open page.
	ClaimClients(ctx context.Context) error
	ShowNotification(ctx context.Context, n model.Notification) error
	CloseNotification(ctx context.Context, id string) error
	MatchClients(ctx context.Context, opts MatchOptions) ([]WindowClient, error)
	OpenWindow(ctx context.Context, url string) (WindowClient, error)
}

package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/store"
)

// ErrQueueFull is returned by Enqueue when the dispatcher is saturated.
var ErrQueueFull = errors.New("push dispatcher queue full")

const (
	queueSize   = 64
	sendWorkers = 4
)

// Job addresses one message. Endpoint wins over UserID; with neither set the
// message goes to every stored registration.
type Job struct {
	UserID   string
	Endpoint string
	Message  []byte
}

// Result counts the outcome of one job.
type Result struct {
	Sent    int `json:"sent"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// Dispatcher fans messages out to stored registrations, pruning the ones the
// push service reports gone and recording every attempt.
type Dispatcher struct {
	mu      sync.RWMutex
	service *Service
	push    *store.PushStore
	queue   chan Job
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger
}

// NewDispatcher creates a push dispatcher.
func NewDispatcher(svc *Service, pushStore *store.PushStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		service: svc,
		push:    pushStore,
		queue:   make(chan Job, queueSize),
		logger:  logger.With("component", "dispatcher"),
	}
}

// Start begins draining queued jobs.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-d.queue:
				res, err := d.Deliver(ctx, j)
				if err != nil {
					d.logger.Error("deliver queued job", "error", err)
					continue
				}
				d.logger.Info("queued job delivered", "sent", res.Sent, "expired", res.Expired, "failed", res.Failed)
			}
		}
	}()
}

// Stop gracefully stops the dispatcher.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	done := d.done
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Enqueue queues j for background delivery.
func (d *Dispatcher) Enqueue(j Job) error {
	select {
	case d.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Deliver sends j now and waits for every send to finish.
func (d *Dispatcher) Deliver(ctx context.Context, j Job) (Result, error) {
	subs, err := d.targets(j)
	if err != nil {
		return Result{}, err
	}

	var sent, expired, failed atomic.Int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sendWorkers)
	for i := range subs {
		sub := &subs[i]
		g.Go(func() error {
			status, err := d.service.Send(ctx, sub, j.Message)
			var errMsg string
			switch {
			case errors.Is(err, ErrExpired):
				expired.Add(1)
				errMsg = err.Error()
				if err := d.push.DeleteByEndpoint(sub.Endpoint); err != nil {
					d.logger.Error("prune expired subscription", "endpoint", sub.Endpoint, "error", err)
				}
			case err != nil:
				failed.Add(1)
				errMsg = err.Error()
				d.logger.Warn("send push", "endpoint", sub.Endpoint, "status", status, "error", err)
			default:
				sent.Add(1)
			}
			if err := d.push.RecordDelivery(sub.Endpoint, status, errMsg); err != nil {
				d.logger.Error("record delivery", "endpoint", sub.Endpoint, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Result{Sent: int(sent.Load()), Expired: int(expired.Load()), Failed: int(failed.Load())}, nil
}

func (d *Dispatcher) targets(j Job) ([]model.StoredSubscription, error) {
	switch {
	case j.Endpoint != "":
		sub, err := d.push.GetByEndpoint(j.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("load target: %w", err)
		}
		if sub == nil {
			return nil, nil
		}
		return []model.StoredSubscription{*sub}, nil
	case j.UserID != "":
		subs, err := d.push.ListByUser(j.UserID)
		if err != nil {
			return nil, fmt.Errorf("load targets: %w", err)
		}
		return subs, nil
	default:
		subs, err := d.push.ListAll()
		if err != nil {
			return nil, fmt.Errorf("load targets: %w", err)
		}
		return subs, nil
	}
}

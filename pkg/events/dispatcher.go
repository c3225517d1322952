package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a domain event fanned out to every subscriber.
type Event struct {
	ID        string
	Kind      string
	Payload   interface{}
	Published time.Time
}

// Handler consumes a single event delivery.
type Handler func(context.Context, Event) error

// DispatcherConfig configures worker pool behaviour.
type DispatcherConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

type subscription struct {
	name    string
	handler Handler
}

type delivery struct {
	event   Event
	sub     *subscription
	attempt int
}

// Dispatcher is an in-memory fan-out bus backed by a goroutine worker pool.
// Publishing never blocks on a slow subscriber beyond the channel buffer, and
// a failing subscriber is retried without affecting the others.
type Dispatcher struct {
	workers    int
	bufferSize int
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	subs       []*subscription
	deliveries chan delivery
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	started    bool
}

// NewDispatcher builds a dispatcher with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 16
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Dispatcher{
		workers:    cfg.Workers,
		bufferSize: cfg.BufferSize,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		deliveries: make(chan delivery, cfg.BufferSize),
	}
}

// Subscribe registers a named handler. Must be called before Start.
func (d *Dispatcher) Subscribe(name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.logger.Sugar().Warnw("subscribe after start ignored", "subscriber", name)
		return
	}
	d.subs = append(d.subs, &subscription{name: name, handler: handler})
}

// Start begins worker consumption. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.started = true
	d.logger.Sugar().Infow("event dispatcher started", "workers", d.workers, "subscribers", len(d.subs))
}

// Stop cancels workers and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Sugar().Infow("event dispatcher stopped")
}

// Publish fans the event out to every subscriber. The error reports a full
// buffer or stopped dispatcher only; subscriber failures surface through
// logs, never to the publisher.
func (d *Dispatcher) Publish(event Event) error {
	d.mu.Lock()
	ctx := d.ctx
	started := d.started
	subs := d.subs
	d.mu.Unlock()

	if !started {
		return fmt.Errorf("event dispatcher not started")
	}
	if event.Published.IsZero() {
		event.Published = time.Now().UTC()
	}

	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return fmt.Errorf("event dispatcher stopped: %w", ctx.Err())
		case d.deliveries <- delivery{event: event, sub: sub}:
		default:
			d.logger.Sugar().Warnw("event dropped, buffer full",
				"event_id", event.ID, "kind", event.Kind, "subscriber", sub.name)
		}
	}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case del := <-d.deliveries:
			if err := del.sub.handler(d.ctx, del.event); err != nil {
				d.handleFailure(del, err)
			}
		}
	}
}

func (d *Dispatcher) handleFailure(del delivery, err error) {
	del.attempt++
	if del.attempt > d.maxRetries {
		d.logger.Sugar().Errorw("event delivery exceeded retries",
			"event_id", del.event.ID, "kind", del.event.Kind, "subscriber", del.sub.name, "error", err)
		return
	}
	d.logger.Sugar().Warnw("event delivery failed, retrying",
		"event_id", del.event.ID, "kind", del.event.Kind, "subscriber", del.sub.name, "attempt", del.attempt, "error", err)

	go func(del delivery) {
		timer := time.NewTimer(d.retryDelay)
		defer timer.Stop()
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
			select {
			case <-d.ctx.Done():
			case d.deliveries <- del:
			}
		}
	}(del)
}

package actuation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gatewatch/internal/logger"
	"gatewatch/internal/model"
)

// Publisher delivers a payload to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Command is one queued actuation message.
type Command struct {
	EventID string
	Lane    string
	Topic   string
	Payload string
}

type DispatcherOptions struct {
	QueueSize  int
	Retries    int           // extra attempts after the first publish, 0 disables retry
	Backoff    time.Duration // delay before the first retry, doubled each time
	MaxBackoff time.Duration
	Logger     *logger.Logger
}

// DispatcherStats is a snapshot of delivery counters.
type DispatcherStats struct {
	Queued    int64 `json:"queued"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
	Unmapped  int64 `json:"unmapped"`
}

// Dispatcher turns accepted events into gate commands and delivers them on a background
// goroutine so the frame loop never waits on the broker.
type Dispatcher struct {
	publisher  Publisher
	routes     map[string]Route
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *logger.Logger

	queue   chan Command
	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	queued    atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64
	unmapped  atomic.Int64
}

func NewDispatcher(publisher Publisher, routes map[string]Route, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize < 1 {
		opts.QueueSize = 32
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	return &Dispatcher{
		publisher:  publisher,
		routes:     routes,
		retries:    max(opts.Retries, 0),
		backoff:    opts.Backoff,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger,
		queue:      make(chan Command, opts.QueueSize),
	}
}

// Start launches the delivery goroutine. ctx bounds publishes and retry waits, so it
// should outlive Stop when queued commands must still go out.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop refuses new commands, delivers what is queued and waits for the goroutine.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("🛑 Actuation dispatcher stopped")
}

// Dispatch resolves the event's command and queues it. It never blocks.
func (d *Dispatcher) Dispatch(event *model.CrossingEvent) (Command, error) {
	route, ok := d.routes[event.Lane]
	if !ok {
		d.unmapped.Add(1)
		return Command{}, fmt.Errorf("%w: lane %s has no route", ErrNoCommand, event.Lane)
	}
	payload, err := route.Commands.Resolve(event)
	if err != nil {
		d.unmapped.Add(1)
		return Command{}, err
	}

	cmd := Command{EventID: event.ID, Lane: event.Lane, Topic: route.Topic, Payload: payload}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return cmd, ErrStopped
	}

	select {
	case d.queue <- cmd:
		d.queued.Add(1)
		return cmd, nil
	default:
		d.dropped.Add(1)
		return cmd, ErrQueueFull
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for cmd := range d.queue {
		d.deliver(ctx, cmd)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, cmd Command) {
	delay := d.backoff
	for attempt := 0; ; attempt++ {
		err := d.publisher.Publish(ctx, cmd.Topic, []byte(cmd.Payload))
		if err == nil {
			d.published.Add(1)
			d.logger.Info("📤 Lane %s: sent %q to %s (event %s)", cmd.Lane, cmd.Payload, cmd.Topic, cmd.EventID)
			return
		}

		if attempt >= d.retries {
			d.failed.Add(1)
			d.logger.Error("Lane %s: failed to send %q after %d attempt(s): %v", cmd.Lane, cmd.Payload, attempt+1, err)
			return
		}

		d.retried.Add(1)
		d.logger.Warning("Lane %s: publish of %q failed, retrying in %s: %v", cmd.Lane, cmd.Payload, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			d.failed.Add(1)
			return
		}
		delay = min(delay*2, d.maxBackoff)
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:    d.queued.Load(),
		Published: d.published.Load(),
		Failed:    d.failed.Load(),
		Retried:   d.retried.Load(),
		Dropped:   d.dropped.Load(),
		Unmapped:  d.unmapped.Load(),
	}
}

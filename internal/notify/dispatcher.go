package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueueSize   = 256
	defaultWorkers     = 4
	defaultSinkTimeout = 15 * time.Second
)

var errPanic = errors.New("sink panicked")

// DispatcherOptions tunes the worker pool.
type DispatcherOptions struct {
	Workers     int
	QueueSize   int
	SinkTimeout time.Duration
}

// Dispatcher fans notifications out to sinks from a bounded in-process queue.
// Notify never blocks; when the queue is full the notification is dropped.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Notification
	workers int
	timeout time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before Notify.
func NewDispatcher(sinks []Sink, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Notification, opts.QueueSize),
		workers: opts.Workers,
		timeout: opts.SinkTimeout,
		now:     time.Now,
	}
}

// Start launches the workers. Deliveries in flight use ctx as their parent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(context.WithoutCancel(ctx))
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for n := range d.queue {
		d.Deliver(ctx, n)
	}
}

// Notify enqueues n for asynchronous delivery.
func (d *Dispatcher) Notify(_ context.Context, n Notification) {
	n = stamp(n, d.now())

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "dropped").Inc()
		log.Warn().Str("kind", string(n.Kind)).Str("user_id", n.UserID).Msg("Notification dropped: dispatcher closed")
		return
	}
	select {
	case d.queue <- n:
	default:
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "dropped").Inc()
		log.Warn().Str("kind", string(n.Kind)).Str("user_id", n.UserID).Msg("Notification dropped: queue full")
	}
}

// Deliver sends n to every sink synchronously. Sink failures are logged and
// counted, never returned.
func (d *Dispatcher) Deliver(ctx context.Context, n Notification) {
	n = stamp(n, d.now())
	for _, sink := range d.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := deliverSafely(sinkCtx, sink, n)
		cancel()
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "failed").Inc()
			log.Warn().Err(err).
				Str("sink", sink.Name()).
				Str("kind", string(n.Kind)).
				Str("notification_id", n.ID).
				Msg("Notification delivery failed")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "sent").Inc()
	}
}

func deliverSafely(ctx context.Context, sink Sink, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("sink", sink.Name()).Msg("Notification sink panicked")
			err = errPanic
		}
	}()
	return sink.Deliver(ctx, n)
}

// Close stops accepting notifications and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		// Nothing will drain the buffer; deliver inline so queued work is not lost.
		for n := range d.queue {
			d.Deliver(context.Background(), n)
		}
		return
	}
	d.wg.Wait()
}

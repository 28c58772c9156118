// Package audit delivers lifecycle events and escalation alerts to external
// sinks without ever blocking the state transition that produced them.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/internal/metrics"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// Sink receives lifecycle events and escalation alerts
type Sink interface {
	AppendLifecycleEvent(ctx context.Context, event *eventbus.Event) error
	RaiseAlert(ctx context.Context, alert *models.EscalationAlert) error
}

// Emitter is the fire-and-forget side the engine calls into
type Emitter interface {
	AppendLifecycleEvent(event *eventbus.Event)
	RaiseAlert(alert *models.EscalationAlert)
}

// TransientError marks a delivery failure that exhausted its retries
type TransientError struct {
	Sink string
	Op   string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s delivery to %s failed: %v", e.Op, e.Sink, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Named lets sinks report a readable name in logs
type Named interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// DispatcherConfig tunes queueing and retry behaviour
type DispatcherConfig struct {
	QueueSize       int
	Workers         int
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	DeliveryTimeout time.Duration // Per attempt
	Metrics         *metrics.Metrics
}

// DefaultDispatcherConfig returns production defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:       1024,
		Workers:         2,
		MaxTries:        5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		DeliveryTimeout: 10 * time.Second,
	}
}

type job struct {
	event *eventbus.Event
	alert *models.EscalationAlert
}

// DispatchStats counts deliveries since start
type DispatchStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Dispatcher queues events and alerts and delivers them to every sink on
// background workers, retrying each sink independently with exponential backoff.
type Dispatcher struct {
	cfg   DispatcherConfig
	sinks []Sink
	queue chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	stats   DispatchStats
	onError func(error)
}

var _ Emitter = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher and starts its workers
func NewDispatcher(cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// OnError registers a callback for deliveries that exhausted their retries
func (d *Dispatcher) OnError(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

// AppendLifecycleEvent queues an event. It never blocks; a full queue drops the event.
func (d *Dispatcher) AppendLifecycleEvent(event *eventbus.Event) {
	if event == nil {
		return
	}
	d.enqueue(job{event: event}, string(event.Type))
}

// RaiseAlert queues an alert. It never blocks; a full queue drops the alert.
func (d *Dispatcher) RaiseAlert(alert *models.EscalationAlert) {
	if alert == nil {
		return
	}
	d.enqueue(job{alert: alert}, "escalation alert for trip "+alert.TripID)
}

func (d *Dispatcher) enqueue(j job, what string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		log.Printf("[Audit] Dispatcher closed, dropping %s", what)
		d.stats.Dropped++
		return
	}
	select {
	case d.queue <- j:
	default:
		log.Printf("[Audit] Queue full, dropping %s", what)
		d.stats.Dropped++
		d.cfg.Metrics.RecordDelivery("dropped")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, j)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, j job) {
	op := "event"
	if j.alert != nil {
		op = "alert"
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval

	_, err := backoff.Retry(d.ctx, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DeliveryTimeout)
		defer cancel()
		var err error
		if j.alert != nil {
			err = s.RaiseAlert(ctx, j.alert)
		} else {
			err = s.AppendLifecycleEvent(ctx, j.event)
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("[Audit] %s delivery to %s failed, retrying in %v: %v", op, sinkName(s), next, err)
		}),
	)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		d.stats.Delivered++
		d.cfg.Metrics.RecordDelivery("delivered")
		return
	}
	d.stats.Failed++
	d.cfg.Metrics.RecordDelivery("failed")
	terr := &TransientError{Sink: sinkName(s), Op: op, Err: err}
	log.Printf("[Audit] Giving up: %v", terr)
	if d.onError != nil {
		go d.onError(terr)
	}
}

// Stats returns a snapshot of delivery counters
func (d *Dispatcher) Stats() DispatchStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Pending returns the number of queued, undelivered jobs
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting work and waits for queued jobs to be delivered, or
// abandons retries once ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// PermanentError tells the dispatcher not to retry a delivery
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

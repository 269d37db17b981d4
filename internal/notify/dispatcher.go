package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/JaimeStill/safeguard/pkg/lifecycle"
)

var (
	ErrClosed    = errors.New("notification dispatcher closed")
	ErrQueueFull = errors.New("notification queue full")
)

// Config controls asynchronous delivery.
type Config struct {
	QueueSize      int
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Timeout:        10 * time.Second,
	}
}

// Dispatcher queues events and delivers them to a sink on a single worker,
// retrying each event with exponential backoff. Emit returns once the event
// is queued.
type Dispatcher struct {
	sink    Notifier
	cfg     Config
	queue   chan Event
	drained chan struct{}
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sink Notifier, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &Dispatcher{
		sink:    sink,
		cfg:     cfg,
		queue:   make(chan Event, cfg.QueueSize),
		drained: make(chan struct{}),
		logger:  logger.With("system", "notify"),
	}
}

// Emit queues e without waiting. A full queue drops the event and returns
// ErrQueueFull; callers log it and carry on.
func (d *Dispatcher) Emit(ctx context.Context, e Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case d.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start runs the delivery worker as a shutdown hook so that queued events
// are drained before the coordinator finishes shutting down.
func (d *Dispatcher) Start(lc *lifecycle.Coordinator) {
	d.logger.Info("starting notification dispatcher", "queue_size", d.cfg.QueueSize)

	lc.OnShutdown(d.Run)
	lc.OnShutdown(func() {
		<-lc.Context().Done()
		d.Close()
	})
}

// Run delivers queued events until Close is called and the queue is empty.
func (d *Dispatcher) Run() {
	defer close(d.drained)

	for e := range d.queue {
		d.deliver(e)
	}
	d.logger.Info("notification dispatcher drained")
}

// Drained is closed once Run has delivered every queued event and returned.
func (d *Dispatcher) Drained() <-chan struct{} {
	return d.drained
}

// Close stops accepting events. Events already queued are still delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

func (d *Dispatcher) deliver(e Event) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff

	op := func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		defer cancel()
		return struct{}{}, d.sink.Emit(ctx, e)
	}

	notify := func(err error, wait time.Duration) {
		d.logger.Warn("notification delivery retry",
			"event_id", e.ID,
			"kind", e.Kind,
			"error", err,
			"wait", wait,
		)
	}

	_, err := backoff.Retry(
		context.Background(),
		op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.MaxAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		d.logger.Error("notification dropped",
			"event_id", e.ID,
			"kind", e.Kind,
			"attempts", d.cfg.MaxAttempts,
			"error", err,
		)
	}
}

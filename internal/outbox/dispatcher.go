package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"agentbank.org/internal/audit"
	"agentbank.org/internal/obs"
)

// Options tune delivery.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Lease       time.Duration
	Batch       int
	PerSecond   float64
	// Dead receives a critical entry when a task is abandoned. It must not
	// route back into the outbox.
	Dead   audit.Logger
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 12
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Minute
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.Batch <= 0 {
		o.Batch = 50
	}
	if o.PerSecond <= 0 {
		o.PerSecond = 20
	}
	return o
}

// Dispatcher enqueues and delivers tasks.
type Dispatcher struct {
	queue   Queue
	opts    Options
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(q Queue, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		queue:    q,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.PerSecond), int(opts.PerSecond)+1),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for kind, replacing any previous one.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

func (d *Dispatcher) handler(kind string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.opts.Logger != nil {
		return d.opts.Logger
	}
	return obs.Logger()
}

// Defer marshals payload and enqueues it. A pending task with the same kind and
// key makes this a no-op.
func (d *Dispatcher) Defer(ctx context.Context, kind, key string, payload any) error {
	t, err := NewTask(kind, key, payload, d.now())
	if err != nil {
		return err
	}
	created, err := d.queue.Enqueue(ctx, t)
	if err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", kind, err)
	}
	if created {
		obs.ObserveOutbox(kind, "enqueued")
	}
	return nil
}

// Backoff returns the delay before retry number attempts (1-based).
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	delay := d.opts.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.opts.MaxDelay {
			return d.opts.MaxDelay
		}
	}
	return delay
}

// RunOnce delivers one batch of due tasks and reports how many were handled.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tasks, err := d.queue.Claim(ctx, d.now(), d.opts.Lease, d.opts.Batch)
	if err != nil {
		return 0, err
	}
	for i, t := range tasks {
		if err := d.limiter.Wait(ctx); err != nil {
			return i, err
		}
		d.deliver(ctx, t)
	}
	return len(tasks), nil
}

func (d *Dispatcher) deliver(ctx context.Context, t Task) {
	log := d.logger().With(zap.String("task_id", t.ID), zap.String("kind", t.Kind), zap.String("key", t.Key))
	attempts := t.Attempts + 1

	h, ok := d.handler(t.Kind)
	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler for kind %s", t.Kind))
	} else {
		err = h(ctx, t.Payload)
	}

	if err == nil {
		if cerr := d.queue.Complete(ctx, t.ID); cerr != nil {
			log.Error("outbox complete failed", zap.Error(cerr))
		}
		obs.ObserveOutbox(t.Kind, "done")
		return
	}

	if IsPermanent(err) || attempts >= d.opts.MaxAttempts {
		if kerr := d.queue.Kill(ctx, t.ID, attempts, err.Error()); kerr != nil {
			log.Error("outbox kill failed", zap.Error(kerr))
		}
		obs.ObserveOutbox(t.Kind, "dead")
		log.Error("outbox task abandoned", zap.Int("attempts", attempts), zap.Error(err))
		d.reportDead(ctx, t, attempts, err)
		return
	}

	next := d.now().Add(d.Backoff(attempts))
	if rerr := d.queue.Retry(ctx, t.ID, attempts, next, err.Error()); rerr != nil {
		log.Error("outbox retry failed", zap.Error(rerr))
	}
	obs.ObserveOutbox(t.Kind, "retry")
	log.Warn("outbox task failed", zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(err))
}

func (d *Dispatcher) reportDead(ctx context.Context, t Task, attempts int, cause error) {
	if d.opts.Dead == nil {
		return
	}
	err := d.opts.Dead.Log(ctx, audit.Entry{
		ActionType:  "outbox.dead",
		EntityType:  "outbox_task",
		EntityID:    t.ID,
		Description: "deferred side effect abandoned",
		Details: map[string]any{
			"kind":     t.Kind,
			"key":      t.Key,
			"attempts": attempts,
			"error":    cause.Error(),
		},
		Severity: audit.SeverityCritical,
		Status:   audit.StatusFailure,
	})
	if err != nil {
		d.logger().Error("dead letter audit failed", zap.Error(err))
	}
}

// Run delivers batches every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			n, err := d.RunOnce(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					d.logger().Error("outbox batch failed", zap.Error(err))
				}
				break
			}
			if n < d.opts.Batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Package queue runs ingestion tasks asynchronously with at-least-once
// delivery. When the backend rejects a task, the task runs inline in the
// caller so an outage degrades latency instead of dropping events.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"apmingest/internal/metrics"
	"apmingest/internal/tenant"
)

var (
	// ErrBackendUnavailable wraps every publish failure of a backend.
	ErrBackendUnavailable = errors.New("queue backend unavailable")
	// ErrQueueFull is returned by the memory backend when its buffer is full.
	ErrQueueFull = errors.Wrap(ErrBackendUnavailable, "queue full")
	// ErrUnknownKind is returned when no handler is registered for a kind.
	ErrUnknownKind = errors.New("no handler registered for task kind")
)

// Mode reports how an enqueued task was executed.
type Mode string

const (
	ModeAsync  Mode = "async"
	ModeInline Mode = "inline"
)

// Task is the unit of queued work. The tenant scope travels with the task;
// handlers never derive it from ambient state.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Tenant     tenant.Context  `json:"tenant"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempt    int             `json:"attempt"`
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	return errors.Wrapf(json.Unmarshal(t.Payload, v), "decoding %s task payload", t.Kind)
}

// Handler processes one task. Returning an error schedules a retry.
type Handler func(ctx context.Context, task Task) error

// Backend transports tasks to consumers.
type Backend interface {
	// Publish hands a task to the backend without blocking on consumers.
	Publish(ctx context.Context, task Task) error
	// Consume delivers tasks to deliver until ctx is done.
	Consume(ctx context.Context, deliver func(context.Context, Task) error) error
	Close() error
}

// Buffered is implemented by backends that hold accepted tasks in process
// memory until a consumer takes them.
type Buffered interface {
	Len() int
}

// Options tunes retry behaviour.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Queue dispatches tasks to registered handlers through a Backend.
type Queue struct {
	backend Backend
	logger  *zap.Logger
	opts    Options

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a queue on backend.
func New(backend Backend, logger *zap.Logger, opts Options) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	return &Queue{
		backend:  backend,
		logger:   logger.Named("queue"),
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// Register binds kind to h. Later registrations replace earlier ones.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Enqueue publishes a task for kind. If the backend fails the handler runs
// inline before Enqueue returns, and the handler's error is returned.
func (q *Queue) Enqueue(ctx context.Context, tc tenant.Context, kind string, payload any) (Mode, error) {
	if err := tc.Validate(); err != nil {
		return "", err
	}
	if _, ok := q.handler(kind); !ok {
		return "", errors.Wrap(ErrUnknownKind, kind)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrapf(err, "encoding %s payload", kind)
	}
	task := Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Tenant:     tc,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
		Attempt:    1,
	}

	pubErr := q.backend.Publish(ctx, task)
	if pubErr == nil {
		return ModeAsync, nil
	}

	metrics.QueueFallbacks.WithLabelValues(kind).Inc()
	q.logger.Warn("queue unavailable, running task inline (degraded mode)",
		zap.String("kind", kind),
		zap.String("task_id", task.ID),
		zap.Uint("project_id", tc.ProjectID),
		zap.Error(pubErr),
	)
	return ModeInline, q.execute(ctx, task, ModeInline)
}

// Run consumes tasks from the backend until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("queue consumers started")
	err := q.backend.Consume(ctx, func(ctx context.Context, task Task) error {
		if err := q.execute(ctx, task, ModeAsync); err != nil {
			q.logger.Error("task failed permanently",
				zap.String("kind", task.Kind),
				zap.String("task_id", task.ID),
				zap.Uint("project_id", task.Tenant.ProjectID),
				zap.Int("attempts", q.opts.MaxAttempts),
				zap.Error(err),
			)
		}
		return nil
	})
	q.logger.Info("queue consumers stopped")
	return err
}

// Shutdown stops consumers started by Run. cancel cancels Run's context and
// done receives Run's result.
//
// A Buffered backend is closed first, so later enqueues run inline, and its
// consumers get until ctx is done to empty the buffer. Tasks still buffered
// after that are logged. Other backends keep unacknowledged tasks in the
// broker and are stopped at once.
func (q *Queue) Shutdown(ctx context.Context, cancel context.CancelFunc, done <-chan error) error {
	buffered, ok := q.backend.(Buffered)
	if !ok {
		cancel()
		return <-done
	}

	if err := q.backend.Close(); err != nil {
		q.logger.Warn("closing queue backend", zap.Error(err))
	}
	if n := buffered.Len(); n > 0 {
		q.logger.Info("draining queue", zap.Int("pending", n))
	}

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		cancel()
		err = <-done
	}
	cancel()

	if n := buffered.Len(); n > 0 {
		q.logger.Warn("queue stopped with undelivered tasks",
			zap.Int("undelivered", n),
			zap.Error(ctx.Err()),
		)
	}
	return err
}

// Close releases the backend.
func (q *Queue) Close() error {
	return q.backend.Close()
}

// execute runs the handler with retries. A failed task is retried until
// MaxAttempts, backing off linearly between attempts.
func (q *Queue) execute(ctx context.Context, task Task, mode Mode) error {
	h, ok := q.handler(task.Kind)
	if !ok {
		return errors.Wrap(ErrUnknownKind, task.Kind)
	}
	if err := task.Tenant.Validate(); err != nil {
		return errors.Wrapf(err, "task %s", task.ID)
	}

	var err error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		task.Attempt = attempt
		start := time.Now()
		err = h(ctx, task)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.TaskDuration.WithLabelValues(task.Kind, string(mode), result).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if attempt == q.opts.MaxAttempts {
			break
		}

		q.logger.Warn("task failed, retrying",
			zap.String("kind", task.Kind),
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "retry aborted: %v", ctx.Err())
		case <-time.After(q.opts.Backoff * time.Duration(attempt)):
		}
	}
	return err
}

package queue

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apmingest/internal/tenant"
	"apmingest/internal/testutil"
)

var tc = tenant.New(1, 2)

type payload struct {
	N int `json:"n"`
}

// failingBackend rejects every publish.
type failingBackend struct{}

func (failingBackend) Publish(context.Context, Task) error {
	return errors.Wrap(ErrBackendUnavailable, "broker down")
}

func (failingBackend) Consume(ctx context.Context, _ func(context.Context, Task) error) error {
	<-ctx.Done()
	return nil
}

func (failingBackend) Close() error { return nil }

func TestEnqueueAsync(t *testing.T) {
	backend := NewMemoryBackend(8, 2)
	q := New(backend, testutil.Logger(t), Options{MaxAttempts: 1})

	got := make(chan Task, 1)
	q.Register("count", func(_ context.Context, task Task) error {
		got <- task
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	mode, err := q.Enqueue(ctx, tc, "count", payload{N: 7})
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, mode)

	select {
	case task := <-got:
		assert.Equal(t, tc, task.Tenant)
		var p payload
		require.NoError(t, task.Decode(&p))
		assert.Equal(t, 7, p.N)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not consumed")
	}
}

func TestEnqueueFallsBackInline(t *testing.T) {
	q := New(failingBackend{}, testutil.Logger(t), Options{MaxAttempts: 1})

	var ran atomic.Int32
	q.Register("count", func(_ context.Context, task Task) error {
		ran.Add(1)
		assert.Equal(t, tc, task.Tenant)
		return nil
	})

	mode, err := q.Enqueue(context.Background(), tc, "count", payload{N: 1})
	require.NoError(t, err)
	assert.Equal(t, ModeInline, mode)
	assert.Equal(t, int32(1), ran.Load())
}

func TestEnqueueFullBufferFallsBackInline(t *testing.T) {
	backend := NewMemoryBackend(1, 1)
	q := New(backend, testutil.Logger(t), Options{MaxAttempts: 1})

	var ran atomic.Int32
	q.Register("count", func(context.Context, Task) error {
		ran.Add(1)
		return nil
	})

	// No consumer is running, so the second task overflows the buffer.
	mode, err := q.Enqueue(context.Background(), tc, "count", payload{})
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, mode)

	mode, err = q.Enqueue(context.Background(), tc, "count", payload{})
	require.NoError(t, err)
	assert.Equal(t, ModeInline, mode)
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, 1, backend.Len())
}

func TestEnqueueInlineReturnsHandlerError(t *testing.T) {
	q := New(failingBackend{}, testutil.Logger(t), Options{MaxAttempts: 3, Backoff: time.Millisecond})

	var attempts atomic.Int32
	q.Register("flaky", func(context.Context, Task) error {
		attempts.Add(1)
		return errors.New("db down")
	})

	mode, err := q.Enqueue(context.Background(), tc, "flaky", payload{})
	assert.Equal(t, ModeInline, mode)
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetrySucceeds(t *testing.T) {
	q := New(failingBackend{}, testutil.Logger(t), Options{MaxAttempts: 3, Backoff: time.Millisecond})

	var attempts atomic.Int32
	q.Register("flaky", func(_ context.Context, task Task) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		assert.Equal(t, 2, task.Attempt)
		return nil
	})

	_, err := q.Enqueue(context.Background(), tc, "flaky", payload{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestEnqueueRejectsUnknownKindAndMissingTenant(t *testing.T) {
	q := New(NewMemoryBackend(1, 1), testutil.Logger(t), Options{})

	_, err := q.Enqueue(context.Background(), tc, "nope", payload{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	q.Register("count", func(context.Context, Task) error { return nil })
	_, err = q.Enqueue(context.Background(), tenant.Context{}, "count", payload{})
	assert.ErrorIs(t, err, tenant.ErrMissing)
}

func TestClosedMemoryBackendIsUnavailable(t *testing.T) {
	backend := NewMemoryBackend(4, 1)
	require.NoError(t, backend.Close())
	err := backend.Publish(context.Background(), Task{})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, ErrQueueFull, ErrBackendUnavailable)
}

func TestKafkaBackendRoundTrip(t *testing.T) {
	brokers := os.Getenv("APP_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("APP_TEST_KAFKA_BROKERS not set")
	}

	suffix := time.Now().Format("20060102150405.000000")
	backend := NewKafkaBackend(KafkaConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   "apmingest-test-" + suffix,
		GroupID: "apmingest-test-" + suffix,
	}, testutil.Logger(t))
	q := New(backend, testutil.Logger(t), Options{MaxAttempts: 1})
	defer q.Close()

	got := make(chan int, 1)
	q.Register("count", func(_ context.Context, task Task) error {
		var p payload
		require.NoError(t, task.Decode(&p))
		got <- p.N
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	go q.Run(ctx)

	mode, err := q.Enqueue(ctx, tc, "count", payload{N: 42})
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, mode)

	select {
	case n := <-got:
		assert.Equal(t, 42, n)
	case <-ctx.Done():
		t.Fatal("task was not consumed")
	}
}

func TestShutdownDrainsMemoryBuffer(t *testing.T) {
	backend := NewMemoryBackend(16, 1)
	q := New(backend, testutil.Logger(t), Options{MaxAttempts: 1})

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var handled atomic.Int32
	q.Register("count", func(ctx context.Context, _ Task) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		assert.NoError(t, ctx.Err())
		handled.Add(1)
		return nil
	})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(runCtx) }()

	for i := 0; i < 10; i++ {
		mode, err := q.Enqueue(context.Background(), tc, "count", payload{N: i})
		require.NoError(t, err)
		require.Equal(t, ModeAsync, mode)
	}
	<-started

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- q.Shutdown(shutdownCtx, cancel, done) }()

	// New work runs inline once shutdown has begun.
	require.Eventually(t, func() bool {
		backend.mu.RLock()
		defer backend.mu.RUnlock()
		return backend.closed
	}, 5*time.Second, 10*time.Millisecond)
	close(release)
	mode, err := q.Enqueue(context.Background(), tc, "count", payload{N: 10})
	require.NoError(t, err)
	assert.Equal(t, ModeInline, mode)

	require.NoError(t, <-shutdownErr)
	assert.Equal(t, int32(11), handled.Load())
	assert.Equal(t, 0, backend.Len())
}

func TestShutdownGivesUpAfterDeadline(t *testing.T) {
	backend := NewMemoryBackend(16, 1)
	q := New(backend, testutil.Logger(t), Options{MaxAttempts: 1})

	started := make(chan struct{}, 1)
	q.Register("count", func(ctx context.Context, _ Task) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(runCtx) }()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(context.Background(), tc, "count", payload{N: i})
		require.NoError(t, err)
	}
	<-started

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShutdown()
	require.NoError(t, q.Shutdown(shutdownCtx, cancel, done))
	assert.Equal(t, 4, backend.Len())
}

func TestShutdownStopsBrokerBackendImmediately(t *testing.T) {
	q := New(failingBackend{}, testutil.Logger(t), Options{MaxAttempts: 1})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(runCtx) }()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Hour)
	defer cancelShutdown()
	require.NoError(t, q.Shutdown(shutdownCtx, cancel, done))
	assert.Error(t, runCtx.Err())
}

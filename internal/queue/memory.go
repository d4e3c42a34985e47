package queue

import (
	"context"
	"sync"
)

// MemoryBackend is a bounded in-process queue served by a fixed worker pool.
// Publish never blocks: a full buffer is reported as ErrQueueFull.
type MemoryBackend struct {
	workers int

	mu     sync.RWMutex
	ch     chan Task
	closed bool
}

// NewMemoryBackend creates a backend with the given buffer and worker count.
func NewMemoryBackend(buffer, workers int) *MemoryBackend {
	if workers < 1 {
		workers = 1
	}
	return &MemoryBackend{
		workers: workers,
		ch:      make(chan Task, buffer),
	}
}

func (b *MemoryBackend) Publish(_ context.Context, task Task) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackendUnavailable
	}
	select {
	case b.ch <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume runs the workers until ctx is done or, after Close, until the
// buffer is empty.
func (b *MemoryBackend) Consume(ctx context.Context, deliver func(context.Context, Task) error) error {
	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case task, ok := <-b.ch:
					if !ok {
						return
					}
					_ = deliver(ctx, task)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Len reports the number of buffered tasks.
func (b *MemoryBackend) Len() int {
	return len(b.ch)
}

// Close stops accepting tasks. Running consumers keep delivering what is
// already buffered.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}

// Package ratelimit implements the per-credential sliding-window limit
// applied at the ingestion boundary.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most Limit requests per key within any trailing window.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// window is an exact sliding log stored as a ring of request timestamps.
type window struct {
	mu    sync.Mutex
	times []int64
	head  int
	count int
}

func (w *window) allow(now time.Time, limit int, size time.Duration) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := now.UnixNano()
	cutoff := ts - size.Nanoseconds()
	w.prune(cutoff)

	if w.count < limit {
		w.times[(w.head+w.count)%limit] = ts
		w.count++
		return Decision{Allowed: true, Limit: limit, Remaining: limit - w.count}
	}
	retry := time.Duration(w.times[w.head] - cutoff)
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Decision{Limit: limit, RetryAfter: retry}
}

func (w *window) prune(cutoff int64) {
	for w.count > 0 && w.times[w.head] <= cutoff {
		w.head = (w.head + 1) % len(w.times)
		w.count--
	}
}

func (w *window) idle(cutoff int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(cutoff)
	return w.count == 0
}

// Memory is an in-process Limiter. Windows are created on first use with
// double-checked locking and removed by Sweep once idle.
type Memory struct {
	limit int
	size  time.Duration

	mu      sync.RWMutex
	windows map[string]*window
}

// NewMemory creates a limiter admitting limit requests per size.
func NewMemory(limit int, size time.Duration) *Memory {
	return &Memory{
		limit:   limit,
		size:    size,
		windows: make(map[string]*window),
	}
}

func (m *Memory) get(key string) *window {
	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok = m.windows[key]; ok {
		return w
	}
	w = &window{times: make([]int64, m.limit)}
	m.windows[key] = w
	return w
}

func (m *Memory) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	return m.get(key).allow(now, m.limit, m.size), nil
}

// Sweep drops windows with no requests inside the trailing window and
// returns how many were removed.
func (m *Memory) Sweep(now time.Time) int {
	cutoff := now.UnixNano() - m.size.Nanoseconds()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, w := range m.windows {
		if w.idle(cutoff) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows)
}

// Package ratelimit implements per-key sliding-window request limits.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	DefaultRequests = 2
	DefaultWindow   = 60 * time.Second
)

// ErrLimited is returned by callers that surface a rejected request as an error.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter admits or rejects a request for key. Rejected requests are not
// counted against later ones.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory is a single-process limiter keeping recent admit times per key.
type Memory struct {
	mu       sync.Mutex
	requests int
	window   time.Duration
	seen     map[string][]time.Time
	now      func() time.Time
}

// NewMemory returns a limiter admitting at most requests per window for each key.
func NewMemory(requests int, window time.Duration) *Memory {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{
		requests: requests,
		window:   window,
		seen:     make(map[string][]time.Time),
		now:      time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)
	ts := m.seen[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]

	if len(ts) >= m.requests {
		m.seen[key] = ts
		return false, nil
	}
	m.seen[key] = append(ts, now)
	m.sweep(cutoff)
	return true, nil
}

// sweep drops keys whose newest entry has left the window.
func (m *Memory) sweep(cutoff time.Time) {
	if len(m.seen) < 1024 {
		return
	}
	for k, ts := range m.seen {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(m.seen, k)
		}
	}
}

// Package ratelimit bounds how often one client may attempt code
// verification, to slow down brute-force guessing of redemption codes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or rejects one attempt for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Memory is a process-local sliding-window limiter: at most limit attempts
// in any window-long interval.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory creates a sliding-window limiter.
func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		limit:   limit,
		window:  window,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	cutoff := now.Add(-m.window)

	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.history[key]
	i := 0
	for i < len(h) && !h[i].After(cutoff) {
		i++
	}
	h = h[i:]

	if len(h) >= m.limit {
		m.history[key] = h
		return Decision{RetryAfter: h[0].Add(m.window).Sub(now)}, nil
	}
	m.history[key] = append(h, now)
	if len(m.history) > 4096 {
		m.prune(cutoff)
	}
	return Decision{Allowed: true}, nil
}

// prune drops clients with no attempts inside the window.
func (m *Memory) prune(cutoff time.Time) {
	for k, h := range m.history {
		if len(h) == 0 || !h[len(h)-1].After(cutoff) {
			delete(m.history, k)
		}
	}
}

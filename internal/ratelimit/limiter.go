// Package ratelimit bounds how many requests a caller may make inside a
// rolling window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Limiter admits or rejects one request for key. A rejected request is not
// counted against the window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory keeps a timestamp log per key in process memory. Idle keys expire
// after one window.
type Memory struct {
	mu     sync.Mutex
	hits   *cache.Cache
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		hits:   cache.New(window, 2*window),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)

	var log []time.Time
	if v, ok := m.hits.Get(key); ok {
		log = v.([]time.Time)
	}

	kept := log[:0:0]
	for _, ts := range log {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= m.limit {
		m.hits.Set(key, kept, m.window)
		return false, nil
	}

	m.hits.Set(key, append(kept, now), m.window)
	return true, nil
}

// Package ratelimit bounds attempts per key inside a fixed window that starts
// at the first attempt.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vigia-civic/vigia-api/internal/utils"
)

const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 60 * time.Second

	// Expired entries are swept once the map grows past this size
	pruneThreshold = 10000
)

// Limiter decides whether one more attempt under key is allowed and records it
type Limiter interface {
	CheckAndConsume(ctx context.Context, key string) (bool, error)
}

// Key builds the <operation>_<identifier> limiter key
func Key(operation, identifier string) string {
	return operation + "_" + identifier
}

// Entry is the counter kept per key
type Entry struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"resetAt"` // epoch ms
}

// MemoryLimiter keeps counters in process memory. A restart clears every limit.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]Entry
	max     int
	window  time.Duration
	clock   utils.Clock
}

func NewMemoryLimiter(max int, window time.Duration, clock utils.Clock) *MemoryLimiter {
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &MemoryLimiter{
		entries: make(map[string]Entry),
		max:     max,
		window:  window,
		clock:   clock,
	}
}

func (m *MemoryLimiter) CheckAndConsume(_ context.Context, key string) (bool, error) {
	now := utils.EpochMillis(m.clock.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || now > entry.ResetAt {
		if len(m.entries) >= pruneThreshold {
			m.pruneLocked(now)
		}
		m.entries[key] = Entry{Count: 1, ResetAt: now + m.window.Milliseconds()}
		return true, nil
	}

	if entry.Count >= m.max {
		return false, nil
	}

	entry.Count++
	m.entries[key] = entry
	return true, nil
}

// Peek returns the counter for key without consuming an attempt
func (m *MemoryLimiter) Peek(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

func (m *MemoryLimiter) pruneLocked(now int64) {
	for k, e := range m.entries {
		if now > e.ResetAt {
			delete(m.entries, k)
		}
	}
}

package kvstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vigia-civic/vigia-api/internal/metrics"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned while the breaker refuses calls to the backend
var ErrCircuitOpen = errors.New("circuit breaker is OPEN, refusing store call")

// BreakerState represents the current state of the circuit breaker
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Breaker wraps a remote Store with the circuit breaker pattern
type Breaker struct {
	next              Store
	name              string
	logger            *logrus.Logger
	state             BreakerState
	failureCount      int
	successCount      int
	lastFailureTime   time.Time
	mu                sync.Mutex
	maxFailures       int           // Open circuit after N failures
	resetTimeout      time.Duration // Wait before trying half-open
	halfOpenSuccesses int           // Required successes to close
	now               func() time.Time
}

func NewBreaker(next Store, name string, logger *logrus.Logger) *Breaker {
	return &Breaker{
		next:              next,
		name:              name,
		logger:            logger,
		state:             StateClosed,
		maxFailures:       5,
		resetTimeout:      10 * time.Second,
		halfOpenSuccesses: 3,
		now:               time.Now,
	}
}

func (b *Breaker) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.execute(func() error {
		var err error
		value, found, err = b.next.Get(ctx, key)
		return err
	})
	return value, found, err
}

func (b *Breaker) Set(ctx context.Context, key, value string) error {
	return b.execute(func() error { return b.next.Set(ctx, key, value) })
}

func (b *Breaker) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var expires bool
	err := b.execute(func() error {
		var err error
		expires, err = SetWithTTL(ctx, b.next, key, value, ttl)
		return err
	})
	return expires, err
}

func (b *Breaker) Remove(ctx context.Context, key string) error {
	return b.execute(func() error { return b.next.Remove(ctx, key) })
}

// Ping bypasses the breaker so readiness reflects the backend itself
func (b *Breaker) Ping(ctx context.Context) error {
	return Ping(ctx, b.next)
}

func (b *Breaker) execute(fn func() error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if b.now().Sub(b.lastFailureTime) > b.resetTimeout {
			b.setState(StateHalfOpen)
			b.successCount = 0
			b.logger.WithField("breaker", b.name).Info("Circuit breaker: OPEN → HALF_OPEN (retry attempt)")
		} else {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure(err)
		return err
	}

	b.onSuccess()
	return nil
}

func (b *Breaker) onFailure(err error) {
	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.maxFailures {
			b.setState(StateOpen)
			b.logger.WithFields(logrus.Fields{
				"breaker":       b.name,
				"failure_count": b.failureCount,
				"error":         err.Error(),
			}).Error("Circuit breaker: CLOSED → OPEN")
		}

	case StateHalfOpen:
		b.setState(StateOpen)
		b.failureCount = 0
		b.logger.WithError(err).WithField("breaker", b.name).Error("Circuit breaker: HALF_OPEN → OPEN (backend still unhealthy)")
	}
}

func (b *Breaker) onSuccess() {
	b.successCount++

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		if b.successCount >= b.halfOpenSuccesses {
			b.setState(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			b.logger.WithField("breaker", b.name).Info("Circuit breaker: HALF_OPEN → CLOSED (backend recovered)")
		}
	}
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	metrics.SetBreakerState(b.name, int(s))
}

// State returns the current circuit breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns current circuit breaker statistics
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"state":         b.state.String(),
		"failure_count": b.failureCount,
		"success_count": b.successCount,
		"max_failures":  b.maxFailures,
		"last_failure":  b.lastFailureTime,
		"reset_timeout": b.resetTimeout.String(),
	}
}

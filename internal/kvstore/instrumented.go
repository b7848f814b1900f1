package kvstore

import (
	"context"
	"time"

	"github.com/vigia-civic/vigia-api/internal/metrics"
)

// Instrumented records Prometheus metrics for every call on the wrapped store
type Instrumented struct {
	next    Store
	backend string
}

func NewInstrumented(next Store, backend string) *Instrumented {
	return &Instrumented{next: next, backend: backend}
}

func (i *Instrumented) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	value, found, err := i.next.Get(ctx, key)
	i.record("get", err, start)
	return value, found, err
}

func (i *Instrumented) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	err := i.next.Set(ctx, key, value)
	i.record("set", err, start)
	return err
}

func (i *Instrumented) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	expires, err := SetWithTTL(ctx, i.next, key, value, ttl)
	i.record("set", err, start)
	return expires, err
}

func (i *Instrumented) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := i.next.Remove(ctx, key)
	i.record("remove", err, start)
	return err
}

func (i *Instrumented) Ping(ctx context.Context) error {
	return Ping(ctx, i.next)
}

func (i *Instrumented) record(op string, err error, start time.Time) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.RecordStoreOperation(i.backend, op, status, time.Since(start))
}

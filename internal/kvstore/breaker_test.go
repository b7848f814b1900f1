package kvstore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	*MemoryStore
	fail  bool
	calls int
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.calls++
	if f.fail {
		return "", false, errors.New("backend down")
	}
	return f.MemoryStore.Get(ctx, key)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	ctx := context.Background()
	backend := &flakyStore{MemoryStore: NewMemoryStore(), fail: true}
	b := NewBreaker(backend, "test", quietLogger())

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_, _, err := b.Get(ctx, "k")
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open circuit refuses without touching the backend
	calls := backend.calls
	_, _, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, backend.calls)

	// After the reset timeout a trial call goes through
	backend.fail = false
	now = now.Add(11 * time.Second)
	for i := 0; i < 2; i++ {
		_, _, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, StateHalfOpen, b.State())
	}
	_, _, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	backend := &flakyStore{MemoryStore: NewMemoryStore(), fail: true}
	b := NewBreaker(backend, "test", quietLogger())

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_, _, _ = b.Get(ctx, "k")
	}
	now = now.Add(11 * time.Second)
	_, _, err := b.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, "OPEN", b.Stats()["state"])
}

func TestBreaker_MissIsSuccess(t *testing.T) {
	backend := &flakyStore{MemoryStore: NewMemoryStore()}
	b := NewBreaker(backend, "test", quietLogger())

	for i := 0; i < 10; i++ {
		_, found, err := b.Get(context.Background(), "absent")
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, StateClosed, b.State())
}

// Package kvstore is the persistent key-value adapter the auth service and
// the application state store sit on. Values are JSON text under string keys.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCorrupt marks a stored value that is not valid JSON for its record
var ErrCorrupt = errors.New("undecodable stored value")

// Logical keys shared with the UI layer
const (
	KeyUsers       = "users"
	KeySession     = "session"
	KeyCases       = "cases"
	KeyComments    = "comments"
	KeyCurrentUser = "currentUser"
)

// Store is a durable string-to-string map. A missing key is reported through
// found=false and is never an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Pinger is implemented by backends that can report their health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Expirer is implemented by backends that can drop a key once ttl elapses.
// It reports false when the value was stored without an expiry.
type Expirer interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// ResetTokenKey is the key holding the reset token issued for email
func ResetTokenKey(email string) string {
	return "reset_token_" + email
}

// IdempotencyKey is the key holding a cached response for an Idempotency-Key header
func IdempotencyKey(key string) string {
	return "idempotency_" + key
}

// GetJSON decodes the value under key into dst. It reports false, leaving dst
// untouched, when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, dst interface{}) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("%w under %q: %v", ErrCorrupt, key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

// SetJSONWithTTL encodes v and stores it under key, asking the backend to
// expire it after ttl. Backends without native expiry keep it until removed,
// which is reported through the false return.
func SetJSONWithTTL(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return SetWithTTL(ctx, s, key, string(data), ttl)
}

// SetWithTTL stores value under key with an expiry when s supports one
func SetWithTTL(ctx context.Context, s Store, key, value string, ttl time.Duration) (bool, error) {
	if e, ok := s.(Expirer); ok {
		return e.SetWithTTL(ctx, key, value, ttl)
	}
	return false, s.Set(ctx, key, value)
}

// Ping checks s when it supports health checks
func Ping(ctx context.Context, s Store) error {
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

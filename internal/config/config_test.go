package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 5, cfg.RateLimit.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, time.Hour, cfg.Auth.ResetTokenTTL)
	assert.Equal(t, 6, cfg.Auth.MinPasswordLength)
	assert.Equal(t, "plain", cfg.Auth.PasswordHasher)
	assert.Equal(t, "opaque", cfg.Auth.TokenFormat)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("RATE_LIMIT_MAX_ATTEMPTS", "3")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("SERVER_ENVIRONMENT", "Production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 3, cfg.RateLimit.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"SERVER_PORT": "99999"}},
		{"unknown store", map[string]string{"STORE_BACKEND": "etcd"}},
		{"sql without dsn", map[string]string{"STORE_BACKEND": "postgres"}},
		{"unknown limiter", map[string]string{"RATE_LIMIT_BACKEND": "memcached"}},
		{"zero attempts", map[string]string{"RATE_LIMIT_MAX_ATTEMPTS": "0"}},
		{"unknown notifier", map[string]string{"NOTIFIER_BACKEND": "smtp"}},
		{"short jwt secret", map[string]string{"AUTH_TOKEN_FORMAT": "jwt", "AUTH_JWT_SECRET": "short"}},
		{"unknown hasher", map[string]string{"AUTH_PASSWORD_HASHER": "md5"}},
		{"sample rate", map[string]string{"OBSERVABILITY_SAMPLE_RATE": "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_JWTWithSecret(t *testing.T) {
	t.Setenv("AUTH_TOKEN_FORMAT", "jwt")
	t.Setenv("AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "jwt", cfg.Auth.TokenFormat)
}

package middleware

import (
	"github.com/vigia-civic/vigia-api/internal/config"
	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/ratelimit"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/sirupsen/logrus"
)

// Manager holds all middleware instances
type Manager struct {
	Auth        *SessionAuth
	Idempotency *IdempotencyMiddleware
	RateLimit   *RateLimitMiddleware
	ErrorLogger *ErrorLoggerMiddleware
	Config      *config.Config
	Logger      *logrus.Logger
}

// NewManager creates the middleware set. ipLimiter may be nil when the
// per-client guard is disabled.
func NewManager(cfg *config.Config, store kvstore.Store, authn Authenticator, ipLimiter ratelimit.Limiter, clock utils.Clock, logger *logrus.Logger) *Manager {
	return &Manager{
		Auth:        NewSessionAuth(authn, logger),
		Idempotency: NewIdempotencyMiddleware(store, cfg.Server.IdempotencyTTL, clock, logger),
		RateLimit:   NewRateLimitMiddleware(&cfg.RateLimit, ipLimiter, logger),
		ErrorLogger: NewErrorLoggerMiddleware(logger),
		Config:      cfg,
		Logger:      logger,
	}
}

// Package auth implements sign-up, sign-in, the single session slot and the
// password reset flow on top of the persistent key-value store.
package auth

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/ratelimit"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSessionTTL        = time.Hour
	DefaultResetTokenTTL     = time.Hour
	DefaultMinPasswordLength = 6

	msgRateLimited        = "too many attempts, try again in a minute"
	msgInvalidCredentials = "invalid credentials"
	msgInvalidToken       = "invalid or expired token"
	msgUserNotFound       = "user not found"
)

// Service is the authentication service. All read-modify-write sequences on
// the users, session and reset token records run under one mutex.
type Service struct {
	store    kvstore.Store
	limiter  ratelimit.Limiter
	notifier Notifier
	ids      utils.IDGenerator
	tokens   TokenIssuer
	hasher   PasswordHasher
	clock    utils.Clock
	validate *validator.Validate
	logger   *logrus.Logger
	tracer   trace.Tracer

	sessionTTL        time.Duration
	resetTokenTTL     time.Duration
	minPasswordLength int

	mu sync.Mutex
}

// Option configures a Service
type Option func(*Service)

func WithIDGenerator(ids utils.IDGenerator) Option { return func(s *Service) { s.ids = ids } }
func WithTokenIssuer(t TokenIssuer) Option         { return func(s *Service) { s.tokens = t } }
func WithPasswordHasher(h PasswordHasher) Option   { return func(s *Service) { s.hasher = h } }
func WithClock(c utils.Clock) Option               { return func(s *Service) { s.clock = c } }
func WithNotifier(n Notifier) Option               { return func(s *Service) { s.notifier = n } }

func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) { s.sessionTTL = d }
}

func WithResetTokenTTL(d time.Duration) Option {
	return func(s *Service) { s.resetTokenTTL = d }
}

func WithMinPasswordLength(n int) Option {
	return func(s *Service) { s.minPasswordLength = n }
}

// NewService wires the auth service. A nil limiter gets a process-local one
// with the default window.
func NewService(store kvstore.Store, limiter ratelimit.Limiter, logger *logrus.Logger, opts ...Option) *Service {
	s := &Service{
		store:             store,
		limiter:           limiter,
		ids:               utils.UUIDGenerator{},
		hasher:            PlainPasswords{},
		clock:             utils.SystemClock{},
		validate:          validator.New(),
		logger:            logger,
		tracer:            otel.Tracer("vigia-api/auth"),
		sessionTTL:        DefaultSessionTTL,
		resetTokenTTL:     DefaultResetTokenTTL,
		minPasswordLength: DefaultMinPasswordLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemoryLimiter(ratelimit.DefaultMaxAttempts, ratelimit.DefaultWindow, s.clock)
	}
	if s.tokens == nil {
		s.tokens = OpaqueTokens{IDs: s.ids}
	}
	if s.notifier == nil {
		s.notifier = NewLogNotifier(logger)
	}
	return s
}

// SignUp registers a new account with role user and an unverified email
func (s *Service) SignUp(ctx context.Context, email, password, name string) (user *models.User, err error) {
	ctx, span := s.startSpan(ctx, "auth.SignUp")
	defer func() { s.finish(span, "signup", err) }()

	if err := s.allow(ctx, "signup", email); err != nil {
		return nil, err
	}
	if err := s.validateCredentials(email, password); err != nil {
		return nil, err
	}

	s.mu.Lock()
	users, err := s.loadUsers(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if findByEmail(users, email) >= 0 {
		s.mu.Unlock()
		return nil, apperrors.Duplicate("email already registered")
	}

	stored, err := s.hasher.Hash(password)
	if err != nil {
		s.mu.Unlock()
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "failed to store password", err)
	}

	created := models.User{
		ID:            s.ids.NewID(),
		Email:         email,
		Name:          name,
		Role:          models.RoleUser,
		EmailVerified: false,
		CreatedAt:     s.clock.Now().UTC(),
	}
	users = append(users, models.StoredUser{User: created, Password: stored})
	err = s.saveUsers(ctx, users)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify(ctx, Notification{
		Kind:      KindVerifyEmail,
		Email:     email,
		Name:      name,
		Token:     s.ids.NewID(),
		CreatedAt: s.clock.Now().UTC(),
	})

	s.logger.WithFields(logrus.Fields{
		"user_id": created.ID,
		"email":   utils.MaskEmail(email),
	}).Info("User signed up")

	return &created, nil
}

// UpdateUser merges the set fields into the user's record
func (s *Service) UpdateUser(ctx context.Context, userID string, upd models.UserUpdate) (user *models.User, err error) {
	ctx, span := s.startSpan(ctx, "auth.UpdateUser", attribute.String("user_id", userID))
	defer func() { s.finish(span, "update_user", err) }()

	if err := s.validate.Struct(upd); err != nil {
		return nil, apperrors.NewAppError(apperrors.CodeValidation, "invalid user update", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	idx := findByID(users, userID)
	if idx < 0 {
		return nil, apperrors.NotFound(msgUserNotFound)
	}

	if upd.Email != nil && *upd.Email != users[idx].Email {
		if other := findByEmail(users, *upd.Email); other >= 0 && other != idx {
			return nil, apperrors.Duplicate("email already registered")
		}
	}

	updated := users[idx]
	upd.Apply(&updated.User)
	users[idx] = updated

	if err := s.saveUsers(ctx, users); err != nil {
		return nil, err
	}
	s.refreshSessionUserLocked(ctx, updated.User)

	out := updated.User
	return &out, nil
}

// VerifyEmail marks the account's email as verified. The token is accepted
// without being checked against a stored record.
func (s *Service) VerifyEmail(ctx context.Context, email, token string) (err error) {
	ctx, span := s.startSpan(ctx, "auth.VerifyEmail")
	defer func() { s.finish(span, "verify_email", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadUsers(ctx)
	if err != nil {
		return err
	}
	idx := findByEmail(users, email)
	if idx < 0 {
		return apperrors.NotFound(msgUserNotFound)
	}

	users[idx].EmailVerified = true
	if err := s.saveUsers(ctx, users); err != nil {
		return err
	}
	s.refreshSessionUserLocked(ctx, users[idx].User)
	return nil
}

// allow consumes one attempt under <operation>_<identifier>. A failing
// limiter backend lets the attempt through.
func (s *Service) allow(ctx context.Context, operation, identifier string) error {
	allowed, err := s.limiter.CheckAndConsume(ctx, ratelimit.Key(operation, identifier))
	if err != nil {
		metrics.RecordRateLimitError()
		s.logger.WithError(err).WithField("operation", operation).Warn("Rate limit check failed, allowing attempt")
		return nil
	}
	if !allowed {
		metrics.RecordRateLimitDrop(operation)
		s.logger.WithFields(logrus.Fields{
			"operation": operation,
			"email":     utils.MaskEmail(identifier),
		}).Warn("Rate limit exceeded")
		return apperrors.RateLimited(msgRateLimited)
	}
	return nil
}

func (s *Service) validateCredentials(email, password string) error {
	if email == "" || !strings.Contains(email, "@") {
		return apperrors.Validation("invalid email")
	}
	return s.validatePassword(password)
}

func (s *Service) validatePassword(password string) error {
	if len(password) < s.minPasswordLength {
		return apperrors.NewAppErrorf(apperrors.CodeValidation, nil, "password must be at least %d characters", s.minPasswordLength)
	}
	return nil
}

func (s *Service) loadUsers(ctx context.Context) ([]models.StoredUser, error) {
	var users []models.StoredUser
	if _, err := kvstore.GetJSON(ctx, s.store, kvstore.KeyUsers, &users); err != nil {
		return nil, storageError("failed to load users", err)
	}
	return users, nil
}

func (s *Service) saveUsers(ctx context.Context, users []models.StoredUser) error {
	if err := kvstore.SetJSON(ctx, s.store, kvstore.KeyUsers, users); err != nil {
		return storageError("failed to save users", err)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, n Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"kind":  n.Kind,
			"email": utils.MaskEmail(n.Email),
		}).Warn("Notification delivery failed")
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish closes the span and records the outcome of operation
func (s *Service) finish(span trace.Span, operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	metrics.RecordAuthOperation(operation, outcome)
	span.End()
}

func storageError(message string, err error) error {
	return apperrors.NewAppError(apperrors.CodeStorageUnavailable, message, err)
}

func findByEmail(users []models.StoredUser, email string) int {
	for i := range users {
		if users[i].Email == email {
			return i
		}
	}
	return -1
}

func findByID(users []models.StoredUser, id string) int {
	for i := range users {
		if users[i].ID == id {
			return i
		}
	}
	return -1
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func isCorrupt(err error) bool {
	return stderrors.Is(err, kvstore.ErrCorrupt)
}

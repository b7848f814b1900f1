package auth

import (
	"context"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/sirupsen/logrus"
)

// SignIn checks the credentials and opens the single session slot. Wrong
// email and wrong password fail the same way.
func (s *Service) SignIn(ctx context.Context, email, password string) (session *models.AuthSession, err error) {
	ctx, span := s.startSpan(ctx, "auth.SignIn")
	defer func() { s.finish(span, "signin", err) }()

	if err := s.allow(ctx, "signin", email); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadUsers(ctx)
	if err != nil {
		return nil, err
	}

	idx := findByEmail(users, email)
	if idx < 0 || !s.hasher.Compare(users[idx].Password, password) {
		s.logger.WithField("email", utils.MaskEmail(email)).Info("Sign in rejected")
		return nil, apperrors.Unauthenticated(msgInvalidCredentials)
	}

	user := users[idx].User
	now := s.clock.Now()
	expiresAt := now.Add(s.sessionTTL)

	token, err := s.tokens.Issue(user, now, expiresAt)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "failed to issue access token", err)
	}

	sess := models.AuthSession{
		User:        user,
		AccessToken: token,
		ExpiresAt:   utils.EpochMillis(expiresAt),
	}
	if err := kvstore.SetJSON(ctx, s.store, kvstore.KeySession, sess); err != nil {
		return nil, storageError("failed to save session", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":    user.ID,
		"expires_at": sess.ExpiresAt,
	}).Info("User signed in")

	return &sess, nil
}

// SignOut clears the session slot. It always succeeds; a store failure is logged.
func (s *Service) SignOut(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "auth.SignOut")
	defer func() { s.finish(span, "signout", nil) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Remove(ctx, kvstore.KeySession); err != nil {
		s.logger.WithError(err).Warn("Failed to remove session on sign out")
	}
	return nil
}

// GetSession returns the live session, or nil when there is none. An expired
// session is erased on read.
func (s *Service) GetSession(ctx context.Context) (session *models.AuthSession, err error) {
	ctx, span := s.startSpan(ctx, "auth.GetSession")
	defer func() { s.finish(span, "get_session", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.liveSessionLocked(ctx)
}

// Authenticate resolves an access token to the live session it belongs to
func (s *Service) Authenticate(ctx context.Context, token string) (session *models.AuthSession, err error) {
	ctx, span := s.startSpan(ctx, "auth.Authenticate")
	defer func() { s.finish(span, "authenticate", err) }()

	if token == "" {
		return nil, apperrors.Unauthenticated("missing access token")
	}
	if verifier, ok := s.tokens.(TokenVerifier); ok {
		if err := verifier.Verify(token); err != nil {
			return nil, apperrors.NewAppError(apperrors.CodeUnauthenticated, "invalid or expired session", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.liveSessionLocked(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil || !tokensEqual(sess.AccessToken, token) {
		return nil, apperrors.Unauthenticated("invalid or expired session")
	}
	return sess, nil
}

func (s *Service) liveSessionLocked(ctx context.Context) (*models.AuthSession, error) {
	var sess models.AuthSession
	found, err := kvstore.GetJSON(ctx, s.store, kvstore.KeySession, &sess)
	if err != nil {
		if isCorrupt(err) {
			// Undecodable record: drop it like an expired one
			s.logger.WithError(err).Warn("Discarding unreadable session record")
			_ = s.store.Remove(ctx, kvstore.KeySession)
			return nil, nil
		}
		return nil, storageError("failed to load session", err)
	}
	if !found {
		return nil, nil
	}

	if sess.Expired(s.clock.Now()) {
		if err := s.store.Remove(ctx, kvstore.KeySession); err != nil {
			return nil, storageError("failed to remove expired session", err)
		}
		s.logger.WithField("user_id", sess.User.ID).Info("Session expired")
		return nil, nil
	}
	return &sess, nil
}

// refreshSessionUserLocked keeps the session's user snapshot in step with
// the users record after a profile change
func (s *Service) refreshSessionUserLocked(ctx context.Context, user models.User) {
	var sess models.AuthSession
	found, err := kvstore.GetJSON(ctx, s.store, kvstore.KeySession, &sess)
	if err != nil || !found || sess.User.ID != user.ID {
		return
	}
	sess.User = user
	if err := kvstore.SetJSON(ctx, s.store, kvstore.KeySession, sess); err != nil {
		s.logger.WithError(err).Warn("Failed to refresh session user")
	}
}

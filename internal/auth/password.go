package auth

import (
	"context"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/sirupsen/logrus"
)

// SendPasswordResetEmail issues a reset token for a registered email. Unknown
// emails succeed without creating anything.
func (s *Service) SendPasswordResetEmail(ctx context.Context, email string) (err error) {
	ctx, span := s.startSpan(ctx, "auth.SendPasswordResetEmail")
	defer func() { s.finish(span, "reset_request", err) }()

	if err := s.allow(ctx, "reset", email); err != nil {
		return err
	}

	s.mu.Lock()
	users, err := s.loadUsers(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	idx := findByEmail(users, email)
	if idx < 0 {
		s.mu.Unlock()
		s.logger.WithField("email", utils.MaskEmail(email)).Debug("Password reset requested for unknown email")
		return nil
	}

	now := s.clock.Now()
	record := models.ResetToken{
		Email:     email,
		Token:     s.ids.NewID(),
		ExpiresAt: utils.EpochMillis(now.Add(s.resetTokenTTL)),
	}
	err = kvstore.SetJSON(ctx, s.store, kvstore.ResetTokenKey(email), record)
	s.mu.Unlock()
	if err != nil {
		return storageError("failed to save reset token", err)
	}

	s.notify(ctx, Notification{
		Kind:      KindPasswordReset,
		Email:     email,
		Name:      users[idx].Name,
		Token:     record.Token,
		ExpiresAt: record.ExpiresAt,
		CreatedAt: now.UTC(),
	})
	return nil
}

// ResetPassword redeems a reset token. A token is consumed before the new
// password is written so it can never be redeemed twice.
func (s *Service) ResetPassword(ctx context.Context, email, token, newPassword string) (err error) {
	ctx, span := s.startSpan(ctx, "auth.ResetPassword")
	defer func() { s.finish(span, "reset_password", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := kvstore.ResetTokenKey(email)
	var record models.ResetToken
	found, err := kvstore.GetJSON(ctx, s.store, key, &record)
	if err != nil && !isCorrupt(err) {
		return storageError("failed to load reset token", err)
	}
	if !found || !tokensEqual(record.Token, token) || record.Expired(s.clock.Now()) {
		return apperrors.TokenInvalid(msgInvalidToken)
	}

	if err := s.validatePassword(newPassword); err != nil {
		return err
	}

	users, err := s.loadUsers(ctx)
	if err != nil {
		return err
	}
	idx := findByEmail(users, email)
	if idx < 0 {
		return apperrors.NotFound(msgUserNotFound)
	}

	stored, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperrors.NewAppError(apperrors.CodeInternalError, "failed to store password", err)
	}

	if err := s.store.Remove(ctx, key); err != nil {
		return storageError("failed to consume reset token", err)
	}

	users[idx].Password = stored
	if err := s.saveUsers(ctx, users); err != nil {
		// Give the token back so the user can retry
		if restoreErr := kvstore.SetJSON(ctx, s.store, key, record); restoreErr != nil {
			s.logger.WithError(restoreErr).Error("Failed to restore reset token")
		}
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": users[idx].ID,
	}).Info("Password reset")
	return nil
}

// ChangePassword replaces the password of a signed-in user after checking
// the current one
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (err error) {
	ctx, span := s.startSpan(ctx, "auth.ChangePassword")
	defer func() { s.finish(span, "change_password", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadUsers(ctx)
	if err != nil {
		return err
	}
	idx := findByID(users, userID)
	if idx < 0 {
		return apperrors.NotFound(msgUserNotFound)
	}
	if !s.hasher.Compare(users[idx].Password, currentPassword) {
		return apperrors.Unauthenticated("current password is incorrect")
	}
	if err := s.validatePassword(newPassword); err != nil {
		return err
	}

	stored, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperrors.NewAppError(apperrors.CodeInternalError, "failed to store password", err)
	}
	users[idx].Password = stored
	return s.saveUsers(ctx, users)
}

package middleware

import (
	"context"
	"strings"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/logging"
	"github.com/vigia-civic/vigia-api/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const (
	localSession = "session"
	localUserID  = "user_id"
	localRole    = "user_role"
)

// Authenticator resolves an access token to its live session.
// Implemented by auth.Service.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.AuthSession, error)
}

type SessionAuth struct {
	authn  Authenticator
	logger *logrus.Logger
}

func NewSessionAuth(authn Authenticator, logger *logrus.Logger) *SessionAuth {
	return &SessionAuth{
		authn:  authn,
		logger: logger,
	}
}

// Require rejects requests without a valid Bearer session token
func (a *SessionAuth) Require() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := bearerToken(c)
		if err != nil {
			return err
		}

		sess, err := a.authn.Authenticate(c.UserContext(), token)
		if err != nil {
			logging.WithTraceID(a.logger, TraceID(c)).WithError(err).WithField("path", c.Path()).Debug("Session validation failed")
			return err
		}

		c.Locals(localSession, sess)
		c.Locals(localUserID, sess.User.ID)
		c.Locals(localRole, sess.User.Role)

		return c.Next()
	}
}

// RequireRole lets through sessions whose user holds one of roles. It must
// run after Require.
func (a *SessionAuth) RequireRole(roles ...models.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role := GetRole(c)
		for _, r := range roles {
			if role == r {
				return c.Next()
			}
		}
		logging.WithUserID(a.logger, GetUserID(c)).WithFields(logrus.Fields{
			"role": role,
			"path": c.Path(),
		}).Warn("Insufficient role")
		return apperrors.Forbidden("insufficient permissions")
	}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return "", apperrors.Unauthenticated("Authorization header is required")
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", apperrors.Unauthenticated("Authorization header must be Bearer token")
	}

	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return "", apperrors.Unauthenticated("Token is required")
	}
	return token, nil
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localUserID).(string); ok {
		return userID
	}
	return ""
}

// GetRole extracts the session user's role from context
func GetRole(c *fiber.Ctx) models.Role {
	if role, ok := c.Locals(localRole).(models.Role); ok {
		return role
	}
	return ""
}

// GetSession returns the session attached by Require
func GetSession(c *fiber.Ctx) *models.AuthSession {
	if sess, ok := c.Locals(localSession).(*models.AuthSession); ok {
		return sess
	}
	return nil
}

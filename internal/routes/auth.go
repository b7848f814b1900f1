package routes

import (
	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/auth"
	"github.com/vigia-civic/vigia-api/internal/middleware"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/state"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	auth   *auth.Service
	state  *state.Store
	logger *logrus.Logger
}

func NewAuthHandler(authService *auth.Service, stateStore *state.Store, logger *logrus.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   authService,
		state:  stateStore,
		logger: logger,
	}
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// SignUp registers a new account
// @Summary Register
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body models.SignUpRequest true "Registration"
// @Success 201 {object} models.User
// @Failure 409 {object} map[string]interface{} "Email taken"
// @Failure 429 {object} map[string]interface{} "Rate limited"
// @Router /auth/signup [post]
func (h *AuthHandler) SignUp(c *fiber.Ctx) error {
	var req models.SignUpRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	user, err := h.auth.SignUp(c.UserContext(), req.Email, req.Password, req.Name)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

// SignIn opens a session and makes the account the current user
// @Summary Sign in
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body models.SignInRequest true "Credentials"
// @Success 200 {object} models.AuthSession
// @Failure 401 {object} map[string]interface{} "Invalid credentials"
// @Router /auth/signin [post]
func (h *AuthHandler) SignIn(c *fiber.Ctx) error {
	var req models.SignInRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	sess, err := h.auth.SignIn(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}

	// The session stays valid even if the state store could not follow
	if _, err := h.state.LoginAs(c.UserContext(), currentUserFor(sess)); err != nil {
		h.logger.WithError(err).WithField("user_id", sess.User.ID).Warn("Failed to align current user with session")
	}

	return c.JSON(sess)
}

// SignOut always succeeds
// @Summary Sign out
// @Tags Auth
// @Router /auth/signout [post]
func (h *AuthHandler) SignOut(c *fiber.Ctx) error {
	_ = h.auth.SignOut(c.UserContext())
	if err := h.state.Logout(c.UserContext()); err != nil {
		h.logger.WithError(err).Warn("Failed to clear current user on sign out")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Session returns the live session or null
// @Summary Current session
// @Tags Auth
// @Produce json
// @Router /auth/session [get]
func (h *AuthHandler) Session(c *fiber.Ctx) error {
	sess, err := h.auth.GetSession(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"session": sess})
}

// ForgotPassword answers the same way whether or not the email is known
// @Summary Request a password reset
// @Tags Auth
// @Accept json
// @Router /auth/password/forgot [post]
func (h *AuthHandler) ForgotPassword(c *fiber.Ctx) error {
	var req forgotPasswordRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Email == "" {
		return apperrors.Validation("email is required")
	}

	if err := h.auth.SendPasswordResetEmail(c.UserContext(), req.Email); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "sent"})
}

// ResetPassword redeems a reset token
// @Summary Reset password
// @Tags Auth
// @Accept json
// @Param request body models.PasswordResetRequest true "Reset"
// @Failure 400 {object} map[string]interface{} "Invalid or expired token"
// @Router /auth/password/reset [post]
func (h *AuthHandler) ResetPassword(c *fiber.Ctx) error {
	var req models.PasswordResetRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	if err := h.auth.ResetPassword(c.UserContext(), req.Email, req.Token, req.NewPassword); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ChangePassword changes the signed-in user's password
// @Summary Change password
// @Tags Auth
// @Security BearerAuth
// @Router /auth/password/change [post]
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	var req models.PasswordChangeRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	if err := h.auth.ChangePassword(c.UserContext(), middleware.GetUserID(c), req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// VerifyEmail marks an account's email as verified
// @Summary Verify email
// @Tags Auth
// @Router /auth/verify-email [post]
func (h *AuthHandler) VerifyEmail(c *fiber.Ctx) error {
	var req verifyEmailRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	if err := h.auth.VerifyEmail(c.UserContext(), req.Email, req.Token); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// UpdateUser merges profile fields. Users edit themselves; admins edit
// anyone and are the only ones who may change roles.
// @Summary Update user
// @Tags Auth
// @Security BearerAuth
// @Router /auth/users/{id} [patch]
func (h *AuthHandler) UpdateUser(c *fiber.Ctx) error {
	var upd models.UserUpdate
	if err := parseBody(c, &upd); err != nil {
		return err
	}

	targetID := c.Params("id")
	isAdmin := middleware.GetRole(c) == models.RoleAdmin
	if targetID != middleware.GetUserID(c) && !isAdmin {
		return apperrors.Forbidden("cannot modify another user")
	}
	if upd.Role != nil && !isAdmin {
		return apperrors.Forbidden("only admins may change roles")
	}

	user, err := h.auth.UpdateUser(c.UserContext(), targetID, upd)
	if err != nil {
		return err
	}
	return c.JSON(user)
}

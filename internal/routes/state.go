package routes

import (
	"strings"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/middleware"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/state"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// StateHandler exposes the lightweight current user of the state store
type StateHandler struct {
	state  *state.Store
	logger *logrus.Logger
}

func NewStateHandler(stateStore *state.Store, logger *logrus.Logger) *StateHandler {
	return &StateHandler{
		state:  stateStore,
		logger: logger,
	}
}

type stateLoginRequest struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

// Me returns the current user or null
func (h *StateHandler) Me(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"user": h.state.CurrentUser()})
}

// Login sets a lightweight current user under a fresh id. The admin flag is
// only honoured for admin sessions.
func (h *StateHandler) Login(c *fiber.Ctx) error {
	var req stateLoginRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return apperrors.Validation("name is required")
	}

	isAdmin := req.IsAdmin && middleware.GetRole(c) == models.RoleAdmin
	user, err := h.state.Login(c.UserContext(), name, isAdmin)
	if err != nil {
		return err
	}
	return c.JSON(user)
}

func (h *StateHandler) Logout(c *fiber.Ctx) error {
	if err := h.state.Logout(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

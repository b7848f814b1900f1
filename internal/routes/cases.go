package routes

import (
	"context"
	"strings"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/middleware"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/state"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const msgCaseNotFound = "case not found"

// CaseHandler handles case and comment endpoints
type CaseHandler struct {
	state  *state.Store
	logger *logrus.Logger
}

func NewCaseHandler(stateStore *state.Store, logger *logrus.Logger) *CaseHandler {
	return &CaseHandler{
		state:  stateStore,
		logger: logger,
	}
}

type commentRequest struct {
	Text string `json:"text"`
}

// List returns the cases matching the query filters, newest first
// @Summary List cases
// @Tags Cases
// @Produce json
// @Param status query string false "Status"
// @Param priority query string false "Priority"
// @Param category query string false "Category"
// @Param userId query string false "Author"
// @Router /cases [get]
func (h *CaseHandler) List(c *fiber.Ctx) error {
	var filter models.CaseFilter
	if err := c.QueryParser(&filter); err != nil {
		return apperrors.NewAppError(apperrors.CodeBadRequest, "Invalid query parameters", err)
	}
	return c.JSON(h.state.Cases(filter))
}

func (h *CaseHandler) Get(c *fiber.Ctx) error {
	found, ok := h.state.Case(c.Params("id"))
	if !ok {
		return apperrors.NotFound(msgCaseNotFound)
	}
	return c.JSON(found)
}

func (h *CaseHandler) Comments(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := h.state.Case(id); !ok {
		return apperrors.NotFound(msgCaseNotFound)
	}
	return c.JSON(h.state.Comments(id))
}

// Create files a new case authored by the session user
// @Summary Create case
// @Tags Cases
// @Security BearerAuth
// @Accept json
// @Param Idempotency-Key header string false "UUID"
// @Success 201 {object} models.Case
// @Router /cases [post]
func (h *CaseHandler) Create(c *fiber.Ctx) error {
	var in models.CaseInput
	if err := parseBody(c, &in); err != nil {
		return err
	}
	if err := h.alignCurrentUser(c.UserContext(), c); err != nil {
		return err
	}

	created, err := h.state.AddCase(c.UserContext(), in)
	if err != nil {
		return err
	}
	if created == nil {
		return apperrors.Unauthenticated("no current user")
	}

	c.Location("/api/v1/cases/" + created.ID)
	return c.Status(fiber.StatusCreated).JSON(created)
}

// Update merges the set fields; staff only
// @Summary Update case
// @Tags Cases
// @Security BearerAuth
// @Router /cases/{id} [patch]
func (h *CaseHandler) Update(c *fiber.Ctx) error {
	var upd models.CaseUpdate
	if err := parseBody(c, &upd); err != nil {
		return err
	}

	updated, err := h.state.UpdateCase(c.UserContext(), c.Params("id"), upd)
	if err != nil {
		return err
	}
	if updated == nil {
		return apperrors.NotFound(msgCaseNotFound)
	}
	return c.JSON(updated)
}

// Delete removes the case and its comments; admin only
// @Summary Delete case
// @Tags Cases
// @Security BearerAuth
// @Router /cases/{id} [delete]
func (h *CaseHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	deleted, err := h.state.DeleteCase(c.UserContext(), id)
	if err != nil {
		if deleted {
			h.logger.WithError(err).WithField("case_id", id).Error("Case deleted but its comments were not")
		}
		return err
	}
	if !deleted {
		return apperrors.NotFound(msgCaseNotFound)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *CaseHandler) Support(c *fiber.Ctx) error {
	supported, err := h.state.SupportCase(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if supported == nil {
		return apperrors.NotFound(msgCaseNotFound)
	}
	return c.JSON(supported)
}

// AddComment posts a comment by the session user on an existing case
// @Summary Comment on case
// @Tags Cases
// @Security BearerAuth
// @Param Idempotency-Key header string false "UUID"
// @Router /cases/{id}/comments [post]
func (h *CaseHandler) AddComment(c *fiber.Ctx) error {
	var req commentRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return apperrors.Validation("comment text is required")
	}

	id := c.Params("id")
	if _, ok := h.state.Case(id); !ok {
		return apperrors.NotFound(msgCaseNotFound)
	}
	if err := h.alignCurrentUser(c.UserContext(), c); err != nil {
		return err
	}

	created, err := h.state.AddComment(c.UserContext(), id, text)
	if err != nil {
		return err
	}
	if created == nil {
		return apperrors.Unauthenticated("no current user")
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

// alignCurrentUser makes the session user the state store's current user
// so authored records carry the authenticated identity
func (h *CaseHandler) alignCurrentUser(ctx context.Context, c *fiber.Ctx) error {
	sess := middleware.GetSession(c)
	if sess == nil {
		return apperrors.Unauthenticated("session required")
	}

	want := currentUserFor(sess)
	if cur := h.state.CurrentUser(); cur != nil && *cur == want {
		return nil
	}
	_, err := h.state.LoginAs(ctx, want)
	return err
}

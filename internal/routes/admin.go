package routes

import (
	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/queue"
	"github.com/vigia-civic/vigia-api/internal/state"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultNotificationCount = 50
	maxNotificationCount     = 500
)

type AdminHandler struct {
	state         *state.Store
	notifications *queue.NotificationStream
	logger        *logrus.Logger
}

func NewAdminHandler(stateStore *state.Store, notifications *queue.NotificationStream, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		state:         stateStore,
		notifications: notifications,
		logger:        logger,
	}
}

// Report summarises the cases for the moderation dashboard
// @Summary Case report
// @Tags Admin
// @Security BearerAuth
// @Produce json
// @Success 200 {object} models.Report
// @Router /admin/report [get]
func (a *AdminHandler) Report(c *fiber.Ctx) error {
	return c.JSON(a.state.Report())
}

// Notifications lists the most recent outbound notifications, newest first.
// Tokens are never returned.
// @Summary Recent notifications
// @Tags Admin
// @Security BearerAuth
// @Param count query int false "How many (default 50, max 500)"
// @Router /admin/notifications [get]
func (a *AdminHandler) Notifications(c *fiber.Ctx) error {
	if a.notifications == nil {
		return fiber.NewError(fiber.StatusNotFound, "notification stream is not enabled")
	}

	count := c.QueryInt("count", defaultNotificationCount)
	if count < 1 {
		count = defaultNotificationCount
	}
	if count > maxNotificationCount {
		count = maxNotificationCount
	}

	entries, err := a.notifications.Recent(c.UserContext(), int64(count))
	if err != nil {
		return apperrors.NewAppError(apperrors.CodeStorageUnavailable, "notification stream unavailable", err)
	}
	for i := range entries {
		entries[i].Notification.Token = ""
	}

	total, err := a.notifications.Len(c.UserContext())
	if err != nil {
		a.logger.WithError(err).Warn("Failed to read notification stream length")
	}

	return c.JSON(fiber.Map{
		"entries": entries,
		"total":   total,
	})
}

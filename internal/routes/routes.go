package routes

import (
	"context"
	"time"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/auth"
	"github.com/vigia-civic/vigia-api/internal/config"
	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/logging"
	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/middleware"
	"github.com/vigia-civic/vigia-api/internal/models"
	"github.com/vigia-civic/vigia-api/internal/queue"
	"github.com/vigia-civic/vigia-api/internal/state"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const readinessTimeout = 2 * time.Second

// Deps is everything the HTTP surface talks to
type Deps struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Store      kvstore.Store
	Auth       *auth.Service
	State      *state.Store
	Middleware *middleware.Manager

	// Notifications is set when the stream notifier backend is active
	Notifications *queue.NotificationStream
}

// Setup configures all API routes
func Setup(app *fiber.App, d Deps) {
	authHandler := NewAuthHandler(d.Auth, d.State, d.Logger)
	stateHandler := NewStateHandler(d.State, d.Logger)
	caseHandler := NewCaseHandler(d.State, d.Logger)
	adminHandler := NewAdminHandler(d.State, d.Notifications, d.Logger)

	mw := d.Middleware
	requireSession := mw.Auth.Require()
	idempotent := mw.Idempotency.Handle()

	// Health check endpoints (no auth required)
	app.Get("/healthz", healthCheck)
	app.Get("/readyz", readinessCheck(d.Store, d.Logger))
	app.Get("/version", versionHandler)

	app.Get(d.Config.Observability.MetricsPath, metrics.PrometheusHandler())

	api := app.Group("/api/v1")
	api.Use(metrics.HTTPMetricsMiddleware())
	api.Use(mw.RateLimit.Handle())

	authRoutes := api.Group("/auth")
	authRoutes.Post("/signup", authHandler.SignUp)
	authRoutes.Post("/signin", authHandler.SignIn)
	authRoutes.Post("/signout", authHandler.SignOut)
	authRoutes.Get("/session", authHandler.Session)
	authRoutes.Post("/password/forgot", authHandler.ForgotPassword)
	authRoutes.Post("/password/reset", authHandler.ResetPassword)
	authRoutes.Post("/password/change", requireSession, authHandler.ChangePassword)
	authRoutes.Post("/verify-email", authHandler.VerifyEmail)
	authRoutes.Patch("/users/:id", requireSession, authHandler.UpdateUser)

	stateRoutes := api.Group("/state")
	stateRoutes.Get("/me", stateHandler.Me)
	stateRoutes.Post("/login", requireSession, stateHandler.Login)
	stateRoutes.Post("/logout", requireSession, stateHandler.Logout)

	caseRoutes := api.Group("/cases")
	caseRoutes.Get("/", caseHandler.List)
	caseRoutes.Get("/:id", caseHandler.Get)
	caseRoutes.Get("/:id/comments", caseHandler.Comments)
	caseRoutes.Post("/", requireSession, idempotent, caseHandler.Create)
	caseRoutes.Patch("/:id", requireSession, mw.Auth.RequireRole(models.RoleAdmin, models.RoleModerator), caseHandler.Update)
	caseRoutes.Delete("/:id", requireSession, mw.Auth.RequireRole(models.RoleAdmin), caseHandler.Delete)
	caseRoutes.Post("/:id/support", requireSession, caseHandler.Support)
	caseRoutes.Post("/:id/comments", requireSession, idempotent, caseHandler.AddComment)

	adminRoutes := api.Group("/admin", requireSession, mw.Auth.RequireRole(models.RoleAdmin))
	adminRoutes.Get("/report", adminHandler.Report)
	adminRoutes.Get("/notifications", adminHandler.Notifications)

	app.Use(notFoundHandler)
}

// healthCheck returns the health status of the service
// @Summary Health check
// @Tags System
// @Produce json
// @Router /healthz [get]
func healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "vigia-api",
	})
}

// readinessCheck pings the persistent store
// @Summary Readiness check
// @Tags System
// @Produce json
// @Failure 503 {object} map[string]interface{} "Not ready"
// @Router /readyz [get]
func readinessCheck(store kvstore.Store, logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
		defer cancel()

		if err := kvstore.Ping(ctx, store); err != nil {
			logger.WithError(err).Warn("Readiness check failed")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":    "not ready",
				"reason":    "store unavailable",
				"timestamp": time.Now().UTC(),
			})
		}

		return c.JSON(fiber.Map{
			"status":    "ready",
			"timestamp": time.Now().UTC(),
			"service":   "vigia-api",
		})
	}
}

// versionHandler returns version information
// @Summary Version information
// @Tags System
// @Produce json
// @Router /version [get]
func versionHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "vigia-api",
		"version": logging.Version(),
	})
}

func notFoundHandler(c *fiber.Ctx) error {
	return apperrors.NotFound("The requested resource was not found")
}

// parseBody decodes the JSON body into dst
func parseBody(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return apperrors.NewAppError(apperrors.CodeBadRequest, "Invalid request body", err)
	}
	return nil
}

// currentUserFor is the state store identity matching an auth session
func currentUserFor(sess *models.AuthSession) models.CurrentUser {
	return models.CurrentUser{
		ID:      sess.User.ID,
		Name:    sess.User.Name,
		IsAdmin: sess.User.Role == models.RoleAdmin,
	}
}

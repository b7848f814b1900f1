package middleware

import (
	"errors"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler renders every error returned by a handler in the standard
// error envelope. Causes never reach the client; ErrorLoggerMiddleware logs them.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		appErr, status := resolveError(err)

		if appErr.IsRetryable() && c.GetRespHeader(fiber.HeaderRetryAfter) == "" {
			c.Set(fiber.HeaderRetryAfter, retryAfter(appErr.Code))
		}

		return c.Status(status).JSON(appErr.ToErrorResponse(TraceID(c)))
	}
}

// retryAfter is the default Retry-After for retryable codes: a limiter
// window, or the store breaker's open period
func retryAfter(code apperrors.ErrorCode) string {
	if code == apperrors.CodeRateLimited {
		return "60"
	}
	return "10"
}

// resolveError maps any handler error to its envelope and HTTP status
func resolveError(err error) (*apperrors.AppError, int) {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return apperrors.NewAppError(codeForStatus(fiberErr.Code), fiberErr.Message, nil), fiberErr.Code
	}
	appErr := apperrors.AsAppError(err)
	return appErr, appErr.HTTPStatus()
}

func codeForStatus(status int) apperrors.ErrorCode {
	switch {
	case status == fiber.StatusNotFound:
		return apperrors.CodeNotFound
	case status == fiber.StatusUnauthorized:
		return apperrors.CodeUnauthenticated
	case status == fiber.StatusForbidden:
		return apperrors.CodeForbidden
	case status == fiber.StatusTooManyRequests:
		return apperrors.CodeRateLimited
	case status >= fiber.StatusInternalServerError:
		return apperrors.CodeInternalError
	default:
		return apperrors.CodeBadRequest
	}
}

// TraceID returns the request id assigned by the requestid middleware, or
// the one sent by the client
func TraceID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	return c.Get(fiber.HeaderXRequestID)
}

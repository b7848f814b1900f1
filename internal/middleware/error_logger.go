package middleware

import (
	"time"

	"github.com/vigia-civic/vigia-api/internal/logging"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const maxLoggedBody = 500

type ErrorLoggerMiddleware struct {
	logger *logrus.Logger
}

func NewErrorLoggerMiddleware(logger *logrus.Logger) *ErrorLoggerMiddleware {
	return &ErrorLoggerMiddleware{
		logger: logger,
	}
}

// Handle logs 4xx and 5xx responses with detailed context. Errors returned by
// handlers are resolved to the status the error handler will send.
func (e *ErrorLoggerMiddleware) Handle() fiber.Handler {
	return func(c *fiber.Ctx) error {
		startTime := time.Now()

		err := c.Next()

		statusCode := c.Response().StatusCode()
		if err != nil {
			_, statusCode = resolveError(err)
		}
		if statusCode < 400 {
			return err
		}

		latencyMs := float64(time.Since(startTime).Microseconds()) / 1000
		logFields := logrus.Fields{
			"ip":         clientIP(c),
			"user_agent": c.Get(fiber.HeaderUserAgent),
			"trace_id":   TraceID(c),
		}

		if userID := GetUserID(c); userID != "" {
			logFields["user_id"] = userID
		}
		if idempotencyKey := c.Get(HeaderIdempotencyKey); idempotencyKey != "" {
			logFields["idempotency_key"] = idempotencyKey
		}
		if query := c.Request().URI().QueryString(); len(query) > 0 {
			logFields["query"] = string(query)
		}

		// Bodies may hold passwords and inline images; only their size is logged
		if n := len(c.Body()); n > 0 {
			logFields["request_bytes"] = n
		}
		if err == nil {
			if body := string(c.Response().Body()); body != "" {
				logFields["response_body"] = utils.Truncate(body, maxLoggedBody)
			}
		}

		logEntry := logging.WithRequest(e.logger, c.Method(), c.Path(), statusCode, latencyMs).WithFields(logFields)
		if err != nil {
			logEntry = logEntry.WithError(err)
		}
		if statusCode >= 500 {
			logEntry.Error("Server error response")
		} else {
			logEntry.Warn("Client error response")
		}

		return err
	}
}

package middleware

import (
	"strconv"
	"strings"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/config"
	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/ratelimit"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// RateLimitMiddleware caps requests per client address. It shares the
// fixed-window limiter used by the auth service, under the "ip" operation.
type RateLimitMiddleware struct {
	config  *config.RateLimitConfig
	limiter ratelimit.Limiter
	logger  *logrus.Logger
}

func NewRateLimitMiddleware(cfg *config.RateLimitConfig, limiter ratelimit.Limiter, logger *logrus.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		config:  cfg,
		limiter: limiter,
		logger:  logger,
	}
}

func (r *RateLimitMiddleware) Handle() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !r.config.IPEnabled || r.limiter == nil {
			return c.Next()
		}

		path := c.Path()
		if utils.HasAnyPrefix(path, r.config.ExemptPaths) {
			return c.Next()
		}

		ip := clientIP(c)
		allowed, err := r.limiter.CheckAndConsume(c.UserContext(), ratelimit.Key("ip", ip))
		if err != nil {
			// Allow request on backend failure to avoid blocking traffic
			metrics.RecordRateLimitError()
			r.logger.WithError(err).Error("Rate limit check failed")
			return c.Next()
		}

		if !allowed {
			metrics.RecordRateLimitDrop("ip")
			r.logger.WithFields(logrus.Fields{
				"ip":     ip,
				"path":   path,
				"method": c.Method(),
			}).Warn("Rate limit exceeded")

			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(r.config.IPWindow.Seconds())))
			return apperrors.RateLimited("Rate limit exceeded. Please try again later.")
		}

		return c.Next()
	}
}

// clientIP extracts the real client IP
func clientIP(c *fiber.Ctx) string {
	// X-Forwarded-For from the load balancer, first hop wins
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}

	if realIP := c.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return c.IP()
}

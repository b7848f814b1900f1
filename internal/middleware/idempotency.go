package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/vigia-civic/vigia-api/pkg/errors"

	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	HeaderIdempotencyKey    = "Idempotency-Key"
	HeaderIdempotencyCached = "X-Idempotency-Cached"

	DefaultIdempotencyTTL = 5 * time.Minute

	// idempotencyIndexKey maps record keys to their expiry (epoch ms) for
	// backends that cannot expire keys themselves
	idempotencyIndexKey = "idempotency_index"
)

// IdempotencyMiddleware replays the stored response of a POST that carries a
// previously seen Idempotency-Key. Records live in the persistent store. Redis
// expires them natively; on other backends they are indexed and reclaimed by
// Sweep.
type IdempotencyMiddleware struct {
	store  kvstore.Store
	clock  utils.Clock
	logger *logrus.Logger
	ttl    time.Duration

	indexMu sync.Mutex
}

type IdempotencyRecord struct {
	Fingerprint string            `json:"fingerprint"`
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	CreatedAt   int64             `json:"created_at"` // epoch ms
	ExpiresAt   int64             `json:"expires_at"` // epoch ms
}

func NewIdempotencyMiddleware(store kvstore.Store, ttl time.Duration, clock utils.Clock, logger *logrus.Logger) *IdempotencyMiddleware {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &IdempotencyMiddleware{
		store:  store,
		clock:  clock,
		logger: logger,
		ttl:    ttl,
	}
}

// Handle must run after the session middleware so the fingerprint covers the
// caller. The header is optional; requests without it pass straight through.
func (i *IdempotencyMiddleware) Handle() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isIdempotentMethod(c.Method()) {
			return c.Next()
		}

		idempotencyKey := c.Get(HeaderIdempotencyKey)
		if idempotencyKey == "" {
			return c.Next()
		}
		if _, err := uuid.Parse(idempotencyKey); err != nil {
			return apperrors.NewAppError(apperrors.CodeBadRequest, "Idempotency-Key must be a valid UUID", nil)
		}

		ctx := c.UserContext()
		key := kvstore.IdempotencyKey(idempotencyKey)
		fingerprint := i.generateFingerprint(c)
		now := utils.EpochMillis(i.clock.Now())

		var existing IdempotencyRecord
		found, err := kvstore.GetJSON(ctx, i.store, key, &existing)
		if err != nil {
			// Continue with request rather than failing
			i.logger.WithError(err).Error("Failed to get idempotency record")
			found = false
		}
		if found && now > existing.ExpiresAt {
			if err := i.store.Remove(ctx, key); err != nil {
				i.logger.WithError(err).Warn("Failed to remove expired idempotency record")
			}
			found = false
		}

		if found {
			if existing.Fingerprint != fingerprint {
				metrics.RecordIdempotencyHit("conflict")
				return apperrors.NewAppError(apperrors.CodeIdempotencyConflict,
					"Request differs from original request with same Idempotency-Key", nil)
			}
			metrics.RecordIdempotencyHit("hit")
			return returnCachedResponse(c, &existing)
		}
		metrics.RecordIdempotencyHit("miss")

		if err := c.Next(); err != nil {
			return err
		}

		statusCode := c.Response().StatusCode()
		if statusCode < 200 || statusCode >= 300 {
			return nil
		}

		record := IdempotencyRecord{
			Fingerprint: fingerprint,
			StatusCode:  statusCode,
			Headers:     make(map[string]string),
			Body:        string(c.Response().Body()),
			CreatedAt:   now,
			ExpiresAt:   now + i.ttl.Milliseconds(),
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			if shouldCacheHeader(string(k)) {
				record.Headers[string(k)] = string(v)
			}
		})

		expires, err := kvstore.SetJSONWithTTL(ctx, i.store, key, record, i.ttl)
		if err != nil {
			i.logger.WithError(err).WithField("idempotency_key", idempotencyKey).Error("Failed to store idempotency record")
			return nil
		}
		if !expires {
			if err := i.track(ctx, key, record.ExpiresAt); err != nil {
				i.logger.WithError(err).WithField("idempotency_key", idempotencyKey).Warn("Failed to index idempotency record")
			}
		}
		i.logger.WithFields(logrus.Fields{
			"idempotency_key": idempotencyKey,
			"status_code":     statusCode,
		}).Debug("Stored idempotency record")
		return nil
	}
}

// track adds key to the expiry index
func (i *IdempotencyMiddleware) track(ctx context.Context, key string, expiresAt int64) error {
	i.indexMu.Lock()
	defer i.indexMu.Unlock()

	index, err := i.loadIndex(ctx)
	if err != nil {
		return err
	}
	index[key] = expiresAt
	return kvstore.SetJSON(ctx, i.store, idempotencyIndexKey, index)
}

// loadIndex reads the expiry index. An undecodable index starts over empty.
func (i *IdempotencyMiddleware) loadIndex(ctx context.Context) (map[string]int64, error) {
	index := make(map[string]int64)
	_, err := kvstore.GetJSON(ctx, i.store, idempotencyIndexKey, &index)
	if errors.Is(err, kvstore.ErrCorrupt) {
		i.logger.WithError(err).Warn("Discarding unreadable idempotency index")
		return make(map[string]int64), nil
	}
	return index, err
}

// Sweep removes every indexed record past its expiry and returns how many
// were removed. Records that fail to remove stay indexed for the next sweep.
func (i *IdempotencyMiddleware) Sweep(ctx context.Context) (int, error) {
	i.indexMu.Lock()
	defer i.indexMu.Unlock()

	index, err := i.loadIndex(ctx)
	if err != nil {
		return 0, err
	}

	now := utils.EpochMillis(i.clock.Now())
	removed := 0
	for key, expiresAt := range index {
		if now <= expiresAt {
			continue
		}
		if err := i.store.Remove(ctx, key); err != nil {
			i.logger.WithError(err).WithField("key", key).Warn("Failed to remove expired idempotency record")
			continue
		}
		delete(index, key)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if len(index) == 0 {
		err = i.store.Remove(ctx, idempotencyIndexKey)
	} else {
		err = kvstore.SetJSON(ctx, i.store, idempotencyIndexKey, index)
	}
	if err != nil {
		return removed, err
	}
	i.logger.WithField("removed", removed).Debug("Swept expired idempotency records")
	return removed, nil
}

// generateFingerprint hashes method, path, query, body and caller
func (i *IdempotencyMiddleware) generateFingerprint(c *fiber.Ctx) string {
	h := sha256.New()

	h.Write([]byte(c.Method()))
	h.Write([]byte(":"))
	h.Write([]byte(c.Path()))
	h.Write([]byte(":"))
	h.Write(c.Request().URI().QueryString())
	h.Write([]byte(":"))
	h.Write(c.Body())
	h.Write([]byte(":"))
	h.Write([]byte(GetUserID(c)))

	return hex.EncodeToString(h.Sum(nil))
}

func returnCachedResponse(c *fiber.Ctx, record *IdempotencyRecord) error {
	for key, value := range record.Headers {
		c.Set(key, value)
	}
	c.Set(HeaderIdempotencyCached, "true")

	return c.Status(record.StatusCode).SendString(record.Body)
}

func shouldCacheHeader(header string) bool {
	switch strings.ToLower(header) {
	case "content-type", "location":
		return true
	}
	return false
}

func isIdempotentMethod(method string) bool {
	switch method {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions, fiber.MethodPut, fiber.MethodDelete:
		return true
	}
	return false
}

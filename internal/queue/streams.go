// Package queue publishes outbound notifications on a Redis Stream so a
// separate mailer can consume them.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vigia-civic/vigia-api/internal/auth"
	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const DefaultStreamKey = "stream:notifications"

// NotificationStream appends notifications to a capped Redis Stream
type NotificationStream struct {
	redis  redis.UniversalClient
	key    string
	maxLen int64
	logger *logrus.Logger
}

// NewNotificationStream creates a stream publisher. maxLen <= 0 leaves the
// stream uncapped.
func NewNotificationStream(client redis.UniversalClient, key string, maxLen int64, logger *logrus.Logger) *NotificationStream {
	if key == "" {
		key = DefaultStreamKey
	}
	return &NotificationStream{
		redis:  client,
		key:    key,
		maxLen: maxLen,
		logger: logger,
	}
}

// Notify implements auth.Notifier
func (ns *NotificationStream) Notify(ctx context.Context, n auth.Notification) error {
	args := &redis.XAddArgs{
		Stream: ns.key,
		Values: map[string]interface{}{
			"kind":       n.Kind,
			"email":      n.Email,
			"name":       n.Name,
			"token":      n.Token,
			"expires_at": n.ExpiresAt,
			"created_at": n.CreatedAt.UnixMilli(),
		},
	}
	if ns.maxLen > 0 {
		args.MaxLen = ns.maxLen
		args.Approx = true
	}

	streamID, err := ns.redis.XAdd(ctx, args).Result()
	if err != nil {
		metrics.RecordNotification("stream", "failed")
		return fmt.Errorf("xadd to %s failed: %w", ns.key, err)
	}

	metrics.RecordNotification("stream", "sent")
	ns.logger.WithFields(logrus.Fields{
		"stream_id": streamID,
		"kind":      n.Kind,
		"email":     utils.MaskEmail(n.Email),
	}).Debug("Notification added to stream")
	return nil
}

// StreamEntry is a notification read back from the stream
type StreamEntry struct {
	StreamID     string            `json:"streamId"`
	Notification auth.Notification `json:"notification"`
}

// Recent returns up to count notifications, newest first
func (ns *NotificationStream) Recent(ctx context.Context, count int64) ([]StreamEntry, error) {
	messages, err := ns.redis.XRevRangeN(ctx, ns.key, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange failed: %w", err)
	}

	entries := make([]StreamEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, StreamEntry{
			StreamID:     msg.ID,
			Notification: decode(msg.Values),
		})
	}
	return entries, nil
}

// Len returns the number of notifications held by the stream
func (ns *NotificationStream) Len(ctx context.Context) (int64, error) {
	n, err := ns.redis.XLen(ctx, ns.key).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

// TrimOlderThan drops entries older than maxAge and returns how many went
func (ns *NotificationStream) TrimOlderThan(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	cutoffID := fmt.Sprintf("%d-0", now.Add(-maxAge).UnixMilli())

	deleted, err := ns.redis.XTrimMinID(ctx, ns.key, cutoffID).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim failed: %w", err)
	}

	ns.logger.WithFields(logrus.Fields{
		"stream":  ns.key,
		"trimmed": deleted,
	}).Info("Trimmed notification stream")
	return deleted, nil
}

func decode(values map[string]interface{}) auth.Notification {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	millis := func(k string) int64 {
		v, _ := strconv.ParseInt(str(k), 10, 64)
		return v
	}

	n := auth.Notification{
		Kind:      str("kind"),
		Email:     str("email"),
		Name:      str("name"),
		Token:     str("token"),
		ExpiresAt: millis("expires_at"),
	}
	if created := millis("created_at"); created > 0 {
		n.CreatedAt = time.UnixMilli(created).UTC()
	}
	return n
}

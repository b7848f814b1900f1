package kvstore

import (
	"context"
	"fmt"

	"github.com/vigia-civic/vigia-api/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Open builds the backend selected by cfg.Store.Backend, wrapped with metrics
// and, for remote backends, a circuit breaker. redisClient is only used by the
// redis backend. The returned close func releases backend resources.
func Open(ctx context.Context, cfg *config.Config, redisClient redis.UniversalClient, logger *logrus.Logger) (Store, func() error, error) {
	var (
		backend Store
		closer  = func() error { return nil }
		remote  bool
	)

	switch cfg.Store.Backend {
	case "memory":
		backend = NewMemoryStore()

	case "file":
		fileStore, err := OpenFileStore(cfg.Store.FilePath)
		if err != nil {
			return nil, nil, err
		}
		backend = fileStore

	case "redis":
		if redisClient == nil {
			return nil, nil, fmt.Errorf("redis store backend requires a redis client")
		}
		backend = NewRedisStore(redisClient, cfg.Store.KeyPrefix)
		remote = true

	case "postgres", "mysql":
		sqlStore, err := OpenSQLStore(ctx, &cfg.SQL, Dialect(cfg.Store.Backend), logger)
		if err != nil {
			return nil, nil, err
		}
		backend = sqlStore
		closer = sqlStore.Close
		remote = true

	case "dynamodb":
		client, err := NewDynamoClient(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		backend = NewDynamoStore(client, cfg.DynamoDB.TableName)
		remote = true

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var store Store = NewInstrumented(backend, cfg.Store.Backend)
	if remote && cfg.Store.Breaker {
		store = NewBreaker(store, "kvstore_"+cfg.Store.Backend, logger)
	}

	logger.WithField("backend", cfg.Store.Backend).Info("Persistent store ready")
	return store, closer, nil
}

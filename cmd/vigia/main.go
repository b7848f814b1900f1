package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigia-civic/vigia-api/internal/auth"
	"github.com/vigia-civic/vigia-api/internal/config"
	"github.com/vigia-civic/vigia-api/internal/kvstore"
	"github.com/vigia-civic/vigia-api/internal/logging"
	"github.com/vigia-civic/vigia-api/internal/media"
	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/middleware"
	"github.com/vigia-civic/vigia-api/internal/queue"
	"github.com/vigia-civic/vigia-api/internal/ratelimit"
	"github.com/vigia-civic/vigia-api/internal/routes"
	"github.com/vigia-civic/vigia-api/internal/state"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg)

	if err := metrics.Init(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize metrics")
	}

	tracingShutdown, err := middleware.InitTracing(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to setup tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to shutdown tracing")
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Redis backs the store, the limiter or the notification stream when any of them asks for it
	var redisClient redis.UniversalClient
	if needsRedis(cfg) {
		redisClient, err = kvstore.NewRedisUniversalClient(&cfg.Redis, &cfg.AWS, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Redis client")
		}
		defer redisClient.Close()
	}

	store, closeStore, err := kvstore.Open(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open persistent store")
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.WithError(err).Error("Failed to close persistent store")
		}
	}()

	clock := utils.SystemClock{}

	var stream *queue.NotificationStream
	if cfg.Notifier.Backend == "stream" {
		stream = queue.NewNotificationStream(redisClient, cfg.Notifier.StreamKey, cfg.Notifier.StreamMaxLen, logger)
		go trimNotifications(ctx, stream, &cfg.Notifier, logger)
	}

	authOpts, err := authOptions(cfg, stream, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure auth service")
	}
	authService := auth.NewService(store,
		newLimiter(cfg, redisClient, cfg.RateLimit.MaxAttempts, cfg.RateLimit.Window, clock),
		logger, authOpts...)

	var stateOpts []state.Option
	if cfg.Media.Enabled {
		uploader, err := media.NewMinIOUploader(ctx, &cfg.Media, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to media storage")
		}
		stateOpts = append(stateOpts, state.WithImageStore(uploader))
	}
	stateStore, err := state.Open(ctx, store, logger, stateOpts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load application state")
	}

	var ipLimiter ratelimit.Limiter
	if cfg.RateLimit.IPEnabled {
		ipLimiter = newLimiter(cfg, redisClient, cfg.RateLimit.IPMaxRequests, cfg.RateLimit.IPWindow, clock)
	}
	middlewareManager := middleware.NewManager(cfg, store, authService, ipLimiter, clock, logger)
	go sweepIdempotency(ctx, middlewareManager.Idempotency, cfg.Server.IdempotencySweepEvery, logger)

	app := fiber.New(fiber.Config{
		AppName:      "Vigia API",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BodyLimit:    cfg.Server.BodyLimit,
		ErrorHandler: middleware.ErrorHandler(),
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORS.AllowOrigins,
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Requested-With,Idempotency-Key,X-Request-ID",
		MaxAge:       86400,
	}))
	app.Use(otelfiber.Middleware())
	app.Use(middlewareManager.ErrorLogger.Handle())

	routes.Setup(app, routes.Deps{
		Config:        cfg,
		Logger:        logger,
		Store:         store,
		Auth:          authService,
		State:         stateStore,
		Middleware:    middlewareManager,
		Notifications: stream,
	})

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		logger.Info("Gracefully shutting down...")
		stop()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"port":    cfg.Server.Port,
		"store":   cfg.Store.Backend,
		"limiter": cfg.RateLimit.Backend,
	}).Info("Starting Vigia API server")
	if err := app.Listen(":" + cfg.Server.Port); err != nil {
		logger.WithError(err).Fatal("Server failed to start")
	}
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Store.Backend == "redis" ||
		(cfg.RateLimit.Enabled && cfg.RateLimit.Backend == "redis") ||
		cfg.Notifier.Backend == "stream"
}

// newLimiter returns a limiter on the configured backend. A disabled rate
// limit gets a ceiling no caller will reach.
func newLimiter(cfg *config.Config, client redis.UniversalClient, max int, window time.Duration, clock utils.Clock) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return ratelimit.NewMemoryLimiter(math.MaxInt, window, clock)
	}
	if cfg.RateLimit.Backend == "redis" {
		return ratelimit.NewRedisLimiter(client, max, window, clock)
	}
	return ratelimit.NewMemoryLimiter(max, window, clock)
}

func authOptions(cfg *config.Config, stream *queue.NotificationStream, logger *logrus.Logger) ([]auth.Option, error) {
	opts := []auth.Option{
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithResetTokenTTL(cfg.Auth.ResetTokenTTL),
		auth.WithMinPasswordLength(cfg.Auth.MinPasswordLength),
	}

	if cfg.Auth.PasswordHasher == "bcrypt" {
		opts = append(opts, auth.WithPasswordHasher(auth.BcryptPasswords{Cost: cfg.Auth.BcryptCost}))
	}

	if cfg.Auth.TokenFormat == "jwt" {
		tokens, err := auth.NewJWTTokens(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, utils.UUIDGenerator{}, utils.SystemClock{})
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth.WithTokenIssuer(tokens))
	}

	switch cfg.Notifier.Backend {
	case "amqp":
		opts = append(opts, auth.WithNotifier(auth.NewAMQPNotifier(cfg.Notifier.AMQPURL, cfg.Notifier.AMQPQueue, logger)))
	case "stream":
		opts = append(opts, auth.WithNotifier(stream))
	}

	return opts, nil
}

// sweepIdempotency reclaims expired idempotency records until ctx is cancelled
func sweepIdempotency(ctx context.Context, idem *middleware.IdempotencyMiddleware, every time.Duration, logger *logrus.Logger) {
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := idem.Sweep(ctx); err != nil {
				logger.WithError(err).Warn("Failed to sweep idempotency records")
			}
		}
	}
}

// trimNotifications drops old stream entries until ctx is cancelled
func trimNotifications(ctx context.Context, stream *queue.NotificationStream, cfg *config.NotifierConfig, logger *logrus.Logger) {
	if cfg.StreamRetention <= 0 || cfg.StreamTrimEvery <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.StreamTrimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := stream.TrimOlderThan(ctx, now, cfg.StreamRetention); err != nil {
				logger.WithError(err).Warn("Failed to trim notification stream")
			}
		}
	}
}

package kvstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/vigia-civic/vigia-api/internal/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NewRedisUniversalClient creates a client that works with both standalone and cluster
// deployments. The KV backend, the shared rate limiter and the stream notifier all
// use the same client.
func NewRedisUniversalClient(cfg *config.RedisConfig, awsCfg *config.AWSConfig, logger *logrus.Logger) (redis.UniversalClient, error) {
	// Fetch password from AWS Secrets Manager if enabled
	password := cfg.Password
	if cfg.PasswordFromSecrets {
		pwd, err := getSecretValue(awsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to get Redis password from secrets: %w", err)
		}
		password = pwd
		logger.Info("Redis password fetched from AWS Secrets Manager")
	}

	// Configure TLS
	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		tlsConfig = &tls.Config{
			ServerName: extractHostname(cfg.Address),
		}
		logger.WithField("address", cfg.Address).Info("Redis TLS encryption enabled")
	}

	options := redisOptions(cfg, password, tlsConfig)

	// A single configuration endpoint would otherwise yield a standalone client
	var client redis.UniversalClient
	if cfg.ClusterMode {
		client = redis.NewClusterClient(options.Cluster())
	} else {
		client = redis.NewUniversalClient(options)
	}

	pingTimeout := cfg.DialTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	mode := "standalone"
	if cfg.ClusterMode {
		mode = "cluster"
	}

	logger.WithFields(logrus.Fields{
		"address": cfg.Address,
		"mode":    mode,
	}).Info("Connected to Redis via UniversalClient")

	return client, nil
}

// redisOptions maps RedisConfig onto the client options. go-redis defaults
// apply to anything left zero.
func redisOptions(cfg *config.RedisConfig, password string, tlsConfig *tls.Config) *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           []string{cfg.Address},
		Password:        password,
		DB:              cfg.Database, // Ignored in cluster mode
		MaxRetries:      cfg.MaxRetries,
		PoolSize:        cfg.PoolSize,
		PoolTimeout:     cfg.PoolTimeout,
		MinIdleConns:    cfg.MinIdleConns,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		TLSConfig:       tlsConfig,

		// Only meaningful in cluster mode
		RouteByLatency: cfg.RouteByLatency,
		RouteRandomly:  cfg.RouteRandomly,
		ReadOnly:       cfg.ReadOnly,
	}
}

// extractHostname extracts hostname from address (host:port -> host)
func extractHostname(address string) string {
	if idx := strings.LastIndex(address, ":"); idx != -1 {
		return address[:idx]
	}
	return address
}

// getSecretValue retrieves the Redis password from AWS Secrets Manager
func getSecretValue(awsCfg *config.AWSConfig, logger *logrus.Logger) (string, error) {
	sessOpts := session.Options{
		Config: aws.Config{
			Region: aws.String(awsCfg.Region),
		},
		Profile: awsCfg.Profile,
	}

	sess, err := session.NewSessionWithOptions(sessOpts)
	if err != nil {
		return "", fmt.Errorf("failed to create AWS session: %w", err)
	}

	svc := secretsmanager.New(sess)

	result, err := svc.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(awsCfg.SecretName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret '%s': %w", awsCfg.SecretName, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret '%s' has no string value", awsCfg.SecretName)
	}

	logger.WithField("secret_name", awsCfg.SecretName).Info("Successfully retrieved Redis password from Secrets Manager")
	return *result.SecretString, nil
}

// Package redis provides Redis connection management and client initialization.
// It supports standalone, cluster, and sentinel deployment modes with connection pooling.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/ratelimit-gateway/internal/config"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// ConnectionMode defines Redis deployment mode
type ConnectionMode string

const (
	// ModeStandalone represents single Redis instance
	ModeStandalone ConnectionMode = "standalone"
	// ModeCluster represents Redis cluster mode
	ModeCluster ConnectionMode = "cluster"
	// ModeSentinel represents Redis sentinel mode for high availability
	ModeSentinel ConnectionMode = "sentinel"
)

// Health is the outcome of a connectivity probe.
type Health struct {
	Connected  bool   `json:"connected"`
	LatencyMS  int64  `json:"latency_ms"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
	Timeouts   uint32 `json:"timeouts"`
	Error      string `json:"error,omitempty"`
}

// RedisConnection manages Redis client lifecycle and health monitoring.
type RedisConnection struct {
	config *config.RedisConfig
	logger logger.Logger

	mu     sync.RWMutex
	client redis.UniversalClient
}

// NewRedisConnection creates a new Redis connection manager instance.
//
// Parameters:
//   - cfg: Redis configuration
//   - log: Logger instance
//
// Returns:
//   - *RedisConnection: connection manager; call Connect before GetClient
func NewRedisConnection(cfg *config.RedisConfig, log logger.Logger) *RedisConnection {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	c := *cfg
	setDefaults(&c)
	return &RedisConnection{
		config: &c,
		logger: log.WithComponent("redis"),
	}
}

// Connect builds the client for the configured mode and pings it.
// The client is kept even when the ping fails: go-redis dials lazily, so
// callers that tolerate an unavailable Redis keep a client that recovers
// on its own once the server is reachable.
//
// Returns:
//   - error: store_unavailable when the ping fails, configuration_error for a bad mode
func (rc *RedisConnection) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.client != nil {
		rc.mu.Unlock()
		rc.logger.Warn(ctx, "Redis connection already initialized")
		return nil
	}

	client, err := rc.newClient()
	if err != nil {
		rc.mu.Unlock()
		return err
	}
	rc.client = client
	rc.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, rc.config.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		rc.logger.Error(ctx, "Redis ping failed", err, logger.String("mode", rc.config.Mode))
		return errors.StoreUnavailable("redis ping", err)
	}

	rc.logger.Info(ctx, "Redis connection established successfully",
		logger.String("mode", rc.config.Mode),
		logger.Int("pool_size", rc.config.PoolSize),
	)
	return nil
}

func (rc *RedisConnection) newClient() (redis.UniversalClient, error) {
	var tlsConfig *tls.Config
	if rc.config.TLS {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: rc.config.TLSSkipVerify, //nolint:gosec // opt-in for self-signed test clusters
		}
	}

	switch ConnectionMode(rc.config.Mode) {
	case ModeStandalone:
		addr := fmt.Sprintf("%s:%d", rc.config.Host, rc.config.Port)
		rc.logger.Info(context.Background(), "Connecting to Redis standalone",
			logger.String("addr", addr),
			logger.Int("db", rc.config.DB),
		)
		return redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     rc.config.Password,
			DB:           rc.config.DB,
			PoolSize:     rc.config.PoolSize,
			MinIdleConns: rc.config.MinIdleConns,
			DialTimeout:  rc.config.DialTimeout,
			ReadTimeout:  rc.config.ReadTimeout,
			WriteTimeout: rc.config.WriteTimeout,
			MaxRetries:   rc.config.MaxRetries,
			TLSConfig:    tlsConfig,
		}), nil

	case ModeCluster:
		if len(rc.config.ClusterAddrs) == 0 {
			return nil, errors.Configuration("cluster addresses not configured", nil)
		}
		rc.logger.Info(context.Background(), "Connecting to Redis cluster",
			logger.Any("addrs", rc.config.ClusterAddrs),
		)
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        rc.config.ClusterAddrs,
			Password:     rc.config.Password,
			PoolSize:     rc.config.PoolSize,
			MinIdleConns: rc.config.MinIdleConns,
			DialTimeout:  rc.config.DialTimeout,
			ReadTimeout:  rc.config.ReadTimeout,
			WriteTimeout: rc.config.WriteTimeout,
			MaxRetries:   rc.config.MaxRetries,
			TLSConfig:    tlsConfig,
		}), nil

	case ModeSentinel:
		if len(rc.config.SentinelAddrs) == 0 || rc.config.SentinelMaster == "" {
			return nil, errors.Configuration("sentinel addresses and master name not configured", nil)
		}
		rc.logger.Info(context.Background(), "Connecting to Redis sentinel",
			logger.String("master", rc.config.SentinelMaster),
			logger.Any("sentinels", rc.config.SentinelAddrs),
		)
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    rc.config.SentinelMaster,
			SentinelAddrs: rc.config.SentinelAddrs,
			Password:      rc.config.Password,
			DB:            rc.config.DB,
			PoolSize:      rc.config.PoolSize,
			MinIdleConns:  rc.config.MinIdleConns,
			DialTimeout:   rc.config.DialTimeout,
			ReadTimeout:   rc.config.ReadTimeout,
			WriteTimeout:  rc.config.WriteTimeout,
			MaxRetries:    rc.config.MaxRetries,
			TLSConfig:     tlsConfig,
		}), nil

	default:
		return nil, errors.Configuration(fmt.Sprintf("unsupported Redis mode: %s", rc.config.Mode), nil)
	}
}

// setDefaults sets default configuration values if not specified.
func setDefaults(c *config.RedisConfig) {
	if c.Mode == "" {
		c.Mode = string(ModeStandalone)
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
}

// GetClient returns the Redis client instance, or nil before Connect.
func (rc *RedisConnection) GetClient() redis.UniversalClient {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.client
}

// HealthCheck pings Redis and reports pool statistics.
//
// Parameters:
//   - ctx: Context for timeout control
//
// Returns:
//   - *Health: probe details, populated even on failure
//   - error: store_unavailable if the ping failed
func (rc *RedisConnection) HealthCheck(ctx context.Context) (*Health, error) {
	client := rc.GetClient()
	if client == nil {
		err := errors.StoreUnavailable("redis connection not initialized", nil)
		return &Health{Error: err.Error()}, err
	}

	start := time.Now()
	err := client.Ping(ctx).Err()
	h := &Health{
		Connected: err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if stats := client.PoolStats(); stats != nil {
		h.TotalConns = stats.TotalConns
		h.IdleConns = stats.IdleConns
		h.Timeouts = stats.Timeouts
	}
	if err != nil {
		h.Error = err.Error()
		return h, errors.StoreUnavailable("redis ping", err)
	}

	rc.logger.Debug(ctx, "Redis health check completed",
		logger.Int64("latency_ms", h.LatencyMS),
		logger.Any("total_conns", h.TotalConns),
	)
	return h, nil
}

// Close gracefully closes Redis connection and releases resources.
func (rc *RedisConnection) Close() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.client == nil {
		return nil
	}
	err := rc.client.Close()
	rc.client = nil
	if err != nil {
		rc.logger.Error(context.Background(), "Failed to close Redis connection", err)
		return err
	}
	rc.logger.Info(context.Background(), "Redis connection closed successfully")
	return nil
}

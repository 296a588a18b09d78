package config

import (
	"fmt"
	"net/url"
	"time"

	"go.uber.org/multierr"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
)

// Config holds the application's configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Store      StoreConfig      `mapstructure:"store"`
	PolicyFile string           `mapstructure:"ratelimit_policy_file"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Vault      VaultConfig      `mapstructure:"vault"`

	// RateLimit is loaded from PolicyFile, not from the viper sources.
	RateLimit *models.RateLimitConfig `mapstructure:"-"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// UpstreamURL is where admitted HTTP requests are proxied.
	UpstreamURL     string        `mapstructure:"upstream_url"`
}

// Addr returns the HTTP listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddr returns the gRPC listen address.
func (c ServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

type RedisConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	FailOnUnavailable bool          `mapstructure:"fail_on_unavailable"`
	Mode              string        `mapstructure:"mode"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	TLS               bool          `mapstructure:"tls"`
	TLSSkipVerify     bool          `mapstructure:"tls_skip_verify"`
	ClusterAddrs      []string      `mapstructure:"cluster_addrs"`
	SentinelAddrs     []string      `mapstructure:"sentinel_addrs"`
	SentinelMaster    string        `mapstructure:"sentinel_master"`
	PoolSize          int           `mapstructure:"pool_size"`
	MinIdleConns      int           `mapstructure:"min_idle_conns"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// StoreConfig bounds distributed store calls and sizes the local fallback.
type StoreConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	BreakerFailures      int64         `mapstructure:"breaker_failures"`
	BreakerOpenDuration  time.Duration `mapstructure:"breaker_open_duration"`
	LocalMaxBuckets      int           `mapstructure:"local_max_buckets"`
	LocalCleanupInterval time.Duration `mapstructure:"local_cleanup_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	Environment    string  `mapstructure:"environment"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

type MonitoringConfig struct {
	MetricsPath  string `mapstructure:"metrics_path"`
	PprofEnabled bool   `mapstructure:"pprof_enabled"`
}

// AuditConfig configures the Kafka sink for blocked-request events.
type AuditConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BufferSize   int           `mapstructure:"buffer_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SigningKey, when set, adds an HMAC header to every message.
	SigningKey   string        `mapstructure:"signing_key"`
}

// VaultConfig locates the KVv2 secret holding API key tiers.
type VaultConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Address         string `mapstructure:"address"`
	Token           string `mapstructure:"token"`
	MountPath       string `mapstructure:"mount_path"`
	APIKeyTiersPath string `mapstructure:"api_key_tiers_path"`
}

// Validate checks the service settings and reports every violation at once.
// The rate limit policy document is validated separately when it is loaded.
func (c *Config) Validate() error {
	var errs error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.UpstreamURL != "" {
		if u, err := url.Parse(c.Server.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("server.upstream_url %q is not an absolute URL", c.Server.UpstreamURL))
		}
	}
	if c.PolicyFile == "" {
		errs = multierr.Append(errs, fmt.Errorf("ratelimit_policy_file is required"))
	}

	if c.Redis.Enabled {
		switch c.Redis.Mode {
		case "standalone":
			if c.Redis.Host == "" {
				errs = multierr.Append(errs, fmt.Errorf("redis.host is required in standalone mode"))
			}
		case "cluster":
			if len(c.Redis.ClusterAddrs) == 0 {
				errs = multierr.Append(errs, fmt.Errorf("redis.cluster_addrs is required in cluster mode"))
			}
		case "sentinel":
			if len(c.Redis.SentinelAddrs) == 0 || c.Redis.SentinelMaster == "" {
				errs = multierr.Append(errs, fmt.Errorf("redis.sentinel_addrs and redis.sentinel_master are required in sentinel mode"))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("redis.mode %q is not standalone, cluster or sentinel", c.Redis.Mode))
		}
	}

	if c.Store.Timeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("store.timeout must be > 0"))
	}
	if c.Store.MaxAttempts <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("store.max_attempts must be > 0"))
	}

	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		errs = multierr.Append(errs, fmt.Errorf("tracing.jaeger_endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = multierr.Append(errs, fmt.Errorf("tracing.sampling_rate must be in [0,1]"))
	}
	if c.Audit.Enabled && (len(c.Audit.Brokers) == 0 || c.Audit.Topic == "") {
		errs = multierr.Append(errs, fmt.Errorf("audit.brokers and audit.topic are required when audit is enabled"))
	}
	if c.Vault.Enabled && (c.Vault.Address == "" || c.Vault.APIKeyTiersPath == "") {
		errs = multierr.Append(errs, fmt.Errorf("vault.address and vault.api_key_tiers_path are required when vault is enabled"))
	}

	if errs != nil {
		return errors.Configuration("invalid service configuration", errs)
	}
	return nil
}

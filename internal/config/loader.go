package config

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/spf13/viper"

	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// EnvPrefix prefixes every environment override, e.g. RLGW_REDIS_HOST.
const EnvPrefix = "RLGW"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", constants.DefaultShutdownTimeout.String())

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.fail_on_unavailable", false)
	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "500ms")
	v.SetDefault("redis.write_timeout", "500ms")
	v.SetDefault("redis.max_retries", -1)

	v.SetDefault("store.timeout", constants.DefaultStoreTimeout.String())
	v.SetDefault("store.max_attempts", constants.DefaultStoreMaxAttempts)
	v.SetDefault("store.retry_backoff", constants.DefaultStoreRetryBackoff.String())
	v.SetDefault("store.breaker_failures", constants.DefaultBreakerFailures)
	v.SetDefault("store.breaker_open_duration", constants.DefaultBreakerOpenDuration.String())
	v.SetDefault("store.local_max_buckets", constants.DefaultLocalMaxBuckets)
	v.SetDefault("store.local_cleanup_interval", constants.DefaultLocalCleanupInterval.String())

	v.SetDefault("ratelimit_policy_file", "ratelimit.yaml")

	v.SetDefault("log.level", string(constants.LogLevelInfo))
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "ratelimit-gateway")
	v.SetDefault("tracing.environment", "production")
	v.SetDefault("tracing.sampling_rate", 0.1)

	v.SetDefault("monitoring.metrics_path", constants.DefaultMetricsPath)
	v.SetDefault("monitoring.pprof_enabled", false)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.topic", "ratelimit.blocked")
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.write_timeout", "5s")

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount_path", "secret")
}

// LoadConfig loads the configuration from file, environment variables, and the
// rate limit policy document it points at. configFile may be empty.
func LoadConfig(configFile string, log logger.Logger) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ratelimit-gateway/")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, errors.Configuration("read config file", err)
		}
		log.Info(context.Background(), "no config file found, using defaults and environment")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Configuration("unmarshal config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rl, err := LoadPolicyFile(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit = rl

	log.Info(context.Background(), "configuration loaded",
		logger.String("config_file", v.ConfigFileUsed()),
		logger.String("policy_file", cfg.PolicyFile),
		logger.Bool("redis_enabled", cfg.Redis.Enabled),
		logger.Int("policies", len(rl.Policies)),
	)
	return &cfg, nil
}

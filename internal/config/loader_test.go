package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

func writeConfigFiles(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	policy := filepath.Join(dir, "ratelimit.yaml")
	require.NoError(t, os.WriteFile(policy, []byte(minimalPolicy), 0o600))

	cfg := "ratelimit_policy_file: " + policy + "\n" + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFiles(t, ""), logger.NewNoopLogger())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "standalone", cfg.Redis.Mode)
	assert.Equal(t, -1, cfg.Redis.MaxRetries, "go-redis replays commands unless retries are disabled")
	assert.Equal(t, 50*time.Millisecond, cfg.Store.Timeout)
	assert.Equal(t, 2, cfg.Store.MaxAttempts)
	assert.Equal(t, int64(5), cfg.Store.BreakerFailures)
	assert.Equal(t, "/metrics", cfg.Monitoring.MetricsPath)
	require.NotNil(t, cfg.RateLimit)
	assert.Equal(t, "default", cfg.RateLimit.DefaultPolicy.ID)
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := writeConfigFiles(t, `
server:
  port: 8181
  upstream_url: http://backend:9000
redis:
  mode: cluster
  cluster_addrs: [a:6379, b:6379]
store:
  timeout: 75ms
`)
	t.Setenv("RLGW_SERVER_PORT", "9191")
	t.Setenv("RLGW_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path, logger.NewNoopLogger())
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "http://backend:9000", cfg.Server.UpstreamURL)
	assert.Equal(t, []string{"a:6379", "b:6379"}, cfg.Redis.ClusterAddrs)
	assert.Equal(t, 75*time.Millisecond, cfg.Store.Timeout)
}

func TestLoadConfig_InvalidPolicyFails(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "ratelimit.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("ratelimit:\n  fallbackFactor: 0\n"), 0o600))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ratelimit_policy_file: "+policy+"\n"), 0o600))

	_, err := LoadConfig(path, logger.NewNoopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestConfigValidate(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFiles(t, ""), logger.NewNoopLogger())
	require.NoError(t, err)

	cfg.Server.Port = 0
	cfg.Server.UpstreamURL = "backend"
	cfg.Redis.Mode = "ring"
	cfg.Audit.Enabled = true
	cfg.Vault.Enabled = true
	cfg.Tracing.SamplingRate = 2

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"server.port", "upstream_url", "redis.mode", "audit.brokers", "vault.address", "sampling_rate"} {
		assert.Contains(t, msg, want)
	}
}

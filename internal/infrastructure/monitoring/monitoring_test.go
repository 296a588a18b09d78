package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"

	"github.com/turtacn/ratelimit-gateway/internal/config"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

func TestMetrics_RecordDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDecision("/api/items/{id}", "GET", "free", constants.OutcomeAllowed)
	m.RecordDecision("/api/items/{id}", "GET", "free", constants.OutcomeBlocked)
	m.RecordDecision("/api/items/{id}", "GET", "free", constants.OutcomeBlocked)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("/api/items/{id}", "GET", "free", "allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("/api/items/{id}", "GET", "free", "blocked")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Exceeded.WithLabelValues("/api/items/{id}", "GET", "free")))
}

func TestMetrics_StoreObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordFallback("timeout")
	m.RecordFallback("timeout")
	m.RecordFallback("circuit_open")
	m.RecordStoreLatency("ok", 2*time.Millisecond)
	m.RecordHTTPRequest(http.MethodGet, http.StatusTooManyRequests, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreFallback.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFallback.WithLabelValues("circuit_open")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StoreLatency, constants.MetricStoreLatency))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "429")))

	names := []string{constants.MetricRequestsTotal, constants.MetricStoreFallbackTotal}
	count, err := testutil.GatherAndCount(reg, names...)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestZapLogger_JSONWithContextAndMasking(t *testing.T) {
	var buf bytes.Buffer
	log := newZapLogger(&config.LogConfig{Level: "debug", Format: "json"}, &buf).WithComponent("test")

	ctx := context.WithValue(context.Background(), constants.ContextKeyRequestID, "req-1")
	log.Info(ctx, "hello", logger.String("api_key", "abcdefghijklmnop"), logger.Int("n", 3))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "abcd***mnop", entry["api_key"])
	assert.Equal(t, float64(3), entry["n"])
	assert.Contains(t, entry, "timestamp")
}

func TestZapLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := newZapLogger(&config.LogConfig{Level: "warn"}, &buf)
	log.Info(context.Background(), "dropped")
	assert.Zero(t, buf.Len())
	log.Warn(context.Background(), "kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager(&config.TracingConfig{Enabled: false}, logger.NewNoopLogger())
	require.NoError(t, err)
	require.NotNil(t, tm.Tracer())

	carrier := propagation.MapCarrier{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}
	ctx := tm.ExtractTraceContext(context.Background(), carrier)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", tm.GetTraceID(ctx))

	ctx, span := tm.StartSpan(ctx, "child")
	span.End()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", tm.GetTraceID(ctx))
	assert.NoError(t, tm.Shutdown(context.Background()))
}

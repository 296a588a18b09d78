package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/turtacn/ratelimit-gateway/internal/domain/service"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

// Metrics manages the Prometheus metrics.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Exceeded        *prometheus.CounterVec
	StoreFallback   *prometheus.CounterVec
	StoreLatency    *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	HTTPRequestTime *prometheus.HistogramVec
}

var _ service.Metrics = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.MetricRequestsTotal,
				Help: "Total number of rate limit decisions.",
			},
			[]string{"endpoint", "method", "tier", "outcome"},
		),
		Exceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.MetricExceededTotal,
				Help: "Total number of requests rejected by the rate limiter.",
			},
			[]string{"endpoint", "method", "tier"},
		),
		StoreFallback: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.MetricStoreFallbackTotal,
				Help: "Total number of decisions served by the local bucket store.",
			},
			[]string{"reason"},
		),
		StoreLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    constants.MetricStoreLatency,
				Help:    "Latency of distributed bucket store calls.",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"outcome"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway.",
			},
			[]string{"method", "status"},
		),
		HTTPRequestTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "Latency of HTTP requests handled by the gateway.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// RecordDecision counts a decision and, when blocked, the rejection.
func (m *Metrics) RecordDecision(endpoint, method, tier string, outcome constants.Outcome) {
	m.Requests.WithLabelValues(endpoint, method, tier, string(outcome)).Inc()
	if outcome == constants.OutcomeBlocked {
		m.Exceeded.WithLabelValues(endpoint, method, tier).Inc()
	}
}

func (m *Metrics) RecordFallback(reason string) {
	m.StoreFallback.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordStoreLatency(outcome string, duration time.Duration) {
	m.StoreLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordHTTPRequest records a request served by the gateway.
func (m *Metrics) RecordHTTPRequest(method string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestTime.WithLabelValues(method).Observe(duration.Seconds())
}

// Package service holds the rate limiting domain services: policy matching, key derivation and the admission engine.
package service

import (
	"time"

	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

// Metrics defines the interface for collecting rate limiting metrics.
// This abstraction keeps the engine independent of the specific monitoring implementation (e.g., Prometheus).
// Metrics 定义了收集速率限制指标的接口。
// 这种抽象使引擎能够独立于具体的监控实现（例如 Prometheus）。
type Metrics interface {
	// RecordDecision records one admission decision.
	// RecordDecision 记录一次准入决策。
	RecordDecision(endpoint, method, tier string, outcome constants.Outcome)

	// RecordFallback records a decision served by the local store and why.
	// RecordFallback 记录由本地存储处理的决策及原因。
	RecordFallback(reason string)

	// RecordStoreLatency records the duration of a distributed store call.
	// RecordStoreLatency 记录分布式存储调用的耗时。
	RecordStoreLatency(outcome string, duration time.Duration)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordDecision(endpoint, method, tier string, outcome constants.Outcome) {}
func (NoopMetrics) RecordFallback(reason string)                                          {}
func (NoopMetrics) RecordStoreLatency(outcome string, duration time.Duration)             {}

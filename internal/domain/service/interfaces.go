package service

import (
	"context"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
)

//go:generate mockery --name BucketStore --output mocks --outpkg mocks
// BucketStore performs atomic multi-bandwidth token consumption for a bucket key.
// BucketStore 对桶键执行原子的多带宽令牌消费。
type BucketStore interface {
	// TryConsume takes cost tokens from every bandwidth of key, or from none of them.
	// Store failures are returned as errors and never reported as an allowed result.
	// TryConsume 从 key 的每个带宽中扣除 cost 个令牌，要么全部扣除，要么都不扣除。
	TryConsume(ctx context.Context, key string, bandwidths []models.BandwidthDef, cost int64) (*models.ConsumptionResult, error)
}

//go:generate mockery --name EventPublisher --output mocks --outpkg mocks
// EventPublisher ships blocked-request events to an audit sink.
// EventPublisher 将被拒绝的请求事件发送到审计接收端。
type EventPublisher interface {
	// PublishBlocked must not block the admission path.
	// PublishBlocked 不得阻塞准入路径。
	PublishBlocked(ctx context.Context, event *models.BlockedEvent)
}

// TierSource supplies API key to tier mappings from an external secret store.
// TierSource 从外部密钥存储提供 API 密钥到层级的映射。
type TierSource interface {
	LoadAPIKeyTiers(ctx context.Context) (map[string]string, error)
}

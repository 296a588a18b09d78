package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

// MockBucketStore is a mock implementation of service.BucketStore
type MockBucketStore struct {
	mock.Mock
}

func (m *MockBucketStore) TryConsume(ctx context.Context, key string, bandwidths []models.BandwidthDef, cost int64) (*models.ConsumptionResult, error) {
	args := m.Called(ctx, key, bandwidths, cost)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ConsumptionResult), args.Error(1)
}

// MockEventPublisher is a mock implementation of service.EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishBlocked(ctx context.Context, event *models.BlockedEvent) {
	m.Called(ctx, event)
}

// MockMetrics is a mock implementation of service.Metrics
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordDecision(endpoint, method, tier string, outcome constants.Outcome) {
	m.Called(endpoint, method, tier, outcome)
}

func (m *MockMetrics) RecordFallback(reason string) {
	m.Called(reason)
}

func (m *MockMetrics) RecordStoreLatency(outcome string, duration time.Duration) {
	m.Called(outcome, duration)
}

// MockTierSource is a mock implementation of service.TierSource
type MockTierSource struct {
	mock.Mock
}

func (m *MockTierSource) LoadAPIKeyTiers(ctx context.Context) (map[string]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

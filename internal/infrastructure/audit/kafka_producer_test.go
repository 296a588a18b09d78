package audit

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ratelimit-gateway/internal/config"
	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	block  chan struct{}
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func blockedEvent(id string) *models.BlockedEvent {
	return &models.BlockedEvent{
		EventID:    id,
		Timestamp:  time.Unix(1700000000, 0).UTC(),
		Subject:    "ip:10.0.0.1",
		Tier:       "free",
		PolicyID:   "default",
		Method:     "GET",
		Endpoint:   "/api/items/{id}",
		RetryAfter: 3,
	}
}

func TestKafkaProducer_WritesSignedEvents(t *testing.T) {
	w := &recordingWriter{}
	p := NewKafkaProducerWithWriter(w, config.AuditConfig{BufferSize: 4, SigningKey: "s3cret"}, logger.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.PublishBlocked(context.Background(), blockedEvent("e1"))
	require.Eventually(t, func() bool { return len(w.written()) == 1 }, 2*time.Second, 5*time.Millisecond)

	msg := w.written()[0]
	assert.Equal(t, "ip:10.0.0.1", string(msg.Key))
	var got models.BlockedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "e1", got.EventID)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, SignatureHeader, msg.Headers[0].Key)
	assert.True(t, VerifyPayload(msg.Value, string(msg.Headers[0].Value), "s3cret"))
	assert.False(t, VerifyPayload(msg.Value, string(msg.Headers[0].Value), "other"))

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, p.Close(context.Background()))
	assert.True(t, w.closed)
}

func TestKafkaProducer_DropsWhenFull(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{})}
	p := NewKafkaProducerWithWriter(w, config.AuditConfig{BufferSize: 2, WriteTimeout: time.Second}, nil)

	// Without a running consumer the buffer fills after two events.
	start := time.Now()
	for i := 0; i < 5; i++ {
		p.PublishBlocked(context.Background(), blockedEvent("e"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "publishing must not block")
	assert.Equal(t, int64(3), p.Dropped())

	close(w.block)
	go func() { _ = p.Run(context.Background()) }()
	require.Eventually(t, func() bool { return len(w.written()) == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	p.PublishBlocked(context.Background(), blockedEvent("late"))
	assert.Equal(t, int64(4), p.Dropped())
}

func TestKafkaProducer_WriteErrorsAreSwallowed(t *testing.T) {
	w := &recordingWriter{err: stderrors.New("broker down")}
	p := NewKafkaProducerWithWriter(w, config.AuditConfig{}, nil)
	p.PublishBlocked(context.Background(), blockedEvent("e1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx), "a cancelled run still flushes the buffer")
	assert.Len(t, w.written(), 1)
	assert.Empty(t, w.written()[0].Headers)
}

// Package audit publishes blocked-request events to Kafka.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/turtacn/ratelimit-gateway/internal/config"
	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/internal/domain/service"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

var _ service.EventPublisher = (*KafkaProducer)(nil)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer is an asynchronous, bounded EventPublisher. PublishBlocked
// never blocks the request path: when the buffer is full the event is dropped
// and counted.
type KafkaProducer struct {
	writer       MessageWriter
	events       chan *models.BlockedEvent
	signingKey   string
	writeTimeout time.Duration
	logger       logger.Logger

	started  atomic.Bool
	dropped  atomic.Int64
	dropLog  rate.Sometimes
	closing  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewKafkaProducer creates a producer writing to cfg.Topic on cfg.Brokers.
func NewKafkaProducer(cfg config.AuditConfig, log logger.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaProducerWithWriter(writer, cfg, log)
}

// NewKafkaProducerWithWriter uses w instead of dialing brokers.
func NewKafkaProducerWithWriter(w MessageWriter, cfg config.AuditConfig, log logger.Logger) *KafkaProducer {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaProducer{
		writer:       w,
		events:       make(chan *models.BlockedEvent, size),
		signingKey:   cfg.SigningKey,
		writeTimeout: timeout,
		logger:       log.WithComponent("KafkaProducer"),
		dropLog:      rate.Sometimes{Interval: 10 * time.Second},
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// PublishBlocked enqueues event without blocking.
func (p *KafkaProducer) PublishBlocked(ctx context.Context, event *models.BlockedEvent) {
	select {
	case <-p.closing:
		p.drop(ctx)
		return
	default:
	}
	select {
	case p.events <- event:
	default:
		p.drop(ctx)
	}
}

func (p *KafkaProducer) drop(ctx context.Context) {
	n := p.dropped.Add(1)
	p.dropLog.Do(func() {
		p.logger.Warn(ctx, "audit buffer full, dropping blocked events", logger.Int64("dropped_total", n))
	})
}

// Dropped returns how many events were discarded.
func (p *KafkaProducer) Dropped() int64 {
	return p.dropped.Load()
}

// Run writes queued events until ctx is cancelled or Close is called, then
// flushes what is still buffered.
func (p *KafkaProducer) Run(ctx context.Context) error {
	p.started.Store(true)
	defer close(p.done)
	for {
		select {
		case ev := <-p.events:
			p.write(context.Background(), ev)
		case <-ctx.Done():
			p.flush()
			return nil
		case <-p.closing:
			p.flush()
			return nil
		}
	}
}

func (p *KafkaProducer) flush() {
	for {
		select {
		case ev := <-p.events:
			p.write(context.Background(), ev)
		default:
			return
		}
	}
}

func (p *KafkaProducer) write(ctx context.Context, event *models.BlockedEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal blocked event", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.Subject),
		Value: payload,
		Time:  event.Timestamp,
	}
	if p.signingKey != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: SignatureHeader, Value: []byte(SignPayload(payload, p.signingKey))})
	}

	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error(ctx, "failed to write blocked event to Kafka", err,
			logger.String("event_id", event.EventID))
	}
}

// Close stops Run, waits for the buffer to drain and closes the writer.
func (p *KafkaProducer) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.closing) })
	if p.started.Load() {
		select {
		case <-p.done:
		case <-ctx.Done():
		}
	}
	return p.writer.Close()
}

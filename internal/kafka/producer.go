package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

// AssessmentProducer publishes composite risk assessments to the
// assessments topic, keyed by organization so downstream consumers see
// per-org ordering.
type AssessmentProducer struct {
	writer  *kafka.Writer
	config  *Config
	logger  *slog.Logger
	metrics *producerMetrics
	closed  atomic.Bool
}

type producerMetrics struct {
	messagesProduced atomic.Int64
	bytesProduced    atomic.Int64
	errors           atomic.Int64
	retries          atomic.Int64
	lastError        atomic.Value // stores error
	lastErrorTime    atomic.Value // stores time.Time
}

// AssessmentEnvelope is the wire format for one published batch result.
type AssessmentEnvelope struct {
	BatchID     uuid.UUID                        `json:"batch_id"`
	OrgID       string                           `json:"org_id"`
	Assessments []schema.CompositeRiskAssessment `json:"assessments"`
	ProducedAt  time.Time                        `json:"produced_at"`
}

// NewAssessmentProducer creates a producer bound to the assessments topic.
func NewAssessmentProducer(config *Config, logger *slog.Logger) (*AssessmentProducer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.AssessmentsTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.ProducerBatchSize,
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  config.ProducerMaxRetries,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	p := &AssessmentProducer{
		writer:  writer,
		config:  config,
		logger:  logger,
		metrics: &producerMetrics{},
	}

	logger.Info("kafka assessment producer initialized",
		"brokers", config.Brokers,
		"topic", config.AssessmentsTopic,
		"compression", config.CompressionType,
	)

	return p, nil
}

// PublishAssessments sends one batch result as a single message keyed by
// org ID. Empty assessment slices are skipped.
func (p *AssessmentProducer) PublishAssessments(ctx context.Context, batchID uuid.UUID, orgID string, assessments []schema.CompositeRiskAssessment) error {
	if len(assessments) == 0 {
		return nil
	}

	env := AssessmentEnvelope{
		BatchID:     batchID,
		OrgID:       orgID,
		Assessments: assessments,
		ProducedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal assessments: %w", err)
	}

	return p.Produce(ctx, []byte(orgID), data)
}

// Produce sends a single raw message to the assessments topic.
func (p *AssessmentProducer) Produce(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}

	return p.produceMessages(ctx, msg)
}

// produceMessages sends messages with retry and exponential backoff.
func (p *AssessmentProducer) produceMessages(ctx context.Context, messages ...kafka.Message) error {
	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.retries.Add(1)
			p.logger.Debug("retrying kafka produce",
				"attempt", attempt,
				"backoff", backoff,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, messages...)
		if err == nil {
			for _, msg := range messages {
				p.metrics.messagesProduced.Add(1)
				p.metrics.bytesProduced.Add(int64(len(msg.Value) + len(msg.Key)))
			}
			return nil
		}

		lastErr = err
		p.recordError(err)

		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// recordError tracks a produce failure. The stored error is scrubbed of
// connection details since it travels out through GetMetrics and health
// endpoints.
func (p *AssessmentProducer) recordError(err error) {
	p.metrics.errors.Add(1)
	p.metrics.lastError.Store(bserrors.SanitizeError(err))
	p.metrics.lastErrorTime.Store(time.Now())
}

// GetMetrics returns current producer metrics.
func (p *AssessmentProducer) GetMetrics() Metrics {
	m := Metrics{
		MessagesProduced: p.metrics.messagesProduced.Load(),
		BytesProduced:    p.metrics.bytesProduced.Load(),
		Errors:           p.metrics.errors.Load(),
		Retries:          p.metrics.retries.Load(),
	}

	if err := p.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := p.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Stats returns internal writer statistics.
func (p *AssessmentProducer) Stats() kafka.WriterStats {
	return p.writer.Stats()
}

// HealthCheck verifies the producer can connect to Kafka.
func (p *AssessmentProducer) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		LastCheck: time.Now(),
	}

	if p.closed.Load() {
		status.Error = "producer is closed"
		return status
	}

	start := time.Now()

	dialer, err := p.config.GetDialer()
	if err != nil {
		status.Error = fmt.Sprintf("failed to create dialer: %v", err)
		return status
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		status.Error = bserrors.SanitizeString(fmt.Sprintf("failed to connect: %v", err))
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("failed to get brokers: %v", err)
		return status
	}

	status.Latency = time.Since(start)
	status.Connected = true
	status.Healthy = true
	status.BrokerCount = len(brokers)

	return status
}

// Close closes the producer and flushes any buffered messages.
func (p *AssessmentProducer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	p.logger.Info("closing kafka assessment producer",
		"messages_produced", p.metrics.messagesProduced.Load(),
		"bytes_produced", p.metrics.bytesProduced.Load(),
	)

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}

	return nil
}

// isNonRetryableError checks if an error should not be retried.
func isNonRetryableError(err error) bool {
	switch err {
	case kafka.MessageSizeTooLarge:
		return true
	case kafka.InvalidTopic:
		return true
	case kafka.TopicAuthorizationFailed:
		return true
	case kafka.GroupAuthorizationFailed:
		return true
	case kafka.ClusterAuthorizationFailed:
		return true
	}
	return false
}

// Common errors
var (
	ErrProducerClosed = fmt.Errorf("kafka: producer is closed")
	ErrConsumerClosed = fmt.Errorf("kafka: consumer is closed")
)

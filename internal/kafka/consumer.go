package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

// BatchSubmitter accepts grouped candidate batches for detection. The
// orchestrator implements this; a capacity error means the admission queue
// is full and the message should be redelivered.
type BatchSubmitter interface {
	Submit(batch *schema.Batch) error
}

// EventConsumer reads normalized activity events from the events topic,
// groups them into automation candidates per organization, and submits
// them to the detection engine. Each Kafka message carries a JSON array
// of events.
type EventConsumer struct {
	reader    *kafka.Reader
	config    *Config
	logger    *slog.Logger
	submitter BatchSubmitter
	validator *schema.Validator
	metrics   *consumerMetrics
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	started   atomic.Bool
}

type consumerMetrics struct {
	messagesConsumed atomic.Int64
	bytesConsumed    atomic.Int64
	eventsAccepted   atomic.Int64
	eventsRejected   atomic.Int64
	batchesSubmitted atomic.Int64
	errors           atomic.Int64
	lastOffset       atomic.Int64
	lastError        atomic.Value
	lastErrorTime    atomic.Value
}

// NewEventConsumer creates a consumer bound to the events topic.
func NewEventConsumer(config *Config, submitter BatchSubmitter, logger *slog.Logger) (*EventConsumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if submitter == nil {
		return nil, errors.New("kafka: batch submitter is required")
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          config.Brokers,
		GroupID:          config.ConsumerGroup,
		Topic:            config.EventsTopic,
		Dialer:           dialer,
		MinBytes:         config.ConsumerMinBytes,
		MaxBytes:         config.ConsumerMaxBytes,
		MaxWait:          config.ConsumerMaxWait,
		CommitInterval:   config.CommitInterval,
		StartOffset:      config.StartOffset,
		SessionTimeout:   config.SessionTimeout,
		RebalanceTimeout: config.RebalanceTimeout,
		ReadBackoffMin:   100 * time.Millisecond,
		ReadBackoffMax:   time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())

	c := &EventConsumer{
		reader:    reader,
		config:    config,
		logger:    logger,
		submitter: submitter,
		validator: schema.NewValidator(),
		metrics:   &consumerMetrics{},
		ctx:       ctx,
		cancel:    cancel,
	}

	logger.Info("kafka event consumer initialized",
		"brokers", config.Brokers,
		"topic", config.EventsTopic,
		"group", config.ConsumerGroup,
	)

	return c, nil
}

// Start begins consuming messages. This is a blocking call.
// Use StartAsync for non-blocking consumption.
func (c *EventConsumer) Start() error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.logger.Info("starting kafka event consumer",
		"topic", c.config.EventsTopic,
		"group", c.config.ConsumerGroup,
	)

	return c.consumeLoop()
}

// StartAsync begins consuming messages in a goroutine.
func (c *EventConsumer) StartAsync() error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	return nil
}

func (c *EventConsumer) consumeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		kafkaMsg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			c.recordError(err)

			c.logger.Error("failed to fetch message",
				"error", err,
				"topic", c.config.EventsTopic,
			)

			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.processMessage(kafkaMsg.Value); err != nil {
			c.logger.Error("failed to process message",
				"error", err,
				"partition", kafkaMsg.Partition,
				"offset", kafkaMsg.Offset,
			)
			// Leave the offset uncommitted so the message is redelivered.
			continue
		}

		if err := c.reader.CommitMessages(c.ctx, kafkaMsg); err != nil {
			c.logger.Error("failed to commit offset",
				"error", err,
				"offset", kafkaMsg.Offset,
			)
		}

		c.metrics.messagesConsumed.Add(1)
		c.metrics.bytesConsumed.Add(int64(len(kafkaMsg.Value) + len(kafkaMsg.Key)))
		c.metrics.lastOffset.Store(kafkaMsg.Offset)
	}
}

// recordError tracks a fetch failure. The stored error is scrubbed of
// connection details since it travels out through GetMetrics and health
// endpoints.
func (c *EventConsumer) recordError(err error) {
	c.metrics.errors.Add(1)
	c.metrics.lastError.Store(bserrors.SanitizeError(err))
	c.metrics.lastErrorTime.Store(time.Now())
}

// processMessage decodes an event array, drops invalid events, and submits
// one candidate batch per organization. A full admission queue is the only
// retryable submit failure.
func (c *EventConsumer) processMessage(payload []byte) error {
	var events []schema.Event
	if err := json.Unmarshal(payload, &events); err != nil {
		c.metrics.errors.Add(1)
		// Malformed payloads cannot succeed on redelivery.
		c.logger.Warn("dropping undecodable message", "error", err)
		return nil
	}

	valid := events[:0]
	for i := range events {
		if err := c.validator.Validate(&events[i]); err != nil {
			c.metrics.eventsRejected.Add(1)
			c.logger.Warn("dropping invalid event",
				"event_id", events[i].EventID,
				"error", err,
			)
			continue
		}
		valid = append(valid, events[i])
	}
	if len(valid) == 0 {
		return nil
	}
	c.metrics.eventsAccepted.Add(int64(len(valid)))

	for _, batch := range GroupEvents(valid) {
		if err := c.submitter.Submit(batch); err != nil {
			if bserrors.IsCapacityExceeded(err) {
				c.metrics.errors.Add(1)
				return err
			}
			// Anything else (oversized batch, bad input) is not retryable.
			c.metrics.errors.Add(1)
			c.logger.Warn("batch rejected by engine",
				"org_id", batch.OrgID,
				"error", err,
			)
			continue
		}
		c.metrics.batchesSubmitted.Add(1)
	}

	return nil
}

// GroupEvents groups validated events into one batch per organization,
// with one automation candidate per actor. Candidate order inside a batch
// and batch order in the result are deterministic.
func GroupEvents(events []schema.Event) []*schema.Batch {
	type key struct {
		org   string
		actor string
	}

	byActor := make(map[key][]schema.Event)
	for _, ev := range events {
		k := key{org: ev.OrgID, actor: ev.Actor.ID}
		byActor[k] = append(byActor[k], ev)
	}

	byOrg := make(map[string][]schema.AutomationCandidate)
	for k, evs := range byActor {
		byOrg[k.org] = append(byOrg[k.org], schema.AutomationCandidate{
			AutomationID: k.actor,
			OrgID:        k.org,
			Events:       evs,
		})
	}

	orgs := make([]string, 0, len(byOrg))
	for org := range byOrg {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	batches := make([]*schema.Batch, 0, len(orgs))
	for _, org := range orgs {
		candidates := byOrg[org]
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].AutomationID < candidates[j].AutomationID
		})
		batches = append(batches, schema.NewBatch(org, candidates))
	}
	return batches
}

// GetMetrics returns current consumer metrics.
func (c *EventConsumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.metrics.messagesConsumed.Load(),
		BytesConsumed:    c.metrics.bytesConsumed.Load(),
		EventsAccepted:   c.metrics.eventsAccepted.Load(),
		EventsRejected:   c.metrics.eventsRejected.Load(),
		BatchesSubmitted: c.metrics.batchesSubmitted.Load(),
		Errors:           c.metrics.errors.Load(),
	}

	if err := c.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := c.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Stats returns internal reader statistics.
func (c *EventConsumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}

// HealthCheck verifies the consumer can connect to Kafka.
func (c *EventConsumer) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		LastCheck: time.Now(),
	}

	if c.closed.Load() {
		status.Error = "consumer is closed"
		return status
	}

	start := time.Now()

	dialer, err := c.config.GetDialer()
	if err != nil {
		status.Error = fmt.Sprintf("failed to create dialer: %v", err)
		return status
	}

	conn, err := dialer.DialContext(ctx, "tcp", c.config.Brokers[0])
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
	status.Healthy = c.started.Load() && !c.closed.Load()
	status.BrokerCount = len(brokers)

	return status
}

// Stop gracefully stops the consumer.
func (c *EventConsumer) Stop() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	c.logger.Info("stopping kafka event consumer",
		"messages_consumed", c.metrics.messagesConsumed.Load(),
		"events_accepted", c.metrics.eventsAccepted.Load(),
	)

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}

	return nil
}

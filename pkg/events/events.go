// Package events publishes run-completed notifications so downstream
// consumers can react to fresh data without polling.
package events

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/metrics"
)

// Run outcomes
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// MappingResult summarises one mapping within a run
type MappingResult struct {
	Name    string `json:"name"`
	Fetched int    `json:"fetched"`
	Saved   int    `json:"saved"`
	Error   string `json:"error,omitempty"`
}

// RunEvent is published once per finished run
type RunEvent struct {
	JobID      string          `json:"jobId"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Resync     bool            `json:"resync"`
	Mappings   []MappingResult `json:"mappings"`
}

// Publisher delivers run events
type Publisher interface {
	Publish(ctx context.Context, event RunEvent) error
	Close() error
}

// Nop discards events
type Nop struct{}

// Publish does nothing
func (Nop) Publish(context.Context, RunEvent) error { return nil }

// Close does nothing
func (Nop) Close() error { return nil }

// KafkaPublisher writes events to a Kafka topic, keyed by job id
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher connects a synchronous producer to the configured brokers
func NewKafkaPublisher(cfg config.EventsConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "events.brokers is required")
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "create kafka producer").
			WithDetail("brokers", cfg.Brokers)
	}
	return NewKafkaPublisherWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With(zap.String("component", "kafka_publisher"), zap.String("topic", topic)),
	}
}

func saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "crmsync"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Compression = sarama.CompressionGZIP
	return cfg
}

// Publish sends event and waits for the broker acknowledgement
func (p *KafkaPublisher) Publish(_ context.Context, event RunEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode run event")
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.JobID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
			{Key: []byte("status"), Value: []byte(event.Status)},
		},
		Timestamp: event.FinishedAt,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(metrics.StatusFailure).Inc()
		return errors.Wrap(err, errors.ErrorTypeConnection, "publish run event").
			WithDetail("job_id", event.JobID)
	}

	metrics.EventsPublished.WithLabelValues(metrics.StatusSuccess).Inc()
	p.logger.Debug("run event published",
		zap.String("job_id", event.JobID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close closes the producer
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// FromConfig returns a Kafka publisher when events are enabled and Nop otherwise
func FromConfig(cfg config.EventsConfig, logger *zap.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewKafkaPublisher(cfg, logger)
}

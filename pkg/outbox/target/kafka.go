package target

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/foundry-forge/oms/pkg/outbox/cloudevents"
)

// KafkaConfig configures the event-log target.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaTarget appends every published event to a Kafka/Redpanda topic in
// structured mode, giving downstream consumers a replayable archive. The
// record key is the partition key so ordering holds per branch (or per job).
type KafkaTarget struct {
	client *kgo.Client
	topic  string
	logger hclog.Logger
}

// NewKafkaTarget creates the event-log target.
func NewKafkaTarget(cfg KafkaConfig, logger hclog.Logger) (*KafkaTarget, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
		kgo.RetryBackoffFn(func(tries int) time.Duration {
			backoff := time.Duration(tries) * 100 * time.Millisecond
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
			return backoff
		}),
		kgo.RequestRetries(10),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaTarget{
		client: client,
		topic:  cfg.Topic,
		logger: logger.Named("event-log-target"),
	}, nil
}

// Platform implements Target.
func (t *KafkaTarget) Platform() Platform { return PlatformEventLog }

// Publish implements Target.
func (t *KafkaTarget) Publish(ctx context.Context, e *cloudevents.Event) error {
	body, err := e.EncodeStructured()
	if err != nil {
		return err
	}

	record := &kgo.Record{
		Topic: t.topic,
		Key:   []byte(PartitionKey(e)),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "ce-id", Value: []byte(e.ID)},
			{Key: "ce-type", Value: []byte(e.Type)},
		},
	}

	if err := t.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to event log: %w", err)
	}

	t.logger.Debug("archived event",
		"topic", t.topic,
		"event_id", e.ID,
		"partition_key", string(record.Key),
	)
	return nil
}

// HealthCheck implements Target.
func (t *KafkaTarget) HealthCheck(ctx context.Context) error {
	if err := t.client.Ping(ctx); err != nil {
		return fmt.Errorf("event log unavailable: %w", err)
	}
	return nil
}

// Close implements Target.
func (t *KafkaTarget) Close() {
	t.client.Close()
}

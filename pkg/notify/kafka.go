package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// KafkaConfig holds configuration for the Kafka dispatcher
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	RetryMax int
	Timeout  time.Duration
}

// KafkaDispatcher publishes notifications to a Kafka topic consumed by the
// delivery workers
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaDispatcher connects a synchronous producer to the brokers
func NewKafkaDispatcher(cfg KafkaConfig) (*KafkaDispatcher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.RetryMax
	saramaConfig.Producer.Timeout = cfg.Timeout
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1
	// Same recipient, same partition
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaDispatcherWithProducer(producer, cfg.Topic), nil
}

// NewKafkaDispatcherWithProducer wraps an existing producer
func NewKafkaDispatcherWithProducer(producer sarama.SyncProducer, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer, topic: topic}
}

func (d *KafkaDispatcher) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(msg.RecipientEmail),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(msg.Kind)},
		},
		Timestamp: msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to send notification to Kafka: %w", err)
	}
	return nil
}

func (d *KafkaDispatcher) GetName() string { return "kafka" }

// Close closes the Kafka producer
func (d *KafkaDispatcher) Close() error {
	if err := d.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

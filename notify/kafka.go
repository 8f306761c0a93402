package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

// DefaultTopic is the Kafka topic events go to when none is configured.
const DefaultTopic = "membership-events"

// Kafka publishes events with a synchronous producer. Messages are keyed by
// subscription so one member's events stay ordered within a partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafka connects a sync producer to brokers.
func NewKafka(brokers []string, topic string, logger *slog.Logger) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	k := newKafka(producer, topic, logger)
	k.logger.Info("Kafka event dispatcher connected", "brokers", brokers, "topic", k.topic)
	return k, nil
}

func newKafka(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Kafka {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{producer: producer, topic: topic, logger: logger}
}

func (k *Kafka) Dispatch(_ context.Context, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	key := ev.SubscriptionID
	if key == "" {
		key = ev.TransactionID
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(ev.Type)},
			{Key: []byte("event-id"), Value: []byte(ev.ID)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send event to topic %q: %w", k.topic, err)
	}
	k.logger.Debug("Event sent to Kafka", "topic", k.topic, "partition", partition, "offset", offset, "id", ev.ID)
	return nil
}

// Close shuts the producer down.
func (k *Kafka) Close() error {
	if err := k.producer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

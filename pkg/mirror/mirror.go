// Package mirror republishes delivered readings to Kafka so downstream
// consumers see exactly what sessions saw.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"github.com/alimk/power-telemetry-hub/pkg/models"
)

const DefaultTopic = "power-readings-enriched"

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Kafka publishes one message per reading, keyed by device id so a
// device's readings stay ordered within a partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafka(cfg Config) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("mirror: at least one broker is required")
	}
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 3
	sc.Producer.Timeout = 5 * time.Second
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewFromProducer(producer, cfg.Topic), nil
}

func NewFromProducer(p sarama.SyncProducer, topic string) *Kafka {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Kafka{producer: p, topic: topic}
}

// Publish sends batch in order. The context is unused: sarama bounds each
// send with Producer.Timeout.
func (k *Kafka) Publish(_ context.Context, batch []models.Reading) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(batch))
	for _, r := range batch {
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal reading %s: %w", r.ID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     k.topic,
			Key:       sarama.StringEncoder(r.DeviceID),
			Value:     sarama.ByteEncoder(value),
			Timestamp: r.Timestamp,
		})
	}
	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("publish %d readings to %s: %w", len(msgs), k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}

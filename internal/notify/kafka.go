package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Kafka publishes every event as JSON, keyed by run id so one run's events
// land on one partition in order.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates a producer for cfg. It does not dial until the first write.
func NewKafka(cfg KafkaConfig, log logrus.FieldLogger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: brokers and topic are required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: timeout,
		RequiredAcks: kafka.RequireAll,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.WithField("component", "kafka-writer").Debugf(msg, args...)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.WithField("component", "kafka-writer").Errorf(msg, args...)
		}),
	}
	return &Kafka{writer: w}, nil
}

func (k *Kafka) Name() string { return "kafka:" + k.writer.Topic }

func (k *Kafka) Accepts(Event) bool { return true }

func (k *Kafka) Notify(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.RunID),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "urgency", Value: []byte(event.Urgency)},
		},
	})
}

// Close flushes pending writes.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

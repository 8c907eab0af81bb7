package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel publishes records to the consumer's topic, keyed by record
// key so a partition sees each bucket in order.
type KafkaChannel struct {
	writer messageWriter
}

// NewKafkaChannel returns nil when no brokers are configured.
func NewKafkaChannel(brokers []string) *KafkaChannel {
	if len(brokers) == 0 {
		return nil
	}
	return &KafkaChannel{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Gzip,
		MaxAttempts:            1,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (k *KafkaChannel) Name() string { return "kafka" }

func (k *KafkaChannel) Enabled(_ context.Context, c domain.Consumer) bool {
	return k != nil && k.writer != nil && c.KafkaTopic != ""
}

func (k *KafkaChannel) Send(ctx context.Context, c domain.Consumer, rec domain.SignalRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kafka: marshal record: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: c.KafkaTopic,
		Key:   []byte(rec.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "consumer_id", Value: []byte(c.ID)},
			{Key: "record_type", Value: []byte(rec.RecordType)},
		},
		Time: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", c.KafkaTopic, err)
	}
	return nil
}

func (k *KafkaChannel) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Package events publishes reconciliation reports to Kafka
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aidin1998/benchsync/internal/reconcile"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventType is carried in the event-type header of every message.
const EventType = "reconcile.report"

// MessageWriter is the part of *kafka.Writer the publisher uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements reconcile.Publisher for Apache Kafka
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
	log    *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to topic on brokers
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}, topic, log)
}

// NewKafkaPublisherWithWriter creates a publisher over an existing writer
func NewKafkaPublisherWithWriter(w MessageWriter, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, log: log.Named("events")}
}

// Publish writes the report as JSON keyed by the pass start time
func (k *KafkaPublisher) Publish(ctx context.Context, report reconcile.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	k.log.Debug("publishing report to kafka",
		zap.String("topic", k.topic),
		zap.Int("event_size", len(data)),
	)

	msg := kafka.Message{
		Key:   []byte(report.StartedAt.UTC().Format(time.RFC3339Nano)),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventType)},
			{Key: "outcome", Value: []byte(report.Outcome())},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes pending messages
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/brikpay/refund-params/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Handle publishes the event as JSON keyed by the written level so events
// for one key stay ordered within a partition.
func (s *KafkaSink) Handle(ctx context.Context, ev model.ParameterEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Key()),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// LogSink writes an audit line per event.
func LogSink(_ context.Context, ev model.ParameterEvent) error {
	e := log.Info().
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Str("parameter", ev.ParameterName).
		Str("entity_type", string(ev.EntityType)).
		Str("entity_id", ev.EntityID).
		Str("actor", ev.Actor)
	if ev.Before != nil {
		e = e.Int("before_version", ev.Before.Version)
	}
	if ev.After != nil {
		e = e.Int("after_version", ev.After.Version)
	}
	e.Msg("parameter event")
	return nil
}

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ashureev/otp-registrar/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes status events to a Kafka topic keyed by session id.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to topic. Returns nil when brokers or
// topic are empty. Call Close when shutting down.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: writer, timeout: 5 * time.Second}
}

// Handle writes ev to Kafka. It is a bus Handler; failures are logged.
func (k *KafkaSink) Handle(ev domain.StatusEvent) {
	if k == nil || k.writer == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("status event marshal failed", "session_id", ev.SessionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
	}); err != nil {
		slog.Warn("kafka status emit failed", "session_id", ev.SessionID, "status", ev.Status, "error", err)
	}
}

// Close closes the Kafka writer. Safe to call on a nil sink.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

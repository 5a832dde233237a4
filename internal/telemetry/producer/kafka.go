package producer

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"simlab-telemetry/internal/telemetry/domain"
)

// EmitTimeout bounds a single write so a slow broker does not hold up ingest.
const EmitTimeout = 5 * time.Second

// writer is the subset of *kafka.Writer the producer uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements Producer using segmentio/kafka-go.
type KafkaProducer struct {
	writer writer
	topic  string
}

// NewKafkaProducer creates a producer writing records to topic. It returns nil when brokers or
// topic is empty, which disables the fan-out. Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w, topic: topic}
}

// Topic returns the destination topic.
func (p *KafkaProducer) Topic() string {
	if p == nil {
		return ""
	}
	return p.topic
}

// Emit writes the record in its wire JSON form, keyed by session id so a session's records stay
// ordered within one partition.
func (p *KafkaProducer) Emit(ctx context.Context, r *domain.Record) error {
	if p == nil || p.writer == nil || r == nil {
		return nil
	}
	msg, err := Message(r)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, EmitTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		log.Printf("telemetry: kafka emit failed: %v", err)
		return err
	}
	return nil
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}

// Message builds the Kafka message for r.
func Message(r *domain.Record) (kafka.Message, error) {
	value, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(r.SessionID),
		Value: value,
		Time:  r.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(r.EventType())},
		},
	}, nil
}

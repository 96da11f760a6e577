// Package events publishes journal events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"agentbank.org/internal/ledger"
	"agentbank.org/internal/outbox"
)

// Publisher publishes journal events.
type Publisher interface {
	Publish(ctx context.Context, ev ledger.JournalEvent) error
}

// Writer is the subset of *kafka.Writer used here.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ Writer = (*kafka.Writer)(nil)

// Kafka writes events keyed by journal transaction id so every event of one
// transaction lands on the same partition.
type Kafka struct {
	writer Writer
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func NewKafka(w Writer) *Kafka {
	return &Kafka{writer: w}
}

func (k *Kafka) Publish(ctx context.Context, ev ledger.JournalEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.Transaction.ID),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "source_module", Value: []byte(ev.Transaction.SourceModule)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", ev.Type, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Discard drops events; used when no broker is configured.
type Discard struct{}

func (Discard) Publish(context.Context, ledger.JournalEvent) error { return nil }

// Handler delivers deferred events.journal tasks to p.
func Handler(p Publisher) outbox.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var ev ledger.JournalEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return outbox.Permanent(fmt.Errorf("decode journal event: %w", err))
		}
		return p.Publish(ctx, ev)
	}
}

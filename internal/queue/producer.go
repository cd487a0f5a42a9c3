package queue

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher writes one audit message keyed by entry ID.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// KafkaProducer hashes on the entry ID so redeliveries of one entry land on
// the same partition, and waits for all in-sync replicas.
type KafkaProducer struct {
	w *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *KafkaProducer) Close() error { return p.w.Close() }

func (p *KafkaProducer) Publish(ctx context.Context, key string, value []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

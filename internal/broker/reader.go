package broker

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Reader wraps a kafka consumer-group reader with explicit fetch/commit so
// the listener controls acknowledgment: committing a message acks it,
// returning without committing leaves it for broker redelivery.
type Reader struct {
	r *kafka.Reader
}

func NewReader(brokers []string, topic, group string) *Reader {
	return &Reader{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})}
}

// Fetch blocks until a message arrives or ctx is cancelled.
func (r *Reader) Fetch(ctx context.Context) (kafka.Message, error) {
	return r.r.FetchMessage(ctx)
}

// Commit acknowledges the message with the broker.
func (r *Reader) Commit(ctx context.Context, msg kafka.Message) error {
	return r.r.CommitMessages(ctx, msg)
}

func (r *Reader) Close() error { return r.r.Close() }

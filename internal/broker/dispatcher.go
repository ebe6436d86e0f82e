package broker

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Dispatcher owns one kafka writer per topic. It replaces any ambient
// producer state: construct it once in main, hand it to the coordinator and
// the outbox publisher, close it on shutdown.
type Dispatcher struct {
	brokers []string
	timeout time.Duration
	log     *zap.SugaredLogger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewDispatcher constructs a dispatcher. timeout bounds every send so a
// broker outage fails the call instead of blocking the caller indefinitely.
func NewDispatcher(brokers []string, timeout time.Duration, log *zap.SugaredLogger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		brokers: brokers,
		timeout: timeout,
		log:     log,
		writers: make(map[string]*kafka.Writer),
	}
}

// Dispatch sends one message to topic, keyed so that all messages of one
// saga land in the same partition.
func (d *Dispatcher) Dispatch(ctx context.Context, topic, key string, value []byte) error {
	w := d.writer(topic)
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
}

func (d *Dispatcher) writer(topic string) *kafka.Writer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(d.brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	d.writers[topic] = w
	return w
}

// Close shuts down all writers, returning the first error encountered.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for topic, w := range d.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.writers, topic)
	}
	return first
}

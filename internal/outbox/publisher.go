package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campaignkit/saga-service/internal/model"
)

// Dispatcher is the slice of the broker the publisher needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, topic, key string, value []byte) error
}

// Envelope is the wire shape of a published domain event. EventID is the
// deduplication key for consumers; delivery is at-least-once.
type Envelope struct {
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
}

// Options configure a publisher run.
type Options struct {
	BatchSize int
	Interval  time.Duration
	// DryRun sends nothing to the mark step: events are serialized and
	// dispatched but stay unpublished, so the next run sees them again.
	DryRun bool
	// TopicSuffix is appended to the lower-cased aggregate type to form the
	// destination topic.
	TopicSuffix string
}

// Publisher drains the outbox into the broker in batches. A batch is marked
// published only after every send in it succeeded; any send failure aborts
// the batch unmarked so the same events are retried on the next poll.
type Publisher struct {
	store      *Store
	dispatcher Dispatcher
	opts       Options
	log        *zap.SugaredLogger
}

func NewPublisher(store *Store, dispatcher Dispatcher, opts Options, log *zap.SugaredLogger) *Publisher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.TopicSuffix == "" {
		opts.TopicSuffix = ".events"
	}
	return &Publisher{store: store, dispatcher: dispatcher, opts: opts, log: log}
}

// RunOnce processes a single batch and reports how many events it fetched.
// Zero with a nil error means the outbox is drained.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	evts, err := p.store.FetchUnpublished(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch unpublished: %w", err)
	}
	if len(evts) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(evts))
	for _, evt := range evts {
		value, err := json.Marshal(envelope(evt))
		if err != nil {
			return 0, fmt.Errorf("marshal event %s: %w", evt.ID, err)
		}
		if err := p.dispatcher.Dispatch(ctx, p.topicFor(evt), evt.AggregateID, value); err != nil {
			// Abort unmarked: the batch is retried whole on the next poll.
			return 0, fmt.Errorf("send event %s: %w", evt.ID, err)
		}
		ids = append(ids, evt.ID)
	}

	if p.opts.DryRun {
		p.log.Infow("dry-run, batch left unmarked", "events", len(ids))
		return len(evts), nil
	}

	n, err := p.store.MarkPublished(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}
	p.log.Infow("batch published", "sent", len(ids), "marked", n)
	return len(evts), nil
}

// Run polls in a loop until ctx is cancelled. Batch errors are logged and
// retried on the next tick; they never stop the loop.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Errorf("publish batch: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Publisher) topicFor(evt model.OutboxEvent) string {
	return strings.ToLower(evt.AggregateType) + p.opts.TopicSuffix
}

func envelope(evt model.OutboxEvent) Envelope {
	return Envelope{
		EventID:       evt.ID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       json.RawMessage(evt.Payload),
		OccurredAt:    evt.OccurredAt,
		CorrelationID: evt.CorrelationID,
		CausationID:   evt.CausationID,
	}
}

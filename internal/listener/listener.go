package listener

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/campaignkit/saga-service/internal/coordinator"
	"github.com/campaignkit/saga-service/internal/model"
	"github.com/campaignkit/saga-service/internal/sagastore"
)

// Outcome is the result message downstream services publish after working a
// step. State is free vocabulary; it goes through NormalizeStatus before it
// touches the state machine.
type Outcome struct {
	SagaID string          `json:"saga_id"`
	Step   string          `json:"step"`
	State  string          `json:"state"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Reader is the slice of the broker consumer the listener needs.
type Reader interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Listener consumes step outcomes and drives saga state: OK advances or
// completes, FAILED fails and compensates, anything in between leaves the
// saga IN_PROGRESS. One bad message never takes the loop down.
type Listener struct {
	reader     Reader
	store      *sagastore.Store
	coord      *coordinator.Coordinator
	retryDelay time.Duration
	log        *zap.SugaredLogger
}

func New(reader Reader, store *sagastore.Store, coord *coordinator.Coordinator, log *zap.SugaredLogger) *Listener {
	return &Listener{reader: reader, store: store, coord: coord, retryDelay: time.Second, log: log}
}

// Run fetches and processes messages until ctx is cancelled. Messages are
// committed after successful processing or when they are poison (malformed,
// unknown saga); a transient processing failure retries the same message in
// place. Committing an offset acknowledges everything before it, so the
// loop never fetches past a message it has not settled.
func (l *Listener) Run(ctx context.Context) error {
	for {
		msg, err := l.reader.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			l.log.Errorf("fetch outcome: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.retryDelay):
			}
			continue
		}
		for {
			err := l.Handle(ctx, msg.Value)
			if err == nil {
				break
			}
			l.log.Errorw("outcome processing failed, retrying",
				"topic", msg.Topic, "offset", msg.Offset, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.retryDelay):
			}
		}
		if err := l.reader.Commit(ctx, msg); err != nil {
			l.log.Errorf("commit outcome: %v", err)
		}
	}
}

// Handle processes one outcome payload. A nil return means the message is
// settled and may be acknowledged, including the drop cases; a non-nil
// return means processing should be retried via redelivery.
func (l *Listener) Handle(ctx context.Context, value []byte) error {
	var out Outcome
	if err := json.Unmarshal(value, &out); err != nil {
		l.log.Warnw("dropping malformed outcome message", "error", err)
		return nil
	}
	if out.SagaID == "" || out.Step == "" {
		l.log.Warnw("dropping outcome without saga_id or step", "payload", string(value))
		return nil
	}

	state := sagastore.NormalizeStatus(out.State)
	detail := string(out.Detail)
	if err := l.store.SetStepStateByName(ctx, out.SagaID, out.Step, state, detail); err != nil {
		if errors.Is(err, sagastore.ErrSagaNotFound) {
			l.log.Warnw("dropping outcome for unknown saga", "saga_id", out.SagaID, "step", out.Step)
			return nil
		}
		return err
	}
	l.log.Infow("step outcome recorded",
		"saga_id", out.SagaID, "step", out.Step, "raw_state", out.State, "state", state)

	var err error
	switch state {
	case model.StepOK:
		err = l.coord.Advance(ctx, out.SagaID, out.Step)
	case model.StepFailed:
		_, err = l.coord.Fail(ctx, out.SagaID)
	default:
		// Heartbeat-style outcome: the saga stays IN_PROGRESS.
		return nil
	}
	if err != nil {
		// Outcomes outside the definition are protocol noise, not retryable
		// work: compensation commands report back on this topic too, and
		// those step names are not advanced from.
		if errors.Is(err, coordinator.ErrUnknownStep) || errors.Is(err, coordinator.ErrUnknownDefinition) {
			l.log.Warnw("dropping outcome outside saga definition",
				"saga_id", out.SagaID, "step", out.Step, "error", err)
			return nil
		}
		return err
	}
	return nil
}

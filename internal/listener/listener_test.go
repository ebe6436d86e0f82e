package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/campaignkit/saga-service/internal/coordinator"
	"github.com/campaignkit/saga-service/internal/model"
	"github.com/campaignkit/saga-service/internal/sagastore"
)

type sentMsg struct {
	Topic string
	Key   string
	Value []byte
}

type fakeDispatcher struct {
	sent      []sentMsg
	failTopic string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, topic, key string, value []byte) error {
	if topic == f.failTopic {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, sentMsg{Topic: topic, Key: key, Value: value})
	return nil
}

// testRegistry ships the two-step campaign launch plus a one-step payout
// workflow so terminal transitions can be exercised without chaining.
func testRegistry() coordinator.Registry {
	r := coordinator.DefaultRegistry()
	r.Add(coordinator.Definition{
		Name: "affiliate_payout",
		Steps: []coordinator.StepDef{
			{
				Name:                "transfer_funds",
				TargetService:       "payment-service",
				CommandTopic:        "payment.commands",
				Command:             "transfer_funds",
				CompensationCommand: "",
			},
		},
	})
	return r
}

// fakeReader hands out queued messages and records which offsets got
// committed.
type fakeReader struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	commits []int64
}

func (r *fakeReader) push(offset int64, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, kafka.Message{Topic: "saga.step.results", Offset: offset, Value: value})
}

func (r *fakeReader) committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.commits...)
}

func (r *fakeReader) Fetch(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.msgs) > 0 {
			msg := r.msgs[0]
			r.msgs = r.msgs[1:]
			r.mu.Unlock()
			return msg, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *fakeReader) Commit(_ context.Context, msg kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msg.Offset)
	return nil
}

func newTestListener(t *testing.T) (*Listener, *coordinator.Coordinator, *sagastore.Store, *fakeDispatcher) {
	l, coord, store, disp, _ := newTestListenerDB(t)
	return l, coord, store, disp
}

func newTestListenerDB(t *testing.T) (*Listener, *coordinator.Coordinator, *sagastore.Store, *fakeDispatcher, *gorm.DB) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Saga{}, &model.SagaStep{}))
	store, err := sagastore.New(db, nil, zap.NewNop().Sugar())
	assert.NoError(t, err)
	disp := &fakeDispatcher{}
	coord := coordinator.New(store, disp, testRegistry(), zap.NewNop().Sugar())
	return New(nil, store, coord, zap.NewNop().Sugar()), coord, store, disp, db
}

func outcome(sagaID, step, state, detail string) []byte {
	if detail == "" {
		return []byte(fmt.Sprintf(`{"saga_id":%q,"step":%q,"state":%q}`, sagaID, step, state))
	}
	return []byte(fmt.Sprintf(`{"saga_id":%q,"step":%q,"state":%q,"detail":%s}`, sagaID, step, state, detail))
}

func TestHandle_OKCompletesOneStepSaga(t *testing.T) {
	l, coord, store, _ := newTestListener(t)
	ctx := context.Background()

	sagaID, err := coord.StartSaga(ctx, "affiliate_payout", map[string]interface{}{"affiliate_id": "a-1"})
	assert.NoError(t, err)

	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "transfer_funds", "OK", "")))

	snap, err := store.Snapshot(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, snap.State)
	assert.True(t, snap.Terminal)

	steps, err := store.Steps(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.StepOK, steps[0].State)
	assert.NotNil(t, steps[0].FinishedAt)
}

func TestHandle_ErrorFailsOneStepSaga(t *testing.T) {
	l, coord, store, _ := newTestListener(t)
	ctx := context.Background()

	sagaID, err := coord.StartSaga(ctx, "affiliate_payout", nil)
	assert.NoError(t, err)

	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "transfer_funds", "ERROR", `{"reason":"insufficient balance"}`)))

	snap, err := store.Snapshot(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.SagaFailed, snap.State)

	steps, err := store.Steps(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.StepFailed, steps[0].State)
	assert.Contains(t, steps[0].ErrorMessage, "insufficient balance")
}

func TestHandle_OKAdvancesMultiStepSaga(t *testing.T) {
	l, coord, store, disp := newTestListener(t)
	ctx := context.Background()

	sagaID, err := coord.StartSaga(ctx, "campaign_launch", map[string]interface{}{"campaign_id": "c-1"})
	assert.NoError(t, err)
	assert.Len(t, disp.sent, 1)

	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "configure_commissions", "SUCCESS", "")))

	// next step got dispatched, saga still running
	assert.Len(t, disp.sent, 2)
	assert.Equal(t, "affiliate.commands", disp.sent[1].Topic)
	snap, err := store.Snapshot(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.SagaInProgress, snap.State)
}

func TestHandle_FailureTriggersCompensation(t *testing.T) {
	l, coord, store, disp := newTestListener(t)
	ctx := context.Background()

	sagaID, err := coord.StartSaga(ctx, "campaign_launch", map[string]interface{}{"campaign_id": "c-1"})
	assert.NoError(t, err)
	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "configure_commissions", "OK", "")))
	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "search_affiliates", "FAIL", `{"reason":"no matches"}`)))

	snap, err := store.Snapshot(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, snap.State)

	// last dispatched command is the compensation for step 1
	last := disp.sent[len(disp.sent)-1]
	assert.Equal(t, "commission.commands", last.Topic)
	assert.Contains(t, string(last.Value), "unconfigure_commissions")
}

func TestHandle_HeartbeatLeavesSagaInProgress(t *testing.T) {
	l, coord, store, _ := newTestListener(t)
	ctx := context.Background()

	sagaID, err := coord.StartSaga(ctx, "affiliate_payout", nil)
	assert.NoError(t, err)

	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "transfer_funds", "still in progress", "")))

	snap, err := store.Snapshot(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.SagaInProgress, snap.State)
	assert.False(t, snap.Terminal)
}

func TestHandle_MalformedMessageDropped(t *testing.T) {
	l, _, _, _ := newTestListener(t)
	assert.NoError(t, l.Handle(context.Background(), []byte(`{"saga_id": not-json`)))
}

func TestHandle_MissingFieldsDropped(t *testing.T) {
	l, _, _, _ := newTestListener(t)
	assert.NoError(t, l.Handle(context.Background(), []byte(`{"state":"OK"}`)))
}

func TestHandle_UnknownSagaDropped(t *testing.T) {
	l, _, _, _ := newTestListener(t)
	// never retried forever: unknown ids are acknowledged and logged
	assert.NoError(t, l.Handle(context.Background(), outcome("ghost", "transfer_funds", "OK", "")))
}

func TestHandle_CompensationResultDropped(t *testing.T) {
	l, coord, store, _ := newTestListener(t)
	ctx := context.Background()

	// drive the saga through failure into COMPENSATED
	sagaID, err := coord.StartSaga(ctx, "campaign_launch", map[string]interface{}{"campaign_id": "c-1"})
	assert.NoError(t, err)
	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "configure_commissions", "OK", "")))
	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "search_affiliates", "FAIL", "")))
	snap, err := store.Snapshot(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, snap.State)

	// the commission service confirms the compensation; the step name is
	// not in the definition and must be settled, not redelivered forever
	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "unconfigure_commissions", "OK", "")))

	snap, err = store.Snapshot(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, snap.State)
}

func TestHandle_UnknownStepNameDropped(t *testing.T) {
	l, coord, store, _ := newTestListener(t)
	ctx := context.Background()

	sagaID, err := coord.StartSaga(ctx, "campaign_launch", nil)
	assert.NoError(t, err)

	assert.NoError(t, l.Handle(ctx, outcome(sagaID, "not_a_known_step", "OK", "")))

	snap, err := store.Snapshot(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.SagaInProgress, snap.State)
}

func TestRun_RetriesFailedMessageInPlace(t *testing.T) {
	l, coord, store, _, db := newTestListenerDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sagaID, err := coord.StartSaga(ctx, "affiliate_payout", nil)
	assert.NoError(t, err)

	// simulate a transient store outage
	assert.NoError(t, db.Migrator().DropTable(&model.SagaStep{}))

	reader := &fakeReader{}
	reader.push(7, outcome(sagaID, "transfer_funds", "OK", ""))
	l.reader = reader
	l.retryDelay = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	// while the store is down the message must stay uncommitted
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, reader.committed())

	// store comes back: same message is processed and only then committed
	assert.NoError(t, db.AutoMigrate(&model.SagaStep{}))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(reader.committed()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []int64{7}, reader.committed())

	snap, err := store.Snapshot(ctx, sagaID)
	assert.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, snap.State)

	cancel()
	<-done
}

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/campaignkit/saga-service/internal/model"
)

type sentMsg struct {
	Topic string
	Key   string
	Value []byte
}

type fakeDispatcher struct {
	sent    []sentMsg
	failKey string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, topic, key string, value []byte) error {
	if f.failKey != "" && key == f.failKey {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, sentMsg{Topic: topic, Key: key, Value: value})
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.OutboxEvent{}))
	return db
}

func seedEvent(t *testing.T, db *gorm.DB, id string, occurredAt time.Time) {
	evt := &model.OutboxEvent{
		ID:            id,
		AggregateType: "Campaign",
		AggregateID:   "c-1",
		EventType:     "CampaignLaunched",
		Payload:       `{"campaign_id":"c-1"}`,
		OccurredAt:    occurredAt,
	}
	assert.NoError(t, db.Create(evt).Error)
}

func unpublishedCount(t *testing.T, db *gorm.DB) int64 {
	var n int64
	assert.NoError(t, db.Model(&model.OutboxEvent{}).Where("published = ?", false).Count(&n).Error)
	return n
}

func TestPublisher_SendsInOccurrenceOrderAndMarks(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Add(-time.Minute)
	// inserted out of order on purpose
	seedEvent(t, db, "e2", base.Add(10*time.Second))
	seedEvent(t, db, "e1", base)

	disp := &fakeDispatcher{}
	log := zap.NewNop().Sugar()
	pub := NewPublisher(NewStore(db), disp, Options{BatchSize: 10}, log)

	n, err := pub.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, disp.sent, 2)

	var first, second Envelope
	assert.NoError(t, json.Unmarshal(disp.sent[0].Value, &first))
	assert.NoError(t, json.Unmarshal(disp.sent[1].Value, &second))
	assert.Equal(t, "e1", first.EventID)
	assert.Equal(t, "e2", second.EventID)
	assert.Equal(t, "campaign.events", disp.sent[0].Topic)
	assert.Equal(t, int64(0), unpublishedCount(t, db))
}

func TestPublisher_PublishedNeverReselected(t *testing.T) {
	db := newTestDB(t)
	seedEvent(t, db, "e1", time.Now().Add(-time.Minute))

	disp := &fakeDispatcher{}
	pub := NewPublisher(NewStore(db), disp, Options{BatchSize: 10}, zap.NewNop().Sugar())

	n, err := pub.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = pub.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, disp.sent, 1)
}

func TestPublisher_DryRunLeavesEventsUnmarked(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		seedEvent(t, db, fmt.Sprintf("e%d", i+1), base.Add(time.Duration(i)*time.Second))
	}

	disp := &fakeDispatcher{}
	pub := NewPublisher(NewStore(db), disp, Options{BatchSize: 10, DryRun: true}, zap.NewNop().Sugar())

	n, err := pub.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, disp.sent, 3)
	assert.Equal(t, int64(3), unpublishedCount(t, db))
}

func TestPublisher_SendFailureAbortsBatchUnmarked(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Add(-time.Minute)
	evt := &model.OutboxEvent{
		ID: "e1", AggregateType: "Campaign", AggregateID: "c-1",
		EventType: "CampaignLaunched", Payload: `{}`, OccurredAt: base,
	}
	assert.NoError(t, db.Create(evt).Error)
	evt2 := &model.OutboxEvent{
		ID: "e2", AggregateType: "Campaign", AggregateID: "c-2",
		EventType: "CampaignLaunched", Payload: `{}`, OccurredAt: base.Add(time.Second),
	}
	assert.NoError(t, db.Create(evt2).Error)

	disp := &fakeDispatcher{failKey: "c-2"}
	pub := NewPublisher(NewStore(db), disp, Options{BatchSize: 10}, zap.NewNop().Sugar())

	_, err := pub.RunOnce(context.Background())
	assert.Error(t, err)
	// first event was sent but nothing is marked: the batch retries whole
	assert.Len(t, disp.sent, 1)
	assert.Equal(t, int64(2), unpublishedCount(t, db))
}

func TestPublisher_SingleEventBatchesDrainOneByOne(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Add(-time.Minute)
	seedEvent(t, db, "e1", base)
	seedEvent(t, db, "e2", base.Add(10*time.Second))

	disp := &fakeDispatcher{}
	pub := NewPublisher(NewStore(db), disp, Options{BatchSize: 1}, zap.NewNop().Sugar())
	ctx := context.Background()

	n, err := pub.RunOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), unpublishedCount(t, db))

	n, err = pub.RunOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(0), unpublishedCount(t, db))

	n, err = pub.RunOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	var first, second Envelope
	assert.NoError(t, json.Unmarshal(disp.sent[0].Value, &first))
	assert.NoError(t, json.Unmarshal(disp.sent[1].Value, &second))
	assert.Equal(t, "e1", first.EventID)
	assert.Equal(t, "e2", second.EventID)
}

func TestStore_AppendSharesCallerTransaction(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		return store.Append(ctx, tx, &model.OutboxEvent{
			AggregateType: "Campaign", AggregateID: "c-1",
			EventType: "CampaignLaunched", Payload: `{}`,
		})
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), unpublishedCount(t, db))

	// rolled-back transaction leaves no event behind
	boom := errors.New("aggregate write failed")
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := store.Append(ctx, tx, &model.OutboxEvent{
			AggregateType: "Campaign", AggregateID: "c-2",
			EventType: "CampaignLaunched", Payload: `{}`,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), unpublishedCount(t, db))
}

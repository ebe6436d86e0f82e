package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campaignkit/saga-service/internal/model"
)

// Store is the data access layer for the event_outbox table. Aggregate code
// appends rows inside its own transaction; the publisher drains them.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle so callers can open the transaction that
// spans both their aggregate write and Append.
func (s *Store) DB(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }

// Append writes one unpublished event within tx. Pass the same tx as the
// aggregate mutation: either both commit or neither does, which is the whole
// point of the outbox.
func (s *Store) Append(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	return tx.WithContext(ctx).Create(evt).Error
}

// FetchUnpublished returns up to limit unpublished events in occurrence
// order.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := s.db.WithContext(ctx).
		Where("published = ?", false).
		Order("occurred_at").
		Limit(limit).
		Find(&evts).Error
	return evts, err
}

// MarkPublished flips the whole batch in one update. Published never reverts,
// so rows already marked are excluded from the count.
func (s *Store) MarkPublished(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id IN ? AND published = ?", ids, false).
		Updates(map[string]interface{}{"published": true, "published_at": &now})
	return res.RowsAffected, res.Error
}

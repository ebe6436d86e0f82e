package model

import "time"

// OutboxEvent is one row of the transactional outbox. It is written in the
// same database transaction as the aggregate change it announces and flipped
// to published by the publisher process only after the broker confirmed the
// send. Consumers must dedupe on ID: a crash between send and mark means the
// same event can be delivered more than once.
type OutboxEvent struct {
	ID            string    `gorm:"primaryKey;size:36"`
	AggregateType string    `gorm:"size:64;not null"`
	AggregateID   string    `gorm:"size:64;not null"`
	EventType     string    `gorm:"size:64;not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	CorrelationID string    `gorm:"size:36"`
	CausationID   string    `gorm:"size:36"`
	OccurredAt    time.Time `gorm:"not null;index"`
	Published     bool      `gorm:"not null;default:false;index"`
	PublishedAt   *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }

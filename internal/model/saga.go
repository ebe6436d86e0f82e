package model

import "time"

// SagaState is the lifecycle state of a saga.
type SagaState string

const (
	SagaPending      SagaState = "PENDING"
	SagaStarted      SagaState = "STARTED"
	SagaInProgress   SagaState = "IN_PROGRESS"
	SagaCompleted    SagaState = "COMPLETED"
	SagaFailed       SagaState = "FAILED"
	SagaCancelled    SagaState = "CANCELLED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaCompensated  SagaState = "COMPENSATED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SagaState) Terminal() bool {
	switch s {
	case SagaCompleted, SagaFailed, SagaCancelled, SagaCompensated:
		return true
	}
	return false
}

// StepState is the lifecycle state of a single saga step.
type StepState string

const (
	StepPending     StepState = "PENDING"
	StepRunning     StepState = "RUNNING"
	StepOK          StepState = "OK"
	StepFailed      StepState = "FAILED"
	StepCompensated StepState = "COMPENSATED"
)

// Done reports whether the step has left RUNNING for good.
func (s StepState) Done() bool {
	return s == StepOK || s == StepFailed || s == StepCompensated
}

// Saga is the durable record of one workflow instance. Its ID doubles as the
// correlation id on every command and result message of the workflow. Rows
// are never deleted; terminal sagas stay behind as the audit trail.
type Saga struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"size:64;not null"`
	State      string `gorm:"size:32;not null;index"`
	Context    string `gorm:"type:jsonb"`
	StartedAt  time.Time
	FinishedAt *time.Time
}

func (Saga) TableName() string { return "sagas" }

// SagaStep records one dispatched command of a saga, including compensating
// commands, which get their own rows. StepNumber is assigned max+1 within
// the saga, so the ordered step list reads as the execution history.
type SagaStep struct {
	ID            string `gorm:"primaryKey;size:36"`
	SagaID        string `gorm:"size:36;not null;index"`
	StepNumber    int    `gorm:"not null"`
	Name          string `gorm:"size:64;not null"`
	TargetService string `gorm:"size:64"`
	CommandRef    string `gorm:"size:128"`
	State         string `gorm:"size:32;not null"`
	RequestData   string `gorm:"type:jsonb"`
	ResponseData  string `gorm:"type:jsonb"`
	ErrorMessage  string `gorm:"type:text"`
	StartedAt     time.Time
	FinishedAt    *time.Time
}

func (SagaStep) TableName() string { return "saga_steps" }

package sagastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campaignkit/saga-service/internal/model"
)

var (
	ErrSagaNotFound = errors.New("saga not found")
	ErrStepNotFound = errors.New("saga step not found")
)

const stateCacheTTL = 3 * time.Second

// Store owns the physical representation of sagas and steps. All other
// components go through its normalized operations; none of them see column
// names. The column map is resolved once at construction (see columns.go).
//
// The store assumes a single writer per saga: there is no version column on
// the saga row, so two processes updating the same saga concurrently is a
// race, not a supported mode.
type Store struct {
	db  *gorm.DB
	rdb *redis.Client
	cm  *ColumnMap
	log *zap.SugaredLogger
}

// New introspects the live schema and builds the store. rdb may be nil; the
// state cache is then skipped and every State call hits the database.
func New(db *gorm.DB, rdb *redis.Client, log *zap.SugaredLogger) (*Store, error) {
	cm, err := resolveColumns(db)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, rdb: rdb, cm: cm, log: log}, nil
}

// sagaRow/stepRow are scan targets for the aliased selects; field names line
// up with the logical column names.
type sagaRow struct {
	ID         string
	Name       string
	State      string
	Context    string
	StartedAt  time.Time
	FinishedAt *time.Time
}

type stepRow struct {
	ID            string
	SagaID        string
	StepNumber    int
	Name          string
	TargetService string
	CommandRef    string
	State         string
	RequestData   string
	ResponseData  string
	ErrorMessage  string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// Progress is derived, not stored: completed counts steps that reached OK.
type Progress struct {
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	Percent        float64 `json:"percent"`
}

type Snapshot struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	State      model.SagaState `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Terminal   bool            `json:"terminal"`
	Progress   Progress        `json:"progress"`
}

type StepView struct {
	ID            string          `json:"id"`
	StepNumber    int             `json:"step_number"`
	Name          string          `json:"name"`
	TargetService string          `json:"target_service,omitempty"`
	CommandRef    string          `json:"command_ref,omitempty"`
	State         model.StepState `json:"state"`
	RequestData   string          `json:"request_data,omitempty"`
	ResponseData  string          `json:"response_data,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
}

type Detail struct {
	Snapshot Snapshot   `json:"snapshot"`
	Context  string     `json:"context,omitempty"`
	Steps    []StepView `json:"steps"`
}

// InitSaga creates the saga record in STARTED state with the triggering
// payload stored as its context.
func (s *Store) InitSaga(ctx context.Context, id, name string, sagaCtx map[string]interface{}) error {
	b, err := json.Marshal(sagaCtx)
	if err != nil {
		return fmt.Errorf("marshal saga context: %w", err)
	}
	if sagaCtx == nil {
		b = []byte("{}")
	}
	row := map[string]interface{}{
		s.cm.sagaCol(fieldID):        id,
		s.cm.sagaCol(fieldName):      name,
		s.cm.sagaCol(fieldState):     string(model.SagaStarted),
		s.cm.sagaCol(fieldContext):   string(b),
		s.cm.sagaCol(fieldStartedAt): time.Now(),
	}
	return s.db.WithContext(ctx).Table(s.cm.sagaTable).Create(row).Error
}

// SetSagaState writes a new state. Writes against a saga already in a
// terminal state are dropped, which makes terminal transitions idempotent
// under at-least-once message delivery. finished_at is set exactly when the
// saga enters a terminal state. A non-empty message is recorded in the
// context under last_message.
func (s *Store) SetSagaState(ctx context.Context, id string, state model.SagaState, message string) error {
	row, err := s.fetchSaga(ctx, id)
	if err != nil {
		return err
	}
	if model.SagaState(row.State).Terminal() {
		s.log.Debugw("saga already terminal, state write ignored",
			"saga_id", id, "current", row.State, "requested", state)
		return nil
	}
	updates := map[string]interface{}{
		s.cm.sagaCol(fieldState): string(state),
	}
	if state.Terminal() {
		updates[s.cm.sagaCol(fieldFinishedAt)] = time.Now()
	}
	if message != "" {
		var m map[string]interface{}
		if row.Context != "" {
			_ = json.Unmarshal([]byte(row.Context), &m)
		}
		if m == nil {
			m = map[string]interface{}{}
		}
		m["last_message"] = message
		b, _ := json.Marshal(m)
		updates[s.cm.sagaCol(fieldContext)] = string(b)
	}
	err = s.db.WithContext(ctx).Table(s.cm.sagaTable).
		Where(s.cm.sagaCol(fieldID)+" = ?", id).
		Updates(updates).Error
	if err != nil {
		return err
	}
	s.invalidateState(ctx, id)
	return nil
}

// RegisterStep appends a step in PENDING state. Step numbers are assigned
// max+1 within the saga; with a single writer per saga that keeps them
// unique and ordered.
func (s *Store) RegisterStep(ctx context.Context, sagaID, name, targetService, commandRef, requestData string) (string, error) {
	if _, err := s.fetchSaga(ctx, sagaID); err != nil {
		return "", err
	}
	var maxNum int
	err := s.db.WithContext(ctx).Table(s.cm.stepTable).
		Where(s.cm.stepCol(fieldSagaID)+" = ?", sagaID).
		Select("COALESCE(MAX(" + s.cm.stepCol(fieldStepNumber) + "), 0)").
		Row().Scan(&maxNum)
	if err != nil {
		return "", fmt.Errorf("next step number: %w", err)
	}
	stepID := uuid.NewString()
	row := map[string]interface{}{
		s.cm.stepCol(fieldID):            stepID,
		s.cm.stepCol(fieldSagaID):        sagaID,
		s.cm.stepCol(fieldStepNumber):    maxNum + 1,
		s.cm.stepCol(fieldName):          name,
		s.cm.stepCol(fieldTargetService): targetService,
		s.cm.stepCol(fieldCommandRef):    commandRef,
		s.cm.stepCol(fieldState):         string(model.StepPending),
		s.cm.stepCol(fieldRequestData):   requestData,
		s.cm.stepCol(fieldStartedAt):     time.Now(),
	}
	if err := s.db.WithContext(ctx).Table(s.cm.stepTable).Create(row).Error; err != nil {
		return "", err
	}
	return stepID, nil
}

// SetStepStateByID updates one step by its primary key.
func (s *Store) SetStepStateByID(ctx context.Context, stepID string, state model.StepState, detail string) error {
	res := s.db.WithContext(ctx).Table(s.cm.stepTable).
		Where(s.cm.stepCol(fieldID)+" = ?", stepID).
		Updates(s.stepUpdates(state, detail))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStepNotFound
	}
	return nil
}

// SetStepStateByName updates the step matched by saga id and step name,
// creating it first when no row exists. Outcomes can arrive for steps this
// process never registered, e.g. after a restart, and must not be lost.
func (s *Store) SetStepStateByName(ctx context.Context, sagaID, stepName string, state model.StepState, detail string) error {
	if _, err := s.fetchSaga(ctx, sagaID); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Table(s.cm.stepTable).
		Where(s.cm.stepCol(fieldSagaID)+" = ? AND "+s.cm.stepCol(fieldName)+" = ?", sagaID, stepName).
		Updates(s.stepUpdates(state, detail))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	stepID, err := s.RegisterStep(ctx, sagaID, stepName, "", "", "")
	if err != nil {
		return err
	}
	return s.SetStepStateByID(ctx, stepID, state, detail)
}

func (s *Store) stepUpdates(state model.StepState, detail string) map[string]interface{} {
	updates := map[string]interface{}{
		s.cm.stepCol(fieldState): string(state),
	}
	if state.Done() {
		updates[s.cm.stepCol(fieldFinishedAt)] = time.Now()
	}
	if detail != "" {
		if state == model.StepFailed {
			updates[s.cm.stepCol(fieldErrorMessage)] = detail
		} else {
			updates[s.cm.stepCol(fieldResponseData)] = detail
		}
	}
	return updates
}

// Snapshot returns the saga header plus derived progress.
func (s *Store) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	row, err := s.fetchSaga(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		ID:         row.ID,
		Name:       row.Name,
		State:      model.SagaState(row.State),
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
	}
	snap.Terminal = snap.State.Terminal()

	var total, completed int64
	base := s.db.WithContext(ctx).Table(s.cm.stepTable).
		Where(s.cm.stepCol(fieldSagaID)+" = ?", id)
	if err := base.Count(&total).Error; err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Table(s.cm.stepTable).
		Where(s.cm.stepCol(fieldSagaID)+" = ? AND "+s.cm.stepCol(fieldState)+" = ?", id, string(model.StepOK)).
		Count(&completed).Error
	if err != nil {
		return nil, err
	}
	snap.Progress = Progress{TotalSteps: int(total), CompletedSteps: int(completed)}
	if total > 0 {
		snap.Progress.Percent = float64(completed) / float64(total) * 100
	}
	return snap, nil
}

// Steps returns the ordered step list with computed durations. Running steps
// report elapsed time so far.
func (s *Store) Steps(ctx context.Context, id string) ([]StepView, error) {
	if _, err := s.fetchSaga(ctx, id); err != nil {
		return nil, err
	}
	var rows []stepRow
	err := s.db.WithContext(ctx).Table(s.cm.stepTable).
		Select(s.cm.stepSelect()).
		Where(s.cm.stepCol(fieldSagaID)+" = ?", id).
		Order(s.cm.stepCol(fieldStepNumber)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	views := make([]StepView, 0, len(rows))
	for _, r := range rows {
		v := StepView{
			ID:            r.ID,
			StepNumber:    r.StepNumber,
			Name:          r.Name,
			TargetService: r.TargetService,
			CommandRef:    r.CommandRef,
			State:         model.StepState(r.State),
			RequestData:   r.RequestData,
			ResponseData:  r.ResponseData,
			ErrorMessage:  r.ErrorMessage,
			StartedAt:     r.StartedAt,
			FinishedAt:    r.FinishedAt,
		}
		if r.FinishedAt != nil {
			v.DurationMS = r.FinishedAt.Sub(r.StartedAt).Milliseconds()
		} else {
			v.DurationMS = time.Since(r.StartedAt).Milliseconds()
		}
		views = append(views, v)
	}
	return views, nil
}

// Detail returns the snapshot, stored context, and ordered steps.
func (s *Store) Detail(ctx context.Context, id string) (*Detail, error) {
	snap, err := s.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	row, err := s.fetchSaga(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.Steps(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Snapshot: *snap, Context: row.Context, Steps: steps}, nil
}

// State answers only the state string, backed by a short-TTL cache since
// operational tooling polls it aggressively.
func (s *Store) State(ctx context.Context, id string) (model.SagaState, error) {
	key := stateCacheKey(id)
	if s.rdb != nil {
		if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
			return model.SagaState(v), nil
		}
	}
	row, err := s.fetchSaga(ctx, id)
	if err != nil {
		return "", err
	}
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, key, row.State, stateCacheTTL).Err(); err != nil {
			s.log.Warnf("cache saga state: %v", err)
		}
	}
	return model.SagaState(row.State), nil
}

func (s *Store) fetchSaga(ctx context.Context, id string) (*sagaRow, error) {
	var row sagaRow
	err := s.db.WithContext(ctx).Table(s.cm.sagaTable).
		Select(s.cm.sagaSelect()).
		Where(s.cm.sagaCol(fieldID)+" = ?", id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) invalidateState(ctx context.Context, id string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, stateCacheKey(id)).Err(); err != nil {
		s.log.Warnf("invalidate saga state cache: %v", err)
	}
}

func stateCacheKey(id string) string { return "saga:state:" + id }

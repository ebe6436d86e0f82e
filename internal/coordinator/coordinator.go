package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campaignkit/saga-service/internal/model"
	"github.com/campaignkit/saga-service/internal/sagastore"
)

var (
	ErrUnknownDefinition = errors.New("unknown saga definition")
	// ErrUnknownStep marks an outcome for a step name outside the saga's
	// definition. Compensation commands produce such outcomes routinely:
	// their result messages land on the same topic but compensations are
	// never advanced from.
	ErrUnknownStep = errors.New("step not in saga definition")
)

// Dispatcher is the slice of the broker the coordinator needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, topic, key string, value []byte) error
}

// Command is the wire shape of an outgoing step command. SagaID is the
// correlation id the downstream service must echo back in its result
// message.
type Command struct {
	SagaID   string                 `json:"saga_id"`
	Step     string                 `json:"step"`
	Command  string                 `json:"command"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	IssuedAt time.Time              `json:"issued_at"`
}

// CompensationResult records the dispatch outcome of one compensating
// command.
type CompensationResult struct {
	Step    string `json:"step"`
	Command string `json:"command"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

// CompensationReport aggregates per-step compensation results so a partial
// failure is a queryable outcome, not a swallowed log line.
type CompensationReport struct {
	SagaID  string               `json:"saga_id"`
	Results []CompensationResult `json:"results"`
}

// Failed reports whether any compensating dispatch failed.
func (r *CompensationReport) Failed() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return true
		}
	}
	return false
}

// Coordinator turns a business intent into saga and step records and the
// commands announcing them. It executes synchronously in the caller; the
// publisher and listener run their own loops.
type Coordinator struct {
	store      *sagastore.Store
	dispatcher Dispatcher
	defs       Registry
	log        *zap.SugaredLogger
}

func New(store *sagastore.Store, dispatcher Dispatcher, defs Registry, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{store: store, dispatcher: dispatcher, defs: defs, log: log}
}

// StartSaga creates the saga record, dispatches the first step's command and
// moves the saga to IN_PROGRESS. A dispatch failure fails the saga on the
// spot and runs compensation (a no-op for the first step, which cannot have
// succeeded remotely).
func (c *Coordinator) StartSaga(ctx context.Context, defName string, payload map[string]interface{}) (string, error) {
	def, ok := c.defs[defName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDefinition, defName)
	}
	sagaID := uuid.NewString()
	if err := c.store.InitSaga(ctx, sagaID, def.Name, payload); err != nil {
		return "", fmt.Errorf("init saga: %w", err)
	}
	c.log.Infow("saga started", "saga_id", sagaID, "definition", def.Name)

	if err := c.dispatchStep(ctx, sagaID, def.Steps[0], payload); err != nil {
		if _, cerr := c.Compensate(ctx, sagaID); cerr != nil {
			c.log.Errorf("compensate saga %s: %v", sagaID, cerr)
		}
		return sagaID, err
	}
	if err := c.store.SetSagaState(ctx, sagaID, model.SagaInProgress, ""); err != nil {
		return sagaID, err
	}
	return sagaID, nil
}

// Advance reacts to a step that came back OK: either the saga is complete,
// or the next step of the definition is dispatched with the original
// payload. A dispatch failure here fails the saga and compensates the steps
// already done.
func (c *Coordinator) Advance(ctx context.Context, sagaID, completedStep string) error {
	det, err := c.store.Detail(ctx, sagaID)
	if err != nil {
		return err
	}
	def, ok := c.defs[det.Snapshot.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, det.Snapshot.Name)
	}
	idx := def.indexOf(completedStep)
	if idx < 0 {
		return fmt.Errorf("%w: %q in %s", ErrUnknownStep, completedStep, def.Name)
	}
	if idx == len(def.Steps)-1 {
		c.log.Infow("saga completed", "saga_id", sagaID)
		return c.store.SetSagaState(ctx, sagaID, model.SagaCompleted, "")
	}

	var payload map[string]interface{}
	if det.Context != "" {
		if err := json.Unmarshal([]byte(det.Context), &payload); err != nil {
			return fmt.Errorf("decode saga context: %w", err)
		}
	}
	if err := c.dispatchStep(ctx, sagaID, def.Steps[idx+1], payload); err != nil {
		if _, cerr := c.Compensate(ctx, sagaID); cerr != nil {
			c.log.Errorf("compensate saga %s: %v", sagaID, cerr)
		}
		return err
	}
	return nil
}

// Fail marks the saga's failure after a step reported FAILED and triggers
// compensation. The terminal transition happens inside Compensate, which
// settles on COMPENSATED or FAILED depending on what there was to undo.
func (c *Coordinator) Fail(ctx context.Context, sagaID string) (*CompensationReport, error) {
	return c.Compensate(ctx, sagaID)
}

// Compensate undoes the steps that succeeded (or were still in flight), in
// reverse order. Each compensating dispatch gets its own step row. The saga
// ends COMPENSATED when every compensation dispatched cleanly, FAILED when
// there was nothing to undo or a compensating dispatch itself failed; the
// latter is a fail-stop boundary for operators, no automatic retries.
func (c *Coordinator) Compensate(ctx context.Context, sagaID string) (*CompensationReport, error) {
	det, err := c.store.Detail(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	def, ok := c.defs[det.Snapshot.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, det.Snapshot.Name)
	}
	if err := c.store.SetSagaState(ctx, sagaID, model.SagaCompensating, ""); err != nil {
		return nil, err
	}

	report := &CompensationReport{SagaID: sagaID}
	for i := len(det.Steps) - 1; i >= 0; i-- {
		step := det.Steps[i]
		if step.State != model.StepOK && step.State != model.StepRunning {
			continue
		}
		sd := def.step(step.Name)
		if sd == nil || sd.CompensationCommand == "" {
			continue
		}
		res := CompensationResult{Step: step.Name, Command: sd.CompensationCommand}
		if err := c.dispatchCompensation(ctx, sagaID, *sd, step.ID); err != nil {
			res.Err = err
			res.Error = err.Error()
		}
		report.Results = append(report.Results, res)
	}

	switch {
	case report.Failed():
		c.log.Errorw("compensation incomplete, operator attention required", "saga_id", sagaID)
		err = c.store.SetSagaState(ctx, sagaID, model.SagaFailed, "compensation incomplete")
	case len(report.Results) == 0:
		err = c.store.SetSagaState(ctx, sagaID, model.SagaFailed, "")
	default:
		c.log.Infow("saga compensated", "saga_id", sagaID, "compensations", len(report.Results))
		err = c.store.SetSagaState(ctx, sagaID, model.SagaCompensated, "")
	}
	if err != nil {
		return report, err
	}
	return report, nil
}

func (c *Coordinator) dispatchStep(ctx context.Context, sagaID string, step StepDef, payload map[string]interface{}) error {
	cmd := Command{
		SagaID:   sagaID,
		Step:     step.Name,
		Command:  step.Command,
		Payload:  payload,
		IssuedAt: time.Now(),
	}
	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	stepID, err := c.store.RegisterStep(ctx, sagaID, step.Name, step.TargetService, step.CommandTopic, string(value))
	if err != nil {
		return fmt.Errorf("register step %s: %w", step.Name, err)
	}
	if err := c.dispatcher.Dispatch(ctx, step.CommandTopic, sagaID, value); err != nil {
		if serr := c.store.SetStepStateByID(ctx, stepID, model.StepFailed, err.Error()); serr != nil {
			c.log.Errorf("mark step %s failed: %v", stepID, serr)
		}
		return fmt.Errorf("dispatch step %s: %w", step.Name, err)
	}
	c.log.Infow("step dispatched", "saga_id", sagaID, "step", step.Name, "topic", step.CommandTopic)
	return c.store.SetStepStateByID(ctx, stepID, model.StepRunning, "")
}

// dispatchCompensation registers and sends a compensating command. The
// original step flips to COMPENSATED on a clean dispatch.
func (c *Coordinator) dispatchCompensation(ctx context.Context, sagaID string, sd StepDef, originalStepID string) error {
	cmd := Command{
		SagaID:   sagaID,
		Step:     sd.Name,
		Command:  sd.CompensationCommand,
		IssuedAt: time.Now(),
	}
	value, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	stepName := sd.CompensationCommand
	stepID, err := c.store.RegisterStep(ctx, sagaID, stepName, sd.TargetService, sd.CommandTopic, string(value))
	if err != nil {
		return err
	}
	if err := c.dispatcher.Dispatch(ctx, sd.CommandTopic, sagaID, value); err != nil {
		if serr := c.store.SetStepStateByID(ctx, stepID, model.StepFailed, err.Error()); serr != nil {
			c.log.Errorf("mark compensation step %s failed: %v", stepID, serr)
		}
		return err
	}
	if err := c.store.SetStepStateByID(ctx, stepID, model.StepOK, ""); err != nil {
		return err
	}
	return c.store.SetStepStateByID(ctx, originalStepID, model.StepCompensated, "")
}

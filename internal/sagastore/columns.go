package sagastore

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/campaignkit/saga-service/internal/model"
)

// Logical field names used by the store. The physical column behind each is
// resolved once at startup; deployments disagree on naming (id vs saga_id,
// state vs status, ...) and the store must work against all of them.
const (
	fieldID            = "id"
	fieldName          = "name"
	fieldState         = "state"
	fieldContext       = "context"
	fieldStartedAt     = "started_at"
	fieldFinishedAt    = "finished_at"
	fieldSagaID        = "saga_id"
	fieldStepNumber    = "step_number"
	fieldTargetService = "target_service"
	fieldCommandRef    = "command_ref"
	fieldRequestData   = "request_data"
	fieldResponseData  = "response_data"
	fieldErrorMessage  = "error_message"
)

var sagaCandidates = map[string][]string{
	fieldID:         {"id", "saga_id"},
	fieldName:       {"name", "saga_type", "type"},
	fieldState:      {"state", "status"},
	fieldContext:    {"context", "payload", "metadata"},
	fieldStartedAt:  {"started_at", "created_at"},
	fieldFinishedAt: {"finished_at", "completed_at", "ended_at"},
}

var stepCandidates = map[string][]string{
	fieldID:            {"id", "step_id"},
	fieldSagaID:        {"saga_id", "correlation_id"},
	fieldStepNumber:    {"step_number", "seq", "ordinal"},
	fieldName:          {"name", "step_name"},
	fieldTargetService: {"target_service", "service"},
	fieldCommandRef:    {"command_ref", "command", "topic"},
	fieldState:         {"state", "status"},
	fieldRequestData:   {"request_data", "input_data", "request"},
	fieldResponseData:  {"response_data", "output_data", "response"},
	fieldErrorMessage:  {"error_message", "error", "last_error"},
	fieldStartedAt:     {"started_at", "created_at"},
	fieldFinishedAt:    {"finished_at", "completed_at"},
}

// ColumnMap maps the store's logical field names to the physical columns of
// the live schema. Built once by resolveColumns; every query goes through it
// so no SQL in this package assumes a column name at compile time.
type ColumnMap struct {
	sagaTable string
	stepTable string
	saga      map[string]string
	step      map[string]string
}

func resolveColumns(db *gorm.DB) (*ColumnMap, error) {
	cm := &ColumnMap{
		sagaTable: model.Saga{}.TableName(),
		stepTable: model.SagaStep{}.TableName(),
	}
	var err error
	if cm.saga, err = resolveTable(db, &model.Saga{}, sagaCandidates); err != nil {
		return nil, fmt.Errorf("resolve %s columns: %w", cm.sagaTable, err)
	}
	if cm.step, err = resolveTable(db, &model.SagaStep{}, stepCandidates); err != nil {
		return nil, fmt.Errorf("resolve %s columns: %w", cm.stepTable, err)
	}
	return cm, nil
}

func resolveTable(db *gorm.DB, table interface{}, candidates map[string][]string) (map[string]string, error) {
	types, err := db.Migrator().ColumnTypes(table)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(types))
	for _, ct := range types {
		present[strings.ToLower(ct.Name())] = true
	}
	resolved := make(map[string]string, len(candidates))
	for field, names := range candidates {
		for _, name := range names {
			if present[name] {
				resolved[field] = name
				break
			}
		}
		if resolved[field] == "" {
			return nil, fmt.Errorf("no column found for %q (tried %s)", field, strings.Join(names, ", "))
		}
	}
	return resolved, nil
}

func (m *ColumnMap) sagaCol(field string) string { return m.saga[field] }
func (m *ColumnMap) stepCol(field string) string { return m.step[field] }

// sagaSelect aliases physical columns back to logical names, so scan targets
// always use the canonical naming whatever the schema looks like.
func (m *ColumnMap) sagaSelect() string {
	return aliased(m.saga, fieldID, fieldName, fieldState, fieldContext, fieldStartedAt, fieldFinishedAt)
}

func (m *ColumnMap) stepSelect() string {
	return aliased(m.step,
		fieldID, fieldSagaID, fieldStepNumber, fieldName, fieldTargetService,
		fieldCommandRef, fieldState, fieldRequestData, fieldResponseData,
		fieldErrorMessage, fieldStartedAt, fieldFinishedAt)
}

func aliased(cols map[string]string, fields ...string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s AS %s", cols[f], f))
	}
	return strings.Join(parts, ", ")
}

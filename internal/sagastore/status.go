package sagastore

import (
	"strings"

	"github.com/campaignkit/saga-service/internal/model"
)

// Downstream services do not share a status vocabulary; results arrive as
// "OK", "SUCCESS", "ERROR", "fail", and whatever the next team invents.
// exactStatus covers the spellings seen in the wild.
var exactStatus = map[string]model.StepState{
	"OK":          model.StepOK,
	"SUCCESS":     model.StepOK,
	"SUCCEEDED":   model.StepOK,
	"DONE":        model.StepOK,
	"COMPLETED":   model.StepOK,
	"PENDING":     model.StepPending,
	"QUEUED":      model.StepPending,
	"RUNNING":     model.StepRunning,
	"STARTED":     model.StepRunning,
	"IN_PROGRESS": model.StepRunning,
	"PROCESSING":  model.StepRunning,
	"FAILED":      model.StepFailed,
	"FAIL":        model.StepFailed,
	"ERROR":       model.StepFailed,
	"REJECTED":    model.StepFailed,
	"TIMEOUT":     model.StepFailed,
	"COMPENSATED": model.StepCompensated,
	"ROLLED_BACK": model.StepCompensated,
}

// NormalizeStatus maps a free-text status to the canonical step state. Exact
// matches first, then a substring fallback with failure checked before
// success so "NOT FAILED"-style strings cannot sneak through as OK. Anything
// unrecognized is FAILED: a status we cannot read is never treated as
// success.
func NormalizeStatus(raw string) model.StepState {
	u := strings.ToUpper(strings.TrimSpace(raw))
	if st, ok := exactStatus[u]; ok {
		return st
	}
	switch {
	case strings.Contains(u, "FAIL"), strings.Contains(u, "ERR"), strings.Contains(u, "REJECT"):
		return model.StepFailed
	case strings.Contains(u, "COMPENSAT"), strings.Contains(u, "ROLLBACK"):
		return model.StepCompensated
	case strings.Contains(u, "SUCCESS"), strings.Contains(u, "COMPLETE"):
		return model.StepOK
	case strings.Contains(u, "RUNNING"), strings.Contains(u, "PROGRESS"):
		return model.StepRunning
	}
	return model.StepFailed
}

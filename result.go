package saga

import (
	"encoding/json"
	"fmt"
)

// Status is the state of an execution.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// StepOutput is the output of one successful step.
type StepOutput struct {
	Step   StepName        `json:"step"`
	Output json.RawMessage `json:"output"`
}

// Result is the terminal value of an execution.
//
// On success Outputs holds one entry per step in step order. On failure
// Reason, FailedStep and Failure describe what stopped forward progress, and
// Compensated lists, in unwind order, the steps whose undo succeeded.
type Result struct {
	ExecutionID          ExecutionID           `json:"execution_id"`
	SagaType             SagaType              `json:"saga_type"`
	Status               Status                `json:"status"`
	Outputs              []StepOutput          `json:"outputs,omitempty"`
	Reason               string                `json:"reason,omitempty"`
	FailedStep           StepName              `json:"failed_step,omitempty"`
	Failure              *ActivityError        `json:"failure,omitempty"`
	Compensated          []StepName            `json:"compensated,omitempty"`
	CompensationFailures []CompensationFailure `json:"compensation_failures,omitempty"`
}

// Succeeded reports whether every step completed.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Output returns the output of step.
func (r *Result) Output(step StepName) (json.RawMessage, bool) {
	for _, o := range r.Outputs {
		if o.Step == step {
			return o.Output, true
		}
	}
	return nil, false
}

// Decode unmarshals the output of step into v.
func (r *Result) Decode(step StepName, v any) error {
	raw, ok := r.Output(step)
	if !ok {
		return fmt.Errorf("no output found for step %q", step)
	}
	return json.Unmarshal(raw, v)
}

func failureReason(step StepName, failure *ActivityError) string {
	if step == "" {
		return string(FailureCancelled)
	}
	return fmt.Sprintf("step %s failed: %s", step, failure)
}

package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// ActivityName identifies an activity implementation in an ActivityRegistry.
type ActivityName string

// StepName identifies a step within a saga definition.
type StepName string

// SagaType identifies a saga definition.
type SagaType string

// ExecutionID identifies one run of a saga.
type ExecutionID string

// NewExecutionID returns a random execution id.
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.NewString())
}

// Activity is a single unit of externally visible work.
//
// Execute returns the step output, which must be JSON serializable, or an
// error. Errors are classified with AsActivityError; wrap them with Transient
// or Permanent to control retries.
type Activity interface {
	Name() ActivityName
	Execute(ctx context.Context, actx *ActivityContext) (any, error)
}

// ActivityFunc is an Activity backed by an ordinary function.
type ActivityFunc struct {
	name ActivityName
	fn   func(ctx context.Context, actx *ActivityContext) (any, error)
}

// NewActivity wraps fn as an Activity called name.
func NewActivity(name ActivityName, fn func(ctx context.Context, actx *ActivityContext) (any, error)) *ActivityFunc {
	return &ActivityFunc{name: name, fn: fn}
}

// NewTypedActivity wraps a function that takes a decoded step input. Inputs
// that cannot be decoded into I fail permanently.
func NewTypedActivity[I, O any](name ActivityName, fn func(ctx context.Context, actx *ActivityContext, in I) (O, error)) *ActivityFunc {
	return NewActivity(name, func(ctx context.Context, actx *ActivityContext) (any, error) {
		var in I
		if err := actx.Decode(&in); err != nil {
			return nil, Permanent("DecodeError", err)
		}
		return fn(ctx, actx, in)
	})
}

func (a *ActivityFunc) Name() ActivityName {
	return a.name
}

func (a *ActivityFunc) Execute(ctx context.Context, actx *ActivityContext) (any, error) {
	return a.fn(ctx, actx)
}

// String implements the fmt.Stringer interface for ActivityFunc.
func (a *ActivityFunc) String() string {
	return fmt.Sprintf("ActivityFunc[%s]", a.name)
}

// Heartbeat is a progress signal emitted by a running attempt.
type Heartbeat struct {
	ExecutionID ExecutionID
	Step        StepName
	Activity    ActivityName
	Attempt     int
	Payload     any
}

// ActivityContext provides context to individual activity attempts.
type ActivityContext struct {
	ExecutionID ExecutionID
	Step        StepName
	Activity    ActivityName
	Attempt     int
	// StartedAt is when this attempt began, read from the invoker's clock.
	StartedAt time.Time
	Input     json.RawMessage

	outputs   *btree.Map[StepName, json.RawMessage]
	heartbeat func(payload any)
}

// Decode unmarshals the step input into v.
func (ac *ActivityContext) Decode(v any) error {
	if len(ac.Input) == 0 {
		return fmt.Errorf("step %q has no input", ac.Step)
	}
	return json.Unmarshal(ac.Input, v)
}

// Lookup returns the output recorded by an earlier step.
func (ac *ActivityContext) Lookup(step StepName) (json.RawMessage, bool) {
	if ac.outputs == nil {
		return nil, false
	}
	return ac.outputs.Get(step)
}

// LookupTyped decodes the output of an earlier step into R.
func LookupTyped[R any](ac *ActivityContext, step StepName) (R, bool) {
	var result R
	raw, ok := ac.Lookup(step)
	if !ok {
		return result, false
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, false
	}
	return result, true
}

// Heartbeat reports progress. It never affects the outcome of the attempt.
func (ac *ActivityContext) Heartbeat(payload any) {
	if ac.heartbeat != nil {
		ac.heartbeat(payload)
	}
}

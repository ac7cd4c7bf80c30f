package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrActivityNotFound   = errors.New("activity not found")
	ErrDuplicateActivity  = errors.New("activity already registered")
	ErrSagaTypeNotFound   = errors.New("saga type not registered")
	ErrDuplicateSagaType  = errors.New("saga type already registered")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrDuplicateExecution = errors.New("execution already exists")
	ErrHistoryExhausted   = errors.New("recorded history exhausted")
	ErrNoStartEvent       = errors.New("history does not begin with an execution_started event")
	ErrOutOfOrder         = errors.New("event sequence is not strictly increasing")
	ErrEventStore         = errors.New("event store append failed")
	ErrInvalidExecutionID = errors.New("invalid execution id")
	ErrCoordinatorClosed  = errors.New("coordinator is shut down")
)

// FailureKind classifies why an activity attempt did not succeed.
type FailureKind string

const (
	// FailureTransient failures are retried according to the step's RetryPolicy.
	FailureTransient FailureKind = "transient"
	// FailurePermanent failures are never retried.
	FailurePermanent FailureKind = "permanent"
	// FailureCancelled means the caller aborted the attempt.
	FailureCancelled FailureKind = "cancelled"
	// FailureTimeout means the attempt exceeded its start-to-close timeout.
	FailureTimeout FailureKind = "timeout"
)

// ActivityError is the typed failure reported by an activity attempt.
//
// Kind drives retry decisions. Type is a free-form name that policies can
// list as non-retryable, e.g. "ValueError".
type ActivityError struct {
	Kind    FailureKind `json:"kind"`
	Type    string      `json:"type"`
	Message string      `json:"message"`

	cause error
}

func (e *ActivityError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s failure: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s failure (%s): %s", e.Kind, e.Type, e.Message)
}

func (e *ActivityError) Unwrap() error {
	return e.cause
}

func newActivityError(kind FailureKind, errType string, err error) *ActivityError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ActivityError{Kind: kind, Type: errType, Message: msg, cause: err}
}

// Transient marks err as a retryable failure of the given type.
func Transient(errType string, err error) error {
	return newActivityError(FailureTransient, errType, err)
}

// Permanent marks err as a failure that must not be retried.
func Permanent(errType string, err error) error {
	return newActivityError(FailurePermanent, errType, err)
}

// AsActivityError classifies err at the activity boundary. Errors that carry no
// ActivityError are treated as transient, typed by their Go type name.
func AsActivityError(err error) *ActivityError {
	if err == nil {
		return nil
	}

	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae
	}

	switch {
	case errors.Is(err, context.Canceled):
		return newActivityError(FailureCancelled, "Cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newActivityError(FailureTimeout, "DeadlineExceeded", err)
	}

	return newActivityError(FailureTransient, errorTypeName(err), err)
}

func errorTypeName(err error) string {
	name := strings.TrimLeft(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// NonDeterminismError reports the first event at which a replay diverged from
// the recorded history.
type NonDeterminismError struct {
	Sequence int64
	Expected *ExecutionEvent
	Actual   *ExecutionEvent
	Reason   string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic replay at event %d: %s", e.Sequence, e.Reason)
}

// CompensationFailure records an undo that failed during the unwind.
type CompensationFailure struct {
	Step     StepName       `json:"step"`
	Activity ActivityName   `json:"activity"`
	Failure  *ActivityError `json:"failure"`
}

package saga

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventKind is the type of an ExecutionEvent.
type EventKind string

const (
	EventExecutionStarted      EventKind = "execution_started"
	EventScheduled             EventKind = "scheduled"
	EventCompleted             EventKind = "completed"
	EventFailed                EventKind = "failed"
	EventCancelRequested       EventKind = "cancel_requested"
	EventCompensationScheduled EventKind = "compensation_scheduled"
	EventCompensated           EventKind = "compensated"
	EventCompensationFailed    EventKind = "compensation_failed"
	EventExecutionCompleted    EventKind = "execution_completed"
	EventExecutionFailed       EventKind = "execution_failed"
)

// ExecutionEvent is one append-only record of an orchestration decision or
// of the observed outcome of one.
type ExecutionEvent struct {
	Sequence    int64           `json:"sequence"`
	ExecutionID ExecutionID     `json:"execution_id"`
	Kind        EventKind       `json:"kind"`
	SagaType    SagaType        `json:"saga_type,omitempty"`
	Step        StepName        `json:"step,omitempty"`
	Activity    ActivityName    `json:"activity,omitempty"`
	InputDigest string          `json:"input_digest,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Failure     *ActivityError  `json:"failure,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	// Indeterminate marks a failed step whose abandoned attempt may have
	// taken effect. Its compensation stays on the stack.
	Indeterminate bool      `json:"indeterminate,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// String implements the fmt.Stringer interface for ExecutionEvent.
func (e ExecutionEvent) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d %s", e.Sequence, e.Kind)
	if e.Step != "" {
		fmt.Fprintf(&sb, " %s (%s)", e.Step, e.Activity)
	}
	if e.Failure != nil {
		fmt.Fprintf(&sb, ": %s", e.Failure)
	}
	return sb.String()
}

// Digest returns the hex SHA-256 of an encoded input. Insignificant
// whitespace does not change the digest.
func Digest(input json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, input); err == nil {
		input = buf.Bytes()
	}
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// stepStatus is the persistent status of a step derived from its events.
type stepStatus int

const (
	stepNeverStarted stepStatus = iota
	stepScheduled
	stepCompleted
	stepFailed
	stepCompensationScheduled
	stepCompensated
	stepCompensationFailed
)

// nextStatus returns the new status for a step after recording the given event.
func (s stepStatus) nextStatus(kind EventKind) (stepStatus, error) {
	switch s {
	case stepNeverStarted:
		if kind == EventScheduled {
			return stepScheduled, nil
		}
	case stepScheduled:
		switch kind {
		case EventCompleted:
			return stepCompleted, nil
		case EventFailed:
			return stepFailed, nil
		}
	case stepCompleted, stepFailed:
		if kind == EventCompensationScheduled {
			return stepCompensationScheduled, nil
		}
	case stepCompensationScheduled:
		switch kind {
		case EventCompensated:
			return stepCompensated, nil
		case EventCompensationFailed:
			return stepCompensationFailed, nil
		}
	}
	return s, fmt.Errorf("illegal event %s for step in status %d", kind, s)
}

// ExecutionLog is the ordered event log of one execution. Events are
// validated against a per-step state machine, given strictly increasing
// sequence numbers and, when a store is attached, appended to it.
type ExecutionLog struct {
	mu          sync.Mutex
	executionID ExecutionID
	store       EventStore
	lastSeq     int64
	started     bool
	finished    bool
	unwinding   bool
	events      []ExecutionEvent
	steps       map[StepName]stepStatus
}

// NewExecutionLog creates an empty log. store may be nil.
func NewExecutionLog(id ExecutionID, store EventStore) *ExecutionLog {
	return &ExecutionLog{
		executionID: id,
		store:       store,
		steps:       make(map[StepName]stepStatus),
	}
}

// Record validates ev, assigns it the next sequence number unless it already
// carries one, and appends it.
//
// The event is kept in memory even when the store rejects it; such errors
// wrap ErrEventStore. Any other error means ev was not recorded.
func (l *ExecutionLog) Record(ctx context.Context, ev ExecutionEvent) (ExecutionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.ExecutionID == "" {
		ev.ExecutionID = l.executionID
	}
	if ev.ExecutionID != l.executionID {
		return ev, fmt.Errorf("event for execution %s recorded in log of %s", ev.ExecutionID, l.executionID)
	}
	if ev.Sequence == 0 {
		ev.Sequence = l.lastSeq + 1
	} else if ev.Sequence <= l.lastSeq {
		return ev, fmt.Errorf("%w: %d after %d", ErrOutOfOrder, ev.Sequence, l.lastSeq)
	}

	if err := l.validateLocked(ev); err != nil {
		return ev, err
	}

	l.lastSeq = ev.Sequence
	l.events = append(l.events, ev)

	if l.store != nil {
		if err := l.store.Append(ctx, ev); err != nil {
			return ev, fmt.Errorf("%w: %w", ErrEventStore, err)
		}
	}
	return ev, nil
}

func (l *ExecutionLog) validateLocked(ev ExecutionEvent) error {
	if l.finished {
		return fmt.Errorf("event %s recorded after execution finished", ev.Kind)
	}

	switch ev.Kind {
	case EventExecutionStarted:
		if l.started {
			return fmt.Errorf("execution %s already started", l.executionID)
		}
		l.started = true
		return nil
	}
	if !l.started {
		return fmt.Errorf("event %s recorded before execution started", ev.Kind)
	}

	switch ev.Kind {
	case EventCancelRequested:
		l.unwinding = true
		return nil
	case EventExecutionCompleted, EventExecutionFailed:
		l.finished = true
		return nil
	}

	current := l.steps[ev.Step]
	next, err := current.nextStatus(ev.Kind)
	if err != nil {
		return fmt.Errorf("step %s: %w", ev.Step, err)
	}
	switch next {
	case stepFailed, stepCompensationScheduled:
		l.unwinding = true
	}
	l.steps[ev.Step] = next
	return nil
}

// Events returns a copy of the recorded events.
func (l *ExecutionLog) Events() []ExecutionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]ExecutionEvent, len(l.events))
	copy(events, l.events)
	return events
}

// Unwinding reports whether the execution has started compensating.
func (l *ExecutionLog) Unwinding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.unwinding
}

// String implements the fmt.Stringer interface for ExecutionLog.
func (l *ExecutionLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("EXECUTION LOG:\n")
	fmt.Fprintf(&sb, "execution id: %s\n", l.executionID)
	direction := "forward"
	if l.unwinding {
		direction = "unwinding"
	}
	fmt.Fprintf(&sb, "direction:    %s\n", direction)
	fmt.Fprintf(&sb, "events (%d total):\n\n", len(l.events))
	for _, ev := range l.events {
		sb.WriteString(ev.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

package saga

import (
	"context"
	"errors"
	"fmt"
)

// ReplayResult is the outcome of re-driving a definition against a recorded
// history.
type ReplayResult struct {
	// Result is nil when the history ends before the execution finished.
	Result *Result
	// Events are the recorded events the replay consumed, in order.
	Events []ExecutionEvent
	// Complete reports whether the history reached a terminal event.
	Complete bool
}

// Replay re-drives def against events without invoking any activity. Each
// decision the orchestration logic makes is compared to the next recorded
// event; the first divergence is returned as a *NonDeterminismError.
//
// A history that stops mid-execution replays to its end and returns
// Complete=false.
func Replay(ctx context.Context, def *Definition, events []ExecutionEvent, opts ...Option) (*ReplayResult, error) {
	return newOrchestrator(def, opts).Replay(ctx, events)
}

// Replay re-drives the orchestrator's definition against events. See Replay.
func (o *Orchestrator) Replay(ctx context.Context, events []ExecutionEvent) (*ReplayResult, error) {
	if err := ValidateHistory(events); err != nil {
		return nil, err
	}

	start := events[0]
	if start.SagaType != o.def.Type() {
		return nil, &NonDeterminismError{
			Sequence: start.Sequence,
			Expected: &start,
			Reason:   fmt.Sprintf("history is for saga type %s, definition is %s", start.SagaType, o.def.Type()),
		}
	}

	d := &replayDriver{
		events: events,
		log:    NewExecutionLog(start.ExecutionID, nil),
	}
	result, err := o.drive(ctx, d, start.ExecutionID, start.Input)
	if errors.Is(err, ErrHistoryExhausted) {
		return &ReplayResult{Events: d.log.Events()}, nil
	}
	if err != nil {
		return nil, err
	}

	if d.pos < len(events) {
		extra := events[d.pos]
		return nil, &NonDeterminismError{
			Sequence: extra.Sequence,
			Expected: &extra,
			Reason:   fmt.Sprintf("history continues with %s after the execution finished", extra.Kind),
		}
	}

	return &ReplayResult{Result: result, Events: d.log.Events(), Complete: true}, nil
}

// replayDriver substitutes recorded outcomes for activity invocations.
type replayDriver struct {
	events []ExecutionEvent
	pos    int
	log    *ExecutionLog
}

func (d *replayDriver) live() bool {
	return false
}

func (d *replayDriver) next(ctx context.Context) (ExecutionEvent, error) {
	if err := ctx.Err(); err != nil {
		return ExecutionEvent{}, err
	}
	if d.pos >= len(d.events) {
		return ExecutionEvent{}, ErrHistoryExhausted
	}
	ev := d.events[d.pos]
	d.pos++
	return ev, nil
}

func (d *replayDriver) accept(ctx context.Context, recorded ExecutionEvent) error {
	if _, err := d.log.Record(ctx, recorded); err != nil {
		return fmt.Errorf("invalid recorded event %d: %w", recorded.Sequence, err)
	}
	return nil
}

func (d *replayDriver) record(ctx context.Context, ev ExecutionEvent) error {
	recorded, err := d.next(ctx)
	if err != nil {
		return err
	}
	if err := matchDecision(recorded, ev); err != nil {
		return err
	}
	return d.accept(ctx, recorded)
}

func (d *replayDriver) invoke(ctx context.Context, call ActivityCall, ok, failed EventKind) (ActivityOutcome, error) {
	recorded, err := d.next(ctx)
	if err != nil {
		return ActivityOutcome{}, err
	}

	actual := ExecutionEvent{Sequence: recorded.Sequence, Kind: ok, Step: call.Step}
	switch {
	case recorded.Kind != ok && recorded.Kind != failed:
		return ActivityOutcome{}, &NonDeterminismError{
			Sequence: recorded.Sequence,
			Expected: &recorded,
			Actual:   &actual,
			Reason:   fmt.Sprintf("expected %s or %s for step %s, history has %s", ok, failed, call.Step, recorded.Kind),
		}
	case recorded.Step != call.Step:
		return ActivityOutcome{}, &NonDeterminismError{
			Sequence: recorded.Sequence,
			Expected: &recorded,
			Actual:   &actual,
			Reason:   fmt.Sprintf("outcome recorded for step %s, awaiting step %s", recorded.Step, call.Step),
		}
	case recorded.Kind == failed && recorded.Failure == nil:
		return ActivityOutcome{}, fmt.Errorf("invalid recorded event %d: %s without failure", recorded.Sequence, failed)
	}

	if err := d.accept(ctx, recorded); err != nil {
		return ActivityOutcome{}, err
	}
	outcome := ActivityOutcome{Attempts: recorded.Attempts}
	if recorded.Kind == failed {
		outcome.Failure = recorded.Failure
		outcome.Indeterminate = recorded.Indeterminate
	} else {
		outcome.Output = recorded.Output
	}
	return outcome, nil
}

func (d *replayDriver) cancelled(ctx context.Context) (bool, error) {
	if d.pos >= len(d.events) || d.events[d.pos].Kind != EventCancelRequested {
		return false, nil
	}
	recorded, err := d.next(ctx)
	if err != nil {
		return false, err
	}
	return true, d.accept(ctx, recorded)
}

func (d *replayDriver) detach(ctx context.Context) context.Context {
	return ctx
}

// matchDecision compares a newly computed decision against the recorded one.
func matchDecision(recorded, computed ExecutionEvent) error {
	computed.Sequence = recorded.Sequence

	var reason string
	switch {
	case recorded.Kind != computed.Kind:
		reason = fmt.Sprintf("expected %s, history has %s", computed.Kind, recorded.Kind)
	case recorded.Step != computed.Step:
		reason = fmt.Sprintf("%s for step %s, history has step %s", computed.Kind, computed.Step, recorded.Step)
	case recorded.Activity != computed.Activity:
		reason = fmt.Sprintf("step %s uses activity %s, history has %s", computed.Step, computed.Activity, recorded.Activity)
	case computed.InputDigest != "" && recorded.InputDigest != computed.InputDigest:
		reason = fmt.Sprintf("%s input digest differs for step %s", computed.Kind, computed.Step)
	case recorded.SagaType != computed.SagaType:
		reason = fmt.Sprintf("saga type %s, history has %s", computed.SagaType, recorded.SagaType)
	default:
		return nil
	}

	return &NonDeterminismError{
		Sequence: recorded.Sequence,
		Expected: &recorded,
		Actual:   &computed,
		Reason:   reason,
	}
}

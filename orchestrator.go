package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/fortressi/saga/clock"
)

// Orchestrator runs executions of one saga definition.
//
// Steps run strictly one after another. Before a step's activity is invoked
// its compensation is pushed on the execution's CompensationStack and the
// decision is recorded in its ExecutionLog. When a step fails for good the
// stack is unwound in LIFO order and every entry is attempted once under its
// own policy, regardless of earlier compensation failures.
//
// An Orchestrator is safe for concurrent use; each Run owns its own stack
// and log.
type Orchestrator struct {
	def           *Definition
	steps         []Step
	activities    map[ActivityName]Activity
	compensations map[ActivityName]Activity
	invoker       *Invoker

	clock       clock.Clock
	logger      *zap.Logger
	metrics     *Metrics
	store       EventStore
	onHeartbeat func(Heartbeat)
}

// NewOrchestrator resolves every activity def refers to in registry.
func NewOrchestrator(def *Definition, registry *ActivityRegistry, opts ...Option) (*Orchestrator, error) {
	o := newOrchestrator(def, opts)

	for _, step := range o.steps {
		activity, err := registry.Get(step.Activity)
		if err != nil {
			return nil, fmt.Errorf("saga %s step %s: %w", def.Type(), step.Name, err)
		}
		o.activities[step.Activity] = activity

		if step.Compensation == "" {
			continue
		}
		compensation, err := registry.Get(step.Compensation)
		if err != nil {
			return nil, fmt.Errorf("saga %s step %s compensation: %w", def.Type(), step.Name, err)
		}
		o.compensations[step.Compensation] = compensation
	}

	return o, nil
}

func newOrchestrator(def *Definition, opts []Option) *Orchestrator {
	opt := newOptions("orchestrator", opts)
	return &Orchestrator{
		def:           def,
		steps:         def.Steps(),
		activities:    make(map[ActivityName]Activity),
		compensations: make(map[ActivityName]Activity),
		invoker: &Invoker{
			clock:   opt.clock,
			logger:  opt.logger.Named("invoker"),
			metrics: opt.metrics,
			tracer:  opt.tracer,
		},
		clock:       opt.clock,
		logger:      opt.logger,
		metrics:     opt.metrics,
		store:       opt.store,
		onHeartbeat: opt.onHeartbeat,
	}
}

// Definition returns the saga definition being run.
func (o *Orchestrator) Definition() *Definition {
	return o.def
}

// Run executes the saga with input and returns its Result.
//
// Activity failures never surface as errors: they produce a failure Result
// once the unwind has finished. An error is returned only when input cannot
// be encoded or the execution log rejects an event.
func (o *Orchestrator) Run(ctx context.Context, input any, opts ...RunOption) (*Result, error) {
	raw, err := encodeInput(input)
	if err != nil {
		return nil, err
	}

	ro := newRunOptions(opts)
	d := &liveDriver{
		o:           o,
		log:         NewExecutionLog(ro.executionID, o.store),
		stepOptions: ro.stepOptions,
	}
	return o.drive(ctx, d, ro.executionID, raw)
}

func encodeInput(input any) (json.RawMessage, error) {
	var raw []byte
	switch v := input.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input: %w", err)
		}
		return data, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("input is not valid JSON: %w", err)
	}
	return buf.Bytes(), nil
}

// driver supplies decisions' side effects to drive: live execution or the
// recorded history.
type driver interface {
	live() bool

	// record appends a decision event.
	record(ctx context.Context, ev ExecutionEvent) error

	// invoke yields the outcome of call and records it as an ok or failed
	// event for call.Step.
	invoke(ctx context.Context, call ActivityCall, ok, failed EventKind) (ActivityOutcome, error)

	// cancelled reports, and records, whether cancellation was requested
	// before the next step.
	cancelled(ctx context.Context) (bool, error)

	// detach returns the context used for the unwind.
	detach(ctx context.Context) context.Context
}

func (o *Orchestrator) drive(ctx context.Context, d driver, id ExecutionID, input json.RawMessage) (*Result, error) {
	sagaType := o.def.Type()
	log := o.logger.With(
		zap.String("execution_id", string(id)),
		zap.String("saga_type", string(sagaType)),
	)
	metrics := o.metrics
	info, warn := log.Info, log.Warn
	if !d.live() {
		metrics = nil
		log = log.With(zap.Bool("replay", true))
		info, warn = log.Debug, log.Debug
	}

	// check drops event store errors after logging them. Everything else
	// aborts the execution.
	check := func(err error) error {
		if err != nil && errors.Is(err, ErrEventStore) {
			log.Error("failed to persist execution event", zap.Error(err))
			return nil
		}
		return err
	}

	result := &Result{ExecutionID: id, SagaType: sagaType}
	started := ExecutionEvent{
		Kind:        EventExecutionStarted,
		SagaType:    sagaType,
		InputDigest: Digest(input),
		Input:       input,
	}
	if err := check(d.record(ctx, started)); err != nil {
		return nil, err
	}
	log.Debug("execution started")

	var (
		outputs    = new(btree.Map[StepName, json.RawMessage])
		stack      CompensationStack
		failure    *ActivityError
		failedStep StepName
	)

	for _, step := range o.steps {
		cancelled, err := d.cancelled(ctx)
		if err := check(err); err != nil {
			return nil, err
		}
		if cancelled {
			info("cancellation requested", zap.String("next_step", string(step.Name)))
			failure = newActivityError(FailureCancelled, "Cancelled", context.Canceled)
			break
		}

		stepInput, err := step.input(input)
		if err != nil {
			failure = newActivityError(FailurePermanent, "InputError", err)
			failedStep = step.Name
			break
		}

		if step.Compensation != "" {
			stack.Push(CompensationEntry{
				Step:     step.Name,
				Activity: step.Compensation,
				Input:    stepInput,
				Options:  step.CompensationOptions,
			})
		}

		scheduled := ExecutionEvent{
			Kind:        EventScheduled,
			Step:        step.Name,
			Activity:    step.Activity,
			InputDigest: Digest(stepInput),
			Input:       stepInput,
		}
		if err := d.record(ctx, scheduled); err != nil {
			if !errors.Is(err, ErrEventStore) {
				return nil, err
			}
			// The decision is not durable, so the side effect must not run.
			log.Error("failed to persist step schedule", zap.String("step", string(step.Name)), zap.Error(err))
			stack.DiscardTop(step.Name)
			failure = newActivityError(FailurePermanent, "EventStoreError", err)
			failedStep = step.Name
			if err := check(d.record(ctx, ExecutionEvent{Kind: EventFailed, Step: step.Name, Activity: step.Activity, Failure: failure})); err != nil {
				return nil, err
			}
			break
		}

		outcome, err := d.invoke(ctx, ActivityCall{
			ExecutionID: id,
			Step:        step.Name,
			Activity:    o.activities[step.Activity],
			Input:       stepInput,
			Options:     step.Options,
			Outputs:     outputs.Copy(),
		}, EventCompleted, EventFailed)
		if err := check(err); err != nil {
			return nil, err
		}

		if outcome.Succeeded() {
			outputs.Set(step.Name, outcome.Output)
			result.Outputs = append(result.Outputs, StepOutput{Step: step.Name, Output: outcome.Output})
			continue
		}

		failure = outcome.Failure
		failedStep = step.Name
		// Only an attempt abandoned mid-flight may have taken effect.
		if !outcome.Indeterminate {
			stack.DiscardTop(step.Name)
		}
		break
	}

	if failure == nil {
		result.Status = StatusSuccess
		if err := check(d.record(ctx, ExecutionEvent{Kind: EventExecutionCompleted})); err != nil {
			return nil, err
		}
		metrics.recordExecution(sagaType, StatusSuccess)
		info("execution completed", zap.Int("steps", len(result.Outputs)))
		return result, nil
	}

	result.Status = StatusFailure
	result.FailedStep = failedStep
	result.Failure = failure
	result.Reason = failureReason(failedStep, failure)
	info("execution failed, compensating",
		zap.String("reason", result.Reason),
		zap.Int("compensations", stack.Len()),
	)

	unwindCtx := d.detach(ctx)
	for {
		entry, ok := stack.Pop()
		if !ok {
			break
		}

		ev := ExecutionEvent{
			Kind:        EventCompensationScheduled,
			Step:        entry.Step,
			Activity:    entry.Activity,
			InputDigest: Digest(entry.Input),
			Input:       entry.Input,
		}
		if err := check(d.record(unwindCtx, ev)); err != nil {
			return nil, err
		}

		outcome, err := d.invoke(unwindCtx, ActivityCall{
			ExecutionID: id,
			Step:        entry.Step,
			Activity:    o.compensations[entry.Activity],
			Input:       entry.Input,
			Options:     entry.Options,
			Outputs:     outputs.Copy(),
		}, EventCompensated, EventCompensationFailed)
		if err := check(err); err != nil {
			return nil, err
		}
		metrics.recordCompensation(entry.Activity, outcome.Succeeded())

		if outcome.Succeeded() {
			result.Compensated = append(result.Compensated, entry.Step)
			continue
		}
		warn("compensation failed",
			zap.String("step", string(entry.Step)),
			zap.String("activity", string(entry.Activity)),
			zap.Error(outcome.Failure),
		)
		result.CompensationFailures = append(result.CompensationFailures, CompensationFailure{
			Step:     entry.Step,
			Activity: entry.Activity,
			Failure:  outcome.Failure,
		})
	}

	finished := ExecutionEvent{
		Kind:    EventExecutionFailed,
		Step:    failedStep,
		Failure: failure,
		Reason:  result.Reason,
	}
	if err := check(d.record(unwindCtx, finished)); err != nil {
		return nil, err
	}
	metrics.recordExecution(sagaType, StatusFailure)
	return result, nil
}

// liveDriver invokes real activities and appends to the execution log.
type liveDriver struct {
	o           *Orchestrator
	log         *ExecutionLog
	stepOptions map[StepName]ActivityOptions
}

func (d *liveDriver) live() bool {
	return true
}

func (d *liveDriver) record(ctx context.Context, ev ExecutionEvent) error {
	ev.RecordedAt = d.o.clock.Now()
	_, err := d.log.Record(context.WithoutCancel(ctx), ev)
	return err
}

func (d *liveDriver) invoke(ctx context.Context, call ActivityCall, ok, failed EventKind) (ActivityOutcome, error) {
	if opts, found := d.stepOptions[call.Step]; found && ok == EventCompleted {
		call.Options = opts
	}
	outcome := d.o.invoker.Invoke(ctx, call, d.o.onHeartbeat)

	ev := ExecutionEvent{
		Kind:          ok,
		Step:          call.Step,
		Activity:      call.Activity.Name(),
		Output:        outcome.Output,
		Failure:       outcome.Failure,
		Attempts:      outcome.Attempts,
		Indeterminate: outcome.Indeterminate,
	}
	if !outcome.Succeeded() {
		ev.Kind = failed
	}
	return outcome, d.record(ctx, ev)
}

func (d *liveDriver) cancelled(ctx context.Context) (bool, error) {
	if ctx.Err() == nil {
		return false, nil
	}
	reason := context.Cause(ctx).Error()
	return true, d.record(ctx, ExecutionEvent{Kind: EventCancelRequested, Reason: reason})
}

func (d *liveDriver) detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

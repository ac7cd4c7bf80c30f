package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tidwall/btree"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fortressi/saga/clock"
)

var errAttemptTimeout = errors.New("start-to-close timeout exceeded")

// ActivityCall describes one invocation of an activity for a step.
type ActivityCall struct {
	ExecutionID ExecutionID
	Step        StepName
	Activity    Activity
	Input       json.RawMessage
	Options     ActivityOptions

	// Outputs of earlier steps, visible to the activity through Lookup.
	Outputs *btree.Map[StepName, json.RawMessage]
}

// ActivityOutcome is the terminal result of an invocation: an output or the
// last failure, and the number of attempts made.
type ActivityOutcome struct {
	Output   json.RawMessage
	Failure  *ActivityError
	Attempts int

	// Indeterminate is set when some attempt was abandoned by cancellation or
	// timeout before it reported, so whether it took effect is unknown.
	// Cancellation before the first attempt or during a backoff leaves it
	// unset.
	Indeterminate bool
}

// Succeeded reports whether the invocation produced an output.
func (o ActivityOutcome) Succeeded() bool {
	return o.Failure == nil
}

// Invoker runs activities with per-attempt timeouts and retries.
//
// Every attempt runs on its own goroutine while the caller waits for its
// completion, cancellation or timeout. Backoff delays and timeouts are taken
// from the configured clock.
type Invoker struct {
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// NewInvoker creates an Invoker. It is safe for concurrent use.
func NewInvoker(opts ...Option) *Invoker {
	o := newOptions("invoker", opts)
	return &Invoker{
		clock:   o.clock,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}
}

// Invoke executes call until it succeeds or its retry policy gives up.
// Cancelling ctx aborts the in-flight attempt or backoff and returns a
// cancelled outcome.
func (inv *Invoker) Invoke(ctx context.Context, call ActivityCall, onHeartbeat func(Heartbeat)) ActivityOutcome {
	policy := call.Options.RetryPolicy.withDefaults()
	start := inv.clock.Now()

	log := inv.logger.With(
		zap.String("execution_id", string(call.ExecutionID)),
		zap.String("step", string(call.Step)),
		zap.String("activity", string(call.Activity.Name())),
	)

	var indeterminate bool
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ActivityOutcome{Failure: cancelledFailure(ctx), Attempts: attempt - 1, Indeterminate: indeterminate}
		}

		output, failure := inv.attempt(ctx, call, attempt, onHeartbeat)
		if failure == nil {
			log.Debug("activity attempt succeeded", zap.Int("attempt", attempt))
			return ActivityOutcome{Output: output, Attempts: attempt}
		}
		if failure.Kind == FailureCancelled || failure.Kind == FailureTimeout {
			indeterminate = true
		}

		decision := ShouldRetry(policy, attempt, inv.clock.Now().Sub(start), failure)
		if !decision.Retry {
			log.Info("activity failed",
				zap.Int("attempt", attempt),
				zap.String("reason", decision.Reason),
				zap.Error(failure),
			)
			return ActivityOutcome{Failure: failure, Attempts: attempt, Indeterminate: indeterminate}
		}

		log.Warn("activity attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", decision.Delay),
			zap.Error(failure),
		)
		inv.metrics.recordRetry(call.Activity.Name())

		if err := clock.Sleep(ctx, inv.clock, decision.Delay); err != nil {
			log.Info("activity cancelled during backoff", zap.Int("attempt", attempt))
			return ActivityOutcome{Failure: cancelledFailure(ctx), Attempts: attempt, Indeterminate: indeterminate}
		}
	}
}

type attemptResult struct {
	output any
	err    error
}

func (inv *Invoker) attempt(ctx context.Context, call ActivityCall, attempt int, onHeartbeat func(Heartbeat)) (json.RawMessage, *ActivityError) {
	name := call.Activity.Name()
	ctx, span := inv.tracer.Start(ctx, "saga.activity", trace.WithAttributes(
		attribute.String("saga.execution_id", string(call.ExecutionID)),
		attribute.String("saga.step", string(call.Step)),
		attribute.String("saga.activity", string(name)),
		attribute.Int("saga.attempt", attempt),
	))
	defer span.End()

	started := inv.clock.Now()
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var timerDone chan struct{}
	if timeout := call.Options.StartToCloseTimeout; timeout > 0 {
		timerDone = make(chan struct{})
		deadline := started.Add(timeout)
		go func() {
			defer close(timerDone)
			if inv.clock.SleepUntil(attemptCtx, deadline) == nil {
				cancel(errAttemptTimeout)
			}
		}()
	}

	// closed stops heartbeats from an attempt that was abandoned.
	var closed atomic.Bool
	actx := &ActivityContext{
		ExecutionID: call.ExecutionID,
		Step:        call.Step,
		Activity:    name,
		Attempt:     attempt,
		StartedAt:   started,
		Input:       call.Input,
		outputs:     call.Outputs,
		heartbeat: func(payload any) {
			if closed.Load() {
				return
			}
			inv.metrics.recordHeartbeat(name)
			inv.logger.Debug("activity heartbeat",
				zap.String("execution_id", string(call.ExecutionID)),
				zap.String("step", string(call.Step)),
				zap.Int("attempt", attempt),
				zap.Any("payload", payload),
			)
			if onHeartbeat != nil {
				onHeartbeat(Heartbeat{
					ExecutionID: call.ExecutionID,
					Step:        call.Step,
					Activity:    name,
					Attempt:     attempt,
					Payload:     payload,
				})
			}
		},
	}

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: Permanent("Panic", fmt.Errorf("activity panicked: %v", r))}
			}
		}()
		output, err := call.Activity.Execute(attemptCtx, actx)
		done <- attemptResult{output: output, err: err}
	}()

	var (
		output  json.RawMessage
		failure *ActivityError
	)
	select {
	case res := <-done:
		if res.err != nil {
			failure = classify(attemptCtx, res.err)
		} else {
			output, failure = encodeOutput(res.output)
		}
	case <-attemptCtx.Done():
		failure = causeFailure(attemptCtx)
	}
	closed.Store(true)

	cancel(nil)
	if timerDone != nil {
		<-timerDone
	}

	inv.metrics.recordAttempt(name, failure, inv.clock.Now().Sub(started))
	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
	}
	return output, failure
}

// classify maps an error returned by an activity to a failure. Context errors
// observed after the attempt was aborted take the abort's cause.
func classify(attemptCtx context.Context, err error) *ActivityError {
	if attemptCtx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return causeFailure(attemptCtx)
	}
	return AsActivityError(err)
}

func causeFailure(attemptCtx context.Context) *ActivityError {
	cause := context.Cause(attemptCtx)
	if errors.Is(cause, errAttemptTimeout) {
		return newActivityError(FailureTimeout, "StartToCloseTimeout", cause)
	}
	return newActivityError(FailureCancelled, "Cancelled", cause)
}

func cancelledFailure(ctx context.Context) *ActivityError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return newActivityError(FailureCancelled, "Cancelled", cause)
}

func encodeOutput(output any) (json.RawMessage, *ActivityError) {
	if raw, ok := output.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, newActivityError(FailurePermanent, "SerializeError", err)
		}
		return buf.Bytes(), nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil, newActivityError(FailurePermanent, "SerializeError", err)
	}
	return data, nil
}

package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fortressi/saga/clock"
	"github.com/fortressi/saga/logger"
)

const tracerName = "github.com/fortressi/saga"

type options struct {
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
	store   EventStore

	onHeartbeat func(Heartbeat)
}

// Option configures an Invoker, Orchestrator or Coordinator.
type Option func(*options)

// WithClock sets the time source used for backoff and timeouts.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics adds metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithEventStore persists every recorded ExecutionEvent to store.
func WithEventStore(store EventStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithHeartbeat receives heartbeats emitted by running activities.
func WithHeartbeat(fn func(Heartbeat)) Option {
	return func(o *options) {
		o.onHeartbeat = fn
	}
}

func newOptions(name string, opts []Option) options {
	o := options{
		clock:  clock.Real(),
		logger: logger.GetLogger().Named(name),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type runOptions struct {
	executionID ExecutionID
	stepOptions map[StepName]ActivityOptions
}

// RunOption configures a single execution.
type RunOption func(*runOptions)

// WithExecutionID runs the execution under a caller supplied id.
func WithExecutionID(id ExecutionID) RunOption {
	return func(o *runOptions) {
		o.executionID = id
	}
}

// WithStepOptions replaces the forward ActivityOptions of step for this
// execution only. Compensations keep their configured options.
func WithStepOptions(step StepName, opts ActivityOptions) RunOption {
	return func(o *runOptions) {
		if o.stepOptions == nil {
			o.stepOptions = make(map[StepName]ActivityOptions)
		}
		o.stepOptions[step] = opts
	}
}

func newRunOptions(opts []RunOption) runOptions {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.executionID == "" {
		o.executionID = NewExecutionID()
	}
	return o
}

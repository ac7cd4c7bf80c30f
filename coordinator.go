package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/fortressi/saga/clock"
)

// ExecutionView is a snapshot of an execution known to a Coordinator.
type ExecutionView struct {
	ID        ExecutionID `json:"id"`
	SagaType  SagaType    `json:"saga_type"`
	Status    Status      `json:"status"`
	StartedAt time.Time   `json:"started_at"`
	Result    *Result     `json:"result,omitempty"`
}

type execution struct {
	id        ExecutionID
	sagaType  SagaType
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// set before done is closed
	result *Result
	err    error
}

// Coordinator starts executions in the background and tracks them until they
// finish. Every execution's log goes to the coordinator's EventStore.
type Coordinator struct {
	registry   *ActivityRegistry
	sagas      *xsync.MapOf[SagaType, *Orchestrator]
	executions *xsync.MapOf[ExecutionID, *execution]
	store      EventStore
	opts       []Option
	clock      clock.Clock
	logger     *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	mu      sync.Mutex // guards closed and wg.Add
	closed  bool
	wg      sync.WaitGroup
}

// NewCoordinator creates a Coordinator resolving activities in registry.
// Without WithEventStore executions are logged to a MemoryEventStore.
func NewCoordinator(registry *ActivityRegistry, opts ...Option) *Coordinator {
	o := newOptions("coordinator", opts)
	if o.store == nil {
		o.store = NewMemoryEventStore()
		opts = append(opts, WithEventStore(o.store))
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		registry:   registry,
		sagas:      xsync.NewMapOf[SagaType, *Orchestrator](),
		executions: xsync.NewMapOf[ExecutionID, *execution](),
		store:      o.store,
		opts:       opts,
		clock:      o.clock,
		logger:     o.logger,
		baseCtx:    ctx,
		stop:       stop,
	}
}

// Register makes def startable by its saga type.
func (c *Coordinator) Register(def *Definition) error {
	o, err := NewOrchestrator(def, c.registry, c.opts...)
	if err != nil {
		return err
	}
	if _, loaded := c.sagas.LoadOrStore(def.Type(), o); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateSagaType, def.Type())
	}
	return nil
}

// Definition returns the registered definition of sagaType.
func (c *Coordinator) Definition(sagaType SagaType) (*Definition, error) {
	o, ok := c.sagas.Load(sagaType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaTypeNotFound, sagaType)
	}
	return o.Definition(), nil
}

// StartSaga begins an execution of sagaType and returns its id without
// waiting for it. ctx only bounds the start call; use Cancel to abort the
// execution.
func (c *Coordinator) StartSaga(ctx context.Context, sagaType SagaType, input any, opts ...RunOption) (ExecutionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	o, ok := c.sagas.Load(sagaType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSagaTypeNotFound, sagaType)
	}
	raw, err := encodeInput(input)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrCoordinatorClosed
	}

	ro := newRunOptions(opts)
	runCtx, cancel := context.WithCancel(c.baseCtx)
	exec := &execution{
		id:        ro.executionID,
		sagaType:  sagaType,
		startedAt: c.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if _, loaded := c.executions.LoadOrStore(exec.id, exec); loaded {
		cancel()
		return "", fmt.Errorf("%w: %s", ErrDuplicateExecution, exec.id)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer close(exec.done)

		runOpts := append(opts[:len(opts):len(opts)], WithExecutionID(exec.id))
		exec.result, exec.err = o.Run(runCtx, raw, runOpts...)
		if exec.err != nil {
			c.logger.Error("execution aborted",
				zap.String("execution_id", string(exec.id)),
				zap.String("saga_type", string(sagaType)),
				zap.Error(exec.err),
			)
		}
	}()

	c.logger.Info("execution started",
		zap.String("execution_id", string(exec.id)),
		zap.String("saga_type", string(sagaType)),
	)
	return exec.id, nil
}

// Await blocks until the execution finishes or ctx is done.
func (c *Coordinator) Await(ctx context.Context, id ExecutionID) (*Result, error) {
	exec, ok := c.executions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}

	select {
	case <-exec.done:
		return exec.result, exec.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation. Steps already begun are compensated.
func (c *Coordinator) Cancel(id ExecutionID) error {
	exec, ok := c.executions.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	exec.cancel()
	return nil
}

// Status returns a snapshot of the execution.
func (c *Coordinator) Status(id ExecutionID) (*ExecutionView, error) {
	exec, ok := c.executions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return exec.view(), nil
}

// List returns snapshots of every execution ordered by start time.
func (c *Coordinator) List() []*ExecutionView {
	var views []*ExecutionView
	c.executions.Range(func(_ ExecutionID, exec *execution) bool {
		views = append(views, exec.view())
		return true
	})
	sort.Slice(views, func(i, j int) bool {
		if views[i].StartedAt.Equal(views[j].StartedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].StartedAt.Before(views[j].StartedAt)
	})
	return views
}

// History returns the events recorded so far for id.
func (c *Coordinator) History(ctx context.Context, id ExecutionID) ([]ExecutionEvent, error) {
	return c.store.ReadAll(ctx, id)
}

// Shutdown stops accepting executions, cancels the running ones and waits
// for their unwind to finish or ctx to be done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrCoordinatorClosed, ctx.Err())
	}
}

func (e *execution) view() *ExecutionView {
	v := &ExecutionView{
		ID:        e.id,
		SagaType:  e.sagaType,
		Status:    StatusRunning,
		StartedAt: e.startedAt,
	}
	select {
	case <-e.done:
		if e.result != nil {
			v.Status = e.result.Status
			v.Result = e.result
		} else {
			v.Status = StatusFailure
		}
	default:
	}
	return v
}

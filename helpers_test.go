package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fortressi/saga/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Test saga: Order Processing
// Flow: validate_order -> process_payment -> update_inventory -> send_confirmation

type OrderInput struct {
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	Amount     float64 `json:"amount"`
}

const orderSaga SagaType = "order_processing"

var orderSteps = []struct {
	step StepName
	undo ActivityName
}{
	{"validate_order", ""},
	{"process_payment", "refund_payment"},
	{"update_inventory", "release_inventory"},
	{"send_confirmation", ""},
}

// journal records activity invocations in call order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, name)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

// orderFixture wires the order processing saga with overridable activities.
type orderFixture struct {
	registry *ActivityRegistry
	def      *Definition
	journal  *journal
	invoked  atomic.Int64
}

func newOrderFixture(t *testing.T, overrides map[ActivityName]func(ctx context.Context, actx *ActivityContext) (any, error)) *orderFixture {
	t.Helper()

	f := &orderFixture{registry: NewActivityRegistry(), journal: &journal{}}

	activity := func(name ActivityName) Activity {
		return NewActivity(name, func(ctx context.Context, actx *ActivityContext) (any, error) {
			f.invoked.Add(1)
			f.journal.add(string(name))
			if fn, ok := overrides[name]; ok {
				return fn(ctx, actx)
			}
			return map[string]string{"done": string(name)}, nil
		})
	}

	b := NewDefinitionBuilder(orderSaga)
	for _, s := range orderSteps {
		require.NoError(t, f.registry.Register(activity(ActivityName(s.step))))
		step := Step{
			Name:     s.step,
			Activity: ActivityName(s.step),
			Options: ActivityOptions{RetryPolicy: RetryPolicy{
				InitialInterval: time.Millisecond,
				MaximumAttempts: 3,
			}},
		}
		if s.undo != "" {
			require.NoError(t, f.registry.Register(activity(s.undo)))
			step.Compensation = s.undo
		}
		require.NoError(t, b.Append(step))
	}

	def, err := b.Build()
	require.NoError(t, err)
	f.def = def
	return f
}

func (f *orderFixture) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	o, err := NewOrchestrator(f.def, f.registry, opts...)
	require.NoError(t, err)
	return o
}

var orderInput = OrderInput{OrderID: "order-123", CustomerID: "customer-456", Amount: 99.99}

func failWith(err error) func(context.Context, *ActivityContext) (any, error) {
	return func(context.Context, *ActivityContext) (any, error) {
		return nil, err
	}
}

var errDeclined = errors.New("card declined")

// advanceUntil moves clk to each pending deadline until done is closed and
// returns the total virtual time advanced.
func advanceUntil(t *testing.T, clk *clock.Virtual, done <-chan struct{}) time.Duration {
	t.Helper()

	var total time.Duration
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case <-done:
			return total
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out driving the virtual clock")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		d, err := clk.AdvanceToNext(ctx)
		cancel()
		if err == nil {
			total += d
		}
	}
}

func stepNames(outputs []StepOutput) []StepName {
	names := make([]StepName, 0, len(outputs))
	for _, o := range outputs {
		names = append(names, o.Step)
	}
	return names
}

func kinds(events []ExecutionEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Step != "" {
			out = append(out, fmt.Sprintf("%s:%s", ev.Kind, ev.Step))
			continue
		}
		out = append(out, string(ev.Kind))
	}
	return out
}

package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fortressi/saga/clock"
)

func newTestInvoker(t *testing.T, clk clock.Clock) *Invoker {
	return NewInvoker(WithClock(clk), WithLogger(zaptest.NewLogger(t)))
}

func TestInvokeSucceedsFirstAttempt(t *testing.T) {
	inv := newTestInvoker(t, clock.Real())

	call := ActivityCall{
		ExecutionID: "exec-1",
		Step:        "book_car",
		Input:       []byte(`{"car":"c-1"}`),
		Activity: NewActivity("book_car", func(_ context.Context, actx *ActivityContext) (any, error) {
			var in struct{ Car string }
			if err := actx.Decode(&in); err != nil {
				return nil, err
			}
			return "booked " + in.Car, nil
		}),
	}

	outcome := inv.Invoke(context.Background(), call, nil)
	require.True(t, outcome.Succeeded())
	assert.Equal(t, 1, outcome.Attempts)
	assert.JSONEq(t, `"booked c-1"`, string(outcome.Output))
}

func TestInvokeRetryExhaustionWithVirtualClock(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	inv := newTestInvoker(t, clk)

	var attempts []int
	call := ActivityCall{
		Step: "book_hotel",
		Activity: NewActivity("book_hotel", func(_ context.Context, actx *ActivityContext) (any, error) {
			attempts = append(attempts, actx.Attempt)
			return nil, Transient("RuntimeError", errors.New("hotel service unavailable"))
		}),
		Options: ActivityOptions{RetryPolicy: RetryPolicy{
			InitialInterval: time.Minute,
			MaximumInterval: time.Hour,
			MaximumAttempts: 5,
		}},
	}

	var outcome ActivityOutcome
	done := make(chan struct{})
	realStart := time.Now()
	go func() {
		defer close(done)
		outcome = inv.Invoke(context.Background(), call, nil)
	}()
	advanced := advanceUntil(t, clk, done)

	require.NotNil(t, outcome.Failure)
	assert.Equal(t, FailureTransient, outcome.Failure.Kind)
	assert.Equal(t, 5, outcome.Attempts)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)

	// 1m + 2m + 4m + 8m of backoff between five attempts.
	assert.Equal(t, 15*time.Minute, advanced)
	assert.Equal(t, epoch.Add(15*time.Minute), clk.Now())
	assert.Less(t, time.Since(realStart), 5*time.Second)
}

func TestInvokeRetriesUntilSuccess(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	inv := newTestInvoker(t, clk)

	call := ActivityCall{
		Step: "book_hotel",
		Activity: NewActivity("book_hotel", func(_ context.Context, actx *ActivityContext) (any, error) {
			if actx.Attempt < 3 {
				return nil, errors.New("service unavailable")
			}
			return "ok", nil
		}),
		Options: ActivityOptions{RetryPolicy: RetryPolicy{InitialInterval: time.Second}},
	}

	var outcome ActivityOutcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome = inv.Invoke(context.Background(), call, nil)
	}()
	assert.Equal(t, 3*time.Second, advanceUntil(t, clk, done))

	require.True(t, outcome.Succeeded())
	assert.Equal(t, 3, outcome.Attempts)
}

func TestInvokeNonRetryableErrorType(t *testing.T) {
	inv := newTestInvoker(t, clock.NewVirtual(epoch))

	calls := 0
	call := ActivityCall{
		Step: "book_hotel",
		Activity: NewActivity("book_hotel", func(context.Context, *ActivityContext) (any, error) {
			calls++
			return nil, Transient("ValueError", errors.New("invalid hotel"))
		}),
		Options: ActivityOptions{RetryPolicy: RetryPolicy{NonRetryableErrorTypes: []string{"ValueError"}}},
	}

	outcome := inv.Invoke(context.Background(), call, nil)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, "ValueError", outcome.Failure.Type)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, calls)
}

func TestInvokeStartToCloseTimeout(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	inv := newTestInvoker(t, clk)

	call := ActivityCall{
		Step: "book_flight",
		Activity: NewActivity("book_flight", func(ctx context.Context, _ *ActivityContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Options: ActivityOptions{
			StartToCloseTimeout: 10 * time.Second,
			RetryPolicy:         RetryPolicy{InitialInterval: time.Second, MaximumAttempts: 2},
		},
	}

	var outcome ActivityOutcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome = inv.Invoke(context.Background(), call, nil)
	}()
	advanceUntil(t, clk, done)

	require.NotNil(t, outcome.Failure)
	assert.Equal(t, FailureTimeout, outcome.Failure.Kind)
	assert.Equal(t, 2, outcome.Attempts)
	assert.True(t, outcome.Indeterminate)
	assert.Equal(t, epoch.Add(21*time.Second), clk.Now())
	assert.Zero(t, clk.Pending())
}

func TestInvokeCancellationIsPrompt(t *testing.T) {
	inv := newTestInvoker(t, clock.Real())
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	call := ActivityCall{
		Step: "book_car",
		Activity: NewActivity("book_car", func(ctx context.Context, _ *ActivityContext) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}

	result := make(chan ActivityOutcome, 1)
	go func() { result <- inv.Invoke(ctx, call, nil) }()

	<-started
	cancel()

	select {
	case outcome := <-result:
		require.NotNil(t, outcome.Failure)
		assert.Equal(t, FailureCancelled, outcome.Failure.Kind)
		assert.Equal(t, 1, outcome.Attempts)
		assert.True(t, outcome.Indeterminate, "the aborted attempt may have taken effect")
	case <-time.After(time.Second):
		t.Fatal("invoke did not return after cancellation")
	}
}

func TestInvokeCancelledDuringBackoff(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	inv := newTestInvoker(t, clk)
	ctx, cancel := context.WithCancel(context.Background())

	call := ActivityCall{
		Step: "book_car",
		Activity: NewActivity("book_car", func(context.Context, *ActivityContext) (any, error) {
			return nil, errors.New("unavailable")
		}),
		Options: ActivityOptions{RetryPolicy: RetryPolicy{InitialInterval: time.Hour}},
	}

	result := make(chan ActivityOutcome, 1)
	go func() { result <- inv.Invoke(ctx, call, nil) }()

	require.NoError(t, clk.BlockUntil(context.Background(), 1))
	cancel()

	outcome := <-result
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, FailureCancelled, outcome.Failure.Kind)
	assert.Equal(t, 1, outcome.Attempts)
	assert.False(t, outcome.Indeterminate, "the only attempt failed before the backoff")
}

func TestInvokeTimeoutThenCancelledDuringBackoff(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	inv := newTestInvoker(t, clk)
	ctx, cancel := context.WithCancel(context.Background())

	call := ActivityCall{
		Step: "book_flight",
		Activity: NewActivity("book_flight", func(ctx context.Context, _ *ActivityContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Options: ActivityOptions{
			StartToCloseTimeout: 10 * time.Second,
			RetryPolicy:         RetryPolicy{InitialInterval: time.Hour},
		},
	}

	result := make(chan ActivityOutcome, 1)
	go func() { result <- inv.Invoke(ctx, call, nil) }()

	// attempt 1 times out, then the one hour backoff is pending
	waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, clk.BlockUntil(waitCtx, 1))
	clk.Advance(10 * time.Second)
	for {
		next, ok := clk.NextDeadline()
		if ok && next.Equal(epoch.Add(10*time.Second+time.Hour)) {
			break
		}
		require.NoError(t, waitCtx.Err())
		time.Sleep(time.Millisecond)
	}
	cancel()

	outcome := <-result
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, FailureCancelled, outcome.Failure.Kind)
	assert.Equal(t, 1, outcome.Attempts)
	assert.True(t, outcome.Indeterminate, "the timed out attempt may have taken effect")
}

func TestInvokeRecordsAttemptStartTimes(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	inv := newTestInvoker(t, clk)

	var starts []time.Time
	call := ActivityCall{
		Step: "book_hotel",
		Activity: NewActivity("book_hotel", func(_ context.Context, actx *ActivityContext) (any, error) {
			starts = append(starts, actx.StartedAt)
			if actx.Attempt < 3 {
				return nil, Transient("RuntimeError", errors.New("hotel service is down"))
			}
			return "ok", nil
		}),
		Options: ActivityOptions{RetryPolicy: RetryPolicy{InitialInterval: 5 * time.Second}},
	}

	var outcome ActivityOutcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome = inv.Invoke(context.Background(), call, nil)
	}()
	advanceUntil(t, clk, done)

	require.True(t, outcome.Succeeded())
	assert.Equal(t, []time.Time{
		epoch,
		epoch.Add(5 * time.Second),
		epoch.Add(15 * time.Second),
	}, starts)
}

func TestInvokeDropsHeartbeatsFromAbandonedAttempt(t *testing.T) {
	inv := newTestInvoker(t, clock.Real())
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var payloads []any
	first := make(chan struct{})
	release := make(chan struct{})
	late := make(chan struct{})
	call := ActivityCall{
		Step: "book_hotel",
		Activity: NewActivity("book_hotel", func(_ context.Context, actx *ActivityContext) (any, error) {
			actx.Heartbeat("searching")
			close(first)
			// ignores cancellation and keeps reporting
			<-release
			actx.Heartbeat("still searching")
			close(late)
			return "ok", nil
		}),
	}

	result := make(chan ActivityOutcome, 1)
	go func() {
		result <- inv.Invoke(ctx, call, func(hb Heartbeat) {
			mu.Lock()
			defer mu.Unlock()
			payloads = append(payloads, hb.Payload)
		})
	}()

	<-first
	cancel()
	outcome := <-result
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, FailureCancelled, outcome.Failure.Kind)

	close(release)
	<-late

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"searching"}, payloads)
}

func TestInvokeForwardsHeartbeats(t *testing.T) {
	inv := newTestInvoker(t, clock.Real())

	var mu sync.Mutex
	var beats []Heartbeat
	call := ActivityCall{
		ExecutionID: "exec-1",
		Step:        "book_hotel",
		Activity: NewActivity("book_hotel", func(_ context.Context, actx *ActivityContext) (any, error) {
			actx.Heartbeat("searching")
			actx.Heartbeat("reserving")
			return "ok", nil
		}),
	}

	outcome := inv.Invoke(context.Background(), call, func(hb Heartbeat) {
		mu.Lock()
		defer mu.Unlock()
		beats = append(beats, hb)
	})
	require.True(t, outcome.Succeeded())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, beats, 2)
	assert.Equal(t, "searching", beats[0].Payload)
	assert.Equal(t, StepName("book_hotel"), beats[1].Step)
	assert.Equal(t, 1, beats[1].Attempt)
}

func TestInvokeRecoversPanics(t *testing.T) {
	inv := newTestInvoker(t, clock.Real())

	call := ActivityCall{
		Step: "book_car",
		Activity: NewActivity("book_car", func(context.Context, *ActivityContext) (any, error) {
			panic("nil map")
		}),
	}

	outcome := inv.Invoke(context.Background(), call, nil)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, FailurePermanent, outcome.Failure.Kind)
	assert.Equal(t, "Panic", outcome.Failure.Type)
}

func TestInvokeUnserializableOutput(t *testing.T) {
	inv := newTestInvoker(t, clock.Real())

	call := ActivityCall{
		Step: "book_car",
		Activity: NewActivity("book_car", func(context.Context, *ActivityContext) (any, error) {
			return make(chan int), nil
		}),
	}

	outcome := inv.Invoke(context.Background(), call, nil)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, "SerializeError", outcome.Failure.Type)
}

func TestTypedActivityDecodeFailureIsPermanent(t *testing.T) {
	inv := newTestInvoker(t, clock.Real())

	call := ActivityCall{
		Step:  "book_car",
		Input: []byte(`"not an object"`),
		Activity: NewTypedActivity("book_car", func(_ context.Context, _ *ActivityContext, in OrderInput) (string, error) {
			return in.OrderID, nil
		}),
	}

	outcome := inv.Invoke(context.Background(), call, nil)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, FailurePermanent, outcome.Failure.Kind)
	assert.Equal(t, "DecodeError", outcome.Failure.Type)
	assert.Equal(t, 1, outcome.Attempts)
}

package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// recordRun runs the fixture saga against a memory store and returns the
// live result with its history.
func recordRun(ctx context.Context, t *testing.T, f *orderFixture) (*Result, []ExecutionEvent) {
	t.Helper()

	store := NewMemoryEventStore()
	o := f.orchestrator(t, WithEventStore(store))
	result, err := o.Run(ctx, orderInput, WithExecutionID("exec-replay"))
	require.NoError(t, err)

	events, err := store.ReadAll(context.Background(), "exec-replay")
	require.NoError(t, err)
	return result, events
}

func TestReplaySuccessfulHistoryIsIdempotent(t *testing.T) {
	f := newOrderFixture(t, nil)
	live, events := recordRun(context.Background(), t, f)
	invoked := f.invoked.Load()

	o := f.orchestrator(t)
	first, err := o.Replay(context.Background(), events)
	require.NoError(t, err)
	second, err := o.Replay(context.Background(), events)
	require.NoError(t, err)

	assert.Equal(t, invoked, f.invoked.Load(), "replay must not invoke activities")
	assert.True(t, first.Complete)
	assert.Equal(t, live, first.Result)
	assert.Equal(t, events, first.Events)
	assert.Equal(t, first, second)
}

func TestReplayFailedHistoryReproducesUnwind(t *testing.T) {
	f := newOrderFixture(t, map[ActivityName]func(context.Context, *ActivityContext) (any, error){
		"send_confirmation": failWith(Permanent("SMTPError", errors.New("mailbox unavailable"))),
		"release_inventory": failWith(errors.New("warehouse offline")),
	})
	live, events := recordRun(context.Background(), t, f)

	replayed, err := Replay(context.Background(), f.def, events, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	require.True(t, replayed.Complete)
	assert.Equal(t, live.Status, replayed.Result.Status)
	assert.Equal(t, live.FailedStep, replayed.Result.FailedStep)
	assert.Equal(t, live.Compensated, replayed.Result.Compensated)
	assert.Equal(t, live.CompensationFailures, replayed.Result.CompensationFailures)
}

func TestReplayLogsOnlyAtDebug(t *testing.T) {
	f := newOrderFixture(t, map[ActivityName]func(context.Context, *ActivityContext) (any, error){
		"send_confirmation": failWith(Permanent("SMTPError", errors.New("mailbox unavailable"))),
		"release_inventory": failWith(errors.New("warehouse offline")),
	})
	_, events := recordRun(context.Background(), t, f)

	core, logs := observer.New(zapcore.DebugLevel)
	replayed, err := Replay(context.Background(), f.def, events, WithLogger(zap.New(core)))
	require.NoError(t, err)
	require.True(t, replayed.Complete)

	assert.Zero(t, logs.FilterLevelExact(zapcore.InfoLevel).Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())

	failed := logs.FilterMessage("execution failed, compensating").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.DebugLevel, failed[0].Level)
	assert.Equal(t, true, failed[0].ContextMap()["replay"])
}

func TestReplayCancelledHistory(t *testing.T) {
	f := newOrderFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, events := recordRun(ctx, t, f)

	replayed, err := Replay(context.Background(), f.def, events)
	require.NoError(t, err)

	require.True(t, replayed.Complete)
	assert.Equal(t, "cancelled", replayed.Result.Reason)
	assert.Equal(t, len(events), len(replayed.Events))
}

func TestReplayDetectsChangedActivity(t *testing.T) {
	f := newOrderFixture(t, nil)
	_, events := recordRun(context.Background(), t, f)

	b := NewDefinitionBuilder(orderSaga)
	require.NoError(t, b.Append(Step{Name: "validate_order", Activity: "validate_order"}))
	require.NoError(t, b.Append(Step{Name: "process_payment", Activity: "charge_card", Compensation: "refund_payment"}))
	def, err := b.Build()
	require.NoError(t, err)

	_, err = Replay(context.Background(), def, events)
	var nde *NonDeterminismError
	require.ErrorAs(t, err, &nde)
	assert.Equal(t, int64(4), nde.Sequence)
	assert.Equal(t, ActivityName("process_payment"), nde.Expected.Activity)
	assert.Equal(t, ActivityName("charge_card"), nde.Actual.Activity)
}

func TestReplayDetectsTamperedInput(t *testing.T) {
	f := newOrderFixture(t, nil)
	_, events := recordRun(context.Background(), t, f)

	tampered := append([]ExecutionEvent(nil), events...)
	tampered[3].InputDigest = Digest(json.RawMessage(`{"order_id":"other"}`))

	_, err := Replay(context.Background(), f.def, tampered)
	var nde *NonDeterminismError
	require.ErrorAs(t, err, &nde)
	assert.Equal(t, tampered[3].Sequence, nde.Sequence)
	assert.Contains(t, nde.Reason, "input digest")
}

func TestReplayDetectsReorderedSteps(t *testing.T) {
	f := newOrderFixture(t, nil)
	_, events := recordRun(context.Background(), t, f)

	b := NewDefinitionBuilder(orderSaga)
	require.NoError(t, b.Append(Step{Name: "process_payment", Activity: "process_payment"}))
	require.NoError(t, b.Append(Step{Name: "validate_order", Activity: "validate_order"}))
	def, err := b.Build()
	require.NoError(t, err)

	_, err = Replay(context.Background(), def, events)
	var nde *NonDeterminismError
	require.ErrorAs(t, err, &nde)
	assert.Equal(t, int64(2), nde.Sequence)
}

func TestReplayWrongSagaType(t *testing.T) {
	f := newOrderFixture(t, nil)
	_, events := recordRun(context.Background(), t, f)

	b := NewDefinitionBuilder("trip_booking")
	for _, step := range f.def.Steps() {
		require.NoError(t, b.Append(step))
	}
	def, err := b.Build()
	require.NoError(t, err)

	_, err = Replay(context.Background(), def, events)
	var nde *NonDeterminismError
	require.ErrorAs(t, err, &nde)
	assert.Equal(t, int64(1), nde.Sequence)
}

func TestReplayTruncatedHistory(t *testing.T) {
	f := newOrderFixture(t, nil)
	_, events := recordRun(context.Background(), t, f)

	replayed, err := Replay(context.Background(), f.def, events[:5])
	require.NoError(t, err)

	assert.False(t, replayed.Complete)
	assert.Nil(t, replayed.Result)
	assert.Equal(t, events[:5], replayed.Events)
}

func TestReplayExtraEventsAfterEnd(t *testing.T) {
	f := newOrderFixture(t, nil)
	_, events := recordRun(context.Background(), t, f)

	extra := events[len(events)-1]
	extra.Sequence++
	events = append(events, extra)

	_, err := Replay(context.Background(), f.def, events)
	var nde *NonDeterminismError
	require.ErrorAs(t, err, &nde)
	assert.Equal(t, extra.Sequence, nde.Sequence)
}

func TestReplayRejectsInvalidHistory(t *testing.T) {
	f := newOrderFixture(t, nil)
	_, events := recordRun(context.Background(), t, f)

	_, err := Replay(context.Background(), f.def, nil)
	assert.ErrorIs(t, err, ErrNoStartEvent)

	_, err = Replay(context.Background(), f.def, events[1:])
	assert.ErrorIs(t, err, ErrNoStartEvent)

	swapped := append([]ExecutionEvent(nil), events...)
	swapped[1], swapped[2] = swapped[2], swapped[1]
	_, err = Replay(context.Background(), f.def, swapped)
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestReplayFromHistoryFile(t *testing.T) {
	f := newOrderFixture(t, map[ActivityName]func(context.Context, *ActivityContext) (any, error){
		"process_payment": func(context.Context, *ActivityContext) (any, error) {
			return map[string]any{"payment_id": "pay-9", "amount": 99.99}, nil
		},
	})
	live, events := recordRun(context.Background(), t, f)

	path := filepath.Join(t.TempDir(), "history.json")
	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteHistory(file, events))
	require.NoError(t, file.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "\n      \"payment_id\"", "history file is indented")

	loaded, err := LoadHistoryFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, len(events))
	for i := range events {
		assert.Equal(t, string(events[i].Input), string(loaded[i].Input), "input of event %d", events[i].Sequence)
		assert.Equal(t, string(events[i].Output), string(loaded[i].Output), "output of event %d", events[i].Sequence)
	}

	replayed, err := Replay(context.Background(), f.def, loaded, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.True(t, replayed.Complete)
	assert.Equal(t, live, replayed.Result)
}

func TestLoadHistoryFormats(t *testing.T) {
	f := newOrderFixture(t, nil)
	_, events := recordRun(context.Background(), t, f)

	var lines bytes.Buffer
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		lines.Write(data)
		lines.WriteByte('\n')
	}
	fromLines, err := LoadHistory(&lines)
	require.NoError(t, err)
	assert.Len(t, fromLines, len(events))

	var array bytes.Buffer
	require.NoError(t, WriteHistory(&array, events))
	fromArray, err := LoadHistory(strings.NewReader("\n  " + array.String()))
	require.NoError(t, err)
	assert.Equal(t, kinds(fromLines), kinds(fromArray))

	_, err = LoadHistory(strings.NewReader("   "))
	assert.ErrorIs(t, err, ErrNoStartEvent)

	_, err = LoadHistory(strings.NewReader("{broken"))
	assert.Error(t, err)
}

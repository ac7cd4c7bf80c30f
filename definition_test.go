package saga

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionBuilderKeepsAppendOrder(t *testing.T) {
	f := newOrderFixture(t, nil)

	var names []StepName
	for _, step := range f.def.Steps() {
		names = append(names, step.Name)
	}
	assert.Equal(t, []StepName{"validate_order", "process_payment", "update_inventory", "send_confirmation"}, names)
	assert.Equal(t, orderSaga, f.def.Type())
}

func TestDefinitionBuilderValidation(t *testing.T) {
	b := NewDefinitionBuilder("trip")
	require.NoError(t, b.Append(Step{Name: "book_car", Activity: "book_car"}))

	err := b.Append(Step{Name: "book_car", Activity: "book_car"})
	assert.ErrorContains(t, err, "already exists")

	assert.Error(t, b.Append(Step{Name: "book_hotel"}))
	assert.Error(t, b.Append(Step{Activity: "book_hotel"}))

	_, err = NewDefinitionBuilder("empty").Build()
	assert.ErrorContains(t, err, "has no steps")

	_, err = NewDefinitionBuilder("").Build()
	assert.Error(t, err)
}

func TestDefinitionCompensationDefaultsToOneAttempt(t *testing.T) {
	b := NewDefinitionBuilder("trip")
	require.NoError(t, b.Append(Step{Name: "book_car", Activity: "book_car", Compensation: "undo_book_car"}))
	require.NoError(t, b.Append(Step{
		Name:                "book_hotel",
		Activity:            "book_hotel",
		Compensation:        "undo_book_hotel",
		CompensationOptions: ActivityOptions{RetryPolicy: RetryPolicy{MaximumAttempts: 5}},
	}))
	def, err := b.Build()
	require.NoError(t, err)

	steps := def.Steps()
	assert.Equal(t, 1, steps[0].CompensationOptions.RetryPolicy.MaximumAttempts)
	assert.Equal(t, 5, steps[1].CompensationOptions.RetryPolicy.MaximumAttempts)
}

func TestDefinitionStepInput(t *testing.T) {
	step := Step{Name: "book_car", Activity: "book_car", Input: func(in json.RawMessage) (json.RawMessage, error) {
		var order OrderInput
		if err := json.Unmarshal(in, &order); err != nil {
			return nil, err
		}
		return json.Marshal(order.OrderID)
	}}

	in, err := step.input(json.RawMessage(`{"order_id":"o-1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"o-1"`, string(in))

	_, err = step.input(json.RawMessage(`[]`))
	assert.ErrorContains(t, err, `step "book_car" input`)

	passthrough := Step{Name: "s", Activity: "a"}
	in, err = passthrough.input(json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(in))
}

func TestDefinitionExportDOT(t *testing.T) {
	f := newOrderFixture(t, nil)

	dot, err := f.def.ExportDOT()
	require.NoError(t, err)
	assert.Contains(t, dot, "digraph order_processing")
	assert.Contains(t, dot, "validate_order -> process_payment")
	assert.Contains(t, dot, "update_inventory -> send_confirmation")
	assert.Contains(t, dot, "undo: refund_payment")
}

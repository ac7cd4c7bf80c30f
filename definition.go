package saga

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/graph/encoding"

	"github.com/fortressi/saga/dag"
	"github.com/fortressi/saga/set"
)

// InputFunc derives a step's input from the execution input. It must be a
// pure function of its argument.
type InputFunc func(input json.RawMessage) (json.RawMessage, error)

// Step is a named forward activity with an optional compensation.
type Step struct {
	Name     StepName
	Activity ActivityName
	Options  ActivityOptions

	// Compensation is empty for steps that need no undo.
	Compensation        ActivityName
	CompensationOptions ActivityOptions

	// Input defaults to passing the execution input unchanged.
	Input InputFunc
}

func (s Step) input(executionInput json.RawMessage) (json.RawMessage, error) {
	if s.Input == nil {
		return executionInput, nil
	}
	in, err := s.Input(executionInput)
	if err != nil {
		return nil, fmt.Errorf("step %q input: %w", s.Name, err)
	}
	return in, nil
}

// Definition is an immutable ordered list of steps for a saga type.
type Definition struct {
	sagaType SagaType
	steps    []Step
	graph    *dag.Graph
}

// Type returns the saga type the definition describes.
func (d *Definition) Type() SagaType {
	return d.sagaType
}

// Steps returns the steps in execution order.
func (d *Definition) Steps() []Step {
	steps := make([]Step, len(d.steps))
	copy(steps, d.steps)
	return steps
}

// ExportDOT renders the step graph in Graphviz format.
func (d *Definition) ExportDOT() (string, error) {
	return d.graph.ExportToDot(string(d.sagaType))
}

// DefinitionBuilder builds a Definition by appending steps in order.
type DefinitionBuilder struct {
	sagaType  SagaType
	steps     []Step
	stepNames *set.Set[StepName]
}

// NewDefinitionBuilder creates a builder for sagaType.
func NewDefinitionBuilder(sagaType SagaType) *DefinitionBuilder {
	return &DefinitionBuilder{
		sagaType:  sagaType,
		stepNames: set.New[StepName](),
	}
}

// Append adds step after the previously appended one. Compensations without
// explicit options run once.
func (b *DefinitionBuilder) Append(step Step) error {
	if step.Name == "" {
		return errors.New("step name is empty")
	}
	if step.Activity == "" {
		return fmt.Errorf("step '%s' has no activity", step.Name)
	}
	if !b.stepNames.Insert(step.Name) {
		return fmt.Errorf("step with name '%s' already exists", step.Name)
	}
	if step.Compensation != "" && step.CompensationOptions.RetryPolicy.MaximumAttempts == 0 {
		step.CompensationOptions.RetryPolicy.MaximumAttempts = 1
	}

	b.steps = append(b.steps, step)
	return nil
}

// Build validates the steps and returns the Definition.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if b.sagaType == "" {
		return nil, errors.New("saga type is empty")
	}
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("saga '%s' has no steps", b.sagaType)
	}

	g := dag.New()
	byName := make(map[StepName]Step, len(b.steps))
	var prev int64
	for i, step := range b.steps {
		attrs := []encoding.Attribute{
			{Key: "label", Value: fmt.Sprintf("%s\n%s", step.Name, step.Activity)},
		}
		if step.Compensation != "" {
			attrs = append(attrs, encoding.Attribute{Key: "tooltip", Value: "undo: " + string(step.Compensation)})
		}

		id, err := g.AddNamed(string(step.Name), attrs...)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			if err := g.Connect(prev, id); err != nil {
				return nil, err
			}
		}
		prev = id
		byName[step.Name] = step
	}

	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(order))
	for _, name := range order {
		steps = append(steps, byName[StepName(name)])
	}

	return &Definition{
		sagaType: b.sagaType,
		steps:    steps,
		graph:    g,
	}, nil
}

package ops

import (
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

type constOp struct {
	singleOutput
	value *tensors.Tensor
}

// Const returns the operator holding a fixed tensor payload, typically a
// weight decoded by a format loader.
func Const(value *tensors.Tensor) Op { return constOp{value: value} }

func (op constOp) Name() string { return "Const" }

// ConstValue implements ConstValuer.
func (op constOp) ConstValue() *tensors.Tensor { return op.value }

func (op constOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(inputs) != 0 {
		return nil, errors.Errorf("Const takes no inputs, got %d", len(inputs))
	}
	return []*tensors.Tensor{op.value.Retain()}, nil
}

func (op constOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	outputs, err := unifyAt(outputs, 0, facts.FromTensor(op.value))
	if err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

type sourceOp struct {
	singleOutput
	declared *facts.TensorFact
}

// Source returns the placeholder operator for a designated graph input. The
// declared fact (possibly with streaming axes) is what the analyser seeds
// the input edge with, and what plan runs validate supplied tensors against.
func Source(declared *facts.TensorFact) Op {
	if declared == nil {
		declared = facts.Unknown()
	}
	return sourceOp{declared: declared}
}

func (op sourceOp) Name() string { return "Source" }

// DeclaredFact returns the fact the source was declared with.
func (op sourceOp) DeclaredFact() *facts.TensorFact { return op.declared }

func (op sourceOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	// Plan runs substitute the caller-supplied tensor for source nodes and
	// never reach this.
	return nil, errors.Errorf("Source node was not fed an input tensor")
}

func (op sourceOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	outputs, err := unifyAt(outputs, 0, op.declared)
	if err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

type identityOp struct {
	singleOutput
}

// Identity returns the pass-through operator.
func Identity() Op { return identityOp{} }

func (op identityOp) Name() string { return "Identity" }

func (op identityOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("Identity takes 1 input, got %d", len(inputs))
	}
	return []*tensors.Tensor{inputs[0].Retain()}, nil
}

func (op identityOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Identity has 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	}
	// Everything known about either side holds for both, values included.
	inputs, err := unifyAt(inputs, 0, outputs[0])
	if err != nil {
		return nil, nil, err
	}
	outputs, err = unifyAt(outputs, 0, inputs[0])
	if err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

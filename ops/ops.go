// Package ops defines the operator contract of the engine and its built-in
// operator set.
//
// Every node behavior is an Op: a pure forward evaluation over concrete
// tensors plus a local, monotonic inference rule over tensor facts. The
// graph and the analyser only know this interface; they recognize constants
// through the ConstValuer capability instead of downcasting to concrete
// operator types.
package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

// Op is the behavior of one graph node.
//
// Eval computes output tensors from input tensors. It must be deterministic
// and side-effect free: equal inputs give bit-identical outputs, and inputs
// are never mutated.
//
// Infer is the operator's local constraint-propagation rule. Given what is
// currently known about inputs and outputs it may tighten either side, and
// must be monotonic: it only adds knowledge, never removes it. Operators
// with no special rule return the facts unchanged.
type Op interface {
	// Name is the operator type tag, e.g. "Add" or "Const".
	Name() string

	// OutputCount is the number of output slots a node running this op has.
	OutputCount() int

	// Eval computes the outputs. The inputs slice matches the node's input
	// arity; the result matches OutputCount.
	Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)

	// Infer refines input and output facts. The returned slices may share
	// facts with the arguments where nothing was learned.
	Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error)
}

// ConstValuer is implemented by operators whose single output is a fixed
// tensor known at graph construction time.
type ConstValuer interface {
	ConstValue() *tensors.Tensor
}

// singleOutput is embedded by the many operators with exactly one output.
type singleOutput struct{}

func (singleOutput) OutputCount() int { return 1 }

// checkArity panics (with an error caught at the Eval boundary) if the
// number of inputs is wrong.
func checkArity(name string, inputs []*tensors.Tensor, want int) {
	if len(inputs) != want {
		exceptions.Panicf("%s expects %d inputs, got %d", name, want, len(inputs))
	}
}

// safeEval runs a kernel, converting its panics into the operator's error
// return. Kernels report problems with exceptions.Panicf.
func safeEval(name string, fn func() []*tensors.Tensor) (out []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() { out = fn() })
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluating %s", name)
	}
	return out, nil
}

// identityInfer is the rule for operators that learn nothing: facts pass
// through unchanged.
func identityInfer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	return inputs, outputs, nil
}

// unifyAt replaces facts[i] with its unification against fact, reporting
// which side was contradictory.
func unifyAt(factsList []*facts.TensorFact, i int, fact *facts.TensorFact) ([]*facts.TensorFact, error) {
	unified, err := factsList[i].Unify(fact)
	if err != nil {
		return nil, err
	}
	if unified.Equal(factsList[i]) {
		return factsList, nil
	}
	out := make([]*facts.TensorFact, len(factsList))
	copy(out, factsList)
	out[i] = unified
	return out, nil
}

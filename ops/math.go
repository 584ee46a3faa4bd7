package ops

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

// Elementwise binary operators with NumPy-style broadcasting.
//
// Numeric policy: both operands must have the same dtype (no implicit
// promotion, insert an explicit Cast instead). Integer arithmetic wraps on
// overflow following Go semantics. Integer division or modulo by zero is an
// evaluation error; float division by zero follows IEEE-754 (Inf/NaN).
// Integer Pow with a negative exponent is an evaluation error.

type number interface {
	~float32 | ~float64 | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64
}

type binKind int

const (
	kAdd binKind = iota
	kSub
	kMul
	kDiv
	kPow
	kMin
	kMax
	kEqual
	kLess
	kGreater
)

type binaryOp struct {
	singleOutput
	name    string
	kind    binKind
	boolOut bool
}

// Add returns the elementwise addition operator.
func Add() Op { return binaryOp{name: "Add", kind: kAdd} }

// Sub returns the elementwise subtraction operator.
func Sub() Op { return binaryOp{name: "Sub", kind: kSub} }

// Mul returns the elementwise multiplication operator.
func Mul() Op { return binaryOp{name: "Mul", kind: kMul} }

// Div returns the elementwise division operator.
func Div() Op { return binaryOp{name: "Div", kind: kDiv} }

// Pow returns the elementwise power operator.
func Pow() Op { return binaryOp{name: "Pow", kind: kPow} }

// Min returns the elementwise minimum operator.
func Min() Op { return binaryOp{name: "Min", kind: kMin} }

// Max returns the elementwise maximum operator.
func Max() Op { return binaryOp{name: "Max", kind: kMax} }

// Equal returns the elementwise equality comparison, producing Bool.
func Equal() Op { return binaryOp{name: "Equal", kind: kEqual, boolOut: true} }

// Less returns the elementwise less-than comparison, producing Bool.
func Less() Op { return binaryOp{name: "Less", kind: kLess, boolOut: true} }

// Greater returns the elementwise greater-than comparison, producing Bool.
func Greater() Op { return binaryOp{name: "Greater", kind: kGreater, boolOut: true} }

func (op binaryOp) Name() string { return op.name }

func (op binaryOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval(op.name, func() []*tensors.Tensor {
		checkArity(op.name, inputs, 2)
		a, b := inputs[0], inputs[1]
		if a.DType() != b.DType() {
			panic(errors.Wrapf(facts.ErrTypeMismatch,
				"%s requires both operands to have the same dtype, got %s and %s (insert an explicit Cast to %s)",
				op.name, a.DType(), b.DType(), higherPriority(a.DType(), b.DType())))
		}
		if !a.DType().IsNumber() {
			exceptions.Panicf("%s does not accept %s tensors", op.name, a.DType())
		}
		dims, err := broadcastDims(a.Shape(), b.Shape())
		if err != nil {
			panic(err)
		}
		a = broadcastTo(a, dims)
		b = broadcastTo(b, dims)
		if op.boolOut {
			return []*tensors.Tensor{compareKernel(op.kind, a, b)}
		}
		return []*tensors.Tensor{arithKernel(op.kind, a, b)}
	})
}

func higherPriority(a, b dtypes.DType) dtypes.DType {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}

func (op binaryOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 2 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("%s has 2 inputs and 1 output, got %d and %d", op.name, len(inputs), len(outputs))
	}
	var err error

	// The operand dtypes agree, and for arithmetic the output shares them.
	dt := inputs[0].DType()
	if dt == dtypes.InvalidDType {
		dt = inputs[1].DType()
	}
	if !op.boolOut && dt == dtypes.InvalidDType {
		dt = outputs[0].DType()
	}
	if dt != dtypes.InvalidDType {
		if inputs, err = unifyAt(inputs, 0, facts.Typed(dt)); err != nil {
			return nil, nil, err
		}
		if inputs, err = unifyAt(inputs, 1, facts.Typed(dt)); err != nil {
			return nil, nil, err
		}
		if !op.boolOut {
			if outputs, err = unifyAt(outputs, 0, facts.Typed(dt)); err != nil {
				return nil, nil, err
			}
		}
	}
	if op.boolOut {
		if outputs, err = unifyAt(outputs, 0, facts.Typed(dtypes.Bool)); err != nil {
			return nil, nil, err
		}
	}

	// Forward: the output shape is the broadcast of the input shapes.
	bs, err := broadcastShapeFacts(inputs[0].Shape(), inputs[1].Shape())
	if err != nil {
		return nil, nil, err
	}
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(bs)); err != nil {
		return nil, nil, err
	}

	// Backward: against a scalar operand, the other operand has the output's
	// shape (broadcasting with a scalar never changes it).
	if _, closed := outputs[0].Shape().Rank(); closed {
		for i := 0; i < 2; i++ {
			if rank, ok := inputs[i].Shape().Rank(); ok && rank == 0 {
				if inputs, err = unifyAt(inputs, 1-i, facts.Shaped(outputs[0].Shape())); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	return inputs, outputs, nil
}

// arithKernel evaluates an arithmetic kind over two same-shape, same-dtype
// operands. Half-width floats run through the float32 path.
func arithKernel(kind binKind, a, b *tensors.Tensor) *tensors.Tensor {
	dims := a.Shape()
	dtype := a.DType()
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16:
		out := make([]float32, a.Size())
		arithSlice(kind, a.ConvertedFloat32s(), b.ConvertedFloat32s(), out, false)
		t, err := tensors.FromFloat32Converted(dtype, out, dims...)
		if err != nil {
			panic(err)
		}
		return t
	case dtypes.Float32:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Float32s(), b.Float32s(), out.Float32s(), false)
		return out
	case dtypes.Float64:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Float64s(), b.Float64s(), out.Float64s(), false)
		return out
	case dtypes.Int8:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Int8s(), b.Int8s(), out.Int8s(), true)
		return out
	case dtypes.Int16:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Int16s(), b.Int16s(), out.Int16s(), true)
		return out
	case dtypes.Int32:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Int32s(), b.Int32s(), out.Int32s(), true)
		return out
	case dtypes.Int64:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Int64s(), b.Int64s(), out.Int64s(), true)
		return out
	case dtypes.Uint8:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Uint8s(), b.Uint8s(), out.Uint8s(), true)
		return out
	case dtypes.Uint16:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Uint16s(), b.Uint16s(), out.Uint16s(), true)
		return out
	case dtypes.Uint32:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Uint32s(), b.Uint32s(), out.Uint32s(), true)
		return out
	case dtypes.Uint64:
		out := tensors.Zeros(dtype, dims...)
		arithSlice(kind, a.Uint64s(), b.Uint64s(), out.Uint64s(), true)
		return out
	default:
		exceptions.Panicf("arithmetic on %s tensors is not supported", dtype)
		panic(nil) // for lint benefit.
	}
}

func arithSlice[T number](kind binKind, a, b, out []T, isInt bool) {
	switch kind {
	case kAdd:
		for i := range out {
			out[i] = a[i] + b[i]
		}
	case kSub:
		for i := range out {
			out[i] = a[i] - b[i]
		}
	case kMul:
		for i := range out {
			out[i] = a[i] * b[i]
		}
	case kDiv:
		if isInt {
			for i := range out {
				if b[i] == 0 {
					exceptions.Panicf("integer division by zero at element %d", i)
				}
				out[i] = a[i] / b[i]
			}
		} else {
			for i := range out {
				out[i] = a[i] / b[i] // IEEE-754: Inf or NaN on zero divisor.
			}
		}
	case kPow:
		if isInt {
			for i := range out {
				out[i] = intPow(a[i], b[i], i)
			}
		} else {
			for i := range out {
				out[i] = T(math.Pow(float64(a[i]), float64(b[i])))
			}
		}
	case kMin:
		for i := range out {
			out[i] = min(a[i], b[i])
		}
	case kMax:
		for i := range out {
			out[i] = max(a[i], b[i])
		}
	default:
		exceptions.Panicf("unhandled arithmetic kind %d", kind)
	}
}

func intPow[T number](base, exp T, i int) T {
	if exp < 0 {
		exceptions.Panicf("integer power with negative exponent at element %d", i)
	}
	result := T(1)
	for _i := int64(0); _i < int64(exp); _i++ {
		result *= base
	}
	return result
}

// compareKernel evaluates a comparison kind over two same-shape, same-dtype
// operands, producing a Bool tensor.
func compareKernel(kind binKind, a, b *tensors.Tensor) *tensors.Tensor {
	out := tensors.Zeros(dtypes.Bool, a.Shape()...)
	res := out.Bools()
	switch a.DType() {
	case dtypes.Float16, dtypes.BFloat16:
		compareSlice(kind, a.ConvertedFloat32s(), b.ConvertedFloat32s(), res)
	case dtypes.Float32:
		compareSlice(kind, a.Float32s(), b.Float32s(), res)
	case dtypes.Float64:
		compareSlice(kind, a.Float64s(), b.Float64s(), res)
	case dtypes.Int8:
		compareSlice(kind, a.Int8s(), b.Int8s(), res)
	case dtypes.Int16:
		compareSlice(kind, a.Int16s(), b.Int16s(), res)
	case dtypes.Int32:
		compareSlice(kind, a.Int32s(), b.Int32s(), res)
	case dtypes.Int64:
		compareSlice(kind, a.Int64s(), b.Int64s(), res)
	case dtypes.Uint8:
		compareSlice(kind, a.Uint8s(), b.Uint8s(), res)
	case dtypes.Uint16:
		compareSlice(kind, a.Uint16s(), b.Uint16s(), res)
	case dtypes.Uint32:
		compareSlice(kind, a.Uint32s(), b.Uint32s(), res)
	case dtypes.Uint64:
		compareSlice(kind, a.Uint64s(), b.Uint64s(), res)
	default:
		exceptions.Panicf("comparison on %s tensors is not supported", a.DType())
	}
	return out
}

func compareSlice[T number](kind binKind, a, b []T, out []bool) {
	switch kind {
	case kEqual:
		for i := range out {
			out[i] = a[i] == b[i]
		}
	case kLess:
		for i := range out {
			out[i] = a[i] < b[i]
		}
	case kGreater:
		for i := range out {
			out[i] = a[i] > b[i]
		}
	default:
		exceptions.Panicf("unhandled comparison kind %d", kind)
	}
}

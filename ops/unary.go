package ops

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

// Elementwise unary operators. The float transcendentals accept float
// dtypes only; Neg additionally rejects unsigned integers. Domain errors
// (Log of a negative, Sqrt of a negative) follow IEEE-754 and produce NaN.

type unaryKind int

const (
	uNeg unaryKind = iota
	uAbs
	uExp
	uLog
	uSqrt
	uRelu
	uSigmoid
	uTanh
)

type unaryOp struct {
	singleOutput
	name      string
	kind      unaryKind
	floatOnly bool
}

// Neg returns the elementwise negation operator.
func Neg() Op { return unaryOp{name: "Neg", kind: uNeg} }

// Abs returns the elementwise absolute-value operator.
func Abs() Op { return unaryOp{name: "Abs", kind: uAbs} }

// Exp returns the elementwise natural exponential operator.
func Exp() Op { return unaryOp{name: "Exp", kind: uExp, floatOnly: true} }

// Log returns the elementwise natural logarithm operator.
func Log() Op { return unaryOp{name: "Log", kind: uLog, floatOnly: true} }

// Sqrt returns the elementwise square root operator.
func Sqrt() Op { return unaryOp{name: "Sqrt", kind: uSqrt, floatOnly: true} }

// Relu returns the rectified linear activation operator.
func Relu() Op { return unaryOp{name: "Relu", kind: uRelu, floatOnly: true} }

// Sigmoid returns the logistic activation operator.
func Sigmoid() Op { return unaryOp{name: "Sigmoid", kind: uSigmoid, floatOnly: true} }

// Tanh returns the hyperbolic tangent activation operator.
func Tanh() Op { return unaryOp{name: "Tanh", kind: uTanh, floatOnly: true} }

func (op unaryOp) Name() string { return op.name }

func (op unaryOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval(op.name, func() []*tensors.Tensor {
		checkArity(op.name, inputs, 1)
		in := inputs[0]
		dtype := in.DType()
		if op.floatOnly && !dtype.IsFloat() {
			exceptions.Panicf("%s accepts float tensors only, got %s", op.name, dtype)
		}
		if !dtype.IsNumber() {
			exceptions.Panicf("%s does not accept %s tensors", op.name, dtype)
		}
		if op.kind == uNeg && dtype.IsUnsigned() {
			exceptions.Panicf("Neg is undefined for unsigned dtype %s", dtype)
		}

		dims := in.Shape()
		switch dtype {
		case dtypes.Float16, dtypes.BFloat16:
			data := in.ConvertedFloat32s()
			fn := float32Func(op.kind)
			for i, v := range data {
				data[i] = fn(v)
			}
			t, err := tensors.FromFloat32Converted(dtype, data, dims...)
			if err != nil {
				panic(err)
			}
			return []*tensors.Tensor{t}
		case dtypes.Float32:
			out := tensors.Zeros(dtype, dims...)
			fn := float32Func(op.kind)
			src, dst := in.Float32s(), out.Float32s()
			for i, v := range src {
				dst[i] = fn(v)
			}
			return []*tensors.Tensor{out}
		case dtypes.Float64:
			out := tensors.Zeros(dtype, dims...)
			fn := float64Func(op.kind)
			src, dst := in.Float64s(), out.Float64s()
			for i, v := range src {
				dst[i] = fn(v)
			}
			return []*tensors.Tensor{out}
		default:
			// Integer Neg/Abs.
			out := tensors.Zeros(dtype, dims...)
			intUnary(op.kind, in, out)
			return []*tensors.Tensor{out}
		}
	})
}

func (op unaryOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	return shapePreservingInfer(op.name, inputs, outputs)
}

// shapePreservingInfer is shared by the unary operators whose output has the
// input's dtype and shape: the facts unify symmetrically across the edge.
func shapePreservingInfer(name string, inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("%s has 1 input and 1 output, got %d and %d", name, len(inputs), len(outputs))
	}
	shared := facts.TypedShaped(outputs[0].DType(), outputs[0].Shape())
	inputs, err := unifyAt(inputs, 0, shared)
	if err != nil {
		return nil, nil, err
	}
	outputs, err = unifyAt(outputs, 0, facts.TypedShaped(inputs[0].DType(), inputs[0].Shape()))
	if err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

func float32Func(kind unaryKind) func(float32) float32 {
	switch kind {
	case uNeg:
		return func(v float32) float32 { return -v }
	case uAbs:
		return math32.Abs
	case uExp:
		return math32.Exp
	case uLog:
		return math32.Log
	case uSqrt:
		return math32.Sqrt
	case uRelu:
		return func(v float32) float32 { return max(v, 0) }
	case uSigmoid:
		return func(v float32) float32 { return 1 / (1 + math32.Exp(-v)) }
	case uTanh:
		return math32.Tanh
	}
	exceptions.Panicf("unhandled unary kind %d", kind)
	panic(nil) // for lint benefit.
}

func float64Func(kind unaryKind) func(float64) float64 {
	switch kind {
	case uNeg:
		return func(v float64) float64 { return -v }
	case uAbs:
		return math.Abs
	case uExp:
		return math.Exp
	case uLog:
		return math.Log
	case uSqrt:
		return math.Sqrt
	case uRelu:
		return func(v float64) float64 { return max(v, 0) }
	case uSigmoid:
		return func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	case uTanh:
		return math.Tanh
	}
	exceptions.Panicf("unhandled unary kind %d", kind)
	panic(nil) // for lint benefit.
}

func intUnary(kind unaryKind, in, out *tensors.Tensor) {
	switch in.DType() {
	case dtypes.Int8:
		intUnarySlice(kind, in.Int8s(), out.Int8s())
	case dtypes.Int16:
		intUnarySlice(kind, in.Int16s(), out.Int16s())
	case dtypes.Int32:
		intUnarySlice(kind, in.Int32s(), out.Int32s())
	case dtypes.Int64:
		intUnarySlice(kind, in.Int64s(), out.Int64s())
	case dtypes.Uint8:
		copy(out.Uint8s(), in.Uint8s()) // Abs on unsigned is the identity.
	case dtypes.Uint16:
		copy(out.Uint16s(), in.Uint16s())
	case dtypes.Uint32:
		copy(out.Uint32s(), in.Uint32s())
	case dtypes.Uint64:
		copy(out.Uint64s(), in.Uint64s())
	default:
		exceptions.Panicf("unary op on %s tensors is not supported", in.DType())
	}
}

func intUnarySlice[T ~int8 | ~int16 | ~int32 | ~int64](kind unaryKind, a, out []T) {
	switch kind {
	case uNeg:
		for i := range out {
			out[i] = -a[i]
		}
	case uAbs:
		for i := range out {
			if a[i] < 0 {
				out[i] = -a[i]
			} else {
				out[i] = a[i]
			}
		}
	default:
		exceptions.Panicf("unary kind %d is float-only", kind)
	}
}

package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

type matMulOp struct {
	singleOutput
}

// MatMul returns the rank-2 matrix product operator: [m,k] x [k,n] -> [m,n].
// Float dtypes only; the half-precision dtypes compute in float32.
func MatMul() Op { return matMulOp{} }

func (op matMulOp) Name() string { return "MatMul" }

func (op matMulOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("MatMul", func() []*tensors.Tensor {
		checkArity("MatMul", inputs, 2)
		a, b := inputs[0], inputs[1]
		if a.DType() != b.DType() {
			panic(errors.Wrapf(facts.ErrTypeMismatch,
				"MatMul operands have dtypes %s and %s; insert an explicit Cast to %s",
				a.DType(), b.DType(), higherPriority(a.DType(), b.DType())))
		}
		if !a.DType().IsFloat() {
			exceptions.Panicf("MatMul accepts float tensors only, got %s", a.DType())
		}
		if a.Rank() != 2 || b.Rank() != 2 {
			panic(errors.Wrapf(facts.ErrShapeMismatch,
				"MatMul operands must be matrices, got ranks %d and %d", a.Rank(), b.Rank()))
		}
		m, k := a.Shape()[0], a.Shape()[1]
		k2, n := b.Shape()[0], b.Shape()[1]
		if k != k2 {
			panic(errors.Wrapf(facts.ErrShapeMismatch,
				"MatMul inner extents disagree: %v x %v", a.Shape(), b.Shape()))
		}

		switch a.DType() {
		case dtypes.Float64:
			out := tensors.Zeros(dtypes.Float64, m, n)
			gemm64(m, n, k, a.Float64s(), b.Float64s(), out.Float64s())
			return []*tensors.Tensor{out}
		case dtypes.Float32:
			out := tensors.Zeros(dtypes.Float32, m, n)
			gemm32(m, n, k, a.Float32s(), b.Float32s(), out.Float32s())
			return []*tensors.Tensor{out}
		default: // Float16, BFloat16.
			prod := make([]float32, m*n)
			gemm32(m, n, k, a.ConvertedFloat32s(), b.ConvertedFloat32s(), prod)
			out, err := tensors.FromFloat32Converted(a.DType(), prod, m, n)
			if err != nil {
				panic(err)
			}
			return []*tensors.Tensor{out}
		}
	})
}

func gemm32(m, n, k int, a, b, c []float32) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		return // c stays zero.
	}
	blas32.Implementation().Sgemm(blas.NoTrans, blas.NoTrans,
		m, n, k, 1, a, k, b, n, 0, c, n)
}

func gemm64(m, n, k int, a, b, c []float64) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		return
	}
	blas64.Implementation().Dgemm(blas.NoTrans, blas.NoTrans,
		m, n, k, 1, a, k, b, n, 0, c, n)
}

func (op matMulOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 2 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("MatMul has 2 inputs and 1 output, got %d and %d", len(inputs), len(outputs))
	}
	var err error
	if dt := firstDType(inputs[0], inputs[1], outputs[0]); dt != dtypes.InvalidDType {
		shared := facts.Typed(dt)
		if inputs, err = unifyAt(inputs, 0, shared); err != nil {
			return nil, nil, err
		}
		if inputs, err = unifyAt(inputs, 1, shared); err != nil {
			return nil, nil, err
		}
		if outputs, err = unifyAt(outputs, 0, shared); err != nil {
			return nil, nil, err
		}
	}

	// Shapes constrain each other fully: a is [m,k], b is [k,n], out is [m,n].
	m, err := inputs[0].Shape().Dim(0).Unify(outputs[0].Shape().Dim(0))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "MatMul rows")
	}
	k, err := inputs[0].Shape().Dim(1).Unify(inputs[1].Shape().Dim(0))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "MatMul inner extent")
	}
	n, err := inputs[1].Shape().Dim(1).Unify(outputs[0].Shape().Dim(1))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "MatMul columns")
	}
	if inputs, err = unifyAt(inputs, 0, facts.Shaped(facts.ClosedShape(m, k))); err != nil {
		return nil, nil, err
	}
	if inputs, err = unifyAt(inputs, 1, facts.Shaped(facts.ClosedShape(k, n))); err != nil {
		return nil, nil, err
	}
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(m, n))); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

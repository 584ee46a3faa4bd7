package ops

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/internal/xslices"
	"github.com/gomlx/tensorplan/tensors"
)

type reduceKind int

const (
	rSum reduceKind = iota
	rMean
	rMax
	rMin
	rProd
)

func (k reduceKind) String() string {
	switch k {
	case rSum:
		return "ReduceSum"
	case rMean:
		return "ReduceMean"
	case rMax:
		return "ReduceMax"
	case rMin:
		return "ReduceMin"
	case rProd:
		return "ReduceProd"
	}
	return "Reduce?"
}

type reduceOp struct {
	singleOutput
	kind     reduceKind
	axes     []int
	keepDims bool
}

// ReduceSum returns the operator summing over the given axes. Empty axes
// reduce every axis. With keepDims the reduced axes remain with extent 1,
// otherwise they are dropped.
func ReduceSum(axes []int, keepDims bool) Op {
	return reduceOp{kind: rSum, axes: xslices.Clone(axes), keepDims: keepDims}
}

// ReduceMean returns the arithmetic-mean reduction. Float dtypes only.
func ReduceMean(axes []int, keepDims bool) Op {
	return reduceOp{kind: rMean, axes: xslices.Clone(axes), keepDims: keepDims}
}

// ReduceMax returns the maximum reduction.
func ReduceMax(axes []int, keepDims bool) Op {
	return reduceOp{kind: rMax, axes: xslices.Clone(axes), keepDims: keepDims}
}

// ReduceMin returns the minimum reduction.
func ReduceMin(axes []int, keepDims bool) Op {
	return reduceOp{kind: rMin, axes: xslices.Clone(axes), keepDims: keepDims}
}

// ReduceProd returns the product reduction.
func ReduceProd(axes []int, keepDims bool) Op {
	return reduceOp{kind: rProd, axes: xslices.Clone(axes), keepDims: keepDims}
}

func (op reduceOp) Name() string { return op.kind.String() }

// reduceMask resolves the axes against a rank into a per-axis reduced flag.
func (op reduceOp) reduceMask(rank int) ([]bool, error) {
	mask := make([]bool, rank)
	if len(op.axes) == 0 {
		for i := range mask {
			mask[i] = true
		}
		return mask, nil
	}
	for _, a := range op.axes {
		resolved := a
		if resolved < 0 {
			resolved += rank
		}
		if resolved < 0 || resolved >= rank {
			return nil, errors.Errorf("%s axis %d out of range for rank %d", op.Name(), a, rank)
		}
		if mask[resolved] {
			return nil, errors.Errorf("%s axis %d given twice", op.Name(), a)
		}
		mask[resolved] = true
	}
	return mask, nil
}

func (op reduceOp) outputDims(dims []int, mask []bool) []int {
	out := make([]int, 0, len(dims))
	for a, d := range dims {
		if !mask[a] {
			out = append(out, d)
		} else if op.keepDims {
			out = append(out, 1)
		}
	}
	return out
}

func (op reduceOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval(op.Name(), func() []*tensors.Tensor {
		checkArity(op.Name(), inputs, 1)
		in := inputs[0]
		dtype := in.DType()
		if !dtype.IsNumber() {
			exceptions.Panicf("%s does not accept %s tensors", op.Name(), dtype)
		}
		if op.kind == rMean && !dtype.IsFloat() {
			exceptions.Panicf("ReduceMean accepts float tensors only, got %s", dtype)
		}
		dims := in.Shape()
		mask, err := op.reduceMask(len(dims))
		if err != nil {
			panic(err)
		}
		reduced := 1
		for a, d := range dims {
			if mask[a] {
				reduced *= d
			}
		}
		if reduced == 0 && (op.kind == rMax || op.kind == rMin) {
			exceptions.Panicf("%s over an empty extent has no value", op.Name())
		}

		outDims := op.outputDims(dims, mask)
		outSize := xslices.Product(outDims)
		outStrides := rowMajorStrides(outDims)

		// Flat output position for an input index: skip or pin reduced axes.
		outPos := func(idx []int) int {
			pos, next := 0, 0
			for a, i := range idx {
				if mask[a] {
					if op.keepDims {
						next++
					}
					continue
				}
				pos += i * outStrides[next]
				next++
			}
			return pos
		}

		if dtype.IsFloat() {
			src := toFloat64s(in)
			acc := make([]float64, outSize)
			seen := make([]bool, outSize)
			for i := range acc {
				acc[i] = op.floatInit()
			}
			forEachIndex(dims, func(pos int, idx []int) {
				o := outPos(idx)
				acc[o] = op.floatStep(acc[o], src[pos], seen[o])
				seen[o] = true
			})
			if op.kind == rMean {
				for i := range acc {
					acc[i] /= float64(reduced)
				}
			}
			return []*tensors.Tensor{fromFloat64s(dtype, acc, outDims)}
		}

		acc := make([]int64, outSize)
		seen := make([]bool, outSize)
		for i := range acc {
			acc[i] = op.intInit()
		}
		forEachIndex(dims, func(pos int, idx []int) {
			v, err := in.Int64At(pos)
			if err != nil {
				panic(err)
			}
			o := outPos(idx)
			acc[o] = op.intStep(acc[o], v, seen[o])
			seen[o] = true
		})
		out := tensors.Zeros(dtype, outDims...)
		storeInt64s(out, acc)
		return []*tensors.Tensor{out}
	})
}

func (op reduceOp) floatInit() float64 {
	switch op.kind {
	case rProd:
		return 1
	case rMax:
		return math.Inf(-1)
	case rMin:
		return math.Inf(1)
	default:
		return 0
	}
}

func (op reduceOp) floatStep(acc, v float64, seen bool) float64 {
	switch op.kind {
	case rSum, rMean:
		return acc + v
	case rProd:
		return acc * v
	case rMax:
		return math.Max(acc, v)
	default:
		return math.Min(acc, v)
	}
}

func (op reduceOp) intInit() int64 {
	if op.kind == rProd {
		return 1
	}
	return 0
}

func (op reduceOp) intStep(acc, v int64, seen bool) int64 {
	switch op.kind {
	case rSum:
		return acc + v
	case rProd:
		return acc * v
	case rMax:
		if !seen || v > acc {
			return v
		}
		return acc
	default: // rMin
		if !seen || v < acc {
			return v
		}
		return acc
	}
}

// storeInt64s narrows widened accumulators back into an integer tensor,
// wrapping on overflow like the elementwise integer kernels do.
func storeInt64s(t *tensors.Tensor, acc []int64) {
	switch t.DType() {
	case dtypes.Int8:
		narrowInt64s(t.Int8s(), acc)
	case dtypes.Int16:
		narrowInt64s(t.Int16s(), acc)
	case dtypes.Int32:
		narrowInt64s(t.Int32s(), acc)
	case dtypes.Int64:
		copy(t.Int64s(), acc)
	case dtypes.Uint8:
		narrowInt64s(t.Uint8s(), acc)
	case dtypes.Uint16:
		narrowInt64s(t.Uint16s(), acc)
	case dtypes.Uint32:
		narrowInt64s(t.Uint32s(), acc)
	case dtypes.Uint64:
		narrowInt64s(t.Uint64s(), acc)
	default:
		exceptions.Panicf("cannot store integer reduction into %s tensor", t.DType())
	}
}

func narrowInt64s[T ~int8 | ~int16 | ~int32 | ~uint8 | ~uint16 | ~uint32 | ~uint64](dst []T, acc []int64) {
	for i, v := range acc {
		dst[i] = T(v)
	}
}

func (op reduceOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("%s has 1 input and 1 output, got %d and %d", op.Name(), len(inputs), len(outputs))
	}
	var err error
	if dt := firstDType(inputs[0], outputs[0]); dt != dtypes.InvalidDType {
		if inputs, err = unifyAt(inputs, 0, facts.Typed(dt)); err != nil {
			return nil, nil, err
		}
		if outputs, err = unifyAt(outputs, 0, facts.Typed(dt)); err != nil {
			return nil, nil, err
		}
	}

	rank, closed := inputs[0].Shape().Rank()
	if !closed {
		return inputs, outputs, nil
	}
	mask, maskErr := op.reduceMask(rank)
	if maskErr != nil {
		return nil, nil, errors.Wrapf(facts.ErrShapeMismatch, "%s", maskErr)
	}

	outDims := make([]facts.Dim, 0, rank)
	for a := 0; a < rank; a++ {
		if !mask[a] {
			outDims = append(outDims, inputs[0].Shape().Dim(a))
		} else if op.keepDims {
			outDims = append(outDims, facts.KnownDim(1))
		}
	}
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(outDims...))); err != nil {
		return nil, nil, err
	}

	// Backward: the kept axes of the output pin the matching input axes.
	inDims := make([]facts.Dim, rank)
	next := 0
	for a := 0; a < rank; a++ {
		if mask[a] {
			inDims[a] = facts.UnknownDim
			if op.keepDims {
				next++
			}
			continue
		}
		inDims[a] = outputs[0].Shape().Dim(next)
		next++
	}
	if inputs, err = unifyAt(inputs, 0, facts.Shaped(facts.ClosedShape(inDims...))); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

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

type softmaxOp struct {
	singleOutput
	axis int
}

// Softmax returns the softmax activation along the given axis. A negative
// axis counts from the last axis back.
func Softmax(axis int) Op { return softmaxOp{axis: axis} }

func (op softmaxOp) Name() string { return "Softmax" }

func (op softmaxOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Softmax", func() []*tensors.Tensor {
		checkArity("Softmax", inputs, 1)
		in := inputs[0]
		dtype := in.DType()
		if !dtype.IsFloat() {
			exceptions.Panicf("Softmax accepts float tensors only, got %s", dtype)
		}
		dims := in.Shape()
		axis := resolveAxis(op.axis, len(dims))

		data := toFloat64s(in)
		outer := xslices.Product(dims[:axis])
		extent := dims[axis]
		inner := xslices.Product(dims[axis+1:])
		for o := 0; o < outer; o++ {
			for i := 0; i < inner; i++ {
				base := o*extent*inner + i
				// Shift by the row max for numerical stability.
				maxVal := math.Inf(-1)
				for k := 0; k < extent; k++ {
					maxVal = math.Max(maxVal, data[base+k*inner])
				}
				var sum float64
				for k := 0; k < extent; k++ {
					v := math.Exp(data[base+k*inner] - maxVal)
					data[base+k*inner] = v
					sum += v
				}
				for k := 0; k < extent; k++ {
					data[base+k*inner] /= sum
				}
			}
		}
		return []*tensors.Tensor{fromFloat64s(dtype, data, dims)}
	})
}

func (op softmaxOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	return shapePreservingInfer("Softmax", inputs, outputs)
}

// resolveAxis normalizes a possibly-negative axis against a rank.
func resolveAxis(axis, rank int) int {
	resolved := axis
	if resolved < 0 {
		resolved += rank
	}
	if resolved < 0 || resolved >= rank {
		exceptions.Panicf("axis %d is out of range for rank %d", axis, rank)
	}
	return resolved
}

// toFloat64s widens any float tensor to a fresh []float64.
func toFloat64s(t *tensors.Tensor) []float64 {
	switch t.DType() {
	case dtypes.Float64:
		out := make([]float64, t.Size())
		copy(out, t.Float64s())
		return out
	case dtypes.Float32, dtypes.Float16, dtypes.BFloat16:
		in := t.ConvertedFloat32s()
		out := make([]float64, len(in))
		for i, v := range in {
			out[i] = float64(v)
		}
		return out
	default:
		panic(errors.Errorf("toFloat64s called on %s tensor", t.DType()))
	}
}

// fromFloat64s narrows float64 data back into a tensor of the given float
// dtype.
func fromFloat64s(dtype dtypes.DType, data []float64, dims []int) *tensors.Tensor {
	switch dtype {
	case dtypes.Float64:
		t, err := tensors.FromFlat(data, dims...)
		if err != nil {
			panic(err)
		}
		return t
	case dtypes.Float32:
		narrowed := make([]float32, len(data))
		for i, v := range data {
			narrowed[i] = float32(v)
		}
		t, err := tensors.FromFlat(narrowed, dims...)
		if err != nil {
			panic(err)
		}
		return t
	case dtypes.Float16, dtypes.BFloat16:
		narrowed := make([]float32, len(data))
		for i, v := range data {
			narrowed[i] = float32(v)
		}
		t, err := tensors.FromFloat32Converted(dtype, narrowed, dims...)
		if err != nil {
			panic(err)
		}
		return t
	default:
		panic(errors.Errorf("fromFloat64s called with dtype %s", dtype))
	}
}

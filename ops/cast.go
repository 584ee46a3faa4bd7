package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

type castOp struct {
	singleOutput
	to dtypes.DType
}

// Cast returns the dtype-conversion operator. Conversion policy: values are
// widened to float64 (from floats) or int64 (from integers and Bool) and
// then converted to the target, so float-to-int truncates toward zero and
// any-to-Bool yields v != 0. Int64 magnitudes beyond 2^53 may round when
// crossing through a float target.
func Cast(to dtypes.DType) Op { return castOp{to: to} }

func (op castOp) Name() string { return "Cast" }

func (op castOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Cast", func() []*tensors.Tensor {
		checkArity("Cast", inputs, 1)
		in := inputs[0]
		src := in.DType()
		if !src.IsNumber() && src != dtypes.Bool {
			exceptions.Panicf("Cast does not accept %s tensors", src)
		}
		if !op.to.IsNumber() && op.to != dtypes.Bool {
			exceptions.Panicf("Cast cannot target %s", op.to)
		}
		if src == op.to {
			return []*tensors.Tensor{in.Retain()}
		}
		return []*tensors.Tensor{castKernel(in, op.to)}
	})
}

func (op castOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Cast has 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	}
	outputs, err := unifyAt(outputs, 0, facts.TypedShaped(op.to, inputs[0].Shape()))
	if err != nil {
		return nil, nil, err
	}
	inputs, err = unifyAt(inputs, 0, facts.Shaped(outputs[0].Shape()))
	if err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

func castKernel(in *tensors.Tensor, to dtypes.DType) *tensors.Tensor {
	n := in.Size()
	dims := in.Shape()

	// Widen the source to float64 or int64.
	var fsrc []float64
	var isrc []int64
	switch {
	case in.DType().IsFloat():
		fsrc = toFloat64s(in)
	case in.DType() == dtypes.Bool:
		isrc = make([]int64, n)
		for i, v := range in.Bools() {
			if v {
				isrc[i] = 1
			}
		}
	default:
		isrc = make([]int64, n)
		for i := 0; i < n; i++ {
			v, err := in.Int64At(i)
			if err != nil {
				panic(err)
			}
			isrc[i] = v
		}
	}

	at := func(i int) float64 {
		if fsrc != nil {
			return fsrc[i]
		}
		return float64(isrc[i])
	}
	intAt := func(i int) int64 {
		if isrc != nil {
			return isrc[i]
		}
		return int64(fsrc[i]) // Truncates toward zero.
	}

	switch to {
	case dtypes.Float64:
		data := make([]float64, n)
		for i := 0; i < n; i++ {
			data[i] = at(i)
		}
		return mustFromFlat(data, dims)
	case dtypes.Float32:
		data := make([]float32, n)
		for i := 0; i < n; i++ {
			data[i] = float32(at(i))
		}
		return mustFromFlat(data, dims)
	case dtypes.Float16, dtypes.BFloat16:
		data := make([]float32, n)
		for i := 0; i < n; i++ {
			data[i] = float32(at(i))
		}
		t, err := tensors.FromFloat32Converted(to, data, dims...)
		if err != nil {
			panic(err)
		}
		return t
	case dtypes.Int8:
		return castInts[int8](intAt, n, dims)
	case dtypes.Int16:
		return castInts[int16](intAt, n, dims)
	case dtypes.Int32:
		return castInts[int32](intAt, n, dims)
	case dtypes.Int64:
		return castInts[int64](intAt, n, dims)
	case dtypes.Uint8:
		return castInts[uint8](intAt, n, dims)
	case dtypes.Uint16:
		return castInts[uint16](intAt, n, dims)
	case dtypes.Uint32:
		return castInts[uint32](intAt, n, dims)
	case dtypes.Uint64:
		return castInts[uint64](intAt, n, dims)
	case dtypes.Bool:
		data := make([]bool, n)
		if fsrc != nil {
			for i := 0; i < n; i++ {
				data[i] = fsrc[i] != 0
			}
		} else {
			for i := 0; i < n; i++ {
				data[i] = isrc[i] != 0
			}
		}
		return mustFromFlat(data, dims)
	default:
		exceptions.Panicf("Cast cannot target %s", to)
		panic(nil) // for lint benefit.
	}
}

func castInts[T tensors.Supported](intAt func(int) int64, n int, dims []int) *tensors.Tensor {
	data := make([]T, n)
	for i := 0; i < n; i++ {
		data[i] = convertInt[T](intAt(i))
	}
	return mustFromFlat(data, dims)
}

func convertInt[T tensors.Supported](v int64) T {
	var zero T
	switch any(zero).(type) {
	case int8:
		return any(int8(v)).(T)
	case int16:
		return any(int16(v)).(T)
	case int32:
		return any(int32(v)).(T)
	case int64:
		return any(v).(T)
	case uint8:
		return any(uint8(v)).(T)
	case uint16:
		return any(uint16(v)).(T)
	case uint32:
		return any(uint32(v)).(T)
	case uint64:
		return any(uint64(v)).(T)
	}
	panic(errors.Errorf("convertInt on non-integer type %T", zero))
}

func mustFromFlat[T tensors.Supported](data []T, dims []int) *tensors.Tensor {
	t, err := tensors.FromFlat(data, dims...)
	if err != nil {
		panic(err)
	}
	return t
}

package tensors

import (
	"unsafe"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/tensorplan/dtypes"
)

// Typed views over the backing buffer. The views alias tensor memory for
// zero-copy reads; since tensors are immutable after construction, callers
// must never write through them outside the constructing operator.

func view[T any](t *Tensor, want dtypes.DType) []T {
	if t.dtype != want {
		panic(errors.Errorf("tensor dtype is %s, not %s", t.dtype, want))
	}
	n := t.Size()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.buf.data[0])), n)
}

// Float16s returns the elements of a Float16 tensor.
func (t *Tensor) Float16s() []float16.Float16 { return view[float16.Float16](t, dtypes.Float16) }

// BFloat16s returns the elements of a BFloat16 tensor.
func (t *Tensor) BFloat16s() []bfloat16.BF16 { return view[bfloat16.BF16](t, dtypes.BFloat16) }

// Float32s returns the elements of a Float32 tensor.
func (t *Tensor) Float32s() []float32 { return view[float32](t, dtypes.Float32) }

// Float64s returns the elements of a Float64 tensor.
func (t *Tensor) Float64s() []float64 { return view[float64](t, dtypes.Float64) }

// Int8s returns the elements of an Int8 tensor.
func (t *Tensor) Int8s() []int8 { return view[int8](t, dtypes.Int8) }

// Int16s returns the elements of an Int16 tensor.
func (t *Tensor) Int16s() []int16 { return view[int16](t, dtypes.Int16) }

// Int32s returns the elements of an Int32 tensor.
func (t *Tensor) Int32s() []int32 { return view[int32](t, dtypes.Int32) }

// Int64s returns the elements of an Int64 tensor.
func (t *Tensor) Int64s() []int64 { return view[int64](t, dtypes.Int64) }

// Uint8s returns the elements of a Uint8 tensor.
func (t *Tensor) Uint8s() []uint8 { return view[uint8](t, dtypes.Uint8) }

// Uint16s returns the elements of a Uint16 tensor.
func (t *Tensor) Uint16s() []uint16 { return view[uint16](t, dtypes.Uint16) }

// Uint32s returns the elements of a Uint32 tensor.
func (t *Tensor) Uint32s() []uint32 { return view[uint32](t, dtypes.Uint32) }

// Uint64s returns the elements of a Uint64 tensor.
func (t *Tensor) Uint64s() []uint64 { return view[uint64](t, dtypes.Uint64) }

// Bools returns the elements of a Bool tensor.
func (t *Tensor) Bools() []bool { return view[bool](t, dtypes.Bool) }

// ConvertedFloat32s materializes the elements of any float tensor as a fresh
// []float32 slice. Kernels use it to run the half-width formats through the
// float32 code path.
func (t *Tensor) ConvertedFloat32s() []float32 {
	switch t.dtype {
	case dtypes.Float32:
		out := make([]float32, t.Size())
		copy(out, t.Float32s())
		return out
	case dtypes.Float16:
		in := t.Float16s()
		out := make([]float32, len(in))
		for i, v := range in {
			out[i] = v.Float32()
		}
		return out
	case dtypes.BFloat16:
		in := t.BFloat16s()
		out := make([]float32, len(in))
		for i, v := range in {
			out[i] = bfloat16.ToFloat32(v)
		}
		return out
	default:
		panic(errors.Errorf("ConvertedFloat32s called on %s tensor", t.dtype))
	}
}

// Int64At returns element i of any integer tensor widened to int64.
// It is used by operators that take index-like operands (axes, shapes).
func (t *Tensor) Int64At(i int) (int64, error) {
	switch t.dtype {
	case dtypes.Int8:
		return int64(t.Int8s()[i]), nil
	case dtypes.Int16:
		return int64(t.Int16s()[i]), nil
	case dtypes.Int32:
		return int64(t.Int32s()[i]), nil
	case dtypes.Int64:
		return t.Int64s()[i], nil
	case dtypes.Uint8:
		return int64(t.Uint8s()[i]), nil
	case dtypes.Uint16:
		return int64(t.Uint16s()[i]), nil
	case dtypes.Uint32:
		return int64(t.Uint32s()[i]), nil
	case dtypes.Uint64:
		return int64(t.Uint64s()[i]), nil
	default:
		return 0, errors.Errorf("tensor dtype %s is not an integer type", t.dtype)
	}
}

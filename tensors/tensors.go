// Package tensors implements the runtime data unit of the engine: an
// immutable, typed, shaped array of values.
//
// A Tensor is created once, filled by its constructor and never mutated
// afterwards. The backing buffer is reference-counted so tensors can be
// shared between the nodes of an evaluation without deep copies: every
// consumer that wants to outlive the producer calls Retain, and Release
// drops the buffer deterministically when the last reference goes away.
package tensors

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/internal/xslices"
)

// buffer is the reference-counted storage shared by tensors.
type buffer struct {
	data     []byte
	refCount atomic.Int32
}

func newBuffer(size int) *buffer {
	b := &buffer{data: make([]byte, size)}
	b.refCount.Store(1)
	return b
}

func (b *buffer) retain() { b.refCount.Add(1) }

func (b *buffer) release() {
	if b.refCount.Add(-1) == 0 {
		b.data = nil
	}
}

// Tensor is an immutable typed, shaped array of values.
//
// Numeric and Bool tensors are backed by a contiguous row-major byte buffer.
// String tensors keep their elements in a side slice, since elements have no
// fixed width. The zero value is not valid, use one of the constructors.
type Tensor struct {
	dtype dtypes.DType
	shape []int
	buf   *buffer
	strs  []string
}

// Supported constrains the Go types that map directly to a tensor DType.
type Supported interface {
	~float32 | ~float64 | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~bool
}

// DTypeFor returns the DType corresponding to the Go type T.
func DTypeFor[T Supported]() dtypes.DType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case int8:
		return dtypes.Int8
	case int16:
		return dtypes.Int16
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case uint8:
		return dtypes.Uint8
	case uint16:
		return dtypes.Uint16
	case uint32:
		return dtypes.Uint32
	case uint64:
		return dtypes.Uint64
	case bool:
		return dtypes.Bool
	}
	panic(errors.Errorf("tensors: unsupported Go type %T", zero))
}

func checkDims(dims []int) error {
	for i, d := range dims {
		if d < 0 {
			return errors.Errorf("invalid dimension %d at axis %d, dimensions must be non-negative", d, i)
		}
	}
	return nil
}

// Zeros creates a zero-initialized tensor of the given dtype and dimensions.
func Zeros(dtype dtypes.DType, dims ...int) *Tensor {
	if err := checkDims(dims); err != nil {
		panic(err)
	}
	size := xslices.Product(dims)
	if dtype == dtypes.String {
		return &Tensor{dtype: dtype, shape: xslices.Clone(dims), strs: make([]string, size)}
	}
	return &Tensor{
		dtype: dtype,
		shape: xslices.Clone(dims),
		buf:   newBuffer(size * dtype.Size()),
	}
}

// FromFlat creates a tensor from a flat slice of values in row-major order.
// The invariant len(flat) == product(dims) is checked.
func FromFlat[T Supported](flat []T, dims ...int) (*Tensor, error) {
	if err := checkDims(dims); err != nil {
		return nil, err
	}
	if len(flat) != xslices.Product(dims) {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)",
			len(flat), dims, xslices.Product(dims))
	}
	t := Zeros(DTypeFor[T](), dims...)
	if len(flat) > 0 {
		copy(unsafe.Slice((*T)(unsafe.Pointer(&t.buf.data[0])), len(flat)), flat)
	}
	return t, nil
}

// FromScalar creates a rank-0 tensor holding one value.
func FromScalar[T Supported](value T) *Tensor {
	t := Zeros(DTypeFor[T]())
	*(*T)(unsafe.Pointer(&t.buf.data[0])) = value
	return t
}

// FromFloat32Converted creates a Float16 or BFloat16 tensor from float32
// values, converting each element to the narrow storage format.
func FromFloat32Converted(dtype dtypes.DType, flat []float32, dims ...int) (*Tensor, error) {
	if dtype != dtypes.Float16 && dtype != dtypes.BFloat16 {
		return nil, errors.Errorf("FromFloat32Converted supports Float16 and BFloat16, not %s", dtype)
	}
	if err := checkDims(dims); err != nil {
		return nil, err
	}
	if len(flat) != xslices.Product(dims) {
		return nil, errors.Errorf("data length %d does not match shape %v", len(flat), dims)
	}
	t := Zeros(dtype, dims...)
	if dtype == dtypes.Float16 {
		out := t.Float16s()
		for i, v := range flat {
			out[i] = float16.Fromfloat32(v)
		}
	} else {
		out := t.BFloat16s()
		for i, v := range flat {
			out[i] = bfloat16.FromFloat32(v)
		}
	}
	return t, nil
}

// FromStrings creates a String tensor.
func FromStrings(flat []string, dims ...int) (*Tensor, error) {
	if err := checkDims(dims); err != nil {
		return nil, err
	}
	if len(flat) != xslices.Product(dims) {
		return nil, errors.Errorf("data length %d does not match shape %v", len(flat), dims)
	}
	return &Tensor{dtype: dtypes.String, shape: xslices.Clone(dims), strs: xslices.Clone(flat)}, nil
}

// DType returns the element type.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Shape returns the tensor dimensions. The returned slice is owned by the
// tensor and must not be modified.
func (t *Tensor) Shape() []int { return t.shape }

// Rank returns the number of axes. Scalars have rank 0.
func (t *Tensor) Rank() int { return len(t.shape) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return xslices.Product(t.shape) }

// Retain registers one more reference to the backing buffer.
// Every Retain must be balanced by one Release.
func (t *Tensor) Retain() *Tensor {
	if t.buf != nil {
		t.buf.retain()
	}
	return t
}

// Release drops one reference to the backing buffer, freeing it when the
// last reference is gone. Using a tensor after its last Release is invalid.
func (t *Tensor) Release() {
	if t.buf != nil {
		t.buf.release()
	}
}

// Bytes returns the raw backing bytes of a numeric or Bool tensor.
func (t *Tensor) Bytes() []byte {
	if t.buf == nil {
		panic(errors.Errorf("tensor of dtype %s has no byte buffer", t.dtype))
	}
	return t.buf.data
}

// Strings returns the elements of a String tensor.
func (t *Tensor) Strings() []string {
	if t.dtype != dtypes.String {
		panic(errors.Errorf("tensor dtype is %s, not String", t.dtype))
	}
	return t.strs
}

// Equal reports whether two tensors have the same dtype, shape and
// bit-identical contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.dtype != other.dtype || len(t.shape) != len(other.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != other.shape[i] {
			return false
		}
	}
	if t.dtype == dtypes.String {
		for i := range t.strs {
			if t.strs[i] != other.strs[i] {
				return false
			}
		}
		return true
	}
	a, b := t.buf.data, other.buf.data
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// maxElementsToPrint limits how many elements String renders.
const maxElementsToPrint = 16

// String pretty-prints the dtype, shape and a prefix of the values.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%v", t.dtype, t.shape)
	n := min(t.Size(), maxElementsToPrint)
	sb.WriteString(": [")
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(t.elementString(i))
	}
	if t.Size() > n {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

func (t *Tensor) elementString(i int) string {
	switch t.dtype {
	case dtypes.Float16:
		return fmt.Sprintf("%g", t.Float16s()[i].Float32())
	case dtypes.BFloat16:
		return fmt.Sprintf("%g", bfloat16.ToFloat32(t.BFloat16s()[i]))
	case dtypes.Float32:
		return fmt.Sprintf("%g", t.Float32s()[i])
	case dtypes.Float64:
		return fmt.Sprintf("%g", t.Float64s()[i])
	case dtypes.Int8:
		return fmt.Sprintf("%d", t.Int8s()[i])
	case dtypes.Int16:
		return fmt.Sprintf("%d", t.Int16s()[i])
	case dtypes.Int32:
		return fmt.Sprintf("%d", t.Int32s()[i])
	case dtypes.Int64:
		return fmt.Sprintf("%d", t.Int64s()[i])
	case dtypes.Uint8:
		return fmt.Sprintf("%d", t.Uint8s()[i])
	case dtypes.Uint16:
		return fmt.Sprintf("%d", t.Uint16s()[i])
	case dtypes.Uint32:
		return fmt.Sprintf("%d", t.Uint32s()[i])
	case dtypes.Uint64:
		return fmt.Sprintf("%d", t.Uint64s()[i])
	case dtypes.Bool:
		return fmt.Sprintf("%v", t.Bools()[i])
	case dtypes.String:
		return fmt.Sprintf("%q", t.strs[i])
	default:
		return "?"
	}
}

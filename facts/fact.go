package facts

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/tensors"
)

// TensorFact is the lattice element the analyser attaches to every edge:
// what is known so far about the tensor flowing through it.
//
// Each component is optional. A fact holding a concrete Value implies its
// dtype and shape, and the constructors keep them consistent. TensorFact
// values are immutable; refinement always builds a new fact.
type TensorFact struct {
	dtype dtypes.DType // InvalidDType means unknown.
	shape ShapeFact
	value *tensors.Tensor
}

// Unknown returns the bottom fact: nothing known.
func Unknown() *TensorFact {
	return &TensorFact{shape: UnknownShape()}
}

// Typed returns a fact knowing only the dtype.
func Typed(dtype dtypes.DType) *TensorFact {
	return &TensorFact{dtype: dtype, shape: UnknownShape()}
}

// TypedShaped returns a fact knowing the dtype and shape.
func TypedShaped(dtype dtypes.DType, shape ShapeFact) *TensorFact {
	return &TensorFact{dtype: dtype, shape: shape}
}

// Shaped returns a fact knowing only the shape.
func Shaped(shape ShapeFact) *TensorFact {
	return &TensorFact{shape: shape}
}

// FromTensor returns the most specific fact: a concrete value.
func FromTensor(t *tensors.Tensor) *TensorFact {
	return &TensorFact{
		dtype: t.DType(),
		shape: ShapeOf(t.Shape()...),
		value: t,
	}
}

// DType returns the dtype component; InvalidDType means unknown.
func (f *TensorFact) DType() dtypes.DType { return f.dtype }

// Shape returns the shape component.
func (f *TensorFact) Shape() ShapeFact { return f.shape }

// Value returns the concrete value, or nil if unknown.
func (f *TensorFact) Value() *tensors.Tensor { return f.value }

// IsConcrete reports whether the fact pins down an exact tensor value.
func (f *TensorFact) IsConcrete() bool { return f.value != nil }

// WithDType returns a copy of the fact with the dtype set.
func (f *TensorFact) WithDType(dtype dtypes.DType) *TensorFact {
	c := *f
	c.dtype = dtype
	return &c
}

// WithShape returns a copy of the fact with the shape set.
func (f *TensorFact) WithShape(shape ShapeFact) *TensorFact {
	c := *f
	c.shape = shape
	return &c
}

// WithValue returns the concrete fact for the value, which must be
// consistent with what the fact already knows.
func (f *TensorFact) WithValue(t *tensors.Tensor) (*TensorFact, error) {
	return f.Unify(FromTensor(t))
}

// Equal reports whether two facts carry the same knowledge. Values are
// compared bit-exactly.
func (f *TensorFact) Equal(other *TensorFact) bool {
	if f.dtype != other.dtype || !f.shape.Equal(other.shape) {
		return false
	}
	if (f.value == nil) != (other.value == nil) {
		return false
	}
	return f.value == nil || f.value.Equal(other.value)
}

// Unify combines the knowledge of two facts, failing on any contradiction.
// It is commutative, and unifying with Unknown returns the other fact
// unchanged.
func (f *TensorFact) Unify(other *TensorFact) (*TensorFact, error) {
	out := &TensorFact{dtype: f.dtype}
	switch {
	case f.dtype == dtypes.InvalidDType:
		out.dtype = other.dtype
	case other.dtype == dtypes.InvalidDType || other.dtype == f.dtype:
		// Keep f's dtype.
	default:
		return nil, errors.Wrapf(ErrTypeMismatch, "dtypes %s and %s are incompatible", f.dtype, other.dtype)
	}

	var err error
	out.shape, err = f.shape.Unify(other.shape)
	if err != nil {
		return nil, err
	}

	switch {
	case f.value == nil:
		out.value = other.value
	case other.value == nil:
		out.value = f.value
	case f.value.Equal(other.value):
		out.value = f.value
	default:
		return nil, errors.Wrapf(ErrTypeMismatch, "facts carry different concrete values %s and %s", f.value, other.value)
	}
	return out, nil
}

// MatchesTensor validates a concrete tensor against the fact, for example a
// user-supplied input against the declared input fact. Streaming axes match
// any extent. The error identifies which component failed.
func (f *TensorFact) MatchesTensor(t *tensors.Tensor) error {
	if f.dtype != dtypes.InvalidDType && f.dtype != t.DType() {
		return errors.Wrapf(ErrTypeMismatch, "tensor has dtype %s, expected %s", t.DType(), f.dtype)
	}
	shape := t.Shape()
	if rank, ok := f.shape.Rank(); ok && rank != len(shape) {
		return errors.Wrapf(ErrShapeMismatch, "tensor has rank %d, expected %d", len(shape), rank)
	}
	if f.shape.IsOpen() && len(shape) < len(f.shape.Dims()) {
		return errors.Wrapf(ErrShapeMismatch, "tensor has rank %d, expected at least %d", len(shape), len(f.shape.Dims()))
	}
	for axis, d := range f.shape.Dims() {
		if want, ok := d.Value(); ok && want != shape[axis] {
			return errors.Wrapf(ErrShapeMismatch, "axis %d has extent %d, expected %d", axis, shape[axis], want)
		}
	}
	if f.value != nil && !f.value.Equal(t) {
		return errors.Wrapf(ErrTypeMismatch, "tensor differs from the known constant value %s", f.value)
	}
	return nil
}

// String renders the fact as "dtype shape" plus a value marker.
func (f *TensorFact) String() string {
	dt := "?"
	if f.dtype != dtypes.InvalidDType {
		dt = f.dtype.String()
	}
	if f.value != nil {
		return fmt.Sprintf("%s%s=%s", dt, f.shape, f.value)
	}
	return fmt.Sprintf("%s%s", dt, f.shape)
}

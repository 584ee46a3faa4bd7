// Package dtypes defines the closed set of element types a tensor can carry.
//
// DType is deliberately a small enumeration: operators switch over it when
// dispatching kernels, and facts compare it for equality during analysis.
// There is no implicit promotion at evaluation time -- binary operators
// require matching dtypes and report a type error otherwise. Priority is
// only used to produce better error messages and by collaborators that want
// to insert explicit Cast nodes.
package dtypes

import "github.com/pkg/errors"

// DType is the element type of a tensor.
type DType int

const (
	// InvalidDType is the zero value, it represents "no dtype" in facts.
	InvalidDType DType = iota

	Float16
	BFloat16
	Float32
	Float64
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Bool

	// String tensors hold variable-length byte strings. They are storage-only:
	// no arithmetic kernel accepts them.
	String

	// Opaque marks payloads the engine passes through without interpreting.
	Opaque
)

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float16:
		return "Float16"
	case BFloat16:
		return "BFloat16"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case Int8:
		return "Int8"
	case Int16:
		return "Int16"
	case Int32:
		return "Int32"
	case Int64:
		return "Int64"
	case Uint8:
		return "Uint8"
	case Uint16:
		return "Uint16"
	case Uint32:
		return "Uint32"
	case Uint64:
		return "Uint64"
	case Bool:
		return "Bool"
	case String:
		return "String"
	case Opaque:
		return "Opaque"
	default:
		return "InvalidDType"
	}
}

// FromString maps a dtype name, as rendered by String, back to the DType.
// Unknown names return InvalidDType and an error.
func FromString(name string) (DType, error) {
	for dtype := Float16; dtype <= Opaque; dtype++ {
		if dtype.String() == name {
			return dtype, nil
		}
	}
	return InvalidDType, errors.Errorf("unknown dtype name %q", name)
}

// Size returns the size in bytes of one element. It panics for String and
// Opaque, which have no fixed element width -- use Tensor accessors instead.
func (dtype DType) Size() int {
	switch dtype {
	case Float16, BFloat16, Int16, Uint16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64, Uint64:
		return 8
	case Int8, Uint8, Bool:
		return 1
	default:
		panic(errors.Errorf("dtype %s has no fixed element size", dtype))
	}
}

// IsFloat returns whether the dtype is a floating point type of any width.
func (dtype DType) IsFloat() bool {
	switch dtype {
	case Float16, BFloat16, Float32, Float64:
		return true
	}
	return false
}

// IsInt returns whether the dtype is a signed or unsigned integer type.
func (dtype DType) IsInt() bool {
	switch dtype {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64:
		return true
	}
	return false
}

// IsUnsigned returns whether the dtype is an unsigned integer type.
func (dtype DType) IsUnsigned() bool {
	switch dtype {
	case Uint8, Uint16, Uint32, Uint64:
		return true
	}
	return false
}

// IsNumber returns whether arithmetic kernels accept the dtype.
func (dtype DType) IsNumber() bool {
	return dtype.IsFloat() || dtype.IsInt()
}

// Priority returns a promotion priority, higher values meaning higher
// precision. The engine never promotes implicitly; collaborators building
// graphs can use this to decide which explicit Cast to insert, and error
// messages use it to suggest one.
func (dtype DType) Priority() int {
	switch dtype {
	case Float64:
		return 100
	case Float32:
		return 90
	case Float16, BFloat16:
		return 80
	case Int64:
		return 70
	case Int32:
		return 60
	case Int16:
		return 50
	case Int8:
		return 40
	case Uint64:
		return 35
	case Uint32:
		return 30
	case Uint16:
		return 25
	case Uint8:
		return 20
	case Bool:
		return 10
	default:
		return 0
	}
}

package facts

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/internal/xslices"
)

// ShapeFact is partial knowledge about a tensor shape.
//
// A closed shape has known rank: dims holds one fact per axis. An open shape
// has unknown rank: dims is a known prefix and any number of further axes may
// follow. The fully unknown shape is the open shape with an empty prefix.
type ShapeFact struct {
	open bool
	dims []Dim
}

// UnknownShape returns the fact carrying no shape knowledge at all.
func UnknownShape() ShapeFact { return ShapeFact{open: true} }

// ClosedShape returns a fact with known rank and the given per-axis facts.
func ClosedShape(dims ...Dim) ShapeFact { return ShapeFact{dims: dims} }

// OpenShape returns a fact whose rank is unknown beyond the given prefix.
func OpenShape(prefix ...Dim) ShapeFact { return ShapeFact{open: true, dims: prefix} }

// ShapeOf returns the closed fact describing a concrete shape.
func ShapeOf(dims ...int) ShapeFact {
	return ShapeFact{dims: xslices.Map(dims, KnownDim)}
}

// IsOpen reports whether the rank is still unknown.
func (s ShapeFact) IsOpen() bool { return s.open }

// Rank returns the rank and whether it is known.
func (s ShapeFact) Rank() (int, bool) {
	if s.open {
		return 0, false
	}
	return len(s.dims), true
}

// Dims returns the per-axis facts (the known prefix, for open shapes).
// The returned slice is owned by the fact and must not be modified.
func (s ShapeFact) Dims() []Dim { return s.dims }

// Dim returns the fact for one axis. Axes beyond the known prefix of an
// open shape are UnknownDim.
func (s ShapeFact) Dim(axis int) Dim {
	if axis < len(s.dims) {
		return s.dims[axis]
	}
	return UnknownDim
}

// Concrete returns the shape as concrete integers if every axis is known.
func (s ShapeFact) Concrete() ([]int, bool) {
	if s.open {
		return nil, false
	}
	out := make([]int, len(s.dims))
	for i, d := range s.dims {
		v, ok := d.Value()
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// Equal reports whether two shape facts carry the same knowledge.
func (s ShapeFact) Equal(other ShapeFact) bool {
	if s.open != other.open || len(s.dims) != len(other.dims) {
		return false
	}
	for i := range s.dims {
		if !s.dims[i].Equal(other.dims[i]) {
			return false
		}
	}
	return true
}

// Unify combines the knowledge of two shape facts. Two closed shapes must
// have equal rank; an open shape accepts any rank at least as long as its
// prefix; axes unify pointwise.
func (s ShapeFact) Unify(other ShapeFact) (ShapeFact, error) {
	switch {
	case !s.open && !other.open:
		if len(s.dims) != len(other.dims) {
			return ShapeFact{}, errors.Wrapf(ErrShapeMismatch, "ranks %d and %d are incompatible", len(s.dims), len(other.dims))
		}
	case s.open && !other.open:
		if len(other.dims) < len(s.dims) {
			return ShapeFact{}, errors.Wrapf(ErrShapeMismatch, "rank %d is shorter than known prefix %s", len(other.dims), s)
		}
	case !s.open && other.open:
		if len(s.dims) < len(other.dims) {
			return ShapeFact{}, errors.Wrapf(ErrShapeMismatch, "rank %d is shorter than known prefix %s", len(s.dims), other)
		}
	}

	n := max(len(s.dims), len(other.dims))
	dims := make([]Dim, n)
	for i := 0; i < n; i++ {
		d, err := s.Dim(i).Unify(other.Dim(i))
		if err != nil {
			return ShapeFact{}, errors.WithMessagef(err, "axis %d of %s vs %s", i, s, other)
		}
		dims[i] = d
	}
	return ShapeFact{open: s.open && other.open, dims: dims}, nil
}

// String renders the shape as "[2,S,?]", with ",..." marking open rank.
func (s ShapeFact) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, d := range s.dims {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(d.String())
	}
	if s.open {
		if len(s.dims) > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("...")
	}
	sb.WriteString("]")
	return sb.String()
}

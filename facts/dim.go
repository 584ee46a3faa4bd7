// Package facts implements the partial-knowledge lattice the analyser
// propagates over the graph: dimensions, shapes and tensor facts.
//
// Everything here is analysis-time only. Evaluation works on concrete
// tensors and never consults a fact.
package facts

import (
	"strconv"

	"github.com/pkg/errors"
)

// Sentinels for the two contradiction kinds unification can hit. They are
// wrapped with context (which component, which axis) at the point of failure.
var (
	ErrTypeMismatch  = errors.New("type mismatch")
	ErrShapeMismatch = errors.New("shape mismatch")
)

type dimKind uint8

const (
	dimUnknown dimKind = iota
	dimKnown
	dimStreaming
)

// Dim is partial knowledge about one axis extent: a known non-negative
// integer, the symbolic streaming extent, or unknown.
//
// Streaming is not "unknown": it is the positive statement that the axis is
// resolved only at evaluation time (typically the batch axis). The analyser
// never narrows it to an integer; operators propagate it structurally.
type Dim struct {
	kind  dimKind
	value int
}

// UnknownDim is the bottom element: no knowledge about the axis.
var UnknownDim = Dim{}

// StreamingDim is the symbolic runtime-determined extent.
var StreamingDim = Dim{kind: dimStreaming}

// KnownDim returns a dimension known to be exactly n. It panics on a
// negative n, which never denotes a valid extent.
func KnownDim(n int) Dim {
	if n < 0 {
		panic(errors.Errorf("dimension cannot be negative, got %d", n))
	}
	return Dim{kind: dimKnown, value: n}
}

// IsKnown reports whether the extent is a concrete integer.
func (d Dim) IsKnown() bool { return d.kind == dimKnown }

// IsStreaming reports whether the axis is the symbolic streaming extent.
func (d Dim) IsStreaming() bool { return d.kind == dimStreaming }

// IsUnknown reports whether nothing is known about the axis.
func (d Dim) IsUnknown() bool { return d.kind == dimUnknown }

// Value returns the concrete extent and whether it is known.
func (d Dim) Value() (int, bool) { return d.value, d.kind == dimKnown }

// Equal reports whether two dimension facts carry the same knowledge.
func (d Dim) Equal(other Dim) bool { return d.kind == other.kind && d.value == other.value }

// Unify combines the knowledge of two dimension facts. Unknown is the
// identity; two known extents must agree; Streaming only unifies with
// itself or Unknown.
func (d Dim) Unify(other Dim) (Dim, error) {
	switch {
	case d.kind == dimUnknown:
		return other, nil
	case other.kind == dimUnknown:
		return d, nil
	case d.kind == other.kind && d.value == other.value:
		return d, nil
	default:
		return UnknownDim, errors.Wrapf(ErrShapeMismatch, "dimensions %s and %s are incompatible", d, other)
	}
}

// String renders known extents as their value, streaming as "S" and
// unknown as "?".
func (d Dim) String() string {
	switch d.kind {
	case dimKnown:
		return strconv.Itoa(d.value)
	case dimStreaming:
		return "S"
	default:
		return "?"
	}
}

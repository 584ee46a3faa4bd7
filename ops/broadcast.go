package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

// NumPy-style broadcasting: shapes align from the right, axes are compatible
// when equal or when one side is 1, missing axes count as 1.

// broadcastDims returns the broadcast of two concrete shapes.
func broadcastDims(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i >= n-len(a) {
			da = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			db = b[i-(n-len(b))]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, errors.Wrapf(facts.ErrShapeMismatch,
				"shapes %v and %v do not broadcast, axis %d has extents %d and %d", a, b, i, da, db)
		}
	}
	return out, nil
}

// broadcastShapeFacts is the analysis-time counterpart of broadcastDims.
// Open ranks make the result rank unknowable. Per axis:
// a known 1 yields the other side, equal facts yield themselves, a streaming
// axis against a known extent other than 1 stays unknown (it cannot be
// proven compatible nor contradictory until evaluation), and two known
// extents that differ with neither being 1 are a contradiction.
func broadcastShapeFacts(a, b facts.ShapeFact) (facts.ShapeFact, error) {
	if a.IsOpen() || b.IsOpen() {
		return facts.UnknownShape(), nil
	}
	ra, _ := a.Rank()
	rb, _ := b.Rank()
	n := max(ra, rb)
	dims := make([]facts.Dim, n)
	for i := 0; i < n; i++ {
		da, db := facts.KnownDim(1), facts.KnownDim(1)
		if i >= n-ra {
			da = a.Dim(i - (n - ra))
		}
		if i >= n-rb {
			db = b.Dim(i - (n - rb))
		}
		d, err := broadcastDimFacts(da, db)
		if err != nil {
			return facts.ShapeFact{}, errors.WithMessagef(err, "broadcasting %s and %s at axis %d", a, b, i)
		}
		dims[i] = d
	}
	return facts.ClosedShape(dims...), nil
}

func broadcastDimFacts(da, db facts.Dim) (facts.Dim, error) {
	va, oka := da.Value()
	vb, okb := db.Value()
	switch {
	case da.Equal(db):
		return da, nil
	case oka && va == 1:
		return db, nil
	case okb && vb == 1:
		return da, nil
	case oka && okb:
		return facts.UnknownDim, errors.Wrapf(facts.ErrShapeMismatch, "extents %d and %d do not broadcast", va, vb)
	default:
		// A streaming or unknown axis against anything else: undecidable here.
		return facts.UnknownDim, nil
	}
}

// broadcastTo materializes t expanded to dims, which must be a broadcast
// result of t's shape. Works on raw element bytes, so it serves every
// fixed-width dtype. Returns t itself when no expansion is needed.
func broadcastTo(t *tensors.Tensor, dims []int) *tensors.Tensor {
	shape := t.Shape()
	if len(shape) == len(dims) {
		same := true
		for i := range dims {
			if shape[i] != dims[i] {
				same = false
				break
			}
		}
		if same {
			return t
		}
	}

	out := tensors.Zeros(t.DType(), dims...)
	elem := t.DType().Size()
	src, dst := t.Bytes(), out.Bytes()

	// Row-major strides of the source, aligned to the output rank; axes that
	// broadcast (extent 1 against a larger output extent) get stride 0.
	strides := make([]int, len(dims))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		axis := i + len(dims) - len(shape)
		if shape[i] == dims[axis] {
			strides[axis] = stride
		} else if shape[i] != 1 {
			exceptions.Panicf("cannot broadcast shape %v to %v", shape, dims)
		}
		stride *= shape[i]
	}

	idx := make([]int, len(dims))
	outSize := out.Size()
	for pos := 0; pos < outSize; pos++ {
		srcPos := 0
		for axis := range idx {
			srcPos += idx[axis] * strides[axis]
		}
		copy(dst[pos*elem:(pos+1)*elem], src[srcPos*elem:srcPos*elem+elem])
		for axis := len(idx) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < dims[axis] {
				break
			}
			idx[axis] = 0
		}
	}
	return out
}

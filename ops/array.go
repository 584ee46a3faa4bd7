package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/internal/xslices"
	"github.com/gomlx/tensorplan/tensors"
)

// Shape-manipulation operators. The kernels work on raw element bytes so a
// single implementation serves every fixed-width dtype.

// forEachIndex iterates the row-major positions of a shape, handing the
// flat position and the multi-dimensional index to fn.
func forEachIndex(dims []int, fn func(pos int, idx []int)) {
	size := xslices.Product(dims)
	idx := make([]int, len(dims))
	for pos := 0; pos < size; pos++ {
		fn(pos, idx)
		for axis := len(idx) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < dims[axis] {
				break
			}
			idx[axis] = 0
		}
	}
}

func rowMajorStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

// dimProduct multiplies dimension facts: unknown absorbs everything, a
// streaming factor makes the product streaming, zero is zero.
func dimProduct(dims []facts.Dim) facts.Dim {
	known := 1
	streaming := false
	for _, d := range dims {
		if v, ok := d.Value(); ok {
			known *= v
			continue
		}
		if d.IsStreaming() {
			streaming = true
			continue
		}
		return facts.UnknownDim
	}
	if streaming {
		if known == 0 {
			return facts.KnownDim(0)
		}
		return facts.StreamingDim
	}
	return facts.KnownDim(known)
}

////////////////////////////////////////////////////////////////////
// Reshape
////////////////////////////////////////////////////////////////////

type reshapeOp struct {
	singleOutput
	target []int
}

// Reshape returns the operator reinterpreting its input with the target
// dimensions. At most one target entry may be -1, which is inferred from
// the element count; when the input has a streaming axis the inferred axis
// is streaming as well.
func Reshape(target ...int) Op {
	wildcards := 0
	for _, d := range target {
		if d == -1 {
			wildcards++
		} else if d < 0 {
			panic(errors.Errorf("invalid target dimension %d in Reshape", d))
		}
	}
	if wildcards > 1 {
		panic(errors.Errorf("Reshape allows at most one -1 in the target shape %v", target))
	}
	return reshapeOp{target: xslices.Clone(target)}
}

func (op reshapeOp) Name() string { return "Reshape" }

func (op reshapeOp) resolve(size int) ([]int, error) {
	dims := xslices.Clone(op.target)
	known := 1
	wildcard := -1
	for i, d := range dims {
		if d == -1 {
			wildcard = i
		} else {
			known *= d
		}
	}
	if wildcard >= 0 {
		if known == 0 || size%known != 0 {
			return nil, errors.Errorf("cannot infer -1 in target %v for %d elements", op.target, size)
		}
		dims[wildcard] = size / known
	} else if known != size {
		return nil, errors.Errorf("target shape %v has %d elements, input has %d", op.target, known, size)
	}
	return dims, nil
}

func (op reshapeOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Reshape", func() []*tensors.Tensor {
		checkArity("Reshape", inputs, 1)
		in := inputs[0]
		dims, err := op.resolve(in.Size())
		if err != nil {
			panic(err)
		}
		out := tensors.Zeros(in.DType(), dims...)
		copy(out.Bytes(), in.Bytes())
		return []*tensors.Tensor{out}
	})
}

func (op reshapeOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Reshape has 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
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

	inShape := inputs[0].Shape()
	if concrete, ok := inShape.Concrete(); ok {
		dims, err := op.resolve(xslices.Product(concrete))
		if err != nil {
			return nil, nil, errors.Wrapf(facts.ErrShapeMismatch, "%s", err)
		}
		if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ShapeOf(dims...))); err != nil {
			return nil, nil, err
		}
		return inputs, outputs, nil
	}
	if _, closed := inShape.Rank(); closed {
		// Rank known but some extent symbolic: known target axes stay known.
		// The wildcard stays streaming only when the input has exactly the
		// streaming axis on top of known extents and those extents match the
		// target's, so the wildcard is the stream length itself and not some
		// multiple of it.
		fill := facts.UnknownDim
		if total := dimProduct(inShape.Dims()); total.IsStreaming() {
			knownIn := 1
			for _, d := range inShape.Dims() {
				if v, ok := d.Value(); ok {
					knownIn *= v
				}
			}
			knownTarget := 1
			for _, d := range op.target {
				if d != -1 {
					knownTarget *= d
				}
			}
			if knownIn == knownTarget {
				fill = facts.StreamingDim
			}
		}
		dims := xslices.Map(op.target, func(d int) facts.Dim {
			if d == -1 {
				return fill
			}
			return facts.KnownDim(d)
		})
		if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(dims...))); err != nil {
			return nil, nil, err
		}
	}
	return inputs, outputs, nil
}

func firstDType(fs ...*facts.TensorFact) dtypes.DType {
	for _, f := range fs {
		if f.DType() != dtypes.InvalidDType {
			return f.DType()
		}
	}
	return dtypes.InvalidDType
}

////////////////////////////////////////////////////////////////////
// Transpose
////////////////////////////////////////////////////////////////////

type transposeOp struct {
	singleOutput
	perm []int
}

// Transpose returns the axis-permutation operator. An empty perm reverses
// the axes.
func Transpose(perm ...int) Op { return transposeOp{perm: xslices.Clone(perm)} }

func (op transposeOp) Name() string { return "Transpose" }

func (op transposeOp) permFor(rank int) []int {
	if len(op.perm) == 0 {
		perm := make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
		return perm
	}
	if len(op.perm) != rank {
		exceptions.Panicf("Transpose perm %v does not match rank %d", op.perm, rank)
	}
	seen := make([]bool, rank)
	for _, p := range op.perm {
		if p < 0 || p >= rank || seen[p] {
			exceptions.Panicf("Transpose perm %v is not a permutation of rank %d", op.perm, rank)
		}
		seen[p] = true
	}
	return op.perm
}

func (op transposeOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Transpose", func() []*tensors.Tensor {
		checkArity("Transpose", inputs, 1)
		in := inputs[0]
		dims := in.Shape()
		perm := op.permFor(len(dims))
		outDims := xslices.Map(perm, func(p int) int { return dims[p] })

		out := tensors.Zeros(in.DType(), outDims...)
		elem := in.DType().Size()
		src, dst := in.Bytes(), out.Bytes()
		srcStrides := rowMajorStrides(dims)
		forEachIndex(outDims, func(pos int, idx []int) {
			srcPos := 0
			for axis, p := range perm {
				srcPos += idx[axis] * srcStrides[p]
			}
			copy(dst[pos*elem:(pos+1)*elem], src[srcPos*elem:srcPos*elem+elem])
		})
		return []*tensors.Tensor{out}
	})
}

func (op transposeOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Transpose has 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
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
		rank, closed = outputs[0].Shape().Rank()
	}
	if !closed {
		return inputs, outputs, nil
	}
	var perm []int
	permErr := exceptions.TryCatch[error](func() { perm = op.permFor(rank) })
	if permErr != nil {
		return nil, nil, errors.Wrapf(facts.ErrShapeMismatch, "%s", permErr)
	}

	// Forward: permute the input axis facts; backward: invert.
	inDims := make([]facts.Dim, rank)
	outDims := make([]facts.Dim, rank)
	for axis, p := range perm {
		outDims[axis] = inputs[0].Shape().Dim(p)
		inDims[p] = outputs[0].Shape().Dim(axis)
	}
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(outDims...))); err != nil {
		return nil, nil, err
	}
	if inputs, err = unifyAt(inputs, 0, facts.Shaped(facts.ClosedShape(inDims...))); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

////////////////////////////////////////////////////////////////////
// Squeeze / Unsqueeze / Flatten
////////////////////////////////////////////////////////////////////

type squeezeOp struct {
	singleOutput
	axes []int
}

// Squeeze returns the operator removing the given size-1 axes.
func Squeeze(axes ...int) Op { return squeezeOp{axes: xslices.Clone(axes)} }

func (op squeezeOp) Name() string { return "Squeeze" }

func (op squeezeOp) outputDims(dims []int) ([]int, error) {
	drop := make(map[int]bool, len(op.axes))
	for _, a := range op.axes {
		resolved := a
		if resolved < 0 {
			resolved += len(dims)
		}
		if resolved < 0 || resolved >= len(dims) {
			return nil, errors.Errorf("Squeeze axis %d out of range for rank %d", a, len(dims))
		}
		if dims[resolved] != 1 {
			return nil, errors.Errorf("Squeeze axis %d has extent %d, must be 1", a, dims[resolved])
		}
		drop[resolved] = true
	}
	out := make([]int, 0, len(dims)-len(drop))
	for i, d := range dims {
		if !drop[i] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (op squeezeOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Squeeze", func() []*tensors.Tensor {
		checkArity("Squeeze", inputs, 1)
		in := inputs[0]
		dims, err := op.outputDims(in.Shape())
		if err != nil {
			panic(err)
		}
		out := tensors.Zeros(in.DType(), dims...)
		copy(out.Bytes(), in.Bytes())
		return []*tensors.Tensor{out}
	})
}

func (op squeezeOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Squeeze has 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
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
	drop := make(map[int]bool, len(op.axes))
	for _, a := range op.axes {
		resolved := a
		if resolved < 0 {
			resolved += rank
		}
		if resolved < 0 || resolved >= rank {
			return nil, nil, errors.Wrapf(facts.ErrShapeMismatch, "Squeeze axis %d out of range for rank %d", a, rank)
		}
		if v, ok := inputs[0].Shape().Dim(resolved).Value(); ok && v != 1 {
			return nil, nil, errors.Wrapf(facts.ErrShapeMismatch, "Squeeze axis %d has extent %d, must be 1", a, v)
		}
		drop[resolved] = true
	}
	outDims := make([]facts.Dim, 0, rank-len(drop))
	for i := 0; i < rank; i++ {
		if !drop[i] {
			outDims = append(outDims, inputs[0].Shape().Dim(i))
		}
	}
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(outDims...))); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

type unsqueezeOp struct {
	singleOutput
	axes []int
}

// Unsqueeze returns the operator inserting size-1 axes at the given output
// positions.
func Unsqueeze(axes ...int) Op { return unsqueezeOp{axes: xslices.Clone(axes)} }

func (op unsqueezeOp) Name() string { return "Unsqueeze" }

func (op unsqueezeOp) insertAt(outRank int) (map[int]bool, error) {
	insert := make(map[int]bool, len(op.axes))
	for _, a := range op.axes {
		resolved := a
		if resolved < 0 {
			resolved += outRank
		}
		if resolved < 0 || resolved >= outRank || insert[resolved] {
			return nil, errors.Errorf("Unsqueeze axes %v invalid for output rank %d", op.axes, outRank)
		}
		insert[resolved] = true
	}
	return insert, nil
}

func (op unsqueezeOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Unsqueeze", func() []*tensors.Tensor {
		checkArity("Unsqueeze", inputs, 1)
		in := inputs[0]
		dims := in.Shape()
		outRank := len(dims) + len(op.axes)
		insert, err := op.insertAt(outRank)
		if err != nil {
			panic(err)
		}
		outDims := make([]int, 0, outRank)
		next := 0
		for i := 0; i < outRank; i++ {
			if insert[i] {
				outDims = append(outDims, 1)
			} else {
				outDims = append(outDims, dims[next])
				next++
			}
		}
		out := tensors.Zeros(in.DType(), outDims...)
		copy(out.Bytes(), in.Bytes())
		return []*tensors.Tensor{out}
	})
}

func (op unsqueezeOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Unsqueeze has 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
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
	outRank := rank + len(op.axes)
	insert, insErr := op.insertAt(outRank)
	if insErr != nil {
		return nil, nil, errors.Wrapf(facts.ErrShapeMismatch, "%s", insErr)
	}
	outDims := make([]facts.Dim, 0, outRank)
	next := 0
	for i := 0; i < outRank; i++ {
		if insert[i] {
			outDims = append(outDims, facts.KnownDim(1))
		} else {
			outDims = append(outDims, inputs[0].Shape().Dim(next))
			next++
		}
	}
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(outDims...))); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

type flattenOp struct {
	singleOutput
	axis int
}

// Flatten returns the operator collapsing the input into a matrix: axes
// before the pivot become the first output axis, the rest the second.
func Flatten(axis int) Op { return flattenOp{axis: axis} }

func (op flattenOp) Name() string { return "Flatten" }

func (op flattenOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Flatten", func() []*tensors.Tensor {
		checkArity("Flatten", inputs, 1)
		in := inputs[0]
		dims := in.Shape()
		axis := op.axis
		if axis < 0 {
			axis += len(dims)
		}
		if axis < 0 || axis > len(dims) {
			exceptions.Panicf("Flatten axis %d out of range for rank %d", op.axis, len(dims))
		}
		out := tensors.Zeros(in.DType(), xslices.Product(dims[:axis]), xslices.Product(dims[axis:]))
		copy(out.Bytes(), in.Bytes())
		return []*tensors.Tensor{out}
	})
}

func (op flattenOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Flatten has 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
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
		if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(facts.UnknownDim, facts.UnknownDim))); err != nil {
			return nil, nil, err
		}
		return inputs, outputs, nil
	}
	axis := op.axis
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis > rank {
		return nil, nil, errors.Wrapf(facts.ErrShapeMismatch, "Flatten axis %d out of range for rank %d", op.axis, rank)
	}
	dims := inputs[0].Shape().Dims()
	outShape := facts.ClosedShape(dimProduct(dims[:axis]), dimProduct(dims[axis:]))
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(outShape)); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

////////////////////////////////////////////////////////////////////
// Concat
////////////////////////////////////////////////////////////////////

type concatOp struct {
	singleOutput
	axis int
}

// Concat returns the operator concatenating its inputs along an axis.
func Concat(axis int) Op { return concatOp{axis: axis} }

func (op concatOp) Name() string { return "Concat" }

func (op concatOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Concat", func() []*tensors.Tensor {
		if len(inputs) == 0 {
			exceptions.Panicf("Concat needs at least one input")
		}
		first := inputs[0]
		rank := first.Rank()
		axis := resolveAxis(op.axis, rank)
		outDims := xslices.Clone(first.Shape())
		outDims[axis] = 0
		for i, in := range inputs {
			if in.DType() != first.DType() {
				panic(errors.Wrapf(facts.ErrTypeMismatch,
					"Concat input %d has dtype %s, expected %s", i, in.DType(), first.DType()))
			}
			if in.Rank() != rank {
				panic(errors.Wrapf(facts.ErrShapeMismatch,
					"Concat input %d has rank %d, expected %d", i, in.Rank(), rank))
			}
			for a, d := range in.Shape() {
				if a != axis && d != outDims[a] {
					panic(errors.Wrapf(facts.ErrShapeMismatch,
						"Concat input %d has extent %d on axis %d, expected %d", i, d, a, outDims[a]))
				}
			}
			outDims[axis] += in.Shape()[axis]
		}

		out := tensors.Zeros(first.DType(), outDims...)
		elem := first.DType().Size()
		outer := xslices.Product(outDims[:axis])
		inner := xslices.Product(outDims[axis+1:])
		dst := out.Bytes()
		rowBytes := inner * elem
		offset := 0
		for _, in := range inputs {
			src := in.Bytes()
			extent := in.Shape()[axis]
			for o := 0; o < outer; o++ {
				srcStart := o * extent * rowBytes
				dstStart := (o*outDims[axis] + offset) * rowBytes
				copy(dst[dstStart:dstStart+extent*rowBytes], src[srcStart:srcStart+extent*rowBytes])
			}
			offset += extent
		}
		return []*tensors.Tensor{out}
	})
}

func (op concatOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) == 0 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Concat has at least 1 input and exactly 1 output")
	}
	var err error
	dt := firstDType(append(xslices.Clone(inputs), outputs[0])...)
	if dt != dtypes.InvalidDType {
		for i := range inputs {
			if inputs, err = unifyAt(inputs, i, facts.Typed(dt)); err != nil {
				return nil, nil, err
			}
		}
		if outputs, err = unifyAt(outputs, 0, facts.Typed(dt)); err != nil {
			return nil, nil, err
		}
	}

	// Find a known rank among the operands.
	rank, closed := outputs[0].Shape().Rank()
	for i := 0; !closed && i < len(inputs); i++ {
		rank, closed = inputs[i].Shape().Rank()
	}
	if !closed {
		return inputs, outputs, nil
	}
	if op.axis < -rank || op.axis >= rank {
		return nil, nil, errors.Wrapf(facts.ErrShapeMismatch, "Concat axis %d out of range for rank %d", op.axis, rank)
	}
	axis := op.axis
	if axis < 0 {
		axis += rank
	}

	// Off-axis extents agree everywhere; the axis extent sums.
	outDims := make([]facts.Dim, rank)
	axisDims := make([]facts.Dim, 0, len(inputs))
	for a := 0; a < rank; a++ {
		d := outputs[0].Shape().Dim(a)
		for _, in := range inputs {
			if a == axis {
				continue
			}
			var uerr error
			d, uerr = d.Unify(in.Shape().Dim(a))
			if uerr != nil {
				return nil, nil, errors.WithMessagef(uerr, "Concat off-axis extent on axis %d", a)
			}
		}
		outDims[a] = d
	}
	for _, in := range inputs {
		axisDims = append(axisDims, in.Shape().Dim(axis))
	}
	sum := facts.KnownDim(0)
	for _, d := range axisDims {
		sum = addDims(sum, d)
	}
	outDims[axis] = sum
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(outDims...))); err != nil {
		return nil, nil, err
	}

	// Backward: the off-axis extents of the output hold for every input.
	inDims := make([]facts.Dim, rank)
	for a := 0; a < rank; a++ {
		if a == axis {
			inDims[a] = facts.UnknownDim
		} else {
			inDims[a] = outputs[0].Shape().Dim(a)
		}
	}
	for i := range inputs {
		if inputs, err = unifyAt(inputs, i, facts.Shaped(facts.ClosedShape(inDims...))); err != nil {
			return nil, nil, err
		}
	}
	return inputs, outputs, nil
}

// addDims adds two extents: a sum involving an unknown is unknown, and a
// sum involving a streaming extent has no canonical symbol, so it is
// unknown too.
func addDims(a, b facts.Dim) facts.Dim {
	va, oka := a.Value()
	vb, okb := b.Value()
	if oka && okb {
		return facts.KnownDim(va + vb)
	}
	return facts.UnknownDim
}

////////////////////////////////////////////////////////////////////
// Slice
////////////////////////////////////////////////////////////////////

type sliceOp struct {
	singleOutput
	starts []int
	ends   []int
}

// Slice returns the operator extracting [start, end) per axis. An end of -1
// means "to the end of the axis". starts and ends must cover the full rank.
func Slice(starts, ends []int) Op {
	if len(starts) != len(ends) {
		panic(errors.Errorf("Slice starts and ends must have the same length, got %d and %d", len(starts), len(ends)))
	}
	return sliceOp{starts: xslices.Clone(starts), ends: xslices.Clone(ends)}
}

func (op sliceOp) Name() string { return "Slice" }

func (op sliceOp) boundsFor(axis, extent int) (int, int, error) {
	start, end := op.starts[axis], op.ends[axis]
	if end == -1 {
		end = extent
	}
	if start < 0 || end < start || end > extent {
		return 0, 0, errors.Errorf("Slice bounds [%d,%d) invalid for axis %d of extent %d", op.starts[axis], op.ends[axis], axis, extent)
	}
	return start, end, nil
}

func (op sliceOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Slice", func() []*tensors.Tensor {
		checkArity("Slice", inputs, 1)
		in := inputs[0]
		dims := in.Shape()
		if len(dims) != len(op.starts) {
			exceptions.Panicf("Slice bounds cover %d axes, input has rank %d", len(op.starts), len(dims))
		}
		outDims := make([]int, len(dims))
		starts := make([]int, len(dims))
		for a, d := range dims {
			start, end, err := op.boundsFor(a, d)
			if err != nil {
				panic(err)
			}
			starts[a] = start
			outDims[a] = end - start
		}

		out := tensors.Zeros(in.DType(), outDims...)
		elem := in.DType().Size()
		src, dst := in.Bytes(), out.Bytes()
		srcStrides := rowMajorStrides(dims)
		forEachIndex(outDims, func(pos int, idx []int) {
			srcPos := 0
			for a := range idx {
				srcPos += (idx[a] + starts[a]) * srcStrides[a]
			}
			copy(dst[pos*elem:(pos+1)*elem], src[srcPos*elem:srcPos*elem+elem])
		})
		return []*tensors.Tensor{out}
	})
}

func (op sliceOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Slice has 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
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
	rank := len(op.starts)
	if inputs, err = unifyAt(inputs, 0, facts.Shaped(facts.ClosedShape(make([]facts.Dim, rank)...))); err != nil {
		return nil, nil, err
	}
	outDims := make([]facts.Dim, rank)
	for a := 0; a < rank; a++ {
		d := inputs[0].Shape().Dim(a)
		if v, ok := d.Value(); ok {
			start, end, berr := op.boundsFor(a, v)
			if berr != nil {
				return nil, nil, errors.Wrapf(facts.ErrShapeMismatch, "%s", berr)
			}
			outDims[a] = facts.KnownDim(end - start)
		} else if d.IsStreaming() && op.starts[a] == 0 && op.ends[a] == -1 {
			// A full-axis slice preserves the streaming extent.
			outDims[a] = facts.StreamingDim
		} else {
			outDims[a] = facts.UnknownDim
		}
	}
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(outDims...))); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

////////////////////////////////////////////////////////////////////
// Expand
////////////////////////////////////////////////////////////////////

type expandOp struct {
	singleOutput
	target []int
}

// Expand returns the operator broadcasting its input to the target shape.
func Expand(target ...int) Op { return expandOp{target: xslices.Clone(target)} }

func (op expandOp) Name() string { return "Expand" }

func (op expandOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Expand", func() []*tensors.Tensor {
		checkArity("Expand", inputs, 1)
		in := inputs[0]
		dims, err := broadcastDims(in.Shape(), op.target)
		if err != nil {
			panic(err)
		}
		for i, d := range dims {
			if d != op.target[i] {
				exceptions.Panicf("Expand of shape %v to %v changes target extents", in.Shape(), op.target)
			}
		}
		out := broadcastTo(in, dims)
		if out == in {
			out = in.Retain()
		}
		return []*tensors.Tensor{out}
	})
}

func (op expandOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Expand has 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
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
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ShapeOf(op.target...))); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

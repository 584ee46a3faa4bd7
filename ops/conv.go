package ops

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

// Padding selects how spatial operators handle borders.
type Padding string

const (
	// PaddingValid computes only positions where the window fits entirely.
	PaddingValid Padding = "VALID"
	// PaddingSame zero-pads so the output extent is ceil(input/stride).
	PaddingSame Padding = "SAME"
)

func (p Padding) validate() {
	if p != PaddingValid && p != PaddingSame {
		exceptions.Panicf("unknown padding %q, want VALID or SAME", string(p))
	}
}

// spatialOut returns the output extent and leading pad for one spatial axis.
func spatialOut(in, k, stride int, padding Padding) (out, padBefore int) {
	if padding == PaddingSame {
		out = (in + stride - 1) / stride
		total := max((out-1)*stride+k-in, 0)
		return out, total / 2
	}
	if in < k {
		panic(errors.Wrapf(facts.ErrShapeMismatch,
			"input extent %d is smaller than window %d with VALID padding", in, k))
	}
	return (in-k)/stride + 1, 0
}

// spatialOutDim is the fact-level twin of spatialOut. SAME with stride 1
// preserves the extent, so a streaming axis stays streaming there; any other
// symbolic case is unknown.
func spatialOutDim(in facts.Dim, k, stride int, padding Padding) facts.Dim {
	if v, ok := in.Value(); ok {
		if padding == PaddingValid && v < k {
			return facts.UnknownDim // Caught with a real error at Eval.
		}
		out, _ := spatialOut(v, k, stride, padding)
		return facts.KnownDim(out)
	}
	if in.IsStreaming() && padding == PaddingSame && stride == 1 {
		return facts.StreamingDim
	}
	return facts.UnknownDim
}

////////////////////////////////////////////////////////////////////
// Conv2D
////////////////////////////////////////////////////////////////////

type conv2DOp struct {
	singleOutput
	strides [2]int
	padding Padding
}

// Conv2D returns the 2-D convolution operator over NCHW inputs with an
// OIHW weight tensor [outChannels, inChannels, kh, kw]. Float dtypes only.
func Conv2D(strideH, strideW int, padding Padding) Op {
	if strideH < 1 || strideW < 1 {
		panic(errors.Errorf("Conv2D strides must be positive, got %d and %d", strideH, strideW))
	}
	return conv2DOp{strides: [2]int{strideH, strideW}, padding: padding}
}

func (op conv2DOp) Name() string { return "Conv2D" }

func (op conv2DOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval("Conv2D", func() []*tensors.Tensor {
		checkArity("Conv2D", inputs, 2)
		op.padding.validate()
		x, w := inputs[0], inputs[1]
		if x.DType() != w.DType() {
			exceptions.Panicf("Conv2D operands have dtypes %s and %s; insert an explicit Cast to %s",
				x.DType(), w.DType(), higherPriority(x.DType(), w.DType()))
		}
		if !x.DType().IsFloat() {
			exceptions.Panicf("Conv2D accepts float tensors only, got %s", x.DType())
		}
		if x.Rank() != 4 || w.Rank() != 4 {
			panic(errors.Wrapf(facts.ErrShapeMismatch,
				"Conv2D wants NCHW input and OIHW weights, got ranks %d and %d", x.Rank(), w.Rank()))
		}
		batch, channels, inH, inW := x.Shape()[0], x.Shape()[1], x.Shape()[2], x.Shape()[3]
		outC, inC, kh, kw := w.Shape()[0], w.Shape()[1], w.Shape()[2], w.Shape()[3]
		if channels != inC {
			panic(errors.Wrapf(facts.ErrShapeMismatch,
				"Conv2D input has %d channels, weights expect %d", channels, inC))
		}
		outH, padH := spatialOut(inH, kh, op.strides[0], op.padding)
		outW, padW := spatialOut(inW, kw, op.strides[1], op.padding)

		src := toFloat64s(x)
		ker := toFloat64s(w)
		dst := make([]float64, batch*outC*outH*outW)
		for n := 0; n < batch; n++ {
			for oc := 0; oc < outC; oc++ {
				for oh := 0; oh < outH; oh++ {
					for ow := 0; ow < outW; ow++ {
						var acc float64
						for ic := 0; ic < inC; ic++ {
							for dh := 0; dh < kh; dh++ {
								ih := oh*op.strides[0] + dh - padH
								if ih < 0 || ih >= inH {
									continue
								}
								for dw := 0; dw < kw; dw++ {
									iw := ow*op.strides[1] + dw - padW
									if iw < 0 || iw >= inW {
										continue
									}
									acc += src[((n*channels+ic)*inH+ih)*inW+iw] *
										ker[((oc*inC+ic)*kh+dh)*kw+dw]
								}
							}
						}
						dst[((n*outC+oc)*outH+oh)*outW+ow] = acc
					}
				}
			}
		}
		return []*tensors.Tensor{fromFloat64s(x.DType(), dst, []int{batch, outC, outH, outW})}
	})
}

func (op conv2DOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 2 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("Conv2D has 2 inputs and 1 output, got %d and %d", len(inputs), len(outputs))
	}
	var err error
	if dt := firstDType(inputs[0], inputs[1], outputs[0]); dt != dtypes.InvalidDType {
		shared := facts.Typed(dt)
		if inputs, err = unifyAt(inputs, 0, shared); err != nil {
			return nil, nil, err
		}
		if inputs, err = unifyAt(inputs, 1, shared); err != nil {
			return nil, nil, err
		}
		if outputs, err = unifyAt(outputs, 0, shared); err != nil {
			return nil, nil, err
		}
	}

	rank4 := facts.Shaped(facts.ClosedShape(make([]facts.Dim, 4)...))
	if inputs, err = unifyAt(inputs, 0, rank4); err != nil {
		return nil, nil, err
	}
	if inputs, err = unifyAt(inputs, 1, rank4); err != nil {
		return nil, nil, err
	}

	// The channel axes tie the two inputs together.
	inC, err := inputs[0].Shape().Dim(1).Unify(inputs[1].Shape().Dim(1))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "Conv2D channels")
	}
	if inputs, err = unifyAt(inputs, 0, facts.Shaped(facts.ClosedShape(facts.UnknownDim, inC, facts.UnknownDim, facts.UnknownDim))); err != nil {
		return nil, nil, err
	}
	if inputs, err = unifyAt(inputs, 1, facts.Shaped(facts.ClosedShape(facts.UnknownDim, inC, facts.UnknownDim, facts.UnknownDim))); err != nil {
		return nil, nil, err
	}

	batch := inputs[0].Shape().Dim(0)
	outC := inputs[1].Shape().Dim(0)
	outH := facts.UnknownDim
	outW := facts.UnknownDim
	if kh, ok := inputs[1].Shape().Dim(2).Value(); ok {
		outH = spatialOutDim(inputs[0].Shape().Dim(2), kh, op.strides[0], op.padding)
	}
	if kw, ok := inputs[1].Shape().Dim(3).Value(); ok {
		outW = spatialOutDim(inputs[0].Shape().Dim(3), kw, op.strides[1], op.padding)
	}
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(facts.ClosedShape(batch, outC, outH, outW))); err != nil {
		return nil, nil, err
	}

	// Backward: the output batch axis holds for the input too.
	if inputs, err = unifyAt(inputs, 0, facts.Shaped(facts.ClosedShape(outputs[0].Shape().Dim(0), facts.UnknownDim, facts.UnknownDim, facts.UnknownDim))); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

////////////////////////////////////////////////////////////////////
// Pooling
////////////////////////////////////////////////////////////////////

type poolKind int

const (
	pMax poolKind = iota
	pAvg
)

type pool2DOp struct {
	singleOutput
	kind    poolKind
	window  [2]int
	strides [2]int
	padding Padding
}

// MaxPool2D returns the 2-D maximum pooling operator over NCHW inputs.
// Padded positions never contribute to the maximum.
func MaxPool2D(windowH, windowW, strideH, strideW int, padding Padding) Op {
	return newPool(pMax, windowH, windowW, strideH, strideW, padding)
}

// AvgPool2D returns the 2-D average pooling operator over NCHW inputs. The
// average divides by the number of in-bounds positions in each window.
func AvgPool2D(windowH, windowW, strideH, strideW int, padding Padding) Op {
	return newPool(pAvg, windowH, windowW, strideH, strideW, padding)
}

func newPool(kind poolKind, windowH, windowW, strideH, strideW int, padding Padding) Op {
	if windowH < 1 || windowW < 1 {
		panic(errors.Errorf("pooling window must be positive, got %dx%d", windowH, windowW))
	}
	if strideH < 1 || strideW < 1 {
		panic(errors.Errorf("pooling strides must be positive, got %d and %d", strideH, strideW))
	}
	return pool2DOp{
		kind:    kind,
		window:  [2]int{windowH, windowW},
		strides: [2]int{strideH, strideW},
		padding: padding,
	}
}

func (op pool2DOp) Name() string {
	if op.kind == pMax {
		return "MaxPool2D"
	}
	return "AvgPool2D"
}

func (op pool2DOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return safeEval(op.Name(), func() []*tensors.Tensor {
		checkArity(op.Name(), inputs, 1)
		op.padding.validate()
		x := inputs[0]
		if !x.DType().IsFloat() {
			exceptions.Panicf("%s accepts float tensors only, got %s", op.Name(), x.DType())
		}
		if x.Rank() != 4 {
			panic(errors.Wrapf(facts.ErrShapeMismatch,
				"%s wants an NCHW input, got rank %d", op.Name(), x.Rank()))
		}
		batch, channels, inH, inW := x.Shape()[0], x.Shape()[1], x.Shape()[2], x.Shape()[3]
		outH, padH := spatialOut(inH, op.window[0], op.strides[0], op.padding)
		outW, padW := spatialOut(inW, op.window[1], op.strides[1], op.padding)

		src := toFloat64s(x)
		dst := make([]float64, batch*channels*outH*outW)
		for n := 0; n < batch; n++ {
			for c := 0; c < channels; c++ {
				plane := (n*channels + c) * inH * inW
				for oh := 0; oh < outH; oh++ {
					for ow := 0; ow < outW; ow++ {
						acc := math.Inf(-1)
						if op.kind == pAvg {
							acc = 0
						}
						count := 0
						for dh := 0; dh < op.window[0]; dh++ {
							ih := oh*op.strides[0] + dh - padH
							if ih < 0 || ih >= inH {
								continue
							}
							for dw := 0; dw < op.window[1]; dw++ {
								iw := ow*op.strides[1] + dw - padW
								if iw < 0 || iw >= inW {
									continue
								}
								v := src[plane+ih*inW+iw]
								if op.kind == pMax {
									acc = math.Max(acc, v)
								} else {
									acc += v
								}
								count++
							}
						}
						if op.kind == pAvg && count > 0 {
							acc /= float64(count)
						}
						dst[((n*channels+c)*outH+oh)*outW+ow] = acc
					}
				}
			}
		}
		return []*tensors.Tensor{fromFloat64s(x.DType(), dst, []int{batch, channels, outH, outW})}
	})
}

func (op pool2DOp) Infer(inputs, outputs []*facts.TensorFact) ([]*facts.TensorFact, []*facts.TensorFact, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, errors.Errorf("%s has 1 input and 1 output, got %d and %d", op.Name(), len(inputs), len(outputs))
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
	rank4 := facts.Shaped(facts.ClosedShape(make([]facts.Dim, 4)...))
	if inputs, err = unifyAt(inputs, 0, rank4); err != nil {
		return nil, nil, err
	}

	in := inputs[0].Shape()
	out := facts.ClosedShape(
		in.Dim(0),
		in.Dim(1),
		spatialOutDim(in.Dim(2), op.window[0], op.strides[0], op.padding),
		spatialOutDim(in.Dim(3), op.window[1], op.strides[1], op.padding),
	)
	if outputs, err = unifyAt(outputs, 0, facts.Shaped(out)); err != nil {
		return nil, nil, err
	}

	// Backward: batch and channel axes are preserved.
	back := facts.ClosedShape(outputs[0].Shape().Dim(0), outputs[0].Shape().Dim(1), facts.UnknownDim, facts.UnknownDim)
	if inputs, err = unifyAt(inputs, 0, facts.Shaped(back)); err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

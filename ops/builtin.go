package ops

import (
	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

// Factory registrations for the built-in operator set, so format loaders can
// build nodes from (type tag, attributes) pairs.

func init() {
	Register("Const", func(attrs Attributes) (Op, error) {
		v, found := attrs["value"]
		if !found {
			return nil, errors.New("Const requires a \"value\" attribute")
		}
		t, ok := v.(*tensors.Tensor)
		if !ok {
			return nil, errors.Errorf("Const \"value\" attribute has type %T, expected a tensor", v)
		}
		return Const(t), nil
	})
	Register("Source", func(attrs Attributes) (Op, error) {
		var declared *facts.TensorFact
		if v, found := attrs["fact"]; found {
			f, ok := v.(*facts.TensorFact)
			if !ok {
				return nil, errors.Errorf("Source \"fact\" attribute has type %T, expected a tensor fact", v)
			}
			declared = f
		}
		return Source(declared), nil
	})
	Register("Identity", noAttrs(Identity))

	Register("Add", noAttrs(Add))
	Register("Sub", noAttrs(Sub))
	Register("Mul", noAttrs(Mul))
	Register("Div", noAttrs(Div))
	Register("Pow", noAttrs(Pow))
	Register("Min", noAttrs(Min))
	Register("Max", noAttrs(Max))
	Register("Equal", noAttrs(Equal))
	Register("Less", noAttrs(Less))
	Register("Greater", noAttrs(Greater))

	Register("Neg", noAttrs(Neg))
	Register("Abs", noAttrs(Abs))
	Register("Exp", noAttrs(Exp))
	Register("Log", noAttrs(Log))
	Register("Sqrt", noAttrs(Sqrt))
	Register("Relu", noAttrs(Relu))
	Register("Sigmoid", noAttrs(Sigmoid))
	Register("Tanh", noAttrs(Tanh))

	Register("Softmax", func(attrs Attributes) (Op, error) {
		axis, err := attrs.IntAttr("axis", -1)
		if err != nil {
			return nil, err
		}
		return Softmax(axis), nil
	})
	Register("Cast", func(attrs Attributes) (Op, error) {
		name, err := attrs.StringAttr("to", "")
		if err != nil {
			return nil, err
		}
		to, err := dtypes.FromString(name)
		if err != nil {
			return nil, err
		}
		return Cast(to), nil
	})

	Register("Reshape", func(attrs Attributes) (Op, error) {
		target, err := attrs.IntsAttr("shape")
		if err != nil {
			return nil, err
		}
		return Reshape(target...), nil
	})
	Register("Transpose", func(attrs Attributes) (Op, error) {
		perm, err := attrs.IntsAttr("perm")
		if err != nil {
			return nil, err
		}
		return Transpose(perm...), nil
	})
	Register("Squeeze", func(attrs Attributes) (Op, error) {
		axes, err := attrs.IntsAttr("axes")
		if err != nil {
			return nil, err
		}
		return Squeeze(axes...), nil
	})
	Register("Unsqueeze", func(attrs Attributes) (Op, error) {
		axes, err := attrs.IntsAttr("axes")
		if err != nil {
			return nil, err
		}
		return Unsqueeze(axes...), nil
	})
	Register("Flatten", func(attrs Attributes) (Op, error) {
		axis, err := attrs.IntAttr("axis", 1)
		if err != nil {
			return nil, err
		}
		return Flatten(axis), nil
	})
	Register("Concat", func(attrs Attributes) (Op, error) {
		axis, err := attrs.IntAttr("axis", 0)
		if err != nil {
			return nil, err
		}
		return Concat(axis), nil
	})
	Register("Slice", func(attrs Attributes) (Op, error) {
		starts, err := attrs.IntsAttr("starts")
		if err != nil {
			return nil, err
		}
		ends, err := attrs.IntsAttr("ends")
		if err != nil {
			return nil, err
		}
		if len(starts) != len(ends) {
			return nil, errors.Errorf("Slice starts and ends must have the same length, got %d and %d", len(starts), len(ends))
		}
		return Slice(starts, ends), nil
	})
	Register("Expand", func(attrs Attributes) (Op, error) {
		target, err := attrs.IntsAttr("shape")
		if err != nil {
			return nil, err
		}
		return Expand(target...), nil
	})

	for _, name := range []string{"ReduceSum", "ReduceMean", "ReduceMax", "ReduceMin", "ReduceProd"} {
		Register(name, reduceFactory(name))
	}

	Register("MatMul", noAttrs(MatMul))
	Register("Conv2D", func(attrs Attributes) (Op, error) {
		strides, padding, err := spatialAttrs(attrs)
		if err != nil {
			return nil, err
		}
		return Conv2D(strides[0], strides[1], padding), nil
	})
	Register("MaxPool2D", poolFactory(MaxPool2D))
	Register("AvgPool2D", poolFactory(AvgPool2D))
}

func noAttrs(build func() Op) Factory {
	return func(Attributes) (Op, error) { return build(), nil }
}

func reduceFactory(name string) Factory {
	return func(attrs Attributes) (Op, error) {
		axes, err := attrs.IntsAttr("axes")
		if err != nil {
			return nil, err
		}
		keepDims, err := attrs.BoolAttr("keep_dims", false)
		if err != nil {
			return nil, err
		}
		switch name {
		case "ReduceSum":
			return ReduceSum(axes, keepDims), nil
		case "ReduceMean":
			return ReduceMean(axes, keepDims), nil
		case "ReduceMax":
			return ReduceMax(axes, keepDims), nil
		case "ReduceMin":
			return ReduceMin(axes, keepDims), nil
		default:
			return ReduceProd(axes, keepDims), nil
		}
	}
}

func poolFactory(build func(windowH, windowW, strideH, strideW int, padding Padding) Op) Factory {
	return func(attrs Attributes) (Op, error) {
		window, err := attrs.IntsAttr("window")
		if err != nil {
			return nil, err
		}
		if len(window) != 2 {
			return nil, errors.Errorf("pooling \"window\" attribute must have 2 entries, got %v", window)
		}
		strides, padding, err := spatialAttrs(attrs)
		if err != nil {
			return nil, err
		}
		return build(window[0], window[1], strides[0], strides[1], padding), nil
	}
}

func spatialAttrs(attrs Attributes) ([2]int, Padding, error) {
	strides, err := attrs.IntsAttr("strides")
	if err != nil {
		return [2]int{}, "", err
	}
	if strides == nil {
		strides = []int{1, 1}
	}
	if len(strides) != 2 {
		return [2]int{}, "", errors.Errorf("\"strides\" attribute must have 2 entries, got %v", strides)
	}
	pad, err := attrs.StringAttr("padding", string(PaddingValid))
	if err != nil {
		return [2]int{}, "", err
	}
	padding := Padding(pad)
	if padding != PaddingValid && padding != PaddingSame {
		return [2]int{}, "", errors.Errorf("unknown padding %q, want VALID or SAME", pad)
	}
	return [2]int{strides[0], strides[1]}, padding, nil
}

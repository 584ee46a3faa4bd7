package ops

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

func fromFlat[T tensors.Supported](t *testing.T, flat []T, dims ...int) *tensors.Tensor {
	out, err := tensors.FromFlat(flat, dims...)
	require.NoError(t, err)
	return out
}

func evalOne(t *testing.T, op Op, inputs ...*tensors.Tensor) *tensors.Tensor {
	outs, err := op.Eval(inputs)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	return outs[0]
}

func TestBinaryEval(t *testing.T) {
	t.Run("Add", func(t *testing.T) {
		a := fromFlat(t, []float32{1, 2, 3, 4}, 2, 2)
		b := fromFlat(t, []float32{10, 20, 30, 40}, 2, 2)
		got := evalOne(t, Add(), a, b)
		require.Equal(t, []float32{11, 22, 33, 44}, got.Float32s())
	})

	t.Run("Broadcasting", func(t *testing.T) {
		a := fromFlat(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
		row := fromFlat(t, []float32{10, 20, 30}, 3)
		got := evalOne(t, Add(), a, row)
		require.Equal(t, []int{2, 3}, got.Shape())
		require.Equal(t, []float32{11, 22, 33, 14, 25, 36}, got.Float32s())

		scalar := tensors.FromScalar(float32(100))
		got = evalOne(t, Mul(), a, scalar)
		require.Equal(t, []float32{100, 200, 300, 400, 500, 600}, got.Float32s())
	})

	t.Run("DTypeMismatchSuggestsCast", func(t *testing.T) {
		a := fromFlat(t, []float32{1}, 1)
		b := fromFlat(t, []int32{1}, 1)
		_, err := Add().Eval([]*tensors.Tensor{a, b})
		require.Error(t, err)
		require.True(t, errors.Is(err, facts.ErrTypeMismatch))
		require.Contains(t, err.Error(), "Cast")
		require.Contains(t, err.Error(), "Float32")
	})

	t.Run("IncompatibleShapes", func(t *testing.T) {
		a := fromFlat(t, []float32{1, 2, 3}, 3)
		b := fromFlat(t, []float32{1, 2}, 2)
		_, err := Add().Eval([]*tensors.Tensor{a, b})
		require.Error(t, err)
		require.True(t, errors.Is(err, facts.ErrShapeMismatch))
	})

	t.Run("IntDivisionByZero", func(t *testing.T) {
		a := fromFlat(t, []int32{6, 7}, 2)
		b := fromFlat(t, []int32{2, 0}, 2)
		_, err := Div().Eval([]*tensors.Tensor{a, b})
		require.Error(t, err)
		require.Contains(t, err.Error(), "division by zero")
	})

	t.Run("FloatDivisionByZeroIsInf", func(t *testing.T) {
		a := fromFlat(t, []float64{1, -1, 0}, 3)
		b := fromFlat(t, []float64{0, 0, 0}, 3)
		got := evalOne(t, Div(), a, b)
		vs := got.Float64s()
		require.True(t, math.IsInf(vs[0], 1))
		require.True(t, math.IsInf(vs[1], -1))
		require.True(t, math.IsNaN(vs[2]))
	})

	t.Run("IntPowNegativeExponent", func(t *testing.T) {
		a := fromFlat(t, []int64{2}, 1)
		b := fromFlat(t, []int64{-1}, 1)
		_, err := Pow().Eval([]*tensors.Tensor{a, b})
		require.Error(t, err)
		require.Contains(t, err.Error(), "negative exponent")
	})

	t.Run("IntOverflowWraps", func(t *testing.T) {
		a := fromFlat(t, []int8{127}, 1)
		b := fromFlat(t, []int8{1}, 1)
		got := evalOne(t, Add(), a, b)
		require.Equal(t, []int8{-128}, got.Int8s())
	})

	t.Run("MinMax", func(t *testing.T) {
		a := fromFlat(t, []int32{1, 5}, 2)
		b := fromFlat(t, []int32{3, 2}, 2)
		require.Equal(t, []int32{1, 2}, evalOne(t, Min(), a, b).Int32s())
		require.Equal(t, []int32{3, 5}, evalOne(t, Max(), a, b).Int32s())
	})

	t.Run("HalfPrecision", func(t *testing.T) {
		a, err := tensors.FromFloat32Converted(dtypes.Float16, []float32{1.5, 2.5}, 2)
		require.NoError(t, err)
		b, err := tensors.FromFloat32Converted(dtypes.Float16, []float32{0.5, 0.5}, 2)
		require.NoError(t, err)
		got := evalOne(t, Add(), a, b)
		require.Equal(t, dtypes.Float16, got.DType())
		require.Equal(t, []float32{2, 3}, got.ConvertedFloat32s())
	})
}

func TestCompareEval(t *testing.T) {
	a := fromFlat(t, []float32{1, 2, 3}, 3)
	b := fromFlat(t, []float32{2, 2, 2}, 3)

	require.Equal(t, []bool{false, true, false}, evalOne(t, Equal(), a, b).Bools())
	require.Equal(t, []bool{true, false, false}, evalOne(t, Less(), a, b).Bools())
	require.Equal(t, []bool{false, false, true}, evalOne(t, Greater(), a, b).Bools())
}

func TestBinaryInfer(t *testing.T) {
	t.Run("ForwardBroadcastShape", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.TypedShaped(dtypes.Float32, facts.ClosedShape(facts.StreamingDim, facts.KnownDim(3))),
			facts.Shaped(facts.ShapeOf(3)),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		gotIn, gotOut, err := Add().Infer(in, out)
		require.NoError(t, err)
		require.Equal(t, "Float32[S,3]", gotOut[0].String())
		// The dtype propagated to the second operand too.
		require.Equal(t, dtypes.Float32, gotIn[1].DType())
	})

	t.Run("StreamingAgainstKnownIsUndecided", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.Shaped(facts.ClosedShape(facts.StreamingDim)),
			facts.Shaped(facts.ShapeOf(4)),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		_, gotOut, err := Add().Infer(in, out)
		require.NoError(t, err)
		require.Equal(t, "?[?]", gotOut[0].String())
	})

	t.Run("KnownContradiction", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.Shaped(facts.ShapeOf(3)),
			facts.Shaped(facts.ShapeOf(4)),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		_, _, err := Add().Infer(in, out)
		require.Error(t, err)
		require.True(t, errors.Is(err, facts.ErrShapeMismatch))
	})

	t.Run("BackwardScalarOperand", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.Unknown(),
			facts.Shaped(facts.ShapeOf()), // Scalar.
		}
		out := []*facts.TensorFact{facts.Shaped(facts.ShapeOf(2, 3))}
		gotIn, _, err := Add().Infer(in, out)
		require.NoError(t, err)
		concrete, ok := gotIn[0].Shape().Concrete()
		require.True(t, ok)
		require.Equal(t, []int{2, 3}, concrete)
	})

	t.Run("ComparisonOutputIsBool", func(t *testing.T) {
		in := []*facts.TensorFact{facts.Typed(dtypes.Float32), facts.Unknown()}
		out := []*facts.TensorFact{facts.Unknown()}
		gotIn, gotOut, err := Less().Infer(in, out)
		require.NoError(t, err)
		require.Equal(t, dtypes.Bool, gotOut[0].DType())
		require.Equal(t, dtypes.Float32, gotIn[1].DType())
	})

	t.Run("Monotonic", func(t *testing.T) {
		// A second pass over already-refined facts learns nothing new.
		in := []*facts.TensorFact{
			facts.TypedShaped(dtypes.Float32, facts.ShapeOf(2, 3)),
			facts.TypedShaped(dtypes.Float32, facts.ShapeOf(2, 3)),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		in1, out1, err := Add().Infer(in, out)
		require.NoError(t, err)
		in2, out2, err := Add().Infer(in1, out1)
		require.NoError(t, err)
		for i := range in1 {
			require.True(t, in1[i].Equal(in2[i]))
		}
		require.True(t, out1[0].Equal(out2[0]))
	})
}

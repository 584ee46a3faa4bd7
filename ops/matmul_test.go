package ops

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

func TestMatMulEval(t *testing.T) {
	t.Run("Float32", func(t *testing.T) {
		a := fromFlat(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
		b := fromFlat(t, []float32{7, 8, 9, 10, 11, 12}, 3, 2)
		got := evalOne(t, MatMul(), a, b)
		require.Equal(t, []int{2, 2}, got.Shape())
		require.Equal(t, []float32{58, 64, 139, 154}, got.Float32s())
	})

	t.Run("Float64", func(t *testing.T) {
		a := fromFlat(t, []float64{1, 0, 0, 1}, 2, 2)
		b := fromFlat(t, []float64{5, 6, 7, 8}, 2, 2)
		got := evalOne(t, MatMul(), a, b)
		require.Equal(t, []float64{5, 6, 7, 8}, got.Float64s())
	})

	t.Run("HalfPrecisionViaFloat32", func(t *testing.T) {
		a, err := tensors.FromFloat32Converted(dtypes.BFloat16, []float32{1, 2}, 1, 2)
		require.NoError(t, err)
		b, err := tensors.FromFloat32Converted(dtypes.BFloat16, []float32{3, 4}, 2, 1)
		require.NoError(t, err)
		got := evalOne(t, MatMul(), a, b)
		require.Equal(t, dtypes.BFloat16, got.DType())
		require.Equal(t, []float32{11}, got.ConvertedFloat32s())
	})

	t.Run("InnerExtentMismatch", func(t *testing.T) {
		a := fromFlat(t, []float32{1, 2}, 1, 2)
		b := fromFlat(t, []float32{1, 2, 3}, 3, 1)
		_, err := MatMul().Eval([]*tensors.Tensor{a, b})
		require.Error(t, err)
		require.True(t, errors.Is(err, facts.ErrShapeMismatch))
	})

	t.Run("IntsRejected", func(t *testing.T) {
		a := fromFlat(t, []int32{1, 2, 3, 4}, 2, 2)
		_, err := MatMul().Eval([]*tensors.Tensor{a, a})
		require.Error(t, err)
	})
}

func TestMatMulInfer(t *testing.T) {
	t.Run("ForwardAndAcross", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.TypedShaped(dtypes.Float32, facts.ClosedShape(facts.StreamingDim, facts.KnownDim(8))),
			facts.Shaped(facts.ClosedShape(facts.UnknownDim, facts.KnownDim(16))),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		gotIn, gotOut, err := MatMul().Infer(in, out)
		require.NoError(t, err)
		require.Equal(t, "Float32[S,16]", gotOut[0].String())
		// The inner extent propagated across the operands.
		require.Equal(t, "Float32[8,16]", gotIn[1].String())
	})

	t.Run("BackwardFromOutput", func(t *testing.T) {
		in := []*facts.TensorFact{facts.Unknown(), facts.Unknown()}
		out := []*facts.TensorFact{facts.Shaped(facts.ShapeOf(4, 5))}
		gotIn, _, err := MatMul().Infer(in, out)
		require.NoError(t, err)
		require.Equal(t, "?[4,?]", gotIn[0].String())
		require.Equal(t, "?[?,5]", gotIn[1].String())
	})

	t.Run("InnerContradiction", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.Shaped(facts.ShapeOf(2, 3)),
			facts.Shaped(facts.ShapeOf(4, 5)),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		_, _, err := MatMul().Infer(in, out)
		require.Error(t, err)
	})
}

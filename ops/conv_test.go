package ops

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/tensors"
)

func TestConv2DEval(t *testing.T) {
	// 1x1x3x3 input, 1x1x2x2 all-ones kernel: each output is a window sum.
	x := fromFlat(t, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 1, 3, 3)
	w := fromFlat(t, []float32{1, 1, 1, 1}, 1, 1, 2, 2)

	t.Run("Valid", func(t *testing.T) {
		got := evalOne(t, Conv2D(1, 1, PaddingValid), x, w)
		require.Equal(t, []int{1, 1, 2, 2}, got.Shape())
		if diff := cmp.Diff([]float32{12, 16, 24, 28}, got.Float32s(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
			t.Errorf("window sums mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Same", func(t *testing.T) {
		got := evalOne(t, Conv2D(1, 1, PaddingSame), x, w)
		require.Equal(t, []int{1, 1, 3, 3}, got.Shape())
		// Bottom-right cell only sees the 9 (window hangs off the edge).
		require.Equal(t, float32(9), got.Float32s()[8])
	})

	t.Run("Strided", func(t *testing.T) {
		got := evalOne(t, Conv2D(2, 2, PaddingValid), x, w)
		require.Equal(t, []int{1, 1, 1, 1}, got.Shape())
		require.Equal(t, []float32{12}, got.Float32s())
	})

	t.Run("ChannelMismatch", func(t *testing.T) {
		w2 := tensors.Zeros(dtypes.Float32, 1, 2, 2, 2)
		_, err := Conv2D(1, 1, PaddingValid).Eval([]*tensors.Tensor{x, w2})
		require.Error(t, err)
		require.True(t, errors.Is(err, facts.ErrShapeMismatch))
	})

	t.Run("WindowLargerThanInputValid", func(t *testing.T) {
		w4 := tensors.Zeros(dtypes.Float32, 1, 1, 4, 4)
		_, err := Conv2D(1, 1, PaddingValid).Eval([]*tensors.Tensor{x, w4})
		require.Error(t, err)
	})
}

func TestConv2DInfer(t *testing.T) {
	t.Run("StreamingBatchSameStride1", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.TypedShaped(dtypes.Float32, facts.ClosedShape(
				facts.StreamingDim, facts.KnownDim(3), facts.KnownDim(32), facts.KnownDim(32))),
			facts.Shaped(facts.ShapeOf(8, 3, 3, 3)),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		_, gotOut, err := Conv2D(1, 1, PaddingSame).Infer(in, out)
		require.NoError(t, err)
		require.Equal(t, "Float32[S,8,32,32]", gotOut[0].String())
	})

	t.Run("ValidOutputExtent", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.Shaped(facts.ShapeOf(1, 3, 10, 10)),
			facts.Shaped(facts.ShapeOf(4, 3, 3, 3)),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		_, gotOut, err := Conv2D(2, 2, PaddingValid).Infer(in, out)
		require.NoError(t, err)
		require.Equal(t, "?[1,4,4,4]", gotOut[0].String())
	})

	t.Run("ChannelContradiction", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.Shaped(facts.ShapeOf(1, 3, 8, 8)),
			facts.Shaped(facts.ShapeOf(4, 5, 3, 3)),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		_, _, err := Conv2D(1, 1, PaddingValid).Infer(in, out)
		require.Error(t, err)
	})
}

func TestPool2D(t *testing.T) {
	x := fromFlat(t, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 1, 3, 3)

	t.Run("MaxValid", func(t *testing.T) {
		got := evalOne(t, MaxPool2D(2, 2, 1, 1, PaddingValid), x)
		require.Equal(t, []int{1, 1, 2, 2}, got.Shape())
		require.Equal(t, []float32{5, 6, 8, 9}, got.Float32s())
	})

	t.Run("AvgValid", func(t *testing.T) {
		got := evalOne(t, AvgPool2D(2, 2, 1, 1, PaddingValid), x)
		require.Equal(t, []float32{3, 4, 6, 7}, got.Float32s())
	})

	t.Run("AvgSameCountsInBoundsOnly", func(t *testing.T) {
		got := evalOne(t, AvgPool2D(2, 2, 2, 2, PaddingSame), x)
		require.Equal(t, []int{1, 1, 2, 2}, got.Shape())
		// The lone bottom-right window holds only the 9.
		require.Equal(t, float32(9), got.Float32s()[3])
	})

	t.Run("InferKeepsBatchAndChannels", func(t *testing.T) {
		in := []*facts.TensorFact{
			facts.Shaped(facts.ClosedShape(
				facts.StreamingDim, facts.KnownDim(16), facts.UnknownDim, facts.KnownDim(8))),
		}
		out := []*facts.TensorFact{facts.Unknown()}
		_, gotOut, err := MaxPool2D(2, 2, 2, 2, PaddingValid).Infer(in, out)
		require.NoError(t, err)
		require.Equal(t, "?[S,16,?,4]", gotOut[0].String())
	})
}

package facts

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/tensors"
)

func TestDimUnify(t *testing.T) {
	t.Run("UnknownIsIdentity", func(t *testing.T) {
		for _, d := range []Dim{KnownDim(3), StreamingDim, UnknownDim} {
			got, err := d.Unify(UnknownDim)
			require.NoError(t, err)
			require.True(t, got.Equal(d))
			got, err = UnknownDim.Unify(d)
			require.NoError(t, err)
			require.True(t, got.Equal(d))
		}
	})

	t.Run("KnownMustAgree", func(t *testing.T) {
		got, err := KnownDim(3).Unify(KnownDim(3))
		require.NoError(t, err)
		v, ok := got.Value()
		require.True(t, ok)
		require.Equal(t, 3, v)

		_, err = KnownDim(3).Unify(KnownDim(4))
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("StreamingIsNotAnInteger", func(t *testing.T) {
		got, err := StreamingDim.Unify(StreamingDim)
		require.NoError(t, err)
		require.True(t, got.IsStreaming())

		_, err = StreamingDim.Unify(KnownDim(7))
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "3", KnownDim(3).String())
		assert.Equal(t, "S", StreamingDim.String())
		assert.Equal(t, "?", UnknownDim.String())
	})
}

func TestShapeUnify(t *testing.T) {
	t.Run("ClosedRanksMustMatch", func(t *testing.T) {
		_, err := ShapeOf(2, 3).Unify(ShapeOf(2, 3, 4))
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("OpenAcceptsLongerRank", func(t *testing.T) {
		got, err := OpenShape(KnownDim(2)).Unify(ShapeOf(2, 3, 4))
		require.NoError(t, err)
		require.False(t, got.IsOpen())
		concrete, ok := got.Concrete()
		require.True(t, ok)
		require.Equal(t, []int{2, 3, 4}, concrete)
	})

	t.Run("OpenRejectsShorterRank", func(t *testing.T) {
		_, err := OpenShape(KnownDim(2), KnownDim(3)).Unify(ShapeOf(2))
		require.Error(t, err)
	})

	t.Run("PointwiseRefinement", func(t *testing.T) {
		a := ClosedShape(KnownDim(2), UnknownDim, StreamingDim)
		b := ClosedShape(UnknownDim, KnownDim(5), StreamingDim)
		got, err := a.Unify(b)
		require.NoError(t, err)
		require.Equal(t, "[2,5,S]", got.String())
	})

	t.Run("OpenStaysOpenOnlyWhenBothOpen", func(t *testing.T) {
		got, err := OpenShape().Unify(OpenShape(StreamingDim))
		require.NoError(t, err)
		require.True(t, got.IsOpen())

		got, err = OpenShape().Unify(ShapeOf(4))
		require.NoError(t, err)
		require.False(t, got.IsOpen())
	})
}

func TestTensorFactUnify(t *testing.T) {
	t.Run("Commutative", func(t *testing.T) {
		a := TypedShaped(dtypes.Float32, ClosedShape(StreamingDim, UnknownDim))
		b := Shaped(ClosedShape(UnknownDim, KnownDim(3)))
		ab, err := a.Unify(b)
		require.NoError(t, err)
		ba, err := b.Unify(a)
		require.NoError(t, err)
		require.True(t, ab.Equal(ba))
		require.Equal(t, "Float32[S,3]", ab.String())
	})

	t.Run("Associative", func(t *testing.T) {
		a := TypedShaped(dtypes.Float32, ClosedShape(StreamingDim, UnknownDim, UnknownDim))
		b := Shaped(ClosedShape(UnknownDim, KnownDim(3), UnknownDim))
		c := Shaped(ClosedShape(UnknownDim, UnknownDim, KnownDim(7)))

		ab, err := a.Unify(b)
		require.NoError(t, err)
		left, err := ab.Unify(c)
		require.NoError(t, err)

		bc, err := b.Unify(c)
		require.NoError(t, err)
		right, err := a.Unify(bc)
		require.NoError(t, err)

		require.True(t, left.Equal(right))
		require.Equal(t, "Float32[S,3,7]", left.String())
	})

	t.Run("DTypeContradiction", func(t *testing.T) {
		_, err := Typed(dtypes.Float32).Unify(Typed(dtypes.Int64))
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrTypeMismatch))
	})

	t.Run("ValueImpliesDTypeAndShape", func(t *testing.T) {
		v, err := tensors.FromFlat([]float32{1, 2, 3}, 3)
		require.NoError(t, err)
		fact := FromTensor(v)
		require.Equal(t, dtypes.Float32, fact.DType())
		concrete, ok := fact.Shape().Concrete()
		require.True(t, ok)
		require.Equal(t, []int{3}, concrete)

		// Unifying with a conflicting shape fails.
		_, err = fact.Unify(Shaped(ShapeOf(4)))
		require.Error(t, err)
	})

	t.Run("UnknownIsIdentity", func(t *testing.T) {
		fact := TypedShaped(dtypes.Int32, ShapeOf(2, 2))
		got, err := fact.Unify(Unknown())
		require.NoError(t, err)
		require.True(t, got.Equal(fact))
	})
}

func TestMatchesTensor(t *testing.T) {
	streamingBatch := TypedShaped(dtypes.Float32, ClosedShape(StreamingDim, KnownDim(3)))

	t.Run("StreamingMatchesAnyExtent", func(t *testing.T) {
		for _, batch := range []int{1, 4, 100} {
			v := tensors.Zeros(dtypes.Float32, batch, 3)
			require.NoError(t, streamingBatch.MatchesTensor(v))
		}
	})

	t.Run("WrongDType", func(t *testing.T) {
		v := tensors.Zeros(dtypes.Float64, 4, 3)
		err := streamingBatch.MatchesTensor(v)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrTypeMismatch))
	})

	t.Run("WrongRank", func(t *testing.T) {
		v := tensors.Zeros(dtypes.Float32, 4)
		err := streamingBatch.MatchesTensor(v)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("WrongFixedExtent", func(t *testing.T) {
		v := tensors.Zeros(dtypes.Float32, 4, 5)
		err := streamingBatch.MatchesTensor(v)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("OpenPrefix", func(t *testing.T) {
		fact := Shaped(OpenShape(KnownDim(2)))
		require.NoError(t, fact.MatchesTensor(tensors.Zeros(dtypes.Int8, 2, 9, 9)))
		require.Error(t, fact.MatchesTensor(tensors.Zeros(dtypes.Int8)))
	})
}

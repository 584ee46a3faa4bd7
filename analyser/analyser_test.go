package analyser

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/graph"
	"github.com/gomlx/tensorplan/ops"
	"github.com/gomlx/tensorplan/tensors"
)

func fromFlat[T tensors.Supported](t *testing.T, flat []T, dims ...int) *tensors.Tensor {
	out, err := tensors.FromFlat(flat, dims...)
	require.NoError(t, err)
	return out
}

func streamingMatrix(cols int) *facts.TensorFact {
	return facts.TypedShaped(dtypes.Float32,
		facts.ClosedShape(facts.StreamingDim, facts.KnownDim(cols)))
}

func TestForwardPropagation(t *testing.T) {
	// x[S,3] + bias[3] -> Relu
	g := graph.New()
	x, err := g.AddSource("x", streamingMatrix(3))
	require.NoError(t, err)
	bias, err := g.AddConst("bias", fromFlat(t, []float32{1, 2, 3}, 3))
	require.NoError(t, err)
	sum, err := g.AddNode("sum", ops.Add(), graph.Output(x), graph.Output(bias))
	require.NoError(t, err)
	act, err := g.AddNode("act", ops.Relu(), graph.Output(sum))
	require.NoError(t, err)

	a, err := Analyse(g)
	require.NoError(t, err)

	require.Equal(t, "Float32[S,3]", a.FactFor(graph.Output(sum)).String())
	require.Equal(t, "Float32[S,3]", a.FactFor(graph.Output(act)).String())
	// The constant edge carries its concrete value.
	require.True(t, a.FactFor(graph.Output(bias)).IsConcrete())
}

func TestBackwardPropagation(t *testing.T) {
	// Knowledge attached downstream flows back to an undeclared source:
	// MatMul(x, w[8,16]) forces x to be [?,8].
	g := graph.New()
	x, err := g.AddSource("x", facts.Typed(dtypes.Float32))
	require.NoError(t, err)
	w, err := g.AddConst("w", tensors.Zeros(dtypes.Float32, 8, 16))
	require.NoError(t, err)
	_, err = g.AddNode("mm", ops.MatMul(), graph.Output(x), graph.Output(w))
	require.NoError(t, err)

	a, err := Analyse(g)
	require.NoError(t, err)
	require.Equal(t, "Float32[?,8]", a.FactFor(graph.Output(x)).String())
}

func TestConstantFolding(t *testing.T) {
	g := graph.New()
	a, _ := g.AddConst("a", fromFlat(t, []int64{2, 3}, 2))
	b, _ := g.AddConst("b", fromFlat(t, []int64{10, 10}, 2))
	prod, err := g.AddNode("prod", ops.Mul(), graph.Output(a), graph.Output(b))
	require.NoError(t, err)
	// One more hop, to check folding cascades.
	neg, err := g.AddNode("neg", ops.Neg(), graph.Output(prod))
	require.NoError(t, err)

	an, err := Analyse(g)
	require.NoError(t, err)

	fact := an.FactFor(graph.Output(prod))
	require.True(t, fact.IsConcrete())
	require.Equal(t, []int64{20, 30}, fact.Value().Int64s())

	fact = an.FactFor(graph.Output(neg))
	require.True(t, fact.IsConcrete())
	require.Equal(t, []int64{-20, -30}, fact.Value().Int64s())
}

func TestFoldingSkipsFailingNodes(t *testing.T) {
	// 1/0 on integers cannot be folded; analysis still succeeds and leaves
	// the failure to evaluation.
	g := graph.New()
	a, _ := g.AddConst("a", fromFlat(t, []int32{1}, 1))
	z, _ := g.AddConst("z", fromFlat(t, []int32{0}, 1))
	div, err := g.AddNode("div", ops.Div(), graph.Output(a), graph.Output(z))
	require.NoError(t, err)

	an, err := Analyse(g)
	require.NoError(t, err)
	require.False(t, an.FactFor(graph.Output(div)).IsConcrete())
	require.Equal(t, dtypes.Int32, an.FactFor(graph.Output(div)).DType())
}

func TestContradiction(t *testing.T) {
	t.Run("ShapeMismatch", func(t *testing.T) {
		g := graph.New()
		a, _ := g.AddConst("a", tensors.Zeros(dtypes.Float32, 3))
		b, _ := g.AddConst("b", tensors.Zeros(dtypes.Float32, 4))
		_, err := g.AddNode("sum", ops.Add(), graph.Output(a), graph.Output(b))
		require.NoError(t, err)

		_, err = Analyse(g)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrAnalysis))
		require.True(t, errors.Is(err, facts.ErrShapeMismatch))
		require.Contains(t, err.Error(), "sum")
	})

	t.Run("DTypeMismatch", func(t *testing.T) {
		g := graph.New()
		a, _ := g.AddConst("a", tensors.Zeros(dtypes.Float32, 2))
		b, _ := g.AddConst("b", tensors.Zeros(dtypes.Int32, 2))
		_, err := g.AddNode("sum", ops.Add(), graph.Output(a), graph.Output(b))
		require.NoError(t, err)

		_, err = Analyse(g)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrAnalysis))
	})

	t.Run("StreamingVersusFixed", func(t *testing.T) {
		// Concatenating along axis 1 requires equal axis-0 extents, and a
		// streaming extent never unifies with a fixed one.
		g := graph.New()
		x, _ := g.AddSource("x", facts.TypedShaped(dtypes.Float32,
			facts.ClosedShape(facts.StreamingDim, facts.KnownDim(3))))
		c, _ := g.AddConst("c", tensors.Zeros(dtypes.Float32, 4, 3))
		_, err := g.AddNode("cat", ops.Concat(1), graph.Output(x), graph.Output(c))
		require.NoError(t, err)

		_, err = Analyse(g)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrAnalysis))
		require.True(t, errors.Is(err, facts.ErrShapeMismatch))
	})

	t.Run("StreamingBroadcastIsUndecided", func(t *testing.T) {
		// Elementwise S against a fixed extent is left open until run time.
		g := graph.New()
		x, _ := g.AddSource("x", facts.TypedShaped(dtypes.Float32,
			facts.ClosedShape(facts.StreamingDim, facts.KnownDim(3))))
		c, _ := g.AddConst("c", tensors.Zeros(dtypes.Float32, 4, 3))
		sum, err := g.AddNode("sum", ops.Add(), graph.Output(x), graph.Output(c))
		require.NoError(t, err)

		a, err := Analyse(g)
		require.NoError(t, err)
		require.Equal(t, "Float32[?,3]", a.FactFor(graph.Output(sum)).String())
	})
}

func TestIdempotence(t *testing.T) {
	g := graph.New()
	x, _ := g.AddSource("x", streamingMatrix(4))
	w, _ := g.AddConst("w", tensors.Zeros(dtypes.Float32, 4, 2))
	mm, _ := g.AddNode("mm", ops.MatMul(), graph.Output(x), graph.Output(w))
	soft, _ := g.AddNode("soft", ops.Softmax(-1), graph.Output(mm))

	first, err := Analyse(g)
	require.NoError(t, err)
	second, err := Analyse(g)
	require.NoError(t, err)

	for _, node := range g.Nodes() {
		for slot := 0; slot < node.Op.OutputCount(); slot++ {
			outlet := graph.Outlet(node.ID, slot)
			require.True(t, first.FactFor(outlet).Equal(second.FactFor(outlet)),
				"facts differ for %s", outlet)
		}
	}
	require.Equal(t, "Float32[S,2]", first.FactFor(graph.Output(soft)).String())
}

func TestOrderIndependence(t *testing.T) {
	// The fixpoint must not depend on the order nodes were added in, and so
	// not on the order the worklist first visits them. Build the same graph
	// with every insertion order of its independent branches and compare the
	// resulting fact tables by node name.
	type branch struct {
		name string
		op   ops.Op
	}
	branches := []branch{
		{"act", ops.Relu()},
		{"neg", ops.Neg()},
		{"soft", ops.Softmax(-1)},
	}
	build := func(perm [3]int) *graph.Graph {
		g := graph.New()
		x, err := g.AddSource("x", streamingMatrix(4))
		require.NoError(t, err)
		w, err := g.AddConst("w", tensors.Zeros(dtypes.Float32, 4, 2))
		require.NoError(t, err)
		mm, err := g.AddNode("mm", ops.MatMul(), graph.Output(x), graph.Output(w))
		require.NoError(t, err)
		for _, i := range perm {
			_, err := g.AddNode(branches[i].name, branches[i].op, graph.Output(mm))
			require.NoError(t, err)
		}
		act, _ := g.NodeByName("act")
		neg, _ := g.NodeByName("neg")
		_, err = g.AddNode("sum", ops.Add(), graph.Output(act.ID), graph.Output(neg.ID))
		require.NoError(t, err)
		return g
	}

	reference := build([3]int{0, 1, 2})
	want, err := Analyse(reference)
	require.NoError(t, err)
	names := []string{"x", "w", "mm", "act", "neg", "soft", "sum"}

	for _, perm := range [][3]int{{0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}} {
		g := build(perm)
		got, err := Analyse(g)
		require.NoError(t, err)
		for _, name := range names {
			wantNode, _ := reference.NodeByName(name)
			gotNode, _ := g.NodeByName(name)
			require.Equal(t,
				want.FactFor(graph.Output(wantNode.ID)).String(),
				got.FactFor(graph.Output(gotNode.ID)).String(),
				"fact for %q differs under insertion order %v", name, perm)
		}
	}
}

func TestUnknownOutletIsBottom(t *testing.T) {
	g := graph.New()
	_, _ = g.AddConst("a", tensors.Zeros(dtypes.Float32, 1))
	a, err := Analyse(g)
	require.NoError(t, err)
	fact := a.FactFor(graph.Outlet(42, 0))
	require.Equal(t, dtypes.InvalidDType, fact.DType())
	require.True(t, fact.Shape().IsOpen())
}

func TestAnalysisString(t *testing.T) {
	g := graph.New()
	x, _ := g.AddSource("x", streamingMatrix(3))
	_, _ = g.AddNode("act", ops.Relu(), graph.Output(x))
	a, err := Analyse(g)
	require.NoError(t, err)
	s := a.String()
	require.Contains(t, s, "act")
	require.Contains(t, s, "Float32[S,3]")
}

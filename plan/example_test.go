package plan_test

import (
	"fmt"

	"github.com/janpfeifer/must"

	"github.com/gomlx/tensorplan/dtypes"
	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/graph"
	"github.com/gomlx/tensorplan/ops"
	"github.com/gomlx/tensorplan/plan"
	"github.com/gomlx/tensorplan/tensors"
)

// A linear layer over a streaming batch: the batch extent is left symbolic
// at build time and resolved by the tensor fed at run time.
func Example() {
	g := graph.New()
	x := must.M1(g.AddSource("x", facts.TypedShaped(dtypes.Float32,
		facts.ClosedShape(facts.StreamingDim, facts.KnownDim(2)))))
	w := must.M1(g.AddConst("w", must.M1(tensors.FromFlat([]float32{1, 0, 0, 1}, 2, 2))))
	bias := must.M1(g.AddConst("bias", must.M1(tensors.FromFlat([]float32{0.5, -0.5}, 2))))
	mm := must.M1(g.AddNode("mm", ops.MatMul(), graph.Output(x), graph.Output(w)))
	out := must.M1(g.AddNode("out", ops.Add(), graph.Output(mm), graph.Output(bias)))
	must.M(g.MarkOutput(graph.Output(out)))

	p := must.M1(plan.New(g))
	results := must.M1(p.Run(map[string]*tensors.Tensor{
		"x": must.M1(tensors.FromFlat([]float32{1, 2}, 1, 2)),
	}))
	fmt.Println(results[0])
	results[0].Release()

	// Output:
	// Float32[1 2]: [1.5, 1.5]
}

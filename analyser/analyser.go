// Package analyser infers tensor facts for every edge of a graph.
//
// The analyser runs each operator's local inference rule and propagates what
// it learns both forward and backward along the edges, until no rule learns
// anything new. Because rules are monotonic and the fact lattice is finite
// for a given graph, the fixpoint exists and does not depend on the order
// rules run in. A contradiction between facts fails the analysis with an
// error naming the node that exposed it.
package analyser

import (
	"bytes"
	"fmt"

	"github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/graph"
	"github.com/gomlx/tensorplan/tensors"
)

// ErrAnalysis is wrapped by every analysis failure; the mismatch sentinels
// from the facts package remain visible through it.
var ErrAnalysis = errors.New("analysis failed")

// visitBudget bounds how often one node may be revisited. The fixpoint of
// well-behaved (monotonic) rules converges in a handful of visits; the
// budget turns a misbehaving operator into an error instead of a hang.
const visitBudget = 64

// Analysis is the result of analysing a graph: one fact per edge.
type Analysis struct {
	graph *graph.Graph
	table *orderedmap.OrderedMap[graph.OutletID, *facts.TensorFact]
}

// Analyse computes the fact fixpoint for the graph.
func Analyse(g *graph.Graph) (*Analysis, error) {
	a := &Analysis{
		graph: g,
		table: orderedmap.New[graph.OutletID, *facts.TensorFact](),
	}
	for _, node := range g.Nodes() {
		numOutputs := node.Op.OutputCount()
		for slot := 0; slot < numOutputs; slot++ {
			a.table.Set(graph.Outlet(node.ID, slot), facts.Unknown())
		}
	}

	// Consumers of each node, to know what to revisit when a fact improves.
	consumers := make(map[graph.NodeID][]graph.NodeID)
	for _, node := range g.Nodes() {
		distinct := make(map[graph.NodeID]bool)
		for _, in := range node.Inputs {
			if !distinct[in.Node] {
				distinct[in.Node] = true
				consumers[in.Node] = append(consumers[in.Node], node.ID)
			}
		}
	}

	worklist := priorityqueue.New[graph.NodeID]()
	queued := make(map[graph.NodeID]bool)
	enqueue := func(id graph.NodeID) {
		if !queued[id] {
			queued[id] = true
			worklist.Enqueue(id)
		}
	}
	for _, node := range g.Nodes() {
		enqueue(node.ID)
	}

	visits := make(map[graph.NodeID]int)
	for {
		id, ok := worklist.Dequeue()
		if !ok {
			break
		}
		queued[id] = false
		node := g.Node(id)
		visits[id]++
		if visits[id] > visitBudget {
			return nil, errors.Wrapf(ErrAnalysis, "node #%d %q (%s) did not converge after %d visits",
				id, node.Name, node.Op.Name(), visitBudget)
		}

		inFacts := make([]*facts.TensorFact, len(node.Inputs))
		for i, in := range node.Inputs {
			inFacts[i], _ = a.table.Get(in)
		}
		outFacts := make([]*facts.TensorFact, node.Op.OutputCount())
		for slot := range outFacts {
			outFacts[slot], _ = a.table.Get(graph.Outlet(id, slot))
		}

		newIn, newOut, err := node.Op.Infer(inFacts, outFacts)
		if err != nil {
			// Both sentinels stay visible: ErrAnalysis and the underlying
			// mismatch kind.
			return nil, fmt.Errorf("%w: inferring node #%d %q (%s): %w",
				ErrAnalysis, id, node.Name, node.Op.Name(), err)
		}

		for i, fact := range newIn {
			outlet := node.Inputs[i]
			if a.store(outlet, fact) {
				klog.V(2).Infof("analyser: node #%d %s refined input %s to %s", id, node.Op.Name(), outlet, fact)
				// Backward information: the producer and its other consumers
				// may learn from it.
				enqueue(outlet.Node)
				for _, c := range consumers[outlet.Node] {
					enqueue(c)
				}
			}
		}
		for slot, fact := range newOut {
			outlet := graph.Outlet(id, slot)
			if a.store(outlet, fact) {
				klog.V(2).Infof("analyser: node #%d %s refined output %s to %s", id, node.Op.Name(), outlet, fact)
				for _, c := range consumers[id] {
					enqueue(c)
				}
			}
		}

		if folded, err := a.fold(node); err != nil {
			return nil, err
		} else if folded {
			for _, c := range consumers[id] {
				enqueue(c)
			}
		}
	}

	klog.V(1).Infof("analyser: fixpoint over %d nodes, %d edges", g.NumNodes(), a.table.Len())
	return a, nil
}

// store unifies the table entry with the refined fact and reports whether
// the entry gained knowledge. Infer derives its result from the current
// entries, so the unification cannot fail unless an operator misbehaves.
func (a *Analysis) store(outlet graph.OutletID, fact *facts.TensorFact) (changed bool) {
	current, _ := a.table.Get(outlet)
	unified, err := current.Unify(fact)
	if err != nil {
		// Keep the stronger of the two; the contradiction already surfaced
		// (or will) through the operator that produced it.
		unified = fact
	}
	if unified.Equal(current) {
		return false
	}
	a.table.Set(outlet, unified)
	return true
}

// fold evaluates a node whose inputs are all known constants and records its
// outputs as constants too, so downstream shape rules can use the values.
// Typical case: a Const feeding a Reshape target computed by integer ops.
func (a *Analysis) fold(node *graph.Node) (bool, error) {
	if len(node.Inputs) == 0 {
		return false, nil
	}
	values := make([]*tensors.Tensor, len(node.Inputs))
	for i, in := range node.Inputs {
		fact, _ := a.table.Get(in)
		if !fact.IsConcrete() {
			return false, nil
		}
		values[i] = fact.Value()
	}
	allKnown := true
	numOutputs := node.Op.OutputCount()
	for slot := 0; slot < numOutputs; slot++ {
		fact, _ := a.table.Get(graph.Outlet(node.ID, slot))
		if !fact.IsConcrete() {
			allKnown = false
		}
	}
	if allKnown {
		return false, nil
	}

	outs, err := node.Op.Eval(values)
	if err != nil {
		// The node will fail at run time too, if it survives dead-code
		// elimination; analysis only records what it can prove.
		klog.V(2).Infof("analyser: not folding node #%d %s: %s", node.ID, node.Op.Name(), err)
		return false, nil
	}
	changed := false
	for slot, out := range outs {
		if a.store(graph.Outlet(node.ID, slot), facts.FromTensor(out)) {
			changed = true
		}
	}
	if changed {
		klog.V(2).Infof("analyser: folded node #%d %s (%s)", node.ID, node.Op.Name(), node.Name)
	}
	return changed, nil
}

// FactFor returns the fact inferred for an outlet. Unknown outlets get the
// bottom fact.
func (a *Analysis) FactFor(outlet graph.OutletID) *facts.TensorFact {
	fact, found := a.table.Get(outlet)
	if !found {
		return facts.Unknown()
	}
	return fact
}

// Graph returns the analysed graph.
func (a *Analysis) Graph() *graph.Graph { return a.graph }

// String renders the fact table in edge order.
func (a *Analysis) String() string {
	var buf bytes.Buffer
	buf.WriteString("Analysis:\n")
	for pair := a.table.Oldest(); pair != nil; pair = pair.Next() {
		node := a.graph.Node(pair.Key.Node)
		buf.WriteString(fmt.Sprintf("\t%s %s(%s):\t%s\n", pair.Key, node.Op.Name(), node.Name, pair.Value))
	}
	return buf.String()
}

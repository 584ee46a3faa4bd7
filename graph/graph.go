// Package graph implements the computation graph the engine analyses and
// evaluates: nodes carrying operators, wired by outlets.
//
// A Graph is append-only while being built, so AddNode can never create a
// cycle. RewireInput is the one mutation that could, and it rejects the
// rewiring instead, leaving the graph untouched.
package graph

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/tensorplan/facts"
	"github.com/gomlx/tensorplan/ops"
	"github.com/gomlx/tensorplan/tensors"
)

// Sentinels for graph construction failures.
var (
	ErrInvalidInput  = errors.New("invalid graph input")
	ErrCycleDetected = errors.New("cycle detected")
)

// NodeID identifies a node within one graph. IDs are dense: the first node
// added gets 0, the next 1, and so on.
type NodeID int

// OutletID identifies one output slot of a node. Most operators have a
// single output on slot 0.
type OutletID struct {
	Node NodeID
	Slot int
}

// Outlet is shorthand for OutletID{node, slot}.
func Outlet(node NodeID, slot int) OutletID { return OutletID{Node: node, Slot: slot} }

// Output returns the outlet for slot 0 of a node.
func Output(node NodeID) OutletID { return OutletID{Node: node} }

// String renders the outlet as "#3:0".
func (o OutletID) String() string { return fmt.Sprintf("#%d:%d", o.Node, o.Slot) }

// Node is one vertex of the graph: an operator plus the outlets feeding it.
type Node struct {
	ID     NodeID
	Name   string
	Op     ops.Op
	Inputs []OutletID
}

// sourceValuer is the capability sources expose; the graph uses it to tell
// designated inputs apart without depending on a concrete operator type.
type sourceValuer interface {
	DeclaredFact() *facts.TensorFact
}

// Graph is a directed acyclic computation graph.
type Graph struct {
	nodes   []*Node
	byName  map[string]NodeID
	sources []NodeID
	outputs []OutletID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{byName: make(map[string]NodeID)}
}

// AddNode appends a node running op, fed by the given outlets. An empty name
// gets a generated one from the operator type and the node id. The inputs
// must refer to already-added nodes, which keeps the graph acyclic by
// construction.
func (g *Graph) AddNode(name string, op ops.Op, inputs ...OutletID) (NodeID, error) {
	if op == nil {
		return 0, errors.Wrapf(ErrInvalidInput, "node %q has no operator", name)
	}
	id := NodeID(len(g.nodes))
	if name == "" {
		name = fmt.Sprintf("%s_%d", op.Name(), id)
	}
	if _, found := g.byName[name]; found {
		return 0, errors.Wrapf(ErrInvalidInput, "node name %q already in use", name)
	}
	for i, in := range inputs {
		if err := g.checkOutlet(in); err != nil {
			return 0, errors.WithMessagef(err, "input %d of node %q", i, name)
		}
	}
	node := &Node{
		ID:     id,
		Name:   name,
		Op:     op,
		Inputs: append([]OutletID(nil), inputs...),
	}
	g.nodes = append(g.nodes, node)
	g.byName[name] = id
	if _, isSource := op.(sourceValuer); isSource {
		g.sources = append(g.sources, id)
	}
	return id, nil
}

// AddSource adds a designated graph input. The declared fact, possibly with
// streaming axes, seeds the analyser and validates tensors fed at run time;
// nil declares nothing.
func (g *Graph) AddSource(name string, declared *facts.TensorFact) (NodeID, error) {
	return g.AddNode(name, ops.Source(declared))
}

// AddConst adds a constant node holding the tensor.
func (g *Graph) AddConst(name string, value *tensors.Tensor) (NodeID, error) {
	if value == nil {
		return 0, errors.Wrapf(ErrInvalidInput, "constant %q has no value", name)
	}
	return g.AddNode(name, ops.Const(value))
}

// MarkOutput designates an outlet as a graph output. Outputs keep their
// producing nodes alive through dead-code elimination and define the default
// targets of a plan.
func (g *Graph) MarkOutput(outlet OutletID) error {
	if err := g.checkOutlet(outlet); err != nil {
		return err
	}
	for _, o := range g.outputs {
		if o == outlet {
			return nil
		}
	}
	g.outputs = append(g.outputs, outlet)
	return nil
}

func (g *Graph) checkOutlet(o OutletID) error {
	if o.Node < 0 || int(o.Node) >= len(g.nodes) {
		return errors.Wrapf(ErrInvalidInput, "outlet %s refers to an unknown node", o)
	}
	if o.Slot < 0 || o.Slot >= g.nodes[o.Node].Op.OutputCount() {
		return errors.Wrapf(ErrInvalidInput, "outlet %s is out of range, node %q has %d outputs",
			o, g.nodes[o.Node].Name, g.nodes[o.Node].Op.OutputCount())
	}
	return nil
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns a node by id, or nil if out of range. The returned node is
// owned by the graph and must not be modified.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// NodeByName returns a node by name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	id, found := g.byName[name]
	if !found {
		return nil, false
	}
	return g.nodes[id], true
}

// Nodes returns all nodes in id order. The slice and the nodes are owned by
// the graph and must not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Sources returns the ids of the designated input nodes, in insertion order.
func (g *Graph) Sources() []NodeID { return append([]NodeID(nil), g.sources...) }

// Outputs returns the designated output outlets, in marking order.
func (g *Graph) Outputs() []OutletID { return append([]OutletID(nil), g.outputs...) }

// DeclaredFact returns the fact a source node was declared with, or nil if
// the node is not a source.
func (g *Graph) DeclaredFact(id NodeID) *facts.TensorFact {
	node := g.Node(id)
	if node == nil {
		return nil
	}
	if src, ok := node.Op.(sourceValuer); ok {
		return src.DeclaredFact()
	}
	return nil
}

// RewireInput redirects one input of a node to another outlet. If the new
// wiring would close a cycle the graph is left untouched and
// ErrCycleDetected is returned.
func (g *Graph) RewireInput(id NodeID, inputIdx int, outlet OutletID) error {
	node := g.Node(id)
	if node == nil {
		return errors.Wrapf(ErrInvalidInput, "unknown node id %d", id)
	}
	if inputIdx < 0 || inputIdx >= len(node.Inputs) {
		return errors.Wrapf(ErrInvalidInput, "node %q has %d inputs, cannot rewire input %d",
			node.Name, len(node.Inputs), inputIdx)
	}
	if err := g.checkOutlet(outlet); err != nil {
		return err
	}

	previous := node.Inputs[inputIdx]
	node.Inputs[inputIdx] = outlet
	if g.reaches(outlet.Node, id) {
		node.Inputs[inputIdx] = previous
		return errors.Wrapf(ErrCycleDetected, "rewiring input %d of node %q to %s", inputIdx, node.Name, outlet)
	}
	return nil
}

// reaches reports whether target is reachable from start by following
// inputs backward.
func (g *Graph) reaches(start, target NodeID) bool {
	if start == target {
		return true
	}
	visited := make(map[NodeID]bool)
	stack := []NodeID{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, in := range g.nodes[id].Inputs {
			if in.Node == target {
				return true
			}
			if !visited[in.Node] {
				stack = append(stack, in.Node)
			}
		}
	}
	return false
}

package graph

import (
	"github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/pkg/errors"
)

// EvalOrder returns the nodes needed to produce the target outlets, in a
// valid evaluation order. Nodes that no target depends on are excluded, and
// ties between ready nodes break toward the lowest id, so the order is
// deterministic for a given graph and target set.
func (g *Graph) EvalOrder(targets ...OutletID) ([]NodeID, error) {
	for _, t := range targets {
		if err := g.checkOutlet(t); err != nil {
			return nil, err
		}
	}

	// Backward reachability from the targets.
	needed := make(map[NodeID]bool)
	stack := make([]NodeID, 0, len(targets))
	for _, t := range targets {
		if !needed[t.Node] {
			needed[t.Node] = true
			stack = append(stack, t.Node)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, in := range g.nodes[id].Inputs {
			if !needed[in.Node] {
				needed[in.Node] = true
				stack = append(stack, in.Node)
			}
		}
	}

	// Kahn's algorithm over the needed subgraph, with a min-heap on the node
	// id as the ready set.
	pending := make(map[NodeID]int, len(needed))
	ready := priorityqueue.New[NodeID]()
	for id := range needed {
		distinct := make(map[NodeID]bool)
		for _, in := range g.nodes[id].Inputs {
			distinct[in.Node] = true
		}
		pending[id] = len(distinct)
		if len(distinct) == 0 {
			ready.Enqueue(id)
		}
	}

	// Forward edges within the needed subgraph, deduplicated per pair.
	consumers := make(map[NodeID][]NodeID, len(needed))
	for id := range needed {
		distinct := make(map[NodeID]bool)
		for _, in := range g.nodes[id].Inputs {
			if !distinct[in.Node] {
				distinct[in.Node] = true
				consumers[in.Node] = append(consumers[in.Node], id)
			}
		}
	}

	order := make([]NodeID, 0, len(needed))
	for {
		id, ok := ready.Dequeue()
		if !ok {
			break
		}
		order = append(order, id)
		for _, consumer := range consumers[id] {
			pending[consumer]--
			if pending[consumer] == 0 {
				ready.Enqueue(consumer)
			}
		}
	}
	if len(order) != len(needed) {
		// Unreachable for graphs built through AddNode and RewireInput.
		return nil, errors.Wrapf(ErrCycleDetected, "scheduled %d of %d needed nodes", len(order), len(needed))
	}
	return order, nil
}

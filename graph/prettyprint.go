package graph

import (
	"bytes"
	"fmt"
	"slices"
)

// String implements fmt.Stringer, and pretty prints the graph structure.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph:\n")
	w("\t# nodes:\t%d\n", len(g.nodes))

	opTypes := make(map[string]bool)
	for _, n := range g.nodes {
		opTypes[n.Op.Name()] = true
	}
	opTypeNames := make([]string, 0, len(opTypes))
	for name := range opTypes {
		opTypeNames = append(opTypeNames, name)
	}
	slices.Sort(opTypeNames)
	w("\tOp types:\t%v\n", opTypeNames)

	if len(g.sources) > 0 {
		w("\tSources:\n")
		for _, id := range g.sources {
			node := g.nodes[id]
			if declared := g.DeclaredFact(id); declared != nil {
				w("\t\t#%d %s: %s\n", id, node.Name, declared)
			} else {
				w("\t\t#%d %s\n", id, node.Name)
			}
		}
	}
	if len(g.outputs) > 0 {
		w("\tOutputs:\t%v\n", g.outputs)
	}

	for _, node := range g.nodes {
		w("\t#%d %s(%s)", node.ID, node.Op.Name(), node.Name)
		if len(node.Inputs) > 0 {
			w(" <-")
			for _, in := range node.Inputs {
				w(" %s", in)
			}
		}
		w("\n")
	}
	return buf.String()
}

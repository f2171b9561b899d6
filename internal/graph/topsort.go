package graph

import "github.com/weft-lang/weft/internal/errs"

// TopSort returns every node in dependency order (parents before children).
// A cycle is a fatal configuration error: the split traversal visits each
// node exactly once and cannot make progress on a cyclic graph.
func (g *Graph) TopSort() ([]NodeID, error) {
	if g.sorted != nil {
		return g.sorted, nil
	}

	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // done
	)
	colors := make([]int, len(g.Nodes))
	var order []NodeID

	var visit func(id NodeID) error
	visit = func(id NodeID) error {
		switch colors[id] {
		case black:
			return nil
		case gray:
			return errs.Configf("dataflow graph has a cycle through %s", g.Nodes[id].Name)
		}
		colors[id] = gray
		for _, c := range g.Nodes[id].Children {
			if err := visit(c); err != nil {
				return err
			}
		}
		colors[id] = black
		order = append(order, id)
		return nil
	}

	for id := range g.Nodes {
		if err := visit(NodeID(id)); err != nil {
			return nil, err
		}
	}

	// Post-order of a child-first DFS is reverse dependency order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	g.sorted = order
	return order, nil
}

package graph

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/weft-lang/weft/internal/errs"
)

// SetBoundary declares the acceleration boundary: the tensors entering the
// accelerated region and the tensors it must produce. The boundary has to
// be a connected cut: every edge into the region comes from a declared
// input. Violations are aggregated and surfaced here, before any
// partitioning runs.
func (g *Graph) SetBoundary(inputs, outputs []string) error {
	var result *multierror.Error

	resolve := func(names []string, what string) []NodeID {
		ids := make([]NodeID, 0, len(names))
		seen := mapset.NewThreadUnsafeSet[string]()
		for _, name := range names {
			if !seen.Add(name) {
				result = multierror.Append(result, errs.Graphf("boundary %s %s listed twice", what, name))
				continue
			}
			id, ok := g.index[name]
			if !ok {
				result = multierror.Append(result, errs.Graphf("boundary %s %s is not a graph node", what, name))
				continue
			}
			ids = append(ids, id)
		}
		return ids
	}

	inputIDs := resolve(inputs, "input")
	outputIDs := resolve(outputs, "output")
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	if len(outputIDs) == 0 {
		return errs.Graphf("boundary declares no outputs")
	}

	// The accelerated region is everything reachable from the inputs that
	// still reaches an output without leaving through an output first.
	inSet := mapset.NewThreadUnsafeSet[NodeID](inputIDs...)
	outSet := mapset.NewThreadUnsafeSet[NodeID](outputIDs...)
	member := mapset.NewThreadUnsafeSet[NodeID]()

	queue := append([]NodeID(nil), inputIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if !member.Add(id) {
			continue
		}
		if outSet.Contains(id) {
			continue
		}
		for _, c := range g.Nodes[id].Children {
			queue = append(queue, c)
		}
	}
	for _, out := range outputIDs {
		if !member.Contains(out) {
			result = multierror.Append(result, errs.Graphf(
				"boundary output %s is not reachable from the declared inputs", g.Nodes[out].Name))
		}
	}

	// Cut check: a region node may only read region nodes or declared
	// inputs. Anything else is a used-but-undeclared input.
	for _, id := range member.ToSlice() {
		if inSet.Contains(id) {
			continue
		}
		for _, p := range g.Nodes[id].Parents {
			if !member.Contains(p) && !inSet.Contains(p) {
				result = multierror.Append(result, errs.Graphf(
					"%s reads %s from outside the boundary; declare %s as a boundary input",
					g.Nodes[id].Name, g.Nodes[p].Name, g.Nodes[p].Name))
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	g.Inputs = inputIDs
	g.Outputs = outputIDs
	g.inSub = make(map[NodeID]bool, member.Cardinality())
	for _, id := range member.ToSlice() {
		g.inSub[id] = true
	}
	glog.V(3).Infof("graph: boundary set, %d inputs, %d outputs, %d region nodes",
		len(inputIDs), len(outputIDs), member.Cardinality())
	return nil
}

// InRegion reports whether the node lies inside the accelerated region
// (inputs and outputs included).
func (g *Graph) InRegion(id NodeID) bool {
	return g.inSub[id]
}

// IsBoundaryInput reports whether the node is a declared boundary input.
func (g *Graph) IsBoundaryInput(id NodeID) bool {
	for _, in := range g.Inputs {
		if in == id {
			return true
		}
	}
	return false
}

// IsBoundaryOutput reports whether the node is a declared boundary output.
func (g *Graph) IsBoundaryOutput(id NodeID) bool {
	for _, out := range g.Outputs {
		if out == id {
			return true
		}
	}
	return false
}

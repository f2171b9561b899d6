// Package graph derives the dataflow graph of a schedule: one node per
// declared tensor and per stage, edges from tensor reads, plus the
// host/device boundary and placement queries the splitter works from.
package graph

import (
	"fmt"
	"sort"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/types"
)

// NodeID addresses a node in the graph's arena. Nodes reference each other
// by ID, never by pointer.
type NodeID int

// NoNode is the null NodeID, used where a reference is optional.
const NoNode NodeID = -1

// Node is one dataflow node: a declared tensor or a stage with its
// materialized output tensor. Base is the node this one aliases (a view of
// another node's storage), or NoNode.
type Node struct {
	ID       NodeID
	Name     string
	Tensor   types.Tensor
	Stage    *schedule.Stage // nil for declared tensors and views
	Parents  []NodeID
	Children []NodeID
	Base     NodeID
}

// IsPlaceholder reports whether the node is a declared input tensor rather
// than a computation.
func (n *Node) IsPlaceholder() bool {
	return n.Stage == nil && n.Base == NoNode
}

// Graph is the dataflow graph over one schedule. The node slice is an
// arena; IDs are indices into it and stay valid for the graph's lifetime.
type Graph struct {
	Nodes []Node

	// DeviceMap is the per-name placement policy copied from the schedule.
	// Names absent from the map default to CPU.
	DeviceMap map[string]schedule.Device

	// Inputs and Outputs are the declared acceleration boundary, in
	// declared order. Empty until SetBoundary.
	Inputs  []NodeID
	Outputs []NodeID

	index  map[string]NodeID
	inSub  map[NodeID]bool
	sorted []NodeID
}

// Build derives the dataflow graph from a schedule. Every stage input must
// name a declared tensor or another stage; violations are aggregated into
// one graph-consistency error.
func Build(sch *schedule.Schedule) (*Graph, error) {
	g := &Graph{
		DeviceMap: make(map[string]schedule.Device, len(sch.Placement)),
		index:     make(map[string]NodeID),
	}
	for name, dev := range sch.Placement {
		g.DeviceMap[name] = dev
	}

	// Declared tensors first, in deterministic order, then stages in
	// declaration order.
	for _, name := range sortedTensorNames(sch) {
		g.addNode(name, sch.Tensors[name], nil)
	}
	for _, st := range sch.Stages {
		g.addNode(st.Name, st.Out, st)
	}

	var result *multierror.Error
	for _, st := range sch.Stages {
		child := g.index[st.Name]
		for _, in := range st.Op.Inputs {
			parent, ok := g.index[in]
			if !ok {
				result = multierror.Append(result, errs.Graphf(
					"stage %s reads %s which is neither a declared tensor nor a stage", st.Name, in))
				continue
			}
			g.addEdge(parent, child)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	glog.V(3).Infof("graph: built %d nodes from %d stages", len(g.Nodes), len(sch.Stages))
	return g, nil
}

func (g *Graph) addNode(name string, t types.Tensor, st *schedule.Stage) NodeID {
	id := NodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, Node{ID: id, Name: name, Tensor: t, Stage: st, Base: NoNode})
	g.index[name] = id
	return id
}

func (g *Graph) addEdge(parent, child NodeID) {
	for _, p := range g.Nodes[child].Parents {
		if p == parent {
			return
		}
	}
	g.Nodes[child].Parents = append(g.Nodes[child].Parents, parent)
	g.Nodes[parent].Children = append(g.Nodes[parent].Children, child)
}

// AddView creates a node aliasing another node's storage. The view has the
// base as its only parent and resolves through the base wherever storage is
// looked up.
func (g *Graph) AddView(name, base string) (NodeID, error) {
	baseID, ok := g.index[base]
	if !ok {
		return NoNode, errs.Graphf("view %s aliases unknown node %s", name, base)
	}
	if _, ok := g.index[name]; ok {
		return NoNode, errs.Graphf("view %s collides with an existing node", name)
	}
	id := g.addNode(name, g.Nodes[baseID].Tensor, nil)
	g.Nodes[id].Base = baseID
	g.addEdge(baseID, id)
	g.sorted = nil
	return id, nil
}

// Node returns the named node, or nil.
func (g *Graph) Node(name string) *Node {
	id, ok := g.index[name]
	if !ok {
		return nil
	}
	return &g.Nodes[id]
}

// ResolveBase follows the aliasing chain to the node owning the storage.
func (g *Graph) ResolveBase(id NodeID) NodeID {
	for g.Nodes[id].Base != NoNode {
		id = g.Nodes[id].Base
	}
	return id
}

// Roots returns the nodes with no parents, in arena order.
func (g *Graph) Roots() []NodeID {
	var roots []NodeID
	for _, n := range g.Nodes {
		if len(n.Parents) == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// IsRoot reports whether the node has no parents.
func (g *Graph) IsRoot(id NodeID) bool {
	return len(g.Nodes[id].Parents) == 0
}

func sortedTensorNames(sch *schedule.Schedule) []string {
	names := make([]string, 0, len(sch.Tensors))
	for name := range sch.Tensors {
		names = append(names, name)
	}
	// Map order is not deterministic; sort so node IDs are stable.
	sort.Strings(names)
	return names
}

func (g *Graph) String() string {
	s := fmt.Sprintf("graph with %d nodes\n", len(g.Nodes))
	for _, n := range g.Nodes {
		s += fmt.Sprintf("  %d %s parents=%v children=%v", n.ID, n.Name, n.Parents, n.Children)
		if n.Base != NoNode {
			s += fmt.Sprintf(" base=%d", n.Base)
		}
		s += "\n"
	}
	return s
}

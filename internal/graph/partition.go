package graph

import (
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/schedule"
)

// Place returns the device the placement policy assigns to a node. Explicit
// entries in DeviceMap win; otherwise nodes inside the accelerated region
// run on the FPGA and everything else on the CPU.
func (g *Graph) Place(id NodeID) schedule.Device {
	if dev, ok := g.DeviceMap[g.Nodes[id].Name]; ok {
		return dev
	}
	if g.inSub[id] {
		return schedule.FPGA
	}
	return schedule.CPU
}

// HostMaterialized reports whether the host owns the node's backing storage
// no matter where the node computes: roots and boundary outputs are the
// marshalling points, so the host allocates them.
func (g *Graph) HostMaterialized(id NodeID) bool {
	return g.IsRoot(id) || g.IsBoundaryOutput(id)
}

// Plan is the partitioner's decision: a per-node device assignment plus
// whether anything is offloaded at all.
type Plan struct {
	Assign  map[NodeID]schedule.Device
	Offload bool

	graph *Graph
}

// Device returns the planned device of a node.
func (p *Plan) Device(id NodeID) schedule.Device {
	return p.Assign[id]
}

// Marshalled returns the boundary tensors that cross between host and
// device, inputs first, in declared order.
func (p *Plan) Marshalled() []NodeID {
	return append(append([]NodeID(nil), p.graph.Inputs...), p.graph.Outputs...)
}

// Partition computes the host/device assignment for every node. It is a
// pure decision step: nothing is relocated here. An FPGA placement without
// a declared boundary, a placement naming an unknown node, or a boundary
// tensor pinned to the CPU is an error.
func Partition(g *Graph) (*Plan, error) {
	var result *multierror.Error
	offload := false
	for name, dev := range g.DeviceMap {
		id, ok := g.index[name]
		if !ok {
			result = multierror.Append(result, errs.Graphf("placement names unknown node %s", name))
			continue
		}
		// Boundary tensors cross to the device per declaration; a cpu pin
		// contradicts that.
		if dev == schedule.CPU && (g.IsBoundaryInput(id) || g.IsBoundaryOutput(id)) {
			result = multierror.Append(result, errs.Graphf("placement pins boundary tensor %s to the cpu", name))
			continue
		}
		if dev == schedule.FPGA {
			offload = true
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	if len(g.Inputs) > 0 || len(g.Outputs) > 0 {
		offload = true
	}
	if offload && len(g.Outputs) == 0 {
		return nil, errs.Graphf("placement targets the fpga but no boundary is declared")
	}

	plan := &Plan{Assign: make(map[NodeID]schedule.Device, len(g.Nodes)), Offload: offload, graph: g}
	for _, n := range g.Nodes {
		if offload {
			plan.Assign[n.ID] = g.Place(n.ID)
		} else {
			plan.Assign[n.ID] = schedule.CPU
		}
	}
	// Stages attached via compute_at realize inside their parent's nest, so
	// they follow the parent's placement.
	for _, n := range g.Nodes {
		if n.Stage == nil || n.Stage.ComputeAttach == nil {
			continue
		}
		if pid, ok := g.index[n.Stage.ComputeAttach.Parent.Name]; ok {
			plan.Assign[n.ID] = plan.Assign[pid]
		}
	}
	glog.V(3).Infof("graph: partition planned, offload=%v", offload)
	return plan, nil
}

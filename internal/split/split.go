/*
Package split divides one scheduled computation into two coherent IR
modules, one for the host and one for the accelerator, preserving every
data dependency that crosses the boundary.

The split works in two steps. New assembles the whole computation into the
device module (one outlined function plus a call per stage, one allocation
per tensor), rebuilds the device top function's signature from the declared
boundary, and materializes host-side marshalling buffers for roots and
boundary outputs. Run then walks the dataflow graph breadth-first from the
roots, relocating host-placed interior nodes into the host module, emitting
the single host-to-device call when the first device node is reached, and
rewriting every operand so both modules resolve their references locally.

Correspondence between graph nodes and IR operations is held in an arena
indexed by node ID, populated completely during assembly; the traversal
only reads it. Operands are value identities, so relocating an op never
invalidates a reference.
*/
package split

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/graph"
	"github.com/weft-lang/weft/internal/ir"
	"github.com/weft-lang/weft/internal/lower"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/stmt"
	"github.com/weft-lang/weft/internal/types"
)

// runState tracks whether Run has performed the split. It moves
// runPending -> runDone exactly once per Program.
type runState int

const (
	runPending runState = iota
	runDone
)

// entry is one node's correspondence record: the IR operations realizing
// the node. Entries are populated during assembly, strictly before the
// traversal reads them. A view node's entry stays empty; it resolves
// through its base.
type entry struct {
	alloc     *ir.Op    // buffer definition, device side until relocated
	fn        *ir.Func  // outlined stage function
	call      *ir.Op    // call site of fn
	boundary  *ir.Value // device top parameter or result
	hostAlloc *ir.Op    // host-side marshalling buffer
}

func (e *entry) empty() bool {
	return e.alloc == nil && e.fn == nil && e.call == nil && e.boundary == nil && e.hostAlloc == nil
}

// Program is one host/device split over a partitioned dataflow graph.
type Program struct {
	Host *ir.Module
	Xcel *ir.Module

	// HostMain is the host entry function; Top is the device top function
	// whose signature carries the boundary.
	HostMain *ir.Func
	Top      *ir.Func

	g       *graph.Graph
	plan    *graph.Plan
	entries []entry
	retSlot map[graph.NodeID]int

	deviceCall *ir.Op
	deviceRet  *ir.Op
	state      runState
}

// New assembles the two modules for a split. The whole computation lands in
// the device module; the device signature is rebuilt from the boundary and
// host marshalling buffers are materialized for roots and boundary outputs.
// A cyclic graph is rejected here.
func New(g *graph.Graph, plan *graph.Plan, real *lower.Realization) (*Program, error) {
	order, err := g.TopSort()
	if err != nil {
		return nil, err
	}

	p := &Program{
		Host:    ir.NewModule("host"),
		Xcel:    ir.NewModule("xcel"),
		g:       g,
		plan:    plan,
		entries: make([]entry, len(g.Nodes)),
		retSlot: make(map[graph.NodeID]int, len(g.Outputs)),
	}
	p.HostMain = p.Host.NewFunc("main")
	p.Top = p.Xcel.NewFunc("top")

	p.buildSignature()
	for _, id := range order {
		if g.HostMaterialized(id) {
			p.hostBuffer(id)
		}
	}
	if err := p.assemble(order, real); err != nil {
		return nil, err
	}
	return p, nil
}

// buildSignature gives the device top function exactly the boundary inputs
// as parameters and the boundary outputs as results, and records name and
// type-hint metadata for the emitters. Input and output hints are two
// separate attributes.
func (p *Program) buildSignature() {
	var inNames, outNames []string
	var itypes, otypes strings.Builder
	for _, id := range p.g.Inputs {
		n := &p.g.Nodes[id]
		p.entries[id].boundary = p.Top.AddParam(n.Name, n.Tensor)
		inNames = append(inNames, n.Name)
		itypes.WriteByte(n.Tensor.Elem.Hint())
	}
	for i, id := range p.g.Outputs {
		n := &p.g.Nodes[id]
		res := p.Top.AddResult(n.Name, n.Tensor)
		if p.entries[id].boundary == nil {
			p.entries[id].boundary = res
		}
		p.retSlot[id] = i
		outNames = append(outNames, n.Name)
		otypes.WriteByte(n.Tensor.Elem.Hint())
	}
	p.Top.SetAttr("inputs", strings.Join(inNames, ","))
	p.Top.SetAttr("outputs", strings.Join(outNames, ","))
	p.Top.SetAttr("itypes", itypes.String())
	p.Top.SetAttr("otypes", otypes.String())
}

// hostBuffer returns the node's host-side marshalling buffer, creating the
// allocation and its sentinel-initialization nest on first use.
func (p *Program) hostBuffer(id graph.NodeID) *ir.Value {
	ent := &p.entries[id]
	if ent.hostAlloc == nil {
		n := &p.g.Nodes[id]
		ent.hostAlloc = p.HostMain.NewAlloc(n.Name, n.Tensor)
		p.HostMain.NewLoopNest(n.Name+".init", initNest(n.Name, n.Tensor),
			[]*ir.Value{ent.hostAlloc.Result()})
	}
	return ent.hostAlloc.Result()
}

// initNest writes the sentinel into every element of a fresh host buffer.
func initNest(name string, t types.Tensor) stmt.Stmt {
	indices := make([]stmt.Expr, t.Rank())
	for i := range indices {
		indices[i] = stmt.Var{Name: schedule.AxisName(i)}
	}
	var body stmt.Stmt = &stmt.StoreND{Tensor: name, Indices: indices, Value: stmt.Zero(t.Elem)}
	for i := t.Rank() - 1; i >= 0; i-- {
		body = &stmt.For{
			Var:    schedule.AxisName(i),
			Min:    stmt.IntImm{},
			Extent: stmt.IntImm{Value: int64(t.Shape[i])},
			Body:   body,
		}
	}
	return body
}

// assemble builds every stage into the device module in topological order:
// an allocation for the stage's tensor unless a boundary value already
// carries it, an outlined function holding the realized nest, and a call
// whose operands resolve the referenced tensors. Stages attached via
// compute_at realize inside their parent's nest and only get storage.
func (p *Program) assemble(order []graph.NodeID, real *lower.Realization) error {
	for _, id := range order {
		n := &p.g.Nodes[id]
		ent := &p.entries[id]
		if n.Base != graph.NoNode || n.IsPlaceholder() {
			continue
		}
		if ent.boundary == nil {
			ent.alloc = p.Top.NewAlloc(n.Name, n.Tensor)
		}
		if n.Stage.ComputeAttach != nil {
			continue
		}

		nest := real.Nest(n.Name)
		if nest == nil {
			return errs.Graphf("stage %s has no realized loop nest", n.Name)
		}
		refs := stmt.ReferencedTensors(nest)
		// The prefix keeps function and tensor namespaces apart in the
		// generated source.
		fn := p.Xcel.NewFunc("stage_" + n.Name)
		params := make([]*ir.Value, len(refs))
		operands := make([]*ir.Value, len(refs))
		for i, ref := range refs {
			rn := p.g.Node(ref)
			if rn == nil {
				return errs.Graphf("stage %s references unknown tensor %s", n.Name, ref)
			}
			params[i] = fn.AddParam(ref, rn.Tensor)
			v, err := p.deviceValue(rn.ID)
			if err != nil {
				return err
			}
			operands[i] = v
		}
		fn.NewLoopNest(n.Name, nest, params)
		fn.NewReturn(nil)
		ent.fn = fn
		ent.call = p.Top.NewCall(fn, operands)
	}

	rets := make([]*ir.Value, len(p.g.Outputs))
	for i, id := range p.g.Outputs {
		rets[i] = p.entries[id].boundary
	}
	p.deviceRet = p.Top.NewReturn(rets)
	return nil
}

// deviceValue resolves a node to the value its device-side consumers use:
// the boundary parameter or result when the node crosses the boundary, the
// device allocation when it computes inside, and the host allocation as
// the final fallback. A view resolves through its base node's entry.
func (p *Program) deviceValue(id graph.NodeID) (*ir.Value, error) {
	id = p.g.ResolveBase(id)
	ent := &p.entries[id]
	switch {
	case ent.boundary != nil:
		return ent.boundary, nil
	case ent.alloc != nil:
		return ent.alloc.Result(), nil
	case ent.hostAlloc != nil:
		return ent.hostAlloc.Result(), nil
	}
	return nil, errs.Graphf("node %s has no storage to resolve", p.g.Nodes[id].Name)
}

// hostValue resolves a node to its host-side storage. Device-computed
// values are only reachable from the host through a boundary output.
func (p *Program) hostValue(id graph.NodeID) (*ir.Value, error) {
	id = p.g.ResolveBase(id)
	ent := &p.entries[id]
	switch {
	case ent.hostAlloc != nil:
		return ent.hostAlloc.Result(), nil
	case ent.alloc != nil && p.plan.Device(id) == schedule.CPU:
		return ent.alloc.Result(), nil
	}
	return nil, errs.Graphf("%s is computed on the device but is not a boundary output",
		p.g.Nodes[id].Name)
}

// Run performs the split: one FIFO traversal over the dataflow graph,
// seeded with the roots, visiting every reachable node exactly once.
// Host-placed interior nodes relocate into the host module; the first
// device-placed node triggers the one host-to-device call; device output
// nodes wire their resolved values into the device return. Children are
// enqueued regardless of placement.
func (p *Program) Run() error {
	if p.state != runPending {
		return errs.Usagef("split was already run")
	}

	visited := mapset.NewSet[graph.NodeID]()
	queue := append([]graph.NodeID(nil), p.g.Roots()...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited.Contains(id) {
			continue
		}
		visited.Add(id)
		n := &p.g.Nodes[id]
		ent := &p.entries[id]
		if p.entries[p.g.ResolveBase(id)].empty() {
			return errs.Graphf("node %s reached the split with no correspondence entry", n.Name)
		}

		straddles := p.g.IsRoot(id) || p.g.IsBoundaryInput(id) || p.g.IsBoundaryOutput(id)
		switch p.plan.Device(id) {
		case schedule.CPU:
			if !straddles {
				if err := p.relocateHost(n, ent); err != nil {
					return err
				}
			}
		case schedule.FPGA:
			if p.deviceCall == nil {
				p.emitDeviceCall()
			}
			if err := p.rewriteDeviceOperands(n, ent); err != nil {
				return err
			}
			if slot, ok := p.retSlot[id]; ok {
				v, err := p.deviceValue(id)
				if err != nil {
					return err
				}
				p.deviceRet.SetOperand(slot, v)
			}
		}
		queue = append(queue, n.Children...)
	}

	// buildSignature seeds every return operand; the traversal only
	// replaces them.
	for i, v := range p.deviceRet.Operands() {
		if v == nil {
			panic("device output " + p.g.Nodes[p.g.Outputs[i]].Name + " lost its boundary value")
		}
	}
	p.HostMain.NewReturn(nil)
	p.state = runDone
	glog.V(2).Infof("split: %d nodes visited, host holds %d functions, xcel holds %d",
		visited.Cardinality(), len(p.Host.Funcs), len(p.Xcel.Funcs))
	return nil
}

// relocateHost moves a host-placed interior node out of the device module:
// its function joins the host module, its call site lands immediately
// before the device call, its allocation moves ahead of whichever host op
// reads it first, and every operand is rewritten to host-side storage.
func (p *Program) relocateHost(n *graph.Node, ent *entry) error {
	if ent.fn != nil {
		ir.MoveFunc(ent.fn, p.Host)
	}
	if ent.call != nil {
		ir.MoveBefore(ent.call, p.HostMain, p.deviceCall)
	}
	if ent.alloc != nil {
		anchor := ent.call
		if anchor == nil {
			anchor = p.deviceCall
		}
		ir.MoveBefore(ent.alloc, p.HostMain, anchor)
	}
	if ent.call == nil {
		return nil
	}
	for i, v := range ent.call.Operands() {
		rn := p.g.Node(v.Name)
		if rn == nil {
			return errs.Graphf("operand %s of stage %s is not a graph node", v.Name, n.Name)
		}
		hv, err := p.hostValue(rn.ID)
		if err != nil {
			return errors.Wrapf(err, "relocating stage %s", n.Name)
		}
		ent.call.SetOperand(i, hv)
	}
	return nil
}

// emitDeviceCall synthesizes the single call from host into the device top
// function, passing the input marshalling buffers in boundary order; output
// buffers travel through the return and the call's name metadata. Boundary
// inputs that are not roots have no host buffer yet; they are materialized
// here, ahead of the call.
func (p *Program) emitDeviceCall() {
	args := make([]*ir.Value, 0, len(p.g.Inputs))
	for _, id := range p.g.Inputs {
		args = append(args, p.hostBuffer(id))
	}
	p.deviceCall = p.HostMain.NewCall(p.Top, args)
	in, _ := p.Top.Attr("inputs")
	out, _ := p.Top.Attr("outputs")
	p.deviceCall.SetAttr("inputs", in)
	p.deviceCall.SetAttr("outputs", out)
	glog.V(2).Infof("split: device call emitted with %d boundary arguments", len(args))
}

// rewriteDeviceOperands re-resolves a device node's call operands: boundary
// values win, then device allocations, then the parent's allocation as the
// fallback.
func (p *Program) rewriteDeviceOperands(n *graph.Node, ent *entry) error {
	if ent.call == nil {
		return nil
	}
	for i, v := range ent.call.Operands() {
		rn := p.g.Node(v.Name)
		if rn == nil {
			return errs.Graphf("operand %s of stage %s is not a graph node", v.Name, n.Name)
		}
		dv, err := p.deviceValue(rn.ID)
		if err != nil {
			return err
		}
		ent.call.SetOperand(i, dv)
	}
	return nil
}

// DeviceCall returns the synthesized host-to-device call, or nil before
// Run emits it.
func (p *Program) DeviceCall() *ir.Op {
	return p.deviceCall
}

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/types"
)

// buildChain declares a, b -> c = a+b -> d = relu(c).
func buildChain(t *testing.T) (*schedule.Schedule, *Graph) {
	t.Helper()
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, 8)))
	require.NoError(t, sch.DeclareTensor("b", types.MakeTensor(types.Float32, 8)))
	_, err := sch.AddStage("c", schedule.Compute{Kind: schedule.OpAdd, Inputs: []string{"a", "b"}}, types.Float32, 8)
	require.NoError(t, err)
	_, err = sch.AddStage("d", schedule.Compute{Kind: schedule.OpRelu, Inputs: []string{"c"}}, types.Float32, 8)
	require.NoError(t, err)

	g, err := Build(sch)
	require.NoError(t, err)
	return sch, g
}

func TestBuildNodesAndEdges(t *testing.T) {
	_, g := buildChain(t)

	require.Len(t, g.Nodes, 4)
	a, b, c, d := g.Node("a"), g.Node("b"), g.Node("c"), g.Node("d")
	require.NotNil(t, a)
	require.NotNil(t, d)

	assert.True(t, a.IsPlaceholder())
	assert.False(t, c.IsPlaceholder())
	assert.ElementsMatch(t, []NodeID{a.ID, b.ID}, c.Parents)
	assert.Equal(t, []NodeID{d.ID}, c.Children)
	assert.Equal(t, []NodeID{c.ID}, d.Parents)

	assert.ElementsMatch(t, []NodeID{a.ID, b.ID}, g.Roots())
	assert.True(t, g.IsRoot(a.ID))
	assert.False(t, g.IsRoot(c.ID))
}

func TestBuildRejectsUnknownInput(t *testing.T) {
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, 4)))
	_, err := sch.AddStage("c", schedule.Compute{Kind: schedule.OpAdd, Inputs: []string{"a", "ghost"}}, types.Float32, 4)
	require.NoError(t, err)

	_, err = Build(sch)
	require.Error(t, err)
	assert.True(t, errs.IsGraph(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestAddViewResolvesThroughBase(t *testing.T) {
	_, g := buildChain(t)
	a := g.Node("a")

	viewID, err := g.AddView("a.view", "a")
	require.NoError(t, err)
	assert.Equal(t, a.ID, g.Nodes[viewID].Base)
	assert.Equal(t, a.ID, g.ResolveBase(viewID))
	assert.Equal(t, a.Tensor, g.Nodes[viewID].Tensor)

	// Chained views resolve to the ultimate base.
	view2, err := g.AddView("a.view2", "a.view")
	require.NoError(t, err)
	assert.Equal(t, a.ID, g.ResolveBase(view2))

	_, err = g.AddView("x", "ghost")
	assert.True(t, errs.IsGraph(err))
	_, err = g.AddView("a", "b")
	assert.True(t, errs.IsGraph(err))
}

func TestSetBoundaryAcceptsConnectedCut(t *testing.T) {
	_, g := buildChain(t)
	require.NoError(t, g.SetBoundary([]string{"a", "b"}, []string{"d"}))

	assert.True(t, g.InRegion(g.Node("c").ID))
	assert.True(t, g.InRegion(g.Node("d").ID))
	assert.True(t, g.IsBoundaryInput(g.Node("a").ID))
	assert.True(t, g.IsBoundaryOutput(g.Node("d").ID))
	assert.False(t, g.IsBoundaryOutput(g.Node("c").ID))
}

func TestSetBoundaryRejectsUndeclaredInput(t *testing.T) {
	// c reads both a and b, but only a is declared as a boundary input.
	_, g := buildChain(t)
	err := g.SetBoundary([]string{"a"}, []string{"d"})
	require.Error(t, err)
	assert.True(t, errs.IsGraph(err))
	assert.Contains(t, err.Error(), "declare b as a boundary input")
}

func TestSetBoundaryRejectsUnreachableOutput(t *testing.T) {
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, 4)))
	require.NoError(t, sch.DeclareTensor("x", types.MakeTensor(types.Float32, 4)))
	_, err := sch.AddStage("b", schedule.Compute{Kind: schedule.OpCopy, Inputs: []string{"a"}}, types.Float32, 4)
	require.NoError(t, err)
	_, err = sch.AddStage("y", schedule.Compute{Kind: schedule.OpCopy, Inputs: []string{"x"}}, types.Float32, 4)
	require.NoError(t, err)
	g, err := Build(sch)
	require.NoError(t, err)

	err = g.SetBoundary([]string{"a"}, []string{"y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestSetBoundaryRejectsBadNames(t *testing.T) {
	_, g := buildChain(t)
	err := g.SetBoundary([]string{"a", "a"}, []string{"d"})
	assert.Contains(t, err.Error(), "listed twice")

	err = g.SetBoundary([]string{"ghost"}, []string{"d"})
	assert.Contains(t, err.Error(), "not a graph node")

	err = g.SetBoundary([]string{"a", "b"}, nil)
	assert.Contains(t, err.Error(), "no outputs")
}

func TestTopSortRespectsEdges(t *testing.T) {
	_, g := buildChain(t)
	order, err := g.TopSort()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[NodeID]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, n := range g.Nodes {
		for _, c := range n.Children {
			assert.Less(t, pos[n.ID], pos[c], "%s before %s", n.Name, g.Nodes[c].Name)
		}
	}
}

func TestTopSortDetectsCycle(t *testing.T) {
	_, g := buildChain(t)
	// Force a back edge d -> c.
	g.addEdge(g.Node("d").ID, g.Node("c").ID)
	g.sorted = nil

	_, err := g.TopSort()
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestPlaceDefaultsByRegion(t *testing.T) {
	sch, _ := buildChain(t)
	_, err := sch.AddStage("e", schedule.Compute{Kind: schedule.OpRelu, Inputs: []string{"d"}}, types.Float32, 8)
	require.NoError(t, err)
	g, err := Build(sch)
	require.NoError(t, err)
	require.NoError(t, g.SetBoundary([]string{"a", "b"}, []string{"d"}))

	assert.Equal(t, schedule.FPGA, g.Place(g.Node("c").ID))
	assert.Equal(t, schedule.FPGA, g.Place(g.Node("a").ID), "boundary members are in the region")
	assert.Equal(t, schedule.CPU, g.Place(g.Node("e").ID), "downstream of the boundary output")
}

func TestPlaceExplicitOverride(t *testing.T) {
	sch, g := buildChain(t)
	require.NoError(t, sch.ToDevice("c", schedule.CPU))
	g, err := Build(sch)
	require.NoError(t, err)
	require.NoError(t, g.SetBoundary([]string{"a", "b"}, []string{"d"}))

	assert.Equal(t, schedule.CPU, g.Place(g.Node("c").ID))
	assert.Equal(t, schedule.FPGA, g.Place(g.Node("d").ID))
}

func TestHostMaterialized(t *testing.T) {
	_, g := buildChain(t)
	require.NoError(t, g.SetBoundary([]string{"a", "b"}, []string{"d"}))

	assert.True(t, g.HostMaterialized(g.Node("a").ID), "root")
	assert.True(t, g.HostMaterialized(g.Node("d").ID), "boundary output")
	assert.False(t, g.HostMaterialized(g.Node("c").ID), "interior node")
}

func TestPartitionPureHost(t *testing.T) {
	_, g := buildChain(t)
	plan, err := Partition(g)
	require.NoError(t, err)
	assert.False(t, plan.Offload)
	for _, n := range g.Nodes {
		assert.Equal(t, schedule.CPU, plan.Device(n.ID))
	}
	assert.Empty(t, plan.Marshalled())
}

func TestPartitionFullOffload(t *testing.T) {
	_, g := buildChain(t)
	require.NoError(t, g.SetBoundary([]string{"a", "b"}, []string{"d"}))
	plan, err := Partition(g)
	require.NoError(t, err)

	assert.True(t, plan.Offload)
	assert.Equal(t, schedule.FPGA, plan.Device(g.Node("c").ID))
	assert.Equal(t, schedule.FPGA, plan.Device(g.Node("d").ID))

	want := []NodeID{g.Node("a").ID, g.Node("b").ID, g.Node("d").ID}
	assert.Equal(t, want, plan.Marshalled())
}

func TestPartitionPlacementWithoutBoundary(t *testing.T) {
	sch, _ := buildChain(t)
	require.NoError(t, sch.ToDevice("c", schedule.FPGA))
	g, err := Build(sch)
	require.NoError(t, err)

	_, err = Partition(g)
	require.Error(t, err)
	assert.True(t, errs.IsGraph(err))
}

func TestPartitionUnknownPlacementName(t *testing.T) {
	_, g := buildChain(t)
	g.DeviceMap["ghost"] = schedule.FPGA

	_, err := Partition(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node ghost")
}

func TestPartitionRejectsHostPinnedBoundary(t *testing.T) {
	sch, _ := buildChain(t)
	require.NoError(t, sch.ToDevice("d", schedule.CPU))
	g, err := Build(sch)
	require.NoError(t, err)
	require.NoError(t, g.SetBoundary([]string{"a", "b"}, []string{"d"}))

	_, err = Partition(g)
	require.Error(t, err)
	assert.True(t, errs.IsGraph(err), "%v", err)
	assert.Contains(t, err.Error(), "pins boundary tensor d")

	// Inputs are boundary members too.
	sch, _ = buildChain(t)
	require.NoError(t, sch.ToDevice("a", schedule.CPU))
	g, err = Build(sch)
	require.NoError(t, err)
	require.NoError(t, g.SetBoundary([]string{"a", "b"}, []string{"d"}))

	_, err = Partition(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pins boundary tensor a")
}

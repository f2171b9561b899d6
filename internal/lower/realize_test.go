package lower

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/stmt"
	"github.com/weft-lang/weft/internal/types"
)

func vecAddSchedule(t *testing.T, n int) (*schedule.Schedule, *schedule.Stage) {
	t.Helper()
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, n)))
	require.NoError(t, sch.DeclareTensor("b", types.MakeTensor(types.Float32, n)))
	st, err := sch.AddStage("c", schedule.Compute{Kind: schedule.OpAdd, Inputs: []string{"a", "b"}}, types.Float32, n)
	require.NoError(t, err)
	return sch, st
}

func matAddSchedule(t *testing.T, rows, cols int) (*schedule.Schedule, *schedule.Stage) {
	t.Helper()
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, rows, cols)))
	require.NoError(t, sch.DeclareTensor("b", types.MakeTensor(types.Float32, rows, cols)))
	st, err := sch.AddStage("c", schedule.Compute{Kind: schedule.OpAdd, Inputs: []string{"a", "b"}}, types.Float32, rows, cols)
	require.NoError(t, err)
	return sch, st
}

func TestRealizeVecAdd(t *testing.T) {
	sch, _ := vecAddSchedule(t, 8)
	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"c"}, real.Order)
	assert.True(t, sch.Frozen())

	f, ok := real.Nest("c").(*stmt.For)
	require.True(t, ok)
	assert.Equal(t, "i", f.Var)
	assert.Equal(t, "c", f.Stage)
	v, ok := stmt.ConstInt(f.Extent)
	require.True(t, ok)
	assert.Equal(t, int64(8), v)

	store, ok := f.Body.(*stmt.StoreND)
	require.True(t, ok)
	assert.Equal(t, "c", store.Tensor)
	add, ok := store.Value.(stmt.Add)
	require.True(t, ok)
	assert.Equal(t, stmt.LoadND{Tensor: "a", Indices: store.Indices}, add.A)
	assert.Equal(t, stmt.LoadND{Tensor: "b", Indices: store.Indices}, add.B)
}

func TestRealizeTwiceIsUsageError(t *testing.T) {
	sch, _ := vecAddSchedule(t, 8)
	_, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	_, err = Realize(sch, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err), "%v", err)
}

func TestRealizeImperfectSplitGuards(t *testing.T) {
	sch, st := vecAddSchedule(t, 10)
	_, _, err := st.Split(st.Axis(0), 4, 0)
	require.NoError(t, err)

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	outer, ok := real.Nest("c").(*stmt.For)
	require.True(t, ok)
	assert.Equal(t, "i.outer", outer.Var)
	ext, _ := stmt.ConstInt(outer.Extent)
	assert.Equal(t, int64(3), ext)

	inner, ok := outer.Body.(*stmt.For)
	require.True(t, ok)
	assert.Equal(t, "i.inner", inner.Var)
	ext, _ = stmt.ConstInt(inner.Extent)
	assert.Equal(t, int64(4), ext)

	guard, ok := inner.Body.(*stmt.IfThenElse)
	require.True(t, ok, "imperfect split must guard the body")
	bound, ok := matchSplitGuard(guard.Cond, "i.outer", "i.inner", 4)
	require.True(t, ok)
	assert.Equal(t, int64(10), bound)

	store, ok := guard.Then.(*stmt.StoreND)
	require.True(t, ok)
	assert.Equal(t, "((i.outer * 4) + i.inner)", store.Indices[0].String())
}

func TestRealizePerfectSplitHasNoGuard(t *testing.T) {
	sch, st := vecAddSchedule(t, 8)
	_, _, err := st.Split(st.Axis(0), 4, 0)
	require.NoError(t, err)

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	outer := real.Nest("c").(*stmt.For)
	inner := outer.Body.(*stmt.For)
	_, isStore := inner.Body.(*stmt.StoreND)
	assert.True(t, isStore, "perfect split must not guard the body")
}

func TestRealizeFuseRebuildsIndices(t *testing.T) {
	sch, st := matAddSchedule(t, 2, 3)
	fused, err := st.Fuse(st.Axis(0), st.Axis(1))
	require.NoError(t, err)
	assert.Equal(t, 6, fused.Extent)

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	f := real.Nest("c").(*stmt.For)
	assert.Equal(t, "i.j.fused", f.Var)
	store := f.Body.(*stmt.StoreND)
	require.Len(t, store.Indices, 2)
	assert.Equal(t, "(i.j.fused / 3)", store.Indices[0].String())
	assert.Equal(t, "(i.j.fused % 3)", store.Indices[1].String())
}

func TestRealizePipelineAndUnrollAnnotations(t *testing.T) {
	sch, st := matAddSchedule(t, 4, 8)
	require.NoError(t, st.Pipeline(st.Axis(1), 2))
	require.NoError(t, st.Unroll(st.Axis(0), 2))

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	outer := real.Nest("c").(*stmt.For)
	assert.Equal(t, stmt.Unrolled, outer.Kind)
	assert.Equal(t, 2, outer.UnrollFactor)
	inner := outer.Body.(*stmt.For)
	assert.Equal(t, stmt.Pipelined, inner.Kind)
	assert.Equal(t, 2, inner.II)
}

// attachSchedule declares a -> b = relu(a) -> c = copy(b) over rows x cols,
// ready for b to attach inside c.
func attachSchedule(t *testing.T, rows, cols int) (*schedule.Schedule, *schedule.Stage, *schedule.Stage) {
	t.Helper()
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, rows, cols)))
	child, err := sch.AddStage("b", schedule.Compute{Kind: schedule.OpRelu, Inputs: []string{"a"}}, types.Float32, rows, cols)
	require.NoError(t, err)
	parent, err := sch.AddStage("c", schedule.Compute{Kind: schedule.OpCopy, Inputs: []string{"b"}}, types.Float32, rows, cols)
	require.NoError(t, err)
	return sch, child, parent
}

func TestRealizeComputeAt(t *testing.T) {
	sch, child, parent := attachSchedule(t, 2, 3)
	require.NoError(t, child.ComputeAt(parent, parent.Axis(0)))

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"c"}, real.Order, "attached stages do not get a nest of their own")

	outer := real.Nest("c").(*stmt.For)
	assert.Equal(t, "i", outer.Var)
	seq, ok := outer.Body.(*stmt.Seq)
	require.True(t, ok)
	require.Len(t, seq.Stmts, 2)

	childLoop, ok := seq.Stmts[0].(*stmt.For)
	require.True(t, ok)
	assert.Equal(t, "b", childLoop.Stage)
	childStore := childLoop.Body.(*stmt.StoreND)
	assert.Equal(t, "b", childStore.Tensor)
	assert.Equal(t, "i", childStore.Indices[0].String(), "shared dims reuse the parent loop variable")

	parentLoop, ok := seq.Stmts[1].(*stmt.For)
	require.True(t, ok)
	assert.Equal(t, "j", parentLoop.Var)
}

func TestRealizeComputeAtSplitParent(t *testing.T) {
	sch, child, parent := attachSchedule(t, 4, 3)
	j := parent.Axis(1)
	_, _, err := parent.Split(parent.Axis(0), 2, 0)
	require.NoError(t, err)
	require.NoError(t, child.ComputeAt(parent, j))

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	outer := real.Nest("c").(*stmt.For)
	assert.Equal(t, "i.outer", outer.Var)
	inner := outer.Body.(*stmt.For)
	assert.Equal(t, "i.inner", inner.Var)
	jLoop := inner.Body.(*stmt.For)
	assert.Equal(t, "j", jLoop.Var)

	seq, ok := jLoop.Body.(*stmt.Seq)
	require.True(t, ok)
	require.Len(t, seq.Stmts, 2)

	childStore, ok := seq.Stmts[0].(*stmt.StoreND)
	require.True(t, ok)
	assert.Equal(t, "b", childStore.Tensor)
	assert.Equal(t, "((i.outer * 2) + i.inner)", childStore.Indices[0].String(),
		"the split dimension indexes through the parent's loops")
	assert.Equal(t, "j", childStore.Indices[1].String())

	parentStore, ok := seq.Stmts[1].(*stmt.StoreND)
	require.True(t, ok)
	load, ok := parentStore.Value.(stmt.LoadND)
	require.True(t, ok)
	assert.Equal(t, "b", load.Tensor)
	assert.Equal(t, childStore.Indices[0].String(), load.Indices[0].String(),
		"producer and consumer must agree on the row index")
}

func TestRealizeComputeAtBeforeSplit(t *testing.T) {
	sch, child, parent := attachSchedule(t, 4, 3)
	require.NoError(t, child.ComputeAt(parent, parent.Axis(1)))
	_, _, err := parent.Split(parent.Axis(0), 2, 0)
	require.NoError(t, err)

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	outer := real.Nest("c").(*stmt.For)
	assert.Equal(t, "i.outer", outer.Var)
	jLoop := outer.Body.(*stmt.For).Body.(*stmt.For)
	seq, ok := jLoop.Body.(*stmt.Seq)
	require.True(t, ok)
	childStore, ok := seq.Stmts[0].(*stmt.StoreND)
	require.True(t, ok)
	assert.Equal(t, "((i.outer * 2) + i.inner)", childStore.Indices[0].String())
}

func TestRealizeComputeAtGuardsImperfectSplit(t *testing.T) {
	sch, child, parent := attachSchedule(t, 5, 3)
	j := parent.Axis(1)
	_, _, err := parent.Split(parent.Axis(0), 2, 0)
	require.NoError(t, err)
	require.NoError(t, child.ComputeAt(parent, j))

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	outer := real.Nest("c").(*stmt.For)
	jLoop := outer.Body.(*stmt.For).Body.(*stmt.For)
	seq, ok := jLoop.Body.(*stmt.Seq)
	require.True(t, ok)
	require.Len(t, seq.Stmts, 2)

	guard, ok := seq.Stmts[0].(*stmt.IfThenElse)
	require.True(t, ok, "the attached store must sit behind the parent's bound guard")
	bound, ok := matchSplitGuard(guard.Cond, "i.outer", "i.inner", 2)
	require.True(t, ok)
	assert.Equal(t, int64(5), bound)

	childStore, ok := guard.Then.(*stmt.StoreND)
	require.True(t, ok)
	assert.Equal(t, "b", childStore.Tensor)
	assert.Equal(t, "((i.outer * 2) + i.inner)", childStore.Indices[0].String())
}

func TestRealizeComputeAtRejectsTransformedChild(t *testing.T) {
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, 4)))
	child, err := sch.AddStage("b", schedule.Compute{Kind: schedule.OpRelu, Inputs: []string{"a"}}, types.Float32, 4)
	require.NoError(t, err)
	parent, err := sch.AddStage("c", schedule.Compute{Kind: schedule.OpCopy, Inputs: []string{"b"}}, types.Float32, 4)
	require.NoError(t, err)

	require.NoError(t, child.ComputeAt(parent, parent.Axis(0)))
	_, _, err = child.Split(child.Axis(0), 2, 0)
	require.NoError(t, err)

	_, err = Realize(sch, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err), "%v", err)
	assert.Contains(t, err.Error(), "untransformed")
}

func TestRealizeComputeAtRejectsConsumedAxis(t *testing.T) {
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, 4)))
	child, err := sch.AddStage("b", schedule.Compute{Kind: schedule.OpRelu, Inputs: []string{"a"}}, types.Float32, 4)
	require.NoError(t, err)
	parent, err := sch.AddStage("c", schedule.Compute{Kind: schedule.OpCopy, Inputs: []string{"b"}}, types.Float32, 4)
	require.NoError(t, err)

	axis := parent.Axis(0)
	require.NoError(t, child.ComputeAt(parent, axis))
	_, _, err = parent.Split(axis, 2, 0)
	require.NoError(t, err)

	_, err = Realize(sch, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err), "%v", err)
	assert.Contains(t, err.Error(), "consumed")
}

func TestRealizeComputeAtRejectsReorderedOuterAxis(t *testing.T) {
	sch, child, parent := attachSchedule(t, 4, 3)
	j := parent.Axis(1)
	_, inner, err := parent.Split(parent.Axis(0), 2, 0)
	require.NoError(t, err)
	// Leaves become {i.outer, j, i.inner}: part of the row index is only
	// available inside the attach loop.
	require.NoError(t, parent.Reorder(j, inner))
	require.NoError(t, child.ComputeAt(parent, j))

	_, err = Realize(sch, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err), "%v", err)
	assert.Contains(t, err.Error(), "realized inside")
}

func TestRealizePrefetchWrapsLoop(t *testing.T) {
	sch, st := vecAddSchedule(t, 8)
	require.NoError(t, st.Prefetch("a", st.Axis(0), 2))

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	attr, ok := real.Nest("c").(*stmt.Attr)
	require.True(t, ok)
	assert.Equal(t, "prefetch", attr.Key)
	assert.Equal(t, "a:2", attr.Value)
	_, isFor := attr.Body.(*stmt.For)
	assert.True(t, isFor)
}

func TestRealizePragmaWrapsLoop(t *testing.T) {
	sch, st := vecAddSchedule(t, 8)
	require.NoError(t, st.Pragma(st.Axis(0), "dataflow", ""))

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)

	attr, ok := real.Nest("c").(*stmt.Attr)
	require.True(t, ok)
	assert.Equal(t, "pragma_dataflow", attr.Key)
}

func TestRealizeCustomPhaseZeroPass(t *testing.T) {
	sch, _ := vecAddSchedule(t, 8)
	cfg := DefaultConfig()
	cfg.CustomPasses = []CustomPass{{
		Phase: 0,
		Name:  "tag",
		Fn: func(s stmt.Stmt, _ *Config) (stmt.Stmt, error) {
			return &stmt.Attr{Key: "tagged", Value: "yes", Body: s}, nil
		},
	}}

	real, err := Realize(sch, cfg)
	require.NoError(t, err)

	attr, ok := real.Nest("c").(*stmt.Attr)
	require.True(t, ok)
	assert.Equal(t, "tagged", attr.Key)
}

func TestRealizeDoubleBufferDirective(t *testing.T) {
	sch, st := vecAddSchedule(t, 8)
	require.NoError(t, st.DoubleBuffer())

	real, err := Realize(sch, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, real.Directives.DoubleBuffered)
}

func TestRealizeDumpsInitialIR(t *testing.T) {
	sch, _ := vecAddSchedule(t, 8)
	cfg := DefaultConfig()
	cfg.DumpPassIR = true
	cfg.DumpDir = t.TempDir()

	_, err := Realize(sch, cfg)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cfg.DumpDir, "00_realize.ir"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "stage c")
}

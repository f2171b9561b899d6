package build

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/graph"
	"github.com/weft-lang/weft/internal/lower"
	"github.com/weft-lang/weft/internal/platform"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/types"
)

// vecSchedule declares a, b -> c = a + b.
func vecSchedule(t *testing.T) *schedule.Schedule {
	t.Helper()
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, 8)))
	require.NoError(t, sch.DeclareTensor("b", types.MakeTensor(types.Float32, 8)))
	_, err := sch.AddStage("c", schedule.Compute{Kind: schedule.OpAdd, Inputs: []string{"a", "b"}}, types.Float32, 8)
	require.NoError(t, err)
	return sch
}

// pipeSchedule declares a -> b = relu(a) -> d = copy(b).
func pipeSchedule(t *testing.T) *schedule.Schedule {
	t.Helper()
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, 8)))
	_, err := sch.AddStage("b", schedule.Compute{Kind: schedule.OpRelu, Inputs: []string{"a"}}, types.Float32, 8)
	require.NoError(t, err)
	_, err = sch.AddStage("d", schedule.Compute{Kind: schedule.OpCopy, Inputs: []string{"b"}}, types.Float32, 8)
	require.NoError(t, err)
	return sch
}

func zc706(t *testing.T) *platform.Platform {
	t.Helper()
	plat, err := platform.Preset("zc706")
	require.NoError(t, err)
	plat.Project = filepath.Join(t.TempDir(), "prj")
	return plat
}

func TestBuildHostOnly(t *testing.T) {
	res, err := Build(vecSchedule(t), Options{})
	require.NoError(t, err)

	assert.Contains(t, res.Source, "void top(float a[8], float b[8], float c[8]) {")
	assert.Contains(t, res.Source, "for (int32_t i = 0; i < 8; i++) {")
	assert.Contains(t, res.Source, "c[i] = (a[i] + b[i]);")
	assert.NotContains(t, res.Source, "#pragma")
	assert.Equal(t, res.Source, res.Listing())
	assert.Empty(t, res.Host)
	assert.Empty(t, res.Xcel)
	assert.Empty(t, res.Project)
}

func TestBuildHostArgumentCount(t *testing.T) {
	sch := vecSchedule(t)
	prog, err := lowerSingle(sch, "host", lower.DefaultConfig())
	require.NoError(t, err)

	// One parameter per declared tensor; the sink rides along as a result.
	fn := prog.Module.Func("top")
	require.NotNil(t, fn)
	assert.Len(t, fn.Params, len(sch.Tensors))
	require.Len(t, fn.Results, 1)
	assert.Equal(t, "c", fn.Results[0].Name)
}

func TestClassify(t *testing.T) {
	g, err := graph.Build(pipeSchedule(t))
	require.NoError(t, err)

	inputs, outputs, intermediates := classify(g)
	require.Len(t, inputs, 1)
	assert.Equal(t, "a", inputs[0].Name)
	require.Len(t, outputs, 1)
	assert.Equal(t, "d", outputs[0].Name)
	require.Len(t, intermediates, 1)
	assert.Equal(t, "b", intermediates[0].Name)
}

func TestBuildKernelBackend(t *testing.T) {
	res, err := Build(vecSchedule(t), Options{Backend: "vhls"})
	require.NoError(t, err)

	assert.Contains(t, res.Source, "#include <ap_int.h>")
	assert.Contains(t, res.Source, "void top(float a[8], float b[8], float c[8]) {")
	assert.Equal(t, res.Source, res.Listing())
	assert.Empty(t, res.Project)
}

func TestBuildUnknownBackend(t *testing.T) {
	_, err := Build(vecSchedule(t), Options{Backend: "cuda"})
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err), "%v", err)
}

func TestBuildSimpleMode(t *testing.T) {
	cfg := lower.DefaultConfig()
	cfg.SimpleMode = true
	res, err := Build(vecSchedule(t), Options{Config: cfg, Backend: "vhls"})
	require.NoError(t, err)

	// The statement tree itself comes back; the backend is ignored and no
	// source is generated.
	assert.Contains(t, res.Source, "for (i, 0, 8) {")
	assert.Contains(t, res.Source, "c[i] = (a[i] + b[i])")
	assert.NotContains(t, res.Source, "#include")
	assert.NotContains(t, res.Source, "void top")
	assert.Empty(t, res.Project)
}

func TestBuildTwiceIsUsageError(t *testing.T) {
	sch := vecSchedule(t)
	_, err := Build(sch, Options{})
	require.NoError(t, err)

	_, err = Build(sch, Options{})
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err), "%v", err)
}

func TestBuildReleasesContext(t *testing.T) {
	ctx := &Context{}
	_, err := BuildWith(ctx, vecSchedule(t), Options{})
	require.NoError(t, err)
	assert.False(t, ctx.InPlace())
}

func TestBuildFailureReleasesContext(t *testing.T) {
	ctx := &Context{}
	sch := vecSchedule(t)
	_, err := BuildWith(ctx, sch, Options{Backend: "cuda"})
	require.Error(t, err)
	assert.False(t, ctx.InPlace())

	// The failed attempt still claimed the schedule, but nothing stays
	// half-raised: the next build fails cleanly as a usage error.
	_, err = BuildWith(ctx, sch, Options{})
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err), "%v", err)
	assert.False(t, ctx.InPlace())
}

func TestBuildInvalidTargetLeavesScheduleBuildable(t *testing.T) {
	sch := vecSchedule(t)
	plat := &platform.Platform{Name: "bad", Tool: platform.Tool{Name: "gcc"}}
	plat.Project = filepath.Join(t.TempDir(), "prj")

	_, err := Build(sch, Options{Target: plat})
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err), "%v", err)
	assert.NoDirExists(t, plat.Project)

	// Validation runs before the schedule is claimed.
	_, err = Build(sch, Options{})
	assert.NoError(t, err)
}

func TestBuildFullOffload(t *testing.T) {
	plat := zc706(t)
	res, err := Build(pipeSchedule(t), Options{Target: plat})
	require.NoError(t, err)

	// No boundary given: the whole computation offloads, one call with the
	// declared tensor as its argument and the sink through the return. Host
	// marshalling buffers are padded to the allocation alignment.
	assert.Contains(t, res.Host, "int main() {")
	assert.Contains(t, res.Host, "float a[16];")
	assert.Contains(t, res.Host, "a[i] = ((float)0.0);")
	assert.Contains(t, res.Host, "top(a, d);")
	assert.Contains(t, res.Host, "void top(float a[8], float d[8]);")
	assert.Contains(t, res.Host, "return 0;")
	assert.NotContains(t, res.Host, "void stage_b")

	assert.Contains(t, res.Xcel, "void top(float a[8], float d[8]) {")
	assert.Contains(t, res.Xcel, "float b[16];")
	assert.Contains(t, res.Xcel, "stage_b(a, b);")
	assert.Contains(t, res.Xcel, "stage_d(b, d);")
	assert.Contains(t, res.Xcel, "b[i] = (a[i] > ((float)0.0) ? a[i] : ((float)0.0));")
	assert.Contains(t, res.Xcel, "d[i] = b[i];")

	assert.Contains(t, res.Header, "#ifndef KERNEL_H")
	assert.Contains(t, res.Header, "void top(float a[8], float d[8]);")

	assert.Equal(t, plat.Project, res.Project)
	for _, name := range []string{"kernel.cpp", "host.cpp", "kernel.h", "Makefile", "run.tcl", "project.yaml"} {
		assert.FileExists(t, filepath.Join(res.Project, name))
	}
	kernel, err := os.ReadFile(filepath.Join(res.Project, "kernel.cpp"))
	require.NoError(t, err)
	assert.Equal(t, res.Xcel, string(kernel))
	host, err := os.ReadFile(filepath.Join(res.Project, "host.cpp"))
	require.NoError(t, err)
	assert.Equal(t, res.Host, string(host))

	listing := res.Listing()
	assert.Contains(t, listing, "------ Host Code ------")
	assert.Contains(t, listing, "------ Xcel Code ------")
	assert.Less(t, strings.Index(listing, "Host Code"), strings.Index(listing, "Xcel Code"))
}

func TestBuildMixedPlacement(t *testing.T) {
	sch := schedule.New()
	require.NoError(t, sch.DeclareTensor("a", types.MakeTensor(types.Float32, 4)))
	_, err := sch.AddStage("c", schedule.Compute{Kind: schedule.OpRelu, Inputs: []string{"a"}}, types.Float32, 4)
	require.NoError(t, err)
	_, err = sch.AddStage("b", schedule.Compute{Kind: schedule.OpCopy, Inputs: []string{"c"}}, types.Float32, 4)
	require.NoError(t, err)
	require.NoError(t, sch.ToDevice("c", schedule.CPU))

	plat := zc706(t)
	res, err := Build(sch, Options{
		Target:          plat,
		BoundaryInputs:  []string{"a"},
		BoundaryOutputs: []string{"b"},
	})
	require.NoError(t, err)

	// The cpu-pinned stage lands in the host source, called ahead of the
	// device call.
	assert.Contains(t, res.Host, "void stage_c(float a[4], float c[4]) {")
	assert.Contains(t, res.Host, "stage_c(a, c);")
	assert.Contains(t, res.Host, "top(a, b);")
	assert.Less(t, strings.Index(res.Host, "stage_c(a, c);"), strings.Index(res.Host, "top(a, b);"))

	assert.NotContains(t, res.Xcel, "stage_c")
	assert.Contains(t, res.Xcel, "void top(float a[4], float b[4]) {")
	assert.Contains(t, res.Xcel, "stage_b(c, b);")
}

func TestBuildDebugMode(t *testing.T) {
	plat := zc706(t)
	plat.Tool.Mode = "debug"
	res, err := Build(pipeSchedule(t), Options{Target: plat})
	require.NoError(t, err)

	// Debug keeps everything in one device function: the intermediate is a
	// local, both nests are inline, and no host-to-device call exists.
	assert.Contains(t, res.Xcel, "void top(float a[8], float d[8]) {")
	assert.Contains(t, res.Xcel, "float b[16];")
	assert.NotContains(t, res.Xcel, "stage_b")
	assert.Empty(t, res.Host)
	assert.Empty(t, res.Source)
	assert.Contains(t, res.Header, "#ifndef KERNEL_H")

	listing := res.Listing()
	assert.True(t, strings.HasPrefix(listing, "------ Host Code ------\n\n------ Xcel Code ------\n\n"), listing)
	assert.Contains(t, listing, "void top(float a[8], float d[8]) {")

	kernel, err := os.ReadFile(filepath.Join(res.Project, "kernel.cpp"))
	require.NoError(t, err)
	assert.Equal(t, res.Xcel, string(kernel))
	host, err := os.ReadFile(filepath.Join(res.Project, "host.cpp"))
	require.NoError(t, err)
	assert.Empty(t, string(host))
	assert.FileExists(t, filepath.Join(res.Project, "kernel.h"))
}

func TestBuildPipelineDirectiveReachesKernel(t *testing.T) {
	sch := pipeSchedule(t)
	d := sch.Stage("d")
	require.NoError(t, d.Pipeline(d.Axis(0), 2))

	res, err := Build(sch, Options{Target: zc706(t)})
	require.NoError(t, err)

	assert.Contains(t, res.Xcel, "#pragma HLS pipeline II=2")
	assert.NotContains(t, res.Host, "#pragma HLS pipeline")
}

func TestBuildIntelTarget(t *testing.T) {
	plat, err := platform.Preset("intel_a10")
	require.NoError(t, err)
	plat.Project = filepath.Join(t.TempDir(), "prj")

	res, err := Build(pipeSchedule(t), Options{Target: plat})
	require.NoError(t, err)

	assert.Contains(t, res.Xcel, "#include <HLS/hls.h>")
	assert.Contains(t, res.Xcel, "void top(float a[8], float d[8]) {")
	// The host driver renders through the Vivado writer whatever the
	// device backend is.
	assert.Contains(t, res.Host, "#include <ap_int.h>")
	assert.Contains(t, res.Host, "int main() {")
}

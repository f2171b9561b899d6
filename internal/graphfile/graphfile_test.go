package graphfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-lang/weft/internal/build"
	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/platform"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/types"
)

func axisNames(st *schedule.Stage) []string {
	names := make([]string, 0, len(st.Axes()))
	for _, ax := range st.Axes() {
		names = append(names, ax.Name)
	}
	return names
}

func TestParseRoundTrip(t *testing.T) {
	src := `
graph = "blur"

tensor "a" {
  dtype = "f32"
  shape = [8, 8]
}

tensor "w" {
  dtype = "fixed16_8"
  shape = [8, 8]
}

stage "b" {
  op     = "add"
  inputs = ["a", "w"]
  dtype  = "f32"
  shape  = [8, 8]
}

stage "c" {
  op     = "relu"
  inputs = ["b"]
  dtype  = "f32"
  shape  = [8, 8]
  device = "fpga"
}

schedule "b" {
  split {
    axis   = "j"
    factor = 4
  }
  reorder {
    axes = ["j.outer", "i", "j.inner"]
  }
  pipeline {
    axis = "j.inner"
    ii   = 2
  }
}

schedule "c" {
  unroll {
    axis   = "j"
    factor = 4
  }
  double_buffer {}
}

partition {
  tensor = "w"
  kind   = "cyclic"
  dim    = 1
  factor = 2
}

stream {
  tensor   = "b"
  producer = "b"
  consumer = "c"
  depth    = 4
}

storage_align {
  tensor = "w"
  factor = 8
  offset = 1
}

boundary {
  inputs  = ["a", "w"]
  outputs = ["c"]
}

placement {
  a = "cpu"
  b = "fpga"
}
`
	m, err := Parse([]byte(src), "blur.hcl")
	require.NoError(t, err)
	assert.Equal(t, "blur", m.Name)
	assert.Equal(t, []string{"a", "w"}, m.Inputs)
	assert.Equal(t, []string{"c"}, m.Outputs)

	sch := m.Schedule
	require.NotNil(t, sch)
	require.Len(t, sch.Tensors, 2)
	assert.Equal(t, []int{8, 8}, sch.Tensors["a"].Shape)
	assert.Equal(t, "fixed16_8", sch.Tensors["w"].Elem.String())

	b := sch.Stage("b")
	require.NotNil(t, b)
	assert.Equal(t, schedule.Compute{Kind: "add", Inputs: []string{"a", "w"}}, b.Op)
	assert.Equal(t, []string{"j.outer", "i", "j.inner"}, axisNames(b))
	inner := b.Axis(2)
	assert.Equal(t, schedule.Pipelined, inner.Kind)
	assert.Equal(t, 2, inner.II)

	c := sch.Stage("c")
	require.NotNil(t, c)
	assert.Equal(t, schedule.Unrolled, c.Axis(1).Kind)
	assert.Equal(t, 4, c.Axis(1).UnrollFactor)
	assert.True(t, c.DoubleBuffered)

	assert.Equal(t, map[string]schedule.Device{
		"a": schedule.CPU,
		"b": schedule.FPGA,
		"c": schedule.FPGA,
	}, sch.Placement)

	require.Len(t, sch.Partitions, 1)
	assert.Equal(t, schedule.PartitionRec{
		Tensor: "w", Kind: schedule.PartitionCyclic, Dim: 1, Factor: 2,
	}, sch.Partitions[0])

	require.Len(t, sch.Streams, 1)
	assert.Equal(t, schedule.StreamRec{
		Tensor: "b", Producer: "b", Consumer: "c", Depth: 4,
	}, sch.Streams[0])

	require.Len(t, sch.StorageAligns, 1)
	assert.Equal(t, schedule.StorageAlignRec{Tensor: "w", Factor: 8, Offset: 1}, sch.StorageAligns[0])
}

func TestParseLoopTransforms(t *testing.T) {
	src := `
tensor "a" {
  dtype = "f32"
  shape = [4, 4]
}

stage "b" {
  op     = "relu"
  inputs = ["a"]
  dtype  = "f32"
  shape  = [4, 4]
}

stage "c" {
  op     = "copy"
  inputs = ["b"]
  dtype  = "f32"
  shape  = [4, 4]
}

schedule "b" {
  tile {
    x        = "i"
    y        = "j"
    x_factor = 2
    y_factor = 2
  }
  fuse {
    axes = ["i.outer", "j.outer"]
  }
  parallel {
    axis = "i.outer.j.outer.fused"
  }
  vectorize {
    axis = "j.inner"
  }
  pragma {
    axis = "i.inner"
    key  = "dataflow"
  }
  stencil {
    burst_width  = 256
    unroll_level = 2
  }
}

schedule "c" {
  compute_at {
    parent = "b"
    axis   = "i.inner"
  }
  reuse_at {
    tensor = "b"
    axis   = "i"
  }
  buffer_at {
    axis = "i"
  }
  prefetch {
    tensor = "b"
    axis   = "j"
    offset = 1
  }
}

channel {
  src   = "b"
  dst   = "c"
  depth = 2
}
`
	m, err := Parse([]byte(src), "transforms.hcl")
	require.NoError(t, err)
	sch := m.Schedule

	b := sch.Stage("b")
	require.NotNil(t, b)
	assert.Equal(t, []string{"i.outer.j.outer.fused", "i.inner", "j.inner"}, axisNames(b))
	assert.Equal(t, schedule.Parallelized, b.Axis(0).Kind)
	assert.Equal(t, schedule.Vectorized, b.Axis(2).Kind)
	assert.Len(t, b.Log(), 4) // two splits, one reorder, one fuse

	c := sch.Stage("c")
	require.NotNil(t, c)
	require.NotNil(t, c.ComputeAttach)
	assert.Same(t, b, c.ComputeAttach.Parent)
	assert.Equal(t, "i.inner", c.ComputeAttach.Axis.Name)

	require.Len(t, sch.Pragmas, 1)
	assert.Same(t, b, sch.Pragmas[0].Stage)
	assert.Equal(t, "dataflow", sch.Pragmas[0].Key)
	assert.Equal(t, "", sch.Pragmas[0].Value)

	require.Len(t, sch.Stencils, 1)
	assert.Same(t, b, sch.Stencils[0].Stage)
	assert.Equal(t, 256, sch.Stencils[0].BurstWidth)
	assert.Equal(t, 2, sch.Stencils[0].UnrollLevel)

	require.Len(t, sch.Reuses, 1)
	assert.Equal(t, "b", sch.Reuses[0].Tensor)
	assert.Same(t, c, sch.Reuses[0].Stage)
	assert.Equal(t, "i", sch.Reuses[0].Axis.Name)

	require.Len(t, sch.Buffers, 1)
	assert.Same(t, c, sch.Buffers[0].Stage)

	require.Len(t, sch.Prefetches, 1)
	assert.Equal(t, "b", sch.Prefetches[0].Tensor)
	assert.Equal(t, 1, sch.Prefetches[0].Offset)

	require.Len(t, sch.Channels, 1)
	assert.Same(t, b, sch.Channels[0].Src)
	assert.Same(t, c, sch.Channels[0].Dst)
	assert.Equal(t, 2, sch.Channels[0].Depth)
}

// Directive blocks are a log: a later split may divide an axis an earlier
// split created, so application must follow written order.
func TestParseDirectiveOrder(t *testing.T) {
	src := `
tensor "a" {
  dtype = "f32"
  shape = [16]
}

stage "b" {
  op     = "copy"
  inputs = ["a"]
  dtype  = "f32"
  shape  = [16]
}

schedule "b" {
  split {
    axis   = "i"
    factor = 8
  }
  split {
    axis   = "i.inner"
    factor = 2
  }
}
`
	m, err := Parse([]byte(src), "order.hcl")
	require.NoError(t, err)
	b := m.Schedule.Stage("b")
	require.NotNil(t, b)
	assert.Equal(t, []string{"i.outer", "i.inner.outer", "i.inner.inner"}, axisNames(b))
}

func TestParseImmediateOps(t *testing.T) {
	src := `
tensor "a" {
  dtype = "i32"
  shape = [8]
}

stage "b" {
  op     = "scale"
  inputs = ["a"]
  dtype  = "i32"
  shape  = [8]
  imm    = 3.0
}
`
	m, err := Parse([]byte(src), "imm.hcl")
	require.NoError(t, err)
	b := m.Schedule.Stage("b")
	require.NotNil(t, b)
	assert.Equal(t, 3.0, b.Op.Imm)
	assert.Equal(t, types.Int32, m.Schedule.Tensors["a"].Elem)
}

func TestLoadFile(t *testing.T) {
	src := `
graph = "unit"

tensor "a" {
  dtype = "f32"
  shape = [8]
}
`
	path := filepath.Join(t.TempDir(), "unit.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "unit", m.Name)
	assert.Len(t, m.Schedule.Tensors, 1)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/no/such/manifest.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/no/such/manifest.hcl")
}

func TestParseErrors(t *testing.T) {
	const prelude = `
tensor "a" {
  dtype = "f32"
  shape = [8]
}

stage "b" {
  op     = "relu"
  inputs = ["a"]
  dtype  = "f32"
  shape  = [8]
}
`
	tests := []struct {
		name string
		src  string
		want string
		kind func(error) bool
	}{
		{
			name: "syntax error",
			src:  `tensor "a" {`,
			want: "parsing graph manifest",
		},
		{
			name: "unknown top-level block",
			src:  prelude + "\nwidget {\n}\n",
			want: "decoding graph manifest",
		},
		{
			name: "missing required attribute",
			src:  "tensor \"a\" {\n  dtype = \"f32\"\n}\n",
			want: "decoding graph manifest",
		},
		{
			name: "unknown dtype",
			src:  "tensor \"a\" {\n  dtype = \"f99\"\n  shape = [8]\n}\n",
			want: `unknown element type "f99"`,
			kind: errs.IsConfig,
		},
		{
			name: "duplicate tensor",
			src:  prelude + "\ntensor \"a\" {\n  dtype = \"f32\"\n  shape = [8]\n}\n",
			want: "tensor a declared twice",
			kind: errs.IsUsage,
		},
		{
			name: "unknown op kind",
			src:  prelude + "\nstage \"c\" {\n  op     = \"conv\"\n  inputs = [\"b\"]\n  dtype  = \"f32\"\n  shape  = [8]\n}\n",
			want: `unknown op kind "conv"`,
			kind: errs.IsConfig,
		},
		{
			name: "arity mismatch",
			src:  prelude + "\nstage \"c\" {\n  op     = \"add\"\n  inputs = [\"b\"]\n  dtype  = \"f32\"\n  shape  = [8]\n}\n",
			want: "wants 2 inputs, got 1",
			kind: errs.IsUsage,
		},
		{
			name: "unknown stage input",
			src:  prelude + "\nstage \"c\" {\n  op     = \"copy\"\n  inputs = [\"z\"]\n  dtype  = \"f32\"\n  shape  = [8]\n}\n",
			want: `stage c names unknown tensor or stage "z"`,
			kind: errs.IsConfig,
		},
		{
			name: "unknown schedule stage",
			src:  prelude + "\nschedule \"zz\" {\n}\n",
			want: `unknown stage "zz"`,
			kind: errs.IsConfig,
		},
		{
			name: "unknown axis",
			src:  prelude + "\nschedule \"b\" {\n  split {\n    axis   = \"q\"\n    factor = 2\n  }\n}\n",
			want: `no axis "q"`,
			kind: errs.IsConfig,
		},
		{
			name: "split with both factor and nparts",
			src:  prelude + "\nschedule \"b\" {\n  split {\n    axis   = \"i\"\n    factor = 2\n    nparts = 2\n  }\n}\n",
			want: "exactly one of factor and nparts",
			kind: errs.IsUsage,
		},
		{
			name: "unknown directive",
			src:  prelude + "\nschedule \"b\" {\n  weave {\n  }\n}\n",
			want: "schedule b",
		},
		{
			name: "stream with zero depth",
			src:  prelude + "\nstream {\n  tensor   = \"b\"\n  producer = \"a\"\n  consumer = \"b\"\n  depth    = 0\n}\n",
			want: "depth must be positive",
			kind: errs.IsUsage,
		},
		{
			name: "unknown device in placement",
			src:  prelude + "\nplacement {\n  a = \"gpu\"\n}\n",
			want: `unknown device "gpu"`,
			kind: errs.IsConfig,
		},
		{
			name: "placement value not a string",
			src:  prelude + "\nplacement {\n  a = 3\n}\n",
			want: "must be a device name string",
			kind: errs.IsConfig,
		},
		{
			name: "boundary names unknown tensor",
			src:  prelude + "\nboundary {\n  inputs  = [\"a\"]\n  outputs = [\"zzz\"]\n}\n",
			want: `boundary names unknown tensor or stage "zzz"`,
			kind: errs.IsConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), tt.name+".hcl")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			if tt.kind != nil {
				assert.True(t, tt.kind(err), "unexpected error kind: %v", err)
			}
		})
	}
}

func TestParseAggregatesIndependentErrors(t *testing.T) {
	src := `
tensor "a" {
  dtype = "f98"
  shape = [8]
}

tensor "w" {
  dtype = "f99"
  shape = [8]
}
`
	_, err := Parse([]byte(src), "agg.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tensor a")
	assert.Contains(t, err.Error(), "tensor w")
}

// A loaded manifest must drive a whole platform build: the schedule it
// replays is indistinguishable from one assembled through the API.
func TestLoadedManifestBuilds(t *testing.T) {
	src := `
graph = "vadd"

tensor "a" {
  dtype = "f32"
  shape = [8]
}

tensor "b" {
  dtype = "f32"
  shape = [8]
}

stage "c" {
  op     = "add"
  inputs = ["a", "b"]
  dtype  = "f32"
  shape  = [8]
}

schedule "c" {
  pipeline {
    axis = "i"
    ii   = 2
  }
}

boundary {
  inputs  = ["a", "b"]
  outputs = ["c"]
}
`
	m, err := Parse([]byte(src), "vadd.hcl")
	require.NoError(t, err)

	plat, err := platform.Preset("zc706")
	require.NoError(t, err)
	plat.Project = filepath.Join(t.TempDir(), "prj")

	res, err := build.Build(m.Schedule, build.Options{
		Target:          plat,
		BoundaryInputs:  m.Inputs,
		BoundaryOutputs: m.Outputs,
	})
	require.NoError(t, err)

	assert.Contains(t, res.Xcel, "void top(float a[8], float b[8], float c[8]) {")
	assert.Contains(t, res.Xcel, "stage_c(a, b, c);")
	assert.Contains(t, res.Xcel, "#pragma HLS pipeline II=2")
	assert.Contains(t, res.Host, "int main() {")
	assert.Contains(t, res.Host, "top(a, b, c);")
}

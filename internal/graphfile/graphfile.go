// Package graphfile loads graph manifests: HCL documents carrying the
// tensors, stages and scheduling directives of one computation, as a front
// end writes them out. Loading replays the document into a schedule, so a
// manifest can express exactly what the schedule API can record.
package graphfile

import (
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/types"
)

// Manifest is a loaded graph description: the replayed schedule plus the
// acceleration boundary named in the document.
type Manifest struct {
	Name     string
	Schedule *schedule.Schedule
	Inputs   []string
	Outputs  []string
}

type docRoot struct {
	Graph      string         `hcl:"graph,optional"`
	Tensors    []docTensor    `hcl:"tensor,block"`
	Stages     []docStage     `hcl:"stage,block"`
	Schedules  []docSchedule  `hcl:"schedule,block"`
	Partitions []docPartition `hcl:"partition,block"`
	Streams    []docStream    `hcl:"stream,block"`
	Channels   []docChannel   `hcl:"channel,block"`
	Aligns     []docAlign     `hcl:"storage_align,block"`
	Boundary   *docBoundary   `hcl:"boundary,block"`
	Placement  *docPlacement  `hcl:"placement,block"`
}

type docTensor struct {
	Name  string `hcl:"name,label"`
	Dtype string `hcl:"dtype"`
	Shape []int  `hcl:"shape"`
}

type docStage struct {
	Name   string   `hcl:"name,label"`
	Op     string   `hcl:"op"`
	Inputs []string `hcl:"inputs"`
	Dtype  string   `hcl:"dtype"`
	Shape  []int    `hcl:"shape"`
	Imm    float64  `hcl:"imm,optional"`
	Device string   `hcl:"device,optional"`
}

// docSchedule keeps its body undecoded: directive blocks are a log and must
// replay in written order, which gohcl's per-type slices would lose.
type docSchedule struct {
	Stage string   `hcl:"name,label"`
	Body  hcl.Body `hcl:",remain"`
}

type docPartition struct {
	Tensor string `hcl:"tensor"`
	Kind   string `hcl:"kind,optional"`
	Dim    int    `hcl:"dim,optional"`
	Factor int    `hcl:"factor,optional"`
}

type docStream struct {
	Tensor   string `hcl:"tensor"`
	Producer string `hcl:"producer"`
	Consumer string `hcl:"consumer"`
	Depth    int    `hcl:"depth"`
}

type docChannel struct {
	Src   string `hcl:"src"`
	Dst   string `hcl:"dst"`
	Depth int    `hcl:"depth"`
}

type docAlign struct {
	Tensor string `hcl:"tensor"`
	Factor int    `hcl:"factor"`
	Offset int    `hcl:"offset,optional"`
}

type docBoundary struct {
	Inputs  []string `hcl:"inputs"`
	Outputs []string `hcl:"outputs"`
}

type docPlacement struct {
	Body hcl.Body `hcl:",remain"`
}

// directiveSchema lists the loop and storage directives a schedule block may
// carry. Content decoding keeps them in source order.
var directiveSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "split"},
		{Type: "fuse"},
		{Type: "reorder"},
		{Type: "tile"},
		{Type: "compute_at"},
		{Type: "pipeline"},
		{Type: "unroll"},
		{Type: "parallel"},
		{Type: "vectorize"},
		{Type: "prefetch"},
		{Type: "double_buffer"},
		{Type: "pragma"},
		{Type: "reuse_at"},
		{Type: "buffer_at"},
		{Type: "stencil"},
	},
}

type splitArgs struct {
	Axis   string `hcl:"axis"`
	Factor int    `hcl:"factor,optional"`
	NParts int    `hcl:"nparts,optional"`
}

type axisListArgs struct {
	Axes []string `hcl:"axes"`
}

type tileArgs struct {
	X       string `hcl:"x"`
	Y       string `hcl:"y"`
	XFactor int    `hcl:"x_factor"`
	YFactor int    `hcl:"y_factor"`
}

type computeAtArgs struct {
	Parent string `hcl:"parent"`
	Axis   string `hcl:"axis"`
}

type pipelineArgs struct {
	Axis string `hcl:"axis"`
	II   int    `hcl:"ii,optional"`
}

type unrollArgs struct {
	Axis   string `hcl:"axis"`
	Factor int    `hcl:"factor,optional"`
}

type axisArgs struct {
	Axis string `hcl:"axis"`
}

type prefetchArgs struct {
	Tensor string `hcl:"tensor"`
	Axis   string `hcl:"axis"`
	Offset int    `hcl:"offset"`
}

type pragmaArgs struct {
	Axis  string `hcl:"axis"`
	Key   string `hcl:"key"`
	Value string `hcl:"value,optional"`
}

type reuseAtArgs struct {
	Tensor string `hcl:"tensor"`
	Axis   string `hcl:"axis"`
}

type stencilArgs struct {
	BurstWidth  int `hcl:"burst_width,optional"`
	UnrollLevel int `hcl:"unroll_level,optional"`
}

type emptyArgs struct{}

// Load reads a graph manifest from an HCL file.
func Load(path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading graph manifest %s", path)
	}
	m, err := Parse(src, path)
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("loaded graph manifest %s: %d tensors, %d stages",
		path, len(m.Schedule.Tensors), len(m.Schedule.Stages))
	return m, nil
}

// Parse decodes a manifest document and replays it into a fresh schedule.
// The filename only labels diagnostics.
func Parse(src []byte, filename string) (*Manifest, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, "parsing graph manifest")
	}
	var doc docRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, errors.Wrap(diags, "decoding graph manifest")
	}
	return assemble(&doc)
}

// assemble replays the document: declarations first, then the schedule
// blocks in order, then the cross-stage directives and placement. Errors in
// independent items aggregate; a schedule block stops at its first failure
// because later directives reference axes made by earlier ones.
func assemble(doc *docRoot) (*Manifest, error) {
	sch := schedule.New()
	var result *multierror.Error

	for _, t := range doc.Tensors {
		elem, err := types.Parse(t.Dtype)
		if err != nil {
			result = multierror.Append(result, errs.Configf("tensor %s: %v", t.Name, err))
			continue
		}
		if err := sch.DeclareTensor(t.Name, types.MakeTensor(elem, t.Shape...)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, s := range doc.Stages {
		if err := addStage(sch, s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	// Directives need the stages, so declaration failures end the replay.
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	for _, blk := range doc.Schedules {
		if err := applyDirectives(sch, blk); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, p := range doc.Partitions {
		if err := applyPartition(sch, p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, s := range doc.Streams {
		if err := applyStream(sch, s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, c := range doc.Channels {
		if err := applyChannel(sch, c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, a := range doc.Aligns {
		if err := checkRef(sch, "storage_align", a.Tensor); err != nil {
			result = multierror.Append(result, err)
		} else if err := sch.StorageAlign(a.Tensor, a.Factor, a.Offset); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if doc.Placement != nil {
		if err := applyPlacement(sch, doc.Placement.Body); err != nil {
			result = multierror.Append(result, err)
		}
	}

	m := &Manifest{Name: doc.Graph, Schedule: sch}
	if doc.Boundary != nil {
		for _, name := range doc.Boundary.Inputs {
			if err := checkRef(sch, "boundary", name); err != nil {
				result = multierror.Append(result, err)
			}
		}
		for _, name := range doc.Boundary.Outputs {
			if err := checkRef(sch, "boundary", name); err != nil {
				result = multierror.Append(result, err)
			}
		}
		m.Inputs = doc.Boundary.Inputs
		m.Outputs = doc.Boundary.Outputs
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return m, nil
}

// addStage declares one stage. Inputs must already be known, so documents
// list stages producer-first.
func addStage(sch *schedule.Schedule, s docStage) error {
	for _, in := range s.Inputs {
		if err := checkRef(sch, "stage "+s.Name, in); err != nil {
			return err
		}
	}
	elem, err := types.Parse(s.Dtype)
	if err != nil {
		return errs.Configf("stage %s: %v", s.Name, err)
	}
	op := schedule.Compute{Kind: s.Op, Inputs: s.Inputs, Imm: s.Imm}
	if _, err := sch.AddStage(s.Name, op, elem, s.Shape...); err != nil {
		return err
	}
	if s.Device != "" {
		dev, err := schedule.ParseDevice(s.Device)
		if err != nil {
			return errors.Wrapf(err, "stage %s", s.Name)
		}
		return sch.ToDevice(s.Name, dev)
	}
	return nil
}

func applyDirectives(sch *schedule.Schedule, blk docSchedule) error {
	st := sch.Stage(blk.Stage)
	if st == nil {
		return errs.Configf("schedule block names unknown stage %q", blk.Stage)
	}
	content, diags := blk.Body.Content(directiveSchema)
	if diags.HasErrors() {
		return errors.Wrapf(diags, "schedule %s", blk.Stage)
	}
	for _, b := range content.Blocks {
		if err := applyDirective(sch, st, b); err != nil {
			return errors.Wrapf(err, "schedule %s: %s", blk.Stage, b.Type)
		}
	}
	return nil
}

func applyDirective(sch *schedule.Schedule, st *schedule.Stage, b *hcl.Block) error {
	switch b.Type {
	case "split":
		var a splitArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		axis, err := findAxis(st, a.Axis)
		if err != nil {
			return err
		}
		_, _, err = st.Split(axis, a.Factor, a.NParts)
		return err

	case "fuse":
		var a axisListArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		axes, err := findAxes(st, a.Axes)
		if err != nil {
			return err
		}
		_, err = st.Fuse(axes...)
		return err

	case "reorder":
		var a axisListArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		axes, err := findAxes(st, a.Axes)
		if err != nil {
			return err
		}
		return st.Reorder(axes...)

	case "tile":
		var a tileArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		x, err := findAxis(st, a.X)
		if err != nil {
			return err
		}
		y, err := findAxis(st, a.Y)
		if err != nil {
			return err
		}
		_, _, _, _, err = st.Tile(x, y, a.XFactor, a.YFactor)
		return err

	case "compute_at":
		var a computeAtArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		parent := sch.Stage(a.Parent)
		if parent == nil {
			return errs.Configf("unknown parent stage %q", a.Parent)
		}
		axis, err := findAxis(parent, a.Axis)
		if err != nil {
			return err
		}
		return st.ComputeAt(parent, axis)

	case "pipeline":
		var a pipelineArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		axis, err := findAxis(st, a.Axis)
		if err != nil {
			return err
		}
		return st.Pipeline(axis, a.II)

	case "unroll":
		var a unrollArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		axis, err := findAxis(st, a.Axis)
		if err != nil {
			return err
		}
		return st.Unroll(axis, a.Factor)

	case "parallel":
		var a axisArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		axis, err := findAxis(st, a.Axis)
		if err != nil {
			return err
		}
		return st.Parallelize(axis)

	case "vectorize":
		var a axisArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		axis, err := findAxis(st, a.Axis)
		if err != nil {
			return err
		}
		return st.Vectorize(axis)

	case "prefetch":
		var a prefetchArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		if err := checkRef(sch, "prefetch", a.Tensor); err != nil {
			return err
		}
		axis, err := findAxis(st, a.Axis)
		if err != nil {
			return err
		}
		return st.Prefetch(a.Tensor, axis, a.Offset)

	case "double_buffer":
		var a emptyArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		return st.DoubleBuffer()

	case "pragma":
		var a pragmaArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		axis, err := findAxis(st, a.Axis)
		if err != nil {
			return err
		}
		return st.Pragma(axis, a.Key, a.Value)

	case "reuse_at":
		var a reuseAtArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		if err := checkRef(sch, "reuse_at", a.Tensor); err != nil {
			return err
		}
		axis, err := findAxis(st, a.Axis)
		if err != nil {
			return err
		}
		return sch.ReuseAt(a.Tensor, st, axis)

	case "buffer_at":
		var a axisArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		axis, err := findAxis(st, a.Axis)
		if err != nil {
			return err
		}
		return sch.BufferAt(st, axis)

	case "stencil":
		var a stencilArgs
		if err := decodeArgs(b, &a); err != nil {
			return err
		}
		return sch.Stencil(st, a.BurstWidth, a.UnrollLevel)

	default:
		panic("directive outside schema: " + b.Type)
	}
}

func applyPartition(sch *schedule.Schedule, p docPartition) error {
	if err := checkRef(sch, "partition", p.Tensor); err != nil {
		return err
	}
	kind := schedule.PartitionComplete
	if p.Kind != "" {
		var err error
		if kind, err = schedule.ParsePartitionKind(p.Kind); err != nil {
			return errors.Wrapf(err, "partition of %s", p.Tensor)
		}
	}
	return sch.Partition(p.Tensor, kind, p.Dim, p.Factor)
}

func applyStream(sch *schedule.Schedule, s docStream) error {
	for _, name := range []string{s.Tensor, s.Producer, s.Consumer} {
		if err := checkRef(sch, "stream", name); err != nil {
			return err
		}
	}
	return sch.Stream(s.Tensor, s.Producer, s.Consumer, s.Depth)
}

func applyChannel(sch *schedule.Schedule, c docChannel) error {
	src := sch.Stage(c.Src)
	if src == nil {
		return errs.Configf("channel names unknown stage %q", c.Src)
	}
	dst := sch.Stage(c.Dst)
	if dst == nil {
		return errs.Configf("channel names unknown stage %q", c.Dst)
	}
	return sch.CreateChannel(src, dst, c.Depth)
}

// applyPlacement reads the placement block as a map from stage or tensor
// name to a device string.
func applyPlacement(sch *schedule.Schedule, body hcl.Body) error {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return errors.Wrap(diags, "placement")
	}
	var result *multierror.Error
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			result = multierror.Append(result, errors.Wrapf(diags, "placement of %s", name))
			continue
		}
		if v.Type() != cty.String || v.IsNull() {
			result = multierror.Append(result, errs.Configf("placement of %s must be a device name string", name))
			continue
		}
		dev, err := schedule.ParseDevice(v.AsString())
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "placement of %s", name))
			continue
		}
		if err := sch.ToDevice(name, dev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func decodeArgs(b *hcl.Block, into interface{}) error {
	if diags := gohcl.DecodeBody(b.Body, nil, into); diags.HasErrors() {
		return diags
	}
	return nil
}

// checkRef verifies that name is a declared tensor or an existing stage.
func checkRef(sch *schedule.Schedule, what, name string) error {
	if _, ok := sch.Tensors[name]; ok {
		return nil
	}
	if sch.Stage(name) != nil {
		return nil
	}
	return errs.Configf("%s names unknown tensor or stage %q", what, name)
}

func findAxis(st *schedule.Stage, name string) (*schedule.IterVar, error) {
	for _, ax := range st.Axes() {
		if ax.Name == name {
			return ax, nil
		}
	}
	have := make([]string, 0, len(st.Axes()))
	for _, ax := range st.Axes() {
		have = append(have, ax.Name)
	}
	return nil, errs.Configf("stage %s has no axis %q (current axes: %s)",
		st.Name, name, strings.Join(have, ", "))
}

func findAxes(st *schedule.Stage, names []string) ([]*schedule.IterVar, error) {
	axes := make([]*schedule.IterVar, 0, len(names))
	for _, name := range names {
		ax, err := findAxis(st, name)
		if err != nil {
			return nil, err
		}
		axes = append(axes, ax)
	}
	return axes, nil
}

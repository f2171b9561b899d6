package schedule

import (
	"fmt"
	"sort"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/types"
	"github.com/weft-lang/weft/internal/util"
)

// IterKind says how an axis iterates once realized.
type IterKind int

const (
	DataPar IterKind = iota
	Ordered
	Unrolled
	Vectorized
	Parallelized
	Pipelined
)

func (k IterKind) String() string {
	switch k {
	case DataPar:
		return "data_par"
	case Ordered:
		return "ordered"
	case Unrolled:
		return "unrolled"
	case Vectorized:
		return "vectorized"
	case Parallelized:
		return "parallelized"
	case Pipelined:
		return "pipelined"
	default:
		panic(fmt.Sprintf("unknown iter kind %d", int(k)))
	}
}

// IterVar is one loop dimension of a stage. Axes are owned by exactly one
// stage; split, fuse and tile consume old axes and hand back new ones.
// Ranges are zero-based.
type IterVar struct {
	Name   string
	Extent int
	Kind   IterKind

	// II refines Pipelined; zero means tool default. UnrollFactor refines
	// Unrolled; zero means full unroll.
	II           int
	UnrollFactor int

	stage *Stage
}

func (iv *IterVar) String() string {
	return fmt.Sprintf("%s(0..%d)", iv.Name, iv.Extent)
}

// Stage returns the stage owning the axis.
func (iv *IterVar) Stage() *Stage {
	return iv.stage
}

// Supported elementwise computations. Binary kinds read two tensors, unary
// kinds read one, and the immediate kinds fold a scalar constant in.
const (
	OpAdd   = "add"
	OpSub   = "sub"
	OpMul   = "mul"
	OpDiv   = "div"
	OpMin   = "min"
	OpMax   = "max"
	OpRelu  = "relu"
	OpAddI  = "addi"
	OpScale = "scale"
	OpCopy  = "copy"
)

var opArity = map[string]int{
	OpAdd:   2,
	OpSub:   2,
	OpMul:   2,
	OpDiv:   2,
	OpMin:   2,
	OpMax:   2,
	OpRelu:  1,
	OpAddI:  1,
	OpScale: 1,
	OpCopy:  1,
}

// OpArity returns the input count of an op kind, or an error for kinds
// outside the catalog.
func OpArity(kind string) (int, error) {
	n, ok := opArity[kind]
	if !ok {
		return 0, errs.Configf("unknown op kind %q", kind)
	}
	return n, nil
}

// Compute describes a stage's elementwise computation over its inputs.
// Imm is the scalar constant of the immediate kinds (addi, scale).
type Compute struct {
	Kind   string
	Inputs []string
	Imm    float64
}

// Attachment records a compute-at relation: realize the stage inside parent's
// loop nest at the given axis.
type Attachment struct {
	Parent *Stage
	Axis   *IterVar
}

// Stage is one named computation of a schedule. It produces a tensor of the
// same name. Loop primitives record intent on the stage; nothing is realized
// until lowering.
type Stage struct {
	Name string
	Op   Compute
	Out  types.Tensor

	// ComputeAttach is nil for root stages.
	ComputeAttach *Attachment

	// DoubleBuffered marks the stage's storage for double buffering.
	DoubleBuffered bool

	root  []*IterVar
	leaf  []*IterVar
	log   []Transform
	sched *Schedule
	seq   int
}

// Axes returns the current leaf axes, outermost first.
func (s *Stage) Axes() []*IterVar {
	return s.leaf
}

// RootAxes returns the original axes from stage creation, one per output
// dimension, regardless of later transforms.
func (s *Stage) RootAxes() []*IterVar {
	return s.root
}

// LeafIndex returns the position of axis in the current leaf order, or -1
// if the axis was consumed.
func (s *Stage) LeafIndex(axis *IterVar) int {
	return s.leafIndex(axis)
}

// Axis returns the leaf axis at position i, outermost first.
func (s *Stage) Axis(i int) *IterVar {
	if i < 0 || i >= len(s.leaf) {
		panic(fmt.Sprintf("stage %s: axis %d out of range (have %d)", s.Name, i, len(s.leaf)))
	}
	return s.leaf[i]
}

// Log returns the recorded transforms in application order.
func (s *Stage) Log() []Transform {
	return s.log
}

func (s *Stage) newIterVar(name string, extent int) *IterVar {
	return &IterVar{Name: name, Extent: extent, Kind: DataPar, stage: s}
}

func (s *Stage) leafIndex(axis *IterVar) int {
	for i, iv := range s.leaf {
		if iv == axis {
			return i
		}
	}
	return -1
}

func (s *Stage) checkAxis(axis *IterVar, prim string) (int, error) {
	if axis == nil {
		return -1, errs.Usagef("%s on stage %s: nil axis", prim, s.Name)
	}
	if axis.stage != s {
		return -1, errs.Usagef("%s on stage %s: axis %s belongs to stage %s",
			prim, s.Name, axis.Name, axis.stage.Name)
	}
	i := s.leafIndex(axis)
	if i < 0 {
		return -1, errs.Usagef("%s on stage %s: axis %s was consumed by an earlier transform",
			prim, s.Name, axis.Name)
	}
	return i, nil
}

// Split divides an axis into an outer and an inner axis. Exactly one of
// factor and nparts must be positive: factor fixes the inner extent, nparts
// fixes the outer one.
func (s *Stage) Split(axis *IterVar, factor, nparts int) (outer, inner *IterVar, err error) {
	if err := s.sched.mutable(); err != nil {
		return nil, nil, err
	}
	if (factor > 0) == (nparts > 0) {
		return nil, nil, errs.Usagef("split on stage %s: exactly one of factor and nparts must be set", s.Name)
	}
	i, err := s.checkAxis(axis, "split")
	if err != nil {
		return nil, nil, err
	}

	var innerExtent, outerExtent int
	if factor > 0 {
		innerExtent = factor
		outerExtent = util.CeilDiv(axis.Extent, factor)
	} else {
		outerExtent = nparts
		innerExtent = util.CeilDiv(axis.Extent, nparts)
	}
	outer = s.newIterVar(axis.Name+".outer", outerExtent)
	inner = s.newIterVar(axis.Name+".inner", innerExtent)
	outer.Kind, inner.Kind = axis.Kind, axis.Kind

	s.leaf = append(s.leaf[:i], append([]*IterVar{outer, inner}, s.leaf[i+1:]...)...)
	s.log = append(s.log, SplitRec{Parent: axis, Outer: outer, Inner: inner})
	return outer, inner, nil
}

// Fuse collapses adjacent axes into one. Axes are given outer to inner and
// must be consecutive in the current leaf order.
func (s *Stage) Fuse(axes ...*IterVar) (*IterVar, error) {
	if err := s.sched.mutable(); err != nil {
		return nil, err
	}
	if len(axes) < 2 {
		return nil, errs.Usagef("fuse on stage %s: need at least two axes", s.Name)
	}
	first, err := s.checkAxis(axes[0], "fuse")
	if err != nil {
		return nil, err
	}
	for k := 1; k < len(axes); k++ {
		i, err := s.checkAxis(axes[k], "fuse")
		if err != nil {
			return nil, err
		}
		if i != first+k {
			return nil, errs.Usagef("fuse on stage %s: axes must be adjacent, outer to inner (%s is not directly inside %s)",
				s.Name, axes[k].Name, axes[k-1].Name)
		}
	}

	name := axes[0].Name
	extent := axes[0].Extent
	for _, ax := range axes[1:] {
		name += "." + ax.Name
		extent *= ax.Extent
	}
	fused := s.newIterVar(name+".fused", extent)

	s.leaf = append(s.leaf[:first], append([]*IterVar{fused}, s.leaf[first+len(axes):]...)...)
	s.log = append(s.log, FuseRec{Parts: append([]*IterVar(nil), axes...), Fused: fused})
	return fused, nil
}

// Reorder permutes the leaf axes. Every given axis must be a current leaf;
// axes not mentioned keep their relative order around the mentioned ones.
func (s *Stage) Reorder(axes ...*IterVar) error {
	if err := s.sched.mutable(); err != nil {
		return err
	}
	seen := make(map[*IterVar]bool, len(axes))
	positions := make([]int, 0, len(axes))
	for _, ax := range axes {
		i, err := s.checkAxis(ax, "reorder")
		if err != nil {
			return err
		}
		if seen[ax] {
			return errs.Usagef("reorder on stage %s: axis %s given twice", s.Name, ax.Name)
		}
		seen[ax] = true
		positions = append(positions, i)
	}
	sort.Ints(positions)
	for k, pos := range positions {
		s.leaf[pos] = axes[k]
	}
	s.log = append(s.log, ReorderRec{Axes: append([]*IterVar(nil), axes...)})
	return nil
}

// Tile splits two axes and reorders the results into
// (xOuter, yOuter, xInner, yInner).
func (s *Stage) Tile(x, y *IterVar, xFactor, yFactor int) (xo, yo, xi, yi *IterVar, err error) {
	xo, xi, err = s.Split(x, xFactor, 0)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	yo, yi, err = s.Split(y, yFactor, 0)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err = s.Reorder(xo, yo, xi, yi); err != nil {
		return nil, nil, nil, nil, err
	}
	return xo, yo, xi, yi, nil
}

// ComputeAt nests the stage's realization inside parent's loop at the given
// axis instead of a root-level loop nest of its own.
func (s *Stage) ComputeAt(parent *Stage, axis *IterVar) error {
	if err := s.sched.mutable(); err != nil {
		return err
	}
	if parent == nil || parent == s {
		return errs.Usagef("compute_at on stage %s: invalid parent", s.Name)
	}
	if _, err := parent.checkAxis(axis, "compute_at"); err != nil {
		return err
	}
	if s.ComputeAttach != nil {
		return errs.Usagef("compute_at on stage %s: already attached to %s", s.Name, s.ComputeAttach.Parent.Name)
	}
	s.ComputeAttach = &Attachment{Parent: parent, Axis: axis}
	return nil
}

// Pipeline asks for a pipelined realization of the axis. ii is the target
// initiation interval; zero or less means 1.
func (s *Stage) Pipeline(axis *IterVar, ii int) error {
	if err := s.sched.mutable(); err != nil {
		return err
	}
	if _, err := s.checkAxis(axis, "pipeline"); err != nil {
		return err
	}
	if ii <= 0 {
		ii = 1
	}
	axis.Kind = Pipelined
	axis.II = ii
	return nil
}

// Unroll asks for an unrolled realization of the axis. Factor zero means
// full unroll.
func (s *Stage) Unroll(axis *IterVar, factor int) error {
	if err := s.sched.mutable(); err != nil {
		return err
	}
	if _, err := s.checkAxis(axis, "unroll"); err != nil {
		return err
	}
	if factor < 0 {
		return errs.Usagef("unroll on stage %s: negative factor %d", s.Name, factor)
	}
	axis.Kind = Unrolled
	axis.UnrollFactor = factor
	return nil
}

// Parallelize marks the axis for parallel realization.
func (s *Stage) Parallelize(axis *IterVar) error {
	if err := s.sched.mutable(); err != nil {
		return err
	}
	if _, err := s.checkAxis(axis, "parallelize"); err != nil {
		return err
	}
	axis.Kind = Parallelized
	return nil
}

// Vectorize marks the axis for vectorized realization.
func (s *Stage) Vectorize(axis *IterVar) error {
	if err := s.sched.mutable(); err != nil {
		return err
	}
	if _, err := s.checkAxis(axis, "vectorize"); err != nil {
		return err
	}
	axis.Kind = Vectorized
	return nil
}

// Prefetch asks to fetch a read tensor ahead of the axis by offset
// iterations.
func (s *Stage) Prefetch(tensor string, axis *IterVar, offset int) error {
	if err := s.sched.mutable(); err != nil {
		return err
	}
	if _, err := s.checkAxis(axis, "prefetch"); err != nil {
		return err
	}
	if offset <= 0 {
		return errs.Usagef("prefetch on stage %s: offset must be positive, got %d", s.Name, offset)
	}
	s.sched.Prefetches = append(s.sched.Prefetches, PrefetchRec{
		Stage: s, Tensor: tensor, Axis: axis, Offset: offset,
	})
	return nil
}

// DoubleBuffer marks the stage's storage for double buffering.
func (s *Stage) DoubleBuffer() error {
	if err := s.sched.mutable(); err != nil {
		return err
	}
	s.DoubleBuffered = true
	return nil
}

// Pragma attaches a free-form annotation to the axis; code generators pass
// unknown pragmas through.
func (s *Stage) Pragma(axis *IterVar, key, value string) error {
	if err := s.sched.mutable(); err != nil {
		return err
	}
	if _, err := s.checkAxis(axis, "pragma"); err != nil {
		return err
	}
	s.sched.Pragmas = append(s.sched.Pragmas, PragmaRec{Stage: s, Axis: axis, Key: key, Value: value})
	return nil
}

package lower

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/stmt"
	"github.com/weft-lang/weft/internal/types"
)

// Directives carries the cross-stage storage directives out of the schedule
// so the phase 1 to 3 passes can realize them against buffers.
type Directives struct {
	Partitions     []schedule.PartitionRec
	Streams        []schedule.StreamRec
	StorageAligns  []schedule.StorageAlignRec
	Reuses         []schedule.ReuseRec
	DoubleBuffered []string
	Stencils       []schedule.StencilRec
}

// Realization is the phase 0 output: one loop nest per root stage, in
// declaration order. Stages attached via compute_at appear inside their
// parent's nest and are not listed in Order.
type Realization struct {
	Order      []string
	Nests      map[string]stmt.Stmt
	Directives Directives
}

// Nest returns the realized loop nest of a root stage.
func (r *Realization) Nest(stage string) stmt.Stmt {
	return r.Nests[stage]
}

// Realize runs phase 0 on a schedule: normalize if needed, freeze, infer
// bounds, build each stage's loop nest from its transform log, and inject
// prefetch hints. Realizing a schedule a second time is a usage error.
func Realize(sch *schedule.Schedule, cfg *Config) (*Realization, error) {
	if !sch.Normalized() {
		sch.Normalize()
	}
	if err := sch.Freeze(); err != nil {
		return nil, err
	}

	attachments, err := collectAttachments(sch)
	if err != nil {
		return nil, err
	}

	real := &Realization{
		Nests: make(map[string]stmt.Stmt),
		Directives: Directives{
			Partitions:    sch.Partitions,
			Streams:       sch.Streams,
			StorageAligns: sch.StorageAligns,
			Reuses:        sch.Reuses,
			Stencils:      sch.Stencils,
		},
	}
	for _, st := range sch.Stages {
		if st.DoubleBuffered {
			real.Directives.DoubleBuffered = append(real.Directives.DoubleBuffered, st.Name)
		}
	}

	for _, st := range sch.Stages {
		if st.ComputeAttach != nil {
			continue
		}
		nest, err := realizeStage(st, attachments)
		if err != nil {
			return nil, err
		}
		nest = injectPrefetch(nest, st, sch)
		nest = injectPragmas(nest, st, sch)
		for _, p := range cfg.customPasses(0) {
			nest, err = p.Fn(nest, cfg)
			if err != nil {
				return nil, errors.Wrapf(err, "custom pass %s (phase 0) on stage %s", p.Name, st.Name)
			}
		}
		real.Order = append(real.Order, st.Name)
		real.Nests[st.Name] = nest
		glog.V(3).Infof("lower: realized stage %s", st.Name)
	}

	if cfg.DumpPassIR {
		dumpRealization(cfg, real)
	}
	return real, nil
}

type attachMap map[*schedule.Stage]map[*schedule.IterVar][]*schedule.Stage

func collectAttachments(sch *schedule.Schedule) (attachMap, error) {
	attach := make(attachMap)
	for _, st := range sch.Stages {
		a := st.ComputeAttach
		if a == nil {
			continue
		}
		if a.Parent.ComputeAttach != nil {
			return nil, errs.Usagef("compute_at chains are not supported: %s attaches to %s which is itself attached",
				st.Name, a.Parent.Name)
		}
		if len(st.Log()) > 0 {
			return nil, errs.Usagef("compute_at on stage %s: the attached stage's axes must be untransformed", st.Name)
		}
		if !sameShape(st.Out.Shape, a.Parent.Out.Shape) {
			return nil, errs.Usagef("compute_at on stage %s: shape %v does not match parent %s shape %v",
				st.Name, st.Out.Shape, a.Parent.Name, a.Parent.Out.Shape)
		}
		attachLeaf := a.Parent.LeafIndex(a.Axis)
		if attachLeaf < 0 {
			return nil, errs.Usagef("compute_at on stage %s: axis %s of %s was consumed by a later transform",
				st.Name, a.Axis.Name, a.Parent.Name)
		}
		rootPos := indexOfAxis(a.Parent.RootAxes(), a.Axis)
		if rootPos < 0 {
			return nil, errs.Usagef("compute_at on stage %s: axis %s of %s is not an original axis",
				st.Name, a.Axis.Name, a.Parent.Name)
		}
		// Dimensions at or outer to the attach point index the child through
		// the parent's reconstructed expressions, so every loop variable those
		// expressions read must enclose the attachment.
		exprs, _ := inferBounds(a.Parent)
		scope := enclosingVars(a.Parent, attachLeaf)
		for _, root := range a.Parent.RootAxes()[:rootPos+1] {
			if !varsInScope(exprs[root], scope) {
				return nil, errs.Usagef("compute_at on stage %s: axis %s of %s is realized inside the attach axis %s",
					st.Name, root.Name, a.Parent.Name, a.Axis.Name)
			}
		}
		if attach[a.Parent] == nil {
			attach[a.Parent] = make(map[*schedule.IterVar][]*schedule.Stage)
		}
		attach[a.Parent][a.Axis] = append(attach[a.Parent][a.Axis], st)
	}
	return attach, nil
}

type boundGuard struct {
	index stmt.Expr
	bound int
}

// inferBounds reconstructs each original axis's index expression in terms
// of the current leaf loop variables, and collects the guards imperfect
// splits need.
func inferBounds(st *schedule.Stage) (map[*schedule.IterVar]stmt.Expr, []boundGuard) {
	exprs := make(map[*schedule.IterVar]stmt.Expr)
	for _, leaf := range st.Axes() {
		exprs[leaf] = stmt.Var{Name: leaf.Name}
	}

	var guards []boundGuard
	log := st.Log()
	for i := len(log) - 1; i >= 0; i-- {
		switch rec := log[i].(type) {
		case schedule.SplitRec:
			idx := stmt.Add{
				A: stmt.Mul{A: exprs[rec.Outer], B: stmt.IntImm{Value: int64(rec.Inner.Extent)}},
				B: exprs[rec.Inner],
			}
			exprs[rec.Parent] = idx
			if rec.Outer.Extent*rec.Inner.Extent > rec.Parent.Extent {
				guards = append(guards, boundGuard{index: idx, bound: rec.Parent.Extent})
			}
		case schedule.FuseRec:
			rem := exprs[rec.Fused]
			for j := len(rec.Parts) - 1; j >= 1; j-- {
				extent := stmt.IntImm{Value: int64(rec.Parts[j].Extent)}
				exprs[rec.Parts[j]] = stmt.Mod{A: rem, B: extent}
				rem = stmt.Div{A: rem, B: extent}
			}
			exprs[rec.Parts[0]] = rem
		case schedule.ReorderRec:
			// Leaf order changed, index expressions did not.
		}
	}
	return exprs, guards
}

func realizeStage(st *schedule.Stage, attachments attachMap) (stmt.Stmt, error) {
	exprs, guards := inferBounds(st)

	indices := make([]stmt.Expr, len(st.RootAxes()))
	for i, root := range st.RootAxes() {
		indices[i] = exprs[root]
	}
	body, err := stageBody(st, indices)
	if err != nil {
		return nil, err
	}
	for i := len(guards) - 1; i >= 0; i-- {
		body = &stmt.IfThenElse{
			Cond: stmt.LT{A: guards[i].index, B: stmt.IntImm{Value: int64(guards[i].bound)}},
			Then: body,
		}
	}

	leaves := st.Axes()
	cur := body
	for i := len(leaves) - 1; i >= 0; i-- {
		var pre []stmt.Stmt
		for _, child := range attachments[st][leaves[i]] {
			nest, err := realizeAttached(child, st, exprs, guards)
			if err != nil {
				return nil, err
			}
			pre = append(pre, nest)
		}
		inner := cur
		if len(pre) > 0 {
			inner = stmt.Block(append(pre, cur)...)
		}
		loop := &stmt.For{
			Var:          leaves[i].Name,
			Min:          stmt.IntImm{},
			Extent:       stmt.IntImm{Value: int64(leaves[i].Extent)},
			Kind:         forKind(leaves[i].Kind),
			II:           leaves[i].II,
			UnrollFactor: leaves[i].UnrollFactor,
			Body:         inner,
		}
		if i == 0 {
			loop.Stage = st.Name
		}
		cur = loop
	}
	return cur, nil
}

// realizeAttached builds the nest of a compute_at child at its attachment
// point. Dimensions up to the attach axis index through the parent's
// reconstructed expressions and the rest get loops of their own; guards of
// the enclosing parent loops wrap the nest.
func realizeAttached(child, parent *schedule.Stage, exprs map[*schedule.IterVar]stmt.Expr, guards []boundGuard) (stmt.Stmt, error) {
	attachPos := indexOfAxis(parent.RootAxes(), child.ComputeAttach.Axis)

	roots := child.RootAxes()
	indices := make([]stmt.Expr, len(roots))
	for i := range roots {
		if i <= attachPos {
			indices[i] = exprs[parent.RootAxes()[i]]
		} else {
			indices[i] = stmt.Var{Name: roots[i].Name}
		}
	}
	body, err := stageBody(child, indices)
	if err != nil {
		return nil, err
	}

	cur := body
	for i := len(roots) - 1; i > attachPos; i-- {
		loop := &stmt.For{
			Var:    roots[i].Name,
			Min:    stmt.IntImm{},
			Extent: stmt.IntImm{Value: int64(roots[i].Extent)},
			Kind:   forKind(roots[i].Kind),
			Body:   cur,
		}
		cur = loop
	}
	if f, ok := cur.(*stmt.For); ok {
		f.Stage = child.Name
	}

	scope := enclosingVars(parent, parent.LeafIndex(child.ComputeAttach.Axis))
	for i := len(guards) - 1; i >= 0; i-- {
		if !varsInScope(guards[i].index, scope) {
			continue
		}
		cur = &stmt.IfThenElse{
			Cond: stmt.LT{A: guards[i].index, B: stmt.IntImm{Value: int64(guards[i].bound)}},
			Then: cur,
		}
	}
	return cur, nil
}

func stageBody(st *schedule.Stage, indices []stmt.Expr) (stmt.Stmt, error) {
	load := func(i int) stmt.LoadND {
		return stmt.LoadND{Tensor: st.Op.Inputs[i], Indices: indices}
	}
	var val stmt.Expr
	switch st.Op.Kind {
	case schedule.OpAdd:
		val = stmt.Add{A: load(0), B: load(1)}
	case schedule.OpSub:
		val = stmt.Sub{A: load(0), B: load(1)}
	case schedule.OpMul:
		val = stmt.Mul{A: load(0), B: load(1)}
	case schedule.OpDiv:
		val = stmt.Div{A: load(0), B: load(1)}
	case schedule.OpMin:
		val = stmt.Min{A: load(0), B: load(1)}
	case schedule.OpMax:
		val = stmt.Max{A: load(0), B: load(1)}
	case schedule.OpRelu:
		val = stmt.Max{A: load(0), B: stmt.Zero(st.Out.Elem)}
	case schedule.OpAddI:
		val = stmt.Add{A: load(0), B: imm(st, st.Op.Imm)}
	case schedule.OpScale:
		val = stmt.Mul{A: load(0), B: imm(st, st.Op.Imm)}
	case schedule.OpCopy:
		val = load(0)
	default:
		return nil, errs.Configf("stage %s: unknown op kind %q", st.Name, st.Op.Kind)
	}
	return &stmt.StoreND{Tensor: st.Name, Indices: indices, Value: val}, nil
}

func imm(st *schedule.Stage, v float64) stmt.Expr {
	if st.Out.Elem.Kind == types.Float {
		return stmt.Cast{To: st.Out.Elem, Value: stmt.FloatImm{Value: v}}
	}
	return stmt.Cast{To: st.Out.Elem, Value: stmt.IntImm{Value: int64(v)}}
}

func forKind(k schedule.IterKind) stmt.ForKind {
	switch k {
	case schedule.Unrolled:
		return stmt.Unrolled
	case schedule.Vectorized:
		return stmt.Vectorized
	case schedule.Parallelized:
		return stmt.Parallel
	case schedule.Pipelined:
		return stmt.Pipelined
	default:
		return stmt.Serial
	}
}

// injectPrefetch wraps the loop of each prefetch directive's axis with a
// prefetch annotation.
func injectPrefetch(nest stmt.Stmt, st *schedule.Stage, sch *schedule.Schedule) stmt.Stmt {
	for _, rec := range sch.Prefetches {
		if rec.Stage != st {
			continue
		}
		rec := rec
		nest = stmt.Rewrite(nest, func(s stmt.Stmt) stmt.Stmt {
			if f, ok := s.(*stmt.For); ok && f.Var == rec.Axis.Name && extentIs(f, rec.Axis.Extent) {
				return &stmt.Attr{
					Key:   "prefetch",
					Value: fmt.Sprintf("%s:%d", rec.Tensor, rec.Offset),
					Body:  f,
				}
			}
			return s
		}, nil)
	}
	return nest
}

func injectPragmas(nest stmt.Stmt, st *schedule.Stage, sch *schedule.Schedule) stmt.Stmt {
	for _, rec := range sch.Pragmas {
		if rec.Stage != st {
			continue
		}
		rec := rec
		nest = stmt.Rewrite(nest, func(s stmt.Stmt) stmt.Stmt {
			if f, ok := s.(*stmt.For); ok && f.Var == rec.Axis.Name && extentIs(f, rec.Axis.Extent) {
				return &stmt.Attr{Key: "pragma_" + rec.Key, Value: rec.Value, Body: f}
			}
			return s
		}, nil)
	}
	return nest
}

func extentIs(f *stmt.For, extent int) bool {
	v, ok := stmt.ConstInt(f.Extent)
	return ok && v == int64(extent)
}

func indexOfAxis(axes []*schedule.IterVar, axis *schedule.IterVar) int {
	for i, a := range axes {
		if a == axis {
			return i
		}
	}
	return -1
}

// enclosingVars collects the loop variables of the leaves at or outer to
// position pos.
func enclosingVars(st *schedule.Stage, pos int) map[string]bool {
	vars := make(map[string]bool, pos+1)
	for i, leaf := range st.Axes() {
		if i > pos {
			break
		}
		vars[leaf.Name] = true
	}
	return vars
}

func varsInScope(e stmt.Expr, scope map[string]bool) bool {
	ok := true
	stmt.RewriteExpr(e, func(e stmt.Expr) stmt.Expr {
		if v, isVar := e.(stmt.Var); isVar && !scope[v.Name] {
			ok = false
		}
		return e
	})
	return ok
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dumpRealization(cfg *Config, real *Realization) {
	var text string
	for _, name := range real.Order {
		text += fmt.Sprintf("// stage %s\n%s\n\n", name, real.Nests[name])
	}
	path := filepath.Join(cfg.DumpDir, "00_realize.ir")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		glog.Warningf("lower: cannot dump %s: %v", path, err)
	}
}

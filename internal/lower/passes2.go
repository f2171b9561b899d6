package lower

import (
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/stmt"
)

// loopPartition splits guarded constant-bound loops into a guard-free main
// loop and a remainder loop. The guard shape it recognizes is the one bound
// inference emits for an imperfect split. Gated by PartitionConstLoop.
func loopPartition(u *unit) error {
	if !u.cfg.PartitionConstLoop {
		return nil
	}
	for _, op := range u.nests() {
		op.Body = stmt.Rewrite(op.Body, partitionLoop, nil)
	}
	return nil
}

func partitionLoop(s stmt.Stmt) stmt.Stmt {
	outer, ok := s.(*stmt.For)
	if !ok {
		return s
	}
	inner, ok := outer.Body.(*stmt.For)
	if !ok {
		return s
	}
	guard, ok := inner.Body.(*stmt.IfThenElse)
	if !ok || guard.Else != nil {
		return s
	}
	innerExtent, ok := stmt.ConstInt(inner.Extent)
	if !ok {
		return s
	}
	bound, ok := matchSplitGuard(guard.Cond, outer.Var, inner.Var, innerExtent)
	if !ok {
		return s
	}

	full := bound / innerExtent
	rem := bound % innerExtent

	main := &stmt.For{
		Var: outer.Var, Min: outer.Min, Extent: stmt.IntImm{Value: full},
		Kind: outer.Kind, II: outer.II, UnrollFactor: outer.UnrollFactor,
		Stage: outer.Stage,
		Body: &stmt.For{
			Var: inner.Var, Min: inner.Min, Extent: inner.Extent,
			Kind: inner.Kind, II: inner.II, UnrollFactor: inner.UnrollFactor,
			Body: guard.Then,
		},
	}
	if rem == 0 {
		return main
	}
	tail := &stmt.For{
		Var: inner.Var, Min: inner.Min, Extent: stmt.IntImm{Value: rem},
		Kind: inner.Kind, II: inner.II, UnrollFactor: inner.UnrollFactor,
		Body: substituteVar(guard.Then, outer.Var, stmt.IntImm{Value: full}),
	}
	return stmt.Block(main, tail)
}

// matchSplitGuard recognizes (vo*extent + vi) < N.
func matchSplitGuard(cond stmt.Expr, vo, vi string, extent int64) (int64, bool) {
	lt, ok := cond.(stmt.LT)
	if !ok {
		return 0, false
	}
	bound, ok := lt.B.(stmt.IntImm)
	if !ok {
		return 0, false
	}
	add, ok := lt.A.(stmt.Add)
	if !ok {
		return 0, false
	}
	mul, ok := add.A.(stmt.Mul)
	if !ok {
		return 0, false
	}
	v, ok := mul.A.(stmt.Var)
	if !ok || v.Name != vo {
		return 0, false
	}
	f, ok := mul.B.(stmt.IntImm)
	if !ok || f.Value != extent {
		return 0, false
	}
	w, ok := add.B.(stmt.Var)
	if !ok || w.Name != vi {
		return 0, false
	}
	return bound.Value, true
}

func substituteVar(s stmt.Stmt, name string, with stmt.Expr) stmt.Stmt {
	return stmt.Rewrite(s, nil, func(e stmt.Expr) stmt.Expr {
		if v, ok := e.(stmt.Var); ok && v.Name == name {
			return with
		}
		return e
	})
}

// injectDoubleBuffer marks double-buffered storage on its buffer and, when
// the split factor asks for it, splits the producing stage's outer loop so
// the two buffer halves can overlap.
func injectDoubleBuffer(u *unit) error {
	for _, name := range u.dir.DoubleBuffered {
		b := u.binds[name]
		if b == nil {
			continue
		}
		b.DoubleBuffered = true
		factor := u.cfg.DoubleBufferSplitLoop
		if factor <= 1 {
			continue
		}
		for _, op := range u.nests() {
			if op.Stage != name {
				continue
			}
			op.Body = splitProducerLoop(op.Body, factor)
			glog.V(3).Infof("lower: double buffer split (factor %d) on stage %s", factor, name)
		}
	}
	return nil
}

func splitProducerLoop(s stmt.Stmt, factor int) stmt.Stmt {
	switch s := s.(type) {
	case *stmt.Attr:
		c := *s
		c.Body = splitProducerLoop(s.Body, factor)
		return &c
	case *stmt.For:
		extent, ok := stmt.ConstInt(s.Extent)
		if !ok || extent <= int64(factor) {
			return s
		}
		vo, vi := s.Var+".db.outer", s.Var+".db.inner"
		idx := stmt.Add{
			A: stmt.Mul{A: stmt.Var{Name: vo}, B: stmt.IntImm{Value: int64(factor)}},
			B: stmt.Var{Name: vi},
		}
		body := substituteVar(s.Body, s.Var, idx)
		if extent%int64(factor) != 0 {
			body = &stmt.IfThenElse{
				Cond: stmt.LT{A: idx, B: stmt.IntImm{Value: extent}},
				Then: body,
			}
		}
		outerExtent := (extent + int64(factor) - 1) / int64(factor)
		return &stmt.For{
			Var: vo, Min: stmt.IntImm{}, Extent: stmt.IntImm{Value: outerExtent},
			Stage: s.Stage,
			Body: &stmt.For{
				Var: vi, Min: stmt.IntImm{}, Extent: stmt.IntImm{Value: int64(factor)},
				Kind: s.Kind, II: s.II, UnrollFactor: s.UnrollFactor,
				Body: body,
			},
		}
	default:
		return s
	}
}

// simplify folds constants, drops degenerate control flow, and applies the
// auto-unroll policy.
func simplify(u *unit) error {
	for _, op := range u.nests() {
		body := stmt.Rewrite(op.Body, simplifyStmt, foldExpr)
		if u.cfg.AutoUnrollMaxStep > 0 {
			body = autoUnroll(body, u.cfg, 1)
		}
		op.Body = body
	}
	return nil
}

func simplifyStmt(s stmt.Stmt) stmt.Stmt {
	switch s := s.(type) {
	case *stmt.IfThenElse:
		if v, ok := stmt.ConstInt(s.Cond); ok {
			if v != 0 {
				return s.Then
			}
			if s.Else != nil {
				return s.Else
			}
			return &stmt.Nop{}
		}
	case *stmt.For:
		if extent, ok := stmt.ConstInt(s.Extent); ok {
			switch extent {
			case 0:
				return &stmt.Nop{}
			case 1:
				// Substituting the loop variable exposes new constants.
				return stmt.Rewrite(substituteVar(s.Body, s.Var, s.Min), nil, foldExpr)
			}
		}
	}
	return s
}

func foldExpr(e stmt.Expr) stmt.Expr {
	switch e := e.(type) {
	case stmt.Add:
		if a, b, ok := constPair(e.A, e.B); ok {
			return stmt.IntImm{Value: a + b}
		}
		if isZero(e.A) {
			return e.B
		}
		if isZero(e.B) {
			return e.A
		}
	case stmt.Sub:
		if a, b, ok := constPair(e.A, e.B); ok {
			return stmt.IntImm{Value: a - b}
		}
		if isZero(e.B) {
			return e.A
		}
	case stmt.Mul:
		if a, b, ok := constPair(e.A, e.B); ok {
			return stmt.IntImm{Value: a * b}
		}
		if isZero(e.A) || isZero(e.B) {
			return stmt.IntImm{}
		}
		if isOne(e.A) {
			return e.B
		}
		if isOne(e.B) {
			return e.A
		}
	case stmt.Div:
		if a, b, ok := constPair(e.A, e.B); ok && b != 0 {
			return stmt.IntImm{Value: a / b}
		}
		if isOne(e.B) {
			return e.A
		}
	case stmt.Mod:
		if a, b, ok := constPair(e.A, e.B); ok && b != 0 {
			return stmt.IntImm{Value: a % b}
		}
		if isOne(e.B) {
			return stmt.IntImm{}
		}
	case stmt.Min:
		if a, b, ok := constPair(e.A, e.B); ok {
			if a < b {
				return stmt.IntImm{Value: a}
			}
			return stmt.IntImm{Value: b}
		}
	case stmt.Max:
		if a, b, ok := constPair(e.A, e.B); ok {
			if a > b {
				return stmt.IntImm{Value: a}
			}
			return stmt.IntImm{Value: b}
		}
	case stmt.LT:
		if a, b, ok := constPair(e.A, e.B); ok {
			if a < b {
				return stmt.IntImm{Value: 1}
			}
			return stmt.IntImm{}
		}
	}
	return e
}

func constPair(a, b stmt.Expr) (int64, int64, bool) {
	av, aok := stmt.ConstInt(a)
	bv, bok := stmt.ConstInt(b)
	return av, bv, aok && bok
}

func isZero(e stmt.Expr) bool {
	v, ok := stmt.ConstInt(e)
	return ok && v == 0
}

func isOne(e stmt.Expr) bool {
	v, ok := stmt.ConstInt(e)
	return ok && v == 1
}

// autoUnroll applies the unroll policy to small serial constant loops.
// With UnrollExplicit the loop disappears and its body is replicated once
// per iteration; otherwise the loop is annotated and the code generator
// emits the unroll directive.
func autoUnroll(s stmt.Stmt, cfg *Config, depth int) stmt.Stmt {
	switch s := s.(type) {
	case *stmt.For:
		c := *s
		c.Body = autoUnroll(s.Body, cfg, depth+1)
		if depth > cfg.AutoUnrollMaxDepth || c.Kind != stmt.Serial {
			return &c
		}
		extent, eok := stmt.ConstInt(c.Extent)
		min, mok := stmt.ConstInt(c.Min)
		if !eok || !mok || extent > int64(cfg.AutoUnrollMaxStep) {
			return &c
		}
		if !cfg.UnrollExplicit {
			c.Kind = stmt.Unrolled
			return &c
		}
		copies := make([]stmt.Stmt, 0, extent)
		for i := int64(0); i < extent; i++ {
			one := substituteVar(c.Body, c.Var, stmt.IntImm{Value: min + i})
			copies = append(copies, stmt.Rewrite(one, nil, foldExpr))
		}
		return stmt.Block(copies...)
	case *stmt.Attr:
		c := *s
		c.Body = autoUnroll(s.Body, cfg, depth)
		return &c
	case *stmt.Alloc:
		c := *s
		c.Body = autoUnroll(s.Body, cfg, depth)
		return &c
	case *stmt.Seq:
		c := &stmt.Seq{Stmts: make([]stmt.Stmt, len(s.Stmts))}
		for i, st := range s.Stmts {
			c.Stmts[i] = autoUnroll(st, cfg, depth)
		}
		return c
	case *stmt.IfThenElse:
		c := *s
		c.Then = autoUnroll(s.Then, cfg, depth)
		if s.Else != nil {
			c.Else = autoUnroll(s.Else, cfg, depth)
		}
		return &c
	default:
		return s
	}
}

// lowerStorageAccessInfo resolves the tensor-level storage directives into
// concrete buffer annotations.
func lowerStorageAccessInfo(u *unit) error {
	var result *multierror.Error
	for _, rec := range u.dir.Partitions {
		b := u.binds[rec.Tensor]
		if b == nil {
			continue
		}
		if rec.Dim < 0 || rec.Dim >= len(b.Shape) {
			result = multierror.Append(result, errs.Configf(
				"partition of %s: dim %d out of range for rank %d", rec.Tensor, rec.Dim, len(b.Shape)))
			continue
		}
		b.Partitions = append(b.Partitions, stmt.Partition{
			Kind: rec.Kind.String(), Dim: rec.Dim, Factor: rec.Factor,
		})
	}
	for _, rec := range u.dir.StorageAligns {
		b := u.binds[rec.Tensor]
		if b == nil {
			continue
		}
		b.Alignment = rec.Factor * b.Elem.Size()
	}
	return result.ErrorOrNil()
}

// removeNoOp sweeps statements that do nothing.
func removeNoOp(u *unit) error {
	for _, op := range u.nests() {
		op.Body = stmt.Rewrite(op.Body, func(s stmt.Stmt) stmt.Stmt {
			switch s := s.(type) {
			case *stmt.Seq:
				var kept []stmt.Stmt
				for _, st := range s.Stmts {
					if !isNop(st) {
						kept = append(kept, st)
					}
				}
				return stmt.Block(kept...)
			case *stmt.For:
				if isNop(s.Body) {
					return &stmt.Nop{}
				}
			case *stmt.Alloc:
				if isNop(s.Body) {
					return &stmt.Nop{}
				}
			case *stmt.Attr:
				if isNop(s.Body) {
					return &stmt.Nop{}
				}
			case *stmt.IfThenElse:
				if isNop(s.Then) && (s.Else == nil || isNop(s.Else)) {
					return &stmt.Nop{}
				}
			case *stmt.Evaluate:
				if _, ok := stmt.ConstInt(s.Value); ok {
					return &stmt.Nop{}
				}
			}
			return s
		}, nil)
	}
	return nil
}

func isNop(s stmt.Stmt) bool {
	_, ok := s.(*stmt.Nop)
	return ok
}

// inferStream marks boundary tensors carried over FIFO channels: the
// buffer gets a stream scope and the requested depth, which the code
// generators render as stream declarations.
func inferStream(u *unit) error {
	for _, rec := range u.dir.Streams {
		b := u.binds[rec.Tensor]
		if b == nil {
			continue
		}
		b.StreamDepth = rec.Depth
		b.Scope = "stream"
		glog.V(3).Infof("lower: stream %s depth %d in %s", rec.Tensor, rec.Depth, u.fn.Name)
	}
	return nil
}

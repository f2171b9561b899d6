package stmt

import "fmt"

// RewriteExpr rebuilds an expression bottom-up, applying f to every node
// after its children have been rewritten. f may return its argument
// unchanged.
func RewriteExpr(e Expr, f func(Expr) Expr) Expr {
	if e == nil {
		return nil
	}
	switch e := e.(type) {
	case Var, IntImm, FloatImm:
		return f(e)
	case Cast:
		e.Value = RewriteExpr(e.Value, f)
		return f(e)
	case Add:
		e.A, e.B = RewriteExpr(e.A, f), RewriteExpr(e.B, f)
		return f(e)
	case Sub:
		e.A, e.B = RewriteExpr(e.A, f), RewriteExpr(e.B, f)
		return f(e)
	case Mul:
		e.A, e.B = RewriteExpr(e.A, f), RewriteExpr(e.B, f)
		return f(e)
	case Div:
		e.A, e.B = RewriteExpr(e.A, f), RewriteExpr(e.B, f)
		return f(e)
	case Mod:
		e.A, e.B = RewriteExpr(e.A, f), RewriteExpr(e.B, f)
		return f(e)
	case Min:
		e.A, e.B = RewriteExpr(e.A, f), RewriteExpr(e.B, f)
		return f(e)
	case Max:
		e.A, e.B = RewriteExpr(e.A, f), RewriteExpr(e.B, f)
		return f(e)
	case LT:
		e.A, e.B = RewriteExpr(e.A, f), RewriteExpr(e.B, f)
		return f(e)
	case LoadND:
		indices := make([]Expr, len(e.Indices))
		for i, idx := range e.Indices {
			indices[i] = RewriteExpr(idx, f)
		}
		e.Indices = indices
		return f(e)
	case Load:
		e.Index = RewriteExpr(e.Index, f)
		return f(e)
	default:
		panic(fmt.Sprintf("unknown expression %T", e))
	}
}

// Rewrite rebuilds a statement tree bottom-up. fs, when non-nil, is applied
// to every statement after its children; fe, when non-nil, is applied to
// every expression the tree contains.
func Rewrite(s Stmt, fs func(Stmt) Stmt, fe func(Expr) Expr) Stmt {
	if s == nil {
		return nil
	}
	if fs == nil {
		fs = func(s Stmt) Stmt { return s }
	}
	expr := func(e Expr) Expr {
		if fe == nil || e == nil {
			return e
		}
		return RewriteExpr(e, fe)
	}
	switch s := s.(type) {
	case *For:
		c := *s
		c.Min = expr(c.Min)
		c.Extent = expr(c.Extent)
		c.Body = Rewrite(c.Body, fs, fe)
		return fs(&c)
	case *StoreND:
		c := *s
		indices := make([]Expr, len(c.Indices))
		for i, idx := range c.Indices {
			indices[i] = expr(idx)
		}
		c.Indices = indices
		c.Value = expr(c.Value)
		return fs(&c)
	case *Store:
		c := *s
		c.Index = expr(c.Index)
		c.Value = expr(c.Value)
		return fs(&c)
	case *Alloc:
		c := *s
		c.Body = Rewrite(c.Body, fs, fe)
		return fs(&c)
	case *Attr:
		c := *s
		c.Body = Rewrite(c.Body, fs, fe)
		return fs(&c)
	case *Seq:
		c := &Seq{Stmts: make([]Stmt, len(s.Stmts))}
		for i, st := range s.Stmts {
			c.Stmts[i] = Rewrite(st, fs, fe)
		}
		return fs(c)
	case *IfThenElse:
		c := *s
		c.Cond = expr(c.Cond)
		c.Then = Rewrite(c.Then, fs, fe)
		c.Else = Rewrite(c.Else, fs, fe)
		return fs(&c)
	case *Evaluate:
		c := *s
		c.Value = expr(c.Value)
		return fs(&c)
	case *Assert:
		c := *s
		c.Cond = expr(c.Cond)
		return fs(&c)
	case *Nop:
		return fs(&Nop{})
	default:
		panic(fmt.Sprintf("unknown statement %T", s))
	}
}

// Walk visits every statement of a tree in pre-order. Returning false from
// f skips the node's children.
func Walk(s Stmt, f func(Stmt) bool) {
	if s == nil || !f(s) {
		return
	}
	switch s := s.(type) {
	case *For:
		Walk(s.Body, f)
	case *Alloc:
		Walk(s.Body, f)
	case *Attr:
		Walk(s.Body, f)
	case *Seq:
		for _, st := range s.Stmts {
			Walk(st, f)
		}
	case *IfThenElse:
		Walk(s.Then, f)
		Walk(s.Else, f)
	}
}

// ReferencedTensors lists the tensors a statement tree touches by name:
// reads in first-use order, then writes not already listed.
func ReferencedTensors(s Stmt) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	WalkExprs(s, func(e Expr) {
		if l, ok := e.(LoadND); ok {
			add(l.Tensor)
		}
	})
	Walk(s, func(st Stmt) bool {
		if sn, ok := st.(*StoreND); ok {
			add(sn.Tensor)
		}
		return true
	})
	return names
}

// WalkExprs visits every expression of a statement tree.
func WalkExprs(s Stmt, f func(Expr)) {
	visit := func(e Expr) {
		if e == nil {
			return
		}
		RewriteExpr(e, func(e Expr) Expr {
			f(e)
			return e
		})
	}
	Walk(s, func(s Stmt) bool {
		switch s := s.(type) {
		case *For:
			visit(s.Min)
			visit(s.Extent)
		case *StoreND:
			for _, idx := range s.Indices {
				visit(idx)
			}
			visit(s.Value)
		case *Store:
			visit(s.Index)
			visit(s.Value)
		case *IfThenElse:
			visit(s.Cond)
		case *Evaluate:
			visit(s.Value)
		case *Assert:
			visit(s.Cond)
		}
		return true
	})
}

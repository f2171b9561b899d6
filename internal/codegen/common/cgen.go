package common

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/ir"
	"github.com/weft-lang/weft/internal/stmt"
	"github.com/weft-lang/weft/internal/types"
)

// Dialect is the part of C emission that differs between HLS tools: type
// spellings, where loop annotations go, and how storage annotations render.
type Dialect interface {
	// Prologue writes the include block at the top of the listing.
	Prologue(w *Writer)

	// ElemType renders one element type.
	ElemType(e types.Elem) string

	// LoopBefore writes annotations preceding a loop statement.
	LoopBefore(w *Writer, f *stmt.For)

	// LoopInside writes annotations at the top of a loop body.
	LoopInside(w *Writer, f *stmt.For)

	// BufferQualifier returns a prefix for a local buffer declaration, or "".
	BufferQualifier(b *stmt.Buffer) string

	// BufferAttrs writes annotations following a local buffer declaration.
	BufferAttrs(w *Writer, b *stmt.Buffer)

	// Pragma renders one attribute annotation. Returning false leaves the
	// attribute to the generic comment form.
	Pragma(w *Writer, key, value string) bool
}

// CGen emits C-family source for a lowered program. The two HLS backends are
// the same generator with different dialects.
type CGen struct {
	Backend string
	Dialect Dialect
}

func (c *CGen) Emit(p *Program) (string, error) {
	g := &gen{d: c.Dialect, prog: p}
	out, err := g.module()
	if err != nil {
		return "", errs.Backend(c.Backend, err)
	}
	return out, nil
}

// gen is the state of one emission.
type gen struct {
	d     Dialect
	prog  *Program
	binds map[string]*stmt.Buffer // current function
	errs  *multierror.Error
}

func (g *gen) module() (string, error) {
	w := &Writer{}
	g.d.Prologue(w)

	mod := g.prog.Module
	protos := g.prototypes(mod)
	for _, proto := range protos {
		w.Linef("%s;", proto)
	}
	if len(protos) > 0 {
		w.Blank()
	}

	for i, fn := range mod.Funcs {
		if i > 0 {
			w.Blank()
		}
		g.function(w, fn)
	}
	if err := g.errs.ErrorOrNil(); err != nil {
		return "", err
	}
	return w.String(), nil
}

// prototypes declares every function of the module ahead of the definitions,
// plus any callee living in another module. Order inside a module follows
// assembly order, so forward declarations keep call-before-definition legal.
func (g *gen) prototypes(mod *ir.Module) []string {
	var protos []string
	for _, fn := range mod.Funcs {
		if isEntry(fn) {
			continue
		}
		protos = append(protos, g.signature(fn, g.prog.FuncBinds(fn.Name)))
	}
	seen := make(map[*ir.Func]bool)
	for _, fn := range mod.Funcs {
		for _, op := range fn.Ops {
			if op.Kind != ir.OpCall || op.Callee.Module() == mod || seen[op.Callee] {
				continue
			}
			seen[op.Callee] = true
			protos = append(protos, g.signature(op.Callee, nil))
		}
	}
	return protos
}

// isEntry recognizes the host driver function, which renders as C main.
func isEntry(fn *ir.Func) bool {
	return fn.Name == "main" && len(fn.Params) == 0 && len(fn.Results) == 0
}

func (g *gen) function(w *Writer, fn *ir.Func) {
	g.binds = g.prog.FuncBinds(fn.Name)
	w.Linef("%s {", g.signature(fn, g.binds))
	w.In()
	// Storage annotations on arguments go at the top of the body.
	for _, v := range fn.Params {
		if b := g.binds[v.Name]; b != nil {
			g.d.BufferAttrs(w, b)
		}
	}
	for _, v := range fn.Results {
		if b := g.binds[v.Name]; b != nil {
			g.d.BufferAttrs(w, b)
		}
	}
	for _, op := range fn.Ops {
		g.op(w, fn, op)
	}
	w.Out()
	w.Linef("}")
}

// signature renders a function head. Parameters and declared results become
// flat array arguments in that order; results carry data out through their
// arrays, so every function but the entry point is void.
func (g *gen) signature(fn *ir.Func, binds map[string]*stmt.Buffer) string {
	if isEntry(fn) {
		return "int main()"
	}
	decls := make([]string, 0, len(fn.Params)+len(fn.Results))
	for _, v := range fn.Params {
		decls = append(decls, g.argDecl(v, binds))
	}
	for _, v := range fn.Results {
		decls = append(decls, g.argDecl(v, binds))
	}
	return fmt.Sprintf("void %s(%s)", Ident(fn.Name), strings.Join(decls, ", "))
}

func (g *gen) argDecl(v *ir.Value, binds map[string]*stmt.Buffer) string {
	elem, size := v.Type.Elem, v.Type.Elems()
	if b := binds[v.Name]; b != nil {
		elem, size = b.Elem, b.Size
	}
	return fmt.Sprintf("%s %s[%d]", g.d.ElemType(elem), Ident(v.Name), size)
}

func (g *gen) op(w *Writer, fn *ir.Func, op *ir.Op) {
	switch op.Kind {
	case ir.OpAlloc:
		g.alloc(w, op.Result())
	case ir.OpCall:
		args := make([]string, len(op.Operands()))
		for i, v := range op.Operands() {
			args[i] = Ident(v.Name)
		}
		// A call into another module returns through trailing array
		// arguments named by its outputs attribute.
		if outs, ok := op.Attr("outputs"); ok && outs != "" {
			for _, name := range strings.Split(outs, ",") {
				args = append(args, Ident(name))
			}
		}
		w.Linef("%s(%s);", Ident(op.Callee.Name), strings.Join(args, ", "))
	case ir.OpLoopNest:
		g.stmt(w, op.Body)
	case ir.OpReturn:
		if isEntry(fn) {
			w.Linef("return 0;")
		}
	}
}

func (g *gen) alloc(w *Writer, v *ir.Value) {
	b := g.binds[v.Name]
	if b == nil {
		b = stmt.NewBuffer(v.Name, v.Type, 0)
	}
	g.bufferDecl(w, b)
}

func (g *gen) bufferDecl(w *Writer, b *stmt.Buffer) {
	decl := fmt.Sprintf("%s %s[%d];", g.d.ElemType(b.Elem), Ident(b.Name), b.Size)
	if q := g.d.BufferQualifier(b); q != "" {
		decl = q + " " + decl
	}
	w.Linef("%s", decl)
	g.d.BufferAttrs(w, b)
}

func (g *gen) stmt(w *Writer, s stmt.Stmt) {
	switch s := s.(type) {
	case nil:
		return
	case *stmt.For:
		g.loop(w, s)
	case *stmt.Store:
		w.Linef("%s[%s] = %s;", Ident(s.Buf.Name), g.expr(s.Index), g.expr(s.Value))
	case *stmt.StoreND:
		g.fail(errs.Usagef("store to %s is not flattened; lower the function before emission", s.Tensor))
	case *stmt.Alloc:
		g.bufferDecl(w, s.Buf)
		g.stmt(w, s.Body)
	case *stmt.Attr:
		if !g.d.Pragma(w, s.Key, s.Value) {
			w.Linef("// %s = %s", s.Key, s.Value)
		}
		g.stmt(w, s.Body)
	case *stmt.Seq:
		for _, st := range s.Stmts {
			g.stmt(w, st)
		}
	case *stmt.IfThenElse:
		w.Linef("if (%s) {", g.expr(s.Cond))
		w.In()
		g.stmt(w, s.Then)
		w.Out()
		if s.Else != nil {
			w.Linef("} else {")
			w.In()
			g.stmt(w, s.Else)
			w.Out()
		}
		w.Linef("}")
	case *stmt.Evaluate:
		w.Linef("%s;", g.expr(s.Value))
	case *stmt.Assert:
		w.Linef("assert(%s && %q);", g.expr(s.Cond), s.Msg)
	case *stmt.Nop:
	default:
		g.fail(errs.Usagef("cannot emit statement %s", s))
	}
}

func (g *gen) loop(w *Writer, f *stmt.For) {
	g.d.LoopBefore(w, f)
	v := Ident(f.Var)
	init := g.expr(f.Min)
	bound := g.expr(f.Extent)
	if mn, ok := stmt.ConstInt(f.Min); !ok || mn != 0 {
		bound = g.expr(stmt.Add{A: f.Min, B: f.Extent})
	}
	w.Linef("for (int32_t %s = %s; %s < %s; %s++) {", v, init, v, bound, v)
	w.In()
	g.d.LoopInside(w, f)
	g.stmt(w, f.Body)
	w.Out()
	w.Linef("}")
}

func (g *gen) expr(e stmt.Expr) string {
	switch e := e.(type) {
	case stmt.Var:
		return Ident(e.Name)
	case stmt.IntImm:
		return strconv.FormatInt(e.Value, 10)
	case stmt.FloatImm:
		return floatLit(e.Value)
	case stmt.Cast:
		return fmt.Sprintf("((%s)%s)", g.d.ElemType(e.To), g.expr(e.Value))
	case stmt.Add:
		return g.binop("+", e.A, e.B)
	case stmt.Sub:
		return g.binop("-", e.A, e.B)
	case stmt.Mul:
		return g.binop("*", e.A, e.B)
	case stmt.Div:
		return g.binop("/", e.A, e.B)
	case stmt.Mod:
		return g.binop("%", e.A, e.B)
	case stmt.Min:
		a, b := g.expr(e.A), g.expr(e.B)
		return fmt.Sprintf("(%s < %s ? %s : %s)", a, b, a, b)
	case stmt.Max:
		a, b := g.expr(e.A), g.expr(e.B)
		return fmt.Sprintf("(%s > %s ? %s : %s)", a, b, a, b)
	case stmt.LT:
		return g.binop("<", e.A, e.B)
	case stmt.Load:
		return fmt.Sprintf("%s[%s]", Ident(e.Buf.Name), g.expr(e.Index))
	case stmt.LoadND:
		g.fail(errs.Usagef("load of %s is not flattened; lower the function before emission", e.Tensor))
		return "0"
	default:
		g.fail(errs.Usagef("cannot emit expression %s", e))
		return "0"
	}
}

func (g *gen) binop(op string, a, b stmt.Expr) string {
	return fmt.Sprintf("(%s %s %s)", g.expr(a), op, g.expr(b))
}

func (g *gen) fail(err error) {
	g.errs = multierror.Append(g.errs, err)
}

func floatLit(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// Ident renders a tensor or loop-variable name as a C identifier. Lowering
// introduces dotted names (i.outer, t.reuse); dots become underscores.
func Ident(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

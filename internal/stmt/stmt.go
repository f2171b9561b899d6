// Package stmt holds the loop-level statement tree that lowering works on.
// A stage's body is realized as a loop nest over this tree; passes rewrite
// the tree until it is flat enough for code generation.
package stmt

import (
	"fmt"
	"strings"

	"github.com/weft-lang/weft/internal/types"
)

// Stmt is one node of a statement tree.
type Stmt interface {
	fmt.Stringer
	isStmt()
}

// ForKind says how a loop should be realized.
type ForKind int

const (
	Serial ForKind = iota
	Unrolled
	Pipelined
	Parallel
	Vectorized
)

func (k ForKind) String() string {
	switch k {
	case Serial:
		return "serial"
	case Unrolled:
		return "unrolled"
	case Pipelined:
		return "pipelined"
	case Parallel:
		return "parallel"
	case Vectorized:
		return "vectorized"
	default:
		panic(fmt.Sprintf("unknown for kind %d", int(k)))
	}
}

// For is a counted loop over [Min, Min+Extent).
//
// Stage carries the name of the stage whose realization produced the loop;
// only the outermost loop of a nest has it set. II and UnrollFactor refine
// Pipelined and Unrolled kinds; zero means tool default and full unroll
// respectively.
type For struct {
	Var          string
	Min          Expr
	Extent       Expr
	Kind         ForKind
	II           int
	UnrollFactor int
	Stage        string
	Body         Stmt
}

func (f *For) isStmt() {}

func (f *For) String() string {
	head := fmt.Sprintf("for (%s, %s, %s)", f.Var, f.Min, f.Extent)
	switch f.Kind {
	case Unrolled:
		if f.UnrollFactor > 0 {
			head += fmt.Sprintf(" unroll(%d)", f.UnrollFactor)
		} else {
			head += " unroll"
		}
	case Pipelined:
		if f.II > 0 {
			head += fmt.Sprintf(" pipeline(%d)", f.II)
		} else {
			head += " pipeline"
		}
	case Parallel:
		head += " parallel"
	case Vectorized:
		head += " vectorize"
	}
	return head + " " + blockString(f.Body)
}

// StoreND writes one element of a tensor through multi-dimensional indices.
// Storage flattening rewrites every StoreND into a Store.
type StoreND struct {
	Tensor  string
	Indices []Expr
	Value   Expr
}

func (s *StoreND) isStmt() {}

func (s *StoreND) String() string {
	dst := s.Tensor
	for _, idx := range s.Indices {
		dst += fmt.Sprintf("[%s]", idx)
	}
	return fmt.Sprintf("%s = %s", dst, s.Value)
}

// Store writes one element of a flattened buffer at a linear index.
type Store struct {
	Buf   *Buffer
	Index Expr
	Value Expr
}

func (s *Store) isStmt() {}

func (s *Store) String() string {
	return fmt.Sprintf("%s[%s] = %s", s.Buf.Name, s.Index, s.Value)
}

// Alloc introduces a buffer whose lifetime is Body.
type Alloc struct {
	Buf  *Buffer
	Body Stmt
}

func (a *Alloc) isStmt() {}

func (a *Alloc) String() string {
	return fmt.Sprintf("alloc %s: %s[%d] %s", a.Buf.Name, a.Buf.Elem, a.Buf.Size, blockString(a.Body))
}

// Attr wraps Body with a key/value annotation. Lowering passes and code
// generators interpret the keys they know and ignore the rest.
type Attr struct {
	Key   string
	Value string
	Body  Stmt
}

func (a *Attr) isStmt() {}

func (a *Attr) String() string {
	return fmt.Sprintf("// attr %s = %q\n%s", a.Key, a.Value, a.Body)
}

// Seq runs statements in order.
type Seq struct {
	Stmts []Stmt
}

func (s *Seq) isStmt() {}

func (s *Seq) String() string {
	parts := make([]string, len(s.Stmts))
	for i, st := range s.Stmts {
		parts[i] = st.String()
	}
	return strings.Join(parts, "\n")
}

// IfThenElse branches on Cond. Else may be nil.
type IfThenElse struct {
	Cond Expr
	Then Stmt
	Else Stmt
}

func (i *IfThenElse) isStmt() {}

func (i *IfThenElse) String() string {
	s := fmt.Sprintf("if %s %s", i.Cond, blockString(i.Then))
	if i.Else != nil {
		s += " else " + blockString(i.Else)
	}
	return s
}

// Evaluate computes Value for effect only.
type Evaluate struct {
	Value Expr
}

func (e *Evaluate) isStmt() {}

func (e *Evaluate) String() string {
	return fmt.Sprintf("eval %s", e.Value)
}

// Assert aborts at run time when Cond does not hold.
type Assert struct {
	Cond Expr
	Msg  string
}

func (a *Assert) isStmt() {}

func (a *Assert) String() string {
	return fmt.Sprintf("assert %s, %q", a.Cond, a.Msg)
}

// Nop is the empty statement. Passes that drop a node in place leave a Nop;
// RemoveNoOp sweeps them.
type Nop struct{}

func (n *Nop) isStmt() {}

func (n *Nop) String() string {
	return "nop"
}

// Block joins statements into a Seq, flattening nested Seqs and dropping
// nils so that pass output stays canonical.
func Block(stmts ...Stmt) Stmt {
	var flat []Stmt
	for _, s := range stmts {
		switch s := s.(type) {
		case nil:
			continue
		case *Seq:
			flat = append(flat, s.Stmts...)
		default:
			flat = append(flat, s)
		}
	}
	switch len(flat) {
	case 0:
		return &Nop{}
	case 1:
		return flat[0]
	default:
		return &Seq{Stmts: flat}
	}
}

func blockString(body Stmt) string {
	if body == nil {
		return "{}"
	}
	inner := body.String()
	var b strings.Builder
	b.WriteString("{\n")
	for _, line := range strings.Split(inner, "\n") {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.String()
}

// ConstInt reports the value of e when it is an integer immediate.
func ConstInt(e Expr) (int64, bool) {
	if imm, ok := e.(IntImm); ok {
		return imm.Value, true
	}
	return 0, false
}

// Zero builds the zero immediate for an element type.
func Zero(elem types.Elem) Expr {
	if elem.Kind == types.Float {
		return Cast{To: elem, Value: FloatImm{Value: 0}}
	}
	return Cast{To: elem, Value: IntImm{Value: 0}}
}

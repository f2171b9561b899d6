package stmt

import (
	"fmt"

	"github.com/weft-lang/weft/internal/types"
)

// Expr is one node of an expression tree. Expressions are immutable once
// built; passes that change them produce rewritten copies.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// Var references a loop induction variable by name.
type Var struct {
	Name string
}

func (v Var) isExpr() {}

func (v Var) String() string {
	return v.Name
}

// IntImm is an integer immediate.
type IntImm struct {
	Value int64
}

func (i IntImm) isExpr() {}

func (i IntImm) String() string {
	return fmt.Sprintf("%d", i.Value)
}

// FloatImm is a floating-point immediate.
type FloatImm struct {
	Value float64
}

func (f FloatImm) isExpr() {}

func (f FloatImm) String() string {
	return fmt.Sprintf("%g", f.Value)
}

// Cast converts a value to another element type.
type Cast struct {
	To    types.Elem
	Value Expr
}

func (c Cast) isExpr() {}

func (c Cast) String() string {
	return fmt.Sprintf("%s(%s)", c.To, c.Value)
}

// Binary arithmetic. Each operator is its own node so that passes can match
// on concrete types.

type Add struct{ A, B Expr }

func (e Add) isExpr() {}

func (e Add) String() string { return fmt.Sprintf("(%s + %s)", e.A, e.B) }

type Sub struct{ A, B Expr }

func (e Sub) isExpr() {}

func (e Sub) String() string { return fmt.Sprintf("(%s - %s)", e.A, e.B) }

type Mul struct{ A, B Expr }

func (e Mul) isExpr() {}

func (e Mul) String() string { return fmt.Sprintf("(%s * %s)", e.A, e.B) }

type Div struct{ A, B Expr }

func (e Div) isExpr() {}

func (e Div) String() string { return fmt.Sprintf("(%s / %s)", e.A, e.B) }

type Mod struct{ A, B Expr }

func (e Mod) isExpr() {}

func (e Mod) String() string { return fmt.Sprintf("(%s %% %s)", e.A, e.B) }

type Min struct{ A, B Expr }

func (e Min) isExpr() {}

func (e Min) String() string { return fmt.Sprintf("min(%s, %s)", e.A, e.B) }

type Max struct{ A, B Expr }

func (e Max) isExpr() {}

func (e Max) String() string { return fmt.Sprintf("max(%s, %s)", e.A, e.B) }

// LT compares A < B; used by loop guards.
type LT struct{ A, B Expr }

func (e LT) isExpr() {}

func (e LT) String() string { return fmt.Sprintf("(%s < %s)", e.A, e.B) }

// LoadND reads one element of a tensor through multi-dimensional indices.
// Storage flattening rewrites every LoadND into a Load.
type LoadND struct {
	Tensor  string
	Indices []Expr
}

func (l LoadND) isExpr() {}

func (l LoadND) String() string {
	s := l.Tensor
	for _, idx := range l.Indices {
		s += fmt.Sprintf("[%s]", idx)
	}
	return s
}

// Load reads one element of a flattened buffer at a linear index.
type Load struct {
	Buf   *Buffer
	Index Expr
}

func (l Load) isExpr() {}

func (l Load) String() string {
	return fmt.Sprintf("%s[%s]", l.Buf.Name, l.Index)
}

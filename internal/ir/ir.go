package ir

import (
	"fmt"
	"io"
	"strings"

	"github.com/golang/glog"

	"github.com/weft-lang/weft/internal/stmt"
	"github.com/weft-lang/weft/internal/types"
)

/*
Module-level intermediate representation. This sits between the lowered
statement trees and code generation, and is what the host/device splitter
rearranges.

A Module owns an ordered list of functions. A Func owns parameters, declared
results, and an ordered list of ops. The supported ops are:
 * Alloc(name, tensor) - define a buffer; its result is a Value.
 * Call(callee, operands) - invoke another function of the module.
 * LoopNest(body) - a lowered statement tree, usually one stage's realization.
 * Return(operands) - function exit carrying the declared results.

Values are identities, not text: an operand is a pointer to the Value it
consumes, so relocating or rewriting ops never involves parsing printed
names.
*/

// Value is something an op can consume: a function parameter, a declared
// result, or the buffer defined by an alloc op.
type Value struct {
	Name   string
	Type   types.Tensor
	def    *Op
	parent *Func
}

// Def returns the op defining the value, or nil for parameters and declared
// results.
func (v *Value) Def() *Op {
	return v.def
}

// Parent returns the function the value belongs to.
func (v *Value) Parent() *Func {
	if v.def != nil {
		return v.def.parent
	}
	return v.parent
}

func (v *Value) String() string {
	return v.Name
}

// OpKind discriminates the op variants.
type OpKind int

const (
	OpAlloc OpKind = iota
	OpCall
	OpLoopNest
	OpReturn
)

func (k OpKind) String() string {
	switch k {
	case OpAlloc:
		return "Alloc"
	case OpCall:
		return "Call"
	case OpLoopNest:
		return "LoopNest"
	case OpReturn:
		return "Return"
	default:
		panic(fmt.Sprintf("unknown op kind %d", int(k)))
	}
}

// Op is one operation of a function. Operands and attributes are mutable;
// the splitter rewrites them as it relocates ops.
type Op struct {
	Kind     OpKind
	Callee   *Func     // calls only
	Body     stmt.Stmt // loop nests only
	Stage    string    // loop nests: the stage that produced the nest
	operands []*Value
	result   *Value
	attrs    map[string]string
	parent   *Func
}

// Parent returns the function currently holding the op.
func (o *Op) Parent() *Func {
	return o.parent
}

// Result returns the value the op defines, or nil.
func (o *Op) Result() *Value {
	return o.result
}

// Operands returns the op's operand list. The returned slice is the op's
// own; use SetOperand to modify entries.
func (o *Op) Operands() []*Value {
	return o.operands
}

// SetOperand replaces operand i.
func (o *Op) SetOperand(i int, v *Value) {
	o.operands[i] = v
}

// SetOperands replaces the whole operand list.
func (o *Op) SetOperands(vs []*Value) {
	o.operands = vs
}

// Attr returns a string attribute and whether it was set.
func (o *Op) Attr(key string) (string, bool) {
	val, ok := o.attrs[key]
	return val, ok
}

// SetAttr sets a string attribute.
func (o *Op) SetAttr(key, value string) {
	if o.attrs == nil {
		o.attrs = make(map[string]string)
	}
	o.attrs[key] = value
}

func (o *Op) String() string {
	switch o.Kind {
	case OpAlloc:
		return fmt.Sprintf("Alloc(%s: %s)", o.result.Name, o.result.Type)
	case OpCall:
		args := make([]string, len(o.operands))
		for i, v := range o.operands {
			args[i] = v.Name
		}
		return fmt.Sprintf("Call(%s(%s))", o.Callee.Name, strings.Join(args, ", "))
	case OpLoopNest:
		if o.Stage != "" {
			return fmt.Sprintf("LoopNest(%s)", o.Stage)
		}
		return "LoopNest()"
	case OpReturn:
		args := make([]string, len(o.operands))
		for i, v := range o.operands {
			args[i] = v.Name
		}
		return fmt.Sprintf("Return(%s)", strings.Join(args, ", "))
	default:
		panic(fmt.Sprintf("unknown op kind %d", int(o.Kind)))
	}
}

// Func is one function of a module.
type Func struct {
	Name    string
	Params  []*Value
	Results []*Value
	Ops     []*Op
	attrs   map[string]string
	mod     *Module
}

// Module returns the owning module.
func (f *Func) Module() *Module {
	return f.mod
}

// AddParam appends a parameter and returns its value.
func (f *Func) AddParam(name string, t types.Tensor) *Value {
	v := &Value{Name: name, Type: t, parent: f}
	f.Params = append(f.Params, v)
	return v
}

// AddResult appends a declared result and returns its value.
func (f *Func) AddResult(name string, t types.Tensor) *Value {
	v := &Value{Name: name, Type: t, parent: f}
	f.Results = append(f.Results, v)
	return v
}

// Attr returns a function attribute and whether it was set.
func (f *Func) Attr(key string) (string, bool) {
	val, ok := f.attrs[key]
	return val, ok
}

// SetAttr sets a function attribute.
func (f *Func) SetAttr(key, value string) {
	if f.attrs == nil {
		f.attrs = make(map[string]string)
	}
	f.attrs[key] = value
}

// NewAlloc appends an alloc op defining a buffer value.
func (f *Func) NewAlloc(name string, t types.Tensor) *Op {
	op := &Op{Kind: OpAlloc, parent: f}
	op.result = &Value{Name: name, Type: t, def: op}
	f.Ops = append(f.Ops, op)
	return op
}

// NewCall appends a call op.
func (f *Func) NewCall(callee *Func, operands []*Value) *Op {
	op := &Op{Kind: OpCall, Callee: callee, operands: operands, parent: f}
	f.Ops = append(f.Ops, op)
	return op
}

// NewLoopNest appends a loop-nest op.
func (f *Func) NewLoopNest(stage string, body stmt.Stmt, operands []*Value) *Op {
	op := &Op{Kind: OpLoopNest, Stage: stage, Body: body, operands: operands, parent: f}
	f.Ops = append(f.Ops, op)
	return op
}

// NewReturn appends a return op.
func (f *Func) NewReturn(operands []*Value) *Op {
	op := &Op{Kind: OpReturn, operands: operands, parent: f}
	f.Ops = append(f.Ops, op)
	return op
}

// Return returns the function's return op, or nil before one is added.
func (f *Func) Return() *Op {
	for _, op := range f.Ops {
		if op.Kind == OpReturn {
			return op
		}
	}
	return nil
}

// IndexOf returns the position of op in the function, or -1.
func (f *Func) IndexOf(op *Op) int {
	for i, o := range f.Ops {
		if o == op {
			return i
		}
	}
	return -1
}

// InsertBefore places op immediately before anchor. A nil anchor appends.
// op must not currently belong to a function; use MoveBefore to relocate.
func (f *Func) InsertBefore(op *Op, anchor *Op) {
	if op.parent != nil {
		panic(fmt.Sprintf("op %s already belongs to %s", op, op.parent.Name))
	}
	op.parent = f
	if anchor == nil {
		f.Ops = append(f.Ops, op)
		return
	}
	i := f.IndexOf(anchor)
	if i < 0 {
		panic(fmt.Sprintf("anchor %s not in function %s", anchor, f.Name))
	}
	f.Ops = append(f.Ops, nil)
	copy(f.Ops[i+1:], f.Ops[i:])
	f.Ops[i] = op
}

// Remove detaches op from the function without destroying it.
func (f *Func) Remove(op *Op) {
	i := f.IndexOf(op)
	if i < 0 {
		panic(fmt.Sprintf("op %s not in function %s", op, f.Name))
	}
	f.Ops = append(f.Ops[:i], f.Ops[i+1:]...)
	op.parent = nil
}

// MoveBefore relocates op from its current function to the position
// immediately before anchor in dst. A nil anchor appends to dst.
func MoveBefore(op *Op, dst *Func, anchor *Op) {
	glog.V(5).Infof("ir: move %s from %s to %s", op, op.parent.Name, dst.Name)
	op.parent.Remove(op)
	dst.InsertBefore(op, anchor)
}

// MoveFunc relocates a function to another module.
func MoveFunc(f *Func, dst *Module) {
	src := f.mod
	if src == dst {
		return
	}
	glog.V(5).Infof("ir: move function %s from %s to %s", f.Name, src.Name, dst.Name)
	for i, g := range src.Funcs {
		if g == f {
			src.Funcs = append(src.Funcs[:i], src.Funcs[i+1:]...)
			break
		}
	}
	f.mod = dst
	dst.Funcs = append(dst.Funcs, f)
}

func (f *Func) Print(w io.Writer) {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = fmt.Sprintf("%s: %s", p.Name, p.Type)
	}
	results := make([]string, len(f.Results))
	for i, r := range f.Results {
		results[i] = fmt.Sprintf("%s: %s", r.Name, r.Type)
	}
	fmt.Fprintf(w, "Function %s(%s)", f.Name, strings.Join(params, ", "))
	if len(results) > 0 {
		fmt.Fprintf(w, " -> (%s)", strings.Join(results, ", "))
	}
	fmt.Fprintf(w, ":\n")
	for i, op := range f.Ops {
		fmt.Fprintf(w, "%4d  %s\n", i, op)
		if op.Kind == OpLoopNest && op.Body != nil {
			for _, line := range strings.Split(op.Body.String(), "\n") {
				fmt.Fprintf(w, "      %s\n", line)
			}
		}
	}
}

// Module is an ordered collection of functions.
type Module struct {
	Name  string
	Funcs []*Func
}

func NewModule(name string) *Module {
	return &Module{Name: name}
}

// NewFunc creates an empty function in the module.
func (m *Module) NewFunc(name string) *Func {
	f := &Func{Name: name, mod: m}
	m.Funcs = append(m.Funcs, f)
	return f
}

// Func returns the named function, or nil.
func (m *Module) Func(name string) *Func {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (m *Module) Print(w io.Writer) {
	fmt.Fprintf(w, "Module %s:\n", m.Name)
	for _, f := range m.Funcs {
		f.Print(w)
		fmt.Fprintf(w, "\n")
	}
}

func (m *Module) String() string {
	var b strings.Builder
	m.Print(&b)
	return b.String()
}

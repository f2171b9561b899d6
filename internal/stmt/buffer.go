package stmt

import (
	"fmt"

	"github.com/weft-lang/weft/internal/types"
)

// Partition asks the code generator to split the buffer's storage along one
// dimension. Kind is "complete", "block" or "cyclic".
type Partition struct {
	Kind   string
	Dim    int
	Factor int
}

// Buffer is the flat storage binding of a tensor. Storage flattening creates
// one per tensor and rewrites multi-dimensional accesses into linear ones
// against it.
//
// Size is in elements. Scope is the storage scope annotation understood by
// the code generators ("global", "local", "bram", "uram"). Alignment is in
// bytes. ArgIndex is the position of the buffer in its function's argument
// list, or -1 when the buffer is function-local.
//
// StreamDepth, DoubleBuffered and Partitions are storage annotations filled
// in by lowering and rendered by the code generators.
type Buffer struct {
	Name      string
	Elem      types.Elem
	Shape     []int
	Strides   []int
	Size      int
	Scope     string
	Alignment int
	ArgIndex  int

	StreamDepth    int
	DoubleBuffered bool
	Partitions     []Partition
}

// NewBuffer binds a flat buffer over a tensor using row-major strides.
func NewBuffer(name string, t types.Tensor, alignment int) *Buffer {
	return &Buffer{
		Name:      name,
		Elem:      t.Elem,
		Shape:     append([]int(nil), t.Shape...),
		Strides:   t.Strides(),
		Size:      t.Elems(),
		Scope:     "global",
		Alignment: alignment,
		ArgIndex:  -1,
	}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s: %s[%d]", b.Name, b.Elem, b.Size)
}

// Tensor reconstructs the tensor view of the buffer.
func (b *Buffer) Tensor() types.Tensor {
	return types.MakeTensor(b.Elem, b.Shape...)
}

// FlattenIndex folds multi-dimensional indices into one linear index using
// the buffer's strides.
func (b *Buffer) FlattenIndex(indices []Expr) Expr {
	if len(indices) != len(b.Strides) {
		panic(fmt.Sprintf("buffer %s: %d indices against rank %d", b.Name, len(indices), len(b.Strides)))
	}
	var idx Expr
	for i, ind := range indices {
		term := ind
		if b.Strides[i] != 1 {
			term = Mul{A: ind, B: IntImm{Value: int64(b.Strides[i])}}
		}
		if idx == nil {
			idx = term
		} else {
			idx = Add{A: idx, B: term}
		}
	}
	if idx == nil {
		idx = IntImm{Value: 0}
	}
	return idx
}

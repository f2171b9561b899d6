package types

import (
	"fmt"
	"strings"
)

// Tensor describes the materialized storage of one dataflow value: an element
// type plus a static shape. Shapes are always fully concrete by the time the
// back-end sees them; symbolic extents never survive the front end.
type Tensor struct {
	Elem  Elem
	Shape []int
}

func MakeTensor(elem Elem, shape ...int) Tensor {
	return Tensor{Elem: elem, Shape: shape}
}

// String renders the tensor in the 64x64xf32 form used throughout IR dumps.
func (t Tensor) String() string {
	var sb strings.Builder
	for _, dim := range t.Shape {
		fmt.Fprintf(&sb, "%dx", dim)
	}
	sb.WriteString(t.Elem.String())
	return sb.String()
}

// Rank returns the number of dimensions.
func (t Tensor) Rank() int {
	return len(t.Shape)
}

// Elems returns the total element count.
func (t Tensor) Elems() int {
	n := 1
	for _, dim := range t.Shape {
		n *= dim
	}
	return n
}

// Bytes returns the unpadded storage size in bytes.
func (t Tensor) Bytes() int {
	return t.Elems() * t.Elem.Size()
}

// Strides returns row-major strides in elements: the last dimension is
// contiguous.
func (t Tensor) Strides() []int {
	strides := make([]int, len(t.Shape))
	acc := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= t.Shape[i]
	}
	return strides
}

// Equal reports whether two tensor types have identical element type and
// shape.
func (t Tensor) Equal(other Tensor) bool {
	if t.Elem != other.Elem || len(t.Shape) != len(other.Shape) {
		return false
	}
	for i, dim := range t.Shape {
		if other.Shape[i] != dim {
			return false
		}
	}
	return true
}

// CDecl renders a C parameter declaration for the tensor: element type, name,
// then one array bracket per dimension. Used by the kernel header generator.
func (t Tensor) CDecl(name string) string {
	var sb strings.Builder
	sb.WriteString(t.Elem.CType())
	sb.WriteString(" ")
	sb.WriteString(name)
	for _, dim := range t.Shape {
		fmt.Fprintf(&sb, "[%d]", dim)
	}
	return sb.String()
}

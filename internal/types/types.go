package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the element type families the compiler understands.
type Kind int

const (
	Int Kind = iota
	UInt
	Float
	Fixed
	UFixed
)

// Elem is one scalar element type: a kind plus a total bit width and, for
// fixed-point kinds, the number of fractional bits.
type Elem struct {
	Kind Kind
	Bits int
	Frac int
}

// Common element types.
var (
	Int8    = Elem{Kind: Int, Bits: 8}
	Int16   = Elem{Kind: Int, Bits: 16}
	Int32   = Elem{Kind: Int, Bits: 32}
	Int64   = Elem{Kind: Int, Bits: 64}
	UInt8   = Elem{Kind: UInt, Bits: 8}
	UInt16  = Elem{Kind: UInt, Bits: 16}
	UInt32  = Elem{Kind: UInt, Bits: 32}
	UInt64  = Elem{Kind: UInt, Bits: 64}
	Float32 = Elem{Kind: Float, Bits: 32}
	Float64 = Elem{Kind: Float, Bits: 64}
)

func (e Elem) String() string {
	switch e.Kind {
	case Int:
		return fmt.Sprintf("i%d", e.Bits)
	case UInt:
		return fmt.Sprintf("u%d", e.Bits)
	case Float:
		return fmt.Sprintf("f%d", e.Bits)
	case Fixed:
		return fmt.Sprintf("fixed%d_%d", e.Bits, e.Frac)
	case UFixed:
		return fmt.Sprintf("ufixed%d_%d", e.Bits, e.Frac)
	}
	panic(fmt.Sprintf("unknown type kind %d", e.Kind))
}

// Size returns the element size in bytes, rounded up to a whole byte for
// bit-accurate widths.
func (e Elem) Size() int {
	return (e.Bits + 7) / 8
}

// Hint returns the one-character signedness tag attached to function
// signatures for downstream emitters: 's' for signed integer kinds, 'u' for
// unsigned kinds, '_' for floating point.
func (e Elem) Hint() byte {
	switch e.Kind {
	case Int, Fixed:
		return 's'
	case UInt, UFixed:
		return 'u'
	default:
		return '_'
	}
}

// Parse converts a type name as it appears in a graph manifest ("i32", "u8",
// "f64", "fixed16_8", "ufixed20_12") into an Elem.
func Parse(name string) (Elem, error) {
	parseBits := func(s string) (int, error) {
		bits, err := strconv.Atoi(s)
		if err != nil || bits <= 0 || bits > 2048 {
			return 0, fmt.Errorf("invalid bit width in type %q", name)
		}
		return bits, nil
	}
	parseFixed := func(kind Kind, s string) (Elem, error) {
		parts := strings.SplitN(s, "_", 2)
		if len(parts) != 2 {
			return Elem{}, fmt.Errorf("fixed-point type %q must be <bits>_<frac>", name)
		}
		bits, err := parseBits(parts[0])
		if err != nil {
			return Elem{}, err
		}
		frac, err := strconv.Atoi(parts[1])
		if err != nil || frac < 0 || frac > bits {
			return Elem{}, fmt.Errorf("invalid fractional width in type %q", name)
		}
		return Elem{Kind: kind, Bits: bits, Frac: frac}, nil
	}

	switch {
	case strings.HasPrefix(name, "ufixed"):
		return parseFixed(UFixed, name[len("ufixed"):])
	case strings.HasPrefix(name, "fixed"):
		return parseFixed(Fixed, name[len("fixed"):])
	case name == "f32":
		return Float32, nil
	case name == "f64":
		return Float64, nil
	case strings.HasPrefix(name, "i"):
		bits, err := parseBits(name[1:])
		if err != nil {
			return Elem{}, err
		}
		return Elem{Kind: Int, Bits: bits}, nil
	case strings.HasPrefix(name, "u"):
		bits, err := parseBits(name[1:])
		if err != nil {
			return Elem{}, err
		}
		return Elem{Kind: UInt, Bits: bits}, nil
	}
	return Elem{}, fmt.Errorf("unknown element type %q", name)
}

// CType renders the element type in C source. Bit-accurate integer and
// fixed-point widths use the HLS arbitrary-precision classes; everything else
// maps onto stdint/float types.
func (e Elem) CType() string {
	switch e.Kind {
	case Int:
		switch e.Bits {
		case 8, 16, 32, 64:
			return fmt.Sprintf("int%d_t", e.Bits)
		}
		return fmt.Sprintf("ap_int<%d>", e.Bits)
	case UInt:
		switch e.Bits {
		case 8, 16, 32, 64:
			return fmt.Sprintf("uint%d_t", e.Bits)
		}
		return fmt.Sprintf("ap_uint<%d>", e.Bits)
	case Float:
		if e.Bits == 64 {
			return "double"
		}
		return "float"
	case Fixed:
		return fmt.Sprintf("ap_fixed<%d, %d>", e.Bits, e.Bits-e.Frac)
	case UFixed:
		return fmt.Sprintf("ap_ufixed<%d, %d>", e.Bits, e.Bits-e.Frac)
	}
	panic(fmt.Sprintf("unknown type kind %d", e.Kind))
}

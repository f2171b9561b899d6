// Package ihls emits Intel HLS C++. Loop directives render as pragmas above
// the loop, storage directives as component attributes on the declaration;
// bit-accurate types use the ac datatypes.
package ihls

import (
	"fmt"
	"strings"

	"github.com/weft-lang/weft/internal/codegen/common"
	"github.com/weft-lang/weft/internal/stmt"
	"github.com/weft-lang/weft/internal/types"
)

// New returns the Intel HLS code generator.
func New() common.Emitter {
	return &common.CGen{Backend: "ihls", Dialect: dialect{}}
}

type dialect struct{}

func (dialect) Prologue(w *common.Writer) {
	w.Linef("#include <HLS/hls.h>")
	w.Linef("#include <HLS/ac_int.h>")
	w.Linef("#include <HLS/ac_fixed.h>")
	w.Linef("#include <HLS/math.h>")
	w.Linef("#include <stdint.h>")
	w.Linef("#include <assert.h>")
	w.Blank()
}

func (dialect) ElemType(e types.Elem) string {
	switch e.Kind {
	case types.Int:
		switch e.Bits {
		case 8, 16, 32, 64:
			return fmt.Sprintf("int%d_t", e.Bits)
		}
		return fmt.Sprintf("ac_int<%d, true>", e.Bits)
	case types.UInt:
		switch e.Bits {
		case 8, 16, 32, 64:
			return fmt.Sprintf("uint%d_t", e.Bits)
		}
		return fmt.Sprintf("ac_int<%d, false>", e.Bits)
	case types.Float:
		if e.Bits == 64 {
			return "double"
		}
		return "float"
	case types.Fixed:
		return fmt.Sprintf("ac_fixed<%d, %d, true>", e.Bits, e.Bits-e.Frac)
	case types.UFixed:
		return fmt.Sprintf("ac_fixed<%d, %d, false>", e.Bits, e.Bits-e.Frac)
	}
	panic(fmt.Sprintf("unknown type kind %d", e.Kind))
}

func (dialect) LoopBefore(w *common.Writer, f *stmt.For) {
	switch f.Kind {
	case stmt.Pipelined:
		// Loops pipeline by default; only a requested II constrains them.
		if f.II > 0 {
			w.Linef("#pragma ii %d", f.II)
		}
	case stmt.Unrolled:
		if f.UnrollFactor > 0 {
			w.Linef("#pragma unroll %d", f.UnrollFactor)
		} else {
			w.Linef("#pragma unroll")
		}
	}
}

func (dialect) LoopInside(w *common.Writer, f *stmt.For) {}

func (dialect) BufferQualifier(b *stmt.Buffer) string {
	for _, p := range b.Partitions {
		if p.Kind == "complete" {
			return "hls_register"
		}
	}
	for _, p := range b.Partitions {
		if p.Factor > 1 {
			return fmt.Sprintf("hls_memory hls_numbanks(%d)", p.Factor)
		}
	}
	return ""
}

func (dialect) BufferAttrs(w *common.Writer, b *stmt.Buffer) {
	if b.Scope == "stream" && b.StreamDepth > 0 {
		w.Linef("// stream depth %d on %s requires a component interface", b.StreamDepth, common.Ident(b.Name))
	}
}

func (dialect) Pragma(w *common.Writer, key, value string) bool {
	name, ok := strings.CutPrefix(key, "pragma_")
	if !ok {
		return false
	}
	if value != "" {
		w.Linef("#pragma %s %s", name, value)
	} else {
		w.Linef("#pragma %s", name)
	}
	return true
}

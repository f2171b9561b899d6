// Package vhls emits Vivado/Vitis HLS C++. Loop directives render as HLS
// pragmas inside the loop body, storage directives as pragmas after the
// declaration they annotate.
package vhls

import (
	"fmt"
	"strings"

	"github.com/weft-lang/weft/internal/codegen/common"
	"github.com/weft-lang/weft/internal/stmt"
	"github.com/weft-lang/weft/internal/types"
)

// New returns the Vivado/Vitis HLS code generator.
func New() common.Emitter {
	return &common.CGen{Backend: "vhls", Dialect: dialect{}}
}

type dialect struct{}

func (dialect) Prologue(w *common.Writer) {
	w.Linef("#include <ap_int.h>")
	w.Linef("#include <ap_fixed.h>")
	w.Linef("#include <hls_stream.h>")
	w.Linef("#include <math.h>")
	w.Linef("#include <stdint.h>")
	w.Linef("#include <assert.h>")
	w.Blank()
}

func (dialect) ElemType(e types.Elem) string {
	return e.CType()
}

func (dialect) LoopBefore(w *common.Writer, f *stmt.For) {}

func (dialect) LoopInside(w *common.Writer, f *stmt.For) {
	switch f.Kind {
	case stmt.Pipelined:
		if f.II > 0 {
			w.Linef("#pragma HLS pipeline II=%d", f.II)
		} else {
			w.Linef("#pragma HLS pipeline")
		}
	case stmt.Unrolled:
		if f.UnrollFactor > 0 {
			w.Linef("#pragma HLS unroll factor=%d", f.UnrollFactor)
		} else {
			w.Linef("#pragma HLS unroll")
		}
	}
}

func (dialect) BufferQualifier(b *stmt.Buffer) string {
	return ""
}

func (dialect) BufferAttrs(w *common.Writer, b *stmt.Buffer) {
	for _, p := range b.Partitions {
		line := fmt.Sprintf("#pragma HLS array_partition variable=%s %s", common.Ident(b.Name), p.Kind)
		if p.Kind != "complete" && p.Factor > 0 {
			line += fmt.Sprintf(" factor=%d", p.Factor)
		}
		line += fmt.Sprintf(" dim=%d", p.Dim+1)
		w.Linef("%s", line)
	}
	if b.Scope == "stream" && b.StreamDepth > 0 {
		w.Linef("#pragma HLS stream variable=%s depth=%d", common.Ident(b.Name), b.StreamDepth)
	}
}

func (dialect) Pragma(w *common.Writer, key, value string) bool {
	name, ok := strings.CutPrefix(key, "pragma_")
	if !ok {
		return false
	}
	if value != "" {
		w.Linef("#pragma HLS %s %s", name, value)
	} else {
		w.Linef("#pragma HLS %s", name)
	}
	return true
}

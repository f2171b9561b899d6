package codegen

import (
	"strings"

	"github.com/weft-lang/weft/internal/ir"
)

// KernelHeader renders the C header declaring the device top function for
// host code to include. Arguments are the boundary tensors, inputs then
// outputs, each declared with its full dimensionality; the body is a pure
// function of the signature, so the header is stable across rebuilds.
func KernelHeader(top *ir.Func) string {
	var sb strings.Builder
	sb.WriteString(`#ifndef KERNEL_H
#define KERNEL_H

#include <ap_int.h>
#include <ap_fixed.h>
#include <hls_stream.h>

void `)
	sb.WriteString(top.Name)
	sb.WriteString("(")
	args := make([]string, 0, len(top.Params)+len(top.Results))
	for _, v := range top.Params {
		args = append(args, v.Type.CDecl(v.Name))
	}
	for _, v := range top.Results {
		args = append(args, v.Type.CDecl(v.Name))
	}
	sb.WriteString(strings.Join(args, ", "))
	sb.WriteString(");\n\n#endif // KERNEL_H")
	return sb.String()
}

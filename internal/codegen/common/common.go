// Package common holds the pieces shared by every code generator: the
// program container handed to a backend, the emitter contract, and the
// C-family generator the HLS backends are dialects of.
package common

import (
	"github.com/weft-lang/weft/internal/ir"
	"github.com/weft-lang/weft/internal/stmt"
)

// Program is one lowered module plus the buffer bindings lowering produced
// for each of its functions, keyed by function name then tensor name.
type Program struct {
	Module *ir.Module
	Binds  map[string]map[string]*stmt.Buffer
}

// FuncBinds returns the bindings of one function. Functions the lowering
// pipeline never touched have none; callers fall back to the IR types.
func (p *Program) FuncBinds(name string) map[string]*stmt.Buffer {
	if p.Binds == nil {
		return nil
	}
	return p.Binds[name]
}

// Emitter turns a lowered program into one source listing.
type Emitter interface {
	Emit(p *Program) (string, error)
}

// Package codegen dispatches lowered programs to named backend emitters.
package codegen

import (
	"sort"

	"github.com/weft-lang/weft/internal/codegen/common"
	"github.com/weft-lang/weft/internal/codegen/ihls"
	"github.com/weft-lang/weft/internal/codegen/vhls"
	"github.com/weft-lang/weft/internal/errs"
)

var backends = map[string]common.Emitter{
	"vhls": vhls.New(),
	"ihls": ihls.New(),
}

// Register adds or replaces a backend under a name.
func Register(name string, e common.Emitter) {
	backends[name] = e
}

// Emit renders a lowered program through the named backend.
func Emit(backend string, p *common.Program) (string, error) {
	e := backends[backend]
	if e == nil {
		return "", errs.Configf("no code generator registered for backend %q", backend)
	}
	return e.Emit(p)
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

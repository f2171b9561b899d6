// Package build drives a whole compilation: realize the schedule, derive
// and partition the dataflow graph, split host from device, lower both
// modules through the statement pipeline, and emit source through the
// registered backends. Everything below this package works on one module or
// one function; this is the only place the pieces meet.
package build

import (
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/weft-lang/weft/internal/codegen"
	"github.com/weft-lang/weft/internal/codegen/common"
	"github.com/weft-lang/weft/internal/graph"
	"github.com/weft-lang/weft/internal/ir"
	"github.com/weft-lang/weft/internal/lower"
	"github.com/weft-lang/weft/internal/platform"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/split"
	"github.com/weft-lang/weft/internal/stmt"
)

// hostBackend is the code generator the host driver renders through. Host
// code is plain C++; the Vivado writer emits it unchanged because nothing on
// the host side carries loop annotations.
const hostBackend = "vhls"

// Options selects what a build produces. A Target takes precedence over a
// bare Backend; with neither set the schedule is lowered for the host alone.
type Options struct {
	// Target is a full platform descriptor. When set, the build scaffolds
	// the project directory and writes the generated sources into it.
	Target *platform.Platform

	// Backend names a code generator directly. The whole computation is
	// lowered into one kernel function and emitted for that backend, with
	// no host side and no project scaffolding.
	Backend string

	// Config overrides the lowering configuration. Nil means defaults.
	Config *lower.Config

	// BoundaryInputs and BoundaryOutputs declare the acceleration boundary
	// of a platform build. Left empty, the boundary defaults to the whole
	// computation: every declared tensor in, every sink stage out.
	BoundaryInputs  []string
	BoundaryOutputs []string
}

// Result is one finished build. Host-only and kernel-only builds fill
// Source; platform builds fill Host, Xcel and Header and name the
// scaffolded Project directory.
type Result struct {
	Source  string
	Host    string
	Xcel    string
	Header  string
	Project string
}

// Listing returns the build's generated code as one printable listing: the
// single source when there is one, otherwise the host and device sources
// under their banners.
func (r *Result) Listing() string {
	if r.Source != "" {
		return r.Source
	}
	return "------ Host Code ------\n\n" + r.Host +
		"------ Xcel Code ------\n\n" + r.Xcel
}

// Context carries the build-in-place flag through one invocation. The flag
// goes up before the first step that mutates the schedule and is dropped on
// every exit path, so a failed build never leaves it raised.
type Context struct {
	inPlace bool
}

func (c *Context) enable()  { c.inPlace = true }
func (c *Context) release() { c.inPlace = false }

// InPlace reports whether a build is mutating the schedule right now.
func (c *Context) InPlace() bool {
	return c.inPlace
}

// Build compiles a schedule under a fresh context. See BuildWith.
func Build(sch *schedule.Schedule, opts Options) (*Result, error) {
	return BuildWith(&Context{}, sch, opts)
}

// BuildWith compiles a schedule. The schedule is claimed for the duration of
// the call and stays lowered afterwards; building it a second time is a
// usage error.
func BuildWith(ctx *Context, sch *schedule.Schedule, opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = lower.DefaultConfig()
	}
	ctx.enable()
	defer ctx.release()

	if cfg.SimpleMode {
		return buildSimple(sch, cfg)
	}
	switch {
	case opts.Target != nil:
		return buildPlatform(sch, opts, cfg)
	case opts.Backend != "":
		return buildKernel(sch, opts.Backend, cfg)
	default:
		return buildHost(sch, cfg)
	}
}

// buildSimple returns the lowered statement tree itself, skipping the
// function wrap and code generation. Targets and backends are ignored;
// simple mode exists to inspect the pass pipeline's output.
func buildSimple(sch *schedule.Schedule, cfg *lower.Config) (*Result, error) {
	tree, err := lower.Statements(sch, cfg)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("build: simple mode, statement tree only")
	return &Result{Source: tree.String() + "\n"}, nil
}

// classify sorts the graph's nodes into the argument classes of a single
// lowered function: declared tensors become parameters, sink stages become
// results, interior stages become local allocations. Views resolve through
// their base and get no storage of their own.
func classify(g *graph.Graph) (inputs, outputs, intermediates []lower.Arg) {
	for i := range g.Nodes {
		n := &g.Nodes[i]
		arg := lower.Arg{Name: n.Name, Tensor: n.Tensor}
		switch {
		case n.Base != graph.NoNode:
		case n.IsPlaceholder():
			inputs = append(inputs, arg)
		case len(n.Children) == 0:
			outputs = append(outputs, arg)
		default:
			intermediates = append(intermediates, arg)
		}
	}
	return inputs, outputs, intermediates
}

func argNames(args []lower.Arg) []string {
	names := make([]string, len(args))
	for i, a := range args {
		names[i] = a.Name
	}
	return names
}

// lowerSingle realizes the schedule and lowers everything into one function
// named top inside a fresh module.
func lowerSingle(sch *schedule.Schedule, modName string, cfg *lower.Config) (*common.Program, error) {
	real, err := lower.Realize(sch, cfg)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(sch)
	if err != nil {
		return nil, err
	}
	inputs, outputs, intermediates := classify(g)

	mod := ir.NewModule(modName)
	fn, err := lower.MakeFunc(mod, "top", inputs, outputs, intermediates, real, cfg)
	if err != nil {
		return nil, err
	}
	binds, err := lower.LowerFunc(fn, &real.Directives, cfg)
	if err != nil {
		return nil, err
	}
	return &common.Program{
		Module: mod,
		Binds:  map[string]map[string]*stmt.Buffer{fn.Name: binds},
	}, nil
}

// buildHost lowers the whole schedule into one host function and emits it
// as plain C++. Every declared tensor becomes a parameter of that function.
func buildHost(sch *schedule.Schedule, cfg *lower.Config) (*Result, error) {
	prog, err := lowerSingle(sch, "host", cfg)
	if err != nil {
		return nil, err
	}
	src, err := codegen.Emit(hostBackend, prog)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("build: host-only, %d bytes of source", len(src))
	return &Result{Source: src}, nil
}

// buildKernel lowers the whole schedule into one kernel function and emits
// it for the named backend. Kernel functions carry no argument checks.
func buildKernel(sch *schedule.Schedule, backend string, cfg *lower.Config) (*Result, error) {
	kcfg := *cfg
	kcfg.KernelOnly = true
	prog, err := lowerSingle(sch, "xcel", &kcfg)
	if err != nil {
		return nil, err
	}
	src, err := codegen.Emit(backend, prog)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("build: kernel-only for %s, %d bytes of source", backend, len(src))
	return &Result{Source: src}, nil
}

// buildPlatform validates the target and dispatches on its execution mode:
// debug emits the device source for inspection, everything else runs the
// full host/device split.
func buildPlatform(sch *schedule.Schedule, opts Options, cfg *lower.Config) (*Result, error) {
	plat := opts.Target
	if err := plat.Validate(); err != nil {
		return nil, err
	}
	backend, err := plat.Backend()
	if err != nil {
		return nil, err
	}
	if plat.Tool.Mode == "debug" {
		return buildDebug(sch, plat, backend, cfg)
	}
	return buildSplit(sch, plat, backend, opts, cfg)
}

// buildDebug emits the device source alone: no split runs, the whole
// computation lowers into the device module, and the host source stays
// empty. The kernel header still comes along so the project is inspectable.
func buildDebug(sch *schedule.Schedule, plat *platform.Platform, backend string, cfg *lower.Config) (*Result, error) {
	if err := plat.Scaffold(); err != nil {
		return nil, err
	}
	prog, err := lowerSingle(sch, "xcel", cfg)
	if err != nil {
		return nil, err
	}
	src, err := codegen.Emit(backend, prog)
	if err != nil {
		return nil, err
	}
	header := codegen.KernelHeader(prog.Module.Func("top"))
	if err := writeSources(plat.Project, "", src, header); err != nil {
		return nil, err
	}
	glog.V(1).Infof("build: debug sources for %s written to %s", plat.Name, plat.Project)
	return &Result{Xcel: src, Header: header, Project: plat.Project}, nil
}

// buildSplit runs the full flow: realize, derive and partition the graph,
// split host from device, lower both modules, emit both sources plus the
// kernel header, and drop everything into the scaffolded project.
func buildSplit(sch *schedule.Schedule, plat *platform.Platform, backend string, opts Options, cfg *lower.Config) (*Result, error) {
	if err := plat.Scaffold(); err != nil {
		return nil, err
	}
	real, err := lower.Realize(sch, cfg)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(sch)
	if err != nil {
		return nil, err
	}

	inputs, outputs := opts.BoundaryInputs, opts.BoundaryOutputs
	if len(inputs) == 0 && len(outputs) == 0 {
		ins, outs, _ := classify(g)
		inputs, outputs = argNames(ins), argNames(outs)
	}
	if err := g.SetBoundary(inputs, outputs); err != nil {
		return nil, err
	}
	plan, err := graph.Partition(g)
	if err != nil {
		return nil, err
	}
	prog, err := split.New(g, plan, real)
	if err != nil {
		return nil, err
	}
	if err := prog.Run(); err != nil {
		return nil, err
	}

	host, err := lowerModule(prog.Host, real, cfg)
	if err != nil {
		return nil, err
	}
	xcel, err := lowerModule(prog.Xcel, real, cfg)
	if err != nil {
		return nil, err
	}
	hostSrc, err := codegen.Emit(hostBackend, host)
	if err != nil {
		return nil, err
	}
	xcelSrc, err := codegen.Emit(backend, xcel)
	if err != nil {
		return nil, err
	}
	header := codegen.KernelHeader(prog.Top)

	if err := writeSources(plat.Project, hostSrc, xcelSrc, header); err != nil {
		return nil, err
	}
	glog.V(1).Infof("build: split sources for %s written to %s", plat.Name, plat.Project)
	return &Result{Host: hostSrc, Xcel: xcelSrc, Header: header, Project: plat.Project}, nil
}

// lowerModule runs the statement pipeline over every function of a module
// and collects the per-function buffer bindings for emission.
func lowerModule(mod *ir.Module, real *lower.Realization, cfg *lower.Config) (*common.Program, error) {
	binds := make(map[string]map[string]*stmt.Buffer, len(mod.Funcs))
	for _, fn := range mod.Funcs {
		b, err := lower.LowerFunc(fn, &real.Directives, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "lowering %s.%s", mod.Name, fn.Name)
		}
		binds[fn.Name] = b
	}
	return &common.Program{Module: mod, Binds: binds}, nil
}

// writeSources drops the generated files into the project directory under
// the names the tool templates expect.
func writeSources(dir, host, xcel, header string) error {
	for _, f := range []struct {
		name, text string
	}{
		{"kernel.cpp", xcel},
		{"host.cpp", host},
		{"kernel.h", header},
	} {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.text), 0o644); err != nil {
			return errors.Wrapf(err, "writing %s", f.name)
		}
	}
	return nil
}

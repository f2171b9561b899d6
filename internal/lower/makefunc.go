package lower

import (
	"sort"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/ir"
	"github.com/weft-lang/weft/internal/schedule"
	"github.com/weft-lang/weft/internal/stmt"
	"github.com/weft-lang/weft/internal/types"
)

// Arg names one external tensor of a lowered function.
type Arg struct {
	Name   string
	Tensor types.Tensor
}

// MakeFunc assembles a single function from a realization. Inputs become
// parameters, outputs become declared results, intermediates become allocs,
// and every root stage's nest becomes a loop-nest op whose operands are the
// tensors it touches. The function ends with a return carrying the declared
// results.
func MakeFunc(mod *ir.Module, name string, inputs, outputs, intermediates []Arg, real *Realization, cfg *Config) (*ir.Func, error) {
	fn := mod.NewFunc(name)
	values := make(map[string]*ir.Value)

	for _, a := range inputs {
		values[a.Name] = fn.AddParam(a.Name, a.Tensor)
	}
	var rets []*ir.Value
	for _, a := range outputs {
		v := fn.AddResult(a.Name, a.Tensor)
		values[a.Name] = v
		rets = append(rets, v)
	}
	for _, a := range intermediates {
		values[a.Name] = fn.NewAlloc(a.Name, a.Tensor).Result()
	}

	var result *multierror.Error
	for _, stage := range real.Order {
		nest := real.Nests[stage]
		var operands []*ir.Value
		for _, tensor := range stmt.ReferencedTensors(nest) {
			v := values[tensor]
			if v == nil {
				result = multierror.Append(result, errs.Graphf(
					"stage %s references %s, which is not an argument or intermediate of %s",
					stage, tensor, name))
				continue
			}
			operands = append(operands, v)
		}
		fn.NewLoopNest(stage, nest, operands)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	fn.NewReturn(rets)

	if !cfg.KernelOnly {
		fn.SetAttr("arg_check", "true")
	}
	if cfg.RestrictedFunc {
		fn.SetAttr("restricted", "true")
	}
	if cfg.OffsetFactor > 0 {
		fn.SetAttr("offset_factor", strconv.Itoa(cfg.OffsetFactor))
	}
	return fn, nil
}

// Statements lowers a schedule to its final statement tree, skipping the
// function wrap: phase 0 realization followed by the whole statement
// pipeline, with every declared tensor and stage output bound as if it were
// an argument. The lowered nests come back as one block in stage order.
// This is the SimpleMode surface, for inspecting what the passes produce.
func Statements(sch *schedule.Schedule, cfg *Config) (stmt.Stmt, error) {
	real, err := Realize(sch, cfg)
	if err != nil {
		return nil, err
	}

	fn := ir.NewModule("lower").NewFunc("body")
	names := make([]string, 0, len(sch.Tensors))
	for name := range sch.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn.AddParam(name, sch.Tensors[name])
	}
	for _, st := range sch.Stages {
		fn.AddParam(st.Name, st.Out)
	}
	for _, stage := range real.Order {
		fn.NewLoopNest(stage, real.Nests[stage], nil)
	}
	if _, err := LowerFunc(fn, &real.Directives, cfg); err != nil {
		return nil, err
	}

	nests := make([]stmt.Stmt, 0, len(real.Order))
	for _, op := range fn.Ops {
		if op.Kind == ir.OpLoopNest {
			nests = append(nests, op.Body)
		}
	}
	return stmt.Block(nests...), nil
}

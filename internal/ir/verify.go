package ir

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/weft-lang/weft/internal/errs"
)

// VerifyModule checks referential integrity: every operand of every op must
// be visible inside the op's own function (a parameter, a declared result,
// or the result of an earlier op), and every call must target a function of
// the same module. Violations are aggregated and returned as one error.
func VerifyModule(m *Module) error {
	var result *multierror.Error
	for _, f := range m.Funcs {
		visible := make(map[*Value]bool)
		for _, p := range f.Params {
			visible[p] = true
		}
		for _, r := range f.Results {
			visible[r] = true
		}
		for i, op := range f.Ops {
			if op.parent != f {
				result = multierror.Append(result, errs.Graphf(
					"%s: op %d (%s) has wrong parent", f.Name, i, op))
			}
			for j, v := range op.operands {
				if v == nil {
					result = multierror.Append(result, errs.Graphf(
						"%s: op %d (%s) operand %d is nil", f.Name, i, op, j))
					continue
				}
				if !visible[v] {
					result = multierror.Append(result, errs.Graphf(
						"%s: op %d (%s) operand %d (%s) is defined outside the function",
						f.Name, i, op, j, describeValue(v)))
				}
			}
			if op.Kind == OpCall {
				if op.Callee == nil {
					result = multierror.Append(result, errs.Graphf(
						"%s: op %d calls a nil function", f.Name, i))
				} else if m.Func(op.Callee.Name) != op.Callee {
					result = multierror.Append(result, errs.Graphf(
						"%s: op %d calls %s which is not in module %s",
						f.Name, i, op.Callee.Name, m.Name))
				}
			}
			if op.result != nil {
				visible[op.result] = true
			}
		}
	}
	return result.ErrorOrNil()
}

func describeValue(v *Value) string {
	where := "detached"
	if p := v.Parent(); p != nil {
		where = p.Name
	}
	return fmt.Sprintf("%s from %s", v.Name, where)
}

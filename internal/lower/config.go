// Package lower turns a scheduled computation into backend-ready form: it
// realizes stages into loop nests (phase 0) and then runs a fixed, ordered
// pipeline of statement passes over module functions (phases 1 to 3). The
// phase order is load-bearing; passes assume everything earlier has run.
package lower

import "github.com/weft-lang/weft/internal/stmt"

// DefaultDataAlignment is the allocation alignment used when Config leaves
// DataAlignment at its -1 default.
const DefaultDataAlignment = 64

// Config carries the lowering knobs. The zero value is not useful; start
// from DefaultConfig.
type Config struct {
	// Unroll policy applied during simplification: loops with at most
	// AutoUnrollMaxStep iterations, no deeper than AutoUnrollMaxDepth,
	// unroll automatically. UnrollExplicit replicates their bodies; unset,
	// they are annotated and the code generator emits the directive.
	AutoUnrollMaxStep  int
	AutoUnrollMaxDepth int
	UnrollExplicit     bool

	// PartitionConstLoop enables splitting of constant-bound guarded loops
	// into a full-speed main loop and a remainder loop.
	PartitionConstLoop bool

	// DataAlignment is the allocation alignment in bytes; -1 selects
	// DefaultDataAlignment. OffsetFactor is the offset granularity wrapped
	// functions promise for their argument buffers, recorded on the
	// function; 0 promises nothing.
	DataAlignment int
	OffsetFactor  int

	// RestrictedFunc marks generated function pointers non-aliasing.
	RestrictedFunc bool

	// DoubleBufferSplitLoop is the split factor applied to the producing
	// loop of a double-buffered stage.
	DoubleBufferSplitLoop int

	// GenerateReuseBuffer enables reuse-buffer synthesis for stages with
	// reuse directives.
	GenerateReuseBuffer bool

	// SimpleMode makes a build return the lowered statement tree itself
	// (see Statements) instead of wrapping and emitting source. KernelOnly
	// wraps without argument checks.
	SimpleMode bool
	KernelOnly bool

	// DumpPassIR writes each pass's output to NN_passname.ir under DumpDir.
	DumpPassIR bool
	DumpDir    string

	// CustomPasses splice into the pipeline by phase number; they run after
	// the built-in passes of their phase. Phases above 2 run with phase 3.
	CustomPasses []CustomPass
}

// CustomPass is an externally supplied statement transformation.
type CustomPass struct {
	Phase int
	Name  string
	Fn    func(stmt.Stmt, *Config) (stmt.Stmt, error)
}

// DefaultConfig returns the standard knob settings.
func DefaultConfig() *Config {
	return &Config{
		AutoUnrollMaxStep:     0,
		AutoUnrollMaxDepth:    8,
		UnrollExplicit:        true,
		PartitionConstLoop:    false,
		DataAlignment:         -1,
		OffsetFactor:          0,
		RestrictedFunc:        true,
		DoubleBufferSplitLoop: 1,
		GenerateReuseBuffer:   true,
	}
}

// Alignment resolves the effective data alignment in bytes.
func (c *Config) Alignment() int {
	if c.DataAlignment <= 0 {
		return DefaultDataAlignment
	}
	return c.DataAlignment
}

func (c *Config) customPasses(phase int) []CustomPass {
	var out []CustomPass
	for _, p := range c.CustomPasses {
		effective := p.Phase
		if effective > 2 {
			effective = 3
		}
		if effective == phase {
			out = append(out, p)
		}
	}
	return out
}

package lower

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/ir"
	"github.com/weft-lang/weft/internal/stmt"
	"github.com/weft-lang/weft/internal/util"
)

// unit is one function moving through phases 1 to 3.
type unit struct {
	fn    *ir.Func
	cfg   *Config
	dir   *Directives
	binds map[string]*stmt.Buffer
	seq   int
}

type pass struct {
	name string
	fn   func(*unit) error
}

// LowerFunc runs the phase 1 to 3 pipeline over every loop nest of fn and
// returns the buffer bindings the passes produced. The pass order within
// and across phases is fixed.
func LowerFunc(fn *ir.Func, dir *Directives, cfg *Config) (map[string]*stmt.Buffer, error) {
	u := &unit{fn: fn, cfg: cfg, dir: dir, seq: 1}
	u.buildBinds()

	pipeline := []pass{
		// Phase 1: storage materialization.
		{"storage_flatten", storageFlatten},
		{"lift_alloc_attrs", liftAllocAttrs},
		{"adjust_buffer_binding", adjustBufferBinding},
	}
	if cfg.GenerateReuseBuffer {
		pipeline = append(pipeline, pass{"generate_reuse_buffer", generateReuseBuffer})
	}
	pipeline = append(pipeline, customStmtPasses(cfg, 1)...)

	// Phase 2: structural transformation. Simple mode keeps split guards
	// in place so the tree shows what realization produced.
	if !cfg.SimpleMode {
		pipeline = append(pipeline, pass{"loop_partition", loopPartition})
	}
	pipeline = append(pipeline, pass{"inject_double_buffer", injectDoubleBuffer})
	pipeline = append(pipeline, customStmtPasses(cfg, 2)...)

	// Phase 3: canonicalization and backend prep.
	pipeline = append(pipeline,
		pass{"simplify", simplify},
		pass{"lower_storage_access_info", lowerStorageAccessInfo},
		pass{"remove_no_op", removeNoOp},
		pass{"adjust_buffer_binding", adjustBufferBinding},
		pass{"infer_stream", inferStream},
		pass{"adjust_buffer_binding", adjustBufferBinding},
	)
	pipeline = append(pipeline, customStmtPasses(cfg, 3)...)

	for _, p := range pipeline {
		glog.V(3).Infof("lower: %s: pass %s", fn.Name, p.name)
		if err := p.fn(u); err != nil {
			return nil, errors.Wrapf(err, "pass %s on %s", p.name, fn.Name)
		}
		u.dump(p.name)
	}
	return u.binds, nil
}

func customStmtPasses(cfg *Config, phase int) []pass {
	var out []pass
	for _, p := range cfg.customPasses(phase) {
		p := p
		out = append(out, pass{p.Name, func(u *unit) error {
			for _, op := range u.nests() {
				body, err := p.Fn(op.Body, u.cfg)
				if err != nil {
					return err
				}
				op.Body = body
			}
			return nil
		}})
	}
	return out
}

func (u *unit) buildBinds() {
	u.binds = make(map[string]*stmt.Buffer)
	align := u.cfg.Alignment()
	arg := 0
	for _, p := range u.fn.Params {
		b := stmt.NewBuffer(p.Name, p.Type, align)
		b.ArgIndex = arg
		arg++
		u.binds[p.Name] = b
	}
	for _, r := range u.fn.Results {
		b := stmt.NewBuffer(r.Name, r.Type, align)
		b.ArgIndex = arg
		arg++
		u.binds[r.Name] = b
	}
	for _, op := range u.fn.Ops {
		if op.Kind == ir.OpAlloc {
			res := op.Result()
			u.binds[res.Name] = stmt.NewBuffer(res.Name, res.Type, align)
		}
	}
}

func (u *unit) nests() []*ir.Op {
	var out []*ir.Op
	for _, op := range u.fn.Ops {
		if op.Kind == ir.OpLoopNest && op.Body != nil {
			out = append(out, op)
		}
	}
	return out
}

func (u *unit) dump(passName string) {
	if !u.cfg.DumpPassIR {
		return
	}
	var b strings.Builder
	u.fn.Print(&b)
	path := filepath.Join(u.cfg.DumpDir, fmt.Sprintf("%02d_%s_%s.ir", u.seq, u.fn.Name, passName))
	u.seq++
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		glog.Warningf("lower: cannot dump %s: %v", path, err)
	}
}

// storageFlatten rewrites multi-dimensional tensor accesses into linear
// buffer accesses and pads local allocation sizes to the configured
// alignment. It requires concrete loop bounds: a symbolic extent means
// phase 0 bound inference has not run, which is a usage error.
func storageFlatten(u *unit) error {
	align := u.cfg.Alignment()

	var symbolic []string
	for _, op := range u.nests() {
		stmt.Walk(op.Body, func(s stmt.Stmt) bool {
			if f, ok := s.(*stmt.For); ok {
				if _, isConst := stmt.ConstInt(f.Extent); !isConst {
					symbolic = append(symbolic, f.Var)
				}
			}
			return true
		})
	}
	if len(symbolic) > 0 {
		return errs.Usagef("storage flattening requires inferred bounds; loops %v have symbolic extents",
			symbolic)
	}

	var result *multierror.Error
	lookup := func(tensor string, rank int) *stmt.Buffer {
		b := u.binds[tensor]
		if b == nil {
			result = multierror.Append(result, errs.Graphf("no buffer bound for tensor %s", tensor))
			return nil
		}
		if rank != len(b.Strides) {
			result = multierror.Append(result, errs.Graphf(
				"tensor %s accessed with %d indices, buffer has rank %d", tensor, rank, len(b.Strides)))
			return nil
		}
		return b
	}

	for _, op := range u.nests() {
		op.Body = stmt.Rewrite(op.Body, func(s stmt.Stmt) stmt.Stmt {
			if st, ok := s.(*stmt.StoreND); ok {
				if b := lookup(st.Tensor, len(st.Indices)); b != nil {
					return &stmt.Store{Buf: b, Index: b.FlattenIndex(st.Indices), Value: st.Value}
				}
			}
			return s
		}, func(e stmt.Expr) stmt.Expr {
			if l, ok := e.(stmt.LoadND); ok {
				if b := lookup(l.Tensor, len(l.Indices)); b != nil {
					return stmt.Load{Buf: b, Index: b.FlattenIndex(l.Indices)}
				}
			}
			return e
		})
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	for _, b := range u.binds {
		if b.ArgIndex < 0 {
			b.Size = padElems(b.Size, b.Elem.Size(), align)
			b.Alignment = align
		}
	}
	return nil
}

// padElems rounds an element count up so the byte size is a multiple of
// align.
func padElems(elems, elemSize, align int) int {
	return util.CeilDiv(util.Align(elems*elemSize, align), elemSize)
}

// liftAllocAttrs moves storage-scope annotations off the statement tree and
// the alloc ops onto the buffers themselves.
func liftAllocAttrs(u *unit) error {
	for _, op := range u.fn.Ops {
		if op.Kind != ir.OpAlloc {
			continue
		}
		if scope, ok := op.Attr("scope"); ok {
			if b := u.binds[op.Result().Name]; b != nil {
				b.Scope = scope
			}
		}
	}
	for _, op := range u.nests() {
		op.Body = stmt.Rewrite(op.Body, func(s stmt.Stmt) stmt.Stmt {
			if a, ok := s.(*stmt.Attr); ok && a.Key == "storage_scope" {
				if alloc, ok := a.Body.(*stmt.Alloc); ok {
					alloc.Buf.Scope = a.Value
					return alloc
				}
			}
			return s
		}, nil)
	}
	return nil
}

// adjustBufferBinding reconciles the binding table with the statement
// trees: buffers introduced by later passes are registered, and a nil or
// unregistered buffer reference is a consistency error.
func adjustBufferBinding(u *unit) error {
	var result *multierror.Error
	register := func(b *stmt.Buffer, where string) {
		if b == nil {
			result = multierror.Append(result, errs.Graphf("nil buffer in %s of %s", where, u.fn.Name))
			return
		}
		if existing, ok := u.binds[b.Name]; ok && existing != b {
			result = multierror.Append(result, errs.Graphf(
				"two distinct buffers named %s in %s", b.Name, u.fn.Name))
			return
		}
		u.binds[b.Name] = b
	}

	for _, op := range u.nests() {
		stmt.Walk(op.Body, func(s stmt.Stmt) bool {
			switch s := s.(type) {
			case *stmt.Store:
				register(s.Buf, "store")
			case *stmt.Alloc:
				register(s.Buf, "alloc")
			}
			return true
		})
		stmt.WalkExprs(op.Body, func(e stmt.Expr) {
			if l, ok := e.(stmt.Load); ok {
				register(l.Buf, "load")
			}
		})
	}
	return result.ErrorOrNil()
}

// generateReuseBuffer synthesizes a local reuse buffer for every reuse
// directive whose consuming stage lowers in this function: reads of the
// target tensor are redirected to the reuse buffer, which is filled once at
// the top of the stage's nest.
func generateReuseBuffer(u *unit) error {
	for _, rec := range u.dir.Reuses {
		target := u.binds[rec.Tensor]
		if target == nil {
			continue
		}
		for _, op := range u.nests() {
			if op.Stage != rec.Stage.Name {
				continue
			}
			reuse := &stmt.Buffer{
				Name:      rec.Tensor + ".reuse",
				Elem:      target.Elem,
				Shape:     append([]int(nil), target.Shape...),
				Strides:   append([]int(nil), target.Strides...),
				Size:      target.Size,
				Scope:     "local",
				Alignment: target.Alignment,
				ArgIndex:  -1,
			}
			body := stmt.Rewrite(op.Body, nil, func(e stmt.Expr) stmt.Expr {
				if l, ok := e.(stmt.Load); ok && l.Buf == target {
					return stmt.Load{Buf: reuse, Index: l.Index}
				}
				return e
			})
			fill := fillLoop(reuse, target)
			op.Body = &stmt.Alloc{Buf: reuse, Body: stmt.Block(fill, body)}
			u.binds[reuse.Name] = reuse
			glog.V(3).Infof("lower: reuse buffer %s in %s", reuse.Name, u.fn.Name)
		}
	}
	return nil
}

func fillLoop(dst, src *stmt.Buffer) stmt.Stmt {
	v := stmt.Var{Name: dst.Name + ".idx"}
	return &stmt.For{
		Var:    v.Name,
		Min:    stmt.IntImm{},
		Extent: stmt.IntImm{Value: int64(src.Size)},
		Kind:   stmt.Pipelined,
		II:     1,
		Body:   &stmt.Store{Buf: dst, Index: v, Value: stmt.Load{Buf: src, Index: v}},
	}
}

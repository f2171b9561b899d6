// Package schedule models a scheduled computation: named stages with loop
// axes, plus the primitives that record how those loops should be realized.
// Primitives only record intent. Realization happens during lowering, and a
// schedule freezes when lowering begins.
package schedule

import (
	"fmt"

	"github.com/weft-lang/weft/internal/errs"
	"github.com/weft-lang/weft/internal/types"
)

// Device is a placement target.
type Device int

const (
	CPU Device = iota
	FPGA
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case FPGA:
		return "fpga"
	default:
		panic(fmt.Sprintf("unknown device %d", int(d)))
	}
}

// ParseDevice maps a placement name to a Device.
func ParseDevice(name string) (Device, error) {
	switch name {
	case "cpu":
		return CPU, nil
	case "fpga":
		return FPGA, nil
	default:
		return CPU, errs.Configf("unknown device %q (want cpu or fpga)", name)
	}
}

// Transform is one recorded loop transformation. Lowering walks the log to
// reconstruct root-axis index expressions from leaf loop variables.
type Transform interface {
	isTransform()
}

// SplitRec records parent being divided into outer and inner. The inner
// extent is the split factor.
type SplitRec struct {
	Parent, Outer, Inner *IterVar
}

func (SplitRec) isTransform() {}

// FuseRec records adjacent parts collapsing into fused, outermost part
// first.
type FuseRec struct {
	Parts []*IterVar
	Fused *IterVar
}

func (FuseRec) isTransform() {}

// ReorderRec records a leaf permutation. It does not change index
// expressions; it is kept so the log replays completely.
type ReorderRec struct {
	Axes []*IterVar
}

func (ReorderRec) isTransform() {}

// PartitionKind selects an array partition layout.
type PartitionKind int

const (
	PartitionComplete PartitionKind = iota
	PartitionBlock
	PartitionCyclic
)

func (k PartitionKind) String() string {
	switch k {
	case PartitionComplete:
		return "complete"
	case PartitionBlock:
		return "block"
	case PartitionCyclic:
		return "cyclic"
	default:
		panic(fmt.Sprintf("unknown partition kind %d", int(k)))
	}
}

// ParsePartitionKind maps a partition name to its kind.
func ParsePartitionKind(name string) (PartitionKind, error) {
	switch name {
	case "complete":
		return PartitionComplete, nil
	case "block":
		return PartitionBlock, nil
	case "cyclic":
		return PartitionCyclic, nil
	default:
		return PartitionComplete, errs.Configf("unknown partition kind %q (want complete, block or cyclic)", name)
	}
}

// PartitionRec asks for tensor storage to be partitioned along dim.
// Factor is ignored for complete partitioning.
type PartitionRec struct {
	Tensor string
	Kind   PartitionKind
	Dim    int
	Factor int
}

// ReuseRec asks for a reuse buffer over tensor at the given axis of a
// consuming stage.
type ReuseRec struct {
	Tensor string
	Stage  *Stage
	Axis   *IterVar
}

// BufferRec asks for an intermediate write buffer for stage's output at the
// given axis.
type BufferRec struct {
	Stage *Stage
	Axis  *IterVar
}

// StreamRec asks for a FIFO channel carrying tensor from producer to
// consumer with the given depth.
type StreamRec struct {
	Tensor   string
	Producer string
	Consumer string
	Depth    int
}

// ChannelRec asks for a direct channel between two processing elements.
type ChannelRec struct {
	Src, Dst *Stage
	Depth    int
}

// PrefetchRec asks to fetch tensor ahead of axis by offset iterations.
type PrefetchRec struct {
	Stage  *Stage
	Tensor string
	Axis   *IterVar
	Offset int
}

// PragmaRec is a free-form axis annotation.
type PragmaRec struct {
	Stage *Stage
	Axis  *IterVar
	Key   string
	Value string
}

// StorageAlignRec pads tensor storage so that rows start at factor-element
// boundaries plus offset.
type StorageAlignRec struct {
	Tensor string
	Factor int
	Offset int
}

// StencilRec marks a stage for stencil-style code generation.
type StencilRec struct {
	Stage       *Stage
	BurstWidth  int
	UnrollLevel int
}

// Schedule is an ordered set of stages over declared tensors, with the
// recorded cross-stage directives.
type Schedule struct {
	Stages  []*Stage
	Tensors map[string]types.Tensor // declared inputs, by name

	Placement     map[string]Device
	Partitions    []PartitionRec
	Reuses        []ReuseRec
	Buffers       []BufferRec
	Streams       []StreamRec
	Channels      []ChannelRec
	Prefetches    []PrefetchRec
	Pragmas       []PragmaRec
	StorageAligns []StorageAlignRec
	Stencils      []StencilRec

	byName     map[string]*Stage
	normalized bool
	frozen     bool
}

func New() *Schedule {
	return &Schedule{
		Tensors:   make(map[string]types.Tensor),
		Placement: make(map[string]Device),
		byName:    make(map[string]*Stage),
	}
}

func (sch *Schedule) mutable() error {
	if sch.frozen {
		return errs.Usagef("schedule is frozen: it was already lowered")
	}
	return nil
}

// Frozen reports whether lowering has begun on the schedule.
func (sch *Schedule) Frozen() bool {
	return sch.frozen
}

// Freeze marks the schedule as lowered. Freezing twice is a usage error;
// that is how lowering the same schedule twice is rejected.
func (sch *Schedule) Freeze() error {
	if sch.frozen {
		return errs.Usagef("schedule was already lowered once")
	}
	sch.frozen = true
	return nil
}

// DeclareTensor registers an input tensor. Stages may read declared tensors
// and other stages' outputs.
func (sch *Schedule) DeclareTensor(name string, t types.Tensor) error {
	if err := sch.mutable(); err != nil {
		return err
	}
	if _, ok := sch.Tensors[name]; ok {
		return errs.Usagef("tensor %s declared twice", name)
	}
	if _, ok := sch.byName[name]; ok {
		return errs.Usagef("tensor %s collides with a stage of the same name", name)
	}
	sch.Tensors[name] = t
	return nil
}

// AddStage creates a stage computing op over shape with the given element
// type. The stage produces a tensor named after itself. Axes are created
// one per dimension, named i, j, k, l then i4, i5, ...
func (sch *Schedule) AddStage(name string, op Compute, elem types.Elem, shape ...int) (*Stage, error) {
	if err := sch.mutable(); err != nil {
		return nil, err
	}
	if _, ok := sch.byName[name]; ok {
		return nil, errs.Usagef("stage %s defined twice", name)
	}
	if _, ok := sch.Tensors[name]; ok {
		return nil, errs.Usagef("stage %s collides with a declared tensor", name)
	}
	arity, err := OpArity(op.Kind)
	if err != nil {
		return nil, err
	}
	if len(op.Inputs) != arity {
		return nil, errs.Usagef("stage %s: op %s wants %d inputs, got %d", name, op.Kind, arity, len(op.Inputs))
	}
	for _, d := range shape {
		if d <= 0 {
			return nil, errs.Usagef("stage %s: non-positive dimension %d", name, d)
		}
	}

	st := &Stage{
		Name:  name,
		Op:    op,
		Out:   types.MakeTensor(elem, shape...),
		sched: sch,
		seq:   len(sch.Stages),
	}
	for i, d := range shape {
		iv := st.newIterVar(AxisName(i), d)
		st.root = append(st.root, iv)
		st.leaf = append(st.leaf, iv)
	}
	sch.Stages = append(sch.Stages, st)
	sch.byName[name] = st
	return st, nil
}

// Stage returns the named stage, or nil.
func (sch *Schedule) Stage(name string) *Stage {
	return sch.byName[name]
}

// ToDevice records the placement of a stage or tensor.
func (sch *Schedule) ToDevice(name string, dev Device) error {
	if err := sch.mutable(); err != nil {
		return err
	}
	if _, isTensor := sch.Tensors[name]; !isTensor && sch.byName[name] == nil {
		return errs.Usagef("to_device: unknown stage or tensor %s", name)
	}
	sch.Placement[name] = dev
	return nil
}

// Partition records an array-partition directive for a tensor.
func (sch *Schedule) Partition(tensor string, kind PartitionKind, dim, factor int) error {
	if err := sch.mutable(); err != nil {
		return err
	}
	switch kind {
	case PartitionComplete, PartitionBlock, PartitionCyclic:
	default:
		return errs.Configf("partition of %s: unknown partition kind %d", tensor, int(kind))
	}
	if kind != PartitionComplete && factor <= 0 {
		return errs.Configf("partition of %s: %s partitioning needs a positive factor", tensor, kind)
	}
	sch.Partitions = append(sch.Partitions, PartitionRec{Tensor: tensor, Kind: kind, Dim: dim, Factor: factor})
	return nil
}

// ReuseAt records a reuse buffer over tensor at an axis of the consuming
// stage.
func (sch *Schedule) ReuseAt(tensor string, stage *Stage, axis *IterVar) error {
	if err := sch.mutable(); err != nil {
		return err
	}
	if _, err := stage.checkAxis(axis, "reuse_at"); err != nil {
		return err
	}
	sch.Reuses = append(sch.Reuses, ReuseRec{Tensor: tensor, Stage: stage, Axis: axis})
	return nil
}

// BufferAt records an intermediate write buffer for a stage's output.
func (sch *Schedule) BufferAt(stage *Stage, axis *IterVar) error {
	if err := sch.mutable(); err != nil {
		return err
	}
	if _, err := stage.checkAxis(axis, "buffer_at"); err != nil {
		return err
	}
	sch.Buffers = append(sch.Buffers, BufferRec{Stage: stage, Axis: axis})
	return nil
}

// Stream records a FIFO channel carrying tensor between two stages.
func (sch *Schedule) Stream(tensor, producer, consumer string, depth int) error {
	if err := sch.mutable(); err != nil {
		return err
	}
	if depth <= 0 {
		return errs.Usagef("stream of %s: depth must be positive, got %d", tensor, depth)
	}
	sch.Streams = append(sch.Streams, StreamRec{Tensor: tensor, Producer: producer, Consumer: consumer, Depth: depth})
	return nil
}

// CreateChannel records a direct inter-PE channel between two stages.
func (sch *Schedule) CreateChannel(src, dst *Stage, depth int) error {
	if err := sch.mutable(); err != nil {
		return err
	}
	if src == nil || dst == nil || src == dst {
		return errs.Usagef("create_channel: need two distinct stages")
	}
	if depth <= 0 {
		return errs.Usagef("create_channel between %s and %s: depth must be positive", src.Name, dst.Name)
	}
	sch.Channels = append(sch.Channels, ChannelRec{Src: src, Dst: dst, Depth: depth})
	return nil
}

// StorageAlign records a storage alignment directive for a tensor.
func (sch *Schedule) StorageAlign(tensor string, factor, offset int) error {
	if err := sch.mutable(); err != nil {
		return err
	}
	if factor <= 0 {
		return errs.Usagef("storage_align of %s: factor must be positive", tensor)
	}
	sch.StorageAligns = append(sch.StorageAligns, StorageAlignRec{Tensor: tensor, Factor: factor, Offset: offset})
	return nil
}

// Stencil marks a stage for stencil-style generation.
func (sch *Schedule) Stencil(stage *Stage, burstWidth, unrollLevel int) error {
	if err := sch.mutable(); err != nil {
		return err
	}
	if stage == nil {
		return errs.Usagef("stencil: nil stage")
	}
	sch.Stencils = append(sch.Stencils, StencilRec{Stage: stage, BurstWidth: burstWidth, UnrollLevel: unrollLevel})
	return nil
}

// Normalize rebases every axis range to a zero minimum. Axes are built
// zero-based, so this only marks the schedule; lowering calls it before
// bound inference when the user has not.
func (sch *Schedule) Normalize() *Schedule {
	sch.normalized = true
	return sch
}

// Normalized reports whether Normalize has run.
func (sch *Schedule) Normalized() bool {
	return sch.normalized
}

// AxisName returns the conventional name of axis i: i, j, k, l, then i4,
// i5 and so on.
func AxisName(i int) string {
	names := []string{"i", "j", "k", "l"}
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("i%d", i)
}

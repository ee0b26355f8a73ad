// Package pipeline defines the contracts a job author implements: a Job is a
// named, linear pipeline of Steps, and each Step is either Simple or Batched,
// optionally Partitioned.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Job is a registered job definition.
type Job interface {
	Name() string
	Pipeline() []Step
	OnStart(ctx context.Context, args types.Args) error
	OnComplete(ctx context.Context, args types.Args) error
}

// Step is the common part of every step definition.
type Step interface {
	Name() string
}

// Simple is a step that runs once per StepRun.
type Simple interface {
	Step
	Run(sc *StepContext) error
}

// Partitioned steps fan out into one StepRun per returned argument set.
// Returning zero partitions means the step runs unpartitioned; returning
// exactly one is rejected.
type Partitioned interface {
	Partitions(args types.Args) ([]types.Args, error)
}

// StepContext is handed to user step code for a single StepRun.
type StepContext struct {
	context.Context

	JobRunID  string
	StepRunID string
	JobName   string
	StepName  string

	// Args are the job arguments merged with the partition arguments and
	// the partition index keys.
	Args      types.Args
	Partition *types.Partition
	Logger    *slog.Logger

	items atomic.Int64
}

// NewStepContext builds the execution context for a StepRun.
func NewStepContext(ctx context.Context, sr *types.StepRun, logger *slog.Logger) *StepContext {
	args := sr.Args.Clone()
	if args == nil {
		args = types.Args{}
	}
	if sr.Partition != nil {
		args = args.Merge(sr.Partition.Args)
		args[types.ArgPartitionNum] = sr.Partition.Num
		args[types.ArgPartitionTotal] = sr.Partition.Total
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StepContext{
		Context:   ctx,
		JobRunID:  sr.JobRunID,
		StepRunID: sr.ID,
		JobName:   sr.JobName,
		StepName:  sr.StepName,
		Args:      args,
		Partition: sr.Partition,
		Logger:    logger.With("jobRunID", sr.JobRunID, "step", sr.StepName),
	}
}

// AddItemsProcessed lets Simple steps report progress; batch steps are
// counted by the runner.
func (sc *StepContext) AddItemsProcessed(n int64) {
	sc.items.Add(n)
}

// ItemsProcessed returns the running item count.
func (sc *StepContext) ItemsProcessed() int64 {
	return sc.items.Load()
}

// ============================================================================
// Helpers
// ============================================================================

type funcStep struct {
	name string
	fn   func(sc *StepContext) error
}

func (s *funcStep) Name() string {
	return s.name
}

func (s *funcStep) Run(sc *StepContext) error {
	return s.fn(sc)
}

// SimpleStep adapts a function into a Simple step.
func SimpleStep(name string, fn func(sc *StepContext) error) Simple {
	return &funcStep{name: name, fn: fn}
}

type partitionedStep struct {
	Step
	fn func(args types.Args) ([]types.Args, error)
}

func (s *partitionedStep) Partitions(args types.Args) ([]types.Args, error) {
	return s.fn(args)
}

func (s *partitionedStep) Unwrap() Step {
	return s.Step
}

// WithPartitions makes any step Partitioned.
func WithPartitions(step Step, fn func(args types.Args) ([]types.Args, error)) Step {
	return &partitionedStep{Step: step, fn: fn}
}

// Definition is a ready-made Job built from a name, steps and optional hooks.
type Definition struct {
	name       string
	steps      []Step
	onStart    func(ctx context.Context, args types.Args) error
	onComplete func(ctx context.Context, args types.Args) error
}

// NewJob returns a Definition with no-op hooks.
func NewJob(name string, steps ...Step) *Definition {
	return &Definition{name: name, steps: steps}
}

// WithOnStart sets the start hook.
func (d *Definition) WithOnStart(fn func(ctx context.Context, args types.Args) error) *Definition {
	d.onStart = fn
	return d
}

// WithOnComplete sets the completion hook.
func (d *Definition) WithOnComplete(fn func(ctx context.Context, args types.Args) error) *Definition {
	d.onComplete = fn
	return d
}

func (d *Definition) Name() string     { return d.name }
func (d *Definition) Pipeline() []Step { return d.steps }

func (d *Definition) OnStart(ctx context.Context, args types.Args) error {
	if d.onStart == nil {
		return nil
	}
	return d.onStart(ctx, args)
}

func (d *Definition) OnComplete(ctx context.Context, args types.Args) error {
	if d.onComplete == nil {
		return nil
	}
	return d.onComplete(ctx, args)
}

// ============================================================================
// Capability resolution
// ============================================================================

// Kind is the resolved execution capability of a step.
type Kind int

const (
	KindSimple Kind = iota + 1
	KindBatch
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindBatch:
		return "batch"
	}
	return "unknown"
}

// Descriptor is the capability set of a step, resolved once at registration.
type Descriptor struct {
	Name        string
	Kind        Kind
	Simple      Simple
	Batch       BatchStep
	Partitioner Partitioned // nil when the step is not partitioned
}

// Describe resolves what a step can do. Wrappers exposing Unwrap() Step are
// looked through so WithPartitions composes with any step kind.
func Describe(step Step) (Descriptor, error) {
	if step == nil {
		return Descriptor{}, fmt.Errorf("%w: nil step", types.ErrConfiguration)
	}
	d := Descriptor{Name: step.Name()}
	if d.Name == "" {
		return Descriptor{}, fmt.Errorf("%w: step with empty name", types.ErrConfiguration)
	}

	cur := step
	for {
		if p, ok := cur.(Partitioned); ok && d.Partitioner == nil {
			d.Partitioner = p
		}
		if b, ok := cur.(interface{ partitioner() Partitioned }); ok && d.Partitioner == nil {
			d.Partitioner = b.partitioner()
		}
		u, ok := cur.(interface{ Unwrap() Step })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}

	simple, isSimple := cur.(Simple)
	batch, isBatch := cur.(BatchStep)
	switch {
	case isSimple && isBatch:
		return Descriptor{}, fmt.Errorf("%w: step %q is both simple and batched", types.ErrConfiguration, d.Name)
	case isSimple:
		d.Kind, d.Simple = KindSimple, simple
	case isBatch:
		d.Kind, d.Batch = KindBatch, batch
	default:
		return Descriptor{}, fmt.Errorf("%w: step %q implements neither Run nor the batch contract", types.ErrConfiguration, d.Name)
	}
	return d, nil
}

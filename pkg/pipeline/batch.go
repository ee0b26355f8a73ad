package pipeline

import "fmt"

// PageRequest asks a batch step for one page of input.
type PageRequest struct {
	Number int
	Size   int
}

// Page is one page of items. TotalPages is read from the first page only and
// is ignored for dynamic selection.
type Page[T any] struct {
	Items      []T
	TotalPages int
}

// Batched is the typed contract for paged, item-parallel steps.
//
// With fixed selection the read query is stable regardless of prior writes,
// so pages are walked by number. With dynamic selection processed items drop
// out of the read, so page 0 is re-read until it comes back empty.
type Batched[In, Out any] interface {
	OnStart(sc *StepContext) error
	ReadPage(sc *StepContext, req PageRequest) (Page[In], error)
	ProcessItem(sc *StepContext, item In) (Out, error)
	WritePage(sc *StepContext, items []Out) error
	OnComplete(sc *StepContext) error
	SelectionFixed() bool
}

// BatchStep is the type-erased form of a Batched step the runner drives.
type BatchStep interface {
	Step
	OnStart(sc *StepContext) error
	ReadPage(sc *StepContext, req PageRequest) (Page[any], error)
	ProcessItem(sc *StepContext, item any) (any, error)
	WritePage(sc *StepContext, items []any) error
	OnComplete(sc *StepContext) error
	SelectionFixed() bool
}

type batchStep[In, Out any] struct {
	name string
	impl Batched[In, Out]
}

// Batch wraps a typed Batched implementation into a step.
func Batch[In, Out any](name string, impl Batched[In, Out]) BatchStep {
	return &batchStep[In, Out]{name: name, impl: impl}
}

func (b *batchStep[In, Out]) Name() string {
	return b.name
}

func (b *batchStep[In, Out]) OnStart(sc *StepContext) error {
	return b.impl.OnStart(sc)
}

func (b *batchStep[In, Out]) OnComplete(sc *StepContext) error {
	return b.impl.OnComplete(sc)
}

func (b *batchStep[In, Out]) SelectionFixed() bool {
	return b.impl.SelectionFixed()
}

func (b *batchStep[In, Out]) ReadPage(sc *StepContext, req PageRequest) (Page[any], error) {
	p, err := b.impl.ReadPage(sc, req)
	if err != nil {
		return Page[any]{}, err
	}
	items := make([]any, len(p.Items))
	for i, it := range p.Items {
		items[i] = it
	}
	return Page[any]{Items: items, TotalPages: p.TotalPages}, nil
}

func (b *batchStep[In, Out]) ProcessItem(sc *StepContext, item any) (any, error) {
	in, ok := item.(In)
	if !ok {
		return nil, fmt.Errorf("step %q: unexpected item type %T", b.name, item)
	}
	return b.impl.ProcessItem(sc, in)
}

func (b *batchStep[In, Out]) WritePage(sc *StepContext, items []any) error {
	out := make([]Out, len(items))
	for i, it := range items {
		v, ok := it.(Out)
		if !ok {
			return fmt.Errorf("step %q: unexpected output type %T", b.name, it)
		}
		out[i] = v
	}
	return b.impl.WritePage(sc, out)
}

// partitioner lets a typed implementation carry Partitions directly.
func (b *batchStep[In, Out]) partitioner() Partitioned {
	p, _ := b.impl.(Partitioned)
	return p
}

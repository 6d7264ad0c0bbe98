package ivm

import (
	"slices"
	"sync"
)

// EffectFunc is a side effect run once a version is committed, with the batches the stream
// delivered for it.
type EffectFunc[T any] func(v Version, batches []Multiset[T]) error

// Effect is a terminal commit listener. It buffers the batches seen in the run phase and
// releases them to its function in the committed phase, so the function never observes a
// version that is still being recomputed elsewhere in the graph.
type Effect[T any] struct {
	name string
	fn   EffectFunc[T]

	mu      sync.Mutex
	pending []Batch[T]

	removeListener, removeCommitListener func()
}

var _ GraphNode = &Effect[any]{}

// NewEffect attaches an effect to a stream.
func NewEffect[T any](in *DifferenceStream[T], name string, fn EffectFunc[T]) *Effect[T] {
	e := &Effect[T]{name: name, fn: fn}
	e.removeListener = in.AddListener(e)
	e.removeCommitListener = in.AddCommitListener(e)
	return e
}

// Run buffers a batch until its version is committed.
func (e *Effect[T]) Run(v Version, data Multiset[T]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, Batch[T]{Version: v, Data: data})
	return nil
}

// Committed runs the effect on the buffered batches of version v.
func (e *Effect[T]) Committed(v Version) error {
	e.mu.Lock()
	i := slices.IndexFunc(e.pending, func(b Batch[T]) bool { return b.Version > v })
	if i < 0 {
		i = len(e.pending)
	}
	released := make([]Multiset[T], i)
	for j := range released {
		released[j] = e.pending[j].Data
	}
	e.pending = slices.Delete(e.pending, 0, i)
	e.mu.Unlock()

	return e.fn(v, released)
}

// Stop detaches the effect from its stream.
func (e *Effect[T]) Stop() {
	e.removeListener()
	e.removeCommitListener()
}

func (e *Effect[T]) Name() string            { return e.name }
func (e *Effect[T]) Kind() NodeKind          { return NodeEffect }
func (e *Effect[T]) Downstream() []GraphNode { return nil }

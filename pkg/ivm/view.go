package ivm

import (
	"fmt"
	"sync"

	"github.com/bradleyayers/rails/pkg/zset"
)

// View materializes a stream into a Z-set. Batches are folded into a working state in the run
// phase; readers only see the state as of the last committed version.
type View[T any] struct {
	name string

	mu        sync.RWMutex
	working   *zset.ZSet[T]
	committed *zset.ZSet[T]
	version   Version
	// failed is the last version whose batch could not be folded
	failed Version
}

var _ GraphNode = &View[any]{}

// NewView attaches a materialized view to a stream, using key to identify values.
func NewView[T any](in *DifferenceStream[T], name string, key zset.KeyFunc[T]) *View[T] {
	v := &View[T]{
		name:      name,
		working:   zset.New(key),
		committed: zset.New(key),
	}
	in.AddListener(v)
	in.AddCommitListener(v)
	return v
}

// Run folds a batch into the working state. A batch is applied entirely or not at all.
func (view *View[T]) Run(v Version, data Multiset[T]) error {
	view.mu.Lock()
	defer view.mu.Unlock()

	next := view.working.Clone()
	for e := range data.All() {
		if err := next.AddMutate(e.Value, e.Multiplicity); err != nil {
			view.failed = v
			return fmt.Errorf("view %q: version %d not applied: %w", view.name, v, err)
		}
	}
	view.working = next
	return nil
}

// Committed publishes the working state. A version whose batch failed to fold is not
// published: readers keep the last good snapshot.
func (view *View[T]) Committed(v Version) error {
	view.mu.Lock()
	defer view.mu.Unlock()

	if view.failed == v {
		return nil
	}

	view.committed = view.working.Clone()
	view.version = v
	return nil
}

// Snapshot returns the state of the view as of the last committed version, and that version.
func (view *View[T]) Snapshot() (*zset.ZSet[T], Version) {
	view.mu.RLock()
	defer view.mu.RUnlock()
	return view.committed.Clone(), view.version
}

func (view *View[T]) Name() string            { return view.name }
func (view *View[T]) Kind() NodeKind          { return NodeView }
func (view *View[T]) Downstream() []GraphNode { return nil }

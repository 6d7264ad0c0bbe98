package ivm

import (
	"iter"
	"slices"
	"sync"

	"github.com/go-logr/logr"
)

// SourceInternal is the handle through which the transaction coordinator drives the commit
// protocol of a source. Application code never calls it directly.
type SourceInternal interface {
	// OnCommitEnqueue snapshots the pending buffer into the stream's queue under version v and
	// clears the buffer.
	OnCommitEnqueue(v Version) error
	// OnCommitRun delivers the batch of version v to the recomputation listeners.
	OnCommitRun(v Version) error
	// OnCommitted tells the commit listeners that version v is final. It must only be called
	// once the run phase of v has completed on every source of the graph.
	OnCommitted(v Version) error
	// OnRollback discards the pending buffer.
	OnRollback()
}

// Coordinator is the transaction coordinator as seen from a source.
type Coordinator interface {
	// AddDirtySource registers a source with pending changes for the next commit round.
	AddDirtySource(SourceInternal)
	// Logger returns the base logger.
	Logger() logr.Logger
}

var _ GraphNode = &StatelessSource[any]{}

// StatelessSource is a source of values. It accumulates inserts and removals between commits
// and retains no state across commits besides the not yet committed pending buffer.
type StatelessSource[T any] struct {
	name     string
	coord    Coordinator
	stream   *DifferenceStream[T]
	internal *sourceInternal[T]

	mu      sync.Mutex
	pending []Entry[T]

	log logr.Logger
}

// NewStatelessSource creates a new source registering its dirtiness with the given coordinator.
func NewStatelessSource[T any](coord Coordinator, name string) *StatelessSource[T] {
	log := coord.Logger()
	src := &StatelessSource[T]{
		name:   name,
		coord:  coord,
		stream: NewDifferenceStream[T](name, log),
		log:    log.WithName("source").WithValues("name", name),
	}
	src.internal = &sourceInternal[T]{src: src}
	return src
}

// Name returns the name of the source.
func (s *StatelessSource[T]) Name() string { return s.name }

// Kind implements GraphNode.
func (s *StatelessSource[T]) Kind() NodeKind { return NodeSource }

// Downstream implements GraphNode.
func (s *StatelessSource[T]) Downstream() []GraphNode { return s.stream.Downstream() }

// Stream returns the output stream of the source. A source has exactly one stream for its
// entire lifetime.
func (s *StatelessSource[T]) Stream() *DifferenceStream[T] { return s.stream }

// Pending returns the number of entries waiting for the next commit.
func (s *StatelessSource[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Add inserts a value.
func (s *StatelessSource[T]) Add(value T) *StatelessSource[T] {
	s.push(Entry[T]{Value: value, Multiplicity: 1})
	return s
}

// AddAll inserts a list of values, preserving their order.
func (s *StatelessSource[T]) AddAll(values []T) *StatelessSource[T] {
	return s.AddSeq(slices.Values(values))
}

// AddSeq inserts a sequence of values, preserving their order.
func (s *StatelessSource[T]) AddSeq(values iter.Seq[T]) *StatelessSource[T] {
	s.pushSeq(values, 1)
	return s
}

// Delete removes a value. The source does not check whether the value was added before:
// deleting an unknown value yields a negative multiplicity downstream.
func (s *StatelessSource[T]) Delete(value T) *StatelessSource[T] {
	s.push(Entry[T]{Value: value, Multiplicity: -1})
	return s
}

// DeleteAll removes a list of values, preserving their order.
func (s *StatelessSource[T]) DeleteAll(values []T) *StatelessSource[T] {
	return s.DeleteSeq(slices.Values(values))
}

// DeleteSeq removes a sequence of values, preserving their order.
func (s *StatelessSource[T]) DeleteSeq(values iter.Seq[T]) *StatelessSource[T] {
	s.pushSeq(values, -1)
	return s
}

func (s *StatelessSource[T]) push(e Entry[T]) {
	s.mu.Lock()
	dirty := len(s.pending) == 0
	s.pending = append(s.pending, e)
	s.mu.Unlock()

	s.log.V(4).Info("pending", "value", e.Value, "multiplicity", e.Multiplicity)

	// the coordinator may commit synchronously, so call it without holding the lock
	if dirty {
		s.coord.AddDirtySource(s.internal)
	}
}

func (s *StatelessSource[T]) pushSeq(values iter.Seq[T], mult int) {
	var entries []Entry[T]
	for v := range values {
		entries = append(entries, Entry[T]{Value: v, Multiplicity: mult})
	}
	if len(entries) == 0 {
		return
	}

	s.mu.Lock()
	dirty := len(s.pending) == 0
	s.pending = append(s.pending, entries...)
	s.mu.Unlock()

	s.log.V(4).Info("pending", "entries", len(entries), "multiplicity", mult)

	if dirty {
		s.coord.AddDirtySource(s.internal)
	}
}

// snapshot takes the pending buffer and resets it in one step.
func (s *StatelessSource[T]) snapshot() Multiset[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the buffer is handed over, no copy is needed
	ms := Multiset[T]{entries: s.pending}
	s.pending = nil
	return ms
}

func (s *StatelessSource[T]) discard() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.pending)
	s.pending = nil
	return n
}

// sourceInternal implements the commit protocol for a source. It is a separate type so that
// the coordinator holds an opaque handle instead of the source itself.
type sourceInternal[T any] struct {
	src *StatelessSource[T]
}

func (i *sourceInternal[T]) OnCommitEnqueue(v Version) error {
	ms := i.src.snapshot()
	i.src.log.V(2).Info("enqueue", "version", v, "entries", ms.Len())
	return i.src.stream.QueueData(v, ms)
}

func (i *sourceInternal[T]) OnCommitRun(v Version) error {
	return i.src.stream.Notify(v)
}

func (i *sourceInternal[T]) OnCommitted(v Version) error {
	return i.src.stream.NotifyCommitted(v)
}

func (i *sourceInternal[T]) OnRollback() {
	n := i.src.discard()
	i.src.log.V(2).Info("rollback", "discarded", n)
}

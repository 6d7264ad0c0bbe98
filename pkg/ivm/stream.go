package ivm

import (
	"errors"
	"slices"
	"sync"

	"github.com/go-logr/logr"
)

// Listener is a recomputation listener: a downstream graph operator that receives every
// versioned batch of a stream during the run phase.
type Listener[T any] interface {
	Run(v Version, data Multiset[T]) error
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc[T any] func(v Version, data Multiset[T]) error

// Run calls f(v, data).
func (f ListenerFunc[T]) Run(v Version, data Multiset[T]) error { return f(v, data) }

// CommitListener is notified once a version has been propagated through the entire graph.
type CommitListener interface {
	Committed(v Version) error
}

// CommitListenerFunc adapts a function to a CommitListener.
type CommitListenerFunc func(v Version) error

// Committed calls f(v).
func (f CommitListenerFunc) Committed(v Version) error { return f(v) }

type listenerEntry[T any] struct {
	id       uint64
	listener Listener[T]
}

type commitListenerEntry struct {
	id       uint64
	listener CommitListener
}

// DifferenceStream is the output edge of a source or an operator. It queues versioned batches
// between the enqueue and the run phase and fans them out to its listeners, in registration
// order, exactly once per version.
type DifferenceStream[T any] struct {
	name string

	mu              sync.Mutex
	queue           []Batch[T]
	listeners       []listenerEntry[T]
	commitListeners []commitListenerEntry
	nextID          uint64
	lastQueued      Version
	lastNotified    Version
	lastCommitted   Version
	// uncommitted are the versions delivered by Notify but not yet by NotifyCommitted
	uncommitted []Version

	log logr.Logger
}

// NewDifferenceStream creates an empty stream.
func NewDifferenceStream[T any](name string, log logr.Logger) *DifferenceStream[T] {
	return &DifferenceStream[T]{
		name: name,
		log:  log.WithName("stream").WithValues("name", name),
	}
}

// Name returns the name of the stream.
func (s *DifferenceStream[T]) Name() string { return s.name }

// AddListener registers a recomputation listener and returns a function that unregisters it.
func (s *DifferenceStream[T]) AddListener(l Listener[T]) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry[T]{id: id, listener: l})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(e listenerEntry[T]) bool { return e.id == id })
	}
}

// AddCommitListener registers a commit listener and returns a function that unregisters it.
func (s *DifferenceStream[T]) AddCommitListener(l CommitListener) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.commitListeners = append(s.commitListeners, commitListenerEntry{id: id, listener: l})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.commitListeners = slices.DeleteFunc(s.commitListeners,
			func(e commitListenerEntry) bool { return e.id == id })
	}
}

// QueueData appends a batch to the queue without notifying anyone. Versions must be strictly
// increasing.
func (s *DifferenceStream[T]) QueueData(v Version, data Multiset[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v <= s.lastQueued {
		return newProtocolError(s.name, v, "version queued after version %d", s.lastQueued)
	}

	s.queue = append(s.queue, Batch[T]{Version: v, Data: data})
	s.lastQueued = v

	s.log.V(4).Info("batch queued", "version", v, "entries", data.Len())

	return nil
}

// Queued returns the number of batches waiting for the run phase.
func (s *DifferenceStream[T]) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Notify drains every queued batch up to and including version v to the recomputation
// listeners, in increasing version order. A batch for v must have been queued. A failing
// listener does not keep the others from being notified: all failures are returned joined.
func (s *DifferenceStream[T]) Notify(v Version) error {
	s.mu.Lock()
	i := slices.IndexFunc(s.queue, func(b Batch[T]) bool { return b.Version > v })
	if i < 0 {
		i = len(s.queue)
	}
	if i == 0 || s.queue[i-1].Version != v {
		s.mu.Unlock()
		return newProtocolError(s.name, v, "run without a preceding enqueue")
	}

	batches := slices.Clone(s.queue[:i])
	s.queue = slices.Delete(s.queue, 0, i)
	s.lastNotified = v
	for _, b := range batches {
		s.uncommitted = append(s.uncommitted, b.Version)
	}
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	var errs []error
	for _, b := range batches {
		s.log.V(4).Info("run", "version", b.Version, "entries", b.Data.Len(),
			"listeners", len(listeners))
		for _, e := range listeners {
			if err := e.listener.Run(b.Version, b.Data); err != nil {
				s.log.Error(err, "listener failed", "phase", PhaseRun, "version", b.Version)
				errs = append(errs, &ListenerError{Stream: s.name, Version: b.Version,
					Phase: PhaseRun, Cause: err})
			}
		}
	}

	return errors.Join(errs...)
}

// NotifyCommitted tells the commit listeners that version v has been propagated through the
// entire graph. The run phase of v must have completed on this stream. Older versions that were
// run together with v, e.g., left queued by an aborted round, are committed first, in order.
func (s *DifferenceStream[T]) NotifyCommitted(v Version) error {
	s.mu.Lock()
	if v > s.lastNotified {
		s.mu.Unlock()
		return newProtocolError(s.name, v, "committed before run (last run version %d)",
			s.lastNotified)
	}
	if v <= s.lastCommitted {
		s.mu.Unlock()
		return newProtocolError(s.name, v, "committed twice (last committed version %d)",
			s.lastCommitted)
	}
	i := slices.IndexFunc(s.uncommitted, func(u Version) bool { return u > v })
	if i < 0 {
		i = len(s.uncommitted)
	}
	if i == 0 || s.uncommitted[i-1] != v {
		s.mu.Unlock()
		return newProtocolError(s.name, v, "committed a version that was not run")
	}
	s.lastCommitted = v
	versions := slices.Clone(s.uncommitted[:i])
	s.uncommitted = slices.Delete(s.uncommitted, 0, i)
	listeners := slices.Clone(s.commitListeners)
	s.mu.Unlock()

	var errs []error
	for _, u := range versions {
		s.log.V(4).Info("committed", "version", u, "listeners", len(listeners))
		for _, e := range listeners {
			if err := e.listener.Committed(u); err != nil {
				s.log.Error(err, "listener failed", "phase", PhaseCommitted, "version", u)
				errs = append(errs, &ListenerError{Stream: s.name, Version: u,
					Phase: PhaseCommitted, Cause: err})
			}
		}
	}

	return errors.Join(errs...)
}

// Downstream returns the graph nodes listening on the stream. Listeners that are not graph
// nodes themselves show up as opaque listener nodes.
func (s *DifferenceStream[T]) Downstream() []GraphNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := []GraphNode{}
	seen := map[GraphNode]bool{}
	add := func(id uint64, l any) {
		n, ok := l.(GraphNode)
		if !ok {
			n = newOpaqueNode(s.name, id)
		}
		if !seen[n] {
			seen[n] = true
			ret = append(ret, n)
		}
	}

	for _, e := range s.listeners {
		add(e.id, e.listener)
	}
	for _, e := range s.commitListeners {
		add(e.id, e.listener)
	}

	return ret
}

package ivm

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
)

var _ Coordinator = &Materialite{}

// Options configures a Materialite.
type Options struct {
	// Logger is the base logger handed to sources and streams. Default is to discard logs.
	Logger logr.Logger
	// AutoCommit commits a round as soon as a source becomes dirty outside of a transaction.
	AutoCommit bool
}

// Materialite is the transaction coordinator. It tracks the sources with pending changes and
// drives the three-phase commit protocol on them under a shared version.
type Materialite struct {
	// commitMu serializes commit rounds
	commitMu sync.Mutex

	// mu guards the fields below
	mu         sync.Mutex
	dirty      []SourceInternal
	dirtyIdx   map[SourceInternal]struct{}
	version    Version
	txDepth    int
	committing bool
	requested  bool

	autoCommit bool
	log        logr.Logger
}

// New creates a new transaction coordinator.
func New(opts Options) *Materialite {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Materialite{
		dirtyIdx:   map[SourceInternal]struct{}{},
		autoCommit: opts.AutoCommit,
		log:        log,
	}
}

// Logger returns the base logger.
func (m *Materialite) Logger() logr.Logger { return m.log }

// Version returns the last committed version.
func (m *Materialite) Version() Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Dirty returns the number of sources registered for the next round.
func (m *Materialite) Dirty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}

// AddDirtySource registers a source for the next commit round. Registering the same source
// twice in a round is a no-op.
func (m *Materialite) AddDirtySource(src SourceInternal) {
	m.mu.Lock()
	if _, ok := m.dirtyIdx[src]; !ok {
		m.dirtyIdx[src] = struct{}{}
		m.dirty = append(m.dirty, src)
	}
	// a running round picks up the new source when it is done
	auto := m.autoCommit && m.txDepth == 0 && !m.committing
	m.mu.Unlock()

	if auto {
		if _, err := m.Commit(); err != nil {
			m.log.Error(err, "auto-commit failed")
		}
	}
}

// Tx runs fn in a transaction: if fn returns nil, the changes made to the sources are
// committed in a single round, otherwise they are rolled back. A panic in fn rolls back the
// changes and is re-raised. Nested transactions are flattened into the outermost one.
func (m *Materialite) Tx(fn func() error) error {
	m.mu.Lock()
	m.txDepth++
	nested := m.txDepth > 1
	m.mu.Unlock()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.endTx()
				if !nested {
					m.Rollback()
				}
				panic(r)
			}
		}()
		err = fn()
	}()
	m.endTx()

	if nested {
		return err
	}

	if err != nil {
		m.log.V(2).Info("transaction failed, rolling back", "error", err.Error())
		m.Rollback()
		return err
	}

	_, err = m.Commit()
	return err
}

func (m *Materialite) endTx() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txDepth--
}

// Rollback discards the pending changes of every dirty source.
func (m *Materialite) Rollback() {
	m.mu.Lock()
	sources := m.dirty
	m.resetDirty()
	m.mu.Unlock()

	for _, src := range sources {
		src.OnRollback()
	}

	m.log.V(2).Info("rollback", "sources", len(sources))
}

// Commit runs a commit round on the dirty sources and returns the committed version. Without
// dirty sources Commit is a no-op returning the current version.
//
// Phase 1 (enqueue) completes on every source before phase 2 (run) starts on any source, and
// phase 2 completes on every source before phase 3 (committed) starts. A protocol violation
// aborts the round. A failing listener does not stop propagation: the round completes and the
// listener errors are returned joined.
//
// Commit called while a round is running, e.g., from a listener, does not block: the changes
// are committed in a follow-up round once the running one is done.
func (m *Materialite) Commit() (Version, error) {
	m.mu.Lock()
	if m.committing {
		m.requested = true
		v := m.version
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	var errs []error
	for {
		v, committed, err := m.commitRound()
		if err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				return v, err
			}
			errs = append(errs, err)
		}

		m.mu.Lock()
		again := committed && (m.autoCommit || m.requested) && m.txDepth == 0 && len(m.dirty) > 0
		m.requested = false
		m.mu.Unlock()
		if !again {
			return v, errors.Join(errs...)
		}
	}
}

func (m *Materialite) commitRound() (Version, bool, error) {
	m.mu.Lock()
	if len(m.dirty) == 0 {
		v := m.version
		m.mu.Unlock()
		return v, false, nil
	}
	m.version++
	v := m.version
	sources := m.dirty
	m.resetDirty()
	m.committing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.committing = false
		m.mu.Unlock()
	}()

	log := m.log.WithValues("version", v)
	log.V(2).Info("commit: enqueue", "sources", len(sources))

	for _, src := range sources {
		if err := src.OnCommitEnqueue(v); err != nil {
			log.Error(err, "commit aborted", "phase", PhaseEnqueue)
			m.requeue(sources, src)
			return v, true, fmt.Errorf("commit of version %d aborted in enqueue phase: %w", v, err)
		}
	}

	var errs []error

	log.V(2).Info("commit: run", "sources", len(sources))
	for _, src := range sources {
		if err := src.OnCommitRun(v); err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				log.Error(err, "commit aborted", "phase", PhaseRun)
				m.requeue(sources, src)
				return v, true, fmt.Errorf("commit of version %d aborted in run phase: %w", v, err)
			}
			errs = append(errs, err)
		}
	}

	log.V(2).Info("commit: committed", "sources", len(sources))
	for _, src := range sources {
		if err := src.OnCommitted(v); err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				log.Error(err, "commit aborted", "phase", PhaseCommitted)
				m.requeue(sources, src)
				return v, true, fmt.Errorf("commit of version %d aborted in committed phase: %w", v, err)
			}
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return v, true, fmt.Errorf("commit of version %d: %w", v, errors.Join(errs...))
	}

	return v, true, nil
}

// requeue registers the sources of an aborted round for the next round, ahead of the sources
// that became dirty meanwhile, so that no pending or already queued change is stranded. The
// source that failed is rolled back instead.
func (m *Materialite) requeue(sources []SourceInternal, failed SourceInternal) {
	failed.OnRollback()

	m.mu.Lock()
	defer m.mu.Unlock()

	dirty := make([]SourceInternal, 0, len(sources)+len(m.dirty))
	idx := make(map[SourceInternal]struct{}, len(sources)+len(m.dirty))
	for _, src := range append(slices.Clone(sources), m.dirty...) {
		if src == failed {
			continue
		}
		if _, ok := idx[src]; !ok {
			idx[src] = struct{}{}
			dirty = append(dirty, src)
		}
	}
	m.dirty, m.dirtyIdx = dirty, idx
}

// resetDirty clears the dirty set. Must be called with mu held.
func (m *Materialite) resetDirty() {
	m.dirty = nil
	m.dirtyIdx = map[SourceInternal]struct{}{}
}

package ivm

import (
	"fmt"
	"iter"
	"slices"
	"strings"
)

// Version identifies a commit round. Versions are assigned by the transaction coordinator and
// grow strictly: every source committing in the same round shares the same version.
type Version uint64

// Entry is a single signed change to a value. Sources emit +1 for an insert and -1 for a
// removal.
type Entry[T any] struct {
	Value        T
	Multiplicity int
}

// Multiset is an immutable, ordered batch of entries. Entries of equal values are never merged
// or cancelled: consolidation is the job of the consuming operator.
type Multiset[T any] struct {
	entries []Entry[T]
}

// NewMultiset creates a multiset from a sequence of entries, preserving their order. The input
// slice is copied.
func NewMultiset[T any](entries []Entry[T]) Multiset[T] {
	return Multiset[T]{entries: slices.Clone(entries)}
}

// Len returns the number of entries.
func (ms Multiset[T]) Len() int { return len(ms.entries) }

// IsEmpty is true if the multiset has no entries.
func (ms Multiset[T]) IsEmpty() bool { return len(ms.entries) == 0 }

// At returns the i-th entry.
func (ms Multiset[T]) At(i int) Entry[T] { return ms.entries[i] }

// Entries returns a copy of the entries in insertion order.
func (ms Multiset[T]) Entries() []Entry[T] { return slices.Clone(ms.entries) }

// All iterates over the entries in insertion order.
func (ms Multiset[T]) All() iter.Seq[Entry[T]] {
	return func(yield func(Entry[T]) bool) {
		for _, e := range ms.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// String returns a string representation of the multiset for debugging.
func (ms Multiset[T]) String() string {
	if ms.IsEmpty() {
		return "∅"
	}

	parts := make([]string, len(ms.entries))
	for i, e := range ms.entries {
		parts[i] = fmt.Sprintf("%v×%d", e.Value, e.Multiplicity)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Batch is a multiset tagged with the version of the commit round that produced it.
type Batch[T any] struct {
	Version Version
	Data    Multiset[T]
}

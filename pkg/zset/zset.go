// Package zset implements Z-sets: collections of values with signed integer multiplicities.
// Downstream consumers of a difference stream fold multisets into Z-sets to maintain state.
//
// Values are treated as opaque units: identity is defined by a key function, so values that
// are not comparable in Go (e.g., documents) can be stored as well.
package zset

import (
	"fmt"
	"slices"
	"strings"
)

// KeyFunc computes the identity of a value.
type KeyFunc[T any] func(T) (string, error)

// ZSetError reports a failed Z-set operation.
type ZSetError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ZSetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the cause of the error.
func (e *ZSetError) Unwrap() error { return e.Cause }

func newZSetError(message string, cause error) error {
	return &ZSetError{Message: message, Cause: cause}
}

// Entry represents a value with its multiplicity in a Z-set.
type Entry[T any] struct {
	Value        T
	Multiplicity int
}

// ZSet is a Z-set of values of type T.
type ZSet[T any] struct {
	key    KeyFunc[T]
	values map[string]T   // key -> original value
	counts map[string]int // key -> multiplicity
}

// New creates an empty Z-set using the given key function.
func New[T any](key KeyFunc[T]) *ZSet[T] {
	return &ZSet[T]{
		key:    key,
		values: make(map[string]T),
		counts: make(map[string]int),
	}
}

// FromValues creates a Z-set from a slice of values, each with multiplicity 1.
func FromValues[T any](key KeyFunc[T], values []T) (*ZSet[T], error) {
	result := New(key)
	for i, v := range values {
		if err := result.AddMutate(v, 1); err != nil {
			return nil, newZSetError(fmt.Sprintf("failed to add value at index %d", i), err)
		}
	}
	return result, nil
}

// AddMutate adds a value with the given multiplicity in place. Values whose multiplicity drops
// to zero are removed.
func (z *ZSet[T]) AddMutate(v T, count int) error {
	if count == 0 {
		return nil
	}

	key, err := z.key(v)
	if err != nil {
		return newZSetError("failed to compute value key", err)
	}

	if _, exists := z.counts[key]; exists {
		z.counts[key] += count
	} else {
		z.values[key] = v
		z.counts[key] = count
	}

	if z.counts[key] == 0 {
		delete(z.counts, key)
		delete(z.values, key)
	}

	return nil
}

// Add performs Z-set addition and returns the result as a new Z-set.
func (z *ZSet[T]) Add(other *ZSet[T]) *ZSet[T] {
	result := z.Clone()
	if other == nil {
		return result
	}
	for key, count := range other.counts {
		result.addKey(key, other.values[key], count)
	}
	return result
}

// Subtract performs Z-set subtraction and returns the result as a new Z-set.
func (z *ZSet[T]) Subtract(other *ZSet[T]) *ZSet[T] {
	result := z.Clone()
	if other == nil {
		return result
	}
	for key, count := range other.counts {
		result.addKey(key, other.values[key], -count)
	}
	return result
}

func (z *ZSet[T]) addKey(key string, v T, count int) {
	if _, exists := z.counts[key]; !exists {
		z.values[key] = v
	}
	z.counts[key] += count
	if z.counts[key] == 0 {
		delete(z.counts, key)
		delete(z.values, key)
	}
}

// Distinct converts the Z-set to set semantics: values with positive multiplicity get
// multiplicity 1, the rest are dropped.
func (z *ZSet[T]) Distinct() *ZSet[T] {
	result := New(z.key)
	for key, count := range z.counts {
		if count > 0 {
			result.values[key] = z.values[key]
			result.counts[key] = 1
		}
	}
	return result
}

// Unique converts the Z-set to set semantics preserving the sign of multiplicities.
func (z *ZSet[T]) Unique() *ZSet[T] {
	result := New(z.key)
	for key, count := range z.counts {
		result.values[key] = z.values[key]
		result.counts[key] = 1
		if count < 0 {
			result.counts[key] = -1
		}
	}
	return result
}

// Clone creates a shallow copy: values themselves are not copied.
func (z *ZSet[T]) Clone() *ZSet[T] {
	result := &ZSet[T]{
		key:    z.key,
		values: make(map[string]T, len(z.values)),
		counts: make(map[string]int, len(z.counts)),
	}
	for key, v := range z.values {
		result.values[key] = v
	}
	for key, count := range z.counts {
		result.counts[key] = count
	}
	return result
}

// List returns all values with their multiplicities (including negative ones), ordered by key.
func (z *ZSet[T]) List() []Entry[T] {
	result := make([]Entry[T], 0, len(z.counts))
	for _, key := range z.sortedKeys() {
		result = append(result, Entry[T]{Value: z.values[key], Multiplicity: z.counts[key]})
	}
	return result
}

// Values returns the values with positive multiplicity, ordered by key. A value with
// multiplicity n appears n times.
func (z *ZSet[T]) Values() []T {
	var result []T
	for _, key := range z.sortedKeys() {
		for i := 0; i < z.counts[key]; i++ {
			result = append(result, z.values[key])
		}
	}
	return result
}

// UniqueValues returns the values with positive multiplicity once each, ordered by key.
func (z *ZSet[T]) UniqueValues() []T {
	var result []T
	for _, key := range z.sortedKeys() {
		if z.counts[key] > 0 {
			result = append(result, z.values[key])
		}
	}
	return result
}

func (z *ZSet[T]) sortedKeys() []string {
	keys := make([]string, 0, len(z.counts))
	for key := range z.counts {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// IsZero checks if the Z-set is empty.
func (z *ZSet[T]) IsZero() bool { return len(z.counts) == 0 }

// Size returns the number of values counting only positive multiplicities.
func (z *ZSet[T]) Size() int {
	total := 0
	for _, count := range z.counts {
		if count > 0 {
			total += count
		}
	}
	return total
}

// TotalSize returns the number of values counting both positive and negative multiplicities.
func (z *ZSet[T]) TotalSize() int {
	total := 0
	for _, count := range z.counts {
		if count > 0 {
			total += count
		} else {
			total -= count
		}
	}
	return total
}

// UniqueCount returns the number of distinct values with positive multiplicity.
func (z *ZSet[T]) UniqueCount() int {
	n := 0
	for _, count := range z.counts {
		if count > 0 {
			n++
		}
	}
	return n
}

// Multiplicity returns the multiplicity of a value.
func (z *ZSet[T]) Multiplicity(v T) (int, error) {
	key, err := z.key(v)
	if err != nil {
		return 0, newZSetError("failed to compute value key", err)
	}
	return z.counts[key], nil
}

// Contains checks if a value is in the Z-set with positive multiplicity.
func (z *ZSet[T]) Contains(v T) (bool, error) {
	m, err := z.Multiplicity(v)
	if err != nil {
		return false, err
	}
	return m > 0, nil
}

// String returns a string representation of the Z-set for debugging.
func (z *ZSet[T]) String() string {
	if z.IsZero() {
		return "∅"
	}

	parts := make([]string, 0, len(z.counts))
	for _, key := range z.sortedKeys() {
		parts = append(parts, fmt.Sprintf("%v×%d", z.values[key], z.counts[key]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

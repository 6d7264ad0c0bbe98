package ivm

// operator is a stateless, linear stream operator: it transforms every batch it receives on its
// input and forwards the result under the same version on its output. The committed marker is
// forwarded in the committed phase, so derived streams keep the two-pass ordering.
type operator[T, U any] struct {
	name string
	f    func(Multiset[T]) Multiset[U]
	out  *DifferenceStream[U]
}

var _ GraphNode = &operator[any, any]{}

func newOperator[T, U any](in *DifferenceStream[T], name string, f func(Multiset[T]) Multiset[U]) *DifferenceStream[U] {
	op := &operator[T, U]{
		name: name,
		f:    f,
		out:  NewDifferenceStream[U](name, in.log),
	}
	in.AddListener(op)
	in.AddCommitListener(op)
	return op.out
}

func (op *operator[T, U]) Run(v Version, data Multiset[T]) error {
	if err := op.out.QueueData(v, op.f(data)); err != nil {
		return err
	}
	return op.out.Notify(v)
}

func (op *operator[T, U]) Committed(v Version) error { return op.out.NotifyCommitted(v) }

func (op *operator[T, U]) Name() string            { return op.name }
func (op *operator[T, U]) Kind() NodeKind          { return NodeOperator }
func (op *operator[T, U]) Downstream() []GraphNode { return op.out.Downstream() }

// Map creates a stream that applies f to the value of every entry, keeping multiplicities.
func Map[T, U any](in *DifferenceStream[T], name string, f func(T) U) *DifferenceStream[U] {
	return newOperator(in, name, func(data Multiset[T]) Multiset[U] {
		entries := make([]Entry[U], 0, data.Len())
		for e := range data.All() {
			entries = append(entries, Entry[U]{Value: f(e.Value), Multiplicity: e.Multiplicity})
		}
		return Multiset[U]{entries: entries}
	})
}

// Filter creates a stream that keeps the entries whose value satisfies pred.
func Filter[T any](in *DifferenceStream[T], name string, pred func(T) bool) *DifferenceStream[T] {
	return newOperator(in, name, func(data Multiset[T]) Multiset[T] {
		entries := make([]Entry[T], 0, data.Len())
		for e := range data.All() {
			if pred(e.Value) {
				entries = append(entries, e)
			}
		}
		return Multiset[T]{entries: entries}
	})
}

// Negate creates a stream that flips the sign of every multiplicity.
func Negate[T any](in *DifferenceStream[T], name string) *DifferenceStream[T] {
	return newOperator(in, name, func(data Multiset[T]) Multiset[T] {
		entries := make([]Entry[T], 0, data.Len())
		for e := range data.All() {
			entries = append(entries, Entry[T]{Value: e.Value, Multiplicity: -e.Multiplicity})
		}
		return Multiset[T]{entries: entries}
	})
}

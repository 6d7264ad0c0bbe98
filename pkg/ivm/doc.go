// Package ivm implements the source side of an incremental view maintenance (IVM) dataflow
// graph: stateless sources that buffer single-value mutations, difference streams that carry
// versioned batches of signed-multiplicity changes downstream, and the Materialite transaction
// coordinator that drives the three-phase commit protocol across all sources.
//
// Data flows as multisets: ordered, immutable batches of (value, multiplicity) entries tagged
// with the version of the commit round that produced them. A commit round runs in three
// phases:
//   - Enqueue: every dirty source snapshots its pending buffer into its stream's queue.
//   - Run: every dirty source's stream delivers the queued batches to recomputation listeners.
//   - Committed: every dirty source's stream tells commit listeners that the version is final.
//
// The run phase completes across the whole graph before the committed phase starts anywhere,
// so no consumer ever observes a partially propagated version.
//
// Example usage:
//
//	m := ivm.New(ivm.Options{Logger: log})
//	users := ivm.NewStatelessSource[User](m, "users")
//	adults := ivm.Filter(users.Stream(), "adults", func(u User) bool { return u.Age >= 18 })
//	view := ivm.NewView(adults, "adults-view", zset.JSONKey[User])
//	err := m.Tx(func() error {
//		users.Add(alice).Delete(bob)
//		return nil
//	})
package ivm

package ivm

import (
	"errors"
	"strconv"

	g "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bradleyayers/rails/internal/testutils"
)

// brokenSource violates the commit protocol in one phase.
type brokenSource struct {
	phase                 Phase
	committed, rolledBack bool
}

func (b *brokenSource) fail(p Phase, v Version) error {
	if b.phase == p {
		return newProtocolError("broken", v, "misordered %s", p)
	}
	return nil
}

func (b *brokenSource) OnCommitEnqueue(v Version) error { return b.fail(PhaseEnqueue, v) }
func (b *brokenSource) OnCommitRun(v Version) error     { return b.fail(PhaseRun, v) }
func (b *brokenSource) OnCommitted(v Version) error {
	if err := b.fail(PhaseCommitted, v); err != nil {
		return err
	}
	b.committed = true
	return nil
}
func (b *brokenSource) OnRollback() { b.rolledBack = true }

var _ = g.Describe("Materialite", func() {
	var (
		m      *Materialite
		s1, s2 *StatelessSource[string]
		events []event
	)

	g.BeforeEach(func() {
		m = New(Options{Logger: logger})
		s1 = NewStatelessSource[string](m, "s1")
		s2 = NewStatelessSource[string](m, "s2")
		events = []event{}
		newRecorder("r1", &events).attach(s1.Stream())
		newRecorder("r2", &events).attach(s2.Stream())
	})

	g.It("should use a discarding logger by default", func() {
		Expect(func() { New(Options{}).Logger().V(4).Info("discarded") }).NotTo(Panic())
	})

	g.It("should commit a round as a single version", func() {
		s1.Add("a")
		s1.Add("b")
		s1.Delete("a")
		Expect(m.Dirty()).To(Equal(1))

		v, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Version(1)))
		Expect(m.Version()).To(Equal(Version(1)))
		Expect(m.Dirty()).To(Equal(0))

		Expect(events).To(Equal([]event{
			{Listener: "r1", Phase: PhaseRun, Version: 1,
				Entries: []Entry[string]{add("a"), add("b"), del("a")}},
			{Listener: "r1", Phase: PhaseCommitted, Version: 1},
		}))
	})

	g.It("should not allocate a version without dirty sources", func() {
		v, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Version(0)))
		Expect(events).To(BeEmpty())
	})

	g.It("should run every phase on all sources before the next phase starts", func() {
		s1.Add("a")
		s2.Add("b")

		_, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())

		Expect(events).To(Equal([]event{
			{Listener: "r1", Phase: PhaseRun, Version: 1, Entries: []Entry[string]{add("a")}},
			{Listener: "r2", Phase: PhaseRun, Version: 1, Entries: []Entry[string]{add("b")}},
			{Listener: "r1", Phase: PhaseCommitted, Version: 1},
			{Listener: "r2", Phase: PhaseCommitted, Version: 1},
		}))
	})

	g.It("should enqueue on every source before running any", func() {
		s1.Add("a")
		s2.Add("b")

		queued := -1
		s1.Stream().AddListener(ListenerFunc[string](func(Version, Multiset[string]) error {
			queued = s2.Stream().Queued()
			return nil
		}))

		_, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(queued).To(Equal(1))
	})

	g.It("should skip sources rolled back before the round", func() {
		s1.Add("x")
		m.Rollback()
		Expect(s1.Pending()).To(Equal(0))
		Expect(m.Dirty()).To(Equal(0))

		s2.Add("y")
		v, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Version(1)))

		Expect(events).To(Equal([]event{
			{Listener: "r2", Phase: PhaseRun, Version: 1, Entries: []Entry[string]{add("y")}},
			{Listener: "r2", Phase: PhaseCommitted, Version: 1},
		}))
	})

	g.It("should deliver sequential commits in order", func() {
		s1.Add("a")
		_, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())

		s1.Delete("a")
		_, err = m.Commit()
		Expect(err).NotTo(HaveOccurred())

		Expect(events).To(Equal([]event{
			{Listener: "r1", Phase: PhaseRun, Version: 1, Entries: []Entry[string]{add("a")}},
			{Listener: "r1", Phase: PhaseCommitted, Version: 1},
			{Listener: "r1", Phase: PhaseRun, Version: 2, Entries: []Entry[string]{del("a")}},
			{Listener: "r1", Phase: PhaseCommitted, Version: 2},
		}))
	})

	g.It("should not affect committed versions on rollback", func() {
		s1.Add("a")
		_, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())

		s1.Add("b")
		m.Rollback()

		s1.Add("c")
		v, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Version(2)))

		Expect(events).To(HaveLen(4))
		Expect(events[0].Entries).To(Equal([]Entry[string]{add("a")}))
		Expect(events[2].Entries).To(Equal([]Entry[string]{add("c")}))
	})

	g.Context("transactions", func() {
		g.It("should commit on success", func() {
			err := m.Tx(func() error {
				s1.Add("a")
				s2.Add("b")
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Version()).To(Equal(Version(1)))
			Expect(events).To(HaveLen(4))
		})

		g.It("should roll back on error", func() {
			boom := errors.New("boom")
			err := m.Tx(func() error {
				s1.Add("x")
				return boom
			})
			Expect(err).To(MatchError(boom))
			Expect(m.Version()).To(Equal(Version(0)))
			Expect(s1.Pending()).To(Equal(0))

			Expect(m.Tx(func() error { s2.Add("y"); return nil })).To(Succeed())
			Expect(events).To(Equal([]event{
				{Listener: "r2", Phase: PhaseRun, Version: 1, Entries: []Entry[string]{add("y")}},
				{Listener: "r2", Phase: PhaseCommitted, Version: 1},
			}))
		})

		g.It("should roll back and re-raise on panic", func() {
			Expect(func() {
				_ = m.Tx(func() error {
					s1.Add("x")
					panic("boom")
				})
			}).To(PanicWith("boom"))

			Expect(s1.Pending()).To(Equal(0))
			Expect(m.Dirty()).To(Equal(0))

			// the coordinator is usable after the panic
			Expect(m.Tx(func() error { s1.Add("y"); return nil })).To(Succeed())
			Expect(m.Version()).To(Equal(Version(1)))
		})

		g.It("should flatten nested transactions", func() {
			err := m.Tx(func() error {
				s1.Add("a")
				return m.Tx(func() error {
					s1.Add("b")
					return nil
				})
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Version()).To(Equal(Version(1)))
			Expect(events[0].Entries).To(Equal([]Entry[string]{add("a"), add("b")}))
		})

		g.It("should roll back the outer transaction when a nested one fails", func() {
			boom := errors.New("boom")
			err := m.Tx(func() error {
				s1.Add("a")
				return m.Tx(func() error {
					s2.Add("b")
					return boom
				})
			})
			Expect(err).To(MatchError(boom))
			Expect(m.Version()).To(Equal(Version(0)))
			Expect(s1.Pending()).To(Equal(0))
			Expect(s2.Pending()).To(Equal(0))
		})
	})

	g.Context("auto-commit", func() {
		g.BeforeEach(func() {
			m = New(Options{Logger: logger, AutoCommit: true})
			s1 = NewStatelessSource[string](m, "s1")
			events = []event{}
			newRecorder("r1", &events).attach(s1.Stream())
		})

		g.It("should commit every mutation outside of a transaction", func() {
			s1.Add("a")
			Expect(m.Version()).To(Equal(Version(1)))
			s1.AddAll([]string{"b", "c"})
			Expect(m.Version()).To(Equal(Version(2)))

			Expect(events).To(HaveLen(4))
			Expect(events[2].Entries).To(Equal([]Entry[string]{add("b"), add("c")}))
		})

		g.It("should defer to an enclosing transaction", func() {
			Expect(m.Tx(func() error {
				s1.Add("a").Add("b")
				Expect(m.Version()).To(Equal(Version(0)))
				return nil
			})).To(Succeed())
			Expect(m.Version()).To(Equal(Version(1)))
		})

		g.It("should commit mutations made by listeners in a follow-up round", func() {
			s2 = NewStatelessSource[string](m, "s2")
			newRecorder("r2", &events).attach(s2.Stream())
			s1.Stream().AddCommitListener(CommitListenerFunc(func(v Version) error {
				s2.Add("echo-" + strconv.Itoa(int(v)))
				return nil
			}))

			s1.Add("a")
			Expect(m.Version()).To(Equal(Version(2)))
			Expect(events).To(ContainElement(event{Listener: "r2", Phase: PhaseRun, Version: 2,
				Entries: []Entry[string]{add("echo-1")}}))
		})
	})

	g.It("should leave mutations made by listeners for the next round", func() {
		s1.Stream().AddCommitListener(CommitListenerFunc(func(Version) error {
			s2.Add("late")
			return nil
		}))

		s1.Add("a")
		_, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Dirty()).To(Equal(1))
		Expect(s2.Pending()).To(Equal(1))

		v, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Version(2)))
	})

	g.It("should run a transaction opened by a listener after the running round", func() {
		s1.Stream().AddCommitListener(CommitListenerFunc(func(Version) error {
			return m.Tx(func() error { s2.Add("nested"); return nil })
		}))

		s1.Add("a")
		v, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Version(2)))
		Expect(m.Version()).To(Equal(Version(2)))
		Expect(events).To(ContainElement(event{Listener: "r2", Phase: PhaseRun, Version: 2,
			Entries: []Entry[string]{add("nested")}}))
	})

	g.It("should complete the round when a listener fails", func() {
		boom := errors.New("boom")
		s1.Stream().AddListener(ListenerFunc[string](func(Version, Multiset[string]) error { return boom }))

		s1.Add("a")
		s2.Add("b")
		v, err := m.Commit()
		Expect(err).To(MatchError(boom))
		Expect(errors.Is(err, ErrProtocolViolation)).To(BeFalse())
		Expect(v).To(Equal(Version(1)))

		Expect(events).To(Equal([]event{
			{Listener: "r1", Phase: PhaseRun, Version: 1, Entries: []Entry[string]{add("a")}},
			{Listener: "r2", Phase: PhaseRun, Version: 1, Entries: []Entry[string]{add("b")}},
			{Listener: "r1", Phase: PhaseCommitted, Version: 1},
			{Listener: "r2", Phase: PhaseCommitted, Version: 1},
		}))
	})

	g.It("should abort the round on a protocol violation", func() {
		broken := &brokenSource{phase: PhaseRun}
		s1.Add("a")
		m.AddDirtySource(broken)

		_, err := m.Commit()
		Expect(err).To(MatchError(ErrProtocolViolation))
		Expect(broken.committed).To(BeFalse())
		Expect(broken.rolledBack).To(BeTrue())
		for _, e := range events {
			Expect(e.Phase).NotTo(Equal(PhaseCommitted))
		}

		// the version that ran before the abort is committed together with the next one
		Expect(m.Dirty()).To(Equal(1))
		v, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Version(2)))
		Expect(events).To(Equal([]event{
			{Listener: "r1", Phase: PhaseRun, Version: 1, Entries: []Entry[string]{add("a")}},
			{Listener: "r1", Phase: PhaseRun, Version: 2},
			{Listener: "r1", Phase: PhaseCommitted, Version: 1},
			{Listener: "r1", Phase: PhaseCommitted, Version: 2},
		}))
	})

	g.It("should keep the sources of a round aborted in the enqueue phase dirty", func() {
		broken := &brokenSource{phase: PhaseEnqueue}
		m.AddDirtySource(broken)
		s1.Add("a")
		s2.Add("b")

		_, err := m.Commit()
		Expect(err).To(MatchError(ErrProtocolViolation))
		Expect(broken.rolledBack).To(BeTrue())
		Expect(events).To(BeEmpty())
		Expect(s1.Pending()).To(Equal(1))
		Expect(m.Dirty()).To(Equal(2))

		s1.Add("c")
		Expect(m.Dirty()).To(Equal(2))

		v, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Version(2)))
		Expect(s1.Pending()).To(Equal(0))
		Expect(s2.Pending()).To(Equal(0))
		Expect(events).To(Equal([]event{
			{Listener: "r1", Phase: PhaseRun, Version: 2, Entries: []Entry[string]{add("a"), add("c")}},
			{Listener: "r2", Phase: PhaseRun, Version: 2, Entries: []Entry[string]{add("b")}},
			{Listener: "r1", Phase: PhaseCommitted, Version: 2},
			{Listener: "r2", Phase: PhaseCommitted, Version: 2},
		}))
	})

	g.It("should deliver batches queued before an enqueue abort", func() {
		s1.Add("a")
		broken := &brokenSource{phase: PhaseEnqueue}
		m.AddDirtySource(broken)
		s2.Add("b")

		_, err := m.Commit()
		Expect(err).To(MatchError(ErrProtocolViolation))
		Expect(s1.Stream().Queued()).To(Equal(1))
		Expect(m.Dirty()).To(Equal(2))

		_, err = m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(Equal([]event{
			{Listener: "r1", Phase: PhaseRun, Version: 1, Entries: []Entry[string]{add("a")}},
			{Listener: "r1", Phase: PhaseRun, Version: 2},
			{Listener: "r2", Phase: PhaseRun, Version: 2, Entries: []Entry[string]{add("b")}},
			{Listener: "r1", Phase: PhaseCommitted, Version: 1},
			{Listener: "r1", Phase: PhaseCommitted, Version: 2},
			{Listener: "r2", Phase: PhaseCommitted, Version: 2},
		}))
	})

	g.It("should deduplicate dirty registrations", func() {
		s1.Add("a")
		m.AddDirtySource(s1.internal)
		s1.Add("b")
		Expect(m.Dirty()).To(Equal(1))
	})

	g.It("should commit mutations of concurrent producers exactly once", func() {
		const producers, perProducer = 4, 200

		total := 0
		s1.Stream().AddListener(ListenerFunc[string](func(_ Version, data Multiset[string]) error {
			total += data.Len()
			return nil
		}))

		done := testutils.Produce(producers, perProducer, func(p, i int) {
			s1.Add(strconv.Itoa(p*perProducer + i))
		})

	loop:
		for {
			select {
			case <-done:
				break loop
			default:
				_, err := m.Commit()
				Expect(err).NotTo(HaveOccurred())
			}
		}

		_, err := m.Commit()
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(producers * perProducer))
		Expect(s1.Pending()).To(Equal(0))
	})
})

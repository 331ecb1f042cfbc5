// Package hart holds per-hart mutable state: which task (if any) is
// currently executing, IRQ-disable/fault-handler nesting depth, this
// hart's RCU front end, and the PRNG the task executor's work-stealing
// policy uses to pick a victim. Rooted in a fixed-size table keyed by
// hart id, not a process-wide singleton — so that no cross-hart lock is
// needed to read or mutate a hart's own state.
//
// Grounded in biscuit/tinfo (the teacher's per-thread "current" pointer)
// retargeted from a patched-runtime Gptr()/Setgptr() pair — which relies
// on biscuit owning its own fork of the Go runtime — to a plain
// hart-id-indexed array, since this kernel does not fork the runtime.
package hart

import "github.com/ftl-os/ftlos/rcu"

const MaxHarts = rcu.MaxHarts

// Local is one hart's local context (spec.md §2, §3, §9).
type Local struct {
	ID int

	// Current holds whatever the task executor considers "the task
	// presently polling on this hart" (opaque here to avoid an import
	// cycle with sched; sched type-asserts it back to its own handle
	// type). Nil when the hart is idle.
	Current interface{}

	IRQDepth   int32
	FaultDepth int32

	RCU *rcu.LocalManager

	rngState uint64
}

// Table is the kernel-wide, fixed-size array of per-hart contexts.
type Table struct {
	harts [MaxHarts]*Local
	n     int
}

func NewTable(nharts int, mgr *rcu.Manager) *Table {
	if nharts > MaxHarts {
		panic("hart: nharts exceeds MaxHarts")
	}
	t := &Table{n: nharts}
	for i := 0; i < nharts; i++ {
		t.harts[i] = &Local{
			ID:       i,
			RCU:      rcu.NewLocalManager(mgr, i),
			rngState: seedFor(i),
		}
	}
	return t
}

func (t *Table) Len() int { return t.n }

func (t *Table) Get(id int) *Local {
	return t.harts[id]
}

func seedFor(id int) uint64 {
	// Distinct non-zero seeds per hart so each xorshift stream diverges
	// immediately; a shared seed would make every hart's steal order
	// identical on the first pick.
	s := uint64(id)*2654435761 + 0x9E3779B97F4A7C15
	if s == 0 {
		s = 1
	}
	return s
}

// NextRand returns the next value of this hart's xorshift64 stream,
// used by the executor's work-stealing policy to pick a randomized
// probe order over peer harts.
func (l *Local) NextRand() uint64 {
	x := l.rngState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	l.rngState = x
	return x
}

// IRQDisable/IRQEnable and FaultEnter/FaultLeave track nesting depth for
// the two reentrancy-sensitive contexts the kernel must count: nested
// IRQ-disable regions and nested page-fault handling (a fault handler
// can itself fault, e.g. walking a page table that is itself paged).
func (l *Local) IRQDisable() { l.IRQDepth++ }
func (l *Local) IRQEnable() {
	if l.IRQDepth == 0 {
		panic("hart: unbalanced IRQEnable")
	}
	l.IRQDepth--
}

func (l *Local) FaultEnter() { l.FaultDepth++ }
func (l *Local) FaultLeave() {
	if l.FaultDepth == 0 {
		panic("hart: unbalanced FaultLeave")
	}
	l.FaultDepth--
}

package sched

import "github.com/ftl-os/ftlos/hart"

// AddressContext is the subset of vm.AddressSpace the outermost wrapper
// needs: activate this address space on the calling hart, reporting
// whether the underlying page table carries a hardware ASID. Defined
// here rather than imported from vm to keep sched free of a dependency
// on the memory-management package; vm.AddressSpace implements this.
type AddressContext interface {
	Activate() (asid uint32, hasASID bool)
}

// TLB flushes non-global entries, needed on every resumption of a task
// whose address space has no hardware ASID (so stale translations left
// by the previously-running task cannot be used).
type TLB interface {
	FlushNonGlobal()
}

// outermostTask wraps exactly one root task: on every Poll it activates
// the task's address space (flushing the non-global TLB when there is
// no ASID) and sets this hart's "current task" pointer, then restores
// the previous "current task" pointer on the way out — including on a
// panic, via defer, so a fault mid-poll never leaves the hart pointing
// at a half-torn-down task. The previous address space is not
// re-activated on the way out, and no TLB flush is done then. Only root tasks are
// ever wrapped; nothing a task spawns internally passes back through
// this wrapper, so nested installation cannot happen.
type outermostTask struct {
	inner Task
	ctx   AddressContext
	tlb   TLB
	local *hart.Local
}

// WrapOutermost produces the root task the executor actually runs:
// inner wrapped with the install/restore discipline of spec.md §4.2.
func WrapOutermost(inner Task, ctx AddressContext, tlb TLB, local *hart.Local) Task {
	return &outermostTask{inner: inner, ctx: ctx, tlb: tlb, local: local}
}

func (t *outermostTask) Poll(w *Waker) PollResult {
	prev := t.local.Current
	t.local.Current = t.inner
	defer func() { t.local.Current = prev }()

	if _, hasASID := t.ctx.Activate(); !hasASID {
		t.tlb.FlushNonGlobal()
	}

	return t.inner.Poll(w)
}

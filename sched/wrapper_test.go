package sched

import (
	"testing"

	"github.com/ftl-os/ftlos/hart"
	"github.com/ftl-os/ftlos/rcu"
)

type fakeCtx struct {
	activations int
	asid        uint32
	hasASID     bool
}

func (c *fakeCtx) Activate() (uint32, bool) {
	c.activations++
	return c.asid, c.hasASID
}

type fakeTLB struct{ flushes int }

func (t *fakeTLB) FlushNonGlobal() { t.flushes++ }

type innerTask struct {
	sawCurrent interface{}
	ready      bool
}

func (it *innerTask) Poll(w *Waker) PollResult {
	if it.ready {
		return PollReady
	}
	it.ready = true
	return PollPending
}

func TestWrapperFlushesTLBWhenNoASID(t *testing.T) {
	local := hart.NewTable(1, rcu.NewManager()).Get(0)
	ctx := &fakeCtx{hasASID: false}
	tlb := &fakeTLB{}
	inner := &innerTask{}

	root := WrapOutermost(inner, ctx, tlb, local)
	e := NewExecutor(hart.NewTable(1, rcu.NewManager()))
	e.Spawn(root, 0)
	e.RunOne(0)

	if ctx.activations != 1 {
		t.Fatalf("expected Activate to run once, got %d", ctx.activations)
	}
	if tlb.flushes != 1 {
		t.Fatalf("expected a non-global TLB flush when ASID is absent, got %d flushes", tlb.flushes)
	}
}

func TestWrapperSkipsTLBFlushWithASID(t *testing.T) {
	local := hart.NewTable(1, rcu.NewManager()).Get(0)
	ctx := &fakeCtx{hasASID: true, asid: 7}
	tlb := &fakeTLB{}
	inner := &innerTask{}

	root := WrapOutermost(inner, ctx, tlb, local)
	e := NewExecutor(hart.NewTable(1, rcu.NewManager()))
	e.Spawn(root, 0)
	e.RunOne(0)

	if tlb.flushes != 0 {
		t.Fatalf("expected no TLB flush when the address space has a hardware ASID, got %d", tlb.flushes)
	}
}

func TestWrapperRestoresPreviousCurrentOnPanic(t *testing.T) {
	local := hart.NewTable(1, rcu.NewManager()).Get(0)
	local.Current = "previous-task-marker"
	ctx := &fakeCtx{hasASID: true}
	tlb := &fakeTLB{}

	root := WrapOutermost(panicTask{}, ctx, tlb, local)

	func() {
		defer func() { recover() }()
		root.Poll(&Waker{state: &RunState{}})
	}()

	if local.Current != "previous-task-marker" {
		t.Fatalf("hart-local Current not restored after a panic mid-poll, got %v", local.Current)
	}
}

type panicTask struct{}

func (panicTask) Poll(w *Waker) PollResult {
	panic("simulated page-fault-handler fault")
}

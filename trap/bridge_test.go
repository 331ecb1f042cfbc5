package trap

import (
	"testing"

	"github.com/ftl-os/ftlos/hart"
	"github.com/ftl-os/ftlos/rcu"
	"github.com/ftl-os/ftlos/sched"
)

func newHarts(n int) *hart.Table {
	return hart.NewTable(n, rcu.NewManager())
}

func TestBridgeRunsToExitWithoutSuspending(t *testing.T) {
	harts := newHarts(1)
	e := sched.NewExecutor(harts)

	ctx := &Context{}
	traps := 0
	enter := func(c *Context) { traps++ }
	handle := func(c *Context, w *sched.Waker) StepResult {
		if traps < 3 {
			return StepContinue
		}
		return StepExit
	}
	b := NewBridge(ctx, enter, handle)
	e.Spawn(b, 0)

	if !e.RunOne(0) {
		t.Fatalf("expected the bridge task to run")
	}
	if traps != 3 {
		t.Fatalf("traps = %d, want 3", traps)
	}
	if e.RunOne(0) {
		t.Fatalf("bridge task should have exited, not be runnable again")
	}
}

func TestBridgeSuspendsAndResumesOnWake(t *testing.T) {
	harts := newHarts(1)
	e := sched.NewExecutor(harts)

	ctx := &Context{}
	suspended := false
	var savedWaker *sched.Waker
	handle := func(c *Context, w *sched.Waker) StepResult {
		if !suspended {
			suspended = true
			savedWaker = w
			return StepSuspend
		}
		return StepExit
	}
	b := NewBridge(ctx, func(*Context) {}, handle)
	e.Spawn(b, 0)

	if !e.RunOne(0) {
		t.Fatalf("expected first poll to run")
	}
	if e.RunOne(0) {
		t.Fatalf("task suspended, should not be runnable until woken")
	}

	savedWaker.Wake(0)
	if !e.RunOne(0) {
		t.Fatalf("expected the woken task to run to completion")
	}
}

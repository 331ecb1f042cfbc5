package proc

import (
	"testing"

	"github.com/ftl-os/ftlos/sched"
	"github.com/ftl-os/ftlos/trap"
	"github.com/ftl-os/ftlos/ustr"
)

func TestRootProcessRunsAndParks(t *testing.T) {
	k := NewKernel(1, 64)
	root, _, err := NewRootProcess(k, 0, ustr.Ustr("init"))
	if err != nil {
		t.Fatalf("NewRootProcess: %v", err)
	}
	if root.Pid != 1 {
		t.Fatalf("root pid = %d, want 1", root.Pid)
	}
	if !k.Exec.RunOne(0) {
		t.Fatalf("expected the root thread's task to run")
	}
	// The default handle parks the thread on its first trap (an idle
	// placeholder) rather than exiting, so init survives untouched.
	if root.NumThreads() != 1 {
		t.Fatalf("root thread count = %d, want 1 (parked, not exited)", root.NumThreads())
	}
	if k.Exec.RunOne(0) {
		t.Fatalf("parked thread should not be runnable again without a Wake")
	}
}

func TestForkChildExitNotifiesParentWaitList(t *testing.T) {
	k := NewKernel(2, 64)
	parent, _, err := NewRootProcess(k, 0, ustr.Ustr("parent"))
	if err != nil {
		t.Fatalf("NewRootProcess: %v", err)
	}
	k.Exec.RunOne(0) // parks parent's own thread0

	exitNow := func(ctx *trap.Context, w *sched.Waker) trap.StepResult {
		return trap.StepExit
	}
	child, _, err := parent.ForkWith(0, func(*trap.Context) {}, exitNow)
	if err != nil {
		t.Fatalf("ForkWith: %v", err)
	}
	if _, ok := parent.Children[child.Pid]; !ok {
		t.Fatalf("child not registered in parent.Children")
	}

	if !k.Exec.RunOne(0) {
		t.Fatalf("expected child thread task to run")
	}

	st, err := parent.Wait.Reap(child.Pid, true, true)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if !st.Valid {
		t.Fatalf("expected a valid wait status for the reaped child")
	}
	if _, ok := k.Lookup(child.Pid); ok {
		t.Fatalf("child still present in process table after terminate")
	}
}

func TestThreadDoomedExitsOnNextTrap(t *testing.T) {
	k := NewKernel(1, 64)
	root, _, err := NewRootProcess(k, 0, ustr.Ustr("init"))
	if err != nil {
		t.Fatalf("NewRootProcess: %v", err)
	}
	k.Exec.RunOne(0) // drain thread0

	traps := 0
	handle := func(ctx *trap.Context, w *sched.Waker) trap.StepResult {
		traps++
		return trap.StepContinue
	}
	th, err := root.NewThread(k, 0, func(*trap.Context) {}, handle)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	root.Doomall()
	if !th.Doomed() {
		t.Fatalf("thread should observe its process as doomed")
	}

	if !k.Exec.RunOne(0) {
		t.Fatalf("expected the doomed thread's task to run once more")
	}
	if traps != 0 {
		t.Fatalf("doomed thread should exit before reaching the caller's handle, traps = %d", traps)
	}
}

func TestOOMKillerPicksHighestScoringNonInitProcess(t *testing.T) {
	k := NewKernel(2, 64)
	root, _, err := NewRootProcess(k, 0, ustr.Ustr("init"))
	if err != nil {
		t.Fatalf("NewRootProcess: %v", err)
	}
	k.Exec.RunOne(0)

	victim, _, err := root.Fork(0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	o := NewOOMKiller(k)
	picked := o.pickVictim()
	if picked == nil || picked.Pid != victim.Pid {
		t.Fatalf("OOM killer did not pick the only forked process")
	}
}

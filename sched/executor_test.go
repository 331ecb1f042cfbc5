package sched

import (
	"testing"

	"github.com/ftl-os/ftlos/rcu"

	"github.com/ftl-os/ftlos/hart"
)

// countdownTask polls Pending count-1 times, then Ready, recording how
// many times Poll actually ran.
type countdownTask struct {
	remaining int
	polls     int
}

func (c *countdownTask) Poll(w *Waker) PollResult {
	c.polls++
	if c.remaining == 0 {
		return PollReady
	}
	c.remaining--
	w.Wake(-1)
	return PollPending
}

func newHarts(n int) *hart.Table {
	return hart.NewTable(n, rcu.NewManager())
}

func TestRunOneDrainsLocalThenGlobalThenSteal(t *testing.T) {
	harts := newHarts(2)
	e := NewExecutor(harts)

	task := &countdownTask{remaining: 0}
	e.Spawn(task, 0)

	if !e.RunOne(0) {
		t.Fatalf("expected hart 0 to find its own local task")
	}
	if task.polls != 1 {
		t.Fatalf("expected exactly one poll, got %d", task.polls)
	}

	// Nothing left anywhere.
	if e.RunOne(0) || e.RunOne(1) {
		t.Fatalf("expected no runnable handles after the single task completed")
	}
}

func TestWorkStealingMovesHalfTheQueue(t *testing.T) {
	harts := newHarts(2)
	e := NewExecutor(harts)

	const n = 10
	tasks := make([]*countdownTask, n)
	for i := range tasks {
		tasks[i] = &countdownTask{remaining: 0}
		e.Spawn(tasks[i], 0) // all pinned to hart 0's local ring
	}

	// Hart 1 has nothing local and nothing global; it must steal from
	// hart 0's ring to make progress.
	ran := 0
	for e.RunOne(1) {
		ran++
	}
	if ran == 0 {
		t.Fatalf("hart 1 never stole any work from hart 0")
	}

	// Whatever hart 1 didn't take, hart 0 finishes itself.
	for e.RunOne(0) {
		ran++
	}
	if ran != n {
		t.Fatalf("expected all %d tasks to run exactly once total, got %d", n, ran)
	}
	for i, tk := range tasks {
		if tk.polls != 1 {
			t.Fatalf("task %d polled %d times, want 1", i, tk.polls)
		}
	}
}

// wakeDuringPollTask wakes its own handle from inside Poll before
// returning Pending the first time, modeling a wake racing in while the
// executor is still transitioning RUNNING -> IDLE — the handle must
// land in AFTER and be re-enqueued immediately rather than lost.
type wakeDuringPollTask struct {
	step int
}

func (w *wakeDuringPollTask) Poll(wk *Waker) PollResult {
	w.step++
	switch w.step {
	case 1:
		wk.Wake(-1) // races ahead of this poll's own runFinish
		return PollPending
	default:
		return PollReady
	}
}

func TestWakeDuringPollReenqueuesImmediately(t *testing.T) {
	harts := newHarts(1)
	e := NewExecutor(harts)

	task := &wakeDuringPollTask{}
	e.Spawn(task, 0)

	if !e.RunOne(0) {
		t.Fatalf("expected the first poll to run")
	}
	if task.step != 1 {
		t.Fatalf("expected exactly one poll so far, got step=%d", task.step)
	}

	// The self-wake during step 1 must have re-enqueued the handle:
	// a second RunOne should find it runnable without any external wake.
	if !e.RunOne(0) {
		t.Fatalf("handle was not re-enqueued after a wake raced in mid-poll")
	}
	if task.step != 2 {
		t.Fatalf("expected the handle to reach Ready on its second poll, step=%d", task.step)
	}

	if e.RunOne(0) {
		t.Fatalf("task reached Ready but was polled again")
	}
}

func TestSpawnHartHintOverflowSpillsToGlobal(t *testing.T) {
	harts := newHarts(1)
	e := NewExecutor(harts)

	// Fill hart 0's ring to capacity, then spawn one more: it must
	// spill to the global queue rather than being dropped.
	fillers := make([]*countdownTask, localRingSize)
	for i := range fillers {
		fillers[i] = &countdownTask{remaining: 0}
		e.Spawn(fillers[i], 0)
	}
	overflow := &countdownTask{remaining: 0}
	e.Spawn(overflow, 0)

	ran := 0
	for e.RunOne(0) {
		ran++
	}
	if ran != localRingSize+1 {
		t.Fatalf("expected %d tasks to run, got %d", localRingSize+1, ran)
	}
	if overflow.polls != 1 {
		t.Fatalf("overflow task did not run exactly once, polls=%d", overflow.polls)
	}
}

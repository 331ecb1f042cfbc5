package sched

// PollResult is the outcome of one poll of a task: either it finished
// (Ready, never polled again) or it suspended pending some external
// event and must be woken through its Waker (Pending).
type PollResult int

const (
	PollPending PollResult = iota
	PollReady
)

// Task is one stackless, cooperatively-scheduled unit of work. Poll
// must not block; a task that needs to wait stashes w (or a clone of
// it) somewhere it will be called back from — a futex wait list, an
// interrupt completion, a child's exit — and returns PollPending.
type Task interface {
	Poll(w *Waker) PollResult
}

// Waker is the capability a suspended task's Poll hands to whatever it
// is waiting on; calling Wake is the only way an IDLE task handle is
// ever made runnable again (a wake during a poll marks it AFTER instead).
type Waker struct {
	state *RunState
	h     *Handle
	e     *Executor
}

// Wake requests another poll of the owning handle. onHart is the
// caller's own hart id if the caller is itself hart-bound executor code
// (so the rewoken handle lands on that hart's local queue for cache
// locality), or -1 if the caller has no hart affinity (an interrupt
// handler, a timer, or any off-hart code), in which case the handle
// goes to the global queue (spec.md §4.1).
func (w *Waker) Wake(onHart int) {
	w.state.wake(func() {
		w.e.enqueue(w.h, onHart)
	})
}

// Handle is a task bound into one Executor, carrying its run-state and
// its own Waker. Handles are never polled directly: the executor dequeues
// one and calls its poll wrapper, which enforces run-state and, for a
// root task, installs/restores hart-local context around the inner Poll.
type Handle struct {
	task  Task
	state RunState
	w     Waker
}

func newHandle(e *Executor, task Task) *Handle {
	h := &Handle{task: task}
	h.w = Waker{state: &h.state, h: h, e: e}
	// A freshly spawned handle starts PENDING (runnable) directly,
	// skipping IDLE: it has never been polled, so there is no running
	// poll for a concurrent wake to race against.
	h.state.v = statePending
	return h
}

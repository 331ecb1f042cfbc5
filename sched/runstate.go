// Package sched implements the cooperative, stackless task executor:
// the thread wake-state protocol, the global/per-hart run queues with
// work stealing, and the outermost task wrapper that installs a task's
// address-space context on every resumption.
//
// Grounded on the original FTL OS Rust sources
// (executor/mod.rs, task/mod.rs, local/mod.rs) for the protocol shape,
// and on the Go runtime's own goroutine scheduler — documented in
// pianoyeg94-go-runtime-inside-out's scheduler notes — for the
// per-hart local run queue and work-stealing implementation, since Go's
// own M:N scheduler is the idiomatic reference design for exactly this
// kind of local-queue-plus-steal executor.
package sched

import "sync/atomic"

// run-state values, spec.md §3.
const (
	stateIdle int32 = iota
	statePending
	stateRunning
	stateAfter
)

// RunState is the four-valued atomic gating a task handle's presence
// in the executor's queues. Invariant: a handle is present in at most
// one queue slot at any instant, and every wake causes exactly one
// eventual poll.
type RunState struct {
	v int32
}

// wake runs the CAS protocol of spec.md §4.1's "Wake protocol" table.
// resubmit is called exactly once, iff this wake is the one that must
// cause a fresh enqueue (IDLE -> PENDING).
func (r *RunState) wake(resubmit func()) {
	for {
		old := atomic.LoadInt32(&r.v)
		switch old {
		case stateIdle:
			if atomic.CompareAndSwapInt32(&r.v, stateIdle, statePending) {
				resubmit()
				return
			}
		case stateRunning:
			if atomic.CompareAndSwapInt32(&r.v, stateRunning, stateAfter) {
				return
			}
		case statePending, stateAfter:
			// no-op: already guaranteed a future run.
			return
		default:
			panic("sched: run-state corrupted")
		}
	}
}

// runStart transitions PENDING -> RUNNING. Only the executor calls
// this, immediately before polling a handle it just dequeued; dequeuing
// a handle that is not PENDING would violate the at-most-one-queue-slot
// invariant, so this panics rather than silently proceeding.
func (r *RunState) runStart() {
	if !atomic.CompareAndSwapInt32(&r.v, statePending, stateRunning) {
		panic("sched: run-start on a handle that was not PENDING")
	}
}

// runFinish is called immediately after a poll returns "not ready".
// It reports whether a wake arrived mid-poll (state AFTER) and the
// handle must be re-enqueued now.
func (r *RunState) runFinish() bool {
	for {
		old := atomic.LoadInt32(&r.v)
		switch old {
		case stateRunning:
			if atomic.CompareAndSwapInt32(&r.v, stateRunning, stateIdle) {
				return false
			}
		case stateAfter:
			if atomic.CompareAndSwapInt32(&r.v, stateAfter, statePending) {
				return true
			}
		default:
			panic("sched: run-finish on a handle that was not RUNNING/AFTER")
		}
	}
}

package sched

import (
	"fmt"

	"github.com/ftl-os/ftlos/hart"
)

// Executor is the process-wide task scheduler: one global FIFO plus
// one local ring per hart, drained by each hart calling RunOne in its
// own idle loop (spec.md §4.1).
type Executor struct {
	global globalQueue
	locals []*localRing
	harts  *hart.Table
}

func NewExecutor(harts *hart.Table) *Executor {
	e := &Executor{
		locals: make([]*localRing, harts.Len()),
		harts:  harts,
	}
	for i := range e.locals {
		e.locals[i] = &localRing{}
	}
	return e
}

// Spawn creates a new handle for task and makes it runnable. hartHint
// pins the first run to that hart's local queue when >= 0 and not
// full; otherwise (including hartHint == -1) it goes to the global
// queue, where any idle hart may pick it up.
func (e *Executor) Spawn(task Task, hartHint int) *Handle {
	h := newHandle(e, task)
	e.enqueue(h, hartHint)
	return h
}

func (e *Executor) enqueue(h *Handle, onHart int) {
	if onHart >= 0 && onHart < len(e.locals) {
		if e.locals[onHart].push(h) {
			return
		}
	}
	e.global.push(h)
}

// RunOne drains exactly one runnable handle for hartID: first its own
// local ring, then the global queue, then a randomized steal attempt
// against peer harts. Returns false if nothing was runnable anywhere,
// the signal for the caller to wait for an interrupt.
func (e *Executor) RunOne(hartID int) bool {
	lq := e.locals[hartID]

	h := lq.pop()
	if h == nil {
		h = e.global.pop()
	}
	if h == nil {
		h = e.steal(hartID)
	}
	if h == nil {
		return false
	}
	e.poll(h, hartID)
	return true
}

// maxStealProbes bounds how many peer harts a hart tries before giving
// up for this turn; bounding it keeps a hart that finds nothing from
// spinning through every peer every idle tick under contention.
const maxStealProbes = 4

func (e *Executor) steal(hartID int) *Handle {
	n := len(e.locals)
	if n <= 1 {
		return nil
	}
	local := e.harts.Get(hartID)
	probes := n - 1
	if probes > maxStealProbes {
		probes = maxStealProbes
	}
	start := int(local.NextRand() % uint64(n))
	tried := 0
	for i := 0; i < n && tried < probes; i++ {
		victim := (start + i) % n
		if victim == hartID {
			continue
		}
		tried++
		if h := e.locals[victim].steal(e.locals[hartID], &e.global); h != nil {
			return h
		}
	}
	return nil
}

// poll enforces the run-state protocol around exactly one Task.Poll
// call, then re-enqueues the handle if a wake raced in mid-poll. A
// panic inside the task is fatal to that task only: poll recovers it,
// logs it, and drops the handle without re-enqueueing it, so the hart
// goes on to its next task.
func (e *Executor) poll(h *Handle, hartID int) {
	h.state.runStart()
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("[ftlos] hart %d: task panicked, dropped: %v\n", hartID, r)
		}
	}()
	result := h.task.Poll(&h.w)
	if result == PollReady {
		return
	}
	if h.state.runFinish() {
		e.enqueue(h, hartID)
	}
}

package trap

import "github.com/ftl-os/ftlos/sched"

// StepResult tells Bridge.Poll what to do after one trap has been
// inspected and handled.
type StepResult int

const (
	// StepContinue re-enters user mode immediately: the trap was
	// handled synchronously (a fast syscall, a resolved page fault)
	// and nothing is worth suspending the task for.
	StepContinue StepResult = iota
	// StepSuspend returns PollPending: the handler has stashed w (or
	// a clone) somewhere it will be woken from, and the task must not
	// run again until that happens.
	StepSuspend
	// StepExit returns PollReady: the thread is finished and this
	// task will never be polled again.
	StepExit
)

// EnterUser is the architectural trampoline that runs ctx's registers
// in user mode until the next trap, then fills Cause/Tval/PC back in.
// Its actual instruction sequence is out of scope (spec.md §16); real
// boot code supplies it, tests supply a fake that simulates one trap
// per call.
type EnterUser func(ctx *Context)

// Handle inspects ctx after a trap (syscall, page fault, timer,
// exception) and carries out whatever synchronous work it can,
// returning how Bridge.Poll should proceed. It is the only place in
// this package where a task may suspend: if it returns StepSuspend it
// must itself have arranged a future call to w.Wake.
type Handle func(ctx *Context, w *sched.Waker) StepResult

// Bridge is the inner task every user thread runs: the outermost task
// wrapper (sched.WrapOutermost) installs address-space/hart-local
// context around one Poll of it, and Poll itself runs
// enter-user → take-trap → handle → repeat until the thread exits or
// suspends (spec.md §2, §4.1, §6).
type Bridge struct {
	ctx       *Context
	enterUser EnterUser
	handle    Handle
}

func NewBridge(ctx *Context, enterUser EnterUser, handle Handle) *Bridge {
	return &Bridge{ctx: ctx, enterUser: enterUser, handle: handle}
}

func (b *Bridge) Context() *Context { return b.ctx }

func (b *Bridge) Poll(w *sched.Waker) sched.PollResult {
	for {
		b.enterUser(b.ctx)
		switch b.handle(b.ctx, w) {
		case StepContinue:
			continue
		case StepSuspend:
			return sched.PollPending
		case StepExit:
			return sched.PollReady
		default:
			panic("trap: handle returned an unknown StepResult")
		}
	}
}

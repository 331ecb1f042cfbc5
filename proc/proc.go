// Package proc is the process and thread lifecycle layer: a process's
// immutable identity plus its mutable "alive" part (address space, cwd,
// fd table, parent/child links), and a thread as the unit of execution
// actually driven by the task executor (spec.md §3, §4.5). Grounded in
// biscuit's proc/proc.go, proc/wait.go, and proc/oom.go, retargeted from
// a goroutine-per-thread model (one `go p.run(...)` per thread) to a
// trap.Bridge task spawned on a sched.Executor.
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/ftl-os/ftlos/accnt"
	"github.com/ftl-os/ftlos/errs"
	"github.com/ftl-os/ftlos/fd"
	"github.com/ftl-os/ftlos/hart"
	"github.com/ftl-os/ftlos/hashtable"
	"github.com/ftl-os/ftlos/limits"
	"github.com/ftl-os/ftlos/physmem"
	"github.com/ftl-os/ftlos/rcu"
	"github.com/ftl-os/ftlos/sched"
	"github.com/ftl-os/ftlos/trap"
	"github.com/ftl-os/ftlos/ustr"
	"github.com/ftl-os/ftlos/vm"
)

// Kernel bundles the process-wide singletons every process/thread needs
// to come alive: the task executor, the per-hart table, the physical
// frame allocator, and the resource quotas. A kernel owns exactly one
// of each (spec.md §4.5's "global mutable state" note: hart-local
// context is per-hart, but the executor's global queue and the frame
// allocator are deliberately process-wide shared resources).
type Kernel struct {
	Exec   *sched.Executor
	Harts  *hart.Table
	Alloc  *physmem.Allocator
	Limits *limits.SystemLimits

	nextPid  int32
	nextTid  int32
	nthreads int64

	ptable *hashtable.Table
}

func NewKernel(nharts, nframes int) *Kernel {
	harts := hart.NewTable(nharts, rcu.NewManager())
	return &Kernel{
		Exec:   sched.NewExecutor(harts),
		Harts:  harts,
		Alloc:  physmem.NewAllocator(nframes, nharts),
		Limits: limits.NewSystemLimits(),
		ptable: hashtable.New(1024),
	}
}

func (k *Kernel) newPid() (int, bool) {
	if err := k.Limits.Procs.Take(1); err != nil {
		return 0, false
	}
	return int(atomic.AddInt32(&k.nextPid, 1)), true
}

func (k *Kernel) newTid() int {
	return int(atomic.AddInt32(&k.nextTid, 1))
}

func (k *Kernel) Lookup(pid int) (*Process, bool) {
	v, ok := k.ptable.Get(pid)
	if !ok {
		return nil, false
	}
	return v.(*Process), true
}

func (k *Kernel) forget(pid int) {
	k.ptable.Del(pid)
	k.Limits.Procs.Give(1)
}

// Process is an immutable identity (Pid, Pgid, Events) plus a mutable
// "alive" part behind mu. The alive part transitions to reaped exactly
// once, when the last thread exits (spec.md §3's "Process" paragraph).
type Process struct {
	Pid    int
	Pgid   int
	Events *EventBus

	k *Kernel

	mu       sync.Mutex
	alive    bool
	exitCode int

	AS       *vm.AddressSpace
	Cwd      *fd.Cwd
	Fds      *fd.Table
	ExecPath ustr.Ustr
	Envp     []ustr.Ustr

	// Parent is conceptually a weak reference: a process never keeps
	// its parent alive. Children is the strong direction. Go's own GC
	// makes the cycle harmless even as a plain pointer; the weakness
	// is behavioral (Parent is cleared on reap, spec.md §3), not an
	// enforced runtime property.
	Parent   *Process
	Children map[int]*Process
	Threads  map[int]*Thread

	Ulim   limits.Ulimit
	Atime  accnt.Accnt_t
	Catime accnt.Accnt_t
	Wait   *WaitList

	doomed int32
}

// Thread is immutable (Tid, owning Process strong ref) plus a small
// thread-local mutable part: stack-slot id, the two futex-adjacent
// user pointers clone(2) sets, the signal mask, and the trap context
// save area, which by contract no other hart touches while this thread
// is RUNNING (spec.md §3's "Thread" paragraph).
type Thread struct {
	Tid  int
	Proc *Process

	mu            sync.Mutex
	StackSlot     int
	SetChildTid   uintptr
	ClearChildTid uintptr
	SigMask       uint64

	ctx    *trap.Context
	bridge *trap.Bridge
	handle *sched.Handle
}

func (t *Thread) Context() *trap.Context { return t.ctx }

// Doomed reports whether this thread's process has been marked for
// termination; a syscall handler checks this at its next suspension
// point and cleans up cooperatively rather than being preempted
// (spec.md §4.1's failure-semantics paragraph).
func (t *Thread) Doomed() bool {
	return atomic.LoadInt32(&t.Proc.doomed) != 0
}

// NewRootProcess creates pid 1 with a fresh address space and no
// parent; it must never be reaped.
func NewRootProcess(k *Kernel, hartID int, name ustr.Ustr) (*Process, *Thread, error) {
	pid, ok := k.newPid()
	if !ok {
		return nil, nil, errs.EAGAIN
	}
	as, err := vm.NewAddressSpace(k.Alloc, hartID, uint32(pid))
	if err != nil {
		return nil, nil, err
	}
	p := &Process{
		Pid:      pid,
		Events:   NewEventBus(),
		k:        k,
		alive:    true,
		AS:       as,
		Cwd:      fd.NewRootCwd(nil),
		Fds:      fd.NewTable(),
		ExecPath: name,
		Children: make(map[int]*Process),
		Threads:  make(map[int]*Thread),
		Ulim:     limits.DefaultUlimit(),
		Wait:     NewWaitList(),
	}
	k.ptable.Put(pid, p)

	th, err := p.newThread(k, hartID)
	if err != nil {
		k.forget(pid)
		return nil, nil, err
	}
	return p, th, nil
}

// Fork deep-clones the alive part's descriptor-like fields and forks
// the address space (spec.md §4.5): new pid, child's own fd table (a
// shallow fork sharing the open File descriptions, per fd.Table.Fork),
// shared Cwd, cloned address space via vm.AddressSpace.Fork.
func (parent *Process) Fork(hartID int) (*Process, *Thread, error) {
	return parent.ForkWith(hartID, func(*trap.Context) {}, defaultHandle)
}

// ForkWith is Fork with an explicit trap.EnterUser/trap.Handle pair for
// the child's first thread, for callers (such as the tests) that need
// the new thread to run something other than the idle placeholder.
func (parent *Process) ForkWith(hartID int, enterUser trap.EnterUser, handle trap.Handle) (*Process, *Thread, error) {
	pid, ok := parent.k.newPid()
	if !ok {
		return nil, nil, errs.EAGAIN
	}

	parent.mu.Lock()
	childAS, err := parent.AS.Fork(hartID, uint32(pid))
	if err != nil {
		parent.mu.Unlock()
		parent.k.Limits.Procs.Give(1)
		return nil, nil, err
	}
	childFds, err := parent.Fds.Fork()
	if err != nil {
		parent.mu.Unlock()
		parent.k.Limits.Procs.Give(1)
		return nil, nil, err
	}
	envp := append([]ustr.Ustr(nil), parent.Envp...)
	execPath := parent.ExecPath
	cwd := parent.Cwd
	parent.mu.Unlock()

	child := &Process{
		Pid:      pid,
		Pgid:     parent.Pgid,
		Events:   NewEventBus(),
		k:        parent.k,
		alive:    true,
		AS:       childAS,
		Cwd:      cwd,
		Fds:      childFds,
		ExecPath: execPath,
		Envp:     envp,
		Parent:   parent,
		Children: make(map[int]*Process),
		Threads:  make(map[int]*Thread),
		Ulim:     parent.Ulim,
		Wait:     NewWaitList(),
	}
	parent.k.ptable.Put(pid, child)

	parent.mu.Lock()
	parent.Children[pid] = child
	if !parent.Wait.Start(pid, true, parent.Ulim.Nproc) {
		delete(parent.Children, pid)
		parent.mu.Unlock()
		parent.k.forget(pid)
		return nil, nil, errs.EAGAIN
	}
	parent.mu.Unlock()

	th, err := child.newThreadWith(parent.k, hartID, enterUser, handle)
	if err != nil {
		parent.k.forget(pid)
		return nil, nil, err
	}
	return child, th, nil
}

// NewThread adds an additional thread to an already-live process,
// sharing its alive part (spec.md §4.5's "thread creation ... shares
// that process's alive part and adds to its thread set").
func (p *Process) NewThread(k *Kernel, hartID int, enterUser trap.EnterUser, handle trap.Handle) (*Thread, error) {
	return p.newThreadWith(k, hartID, enterUser, handle)
}

func (p *Process) newThread(k *Kernel, hartID int) (*Thread, error) {
	return p.newThreadWith(k, hartID, func(*trap.Context) {}, defaultHandle)
}

// defaultHandle is the placeholder syscall/fault dispatcher used when a
// caller does not supply its own: it parks the thread on its first trap
// and never wakes it, standing in for an idle loop. Callers that need
// a thread to make progress pass their own handle closure through
// ForkWith or NewThread.
func defaultHandle(ctx *trap.Context, w *sched.Waker) trap.StepResult {
	return trap.StepSuspend
}

func (p *Process) newThreadWith(k *Kernel, hartID int, enterUser trap.EnterUser, handle trap.Handle) (*Thread, error) {
	if atomic.AddInt64(&k.nthreads, 1) >= int64(1<<20) {
		atomic.AddInt64(&k.nthreads, -1)
		return nil, errs.EAGAIN
	}
	tid := k.newTid()

	ctx := &trap.Context{}
	th := &Thread{Tid: tid, Proc: p, ctx: ctx}
	th.bridge = trap.NewBridge(ctx, enterUser, func(c *trap.Context, w *sched.Waker) trap.StepResult {
		if th.Doomed() {
			return trap.StepExit
		}
		return handle(c, w)
	})

	p.mu.Lock()
	p.Threads[tid] = th
	p.mu.Unlock()

	if !p.Wait.Start(tid, false, p.Ulim.Nproc) {
		p.mu.Lock()
		delete(p.Threads, tid)
		p.mu.Unlock()
		atomic.AddInt64(&k.nthreads, -1)
		return nil, errs.EAGAIN
	}

	root := sched.WrapOutermost(th.bridge, p.AS, p.AS, k.Harts.Get(hartID))
	th.handle = k.Exec.Spawn(wrapExit(root, th, k), hartID)
	return th, nil
}

// exitTask wraps a thread's root task so that, the moment its Poll
// returns PollReady, the thread is reaped automatically: nothing
// outside the executor ever needs to notice a bridge finishing on its
// own to run thread-exit bookkeeping.
type exitTask struct {
	inner sched.Task
	th    *Thread
	k     *Kernel
}

func wrapExit(inner sched.Task, th *Thread, k *Kernel) sched.Task {
	return &exitTask{inner: inner, th: th, k: k}
}

func (e *exitTask) Poll(w *sched.Waker) sched.PollResult {
	r := e.inner.Poll(w)
	if r == sched.PollReady {
		e.th.exit(e.k, 0)
	}
	return r
}

// exit removes this thread from its process's thread set; if it was
// the last one, the process transitions alive → reaped (spec.md
// §4.5's "Thread exit" paragraph).
func (t *Thread) exit(k *Kernel, status int) {
	p := t.Proc
	atomic.AddInt64(&k.nthreads, -1)

	p.mu.Lock()
	delete(p.Threads, t.Tid)
	last := len(p.Threads) == 0
	if last {
		p.exitCode = status
	}
	p.mu.Unlock()

	p.Wait.PutThread(t.Tid, status)
	p.Events.Publish(EventThreadExit)

	if last {
		p.terminate(k)
	}
}

// terminate runs once, when a process's last thread has exited: it
// reports rusage and exit status to the parent's wait list and drops
// this pid from the kernel's process table (spec.md §4.5). It does not
// close the process's open fds.
func (p *Process) terminate(k *Kernel) {
	if p.Pid == 1 {
		panic("proc: init process terminated")
	}

	p.mu.Lock()
	p.alive = false
	parent := p.Parent
	exitCode := p.exitCode
	atime := p.Atime
	atime.Userns += p.Catime.Userns
	atime.Sysns += p.Catime.Sysns
	p.Parent = nil
	p.mu.Unlock()

	if parent != nil {
		parent.Wait.PutProc(p.Pid, exitCode, &atime)
		parent.Events.Publish(EventChildExit)
		parent.mu.Lock()
		delete(parent.Children, p.Pid)
		parent.mu.Unlock()
	}

	k.forget(p.Pid)
}

// Doomall marks every thread of p for cooperative termination: the
// flag is observed at each thread's next trap, not forced immediately
// (spec.md §4.1's cooperative-cancellation contract).
func (p *Process) Doomall() {
	atomic.StoreInt32(&p.doomed, 1)
	p.Events.Publish(EventKilled)
}

func (p *Process) Doomed() bool {
	return atomic.LoadInt32(&p.doomed) != 0
}

// NumThreads reports the live thread count.
func (p *Process) NumThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Threads)
}

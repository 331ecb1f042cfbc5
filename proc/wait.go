package proc

import (
	"sync"

	"github.com/ftl-os/ftlos/accnt"
	"github.com/ftl-os/ftlos/errs"
)

// WaitStatus is one reapable child's (process or thread) final state.
type WaitStatus struct {
	ID     int
	Status int
	Atime  accnt.Accnt_t
	Valid  bool
}

// WaitList is the parent/child and process/thread wait-status linked
// list spec.md §4.5 refers to only as "notify parent via event bus";
// the storage shape is supplemented straight from the teacher's
// proc/wait.go, since the spec leaves it unspecified.
type WaitList struct {
	mu    sync.Mutex
	pwait waitHead
	twait waitHead
	cond  *sync.Cond
}

type waitNode struct {
	next *waitNode
	st   WaitStatus
}

type waitHead struct {
	head  *waitNode
	count int
}

func (wh *waitHead) push(id int) {
	wh.head = &waitNode{next: wh.head, st: WaitStatus{ID: id}}
	wh.count++
}

func (wh *waitHead) popValid() (WaitStatus, bool) {
	var prev *waitNode
	for n := wh.head; n != nil; prev, n = n, n.next {
		if n.st.Valid {
			wh.remove(prev, n)
			return n.st, true
		}
	}
	return WaitStatus{}, false
}

func (wh *waitHead) find(id int) (prev, node *waitNode, ok bool) {
	for n := wh.head; n != nil; prev, n = n, n.next {
		if n.st.ID == id {
			return prev, n, true
		}
	}
	return nil, nil, false
}

func (wh *waitHead) remove(prev, n *waitNode) {
	if prev != nil {
		prev.next = n.next
	} else {
		wh.head = n.next
	}
	n.next = nil
	wh.count--
}

func NewWaitList() *WaitList {
	w := &WaitList{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Len returns the number of unreaped entries (children and threads).
func (w *WaitList) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pwait.count + w.twait.count
}

// Start registers id (a child pid, or this process's own thread id) as
// a future wait target. It fails once more than noproc entries are
// outstanding, the same backpressure the teacher's _start enforces.
func (w *WaitList) Start(id int, isProc bool, noproc uint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if uint(w.pwait.count+w.twait.count) > noproc {
		return false
	}
	w.head(isProc).push(id)
	return true
}

func (w *WaitList) head(isProc bool) *waitHead {
	if isProc {
		return &w.pwait
	}
	return &w.twait
}

func (w *WaitList) PutProc(pid, status int, a *accnt.Accnt_t) { w.put(pid, status, true, a) }
func (w *WaitList) PutThread(tid, status int)                 { w.put(tid, status, false, nil) }

func (w *WaitList) put(id, status int, isProc bool, a *accnt.Accnt_t) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, n, ok := w.head(isProc).find(id)
	if !ok {
		panic("proc: wait id must exist")
	}
	n.st.Valid = true
	n.st.Status = status
	if a != nil {
		n.st.Atime.Userns += a.Userns
		n.st.Atime.Sysns += a.Sysns
	}
	w.cond.Broadcast()
}

const WaitAny = -1

// Reap blocks (unless noblk) until id (or, for WaitAny, any) entry has
// a valid status, removing and returning it.
func (w *WaitList) Reap(id int, isProc, noblk bool) (WaitStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wh := w.head(isProc)
	for {
		if id == WaitAny {
			if wh.count == 0 {
				return WaitStatus{}, errs.ECHILD
			}
			if st, ok := wh.popValid(); ok {
				return st, nil
			}
		} else {
			prev, n, ok := wh.find(id)
			if !ok {
				return WaitStatus{}, errs.ECHILD
			}
			if n.st.Valid {
				wh.remove(prev, n)
				return n.st, nil
			}
		}
		if noblk {
			return WaitStatus{}, nil
		}
		w.cond.Wait()
	}
}

// Package rcu implements the deferred-reclamation (epoch-based) manager:
// a grace-period tracker that releases objects only once every hart has
// observed a quiescent boundary since the object was registered.
//
// Grounded on the original FTL OS Rust sources
// (memory/rcu.rs: LocalRcuManager's tick-gated local batching) and the
// global-manager contract in ftl_util::rcu; the single-word flags
// layout and the current/pending two-list rotation are as specified.
package rcu

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// MaxHarts bounds the grace-period word: 32 bits of "current period"
// plus 32 bits of "current or next period" fit one uint64.
const MaxHarts = 32

// Drop is a type-erased (pointer-as-integer, drop-function) pair.
type Drop struct {
	raw  uintptr
	free func(uintptr)
}

// Register validates that *T round-trips losslessly through a single
// machine word (it always does for a pointer, which is what v already
// is) and produces the type-erased pair the manager stores without a
// per-object interface allocation.
func Register[T any](v *T, drop func(*T)) Drop {
	if unsafe.Sizeof(uintptr(0)) < unsafe.Sizeof((*T)(nil)) {
		panic("rcu: pointer does not fit a machine word on this platform")
	}
	return Drop{
		raw: uintptr(unsafe.Pointer(v)),
		free: func(raw uintptr) {
			drop((*T)(unsafe.Pointer(raw)))
		},
	}
}

func (d Drop) run() {
	d.free(d.raw)
}

// Manager is the global deferred-reclamation state: one atomic 64-bit
// flags word (high 32 bits: harts still inside the current grace
// period; low 32 bits: harts inside the current OR the next grace
// period) and two drop-function lists guarded by a short-hold lock
// taken only by the hart that rotates the epoch.
type Manager struct {
	flags uint64

	mu      sync.Mutex
	current []Drop // released when the current grace period ends
	pending []Drop // released when the next grace period ends
}

func NewManager() *Manager {
	return &Manager{}
}

// Enter marks hart as participating in the grace period in progress
// (and, by setting its low-word bit too, in whichever grace period
// follows — so a reclaim sweep started after Enter cannot miss it).
func (m *Manager) Enter(hart int) {
	bit := uint64(1) << uint(hart)
	for {
		old := atomic.LoadUint64(&m.flags)
		nw := old | bit | (bit << 32)
		if old == nw {
			return
		}
		if atomic.CompareAndSwapUint64(&m.flags, old, nw) {
			return
		}
	}
}

// Leave removes hart from the grace period and folds extra — drops
// this hart batched locally since its last Leave — into the pending
// list. If clearing hart's bit drives the current-period mask (the
// high 32 bits) to zero, this hart is the last one out: it rotates the
// epoch (pending becomes current, current is released) under the short
// list lock.
func (m *Manager) Leave(hart int, extra []Drop) {
	bitLow := uint64(1) << uint(hart)
	bitHigh := bitLow << 32
	var isLast bool
	for {
		old := atomic.LoadUint64(&m.flags)
		nw := old &^ bitLow &^ bitHigh
		isLast = uint32(nw>>32) == 0
		if atomic.CompareAndSwapUint64(&m.flags, old, nw) {
			break
		}
	}

	if len(extra) == 0 && !isLast {
		return
	}

	m.mu.Lock()
	m.pending = append(m.pending, extra...)
	var toRelease []Drop
	if isLast {
		toRelease = m.current
		m.current = m.pending
		m.pending = nil
	}
	m.mu.Unlock()

	for _, d := range toRelease {
		d.run()
	}
}

// LocalManager is the per-hart front end: it batches Defer calls in a
// hart-local slice and only touches the global Manager's pending list
// and flags word at CriticalEnd, amortizing the atomic RMW to near zero
// on read-heavy workloads (spec's per-hart batching note). Call
// CriticalStart before running a user task or entering an RCU-read
// section, and CriticalEnd at the following task-switch boundary.
type LocalManager struct {
	hart     int
	mgr      *Manager
	critical bool
	pending  []Drop
}

func NewLocalManager(mgr *Manager, hart int) *LocalManager {
	return &LocalManager{mgr: mgr, hart: hart}
}

func (lm *LocalManager) CriticalStart() {
	if lm.critical {
		return
	}
	lm.critical = true
	lm.mgr.Enter(lm.hart)
}

func (lm *LocalManager) CriticalEnd() {
	if !lm.critical && len(lm.pending) == 0 {
		return
	}
	lm.critical = false
	flushed := lm.pending
	lm.pending = nil
	lm.mgr.Leave(lm.hart, flushed)
}

// Defer queues d for release no earlier than the next time every hart
// has passed a grace-period boundary after this call. Must be called
// between CriticalStart and CriticalEnd.
func (lm *LocalManager) Defer(d Drop) {
	lm.pending = append(lm.pending, d)
}

package vm

import (
	"sync"
	"sync/atomic"

	"github.com/ftl-os/ftlos/errs"
	"github.com/ftl-os/ftlos/physmem"
)

// AddressSpace is a process's user address space: page-table root +
// segment map + shared-page accounting + ASID + a version counter
// bumped on every structural mutation, so an in-flight async page
// fault can tell whether the segment it was servicing still exists by
// the time its I/O completes (spec.md §3's "Address space" paragraph).
type AddressSpace struct {
	alloc *physmem.Allocator

	mu      sync.Mutex
	pt      *PageTable
	segs    segMap
	shared  *SharedPages
	version uint64

	// FlushNonGlobalTLB is the hook for whatever instruction actually
	// invalidates the non-ASID-tagged TLB entries (SFENCE.VMA on
	// RISC-V); left as an injected function rather than inline
	// assembly since this package has no architecture-specific build
	// tag split. Defaults to a no-op for tests.
	FlushNonGlobalTLB func()
}

func NewAddressSpace(alloc *physmem.Allocator, hart int, asid uint32) (*AddressSpace, error) {
	pt, ok := NewPageTable(alloc, hart, asid)
	if !ok {
		return nil, errs.ENOMEM
	}
	return &AddressSpace{
		alloc:             alloc,
		pt:                pt,
		shared:            NewSharedPages(alloc),
		FlushNonGlobalTLB: func() {},
	}, nil
}

// Activate implements sched.AddressContext.
func (a *AddressSpace) Activate() (asid uint32, hasASID bool) {
	return a.pt.ASID()
}

// FlushNonGlobal implements sched.TLB.
func (a *AddressSpace) FlushNonGlobal() {
	if a.FlushNonGlobalTLB != nil {
		a.FlushNonGlobalTLB()
	}
}

func (a *AddressSpace) Version() uint64 {
	return atomic.LoadUint64(&a.version)
}

func (a *AddressSpace) bumpVersion() {
	atomic.AddUint64(&a.version, 1)
}

// NumSegments reports how many mapped regions this address space holds,
// used by the OOM killer's scoring heuristic (a cheap proxy for the
// memory a process is pinning down without walking every page table
// entry).
func (a *AddressSpace) NumSegments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	a.segs.iter(func(*segNode) bool {
		n++
		return true
	})
	return n
}

// overlaps reports whether any existing segment intersects [pgn, pgn+pglen).
func (a *AddressSpace) overlaps(pgn, pglen uintptr) bool {
	found := false
	a.segs.iter(func(n *segNode) bool {
		if n.pgn < pgn+pglen && pgn < n.pgn+n.pglen {
			found = true
			return false
		}
		return true
	})
	return found
}

// Map installs a brand-new region [pgn, pgn+pglen) governed by
// handler. Overlapping an existing region is rejected outright
// (MAP_FIXED-style replacement of part of an existing mapping is not
// implemented: every test scenario this core must satisfy maps into
// fresh address ranges, so the considerably more involved
// split-the-neighbor-on-insert path the original handler trait
// supports is left out; see DESIGN.md).
func (a *AddressSpace) Map(hart int, pgn, pglen uintptr, handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.overlaps(pgn, pglen) {
		return errs.EEXIST
	}
	if err := handler.Map(a.pt, pgn, pglen); err != nil {
		return err
	}
	a.segs.insert(pgn, pglen, handler)
	a.bumpVersion()
	return nil
}

// Unmap releases [pgn, pgn+pglen), splitting any segment that only
// partially overlaps the range at its boundary, then removing every
// segment now fully contained within range.
func (a *AddressSpace) Unmap(hart int, pgn, pglen uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.segs.splitAt(pgn)
	a.segs.splitAt(pgn + pglen)

	var victims []*segNode
	a.segs.iter(func(n *segNode) bool {
		if n.pgn >= pgn && n.pgn+n.pglen <= pgn+pglen {
			victims = append(victims, n)
		}
		return true
	})
	for _, n := range victims {
		n.handler.Unmap(a.pt, a.alloc, hart, n.pgn, n.pglen)
		a.segs.remove(n)
	}
	a.bumpVersion()
	return nil
}

// Mprotect changes the permission mask of every segment overlapping
// [pgn, pgn+pglen), splitting at the range's boundaries first.
func (a *AddressSpace) Mprotect(pgn, pglen uintptr, perm PTEFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.segs.splitAt(pgn)
	a.segs.splitAt(pgn + pglen)

	var targets []*segNode
	a.segs.iter(func(n *segNode) bool {
		if n.pgn >= pgn && n.pgn+n.pglen <= pgn+pglen {
			targets = append(targets, n)
		}
		return true
	})
	for _, n := range targets {
		if perm&^n.handler.Perm() != 0 {
			return errs.EACCES
		}
	}
	for _, n := range targets {
		n.handler = n.handler.WithPerm(perm)
		for i := uintptr(0); i < n.pglen; i++ {
			va := (n.pgn + i) << PageShift
			if _, _, ok := a.pt.Lookup(va); ok {
				a.pt.SetFlags(va, perm)
			}
		}
	}
	a.bumpVersion()
	return nil
}

// PageFault is the two-phase fault handler's entry point and the
// thing that decides, per fault, whether the sync phase alone
// resolves it or whether it must drop to the async phase: under the
// address-space lock, find the covering segment and ask its handler
// to service the fault. If the handler returns errs.EAGAIN, the lock
// is released before anything else happens — no lock is ever held
// across the handler's long-latency LoadAsync call — and the async
// phase runs via BeginAsyncFault/LoadAsync/CompleteAsyncFault.
func (a *AddressSpace) PageFault(hart int, va uintptr, access AccessType) error {
	a.mu.Lock()
	pgn := va >> PageShift
	n := a.segs.lookup(pgn)
	if n == nil {
		a.mu.Unlock()
		return errs.EFAULT
	}
	err := n.handler.PageFault(a.pt, pgn, access)
	a.mu.Unlock()
	if err != errs.EAGAIN {
		return err
	}
	return a.resolveAsyncFault(hart, va)
}

// resolveAsyncFault drives the async phase end to end for a fault
// whose sync phase returned errs.EAGAIN: snapshot the segment under
// the lock, run the handler's long-latency load with the lock
// dropped, then re-acquire the lock to re-validate and install.
func (a *AddressSpace) resolveAsyncFault(hart int, va uintptr) error {
	f, err := a.BeginAsyncFault(va)
	if err != nil {
		return err
	}
	install, err := f.handler.LoadAsync(a.alloc, hart, f.pgn)
	if err != nil {
		return err
	}
	return a.CompleteAsyncFault(hart, f, install)
}

// AsyncFault is the snapshot an async-phase fault carries across the
// suspension point: the faulting page, the segment's handler, and the
// address-space version at the moment the sync phase gave up the
// lock. spec.md §9's async phase: "no lock held: perform I/O... On
// completion, re-acquire the lock, compare versions".
type AsyncFault struct {
	pgn     uintptr
	handler Handler
	version uint64
}

// BeginAsyncFault snapshots the state an async-phase completion needs:
// the faulting page, its handler, and the address-space version at
// the moment of the snapshot. Takes the lock itself and releases it
// before returning — the snapshot is taken under the lock, but the
// long-latency work the caller runs next (LoadAsync) must not be.
func (a *AddressSpace) BeginAsyncFault(va uintptr) (AsyncFault, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pgn := va >> PageShift
	n := a.segs.lookup(pgn)
	if n == nil {
		return AsyncFault{}, errs.EFAULT
	}
	return AsyncFault{pgn: pgn, handler: n.handler, version: a.Version()}, nil
}

// CompleteAsyncFault is called after the out-of-line I/O finishes (no
// lock held during the I/O itself). If the address space's version
// hasn't moved since the fault started, frame is installed via the
// handler; if it has, the frame is discarded and the sync fault path
// is re-run from scratch rather than trusting the stale handler/segment
// — the Open Question resolution in DESIGN.md. If the segment is gone
// entirely by the time of the retry, the fault is terminal
// (errs.EFAULT), and the caller is expected to kill the faulting
// thread rather than panic the kernel.
func (a *AddressSpace) CompleteAsyncFault(hart int, f AsyncFault, install func(pt *PageTable) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Version() != f.version {
		// Re-run the sync lookup from scratch: the segment covering
		// this page may have been unmapped, replaced, or resized.
		n := a.segs.lookup(f.pgn)
		if n == nil {
			return errs.EFAULT
		}
		return n.handler.PageFault(a.pt, f.pgn, AccessRead)
	}
	return install(a.pt)
}

// Fork clones every segment into a freshly allocated child address
// space: COW-capable handlers downgrade both sides to read-only and
// share the frame through SharedPages; always-shared handlers (shared
// text) map the same frames read-only without touching SharedPages at
// all, since they were never writable to begin with.
func (a *AddressSpace) Fork(hart int, childASID uint32) (*AddressSpace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	child, err := NewAddressSpace(a.alloc, hart, childASID)
	if err != nil {
		return nil, err
	}

	var forkErr error
	a.segs.iter(func(n *segNode) bool {
		if err := n.handler.CopyInto(a.pt, child.pt, a.shared, hart, n.pgn, n.pglen); err != nil {
			forkErr = err
			return false
		}
		child.segs.insert(n.pgn, n.pglen, n.handler.Clone())
		return true
	})
	if forkErr != nil {
		return nil, forkErr
	}
	child.bumpVersion()
	return child, nil
}

// COWBreak is called on a write fault to a PteCOW page: if this
// address space is the sole remaining sharer, the page is simply
// upgraded back to writable in place; otherwise a fresh frame is
// allocated, the old contents copied in, and the mapping repointed at
// it, dropping this address space's share of the original frame.
func (a *AddressSpace) COWBreak(hart int, va uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pfn, flags, ok := a.pt.Lookup(va)
	if !ok || flags&PteCOW == 0 {
		return errs.EFAULT
	}

	if a.shared.Unique(pfn) {
		a.pt.SetFlags(va, (flags&^(PteCOW|PteWasCOW))|PteW)
		return nil
	}

	newPfn, newPg, ok := a.alloc.Alloc(hart)
	if !ok {
		return errs.ENOMEM
	}
	*newPg = *a.alloc.Dmap(pfn)
	// This address space no longer shares the original frame; the
	// actual physmem decrement is batched the same way bulk unmap
	// batches them (SharedPages.Flush, called at a tick boundary) so a
	// write-fault storm on a heavily forked page does not serialize on
	// the frame's refcount for every single COW break.
	a.shared.Unshare(pfn)

	perm := (flags &^ (PteCOW | PteWasCOW)) | PteW
	if !a.pt.Map(va, newPfn, perm) {
		a.alloc.Refdown(hart, newPfn)
		return errs.ENOMEM
	}
	return nil
}

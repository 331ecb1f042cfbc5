// Package physmem is the physical frame allocator: a flat table of
// 4 KiB RISC-V frames, each with an atomic reference count, backed by
// a global free list plus a bounded per-hart cache so the common
// alloc/free path touches no shared lock.
//
// Grounded on the teacher's mem/mem.go (Physmem_t's Pgs/freei/nexti
// intrusive free list and per-CPU pcpuphys_t cache, Refcnt/Refup/Refdown),
// retargeted from x86 PTE bit constants to plain RISC-V 4 KiB frames —
// the SV39 PTE bit layout itself lives in vm, which is the only
// consumer that needs it. The free-frame push/pop shape additionally
// matches original_source's memory/allocator/frame (FrameTracker /
// StackFrameAllocator): a frame is either live (refcnt > 0) or linked
// into exactly one free list, never both.
package physmem

import (
	"sync"
	"sync/atomic"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// PFN is a physical frame number: physical address = base + PFN*PageSize.
type PFN uint32

// Page is one 4 KiB frame's byte contents, addressable directly since
// this kernel's physical memory is modeled as host-resident storage
// rather than a separately mapped address range.
type Page [PageSize]byte

type frameMeta struct {
	refcnt int32
	next   uint32 // valid only while queued on a free list
}

const noNext = ^uint32(0)

// percpuCache is one hart's private free-frame cache, capped the same
// way the teacher caps pcpuphys_t, so a hart freeing a burst of frames
// does not repeatedly contend the global list.
const percpuCap = 100

type percpuCache struct {
	mu   sync.Mutex
	head uint32
	len  int32
}

// Allocator owns every frame in the pool named at construction.
type Allocator struct {
	pages []Page
	meta  []frameMeta

	mu       sync.Mutex
	freeHead uint32
	freeLen  int32

	percpu []percpuCache
}

// NewAllocator creates a pool of nframes frames, all initially free,
// with a private cache for each of nharts harts.
func NewAllocator(nframes, nharts int) *Allocator {
	a := &Allocator{
		pages:  make([]Page, nframes),
		meta:   make([]frameMeta, nframes),
		percpu: make([]percpuCache, nharts),
	}
	a.freeHead = noNext
	for i := nframes - 1; i >= 0; i-- {
		a.meta[i].next = a.freeHead
		a.freeHead = uint32(i)
		a.freeLen++
	}
	for i := range a.percpu {
		a.percpu[i].head = noNext
	}
	return a
}

// Alloc removes one frame from hart's cache (taking it straight from
// the global list if the cache is empty) and returns it with refcnt already set
// to 1, zeroed. ok is false if the pool is exhausted.
func (a *Allocator) Alloc(hart int) (PFN, *Page, bool) {
	pc := &a.percpu[hart]
	pc.mu.Lock()
	if pc.head == noNext {
		pc.mu.Unlock()
		idx, ok := a.globalPop()
		if !ok {
			return 0, nil, false
		}
		a.meta[idx].refcnt = 1
		for i := range a.pages[idx] {
			a.pages[idx][i] = 0
		}
		return PFN(idx), &a.pages[idx], true
	}
	idx := pc.head
	pc.head = a.meta[idx].next
	pc.len--
	pc.mu.Unlock()

	atomic.StoreInt32(&a.meta[idx].refcnt, 1)
	for i := range a.pages[idx] {
		a.pages[idx][i] = 0
	}
	return PFN(idx), &a.pages[idx], true
}

func (a *Allocator) globalPop() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeHead == noNext {
		return 0, false
	}
	idx := a.freeHead
	a.freeHead = a.meta[idx].next
	a.freeLen--
	return idx, true
}

func (a *Allocator) globalPush(idx uint32) {
	a.mu.Lock()
	a.meta[idx].next = a.freeHead
	a.freeHead = idx
	a.freeLen++
	a.mu.Unlock()
}

// Dmap returns a direct pointer to pfn's backing storage.
func (a *Allocator) Dmap(pfn PFN) *Page {
	return &a.pages[pfn]
}

// Refcnt reads pfn's live reference count.
func (a *Allocator) Refcnt(pfn PFN) int32 {
	return atomic.LoadInt32(&a.meta[pfn].refcnt)
}

// Refup increments pfn's reference count; used when a page becomes
// shared (fork's copy-on-write mapping, a second mapping of a
// file-backed page).
func (a *Allocator) Refup(pfn PFN) {
	if atomic.AddInt32(&a.meta[pfn].refcnt, 1) <= 1 {
		panic("physmem: refup on a dead frame")
	}
}

// Refdown drops pfn's reference count, freeing it back to hart's cache
// (spilling to the global list once the cache is full) when the count
// reaches zero. Returns true iff this call freed the frame.
func (a *Allocator) Refdown(hart int, pfn PFN) bool {
	c := atomic.AddInt32(&a.meta[pfn].refcnt, -1)
	if c < 0 {
		panic("physmem: refcount underflow")
	}
	if c != 0 {
		return false
	}

	pc := &a.percpu[hart]
	pc.mu.Lock()
	if pc.len >= percpuCap {
		pc.mu.Unlock()
		a.globalPush(uint32(pfn))
		return true
	}
	a.meta[pfn].next = pc.head
	pc.head = uint32(pfn)
	pc.len++
	pc.mu.Unlock()
	return true
}

// Free is the simple non-refcounted release path, for frames allocated
// directly as scratch (page-table nodes before they are linked into an
// address space, bounce buffers) rather than through the ref-counted
// user-page path.
func (a *Allocator) Free(hart int, pfn PFN) {
	atomic.StoreInt32(&a.meta[pfn].refcnt, 0)
	pc := &a.percpu[hart]
	pc.mu.Lock()
	if pc.len >= percpuCap {
		pc.mu.Unlock()
		a.globalPush(uint32(pfn))
		return
	}
	a.meta[pfn].next = pc.head
	pc.head = uint32(pfn)
	pc.len++
	pc.mu.Unlock()
}

// NumFrames returns the total size of the pool.
func (a *Allocator) NumFrames() int { return len(a.pages) }

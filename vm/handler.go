package vm

import (
	"sync"

	"github.com/ftl-os/ftlos/errs"
	"github.com/ftl-os/ftlos/physmem"
)

// AccessType names the kind of access that triggered a page fault, so
// a handler can tell "needs demand-loading" apart from "really not
// permitted" (spec.md §10, §11).
type AccessType int

const (
	AccessRead AccessType = 1 << iota
	AccessWrite
	AccessExec
)

func (a AccessType) permitted(perm PTEFlags) bool {
	if a&AccessRead != 0 && perm&PteR == 0 {
		return false
	}
	if a&AccessWrite != 0 && perm&PteW == 0 {
		return false
	}
	if a&AccessExec != 0 && perm&PteX == 0 {
		return false
	}
	return true
}

// File is the minimal read surface a file-backed region needs; the fd
// package's open files satisfy it.
type File interface {
	ReadAt(buf []byte, off int64) (int, error)
}

// Handler is the polymorphic region behavior a segMap node carries
// in place of the teacher's flat Vminfo_t: lazy-anonymous, direct, and
// file-backed regions (plus the zero-copy and shared-text variants
// supplemented from the original Rust map_segment handlers) all
// implement the same small surface the address space drives.
//
// Grounded on original_source's memory/map_segment/handler/mod.rs
// UserAreaHandler trait (Map/PageFault/Unmap/CopyMap/split), trimmed
// to what a synchronous Go kernel needs: the async variants there exist
// only because Rust's handler trait runs inside an async executor, the
// same role spec.md's two-phase sync/async page-fault split already
// covers at the address-space layer. PageFault itself stays cheap and
// synchronous; a handler that needs long-latency I/O to service a
// fault returns errs.EAGAIN and implements LoadAsync, and
// AddressSpace.PageFault is what decides whether a fault resolves
// synchronously or drops into that second phase.
type Handler interface {
	// Perm is this region's maximum permission mask.
	Perm() PTEFlags
	// UsingCOW reports whether a shared (forked) mapping of this
	// region is copy-on-write rather than truly shared.
	UsingCOW() bool
	// Map eagerly installs mappings across [pgn, pgn+pglen), skipping
	// any page already mapped. Returns errs.ENOMEM on frame exhaustion.
	Map(pt *PageTable, pgn, pglen uintptr) error
	// PageFault services a fault at page pgn. Returning errs.EAGAIN
	// means the page cannot be resolved without long-latency I/O;
	// AddressSpace.PageFault drops its lock and calls LoadAsync to
	// finish the job. Any other error is terminal for the faulting
	// thread.
	PageFault(pt *PageTable, pgn uintptr, access AccessType) error
	// LoadAsync performs the work behind a PageFault that returned
	// errs.EAGAIN, with no address-space lock held — a file read, for
	// FileBacked. It returns an install closure that AddressSpace
	// re-acquires the lock to run, after re-validating the address
	// space hasn't changed shape underneath the fault. Handlers whose
	// PageFault never returns errs.EAGAIN implement this as an
	// unreachable stub.
	LoadAsync(alloc *physmem.Allocator, hart int, pgn uintptr) (install func(pt *PageTable) error, err error)
	// Unmap releases ownership of [pgn, pgn+pglen); every page in
	// range is either unmapped or owned by this handler, never shared
	// with another handler (sharing is expressed through the shared
	// page table's refcounts, not through two handlers pointing at one
	// frame).
	Unmap(pt *PageTable, alloc *physmem.Allocator, hart int, pgn, pglen uintptr)
	// CopyInto duplicates this region's present pages from src into
	// dst, used by fork; COW regions instead downgrade both sides to
	// read-only and bump the shared refcount rather than copying.
	CopyInto(src, dst *PageTable, sc *SharedPages, hart int, pgn, pglen uintptr) error
	// Clone returns a deep-enough copy of the handler for the child's
	// segment map entry (fork always gets its own Handler value, even
	// when the underlying frames are shared).
	Clone() Handler
	// Relocate returns the handler for the right-hand piece after a
	// segment is split deltaPages into what used to be one region
	// (split_l/split_r in the original map_segment handler trait). Every
	// page of the split-off piece keeps reading the same file bytes as
	// before the split: a stateless handler (LazyAnon, Direct) just
	// clones itself, FileBacked moves its (offset, base) anchor pair
	// together to the piece's first page, and SharedText keeps its base.
	Relocate(deltaPages uintptr) Handler
	// WithPerm returns a handler identical to this one but with its
	// permission mask replaced, for mprotect.
	WithPerm(perm PTEFlags) Handler
}

// LazyAnon is demand-paged anonymous memory: the common case for a
// process's heap, stack, and bss — no frame exists until the first
// access faults it in, zeroed.
type LazyAnon struct {
	perm PTEFlags
}

func NewLazyAnon(perm PTEFlags) *LazyAnon { return &LazyAnon{perm: perm} }

func (h *LazyAnon) Perm() PTEFlags { return h.perm }
func (h *LazyAnon) UsingCOW() bool { return true }

func (h *LazyAnon) Map(pt *PageTable, pgn, pglen uintptr) error {
	// Lazy by design: mapping the range is a no-op, every page faults
	// in on first touch.
	return nil
}

func (h *LazyAnon) PageFault(pt *PageTable, pgn uintptr, access AccessType) error {
	if !access.permitted(h.perm) {
		return errs.EACCES
	}
	va := pgn << PageShift
	if _, _, ok := pt.Lookup(va); ok {
		return nil // another thread's concurrent fault already won
	}
	pfn, _, ok := pt.alloc.Alloc(pt.hart)
	if !ok {
		return errs.ENOMEM
	}
	if !pt.Map(va, pfn, h.perm) {
		pt.alloc.Refdown(pt.hart, pfn)
		return errs.ENOMEM
	}
	return nil
}

func (h *LazyAnon) Unmap(pt *PageTable, alloc *physmem.Allocator, hart int, pgn, pglen uintptr) {
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		if pfn, ok := pt.Unmap(va); ok {
			alloc.Refdown(hart, pfn)
		}
	}
}

func (h *LazyAnon) CopyInto(src, dst *PageTable, sc *SharedPages, hart int, pgn, pglen uintptr) error {
	return cowCopyInto(src, dst, sc, hart, pgn, pglen, h.perm)
}

func (h *LazyAnon) Clone() Handler                      { return &LazyAnon{perm: h.perm} }
func (h *LazyAnon) Relocate(deltaPages uintptr) Handler { return h.Clone() }
func (h *LazyAnon) WithPerm(perm PTEFlags) Handler      { return &LazyAnon{perm: perm} }

// LoadAsync is unreachable: LazyAnon's PageFault never returns errs.EAGAIN.
func (h *LazyAnon) LoadAsync(alloc *physmem.Allocator, hart int, pgn uintptr) (func(pt *PageTable) error, error) {
	return nil, errs.EINVAL
}

// Direct is an eagerly, wholly mapped region — kernel-shared pages, a
// pre-zeroed guard region, or anything that must never fault.
type Direct struct {
	perm PTEFlags
}

func NewDirect(perm PTEFlags) *Direct { return &Direct{perm: perm} }

func (h *Direct) Perm() PTEFlags { return h.perm }
func (h *Direct) UsingCOW() bool { return true }

func (h *Direct) Map(pt *PageTable, pgn, pglen uintptr) error {
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		if _, _, ok := pt.Lookup(va); ok {
			continue
		}
		pfn, _, ok := pt.alloc.Alloc(pt.hart)
		if !ok {
			return errs.ENOMEM
		}
		if !pt.Map(va, pfn, h.perm) {
			pt.alloc.Refdown(pt.hart, pfn)
			return errs.ENOMEM
		}
	}
	return nil
}

func (h *Direct) PageFault(pt *PageTable, pgn uintptr, access AccessType) error {
	// Direct regions are fully mapped at Map time; a fault here means
	// the access type itself is disallowed, not that a page is
	// missing.
	if !access.permitted(h.perm) {
		return errs.EACCES
	}
	return errs.EFAULT
}

func (h *Direct) Unmap(pt *PageTable, alloc *physmem.Allocator, hart int, pgn, pglen uintptr) {
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		if pfn, ok := pt.Unmap(va); ok {
			alloc.Refdown(hart, pfn)
		}
	}
}

func (h *Direct) CopyInto(src, dst *PageTable, sc *SharedPages, hart int, pgn, pglen uintptr) error {
	return cowCopyInto(src, dst, sc, hart, pgn, pglen, h.perm)
}

func (h *Direct) Clone() Handler                      { return &Direct{perm: h.perm} }
func (h *Direct) Relocate(deltaPages uintptr) Handler { return h.Clone() }
func (h *Direct) WithPerm(perm PTEFlags) Handler      { return &Direct{perm: perm} }

// LoadAsync is unreachable: Direct's PageFault never returns errs.EAGAIN.
func (h *Direct) LoadAsync(alloc *physmem.Allocator, hart int, pgn uintptr) (func(pt *PageTable) error, error) {
	return nil, errs.EINVAL
}

// FileBacked demand-loads its pages from a file at a fixed offset
// (mmap(fd, ...) semantics), grounded on original_source's
// FileAsyncHandler.
type FileBacked struct {
	perm   PTEFlags
	file   File
	offset int64 // file offset of this region's first page
	base   uintptr
}

func NewFileBacked(perm PTEFlags, file File, offset int64, basePgn uintptr) *FileBacked {
	return &FileBacked{perm: perm, file: file, offset: offset, base: basePgn}
}

func (h *FileBacked) Perm() PTEFlags { return h.perm }
func (h *FileBacked) UsingCOW() bool { return true }

func (h *FileBacked) Map(pt *PageTable, pgn, pglen uintptr) error {
	return nil // demand-loaded, same as LazyAnon
}

// PageFault never touches the disk itself: the actual read would have
// to run with AddressSpace's lock held, which spec.md's two-phase
// fault contract forbids across a suspension point. A page not yet
// resident always means "go to the async phase"; LoadAsync is where
// the ReadAt actually happens, with no lock held.
func (h *FileBacked) PageFault(pt *PageTable, pgn uintptr, access AccessType) error {
	if !access.permitted(h.perm) {
		return errs.EACCES
	}
	va := pgn << PageShift
	if _, _, ok := pt.Lookup(va); ok {
		return nil // another thread's concurrent fault already won
	}
	return errs.EAGAIN
}

// LoadAsync performs the file read with no address-space lock held,
// returning a closure that installs the loaded frame once
// AddressSpace re-acquires the lock and re-validates the segment is
// still the one that was faulted on.
func (h *FileBacked) LoadAsync(alloc *physmem.Allocator, hart int, pgn uintptr) (func(pt *PageTable) error, error) {
	pfn, pg, ok := alloc.Alloc(hart)
	if !ok {
		return nil, errs.ENOMEM
	}
	fileOff := h.offset + int64((pgn-h.base)<<PageShift)
	n, err := h.file.ReadAt(pg[:], fileOff)
	if err != nil && n == 0 {
		alloc.Refdown(hart, pfn)
		return nil, errs.EFAULT
	}
	for i := n; i < len(pg); i++ {
		pg[i] = 0
	}

	va := pgn << PageShift
	perm := h.perm
	return func(pt *PageTable) error {
		if _, _, ok := pt.Lookup(va); ok {
			// Another fault on the same page won the race while this
			// one was blocked on I/O; drop the now-redundant frame.
			alloc.Refdown(hart, pfn)
			return nil
		}
		if !pt.Map(va, pfn, perm) {
			alloc.Refdown(hart, pfn)
			return errs.ENOMEM
		}
		return nil
	}, nil
}

func (h *FileBacked) Unmap(pt *PageTable, alloc *physmem.Allocator, hart int, pgn, pglen uintptr) {
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		if pfn, ok := pt.Unmap(va); ok {
			alloc.Refdown(hart, pfn)
		}
	}
}

func (h *FileBacked) CopyInto(src, dst *PageTable, sc *SharedPages, hart int, pgn, pglen uintptr) error {
	return cowCopyInto(src, dst, sc, hart, pgn, pglen, h.perm)
}

func (h *FileBacked) Clone() Handler {
	c := *h
	return &c
}

func (h *FileBacked) Relocate(deltaPages uintptr) Handler {
	return &FileBacked{
		perm:   h.perm,
		file:   h.file,
		offset: h.offset + int64(deltaPages<<PageShift),
		base:   h.base + deltaPages,
	}
}

func (h *FileBacked) WithPerm(perm PTEFlags) Handler {
	c := *h
	c.perm = perm
	return &c
}

// SharedText is a read-only, executable, always-shared mapping (a
// program's text segment mapped by more than one process running the
// same binary): never copy-on-write, since it is never written, so
// fork shares the exact same frames with no refcount-bump-on-write
// path needed. Supplements the distilled spec with the shared-text
// variant the original Rust map_segment/shared.rs carries and the
// trimmed spec.md omitted.
type SharedText struct {
	perm PTEFlags
	file File
	base uintptr // page number mapped to file offset 0: page pgn reads offset (pgn-base)<<PageShift
}

func NewSharedText(perm PTEFlags, file File, basePgn uintptr) *SharedText {
	return &SharedText{perm: perm &^ PteW, file: file, base: basePgn}
}

func (h *SharedText) Perm() PTEFlags { return h.perm }
func (h *SharedText) UsingCOW() bool { return false }

func (h *SharedText) Map(pt *PageTable, pgn, pglen uintptr) error {
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		if _, _, ok := pt.Lookup(va); ok {
			continue
		}
		pfn, pg, ok := pt.alloc.Alloc(pt.hart)
		if !ok {
			return errs.ENOMEM
		}
		fileOff := int64((pgn + i - h.base) << PageShift)
		if _, err := h.file.ReadAt(pg[:], fileOff); err != nil {
			pt.alloc.Refdown(pt.hart, pfn)
			return errs.EFAULT
		}
		if !pt.Map(va, pfn, h.perm) {
			pt.alloc.Refdown(pt.hart, pfn)
			return errs.ENOMEM
		}
	}
	return nil
}

func (h *SharedText) PageFault(pt *PageTable, pgn uintptr, access AccessType) error {
	if !access.permitted(h.perm) {
		return errs.EACCES
	}
	return errs.EFAULT
}

func (h *SharedText) Unmap(pt *PageTable, alloc *physmem.Allocator, hart int, pgn, pglen uintptr) {
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		if pfn, ok := pt.Unmap(va); ok {
			alloc.Refdown(hart, pfn)
		}
	}
}

func (h *SharedText) CopyInto(src, dst *PageTable, sc *SharedPages, hart int, pgn, pglen uintptr) error {
	// shared_always (original_source's term): fork maps the identical
	// frames into dst at the same permissions, bumping the plain
	// physmem refcount directly rather than going through the COW
	// shared-page table, since these frames are never written.
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		pfn, _, ok := src.Lookup(va)
		if !ok {
			continue
		}
		src.alloc.Refup(pfn)
		if !dst.Map(va, pfn, h.perm) {
			src.alloc.Refdown(hart, pfn)
			return errs.ENOMEM
		}
	}
	return nil
}

func (h *SharedText) Clone() Handler {
	return &SharedText{perm: h.perm, file: h.file, base: h.base}
}

func (h *SharedText) Relocate(deltaPages uintptr) Handler {
	return &SharedText{perm: h.perm, file: h.file, base: h.base}
}

func (h *SharedText) WithPerm(perm PTEFlags) Handler {
	return &SharedText{perm: perm &^ PteW, file: h.file, base: h.base}
}

// LoadAsync is unreachable: SharedText's PageFault never returns
// errs.EAGAIN (its pages are loaded eagerly in Map).
func (h *SharedText) LoadAsync(alloc *physmem.Allocator, hart int, pgn uintptr) (func(pt *PageTable) error, error) {
	return nil, errs.EINVAL
}

// ZeroHandler is a large demand-zero anonymous region backed by a
// single shared zero frame until first write (supplemented from
// original_source's memory/map_segment/zero_copy.rs ZeroCopy): every
// unfaulted page in the region maps the same read-only, copy-on-write
// frame, so a big bss or heap region costs one real frame rather than
// one per page until something actually writes to it. The first write
// to any page is serviced by the ordinary COWBreak path — ZeroHandler
// needs no write-side logic of its own.
type ZeroHandler struct {
	perm PTEFlags

	mu      sync.Mutex
	zeroPFN physmem.PFN
	hasZero bool
}

func NewZeroHandler(perm PTEFlags) *ZeroHandler { return &ZeroHandler{perm: perm} }

func (h *ZeroHandler) Perm() PTEFlags { return h.perm }
func (h *ZeroHandler) UsingCOW() bool { return true }

func (h *ZeroHandler) Map(pt *PageTable, pgn, pglen uintptr) error {
	return nil // demand-loaded, same as LazyAnon
}

// zeroFrame returns the region's shared zero frame, allocating it on
// first use. The frame is never written directly; every page-table
// entry pointing at it is read-only.
func (h *ZeroHandler) zeroFrame(pt *PageTable) (physmem.PFN, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasZero {
		return h.zeroPFN, true
	}
	pfn, _, ok := pt.alloc.Alloc(pt.hart)
	if !ok {
		return 0, false
	}
	h.zeroPFN = pfn
	h.hasZero = true
	return pfn, true
}

func (h *ZeroHandler) PageFault(pt *PageTable, pgn uintptr, access AccessType) error {
	if !access.permitted(h.perm) {
		return errs.EACCES
	}
	va := pgn << PageShift
	if _, _, ok := pt.Lookup(va); ok {
		return nil // another thread's concurrent fault already won
	}
	pfn, ok := h.zeroFrame(pt)
	if !ok {
		return errs.ENOMEM
	}
	pt.alloc.Refup(pfn)
	perm := (h.perm &^ PteW) | PteCOW
	if !pt.Map(va, pfn, perm) {
		pt.alloc.Refdown(pt.hart, pfn)
		return errs.ENOMEM
	}
	return nil
}

func (h *ZeroHandler) Unmap(pt *PageTable, alloc *physmem.Allocator, hart int, pgn, pglen uintptr) {
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		if pfn, ok := pt.Unmap(va); ok {
			alloc.Refdown(hart, pfn)
		}
	}
}

func (h *ZeroHandler) CopyInto(src, dst *PageTable, sc *SharedPages, hart int, pgn, pglen uintptr) error {
	return cowCopyInto(src, dst, sc, hart, pgn, pglen, h.perm)
}

// Clone shares this handler's already-allocated zero frame (if any)
// with the new segment node: no new physmem reference is taken here,
// since no page table entry is installed until a fault actually
// touches a page — that fault is what bumps the frame's refcount.
func (h *ZeroHandler) Clone() Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &ZeroHandler{perm: h.perm, zeroPFN: h.zeroPFN, hasZero: h.hasZero}
}

// Relocate is a plain Clone: the shared zero frame has no positional
// identity the way a file offset does, so shifting the segment's base
// page number changes nothing about it.
func (h *ZeroHandler) Relocate(deltaPages uintptr) Handler { return h.Clone() }

func (h *ZeroHandler) WithPerm(perm PTEFlags) Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &ZeroHandler{perm: perm, zeroPFN: h.zeroPFN, hasZero: h.hasZero}
}

// LoadAsync is unreachable: ZeroHandler's PageFault never returns
// errs.EAGAIN (the zero frame is always immediately available).
func (h *ZeroHandler) LoadAsync(alloc *physmem.Allocator, hart int, pgn uintptr) (func(pt *PageTable) error, error) {
	return nil, errs.EINVAL
}

// cowCopyInto is the fork-time copy shared by every handler that uses
// copy-on-write sharing: both parent and child get the same frame,
// downgraded to read-only, with the shared-page table's refcount
// bumped so a later write fault in either knows to check for
// contention before taking the page back as sole owner.
func cowCopyInto(src, dst *PageTable, sc *SharedPages, hart int, pgn, pglen uintptr, perm PTEFlags) error {
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		pfn, flags, ok := src.Lookup(va)
		if !ok {
			continue
		}
		roFlags := (flags &^ PteW) | PteCOW
		if flags&PteW != 0 {
			roFlags |= PteWasCOW
		}
		if !src.SetFlags(va, roFlags) {
			return errs.EFAULT
		}
		if !dst.Map(va, pfn, roFlags) {
			return errs.ENOMEM
		}
		sc.Share(pfn)
	}
	return nil
}

package vm

import (
	"testing"

	"github.com/ftl-os/ftlos/errs"
	"github.com/ftl-os/ftlos/physmem"
)

// fakeFile is a minimal vm.File backed by an in-memory byte slice, for
// exercising FileBacked without any real filesystem.
type fakeFile struct {
	data []byte
}

func (f *fakeFile) ReadAt(buf []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	n := copy(buf, f.data[off:])
	return n, nil
}

func newTestAS(t *testing.T, alloc *physmem.Allocator, hart int, asid uint32) *AddressSpace {
	t.Helper()
	as, err := NewAddressSpace(alloc, hart, asid)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return as
}

func TestCOWForkRoundTrip(t *testing.T) {
	alloc := physmem.NewAllocator(64, 1)
	parent := newTestAS(t, alloc, 0, 1)

	const pgn, pglen = 100, 3
	if err := parent.Map(0, pgn, pglen, NewLazyAnon(PteR|PteW|PteU)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		if err := parent.PageFault(0, va, AccessWrite); err != nil {
			t.Fatalf("demand fault page %d: %v", i, err)
		}
		pfn, _, _ := parent.pt.Lookup(va)
		alloc.Dmap(pfn)[0] = byte(i)
	}

	child, err := parent.Fork(0, 2)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	// Every page must be byte-identical right after fork.
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		ppfn, _, ok := parent.pt.Lookup(va)
		if !ok {
			t.Fatalf("parent page %d unmapped after fork", i)
		}
		cpfn, _, ok := child.pt.Lookup(va)
		if !ok {
			t.Fatalf("child page %d unmapped after fork", i)
		}
		if alloc.Dmap(ppfn)[0] != alloc.Dmap(cpfn)[0] {
			t.Fatalf("page %d diverged immediately after fork", i)
		}
	}

	// Child writes page 1: must COW-break, not perturb the parent.
	va1 := uintptr(pgn+1) << PageShift
	if err := child.COWBreak(0, va1); err != nil {
		t.Fatalf("COWBreak: %v", err)
	}
	cpfn, _, _ := child.pt.Lookup(va1)
	alloc.Dmap(cpfn)[0] = 0xFF

	ppfn, _, _ := parent.pt.Lookup(va1)
	if alloc.Dmap(ppfn)[0] != 1 {
		t.Fatalf("parent page 1 perturbed by child's write: got %d, want 1", alloc.Dmap(ppfn)[0])
	}
	if alloc.Dmap(cpfn)[0] != 0xFF {
		t.Fatalf("child page 1 did not take the write")
	}

	// Pages 0 and 2 are still shared by parent and child (refcount 2);
	// the child's COW break queued a decrement only for page 1's frame.
	p0, _, _ := parent.pt.Lookup(pgn << PageShift)
	if alloc.Refcnt(p0) != 2 {
		t.Fatalf("unrelated page 0 refcount = %d, want 2 (still shared)", alloc.Refcnt(p0))
	}
}

func TestDemandLoadConcurrentFaultsConverge(t *testing.T) {
	alloc := physmem.NewAllocator(16, 2)
	as := newTestAS(t, alloc, 0, 1)
	if err := as.Map(0, 10, 1, NewLazyAnon(PteR|PteW|PteU)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	va := uintptr(10) << PageShift

	if err := as.PageFault(0, va, AccessWrite); err != nil {
		t.Fatalf("first fault: %v", err)
	}
	pfn1, _, _ := as.pt.Lookup(va)

	// A second hart's fault on the same already-resolved page must be
	// a no-op, not a second allocation replacing the mapping.
	if err := as.PageFault(1, va, AccessWrite); err != nil {
		t.Fatalf("second racing fault: %v", err)
	}
	pfn2, _, _ := as.pt.Lookup(va)
	if pfn1 != pfn2 {
		t.Fatalf("racing fault replaced the already-resolved mapping")
	}
}

func TestMunmapDuringAsyncFaultDiscardsAndFails(t *testing.T) {
	alloc := physmem.NewAllocator(16, 1)
	as := newTestAS(t, alloc, 0, 1)
	if err := as.Map(0, 20, 4, NewLazyAnon(PteR|PteW|PteU)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	va := uintptr(21) << PageShift

	f, err := as.BeginAsyncFault(va)
	if err != nil {
		t.Fatalf("BeginAsyncFault: %v", err)
	}

	// Another hart unmaps the whole region while the async I/O is in
	// flight: this bumps the version.
	if err := as.Unmap(0, 20, 4); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	installed := false
	err = as.CompleteAsyncFault(0, f, func(pt *PageTable) error {
		installed = true
		return nil
	})
	if installed {
		t.Fatalf("install ran despite a version mismatch from a concurrent unmap")
	}
	if err != errs.EFAULT {
		t.Fatalf("expected a terminal fault after the segment vanished, got %v", err)
	}
}

func TestFileBackedPageFaultLoadsWithoutHoldingLockAcrossRead(t *testing.T) {
	alloc := physmem.NewAllocator(16, 1)
	as := newTestAS(t, alloc, 0, 1)

	want := []byte("hello from disk, demand-loaded one page at a time")
	file := &fakeFile{data: want}
	if err := as.Map(0, 5, 1, NewFileBacked(PteR|PteW|PteU, file, 0, 5)); err != nil {
		t.Fatalf("Map: %v", err)
	}

	va := uintptr(5) << PageShift
	// PageFault must itself drive the async phase (Begin/LoadAsync/
	// Complete) to completion: the handler's sync PageFault never
	// touches the disk, so if this returns anything but nil, the async
	// machinery was never reached through the real fault entry.
	if err := as.PageFault(0, va, AccessRead); err != nil {
		t.Fatalf("PageFault did not resolve via the async path: %v", err)
	}

	pfn, _, ok := as.pt.Lookup(va)
	if !ok {
		t.Fatalf("page not installed after PageFault resolved")
	}
	got := alloc.Dmap(pfn)[:len(want)]
	if string(got) != string(want) {
		t.Fatalf("loaded page content = %q, want %q", got, want)
	}

	// A second fault on the already-resolved page must be a cheap
	// no-op, not a second disk read.
	if err := as.PageFault(0, va, AccessRead); err != nil {
		t.Fatalf("second fault on resolved page: %v", err)
	}
	pfn2, _, _ := as.pt.Lookup(va)
	if pfn2 != pfn {
		t.Fatalf("second fault replaced the already-resolved mapping")
	}
}

func TestFileBackedLoadAsyncDiscardedOnVersionMismatch(t *testing.T) {
	alloc := physmem.NewAllocator(16, 1)
	as := newTestAS(t, alloc, 0, 1)

	file := &fakeFile{data: []byte("stale")}
	if err := as.Map(0, 20, 4, NewFileBacked(PteR|PteW|PteU, file, 0, 20)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	va := uintptr(21) << PageShift

	f, err := as.BeginAsyncFault(va)
	if err != nil {
		t.Fatalf("BeginAsyncFault: %v", err)
	}
	install, err := f.handler.LoadAsync(alloc, 0, f.pgn)
	if err != nil {
		t.Fatalf("LoadAsync: %v", err)
	}

	if err := as.Unmap(0, 20, 4); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if err := as.CompleteAsyncFault(0, f, install); err != errs.EFAULT {
		t.Fatalf("expected a terminal fault after the segment vanished, got %v", err)
	}
	if _, _, ok := as.pt.Lookup(va); ok {
		t.Fatalf("stale load installed despite the segment having been unmapped")
	}
}

func TestZeroHandlerSharesOneFrameUntilWrite(t *testing.T) {
	alloc := physmem.NewAllocator(16, 1)
	as := newTestAS(t, alloc, 0, 1)

	const pgn, pglen = 30, 4
	if err := as.Map(0, pgn, pglen, NewZeroHandler(PteR|PteW|PteU)); err != nil {
		t.Fatalf("Map: %v", err)
	}

	var pfns [pglen]physmem.PFN
	for i := uintptr(0); i < pglen; i++ {
		va := (pgn + i) << PageShift
		if err := as.PageFault(0, va, AccessRead); err != nil {
			t.Fatalf("read fault page %d: %v", i, err)
		}
		pfn, flags, ok := as.pt.Lookup(va)
		if !ok {
			t.Fatalf("page %d not mapped after read fault", i)
		}
		if flags&PteCOW == 0 {
			t.Fatalf("page %d not marked COW despite backing the shared zero frame", i)
		}
		pfns[i] = pfn
	}
	for i := 1; i < pglen; i++ {
		if pfns[i] != pfns[0] {
			t.Fatalf("page %d used a different frame than page 0 before any write", i)
		}
	}
	for _, b := range alloc.Dmap(pfns[0]) {
		if b != 0 {
			t.Fatalf("shared zero frame is not all-zero")
		}
	}

	// Writing one page must COW-break it onto a private frame, leaving
	// the others still pointed at the shared zero frame.
	va1 := uintptr(pgn+1) << PageShift
	if err := as.COWBreak(0, va1); err != nil {
		t.Fatalf("COWBreak: %v", err)
	}
	newPfn, _, _ := as.pt.Lookup(va1)
	if newPfn == pfns[0] {
		t.Fatalf("COWBreak did not move the written page off the shared zero frame")
	}
	otherPfn, _, _ := as.pt.Lookup((pgn + 2) << PageShift)
	if otherPfn != pfns[0] {
		t.Fatalf("unrelated page moved off the shared zero frame by an unrelated write")
	}
}

package physmem

import "testing"

func TestAllocZeroesAndRefcountsOne(t *testing.T) {
	a := NewAllocator(8, 1)
	pfn, pg, ok := a.Alloc(0)
	if !ok {
		t.Fatalf("expected allocation to succeed out of 8 frames")
	}
	pg[0] = 0xff
	if a.Refcnt(pfn) != 1 {
		t.Fatalf("fresh frame refcnt = %d, want 1", a.Refcnt(pfn))
	}
	pfn2, pg2, ok := a.Alloc(0)
	if !ok {
		t.Fatalf("expected second allocation to succeed")
	}
	if pfn == pfn2 {
		t.Fatalf("allocator returned the same frame twice while it was still live")
	}
	if pg2[0] != 0 {
		t.Fatalf("freshly allocated frame was not zeroed")
	}
}

func TestExhaustionReturnsFalse(t *testing.T) {
	a := NewAllocator(2, 1)
	if _, _, ok := a.Alloc(0); !ok {
		t.Fatalf("expected first alloc to succeed")
	}
	if _, _, ok := a.Alloc(0); !ok {
		t.Fatalf("expected second alloc to succeed")
	}
	if _, _, ok := a.Alloc(0); ok {
		t.Fatalf("expected pool exhaustion on the third alloc")
	}
}

func TestRefupRefdownSharing(t *testing.T) {
	a := NewAllocator(4, 1)
	pfn, _, _ := a.Alloc(0)
	a.Refup(pfn) // simulate a second mapping (e.g. fork COW)
	if a.Refcnt(pfn) != 2 {
		t.Fatalf("refcnt after Refup = %d, want 2", a.Refcnt(pfn))
	}
	if freed := a.Refdown(0, pfn); freed {
		t.Fatalf("frame freed while still referenced")
	}
	if a.Refcnt(pfn) != 1 {
		t.Fatalf("refcnt after one Refdown = %d, want 1", a.Refcnt(pfn))
	}
	if freed := a.Refdown(0, pfn); !freed {
		t.Fatalf("frame not freed at refcnt 0")
	}
}

func TestFreedFrameIsReusable(t *testing.T) {
	a := NewAllocator(1, 1)
	pfn, _, ok := a.Alloc(0)
	if !ok {
		t.Fatalf("expected alloc to succeed")
	}
	a.Refdown(0, pfn)
	pfn2, _, ok := a.Alloc(0)
	if !ok {
		t.Fatalf("expected the freed frame to be reusable")
	}
	if pfn2 != pfn {
		t.Fatalf("single-frame pool did not reuse the freed frame: got %d want %d", pfn2, pfn)
	}
}

func TestPercpuCacheCrossHartFree(t *testing.T) {
	a := NewAllocator(4, 2)
	pfn, _, ok := a.Alloc(0)
	if !ok {
		t.Fatalf("expected alloc on hart 0 to succeed")
	}
	// Free on a different hart than it was allocated on: the frame
	// must still become allocatable (from hart 1's cache or the global
	// list), never stranded.
	a.Refdown(1, pfn)
	if _, _, ok := a.Alloc(1); !ok {
		t.Fatalf("expected the cross-hart-freed frame to be allocatable")
	}
}

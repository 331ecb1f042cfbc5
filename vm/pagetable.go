package vm

// RISC-V SV39: three 9-bit page-table levels over a 4 KiB leaf, PTE
// bit layout and the PX/PTE2PA/PA2PTE conversions grounded on the
// RISC-V reference in the pack (riscv.go's PTE_V.. constants and PX
// index function), retargeted from x86's 4-level PTE_P/PTE_W/PTE_PCD
// layout the teacher's vm/pmap.go used.
import (
	"unsafe"

	"github.com/ftl-os/ftlos/physmem"
)

const (
	PageShift = physmem.PageShift
	PageSize  = physmem.PageSize

	sv39Levels = 3
	ptesPerPT  = 512
)

type PTEFlags uintptr

const (
	PteV PTEFlags = 1 << 0 // valid
	PteR PTEFlags = 1 << 1
	PteW PTEFlags = 1 << 2
	PteX PTEFlags = 1 << 3
	PteU PTEFlags = 1 << 4
	PteG PTEFlags = 1 << 5
	PteA PTEFlags = 1 << 6
	PteD PTEFlags = 1 << 7

	// PteCOW and PteWasCOW are software-only bits (ignored by hardware,
	// same trick the teacher's vm/vm.go used for x86). PteCOW marks a
	// copy-on-write page; fork sets PteWasCOW alongside it on a page
	// that was writable before the downgrade. A COW break clears both.
	PteCOW    PTEFlags = 1 << 8
	PteWasCOW PTEFlags = 1 << 9
)

type pte uintptr

func px(level int, va uintptr) uintptr {
	return (va >> (PageShift + uintptr(level)*9)) & (ptesPerPT - 1)
}

func pte2pfn(p pte) physmem.PFN {
	return physmem.PFN(p >> 10)
}

func pfn2pte(pfn physmem.PFN, flags PTEFlags) pte {
	return pte(uintptr(pfn)<<10) | pte(flags)
}

func (p pte) valid() bool { return PTEFlags(p)&PteV != 0 }
func (p pte) leaf() bool  { return PTEFlags(p)&(PteR|PteW|PteX) != 0 }

// table is one level of the page table: 512 PTEs, backed by one
// physical frame so it can be walked by hardware.
type table struct {
	pfn physmem.PFN
	pg  *physmem.Page
}

// PageTable is the per-address-space SV39 root and the frame allocator
// it draws leaf and intermediate nodes from.
type PageTable struct {
	root  table
	alloc *physmem.Allocator
	hart  int
	asid  uint32
	pages int // root + intermediate table frames owned, for accounting
}

// NewPageTable allocates a fresh, empty root table.
func NewPageTable(alloc *physmem.Allocator, hart int, asid uint32) (*PageTable, bool) {
	pfn, pg, ok := alloc.Alloc(hart)
	if !ok {
		return nil, false
	}
	return &PageTable{root: table{pfn: pfn, pg: pg}, alloc: alloc, hart: hart, asid: asid, pages: 1}, true
}

func (t *PageTable) entries(tb table) *[ptesPerPT]pte {
	return (*[ptesPerPT]pte)(unsafe.Pointer(tb.pg))
}

// walk returns the leaf PTE slot for va, allocating intermediate
// tables along the way iff alloc is true. Returns ok=false only when
// alloc is true and the frame pool is exhausted, or alloc is false and
// an intermediate table is missing.
func (t *PageTable) walk(va uintptr, doAlloc bool) (slot *pte, ok bool) {
	cur := t.root
	for level := sv39Levels - 1; level > 0; level-- {
		idx := px(level, va)
		ents := t.entries(cur)
		e := &ents[idx]
		if !e.valid() {
			if !doAlloc {
				return nil, false
			}
			pfn, pg, allocOK := t.alloc.Alloc(t.hart)
			if !allocOK {
				return nil, false
			}
			*e = pfn2pte(pfn, PteV)
			t.pages++
			cur = table{pfn: pfn, pg: pg}
			continue
		}
		if e.leaf() {
			// A huge-page intermediate entry where we expected a
			// pointer to the next level: never produced by this
			// kernel, since it never maps superpages, so this would
			// indicate a corrupted table.
			panic("vm: walk hit a leaf PTE above the last level")
		}
		pfn := pte2pfn(*e)
		cur = table{pfn: pfn, pg: t.alloc.Dmap(pfn)}
	}
	idx := px(0, va)
	ents := t.entries(cur)
	return &ents[idx], true
}

// Map installs a leaf mapping va -> pfn with flags, allocating
// intermediate tables as needed. Returns false on frame exhaustion.
func (t *PageTable) Map(va uintptr, pfn physmem.PFN, flags PTEFlags) bool {
	slot, ok := t.walk(va, true)
	if !ok {
		return false
	}
	*slot = pfn2pte(pfn, flags|PteV)
	return true
}

// Lookup returns the leaf PTE for va without allocating, or ok=false
// if unmapped.
func (t *PageTable) Lookup(va uintptr) (pfn physmem.PFN, flags PTEFlags, ok bool) {
	slot, ok := t.walk(va, false)
	if !ok || !slot.valid() {
		return 0, 0, false
	}
	return pte2pfn(*slot), PTEFlags(*slot), true
}

// SetFlags rewrites the flags of an already-present leaf mapping
// (mprotect, COW-break downgrade/upgrade), keeping its PFN.
func (t *PageTable) SetFlags(va uintptr, flags PTEFlags) bool {
	slot, ok := t.walk(va, false)
	if !ok || !slot.valid() {
		return false
	}
	pfn := pte2pfn(*slot)
	*slot = pfn2pte(pfn, flags|PteV)
	return true
}

// Unmap clears va's leaf PTE and returns the frame it pointed at, if
// any. It does not itself drop the frame's reference count; callers
// decide via physmem.Refdown whether the unmapped frame is now free.
func (t *PageTable) Unmap(va uintptr) (physmem.PFN, bool) {
	slot, ok := t.walk(va, false)
	if !ok || !slot.valid() {
		return 0, false
	}
	pfn := pte2pfn(*slot)
	*slot = 0
	return pfn, true
}

func (t *PageTable) ASID() (uint32, bool) {
	return t.asid, t.asid != 0
}

func pgRoundDown(a uintptr) uintptr { return a &^ (PageSize - 1) }
func pgRoundUp(a uintptr) uintptr   { return (a + PageSize - 1) &^ (PageSize - 1) }

package vm

import (
	"sync"

	"github.com/ftl-os/ftlos/physmem"
)

// SharedPages is the process-wide copy-on-write bookkeeping layer,
// grounded on the original Rust SCManager: the global sharer count for
// a shared frame IS physmem's own atomic refcount (one address space
// mapping a frame is one reference, exactly the same primitive fork
// uses for any other shared page), so SharedPages adds no second
// counter — it only batches the decrements, the same tick-boundary
// amortization rcu.LocalManager uses for deferred drops: reclaiming a
// frame a few ticks late costs nothing but a little memory, while
// reclaiming it a moment too early is a use-after-free, so decrements
// that might race a concurrent COW break are queued rather than
// applied inline.
type SharedPages struct {
	alloc *physmem.Allocator

	mu  sync.Mutex
	dec []physmem.PFN
}

func NewSharedPages(alloc *physmem.Allocator) *SharedPages {
	return &SharedPages{alloc: alloc}
}

// Share records a new COW sharer of pfn (a fork just mapped it into
// the child as well as the parent) and bumps the frame's real
// refcount immediately: the new mapping is about to go live, so the
// count must already reflect it before this call returns, or a
// concurrent decrement on the parent's side could free the frame out
// from under the brand-new child mapping.
func (s *SharedPages) Share(pfn physmem.PFN) {
	s.alloc.Refup(pfn)
}

// Unique reports whether pfn has exactly one live mapping anywhere —
// the write-fault COW-break path takes the page back in place instead
// of copying when this is true.
func (s *SharedPages) Unique(pfn physmem.PFN) bool {
	return s.alloc.Refcnt(pfn) == 1
}

// Unshare records that one mapping of pfn went away (a COW break that
// chose to copy rather than take the page back, or a munmap of a still-
// shared page) and queues the matching physmem decrement for the next
// Flush.
func (s *SharedPages) Unshare(pfn physmem.PFN) {
	s.mu.Lock()
	s.dec = append(s.dec, pfn)
	s.mu.Unlock()
}

// Flush applies every batched decrement to alloc, returning the frames
// that dropped to zero as a result (the caller's responsibility to
// have already removed any page-table mapping to them).
func (s *SharedPages) Flush(hart int) []physmem.PFN {
	s.mu.Lock()
	dec := s.dec
	s.dec = nil
	s.mu.Unlock()

	var freed []physmem.PFN
	for _, pfn := range dec {
		if s.alloc.Refdown(hart, pfn) {
			freed = append(freed, pfn)
		}
	}
	return freed
}

// Pending reports how many decrements are queued, unflushed.
func (s *SharedPages) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dec)
}

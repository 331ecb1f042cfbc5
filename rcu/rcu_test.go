package rcu

import "testing"

// fence mimics one hart completing a grace-period boundary: leave then
// immediately re-enter, the way a hart does at every task switch.
func fence(m *Manager, hart int, extra []Drop) {
	m.Leave(hart, extra)
	m.Enter(hart)
}

func TestSingleHartRotationDelaysOneFullCycle(t *testing.T) {
	m := NewManager()
	var released int

	fence(m, 0, nil)
	push := Register(new(int), func(v *int) { released = 1 })
	fence(m, 0, []Drop{push})
	if released != 0 {
		t.Fatalf("object released before its registration grace period elapsed")
	}
	fence(m, 0, nil)
	if released != 1 {
		t.Fatalf("object not released after a full grace period")
	}
}

func TestMultiHartWaitsForAllHarts(t *testing.T) {
	m := NewManager()
	m.Enter(0)
	m.Enter(1)

	released := false
	d := Register(new(int), func(*int) { released = true })
	m.Leave(0, []Drop{d})
	m.Enter(0)
	if released {
		t.Fatalf("rotated before every hart left the grace period")
	}

	// hart 1 leaves: high32 becomes zero, hart 1 rotates pending->current
	m.Leave(1, nil)
	m.Enter(1)
	if released {
		t.Fatalf("released too early: object must wait one more full grace period")
	}

	// one more full cycle on both harts releases it
	m.Leave(0, nil)
	m.Enter(0)
	m.Leave(1, nil)
	m.Enter(1)
	if !released {
		t.Fatalf("object not released after every hart passed a second grace-period boundary")
	}
}

func TestLocalManagerBatchesUntilCriticalEnd(t *testing.T) {
	mgr := NewManager()
	lm := NewLocalManager(mgr, 0)

	lm.CriticalStart()
	released := false
	lm.Defer(Register(new(int), func(*int) { released = true }))
	if released {
		t.Fatalf("released before CriticalEnd flushed the local queue")
	}
	lm.CriticalEnd()
	lm.CriticalStart()
	lm.CriticalEnd()
	if !released {
		t.Fatalf("single-hart manager did not release after a second grace-period boundary")
	}
}

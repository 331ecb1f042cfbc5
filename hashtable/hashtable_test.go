package hashtable

import (
	"strconv"
	"sync"
	"testing"
)

const testSize = 10

func fill(t *testing.T, tbl *Table, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		k := strconv.Itoa(i)
		tbl.Put(k, i)
		v, ok := tbl.Get(k)
		if !ok || v.(int) != i {
			t.Fatalf("key %v not readable after put", k)
		}
	}
}

func TestPutGetDel(t *testing.T) {
	tbl := New(testSize)
	fill(t, tbl, 3*testSize)

	for i := 1; i < 3*testSize; i++ {
		k := strconv.Itoa(i)
		tbl.Del(k)
		if _, ok := tbl.Get(k); ok {
			t.Fatalf("key %v still present after delete", k)
		}
	}
	if v, ok := tbl.Get("0"); !ok || v.(int) != 0 {
		t.Fatalf("key 0 disturbed by unrelated deletes")
	}
}

func TestOverwrite(t *testing.T) {
	tbl := New(testSize)
	tbl.Put("x", 1)
	tbl.Put("x", 2)
	v, ok := tbl.Get("x")
	if !ok || v.(int) != 2 {
		t.Fatalf("overwrite did not take effect: %v %v", v, ok)
	}
}

func TestIterVisitsEveryKey(t *testing.T) {
	tbl := New(testSize)
	fill(t, tbl, 3*testSize)

	seen := map[string]bool{}
	tbl.Iter(func(key, value interface{}) bool {
		seen[key.(string)] = true
		return true
	})
	if len(seen) != 3*testSize {
		t.Fatalf("Iter visited %d keys, want %d", len(seen), 3*testSize)
	}
}

func TestIterStopsEarly(t *testing.T) {
	tbl := New(testSize)
	fill(t, tbl, 3*testSize)

	visited := 0
	tbl.Iter(func(key, value interface{}) bool {
		visited++
		return visited < 5
	})
	if visited != 5 {
		t.Fatalf("Iter visited %d entries after false return, want 5", visited)
	}
}

func TestConcurrentReadersOneWriter(t *testing.T) {
	tbl := New(testSize)
	fill(t, tbl, testSize)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					tbl.Get("3")
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		tbl.Put("writer-key", i)
	}
	close(stop)
	wg.Wait()
}

// Package hashtable implements a lock-striped hash table keyed by an
// arbitrary comparable key, used by proc as the global pid→process
// table. Buckets are singly-linked lists ordered by key hash and
// protected by a per-bucket mutex; list traversal is lock-free via an
// atomic pointer load so readers never block on a concurrent writer's
// bucket lock when only observing the list, matching the bucket's own
// locked mutation path.
package hashtable

import "sync/atomic"
import "fmt"
import "hash/fnv"
import "sync"
import "unsafe"

type elem struct {
	key     interface{}
	value   interface{}
	keyHash uint32
	next    *elem
}

type bucket struct {
	sync.Mutex
	first *elem
}

type Table struct {
	buckets []*bucket
}

func New(size int) *Table {
	t := &Table{buckets: make([]*bucket, size)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *Table) String() string {
	s := ""
	for i, b := range t.buckets {
		if b.first == nil {
			continue
		}
		s += fmt.Sprintf("bucket %d:\n", i)
		for e := b.first; e != nil; e = e.next {
			s += fmt.Sprintf("(%v, %v), ", e.keyHash, e.key)
		}
		s += "\n"
	}
	return s
}

func (t *Table) Get(key interface{}) (interface{}, bool) {
	kh := khash(key)
	b := t.buckets[t.idx(kh)]
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

func (t *Table) Put(key, value interface{}) {
	kh := khash(key)
	b := t.buckets[t.idx(kh)]
	b.Lock()
	defer b.Unlock()

	add := func(last *elem) {
		if last == nil {
			storeptr(&b.first, &elem{key: key, value: value, keyHash: kh, next: b.first})
		} else {
			storeptr(&last.next, &elem{key: key, value: value, keyHash: kh, next: last.next})
		}
	}

	var last *elem
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			e.value = value
			return
		}
		if kh < e.keyHash {
			add(last)
			return
		}
		last = e
	}
	add(last)
}

func (t *Table) Del(key interface{}) {
	kh := khash(key)
	b := t.buckets[t.idx(kh)]
	b.Lock()
	defer b.Unlock()

	var last *elem
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
	panic("hashtable: delete of non-existent key")
}

// Iter calls f on every (key, value) pair in an unspecified order,
// stopping early if f returns false. It may execute concurrently with
// other lookups, inserts, and deletes: each bucket is read the same
// lock-free way Get reads it, so a concurrent Put/Del on one bucket
// cannot block Iter's traversal of another, though a mutation racing
// the very bucket being visited may or may not be observed.
func (t *Table) Iter(f func(key, value interface{}) bool) {
	for _, b := range t.buckets {
		for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
			if !f(e.key, e.value) {
				return
			}
		}
	}
}

func (t *Table) idx(keyHash uint32) int {
	return int(keyHash % uint32(len(t.buckets)))
}

func loadptr(e **elem) *elem {
	return (*elem)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(e))))
}

func storeptr(p **elem, n *elem) {
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(p)), unsafe.Pointer(n))
}

func khash(key interface{}) uint32 {
	return uint32(2654435761) * hash(key)
}

func hash(key interface{}) uint32 {
	switch x := key.(type) {
	case string:
		h := fnv.New32a()
		h.Write([]byte(x))
		return h.Sum32()
	case int:
		return uint32(x)
	case int32:
		return uint32(x)
	}
	panic(fmt.Errorf("hashtable: unsupported key type %T", key))
}

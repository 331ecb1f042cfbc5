// Package fd is the per-process open-file table, kept at the sketch
// level spec.md asks for: just enough of a file abstraction to let a
// syscall handler turn a would-block result into a suspension point
// for the task executor. Grounded on biscuit's fd/fd.go (Fd_t, Cwd_t)
// and fdops/fdops.go (the Fdops_i method surface), trimmed to drop the
// on-disk filesystem operations (stat, readdir, truncate) this core
// has no filesystem to back.
package fd

import (
	"sync"

	"github.com/ftl-os/ftlos/bpath"
	"github.com/ftl-os/ftlos/errs"
	"github.com/ftl-os/ftlos/ustr"
)

const (
	Read    = 0x1
	Write   = 0x2
	CloExec = 0x4
)

// File is the operation surface every open file description satisfies.
// Read/Write return errs.EAGAIN when the call would otherwise block
// (an empty pipe with a writer still open, e.g.); the syscall layer
// above this package is what turns that into a suspended task.
type File interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
	Reopen() error
}

// Entry is one process's view of an open file: a shared File plus this
// descriptor's own permission bits (O_RDONLY/O_WRONLY, close-on-exec).
type Entry struct {
	File  File
	Perms int
}

// Dup clones e for a new descriptor number pointing at the same
// underlying File (dup2, fork).
func Dup(e *Entry) (*Entry, error) {
	if err := e.File.Reopen(); err != nil {
		return nil, err
	}
	return &Entry{File: e.File, Perms: e.Perms}, nil
}

// Table is the per-process descriptor table: a dense slice indexed by
// fd number, behind one mutex (short-held: every method here returns
// without blocking).
type Table struct {
	mu      sync.Mutex
	entries []*Entry
}

func NewTable() *Table {
	return &Table{}
}

// Install places e at the lowest free descriptor number and returns it.
func (t *Table) Install(e *Entry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.entries {
		if slot == nil {
			t.entries[i] = e
			return i
		}
	}
	t.entries = append(t.entries, e)
	return len(t.entries) - 1
}

// Get returns the entry at fd, or errs.EBADF if none is open there.
func (t *Table) Get(fdNum int) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdNum < 0 || fdNum >= len(t.entries) || t.entries[fdNum] == nil {
		return nil, errs.EBADF
	}
	return t.entries[fdNum], nil
}

// Close removes fd and calls its File's Close, releasing the reference
// this descriptor held (Dup and Fork take one via Reopen); any further
// refcounting is the File's own concern.
func (t *Table) Close(fdNum int) error {
	t.mu.Lock()
	e := (*Entry)(nil)
	if fdNum >= 0 && fdNum < len(t.entries) {
		e = t.entries[fdNum]
		t.entries[fdNum] = nil
	}
	t.mu.Unlock()
	if e == nil {
		return errs.EBADF
	}
	return e.File.Close()
}

// Fork produces a child table sharing every open File (POSIX fork
// semantics: descriptor numbers and flags are copied, the underlying
// file descriptions are shared).
func (t *Table) Fork() (*Table, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := &Table{entries: make([]*Entry, len(t.entries))}
	for i, e := range t.entries {
		if e == nil {
			continue
		}
		ne, err := Dup(e)
		if err != nil {
			return nil, err
		}
		child.entries[i] = ne
	}
	return child, nil
}

// Cwd is a process's current-working-directory state: serialized
// against concurrent chdir the same way biscuit's Cwd_t is.
type Cwd struct {
	mu   sync.Mutex
	Dir  *Entry
	Path ustr.Ustr
}

func NewRootCwd(dir *Entry) *Cwd {
	return &Cwd{Dir: dir, Path: ustr.MkUstrRoot()}
}

func (c *Cwd) Fullpath(p ustr.Ustr) ustr.Ustr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.IsAbsolute() {
		return p
	}
	full := append(ustr.Ustr{}, c.Path...)
	full = append(full, '/')
	return append(full, p...)
}

func (c *Cwd) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return bpath.Canonicalize(c.Fullpath(p))
}

func (c *Cwd) Chdir(dir *Entry, path ustr.Ustr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Dir = dir
	c.Path = path
}

package fd

import (
	"sync"

	"github.com/ftl-os/ftlos/errs"
)

// pipeRing is an unexported byte ring buffer: the same role the
// teacher's dropped circbuf package played, reimplemented inline since
// Pipe is the only SPEC_FULL component that needs one.
type pipeRing struct {
	buf        []byte
	head, tail int
	full       bool
}

func newPipeRing(cap int) *pipeRing {
	return &pipeRing{buf: make([]byte, cap)}
}

func (r *pipeRing) len() int {
	if r.full {
		return len(r.buf)
	}
	if r.tail >= r.head {
		return r.tail - r.head
	}
	return len(r.buf) - r.head + r.tail
}

func (r *pipeRing) space() int { return len(r.buf) - r.len() }

func (r *pipeRing) write(p []byte) int {
	n := 0
	for n < len(p) && r.space() > 0 {
		r.buf[r.tail] = p[n]
		r.tail = (r.tail + 1) % len(r.buf)
		n++
		r.full = r.tail == r.head
	}
	return n
}

func (r *pipeRing) read(p []byte) int {
	n := 0
	for n < len(p) && r.len() > 0 {
		p[n] = r.buf[r.head]
		r.head = (r.head + 1) % len(r.buf)
		n++
		r.full = false
	}
	return n
}

const pipeCapacity = 4096

// Pipe is an anonymous, in-kernel byte pipe: the minimal open file
// type spec.md's suspension contract needs to be demonstrable (a
// read on an empty pipe, or a write to a full one, with the writer/
// reader side still open, must surface as errs.EAGAIN so a syscall
// handler can suspend the calling task rather than busy-loop).
type Pipe struct {
	mu      sync.Mutex
	ring    *pipeRing
	readers int
	writers int
}

func NewPipe() (*PipeReadEnd, *PipeWriteEnd) {
	p := &Pipe{ring: newPipeRing(pipeCapacity), readers: 1, writers: 1}
	return &PipeReadEnd{p: p}, &PipeWriteEnd{p: p}
}

type PipeReadEnd struct{ p *Pipe }
type PipeWriteEnd struct{ p *Pipe }

func (r *PipeReadEnd) Read(buf []byte) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	n := r.p.ring.read(buf)
	if n > 0 {
		return n, nil
	}
	if r.p.writers == 0 {
		return 0, nil // EOF: every writer closed, empty forever
	}
	return 0, errs.EAGAIN
}

func (r *PipeReadEnd) Write(buf []byte) (int, error) { return 0, errs.EACCES }
func (r *PipeReadEnd) Close() error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	r.p.readers--
	return nil
}
func (r *PipeReadEnd) Reopen() error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	r.p.readers++
	return nil
}

func (w *PipeWriteEnd) Write(buf []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.p.readers == 0 {
		return 0, errs.EFAULT // no reader left: broken pipe
	}
	n := w.p.ring.write(buf)
	if n > 0 {
		return n, nil
	}
	return 0, errs.EAGAIN
}

func (w *PipeWriteEnd) Read(buf []byte) (int, error) { return 0, errs.EACCES }
func (w *PipeWriteEnd) Close() error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.p.writers--
	return nil
}
func (w *PipeWriteEnd) Reopen() error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.p.writers++
	return nil
}

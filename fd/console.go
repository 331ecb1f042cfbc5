package fd

import (
	"io"
	"sync"

	"github.com/ftl-os/ftlos/errs"
)

// Console is the device-number-1 file biscuit's D_CONSOLE stood for:
// a single shared input/output stream every process's fd 0/1/2 can be
// opened against. Input is buffered the same way a Pipe buffers bytes
// (a waiting reader sees errs.EAGAIN rather than blocking); output
// goes straight to the sink, since a write to the console never needs
// to suspend the caller.
type Console struct {
	mu  sync.Mutex
	in  *pipeRing
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	return &Console{in: newPipeRing(pipeCapacity), out: out}
}

// Feed is called by the device driver (or a test) to push bytes typed
// at the console into the pending-input ring.
func (c *Console) Feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.write(p)
}

func (c *Console) Read(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.in.read(buf)
	if n > 0 {
		return n, nil
	}
	return 0, errs.EAGAIN
}

func (c *Console) Write(buf []byte) (int, error) {
	return c.out.Write(buf)
}

func (c *Console) Close() error  { return nil }
func (c *Console) Reopen() error { return nil }

// Package errs holds the kernel's closed error taxonomy.
//
// Errno implements error so it composes with idiomatic Go control flow,
// but syscall handlers translate it to a negative-int return value at
// the ABI boundary per the register-in/register-out syscall contract.
package errs

import "fmt"

type Errno int

const (
	EINVAL Errno = iota + 1
	ENOMEM
	EAGAIN // would-block
	EINTR
	EFAULT
	EACCES // permission-denied
	ENOENT // not-found
	EEXIST // already-exists
	ENOTDIR
	ENOSYS // not-supported
	ESRCH
	EBADF
	ECHILD
	EBUSY
	ENOSPC
	ENAMETOOLONG
)

var names = map[Errno]string{
	EINVAL:       "invalid argument",
	ENOMEM:       "out of memory",
	EAGAIN:       "would block",
	EINTR:        "interrupted",
	EFAULT:       "bad address",
	EACCES:       "permission denied",
	ENOENT:       "not found",
	EEXIST:       "already exists",
	ENOTDIR:      "not a directory",
	ENOSYS:       "not supported",
	ESRCH:        "no such process",
	EBADF:        "bad file descriptor",
	ECHILD:       "no child processes",
	EBUSY:        "resource busy",
	ENOSPC:       "no space left",
	ENAMETOOLONG: "name too long",
}

func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int(e))
}

// Sysret turns an Errno into a negative syscall return value, 0 on nil.
func Sysret(err error) int {
	if err == nil {
		return 0
	}
	var e Errno
	if er, ok := err.(Errno); ok {
		e = er
	} else {
		e = EINVAL
	}
	return -int(e)
}

// Tid identifies a thread, unique within the lifetime of the kernel.
type Tid int

// Pid identifies a process.
type Pid int

// FaultClass distinguishes the two fault taxonomies of §4.3/§7: a
// recoverable fault is resolved by the page-fault protocol; a terminal
// fault kills the faulting thread with a diagnostic.
type FaultClass int

const (
	FaultRecoverable FaultClass = iota
	FaultTerminal
)

package tunnel

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Fd owns a raw file descriptor until it is closed or released.
type Fd struct {
	mu sync.Mutex
	fd int
}

// NewFd wraps fd.
func NewFd(fd int) *Fd {
	return &Fd{fd: fd}
}

// NewSocketPair returns both ends of a connected stream socket pair.
func NewSocketPair() (*Fd, *Fd, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}

	return NewFd(fds[0]), NewFd(fds[1]), nil
}

// Int returns the descriptor, or -1 once closed.
func (f *Fd) Int() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fd
}

// Valid returns true while the descriptor is owned.
func (f *Fd) Valid() bool {
	return f.Int() >= 0
}

// Release gives up ownership and returns the descriptor.
func (f *Fd) Release() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	fd := f.fd
	f.fd = -1

	return fd
}

// File transfers ownership of the descriptor to an *os.File.
func (f *Fd) File(name string) *os.File {
	fd := f.Release()
	if fd < 0 {
		return nil
	}

	return os.NewFile(uintptr(fd), name)
}

// Shutdown shuts the socket down in the given direction without closing it.
func (f *Fd) Shutdown(how int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd < 0 {
		return nil
	}

	return unix.Shutdown(f.fd, how)
}

// Close closes the descriptor. Further calls are no-ops.
func (f *Fd) Close() error {
	fd := f.Release()
	if fd < 0 {
		return nil
	}

	return unix.Close(fd)
}

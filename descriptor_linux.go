//go:build linux

package iomux

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// unsetFD marks a descriptor that was closed, moved, or released.
const unsetFD = -1

// used for testing
var (
	sysRead   = unix.Read
	sysWrite  = unix.Write
	sysReadv  = unix.Readv
	sysWritev = unix.Writev
	sysFcntl  = unix.FcntlInt
	sysClose  = unix.Close
)

// noCopy may be embedded into structs which must not be copied after first
// use, see go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// descriptor implements the operations shared by File and Handle.
// It is not safe for concurrent use.
type descriptor struct {
	fd        int
	finalizer bool
}

// Fd returns the OS handle, or -1 if the descriptor no longer owns one.
func (x *descriptor) Fd() int { return x.fd }

// Closed reports whether the descriptor no longer owns an OS handle.
func (x *descriptor) Closed() bool { return x.fd < 0 }

// Read performs a single read into p, retrying while the call is interrupted
// or would block. The count may be short, and is 0 at end of file.
func (x *descriptor) Read(p []byte) (int, error) {
	if x.fd < 0 {
		return 0, newError(KindMisuse, "read", x.fd, ErrClosed)
	}
	for {
		n, err := sysRead(x.fd, p)
		if err == nil {
			return n, nil
		}
		if !isTransient(err) {
			return 0, newError(KindDescriptor, "read", x.fd, err)
		}
	}
}

// Write performs a single write from p, retrying while the call is
// interrupted or would block. Short writes are returned as-is.
func (x *descriptor) Write(p []byte) (int, error) {
	if x.fd < 0 {
		return 0, newError(KindMisuse, "write", x.fd, ErrClosed)
	}
	for {
		n, err := sysWrite(x.fd, p)
		if err == nil {
			return n, nil
		}
		if !isTransient(err) {
			return 0, newError(KindDescriptor, "write", x.fd, err)
		}
	}
}

// Readv reads into the free space exposed by buf, then calls buf.AfterRead
// with the count. Retry semantics match Read.
func (x *descriptor) Readv(buf Buffer) (int, error) {
	if x.fd < 0 {
		return 0, newError(KindMisuse, "readv", x.fd, ErrClosed)
	}
	if buf == nil {
		return 0, newError(KindMisuse, "readv", x.fd, ErrInvalidArgument)
	}
	iov := buf.ReadVector()
	if vectorLen(iov) == 0 {
		return 0, nil
	}
	for {
		n, err := sysReadv(x.fd, iov)
		if err == nil {
			buf.AfterRead(n)
			return n, nil
		}
		if !isTransient(err) {
			return 0, newError(KindDescriptor, "readv", x.fd, err)
		}
	}
}

// Writev writes the pending data exposed by buf, then calls buf.AfterWrite
// with the count. Retry semantics match Write.
func (x *descriptor) Writev(buf Buffer) (int, error) {
	if x.fd < 0 {
		return 0, newError(KindMisuse, "writev", x.fd, ErrClosed)
	}
	if buf == nil {
		return 0, newError(KindMisuse, "writev", x.fd, ErrInvalidArgument)
	}
	iov := buf.WriteVector()
	if vectorLen(iov) == 0 {
		return 0, nil
	}
	for {
		n, err := sysWritev(x.fd, iov)
		if err == nil {
			buf.AfterWrite(n)
			return n, nil
		}
		if !isTransient(err) {
			return 0, newError(KindDescriptor, "writev", x.fd, err)
		}
	}
}

// SetNonblock sets O_NONBLOCK.
func (x *descriptor) SetNonblock() error { return x.updateFlags("set nonblock", unix.O_NONBLOCK, 0) }

// ClrNonblock clears O_NONBLOCK.
func (x *descriptor) ClrNonblock() error { return x.updateFlags("clear nonblock", 0, unix.O_NONBLOCK) }

// SetFlag sets the given file status flag(s), e.g. unix.O_APPEND.
func (x *descriptor) SetFlag(flag int) error { return x.updateFlags("set flag", flag, 0) }

// ClrFlag clears the given file status flag(s).
func (x *descriptor) ClrFlag(flag int) error { return x.updateFlags("clear flag", 0, flag) }

// Flags returns the current file status flags.
func (x *descriptor) Flags() (int, error) {
	if x.fd < 0 {
		return 0, newError(KindMisuse, "get flags", x.fd, ErrClosed)
	}
	return x.getFlags("get flags")
}

func (x *descriptor) updateFlags(op string, set, clr int) error {
	if x.fd < 0 {
		return newError(KindMisuse, op, x.fd, ErrClosed)
	}
	flags, err := x.getFlags(op)
	if err != nil {
		return err
	}
	flags = (flags | set) &^ clr
	for {
		_, err := sysFcntl(uintptr(x.fd), unix.F_SETFL, flags)
		if err == nil {
			return nil
		}
		if err != unix.EINTR {
			return newError(KindDescriptor, op, x.fd, err)
		}
	}
}

func (x *descriptor) getFlags(op string) (int, error) {
	for {
		flags, err := sysFcntl(uintptr(x.fd), unix.F_GETFL, 0)
		if err == nil {
			return flags, nil
		}
		if err != unix.EINTR {
			return 0, newError(KindDescriptor, op, x.fd, err)
		}
	}
}

// close releases the handle at most once. EINTR is not retried, as Linux
// always releases the descriptor.
func (x *descriptor) close() error {
	fd := x.fd
	if fd < 0 {
		return nil
	}
	x.fd = unsetFD
	if err := sysClose(fd); err != nil {
		return newError(KindDescriptor, "close", fd, err)
	}
	return nil
}

// File exclusively owns one OS handle. It must not be copied; use [Handle]
// where ownership needs to be transferred.
//
// The zero value is not usable, construct with [NewFile], [DupFile] or
// [Pipe]. A File is not safe for concurrent use.
type File struct {
	noCopy noCopy
	descriptor
}

// NewFile takes ownership of fd. An unreachable File that was not closed
// closes fd when finalized.
func NewFile(fd int) *File {
	if fd < 0 {
		fd = unsetFD
	}
	x := &File{descriptor: descriptor{fd: fd}}
	if fd >= 0 {
		x.finalizer = true
		runtime.SetFinalizer(x, (*File).finalize)
	}
	return x
}

// DupFile duplicates fd (close-on-exec) and returns a File owning the copy.
func DupFile(fd int) (*File, error) {
	nfd, err := dupCloexec(fd)
	if err != nil {
		return nil, err
	}
	return NewFile(nfd), nil
}

// Pipe creates a pipe, returning the read and write ends. The flags are
// passed to pipe2, O_CLOEXEC is always added.
func Pipe(flags int) (r, w *File, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], flags|unix.O_CLOEXEC); err != nil {
		return nil, nil, newError(KindDescriptor, "pipe2", -1, err)
	}
	return NewFile(p[0]), NewFile(p[1]), nil
}

// Close releases the OS handle. It is idempotent, only the first call may
// return an error.
func (x *File) Close() error {
	if x.finalizer {
		x.finalizer = false
		runtime.SetFinalizer(x, nil)
	}
	return x.close()
}

func (x *File) finalize() { _ = x.close() }

// Handle owns one OS handle, and supports transferring that ownership.
// A Handle is not safe for concurrent use.
type Handle struct {
	descriptor
}

// NewHandle takes ownership of fd. An unreachable Handle that still owns its
// handle closes it when finalized.
func NewHandle(fd int) *Handle {
	if fd < 0 {
		fd = unsetFD
	}
	x := &Handle{descriptor: descriptor{fd: fd}}
	if fd >= 0 {
		x.finalizer = true
		runtime.SetFinalizer(x, (*Handle).finalize)
	}
	return x
}

// Move transfers ownership to a new Handle, leaving the receiver unset.
func (x *Handle) Move() *Handle {
	return NewHandle(x.Release())
}

// Release gives up ownership without closing, returning the OS handle, or
// -1 if there was none.
func (x *Handle) Release() int {
	fd := x.fd
	x.fd = unsetFD
	x.clearFinalizer()
	return fd
}

// Close releases the OS handle. It is idempotent, only the first call may
// return an error.
func (x *Handle) Close() error {
	x.clearFinalizer()
	return x.close()
}

func (x *Handle) clearFinalizer() {
	if x.finalizer {
		x.finalizer = false
		runtime.SetFinalizer(x, nil)
	}
}

func (x *Handle) finalize() { _ = x.close() }

func dupCloexec(fd int) (int, error) {
	for {
		nfd, err := sysFcntl(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err == nil {
			return nfd, nil
		}
		if err != unix.EINTR {
			return -1, newError(KindDescriptor, "dup", fd, err)
		}
	}
}

func isTransient(err error) bool {
	return err == unix.EINTR || err == unix.EAGAIN
}

func vectorLen(iov [][]byte) (n int) {
	for _, b := range iov {
		n += len(b)
	}
	return
}

package iomux

import (
	"errors"
	"strconv"
)

// Kind classifies an [Error]. Transient conditions (interrupted syscalls,
// would-block on a non-blocking descriptor) are retried internally and never
// surface with any kind.
type Kind uint8

const (
	// KindUnknown is returned by [KindOf] for errors not produced by this
	// package.
	KindUnknown Kind = iota
	// KindDescriptor indicates an OS-level failure of read/write/readv/writev,
	// flag control, or the kernel wait, or an error readiness bit reported
	// for a registered descriptor.
	KindDescriptor
	// KindRegistration indicates the kernel interest set rejected a change.
	KindRegistration
	// KindMisuse indicates the caller operated on a descriptor in the wrong
	// state, e.g. unregistered, already registered, or closed.
	KindMisuse
	// KindSetup indicates the kernel interest set could not be created.
	KindSetup
	// KindCallback indicates a dispatch callback returned an error.
	KindCallback
)

// Standard errors.
var (
	ErrClosed            = errors.New("iomux: descriptor closed")
	ErrNotRegistered     = errors.New("iomux: fd not registered")
	ErrAlreadyRegistered = errors.New("iomux: fd already registered")
	ErrEventError        = errors.New("iomux: error condition reported")
	ErrInvalidArgument   = errors.New("iomux: invalid argument")
)

// Error is the single error type returned by this package.
type Error struct {
	// Err is the cause, typically a [golang.org/x/sys/unix.Errno] or one of
	// the standard errors.
	Err error
	// Op names the failed operation, e.g. "read" or "epoll_ctl(add)".
	Op string
	// Fd is the descriptor involved, or -1 if none.
	Fd   int
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	b := make([]byte, 0, 64)
	b = append(b, "iomux: "...)
	b = append(b, e.Kind.String()...)
	b = append(b, " error: "...)
	b = append(b, e.Op...)
	if e.Fd >= 0 {
		b = append(b, " fd "...)
		b = strconv.AppendInt(b, int64(e.Fd), 10)
	}
	if e.Err != nil {
		b = append(b, ": "...)
		b = append(b, e.Err.Error()...)
	}
	return string(b)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	return e.Err
}

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindDescriptor:
		return "descriptor"
	case KindRegistration:
		return "registration"
	case KindMisuse:
		return "misuse"
	case KindSetup:
		return "setup"
	case KindCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of the first [Error] in err's chain, or
// [KindUnknown].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, fd int, err error) error {
	return &Error{Kind: kind, Op: op, Fd: fd, Err: err}
}

//go:build linux

package iomux

import (
	"fmt"
	"math"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// used for testing
var (
	sysEpollCreate1  = unix.EpollCreate1
	sysEpollCtl      = unix.EpollCtl
	sysEpollWait     = unix.EpollWait
	sysGetsockoptInt = unix.GetsockoptInt
	timeNow          = time.Now
)

// Event is a readiness record for the minimal [Epoll] flavor. Tag is opaque:
// it is stored by the kernel alongside the registration and returned
// verbatim with each ready event.
type Event struct {
	Tag    uint64
	Events Events
}

// Epoll is the minimal registration flavor: a thin wrapper over one kernel
// interest set, keeping no table of its own. The caller builds every
// [Event], and the kernel is the only record of what is registered.
//
// An Epoll is not safe for concurrent use.
type Epoll struct {
	file    *File
	logger  *logiface.Logger[logiface.Event]
	scratch []unix.EpollEvent
}

// NewEpoll creates the kernel interest set. Only [WithLogger] and
// [WithCloseOnExec] apply.
func NewEpoll(opts ...Option) (*Epoll, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	file, err := createEpoll(!cfg.noCloseOnExec)
	if err != nil {
		return nil, err
	}
	x := &Epoll{file: file, logger: cfg.logger}
	x.logger.Debug().Int(`epfd`, file.Fd()).Log(`epoll created`)
	return x, nil
}

// Fd returns the kernel interest set's descriptor, or -1 once closed.
func (x *Epoll) Fd() int { return x.file.Fd() }

// Register adds fd to the interest set. Registering a descriptor twice is a
// [KindMisuse] error wrapping [ErrAlreadyRegistered].
func (x *Epoll) Register(fd int, ev Event) error {
	if err := x.ctl(`register`, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	x.logger.Debug().
		Int(`fd`, fd).
		Stringer(`events`, ev.Events).
		Uint64(`tag`, ev.Tag).
		Log(`registered`)
	return nil
}

// Modify replaces the record of a registered fd. Modifying an unregistered
// descriptor is a [KindMisuse] error wrapping [ErrNotRegistered].
func (x *Epoll) Modify(fd int, ev Event) error {
	if err := x.ctl(`modify`, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	x.logger.Debug().
		Int(`fd`, fd).
		Stringer(`events`, ev.Events).
		Uint64(`tag`, ev.Tag).
		Log(`modified`)
	return nil
}

// Unregister removes fd from the interest set.
func (x *Epoll) Unregister(fd int) error {
	if err := x.ctl(`unregister`, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}
	x.logger.Debug().Int(`fd`, fd).Log(`unregistered`)
	return nil
}

// Wait blocks until at least one registered descriptor is ready or the
// timeout elapses, writing up to len(events) entries, and returning the
// count (0 on timeout). A negative timeout waits indefinitely, including
// when nothing is registered. Interrupted waits are resumed with the
// remaining time.
func (x *Epoll) Wait(events []Event, timeout time.Duration) (int, error) {
	if x.file.Closed() {
		return 0, newError(KindMisuse, `wait`, -1, ErrClosed)
	}
	if len(events) == 0 {
		return 0, newError(KindMisuse, `wait`, x.file.Fd(), ErrInvalidArgument)
	}
	if cap(x.scratch) < len(events) {
		x.scratch = make([]unix.EpollEvent, len(events))
	}
	scratch := x.scratch[:len(events)]
	n, err := epollWait(x.file.Fd(), scratch, timeout)
	if err != nil {
		return 0, err
	}
	for i := range n {
		events[i] = Event{
			Tag:    epollData(&scratch[i]),
			Events: epollToEvents(scratch[i].Events),
		}
	}
	x.logger.Trace().Int(`ready`, n).Log(`wait returned`)
	return n, nil
}

// Close closes the kernel interest set. It is idempotent.
func (x *Epoll) Close() error {
	fd := x.file.Fd()
	if fd < 0 {
		return nil
	}
	if err := x.file.Close(); err != nil {
		x.logger.Err().Int(`epfd`, fd).Err(err).Log(`epoll close failed`)
		return err
	}
	x.logger.Debug().Int(`epfd`, fd).Log(`epoll closed`)
	return nil
}

func (x *Epoll) ctl(op string, ctlOp int, fd int, ev *Event) error {
	if x.file.Closed() {
		return newError(KindMisuse, op, fd, ErrClosed)
	}
	var kev *unix.EpollEvent
	if ev != nil {
		kev = &unix.EpollEvent{Events: eventsToEpoll(ev.Events)}
		setEpollData(kev, ev.Tag)
	}
	if err := epollCtl(x.file.Fd(), ctlOp, fd, kev); err != nil {
		return ctlError(op, fd, err)
	}
	return nil
}

func createEpoll(cloexec bool) (*File, error) {
	var flags int
	if cloexec {
		flags = unix.EPOLL_CLOEXEC
	}
	epfd, err := sysEpollCreate1(flags)
	if err != nil {
		return nil, newError(KindSetup, `epoll_create1`, -1, err)
	}
	return NewFile(epfd), nil
}

func epollCtl(epfd, op, fd int, ev *unix.EpollEvent) error {
	for {
		err := sysEpollCtl(epfd, op, fd, ev)
		if err != unix.EINTR {
			return err
		}
	}
}

// ctlError classifies a failed epoll_ctl. The kernel reporting a duplicate
// or missing registration is caller misuse, anything else is a registration
// failure.
func ctlError(op string, fd int, err error) error {
	switch err {
	case unix.EEXIST:
		return newError(KindMisuse, op, fd, fmt.Errorf(`%w: %w`, ErrAlreadyRegistered, err))
	case unix.ENOENT:
		return newError(KindMisuse, op, fd, fmt.Errorf(`%w: %w`, ErrNotRegistered, err))
	default:
		return newError(KindRegistration, op, fd, err)
	}
}

func epollWait(epfd int, events []unix.EpollEvent, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = timeNow().Add(timeout)
	}
	for {
		n, err := sysEpollWait(epfd, events, timeoutMillis(timeout))
		if err == nil {
			return n, nil
		}
		if err != unix.EINTR {
			return 0, newError(KindDescriptor, `epoll_wait`, epfd, err)
		}
		if timeout > 0 {
			if timeout = deadline.Sub(timeNow()); timeout < 0 {
				timeout = 0
			}
		}
	}
}

// timeoutMillis converts to the epoll_wait timeout, rounding positive
// sub-millisecond remainders up, so a short timeout never busy polls.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// setEpollData stores v in the 64-bit user data of ev.
func setEpollData(ev *unix.EpollEvent, v uint64) {
	ev.Fd = int32(uint32(v))
	ev.Pad = int32(uint32(v >> 32))
}

func epollData(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

func eventsToEpoll(events Events) uint32 {
	var v uint32
	if events&EventRead != 0 {
		v |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		v |= unix.EPOLLOUT
	}
	if events&EventError != 0 {
		v |= unix.EPOLLERR
	}
	if events&EventHangup != 0 {
		v |= unix.EPOLLHUP
	}
	if events&EventReadHangup != 0 {
		v |= unix.EPOLLRDHUP
	}
	if events&EventPriority != 0 {
		v |= unix.EPOLLPRI
	}
	if events&EventEdgeTriggered != 0 {
		v |= unix.EPOLLET
	}
	return v
}

func epollToEvents(v uint32) Events {
	var events Events
	if v&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if v&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if v&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if v&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	if v&unix.EPOLLRDHUP != 0 {
		events |= EventReadHangup
	}
	if v&unix.EPOLLPRI != 0 {
		events |= EventPriority
	}
	return events
}

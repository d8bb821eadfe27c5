//go:build linux

package iomux

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Multiplexer is the managed registration flavor. It owns one kernel
// interest set and a registration table holding, per descriptor, the
// interest mask, a [Callback], and an opaque parameter. The two are kept
// consistent: a descriptor is present in both, with the same mask, or in
// neither.
//
// A Multiplexer is driven by a single goroutine calling [Multiplexer.Run],
// and is not safe for concurrent use. Callbacks may register, modify, and
// unregister descriptors (including their own) during dispatch.
type Multiplexer struct {
	file            *File
	table           *table
	logger          *logiface.Logger[logiface.Event]
	limiter         *catrate.Limiter
	timeoutCallback Callback
	timeoutParam    any
	events          []unix.EpollEvent
	timeout         time.Duration
	policy          ErrorPolicy
	running         bool
}

// NewMultiplexer creates the kernel interest set and an empty registration
// table.
func NewMultiplexer(opts ...Option) (*Multiplexer, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	file, err := createEpoll(!cfg.noCloseOnExec)
	if err != nil {
		return nil, err
	}
	x := &Multiplexer{
		file:            file,
		table:           newTable(),
		logger:          cfg.logger,
		limiter:         cfg.limiter,
		timeoutCallback: cfg.timeoutCallback,
		timeoutParam:    cfg.timeoutParam,
		events:          make([]unix.EpollEvent, cfg.batchSize),
		timeout:         cfg.timeout,
		policy:          cfg.errorPolicy,
	}
	x.logger.Debug().
		Int(`epfd`, file.Fd()).
		Int(`batch`, cfg.batchSize).
		Stringer(`policy`, cfg.errorPolicy).
		Log(`multiplexer created`)
	return x, nil
}

// Fd returns the kernel interest set's descriptor, or -1 once closed.
func (x *Multiplexer) Fd() int { return x.file.Fd() }

// Len returns the number of registered descriptors.
func (x *Multiplexer) Len() int { return x.table.len() }

// Registered reports whether fd is registered.
func (x *Multiplexer) Registered(fd int) bool {
	_, _, ok := x.table.lookup(fd)
	return ok
}

// Events returns the interest mask of a registered fd.
func (x *Multiplexer) Events(fd int) (Events, bool) {
	rec, _, ok := x.table.lookup(fd)
	if !ok {
		return 0, false
	}
	return rec.mask, true
}

// Register adds fd with the given interest mask, which always gains
// [EventError]. The callback may be nil, in which case readiness is still
// consumed, and error conditions still handled per the [ErrorPolicy].
func (x *Multiplexer) Register(fd int, mask Events, callback Callback, param any) error {
	const op = `register`
	if x.file.Closed() {
		return newError(KindMisuse, op, fd, ErrClosed)
	}
	if fd < 0 {
		return newError(KindMisuse, op, fd, ErrInvalidArgument)
	}
	mask |= EventError
	h, ok := x.table.insert(fd, mask, callback, param)
	if !ok {
		return newError(KindMisuse, op, fd, ErrAlreadyRegistered)
	}
	ev := unix.EpollEvent{Events: eventsToEpoll(mask)}
	setEpollData(&ev, uint64(h))
	if err := epollCtl(x.file.Fd(), unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		x.table.remove(fd)
		return ctlError(op, fd, err)
	}
	x.logger.Debug().Int(`fd`, fd).Stringer(`events`, mask).Log(`registered`)
	return nil
}

// SetEvents replaces the interest mask of a registered fd.
func (x *Multiplexer) SetEvents(fd int, mask Events) error {
	return x.update(`set events`, fd, func(Events) Events { return mask }, false, nil, nil)
}

// SetEventsWith replaces the interest mask, callback, and parameter of a
// registered fd.
func (x *Multiplexer) SetEventsWith(fd int, mask Events, callback Callback, param any) error {
	return x.update(`set events`, fd, func(Events) Events { return mask }, true, callback, param)
}

// AddEvents adds to the interest mask of a registered fd.
func (x *Multiplexer) AddEvents(fd int, mask Events) error {
	return x.update(`add events`, fd, func(m Events) Events { return m | mask }, false, nil, nil)
}

// AddEventsWith adds to the interest mask of a registered fd, and replaces
// its callback and parameter.
func (x *Multiplexer) AddEventsWith(fd int, mask Events, callback Callback, param any) error {
	return x.update(`add events`, fd, func(m Events) Events { return m | mask }, true, callback, param)
}

// ClearEvents removes from the interest mask of a registered fd.
// [EventError] cannot be cleared.
func (x *Multiplexer) ClearEvents(fd int, mask Events) error {
	return x.update(`clear events`, fd, func(m Events) Events { return m &^ mask }, false, nil, nil)
}

// ClearEventsWith removes from the interest mask of a registered fd, and
// replaces its callback and parameter.
func (x *Multiplexer) ClearEventsWith(fd int, mask Events, callback Callback, param any) error {
	return x.update(`clear events`, fd, func(m Events) Events { return m &^ mask }, true, callback, param)
}

// update pushes the new mask to the kernel, committing to the table only
// once the kernel accepted it.
func (x *Multiplexer) update(op string, fd int, mask func(Events) Events, rebind bool, callback Callback, param any) error {
	if x.file.Closed() {
		return newError(KindMisuse, op, fd, ErrClosed)
	}
	rec, h, ok := x.table.lookup(fd)
	if !ok {
		return newError(KindMisuse, op, fd, ErrNotRegistered)
	}
	next := mask(rec.mask) | EventError
	ev := unix.EpollEvent{Events: eventsToEpoll(next)}
	setEpollData(&ev, uint64(h))
	if err := epollCtl(x.file.Fd(), unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return ctlError(op, fd, err)
	}
	rec.mask = next
	if rebind {
		rec.callback = callback
		rec.param = param
	}
	x.logger.Debug().
		Int(`fd`, fd).
		Stringer(`events`, next).
		Bool(`rebind`, rebind).
		Log(op)
	return nil
}

// Unregister removes fd from both the table and the kernel interest set.
// Unregistering an fd that is absent from either is a [KindMisuse] error. If
// the kernel removal fails, the record is still gone. Closing fd before
// unregistering it already dropped it from the kernel set, which is reported
// as a [KindMisuse] error wrapping [ErrClosed] and EBADF.
func (x *Multiplexer) Unregister(fd int) error {
	const op = `unregister`
	if x.file.Closed() {
		return newError(KindMisuse, op, fd, ErrClosed)
	}
	if _, ok := x.table.remove(fd); !ok {
		return newError(KindMisuse, op, fd, ErrNotRegistered)
	}
	if err := epollCtl(x.file.Fd(), unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err == unix.EBADF {
			// the epoll fd is open, so fd itself was closed
			return newError(KindMisuse, op, fd, fmt.Errorf(`%w: %w`, ErrClosed, err))
		}
		return ctlError(op, fd, err)
	}
	x.logger.Debug().Int(`fd`, fd).Log(`unregistered`)
	return nil
}

// SetTimeout replaces the wait timeout and the timeout callback, taking
// effect from the next wait. A negative timeout waits indefinitely. The
// callback, if non-nil, is invoked with [EventNone] and param whenever a
// wait returns no events.
func (x *Multiplexer) SetTimeout(timeout time.Duration, callback Callback, param any) {
	x.timeout = timeout
	x.timeoutCallback = callback
	x.timeoutParam = param
}

// Timeout returns the current wait timeout.
func (x *Multiplexer) Timeout() time.Duration { return x.timeout }

// Run performs one dispatch pass: it waits for readiness, up to the timeout,
// then invokes the callback of each ready descriptor with the observed
// flags, or the timeout callback if nothing was ready. It reports whether
// any registrations remain.
//
// With nothing registered and no timeout, Run returns (false, nil) without
// waiting, as nothing could end the wait.
//
// A descriptor reporting [EventError] fails the pass with a
// [KindDescriptor] error under [ErrorPolicyAbort]. A callback error fails
// the pass with a [KindCallback] error. Run must not be called from a
// callback.
func (x *Multiplexer) Run() (bool, error) {
	if x.file.Closed() {
		return false, newError(KindMisuse, `run`, -1, ErrClosed)
	}
	if x.running {
		return x.table.len() != 0, newError(KindMisuse, `run`, x.file.Fd(), fmt.Errorf(`%w: reentrant run`, ErrInvalidArgument))
	}
	if x.table.len() == 0 && x.timeout < 0 {
		x.logger.Debug().Log(`run: nothing registered and no timeout`)
		return false, nil
	}

	x.running = true
	defer func() { x.running = false }()

	n, err := epollWait(x.file.Fd(), x.events, x.timeout)
	if err != nil {
		x.logger.Err().Err(err).Log(`wait failed`)
		return x.table.len() != 0, err
	}
	x.logger.Trace().Int(`ready`, n).Log(`wait returned`)

	if n == 0 {
		if callback := x.timeoutCallback; callback != nil {
			if err := callback(EventNone, x.timeoutParam); err != nil {
				return x.table.len() != 0, newError(KindCallback, `timeout callback`, -1, err)
			}
		}
		return x.table.len() != 0, nil
	}

	for i := range n {
		if err := x.dispatch(&x.events[i]); err != nil {
			return x.table.len() != 0, err
		}
	}

	return x.table.len() != 0, nil
}

// dispatch handles one ready entry. Everything needed from the record is
// copied out before the callback runs, as the callback may remove it.
func (x *Multiplexer) dispatch(kev *unix.EpollEvent) error {
	h := handle(epollData(kev))
	rec, ok := x.table.resolve(h)
	if !ok {
		// removed earlier in this pass
		x.logger.Trace().Uint64(`handle`, uint64(h)).Log(`stale event skipped`)
		return nil
	}
	fd, callback, param := rec.fd, rec.callback, rec.param
	events := epollToEvents(kev.Events)

	if callback != nil {
		if err := callback(events, param); err != nil {
			x.logger.Debug().Int(`fd`, fd).Err(err).Log(`callback stopped dispatch`)
			return newError(KindCallback, `callback`, fd, err)
		}
	}

	if events&EventError == 0 {
		return nil
	}

	err := newError(KindDescriptor, `dispatch`, fd, pendingError(fd))
	if x.policy == ErrorPolicyAbort {
		x.logger.Err().Int(`fd`, fd).Stringer(`events`, events).Err(err).Log(`dispatch aborted`)
		return err
	}
	if b := x.logger.Warning(); b.Enabled() {
		if _, ok := x.limiter.Allow(fd); ok {
			b.Int(`fd`, fd).Stringer(`events`, events).Err(err).Log(`descriptor error isolated`)
		} else {
			b.Release()
		}
	}
	return nil
}

// Loop calls Run until no registrations remain, or it fails.
func (x *Multiplexer) Loop() error {
	for {
		more, err := x.Run()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Close drops every registration and closes the kernel interest set. It is
// idempotent. Registered descriptors are not closed.
func (x *Multiplexer) Close() error {
	fd := x.file.Fd()
	if fd < 0 {
		return nil
	}
	dropped := x.table.len()
	x.table.reset()
	if err := x.file.Close(); err != nil {
		x.logger.Err().Int(`epfd`, fd).Err(err).Log(`multiplexer close failed`)
		return err
	}
	x.logger.Debug().Int(`epfd`, fd).Int(`dropped`, dropped).Log(`multiplexer closed`)
	return nil
}

// pendingError returns the cause of an error condition on fd: the pending
// socket error if fd is a socket that has one, otherwise [ErrEventError].
func pendingError(fd int) error {
	if v, err := sysGetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && v != 0 {
		return fmt.Errorf(`%w: %w`, ErrEventError, unix.Errno(v))
	}
	return ErrEventError
}

// Package iomux implements a readiness-based I/O event multiplexer, letting
// a single goroutine monitor many file descriptors, and invoke a handler as
// each becomes readable, writable, or reports an error.
//
// # Descriptors
//
// [File] and [Handle] own one OS handle each, and provide read, write, and
// vectored ([Buffer]) transfers that transparently retry interrupted and
// would-block calls, as well as non-blocking mode control. A File is
// exclusive and must not be copied, a Handle supports transferring
// ownership via [Handle.Move].
//
// # Registration
//
// Two flavors share the [InterestSet] capability:
//   - [Epoll] is minimal: the caller builds each [Event], including an
//     opaque tag, and the kernel is the only record of what is registered.
//   - [Multiplexer] is managed: it owns a registration table mapping each
//     descriptor to its mask, [Callback], and parameter, and dispatches
//     callbacks from [Multiplexer.Run].
//
// # Usage
//
//	mux, err := iomux.NewMultiplexer()
//	if err != nil {
//	    return err
//	}
//	defer mux.Close()
//
//	err = mux.Register(fd, iomux.EventRead, func(events iomux.Events, param any) error {
//	    // handle readiness
//	    return nil
//	}, nil)
//
//	if err := mux.Loop(); err != nil {
//	    return err
//	}
//
// # Errors
//
// Every failure is an [*Error], classified by [Kind]. Interrupted syscalls,
// and would-block results on non-blocking descriptors, are retried and never
// returned.
//
// The multiplexing types are only available on Linux (epoll).
package iomux

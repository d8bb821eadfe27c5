package iomux

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// DefaultBatchSize is the number of ready events a [Multiplexer] collects
// per wait cycle, unless configured via [WithBatchSize].
const DefaultBatchSize = 10

// MaxBatchSize bounds [WithBatchSize].
const MaxBatchSize = 4096

// ErrorPolicy selects how [Multiplexer.Run] treats an error condition
// reported for a registered descriptor.
type ErrorPolicy uint8

const (
	// ErrorPolicyAbort fails the dispatch pass on the first descriptor
	// reporting [EventError], after invoking that descriptor's callback.
	// Entries later in the same batch are not dispatched.
	ErrorPolicyAbort ErrorPolicy = iota
	// ErrorPolicyIsolate dispatches the whole batch, logging each error
	// condition, and does not fail the pass. Callbacks still observe
	// [EventError] and are expected to unregister or repair the descriptor.
	ErrorPolicyIsolate
)

// String returns the policy name.
func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyAbort:
		return "abort"
	case ErrorPolicyIsolate:
		return "isolate"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", uint8(p))
	}
}

// options holds configuration for Epoll and Multiplexer creation.
type options struct {
	logger          *logiface.Logger[logiface.Event]
	limiter         *catrate.Limiter
	timeoutCallback Callback
	timeoutParam    any
	timeout         time.Duration
	batchSize       int
	errorPolicy     ErrorPolicy
	noCloseOnExec   bool
}

// Option configures an [Epoll] or a [Multiplexer]. Options that only apply
// to a Multiplexer are ignored by an Epoll.
type Option interface {
	applyOption(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyOptionFunc func(*options) error
}

func (o *optionImpl) applyOption(opts *options) error {
	return o.applyOptionFunc(opts)
}

// WithLogger sets the structured logger. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithBatchSize sets the fixed capacity of the ready-event buffer used per
// wait cycle. It must be within [1, MaxBatchSize].
func WithBatchSize(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 || n > MaxBatchSize {
			return fmt.Errorf("%w: batch size %d", ErrInvalidArgument, n)
		}
		opts.batchSize = n
		return nil
	}}
}

// WithErrorPolicy sets how error conditions observed during dispatch are
// handled. Defaults to [ErrorPolicyAbort].
func WithErrorPolicy(policy ErrorPolicy) Option {
	return &optionImpl{func(opts *options) error {
		switch policy {
		case ErrorPolicyAbort, ErrorPolicyIsolate:
		default:
			return fmt.Errorf("%w: error policy %d", ErrInvalidArgument, policy)
		}
		opts.errorPolicy = policy
		return nil
	}}
}

// WithErrorLogRates rate limits the warnings logged under
// [ErrorPolicyIsolate], per descriptor. The rates follow
// [catrate.NewLimiter], e.g. {time.Second: 1, time.Minute: 10}. An empty
// map disables limiting.
func WithErrorLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *options) (err error) {
		if len(rates) == 0 {
			opts.limiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: error log rates: %v", ErrInvalidArgument, r)
			}
		}()
		opts.limiter = catrate.NewLimiter(rates)
		return nil
	}}
}

// WithTimeout sets the initial timeout and timeout callback, see
// [Multiplexer.SetTimeout].
func WithTimeout(timeout time.Duration, callback Callback, param any) Option {
	return &optionImpl{func(opts *options) error {
		opts.timeout = timeout
		opts.timeoutCallback = callback
		opts.timeoutParam = param
		return nil
	}}
}

// WithCloseOnExec sets whether the kernel interest set is created with
// close-on-exec. Defaults to true.
func WithCloseOnExec(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.noCloseOnExec = !enabled
		return nil
	}}
}

// resolveOptions applies Option instances to options. A rejected option is
// a [KindMisuse] error.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		batchSize: DefaultBatchSize,
		timeout:   -1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, newError(KindMisuse, `option`, -1, err)
		}
	}
	return cfg, nil
}

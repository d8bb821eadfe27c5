package iomux

// InterestSet is the capability shared by both registration flavors. They
// differ in where registration state lives: [Epoll] keeps none (the kernel
// holds the caller's records), [Multiplexer] keeps a table and dispatches
// callbacks.
type InterestSet interface {
	// Fd returns the kernel interest set's descriptor, or -1 once closed.
	Fd() int
	// Unregister removes a descriptor from the interest set.
	Unregister(fd int) error
	// Close releases the interest set. It is idempotent.
	Close() error
}

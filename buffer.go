package iomux

// Buffer is the scatter/gather collaborator used by the vectored descriptor
// operations. A ring buffer is the typical implementation, see
// [github.com/joeycumines/go-iomux/ringbuf].
type Buffer interface {
	// ReadVector exposes the free space a read may fill, in order.
	ReadVector() [][]byte
	// WriteVector exposes the pending data a write may drain, in order.
	WriteVector() [][]byte
	// AfterRead advances the buffer after n bytes were read into the
	// slices from ReadVector.
	AfterRead(n int)
	// AfterWrite advances the buffer after n bytes from the slices from
	// WriteVector were written.
	AfterWrite(n int)
}

//go:build linux

package iomux

var (
	_ InterestSet = (*Epoll)(nil)
	_ InterestSet = (*Multiplexer)(nil)
)

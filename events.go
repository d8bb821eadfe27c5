package iomux

import (
	"strconv"
	"strings"
)

// Events is a set of readiness conditions. As an interest mask it selects
// what to be notified about; as observed flags it reports what happened.
type Events uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead Events = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition. It is always part of an
	// interest mask held by a [Multiplexer].
	EventError
	// EventHangup indicates the descriptor was hung up.
	EventHangup
	// EventReadHangup indicates the peer shut down its writing half.
	EventReadHangup
	// EventPriority indicates urgent/exceptional data is available.
	EventPriority
	// EventEdgeTriggered requests edge-triggered notification. Interest
	// mask only, never observed.
	EventEdgeTriggered
)

// EventNone is the synthetic flag value passed to a timeout callback.
const EventNone Events = 0

var eventNames = [...]struct {
	name string
	ev   Events
}{
	{"read", EventRead},
	{"write", EventWrite},
	{"error", EventError},
	{"hangup", EventHangup},
	{"rdhup", EventReadHangup},
	{"pri", EventPriority},
	{"et", EventEdgeTriggered},
}

// String renders the set as names joined by "|", e.g. "read|error".
func (e Events) String() string {
	if e == EventNone {
		return "none"
	}
	var sb strings.Builder
	for _, n := range eventNames {
		if e&n.ev == 0 {
			continue
		}
		if sb.Len() != 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(n.name)
		e &^= n.ev
	}
	if e != 0 {
		if sb.Len() != 0 {
			sb.WriteByte('|')
		}
		sb.WriteString("0x")
		sb.WriteString(strconv.FormatUint(uint64(e), 16))
	}
	return sb.String()
}

// Callback is invoked by [Multiplexer.Run] with the observed flags and the
// parameter given at registration. The parameter is never interpreted by
// this package. A non-nil error stops the current dispatch pass.
type Callback func(events Events, param any) error

package radio

import "errors"

// ErrClosed is returned when sending on a closed link
var ErrClosed = errors.New("radio link closed")

// FrameKind separates addressed traffic from beacon broadcasts
type FrameKind string

const (
	FrameData   FrameKind = "DATA"
	FrameBeacon FrameKind = "BEACON"
)

// Frame is one transmission crossing the radio link
type Frame struct {
	Kind      FrameKind
	Payload   []byte
	Frequency uint32
	DR        int
	RSSI      int
	SNR       float64
}

// Link moves raw frames between the node and the network side.
// Implementations own a receive channel that closes when the link closes.
type Link interface {
	// Send transmits a frame towards the network
	Send(frame Frame) error

	// Frames returns the channel of received frames
	Frames() <-chan Frame

	// Close tears the link down and closes the frame channel
	Close() error
}

package radio

import "sync"

// LoopbackLink is one end of an in-process radio pair. Frames sent on
// one end arrive on the other, which lets tests and the embedded
// network emulator run a full exchange without any transport.
type LoopbackLink struct {
	peer   *LoopbackLink
	frames chan Frame

	mu     sync.Mutex
	closed bool
}

// NewLoopbackPair returns two cross-wired links
func NewLoopbackPair() (*LoopbackLink, *LoopbackLink) {
	a := &LoopbackLink{frames: make(chan Frame, 32)}
	b := &LoopbackLink{frames: make(chan Frame, 32)}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers the frame to the peer end
func (l *LoopbackLink) Send(frame Frame) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return l.peer.deliver(frame)
}

func (l *LoopbackLink) deliver(frame Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	select {
	case l.frames <- frame:
		return nil
	default:
		// 接收端没有及时消费, 丢帧, 和真实射频一样
		return nil
	}
}

// Frames returns the receive channel
func (l *LoopbackLink) Frames() <-chan Frame {
	return l.frames
}

// Close shuts this end; the peer keeps its own lifecycle
func (l *LoopbackLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.frames)
	return nil
}

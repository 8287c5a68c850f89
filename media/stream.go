package media

import (
	"context"
	"sync"
)

// ChannelStream is a Stream fed by Push. Frames pushed while the buffer is
// full are dropped so a slow reader never stalls the producer.
type ChannelStream struct {
	id        string
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	onClose []func()
	dropped uint64
}

// NewChannelStream creates a stream buffering up to buffer frames.
func NewChannelStream(id string, buffer int) *ChannelStream {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelStream{
		id:     id,
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

// ID returns the stream identifier.
func (s *ChannelStream) ID() string {
	return s.id
}

// Push offers a frame to the reader. It returns false when the frame was
// dropped because the stream is closed or the buffer is full.
func (s *ChannelStream) Push(frame Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.frames <- frame:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false
	}
}

// ReadFrame implements Stream.
func (s *ChannelStream) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return Frame{}, ErrStreamClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// OnClose registers fn to run once when the stream closes. If the stream
// is already closed fn runs immediately.
func (s *ChannelStream) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Done is closed when the stream closes.
func (s *ChannelStream) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many frames were discarded because the reader lagged.
func (s *ChannelStream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close implements Stream. It is safe to call more than once.
func (s *ChannelStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		close(s.done)
		for _, fn := range hooks {
			fn()
		}
	})
	return nil
}

package gateway

import (
	"context"
	"sync"
)

// Stream is a channel-backed Subscription for feed implementations. The
// producer goroutine calls Send and finally Finish; consumers read Events.
type Stream struct {
	events chan Change
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	err      error
	finished bool
	onClose  func() error
}

// NewStream returns a stream whose Context is cancelled by Close.
// onClose, if set, releases the producer's resources and runs once.
func NewStream(parent context.Context, buffer int, onClose func() error) *Stream {
	ctx, cancel := context.WithCancel(parent)
	return &Stream{
		events:  make(chan Change, buffer),
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}
}

// Context is done once the consumer closed the stream or the parent ended.
func (s *Stream) Context() context.Context { return s.ctx }

func (s *Stream) Events() <-chan Change { return s.events }

// Send delivers c unless the stream was closed or finished first.
func (s *Stream) Send(c Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case s.events <- c:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish records why delivery stopped and closes Events. Only the producer calls it.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if s.ctx.Err() == nil {
		s.err = err
	}
	close(s.events)
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	s.cancel()
	s.mu.Lock()
	fn := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

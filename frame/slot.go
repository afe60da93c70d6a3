package frame

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSlotClosed is returned by WaitNext once the producer has shut down.
	ErrSlotClosed = errors.New("frame: slot is closed")
	// ErrWaitTimeout is returned by WaitNext when no newer frame arrived in time.
	ErrWaitTimeout = errors.New("frame: wait timed out")
)

// Slot holds the single most recent frame plus a monotonically increasing
// sequence number. One writer publishes, any number of readers wait. A slow
// reader observes a larger sequence jump instead of backpressuring the
// writer: stale frames are overwritten, never queued.
type Slot struct {
	mu      sync.Mutex
	current *Frame
	seq     uint64
	changed chan struct{}
	closed  bool
}

func NewSlot() *Slot {
	return &Slot{changed: make(chan struct{})}
}

// Publish overwrites the held frame, stamps it with the next sequence
// number and wakes every waiter. It never blocks on readers. The returned
// frame carries the assigned sequence number. Publishing on a closed slot
// is a no-op.
func (s *Slot) Publish(f Frame) Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return f
	}

	s.seq++
	f.Seq = s.seq
	s.current = &f

	// Wake all waiters by closing the generation channel.
	close(s.changed)
	s.changed = make(chan struct{})

	return f
}

// Latest returns the held frame without waiting. The second result is false
// when nothing has been published yet.
func (s *Slot) Latest() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return Frame{}, false
	}
	return *s.current, true
}

// Seq returns the sequence number of the most recently published frame.
func (s *Slot) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// WaitNext blocks until a frame with a sequence number greater than after
// is available, the timeout elapses, the context is cancelled or the slot
// is closed. Readers always get the newest frame at wake-up time, so a
// reader that fell behind skips intermediate frames.
func (s *Slot) WaitNext(ctx context.Context, after uint64, timeout time.Duration) (Frame, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if s.current != nil && s.seq > after {
			f := *s.current
			s.mu.Unlock()
			return f, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Frame{}, ErrSlotClosed
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return Frame{}, ErrWaitTimeout
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Close wakes all waiters and makes every subsequent WaitNext fail with
// ErrSlotClosed. Safe to call more than once.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.changed)
}

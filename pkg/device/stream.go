package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed      = errors.New("device closed")
	ErrStreamFault = errors.New("stream fault")
)

// op is one unit of work queued on a stream. Barriers (event record/wait)
// still run after a fault so that nothing waiting on the stream hangs.
type op struct {
	fn      func() error
	barrier bool
}

// Stream is an in-order execution queue. Work is asynchronous with respect to
// the caller; ordering against other streams exists only through events.
type Stream struct {
	device Device
	name   string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []op
	closed bool
	err    error // sticky: first fault on this stream

	launched atomic.Int64
}

func newStream(dev Device, name string) *Stream {
	s := &Stream{device: dev, name: name}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Device returns the device the stream executes on.
func (s *Stream) Device() Device {
	return s.device
}

// Name returns the stream name.
func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) String() string {
	return fmt.Sprintf("%s/%s", s.device, s.name)
}

// Launched returns how many kernels have been enqueued on the stream.
func (s *Stream) Launched() int64 {
	return s.launched.Load()
}

// Enqueue appends a kernel to the stream. It returns immediately.
func (s *Stream) Enqueue(fn func() error) error {
	if err := s.push(op{fn: fn}); err != nil {
		return err
	}
	s.launched.Add(1)
	return nil
}

// Record places an event at the current tail of the stream. The event
// completes once all work enqueued before it has run.
func (s *Stream) Record() *Event {
	e := newEvent()
	if err := s.push(op{fn: e.complete, barrier: true}); err != nil {
		// Nothing can be pending on a closed stream.
		e.complete()
	}
	return e
}

// WaitEvent makes all later work on s wait until e completes. The caller is
// not blocked.
func (s *Stream) WaitEvent(e *Event) error {
	return s.push(op{
		fn: func() error {
			e.Wait()
			return nil
		},
		barrier: true,
	})
}

// WaitStream makes all later work on s wait for the work currently enqueued
// on other.
func (s *Stream) WaitStream(other *Stream) error {
	return s.WaitEvent(other.Record())
}

// Synchronize blocks the caller until the stream is idle and returns the
// sticky stream error, if any.
func (s *Stream) Synchronize() error {
	s.Record().Wait()
	return s.Err()
}

// Err returns the first fault raised by a kernel on this stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) push(o op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.queue = append(s.queue, o)
	s.cond.Signal()
	return nil
}

func (s *Stream) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// run drains the queue until the stream is closed and empty.
func (s *Stream) run() error {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			err := s.err
			s.mu.Unlock()
			return err
		}
		next := s.queue[0]
		s.queue[0] = op{}
		s.queue = s.queue[1:]
		faulted := s.err != nil
		s.mu.Unlock()

		if faulted && !next.barrier {
			continue
		}
		if err := s.exec(next); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = fmt.Errorf("%w on %s: %v", ErrStreamFault, s, err)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Stream) exec(o op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	return o.fn()
}

// Event marks a position in a stream.
type Event struct {
	once sync.Once
	done chan struct{}
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

func (e *Event) complete() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// Wait blocks until the event completes.
func (e *Event) Wait() {
	<-e.done
}

// Done reports whether the event has completed.
func (e *Event) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

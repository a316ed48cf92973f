package device

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestAccelerator(t *testing.T) *Accelerator {
	t.Helper()
	a := NewAccelerator(0, nil)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestStream_InOrder(t *testing.T) {
	a := newTestAccelerator(t)
	s, err := a.NewStream("test")
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := s.Enqueue(func() error {
			got = append(got, i)
			return nil
		}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}

	if len(got) != 100 {
		t.Fatalf("Expected 100 ops, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Op %d ran out of order (%d)", i, v)
		}
	}
	if s.Launched() != 100 {
		t.Errorf("Expected 100 launched, got %d", s.Launched())
	}
}

func TestStream_WaitStream(t *testing.T) {
	a := newTestAccelerator(t)
	ctx, err := a.NewContext()
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}

	release := make(chan struct{})
	var loaded atomic.Bool
	ctx.Load.Enqueue(func() error {
		<-release
		loaded.Store(true)
		return nil
	})

	var sawLoaded atomic.Bool
	ctx.Primary.WaitStream(ctx.Load)
	ctx.Primary.Enqueue(func() error {
		sawLoaded.Store(loaded.Load())
		return nil
	})

	// Enqueueing must not block the caller.
	done := ctx.Primary.Record()
	time.Sleep(10 * time.Millisecond)
	if done.Done() {
		t.Fatal("Primary stream ran past the barrier")
	}

	close(release)
	if err := ctx.Primary.Synchronize(); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if !sawLoaded.Load() {
		t.Error("Primary work ran before load work finished")
	}
}

func TestStream_StickyFault(t *testing.T) {
	a := newTestAccelerator(t)
	s, _ := a.NewStream("faulty")

	boom := errors.New("boom")
	var ranAfter atomic.Bool
	s.Enqueue(func() error { return boom })
	s.Enqueue(func() error {
		ranAfter.Store(true)
		return nil
	})

	err := s.Synchronize()
	if !errors.Is(err, ErrStreamFault) {
		t.Fatalf("Expected ErrStreamFault, got %v", err)
	}
	if ranAfter.Load() {
		t.Error("Kernel ran after a fault")
	}
	if !errors.Is(s.Err(), ErrStreamFault) {
		t.Error("Fault was not sticky")
	}
}

func TestStream_PanicBecomesFault(t *testing.T) {
	a := newTestAccelerator(t)
	s, _ := a.NewStream("panicky")

	s.Enqueue(func() error {
		var b []byte
		_ = b[4]
		return nil
	})
	if err := s.Synchronize(); !errors.Is(err, ErrStreamFault) {
		t.Errorf("Expected ErrStreamFault, got %v", err)
	}
}

func TestAccelerator_Close(t *testing.T) {
	a := NewAccelerator(1, nil)
	s, _ := a.NewStream("s")

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		s.Enqueue(func() error {
			ran.Add(1)
			return nil
		})
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ran.Load() != 10 {
		t.Errorf("Close did not drain the queue: %d ran", ran.Load())
	}

	if err := s.Enqueue(func() error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := a.NewStream("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if !s.Record().Done() {
		t.Error("Event on a closed stream should be complete")
	}
}

func TestDevice_String(t *testing.T) {
	if CPU().String() != "cpu" {
		t.Errorf("Unexpected CPU string %q", CPU().String())
	}
	if NPU(3).String() != "npu:3" {
		t.Errorf("Unexpected NPU string %q", NPU(3).String())
	}
	if CPU().IsAccelerator() || !NPU(0).IsAccelerator() {
		t.Error("IsAccelerator misreports device kinds")
	}
}

// Package device models accelerator devices and their execution streams.
//
// Memory on a simulated accelerator is ordinary host memory tagged with a
// device identity. Streams are in-order queues drained by one goroutine each,
// so work enqueued on different streams only orders through events.
package device

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Kind identifies the device type.
type Kind int

const (
	KindCPU Kind = iota
	KindNPU
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindNPU:
		return "npu"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Device is a device identity: kind plus index.
type Device struct {
	Kind  Kind
	Index int
}

// CPU returns the host device.
func CPU() Device {
	return Device{Kind: KindCPU}
}

// NPU returns the accelerator device with the given index.
func NPU(index int) Device {
	return Device{Kind: KindNPU, Index: index}
}

// IsAccelerator reports whether memory on d is accelerator memory.
func (d Device) IsAccelerator() bool {
	return d.Kind == KindNPU
}

func (d Device) String() string {
	if d.Kind == KindCPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Context bundles the streams a transfer runs on. It is passed explicitly to
// every transfer call; there is no process-wide "current stream".
type Context struct {
	Device  Device
	Primary *Stream // compute work of the host engine
	Load    *Stream // host -> device transfers
	Store   *Stream // device -> host transfers
}

// Accelerator owns the streams of one simulated device.
type Accelerator struct {
	device Device
	logger *slog.Logger
	group  errgroup.Group

	mu      sync.Mutex
	streams []*Stream
	closed  bool
}

// NewAccelerator starts a simulated accelerator with the given index.
func NewAccelerator(index int, logger *slog.Logger) *Accelerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accelerator{
		device: NPU(index),
		logger: logger,
	}
}

// Device returns the device identity.
func (a *Accelerator) Device() Device {
	return a.device
}

// NewStream creates and starts a stream on this device.
func (a *Accelerator) NewStream(name string) (*Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	s := newStream(a.device, name)
	a.streams = append(a.streams, s)
	a.group.Go(s.run)
	return s, nil
}

// NewContext creates a primary stream plus dedicated load and store streams.
func (a *Accelerator) NewContext() (*Context, error) {
	primary, err := a.NewStream("primary")
	if err != nil {
		return nil, err
	}
	load, err := a.NewStream("load")
	if err != nil {
		return nil, err
	}
	store, err := a.NewStream("store")
	if err != nil {
		return nil, err
	}
	return &Context{
		Device:  a.device,
		Primary: primary,
		Load:    load,
		Store:   store,
	}, nil
}

// Synchronize blocks until every stream of the device is idle and returns
// the first sticky stream error, if any.
func (a *Accelerator) Synchronize() error {
	a.mu.Lock()
	streams := append([]*Stream(nil), a.streams...)
	a.mu.Unlock()

	var first error
	for _, s := range streams {
		if err := s.Synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close drains all streams and stops their workers.
func (a *Accelerator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	streams := a.streams
	a.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	err := a.group.Wait()
	if err != nil {
		a.logger.Warn("accelerator closed with stream error", "device", a.device, "error", err)
	}
	return err
}

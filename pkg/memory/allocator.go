package memory

import (
	"fmt"
	"sync"

	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

// PagingConfig fixes the shape, dtype and format of every block when the
// allocator runs in paging mode. All three fields are required.
type PagingConfig struct {
	Shape  tensor.Shape
	DType  tensor.DType
	Format Format
}

func (p PagingConfig) validate() error {
	if len(p.Shape) == 0 || p.Shape.NumElements() == 0 {
		return fmt.Errorf("%w: paging requires a non-empty shape", ErrUnsupportedConfig)
	}
	if p.DType.Size() == 0 {
		return fmt.Errorf("%w: paging requires a dtype", ErrUnsupportedConfig)
	}
	if p.Format == FormatUndefined {
		return fmt.Errorf("%w: paging requires a format", ErrUnsupportedConfig)
	}
	return nil
}

// AllocatorConfig configures a PinnedAllocator.
type AllocatorConfig struct {
	MaxSize int64         // bytes
	Device  device.Device // device the blocks are tagged with
	Paging  *PagingConfig // nil for variable-size blocks
}

// PinnedAllocator manages a pool of memory blocks.
// Blocks are regular Go memory tagged with the configured device: host
// pinned memory on the CPU, staging memory on an accelerator.
type PinnedAllocator struct {
	maxSize     int64
	currentSize int64
	device      device.Device
	paging      *PagingConfig
	pageBytes   int
	buffers     map[*byte]int // block base -> size
	freeList    [][]byte
	inUse       int
	allocations int64
	mu          sync.Mutex
	closed      bool
}

// NewPinnedAllocator creates an allocator. A paging config with any field
// missing is rejected here rather than at allocation time.
func NewPinnedAllocator(cfg AllocatorConfig) (*PinnedAllocator, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("%w: max size %d", ErrUnsupportedConfig, cfg.MaxSize)
	}
	a := &PinnedAllocator{
		maxSize: cfg.MaxSize,
		device:  cfg.Device,
		buffers: make(map[*byte]int),
	}
	if cfg.Paging != nil {
		if err := cfg.Paging.validate(); err != nil {
			return nil, err
		}
		p := *cfg.Paging
		p.Shape = p.Shape.Clone()
		a.paging = &p
		a.pageBytes = p.Shape.NumElements() * p.DType.Size()
	}
	return a, nil
}

// Device returns the device blocks are tagged with.
func (a *PinnedAllocator) Device() device.Device {
	return a.device
}

// Allocate returns an object with refcount 1 backed by a pool block.
func (a *PinnedAllocator) Allocate(shape tensor.Shape, dtype tensor.DType, format Format) (*Object, error) {
	size := shape.NumElements() * dtype.Size()
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: %v", tensor.ErrUnsupportedDType, dtype)
	}
	if dim := format.TokenDim(); dim >= len(shape) {
		return nil, fmt.Errorf("%w: %v for %s", ErrObjectShape, shape, format)
	}
	if a.paging != nil {
		if !shape.Equal(a.paging.Shape) || dtype != a.paging.DType || format != a.paging.Format {
			return nil, fmt.Errorf("%w: paged allocator serves %v %v %s, asked for %v %v %s",
				ErrUnsupportedConfig, a.paging.Shape, a.paging.DType, a.paging.Format, shape, dtype, format)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrPoolClosed
	}

	block, err := a.alloc(size)
	if err != nil {
		return nil, err
	}
	t, err := tensor.FromBytes(a.device, block[:size], shape, dtype)
	if err != nil {
		a.freeList = append(a.freeList, block)
		return nil, err
	}
	t.Zero()

	o := NewObject(t, format)
	o.block = block
	o.release = a.free
	a.inUse++
	a.allocations++
	return o, nil
}

// alloc finds or creates a block of at least size bytes (must hold lock).
func (a *PinnedAllocator) alloc(size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	// Check if we have a suitable free buffer
	for i, buf := range a.freeList {
		if len(buf) >= size {
			a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
			return buf, nil
		}
	}

	if a.paging != nil {
		size = a.pageBytes
	}

	// Check if we have capacity for new allocation
	if a.currentSize+int64(size) > a.maxSize {
		a.compactFreeList()
		if a.currentSize+int64(size) > a.maxSize {
			return nil, fmt.Errorf("%w: need %d bytes, %d of %d in use",
				ErrPoolExhausted, size, a.currentSize, a.maxSize)
		}
	}

	data := make([]byte, size)
	a.buffers[&data[0]] = size
	a.currentSize += int64(size)
	return data, nil
}

// free returns an object's block to the pool.
func (a *PinnedAllocator) free(o *Object) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inUse--
	if a.closed || len(o.block) == 0 {
		return
	}
	if _, ok := a.buffers[&o.block[0]]; !ok {
		return
	}
	a.freeList = append(a.freeList, o.block)
	o.block = nil
}

// compactFreeList releases blocks from the free list to make room (must hold lock).
func (a *PinnedAllocator) compactFreeList() {
	for len(a.freeList) > 0 {
		buf := a.freeList[len(a.freeList)-1]
		a.freeList = a.freeList[:len(a.freeList)-1]

		if size, ok := a.buffers[&buf[0]]; ok {
			delete(a.buffers, &buf[0])
			a.currentSize -= int64(size)
		}
	}
}

// Stats returns pool statistics.
func (a *PinnedAllocator) Stats() PoolStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return PoolStats{
		MaxSize:     a.maxSize,
		CurrentSize: a.currentSize,
		BufferCount: len(a.buffers),
		FreeCount:   len(a.freeList),
		InUse:       a.inUse,
		Allocations: a.allocations,
	}
}

// Close releases all memory. Objects still in use keep their storage.
func (a *PinnedAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	a.closed = true
	a.buffers = nil
	a.freeList = nil
	a.currentSize = 0

	return nil
}

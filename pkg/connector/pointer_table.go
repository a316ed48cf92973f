package connector

import (
	"fmt"

	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

// PointerEntry is the pointer table of one device: the per-layer base
// addresses uploaded as an INT64 device tensor.
type PointerEntry struct {
	layers         []*tensor.Tensor
	addrs          []uintptr
	shapes         []tensor.Shape
	table          *tensor.Tensor
	pageBufferSize int
}

// Table returns the on-device [num_layers] INT64 address tensor.
func (e *PointerEntry) Table() *tensor.Tensor {
	return e.table
}

// Layer returns the cache tensor registered for layer i.
func (e *PointerEntry) Layer(i int) *tensor.Tensor {
	return e.layers[i]
}

// NumLayers returns the number of registered layers.
func (e *PointerEntry) NumLayers() int {
	return len(e.layers)
}

// PageBufferSize is num_pages * page_size of the registered layers.
func (e *PointerEntry) PageBufferSize() int {
	return e.pageBufferSize
}

// PointerTable caches per-device pointer tables. An entry is rebuilt as a
// whole when any layer tensor changes base address or shape, never patched
// in place.
// Not safe for concurrent use.
type PointerTable struct {
	entries  map[int]*PointerEntry
	rebuilds int
}

// NewPointerTable creates an empty table.
func NewPointerTable() *PointerTable {
	return &PointerTable{entries: make(map[int]*PointerEntry)}
}

// Rebuilds returns how many times an entry has been (re)built.
func (p *PointerTable) Rebuilds() int {
	return p.rebuilds
}

// Ensure returns the entry for the device holding caches, building it if the
// device has none or if the layer tensors changed.
func (p *PointerTable) Ensure(caches []*tensor.Tensor, useMLA bool) (*PointerEntry, error) {
	if len(caches) == 0 {
		return nil, fmt.Errorf("%w: no kv caches registered", ErrConfig)
	}

	for i, c := range caches {
		if c == nil {
			return nil, fmt.Errorf("%w: kv cache for layer %d is nil", ErrConfig, i)
		}
	}
	dev := caches[0].Device()
	for i, c := range caches {
		if !c.Device().IsAccelerator() {
			return nil, fmt.Errorf("%w: layer %d cache on %v, want an accelerator", ErrPrecondition, i, c.Device())
		}
		if c.Device() != dev {
			return nil, fmt.Errorf("%w: layer %d cache on %v, layer 0 on %v", ErrPrecondition, i, c.Device(), dev)
		}
	}

	addrs := make([]uintptr, len(caches))
	shapes := make([]tensor.Shape, len(caches))
	for i, c := range caches {
		addrs[i] = c.Addr()
		shapes[i] = c.Shape().Clone()
	}
	if e, ok := p.entries[dev.Index]; ok && sameLayers(e, addrs, shapes) {
		return e, nil
	}

	pbs, err := pageBufferSize(caches[0].Shape(), useMLA)
	if err != nil {
		return nil, err
	}
	vals := make([]int64, len(addrs))
	for i, a := range addrs {
		vals[i] = int64(a)
	}

	e := &PointerEntry{
		layers:         append([]*tensor.Tensor(nil), caches...),
		addrs:          addrs,
		shapes:         shapes,
		table:          tensor.FromInt64s(dev, vals),
		pageBufferSize: pbs,
	}
	p.entries[dev.Index] = e
	p.rebuilds++
	return e, nil
}

// Entry returns the entry built for a device index, if any.
func (p *PointerTable) Entry(index int) (*PointerEntry, bool) {
	e, ok := p.entries[index]
	return e, ok
}

func pageBufferSize(shape tensor.Shape, useMLA bool) (int, error) {
	if useMLA {
		// [num_pages, page_size, head_size], optionally with a leading 1
		if len(shape) < 3 {
			return 0, fmt.Errorf("%w: combined cache rank %d", ErrPrecondition, len(shape))
		}
		return shape.Dim(-3) * shape.Dim(-2), nil
	}
	if len(shape) != 5 {
		return 0, fmt.Errorf("%w: split cache rank %d, want 5", ErrPrecondition, len(shape))
	}
	return shape[1] * shape[2], nil
}

func sameLayers(e *PointerEntry, addrs []uintptr, shapes []tensor.Shape) bool {
	if len(e.addrs) != len(addrs) {
		return false
	}
	for i := range addrs {
		if e.addrs[i] != addrs[i] || !e.shapes[i].Equal(shapes[i]) {
			return false
		}
	}
	return true
}

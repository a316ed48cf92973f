// Package paged provides the on-device paged KV cache and the kernel that
// scatters and gathers token rows between it and contiguous buffers.
package paged

import (
	"errors"
	"fmt"

	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

var (
	ErrInvalidGeometry   = errors.New("invalid paged cache geometry")
	ErrUnsupportedLayout = errors.New("unsupported paged cache layout")
)

// Layout selects how keys and values are laid out in each layer tensor.
type Layout int

const (
	// LayoutSplit is [2, num_pages, page_size, num_heads, head_size].
	LayoutSplit Layout = iota
	// LayoutCombined is [num_pages, page_size, hidden]; one buffer for MLA.
	LayoutCombined
)

func (l Layout) String() string {
	switch l {
	case LayoutSplit:
		return "split"
	case LayoutCombined:
		return "combined"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Geometry describes one layer of the paged cache.
type Geometry struct {
	NumPages int
	PageSize int
	NumHeads int
	HeadSize int
}

// Validate checks that every dimension is positive.
func (g Geometry) Validate() error {
	if g.NumPages <= 0 || g.PageSize <= 0 || g.NumHeads <= 0 || g.HeadSize <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidGeometry, g)
	}
	return nil
}

// Hidden is the per-token width of one of K or V.
func (g Geometry) Hidden() int {
	return g.NumHeads * g.HeadSize
}

// NumSlots is the token capacity of one layer.
func (g Geometry) NumSlots() int {
	return g.NumPages * g.PageSize
}

// LayerShape returns the per-layer tensor shape for a layout.
func (g Geometry) LayerShape(layout Layout) tensor.Shape {
	if layout == LayoutCombined {
		return tensor.Shape{g.NumPages, g.PageSize, g.Hidden()}
	}
	return tensor.Shape{2, g.NumPages, g.PageSize, g.NumHeads, g.HeadSize}
}

// Cache is the set of per-layer paged tensors owned by the host engine.
type Cache struct {
	Layout   Layout
	Geometry Geometry
	DType    tensor.DType
	Layers   []*tensor.Tensor
}

// NewCache allocates a zeroed cache with numLayers layers on dev.
func NewCache(dev device.Device, layout Layout, numLayers int, geom Geometry, dtype tensor.DType) (*Cache, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if numLayers < 0 {
		return nil, fmt.Errorf("%w: %d layers", ErrInvalidGeometry, numLayers)
	}

	layers := make([]*tensor.Tensor, numLayers)
	for i := range layers {
		t, err := tensor.New(dev, geom.LayerShape(layout), dtype)
		if err != nil {
			return nil, err
		}
		layers[i] = t
	}
	return &Cache{Layout: layout, Geometry: geom, DType: dtype, Layers: layers}, nil
}

// NumLayers returns the number of layers.
func (c *Cache) NumLayers() int {
	return len(c.Layers)
}

// Zero clears every layer.
func (c *Cache) Zero() {
	for _, l := range c.Layers {
		l.Zero()
	}
}

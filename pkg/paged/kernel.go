package paged

import (
	"fmt"

	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

// Direction of a layer transfer.
type Direction int

const (
	// ToPaged scatters buffer rows into the paged layer.
	ToPaged Direction = iota
	// FromPaged gathers paged rows into the buffer.
	FromPaged
)

func (d Direction) String() string {
	if d == FromPaged {
		return "paged->buffer"
	}
	return "buffer->paged"
}

// TransferLayer moves len(slots) tokens between a [tokens, 2, hidden] buffer
// and one split-layout layer tensor. Token t's key lives at row 2t of the
// buffer and its value at row 2t+1. A negative slot marks padding and is
// skipped.
//
// Slots are not checked against the layer's page count; an out-of-range slot
// panics inside the kernel and surfaces as a stream fault.
func TransferLayer(buf, layer *tensor.Tensor, slots []int64, dir Direction) error {
	ls := layer.Shape()
	if len(ls) != 5 || ls[0] != 2 {
		return fmt.Errorf("%w: layer shape %v", ErrUnsupportedLayout, ls)
	}
	if buf.DType() != layer.DType() {
		return fmt.Errorf("%w: buffer %v, layer %v", tensor.ErrShapeMismatch, buf.DType(), layer.DType())
	}

	hidden := ls[3] * ls[4]
	want := tensor.Shape{len(slots), 2, hidden}
	if bs := buf.Shape(); bs.NumElements() != want.NumElements() {
		return fmt.Errorf("%w: buffer %v for %d slots of width %d", tensor.ErrShapeMismatch, bs, len(slots), hidden)
	}

	rowBytes := hidden * layer.DType().Size()
	valueBase := ls[1] * ls[2] * rowBytes
	src, dst := buf.Bytes(), layer.Bytes()

	for t, slot := range slots {
		if slot < 0 {
			continue
		}
		k := int(slot) * rowBytes
		v := valueBase + k
		bk := 2 * t * rowBytes
		bv := bk + rowBytes
		if dir == ToPaged {
			copy(dst[k:k+rowBytes], src[bk:bk+rowBytes])
			copy(dst[v:v+rowBytes], src[bv:bv+rowBytes])
		} else {
			copy(src[bk:bk+rowBytes], dst[k:k+rowBytes])
			copy(src[bv:bv+rowBytes], dst[v:v+rowBytes])
		}
	}
	return nil
}

package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
)

// Tensor is a dense, row-major, device-tagged block of bytes.
// Views created by Narrow share storage with their parent.
type Tensor struct {
	data   []byte
	shape  Shape
	dtype  DType
	device device.Device
}

// New allocates a zeroed tensor.
func New(dev device.Device, shape Shape, dtype DType) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDType, dtype)
	}
	if err := checkDims(shape); err != nil {
		return nil, err
	}
	return &Tensor{
		data:   make([]byte, shape.NumElements()*dtype.Size()),
		shape:  shape.Clone(),
		dtype:  dtype,
		device: dev,
	}, nil
}

// FromBytes wraps data without copying. len(data) must match shape and dtype.
func FromBytes(dev device.Device, data []byte, shape Shape, dtype DType) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDType, dtype)
	}
	if err := checkDims(shape); err != nil {
		return nil, err
	}
	if want := shape.NumElements() * dtype.Size(); len(data) != want {
		return nil, fmt.Errorf("%w: %d bytes for shape %v %v (want %d)", ErrShapeMismatch, len(data), shape, dtype, want)
	}
	return &Tensor{data: data, shape: shape.Clone(), dtype: dtype, device: dev}, nil
}

func checkDims(shape Shape) error {
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, shape)
		}
	}
	return nil
}

// FromInt64s builds a one-dimensional INT64 tensor holding vals.
func FromInt64s(dev device.Device, vals []int64) *Tensor {
	t := &Tensor{
		data:   make([]byte, len(vals)*8),
		shape:  Shape{len(vals)},
		dtype:  INT64,
		device: dev,
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(t.data[i*8:], uint64(v))
	}
	return t
}

// Bytes returns the underlying storage.
func (t *Tensor) Bytes() []byte { return t.data }

// Shape returns the tensor dimensions. The caller must not modify it.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Device returns where the tensor resides.
func (t *Tensor) Device() device.Device { return t.device }

// NumBytes returns the storage size in bytes.
func (t *Tensor) NumBytes() int { return len(t.data) }

// Addr returns the base address of the storage. Two tensors with the same
// address and size alias the same memory.
func (t *Tensor) Addr() uintptr {
	if len(t.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(t.data)))
}

// rowBytes is the size of one index along dimension 0.
func (t *Tensor) rowBytes() int {
	if len(t.shape) <= 1 {
		return t.dtype.Size()
	}
	return Shape(t.shape[1:]).NumElements() * t.dtype.Size()
}

// Narrow returns a view of rows [start, end) along dimension 0.
func (t *Tensor) Narrow(start, end int) (*Tensor, error) {
	if len(t.shape) == 0 || start < 0 || end > t.shape[0] || start > end {
		return nil, fmt.Errorf("%w: [%d, %d) of %v", ErrOutOfRange, start, end, t.shape)
	}
	row := t.rowBytes()
	shape := t.shape.Clone()
	shape[0] = end - start
	return &Tensor{
		data:   t.data[start*row : end*row : end*row],
		shape:  shape,
		dtype:  t.dtype,
		device: t.device,
	}, nil
}

// CopyFrom copies src into t. Shapes may differ but element count and dtype
// must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if src.dtype != t.dtype || len(src.data) != len(t.data) {
		return fmt.Errorf("%w: copy %v %v into %v %v", ErrShapeMismatch, src.shape, src.dtype, t.shape, t.dtype)
	}
	copy(t.data, src.data)
	return nil
}

// Zero clears the storage.
func (t *Tensor) Zero() {
	clear(t.data)
}

// Int64s decodes an INT64 tensor.
func (t *Tensor) Int64s() ([]int64, error) {
	if t.dtype != INT64 {
		return nil, fmt.Errorf("%w: Int64s on %v", ErrUnsupportedDType, t.dtype)
	}
	out := make([]int64, len(t.data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.data[i*8:]))
	}
	return out, nil
}

// Float32s decodes a floating point tensor to float32.
func (t *Tensor) Float32s() ([]float32, error) {
	switch t.dtype {
	case FP16:
		out := make([]float32, len(t.data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.data[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(t.data), nil
	case FP32:
		out := make([]float32, len(t.data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[i*4:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: Float32s on %v", ErrUnsupportedDType, t.dtype)
}

// SetFloat32s encodes vals into a floating point tensor, rounding to its dtype.
func (t *Tensor) SetFloat32s(vals []float32) error {
	if len(vals) != t.shape.NumElements() {
		return fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(vals), t.shape)
	}
	switch t.dtype {
	case FP16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(t.data[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		copy(t.data, bfloat16.EncodeFloat32(vals))
	case FP32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(t.data[i*4:], math.Float32bits(v))
		}
	default:
		return fmt.Errorf("%w: SetFloat32s on %v", ErrUnsupportedDType, t.dtype)
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %v, %v)", t.shape, t.dtype, t.device)
}

// Package memory provides refcounted memory objects and the allocators that
// hand them out.
package memory

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

var (
	ErrPoolExhausted     = errors.New("memory pool exhausted")
	ErrPoolClosed        = errors.New("memory pool closed")
	ErrUnsupportedConfig = errors.New("unsupported allocator config")
	ErrRefCountUnderflow = errors.New("memory object refcount underflow")
	ErrObjectShape       = errors.New("memory object shape does not match format")
)

// Format is the layout tag of a memory object.
type Format int

const (
	FormatUndefined Format = iota
	FormatKV2TD            // [2, tokens, hidden]
	FormatKVT2D            // [tokens, 2, hidden]
	FormatKVMLA            // [tokens, hidden]
	FormatBinary           // opaque serialized bytes
)

func (f Format) String() string {
	switch f {
	case FormatKV2TD:
		return "KV_2TD"
	case FormatKVT2D:
		return "KV_T2D"
	case FormatKVMLA:
		return "KV_MLA_FMT"
	case FormatBinary:
		return "BINARY"
	default:
		return "UNDEFINED"
	}
}

// ParseFormat is the inverse of Format.String.
func ParseFormat(s string) (Format, error) {
	for _, f := range []Format{FormatKV2TD, FormatKVT2D, FormatKVMLA, FormatBinary} {
		if f.String() == s {
			return f, nil
		}
	}
	return FormatUndefined, fmt.Errorf("%w: format %q", ErrUnsupportedConfig, s)
}

// TokenDim returns the dimension that indexes tokens, or -1 if the format
// has none.
func (f Format) TokenDim() int {
	switch f {
	case FormatKV2TD:
		return 1
	case FormatKVT2D, FormatKVMLA:
		return 0
	default:
		return -1
	}
}

// Object is a tensor view over an allocator block plus its layout tag.
// When the reference count drops to zero the block goes back to the
// allocator's free list; it is never freed directly.
type Object struct {
	id      uuid.UUID
	tensor  *tensor.Tensor
	format  Format
	block   []byte
	refs    atomic.Int32
	release func(*Object)
}

// NewObject wraps t in an object with refcount 1 that belongs to no allocator.
func NewObject(t *tensor.Tensor, format Format) *Object {
	o := &Object{id: uuid.New(), tensor: t, format: format}
	o.refs.Store(1)
	return o
}

// ID returns a unique identifier for the object.
func (o *Object) ID() uuid.UUID { return o.id }

// Tensor returns the object's tensor view.
func (o *Object) Tensor() *tensor.Tensor { return o.tensor }

// Format returns the layout tag.
func (o *Object) Format() Format { return o.format }

// NumTokens returns the token count implied by the format, or 0 when the
// format carries no token dimension.
func (o *Object) NumTokens() int {
	dim := o.format.TokenDim()
	if dim < 0 || dim >= len(o.tensor.Shape()) {
		return 0
	}
	return o.tensor.Shape()[dim]
}

// RefCountUp takes an additional reference.
func (o *Object) RefCountUp() {
	o.refs.Add(1)
}

// RefCountDown drops a reference and recycles the block when none remain.
func (o *Object) RefCountDown() {
	n := o.refs.Add(-1)
	if n < 0 {
		panic(fmt.Errorf("%w: object %s", ErrRefCountUnderflow, o.id))
	}
	if n == 0 && o.release != nil {
		o.release(o)
	}
}

// RefCount returns the current reference count.
func (o *Object) RefCount() int {
	return int(o.refs.Load())
}

func (o *Object) String() string {
	return fmt.Sprintf("Object(%s, %v, refs=%d)", o.format, o.tensor, o.RefCount())
}

// Allocator hands out memory objects. Release is RefCountDown on the object.
type Allocator interface {
	Allocate(shape tensor.Shape, dtype tensor.DType, format Format) (*Object, error)
}

// PoolStats contains allocator statistics.
type PoolStats struct {
	MaxSize     int64
	CurrentSize int64
	BufferCount int
	FreeCount   int
	InUse       int   // objects not yet released
	Allocations int64 // successful Allocate calls
}

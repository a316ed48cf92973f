package memory

import (
	"errors"
	"testing"

	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

func newAllocator(t *testing.T, maxSize int64) *PinnedAllocator {
	t.Helper()
	a, err := NewPinnedAllocator(AllocatorConfig{MaxSize: maxSize, Device: device.NPU(0)})
	if err != nil {
		t.Fatalf("NewPinnedAllocator failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPinnedAllocator_AllocateRelease(t *testing.T) {
	a := newAllocator(t, 1<<20)

	obj, err := a.Allocate(tensor.Shape{16, 2, 64}, tensor.FP16, FormatKVT2D)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if obj.RefCount() != 1 {
		t.Errorf("Expected refcount 1, got %d", obj.RefCount())
	}
	if obj.NumTokens() != 16 {
		t.Errorf("Expected 16 tokens, got %d", obj.NumTokens())
	}
	if obj.Tensor().NumBytes() != 16*2*64*2 {
		t.Errorf("Unexpected tensor size %d", obj.Tensor().NumBytes())
	}
	if obj.Tensor().Device() != device.NPU(0) {
		t.Errorf("Expected npu:0, got %v", obj.Tensor().Device())
	}

	stats := a.Stats()
	if stats.InUse != 1 || stats.BufferCount != 1 {
		t.Errorf("Unexpected stats after allocate: %+v", stats)
	}

	obj.RefCountUp()
	obj.RefCountDown()
	if a.Stats().FreeCount != 0 {
		t.Error("Block recycled while still referenced")
	}

	obj.RefCountDown()
	stats = a.Stats()
	if stats.InUse != 0 || stats.FreeCount != 1 {
		t.Errorf("Unexpected stats after release: %+v", stats)
	}
}

func TestPinnedAllocator_ReusesFreeBlock(t *testing.T) {
	a := newAllocator(t, 1<<20)

	first, err := a.Allocate(tensor.Shape{8, 2, 32}, tensor.FP16, FormatKVT2D)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	first.Tensor().Bytes()[0] = 0xff
	addr := first.Tensor().Addr()
	first.RefCountDown()

	second, err := a.Allocate(tensor.Shape{4, 2, 32}, tensor.FP16, FormatKVT2D)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer second.RefCountDown()

	if second.Tensor().Addr() != addr {
		t.Error("Expected free block to be reused")
	}
	if second.Tensor().Bytes()[0] != 0 {
		t.Error("Reused block was not zeroed")
	}
	if a.Stats().BufferCount != 1 {
		t.Errorf("Expected 1 buffer, got %d", a.Stats().BufferCount)
	}
}

func TestPinnedAllocator_Exhausted(t *testing.T) {
	a := newAllocator(t, 1024)

	obj, err := a.Allocate(tensor.Shape{257}, tensor.FP32, FormatBinary)
	if err == nil {
		obj.RefCountDown()
		t.Fatal("Expected allocation beyond max size to fail")
	}
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}
}

func TestPinnedAllocator_CompactsFreeList(t *testing.T) {
	a := newAllocator(t, 1024)

	small, err := a.Allocate(tensor.Shape{128}, tensor.FP32, FormatBinary)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	small.RefCountDown()

	// Too big for the free block and for the remaining capacity.
	big, err := a.Allocate(tensor.Shape{200}, tensor.FP32, FormatBinary)
	if err != nil {
		t.Fatalf("Allocate after compaction failed: %v", err)
	}
	defer big.RefCountDown()

	if got := a.Stats().CurrentSize; got != 800 {
		t.Errorf("Expected current size 800, got %d", got)
	}
}

func TestPinnedAllocator_Closed(t *testing.T) {
	a := newAllocator(t, 1024)
	a.Close()

	if _, err := a.Allocate(tensor.Shape{4}, tensor.FP16, FormatBinary); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestPinnedAllocator_PagingRequiresFullConfig(t *testing.T) {
	tests := []struct {
		name   string
		paging PagingConfig
	}{
		{"missing shape", PagingConfig{DType: tensor.FP16, Format: FormatKV2TD}},
		{"missing dtype", PagingConfig{Shape: tensor.Shape{2, 16, 64}, Format: FormatKV2TD}},
		{"missing format", PagingConfig{Shape: tensor.Shape{2, 16, 64}, DType: tensor.FP16}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paging := tt.paging
			_, err := NewPinnedAllocator(AllocatorConfig{MaxSize: 1 << 20, Paging: &paging})
			if !errors.Is(err, ErrUnsupportedConfig) {
				t.Errorf("Expected ErrUnsupportedConfig, got %v", err)
			}
		})
	}
}

func TestPinnedAllocator_Paging(t *testing.T) {
	page := PagingConfig{Shape: tensor.Shape{2, 16, 64}, DType: tensor.BF16, Format: FormatKV2TD}
	a, err := NewPinnedAllocator(AllocatorConfig{MaxSize: 3 * 2 * 16 * 64 * 2, Device: device.CPU(), Paging: &page})
	if err != nil {
		t.Fatalf("NewPinnedAllocator failed: %v", err)
	}
	defer a.Close()

	if _, err := a.Allocate(tensor.Shape{2, 8, 64}, tensor.BF16, FormatKV2TD); !errors.Is(err, ErrUnsupportedConfig) {
		t.Errorf("Expected ErrUnsupportedConfig for a foreign shape, got %v", err)
	}

	var objs []*Object
	for i := 0; i < 3; i++ {
		obj, err := a.Allocate(page.Shape, page.DType, page.Format)
		if err != nil {
			t.Fatalf("Allocate page %d failed: %v", i, err)
		}
		if obj.NumTokens() != 16 {
			t.Errorf("Expected 16 tokens, got %d", obj.NumTokens())
		}
		objs = append(objs, obj)
	}
	if _, err := a.Allocate(page.Shape, page.DType, page.Format); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}

	objs[0].RefCountDown()
	again, err := a.Allocate(page.Shape, page.DType, page.Format)
	if err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
	again.RefCountDown()
	for _, obj := range objs[1:] {
		obj.RefCountDown()
	}
	if a.Stats().InUse != 0 {
		t.Errorf("Expected no objects in use, got %d", a.Stats().InUse)
	}
}

func TestObject_RefCountUnderflow(t *testing.T) {
	tt, err := tensor.New(device.CPU(), tensor.Shape{4}, tensor.FP16)
	if err != nil {
		t.Fatalf("tensor.New failed: %v", err)
	}
	obj := NewObject(tt, FormatBinary)
	obj.RefCountDown()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected panic on underflow")
		}
		if err, ok := r.(error); !ok || !errors.Is(err, ErrRefCountUnderflow) {
			t.Errorf("Unexpected panic value %v", r)
		}
	}()
	obj.RefCountDown()
}

package serde

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
	"github.com/marcobarlo/LMCache-Ascend/pkg/memory"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

func newAllocator(t *testing.T) *memory.PinnedAllocator {
	t.Helper()
	alloc, err := memory.NewPinnedAllocator(memory.AllocatorConfig{MaxSize: 1 << 20, Device: device.CPU()})
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })
	return alloc
}

func newObject(t *testing.T, alloc memory.Allocator, vals []float32) *memory.Object {
	t.Helper()
	obj, err := alloc.Allocate(tensor.Shape{len(vals) / 8, 2, 4}, tensor.FP32, memory.FormatKVT2D)
	require.NoError(t, err)
	require.NoError(t, obj.Tensor().SetFloat32s(vals))
	return obj
}

func TestSerializer_RoundTrip(t *testing.T) {
	// Repetitive values compress, random ones do not.
	repetitive := make([]float32, 1024)
	for i := range repetitive {
		repetitive[i] = float32(i % 4)
	}
	random := make([]float32, 1024)
	r := rand.New(rand.NewSource(1))
	for i := range random {
		random[i] = r.Float32()
	}

	tests := []struct {
		name  string
		codec string
		vals  []float32
	}{
		{"naive", "naive", repetitive},
		{"lz4 compressible", "lz4", repetitive},
		{"lz4 incompressible", "lz4", random},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := newAllocator(t)
			s, err := NewSerializer(tt.codec)
			require.NoError(t, err)

			obj := newObject(t, alloc, tt.vals)
			defer obj.RefCountDown()

			data, err := s.Serialize(obj)
			require.NoError(t, err)

			got, err := s.Deserialize(data, alloc)
			require.NoError(t, err)
			defer got.RefCountDown()

			assert.Equal(t, obj.Format(), got.Format())
			assert.True(t, obj.Tensor().Shape().Equal(got.Tensor().Shape()))
			assert.Equal(t, obj.Tensor().Bytes(), got.Tensor().Bytes())
		})
	}
}

func TestSerializer_LZ4Shrinks(t *testing.T) {
	alloc := newAllocator(t)
	s, err := NewSerializer("lz4")
	require.NoError(t, err)

	obj := newObject(t, alloc, make([]float32, 4096))
	defer obj.RefCountDown()

	data, err := s.Serialize(obj)
	require.NoError(t, err)

	ratio := CompressionRatio(obj.Tensor().NumBytes(), len(data))
	t.Logf("zero tensor: %d -> %d bytes (%.1fx)", obj.Tensor().NumBytes(), len(data), ratio)
	assert.Greater(t, ratio, float32(10))
}

func TestSerializer_IncompressibleFallsBack(t *testing.T) {
	alloc := newAllocator(t)
	s, err := NewSerializer("lz4")
	require.NoError(t, err)

	obj := newObject(t, alloc, make([]float32, 256))
	defer obj.RefCountDown()
	rand.New(rand.NewSource(7)).Read(obj.Tensor().Bytes())

	data, err := s.Serialize(obj)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, msgpack.Unmarshal(data, &env))
	assert.Equal(t, "naive", env.Codec)
	assert.Equal(t, obj.Tensor().NumBytes(), len(env.Payload))
}

func TestSerializer_Corruption(t *testing.T) {
	alloc := newAllocator(t)
	s, err := NewSerializer("naive")
	require.NoError(t, err)

	obj := newObject(t, alloc, make([]float32, 64))
	defer obj.RefCountDown()

	data, err := s.Serialize(obj)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, msgpack.Unmarshal(data, &env))
	env.Payload[0] ^= 0xff
	corrupted, err := msgpack.Marshal(&env)
	require.NoError(t, err)

	_, err = s.Deserialize(corrupted, alloc)
	assert.ErrorIs(t, err, ErrChecksum)

	_, err = s.Deserialize([]byte{0xc1}, alloc)
	assert.ErrorIs(t, err, ErrInvalidInput)

	env.Payload = env.Payload[:8]
	truncated, err := msgpack.Marshal(&env)
	require.NoError(t, err)
	_, err = s.Deserialize(truncated, alloc)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Negative dimensions whose product still matches the raw size.
	require.NoError(t, msgpack.Unmarshal(data, &env))
	env.Shape = []int{-16, -2, 2}
	negative, err := msgpack.Marshal(&env)
	require.NoError(t, err)
	_, err = s.Deserialize(negative, alloc)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Nothing leaked from the failed decodes.
	assert.Equal(t, 1, alloc.Stats().InUse)
}

func TestNewCodec_Unknown(t *testing.T) {
	_, err := NewCodec("cachegen")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestLZ4Codec_Levels(t *testing.T) {
	raw := make([]byte, 8192)
	for i := range raw {
		raw[i] = byte(i % 16)
	}

	for _, c := range []*LZ4Codec{NewLZ4Codec(), NewLZ4CodecLevel(1), NewLZ4CodecLevel(9)} {
		payload, ok, err := c.Compress(raw)
		require.NoError(t, err)
		require.True(t, ok)

		out, err := c.Decompress(payload, len(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	}

	_, ok, err := NewLZ4Codec().Compress(nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

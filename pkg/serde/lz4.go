package serde

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4Codec compresses tensor bytes with LZ4 block compression.
type LZ4Codec struct {
	level lz4.CompressionLevel
}

// NewLZ4Codec creates a codec using the fast compressor.
func NewLZ4Codec() *LZ4Codec {
	return &LZ4Codec{level: lz4.Fast}
}

// NewLZ4CodecLevel creates a codec using the high compression compressor
// at level 1..9.
func NewLZ4CodecLevel(level int) *LZ4Codec {
	level = max(1, min(level, 9))
	return &LZ4Codec{level: lz4.CompressionLevel(1 << (8 + level))}
}

// Name returns "lz4".
func (c *LZ4Codec) Name() string { return "lz4" }

// Compress compresses raw. Incompressible input reports ok=false.
func (c *LZ4Codec) Compress(raw []byte) ([]byte, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	var (
		n   int
		err error
	)
	if c.level == lz4.Fast {
		n, err = lz4.CompressBlock(raw, compressed, nil)
	} else {
		n, err = lz4.CompressBlockHC(raw, compressed, c.level, nil, nil)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCompressFailed, err)
	}
	if n == 0 || n >= len(raw) {
		return nil, false, nil
	}
	return compressed[:n], true, nil
}

// Decompress restores rawSize bytes from payload.
func (c *LZ4Codec) Decompress(payload []byte, rawSize int) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrInvalidInput
	}

	result := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(payload, result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
	}
	if n != rawSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrDecompressFailed, n, rawSize)
	}
	return result, nil
}

// CompressionRatio returns the compression ratio
func CompressionRatio(original, compressed int) float32 {
	if compressed == 0 {
		return 0
	}
	return float32(original) / float32(compressed)
}

// Package cache provides keys and entries for offloaded KV cache chunks.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

// CacheKey uniquely identifies one layer of one token chunk.
type CacheKey struct {
	Format    string   // host engine flavour, e.g. "vllm"
	ModelName string   // model identifier
	WorldSize int      // tensor parallel size
	WorkerID  int      // tensor parallel rank
	ChunkHash [32]byte // rolling SHA256 of the token prefix up to this chunk
	LayerID   int      // layer number (0 to num_layers-1)
}

// String returns a human-readable key representation.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s@%s@%d@%d@%x@L%02d",
		k.Format, k.ModelName, k.WorldSize, k.WorkerID, k.ChunkHash[:8], k.LayerID)
}

// Bytes returns a binary representation for hashing/comparison.
func (k CacheKey) Bytes() []byte {
	buf := make([]byte, len(k.Format)+len(k.ModelName)+4+4+32+4)
	offset := copy(buf, k.Format)
	offset += copy(buf[offset:], k.ModelName)
	binary.BigEndian.PutUint32(buf[offset:], uint32(k.WorldSize))
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:], uint32(k.WorkerID))
	offset += 4
	copy(buf[offset:], k.ChunkHash[:])
	offset += 32
	binary.BigEndian.PutUint32(buf[offset:], uint32(k.LayerID))
	return buf
}

// WithLayer returns a copy of the key for another layer.
func (k CacheKey) WithLayer(layer int) CacheKey {
	k.LayerID = layer
	return k
}

// Entry stores one serialized memory object.
type Entry struct {
	Key        CacheKey
	Data       []byte    // encoded memory object
	Codec      string    // codec that produced Data
	CreatedAt  time.Time // When entry was created
	AccessedAt time.Time // Last access time
	refCount   int32     // readers holding the entry
	pinned     bool      // Prevent eviction
}

// NewEntry creates a new entry with no readers.
func NewEntry(key CacheKey, codec string, data []byte) *Entry {
	now := time.Now()
	return &Entry{
		Key:        key,
		Data:       data,
		Codec:      codec,
		CreatedAt:  now,
		AccessedAt: now,
	}
}

// Size returns the total size in bytes.
func (e *Entry) Size() int {
	return len(e.Data)
}

// Ref increments the reference count.
func (e *Entry) Ref() {
	atomic.AddInt32(&e.refCount, 1)
}

// Unref decrements the reference count.
func (e *Entry) Unref() int32 {
	return atomic.AddInt32(&e.refCount, -1)
}

// RefCount returns current reference count.
func (e *Entry) RefCount() int32 {
	return atomic.LoadInt32(&e.refCount)
}

// Pin marks entry as non-evictable.
func (e *Entry) Pin() {
	e.pinned = true
}

// Unpin allows eviction.
func (e *Entry) Unpin() {
	e.pinned = false
}

// IsPinned returns true if entry cannot be evicted.
func (e *Entry) IsPinned() bool {
	return e.pinned
}

// Touch updates the access time.
func (e *Entry) Touch() {
	e.AccessedAt = time.Now()
}

// StorageStats contains backend statistics.
type StorageStats struct {
	Entries    int64 // Number of entries
	SizeBytes  int64 // Total size in bytes
	HitCount   int64 // Cache hits
	MissCount  int64 // Cache misses
	EvictCount int64 // Evictions
}

// Storage is the interface for cache backends.
type Storage interface {
	// Contains checks if key exists.
	Contains(ctx context.Context, key CacheKey) bool

	// Get retrieves an entry and takes a reference on it.
	Get(ctx context.Context, key CacheKey) (*Entry, error)

	// Put stores an entry.
	Put(ctx context.Context, entry *Entry) error

	// Delete removes an entry.
	Delete(ctx context.Context, key CacheKey) error

	// Stats returns backend statistics.
	Stats() StorageStats

	// Close releases resources.
	Close() error
}

// TokenChunk is a chunk of tokens with its prefix hash.
type TokenChunk struct {
	Start int      // Start position in token sequence
	End   int      // End position in token sequence
	Hash  [32]byte // rolling SHA256 of the prefix up to End
}

// Len returns the number of tokens in the chunk.
func (c TokenChunk) Len() int {
	return c.End - c.Start
}

// TokenHasher splits token sequences into fixed-size chunks and hashes them.
type TokenHasher struct {
	ChunkSize int // Chunk size (default: 256)
}

// NewTokenHasher creates a new hasher with the given chunk size.
func NewTokenHasher(chunkSize int) *TokenHasher {
	if chunkSize <= 0 {
		chunkSize = 256
	}
	return &TokenHasher{ChunkSize: chunkSize}
}

// HashChunk chains a chunk's tokens onto the hash of the preceding prefix.
func (h *TokenHasher) HashChunk(prev [32]byte, tokens []int32) [32]byte {
	buf := make([]byte, len(prev)+len(tokens)*4)
	copy(buf, prev[:])
	for i, t := range tokens {
		binary.LittleEndian.PutUint32(buf[len(prev)+i*4:], uint32(t))
	}
	return sha256.Sum256(buf)
}

// ChunkTokens divides tokens into chunks. The last chunk may be short.
func (h *TokenHasher) ChunkTokens(tokens []int32) []TokenChunk {
	var (
		chunks []TokenChunk
		prev   [32]byte
	)
	for i := 0; i < len(tokens); i += h.ChunkSize {
		end := min(i+h.ChunkSize, len(tokens))
		prev = h.HashChunk(prev, tokens[i:end])
		chunks = append(chunks, TokenChunk{
			Start: i,
			End:   end,
			Hash:  prev,
		})
	}
	return chunks
}

// KeyPrefix holds the key fields shared by every chunk of one engine.
type KeyPrefix struct {
	Format    string
	ModelName string
	WorldSize int
	WorkerID  int
}

// Key builds the key of one chunk and layer.
func (p KeyPrefix) Key(chunk TokenChunk, layer int) CacheKey {
	return CacheKey{
		Format:    p.Format,
		ModelName: p.ModelName,
		WorldSize: p.WorldSize,
		WorkerID:  p.WorkerID,
		ChunkHash: chunk.Hash,
		LayerID:   layer,
	}
}

// GenerateKeys generates cache keys for all layers and chunks, chunk-major.
func (h *TokenHasher) GenerateKeys(prefix KeyPrefix, numLayers int, tokens []int32) []CacheKey {
	chunks := h.ChunkTokens(tokens)
	keys := make([]CacheKey, 0, len(chunks)*numLayers)

	for _, chunk := range chunks {
		for layer := 0; layer < numLayers; layer++ {
			keys = append(keys, prefix.Key(chunk, layer))
		}
	}
	return keys
}

package cache

import (
	"testing"
)

var testPrefix = KeyPrefix{Format: "vllm", ModelName: "llama-7b", WorldSize: 1, WorkerID: 0}

func TestCacheKey_String(t *testing.T) {
	key := CacheKey{
		Format:    "vllm",
		ModelName: "llama-7b",
		WorldSize: 2,
		WorkerID:  1,
		ChunkHash: [32]byte{0x01, 0x02, 0x03},
		LayerID:   5,
	}

	str := key.String()
	want := "vllm@llama-7b@2@1@0102030000000000@L05"
	if str != want {
		t.Errorf("CacheKey.String() = %q, want %q", str, want)
	}
}

func TestCacheKey_WithLayer(t *testing.T) {
	key := CacheKey{ModelName: "m", LayerID: 0}
	other := key.WithLayer(3)
	if other.LayerID != 3 || key.LayerID != 0 {
		t.Errorf("WithLayer modified the wrong key: %v, %v", key, other)
	}
	if string(key.Bytes()) == string(other.Bytes()) {
		t.Error("Keys for different layers have the same bytes")
	}
}

func TestTokenHasher_HashChunk(t *testing.T) {
	hasher := NewTokenHasher(256)

	var zero [32]byte
	hash1 := hasher.HashChunk(zero, []int32{1, 2, 3, 4, 5})
	hash2 := hasher.HashChunk(zero, []int32{1, 2, 3, 4, 5})
	hash3 := hasher.HashChunk(zero, []int32{1, 2, 3, 4, 6})

	// Same tokens should produce same hash
	if hash1 != hash2 {
		t.Error("Same tokens produced different hashes")
	}

	// Different tokens should produce different hash
	if hash1 == hash3 {
		t.Error("Different tokens produced same hash")
	}

	// Same chunk after a different prefix must differ
	if hasher.HashChunk(hash3, []int32{7}) == hasher.HashChunk(hash1, []int32{7}) {
		t.Error("Prefix did not contribute to chunk hash")
	}
}

func TestTokenHasher_ChunkTokens(t *testing.T) {
	hasher := NewTokenHasher(4)

	tokens := []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	chunks := hasher.ChunkTokens(tokens)

	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	wantBounds := [][2]int{{0, 4}, {4, 8}, {8, 10}}
	for i, c := range chunks {
		if c.Start != wantBounds[i][0] || c.End != wantBounds[i][1] {
			t.Errorf("Chunk %d is [%d, %d), want %v", i, c.Start, c.End, wantBounds[i])
		}
	}

	// A shared prefix yields shared chunk hashes.
	other := hasher.ChunkTokens([]int32{1, 2, 3, 4, 5, 6, 7, 8, 42})
	if other[0].Hash != chunks[0].Hash || other[1].Hash != chunks[1].Hash {
		t.Error("Shared prefix produced different hashes")
	}
	if other[2].Hash == chunks[2].Hash {
		t.Error("Diverging suffix produced the same hash")
	}
}

func TestTokenHasher_GenerateKeys(t *testing.T) {
	hasher := NewTokenHasher(256)

	// Use exactly 256 tokens for 1 chunk
	tokens := make([]int32, 256)
	for i := range tokens {
		tokens[i] = int32(i)
	}

	keys := hasher.GenerateKeys(testPrefix, 32, tokens)

	// With 1 chunk and 32 layers: 1 * 32 = 32 keys
	if len(keys) != 32 {
		t.Errorf("Expected 32 keys, got %d", len(keys))
	}

	// All keys should have same chunk hash (same chunk)
	firstHash := keys[0].ChunkHash
	for i, key := range keys {
		if key.ModelName != "llama-7b" {
			t.Errorf("Key %d has wrong ModelName: %s", i, key.ModelName)
		}
		if key.LayerID != i {
			t.Errorf("Key %d has wrong LayerID: %d", i, key.LayerID)
		}
		if key.ChunkHash != firstHash {
			t.Errorf("Key %d has different ChunkHash", i)
		}
	}
}

func TestTokenHasher_GenerateKeys_MultipleChunks(t *testing.T) {
	hasher := NewTokenHasher(256)

	// Use 512 tokens for 2 chunks
	tokens := make([]int32, 512)
	for i := range tokens {
		tokens[i] = int32(i)
	}

	keys := hasher.GenerateKeys(testPrefix, 32, tokens)

	// With 2 chunks and 32 layers: 2 * 32 = 64 keys
	if len(keys) != 64 {
		t.Errorf("Expected 64 keys (2 chunks * 32 layers), got %d", len(keys))
	}

	// First 32 keys are chunk 0, next 32 are chunk 1
	if keys[0].ChunkHash == keys[32].ChunkHash {
		t.Error("Different chunks should have different hashes")
	}
}

func TestEntry_RefCounting(t *testing.T) {
	entry := NewEntry(CacheKey{ModelName: "test"}, "naive", make([]byte, 100))

	if entry.RefCount() != 0 {
		t.Errorf("New entry should have no readers, got %d", entry.RefCount())
	}

	entry.Ref()
	entry.Ref()
	if entry.RefCount() != 2 {
		t.Errorf("After two Ref(), should have 2 refs, got %d", entry.RefCount())
	}

	if n := entry.Unref(); n != 1 {
		t.Errorf("Unref() returned %d, want 1", n)
	}
	entry.Unref()
	if entry.RefCount() != 0 {
		t.Errorf("After releasing all readers, should have 0 refs, got %d", entry.RefCount())
	}
}

func TestEntry_Pinning(t *testing.T) {
	entry := NewEntry(CacheKey{ModelName: "test"}, "naive", make([]byte, 100))

	if entry.IsPinned() {
		t.Error("New entry should not be pinned")
	}

	entry.Pin()
	if !entry.IsPinned() {
		t.Error("Entry should be pinned after Pin()")
	}

	entry.Unpin()
	if entry.IsPinned() {
		t.Error("Entry should not be pinned after Unpin()")
	}
}

// Package storage provides host-side backends for offloaded KV chunks.
package storage

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/marcobarlo/LMCache-Ascend/pkg/cache"
)

var (
	ErrNotFound      = errors.New("cache entry not found")
	ErrStorageFull   = errors.New("storage full, eviction needed")
	ErrStorageClosed = errors.New("storage closed")
	ErrEntryPinned   = errors.New("cannot delete pinned entry")
	ErrEntryInUse    = errors.New("cannot delete entry with readers")
	ErrEntryTooLarge = errors.New("entry too large for storage")
)

// LocalStorage holds serialized chunks in host memory. The least recently
// used entry goes first when room is needed; pinned entries and entries with
// readers stay.
type LocalStorage struct {
	capacity int64
	logger   *slog.Logger

	mu     sync.RWMutex
	index  map[string]*list.Element // key string -> element holding *cache.Entry
	recent *list.List               // front is most recently used
	used   int64
	closed bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewLocalStorage creates a store that holds at most capacity bytes of
// entry data.
func NewLocalStorage(capacity int64, logger *slog.Logger) *LocalStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStorage{
		capacity: capacity,
		logger:   logger.With("component", "local-storage"),
		index:    make(map[string]*list.Element),
		recent:   list.New(),
	}
}

func (s *LocalStorage) Contains(ctx context.Context, key cache.CacheKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, ok := s.index[key.String()]
	return ok
}

// Get returns the entry for key with a reader reference taken. Callers Unref
// it once the data has been decoded.
func (s *LocalStorage) Get(ctx context.Context, key cache.CacheKey) (*cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}

	el, ok := s.index[key.String()]
	if !ok {
		s.misses.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	s.recent.MoveToFront(el)

	e := el.Value.(*cache.Entry)
	e.Touch()
	e.Ref()
	s.hits.Add(1)
	return e, nil
}

// Put inserts entry or replaces the entry under the same key. Readers of a
// replaced entry keep their copy.
func (s *LocalStorage) Put(ctx context.Context, entry *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}

	size := int64(entry.Size())
	if size > s.capacity {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrEntryTooLarge, size, s.capacity)
	}

	k := entry.Key.String()
	if el, ok := s.index[k]; ok {
		s.used += size - int64(el.Value.(*cache.Entry).Size())
		el.Value = entry
		s.recent.MoveToFront(el)
		return nil
	}

	for s.used+size > s.capacity {
		if err := s.evictLocked(); err != nil {
			return err
		}
	}
	s.index[k] = s.recent.PushFront(entry)
	s.used += size
	return nil
}

func (s *LocalStorage) evictLocked() error {
	for el := s.recent.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*cache.Entry)
		if e.IsPinned() || e.RefCount() > 0 {
			continue
		}
		s.removeLocked(el)
		s.evictions.Add(1)
		s.logger.Debug("evicted entry", "key", e.Key.String(), "bytes", e.Size())
		return nil
	}
	return ErrStorageFull
}

func (s *LocalStorage) removeLocked(el *list.Element) {
	e := s.recent.Remove(el).(*cache.Entry)
	delete(s.index, e.Key.String())
	s.used -= int64(e.Size())
}

// Delete drops key. A missing key is not an error; pinned entries and
// entries with readers are refused.
func (s *LocalStorage) Delete(ctx context.Context, key cache.CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}

	el, ok := s.index[key.String()]
	if !ok {
		return nil
	}
	switch e := el.Value.(*cache.Entry); {
	case e.IsPinned():
		return ErrEntryPinned
	case e.RefCount() > 0:
		return ErrEntryInUse
	}
	s.removeLocked(el)
	return nil
}

func (s *LocalStorage) Stats() cache.StorageStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cache.StorageStats{
		Entries:    int64(len(s.index)),
		SizeBytes:  s.used,
		HitCount:   s.hits.Load(),
		MissCount:  s.misses.Load(),
		EvictCount: s.evictions.Load(),
	}
}

// Close drops every entry. Later calls fail with ErrStorageClosed.
func (s *LocalStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.index = nil
	s.recent = nil
	s.used = 0
	return nil
}

var _ cache.Storage = (*LocalStorage)(nil)

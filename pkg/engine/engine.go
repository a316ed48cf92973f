package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/marcobarlo/LMCache-Ascend/pkg/cache"
	"github.com/marcobarlo/LMCache-Ascend/pkg/connector"
	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
	"github.com/marcobarlo/LMCache-Ascend/pkg/memory"
	"github.com/marcobarlo/LMCache-Ascend/pkg/serde"
	"github.com/marcobarlo/LMCache-Ascend/pkg/storage"
)

var ErrEngineClosed = errors.New("engine closed")

// NewConnectorFor builds the connector selected by cfg for the model
// described by meta. staging serves device staging buffers and may be nil
// when cfg.DeviceStaging is off.
func NewConnectorFor(cfg Config, meta Metadata, staging memory.Allocator, logger *slog.Logger) (*connector.LayerwiseConnector, error) {
	ccfg := connector.Config{
		NumLayers: meta.NumLayers(),
		HiddenDim: meta.HiddenDim(),
		DType:     meta.KVDType,
		Allocator: staging,
		Logger:    logger,
	}
	if cfg.DeviceStaging {
		ccfg.Staging = connector.DefaultStagingConfig(meta.KVDType)
	}
	return connector.NewConnector(connector.SelectVariant(cfg.UseLayerwise, meta.UseMLA), ccfg)
}

// Stats aggregates the statistics of an engine's parts.
type Stats struct {
	Connector connector.Stats
	Storage   cache.StorageStats
	Host      memory.PoolStats
}

// Engine stores and retrieves KV chunks of one model on one worker. Store
// and Retrieve are serialized; the connector underneath is single-caller.
type Engine struct {
	id     uuid.UUID
	name   string
	cfg    Config
	meta   Metadata
	conn   *connector.LayerwiseConnector
	hasher *cache.TokenHasher
	prefix cache.KeyPrefix
	store  *storage.LocalStorage
	serde  *serde.Serializer
	host   *memory.PinnedAllocator
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New creates an engine. The host allocator and local storage are sized by
// cfg.MaxLocalCPUSize.
func New(name string, cfg Config, meta Metadata, conn *connector.LayerwiseConnector, logger *slog.Logger) (*Engine, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: engine %q needs a connector", connector.ErrConfig, name)
	}
	if len(meta.KVShape) != 5 {
		return nil, fmt.Errorf("%w: kv shape %v, want (layers, kv, chunk, heads, head size)", connector.ErrConfig, meta.KVShape)
	}
	if conn.NumLayers() != meta.NumLayers() {
		return nil, fmt.Errorf("%w: connector has %d layers, metadata %d", connector.ErrConfig, conn.NumLayers(), meta.NumLayers())
	}
	s, err := serde.NewSerializer(cfg.Serde)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", connector.ErrConfig, err)
	}
	host, err := memory.NewPinnedAllocator(memory.AllocatorConfig{
		MaxSize: cfg.MaxLocalCPUSize,
		Device:  device.CPU(),
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New()
	return &Engine{
		id:     id,
		name:   name,
		cfg:    cfg,
		meta:   meta,
		conn:   conn,
		hasher: cache.NewTokenHasher(cfg.ChunkSize),
		prefix: cache.KeyPrefix{
			Format:    meta.Format,
			ModelName: meta.ModelName,
			WorldSize: meta.WorldSize,
			WorkerID:  meta.WorkerID,
		},
		store:  storage.NewLocalStorage(cfg.MaxLocalCPUSize, logger),
		serde:  s,
		host:   host,
		logger: logger.With("engine", name, "id", id.String()[:8]),
	}, nil
}

// ID returns the engine instance ID.
func (e *Engine) ID() uuid.UUID { return e.id }

// Name returns the registry name.
func (e *Engine) Name() string { return e.name }

// Metadata returns the engine metadata.
func (e *Engine) Metadata() Metadata { return e.meta }

// Connector returns the engine's connector.
func (e *Engine) Connector() *connector.LayerwiseConnector { return e.conn }

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Connector: e.conn.Stats(),
		Storage:   e.store.Stats(),
		Host:      e.host.Stats(),
	}
}

// Store offloads the KV of tokens from the paged cache. params.SlotMapping
// gives the cache slot of every token. Chunks already held are skipped.
// It returns the number of tokens written.
func (e *Engine) Store(ctx context.Context, dc *device.Context, tokens []int32, params connector.TransferParams) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEngineClosed
	}

	var (
		todo   []cache.TokenChunk
		chunks []connector.Chunk
		stored int
	)
	for _, tc := range e.hasher.ChunkTokens(tokens) {
		if e.containsChunk(ctx, tc) {
			continue
		}
		todo = append(todo, tc)
		chunks = append(chunks, connector.Chunk{Start: tc.Start, End: tc.End})
		stored += tc.Len()
	}
	if len(todo) == 0 {
		return 0, nil
	}

	objs, err := e.allocateLayers(chunks)
	if err != nil {
		return 0, err
	}
	defer releaseLayers(objs)

	seq, err := e.conn.BatchedFromDevice(dc, objs, chunks, params)
	if err != nil {
		return 0, err
	}
	for {
		step, err := seq.Next()
		if err != nil {
			return 0, err
		}
		if step.Done {
			break
		}
	}

	for i, layer := range objs {
		for j, obj := range layer {
			data, err := e.serde.Serialize(obj)
			if err != nil {
				return 0, err
			}
			entry := cache.NewEntry(e.prefix.Key(todo[j], i), e.serde.Name(), data)
			if err := e.store.Put(ctx, entry); err != nil {
				return 0, err
			}
		}
	}

	e.logger.Debug("stored tokens", "tokens", stored, "chunks", len(todo), "layers", len(objs))
	return stored, nil
}

// Lookup returns the length of the longest stored prefix of tokens.
func (e *Engine) Lookup(ctx context.Context, tokens []int32) int {
	n := 0
	for _, tc := range e.hasher.ChunkTokens(tokens) {
		if !e.containsChunk(ctx, tc) {
			break
		}
		n = tc.End
	}
	return n
}

// Retrieve loads the longest stored prefix of tokens into the paged cache
// and returns its length in tokens.
func (e *Engine) Retrieve(ctx context.Context, dc *device.Context, tokens []int32, params connector.TransferParams) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEngineClosed
	}

	var (
		hits   []cache.TokenChunk
		chunks []connector.Chunk
	)
	for _, tc := range e.hasher.ChunkTokens(tokens) {
		if !e.containsChunk(ctx, tc) {
			break
		}
		hits = append(hits, tc)
		chunks = append(chunks, connector.Chunk{Start: tc.Start, End: tc.End})
	}
	if len(hits) == 0 {
		return 0, nil
	}

	// Every layer is decoded before the load sequence starts.
	held := make([][]*memory.Object, 0, e.meta.NumLayers())
	defer func() { releaseLayers(held) }()
	for i := 0; i < e.meta.NumLayers(); i++ {
		layer, err := e.decodeLayer(ctx, hits, i)
		held = append(held, layer)
		if err != nil {
			return 0, err
		}
	}

	seq := e.conn.BatchedToDevice(dc, chunks, params)
	if _, err := seq.Next(nil); err != nil {
		return 0, err
	}
	for _, layer := range held {
		if _, err := seq.Next(layer); err != nil {
			return 0, err
		}
	}
	if _, err := seq.Next(nil); err != nil {
		return 0, err
	}

	n := hits[len(hits)-1].End
	e.logger.Debug("retrieved tokens", "tokens", n, "chunks", len(hits))
	return n, nil
}

// Close drops all stored entries and the host pool.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return errors.Join(e.store.Close(), e.host.Close())
}

func (e *Engine) containsChunk(ctx context.Context, tc cache.TokenChunk) bool {
	for i := 0; i < e.meta.NumLayers(); i++ {
		if !e.store.Contains(ctx, e.prefix.Key(tc, i)) {
			return false
		}
	}
	return e.meta.NumLayers() > 0
}

// allocateLayers takes one host object per layer and chunk.
func (e *Engine) allocateLayers(chunks []connector.Chunk) ([][]*memory.Object, error) {
	objs := make([][]*memory.Object, e.meta.NumLayers())
	for i := range objs {
		for _, c := range chunks {
			obj, err := e.host.Allocate(e.conn.ObjectShape(c.Len()), e.meta.KVDType, memory.FormatKVT2D)
			if err != nil {
				releaseLayers(objs)
				return nil, err
			}
			objs[i] = append(objs[i], obj)
		}
	}
	return objs, nil
}

// decodeLayer rebuilds the objects of one layer from storage. Objects decoded
// before a failure are returned so the caller can release them.
func (e *Engine) decodeLayer(ctx context.Context, hits []cache.TokenChunk, layer int) ([]*memory.Object, error) {
	out := make([]*memory.Object, 0, len(hits))
	for _, tc := range hits {
		entry, err := e.store.Get(ctx, e.prefix.Key(tc, layer))
		if err != nil {
			return out, err
		}
		obj, err := e.serde.Deserialize(entry.Data, e.host)
		entry.Unref()
		if err != nil {
			return out, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func releaseLayers(objs [][]*memory.Object) {
	for _, layer := range objs {
		for _, obj := range layer {
			obj.RefCountDown()
		}
	}
}

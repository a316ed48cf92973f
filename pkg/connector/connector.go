package connector

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
	"github.com/marcobarlo/LMCache-Ascend/pkg/memory"
	"github.com/marcobarlo/LMCache-Ascend/pkg/paged"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

// StagingConfig controls the device-side staging hop. It is validated once
// when the connector is built.
type StagingConfig struct {
	Enabled bool
	DType   tensor.DType
	Format  memory.Format
}

// Config configures a LayerwiseConnector.
type Config struct {
	NumLayers int
	HiddenDim int // num_kv_heads * head_size
	DType     tensor.DType
	Staging   StagingConfig
	// Allocator serves staging buffers on the accelerator. Required when
	// staging is enabled.
	Allocator memory.Allocator
	Logger    *slog.Logger
}

// DefaultStagingConfig enables staging in the transfer format.
func DefaultStagingConfig(dtype tensor.DType) StagingConfig {
	return StagingConfig{Enabled: true, DType: dtype, Format: memory.FormatKVT2D}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.NumLayers < 0 {
		return fmt.Errorf("%w: %d layers", ErrConfig, c.NumLayers)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("%w: hidden dim %d", ErrConfig, c.HiddenDim)
	}
	if c.DType.Size() == 0 {
		return fmt.Errorf("%w: kv dtype %v", ErrConfig, c.DType)
	}
	if !c.Staging.Enabled {
		return nil
	}
	if c.Allocator == nil {
		return fmt.Errorf("%w: staging enabled without an allocator", ErrConfig)
	}
	if c.Staging.DType != c.DType {
		return fmt.Errorf("%w: staging dtype %v, kv dtype %v", ErrConfig, c.Staging.DType, c.DType)
	}
	if c.Staging.Format != memory.FormatKVT2D {
		return fmt.Errorf("%w: staging format %s, want %s", ErrConfig, c.Staging.Format, memory.FormatKVT2D)
	}
	return nil
}

// NewConnector builds the connector for a variant. Only the layerwise
// split-head variant is implemented by this backend.
func NewConnector(v Variant, cfg Config) (*LayerwiseConnector, error) {
	if !v.Supported() {
		return nil, fmt.Errorf("%w: %s connector", ErrUnsupported, v)
	}
	return NewLayerwiseConnector(cfg)
}

// LayerwiseConnector drives layer-by-layer transfers for one device.
// It is not safe for concurrent use; callers serialize transfers.
type LayerwiseConnector struct {
	cfg      Config
	logger   *slog.Logger
	pointers *PointerTable
	kvcaches []*tensor.Tensor

	loadCalls      atomic.Int64
	storeCalls     atomic.Int64
	layersLoaded   atomic.Int64
	layersStored   atomic.Int64
	tokensLoaded   atomic.Int64
	tokensStored   atomic.Int64
	stagingAllocs  atomic.Int64
	failedSequence atomic.Int64
}

// NewLayerwiseConnector validates cfg and creates a connector.
func NewLayerwiseConnector(cfg Config) (*LayerwiseConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LayerwiseConnector{
		cfg:      cfg,
		logger:   logger.With("component", "layerwise-connector"),
		pointers: NewPointerTable(),
	}, nil
}

// SetKVCaches registers the host engine's per-layer cache tensors.
func (c *LayerwiseConnector) SetKVCaches(caches []*tensor.Tensor) {
	c.kvcaches = append([]*tensor.Tensor(nil), caches...)
}

// NumLayers returns the configured layer count.
func (c *LayerwiseConnector) NumLayers() int {
	return c.cfg.NumLayers
}

// ObjectShape returns the [tokens, 2, hidden] shape of a memory object or
// staging buffer holding tokens tokens of one layer.
func (c *LayerwiseConnector) ObjectShape(tokens int) tensor.Shape {
	return tensor.Shape{tokens, 2, c.cfg.HiddenDim}
}

// PointerTable exposes the connector's pointer table.
func (c *LayerwiseConnector) PointerTable() *PointerTable {
	return c.pointers
}

// Stats returns connector statistics.
func (c *LayerwiseConnector) Stats() Stats {
	return Stats{
		LoadCalls:      c.loadCalls.Load(),
		StoreCalls:     c.storeCalls.Load(),
		LayersLoaded:   c.layersLoaded.Load(),
		LayersStored:   c.layersStored.Load(),
		TokensLoaded:   c.tokensLoaded.Load(),
		TokensStored:   c.tokensStored.Load(),
		StagingAllocs:  c.stagingAllocs.Load(),
		FailedSequence: c.failedSequence.Load(),
	}
}

// transfer is the state shared by one load or store call.
type transfer struct {
	conn    *LayerwiseConnector
	dc      *device.Context
	stream  *device.Stream // load or store stream
	chunks  []Chunk
	offsets []int   // position of each chunk inside the staging buffer
	mapping []int64 // caller slot mapping
	full    []int64 // chunk slices of mapping, concatenated
	sync    bool
	entry   *PointerEntry
	staging *memory.Object
}

// checkParams runs the checks that must fail before any allocation or
// stream operation.
func checkParams(dc *device.Context, params TransferParams) error {
	if params.SlotMapping == nil {
		return fmt.Errorf("%w: slot mapping is required", ErrConfig)
	}
	if params.Sync == SyncUnspecified {
		return fmt.Errorf("%w: sync mode is required", ErrConfig)
	}
	if dc == nil || dc.Primary == nil || dc.Load == nil || dc.Store == nil {
		return fmt.Errorf("%w: device context with primary, load and store streams is required", ErrConfig)
	}
	if params.SlotMapping.DType() != tensor.INT64 || len(params.SlotMapping.Shape()) != 1 {
		return fmt.Errorf("%w: slot mapping must be a 1-D int64 tensor, got %v", ErrPrecondition, params.SlotMapping)
	}
	return nil
}

// prepare validates caches and chunks and computes the concatenated slot
// mapping. It neither allocates nor touches a stream.
func (c *LayerwiseConnector) prepare(dc *device.Context, dir paged.Direction, chunks []Chunk, params TransferParams) (*transfer, error) {
	if err := checkParams(dc, params); err != nil {
		return nil, err
	}
	stream := dc.Load
	if dir == paged.FromPaged {
		stream = dc.Store
	}
	if params.KVCaches != nil {
		c.SetKVCaches(params.KVCaches)
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s stream has faulted: %w", ErrPrecondition, stream.Name(), err)
	}

	// A model without layers has nothing to address.
	var entry *PointerEntry
	if c.cfg.NumLayers > 0 {
		if len(c.kvcaches) == 0 {
			return nil, fmt.Errorf("%w: kv caches must be provided or registered beforehand", ErrConfig)
		}
		var err error
		if entry, err = c.pointers.Ensure(c.kvcaches, false); err != nil {
			return nil, err
		}
		if err := c.checkCaches(entry, dc.Device); err != nil {
			return nil, err
		}
	}

	mapping, err := params.SlotMapping.Int64s()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	full, err := ConcatSlotMapping(mapping, chunks)
	if err != nil {
		return nil, err
	}

	offsets := make([]int, len(chunks))
	pos := 0
	for i, ch := range chunks {
		offsets[i] = pos
		pos += ch.Len()
	}

	return &transfer{
		conn:    c,
		dc:      dc,
		stream:  stream,
		chunks:  append([]Chunk(nil), chunks...),
		offsets: offsets,
		mapping: mapping,
		full:    full,
		sync:    params.Sync == SyncBlocking,
		entry:   entry,
	}, nil
}

// checkCaches verifies that the registered caches match the connector's
// geometry and live on the context's device.
func (c *LayerwiseConnector) checkCaches(e *PointerEntry, dev device.Device) error {
	if e.NumLayers() != c.cfg.NumLayers {
		return fmt.Errorf("%w: %d cache layers, connector has %d", ErrPrecondition, e.NumLayers(), c.cfg.NumLayers)
	}
	for i := 0; i < e.NumLayers(); i++ {
		l := e.Layer(i)
		if l.Device() != dev {
			return fmt.Errorf("%w: layer %d cache on %v, streams on %v", ErrPrecondition, i, l.Device(), dev)
		}
		if l.DType() != c.cfg.DType {
			return fmt.Errorf("%w: layer %d cache dtype %v, want %v", ErrPrecondition, i, l.DType(), c.cfg.DType)
		}
		s := l.Shape()
		if len(s) != 5 || s.Dim(-2)*s.Dim(-1) != c.cfg.HiddenDim {
			return fmt.Errorf("%w: layer %d cache shape %v for hidden dim %d", ErrPrecondition, i, s, c.cfg.HiddenDim)
		}
	}
	return nil
}

// checkObjects verifies one layer's memory objects against the chunks.
func (t *transfer) checkObjects(layer int, objs []*memory.Object) error {
	if len(objs) != len(t.chunks) {
		return fmt.Errorf("%w: layer %d has %d memory objects for %d chunks", ErrPrecondition, layer, len(objs), len(t.chunks))
	}
	for j, obj := range objs {
		if obj == nil {
			return fmt.Errorf("%w: layer %d chunk %d memory object is nil", ErrPrecondition, layer, j)
		}
		if obj.Format() != memory.FormatKVT2D {
			return fmt.Errorf("%w: layer %d chunk %d format %s, want %s", ErrPrecondition, layer, j, obj.Format(), memory.FormatKVT2D)
		}
		want := t.conn.ObjectShape(t.chunks[j].Len())
		if !obj.Tensor().Shape().Equal(want) || obj.Tensor().DType() != t.conn.cfg.DType {
			return fmt.Errorf("%w: layer %d chunk %d tensor %v, want %v %v", ErrPrecondition, layer, j, obj.Tensor(), want, t.conn.cfg.DType)
		}
	}
	return nil
}

// allocateStaging takes the call's single staging buffer.
func (t *transfer) allocateStaging() error {
	cfg := t.conn.cfg
	if !cfg.Staging.Enabled {
		return nil
	}
	obj, err := cfg.Allocator.Allocate(t.conn.ObjectShape(len(t.full)), cfg.Staging.DType, cfg.Staging.Format)
	if err != nil {
		return fmt.Errorf("%w: %d tokens: %w", ErrAllocation, len(t.full), err)
	}
	t.staging = obj
	t.conn.stagingAllocs.Add(1)
	return nil
}

// stagingSlice returns the rows of the staging buffer that hold chunk j.
func (t *transfer) stagingSlice(j int) (*tensor.Tensor, error) {
	off := t.offsets[j]
	return t.staging.Tensor().Narrow(off, off+t.chunks[j].Len())
}

// drain waits for the transfer stream and recycles the staging buffer. The
// block may be handed to another call as soon as it is released, so the
// stream must be idle first.
func (t *transfer) drain() error {
	err := t.stream.Synchronize()
	if t.staging != nil {
		t.staging.RefCountDown()
		t.staging = nil
	}
	return err
}

// fail aborts the transfer after an error.
func (t *transfer) fail(err error) error {
	if t != nil {
		t.drain()
		t.conn.failedSequence.Add(1)
		t.conn.logger.Warn("transfer aborted", "stream", t.stream, "error", err)
	}
	return err
}

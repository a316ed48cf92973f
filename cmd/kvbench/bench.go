package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/marcobarlo/LMCache-Ascend/pkg/config"
	"github.com/marcobarlo/LMCache-Ascend/pkg/connector"
	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
	"github.com/marcobarlo/LMCache-Ascend/pkg/engine"
	"github.com/marcobarlo/LMCache-Ascend/pkg/memory"
	"github.com/marcobarlo/LMCache-Ascend/pkg/paged"
	"github.com/marcobarlo/LMCache-Ascend/pkg/serde"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

type benchOptions struct {
	Config     *config.Config
	Logger     *slog.Logger
	Layers     int
	Geometry   paged.Geometry
	DType      tensor.DType
	Tokens     int // 0 means every slot
	Iterations int
	Seed       int64
	Async      bool
}

// iterationResult is one row of the report.
type iterationResult struct {
	Iteration    int     `json:"iteration"`
	Tokens       int     `json:"tokens"`
	StoreMs      float64 `json:"store_ms"`
	RetrieveMs   float64 `json:"retrieve_ms"`
	StoreGBps    float64 `json:"store_gb_per_s"`
	RetrieveGBps float64 `json:"retrieve_gb_per_s"`
	Verified     bool    `json:"verified"`
}

type benchReport struct {
	Serde            string            `json:"serde"`
	Staging          bool              `json:"staging"`
	Sync             string            `json:"sync"`
	Entries          int64             `json:"entries"`
	RawBytes         int64             `json:"raw_bytes"`
	StoredBytes      int64             `json:"stored_bytes"`
	CompressionRatio float32           `json:"compression_ratio"`
	StagingAllocs    int64             `json:"staging_allocs"`
	Iterations       []iterationResult `json:"iterations"`
}

// runBench stores and retrieves a fresh token range per iteration and checks
// that the retrieved slots match what was stored.
func runBench(ctx context.Context, opts benchOptions) (*benchReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := opts.Geometry.Validate(); err != nil {
		return nil, err
	}
	tokens := opts.Tokens
	if tokens <= 0 {
		tokens = opts.Geometry.NumSlots()
	}
	if tokens > opts.Geometry.NumSlots() {
		return nil, fmt.Errorf("%d tokens do not fit in %d cache slots", tokens, opts.Geometry.NumSlots())
	}

	acc := device.NewAccelerator(0, opts.Logger)
	defer acc.Close()
	dc, err := acc.NewContext()
	if err != nil {
		return nil, err
	}

	kv, err := paged.NewCache(acc.Device(), paged.LayoutSplit, opts.Layers, opts.Geometry, opts.DType)
	if err != nil {
		return nil, err
	}
	stagingBytes := int64(tokens * 2 * opts.Geometry.Hidden() * opts.DType.Size())
	staging, err := memory.NewPinnedAllocator(memory.AllocatorConfig{MaxSize: stagingBytes, Device: acc.Device()})
	if err != nil {
		return nil, err
	}
	defer staging.Close()

	model := engine.ModelConfig{
		Name:       "kvbench",
		NumLayers:  opts.Layers,
		NumKVHeads: opts.Geometry.NumHeads,
		HeadSize:   opts.Geometry.HeadSize,
		DType:      opts.DType,
	}
	reg := engine.NewRegistry(opts.Logger)
	eng, err := reg.Init("kvbench", engine.ConfigFrom(opts.Config), model, engine.ParallelConfig{WorldSize: 1}, staging)
	if err != nil {
		return nil, err
	}
	defer reg.Destroy("kvbench")

	sync := connector.SyncBlocking
	if opts.Async {
		sync = connector.SyncAsync
	}

	r := rand.New(rand.NewSource(opts.Seed))
	layerBytes := float64(tokens * 2 * opts.Geometry.Hidden() * opts.DType.Size())
	totalBytes := layerBytes * float64(opts.Layers)

	report := &benchReport{
		Serde:   opts.Config.RemoteSerde,
		Staging: opts.Config.DeviceStaging,
		Sync:    sync.String(),
	}
	for it := 0; it < opts.Iterations; it++ {
		for _, l := range kv.Layers {
			r.Read(l.Bytes())
		}
		ids := make([]int32, tokens)
		for i := range ids {
			ids[i] = int32(it*tokens + i)
		}
		slots := make([]int64, tokens)
		for i, p := range r.Perm(opts.Geometry.NumSlots())[:tokens] {
			slots[i] = int64(p)
		}
		params := connector.TransferParams{
			SlotMapping: tensor.FromInt64s(acc.Device(), slots),
			Sync:        sync,
			KVCaches:    kv.Layers,
		}

		want, err := gather(kv, slots)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		if _, err := eng.Store(ctx, dc, ids, params); err != nil {
			return nil, fmt.Errorf("iteration %d store: %w", it, err)
		}
		storeDur := time.Since(start)

		kv.Zero()

		start = time.Now()
		n, err := eng.Retrieve(ctx, dc, ids, params)
		if err != nil {
			return nil, fmt.Errorf("iteration %d retrieve: %w", it, err)
		}
		retrieveDur := time.Since(start)

		got, err := gather(kv, slots)
		if err != nil {
			return nil, err
		}

		res := iterationResult{
			Iteration:    it,
			Tokens:       n,
			StoreMs:      float64(storeDur.Microseconds()) / 1000,
			RetrieveMs:   float64(retrieveDur.Microseconds()) / 1000,
			StoreGBps:    gbps(totalBytes, storeDur),
			RetrieveGBps: gbps(totalBytes, retrieveDur),
			Verified:     n == tokens && bytes.Equal(want, got),
		}
		opts.Logger.Info("round trip", "iteration", it, "tokens", n, "verified", res.Verified,
			"store", storeDur, "retrieve", retrieveDur)
		report.Iterations = append(report.Iterations, res)
	}

	stats := eng.Stats()
	report.Entries = stats.Storage.Entries
	report.StoredBytes = stats.Storage.SizeBytes
	report.RawBytes = int64(totalBytes) * int64(opts.Iterations)
	report.CompressionRatio = serde.CompressionRatio(int(report.RawBytes), int(report.StoredBytes))
	report.StagingAllocs = stats.Connector.StagingAllocs
	return report, nil
}

// gather copies the rows of every layer at slots into one host buffer.
func gather(kv *paged.Cache, slots []int64) ([]byte, error) {
	var out []byte
	for _, l := range kv.Layers {
		buf, err := tensor.New(device.CPU(), tensor.Shape{len(slots), 2, kv.Geometry.Hidden()}, kv.DType)
		if err != nil {
			return nil, err
		}
		if err := paged.TransferLayer(buf, l, slots, paged.FromPaged); err != nil {
			return nil, err
		}
		out = append(out, buf.Bytes()...)
	}
	return out, nil
}

func gbps(n float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return n / d.Seconds() / 1e9
}

// Package engine ties the layerwise connector to host storage: token
// chunking, keys, serialization and the process-wide engine registry.
package engine

import (
	"fmt"

	"github.com/marcobarlo/LMCache-Ascend/pkg/config"
	"github.com/marcobarlo/LMCache-Ascend/pkg/connector"
	"github.com/marcobarlo/LMCache-Ascend/pkg/serde"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

// Config is the engine configuration after file and env resolution.
type Config struct {
	ChunkSize       int
	LocalCPU        bool
	MaxLocalCPUSize int64 // bytes
	UseLayerwise    bool
	EnableBlending  bool
	Serde           string
	DeviceStaging   bool
	EnableNixl      bool
	GDSPath         string
	WekaPath        string
}

// ConfigFrom converts a loaded config file.
func ConfigFrom(c *config.Config) Config {
	return Config{
		ChunkSize:       c.ChunkSize,
		LocalCPU:        c.LocalCPU,
		MaxLocalCPUSize: c.LocalCPUBytes(),
		UseLayerwise:    c.UseLayerwise,
		EnableBlending:  c.EnableBlending,
		Serde:           c.RemoteSerde,
		DeviceStaging:   c.DeviceStaging,
		EnableNixl:      c.EnableNixl,
		GDSPath:         c.GDSPath,
		WekaPath:        c.WekaPath,
	}
}

// Validate rejects configurations this backend cannot serve for model.
func (c Config) Validate(model ModelConfig) error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d", connector.ErrConfig, c.ChunkSize)
	}
	if c.EnableNixl {
		return fmt.Errorf("%w: nixl transfer", connector.ErrUnsupported)
	}
	if c.GDSPath != "" || c.WekaPath != "" {
		return fmt.Errorf("%w: direct storage", connector.ErrUnsupported)
	}
	if !c.LocalCPU || c.MaxLocalCPUSize <= 0 {
		return fmt.Errorf("%w: local cpu storage is the only backend and needs a size", connector.ErrConfig)
	}
	if _, err := serde.NewCodec(c.Serde); err != nil {
		return fmt.Errorf("%w: %w", connector.ErrConfig, err)
	}
	if model.UseMLA && c.Serde != "naive" && c.Serde != "" {
		return fmt.Errorf("%w: MLA only works with naive serde, got %q", connector.ErrConfig, c.Serde)
	}
	if model.UseMLA && c.UseLayerwise {
		return fmt.Errorf("%w: layerwise MLA connector", connector.ErrUnsupported)
	}
	if c.EnableBlending {
		return fmt.Errorf("%w: blending", connector.ErrUnsupported)
	}
	return nil
}

// ModelConfig describes the served model as seen by one worker.
type ModelConfig struct {
	Name       string
	NumLayers  int
	NumKVHeads int
	HeadSize   int
	DType      tensor.DType
	UseMLA     bool
}

// Validate checks the model geometry.
func (m ModelConfig) Validate() error {
	if m.NumLayers < 0 || m.NumKVHeads <= 0 || m.HeadSize <= 0 {
		return fmt.Errorf("%w: model %q with %d layers, %d kv heads, head size %d",
			connector.ErrConfig, m.Name, m.NumLayers, m.NumKVHeads, m.HeadSize)
	}
	if m.DType.Size() == 0 {
		return fmt.Errorf("%w: model %q kv dtype %v", connector.ErrConfig, m.Name, m.DType)
	}
	return nil
}

// HiddenDim is the width of one token's key or value row.
func (m ModelConfig) HiddenDim() int {
	return m.NumKVHeads * m.HeadSize
}

// ParallelConfig places the worker in its tensor-parallel group.
type ParallelConfig struct {
	Rank      int
	WorldSize int
}

// Metadata identifies the KV data an engine produces.
type Metadata struct {
	ModelName string
	WorldSize int
	WorkerID  int
	Format    string
	KVDType   tensor.DType
	KVShape   tensor.Shape // (layers, 1 or 2, chunk size, kv heads, head size)
	UseMLA    bool
}

// NewMetadata derives engine metadata from the host configs.
func NewMetadata(model ModelConfig, parallel ParallelConfig, chunkSize int) Metadata {
	kv := 2
	if model.UseMLA {
		kv = 1
	}
	return Metadata{
		ModelName: model.Name,
		WorldSize: parallel.WorldSize,
		WorkerID:  parallel.Rank,
		Format:    "vllm",
		KVDType:   model.DType,
		KVShape:   tensor.Shape{model.NumLayers, kv, chunkSize, model.NumKVHeads, model.HeadSize},
		UseMLA:    model.UseMLA,
	}
}

// NumLayers returns the layer count from the KV shape.
func (m Metadata) NumLayers() int {
	return m.KVShape[0]
}

// HiddenDim returns kv heads times head size.
func (m Metadata) HiddenDim() int {
	return m.KVShape[3] * m.KVShape[4]
}

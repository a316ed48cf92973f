package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/marcobarlo/LMCache-Ascend/pkg/connector"
	"github.com/marcobarlo/LMCache-Ascend/pkg/memory"
)

// Registry holds the engines of a process by name.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engines: make(map[string]*Engine),
		logger:  logger,
	}
}

// GetOrCreate returns the engine registered under name, creating it when
// absent. A second call with the same name returns the existing engine and
// ignores its arguments.
func (r *Registry) GetOrCreate(name string, cfg Config, meta Metadata, conn *connector.LayerwiseConnector) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[name]; ok {
		r.logger.Info("engine already exists, returning it", "engine", name, "id", e.ID())
		return e, nil
	}

	e, err := New(name, cfg, meta, conn, r.logger)
	if err != nil {
		return nil, err
	}
	r.engines[name] = e
	r.logger.Info("created engine", "engine", name, "id", e.ID(),
		"model", meta.ModelName, "kv_shape", meta.KVShape, "use_mla", meta.UseMLA)
	return e, nil
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[name]
	return e, ok
}

// Destroy closes and unregisters name. Destroying an unknown name is a no-op.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	e, ok := r.engines[name]
	delete(r.engines, name)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.logger.Info("destroying engine", "engine", name, "id", e.ID())
	return e.Close()
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Init validates the host configs and registers an engine under name with a
// connector built for them. It returns the existing engine when name is
// already registered.
func (r *Registry) Init(name string, cfg Config, model ModelConfig, parallel ParallelConfig, staging memory.Allocator) (*Engine, error) {
	if e, ok := r.Get(name); ok {
		return e, nil
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(model); err != nil {
		return nil, err
	}

	meta := NewMetadata(model, parallel, cfg.ChunkSize)
	r.logger.Info("initializing engine", "engine", name, "use_mla", meta.UseMLA, "kv_shape", meta.KVShape)

	conn, err := NewConnectorFor(cfg, meta, staging, r.logger)
	if err != nil {
		return nil, fmt.Errorf("engine %q: %w", name, err)
	}
	return r.GetOrCreate(name, cfg, meta, conn)
}

// Package config loads the offload engine configuration from a YAML file and
// KVOFFLOAD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

// Config mirrors the engine configuration file.
type Config struct {
	ChunkSize       int     `yaml:"chunk_size"`
	LocalCPU        bool    `yaml:"local_cpu"`
	MaxLocalCPUSize float64 `yaml:"max_local_cpu_size"` // GB
	UseLayerwise    bool    `yaml:"use_layerwise"`
	EnableBlending  bool    `yaml:"enable_blending"`
	RemoteSerde     string  `yaml:"remote_serde"`
	DeviceStaging   bool    `yaml:"device_staging"`
	EnableNixl      bool    `yaml:"enable_nixl"`
	GDSPath         string  `yaml:"gds_path"`
	WekaPath        string  `yaml:"weka_path"`
	LogLevel        string  `yaml:"log_level"`
}

// EnvVar describes one environment override.
type EnvVar struct {
	Name        string
	Description string
}

var envVars = []EnvVar{
	{"KVOFFLOAD_CONFIG_FILE", "Path of the YAML config file"},
	{"KVOFFLOAD_CHUNK_SIZE", "Tokens per chunk (default 256)"},
	{"KVOFFLOAD_USE_LAYERWISE", "Transfer layer by layer (default true)"},
	{"KVOFFLOAD_LOCAL_CPU_SIZE_GB", "Host storage capacity in GB (default 5)"},
	{"KVOFFLOAD_SERDE", "Codec for stored chunks: naive or lz4"},
	{"KVOFFLOAD_DEVICE_STAGING", "Stage transfers through a device buffer (default true)"},
	{"KVOFFLOAD_LOG_LEVEL", "trace, debug, info, warn or error"},
}

// EnvVars lists the recognized environment variables.
func EnvVars() []EnvVar {
	return envVars
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:       256,
		LocalCPU:        true,
		MaxLocalCPUSize: 5,
		UseLayerwise:    true,
		RemoteSerde:     "naive",
		DeviceStaging:   true,
		LogLevel:        "info",
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads the file named by KVOFFLOAD_CONFIG_FILE, or the defaults when
// it is unset, then applies KVOFFLOAD_* overrides.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if path := clean("KVOFFLOAD_CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LocalCPUBytes returns the host storage capacity in bytes.
func (c *Config) LocalCPUBytes() int64 {
	return int64(c.MaxLocalCPUSize * (1 << 30))
}

func (c *Config) applyEnv() error {
	if s := clean("KVOFFLOAD_CHUNK_SIZE"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%w: KVOFFLOAD_CHUNK_SIZE=%q", ErrInvalid, s)
		}
		c.ChunkSize = n
	}
	if s := clean("KVOFFLOAD_USE_LAYERWISE"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%w: KVOFFLOAD_USE_LAYERWISE=%q", ErrInvalid, s)
		}
		c.UseLayerwise = b
	}
	if s := clean("KVOFFLOAD_LOCAL_CPU_SIZE_GB"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: KVOFFLOAD_LOCAL_CPU_SIZE_GB=%q", ErrInvalid, s)
		}
		c.MaxLocalCPUSize = f
	}
	if s := clean("KVOFFLOAD_SERDE"); s != "" {
		c.RemoteSerde = s
	}
	if s := clean("KVOFFLOAD_DEVICE_STAGING"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%w: KVOFFLOAD_DEVICE_STAGING=%q", ErrInvalid, s)
		}
		c.DeviceStaging = b
	}
	if s := clean("KVOFFLOAD_LOG_LEVEL"); s != "" {
		c.LogLevel = s
	}
	return nil
}

func (c *Config) check() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size %d", ErrInvalid, c.ChunkSize)
	}
	if c.MaxLocalCPUSize < 0 {
		return fmt.Errorf("%w: max_local_cpu_size %v", ErrInvalid, c.MaxLocalCPUSize)
	}
	return nil
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

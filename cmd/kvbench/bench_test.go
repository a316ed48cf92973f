package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcobarlo/LMCache-Ascend/pkg/config"
	"github.com/marcobarlo/LMCache-Ascend/pkg/paged"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

func smallOptions() benchOptions {
	cfg := config.DefaultConfig()
	cfg.ChunkSize = 8
	cfg.MaxLocalCPUSize = 0.01
	return benchOptions{
		Config:     cfg,
		Layers:     2,
		Geometry:   paged.Geometry{NumPages: 4, PageSize: 8, NumHeads: 2, HeadSize: 4},
		DType:      tensor.FP16,
		Iterations: 2,
		Seed:       9,
	}
}

func TestRunBench(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*benchOptions)
	}{
		{"staging lz4", func(o *benchOptions) { o.Config.RemoteSerde = "lz4" }},
		{"direct naive", func(o *benchOptions) { o.Config.DeviceStaging = false }},
		{"async partial", func(o *benchOptions) { o.Async = true; o.Tokens = 20 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := smallOptions()
			tt.modify(&opts)

			report, err := runBench(context.Background(), opts)
			require.NoError(t, err)
			require.Len(t, report.Iterations, opts.Iterations)
			for _, it := range report.Iterations {
				assert.True(t, it.Verified, "iteration %d not verified", it.Iteration)
			}
			assert.Positive(t, report.StoredBytes)
		})
	}
}

func TestRunBench_TooManyTokens(t *testing.T) {
	opts := smallOptions()
	opts.Tokens = 33
	_, err := runBench(context.Background(), opts)
	assert.Error(t, err)
}

func TestCLI_RunJSON(t *testing.T) {
	t.Setenv("KVOFFLOAD_CONFIG_FILE", "")
	var out bytes.Buffer
	cmd := newCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--layers", "1", "--pages", "2", "--page-size", "4",
		"--heads", "1", "--head-size", "4", "--iterations", "1", "--chunk-size", "4", "--json"})
	require.NoError(t, cmd.Execute())

	var report benchReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Len(t, report.Iterations, 1)
	assert.True(t, report.Iterations[0].Verified)
	assert.Equal(t, 8, report.Iterations[0].Tokens)
}

func TestCLI_Env(t *testing.T) {
	t.Setenv("KVOFFLOAD_SERDE", "lz4")
	var out bytes.Buffer
	cmd := newCLI()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"env"})
	require.NoError(t, cmd.Execute())

	assert.True(t, strings.Contains(out.String(), "KVOFFLOAD_SERDE"))
	assert.True(t, strings.Contains(out.String(), "lz4"))
}

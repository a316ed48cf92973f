// Command kvbench measures store and retrieve round trips between a
// simulated paged device cache and host storage.
//
// Usage:
//
//	# Default geometry, staging on, lz4 serde
//	kvbench run
//
//	# Larger cache, no staging, JSON output
//	kvbench run --layers 32 --pages 64 --page-size 16 --no-staging --json
//
//	# Show the recognized environment variables
//	kvbench env
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/marcobarlo/LMCache-Ascend/pkg/config"
	"github.com/marcobarlo/LMCache-Ascend/pkg/logutil"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

func main() {
	if err := newCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kvbench",
		Short: "Layerwise KV offload round-trip benchmark",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Store and retrieve a token range and verify it",
		Args:  cobra.NoArgs,
		RunE:  runHandler,
	}
	runCmd.Flags().String("config", "", "YAML config file (default: $KVOFFLOAD_CONFIG_FILE)")
	runCmd.Flags().Int("layers", 4, "Number of layers")
	runCmd.Flags().Int("pages", 16, "Pages per layer")
	runCmd.Flags().Int("page-size", 16, "Tokens per page")
	runCmd.Flags().Int("heads", 8, "KV heads")
	runCmd.Flags().Int("head-size", 64, "Head size")
	runCmd.Flags().String("dtype", "bf16", "KV dtype (fp16, bf16, fp32)")
	runCmd.Flags().Int("tokens", 0, "Tokens per iteration (default: whole cache)")
	runCmd.Flags().Int("chunk-size", 0, "Tokens per chunk (default: from config)")
	runCmd.Flags().String("serde", "", "Codec for stored chunks (default: from config)")
	runCmd.Flags().Bool("no-staging", false, "Copy directly between memory objects and the paged cache")
	runCmd.Flags().Bool("async", false, "Do not order the primary stream after each layer")
	runCmd.Flags().Int("iterations", 3, "Number of round trips")
	runCmd.Flags().Int64("seed", 1, "Random seed for cache contents and slots")
	runCmd.Flags().Bool("json", false, "Print results as JSON")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "List recognized environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data [][]string
			for _, v := range config.EnvVars() {
				data = append(data, []string{v.Name, os.Getenv(v.Name), v.Description})
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, envCmd)
	return rootCmd
}

func runHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	levelName, _ := cmd.Flags().GetString("log-level")
	var (
		cfg *config.Config
		err error
	)
	if path, _ := flags.GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return err
	}
	if levelName == "" {
		levelName = cfg.LogLevel
	}
	level, err := logutil.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logger := logutil.NewLogger(cmd.ErrOrStderr(), level)
	slog.SetDefault(logger)

	opts := benchOptions{Config: cfg, Logger: logger}
	opts.Layers, _ = flags.GetInt("layers")
	opts.Geometry.NumPages, _ = flags.GetInt("pages")
	opts.Geometry.PageSize, _ = flags.GetInt("page-size")
	opts.Geometry.NumHeads, _ = flags.GetInt("heads")
	opts.Geometry.HeadSize, _ = flags.GetInt("head-size")
	opts.Tokens, _ = flags.GetInt("tokens")
	opts.Iterations, _ = flags.GetInt("iterations")
	opts.Seed, _ = flags.GetInt64("seed")
	opts.Async, _ = flags.GetBool("async")

	dtypeName, _ := flags.GetString("dtype")
	if opts.DType, err = tensor.ParseDType(dtypeName); err != nil {
		return err
	}
	if n, _ := flags.GetInt("chunk-size"); n > 0 {
		cfg.ChunkSize = n
	}
	if s, _ := flags.GetString("serde"); s != "" {
		cfg.RemoteSerde = s
	}
	if noStaging, _ := flags.GetBool("no-staging"); noStaging {
		cfg.DeviceStaging = false
	}

	report, err := runBench(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if asJSON, _ := flags.GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	var data [][]string
	for _, it := range report.Iterations {
		data = append(data, []string{
			fmt.Sprintf("%d", it.Iteration),
			fmt.Sprintf("%d", it.Tokens),
			fmt.Sprintf("%.3f", it.StoreMs),
			fmt.Sprintf("%.3f", it.RetrieveMs),
			fmt.Sprintf("%.2f", it.StoreGBps),
			fmt.Sprintf("%.2f", it.RetrieveGBps),
			fmt.Sprintf("%t", it.Verified),
		})
	}
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"ITER", "TOKENS", "STORE MS", "RETRIEVE MS", "STORE GB/S", "RETRIEVE GB/S", "VERIFIED"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "serde %s, staging %t, %d entries, %d stored bytes for %d raw bytes (%.2fx)\n",
		report.Serde, report.Staging, report.Entries, report.StoredBytes, report.RawBytes, report.CompressionRatio)
	return nil
}

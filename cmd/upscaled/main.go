// Package main provides the upscaled CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/reayungao/upscaled/pkg/config"
	"github.com/reayungao/upscaled/pkg/engine"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "upscaled",
		Short: "Tiled ONNX super-resolution engine",
		Long: `upscaled upscales images through a tiled ONNX inference pipeline,
picking the best available execution provider (DirectML, CUDA, ROCm,
OpenVINO, CoreML, or CPU) and reconciling whatever scale the loaded
model natively produces against the scale you asked for.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("upscaled v%s\n", version)
		},
	})

	rootCmd.AddCommand(newUpscaleCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newPreloadCmd())
	rootCmd.AddCommand(newModelsCmd())
	rootCmd.AddCommand(newSystemInfoCmd())
	rootCmd.AddCommand(newPreviewCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newEngine loads configuration from the environment and constructs an
// Engine, the same two-step wiring every subcommand needs.
func newEngine() (*engine.Engine, error) {
	cfg := config.LoadFromEnv()
	return engine.New(cfg)
}

// cancellableContext returns a context cancelled on SIGINT/SIGTERM, so
// an in-flight tiled pass stops cleanly instead of leaving a partially
// written output file.
func cancellableContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func addUpscaleFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "", "model filename under the models directory")
	cmd.Flags().Int("scale", 4, "target upscale factor")
	cmd.Flags().Int("batch-size", 0, "override the recommended batch size (0 uses the hint table)")
	cmd.Flags().String("format", "", "output format override (png, jpg, webp)")
	cmd.Flags().String("compression", "lossless", "webp compression mode (lossy or lossless)")
	cmd.Flags().Bool("prefer-npu", false, "prefer NPU/ANE execution providers when available")
	cmd.Flags().String("output-dir", "", "write results here instead of next to the source")
	cmd.MarkFlagRequired("model")
}

func upscaleConfigFromFlags(cmd *cobra.Command) engine.UpscaleConfig {
	model, _ := cmd.Flags().GetString("model")
	scale, _ := cmd.Flags().GetInt("scale")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	format, _ := cmd.Flags().GetString("format")
	compression, _ := cmd.Flags().GetString("compression")
	preferNPU, _ := cmd.Flags().GetBool("prefer-npu")
	outputDir, _ := cmd.Flags().GetString("output-dir")

	cfg := engine.UpscaleConfig{
		Model:       model,
		Scale:       scale,
		Format:      format,
		Compression: compression,
		PreferNPU:   &preferNPU,
	}
	if batchSize > 0 {
		cfg.BatchSize = &batchSize
	}
	if outputDir != "" {
		cfg.OutputDir = &outputDir
	}
	return cfg
}

func newUpscaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upscale <path>",
		Short: "Upscale a single image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return fmt.Errorf("starting engine: %w", err)
			}
			defer e.Close()

			ctx, cancel := cancellableContext()
			defer cancel()

			jobID := uuid.NewString()
			cfg := upscaleConfigFromFlags(cmd)

			onProgress := func(p engine.ProgressPayload) {
				fmt.Printf("\r[%s] %3.0f%%", jobID[:8], p.Progress*100)
			}
			onWarning := func(msg string) {
				fmt.Fprintf(os.Stderr, "\nwarning: %s\n", msg)
			}

			outPath, err := e.UpscaleOne(ctx, args[0], cfg, jobID, onProgress, onWarning)
			fmt.Println()
			if err != nil {
				return fmt.Errorf("upscale: %w", err)
			}
			fmt.Printf("wrote %s\n", outPath)
			return nil
		},
	}
	addUpscaleFlags(cmd)
	return cmd
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <path>...",
		Short: "Upscale every image under one or more paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return fmt.Errorf("starting engine: %w", err)
			}
			defer e.Close()

			ctx, cancel := cancellableContext()
			defer cancel()

			paths, err := engine.ScanPaths(args)
			if err != nil {
				return fmt.Errorf("scanning paths: %w", err)
			}
			if len(paths) == 0 {
				return fmt.Errorf("no supported images found under %v", args)
			}

			jobID := uuid.NewString()
			cfg := upscaleConfigFromFlags(cmd)

			onProgress := func(p engine.ProgressPayload) {
				fmt.Printf("\r[%s] %s %3.0f%%", jobID[:8], p.CurrentFile, p.Progress*100)
			}
			onWarning := func(msg string) {
				fmt.Fprintf(os.Stderr, "\nwarning: %s\n", msg)
			}

			report, err := e.UpscaleMany(ctx, paths, cfg, jobID, onProgress, onWarning)
			fmt.Println()
			if err != nil {
				return fmt.Errorf("batch upscale: %w", err)
			}

			fmt.Printf("upscaled %d of %d images\n", len(report.Successful), len(paths))
			for _, failed := range report.Failed {
				fmt.Fprintf(os.Stderr, "  failed: %s: %s\n", failed.Path, failed.Reason)
			}
			return nil
		},
	}
	addUpscaleFlags(cmd)
	return cmd
}

func newPreloadCmd() *cobra.Command {
	var preferNPU bool
	cmd := &cobra.Command{
		Use:   "preload <model.onnx>",
		Short: "Load a model into the cache ahead of time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return fmt.Errorf("starting engine: %w", err)
			}
			defer e.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			result, err := e.PreloadModel(ctx, args[0], preferNPU)
			if err != nil {
				return fmt.Errorf("preload: %w", err)
			}
			fmt.Printf("preloaded %s, native scale %dx\n", args[0], result.Scale)
			return nil
		},
	}
	cmd.Flags().BoolVar(&preferNPU, "prefer-npu", false, "prefer NPU/ANE execution providers when available")
	return cmd
}

func newModelsCmd() *cobra.Command {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect models under the configured models directory",
	}
	modelsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List discovered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return fmt.Errorf("starting engine: %w", err)
			}
			defer e.Close()

			manifests, err := e.ListModels()
			if err != nil {
				return fmt.Errorf("listing models: %w", err)
			}
			if len(manifests) == 0 {
				fmt.Println("no models found")
				return nil
			}
			for _, m := range manifests {
				fmt.Printf("%-28s %-20s %dx scale, alignment %d\n", m.Filename, m.Name, m.Scale, m.Alignment)
			}
			return nil
		},
	})
	return modelsCmd
}

func newSystemInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "system-info",
		Short: "Report accelerator hints detected for this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return fmt.Errorf("starting engine: %w", err)
			}
			defer e.Close()

			info, err := e.DetectSystemInfo(context.Background())
			if err != nil {
				return fmt.Errorf("detecting system info: %w", err)
			}
			fmt.Printf("GPU:                  %s (%s)\n", info.GPUName, info.Vendor)
			fmt.Printf("NPU:                  %v\n", info.IsNPU)
			fmt.Printf("Recommended tile size: %d\n", info.RecommendedTileSize)
			return nil
		},
	}
}

func newPreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <path>",
		Short: "Generate a downsized preview of a large source image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			preview, err := engine.GeneratePreview(args[0])
			if err != nil {
				return fmt.Errorf("preview: %w", err)
			}
			fmt.Println(preview)
			return nil
		},
	}
}

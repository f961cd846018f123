// Package config loads ambient engine settings from environment
// variables, all prefixed UPSCALED_ to avoid colliding with anything
// else in a user's shell. Configuration is loaded with LoadFromEnv()
// and checked with Validate() before use, a load-then-validate pattern
// common across this codebase's env-backed configuration.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-derived setting the engine needs.
type Config struct {
	// Runtime is ONNX Runtime session setup.
	Runtime RuntimeConfig
	// Models is where model weights and overrides live on disk.
	Models ModelsConfig
	// Output controls default encode settings for saved results.
	Output OutputConfig
	// Logging controls verbosity.
	Logging LoggingConfig
}

// RuntimeConfig configures ONNX Runtime and the accelerator cache.
type RuntimeConfig struct {
	// SharedLibraryPath overrides where the ONNX Runtime shared
	// library is loaded from; empty uses the platform default search path.
	SharedLibraryPath string
	// PreferNPU requests NPU/ANE execution providers ahead of
	// general-purpose GPU ones, where the platform has one. It applies
	// to runs whose UpscaleConfig leaves PreferNPU unset.
	PreferNPU bool
	// LowMemoryFloorMB is the free-RAM threshold below which the model
	// cache is bypassed entirely rather than holding a cached session.
	LowMemoryFloorMB uint64
	// TierTablePath optionally points at a YAML file overriding the
	// built-in tile-size/batch-size hint tiers, so an operator can
	// retune them for unusual hardware without a rebuild.
	TierTablePath string
}

// ModelsConfig locates model weights and their override store.
type ModelsConfig struct {
	// Dir is the directory ScanDirectory walks for .onnx files.
	Dir string
	// OverrideStoreDir is where the BadgerDB-backed override store
	// keeps its files; empty disables the store in favor of the plain
	// model_config.json file in Dir.
	OverrideStoreDir string
}

// OutputConfig holds default encode settings applied when a caller
// doesn't specify its own. The output container itself always follows
// the source file's extension unless the caller overrides it per run,
// so there is no format default here.
type OutputConfig struct {
	Compression string
	Dir         string
}

// LoggingConfig holds the requested log verbosity. Validate checks
// Level against debug/info/warn/error; the engine's log output is not
// filtered by it.
type LoggingConfig struct {
	Level string
}

// LoadFromEnv builds a Config from UPSCALED_* environment variables,
// falling back to sensible defaults for anything unset.
func LoadFromEnv() *Config {
	cfg := &Config{}

	cfg.Runtime.SharedLibraryPath = getEnv("UPSCALED_ORT_LIBRARY_PATH", "")
	cfg.Runtime.PreferNPU = getEnvBool("UPSCALED_PREFER_NPU", true)
	cfg.Runtime.LowMemoryFloorMB = uint64(getEnvInt("UPSCALED_LOW_MEMORY_FLOOR_MB", 2048))
	cfg.Runtime.TierTablePath = getEnv("UPSCALED_TIER_TABLE", "")

	cfg.Models.Dir = getEnv("UPSCALED_MODELS_DIR", "./models")
	cfg.Models.OverrideStoreDir = getEnv("UPSCALED_OVERRIDE_STORE_DIR", "")

	cfg.Output.Compression = getEnv("UPSCALED_OUTPUT_COMPRESSION", "lossless")
	cfg.Output.Dir = getEnv("UPSCALED_OUTPUT_DIR", "")

	cfg.Logging.Level = getEnv("UPSCALED_LOG_LEVEL", "info")

	return cfg
}

// Validate checks cfg for values that would break at runtime rather
// than fail fast here.
func (c *Config) Validate() error {
	if c.Models.Dir == "" {
		return fmt.Errorf("config: models directory must not be empty")
	}
	if c.Runtime.LowMemoryFloorMB == 0 {
		return fmt.Errorf("config: low memory floor must be positive")
	}
	switch strings.ToLower(c.Output.Compression) {
	case "lossy", "lossless":
	default:
		return fmt.Errorf("config: unknown default compression %q", c.Output.Compression)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	return nil
}

// String returns a safe, loggable summary of cfg.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{ModelsDir: %s, PreferNPU: %v, LowMemoryFloorMB: %d, Compression: %s, LogLevel: %s}",
		c.Models.Dir, c.Runtime.PreferNPU, c.Runtime.LowMemoryFloorMB, c.Output.Compression, c.Logging.Level,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}


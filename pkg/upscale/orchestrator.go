// Package upscale reconciles a loaded model's native scale against the
// caller's requested target scale and drives the tiled inference pass
// (or passes) needed to get there: a single pass on a match, a pass
// plus a downscale when the model overshoots, two passes when it
// undershoots.
package upscale

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reayungao/upscaled/pkg/accel"
	"github.com/reayungao/upscaled/pkg/hints"
	"github.com/reayungao/upscaled/pkg/imageio"
	"github.com/reayungao/upscaled/pkg/modelcache"
	"github.com/reayungao/upscaled/pkg/tensor"
	"github.com/reayungao/upscaled/pkg/tiling"
)

// Config is the per-run set of knobs a caller supplies; pointer fields
// are optional: a nil BatchSize falls back to the hint-table
// recommendation (or the model's fixed batch size), a nil PreferNPU is
// treated as false, and a nil OutputDir leaves the output location to
// the caller.
type Config struct {
	Model       string  `json:"model"`
	Scale       int     `json:"scale"`
	BatchSize   *int    `json:"batch_size,omitempty"`
	Format      string  `json:"format"`
	Compression string  `json:"compression"`
	PreferNPU   *bool   `json:"prefer_npu,omitempty"`
	OutputDir   *string `json:"output_dir,omitempty"`
}

// ErrModelIncompatible marks a model whose declared constraints cannot
// be satisfied by the tiling engine, e.g. a fixed spatial input too
// small to hold the tile padding on both sides.
var ErrModelIncompatible = errors.New("upscale: model incompatible with tiled inference")

// tilePadding is the per-edge mirror-padding overlap every tiled pass
// uses; a fixed-input model's usable tile content shrinks by twice this.
const tilePadding = 32

// Runner is the subset of accel.Session the tiled inference pipeline
// depends on. Depending on this narrow interface rather than the
// concrete type lets tests drive Process with a synthetic model and no
// ONNX Runtime present. output is a *[]float32 or *[]tensor.Half the
// implementation grows and fills, returning the output tensor's shape
// and the number of valid elements written.
type Runner interface {
	Dtype() accel.DType
	Run(shape []int64, input any, output any) (outShape []int64, validLen int, err error)
}

// LoadedModel bundles a session with the run parameters derived from
// it, resolved once by LoadModel and then shared by every tiled pass
// run through it.
type LoadedModel struct {
	Session   Runner
	Pool      *tensor.BufferPool
	Scale     int
	TileSize  int
	BatchSize int

	// Provider is the execution provider the session ended up on
	// (DirectML, CUDA, CPU, ...), surfaced so callers can report it
	// alongside progress without needing the concrete accel.Session.
	Provider string

	release func()
}

// Release drops the underlying model cache handle, if any.
func (m *LoadedModel) Release() {
	if m.release != nil {
		m.release()
	}
}

func (m *LoadedModel) session() Runner { return m.Session }

// LoadModel resolves modelPath through cache, detects its native
// scale (falling back to a filename guess if detection fails, the same
// heuristic the manifest scanner uses for display), and derives a
// tile size and batch size from mem, cfg and tierTable. pool is
// attached to the returned LoadedModel so every tiled pass run through
// it shares the same buffer pool. warn, if non-nil, is invoked exactly
// once if the model's fixed batch size forces an override of
// cfg.BatchSize.
func LoadModel(cache *modelcache.Cache, modelPath string, mem hints.DeviceMemory, cfg Config, tierTable hints.TierTable, pool *tensor.BufferPool, warn func(string)) (*LoadedModel, error) {
	preferNPU := false
	if cfg.PreferNPU != nil {
		preferNPU = *cfg.PreferNPU
	}

	handle, err := cache.GetOrLoad(modelPath, preferNPU)
	if err != nil {
		return nil, fmt.Errorf("upscale: load model: %w", err)
	}

	scale, err := cache.Scale(modelPath, handle.Session())
	if err != nil {
		scale = scaleFromFilename(modelPath)
		log.Printf("upscale: scale detection failed for %s, guessing %dx from filename: %v", modelPath, scale, err)
	}

	session := handle.Session()

	tileSize := tierTable.RecommendedTileSize(mem)
	if fixed, ok := session.FixedTileSize(); ok {
		// A fixed-input model needs room for padding within its own
		// input size, so the usable tile content shrinks accordingly.
		if fixed <= 2*tilePadding {
			handle.Release()
			return nil, fmt.Errorf("upscale: model input size %d cannot hold %dpx padding on both sides: %w", fixed, tilePadding, ErrModelIncompatible)
		}
		tileSize = fixed - 2*tilePadding
	}

	batchSize := tierTable.RecommendedBatchSize(mem)
	if cfg.BatchSize != nil {
		batchSize = *cfg.BatchSize
	}
	if batchSize < 1 {
		batchSize = 1
	}
	if batchSize > 8 {
		batchSize = 8
	}
	if static, ok := session.StaticBatchSize(); ok && static != batchSize {
		log.Printf("upscale: model %s has a fixed batch size of %d, using it instead of %d", filepath.Base(modelPath), static, batchSize)
		if warn != nil && cfg.BatchSize != nil && *cfg.BatchSize != static {
			warn(fmt.Sprintf("model %s requires batch size %d, overriding your setting of %d", filepath.Base(modelPath), static, *cfg.BatchSize))
		}
		batchSize = static
	}

	return &LoadedModel{
		Session:   session,
		Pool:      pool,
		Scale:     scale,
		TileSize:  tileSize,
		BatchSize: batchSize,
		Provider:  session.ExecutionProvider,
		release:   handle.Release,
	}, nil
}

func scaleFromFilename(path string) int {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "x2"):
		return 2
	case strings.Contains(lower, "x3"):
		return 3
	default:
		return 4
	}
}

// Process upscales src to targetScale using model, reconciling the
// model's native scale against the target three ways:
//
//   - native == target: a single tiled pass.
//   - native >  target: a single tiled pass at the model's native
//     scale, then a Catmull-Rom downscale to the target dimensions.
//   - native <  target: two tiled passes (native, then native again),
//     followed by a Catmull-Rom resize to the target dimensions when
//     native*native is not the target (e.g. 2x model, 3x target); the
//     first pass's progress is suppressed since it is not yet visible
//     user-facing progress.
func Process(ctx context.Context, model *LoadedModel, src tensor.Frame, targetScale int, progress tiling.ProgressFunc) (tensor.Frame, error) {
	throttled := throttle(progress, 100*time.Millisecond)

	switch {
	case model.Scale == targetScale:
		return runTiled(ctx, model, src, model.Scale, throttled)

	case model.Scale > targetScale:
		upscaled, err := runTiled(ctx, model, src, model.Scale, throttled)
		if err != nil {
			return tensor.Frame{}, err
		}
		targetWidth := src.Width * targetScale
		targetHeight := src.Height * targetScale
		return imageio.Resize(upscaled, targetWidth, targetHeight), nil

	default: // model.Scale < targetScale: compose two native-scale passes.
		first, err := runTiled(ctx, model, src, model.Scale, nil)
		if err != nil {
			return tensor.Frame{}, err
		}
		second, err := runTiled(ctx, model, first, model.Scale, throttled)
		if err != nil {
			return tensor.Frame{}, err
		}
		targetWidth := src.Width * targetScale
		targetHeight := src.Height * targetScale
		if second.Width == targetWidth && second.Height == targetHeight {
			return second, nil
		}
		return imageio.Resize(second, targetWidth, targetHeight), nil
	}
}

func runTiled(ctx context.Context, model *LoadedModel, src tensor.Frame, scale int, progress tiling.ProgressFunc) (tensor.Frame, error) {
	cfg := tiling.Config{TileSize: model.TileSize, Padding: tilePadding, BatchSize: model.BatchSize}
	return tiling.Process(ctx, src, cfg, scale, progress, inferenceFunc(model.session(), model.Pool))
}

// outputEstimateFactor sizes the pooled output buffer relative to the
// input batch: a 4x model expands each tile 16-fold, the largest
// expansion any supported model produces, so reserving that up front
// avoids a mid-run regrow on the common first batch.
const outputEstimateFactor = 16

// inferenceFunc marshals a tile batch into the session's expected
// element type, runs inference, and unmarshals the result back into
// frames. Input and output tensor backing storage both come from pool
// and are released before returning, so steady-state tiling reuses the
// same two allocations every batch.
func inferenceFunc(session Runner, pool *tensor.BufferPool) tiling.InferenceFunc {
	return func(tiles []tensor.Frame) ([]tensor.Frame, error) {
		if len(tiles) == 0 {
			return nil, nil
		}
		elements := len(tiles) * tiles[0].Width * tiles[0].Height * 3

		switch session.Dtype() {
		case accel.Float32:
			inBuf := pool.AcquireF32(elements)
			outBuf := pool.AcquireF32(elements * outputEstimateFactor)
			defer func() {
				pool.ReleaseF32(inBuf)
				pool.ReleaseF32(outBuf)
			}()
			shape, err := tensor.EncodeBatchF32(tiles, &inBuf)
			if err != nil {
				return nil, fmt.Errorf("upscale: encode batch: %w", err)
			}
			outShape, validLen, err := session.Run(shape.Dims(), inBuf, &outBuf)
			if err != nil {
				return nil, fmt.Errorf("upscale: inference: %w", err)
			}
			return tensor.DecodeBatchF32(outBuf[:validLen], shapeOf(outShape))

		case accel.Float16:
			inBuf := pool.AcquireF16(elements)
			outBuf := pool.AcquireF16(elements * outputEstimateFactor)
			defer func() {
				pool.ReleaseF16(inBuf)
				pool.ReleaseF16(outBuf)
			}()
			shape, err := tensor.EncodeBatchF16(tiles, &inBuf)
			if err != nil {
				return nil, fmt.Errorf("upscale: encode batch: %w", err)
			}
			outShape, validLen, err := session.Run(shape.Dims(), inBuf, &outBuf)
			if err != nil {
				return nil, fmt.Errorf("upscale: inference: %w", err)
			}
			return tensor.DecodeBatchF16(outBuf[:validLen], shapeOf(outShape))

		default:
			return nil, fmt.Errorf("upscale: unsupported model input dtype %s", session.Dtype())
		}
	}
}

func shapeOf(dims []int64) tensor.Shape {
	var s tensor.Shape
	for i := 0; i < len(dims) && i < 4; i++ {
		s[i] = int(dims[i])
	}
	return s
}

// SaveResult encodes frame per the requested format/compression and
// writes it to outputPath. Encoding goes through an in-memory buffer
// so a metadata grafting step can slot in before the single final
// write once the host supplies one.
func SaveResult(frame tensor.Frame, outputPath string, format imageio.Format, compression string) error {
	data, err := imageio.Encode(frame, format, compression)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("upscale: write %s: %w", outputPath, err)
	}
	return nil
}

// throttle wraps fn so it fires at most once per interval, plus always
// on the final call (fraction >= 1.0), keeping the UI-facing cadence
// steady. A nil fn yields a no-op, so callers can freely suppress
// progress for a pass the user should not see.
func throttle(fn tiling.ProgressFunc, interval time.Duration) tiling.ProgressFunc {
	if fn == nil {
		return nil
	}
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(fraction float64) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if fraction >= 1.0 || last.IsZero() || now.Sub(last) >= interval {
			last = now
			fn(fraction)
		}
	}
}

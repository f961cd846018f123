// Package engine is the embedding shell's entry point into the core:
// it exposes the synchronous operations a desktop host dispatches
// (preload, upscale one, upscale many, cancel, detect system info)
// plus two conveniences the host's file picker leans on (recursive
// path scanning, preview generation). Everything it does is a thin
// composition of pkg/modelcache, pkg/upscale, pkg/tiling, pkg/hints,
// pkg/imageio and pkg/models; it holds no tiled-inference logic of its
// own.
package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reayungao/upscaled/pkg/accel"
	"github.com/reayungao/upscaled/pkg/config"
	"github.com/reayungao/upscaled/pkg/hints"
	"github.com/reayungao/upscaled/pkg/imageio"
	"github.com/reayungao/upscaled/pkg/modelcache"
	"github.com/reayungao/upscaled/pkg/models"
	"github.com/reayungao/upscaled/pkg/tensor"
	"github.com/reayungao/upscaled/pkg/upscale"

	"gopkg.in/yaml.v3"
)

// UpscaleConfig is the per-run set of knobs a caller supplies to
// UpscaleOne/UpscaleMany.
type UpscaleConfig = upscale.Config

// ProgressPayload is delivered to a ProgressFunc after each throttled
// progress tick (at most once per 100ms, plus always once at
// completion).
type ProgressPayload struct {
	JobID       string  `json:"job_id"`
	Progress    float64 `json:"progress"`
	Phase       string  `json:"phase"`
	Provider    string  `json:"provider"`
	CurrentFile string  `json:"current_file,omitempty"`
}

// ProgressFunc receives progress updates for one job.
type ProgressFunc func(ProgressPayload)

// WarningFunc receives a single human-readable warning string, e.g.
// the fixed-batch-size override notice.
type WarningFunc func(string)

// onceWarning wraps fn so it fires at most once for the lifetime of a
// job. A batch job resolves the model once per image through the cache,
// and the fixed-batch override notice would otherwise repeat for every
// image in the batch.
func onceWarning(fn WarningFunc) WarningFunc {
	if fn == nil {
		return nil
	}
	var once sync.Once
	return func(msg string) {
		once.Do(func() { fn(msg) })
	}
}

// PreloadResult is returned by PreloadModel.
type PreloadResult struct {
	Scale int `json:"scale"`
}

// FailedItem records one path's failure reason inside a BatchReport.
type FailedItem struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// BatchReport is returned by UpscaleMany.
type BatchReport struct {
	Successful []string     `json:"successful"`
	Failed     []FailedItem `json:"failed"`
}

// SystemInfo is returned by DetectSystemInfo. Detailed hardware
// inventory (true GPU name, precise VRAM totals) belongs to the host's
// own detection layer — this reports what can be determined without a
// vendor-specific inventory library, leaning on pkg/hints for the one
// figure the engine actually consumes.
type SystemInfo struct {
	GPUName             string `json:"gpu_name"`
	VRAMTotalMB         uint64 `json:"vram_total_mb"`
	VRAMUsedMB          uint64 `json:"vram_used_mb"`
	Vendor              string `json:"vendor"`
	IsNPU               bool   `json:"is_npu"`
	RecommendedTileSize int    `json:"recommended_tile_size"`
}

// Engine is the top-level, process-wide object a shell constructs
// once. It owns the single-slot model cache, the shared tensor buffer
// pool, and the table of in-flight jobs.
type Engine struct {
	cfg       *config.Config
	cache     *modelcache.Cache
	pool      *tensor.BufferPool
	tierTable hints.TierTable
	store     *models.Store // optional, set when cfg.Models.OverrideStoreDir != ""

	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
}

// New constructs an Engine from cfg. It does not eagerly load any
// model; the first PreloadModel/UpscaleOne/UpscaleMany call does that.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	tierTable := hints.DefaultTierTable()
	if cfg.Runtime.TierTablePath != "" {
		loaded, err := loadTierTable(cfg.Runtime.TierTablePath)
		if err != nil {
			return nil, fmt.Errorf("engine: load tier table: %w", err)
		}
		tierTable = loaded
	}

	e := &Engine{
		cfg:       cfg,
		pool:      tensor.NewBufferPool(),
		tierTable: tierTable,
		jobs:      make(map[string]context.CancelFunc),
	}
	e.cache = modelcache.New(e.loadSession, e.detectScale)
	e.cache.SetLowMemoryFloorMB(cfg.Runtime.LowMemoryFloorMB)

	if cfg.Models.OverrideStoreDir != "" {
		store, err := models.OpenStore(cfg.Models.OverrideStoreDir)
		if err != nil {
			return nil, fmt.Errorf("engine: open override store: %w", err)
		}
		e.store = store
	}

	return e, nil
}

// Close releases process-wide resources (the override store, if one
// was configured). It does not unload the cached session: the cache
// slot keeps its own reference, and a session is destroyed only after
// it has left the slot and every in-flight handle has been released.
func (e *Engine) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

func loadTierTable(path string) (hints.TierTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return hints.TierTable{}, err
	}
	var t hints.TierTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return hints.TierTable{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

func (e *Engine) loadSession(modelPath string, preferNPU bool) (*accel.Session, error) {
	return accel.Load(modelPath, e.cfg.Runtime.SharedLibraryPath, preferNPU)
}

func (e *Engine) detectScale(session *accel.Session) (int, error) {
	return session.DetectScale()
}

func (e *Engine) modelPath(filename string) string {
	return filepath.Join(e.cfg.Models.Dir, filename)
}

// registerJob allocates a cancellable context for jobID and records it
// so a concurrent Cancel(jobID) can reach it. The returned cleanup
// func must be deferred by the caller to deregister the job once it
// completes; a job exists exactly as long as its operation is on the
// stack.
func (e *Engine) registerJob(ctx context.Context, jobID string) (context.Context, func()) {
	jobCtx, cancel := context.WithCancel(ctx)
	e.jobsMu.Lock()
	e.jobs[jobID] = cancel
	e.jobsMu.Unlock()

	return jobCtx, func() {
		e.jobsMu.Lock()
		delete(e.jobs, jobID)
		e.jobsMu.Unlock()
		cancel()
	}
}

// Cancel requests that jobID's in-flight work stop as soon as it next
// polls its cancellation context (before the next tile enqueue, the
// next batch, or between images in a batch job). Cancelling an
// unknown or already-finished job is a no-op.
func (e *Engine) Cancel(jobID string) {
	e.jobsMu.Lock()
	cancel, ok := e.jobs[jobID]
	e.jobsMu.Unlock()
	if ok {
		cancel()
	}
}

// PreloadModel resolves filename under the configured models
// directory, loads it (or reuses the cached session), detects its
// native scale, and releases its own reference — leaving the model
// resident in the single-slot cache for the next job to pick up
// without reloading.
func (e *Engine) PreloadModel(ctx context.Context, filename string, preferNPU bool) (PreloadResult, error) {
	path := e.modelPath(filename)
	if _, err := os.Stat(path); err != nil {
		return PreloadResult{}, newErr(ModelMissing, fmt.Sprintf("model %s not found", filename), err)
	}

	handle, err := e.cache.GetOrLoad(path, preferNPU)
	if err != nil {
		return PreloadResult{}, toEngineError("load model", err)
	}
	defer handle.Release()

	scale, err := e.cache.Scale(path, handle.Session())
	if err != nil {
		return PreloadResult{}, toEngineError("detect scale", err)
	}

	log.Printf("engine: preloaded %s via %s, scale %dx", filename, handle.Session().ExecutionProvider, scale)
	return PreloadResult{Scale: scale}, nil
}

// UpscaleOne upscales the image at sourcePath per cfg and writes the
// result next to it (or under cfg.OutputDir), returning the written
// path.
func (e *Engine) UpscaleOne(ctx context.Context, sourcePath string, cfg UpscaleConfig, jobID string, onProgress ProgressFunc, onWarning WarningFunc) (string, error) {
	jobCtx, done := e.registerJob(ctx, jobID)
	defer done()

	return e.processOne(jobCtx, sourcePath, cfg, jobID, onProgress, onceWarning(onWarning))
}

// UpscaleMany upscales every path in paths under one job. The model is
// loaded once via the single-slot cache and stays resident for every
// path. Each image's tiled inference runs synchronously (it is the one
// serialized, accelerator-bound step) but its encode+write is handed
// to a background goroutine immediately afterward, so inference for
// image N+1 starts while image N is still being encoded and written to
// disk; every dispatched save is waited on before the batch report is
// returned. A single image's failure is recorded in the report's
// Failed list rather than aborting the batch; a cancellation aborts
// the whole batch and returns whatever succeeded before the
// cancellation was observed.
func (e *Engine) UpscaleMany(ctx context.Context, paths []string, cfg UpscaleConfig, jobID string, onProgress ProgressFunc, onWarning WarningFunc) (BatchReport, error) {
	jobCtx, done := e.registerJob(ctx, jobID)
	defer done()

	var (
		report   BatchReport
		reportMu sync.Mutex
		saveWG   sync.WaitGroup
	)
	onWarning = onceWarning(onWarning)

	for _, path := range paths {
		if jobCtx.Err() != nil {
			break
		}

		out, err := e.inferOne(jobCtx, path, cfg, jobID, onProgress, onWarning)
		if err != nil {
			if IsCancelled(err) {
				break
			}
			reportMu.Lock()
			report.Failed = append(report.Failed, FailedItem{Path: path, Reason: err.Error()})
			reportMu.Unlock()
			continue
		}

		saveWG.Add(1)
		go func(path string, out tensor.Frame) {
			defer saveWG.Done()
			outPath, err := e.saveResult(path, out, cfg)
			reportMu.Lock()
			defer reportMu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, FailedItem{Path: path, Reason: err.Error()})
				return
			}
			report.Successful = append(report.Successful, outPath)
		}(path, out)
	}

	saveWG.Wait()
	return report, nil
}

// processOne is the shared body of UpscaleOne and a non-pipelined
// single-image upscale: load_model, process_with_session, save_result.
func (e *Engine) processOne(ctx context.Context, sourcePath string, cfg UpscaleConfig, jobID string, onProgress ProgressFunc, onWarning WarningFunc) (string, error) {
	out, err := e.inferOne(ctx, sourcePath, cfg, jobID, onProgress, onWarning)
	if err != nil {
		return "", err
	}
	return e.saveResult(sourcePath, out, cfg)
}

// inferOne runs load_model and process_with_session for one source
// image, returning the upscaled frame without encoding or writing it,
// so UpscaleMany can pipeline the encode+write step separately from
// the next image's inference.
func (e *Engine) inferOne(ctx context.Context, sourcePath string, cfg UpscaleConfig, jobID string, onProgress ProgressFunc, onWarning WarningFunc) (tensor.Frame, error) {
	if !imageio.IsSupported(sourcePath) {
		return tensor.Frame{}, newErr(ImageDecode, fmt.Sprintf("unsupported input format: %s", sourcePath), nil)
	}

	if cfg.PreferNPU == nil {
		preferNPU := e.cfg.Runtime.PreferNPU
		cfg.PreferNPU = &preferNPU
	}

	modelPath := e.modelPath(cfg.Model)
	mem := hints.DeviceMemory{} // accelerator memory detection is out of scope; default tier applies.

	model, err := upscale.LoadModel(e.cache, modelPath, mem, cfg, e.tierTable, e.pool, onWarning)
	if err != nil {
		return tensor.Frame{}, toEngineError("load model", err)
	}
	defer model.Release()

	src, err := imageio.Load(sourcePath)
	if err != nil {
		return tensor.Frame{}, newErr(ImageDecode, fmt.Sprintf("decode %s", sourcePath), err)
	}

	progress := func(fraction float64) {
		if onProgress == nil {
			return
		}
		onProgress(ProgressPayload{
			JobID:       jobID,
			Progress:    fraction,
			Phase:       "processing",
			Provider:    model.Provider,
			CurrentFile: sourcePath,
		})
	}

	out, err := upscale.Process(ctx, model, src, cfg.Scale, progress)
	if err != nil {
		if ctx.Err() != nil {
			return tensor.Frame{}, newErr(Cancelled, "job cancelled", ctx.Err())
		}
		return tensor.Frame{}, toEngineError("tiled inference", err)
	}

	if onProgress != nil {
		onProgress(ProgressPayload{JobID: jobID, Progress: 1.0, Phase: "processing", Provider: model.Provider, CurrentFile: sourcePath})
	}
	return out, nil
}

// saveResult resolves sourcePath's output path per cfg and encodes and
// writes frame to it, returning the written path.
func (e *Engine) saveResult(sourcePath string, frame tensor.Frame, cfg UpscaleConfig) (string, error) {
	outputPath, err := e.outputPath(sourcePath, cfg)
	if err != nil {
		return "", newErr(Io, "resolve output path", err)
	}

	format := resolveFormat(sourcePath, cfg)
	compression := cfg.Compression
	if compression == "" {
		compression = e.cfg.Output.Compression
	}
	if err := upscale.SaveResult(frame, outputPath, format, compression); err != nil {
		return "", newErr(ImageEncode, fmt.Sprintf("encode/write %s", outputPath), err)
	}
	return outputPath, nil
}

func resolveFormat(sourcePath string, cfg UpscaleConfig) imageio.Format {
	if cfg.Format != "" {
		return imageio.FormatFromExt(cfg.Format)
	}
	return imageio.FormatFromExt(filepath.Ext(sourcePath))
}

func (e *Engine) outputPath(sourcePath string, cfg UpscaleConfig) (string, error) {
	dir := filepath.Dir(sourcePath)
	if e.cfg.Output.Dir != "" {
		dir = e.cfg.Output.Dir
	}
	if cfg.OutputDir != nil && *cfg.OutputDir != "" {
		dir = *cfg.OutputDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	ext := filepath.Ext(sourcePath)
	if cfg.Format != "" {
		ext = "." + strings.TrimPrefix(cfg.Format, ".")
	}
	return filepath.Join(dir, fmt.Sprintf("%s_upscaled%s", stem, ext)), nil
}

// DetectSystemInfo reports the hint the engine actually consumes
// (recommended tile size) alongside best-effort placeholders for the
// inventory fields the host's hardware-detection layer would fill in.
func (e *Engine) DetectSystemInfo(ctx context.Context) (SystemInfo, error) {
	mem := hints.DeviceMemory{}
	return SystemInfo{
		GPUName:             "unknown",
		Vendor:              "unknown",
		IsNPU:               false,
		RecommendedTileSize: e.tierTable.RecommendedTileSize(mem),
	}, nil
}

// ScanPaths expands directory arguments recursively (depth-capped at
// 20 to survive symlink loops) into a flat list of supported image
// files, and passes non-directory arguments
// through unchanged if they look like a supported image.
func ScanPaths(paths []string) ([]string, error) {
	const maxDepth = 20
	var out []string

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("engine: stat %s: %w", p, err)
		}
		if !info.IsDir() {
			if imageio.IsSupported(p) {
				out = append(out, p)
			}
			continue
		}

		base := p
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				rel, relErr := filepath.Rel(base, path)
				if relErr == nil && strings.Count(rel, string(filepath.Separator)) >= maxDepth {
					return filepath.SkipDir
				}
				return nil
			}
			if imageio.IsSupported(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("engine: scan %s: %w", p, err)
		}
	}
	return out, nil
}

// previewBoundPx is the longest edge a generated preview is scaled to.
const previewBoundPx = 1920

// previewTriggerPx is the source width or height beyond which a
// preview is generated at all; images within it on both axes are
// already cheap to display at full size.
const previewTriggerPx = 2000

// GeneratePreview downsizes path to a previewBoundPx-bounded WebP
// preview in the OS temp dir if it's larger than previewTriggerPx on
// either axis, reusing the Catmull-Rom resizer the scale-reconciliation
// downscale path uses, and returns the preview's path. It requests
// lossy compression, which imageio.Encode ignores for WebP. Images
// already within bounds are returned unchanged.
func GeneratePreview(path string) (string, error) {
	frame, err := imageio.Load(path)
	if err != nil {
		return "", newErr(ImageDecode, fmt.Sprintf("decode %s", path), err)
	}

	if frame.Width <= previewTriggerPx && frame.Height <= previewTriggerPx {
		return path, nil
	}

	scale := float64(previewBoundPx) / float64(max(frame.Width, frame.Height))
	width := int(float64(frame.Width) * scale)
	height := int(float64(frame.Height) * scale)
	resized := imageio.Resize(frame, width, height)

	data, err := imageio.Encode(resized, imageio.WebP, "lossy")
	if err != nil {
		return "", newErr(ImageEncode, "encode preview", err)
	}

	previewPath := filepath.Join(os.TempDir(), fmt.Sprintf("upscaled-preview-%d.webp", time.Now().UnixNano()))
	if err := os.WriteFile(previewPath, data, 0o644); err != nil {
		return "", newErr(Io, "write preview", err)
	}
	return previewPath, nil
}

// ListModels scans the configured models directory for manifests.
func (e *Engine) ListModels() ([]models.Manifest, error) {
	return models.ScanDirectory(e.cfg.Models.Dir)
}

// SetModelOverride persists a user override for filename, preferring
// the BadgerDB-backed Store when one is configured and falling back
// to the flat model_config.json file otherwise.
func (e *Engine) SetModelOverride(filename string, info models.UserInfo) error {
	if e.store != nil {
		return e.store.Set(filename, info)
	}

	configPath := filepath.Join(e.cfg.Models.Dir, "model_config.json")
	cfg := models.LoadUserConfig(configPath)
	cfg.Overrides[filename] = info
	return cfg.Save(configPath)
}

// InvalidateModel forgets any cached session/scale for filename,
// meant to be called by a filesystem watcher (out of scope here) on
// model file create/modify/remove.
func (e *Engine) InvalidateModel(filename string) {
	e.cache.Invalidate(e.modelPath(filename))
}

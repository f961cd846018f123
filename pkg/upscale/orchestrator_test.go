package upscale

import (
	"context"
	"errors"
	"testing"

	"github.com/reayungao/upscaled/pkg/accel"
	"github.com/reayungao/upscaled/pkg/hints"
	"github.com/reayungao/upscaled/pkg/modelcache"
	"github.com/reayungao/upscaled/pkg/tensor"
)

// identityRunner stands in for accel.Session: it "upscales" by
// nearest-neighbor pixel replication so the pipeline is fully testable
// without ONNX Runtime or a model file, the same synthetic-fixture
// approach the rest of this codebase uses for its accelerator-shaped
// dependencies.
type identityRunner struct {
	scale int
	dtype accel.DType
}

func (r identityRunner) Dtype() accel.DType { return r.dtype }

func (r identityRunner) Run(shape []int64, input any, output any) ([]int64, int, error) {
	n, c, h, w := int(shape[0]), int(shape[1]), int(shape[2]), int(shape[3])
	outH, outW := h*r.scale, w*r.scale
	outShape := []int64{int64(n), int64(c), int64(outH), int64(outW)}
	total := n * c * outH * outW

	in, ok := input.([]float32)
	if !ok {
		panic("identityRunner: unsupported input element type")
	}
	dst, ok := output.(*[]float32)
	if !ok {
		panic("identityRunner: unsupported output buffer type")
	}
	if cap(*dst) < total {
		*dst = make([]float32, total)
	} else {
		*dst = (*dst)[:total]
	}

	for img := 0; img < n; img++ {
		for ch := 0; ch < c; ch++ {
			srcPlane := in[(img*c+ch)*h*w : (img*c+ch+1)*h*w]
			dstPlane := (*dst)[(img*c+ch)*outH*outW : (img*c+ch+1)*outH*outW]
			for y := 0; y < outH; y++ {
				sy := y / r.scale
				for x := 0; x < outW; x++ {
					sx := x / r.scale
					dstPlane[y*outW+x] = srcPlane[sy*w+sx]
				}
			}
		}
	}
	return outShape, total, nil
}

func solidFrame(w, h int, r, g, b byte) tensor.Frame {
	pix := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		pix[i*3] = r
		pix[i*3+1] = g
		pix[i*3+2] = b
	}
	return tensor.Frame{Width: w, Height: h, Pix: pix}
}

func newTestModel(scale, tileSize, batchSize int) *LoadedModel {
	return &LoadedModel{
		Session:   identityRunner{scale: scale, dtype: accel.Float32},
		Pool:      tensor.NewBufferPool(),
		Scale:     scale,
		TileSize:  tileSize,
		BatchSize: batchSize,
	}
}

// S1: 256x256, 2x model, target 2x, batch 1, tile 256 -> 512x512, one
// batch of one tile.
func TestProcessSeedScenario1(t *testing.T) {
	model := newTestModel(2, 256, 1)
	src := solidFrame(256, 256, 10, 20, 30)

	out, err := Process(context.Background(), model, src, 2, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Width != 512 || out.Height != 512 {
		t.Fatalf("output dims = %dx%d, want 512x512", out.Width, out.Height)
	}
}

// S4: 1000x1000, 4x model, target 2x -> internal 4000x4000, then
// resized down to 2000x2000.
func TestProcessSeedScenario4Downscale(t *testing.T) {
	model := newTestModel(4, 256, 2)
	src := solidFrame(1000, 1000, 5, 5, 5)

	out, err := Process(context.Background(), model, src, 2, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Width != 2000 || out.Height != 2000 {
		t.Fatalf("output dims = %dx%d, want 2000x2000", out.Width, out.Height)
	}
}

// S5: 1000x1000, 2x model, target 4x -> two 2x passes, final 4000x4000.
func TestProcessSeedScenario5DoublePass(t *testing.T) {
	model := newTestModel(2, 256, 2)
	src := solidFrame(1000, 1000, 7, 7, 7)

	var lastProgress float64
	out, err := Process(context.Background(), model, src, 4, func(f float64) { lastProgress = f })
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Width != 4000 || out.Height != 4000 {
		t.Fatalf("output dims = %dx%d, want 4000x4000", out.Width, out.Height)
	}
	if lastProgress != 1.0 {
		t.Fatalf("final progress = %v, want 1.0 (pass 1 suppressed, pass 2 reports to completion)", lastProgress)
	}
}

// S6: a context cancelled before the pass starts returns an error.
// Cancelling after the third batch is covered by pkg/tiling's
// TestProcessStopsSoonAfterMidRunCancellation.
func TestProcessSeedScenario6Cancellation(t *testing.T) {
	model := newTestModel(4, 256, 2)
	src := solidFrame(1000, 1000, 1, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Process(ctx, model, src, 4, nil)
	if err == nil {
		t.Fatal("expected an error from a pre-cancelled context")
	}
}

// S3/property 8: a model with a fixed batch dimension forces the
// effective batch size and fires the warning sink exactly once, even
// if Process later runs several batches against it.
func TestLoadModelOverridesRequestedBatchForFixedBatchModel(t *testing.T) {
	plentyOfMemory := func() uint64 { return 1 << 40 }
	modelcache.SetAvailableMemoryProbe(plentyOfMemory)
	defer modelcache.SetAvailableMemoryProbe(plentyOfMemory)

	fixedSession := &accel.Session{InputShape: []int64{1, 3, -1, -1}}
	load := func(modelPath string, preferNPU bool) (*accel.Session, error) {
		return fixedSession, nil
	}
	detect := func(s *accel.Session) (int, error) { return 4, nil }
	cache := modelcache.New(load, detect)

	requested := 4
	cfg := Config{Model: "fixed_batch1.onnx", Scale: 4, BatchSize: &requested}

	var warnings []string
	warn := func(msg string) { warnings = append(warnings, msg) }

	model, err := LoadModel(cache, "fixed_batch1.onnx", hints.DeviceMemory{}, cfg, hints.DefaultTierTable(), tensor.NewBufferPool(), warn)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	defer model.Release()

	if model.BatchSize != 1 {
		t.Fatalf("BatchSize = %d, want 1 (forced by the model's fixed batch dimension)", model.BatchSize)
	}
	if len(warnings) != 1 {
		t.Fatalf("warn called %d times, want exactly 1", len(warnings))
	}
}

// A fixed-input model whose declared spatial size cannot hold the
// padding on both sides is rejected at load time rather than producing
// degenerate tiles.
func TestLoadModelRejectsFixedInputSmallerThanPadding(t *testing.T) {
	plentyOfMemory := func() uint64 { return 1 << 40 }
	modelcache.SetAvailableMemoryProbe(plentyOfMemory)
	defer modelcache.SetAvailableMemoryProbe(plentyOfMemory)

	tinySession := &accel.Session{InputShape: []int64{-1, 3, 48, 48}}
	load := func(modelPath string, preferNPU bool) (*accel.Session, error) {
		return tinySession, nil
	}
	detect := func(s *accel.Session) (int, error) { return 4, nil }
	cache := modelcache.New(load, detect)

	_, err := LoadModel(cache, "tiny_fixed.onnx", hints.DeviceMemory{}, Config{Model: "tiny_fixed.onnx", Scale: 4}, hints.DefaultTierTable(), tensor.NewBufferPool(), nil)
	if !errors.Is(err, ErrModelIncompatible) {
		t.Fatalf("LoadModel error = %v, want ErrModelIncompatible", err)
	}
}

// A fixed-input model large enough for the padding derives its usable
// tile content from the declared size.
func TestLoadModelDerivesTileSizeFromFixedInput(t *testing.T) {
	plentyOfMemory := func() uint64 { return 1 << 40 }
	modelcache.SetAvailableMemoryProbe(plentyOfMemory)
	defer modelcache.SetAvailableMemoryProbe(plentyOfMemory)

	fixedSession := &accel.Session{InputShape: []int64{-1, 3, 256, 256}}
	load := func(modelPath string, preferNPU bool) (*accel.Session, error) {
		return fixedSession, nil
	}
	detect := func(s *accel.Session) (int, error) { return 4, nil }
	cache := modelcache.New(load, detect)

	model, err := LoadModel(cache, "fixed256.onnx", hints.DeviceMemory{}, Config{Model: "fixed256.onnx", Scale: 4}, hints.DefaultTierTable(), tensor.NewBufferPool(), nil)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	defer model.Release()

	if model.TileSize != 256-2*tilePadding {
		t.Fatalf("TileSize = %d, want %d", model.TileSize, 256-2*tilePadding)
	}
}

func TestScaleFromFilenameFallback(t *testing.T) {
	if got := scaleFromFilename("RealESRGAN_x4plus.onnx"); got != 4 {
		t.Fatalf("scaleFromFilename = %d, want 4", got)
	}
	if got := scaleFromFilename("model_x2.onnx"); got != 2 {
		t.Fatalf("scaleFromFilename = %d, want 2", got)
	}
	if got := scaleFromFilename("model_x3.onnx"); got != 3 {
		t.Fatalf("scaleFromFilename = %d, want 3", got)
	}
}

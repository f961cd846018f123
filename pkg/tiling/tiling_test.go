package tiling

import (
	"context"
	"errors"
	"testing"

	"github.com/reayungao/upscaled/pkg/tensor"
)

func TestMirrorCoordinate(t *testing.T) {
	cases := []struct {
		coord, max, want int
	}{
		{5, 10, 5},
		{-1, 10, 1},
		{-5, 10, 5},
		{10, 10, 8},
		{15, 10, 3},
		{0, 1, 0},
		{-3, 1, 0},
	}
	for _, c := range cases {
		if got := mirrorCoordinate(c.coord, c.max); got != c.want {
			t.Errorf("mirrorCoordinate(%d, %d) = %d, want %d", c.coord, c.max, got, c.want)
		}
	}
}

func TestNewPlanForcesMinimumPadding(t *testing.T) {
	plan := NewPlan(512, 512, Config{TileSize: 256, Padding: 4, BatchSize: 2})
	if plan.TotalTiles != 4 {
		t.Fatalf("TotalTiles = %d, want 4", plan.TotalTiles)
	}
	if plan.Padding != 32 {
		t.Fatalf("Padding = %d, want forced minimum 32", plan.Padding)
	}
}

func TestNewPlanSingleTileHasNoPadding(t *testing.T) {
	plan := NewPlan(200, 200, Config{TileSize: 256, Padding: 16, BatchSize: 1})
	if plan.TotalTiles != 1 {
		t.Fatalf("TotalTiles = %d, want 1", plan.TotalTiles)
	}
	if plan.Padding != 0 {
		t.Fatalf("Padding = %d, want 0 for a single tile", plan.Padding)
	}
}

// identityInfer upscales each tile by nearest-neighbor pixel replication,
// standing in for a real model so the pipeline is testable without ONNX
// Runtime or a model file.
func identityInfer(scale int) InferenceFunc {
	return func(tiles []tensor.Frame) ([]tensor.Frame, error) {
		out := make([]tensor.Frame, len(tiles))
		for i, tile := range tiles {
			out[i] = nearestUpscale(tile, scale)
		}
		return out, nil
	}
}

func nearestUpscale(src tensor.Frame, scale int) tensor.Frame {
	w, h := src.Width*scale, src.Height*scale
	pix := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		sy := y / scale
		for x := 0; x < w; x++ {
			sx := x / scale
			srcOff := (sy*src.Width + sx) * 3
			dstOff := (y*w + x) * 3
			copy(pix[dstOff:dstOff+3], src.Pix[srcOff:srcOff+3])
		}
	}
	return tensor.Frame{Width: w, Height: h, Pix: pix}
}

// Every out-of-bounds coordinate in an extracted tile must sample the
// ping-pong reflection of that coordinate, checked against a 3x3 image
// whose every pixel is unique so any mixup is visible.
func TestExtractTileMirrorsBeyondEveryEdge(t *testing.T) {
	src := tensor.Frame{Width: 3, Height: 3, Pix: make([]byte, 3*3*3)}
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			off := (y*3 + x) * 3
			src.Pix[off] = byte(10*y + x)
			src.Pix[off+1] = byte(100 + 10*y + x)
			src.Pix[off+2] = byte(200 + 10*y + x)
		}
	}

	const padding = 2
	tile := extractTile(src, 0, 0, 3, 3, padding)
	if tile.Width != 3+2*padding || tile.Height != 3+2*padding {
		t.Fatalf("tile dims = %dx%d, want %dx%d", tile.Width, tile.Height, 3+2*padding, 3+2*padding)
	}

	for ty := 0; ty < tile.Height; ty++ {
		for tx := 0; tx < tile.Width; tx++ {
			wantX := mirrorCoordinate(tx-padding, 3)
			wantY := mirrorCoordinate(ty-padding, 3)
			wantOff := (wantY*3 + wantX) * 3
			gotOff := (ty*tile.Width + tx) * 3
			for c := 0; c < 3; c++ {
				if tile.Pix[gotOff+c] != src.Pix[wantOff+c] {
					t.Fatalf("tile(%d,%d) channel %d = %d, want reflection of (%d,%d) = %d",
						tx, ty, c, tile.Pix[gotOff+c], wantX, wantY, src.Pix[wantOff+c])
				}
			}
		}
	}
}

// With a nearest-neighbor replication stand-in for the model, the
// stitched output must equal the nearest-neighbor enlargement of the
// whole source: every output pixel written exactly once, none missed,
// and all mirrored filler cropped away.
func TestProcessOutputMatchesNearestUpscale(t *testing.T) {
	const w, h, scale = 10, 7, 2
	src := tensor.Frame{Width: w, Height: h, Pix: make([]byte, w*h*3)}
	for i := range src.Pix {
		src.Pix[i] = byte(i % 251)
	}

	cfg := Config{TileSize: 4, Padding: 2, BatchSize: 2}
	out, err := Process(context.Background(), src, cfg, scale, nil, identityInfer(scale))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := nearestUpscale(src, scale)
	if out.Width != want.Width || out.Height != want.Height {
		t.Fatalf("output dims = %dx%d, want %dx%d", out.Width, out.Height, want.Width, want.Height)
	}
	for i := range want.Pix {
		if out.Pix[i] != want.Pix[i] {
			t.Fatalf("output byte %d = %d, want %d", i, out.Pix[i], want.Pix[i])
		}
	}
}

// 1000x1000 at tile 256 and batch 2 decomposes into a 4x4 grid: 16
// tiles across 8 inference batches, yielding a 4000x4000 output at 4x.
func TestProcessGridAndBatchCount(t *testing.T) {
	src := tensor.Frame{Width: 1000, Height: 1000, Pix: make([]byte, 1000*1000*3)}
	cfg := Config{TileSize: 256, Padding: 32, BatchSize: 2}

	plan := NewPlan(src.Width, src.Height, cfg)
	if plan.TilesX != 4 || plan.TilesY != 4 || plan.TotalTiles != 16 {
		t.Fatalf("plan = %+v, want a 4x4 grid of 16 tiles", plan)
	}

	var batches, tiles int
	counting := func(in []tensor.Frame) ([]tensor.Frame, error) {
		batches++
		tiles += len(in)
		return identityInfer(4)(in)
	}

	out, err := Process(context.Background(), src, cfg, 4, nil, counting)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Width != 4000 || out.Height != 4000 {
		t.Fatalf("output dims = %dx%d, want 4000x4000", out.Width, out.Height)
	}
	if batches != 8 || tiles != 16 {
		t.Fatalf("ran %d batches over %d tiles, want 8 batches over 16 tiles", batches, tiles)
	}
}

// Cancelling mid-run stops the job after at most the in-flight batch
// plus whatever was already queued, well short of the full grid.
func TestProcessStopsSoonAfterMidRunCancellation(t *testing.T) {
	src := tensor.Frame{Width: 1000, Height: 1000, Pix: make([]byte, 1000*1000*3)}
	cfg := Config{TileSize: 256, Padding: 32, BatchSize: 2}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var batches int
	cancelling := func(in []tensor.Frame) ([]tensor.Frame, error) {
		batches++
		if batches == 3 {
			cancel()
		}
		return identityInfer(4)(in)
	}

	_, err := Process(ctx, src, cfg, 4, nil, cancelling)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Process error = %v, want context.Canceled", err)
	}
	if batches >= 8 {
		t.Fatalf("processed %d batches after cancellation, want fewer than the full 8", batches)
	}
}

func TestProcessStitchesTilesBackTogether(t *testing.T) {
	const w, h = 10, 7
	src := tensor.Frame{Width: w, Height: h, Pix: make([]byte, w*h*3)}
	for i := range src.Pix {
		src.Pix[i] = byte(i % 251)
	}

	cfg := Config{TileSize: 4, Padding: 2, BatchSize: 2}
	var lastProgress float64
	out, err := Process(context.Background(), src, cfg, 2, func(f float64) { lastProgress = f }, identityInfer(2))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Width != w*2 || out.Height != h*2 {
		t.Fatalf("output dims = %dx%d, want %dx%d", out.Width, out.Height, w*2, h*2)
	}
	if lastProgress != 1.0 {
		t.Fatalf("final progress = %v, want 1.0", lastProgress)
	}
}

func TestProcessRespectsCancellation(t *testing.T) {
	src := tensor.Frame{Width: 64, Height: 64, Pix: make([]byte, 64*64*3)}
	cfg := Config{TileSize: 8, Padding: 2, BatchSize: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Process(ctx, src, cfg, 2, nil, identityInfer(2))
	if err == nil {
		t.Fatal("expected error from a pre-cancelled context")
	}
}

func TestProcessFailsPreflightUnderLowMemory(t *testing.T) {
	availableMemoryBytes = func() uint64 { return 1024 }
	defer func() { availableMemoryBytes = defaultAvailableMemoryBytes }()

	src := tensor.Frame{Width: 64, Height: 64, Pix: make([]byte, 64*64*3)}
	cfg := Config{TileSize: 8, Padding: 2, BatchSize: 1}

	_, err := Process(context.Background(), src, cfg, 2, nil, identityInfer(2))
	if !errors.Is(err, ErrOOM) {
		t.Fatalf("Process error = %v, want ErrOOM", err)
	}
}

// Package tiling splits a large source image into fixed-size,
// mirror-padded tiles, streams them through a model in batches via a
// bounded producer/consumer channel, and stitches the upscaled tiles
// back into a single output image.
//
// The producer always requests a full tile_size+2*padding tile, even
// at the image's right/bottom edge, so every tile handed to the model
// has identical dimensions; edge tiles are padded with mirror-reflected
// source pixels rather than solid color, which keeps the model's
// receptive field full of plausible image content at the border.
package tiling

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/reayungao/upscaled/pkg/tensor"
)

// ErrOOM is returned when the output canvas preflight determines there
// isn't enough free system memory to hold the upscaled image.
var ErrOOM = errors.New("tiling: insufficient memory for output canvas")

// highMemorySentinel stands in for "plenty of free memory" on
// platforms/failure paths where the real figure can't be read.
const highMemorySentinel = 1 << 50

// outputCanvasHeadroomBytes is added to the output canvas's own size
// when checking free memory, covering the tile/batch buffers still
// live alongside it during stitching.
const outputCanvasHeadroomBytes = 100 << 20 // 100 MiB

// availableMemoryBytes reports free system RAM, for the output-canvas
// preflight below. Tests can override it to exercise the OOM path
// without actually exhausting memory.
var availableMemoryBytes = defaultAvailableMemoryBytes

// Config controls how an image is partitioned into tiles.
type Config struct {
	TileSize  int // content width/height requested per tile, before padding
	Padding   int // mirror-padding added on each side
	BatchSize int // tiles grouped into one inference call
}

// Plan describes how a WxH image at Config decomposes into tiles.
type Plan struct {
	TilesX, TilesY int
	Padding        int // actual padding used (forced to >= 32 when more than one tile)
	TotalTiles     int
}

// NewPlan computes the tiling plan for a width x height image.
func NewPlan(width, height int, cfg Config) Plan {
	tilesX := ceilDiv(width, cfg.TileSize)
	tilesY := ceilDiv(height, cfg.TileSize)
	total := tilesX * tilesY

	padding := cfg.Padding
	if total > 1 && padding < 32 {
		padding = 32
	} else if total == 1 {
		padding = 0
	}

	return Plan{TilesX: tilesX, TilesY: tilesY, Padding: padding, TotalTiles: total}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// tileMeta records where a tile came from and how much of it is real
// content, so stitching can discard the mirrored filler at image edges.
type tileMeta struct {
	xIndex, yIndex               int
	contentWidth, contentHeight int
}

// mirrorCoordinate reflects an out-of-range coordinate back into
// [0, max) using ping-pong (0 1 2 1 0 ...) reflection, matching how the
// model was trained to see its own padding as a continuation of the
// image rather than a hard edge.
func mirrorCoordinate(coord, max int) int {
	if max <= 1 {
		return 0
	}
	c := coord
	for c < 0 || c >= max {
		if c < 0 {
			c = -c
		} else {
			c = 2*(max-1) - c
		}
	}
	return c
}

// extractTile builds a (targetW+2*padding) x (targetH+2*padding) RGB8
// tile starting at (xStart, yStart) in src, mirror-padding any
// coordinate that falls outside src's bounds.
func extractTile(src tensor.Frame, xStart, yStart, targetW, targetH, padding int) tensor.Frame {
	totalW := targetW + 2*padding
	totalH := targetH + 2*padding
	pix := make([]byte, totalW*totalH*3)

	for ty := 0; ty < totalH; ty++ {
		srcYIdeal := yStart + ty - padding
		srcY := mirrorCoordinate(srcYIdeal, src.Height)
		for tx := 0; tx < totalW; tx++ {
			srcXIdeal := xStart + tx - padding
			srcX := mirrorCoordinate(srcXIdeal, src.Width)

			srcOff := (srcY*src.Width + srcX) * 3
			dstOff := (ty*totalW + tx) * 3
			pix[dstOff] = src.Pix[srcOff]
			pix[dstOff+1] = src.Pix[srcOff+1]
			pix[dstOff+2] = src.Pix[srcOff+2]
		}
	}

	return tensor.Frame{Width: totalW, Height: totalH, Pix: pix}
}

// stitchTile crops the padding and any edge filler out of an upscaled
// tile and copies the remaining valid rows into output at the position
// implied by meta, scale and tileSize.
func stitchTile(output tensor.Frame, upscaled tensor.Frame, meta tileMeta, scale, padding, tileSize int) error {
	cropX := padding * scale
	cropY := padding * scale
	cropW := meta.contentWidth * scale
	cropH := meta.contentHeight * scale

	if cropX+cropW > upscaled.Width || cropY+cropH > upscaled.Height {
		return fmt.Errorf("tiling: upscaled tile %dx%d too small to crop %d,%d %dx%d",
			upscaled.Width, upscaled.Height, cropX, cropY, cropW, cropH)
	}

	outX := meta.xIndex * tileSize * scale
	outY := meta.yIndex * tileSize * scale

	rowsToCopy := cropH
	if output.Height-outY < rowsToCopy {
		rowsToCopy = max0(output.Height - outY)
	}
	colsToCopy := cropW
	if output.Width-outX < colsToCopy {
		colsToCopy = max0(output.Width - outX)
	}

	for y := 0; y < rowsToCopy; y++ {
		srcOff := ((cropY+y)*upscaled.Width + cropX) * 3
		srcRow := upscaled.Pix[srcOff : srcOff+colsToCopy*3]
		dstOff := ((outY+y)*output.Width + outX) * 3
		copy(output.Pix[dstOff:dstOff+colsToCopy*3], srcRow)
	}
	return nil
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// InferenceFunc runs a batch of tiles through the model and returns one
// upscaled tile per input tile, in the same order.
type InferenceFunc func(tiles []tensor.Frame) ([]tensor.Frame, error)

// ProgressFunc reports fractional completion in [0,1].
type ProgressFunc func(fraction float64)

// Process partitions src into tiles per cfg, streams them through infer
// in batches over a bounded channel (capacity 4, enough look-ahead to
// keep the accelerator fed without letting extracted tiles pile up
// unbounded), stitches the results
// into a WxH*scale output image, and reports progress after each
// batch. ctx cancellation stops the producer before its next tile and
// the consumer before its next batch.
func Process(ctx context.Context, src tensor.Frame, cfg Config, scale int, progress ProgressFunc, infer InferenceFunc) (tensor.Frame, error) {
	plan := NewPlan(src.Width, src.Height, cfg)
	outW, outH := src.Width*scale, src.Height*scale

	required := uint64(outW)*uint64(outH)*3 + outputCanvasHeadroomBytes
	if available := availableMemoryBytes(); available < required {
		return tensor.Frame{}, fmt.Errorf("tiling: need %s free to allocate %dx%d output canvas, have %s: %w",
			humanize.Bytes(required), outW, outH, humanize.Bytes(available), ErrOOM)
	}

	output := tensor.Frame{Width: outW, Height: outH, Pix: make([]byte, outW*outH*3)}

	// The consumer below returns early on inference/stitch errors; the
	// derived context unblocks a producer mid-send so it never leaks on
	// those paths.
	ctx, stopProducer := context.WithCancel(ctx)
	defer stopProducer()

	type batch struct {
		tiles []tensor.Frame
		metas []tileMeta
	}

	tileCh := make(chan batch, 4)

	go func() {
		defer close(tileCh)
		tileBatch := make([]tensor.Frame, 0, cfg.BatchSize)
		metaBatch := make([]tileMeta, 0, cfg.BatchSize)

		for y := 0; y < plan.TilesY; y++ {
			for x := 0; x < plan.TilesX; x++ {
				if ctx.Err() != nil {
					return
				}

				tileXStart := x * cfg.TileSize
				tileYStart := y * cfg.TileSize
				validW := min(cfg.TileSize, src.Width-tileXStart)
				validH := min(cfg.TileSize, src.Height-tileYStart)

				meta := tileMeta{xIndex: x, yIndex: y, contentWidth: validW, contentHeight: validH}
				tile := extractTile(src, tileXStart, tileYStart, cfg.TileSize, cfg.TileSize, plan.Padding)

				tileBatch = append(tileBatch, tile)
				metaBatch = append(metaBatch, meta)

				if len(tileBatch) >= cfg.BatchSize {
					select {
					case tileCh <- batch{tileBatch, metaBatch}:
					case <-ctx.Done():
						return
					}
					tileBatch = make([]tensor.Frame, 0, cfg.BatchSize)
					metaBatch = make([]tileMeta, 0, cfg.BatchSize)
				}
			}
		}
		if len(tileBatch) > 0 {
			select {
			case tileCh <- batch{tileBatch, metaBatch}:
			case <-ctx.Done():
			}
		}
	}()

	processed := 0
	for b := range tileCh {
		if ctx.Err() != nil {
			return tensor.Frame{}, ctx.Err()
		}

		upscaledTiles, err := infer(b.tiles)
		if err != nil {
			return tensor.Frame{}, err
		}
		if len(upscaledTiles) != len(b.metas) {
			return tensor.Frame{}, fmt.Errorf("tiling: batch size mismatch: sent %d tiles, got %d back", len(b.metas), len(upscaledTiles))
		}

		for i, meta := range b.metas {
			if err := stitchTile(output, upscaledTiles[i], meta, scale, plan.Padding, cfg.TileSize); err != nil {
				return tensor.Frame{}, err
			}
		}

		processed += len(b.metas)
		if progress != nil {
			progress(float64(processed) / float64(plan.TotalTiles))
		}
	}

	if ctx.Err() != nil {
		return tensor.Frame{}, ctx.Err()
	}

	return output, nil
}

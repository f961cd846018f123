// Package imageio loads source images into the RGB8 frames the tensor
// and tiling packages operate on, and encodes finished frames back out
// to PNG (fast compression), JPEG (quality 90) or WebP.
package imageio

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepteams/webp"
	"golang.org/x/image/draw"

	"github.com/reayungao/upscaled/pkg/tensor"
)

// Format is an output image container.
type Format int

const (
	PNG Format = iota
	JPEG
	WebP
)

// FormatFromExt maps a file extension (with or without leading dot,
// case-insensitive) to a Format, defaulting to PNG for anything
// unrecognized the same way the reference encoder does.
func FormatFromExt(ext string) Format {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return JPEG
	case "webp":
		return WebP
	default:
		return PNG
	}
}

var supportedExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".webp": true}

// IsSupported reports whether path's extension is a format this
// package can decode.
func IsSupported(path string) bool {
	return supportedExts[strings.ToLower(filepath.Ext(path))]
}

// Load decodes an image file into an RGB8 frame, dropping any alpha
// channel the source format carried.
func Load(path string) (tensor.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return tensor.Frame{}, fmt.Errorf("imageio: open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return tensor.Frame{}, fmt.Errorf("imageio: decode %s: %w", path, err)
	}
	return toFrame(img), nil
}

func toFrame(img image.Image) tensor.Frame {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			off := (y*w + x) * 3
			pix[off] = byte(r >> 8)
			pix[off+1] = byte(g >> 8)
			pix[off+2] = byte(b >> 8)
		}
	}
	return tensor.Frame{Width: w, Height: h, Pix: pix}
}

func toRGBA(f tensor.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			srcOff := (y*f.Width + x) * 3
			dstOff := img.PixOffset(x, y)
			img.Pix[dstOff] = f.Pix[srcOff]
			img.Pix[dstOff+1] = f.Pix[srcOff+1]
			img.Pix[dstOff+2] = f.Pix[srcOff+2]
			img.Pix[dstOff+3] = 0xff
		}
	}
	return img
}

// Encode serializes frame in format using compression ("lossy" or
// "lossless", WebP only; ignored for PNG and JPEG) and returns the
// encoded bytes without touching disk, so a metadata grafting step can
// run before the single final write (see upscale.SaveResult); no
// grafting is done in this module.
func Encode(frame tensor.Frame, format Format, compression string) ([]byte, error) {
	img := toRGBA(frame)
	var buf bytes.Buffer

	switch format {
	case PNG:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("imageio: encode png: %w", err)
		}
	case JPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("imageio: encode jpeg: %w", err)
		}
	case WebP:
		// github.com/deepteams/webp implements the VP8L lossless codec
		// only; a "lossy" compression request still gets a lossless
		// encode rather than failing outright.
		if err := webp.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("imageio: encode webp: %w", err)
		}
	default:
		return nil, fmt.Errorf("imageio: unknown format %v", format)
	}

	return buf.Bytes(), nil
}

// Resize scales frame to width x height using Catmull-Rom
// interpolation, used both for the model-scale/target-scale
// reconciliation downscale and for preview generation.
func Resize(frame tensor.Frame, width, height int) tensor.Frame {
	src := toRGBA(frame)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return toFrame(dst)
}

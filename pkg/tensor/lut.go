package tensor

import "sync"

var (
	lutOnce  sync.Once
	pixelLUT [256]float32
)

// normalizeLUT returns the shared 0-255 -> 0.0-1.0 lookup table, built
// once on first use.
func normalizeLUT() *[256]float32 {
	lutOnce.Do(func() {
		for i := range pixelLUT {
			pixelLUT[i] = float32(i) / 255.0
		}
	})
	return &pixelLUT
}

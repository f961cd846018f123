package hints

import "testing"

func TestRecommendedTileSizeTiers(t *testing.T) {
	table := DefaultTierTable()
	cases := []struct {
		name string
		mem  DeviceMemory
		want int
	}{
		{"integrated", DeviceMemory{TotalMB: 2048, UsedMB: 100}, 192},
		{"entry", DeviceMemory{TotalMB: 4096, UsedMB: 100}, 256},
		{"mid-range", DeviceMemory{TotalMB: 6144, UsedMB: 100}, 512},
		{"high-end", DeviceMemory{TotalMB: 8192, UsedMB: 100}, 768},
		{"enthusiast", DeviceMemory{TotalMB: 16384, UsedMB: 100}, 1024},
		{"pro", DeviceMemory{TotalMB: 24576, UsedMB: 100}, 1536},
		{"low available forces floor", DeviceMemory{TotalMB: 24576, UsedMB: 24200}, 256},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := table.RecommendedTileSize(c.mem); got != c.want {
				t.Errorf("RecommendedTileSize(%+v) = %d, want %d", c.mem, got, c.want)
			}
		})
	}
}

func TestRecommendedBatchSizeTiers(t *testing.T) {
	table := DefaultTierTable()
	cases := []struct {
		name string
		mem  DeviceMemory
		want int
	}{
		{"tight", DeviceMemory{TotalMB: 6144, UsedMB: 1000, VendorKnown: true}, 1},
		{"balanced", DeviceMemory{TotalMB: 16384, UsedMB: 8000, VendorKnown: true}, 2},
		{"plenty", DeviceMemory{TotalMB: 24576, UsedMB: 2000, VendorKnown: true}, 4},
		{"unknown usage assumes half total", DeviceMemory{TotalMB: 8192, UsedMB: 0, VendorKnown: true}, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := table.RecommendedBatchSize(c.mem); got != c.want {
				t.Errorf("RecommendedBatchSize(%+v) = %d, want %d", c.mem, got, c.want)
			}
		})
	}
}

func TestDeviceMemoryAvailableFloorsAtZero(t *testing.T) {
	mem := DeviceMemory{TotalMB: 100, UsedMB: 200}
	if mem.Available() != 0 {
		t.Fatalf("Available() = %d, want 0", mem.Available())
	}
}

// Package hints maps a detected accelerator's memory tier to a
// recommended tile size and batch size for the tiling engine, so the
// orchestrator can pick safe defaults without the caller having to
// know anything about a specific GPU's limits.
//
// The tier tables below are pure functions of total/available memory;
// they carry no platform-detection logic of their own (that lives with
// whatever supplies DeviceMemory; pkg/engine passes a zero
// DeviceMemory, which selects the low-memory floor tile size).
package hints

// DeviceMemory describes the memory tier of the accelerator a model
// will run on, in megabytes.
type DeviceMemory struct {
	TotalMB     uint64
	UsedMB      uint64
	VendorKnown bool // true if the vendor was positively identified, not a sysinfo fallback
}

// Available returns TotalMB - UsedMB, floored at zero.
func (d DeviceMemory) Available() uint64 {
	if d.UsedMB >= d.TotalMB {
		return 0
	}
	return d.TotalMB - d.UsedMB
}

// TierTable holds the thresholds used by RecommendedTileSize and
// RecommendedBatchSize. DefaultTierTable carries the built-in tiers;
// an operator may load an overriding table from YAML via pkg/config
// to retune without a rebuild.
type TierTable struct {
	// LowMemoryFloorMB forces LowMemoryFloorTileSize when available
	// memory drops below this, regardless of total capacity.
	LowMemoryFloorMB uint64 `yaml:"low_memory_floor_mb"`

	// LowMemoryFloorTileSize is returned whenever available memory is
	// below LowMemoryFloorMB, independent of whatever TileSizeTiers
	// would otherwise pick for the device's total memory.
	LowMemoryFloorTileSize int `yaml:"low_memory_floor_tile_size"`

	TileSizeTiers  []TileSizeTier  `yaml:"tile_size_tiers"`
	BatchSizeTiers []BatchSizeTier `yaml:"batch_size_tiers"`
}

// TileSizeTier maps a total-memory ceiling to a tile size. Tiers are
// evaluated in order; the first whose MaxTotalMB is >= the device's
// total memory wins. A MaxTotalMB of 0 means "no upper bound".
type TileSizeTier struct {
	MaxTotalMB uint64 `yaml:"max_total_mb"`
	TileSize   int    `yaml:"tile_size"`
}

// BatchSizeTier maps an available-memory ceiling to a batch size, with
// the same "first match wins, 0 means unbounded" evaluation as TileSizeTier.
type BatchSizeTier struct {
	MaxAvailableMB uint64 `yaml:"max_available_mb"`
	BatchSize      int    `yaml:"batch_size"`
}

// DefaultTierTable reproduces the tile/batch tiers of the reference
// upscaling engine.
func DefaultTierTable() TierTable {
	return TierTable{
		LowMemoryFloorMB:       512,
		LowMemoryFloorTileSize: 256,
		TileSizeTiers: []TileSizeTier{
			{MaxTotalMB: 2048, TileSize: 192},
			{MaxTotalMB: 4096, TileSize: 256},
			{MaxTotalMB: 6144, TileSize: 512},
			{MaxTotalMB: 8192, TileSize: 768},
			{MaxTotalMB: 16384, TileSize: 1024},
			{MaxTotalMB: 0, TileSize: 1536},
		},
		BatchSizeTiers: []BatchSizeTier{
			{MaxAvailableMB: 6144, BatchSize: 1},
			{MaxAvailableMB: 12288, BatchSize: 2},
			{MaxAvailableMB: 0, BatchSize: 4},
		},
	}
}

// RecommendedTileSize returns the tile size the tier table recommends
// for mem. Available memory below LowMemoryFloorMB always forces
// LowMemoryFloorTileSize (or the first tier's tile size when that is
// unset), which prevents fragmentation on an
// otherwise high-tier card whose VRAM is already mostly claimed by the
// loaded model.
func (t TierTable) RecommendedTileSize(mem DeviceMemory) int {
	if mem.Available() < t.LowMemoryFloorMB {
		if t.LowMemoryFloorTileSize > 0 {
			return t.LowMemoryFloorTileSize
		}
		return smallestTileSize(t.TileSizeTiers)
	}
	for _, tier := range t.TileSizeTiers {
		if tier.MaxTotalMB == 0 || mem.TotalMB <= tier.MaxTotalMB {
			return tier.TileSize
		}
	}
	return smallestTileSize(t.TileSizeTiers)
}

func smallestTileSize(tiers []TileSizeTier) int {
	if len(tiers) == 0 {
		return 256
	}
	return tiers[0].TileSize
}

// RecommendedBatchSize returns the batch size the tier table
// recommends for mem. When usage isn't reported for a positively
// identified vendor (common on platforms where free/used VRAM can't be
// queried), half of total memory is assumed used, erring toward
// caution rather than overcommitting.
func (t TierTable) RecommendedBatchSize(mem DeviceMemory) int {
	used := mem.UsedMB
	if used == 0 && mem.VendorKnown {
		used = mem.TotalMB / 2
	}
	available := mem.TotalMB
	if used < available {
		available -= used
	} else {
		available = 0
	}

	for _, tier := range t.BatchSizeTiers {
		if tier.MaxAvailableMB == 0 || available <= tier.MaxAvailableMB {
			return tier.BatchSize
		}
	}
	return 1
}

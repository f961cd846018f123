//go:build !linux

package tiling

// defaultAvailableMemoryBytes has no portable way to query free system
// RAM outside Linux's /proc interface, so it assumes memory is
// plentiful rather than failing every allocation preflight by default.
func defaultAvailableMemoryBytes() uint64 {
	return highMemorySentinel
}

// Package modelcache holds the single currently-loaded model session
// and a per-path scale detection cache, mirroring the query-plan cache
// pattern the rest of the codebase uses (mutex-guarded map plus a
// small amount of bookkeeping) but narrowed to this package's
// single-slot, refcounted semantics.
package modelcache

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/reayungao/upscaled/pkg/accel"
)

// ErrNegativeCache is returned by Scale when a prior probe for the
// same path already failed; the negative-cache entry short-circuits
// the call without invoking the session again.
var ErrNegativeCache = errors.New("modelcache: scale probe previously failed")

// Loader opens a model file into a ready accel.Session.
type Loader func(modelPath string, preferNPU bool) (*accel.Session, error)

// ScaleDetector derives a model's upscale factor from a loaded session.
type ScaleDetector func(session *accel.Session) (int, error)

// handle is a refcounted wrapper around one loaded session so the
// cache can evict its slot while an in-flight job still holds a
// reference; the underlying accel.Session is destroyed only once the
// last holder releases it.
type handle struct {
	path    string
	session *accel.Session
	refs    int32
}

func (h *handle) acquire() *handle {
	atomic.AddInt32(&h.refs, 1)
	return h
}

// Release drops this handle's reference, destroying the underlying
// session once no one else holds it.
func (h *handle) Release() {
	if atomic.AddInt32(&h.refs, -1) == 0 {
		h.session.Destroy()
	}
}

// Session returns the underlying accel.Session.
func (h *handle) Session() *accel.Session { return h.session }

// Cache is the single-slot model cache plus the scale cache. A zero
// Cache is not usable; construct one with New.
type Cache struct {
	load   Loader
	detect ScaleDetector

	mu      sync.Mutex
	current *handle // nil if nothing loaded

	scaleMu sync.Mutex
	scale   map[string]int // 0 is the negative-cache sentinel

	lowMemoryFloorMB uint64
}

// New constructs a Cache that loads models via load and detects their
// scale via detect, bypassing the session slot below lowMemoryFloorMB's
// default of 2048 MB free. Use SetLowMemoryFloorMB to override it from
// configuration.
func New(load Loader, detect ScaleDetector) *Cache {
	return &Cache{load: load, detect: detect, scale: make(map[string]int), lowMemoryFloorMB: defaultLowMemoryFloorMB}
}

// SetLowMemoryFloorMB overrides the free-RAM threshold below which
// GetOrLoad bypasses the session slot entirely, e.g. from
// config.RuntimeConfig.LowMemoryFloorMB.
func (c *Cache) SetLowMemoryFloorMB(mb uint64) {
	c.lowMemoryFloorMB = mb
}

// availableMemoryMB reports free system RAM in megabytes, for the
// low-memory cache bypass below. Its default implementation is
// platform-specific (see memory_linux.go / memory_other.go); on
// platforms this package can't query directly it assumes plenty of
// memory is free rather than silently disabling the cache.
var availableMemoryMB = defaultAvailableMemoryMB

// SetAvailableMemoryProbe overrides how the cache estimates free system
// RAM for its low-memory bypass. Tests can inject a fixed value.
func SetAvailableMemoryProbe(probe func() uint64) {
	availableMemoryMB = probe
}

// defaultLowMemoryFloorMB is the free-RAM floor below which keeping a
// second model's weights resident risks pushing the host into swap.
const defaultLowMemoryFloorMB = 2048

// highMemorySentinel stands in for "plenty of free memory" on
// platforms/failure paths where the real figure can't be read.
const highMemorySentinel = 1 << 40 // 2^40 MB (1 EiB), far above any real floor check

// GetOrLoad returns a held reference to modelPath's session, loading it
// if necessary. Below lowMemoryFloorMB of free RAM the cache is bypassed
// entirely: a session is loaded, handed back with a single reference,
// and never retained; the slot, and any session it already holds, is
// left unchanged.
//
// The caller must call Release on the returned handle when done.
func (c *Cache) GetOrLoad(modelPath string, preferNPU bool) (*Handle, error) {
	if available := availableMemoryMB(); available < c.lowMemoryFloorMB {
		log.Printf("modelcache: low memory (%s available), bypassing cache for %s", humanize.Bytes(available*1024*1024), modelPath)
		session, err := c.load(modelPath, preferNPU)
		if err != nil {
			return nil, err
		}
		return &Handle{h: (&handle{path: modelPath, session: session, refs: 1})}, nil
	}

	c.mu.Lock()
	if c.current != nil && c.current.path == modelPath {
		h := c.current.acquire()
		c.mu.Unlock()
		log.Printf("modelcache: cache hit for %s", modelPath)
		return &Handle{h: h}, nil
	}
	c.mu.Unlock()

	log.Printf("modelcache: loading %s", modelPath)
	session, err := c.load(modelPath, preferNPU)
	if err != nil {
		return nil, err
	}
	fresh := &handle{path: modelPath, session: session, refs: 2} // one for the cache slot, one for the caller

	c.mu.Lock()
	previous := c.current
	c.current = fresh
	c.mu.Unlock()

	if previous != nil {
		previous.Release()
	}

	return &Handle{h: fresh}, nil
}

// Handle is an outstanding reference to a cached model session. Hold
// it for the lifetime of the job using its session and Release it
// afterward.
type Handle struct {
	h *handle
}

// Session returns the underlying accelerator session.
func (h *Handle) Session() *accel.Session { return h.h.Session() }

// Release drops this handle's reference to the session.
func (h *Handle) Release() { h.h.Release() }

// Scale returns modelPath's detected upscale factor, querying session
// and caching the result (positive or the zero sentinel for a prior
// failure) so repeat calls for the same model never re-run detection.
func (c *Cache) Scale(modelPath string, session *accel.Session) (int, error) {
	c.scaleMu.Lock()
	if cached, ok := c.scale[modelPath]; ok {
		c.scaleMu.Unlock()
		if cached == 0 {
			return 0, fmt.Errorf("modelcache: %s: %w", modelPath, ErrNegativeCache)
		}
		return cached, nil
	}
	c.scaleMu.Unlock()

	log.Printf("modelcache: detecting scale for %s", modelPath)
	scale, err := c.detect(session)

	c.scaleMu.Lock()
	defer c.scaleMu.Unlock()
	if err != nil {
		c.scale[modelPath] = 0
		return 0, err
	}
	c.scale[modelPath] = scale
	return scale, nil
}

// InvalidateScale forgets any cached scale for modelPath, forcing the
// next Scale call to re-run detection.
func (c *Cache) InvalidateScale(modelPath string) {
	c.scaleMu.Lock()
	defer c.scaleMu.Unlock()
	if _, ok := c.scale[modelPath]; ok {
		delete(c.scale, modelPath)
		log.Printf("modelcache: invalidated scale cache for %s", modelPath)
	}
}

// Invalidate forgets both the scale cache entry and, if the session
// slot currently holds modelPath, the session slot itself for
// modelPath. It is meant to be called from a filesystem watcher on
// model file create/modify/remove; the evicted session's memory is
// released once the last in-flight holder drops its reference, not
// necessarily synchronously with this call.
func (c *Cache) Invalidate(modelPath string) {
	c.InvalidateScale(modelPath)

	c.mu.Lock()
	var evicted *handle
	if c.current != nil && c.current.path == modelPath {
		evicted = c.current
		c.current = nil
	}
	c.mu.Unlock()

	if evicted != nil {
		log.Printf("modelcache: invalidated session slot for %s", modelPath)
		evicted.Release()
	}
}

// Package kmsworker owns the KMS overlay plane update path off the
// presenter's thread: a framebuffer cache keyed by DMA-BUF fd, and a
// single-slot "latest wins" mailbox feeding a background goroutine that
// blocks on the vsync-synchronous plane set (spec.md §4.7).
package kmsworker

import (
	"sync"
	"time"
)

// FB is a cached {gem_handle, fb_id} pair for a DMA-BUF fd that has already
// been imported into KMS.
type FB struct {
	GEMHandle uint32
	FBID      uint32
}

// Update is one pending plane placement.
type Update struct {
	FD       int
	W, H     int
	Offsets  [3]uint32
	Pitches  [3]uint32
	CRTCID   uint32
	PlaneID  uint32
}

// Backend is the KMS surface the worker drives; display.Device implements
// it against real DRM ioctls, and tests supply a fake.
type Backend interface {
	// PrimeFDToHandle converts a DMA-BUF fd to a GEM handle.
	PrimeFDToHandle(fd int) (uint32, error)
	// AddFB2 registers a 3-plane framebuffer against a single GEM handle
	// at three offsets/pitches, returning the new fb_id.
	AddFB2(gemHandle uint32, w, h int, offsets, pitches [3]uint32) (uint32, error)
	// SetPlane places fbID on planeID against crtcID at the given
	// destination rectangle; this call blocks for vsync.
	SetPlane(crtcID, planeID, fbID uint32, w, h int) error
	// ReleaseFB removes a cached framebuffer and its GEM handle.
	ReleaseFB(gemHandle, fbID uint32) error
}

const cacheCapacity = 8

// Worker runs the overlay-plane update loop on its own goroutine.
type Worker struct {
	backend Backend

	mu      sync.Mutex
	cond    *sync.Cond
	cache   map[int]FB   // fd -> cached fb
	order   []int        // fd insertion order, for the shutdown release pass
	pending *Update
	shutdown bool

	done chan struct{}
}

// New starts the worker goroutine.
func New(backend Backend) *Worker {
	w := &Worker{
		backend: backend,
		cache:   make(map[int]FB, cacheCapacity),
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// ImportAndCommit looks up fd in the cache (creating the {gem_handle,
// fb_id} pair on a cache miss) and submits the resulting fb_id to the
// update mailbox, overwriting any not-yet-applied pending update. Caching
// has no eviction during playback, only at Shutdown (spec.md §4.7).
func (w *Worker) ImportAndCommit(fd int, width, height int, offsets, pitches [3]uint32, crtcID, planeID uint32) error {
	w.mu.Lock()
	fb, ok := w.cache[fd]
	w.mu.Unlock()

	if !ok {
		handle, err := w.backend.PrimeFDToHandle(fd)
		if err != nil {
			return err
		}
		fbID, err := w.backend.AddFB2(handle, width, height, offsets, pitches)
		if err != nil {
			return err
		}
		fb = FB{GEMHandle: handle, FBID: fbID}

		w.mu.Lock()
		w.cache[fd] = fb
		w.order = append(w.order, fd)
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.pending = &Update{
		FD: fd, W: width, H: height,
		Offsets: offsets, Pitches: pitches,
		CRTCID: crtcID, PlaneID: planeID,
	}
	w.mu.Unlock()
	w.cond.Signal()
	return nil
}

func (w *Worker) run() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		for w.pending == nil && !w.shutdown {
			w.cond.Wait()
		}
		if w.shutdown && w.pending == nil {
			close(w.done)
			return
		}

		update := w.pending
		w.pending = nil
		fb := w.cache[update.FD]
		w.mu.Unlock()

		_ = w.backend.SetPlane(update.CRTCID, update.PlaneID, fb.FBID, update.W, update.H)

		w.mu.Lock()
	}
}

// Shutdown signals the worker to stop, waits up to timeout for the
// goroutine to exit, disables the plane, and releases every cached
// framebuffer and GEM handle.
func (w *Worker) Shutdown(timeout time.Duration, crtcID, planeID uint32) bool {
	w.mu.Lock()
	w.shutdown = true
	w.mu.Unlock()
	w.cond.Broadcast()

	joined := false
	select {
	case <-w.done:
		joined = true
	case <-time.After(timeout):
	}

	_ = w.backend.SetPlane(crtcID, planeID, 0, 0, 0)

	w.mu.Lock()
	order := w.order
	cache := w.cache
	w.order = nil
	w.cache = make(map[int]FB)
	w.mu.Unlock()

	for _, fd := range order {
		fb := cache[fd]
		_ = w.backend.ReleaseFB(fb.GEMHandle, fb.FBID)
	}

	return joined
}

// CacheSize reports the number of distinct fds currently cached; exposed
// for tests asserting cache-hit behavior.
func (w *Worker) CacheSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cache)
}

// Package simulator is an SDL2-backed stand-in for internal/display, used
// in development and tests where no real DRM/KMS device is available. It
// implements the same operations display.Device exposes (open, swap, and
// the kmsworker.Backend surface) against an SDL2 window instead of a GBM
// scanout buffer, reusing the teacher's own multi-driver-fallback cascade
// for headless/CI environments (dummy/software drivers).
package simulator

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/veandco/go-sdl2/sdl"
)

// videoDriverCascade mirrors the teacher's initializeSDL2 fallback order,
// trimmed of the GUI-only drivers that make no sense in a CI/headless
// context and reordered so "dummy" and "software" -- the two that succeed
// without a real display -- come first when no driver is requested.
func videoDriverCascade() []string {
	if env := os.Getenv("SDL_VIDEODRIVER"); env != "" {
		return []string{env, "dummy"}
	}
	if runtime.GOOS == "darwin" {
		return []string{"cocoa", "dummy"}
	}
	return []string{"dummy", "software", "x11", "wayland", "kmsdrm"}
}

// Device is the simulator's stand-in for display.Device: an SDL2 window
// plus an in-memory model of the GEM-handle/framebuffer bookkeeping the
// KMS overlay worker expects from kmsworker.Backend.
type Device struct {
	window   *sdl.Window
	renderer *sdl.Renderer
	Width    int
	Height   int

	nextHandle uint32
	nextFBID   uint32
	fbOwners   map[uint32]uint32 // fb_id -> gem_handle, for ReleaseFB bookkeeping
	planeFB    uint32
	setPlaneLog []PlaneCall
}

// PlaneCall records one SetPlane invocation, for test assertions made
// against the simulator instead of real hardware.
type PlaneCall struct {
	CRTCID, PlaneID, FBID uint32
	W, H                  int
}

// Open initializes SDL2 trying each driver in videoDriverCascade until one
// succeeds, then creates a width x height window and renderer.
func Open(title string, width, height int) (*Device, error) {
	var lastErr error
	for _, driver := range videoDriverCascade() {
		os.Setenv("SDL_VIDEODRIVER", driver)
		sdl.Quit()
		time.Sleep(10 * time.Millisecond)

		sdl.SetHint(sdl.HINT_VIDEODRIVER, driver)
		sdl.SetHint(sdl.HINT_RENDER_VSYNC, "0")

		if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
			lastErr = fmt.Errorf("driver %s: %w", driver, err)
			continue
		}

		window, err := sdl.CreateWindow(title, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
			int32(width), int32(height), sdl.WINDOW_SHOWN)
		if err != nil {
			lastErr = fmt.Errorf("driver %s: CreateWindow: %w", driver, err)
			sdl.Quit()
			continue
		}

		renderer, err := sdl.CreateRenderer(window, -1, sdl.RENDERER_ACCELERATED|sdl.RENDERER_PRESENTVSYNC)
		if err != nil {
			renderer, err = sdl.CreateRenderer(window, -1, sdl.RENDERER_SOFTWARE)
		}
		if err != nil {
			lastErr = fmt.Errorf("driver %s: CreateRenderer: %w", driver, err)
			window.Destroy()
			sdl.Quit()
			continue
		}

		return &Device{
			window:   window,
			renderer: renderer,
			Width:    width,
			Height:   height,
			fbOwners: make(map[uint32]uint32),
		}, nil
	}
	return nil, fmt.Errorf("simulator: all SDL2 video drivers failed: %w", lastErr)
}

// Swap presents the renderer's current backbuffer. There is no GBM/pageflip
// retry semantics to model here -- SDL2's presenter is always synchronous.
func (d *Device) Swap() error {
	d.renderer.Present()
	return nil
}

// Renderer exposes the SDL2 renderer for the presenter's test double GL
// shim, if one is wired up; real rendering in this package is limited to
// the plane-commit bookkeeping below.
func (d *Device) Renderer() *sdl.Renderer { return d.renderer }

// PrimeFDToHandle implements kmsworker.Backend by handing out a fresh
// synthetic GEM handle per call; the simulator has no real DMA-BUFs.
func (d *Device) PrimeFDToHandle(fd int) (uint32, error) {
	d.nextHandle++
	return d.nextHandle, nil
}

// AddFB2 implements kmsworker.Backend with an in-memory fb_id allocator.
func (d *Device) AddFB2(gemHandle uint32, w, h int, offsets, pitches [3]uint32) (uint32, error) {
	d.nextFBID++
	d.fbOwners[d.nextFBID] = gemHandle
	return d.nextFBID, nil
}

// SetPlane implements kmsworker.Backend, recording the call for test
// assertions and drawing a solid rectangle as a stand-in for the video
// plane's visible extent.
func (d *Device) SetPlane(crtcID, planeID, fbID uint32, w, h int) error {
	d.planeFB = fbID
	d.setPlaneLog = append(d.setPlaneLog, PlaneCall{CRTCID: crtcID, PlaneID: planeID, FBID: fbID, W: w, H: h})
	if fbID == 0 {
		return nil
	}
	d.renderer.SetDrawColor(32, 32, 32, 255)
	d.renderer.FillRect(&sdl.Rect{X: 0, Y: 0, W: int32(w), H: int32(h)})
	return nil
}

// ReleaseFB implements kmsworker.Backend.
func (d *Device) ReleaseFB(gemHandle, fbID uint32) error {
	delete(d.fbOwners, fbID)
	return nil
}

// PlaneCalls returns every SetPlane call observed so far, for test
// assertions.
func (d *Device) PlaneCalls() []PlaneCall { return append([]PlaneCall(nil), d.setPlaneLog...) }

// Close tears down the SDL2 window, renderer, and subsystem.
func (d *Device) Close() error {
	if d.renderer != nil {
		d.renderer.Destroy()
	}
	if d.window != nil {
		d.window.Destroy()
	}
	sdl.Quit()
	return nil
}

// Package presenter implements the main loop of spec.md §4.8: per-
// iteration input handling, keystone editing, per-stream async decode
// collection, render-path selection, swap, frame pacing, and PTS-drift
// correction. It is built against small interfaces (Renderer, Overlay)
// and a Commands function hook so it can run against fakes in tests, exactly as the teacher's runGameLoop in main.go runs against the
// SDL2 window/renderer it was handed.
package presenter

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/mjdilworth/pickle/internal/command"
	"github.com/mjdilworth/pickle/internal/decoder"
	"github.com/mjdilworth/pickle/internal/glrender"
	"github.com/mjdilworth/pickle/internal/keystone"
	"github.com/mjdilworth/pickle/internal/performance"
	"github.com/mjdilworth/pickle/internal/streampair"
)

// Renderer is the subset of *glrender.Renderer the presenter drives.
type Renderer interface {
	RenderYUVPlanar(y, u, v []byte, yStride, uStride, vStride, w, h int, keystone, aspectMVP [16]float32, videoIndex int, clear bool) error
	RenderYUVDMAExternal(fd int, offset0, pitch0 uint32, w, h int, keystone, aspectMVP [16]float32, videoIndex int, clear bool) error
	Swap() error
}

// Overlay is the subset of *kmsworker.Worker the presenter drives for the
// overlay-bypass render path.
type Overlay interface {
	ImportAndCommit(fd int, width, height int, offsets, pitches [3]uint32, crtcID, planeID uint32) error
}

// streamRuntime is the per-stream mutable state the loop carries across
// iterations: decode results, drift anchor, and frame-drop bookkeeping.
type streamRuntime struct {
	lastFrame     *decoder.Frame
	havePresented bool
	lastPresented time.Time
	drift         driftCorrector
	drops         dropTracker
	decodeTime    time.Duration
	firstRequest  bool
}

// Loop runs one playback session's main loop against a Pair.
type Loop struct {
	Pair     *streampair.Pair
	Renderer Renderer
	Overlay  Overlay
	CRTCID   uint32
	PlaneID  uint32

	// Commands returns and clears any commands accumulated since the last
	// call (the core's contract with the out-of-scope input module, per
	// spec.md §6).
	Commands func() []command.Command

	// DisplayAspect is width/height of the active mode; used for the
	// aspect-preserving MVP (spec.md §4.2).
	DisplayAspect float32

	Caps glrender.Capabilities // external sampler / DMA / overlay support, fixed at startup

	Monitor *performance.Monitor

	loopEnabled bool
	running     bool
	lastTick    time.Time
	firstTick   bool

	streams      [2]streamRuntime
	pendingNudge pendingNudgeDir

	// quitRequested is set from outside the loop's own goroutine (the
	// process signal handler, spec.md §9 "signal-based quit": an async-
	// signal-safe atomic flag read at the top of the main loop).
	quitRequested atomic.Bool

	now func() time.Time
}

// RequestQuit signals the loop to stop at the start of its next Tick. Safe
// to call from a signal handler goroutine.
func (l *Loop) RequestQuit() { l.quitRequested.Store(true) }

// NewLoop constructs a Loop ready for Start and Tick. caps describes what this EGL
// context/decoder combination supports; it is computed once at startup
// (spec.md §4.8 step 5 operates on it per-frame, but the capability bits
// themselves don't change mid-session, only KeystoneIdentity does).
func NewLoop(pair *streampair.Pair, renderer Renderer, overlay Overlay, crtcID, planeID uint32, displayAspect float32, caps glrender.Capabilities, commands func() []command.Command) *Loop {
	return &Loop{
		Pair:          pair,
		Renderer:      renderer,
		Overlay:       overlay,
		CRTCID:        crtcID,
		PlaneID:       planeID,
		Commands:      commands,
		DisplayAspect: displayAspect,
		Caps:          caps,
		Monitor:       performance.NewMonitor(120),
		firstTick:     true,
		now:           time.Now,
	}
}

// Running reports whether the loop should keep iterating.
func (l *Loop) Running() bool { return l.running }

// Start marks the loop as running; call once before the first Tick.
func (l *Loop) Start() { l.running = true }

// Tick runs exactly one iteration of the main loop (spec.md §4.8's ten
// steps) and returns whether the loop should continue.
func (l *Loop) Tick() bool {
	if l.quitRequested.Load() {
		l.running = false
		return false
	}

	wall := l.now()

	// Step 1: delta_time.
	var deltaTime time.Duration
	if l.firstTick {
		deltaTime = targetFrameTime
		l.firstTick = false
	} else {
		deltaTime = wall.Sub(l.lastTick)
	}
	l.lastTick = wall

	// Step 2: drain input.
	var cmds []command.Command
	if l.Commands != nil {
		cmds = l.Commands()
	}
	l.applyCommands(cmds)

	// Step 3: keystone nudge, gated by editing mode.
	l.applyPendingNudge(deltaTime)

	// Step 4: per-stream decode collection.
	decodeStart := l.now()
	for i, s := range l.Pair.Streams() {
		l.collectStream(i, s)
	}
	decodeTime := l.now().Sub(decodeStart)

	if !l.running {
		return false
	}

	// Step 5-8: render each stream, first stream clears.
	renderStart := l.now()
	for i, s := range l.Pair.Streams() {
		l.renderStream(i, s)
	}

	// Step 8: swap.
	if err := l.Renderer.Swap(); err != nil {
		log.Printf("presenter: swap failed: %v", err)
	}
	renderTime := l.now().Sub(renderStart)

	l.Monitor.RecordFrameDecode(decodeTime)
	l.Monitor.RecordFrameRender(renderTime)
	totalFrameTime := decodeTime + renderTime
	l.Monitor.RecordTotalFrameTime(totalFrameTime)

	// Step 9-10: pacing + PTS drift correction, primary stream's clock.
	var driftAdjust time.Duration
	if primary := l.Pair.Primary; primary != nil && l.streams[0].lastFrame != nil {
		presentedAt := l.now()
		driftAdjust = l.streams[0].drift.adjustment(presentedAt, l.streams[0].lastFrame.PTS)
		l.recordPresented(0, presentedAt)
	}
	sleep := sleepDuration(totalFrameTime, driftAdjust)
	if sleep > 0 {
		time.Sleep(sleep)
	}

	return l.running
}

func (l *Loop) recordPresented(streamIndex int, at time.Time) {
	sr := &l.streams[streamIndex]
	if sr.havePresented {
		since := at.Sub(sr.lastPresented)
		if isDrop(since) {
			l.Monitor.RecordFrameDropped()
			action := sr.drops.record()
			if action.ShouldLog && action.Summary {
				log.Printf("presenter: stream %d dropped %d frames total", streamIndex, action.Count)
			} else if action.ShouldLog {
				log.Printf("presenter: stream %d dropped frame (#%d)", streamIndex, action.Count)
			}
		}
	}
	sr.havePresented = true
	sr.lastPresented = at
}

// applyCommands dispatches drained commands to the stream pair and loop
// state; everything except Quit/LoopToggle is delegated to
// internal/streampair, which owns the active-keystone gating.
func (l *Loop) applyCommands(cmds []command.Command) {
	for _, c := range cmds {
		switch c.Kind {
		case command.SelectCorner:
			l.Pair.SelectCorner(c.Stream, keystone.Corner(c.Corner))
		case command.Nudge:
			l.pendingNudge.DX += c.DX
			l.pendingNudge.DY += c.DY
		case command.Reset:
			l.Pair.Reset()
		case command.Save:
			if err := l.Pair.Save(); err != nil {
				log.Printf("presenter: save failed: %v", err)
			}
		case command.ToggleCorners:
			l.Pair.ActiveKeystone().ShowCorners = !l.Pair.ActiveKeystone().ShowCorners
		case command.ToggleBorder:
			l.Pair.ActiveKeystone().ShowBorder = !l.Pair.ActiveKeystone().ShowBorder
		case command.ToggleHelp:
			l.Pair.ActiveKeystone().ShowHelp = !l.Pair.ActiveKeystone().ShowHelp
		case command.CycleNextCorner:
			l.Pair.CycleNextCorner()
		case command.StepUp:
			l.Pair.ActiveKeystone().StepUp()
		case command.StepDown:
			l.Pair.ActiveKeystone().StepDown()
		case command.Quit:
			l.running = false
		case command.LoopToggle:
			l.loopEnabled = c.Loop
		}
	}
}

// pendingNudgeDir is the accumulated, not-yet-applied nudge direction from
// this iteration's drained commands.
type pendingNudgeDir struct{ DX, DY float32 }

func (l *Loop) applyPendingNudge(deltaTime time.Duration) {
	dir := l.pendingNudge
	l.pendingNudge = pendingNudgeDir{}
	if dir.DX == 0 && dir.DY == 0 {
		return
	}
	active := l.Pair.ActiveKeystone()
	if active.Selected() == keystone.None {
		return
	}
	if !active.ShowCorners && !active.ShowBorder {
		return
	}
	active.Nudge(dir.DX, dir.DY, nudgeScale(deltaTime))
}

// collectStream runs step 4 for one stream: request/wait/collect via the
// async worker if present, else a direct synchronous decode, with EOF/loop
// handling.
func (l *Loop) collectStream(index int, s *streampair.Stream) {
	sr := &l.streams[index]

	if s.Async != nil {
		if !s.Async.HasRequestOutstanding() {
			s.Async.Request()
		}
		timeout := time.Duration(0)
		if !sr.firstRequest {
			timeout = 100 * time.Millisecond
			sr.firstRequest = true
		}
		if !s.Async.Wait(timeout) {
			return // not ready this iteration; keep presenting lastFrame
		}
		result, err := s.Async.Collect()
		l.handleDecodeResult(index, s, result, err)
		return
	}

	frame, err := s.Decoder.DecodeNext()
	l.handleDecodeResult(index, s, frame, err)
}

func (l *Loop) handleDecodeResult(index int, s *streampair.Stream, result interface{}, err error) {
	sr := &l.streams[index]
	if err == decoder.Eof {
		if l.loopEnabled {
			if seekErr := s.Decoder.SeekStart(); seekErr != nil {
				log.Printf("presenter: stream %d loop seek failed: %v", index, seekErr)
				l.running = false
				return
			}
			sr.drift.reset()
			sr.firstRequest = false
			return
		}
		l.running = false
		return
	}
	if err != nil {
		// A non-EOF error here is a *decoder.DecodeError: the session has
		// already exhausted its hardware-to-software fallback (spec.md
		// §4.5), so this is fatal for the whole loop (spec.md §7).
		log.Printf("presenter: stream %d fatal decode error: %v", index, err)
		l.running = false
		return
	}
	if frame, ok := result.(*decoder.Frame); ok && frame != nil {
		if sr.lastFrame != nil && sr.lastFrame.Format == decoder.FormatDMA && sr.lastFrame.DMA.Release != nil {
			sr.lastFrame.DMA.Release()
		}
		sr.lastFrame = frame
	}
}

// renderStream runs steps 5-7 for one stream: choose a render path from
// the decoded frame's format and this session's capabilities, then draw
// (or hand off to the KMS overlay worker).
func (l *Loop) renderStream(index int, s *streampair.Stream) {
	sr := &l.streams[index]
	if sr.lastFrame == nil {
		return
	}
	frame := sr.lastFrame
	clear := index == 0

	caps := l.Caps
	caps.HardwareDecode = frame.Format == decoder.FormatDMA
	caps.KeystoneIdentity = isIdentity(s.Keystone)

	path := glrender.SelectRenderPath(caps)

	var width, height int
	if frame.Format == decoder.FormatDMA {
		width, height = frame.DMA.Width, frame.DMA.Height
	} else {
		width, height = frame.Planar.Width, frame.Planar.Height
	}
	aspect := float32(width) / float32(height)
	aspectMVP := glrender.AspectMVP(aspect, l.DisplayAspect)
	keystoneMatrix := s.Keystone.Matrix()

	switch path {
	case glrender.PathOverlay:
		if l.Overlay == nil || frame.Format != decoder.FormatDMA {
			l.renderPlanarOrDMA(index, s, frame, keystoneMatrix, aspectMVP, clear)
			return
		}
		if err := l.Overlay.ImportAndCommit(frame.DMA.FD, width, height, frame.DMA.Offsets, frame.DMA.Pitches, l.CRTCID, l.PlaneID); err != nil {
			log.Printf("presenter: stream %d overlay commit failed: %v", index, err)
		}
	default:
		l.renderPlanarOrDMA(index, s, frame, keystoneMatrix, aspectMVP, clear)
	}
}

func (l *Loop) renderPlanarOrDMA(index int, s *streampair.Stream, frame *decoder.Frame, keystoneMatrix, aspectMVP [16]float32, clear bool) {
	if frame.Format == decoder.FormatDMA {
		if err := l.Renderer.RenderYUVDMAExternal(frame.DMA.FD, frame.DMA.Offsets[0], frame.DMA.Pitches[0], frame.DMA.Width, frame.DMA.Height, keystoneMatrix, aspectMVP, index, clear); err != nil {
			log.Printf("presenter: stream %d external DMA render failed, falling back next frame: %v", index, err)
		}
		return
	}
	p := frame.Planar
	if err := l.Renderer.RenderYUVPlanar(p.Y, p.U, p.V, p.YStride, p.UStride, p.VStride, p.Width, p.Height, keystoneMatrix, aspectMVP, index, clear); err != nil {
		log.Printf("presenter: stream %d planar render failed: %v", index, err)
	}
}

// Close releases any DMA frame still held by the loop's stream runtimes.
// Call after the loop exits and before the owning decoders are closed.
func (l *Loop) Close() {
	for i := range l.streams {
		f := l.streams[i].lastFrame
		if f != nil && f.Format == decoder.FormatDMA && f.DMA.Release != nil {
			f.DMA.Release()
		}
		l.streams[i].lastFrame = nil
	}
}

func isIdentity(k *keystone.State) bool {
	corners := k.Corners()
	identity := [4]keystone.Point{{X: -1, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: -1}, {X: -1, Y: -1}}
	return corners == identity
}

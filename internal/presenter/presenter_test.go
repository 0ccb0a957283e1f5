package presenter

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mjdilworth/pickle/internal/command"
	"github.com/mjdilworth/pickle/internal/decoder"
	"github.com/mjdilworth/pickle/internal/glrender"
	"github.com/mjdilworth/pickle/internal/keystone"
	"github.com/mjdilworth/pickle/internal/performance"
	"github.com/mjdilworth/pickle/internal/streampair"
)

type fakeRenderer struct {
	planarCalls  int
	externalCalls int
	lastClear    bool
	failExternal bool
}

func (f *fakeRenderer) RenderYUVPlanar(y, u, v []byte, yStride, uStride, vStride, w, h int, keystone, aspectMVP [16]float32, videoIndex int, clear bool) error {
	f.planarCalls++
	f.lastClear = clear
	return nil
}

func (f *fakeRenderer) RenderYUVDMAExternal(fd int, offset0, pitch0 uint32, w, h int, keystone, aspectMVP [16]float32, videoIndex int, clear bool) error {
	f.externalCalls++
	f.lastClear = clear
	if f.failExternal {
		return errFakeExternal
	}
	return nil
}

func (f *fakeRenderer) Swap() error { return nil }

var errFakeExternal = &fakeErr{"external render failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

type fakeOverlay struct {
	calls int
}

func (f *fakeOverlay) ImportAndCommit(fd int, width, height int, offsets, pitches [3]uint32, crtcID, planeID uint32) error {
	f.calls++
	return nil
}

func newTestLoop(t *testing.T, dual bool) (*Loop, *streampair.Pair, *fakeRenderer, *fakeOverlay) {
	t.Helper()
	dir := t.TempDir()
	var pair *streampair.Pair
	var err error
	if dual {
		pair, err = streampair.NewDual(nil, nil, filepath.Join(dir, "a.conf"), nil, nil, filepath.Join(dir, "b.conf"))
	} else {
		pair, err = streampair.NewSingle(nil, nil, filepath.Join(dir, "a.conf"))
	}
	if err != nil {
		t.Fatalf("streampair setup: %v", err)
	}

	r := &fakeRenderer{}
	o := &fakeOverlay{}
	l := NewLoop(pair, r, o, 1, 2, 16.0/9.0, glrender.Capabilities{}, func() []command.Command { return nil })
	return l, pair, r, o
}

func planarFrame(w, h int) *decoder.Frame {
	return &decoder.Frame{
		Format: decoder.FormatPlanar,
		Planar: &decoder.PlanarFrame{
			Width: w, Height: h,
			YStride: w, UStride: w / 2, VStride: w / 2,
			Y: make([]byte, w*h), U: make([]byte, w*h/4), V: make([]byte, w*h/4),
		},
	}
}

func dmaFrame(w, h int) *decoder.Frame {
	return &decoder.Frame{
		Format: decoder.FormatDMA,
		DMA: &decoder.DMAFrame{
			Width: w, Height: h, FD: 42,
			Offsets: [3]uint32{0, uint32(w * h), uint32(w*h + w*h/4)},
			Pitches: [3]uint32{uint32(w), uint32(w / 2), uint32(w / 2)},
		},
	}
}

func TestApplyCommandsSelectCornerActivatesStream(t *testing.T) {
	l, pair, _, _ := newTestLoop(t, true)
	l.applyCommands([]command.Command{{Kind: command.SelectCorner, Stream: 1, Corner: int(keystone.BottomRight)}})
	if pair.ActiveKeystone().Selected() != keystone.BottomRight {
		t.Fatalf("expected BottomRight selected on secondary, got %v", pair.ActiveKeystone().Selected())
	}
}

func TestApplyCommandsNudgeAccumulatesIntoPending(t *testing.T) {
	l, _, _, _ := newTestLoop(t, false)
	l.applyCommands([]command.Command{{Kind: command.Nudge, DX: 0.5, DY: -0.25}, {Kind: command.Nudge, DX: 0.5, DY: 0}})
	if l.pendingNudge.DX != 1.0 || l.pendingNudge.DY != -0.25 {
		t.Fatalf("expected accumulated nudge (1.0,-0.25), got %+v", l.pendingNudge)
	}
}

func TestApplyCommandsQuitStopsLoop(t *testing.T) {
	l, _, _, _ := newTestLoop(t, false)
	l.running = true
	l.applyCommands([]command.Command{{Kind: command.Quit}})
	if l.running {
		t.Fatalf("expected Quit to clear running")
	}
}

func TestApplyCommandsLoopToggleSetsState(t *testing.T) {
	l, _, _, _ := newTestLoop(t, false)
	l.applyCommands([]command.Command{{Kind: command.LoopToggle, Loop: true}})
	if !l.loopEnabled {
		t.Fatalf("expected loopEnabled true")
	}
}

func TestApplyPendingNudgeNoopWithoutSelection(t *testing.T) {
	l, pair, _, _ := newTestLoop(t, false)
	l.pendingNudge = pendingNudgeDir{DX: 1, DY: 1}
	before := pair.ActiveKeystone().Corners()
	l.applyPendingNudge(targetFrameTime)
	if pair.ActiveKeystone().Corners() != before {
		t.Fatalf("expected no movement with no corner selected")
	}
}

func TestApplyPendingNudgeNoopWhenOverlaysHidden(t *testing.T) {
	l, pair, _, _ := newTestLoop(t, false)
	pair.Primary.Keystone.Select(keystone.TopLeft)
	l.pendingNudge = pendingNudgeDir{DX: 1}
	before := pair.ActiveKeystone().Corners()
	l.applyPendingNudge(targetFrameTime)
	if pair.ActiveKeystone().Corners() != before {
		t.Fatalf("expected no movement when ShowCorners/ShowBorder both false")
	}
}

func TestApplyPendingNudgeMovesSelectedCornerWhenEditing(t *testing.T) {
	l, pair, _, _ := newTestLoop(t, false)
	pair.Primary.Keystone.Select(keystone.TopLeft)
	pair.Primary.Keystone.ShowCorners = true
	l.pendingNudge = pendingNudgeDir{DX: 1}
	before := pair.ActiveKeystone().Corners()[0]
	l.applyPendingNudge(targetFrameTime)
	after := pair.ActiveKeystone().Corners()[0]
	if after.X <= before.X {
		t.Fatalf("expected TopLeft.X to increase, before=%v after=%v", before, after)
	}
}

func TestIsIdentityTrueForDefaultQuad(t *testing.T) {
	k := keystone.New()
	if !isIdentity(k) {
		t.Fatalf("expected fresh keystone.New() to be identity")
	}
}

func TestIsIdentityFalseAfterNudge(t *testing.T) {
	k := keystone.New()
	k.Select(keystone.TopLeft)
	k.Nudge(1, 0, 1)
	if isIdentity(k) {
		t.Fatalf("expected nudged keystone to not be identity")
	}
}

func TestRenderStreamPlanarUploadPathByDefault(t *testing.T) {
	l, pair, r, o := newTestLoop(t, false)
	l.streams[0].lastFrame = planarFrame(64, 64)
	l.renderStream(0, pair.Primary)
	if r.planarCalls != 1 {
		t.Fatalf("expected 1 planar render call, got %d", r.planarCalls)
	}
	if !r.lastClear {
		t.Fatalf("expected first (index 0) stream to clear")
	}
	if o.calls != 0 {
		t.Fatalf("expected no overlay calls for planar frame")
	}
}

func TestRenderStreamSecondStreamDoesNotClear(t *testing.T) {
	l, pair, r, _ := newTestLoop(t, true)
	l.streams[1].lastFrame = planarFrame(64, 64)
	l.renderStream(1, pair.Secondary)
	if r.lastClear {
		t.Fatalf("expected second stream not to clear")
	}
}

func TestRenderStreamOverlayPathWhenIdentityAndOverlayPresent(t *testing.T) {
	l, pair, r, o := newTestLoop(t, false)
	l.Caps.OverlayPlane = true
	l.streams[0].lastFrame = dmaFrame(64, 64)
	l.renderStream(0, pair.Primary)
	if o.calls != 1 {
		t.Fatalf("expected overlay ImportAndCommit called once, got %d", o.calls)
	}
	if r.externalCalls != 0 || r.planarCalls != 0 {
		t.Fatalf("expected overlay path to bypass GL entirely, got external=%d planar=%d", r.externalCalls, r.planarCalls)
	}
}

func TestRenderStreamFallsBackWhenKeystoneNotIdentity(t *testing.T) {
	l, pair, r, o := newTestLoop(t, false)
	l.Caps.OverlayPlane = true
	l.Caps.ExternalSampler = true
	l.Caps.DMAAvailable = true
	pair.Primary.Keystone.Select(keystone.TopLeft)
	pair.Primary.Keystone.Nudge(1, 0, 1)
	l.streams[0].lastFrame = dmaFrame(64, 64)
	l.renderStream(0, pair.Primary)
	if o.calls != 0 {
		t.Fatalf("expected overlay bypassed once keystone is non-identity")
	}
	if r.externalCalls != 1 {
		t.Fatalf("expected external DMA render path, got external=%d planar=%d", r.externalCalls, r.planarCalls)
	}
}

func TestRecordPresentedIncrementsMonitorDropsOnSlowGap(t *testing.T) {
	l, _, _, _ := newTestLoop(t, false)
	l.Monitor = performance.NewMonitor(10)
	base := time.Now()
	l.recordPresented(0, base)
	l.recordPresented(0, base.Add(3*targetFrameTime))
	if l.Monitor.GetReport().DroppedFrames != 1 {
		t.Fatalf("expected 1 dropped frame recorded, got %d", l.Monitor.GetReport().DroppedFrames)
	}
}

func TestCloseReleasesHeldDMAFrame(t *testing.T) {
	l, _, _, _ := newTestLoop(t, false)
	released := false
	f := dmaFrame(32, 32)
	f.DMA.Release = func() { released = true }
	l.streams[0].lastFrame = f
	l.Close()
	if !released {
		t.Fatalf("expected Close to call the held DMA frame's Release")
	}
	if l.streams[0].lastFrame != nil {
		t.Fatalf("expected lastFrame cleared after Close")
	}
}

package decoder

import (
	"errors"
	"testing"

	"github.com/mjdilworth/pickle/internal/bitstream"
)

// fakeBackend drives Session's state machine deterministically for tests,
// standing in for decoder_v4l2.go / decoder_ffmpeg.go.
type fakeBackend struct {
	// script is consumed one entry per pumpOne call: "frame" produces a
	// frame, "nil" consumes a packet with no output, "eof" signals end
	// of stream, "err" returns a generic failure.
	script    []string
	pos       int
	closed    bool
	seekCount int
	openErr   error
	format    FrameFormat
}

func (f *fakeBackend) open(path string, opts Options) (bitstream.Config, FrameFormat, error) {
	if f.openErr != nil {
		return bitstream.Config{}, 0, f.openErr
	}
	return bitstream.Config{}, f.format, nil
}

func (f *fakeBackend) pumpOne() (*Frame, bool, error) {
	if f.pos >= len(f.script) {
		return nil, false, Eof
	}
	step := f.script[f.pos]
	f.pos++
	switch step {
	case "frame":
		return &Frame{Format: f.format, PTS: int64(f.pos)}, true, nil
	case "nil":
		return nil, false, nil
	case "eof":
		return nil, false, Eof
	case "err":
		return nil, false, errors.New("fake decode failure")
	default:
		panic("unknown script step: " + step)
	}
}

func (f *fakeBackend) seekStart() error {
	f.seekCount++
	f.pos = 0
	return nil
}

func (f *fakeBackend) close() { f.closed = true }

func newTestSession(script []string) (*Session, *fakeBackend) {
	fb := &fakeBackend{script: script, format: FormatPlanar}
	fallback := &fakeBackend{script: []string{"frame"}, format: FormatPlanar}
	s := &Session{
		backend:            fb,
		usingHW:            false,
		state:              StateReady,
		pumpBound:          initialPumpBound,
		newSoftwareBackend: func() backend { return fallback },
		newHardwareBackend: func() backend { return fb },
	}
	return s, fb
}

func TestDecodeNextProducesFrameImmediately(t *testing.T) {
	s, _ := newTestSession([]string{"frame"})
	frame, err := s.DecodeNext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame == nil {
		t.Fatalf("expected a frame")
	}
	if s.State() != StateStreaming {
		t.Fatalf("expected Streaming after first frame, got %v", s.State())
	}
}

func TestDecodeNextWarmupThenStreaming(t *testing.T) {
	s, _ := newTestSession([]string{"nil", "nil", "nil", "frame"})
	frame, err := s.DecodeNext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame == nil {
		t.Fatalf("expected a frame after warmup packets")
	}
	if s.State() != StateStreaming {
		t.Fatalf("expected Streaming, got %v", s.State())
	}
}

func TestDecodeNextEof(t *testing.T) {
	s, _ := newTestSession([]string{"eof"})
	frame, err := s.DecodeNext()
	if !errors.Is(err, Eof) {
		t.Fatalf("expected Eof, got %v", err)
	}
	if frame != nil {
		t.Fatalf("expected nil frame on EOF")
	}
	if s.State() != StateEof {
		t.Fatalf("expected Eof state, got %v", s.State())
	}
}

func TestDecodeNextStarvationGrowsPumpBound(t *testing.T) {
	script := make([]string, initialPumpBound)
	for i := range script {
		script[i] = "nil"
	}
	s, _ := newTestSession(script)
	before := s.pumpBound
	frame, err := s.DecodeNext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame != nil {
		t.Fatalf("expected no frame under starvation")
	}
	if s.pumpBound <= before {
		t.Fatalf("expected pump bound to grow from %d, got %d", before, s.pumpBound)
	}
}

func TestPumpBoundShrinksAfterSuccessiveFrames(t *testing.T) {
	s, _ := newTestSession(nil)
	s.pumpBound = maxPumpBound
	s.onFrameProduced()
	if s.pumpBound != maxPumpBound/2 {
		t.Fatalf("expected pump bound to halve to %d, got %d", maxPumpBound/2, s.pumpBound)
	}
}

func TestPumpBoundNeverShrinksBelowInitial(t *testing.T) {
	s, _ := newTestSession(nil)
	s.pumpBound = initialPumpBound
	s.onFrameProduced()
	if s.pumpBound != initialPumpBound {
		t.Fatalf("expected pump bound to stay at %d, got %d", initialPumpBound, s.pumpBound)
	}
}

func TestPumpBoundNeverGrowsAboveMax(t *testing.T) {
	s, _ := newTestSession(nil)
	s.pumpBound = maxPumpBound
	s.growPumpBound()
	if s.pumpBound != maxPumpBound {
		t.Fatalf("expected pump bound capped at %d, got %d", maxPumpBound, s.pumpBound)
	}
}

func TestHardwareFailureFallsBackToSoftware(t *testing.T) {
	s, hwBackend := newTestSession([]string{"err"})
	s.usingHW = true

	_, err := s.DecodeNext()
	if err != nil {
		t.Fatalf("expected fallback to swallow the error and return (nil, nil), got %v", err)
	}
	if !hwBackend.closed {
		t.Fatalf("expected hardware backend to be closed on fallback")
	}
	if s.usingHW {
		t.Fatalf("expected session to be using software after fallback")
	}
	if s.State() != StateReady {
		t.Fatalf("expected Ready after fallback reopen+seek, got %v", s.State())
	}
}

func TestSoftwareFailureIsFatal(t *testing.T) {
	s, _ := newTestSession([]string{"err"})
	s.usingHW = false

	_, err := s.DecodeNext()
	if err == nil {
		t.Fatalf("expected fatal error for software backend failure")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected Failed state, got %v", s.State())
	}
}

func TestWarmupCeilingTripsFailure(t *testing.T) {
	script := make([]string, warmupCeiling+2)
	for i := range script {
		script[i] = "nil"
	}
	s, _ := newTestSession(script)
	s.pumpBound = maxPumpBound // avoid starvation growth masking the warmup ceiling
	s.state = StateDecodingWarmup

	var lastErr error
	for i := 0; i < 3 && lastErr == nil; i++ {
		_, lastErr = s.DecodeNext()
	}
	if lastErr == nil {
		t.Fatalf("expected warmup ceiling to eventually trip a failure")
	}
}

func TestSeekStartResetsToReady(t *testing.T) {
	s, fb := newTestSession([]string{"eof"})
	if _, err := s.DecodeNext(); !errors.Is(err, Eof) {
		t.Fatalf("expected eof, got %v", err)
	}
	if err := s.SeekStart(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.seekCount != 1 {
		t.Fatalf("expected backend seek to be called once, got %d", fb.seekCount)
	}
	if s.State() != StateReady {
		t.Fatalf("expected Ready after seek, got %v", s.State())
	}
}

func TestCloseReleasesBackend(t *testing.T) {
	s, fb := newTestSession([]string{"frame"})
	s.Close()
	if !fb.closed {
		t.Fatalf("expected backend to be closed")
	}
	if s.State() != StateClosed {
		t.Fatalf("expected Closed state, got %v", s.State())
	}
}

// Package decoder implements the per-stream video decode session: state
// machine, frame representation, and the two backends (V4L2 M2M hardware,
// FFmpeg software) that satisfy the Decoder contract of spec.md §4.5.
package decoder

import (
	"errors"
	"fmt"

	"github.com/mjdilworth/pickle/internal/bitstream"
)

// FrameFormat identifies the memory layout of a decoded Frame.
type FrameFormat int

const (
	// FormatPlanar is CPU-readable YUV420P: three separate byte planes.
	FormatPlanar FrameFormat = iota
	// FormatDMA is a DRM_PRIME DMA-BUF with YUV420 plane layout, never
	// touched by the CPU; consumed by EGL/KMS via its file descriptor.
	FormatDMA
)

// PlanarFrame is a CPU-side YUV420P frame: one luma plane and two
// half-resolution chroma planes, each with its own stride.
type PlanarFrame struct {
	Width, Height int
	YStride       int
	UStride       int
	VStride       int
	Y, U, V       []byte
}

// DMAFrame is a zero-copy hardware frame: a single DMA-BUF file descriptor
// covering all three YUV420 planes, with the byte offset and row pitch of
// each plane within it.
type DMAFrame struct {
	Width, Height int
	FD            int
	Offsets       [3]uint32
	Pitches       [3]uint32

	// Release must be called exactly once the frame is no longer needed
	// by any consumer (GL importer or KMS overlay), to return the
	// underlying V4L2 capture buffer to the driver's free queue.
	Release func()
}

// Frame is the tagged union a decoder session hands to the presenter: either
// Planar or DMA is non-nil depending on Format, never both.
type Frame struct {
	Format FrameFormat
	PTS    int64 // presentation timestamp, in stream time_base units converted to microseconds

	Planar *PlanarFrame
	DMA    *DMAFrame
}

// DecodeError is a sentinel wrapper distinguishing decode failures (which
// may trigger the hardware-to-software fallback) from EOF.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decoder: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Eof is returned by DecodeNext when the container has no more packets for
// the video stream and the codec has drained its internal buffer.
var Eof = errors.New("decoder: end of stream")

// Options configures a decoder session.
type Options struct {
	// PreferHardware requests the V4L2 M2M codec for H.264. On open
	// failure the session falls back to software with the same
	// parameters. Open tries the hardware backend whenever this is set; it
	// checks neither the codec nor which stream it serves. Hardware is a
	// scarce, single-instance resource, so cmd/pickle sets this only for
	// the primary stream.
	PreferHardware bool

	// InsertAUD enables the optional AUD-insertion bitstream stage; see
	// internal/bitstream.Config.InsertAUD.
	InsertAUD bool
}

// backend is what Session drives; decoder_v4l2.go and decoder_ffmpeg.go each
// provide one.
type backend interface {
	// open prepares the backend against path, returning the derived
	// bitstream.Config and the frame format the backend will emit.
	open(path string, opts Options) (bitstream.Config, FrameFormat, error)

	// pumpOne sends at most one packet into the codec and attempts to
	// receive one frame. It returns (frame, true, nil) if a frame was
	// produced, (nil, false, nil) if the packet was consumed without
	// producing a frame (EAGAIN-equivalent), or (nil, false, Eof) at
	// end of stream.
	pumpOne() (*Frame, bool, error)

	// seekStart rewinds the underlying demux position to the beginning
	// of the stream, for looping.
	seekStart() error

	close()
}

// Session is one open decoder: a state machine driving a hardware or
// software backend, with the adaptive packet-pump bound and the
// hardware-failure fallback-to-software policy of spec.md §4.5.
type Session struct {
	path string
	opts Options

	backend    backend
	usingHW    bool
	bsConfig   bitstream.Config
	format     FrameFormat
	state      State
	pumpBound  int
	failCount  int
	warmupSeen int

	// Factories, overridden in tests to avoid touching real ioctl/cgo
	// backends; default to the V4L2 M2M and FFmpeg constructors.
	newHardwareBackend func() backend
	newSoftwareBackend func() backend
}

const (
	initialPumpBound = 5
	maxPumpBound     = 64
	warmupCeiling    = 32 // max packets pumped before a frame must appear, else Failed
	hwFailThreshold  = 1  // spec.md: "on first repeated failure" -- first failure trips fallback
)

// Open demuxes path, finds the video stream, and opens a decoder backend per
// opts. H.264 with PreferHardware true tries the V4L2 M2M backend first,
// falling back to software on failure with the same parameters.
func Open(path string, opts Options) (*Session, error) {
	s := &Session{
		path:               path,
		opts:               opts,
		state:              StateOpening,
		pumpBound:          initialPumpBound,
		newHardwareBackend: func() backend { return newV4L2Backend() },
		newSoftwareBackend: func() backend { return newFFmpegBackend() },
	}

	if opts.PreferHardware {
		hw := s.newHardwareBackend()
		cfg, format, err := hw.open(path, opts)
		if err == nil {
			s.backend = hw
			s.usingHW = true
			s.bsConfig = cfg
			s.format = format
			s.state = StateReady
			return s, nil
		}
	}

	sw := s.newSoftwareBackend()
	cfg, format, err := sw.open(path, opts)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("decoder: opening %s: %w", path, err)
	}
	s.backend = sw
	s.usingHW = false
	s.bsConfig = cfg
	s.format = format
	s.state = StateReady
	return s, nil
}

// FrameFormat reports whether this session emits Planar or DMA frames.
func (s *Session) FrameFormat() FrameFormat { return s.format }

// UsingHardware reports whether the active backend is the V4L2 M2M codec.
func (s *Session) UsingHardware() bool { return s.usingHW }

// State returns the session's current state-machine state.
func (s *Session) State() State { return s.state }

// DecodeNext pumps packets to the codec, up to the current adaptive bound,
// until a frame comes out or the stream ends. On sustained starvation the
// bound grows (up to maxPumpBound); it halves after a call that produces a
// frame without exhausting the bound.
func (s *Session) DecodeNext() (*Frame, error) {
	if s.state == StateReady {
		s.state = StateDecodingWarmup
	}

	attempted := 0
	for attempted < s.pumpBound {
		frame, produced, err := s.backend.pumpOne()
		attempted++

		if errors.Is(err, Eof) {
			s.state = StateEof
			return nil, Eof
		}
		if err != nil {
			return nil, s.handleFailure(err)
		}
		if produced {
			s.onFrameProduced()
			return frame, nil
		}
		if s.state == StateDecodingWarmup {
			s.warmupSeen++
			if s.warmupSeen > warmupCeiling {
				return nil, s.handleFailure(fmt.Errorf("decoder: no frame after %d warmup packets", s.warmupSeen))
			}
		}
	}

	// Exhausted the bound without a frame or EOF: starvation, grow it.
	s.growPumpBound()
	return nil, nil
}

func (s *Session) onFrameProduced() {
	if s.state == StateDecodingWarmup {
		s.state = StateStreaming
	}
	s.failCount = 0
	s.shrinkPumpBound()
}

func (s *Session) growPumpBound() {
	if s.pumpBound < maxPumpBound {
		s.pumpBound *= 2
		if s.pumpBound > maxPumpBound {
			s.pumpBound = maxPumpBound
		}
	}
}

func (s *Session) shrinkPumpBound() {
	if s.pumpBound > initialPumpBound {
		s.pumpBound /= 2
		if s.pumpBound < initialPumpBound {
			s.pumpBound = initialPumpBound
		}
	}
}

// handleFailure applies the hardware-to-software fallback policy: on the
// first failure while using hardware, tear down, seek to the start, and
// reopen with the software codec; subsequent calls return software frames.
// A software-backend failure is fatal.
func (s *Session) handleFailure(cause error) error {
	s.failCount++
	if s.usingHW && s.failCount >= hwFailThreshold {
		s.state = StateFailed
		s.backend.close()
		s.state = StateClosed

		sw := s.newSoftwareBackend()
		cfg, format, err := sw.open(s.path, s.opts)
		if err != nil {
			return &DecodeError{Err: fmt.Errorf("hardware failure %w, software reopen failed: %v", cause, err)}
		}
		s.backend = sw
		s.usingHW = false
		s.bsConfig = cfg
		s.format = format
		s.pumpBound = initialPumpBound
		s.warmupSeen = 0
		s.failCount = 0
		s.state = StateOpening
		if err := s.backend.seekStart(); err != nil {
			s.state = StateFailed
			return &DecodeError{Err: fmt.Errorf("hardware failure %w, software seek failed: %v", cause, err)}
		}
		s.state = StateReady
		return nil
	}

	s.state = StateFailed
	return &DecodeError{Err: cause}
}

// SeekStart rewinds the session for looping and returns to Ready.
func (s *Session) SeekStart() error {
	if err := s.backend.seekStart(); err != nil {
		return fmt.Errorf("decoder: seek: %w", err)
	}
	s.state = StateReady
	s.warmupSeen = 0
	return nil
}

// Close releases the backend's resources.
func (s *Session) Close() {
	if s.backend != nil {
		s.backend.close()
		s.state = StateClosed
	}
}

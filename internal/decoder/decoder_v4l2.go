package decoder

import (
	"fmt"

	"github.com/mjdilworth/pickle/internal/bitstream"
)

// v4l2DevicePath is the bcm2835-codec M2M decoder node on Raspberry Pi 4.
const v4l2DevicePath = "/dev/video10"

// v4l2Backend drives the hardware H.264 decoder through the bcm2835-codec
// V4L2 M2M device: an OUTPUT queue fed with Annex-B access units and a
// CAPTURE queue that yields DRM_PRIME DMA-BUFs, exported once per capture
// buffer and handed to the presenter by reference (spec.md §4.5, §4.7).
//
// V4L2 M2M is a scarce, single-instance resource on this hardware, so only
// the primary stream ever requests it (see Options.PreferHardware and
// openStream's callers in cmd/pickle).
type v4l2Backend struct {
	dev *v4l2Device
	cfg bitstream.Config

	width, height int
	outputPlanes  [][]byte // mmap'd OUTPUT buffers, indexed by buffer index
	outstanding   map[uint32]bool
	captureFDs    []int // exported DMA-BUF fd per CAPTURE buffer index

	demux *annexBSource
}

func newV4L2Backend() *v4l2Backend {
	return &v4l2Backend{outstanding: make(map[uint32]bool)}
}

func (b *v4l2Backend) open(path string, opts Options) (bitstream.Config, FrameFormat, error) {
	demux, extradata, width, height, err := openAnnexBSource(path)
	if err != nil {
		return bitstream.Config{}, FormatDMA, fmt.Errorf("v4l2: demuxing %s: %w", path, err)
	}
	b.demux = demux
	b.width, b.height = width, height

	cfg, err := bitstream.ParseExtradata(extradata)
	if err != nil {
		b.close()
		return bitstream.Config{}, FormatDMA, fmt.Errorf("v4l2: parsing extradata: %w", err)
	}
	cfg.InsertAUD = opts.InsertAUD
	b.cfg = cfg

	dev, err := openV4L2Device(v4l2DevicePath)
	if err != nil {
		b.close()
		return bitstream.Config{}, FormatDMA, fmt.Errorf("v4l2: %w", err)
	}
	b.dev = dev
	if _, err := b.dev.queryCapabilities(); err != nil {
		b.close()
		return bitstream.Config{}, FormatDMA, fmt.Errorf("v4l2: querycap: %w", err)
	}

	if err := b.dev.setFormat(v4l2BufTypeOutputMPlane, uint32(width), uint32(height), pixFmtH264); err != nil {
		b.close()
		return bitstream.Config{}, FormatDMA, fmt.Errorf("v4l2: set OUTPUT format: %w", err)
	}
	if err := b.dev.setFormat(v4l2BufTypeCaptureMPlane, uint32(width), uint32(height), pixFmtDRMPrime); err != nil {
		b.close()
		return bitstream.Config{}, FormatDMA, fmt.Errorf("v4l2: set CAPTURE format: %w", err)
	}

	if err := b.setUpOutputQueue(); err != nil {
		b.close()
		return bitstream.Config{}, FormatDMA, err
	}
	if err := b.setUpCaptureQueue(); err != nil {
		b.close()
		return bitstream.Config{}, FormatDMA, err
	}

	if err := b.dev.streamOn(v4l2BufTypeOutputMPlane); err != nil {
		b.close()
		return bitstream.Config{}, FormatDMA, fmt.Errorf("v4l2: STREAMON output: %w", err)
	}
	if err := b.dev.streamOn(v4l2BufTypeCaptureMPlane); err != nil {
		b.close()
		return bitstream.Config{}, FormatDMA, fmt.Errorf("v4l2: STREAMON capture: %w", err)
	}

	return cfg, FormatDMA, nil
}

func (b *v4l2Backend) setUpOutputQueue() error {
	count, err := b.dev.requestBuffers(v4l2BufTypeOutputMPlane, v4l2MemoryMMAP, numOutputBuffers)
	if err != nil {
		return fmt.Errorf("v4l2: REQBUFS output: %w", err)
	}
	b.outputPlanes = make([][]byte, count)
	for i := uint32(0); i < count; i++ {
		planes, err := b.dev.queryBuffer(v4l2BufTypeOutputMPlane, v4l2MemoryMMAP, i)
		if err != nil {
			return fmt.Errorf("v4l2: QUERYBUF output[%d]: %w", i, err)
		}
		mem, err := b.dev.mmapPlane(uintptr(planes[0].MemOffset), int(planes[0].Length))
		if err != nil {
			return fmt.Errorf("v4l2: mmap output[%d]: %w", i, err)
		}
		b.outputPlanes[i] = mem
	}
	return nil
}

func (b *v4l2Backend) setUpCaptureQueue() error {
	count, err := b.dev.requestBuffers(v4l2BufTypeCaptureMPlane, v4l2MemoryMMAP, numCaptureBuffers)
	if err != nil {
		return fmt.Errorf("v4l2: REQBUFS capture: %w", err)
	}
	b.captureFDs = make([]int, count)
	for i := uint32(0); i < count; i++ {
		fd, err := b.dev.exportBuffer(v4l2BufTypeCaptureMPlane, i, 0)
		if err != nil {
			return fmt.Errorf("v4l2: EXPBUF capture[%d]: %w", i, err)
		}
		b.captureFDs[i] = fd

		if err := b.dev.queueBuffer(v4l2BufTypeCaptureMPlane, v4l2MemoryMMAP, i, []v4l2Plane{{}}); err != nil {
			return fmt.Errorf("v4l2: initial QBUF capture[%d]: %w", i, err)
		}
	}
	return nil
}

// pumpOne feeds the next Annex-B access unit into a free OUTPUT buffer (if
// any is free and the demuxer has more data) and attempts to dequeue one
// decoded frame from CAPTURE. The two queues are decoupled by the driver's
// internal pipeline depth, so a single call may only advance one side; the
// caller (Session.DecodeNext) loops until a frame or EOF appears.
func (b *v4l2Backend) pumpOne() (*Frame, bool, error) {
	b.reclaimOutput()

	fed, err := b.feedOutput()
	if err != nil {
		return nil, false, err
	}

	buf, planes, err := b.dev.dequeueBuffer(v4l2BufTypeCaptureMPlane, v4l2MemoryMMAP)
	if err != nil {
		if isAgain(err) {
			if !fed && b.demux.eof() {
				return nil, false, Eof
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("v4l2: DQBUF capture: %w", err)
	}

	index := buf.Index
	frame := &Frame{
		Format: FormatDMA,
		PTS:    buf.Timestamp[0]*1_000_000 + buf.Timestamp[1],
		DMA: &DMAFrame{
			Width:   b.width,
			Height:  b.height,
			FD:      b.captureFDs[index],
			Offsets: [3]uint32{0, planes[0].Length * 2 / 3, planes[0].Length * 5 / 6},
			Pitches: [3]uint32{uint32(b.width), uint32(b.width / 2), uint32(b.width / 2)},
			Release: func() { b.requeueCapture(index) },
		},
	}
	return frame, true, nil
}

// reclaimOutput drains every OUTPUT buffer the driver has finished
// consuming (DQBUF is non-blocking here; isAgain means none are ready yet)
// and clears its outstanding flag so feedOutput can refill it. Without
// this, every buffer queued by feedOutput stays marked outstanding
// forever, numOutputBuffers access units after open feedOutput always
// returns false, and playback stalls (spec.md §4.5).
func (b *v4l2Backend) reclaimOutput() {
	for {
		buf, _, err := b.dev.dequeueBuffer(v4l2BufTypeOutputMPlane, v4l2MemoryMMAP)
		if err != nil {
			return
		}
		delete(b.outstanding, buf.Index)
	}
}

// feedOutput copies the next Annex-B access unit into the first free OUTPUT
// buffer and queues it, returning false (not an error) if the demuxer is
// already at EOF or every OUTPUT buffer is currently held by the driver.
func (b *v4l2Backend) feedOutput() (bool, error) {
	if b.demux.eof() {
		return false, nil
	}
	for i, mem := range b.outputPlanes {
		if b.outstanding[uint32(i)] {
			continue
		}
		au, err := b.demux.nextAccessUnit(b.cfg)
		if err != nil {
			return false, fmt.Errorf("v4l2: demuxing next access unit: %w", err)
		}
		if au == nil {
			return false, nil // EOF reached on this read
		}
		n := copy(mem, au)
		if err := b.dev.queueBuffer(v4l2BufTypeOutputMPlane, v4l2MemoryMMAP, uint32(i), []v4l2Plane{{BytesUsed: uint32(n)}}); err != nil {
			return false, fmt.Errorf("v4l2: QBUF output[%d]: %w", i, err)
		}
		b.outstanding[uint32(i)] = true
		return true, nil
	}
	return false, nil // all OUTPUT buffers busy; try again next pumpOne
}

func (b *v4l2Backend) requeueCapture(index uint32) {
	_ = b.dev.queueBuffer(v4l2BufTypeCaptureMPlane, v4l2MemoryMMAP, index, []v4l2Plane{{}})
}

func (b *v4l2Backend) seekStart() error {
	if b.demux == nil {
		return nil
	}
	return b.demux.seekStart()
}

func (b *v4l2Backend) close() {
	if b.dev != nil {
		_ = b.dev.streamOff(v4l2BufTypeOutputMPlane)
		_ = b.dev.streamOff(v4l2BufTypeCaptureMPlane)
		for _, mem := range b.outputPlanes {
			_ = unmapPlane(mem)
		}
		for _, fd := range b.captureFDs {
			_ = closeFD(fd)
		}
		b.dev.close()
		b.dev = nil
	}
	if b.demux != nil {
		b.demux.close()
		b.demux = nil
	}
}

package decoder

/*
#cgo pkg-config: libavformat libavutil

#include <stdlib.h>
#include <libavformat/avformat.h>

typedef struct {
	AVFormatContext *formatCtx;
	AVPacket        *packet;
	int             videoStream;
	int             eof;
} demuxState;

static int demux_open(const char *filename, demuxState *d) {
	d->videoStream = -1;
	d->eof = 0;
	if (avformat_open_input(&d->formatCtx, filename, NULL, NULL) != 0) {
		return -1;
	}
	if (avformat_find_stream_info(d->formatCtx, NULL) < 0) {
		return -2;
	}
	for (unsigned int i = 0; i < d->formatCtx->nb_streams; i++) {
		if (d->formatCtx->streams[i]->codecpar->codec_type == AVMEDIA_TYPE_VIDEO) {
			d->videoStream = (int)i;
			break;
		}
	}
	if (d->videoStream == -1) {
		return -3;
	}
	d->packet = av_packet_alloc();
	return 0;
}

// demux_read_packet fills d->packet with the next video-stream packet.
// Returns 1 on success, 0 on EOF.
static int demux_read_packet(demuxState *d) {
	while (av_read_frame(d->formatCtx, d->packet) >= 0) {
		if (d->packet->stream_index == d->videoStream) {
			return 1;
		}
		av_packet_unref(d->packet);
	}
	d->eof = 1;
	return 0;
}

static int demux_seek_start(demuxState *d) {
	int ret = av_seek_frame(d->formatCtx, d->videoStream, 0, AVSEEK_FLAG_BACKWARD);
	d->eof = 0;
	return ret;
}

static void demux_close(demuxState *d) {
	if (!d) return;
	if (d->packet) av_packet_free(&d->packet);
	if (d->formatCtx) avformat_close_input(&d->formatCtx);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/mjdilworth/pickle/internal/bitstream"
)

// annexBSource demuxes an MP4 container's video stream into Annex-B access
// units for the V4L2 backend, which needs packets without FFmpeg's decode
// path. It is the avformat-only half of what ffmpegBackend does with
// avcodec attached, grounded on the same read loop.
type annexBSource struct {
	state  C.demuxState
	opened bool
}

func openAnnexBSource(path string) (*annexBSource, []byte, int, int, error) {
	s := &annexBSource{}
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	if ret := C.demux_open(cPath, &s.state); ret != 0 {
		return nil, nil, 0, 0, fmt.Errorf("demux_open failed (code=%d)", int(ret))
	}
	s.opened = true

	params := s.state.formatCtx.streams[s.state.videoStream].codecpar
	extradata := C.GoBytes(unsafe.Pointer(params.extradata), params.extradata_size)
	width := int(params.width)
	height := int(params.height)
	return s, extradata, width, height, nil
}

// nextAccessUnit reads the next packet and rewrites it to Annex-B per cfg.
// Returns (nil, nil) at end of stream.
func (s *annexBSource) nextAccessUnit(cfg bitstream.Config) ([]byte, error) {
	ok := C.demux_read_packet(&s.state)
	if ok == 0 {
		return nil, nil
	}
	defer C.av_packet_unref(s.state.packet)

	payload := C.GoBytes(unsafe.Pointer(s.state.packet.data), s.state.packet.size)
	rewritten, err := bitstream.RewritePacket(cfg, payload)
	if err != nil {
		return nil, fmt.Errorf("rewriting packet: %w", err)
	}
	if cfg.InsertAUD {
		rewritten = bitstream.InsertAUD(rewritten)
	}
	return rewritten, nil
}

func (s *annexBSource) eof() bool {
	return s.state.eof != 0
}

func (s *annexBSource) seekStart() error {
	if ret := C.demux_seek_start(&s.state); ret < 0 {
		return fmt.Errorf("demux: seek to start failed (code=%d)", int(ret))
	}
	return nil
}

func (s *annexBSource) close() {
	if !s.opened {
		return
	}
	C.demux_close(&s.state)
	s.opened = false
}

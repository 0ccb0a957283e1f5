package decoder

/*
#cgo pkg-config: libavformat libavcodec libavutil

#include <stdlib.h>
#include <string.h>
#include <errno.h>
#include <libavformat/avformat.h>
#include <libavcodec/avcodec.h>
#include <libavutil/log.h>
#include <libavutil/mathematics.h>
#include <libavutil/rational.h>

typedef struct {
	AVFormatContext *formatCtx;
	AVCodecContext  *codecCtx;
	AVFrame         *frame;
	AVPacket        *packet;
	int             videoStream;
} ffmpegState;

static int ffmpeg_open(const char *filename, ffmpegState *d, int forceSoftware) {
	av_log_set_level(AV_LOG_ERROR);
	d->videoStream = -1;

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

	AVCodecParameters *params = d->formatCtx->streams[d->videoStream]->codecpar;
	const AVCodec *codec = avcodec_find_decoder(params->codec_id);
	if (!codec) {
		return -4;
	}

	d->codecCtx = avcodec_alloc_context3(codec);
	if (!d->codecCtx) {
		return -5;
	}
	if (avcodec_parameters_to_context(d->codecCtx, params) < 0) {
		return -6;
	}
	d->codecCtx->thread_type = FF_THREAD_FRAME;
	d->codecCtx->thread_count = 0;

	if (avcodec_open2(d->codecCtx, codec, NULL) < 0) {
		return -7;
	}

	d->frame = av_frame_alloc();
	d->packet = av_packet_alloc();
	return 0;
}

// ffmpeg_read_packet demuxes the next video-stream packet into d->packet,
// skipping packets from other streams. Returns 1 on success, 0 on EOF.
static int ffmpeg_read_packet(ffmpegState *d) {
	while (av_read_frame(d->formatCtx, d->packet) >= 0) {
		if (d->packet->stream_index == d->videoStream) {
			return 1;
		}
		av_packet_unref(d->packet);
	}
	return 0;
}

static int ffmpeg_send_packet(ffmpegState *d, uint8_t *data, int size) {
	AVPacket *p = av_packet_alloc();
	int ret = av_new_packet(p, size);
	if (ret < 0) {
		av_packet_free(&p);
		return ret;
	}
	memcpy(p->data, data, size);
	ret = avcodec_send_packet(d->codecCtx, p);
	av_packet_free(&p);
	return ret;
}

static int ffmpeg_receive_frame(ffmpegState *d) {
	return avcodec_receive_frame(d->codecCtx, d->frame);
}

// Exposed as functions rather than relying on cgo to fold the underlying
// macros (AVERROR/FFERRTAG involve casts cgo's constant extraction can't
// always follow).
static int ffmpeg_err_again(void) { return AVERROR(EAGAIN); }
static int ffmpeg_err_eof(void)   { return AVERROR_EOF; }

static int ffmpeg_seek_start(ffmpegState *d) {
	int ret = av_seek_frame(d->formatCtx, d->videoStream, 0, AVSEEK_FLAG_BACKWARD);
	if (ret < 0) {
		return ret;
	}
	avcodec_flush_buffers(d->codecCtx);
	return 0;
}

// ffmpeg_pts_to_micros rescales the just-decoded frame's PTS from the
// stream's own time_base into microseconds, matching the V4L2 backend's
// units and the presenter's drift-correction contract (decoder.go's
// Frame.PTS is documented as microseconds).
static int64_t ffmpeg_pts_to_micros(ffmpegState *d) {
	if (d->frame->pts == AV_NOPTS_VALUE) {
		return 0;
	}
	AVRational tb = d->formatCtx->streams[d->videoStream]->time_base;
	AVRational usTb = {1, 1000000};
	return av_rescale_q(d->frame->pts, tb, usTb);
}

static void ffmpeg_close(ffmpegState *d) {
	if (!d) return;
	if (d->packet) av_packet_free(&d->packet);
	if (d->frame) av_frame_free(&d->frame);
	if (d->codecCtx) avcodec_free_context(&d->codecCtx);
	if (d->formatCtx) avformat_close_input(&d->formatCtx);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/mjdilworth/pickle/internal/bitstream"
)

// ffmpegBackend is the software H.264 decode path: FFmpeg's libavformat
// demuxer and libavcodec's built-in "h264" decoder, grounded on the
// demux/decode loop of the teacher's pkg/mpeg/player.go but emitting planar
// YUV420P frames instead of RGBA (the presenter owns color conversion for
// display, per spec.md §4.8's render-path selection).
type ffmpegBackend struct {
	state  C.ffmpegState
	cfg    bitstream.Config
	path   string
	opened bool
}

func newFFmpegBackend() *ffmpegBackend {
	return &ffmpegBackend{}
}

func (b *ffmpegBackend) open(path string, opts Options) (bitstream.Config, FrameFormat, error) {
	b.path = path
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	if ret := C.ffmpeg_open(cPath, &b.state, 0); ret != 0 {
		return bitstream.Config{}, FormatPlanar, fmt.Errorf("ffmpeg_open failed (code=%d)", int(ret))
	}
	b.opened = true

	params := b.state.formatCtx.streams[b.state.videoStream].codecpar
	extradata := C.GoBytes(unsafe.Pointer(params.extradata), params.extradata_size)

	cfg, err := bitstream.ParseExtradata(extradata)
	if err != nil {
		b.close()
		return bitstream.Config{}, FormatPlanar, fmt.Errorf("parsing extradata: %w", err)
	}
	cfg.InsertAUD = opts.InsertAUD
	b.cfg = cfg
	return cfg, FormatPlanar, nil
}

func (b *ffmpegBackend) pumpOne() (*Frame, bool, error) {
	ok := C.ffmpeg_read_packet(&b.state)
	if ok == 0 {
		return nil, false, Eof
	}
	defer C.av_packet_unref(b.state.packet)

	payload := C.GoBytes(unsafe.Pointer(b.state.packet.data), b.state.packet.size)
	rewritten, err := bitstream.RewritePacket(b.cfg, payload)
	if err != nil {
		return nil, false, fmt.Errorf("rewriting packet: %w", err)
	}
	if b.cfg.InsertAUD {
		rewritten = bitstream.InsertAUD(rewritten)
	}

	if ret := C.ffmpeg_send_packet(&b.state, (*C.uint8_t)(unsafe.Pointer(&rewritten[0])), C.int(len(rewritten))); ret < 0 {
		return nil, false, fmt.Errorf("avcodec_send_packet failed (code=%d)", int(ret))
	}

	ret := C.ffmpeg_receive_frame(&b.state)
	if ret == C.ffmpeg_err_again() {
		return nil, false, nil
	}
	if ret == C.ffmpeg_err_eof() {
		return nil, false, Eof
	}
	if ret < 0 {
		return nil, false, fmt.Errorf("avcodec_receive_frame failed (code=%d)", int(ret))
	}

	frame := b.copyFrame()
	return frame, true, nil
}

func (b *ffmpegBackend) copyFrame() *Frame {
	f := b.state.frame
	width := int(f.width)
	height := int(f.height)

	yStride := int(f.linesize[0])
	uStride := int(f.linesize[1])
	vStride := int(f.linesize[2])

	y := C.GoBytes(unsafe.Pointer(f.data[0]), C.int(yStride*height))
	u := C.GoBytes(unsafe.Pointer(f.data[1]), C.int(uStride*(height/2)))
	v := C.GoBytes(unsafe.Pointer(f.data[2]), C.int(vStride*(height/2)))

	pts := int64(C.ffmpeg_pts_to_micros(&b.state))

	return &Frame{
		Format: FormatPlanar,
		PTS:    pts,
		Planar: &PlanarFrame{
			Width: width, Height: height,
			YStride: yStride, UStride: uStride, VStride: vStride,
			Y: y, U: u, V: v,
		},
	}
}

func (b *ffmpegBackend) seekStart() error {
	if ret := C.ffmpeg_seek_start(&b.state); ret < 0 {
		return errors.New("ffmpeg: seek to start failed")
	}
	return nil
}

func (b *ffmpegBackend) close() {
	if !b.opened {
		return
	}
	C.ffmpeg_close(&b.state)
	b.opened = false
}

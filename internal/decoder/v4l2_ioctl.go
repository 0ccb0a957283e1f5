package decoder

// Minimal V4L2 M2M (memory-to-memory) ioctl surface for the bcm2835-codec
// H.264 decoder, built directly on golang.org/x/sys/unix rather than cgo --
// grounded on the go4vl package's approach of hand-encoding the ioctl
// request numbers and uapi structs instead of binding libv4l2 (see
// vladimirvivien/go4vl's device/capture_bytes.go and v4l2/doc.go in the
// retrieval pack). Only the subset spec.md §4.5/§4.7 needs is implemented:
// format negotiation, mplane buffer request/mmap/export, and the
// queue/dequeue loop.
import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	v4l2BufTypeOutputMPlane  = 9  // V4L2_BUF_TYPE_VIDEO_OUTPUT_MPLANE
	v4l2BufTypeCaptureMPlane = 8  // V4L2_BUF_TYPE_VIDEO_CAPTURE_MPLANE
	v4l2MemoryMMAP           = 1  // V4L2_MEMORY_MMAP
	v4l2MemoryDMABUF         = 4  // V4L2_MEMORY_DMABUF
	v4l2FieldNone            = 1  // V4L2_FIELD_NONE

	pixFmtH264    = 0x34363248 // 'H264'
	pixFmtYUV420  = 0x32315559 // 'YU12'
	pixFmtDRMPrime = 0x4d524448 // 'DRM4' -> V4L2_PIX_FMT_DRM_PRIME ("DRM4")

	numOutputBuffers  = 8
	numCaptureBuffers = 8
)

// ioctl request-number encoding, per asm-generic/ioctl.h. Struct sizes are
// taken from linux/videodev2.h's uapi layout.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
	iocBoth  = 3
)

func iocNum(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | typ<<8 | nr | size<<16
}

const v4l2Type = 'V'

// v4l2Capability mirrors struct v4l2_capability.
type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

// v4l2PlanePixFormat mirrors struct v4l2_plane_pix_format.
type v4l2PlanePixFormat struct {
	SizeImage uint32
	BytesPerLine uint32
	Reserved  [6]uint16
}

// v4l2PixFormatMPlane mirrors struct v4l2_pix_format_mplane.
type v4l2PixFormatMPlane struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	Colorspace   uint32
	PlaneFmt     [8]v4l2PlanePixFormat
	NumPlanes    uint8
	Flags        uint8
	YcbcrEnc     uint8
	Quantization uint8
	XferFunc     uint8
	Reserved     [7]uint8
}

// v4l2FormatMPlane mirrors struct v4l2_format for the *_MPLANE union arm
// (struct v4l2_pix_format_mplane fmt.pix_mp).
type v4l2FormatMPlane struct {
	Type uint32
	Pix  v4l2PixFormatMPlane
}

var (
	vidiocQuerycap = iocNum(iocRead, v4l2Type, 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocSFmt     = iocNum(iocBoth, v4l2Type, 5, unsafe.Sizeof(v4l2FormatMPlane{}))
	vidiocReqbufs  = iocNum(iocBoth, v4l2Type, 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf = iocNum(iocBoth, v4l2Type, 9, unsafe.Sizeof(v4l2BufferMPlane{}))
	vidiocQbuf     = iocNum(iocBoth, v4l2Type, 15, unsafe.Sizeof(v4l2BufferMPlane{}))
	vidiocDqbuf    = iocNum(iocBoth, v4l2Type, 17, unsafe.Sizeof(v4l2BufferMPlane{}))
	vidiocStreamon = iocNum(iocWrite, v4l2Type, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff = iocNum(iocWrite, v4l2Type, 19, unsafe.Sizeof(int32(0)))
	vidiocExpbuf   = iocNum(iocBoth, v4l2Type, 88, unsafe.Sizeof(v4l2ExportBuffer{}))
)

type v4l2RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Reserved     [1]uint32
}

// v4l2Plane mirrors struct v4l2_plane (the mem union's "mem_offset" arm).
type v4l2Plane struct {
	BytesUsed  uint32
	Length     uint32
	MemOffset  uint32
	UserPtr    uint64
	DataOffset uint32
	Reserved   [11]uint32
}

// v4l2BufferMPlane mirrors struct v4l2_buffer for an *_MPLANE buffer type,
// where the `m` union holds a `planes` pointer + length instead of a single
// offset.
type v4l2BufferMPlane struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Timestamp [2]int64 // struct timeval {tv_sec, tv_usec}
	Sequence  uint32
	Memory    uint32
	PlanesPtr uint64 // pointer to []v4l2Plane, length Length
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

type v4l2ExportBuffer struct {
	Type     uint32
	Index    uint32
	Plane    uint32
	Flags    uint32
	FD       int32
	Reserved [11]uint32
}

// v4l2Device is a thin wrapper around an open M2M device node.
type v4l2Device struct {
	file *os.File
	fd   int
}

func openV4L2Device(path string) (*v4l2Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &v4l2Device{file: f, fd: int(f.Fd())}, nil
}

func (d *v4l2Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *v4l2Device) queryCapabilities() (v4l2Capability, error) {
	var c v4l2Capability
	err := d.ioctl(vidiocQuerycap, unsafe.Pointer(&c))
	return c, err
}

func (d *v4l2Device) setFormat(bufType uint32, width, height, pixelFormat uint32) error {
	f := v4l2FormatMPlane{
		Type: bufType,
		Pix: v4l2PixFormatMPlane{
			Width:       width,
			Height:      height,
			PixelFormat: pixelFormat,
			Field:       v4l2FieldNone,
			NumPlanes:   1,
		},
	}
	return d.ioctl(vidiocSFmt, unsafe.Pointer(&f))
}

func (d *v4l2Device) requestBuffers(bufType, memory uint32, count uint32) (uint32, error) {
	rb := v4l2RequestBuffers{Count: count, Type: bufType, Memory: memory}
	if err := d.ioctl(vidiocReqbufs, unsafe.Pointer(&rb)); err != nil {
		return 0, err
	}
	return rb.Count, nil
}

func (d *v4l2Device) queryBuffer(bufType, memory, index uint32) ([]v4l2Plane, error) {
	planes := make([]v4l2Plane, 1)
	buf := v4l2BufferMPlane{
		Index:     index,
		Type:      bufType,
		Memory:    memory,
		PlanesPtr: uint64(uintptr(unsafe.Pointer(&planes[0]))),
		Length:    1,
	}
	if err := d.ioctl(vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
		return nil, err
	}
	return planes, nil
}

func (d *v4l2Device) queueBuffer(bufType, memory, index uint32, planes []v4l2Plane) error {
	buf := v4l2BufferMPlane{
		Index:     index,
		Type:      bufType,
		Memory:    memory,
		PlanesPtr: uint64(uintptr(unsafe.Pointer(&planes[0]))),
		Length:    uint32(len(planes)),
	}
	return d.ioctl(vidiocQbuf, unsafe.Pointer(&buf))
}

func (d *v4l2Device) dequeueBuffer(bufType, memory uint32) (v4l2BufferMPlane, []v4l2Plane, error) {
	planes := make([]v4l2Plane, 1)
	buf := v4l2BufferMPlane{
		Type:      bufType,
		Memory:    memory,
		PlanesPtr: uint64(uintptr(unsafe.Pointer(&planes[0]))),
		Length:    1,
	}
	err := d.ioctl(vidiocDqbuf, unsafe.Pointer(&buf))
	return buf, planes, err
}

func (d *v4l2Device) streamOn(bufType uint32) error {
	t := int32(bufType)
	return d.ioctl(vidiocStreamon, unsafe.Pointer(&t))
}

func (d *v4l2Device) streamOff(bufType uint32) error {
	t := int32(bufType)
	return d.ioctl(vidiocStreamoff, unsafe.Pointer(&t))
}

func (d *v4l2Device) exportBuffer(bufType, index, plane uint32) (int, error) {
	eb := v4l2ExportBuffer{Type: bufType, Index: index, Plane: plane}
	if err := d.ioctl(vidiocExpbuf, unsafe.Pointer(&eb)); err != nil {
		return -1, err
	}
	return int(eb.FD), nil
}

func (d *v4l2Device) mmapPlane(offset uintptr, length int) ([]byte, error) {
	data, err := unix.Mmap(d.fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return data, nil
}

func (d *v4l2Device) close() {
	_ = d.file.Close()
}

// isAgain reports whether err is the EAGAIN errno DQBUF returns when no
// capture buffer is ready yet (the hardware-decoder equivalent of the
// software backend's AVERROR(EAGAIN)).
func isAgain(err error) bool {
	return err == unix.EAGAIN
}

func unmapPlane(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

func closeFD(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

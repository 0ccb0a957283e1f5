package display

/*
#cgo pkg-config: libdrm gbm

#include <stdlib.h>
#include <string.h>
#include <fcntl.h>
#include <unistd.h>
#include <sys/ioctl.h>
#include <xf86drm.h>
#include <xf86drmMode.h>
#include <drm_fourcc.h>
#include <drm.h>
#include <gbm.h>

static int drm_open_card(const char *path) {
	return open(path, O_RDWR | O_CLOEXEC);
}

// drm_atomic_set_plane issues a single atomic commit against one plane's
// FB_ID, CRTC_ID, SRC_* and CRTC_* properties, cached by the Go side during plane
// discovery (spec.md §4.1, §4.7). SRC_* are 16.16 fixed point per the DRM
// atomic property convention.
static int drm_atomic_set_plane(int fd,
	uint32_t plane_id, uint32_t crtc_id, uint32_t fb_id,
	uint32_t prop_fb_id, uint32_t prop_crtc_id,
	uint32_t prop_src_x, uint32_t prop_src_y, uint32_t prop_src_w, uint32_t prop_src_h,
	uint32_t prop_crtc_x, uint32_t prop_crtc_y, uint32_t prop_crtc_w, uint32_t prop_crtc_h,
	int dst_w, int dst_h) {
	drmModeAtomicReq *req = drmModeAtomicAlloc();
	if (!req) {
		return -1;
	}

	int bad = 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_fb_id, fb_id) < 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_crtc_id, fb_id ? crtc_id : 0) < 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_src_x, 0) < 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_src_y, 0) < 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_src_w, ((uint64_t)dst_w) << 16) < 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_src_h, ((uint64_t)dst_h) << 16) < 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_crtc_x, 0) < 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_crtc_y, 0) < 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_crtc_w, (uint64_t)dst_w) < 0;
	bad |= drmModeAtomicAddProperty(req, plane_id, prop_crtc_h, (uint64_t)dst_h) < 0;
	if (bad) {
		drmModeAtomicFree(req);
		return -2;
	}

	int ret = drmModeAtomicCommit(fd, req, DRM_MODE_ATOMIC_ALLOW_MODESET, NULL);
	drmModeAtomicFree(req);
	return ret;
}

static int drm_gem_close(int fd, uint32_t handle) {
	struct drm_gem_close req;
	memset(&req, 0, sizeof(req));
	req.handle = handle;
	return ioctl(fd, DRM_IOCTL_GEM_CLOSE, &req);
}

static void page_flip_handler(int fd, unsigned int frame, unsigned int sec, unsigned int usec, void *data) {
	int *done = (int *)data;
	*done = 1;
}

// drm_wait_pageflip blocks until the queued page flip's vblank event
// arrives, or returns -1 on a poll/read error.
static int drm_wait_pageflip(int fd) {
	drmEventContext ctx;
	memset(&ctx, 0, sizeof(ctx));
	ctx.version = 2;
	ctx.page_flip_handler = page_flip_handler;

	int done = 0;
	struct pollfd pfd = { .fd = fd, .events = POLLIN };
	while (!done) {
		int pret = poll(&pfd, 1, 1000);
		if (pret <= 0) {
			return -1;
		}
		if (drmHandleEvent(fd, &ctx) != 0) {
			return -1;
		}
	}
	return 0;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

const drmFormatYUV420 = uint32(C.DRM_FORMAT_YUV420)

type fbEntry struct {
	gemHandle uint32
	fbID      uint32
}

// Device owns one open DRM card: the connector/CRTC/mode chosen at Open, the
// GBM device and surface used by the GL/EGL renderer, and (optionally) the
// overlay plane used by the zero-copy KMS path. It implements
// kmsworker.Backend directly.
type Device struct {
	fd int

	connectorID uint32
	encoderID   uint32
	crtcID      uint32
	crtcIndex   uint
	mode        C.drmModeModeInfo
	Width       int
	Height      int

	gbmDev     *C.struct_gbm_device
	gbmSurface *C.struct_gbm_surface

	planeID                                         uint32
	propFBID, propCRTCID                            uint32
	propSrcX, propSrcY, propSrcW, propSrcH           uint32
	propCrtcX, propCrtcY, propCrtcW, propCrtcH       uint32
	hasOverlay                                       bool

	primaryFBs map[uintptr]fbEntry
	prevBO     *C.struct_gbm_bo
	retry      swapRetry
}

// Open probes the DRM card at path, selects a connected connector's
// preferred mode and a compatible CRTC, and creates a GBM device + surface
// of that resolution in XRGB8888 for scanout (spec.md §4.1).
func Open(path string) (*Device, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	fd := int(C.drm_open_card(cPath))
	if fd < 0 {
		return nil, fmt.Errorf("display: open %s failed", path)
	}

	C.drmSetClientCap(C.int(fd), C.DRM_CLIENT_CAP_UNIVERSAL_PLANES, 1)
	C.drmSetClientCap(C.int(fd), C.DRM_CLIENT_CAP_ATOMIC, 1)

	res := C.drmModeGetResources(C.int(fd))
	if res == nil {
		C.close(C.int(fd))
		return nil, fmt.Errorf("display: drmModeGetResources failed")
	}
	defer C.drmModeFreeResources(res)

	d := &Device{fd: fd, primaryFBs: make(map[uintptr]fbEntry)}

	connectors := cUint32Slice(unsafe.Pointer(res.connectors), int(res.count_connectors))
	var conn *C.drmModeConnector
	for _, cid := range connectors {
		c := C.drmModeGetConnector(C.int(fd), C.uint32_t(cid))
		if c == nil {
			continue
		}
		if c.connection == C.DRM_MODE_CONNECTED && c.count_modes > 0 {
			conn = c
			d.connectorID = uint32(cid)
			break
		}
		C.drmModeFreeConnector(c)
	}
	if conn == nil {
		C.close(C.int(fd))
		return nil, fmt.Errorf("display: no connected connector with a usable mode")
	}
	defer C.drmModeFreeConnector(conn)

	modes := (*[1 << 10]C.drmModeModeInfo)(unsafe.Pointer(conn.modes))[:conn.count_modes:conn.count_modes]
	d.mode = modes[0]
	d.Width = int(d.mode.hdisplay)
	d.Height = int(d.mode.vdisplay)

	var enc *C.drmModeEncoder
	if conn.encoder_id != 0 {
		enc = C.drmModeGetEncoder(C.int(fd), conn.encoder_id)
	}
	if enc == nil {
		encoders := cUint32Slice(unsafe.Pointer(res.encoders), int(res.count_encoders))
		for _, eid := range encoders {
			e := C.drmModeGetEncoder(C.int(fd), C.uint32_t(eid))
			if e != nil {
				enc = e
				break
			}
		}
	}
	if enc == nil {
		C.close(C.int(fd))
		return nil, fmt.Errorf("display: no usable encoder")
	}
	defer C.drmModeFreeEncoder(enc)
	d.encoderID = uint32(enc.encoder_id)

	crtcIDs := cUint32Slice(unsafe.Pointer(res.crtcs), int(res.count_crtcs))
	if enc.crtc_id != 0 {
		d.crtcID = uint32(enc.crtc_id)
	} else {
		d.crtcID = crtcIDs[0]
	}
	for i, cid := range crtcIDs {
		if cid == d.crtcID {
			d.crtcIndex = uint(i)
			break
		}
	}

	gbmDev := C.gbm_create_device(C.int(fd))
	if gbmDev == nil {
		C.close(C.int(fd))
		return nil, fmt.Errorf("display: gbm_create_device failed")
	}
	surface := C.gbm_surface_create(gbmDev, C.uint32_t(d.Width), C.uint32_t(d.Height),
		C.GBM_FORMAT_XRGB8888, C.GBM_BO_USE_SCANOUT|C.GBM_BO_USE_RENDERING)
	if surface == nil {
		C.gbm_device_destroy(gbmDev)
		C.close(C.int(fd))
		return nil, fmt.Errorf("display: gbm_surface_create failed")
	}

	d.gbmDev = gbmDev
	d.gbmSurface = surface
	return d, nil
}

// FD returns the underlying DRM device file descriptor, needed by the
// EGL/GBM renderer to create its display and by PRIME_FD_TO_HANDLE.
func (d *Device) FD() int { return d.fd }

// GBMSurface returns the raw GBM surface for EGL surface creation.
func (d *Device) GBMSurface() unsafe.Pointer { return unsafe.Pointer(d.gbmSurface) }

// GBMDevice returns the raw GBM device for EGL display creation.
func (d *Device) GBMDevice() unsafe.Pointer { return unsafe.Pointer(d.gbmDev) }

// CRTCID returns the CRTC chosen at Open, needed by the KMS overlay worker
// and the presenter's atomic plane commits.
func (d *Device) CRTCID() uint32 { return d.crtcID }

// FindOverlayPlane enumerates planes and selects the first OVERLAY-type
// plane compatible with the chosen CRTC whose format list includes
// DRM_FORMAT_YUV420 and which is not already in use, caching its atomic
// property IDs. Returns false if no such plane exists, in which case the
// zero-copy KMS overlay path is unavailable and every stream must go
// through GL (spec.md §4.1).
func (d *Device) FindOverlayPlane() (uint32, bool) {
	planeRes := C.drmModeGetPlaneResources(C.int(d.fd))
	if planeRes == nil {
		return 0, false
	}
	defer C.drmModeFreePlaneResources(planeRes)

	planeIDs := cUint32Slice(unsafe.Pointer(planeRes.planes), int(planeRes.count_planes))
	var candidates []overlayCandidate
	rawByID := make(map[uint32]*C.drmModePlane)

	for _, pid := range planeIDs {
		p := C.drmModeGetPlane(C.int(d.fd), C.uint32_t(pid))
		if p == nil {
			continue
		}
		formats := cUint32Slice(unsafe.Pointer(p.formats), int(p.count_formats))
		candidates = append(candidates, overlayCandidate{
			PlaneID:       uint32(pid),
			PossibleCRTCs: uint32(p.possible_crtcs),
			CRTCID:        uint32(p.crtc_id),
			Formats:       append([]uint32(nil), formats...),
		})
		rawByID[uint32(pid)] = p
	}
	defer func() {
		for _, p := range rawByID {
			C.drmModeFreePlane(p)
		}
	}()

	chosen, ok := selectOverlayPlane(candidates, d.crtcIndex, drmFormatYUV420)
	if !ok {
		return 0, false
	}

	d.planeID = chosen.PlaneID
	d.cachePlaneProperties(chosen.PlaneID)
	d.hasOverlay = true
	return chosen.PlaneID, true
}

func (d *Device) cachePlaneProperties(planeID uint32) {
	props := C.drmModeObjectGetProperties(C.int(d.fd), C.uint32_t(planeID), C.DRM_MODE_OBJECT_PLANE)
	if props == nil {
		return
	}
	defer C.drmModeFreeObjectProperties(props)

	propIDs := cUint32Slice(unsafe.Pointer(props.props), int(props.count_props))
	for _, pid := range propIDs {
		prop := C.drmModeGetProperty(C.int(d.fd), C.uint32_t(pid))
		if prop == nil {
			continue
		}
		name := C.GoString((*C.char)(unsafe.Pointer(&prop.name[0])))
		switch name {
		case "FB_ID":
			d.propFBID = uint32(pid)
		case "CRTC_ID":
			d.propCRTCID = uint32(pid)
		case "SRC_X":
			d.propSrcX = uint32(pid)
		case "SRC_Y":
			d.propSrcY = uint32(pid)
		case "SRC_W":
			d.propSrcW = uint32(pid)
		case "SRC_H":
			d.propSrcH = uint32(pid)
		case "CRTC_X":
			d.propCrtcX = uint32(pid)
		case "CRTC_Y":
			d.propCrtcY = uint32(pid)
		case "CRTC_W":
			d.propCrtcW = uint32(pid)
		case "CRTC_H":
			d.propCrtcH = uint32(pid)
		}
		C.drmModeFreeProperty(prop)
	}
}

// HasOverlayPlane reports whether FindOverlayPlane succeeded.
func (d *Device) HasOverlayPlane() bool { return d.hasOverlay }

// Swap releases the previously scanned-out GBM buffer, locks the new front
// buffer, creates or looks up its DRM framebuffer, and page-flips it onto
// the CRTC (or performs the first-frame setCrtc). A failed pageflip is
// retried once on the next call; repeated failure is fatal (spec.md §4.1).
func (d *Device) Swap() error {
	if d.prevBO != nil {
		C.gbm_surface_release_buffer(d.gbmSurface, d.prevBO)
	}

	bo := C.gbm_surface_lock_front_buffer(d.gbmSurface)
	if bo == nil {
		return fmt.Errorf("display: gbm_surface_lock_front_buffer failed")
	}

	fbID, err := d.fbForBO(bo)
	if err != nil {
		return err
	}

	var swapErr error
	if d.prevBO == nil {
		connID := C.uint32_t(d.connectorID)
		ret := C.drmModeSetCrtc(C.int(d.fd), C.uint32_t(d.crtcID), C.uint32_t(fbID),
			0, 0, &connID, 1, &d.mode)
		if ret != 0 {
			swapErr = fmt.Errorf("display: drmModeSetCrtc failed (%d)", int(ret))
		}
	} else {
		ret := C.drmModePageFlip(C.int(d.fd), C.uint32_t(d.crtcID), C.uint32_t(fbID),
			C.DRM_MODE_PAGE_FLIP_EVENT, nil)
		if ret != 0 {
			swapErr = fmt.Errorf("display: drmModePageFlip failed (%d)", int(ret))
		} else if C.drm_wait_pageflip(C.int(d.fd)) != 0 {
			swapErr = fmt.Errorf("display: waiting for pageflip event failed")
		}
	}

	if fatal := d.retry.observe(swapErr); fatal {
		return fmt.Errorf("display: SwapFailed: %w", swapErr)
	}
	d.prevBO = bo
	return nil
}

func (d *Device) fbForBO(bo *C.struct_gbm_bo) (uint32, error) {
	key := uintptr(unsafe.Pointer(bo))
	if e, ok := d.primaryFBs[key]; ok {
		return e.fbID, nil
	}

	handle := uint32(C.gbm_bo_get_handle(bo).u32)
	stride := uint32(C.gbm_bo_get_stride(bo))

	var handles, pitches, offsets [4]C.uint32_t
	handles[0] = C.uint32_t(handle)
	pitches[0] = C.uint32_t(stride)

	var fbID C.uint32_t
	ret := C.drmModeAddFB2(C.int(d.fd), C.uint32_t(d.Width), C.uint32_t(d.Height),
		C.GBM_FORMAT_XRGB8888, &handles[0], &pitches[0], &offsets[0], &fbID, 0)
	if ret != 0 {
		return 0, fmt.Errorf("display: drmModeAddFB2 failed (%d)", int(ret))
	}

	d.primaryFBs[key] = fbEntry{gemHandle: handle, fbID: uint32(fbID)}
	return uint32(fbID), nil
}

// PrimeFDToHandle implements kmsworker.Backend.
func (d *Device) PrimeFDToHandle(fd int) (uint32, error) {
	var handle C.uint32_t
	if ret := C.drmPrimeFDToHandle(C.int(d.fd), C.int(fd), &handle); ret != 0 {
		return 0, fmt.Errorf("display: drmPrimeFDToHandle failed (%d)", int(ret))
	}
	return uint32(handle), nil
}

// AddFB2 implements kmsworker.Backend: registers a 3-plane YUV420
// framebuffer against a single GEM handle at the given offsets/pitches.
func (d *Device) AddFB2(gemHandle uint32, w, h int, offsets, pitches [3]uint32) (uint32, error) {
	var handles, cPitches, cOffsets [4]C.uint32_t
	for i := 0; i < 3; i++ {
		handles[i] = C.uint32_t(gemHandle)
		cPitches[i] = C.uint32_t(pitches[i])
		cOffsets[i] = C.uint32_t(offsets[i])
	}

	var fbID C.uint32_t
	ret := C.drmModeAddFB2(C.int(d.fd), C.uint32_t(w), C.uint32_t(h),
		C.DRM_FORMAT_YUV420, &handles[0], &cPitches[0], &cOffsets[0], &fbID, 0)
	if ret != 0 {
		return 0, fmt.Errorf("display: drmModeAddFB2 (YUV420) failed (%d)", int(ret))
	}
	return uint32(fbID), nil
}

// SetPlane implements kmsworker.Backend via an atomic commit against the
// overlay plane's cached property IDs.
func (d *Device) SetPlane(crtcID, planeID, fbID uint32, w, h int) error {
	ret := C.drm_atomic_set_plane(C.int(d.fd),
		C.uint32_t(planeID), C.uint32_t(crtcID), C.uint32_t(fbID),
		C.uint32_t(d.propFBID), C.uint32_t(d.propCRTCID),
		C.uint32_t(d.propSrcX), C.uint32_t(d.propSrcY), C.uint32_t(d.propSrcW), C.uint32_t(d.propSrcH),
		C.uint32_t(d.propCrtcX), C.uint32_t(d.propCrtcY), C.uint32_t(d.propCrtcW), C.uint32_t(d.propCrtcH),
		C.int(w), C.int(h))
	if ret != 0 {
		return fmt.Errorf("display: atomic SetPlane failed (%d)", int(ret))
	}
	return nil
}

// ReleaseFB implements kmsworker.Backend.
func (d *Device) ReleaseFB(gemHandle, fbID uint32) error {
	C.drmModeRmFB(C.int(d.fd), C.uint32_t(fbID))
	if ret := C.drm_gem_close(C.int(d.fd), C.uint32_t(gemHandle)); ret != 0 {
		return fmt.Errorf("display: GEM_CLOSE failed (%d)", int(ret))
	}
	return nil
}

// Close releases the GBM surface/device and every cached primary
// framebuffer, then closes the DRM fd.
func (d *Device) Close() error {
	if d.prevBO != nil {
		C.gbm_surface_release_buffer(d.gbmSurface, d.prevBO)
		d.prevBO = nil
	}
	for _, e := range d.primaryFBs {
		C.drmModeRmFB(C.int(d.fd), C.uint32_t(e.fbID))
		C.drm_gem_close(C.int(d.fd), C.uint32_t(e.gemHandle))
	}
	d.primaryFBs = nil

	if d.gbmSurface != nil {
		C.gbm_surface_destroy(d.gbmSurface)
	}
	if d.gbmDev != nil {
		C.gbm_device_destroy(d.gbmDev)
	}
	if ret := C.close(C.int(d.fd)); ret != 0 {
		return fmt.Errorf("display: close failed")
	}
	return nil
}

func cUint32Slice(ptr unsafe.Pointer, count int) []uint32 {
	if ptr == nil || count == 0 {
		return nil
	}
	src := (*[1 << 20]C.uint32_t)(ptr)[:count:count]
	out := make([]uint32, count)
	for i, v := range src {
		out[i] = uint32(v)
	}
	return out
}

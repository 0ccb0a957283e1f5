// Package glrender creates an EGL context on the display backend's GBM
// surface and draws each stream's decoded frame as a keystone-warped quad,
// either from three planar textures or from a DMA-BUF-imported EGLImage
// (spec.md §4.2).
package glrender

// RenderPath selects which upload/sampling strategy a frame takes, decided
// per spec.md §4.8 step 5 from what the decoder produced and what the EGL
// context supports.
type RenderPath int

const (
	// PathOverlay bypasses GL entirely: the KMS overlay plane shows the
	// frame directly, valid only when the stream's keystone is identity.
	PathOverlay RenderPath = iota
	// PathExternalDMA imports the frame's DMA-BUF as a single
	// OES_EGL_image_external texture (zero-copy, hardware decode only).
	PathExternalDMA
	// PathPlanarDMA imports the frame's DMA-BUF as three per-plane
	// EGLImages (DRM_FORMAT_R8), used when the external-sampler extension
	// is unavailable.
	PathPlanarDMA
	// PathPlanarUpload copies system-memory YUV planes via
	// glTexSubImage2D, used for software decode or CPU fallback.
	PathPlanarUpload
)

// Capabilities summarizes what render paths are usable this frame.
type Capabilities struct {
	HardwareDecode   bool
	DMAAvailable     bool
	ExternalSampler  bool // GL_OES_EGL_image_external supported
	KeystoneIdentity bool
	OverlayPlane     bool // a KMS overlay plane was found at startup
}

// SelectRenderPath implements spec.md §4.8 step 5's per-stream path
// decision as a pure function, so the presenter's choice is testable
// without a real EGL context.
func SelectRenderPath(c Capabilities) RenderPath {
	if c.OverlayPlane && c.KeystoneIdentity {
		return PathOverlay
	}
	if c.HardwareDecode && c.ExternalSampler && c.DMAAvailable {
		return PathExternalDMA
	}
	if c.HardwareDecode && c.DMAAvailable {
		return PathPlanarDMA
	}
	return PathPlanarUpload
}

// aspectScale returns the (sx, sy) scale factors that letterbox/pillarbox a
// videoAspect (w/h) frame onto a displayAspect (w/h) viewport while
// preserving aspect ratio (spec.md §4.2's aspect-ratio MVP rule).
func aspectScale(videoAspect, displayAspect float32) (sx, sy float32) {
	if videoAspect <= 0 || displayAspect <= 0 {
		return 1, 1
	}
	if videoAspect > displayAspect {
		return 1, displayAspect / videoAspect
	}
	return videoAspect / displayAspect, 1
}

// AspectMVP returns the column-major 4x4 scale-only matrix implementing
// aspectScale, in the same matrix convention as internal/keystone.Matrix.
func AspectMVP(videoAspect, displayAspect float32) [16]float32 {
	sx, sy := aspectScale(videoAspect, displayAspect)
	return [16]float32{
		sx, 0, 0, 0,
		0, sy, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Multiply4x4 computes a*b for two column-major 4x4 matrices.
func Multiply4x4(a, b [16]float32) [16]float32 {
	var out [16]float32
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += a[k*4+row] * b[col*4+k]
			}
			out[col*4+row] = sum
		}
	}
	return out
}

// ModelViewProjection combines the per-stream keystone matrix with the
// aspect-preserving MVP, applying keystone first as the vertex shader
// contract requires (position -> keystone -> MVP).
func ModelViewProjection(keystone, aspectMVP [16]float32) [16]float32 {
	return Multiply4x4(aspectMVP, keystone)
}

// imageSlot holds a single deferred EGLImage: the image imported in frame
// N-1, kept alive exactly one frame past its import so the GPU has
// finished consuming it before it is destroyed (spec.md §5, §8 invariant
// #1: "the EGLImage created in frame N-1 is destroyed before the next
// swap returns").
type imageSlot struct {
	has   bool
	image uintptr // opaque EGLImageKHR handle
}

// ImageRing holds the one EGLImage still pending destruction for one
// texture unit.
type ImageRing struct {
	pending imageSlot
}

// Advance returns the previously stashed image (from the prior Advance
// call) for the caller to destroy now, and stashes newImage to be
// returned -- and destroyed -- on the *next* Advance call. This is a
// one-frame deferral, not a two-frame one: by the time frame N+1 imports
// its own EGLImage, frame N's image is already gone.
func (r *ImageRing) Advance(newImage uintptr) (toDestroy uintptr, shouldDestroy bool) {
	if r.pending.has {
		toDestroy, shouldDestroy = r.pending.image, true
	}
	r.pending = imageSlot{has: true, image: newImage}
	return toDestroy, shouldDestroy
}

// DrainAll returns the still-held pending image, if any, for teardown,
// clearing the ring.
func (r *ImageRing) DrainAll() []uintptr {
	var out []uintptr
	if r.pending.has {
		out = append(out, r.pending.image)
	}
	r.pending = imageSlot{}
	return out
}

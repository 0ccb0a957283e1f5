// Package display owns the DRM/KMS device: connector/CRTC/mode selection, a
// GBM surface for EGL scanout, overlay-plane discovery for the zero-copy
// video path, and pageflip-based swap (spec.md §4.1).
package display

// overlayCandidate mirrors just the fields of a drmModePlane needed to judge
// whether it is usable as the YUV overlay: kept as a plain Go type (instead
// of inline in the cgo-heavy scan loop) so the selection rule itself is
// testable without a real DRM device.
type overlayCandidate struct {
	PlaneID       uint32
	PossibleCRTCs uint32
	CRTCID        uint32
	Formats       []uint32
}

// selectOverlayPlane picks the first candidate whose possible_crtcs includes
// crtcIndex, whose crtc_id is 0 (unused), and whose format list includes
// wantFormat (DRM_FORMAT_YUV420). Returns false if none match.
func selectOverlayPlane(candidates []overlayCandidate, crtcIndex uint, wantFormat uint32) (overlayCandidate, bool) {
	for _, c := range candidates {
		if c.PossibleCRTCs&(1<<crtcIndex) == 0 {
			continue
		}
		if c.CRTCID != 0 {
			continue
		}
		if !containsFormat(c.Formats, wantFormat) {
			continue
		}
		return c, true
	}
	return overlayCandidate{}, false
}

func containsFormat(formats []uint32, want uint32) bool {
	for _, f := range formats {
		if f == want {
			return true
		}
	}
	return false
}

// swapRetry tracks the "a failed pageflip is retried once on the next
// frame; repeated failure is fatal" rule from spec.md §4.1, independent of
// the actual ioctl so it can be unit tested.
type swapRetry struct {
	pendingRetry bool
}

// observe records the outcome of one swap attempt and reports whether the
// caller should treat it as fatal.
func (s *swapRetry) observe(err error) (fatal bool) {
	if err == nil {
		s.pendingRetry = false
		return false
	}
	if !s.pendingRetry {
		s.pendingRetry = true
		return false
	}
	return true
}

package glrender

import "testing"

func TestSelectRenderPathOverlayWinsWhenIdentityAndAvailable(t *testing.T) {
	got := SelectRenderPath(Capabilities{OverlayPlane: true, KeystoneIdentity: true, HardwareDecode: true, DMAAvailable: true, ExternalSampler: true})
	if got != PathOverlay {
		t.Fatalf("expected PathOverlay, got %v", got)
	}
}

func TestSelectRenderPathExternalDMAWhenKeystoned(t *testing.T) {
	got := SelectRenderPath(Capabilities{OverlayPlane: true, KeystoneIdentity: false, HardwareDecode: true, DMAAvailable: true, ExternalSampler: true})
	if got != PathExternalDMA {
		t.Fatalf("expected PathExternalDMA once keystone is non-identity, got %v", got)
	}
}

func TestSelectRenderPathPlanarDMAWithoutExternalSampler(t *testing.T) {
	got := SelectRenderPath(Capabilities{HardwareDecode: true, DMAAvailable: true, ExternalSampler: false})
	if got != PathPlanarDMA {
		t.Fatalf("expected PathPlanarDMA, got %v", got)
	}
}

func TestSelectRenderPathPlanarUploadForSoftwareDecode(t *testing.T) {
	got := SelectRenderPath(Capabilities{HardwareDecode: false, DMAAvailable: false})
	if got != PathPlanarUpload {
		t.Fatalf("expected PathPlanarUpload, got %v", got)
	}
}

func TestAspectMVPPillarboxesWideVideo(t *testing.T) {
	m := AspectMVP(21.0/9.0, 16.0/9.0)
	if m[0] != 1 {
		t.Fatalf("expected sx=1 for wider-than-display video, got %v", m[0])
	}
	wantSY := float32(16.0 / 9.0 / (21.0 / 9.0))
	if diff := m[5] - wantSY; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("expected sy=%v, got %v", wantSY, m[5])
	}
}

func TestAspectMVPLetterboxesTallVideo(t *testing.T) {
	m := AspectMVP(9.0/16.0, 16.0/9.0)
	if m[5] != 1 {
		t.Fatalf("expected sy=1 for taller-than-display video, got %v", m[5])
	}
	if m[0] >= 1 {
		t.Fatalf("expected sx<1 to pillarbox, got %v", m[0])
	}
}

func TestMultiply4x4Identity(t *testing.T) {
	id := [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	a := [16]float32{2, 0, 0, 0, 0, 3, 0, 0, 0, 0, 4, 0, 5, 6, 7, 1}
	got := Multiply4x4(id, a)
	if got != a {
		t.Fatalf("expected identity*a == a, got %v", got)
	}
}

func TestImageRingDefersDestructionByOneFrame(t *testing.T) {
	var ring ImageRing

	if _, destroy := ring.Advance(1); destroy {
		t.Fatalf("first advance must not destroy anything (nothing pending yet)")
	}
	toDestroy, destroy := ring.Advance(2)
	if !destroy || toDestroy != 1 {
		t.Fatalf("second advance should destroy image 1 (one frame old), got destroy=%v image=%v", destroy, toDestroy)
	}
	toDestroy, destroy = ring.Advance(3)
	if !destroy || toDestroy != 2 {
		t.Fatalf("third advance should destroy image 2 (one frame old), got destroy=%v image=%v", destroy, toDestroy)
	}
}

func TestImageRingDrainAllReturnsPendingImage(t *testing.T) {
	var ring ImageRing
	ring.Advance(1)
	ring.Advance(2)
	got := ring.DrainAll()
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected the single pending image [2], got %v", got)
	}
	if len(ring.DrainAll()) != 0 {
		t.Fatalf("expected ring empty after drain")
	}
}

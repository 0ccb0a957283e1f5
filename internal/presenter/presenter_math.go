// presenter_math.go holds the pure, cgo-free decision logic of the main
// loop (spec.md §4.8 steps 3, 9, 10, and the frame-drop policy) so it can
// be unit tested without a real display, decoder, or renderer.
package presenter

import "time"

const (
	targetFrameTime = time.Second / 60 // 16.67ms, spec.md §4.8/§5

	minNudgeScale = 0.25
	maxNudgeScale = 3.0

	driftGain       = 0.05
	maxDriftAdjust  = 20 * time.Millisecond
	dropMultiplier  = 1.5 // >1.5x target frame time since last present counts as a drop
	dropSummaryMod  = 100
	dropLoggedLimit = 5
)

// nudgeScale returns the delta_time-scaled, clamped speed multiplier
// applied to a keystone nudge: delta_time / target_frame_time, clamped to
// [0.25, 3.0].
func nudgeScale(deltaTime time.Duration) float32 {
	scale := float32(deltaTime) / float32(targetFrameTime)
	return clampFloat32(scale, minNudgeScale, maxNudgeScale)
}

func clampFloat32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// driftCorrector tracks the first frame's (wall, pts) anchor for one stream
// and computes the per-frame sleep adjustment that pulls presentation back
// toward the PTS schedule, per spec.md §4.8 step 10.
type driftCorrector struct {
	anchored bool
	wall0    time.Time
	pts0     int64 // microseconds
}

// anchor establishes (or re-establishes, e.g. after a loop) the reference
// point drift is measured from.
func (d *driftCorrector) anchor(wall time.Time, ptsMicros int64) {
	d.wall0 = wall
	d.pts0 = ptsMicros
	d.anchored = true
}

// reset clears the anchor, so the next observe re-anchors instead of
// computing drift against a stale reference (used on loop/seek).
func (d *driftCorrector) reset() {
	d.anchored = false
}

// adjustment returns the clamped sleep correction for a frame presented at
// wall with presentation timestamp ptsMicros. Zero before the first anchor.
func (d *driftCorrector) adjustment(wall time.Time, ptsMicros int64) time.Duration {
	if !d.anchored {
		d.anchor(wall, ptsMicros)
		return 0
	}
	intended := d.wall0.Add(time.Duration(ptsMicros-d.pts0) * time.Microsecond)
	drift := wall.Sub(intended)
	adj := time.Duration(float64(drift) * driftGain)
	return clampDuration(adj, -maxDriftAdjust, maxDriftAdjust)
}

// sleepDuration computes how long to sleep before the next iteration:
// target_frame_time - total_frame_time, adjusted by the drift correction,
// floored at zero (never sleeps negative).
func sleepDuration(totalFrameTime, driftAdjust time.Duration) time.Duration {
	sleep := targetFrameTime - totalFrameTime - driftAdjust
	if sleep < 0 {
		return 0
	}
	return sleep
}

// dropLogAction describes what, if anything, to log for one recorded drop.
type dropLogAction struct {
	ShouldLog bool
	Summary   bool
	Count     int
}

// dropTracker counts presentation drops (time since last presented frame
// exceeded dropMultiplier x target_frame_time) and decides when to log,
// per spec.md §4.8: "log the first five drops, then a summary every 100".
type dropTracker struct {
	total int
}

// isDrop reports whether sinceLastPresented exceeds the drop threshold.
func isDrop(sinceLastPresented time.Duration) bool {
	return sinceLastPresented > time.Duration(float64(targetFrameTime)*dropMultiplier)
}

// record registers one drop and returns the logging action to take.
func (t *dropTracker) record() dropLogAction {
	t.total++
	if t.total <= dropLoggedLimit {
		return dropLogAction{ShouldLog: true, Count: t.total}
	}
	if t.total%dropSummaryMod == 0 {
		return dropLogAction{ShouldLog: true, Summary: true, Count: t.total}
	}
	return dropLogAction{}
}

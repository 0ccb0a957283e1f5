package presenter

import (
	"testing"
	"time"
)

func TestNudgeScaleClampsLow(t *testing.T) {
	if got := nudgeScale(1 * time.Millisecond); got != minNudgeScale {
		t.Fatalf("expected clamp to %v, got %v", minNudgeScale, got)
	}
}

func TestNudgeScaleClampsHigh(t *testing.T) {
	if got := nudgeScale(200 * time.Millisecond); got != maxNudgeScale {
		t.Fatalf("expected clamp to %v, got %v", maxNudgeScale, got)
	}
}

func TestNudgeScaleAtTargetIsOne(t *testing.T) {
	got := nudgeScale(targetFrameTime)
	if got < 0.99 || got > 1.01 {
		t.Fatalf("expected ~1.0 at target frame time, got %v", got)
	}
}

func TestDriftCorrectorFirstCallAnchorsAndReturnsZero(t *testing.T) {
	var d driftCorrector
	wall := time.Now()
	if adj := d.adjustment(wall, 0); adj != 0 {
		t.Fatalf("expected zero adjustment on first (anchoring) call, got %v", adj)
	}
}

func TestDriftCorrectorPositiveDriftShrinksSleep(t *testing.T) {
	var d driftCorrector
	wall0 := time.Now()
	d.anchor(wall0, 0)

	// Frame presented 10ms later than its PTS schedule: late, positive drift.
	late := wall0.Add(targetFrameTime + 10*time.Millisecond)
	adj := d.adjustment(late, int64(targetFrameTime/time.Microsecond))
	if adj <= 0 {
		t.Fatalf("expected positive adjustment (shrinks sleep) for late presentation, got %v", adj)
	}
}

func TestDriftCorrectorClampsToBound(t *testing.T) {
	var d driftCorrector
	wall0 := time.Now()
	d.anchor(wall0, 0)

	way := wall0.Add(time.Second) // huge drift
	adj := d.adjustment(way, 0)
	if adj != maxDriftAdjust {
		t.Fatalf("expected clamp to %v, got %v", maxDriftAdjust, adj)
	}
}

func TestDriftCorrectorResetReanchors(t *testing.T) {
	var d driftCorrector
	d.anchor(time.Now(), 5_000_000)
	d.reset()
	if d.anchored {
		t.Fatalf("expected reset to clear anchored flag")
	}
	wall := time.Now()
	if adj := d.adjustment(wall, 0); adj != 0 {
		t.Fatalf("expected re-anchoring call to return zero, got %v", adj)
	}
}

func TestSleepDurationNeverNegative(t *testing.T) {
	got := sleepDuration(targetFrameTime*2, 0)
	if got != 0 {
		t.Fatalf("expected floor at zero when over budget, got %v", got)
	}
}

func TestSleepDurationSubtractsDriftAdjustment(t *testing.T) {
	got := sleepDuration(0, 5*time.Millisecond)
	want := targetFrameTime - 5*time.Millisecond
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestIsDropBelowThreshold(t *testing.T) {
	if isDrop(targetFrameTime) {
		t.Fatalf("expected no drop at exactly target frame time")
	}
}

func TestIsDropAboveThreshold(t *testing.T) {
	if !isDrop(2 * targetFrameTime) {
		t.Fatalf("expected drop at 2x target frame time")
	}
}

func TestDropTrackerLogsFirstFiveIndividually(t *testing.T) {
	var tr dropTracker
	for i := 1; i <= 5; i++ {
		action := tr.record()
		if !action.ShouldLog || action.Summary {
			t.Fatalf("drop %d: expected individual log, got %+v", i, action)
		}
	}
}

func TestDropTrackerSuppressesBetweenSummaries(t *testing.T) {
	var tr dropTracker
	for i := 0; i < 5; i++ {
		tr.record()
	}
	action := tr.record() // #6
	if action.ShouldLog {
		t.Fatalf("expected #6 to be suppressed, got %+v", action)
	}
}

func TestDropTrackerLogsSummaryEveryHundred(t *testing.T) {
	var tr dropTracker
	var last dropLogAction
	for i := 0; i < 100; i++ {
		last = tr.record()
	}
	if !last.ShouldLog || !last.Summary || last.Count != 100 {
		t.Fatalf("expected summary log at drop 100, got %+v", last)
	}
}

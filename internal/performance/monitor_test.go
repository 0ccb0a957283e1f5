package performance

import (
	"testing"
	"time"
)

func TestRollingAverageComputesMeanOverWindow(t *testing.T) {
	r := NewRollingAverage(3)
	r.Add(10 * time.Millisecond)
	r.Add(20 * time.Millisecond)
	r.Add(30 * time.Millisecond)
	if got := r.Average(); got != 20*time.Millisecond {
		t.Fatalf("expected 20ms average, got %v", got)
	}
	if r.Count() != 3 {
		t.Fatalf("expected count 3, got %d", r.Count())
	}
}

func TestRollingAverageEvictsOldestOnOverflow(t *testing.T) {
	r := NewRollingAverage(2)
	r.Add(10 * time.Millisecond)
	r.Add(20 * time.Millisecond)
	r.Add(30 * time.Millisecond) // evicts the 10ms sample
	if got := r.Average(); got != 25*time.Millisecond {
		t.Fatalf("expected 25ms average after eviction, got %v", got)
	}
}

func TestMonitorHealthyUnderBudget(t *testing.T) {
	m := NewMonitor(10)
	for i := 0; i < 10; i++ {
		m.RecordTotalFrameTime(10 * time.Millisecond)
	}
	if !m.GetReport().IsHealthy {
		t.Fatalf("expected healthy report under the 16.7ms budget")
	}
}

func TestMonitorUnhealthyOverBudget(t *testing.T) {
	m := NewMonitor(10)
	for i := 0; i < 10; i++ {
		m.RecordTotalFrameTime(25 * time.Millisecond)
	}
	if m.GetReport().IsHealthy {
		t.Fatalf("expected unhealthy report over the 16.7ms budget")
	}
}

func TestMonitorDropRateComputation(t *testing.T) {
	m := NewMonitor(200)
	for i := 0; i < 99; i++ {
		m.RecordFrameDecode(time.Millisecond)
	}
	m.RecordFrameDropped()
	report := m.GetReport()
	if report.TotalFrames != 100 {
		t.Fatalf("expected 100 total frames, got %d", report.TotalFrames)
	}
	if report.DropRate != 1.0 {
		t.Fatalf("expected 1%% drop rate, got %v", report.DropRate)
	}
}

func TestMonitorDegradingOnHighDropRate(t *testing.T) {
	m := NewMonitor(200)
	for i := 0; i < 90; i++ {
		m.RecordFrameDecode(time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		m.RecordFrameDropped()
	}
	if !m.IsPerformanceDegrading() {
		t.Fatalf("expected degrading at 10%% drop rate")
	}
}

func TestMonitorResetClearsState(t *testing.T) {
	m := NewMonitor(10)
	m.RecordFrameDropped()
	m.RecordTotalFrameTime(50 * time.Millisecond)
	m.Reset()
	report := m.GetReport()
	if report.TotalFrames != 0 || report.DroppedFrames != 0 {
		t.Fatalf("expected cleared counters after reset, got %+v", report)
	}
}

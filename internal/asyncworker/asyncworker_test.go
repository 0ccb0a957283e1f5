package asyncworker

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestProducesExactlyOneDecodeBetweenWaits(t *testing.T) {
	var calls int32
	w := New(func() (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		return n, nil
	})
	defer w.Shutdown(time.Second)

	w.Request()
	if !w.Wait(time.Second) {
		t.Fatalf("expected result ready within timeout")
	}
	frame, err := w.Collect()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.(int32) != 1 {
		t.Fatalf("expected first decode call, got %v", frame)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one decode call, got %d", calls)
	}

	w.Request()
	if !w.Wait(time.Second) {
		t.Fatalf("expected second result ready within timeout")
	}
	frame2, _ := w.Collect()
	if frame2.(int32) != 2 {
		t.Fatalf("expected second decode call, got %v", frame2)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly two decode calls total, got %d", calls)
	}
}

func TestWaitZeroPollsWithoutBlocking(t *testing.T) {
	block := make(chan struct{})
	w := New(func() (interface{}, error) {
		<-block
		return "done", nil
	})
	defer func() {
		close(block)
		w.Shutdown(time.Second)
	}()

	w.Request()
	// The decode function is still blocked on <-block, so a zero-timeout
	// poll must report not-ready rather than waiting.
	if w.Wait(0) {
		t.Fatalf("expected Wait(0) to report not-ready while decode is in flight")
	}
}

func TestSecondRequestClearsUnconsumedResult(t *testing.T) {
	var calls int32
	w := New(func() (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	})
	defer w.Shutdown(time.Second)

	w.Request()
	if !w.Wait(time.Second) {
		t.Fatalf("expected first result ready")
	}
	// Simulate the presenter missing a cycle: do not Collect before the
	// next Request.
	w.Request()
	if w.Wait(0) {
		t.Fatalf("expected resultReady cleared immediately by the new Request, not stale-true")
	}
	if !w.Wait(time.Second) {
		t.Fatalf("expected second result ready after waiting")
	}
	frame, _ := w.Collect()
	if frame.(int32) != 2 {
		t.Fatalf("expected the second decode's result, got %v", frame)
	}
}

func TestHasRequestOutstanding(t *testing.T) {
	release := make(chan struct{})
	w := New(func() (interface{}, error) {
		<-release
		return nil, nil
	})
	defer func() {
		close(release)
		w.Shutdown(time.Second)
	}()

	if w.HasRequestOutstanding() {
		t.Fatalf("expected no request outstanding before Request()")
	}
	w.Request()
	// Give the worker goroutine a chance to pick up the request; the decode
	// is now in flight (blocked on release), which still counts as
	// outstanding.
	time.Sleep(10 * time.Millisecond)
	if !w.HasRequestOutstanding() {
		t.Fatalf("expected a request to be outstanding after Request()")
	}
}

func TestShutdownJoinsWithinTimeout(t *testing.T) {
	w := New(func() (interface{}, error) { return nil, nil })
	if !w.Shutdown(time.Second) {
		t.Fatalf("expected shutdown to join within timeout")
	}
}

func TestShutdownTimesOutIfDecodeBlocks(t *testing.T) {
	block := make(chan struct{})
	w := New(func() (interface{}, error) {
		<-block
		return nil, nil
	})
	w.Request()
	time.Sleep(10 * time.Millisecond) // ensure decode() is in flight

	if w.Shutdown(50 * time.Millisecond) {
		t.Fatalf("expected shutdown to time out while decode() is blocked")
	}
	close(block)
}

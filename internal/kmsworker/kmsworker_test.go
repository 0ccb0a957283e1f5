package kmsworker

import (
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu           sync.Mutex
	nextHandle   uint32
	nextFBID     uint32
	addFB2Calls  int
	setPlaneFBs  []uint32
	releaseCalls []uint32

	blockFirstSetPlane bool
	gate               chan struct{}
	firstCallStarted   chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{gate: make(chan struct{}), firstCallStarted: make(chan struct{}, 1)}
}

func (f *fakeBackend) PrimeFDToHandle(fd int) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	return f.nextHandle, nil
}

func (f *fakeBackend) AddFB2(gemHandle uint32, w, h int, offsets, pitches [3]uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addFB2Calls++
	f.nextFBID++
	return f.nextFBID, nil
}

func (f *fakeBackend) SetPlane(crtcID, planeID, fbID uint32, w, h int) error {
	f.mu.Lock()
	shouldBlock := f.blockFirstSetPlane && len(f.setPlaneFBs) == 0
	f.setPlaneFBs = append(f.setPlaneFBs, fbID)
	f.mu.Unlock()

	if shouldBlock {
		select {
		case f.firstCallStarted <- struct{}{}:
		default:
		}
		<-f.gate
	}
	return nil
}

func (f *fakeBackend) ReleaseFB(gemHandle, fbID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls = append(f.releaseCalls, fbID)
	return nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.setPlaneFBs)
}

func (f *fakeBackend) lastFB() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setPlaneFBs[len(f.setPlaneFBs)-1]
}

func TestImportAndCommitCachesOnSecondUseOfSameFD(t *testing.T) {
	backend := newFakeBackend()
	w := New(backend)
	defer w.Shutdown(time.Second, 1, 1)

	offsets := [3]uint32{}
	pitches := [3]uint32{}

	if err := w.ImportAndCommit(42, 100, 100, offsets, pitches, 1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.ImportAndCommit(42, 100, 100, offsets, pitches, 1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backend.mu.Lock()
	calls := backend.addFB2Calls
	backend.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected AddFB2 called once across two submits of the same fd, got %d", calls)
	}
	if w.CacheSize() != 1 {
		t.Fatalf("expected one cache entry, got %d", w.CacheSize())
	}
}

func TestMailboxIsLatestWinsUnderBackPressure(t *testing.T) {
	backend := newFakeBackend()
	backend.blockFirstSetPlane = true
	w := New(backend)
	defer w.Shutdown(time.Second, 1, 1)

	offsets := [3]uint32{}
	pitches := [3]uint32{}

	// First submit starts the worker's SetPlane call, which blocks on
	// backend.gate until released below.
	if err := w.ImportAndCommit(1, 10, 10, offsets, pitches, 1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-backend.firstCallStarted

	// While the worker is blocked mid-SetPlane, submit several more
	// updates; only the last should ever reach SetPlane.
	for fd := 2; fd <= 5; fd++ {
		if err := w.ImportAndCommit(fd, 10, 10, offsets, pitches, 1, 1); err != nil {
			t.Fatalf("unexpected error for fd %d: %v", fd, err)
		}
	}

	close(backend.gate)

	deadline := time.Now().Add(time.Second)
	for backend.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if got := backend.callCount(); got != 2 {
		t.Fatalf("expected exactly 2 SetPlane calls (first + latest), got %d", got)
	}
	// fd 5 was the last submitted; its fb_id is 5 (AddFB2 assigns
	// sequentially starting at 1).
	if got := backend.lastFB(); got != 5 {
		t.Fatalf("expected the latest update (fb_id 5) to win, got fb_id %d", got)
	}
}

func TestShutdownReleasesAllCachedFramebuffers(t *testing.T) {
	backend := newFakeBackend()
	w := New(backend)

	offsets := [3]uint32{}
	pitches := [3]uint32{}
	for fd := 1; fd <= 3; fd++ {
		if err := w.ImportAndCommit(fd, 10, 10, offsets, pitches, 1, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if !w.Shutdown(time.Second, 1, 1) {
		t.Fatalf("expected shutdown to join within timeout")
	}

	backend.mu.Lock()
	released := len(backend.releaseCalls)
	backend.mu.Unlock()
	if released != 3 {
		t.Fatalf("expected 3 framebuffers released on shutdown, got %d", released)
	}
	if w.CacheSize() != 0 {
		t.Fatalf("expected cache cleared after shutdown, got size %d", w.CacheSize())
	}
}

func TestShutdownDisablesThePlane(t *testing.T) {
	backend := newFakeBackend()
	w := New(backend)
	w.Shutdown(time.Second, 7, 9)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.setPlaneFBs) == 0 {
		t.Fatalf("expected a SetPlane(fb=0) call to disable the plane on shutdown")
	}
	if last := backend.setPlaneFBs[len(backend.setPlaneFBs)-1]; last != 0 {
		t.Fatalf("expected final SetPlane call to use fb_id 0 (disable), got %d", last)
	}
}

// Package asyncworker runs one decode session on its own goroutine behind a
// single-slot request/result mailbox, so the presenter can overlap decode
// of frame N+1 with render of frame N without ever holding two outstanding
// requests against the same decoder (spec.md §4.6).
package asyncworker

import (
	"sync"
	"time"
)

// DecodeFunc is the blocking call a Worker runs off the presenter's thread.
// It mirrors decoder.Session.DecodeNext's signature without importing the
// decoder package, so this package stays reusable for any single blocking
// producer.
type DecodeFunc func() (frame interface{}, err error)

// Worker drives one DecodeFunc on a background goroutine. Requests are
// edge-triggered ("latest pending wins" is not needed here -- the presenter
// is required by contract to never issue a second Request before consuming
// the previous Result, per spec.md §4.6 ordering).
type Worker struct {
	decode DecodeFunc

	mu             sync.Mutex
	cond           *sync.Cond
	requestPending bool
	inFlight       bool
	resultReady    bool
	shutdown       bool

	frame interface{}
	err   error

	done chan struct{}
}

// New starts a worker goroutine that calls decode whenever Request is
// called.
func New(decode DecodeFunc) *Worker {
	w := &Worker{
		decode: decode,
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Request marks a decode as pending and wakes the worker. If a previous
// result was left unconsumed (the presenter missed a cycle), it is cleared
// first so the next Wait reflects only the new request's outcome.
func (w *Worker) Request() {
	w.mu.Lock()
	w.resultReady = false
	w.requestPending = true
	w.mu.Unlock()
	w.cond.Signal()
}

// Wait blocks until a result becomes ready or timeout elapses (0 means
// poll: check once and return immediately). Reports whether a result is
// ready.
func (w *Worker) Wait(timeout time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timeout <= 0 {
		return w.resultReady
	}

	deadline := time.Now().Add(timeout)
	for !w.resultReady && !w.shutdown {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return w.resultReady
		}
		w.waitWithTimeout(remaining)
	}
	return w.resultReady
}

// waitWithTimeout wakes cond.Wait early after d by running a timer
// goroutine that issues a broadcast; w.mu is held on entry and exit,
// released only while blocked in Wait.
func (w *Worker) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, w.cond.Broadcast)
	defer timer.Stop()
	w.cond.Wait()
}

// Collect returns the last decoded frame/error and clears resultReady. Must
// only be called after Wait reports true.
func (w *Worker) Collect() (interface{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	frame, err := w.frame, w.err
	w.resultReady = false
	return frame, err
}

// HasRequestOutstanding reports whether a Request has been issued whose
// result has not yet been collected -- the presenter's gate for "if no
// request is outstanding, request()" (spec.md §4.8 step 4a).
func (w *Worker) HasRequestOutstanding() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requestPending || w.inFlight || w.resultReady
}

func (w *Worker) run() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		for !w.requestPending && !w.shutdown {
			w.cond.Wait()
		}
		if w.shutdown {
			close(w.done)
			return
		}
		w.requestPending = false
		w.inFlight = true
		w.mu.Unlock()

		frame, err := w.decode()

		w.mu.Lock()
		w.frame, w.err = frame, err
		w.inFlight = false
		w.resultReady = true
		w.cond.Broadcast()
	}
}

// Shutdown signals the worker to stop and waits up to timeout for its
// goroutine to exit. Per spec.md §5's two-step cancellation, a timed-out
// join here is reported to the caller (which owns the decoder resource and
// can force it closed to unblock the goroutine) rather than forcibly killed
// -- Go has no thread-cancel primitive, so the "cancel" step is the
// decoder's fd/context being torn down by the caller.
func (w *Worker) Shutdown(timeout time.Duration) bool {
	w.mu.Lock()
	w.shutdown = true
	w.mu.Unlock()
	w.cond.Broadcast()

	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

package qei

import "sync/atomic"

// MonotonicTimer is a stopwatch over the system monotonic clock that reads
// in microseconds, truncated to 32 bits like a hardware timer.
type MonotonicTimer struct {
	origin  atomic.Int64 // clock reading at Reset, in microseconds
	stopped atomic.Int64 // elapsed value frozen while not running
	running atomic.Bool
}

// NewMonotonicTimer returns a reset, stopped timer.
func NewMonotonicTimer() *MonotonicTimer {
	t := &MonotonicTimer{}
	t.Reset()
	return t
}

// Reset sets the elapsed time to zero without changing the running state.
func (t *MonotonicTimer) Reset() {
	t.origin.Store(clockMicros())
	t.stopped.Store(0)
}

// Start resumes counting from the current elapsed value.
func (t *MonotonicTimer) Start() {
	if t.running.Swap(true) {
		return
	}
	t.origin.Store(clockMicros() - t.stopped.Load())
}

// Stop freezes the elapsed value.
func (t *MonotonicTimer) Stop() {
	if !t.running.Swap(false) {
		return
	}
	t.stopped.Store(clockMicros() - t.origin.Load())
}

func (t *MonotonicTimer) Micros() uint32 {
	if !t.running.Load() {
		return uint32(t.stopped.Load())
	}
	return uint32(clockMicros() - t.origin.Load())
}

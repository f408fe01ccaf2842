package qei

import (
	"sync"
)

const (
	microsPerSecond = 1_000_000
	speedTimeoutMax = 10 // empty polls before the reported speed starts to decay
	resetSentinel   = -1
)

// speedEstimator averages the interval between counted pulses over whatever
// window the caller polls at. The window is consumed on every sample.
type speedEstimator struct {
	cs CriticalSection

	// Shared with edge handlers, guarded by cs.
	timeSum int64  // signed sum of pulse intervals in microseconds
	count   int64  // pulses in window, resetSentinel until a baseline exists
	last    uint32 // timer reading at the previous pulse

	// Poller side only. mu is never taken from an edge handler.
	mu         sync.Mutex
	timeouts   int
	timeoutMax int
	lastSpeed  float64
}

func newSpeedEstimator(cs CriticalSection) *speedEstimator {
	return &speedEstimator{
		cs:         cs,
		count:      resetSentinel,
		timeoutMax: speedTimeoutMax,
	}
}

// pulseLocked records one counted pulse. The caller must hold cs.
func (s *speedEstimator) pulseLocked(dir Direction, now uint32) {
	delta := int64(now - s.last)
	s.last = now

	if s.count < 0 {
		// No baseline for the first interval after a reset.
		s.timeSum = 0
		s.count = 0
		return
	}
	if dir == Forward {
		s.timeSum += delta
	} else {
		s.timeSum -= delta
	}
	s.count++
}

// sample returns the scaled speed for the window since the previous sample
// and starts a new window.
func (s *speedEstimator) sample(factor float64) float64 {
	s.cs.Enter()
	sum, n := s.timeSum, s.count
	s.timeSum = 0
	s.count = 0
	s.cs.Exit()

	s.mu.Lock()
	defer s.mu.Unlock()

	var speed float64
	switch {
	case n == 0:
		// Stalled: hold the last value for timeoutMax+1 empty polls, then
		// halve it on every further one. The counter saturates.
		if s.timeouts > s.timeoutMax {
			s.lastSpeed *= 0.5
		} else {
			s.timeouts++
		}
		speed = s.lastSpeed
	case n < 0 || sum == 0:
		speed = 0
		s.timeouts = 0
	default:
		speed = microsPerSecond * factor / (float64(sum) / float64(n))
		s.timeouts = 0
	}
	s.lastSpeed = speed
	return speed
}

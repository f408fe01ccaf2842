package gpio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"qei"
)

// SimLine is an in-memory input line. Set runs the armed handler
// synchronously on the caller's goroutine when the level change matches the
// armed edge.
type SimLine struct {
	name  string
	level atomic.Int32

	mu      sync.Mutex // guards edge, handler; never taken by Level
	edge    qei.Edge
	handler func()
}

// NewSimLine returns a line at the given initial level.
func NewSimLine(name string, level int) *SimLine {
	l := &SimLine{name: name}
	l.level.Store(int32(level & 1))
	return l
}

func (l *SimLine) Level() int {
	return int(l.level.Load())
}

func (l *SimLine) Watch(edge qei.Edge, handler func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edge = edge
	l.handler = handler
	return nil
}

func (l *SimLine) Unwatch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edge = qei.EdgeNone
	l.handler = nil
	return nil
}

// Edge returns the currently armed edge.
func (l *SimLine) Edge() qei.Edge {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.edge
}

// Set drives the line to level. The handler runs without the line lock held
// so that it may read any line, this one included.
func (l *SimLine) Set(level int) {
	level &= 1
	old := int(l.level.Swap(int32(level)))
	l.mu.Lock()
	edge, h := l.edge, l.handler
	l.mu.Unlock()

	if h == nil || old == level {
		return
	}
	if matches(edge, level == 1) {
		h()
	}
}

func (l *SimLine) String() string {
	return "sim:" + l.name
}

func matches(edge qei.Edge, rising bool) bool {
	switch edge {
	case qei.EdgeBoth:
		return true
	case qei.EdgeRising:
		return rising
	case qei.EdgeFalling:
		return !rising
	default:
		return false
	}
}

// forwardCycle is the gray-code order the decoder counts as forward.
var forwardCycle = [4]qei.State{0x00, 0x01, 0x03, 0x02}

// SimEncoder drives three SimLines like a rotating quadrature encoder.
// One step is one gray-code transition; the index line pulses once every
// IndexEvery forward or backward steps.
type SimEncoder struct {
	A, B, Index *SimLine

	mu         sync.Mutex
	phase      int // position in forwardCycle
	steps      int // steps since the last index pulse
	indexEvery int
}

// NewSimEncoder returns a simulated encoder at state 00. indexEvery <= 0
// disables index pulses.
func NewSimEncoder(indexEvery int) *SimEncoder {
	return &SimEncoder{
		A:          NewSimLine("a", 0),
		B:          NewSimLine("b", 0),
		Index:      NewSimLine("index", 0),
		indexEvery: indexEvery,
	}
}

// Step advances the shaft by one transition in dir.
func (s *SimEncoder) Step(dir qei.Direction) {
	if dir == qei.NoPulse {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = (s.phase + int(dir) + len(forwardCycle)) % len(forwardCycle)
	next := forwardCycle[s.phase]
	// Exactly one of these changes level.
	s.A.Set(int(next>>1) & 1)
	s.B.Set(int(next) & 1)

	if s.indexEvery <= 0 {
		return
	}
	s.steps++
	if s.steps >= s.indexEvery {
		s.steps = 0
		s.Index.Set(1)
		s.Index.Set(0)
	}
}

// Run steps the encoder at rate steps per second until ctx is canceled.
// A negative rate turns the shaft backward.
func (s *SimEncoder) Run(ctx context.Context, rate float64) {
	if rate == 0 {
		<-ctx.Done()
		return
	}
	dir := qei.Forward
	if rate < 0 {
		dir = qei.Backward
		rate = -rate
	}
	interval := time.Duration(float64(time.Second) / rate)
	if interval <= 0 {
		interval = time.Microsecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step(dir)
		}
	}
}

package qei

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
)

// fakeLine is an in-memory Line whose handler fires on matching level changes.
type fakeLine struct {
	mu        sync.Mutex
	level     int
	edge      Edge
	handler   func()
	watchErr  error
	unwatches int
}

func (l *fakeLine) Level() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *fakeLine) Watch(edge Edge, handler func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watchErr != nil {
		return l.watchErr
	}
	l.edge = edge
	l.handler = handler
	return nil
}

func (l *fakeLine) Unwatch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edge = EdgeNone
	l.handler = nil
	l.unwatches++
	return nil
}

func (l *fakeLine) armed() (Edge, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.edge, l.handler != nil
}

// set changes the level and runs the handler if the edge is armed.
func (l *fakeLine) set(level int) {
	l.mu.Lock()
	old := l.level
	l.level = level
	edge, h := l.edge, l.handler
	l.mu.Unlock()

	if h == nil || old == level {
		return
	}
	rising := level != 0
	if edge == EdgeBoth || (edge == EdgeRising && rising) || (edge == EdgeFalling && !rising) {
		h()
	}
}

// setQuiet changes the level without running any handler.
func (l *fakeLine) setQuiet(level int) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// fire runs the handler regardless of the level, like a spurious interrupt.
func (l *fakeLine) fire() {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h()
	}
}

// fakeTimer returns a manually advanced microsecond reading.
type fakeTimer struct {
	mu  sync.Mutex
	now uint32
}

func (t *fakeTimer) Reset() {
	t.mu.Lock()
	t.now = 0
	t.mu.Unlock()
}

func (t *fakeTimer) Start() {}

func (t *fakeTimer) Micros() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

func (t *fakeTimer) advance(us uint32) {
	t.mu.Lock()
	t.now += us
	t.mu.Unlock()
}

type rig struct {
	a, b, z *fakeLine
	timer   *fakeTimer
	enc     *Encoder
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newRig builds an encoder whose lines start at the given state.
func newRig(t *testing.T, start State, enc Encoding, withIndex bool) *rig {
	t.Helper()
	r := &rig{
		a:     &fakeLine{level: int(start>>1) & 1},
		b:     &fakeLine{level: int(start) & 1},
		timer: &fakeTimer{},
	}
	var index Line
	if withIndex {
		r.z = &fakeLine{}
		index = r.z
	}
	e, err := New(r.a, r.b, index, Config{Encoding: enc, Timer: r.timer, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.enc = e
	return r
}

// moveTo drives the lines to s, changing A before B when both differ.
func (r *rig) moveTo(s State) {
	r.a.set(int(s>>1) & 1)
	r.b.set(int(s) & 1)
}

func (r *rig) walk(states ...State) {
	for _, s := range states {
		r.moveTo(s)
	}
}

func TestNew_ReadsInitialState(t *testing.T) {
	r := newRig(t, 0x02, X4Encoding, false)
	if got := r.enc.State(); got != 0x02 {
		t.Fatalf("expected initial state 10, got %v", got)
	}
	if r.enc.Read() != 0 || r.enc.Revolutions() != 0 {
		t.Fatalf("expected zero counters, got pulses=%d revolutions=%d", r.enc.Read(), r.enc.Revolutions())
	}
}

func TestNew_DefaultEncodingIsX4(t *testing.T) {
	r := newRig(t, 0x00, Encoding(0), false)
	if r.enc.Encoding() != X4Encoding {
		t.Fatalf("expected X4 default, got %v", r.enc.Encoding())
	}
}

func TestNew_ArmsLinesPerMode(t *testing.T) {
	x4 := newRig(t, 0x00, X4Encoding, true)
	if edge, ok := x4.a.armed(); !ok || edge != EdgeBoth {
		t.Errorf("X4: expected channel A armed on both edges, got %v armed=%v", edge, ok)
	}
	if edge, ok := x4.b.armed(); !ok || edge != EdgeBoth {
		t.Errorf("X4: expected channel B armed on both edges, got %v armed=%v", edge, ok)
	}
	if edge, ok := x4.z.armed(); !ok || edge != EdgeRising {
		t.Errorf("X4: expected index armed on rising edge, got %v armed=%v", edge, ok)
	}

	x2 := newRig(t, 0x00, X2Encoding, false)
	if edge, ok := x2.a.armed(); !ok || edge != EdgeBoth {
		t.Errorf("X2: expected channel A armed on both edges, got %v armed=%v", edge, ok)
	}
	if _, ok := x2.b.armed(); ok {
		t.Error("X2: channel B must not be armed")
	}
}

func TestNew_RequiresChannels(t *testing.T) {
	if _, err := New(nil, &fakeLine{}, nil, Config{}); err == nil {
		t.Fatal("expected error for missing channel A")
	}
}

func TestNew_ArmFailureDetachesChannelA(t *testing.T) {
	a := &fakeLine{}
	b := &fakeLine{watchErr: errors.New("busy")}
	_, err := New(a, b, nil, Config{Timer: &fakeTimer{}, Logger: quietLogger()})
	if err == nil {
		t.Fatal("expected arm error")
	}
	if !errors.Is(err, b.watchErr) {
		t.Errorf("expected wrapped watch error, got %v", err)
	}
	if _, ok := a.armed(); ok {
		t.Error("expected channel A to be detached after failure")
	}
}

func TestX4_FullForwardCycle(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, false)
	r.walk(0x01, 0x03, 0x02, 0x00)

	if got := r.enc.Read(); got != 4 {
		t.Errorf("expected 4 pulses, got %d", got)
	}
	if got := r.enc.State(); got != 0x00 {
		t.Errorf("expected final state 00, got %v", got)
	}
}

func TestX4_StrictlyMonotonicPerEdge(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, false)
	backward := []State{0x02, 0x03, 0x01, 0x00}
	for cycle := 0; cycle < 3; cycle++ {
		for i, s := range backward {
			before := r.enc.Read()
			r.moveTo(s)
			if got := r.enc.Read(); got != before-1 {
				t.Fatalf("cycle %d step %d: expected %d, got %d", cycle, i, before-1, got)
			}
		}
	}

	forward := []State{0x01, 0x03, 0x02, 0x00}
	for i, s := range forward {
		before := r.enc.Read()
		r.moveTo(s)
		if got := r.enc.Read(); got != before+1 {
			t.Fatalf("forward step %d: expected %d, got %d", i, before+1, got)
		}
	}
	if got := r.enc.Read(); got != -8 {
		t.Errorf("expected -8 after 3 backward and 1 forward cycle, got %d", got)
	}
}

func TestX4_InvalidTransitionResyncs(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, false)
	r.moveTo(0x01) // +1

	// Both channels flip before the handler runs: 01 -> 10.
	r.a.setQuiet(1)
	r.b.setQuiet(0)
	r.a.fire()

	if got := r.enc.Read(); got != 1 {
		t.Errorf("expected invalid transition to leave count at 1, got %d", got)
	}
	if got := r.enc.State(); got != 0x02 {
		t.Errorf("expected state resynchronized to 10, got %v", got)
	}
	if got := r.enc.Invalid(); got != 1 {
		t.Errorf("expected 1 invalid transition, got %d", got)
	}

	// 10 -> 00 is a valid forward step from the resynchronized state.
	r.moveTo(0x00)
	if got := r.enc.Read(); got != 2 {
		t.Errorf("expected count 2 after resync, got %d", got)
	}
}

func TestX4_SpuriousEdgeIgnored(t *testing.T) {
	r := newRig(t, 0x03, X4Encoding, false)
	r.a.fire()
	r.b.fire()
	if got := r.enc.Read(); got != 0 {
		t.Errorf("expected no pulses for spurious edges, got %d", got)
	}
	if got := r.enc.Invalid(); got != 0 {
		t.Errorf("spurious edges are not invalid transitions, got %d", got)
	}
}

func TestX2_CountsOnChannelAEdgesOnly(t *testing.T) {
	r := newRig(t, 0x03, X2Encoding, false)

	// B falls: not armed, state is not re-read.
	r.b.set(0)
	if got := r.enc.State(); got != 0x03 {
		t.Fatalf("expected B edge to be ignored in X2, state %v", got)
	}

	// A falls: 11 -> 00 is forward.
	r.a.set(0)
	if got := r.enc.Read(); got != 1 {
		t.Errorf("expected 1 pulse, got %d", got)
	}
}

func TestX2_BackwardCycle(t *testing.T) {
	r := newRig(t, 0x02, X2Encoding, false)
	// 10 -> 11 -> 01 -> 00 -> 10: A edges observe 10->01 and 01->10.
	r.walk(0x03, 0x01, 0x00, 0x02)
	if got := r.enc.Read(); got != -2 {
		t.Errorf("expected -2 pulses, got %d", got)
	}
}

func TestIndex_CountsRevolutionsInBothDirections(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, true)
	forward := []State{0x01, 0x03, 0x02, 0x00}
	backward := []State{0x02, 0x03, 0x01, 0x00}

	pulseIndex := func() {
		r.z.set(1)
		r.z.set(0)
	}

	for i := 0; i < 3; i++ {
		r.walk(forward...)
		pulseIndex()
	}
	if got := r.enc.Revolutions(); got != 3 {
		t.Fatalf("expected 3 revolutions, got %d", got)
	}

	r.walk(backward...)
	pulseIndex()
	if got := r.enc.Revolutions(); got != 4 {
		t.Errorf("expected 4 revolutions independent of direction, got %d", got)
	}
	if got := r.enc.Read(); got != 8 {
		t.Errorf("expected 8 pulses, got %d", got)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, false)
	for _, n := range []int64{0, 1, -1, 20, -12345, math.MaxInt64, math.MinInt64} {
		r.enc.Write(n)
		if got := r.enc.Read(); got != n {
			t.Errorf("Write(%d): Read returned %d", n, got)
		}
	}
}

func TestReset(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, true)
	r.walk(0x01, 0x03)
	r.z.set(1)
	r.enc.Reset()
	if r.enc.Read() != 0 || r.enc.Revolutions() != 0 {
		t.Errorf("expected zero after Reset, got pulses=%d revolutions=%d", r.enc.Read(), r.enc.Revolutions())
	}
}

func TestPosition_QuarterTurn(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, false)
	r.enc.SetPositionFactor(360.0 / (4 * 20))
	r.enc.Write(20)
	if got := r.enc.Position(); got != 90.0 {
		t.Errorf("expected 90 degrees, got %v", got)
	}
	if got := r.enc.Read(); got != 20 {
		t.Errorf("position factor must not change the count, got %d", got)
	}
}

func TestSpeed_ThroughEncoder(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, false)
	for _, s := range []State{0x01, 0x03, 0x02, 0x00} {
		r.timer.advance(1000)
		r.moveTo(s)
	}
	// First pulse establishes the baseline; three 1ms intervals remain.
	if got := r.enc.Speed(); got != 1000 {
		t.Errorf("expected 1000 pulses/s, got %v", got)
	}

	r.enc.SetSpeedFactor(1.0 / (4 * 20))
	for _, s := range []State{0x01, 0x03} {
		r.timer.advance(500)
		r.moveTo(s)
	}
	if got, want := r.enc.Speed(), 2000.0/80; math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v rps, got %v", want, got)
	}
}

func TestClose_DetachesHandlers(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, true)
	if err := r.enc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for name, l := range map[string]*fakeLine{"A": r.a, "B": r.b, "index": r.z} {
		if _, ok := l.armed(); ok {
			t.Errorf("expected %s detached", name)
		}
	}

	// A handler already in flight must not count either.
	r.a.setQuiet(0)
	r.b.setQuiet(1)
	r.enc.handleEdge()
	r.enc.handleIndex()
	if r.enc.Read() != 0 || r.enc.Revolutions() != 0 {
		t.Errorf("expected no counting after Close, got pulses=%d revolutions=%d", r.enc.Read(), r.enc.Revolutions())
	}

	if err := r.enc.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if r.a.unwatches != 1 {
		t.Errorf("expected channel A detached once, got %d", r.a.unwatches)
	}
}

func TestConcurrentEdgesAndPolling(t *testing.T) {
	r := newRig(t, 0x00, X4Encoding, false)
	const cycles = 2000

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = r.enc.Speed()
				_ = r.enc.Read()
				_ = r.enc.Position()
			}
		}
	}()

	for i := 0; i < cycles; i++ {
		r.timer.advance(10)
		r.walk(0x01, 0x03, 0x02, 0x00)
	}
	close(done)
	wg.Wait()

	if got := r.enc.Read(); got != 4*cycles {
		t.Errorf("expected %d pulses, got %d", 4*cycles, got)
	}
}

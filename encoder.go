// Package qei decodes two-phase quadrature encoder signals, with an optional
// index channel, into a pulse count, a revolution count, a speed and a position.
//
// Edge handlers registered on the channel lines run the decoder; any other
// goroutine may poll the results at its own rate.
package qei

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
)

// Config holds the optional collaborators of an Encoder.
type Config struct {
	// Encoding defaults to X4Encoding.
	Encoding Encoding

	// Timer defaults to a MonotonicTimer.
	Timer Timer

	// Critical guards decoder state against concurrent edges and pollers.
	// Defaults to a SpinLock (an IRQMask under TinyGo).
	Critical CriticalSection

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Encoder is a quadrature encoder interface.
type Encoder struct {
	a, b, index Line
	encoding    Encoding
	decode      decodeFunc
	timer       Timer
	cs          CriticalSection
	logger      *slog.Logger

	// Guarded by cs.
	prev State

	pulses      atomic.Int64
	revolutions atomic.Int64
	invalid     atomic.Uint64
	closed      atomic.Bool

	speedFactor    atomic.Uint64 // float64 bits
	positionFactor atomic.Uint64 // float64 bits

	speed *speedEstimator
}

// New creates an Encoder on channel lines a and b and arms their edge
// handlers. index may be nil when the encoder has no index channel.
//
// The initial state is read from the lines, so the decoder does not assume
// the shaft starts at 00.
func New(a, b, index Line, cfg Config) (*Encoder, error) {
	if a == nil || b == nil {
		return nil, errors.New("channel A and channel B lines are required")
	}
	decode, err := decoderFor(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if cfg.Timer == nil {
		cfg.Timer = NewMonotonicTimer()
	}
	if cfg.Critical == nil {
		cfg.Critical = defaultCriticalSection()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Encoder{
		a:        a,
		b:        b,
		index:    index,
		encoding: cfg.Encoding,
		decode:   decode,
		timer:    cfg.Timer,
		cs:       cfg.Critical,
		logger:   cfg.Logger,
		speed:    newSpeedEstimator(cfg.Critical),
	}
	e.speedFactor.Store(math.Float64bits(1.0))
	e.positionFactor.Store(math.Float64bits(1.0))

	e.timer.Reset()
	e.timer.Start()

	e.prev = MakeState(a.Level(), b.Level())

	// X2 counts on channel A only; X4 needs both channels.
	if err := a.Watch(EdgeBoth, e.handleEdge); err != nil {
		return nil, fmt.Errorf("arm channel A: %w", err)
	}
	if e.encoding == X4Encoding {
		if err := b.Watch(EdgeBoth, e.handleEdge); err != nil {
			_ = a.Unwatch()
			return nil, fmt.Errorf("arm channel B: %w", err)
		}
	}
	if index != nil {
		if err := index.Watch(EdgeRising, e.handleIndex); err != nil {
			_ = a.Unwatch()
			if e.encoding == X4Encoding {
				_ = b.Unwatch()
			}
			return nil, fmt.Errorf("arm index: %w", err)
		}
	}

	e.logger.Debug("encoder armed", "encoding", e.encoding, "state", e.prev, "index", index != nil)
	return e, nil
}

// Close detaches all edge handlers. No edges are processed afterwards.
func (e *Encoder) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	var errs []error
	if err := e.a.Unwatch(); err != nil {
		errs = append(errs, fmt.Errorf("detach channel A: %w", err))
	}
	if e.encoding == X4Encoding {
		if err := e.b.Unwatch(); err != nil {
			errs = append(errs, fmt.Errorf("detach channel B: %w", err))
		}
	}
	if e.index != nil {
		if err := e.index.Unwatch(); err != nil {
			errs = append(errs, fmt.Errorf("detach index: %w", err))
		}
	}
	e.logger.Debug("encoder closed", "pulses", e.Read(), "revolutions", e.Revolutions())
	return errors.Join(errs...)
}

// handleEdge runs on every armed edge of channel A (and B in X4 mode).
func (e *Encoder) handleEdge() {
	e.cs.Enter()
	if e.closed.Load() {
		e.cs.Exit()
		return
	}

	curr := MakeState(e.a.Level(), e.b.Level())
	dir, ok := e.decode(e.prev, curr)
	// Commit unconditionally so an invalid transition resynchronizes here.
	e.prev = curr

	if !ok {
		e.invalid.Add(1)
	}
	if dir != NoPulse {
		e.pulses.Add(int64(dir))
		e.speed.pulseLocked(dir, e.timer.Micros())
	}
	e.cs.Exit()
}

// handleIndex runs on every rising edge of the index line.
func (e *Encoder) handleIndex() {
	if e.closed.Load() {
		return
	}
	e.revolutions.Add(1)
}

// Reset sets the pulse and revolution counts to zero.
func (e *Encoder) Reset() {
	e.pulses.Store(0)
	e.revolutions.Store(0)
}

// Read returns the signed pulse count.
func (e *Encoder) Read() int64 {
	return e.pulses.Load()
}

// Write overwrites the pulse count.
func (e *Encoder) Write(pulses int64) {
	e.pulses.Store(pulses)
}

// Revolutions returns the number of index pulses seen since the last Reset.
func (e *Encoder) Revolutions() int64 {
	return e.revolutions.Load()
}

// SetSpeedFactor sets the scale applied by Speed. With factor 1.0 the speed
// is in pulses per second; see SpeedFactor for other units.
func (e *Encoder) SetSpeedFactor(factor float64) {
	e.speedFactor.Store(math.Float64bits(factor))
}

// Speed returns the average speed over the pulses counted since the
// previous call, scaled by the speed factor. When no pulse arrived the last
// value is repeated for speedTimeoutMax+1 calls, after which it halves on
// every call.
func (e *Encoder) Speed() float64 {
	return e.speed.sample(math.Float64frombits(e.speedFactor.Load()))
}

// SetPositionFactor sets the scale applied by Position.
func (e *Encoder) SetPositionFactor(factor float64) {
	e.positionFactor.Store(math.Float64bits(factor))
}

// Position returns the pulse count scaled by the position factor.
func (e *Encoder) Position() float64 {
	return float64(e.pulses.Load()) * math.Float64frombits(e.positionFactor.Load())
}

// State returns the last committed channel state.
func (e *Encoder) State() State {
	e.cs.Enter()
	s := e.prev
	e.cs.Exit()
	return s
}

// Invalid returns the number of rejected transitions where both channels
// changed between two edges.
func (e *Encoder) Invalid() uint64 {
	return e.invalid.Load()
}

// Encoding returns the encoding selected at construction.
func (e *Encoder) Encoding() Encoding {
	return e.encoding
}

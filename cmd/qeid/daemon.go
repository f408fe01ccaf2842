package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"qei"
)

// ============================================================================
// Daemon loop
// ============================================================================
//
// The daemon loop is the only caller of Encoder.Speed, which consumes the
// speed window on every call. IPC reads therefore report the speed of the
// latest sample together with live counters.
//
// It also serializes IPC commands so telemetry events about counter changes
// are emitted in the order the changes were applied.
// ============================================================================

// Request is an IPC command waiting for the daemon loop. Reply must be
// buffered so the loop never blocks on a departed client.
type Request struct {
	Cmd   Command
	Reply chan<- IPCResponse
}

// Broadcast is a marker interface for events fanned out to telemetry clients.
type Broadcast interface {
	broadcastMarker()
}

type BroadcastTelemetry struct {
	Sample Sample
}

type BroadcastCounterReset struct {
	At time.Time
}

type BroadcastCounterWritten struct {
	Pulses int64
	At     time.Time
}

func (BroadcastTelemetry) broadcastMarker()      {}
func (BroadcastCounterReset) broadcastMarker()   {}
func (BroadcastCounterWritten) broadcastMarker() {}

type Daemon struct {
	enc    *qei.Encoder
	logger *slog.Logger
	runID  string

	latest atomic.Pointer[Sample]

	// Owned by the loop goroutine.
	lastSpeed   float64
	lastInvalid uint64
	warn        *rate.Limiter

	broadcasts chan<- Broadcast
}

// NewDaemon returns a daemon polling enc. broadcasts may be nil when
// telemetry is disabled.
func NewDaemon(enc *qei.Encoder, broadcasts chan<- Broadcast, logger *slog.Logger) *Daemon {
	d := &Daemon{
		enc:        enc,
		logger:     logger,
		runID:      ulid.Make().String(),
		warn:       rate.NewLimiter(rate.Limit(invalidWarnPerSec), 1),
		broadcasts: broadcasts,
	}
	s := d.snapshot(time.Now().UTC())
	d.latest.Store(&s)
	d.logger.Debug("daemon created", "run_id", d.runID)
	return d
}

// Latest returns the most recent sample. Safe for concurrent use.
func (d *Daemon) Latest() Sample {
	return *d.latest.Load()
}

// Run samples the encoder at hz and executes requests until ctx is canceled
// or requests is closed.
func (d *Daemon) Run(ctx context.Context, requests <-chan Request, hz int) error {
	if hz <= 0 {
		return fmt.Errorf("sample rate must be > 0, got %d", hz)
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping (context canceled)")
			return nil

		case req, ok := <-requests:
			if !ok {
				d.logger.Info("daemon stopping (requests channel closed)")
				return nil
			}
			resp := d.handle(req.Cmd, time.Now().UTC())
			if req.Reply != nil {
				req.Reply <- resp
			}

		case now := <-ticker.C:
			d.tick(now.UTC())
		}
	}
}

func (d *Daemon) tick(now time.Time) {
	d.lastSpeed = d.enc.Speed()
	s := d.snapshot(now)
	d.latest.Store(&s)

	if s.Invalid > d.lastInvalid {
		if d.warn.Allow() {
			d.logger.Warn("invalid quadrature transitions",
				"new", s.Invalid-d.lastInvalid, "total", s.Invalid, "state", s.State)
		}
		d.lastInvalid = s.Invalid
	}

	d.publish(BroadcastTelemetry{Sample: s})
}

func (d *Daemon) handle(cmd Command, now time.Time) IPCResponse {
	switch c := cmd.(type) {
	case ReadCounters:
		// Snapshot only.

	case ResetCounters:
		d.enc.Reset()
		d.logger.Info("counters reset")
		d.publish(BroadcastCounterReset{At: now})

	case WriteCounter:
		d.enc.Write(c.Pulses)
		d.logger.Info("pulse count written", "pulses", c.Pulses)
		d.publish(BroadcastCounterWritten{Pulses: c.Pulses, At: now})

	case SetSpeedFactor:
		if !finite(c.Factor) {
			return IPCResponse{Status: "error", Error: "speed factor must be finite"}
		}
		d.enc.SetSpeedFactor(c.Factor)
		d.logger.Info("speed factor set", "factor", c.Factor)

	case SetPositionFactor:
		if !finite(c.Factor) {
			return IPCResponse{Status: "error", Error: "position factor must be finite"}
		}
		d.enc.SetPositionFactor(c.Factor)
		d.logger.Info("position factor set", "factor", c.Factor)

	default:
		return IPCResponse{Status: "error", Error: fmt.Sprintf("unsupported command %T", cmd)}
	}

	s := d.snapshot(now)
	return IPCResponse{Status: "ok", Sample: &s}
}

func (d *Daemon) snapshot(now time.Time) Sample {
	return Sample{
		RunID:       d.runID,
		Pulses:      d.enc.Read(),
		Revolutions: d.enc.Revolutions(),
		Position:    d.enc.Position(),
		Speed:       d.lastSpeed,
		State:       d.enc.State().String(),
		Invalid:     d.enc.Invalid(),
		At:          now,
	}
}

// publish never blocks the loop; telemetry drops events when it falls behind.
func (d *Daemon) publish(b Broadcast) {
	if d.broadcasts == nil {
		return
	}
	select {
	case d.broadcasts <- b:
	default:
		d.logger.Debug("broadcast queue full, dropping", "event", fmt.Sprintf("%T", b))
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

package main

import (
	"errors"
	"fmt"
	"io"

	"qei"
	"qei/gpio"
)

// backend holds the lines the encoder is built on.
type backend struct {
	A, B  qei.Line
	Index qei.Line // nil without an index channel

	// Sim is set for the sim backend; the daemon drives it.
	Sim *gpio.SimEncoder

	closers []io.Closer
}

// openBackend opens the lines named by cfg.
func openBackend(cfg EncoderConfig, sim SimConfig) (*backend, error) {
	switch cfg.Backend {
	case BackendSim:
		indexEvery := sim.IndexEvery
		if cfg.Index < 0 {
			indexEvery = 0
		}
		s := gpio.NewSimEncoder(indexEvery)
		b := &backend{A: s.A, B: s.B, Sim: s}
		if cfg.Index >= 0 {
			b.Index = s.Index
		}
		return b, nil

	case BackendCdev, BackendSysfs:
		return openHardware(cfg)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Close releases every opened line.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// errorCounter is implemented by hardware lines that count failed reads.
type errorCounter interface {
	Errors() uint64
}

// ReadErrors sums failed level reads across all lines.
func (b *backend) ReadErrors() uint64 {
	var n uint64
	for _, l := range []qei.Line{b.A, b.B, b.Index} {
		if ec, ok := l.(errorCounter); ok {
			n += ec.Errors()
		}
	}
	return n
}

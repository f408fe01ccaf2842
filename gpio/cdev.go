//go:build linux

package gpio

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"qei"
)

const consumer = "qeid"

// CdevConfig configures a character device input line.
type CdevConfig struct {
	Chip     string // e.g. "gpiochip0"
	Offset   int
	Bias     Bias
	Debounce time.Duration // 0 disables kernel debounce
}

// CdevLine is a qei.Line backed by the Linux GPIO character device.
// Edge events are delivered by the gpiocdev event goroutine for the line.
type CdevLine struct {
	cfg     CdevConfig
	line    *gpiocdev.Line
	handler handlerSlot
	cache   levelCache
}

// OpenCdev requests the line as an input with edge detection disabled.
func OpenCdev(cfg CdevConfig) (*CdevLine, error) {
	l := &CdevLine{cfg: cfg}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithConsumer(consumer),
		gpiocdev.WithEventHandler(l.dispatch),
	}
	switch cfg.Bias {
	case BiasPullUp:
		opts = append(opts, gpiocdev.WithPullUp)
	case BiasPullDown:
		opts = append(opts, gpiocdev.WithPullDown)
	case BiasDisabled:
		opts = append(opts, gpiocdev.WithBiasDisabled)
	}
	if cfg.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(cfg.Debounce))
	}

	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s:%d: %w", cfg.Chip, cfg.Offset, err)
	}
	l.line = line
	l.Level()
	return l, nil
}

func (l *CdevLine) Level() int {
	v, err := l.line.Value()
	if err != nil {
		return l.cache.failed()
	}
	return l.cache.good(v)
}

func (l *CdevLine) Watch(edge qei.Edge, handler func()) error {
	var opt gpiocdev.LineConfigOption
	switch edge {
	case qei.EdgeRising:
		opt = gpiocdev.WithRisingEdge
	case qei.EdgeFalling:
		opt = gpiocdev.WithFallingEdge
	case qei.EdgeBoth:
		opt = gpiocdev.WithBothEdges
	default:
		return l.Unwatch()
	}
	l.handler.set(handler)
	if err := l.line.Reconfigure(opt); err != nil {
		l.handler.set(nil)
		return fmt.Errorf("%s: arm %s edge: %w", l, edge, err)
	}
	return nil
}

func (l *CdevLine) Unwatch() error {
	l.handler.set(nil)
	if err := l.line.Reconfigure(gpiocdev.WithoutEdges); err != nil {
		return fmt.Errorf("%s: disarm: %w", l, err)
	}
	return nil
}

// Errors returns the number of failed level reads.
func (l *CdevLine) Errors() uint64 {
	return l.cache.errors.Load()
}

// Close releases the line.
func (l *CdevLine) Close() error {
	l.handler.set(nil)
	return l.line.Close()
}

func (l *CdevLine) String() string {
	return fmt.Sprintf("%s:%d", l.cfg.Chip, l.cfg.Offset)
}

func (l *CdevLine) dispatch(evt gpiocdev.LineEvent) {
	switch evt.Type {
	case gpiocdev.LineEventRisingEdge:
		l.cache.good(1)
	case gpiocdev.LineEventFallingEdge:
		l.cache.good(0)
	}
	l.handler.call()
}

// Package gpio provides qei.Line implementations: Linux GPIO character
// devices, the legacy sysfs interface, TinyGo machine pins and an in-memory
// simulator for tests.
package gpio

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Bias selects the input pull resistor.
type Bias int

const (
	BiasAsIs Bias = iota
	BiasPullUp
	BiasPullDown
	BiasDisabled
)

// ParseBias converts "as-is", "pull-up", "pull-down" or "disabled".
func ParseBias(s string) (Bias, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "as-is":
		return BiasAsIs, nil
	case "pull-up":
		return BiasPullUp, nil
	case "pull-down":
		return BiasPullDown, nil
	case "disabled":
		return BiasDisabled, nil
	default:
		return BiasAsIs, fmt.Errorf("invalid bias: %s (must be as-is, pull-up, pull-down or disabled)", s)
	}
}

// handlerSlot holds the handler armed on a line. Backends deliver edges on
// their own goroutines, so it is swapped atomically rather than locked.
type handlerSlot struct {
	fn atomic.Pointer[func()]
}

func (s *handlerSlot) set(fn func()) {
	if fn == nil {
		s.fn.Store(nil)
		return
	}
	s.fn.Store(&fn)
}

func (s *handlerSlot) call() {
	if fn := s.fn.Load(); fn != nil {
		(*fn)()
	}
}

// levelCache remembers the last good level so Level never fails, and
// counts the reads that did.
type levelCache struct {
	level  atomic.Int32
	errors atomic.Uint64
}

func (c *levelCache) good(v int) int {
	c.level.Store(int32(v & 1))
	return v & 1
}

func (c *levelCache) failed() int {
	c.errors.Add(1)
	return int(c.level.Load())
}

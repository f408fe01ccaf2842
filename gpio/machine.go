//go:build tinygo

package gpio

import (
	"fmt"
	"machine"

	"qei"
)

// PinLine is a qei.Line on a microcontroller pin. Handlers run in
// interrupt context.
type PinLine struct {
	pin machine.Pin
}

// OpenPin configures pin as an input with the given bias.
func OpenPin(pin machine.Pin, bias Bias) *PinLine {
	mode := machine.PinInput
	switch bias {
	case BiasPullUp:
		mode = machine.PinInputPullup
	case BiasPullDown:
		mode = machine.PinInputPulldown
	}
	pin.Configure(machine.PinConfig{Mode: mode})
	return &PinLine{pin: pin}
}

func (l *PinLine) Level() int {
	if l.pin.Get() {
		return 1
	}
	return 0
}

func (l *PinLine) Watch(edge qei.Edge, handler func()) error {
	var change machine.PinChange
	switch edge {
	case qei.EdgeRising:
		change = machine.PinRising
	case qei.EdgeFalling:
		change = machine.PinFalling
	case qei.EdgeBoth:
		change = machine.PinToggle
	default:
		return l.Unwatch()
	}
	if err := l.pin.SetInterrupt(change, func(machine.Pin) { handler() }); err != nil {
		return fmt.Errorf("pin %d: arm %s edge: %w", l.pin, edge, err)
	}
	return nil
}

func (l *PinLine) Unwatch() error {
	return l.pin.SetInterrupt(0, nil)
}

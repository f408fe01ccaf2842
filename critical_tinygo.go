//go:build tinygo

package qei

import "runtime/interrupt"

// IRQMask is a CriticalSection that masks interrupts while held.
type IRQMask struct {
	state interrupt.State
}

func (m *IRQMask) Enter() {
	st := interrupt.Disable()
	m.state = st
}

func (m *IRQMask) Exit() {
	interrupt.Restore(m.state)
}

func defaultCriticalSection() CriticalSection {
	return &IRQMask{}
}

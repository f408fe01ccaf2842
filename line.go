package qei

// Edge selects which level transitions of a Line invoke its handler.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

func (e Edge) String() string {
	switch e {
	case EdgeNone:
		return "none"
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	default:
		return "unknown"
	}
}

// Line is a single digital input: channel A, channel B or the index line.
//
// Level must be cheap and must not block; it is called from edge handlers.
// Implementations that can fail should return the last good level.
//
// Watch arms handler for the given edge, replacing any previous handler.
// Handlers may be invoked from interrupt context or from a backend goroutine,
// and handlers for different lines may run concurrently.
type Line interface {
	Level() int
	Watch(edge Edge, handler func()) error
	Unwatch() error
}

// Timer is a free-running microsecond counter used to time pulses.
// Micros wraps like a 32-bit hardware counter; only differences between
// readings are meaningful.
type Timer interface {
	Reset()
	Start()
	Micros() uint32
}

// CriticalSection is scoped exclusive access that suspends preemption.
// Enter and Exit must never sleep: they are used inside edge handlers.
// Sections are not reentrant.
type CriticalSection interface {
	Enter()
	Exit()
}

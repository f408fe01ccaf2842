package qei

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield bounds busy-waiting before handing the processor back.
const spinsBeforeYield = 64

// SpinLock is a CriticalSection built on compare-and-swap. It never parks
// the goroutine, so it is safe to use from edge handler goroutines.
type SpinLock struct {
	held atomic.Bool
}

func (l *SpinLock) Enter() {
	for spins := 0; !l.held.CompareAndSwap(false, true); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

func (l *SpinLock) Exit() {
	l.held.Store(false)
}

//go:build !tinygo

package qei

func defaultCriticalSection() CriticalSection {
	return &SpinLock{}
}

//go:build !linux || tinygo

package qei

import "time"

var clockEpoch = time.Now()

func clockMicros() int64 {
	return time.Since(clockEpoch).Microseconds()
}

package main

import "time"

const (
	defaultSampleHz      = 10
	defaultSocketPath    = "/tmp/qeid.sock"
	defaultTelemetryAddr = ":3002"
	defaultTelemetryPath = "/ws/telemetry"
	defaultChip          = "gpiochip0"
	defaultSimRateHz     = 200.0

	maxSampleHz = 1000

	// Requests queued from IPC clients to the daemon loop.
	requestQueueSize = 64

	// Broadcasts queued from the daemon loop to the telemetry broadcaster.
	broadcastQueueSize = 64

	// At most this many invalid-transition warnings are logged per second.
	invalidWarnPerSec = 1

	httpShutdownTimeout = 3 * time.Second
)

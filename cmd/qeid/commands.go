package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Commands - IPC requests executed by the daemon loop
// ============================================================================

// Command is a marker interface for everything an IPC client can ask for.
type Command interface {
	commandMarker()
}

// ReadCounters asks for the latest sample with live counters.
type ReadCounters struct{}

// ResetCounters zeroes the pulse and revolution counts.
type ResetCounters struct{}

// WriteCounter overwrites the pulse count.
type WriteCounter struct {
	Pulses int64 `json:"pulses"`
}

// SetSpeedFactor changes the scale applied to speed.
type SetSpeedFactor struct {
	Factor float64 `json:"factor"`
}

// SetPositionFactor changes the scale applied to position.
type SetPositionFactor struct {
	Factor float64 `json:"factor"`
}

func (ReadCounters) commandMarker()      {}
func (ResetCounters) commandMarker()     {}
func (WriteCounter) commandMarker()      {}
func (SetSpeedFactor) commandMarker()    {}
func (SetPositionFactor) commandMarker() {}

// Sample is a snapshot of the encoder published to IPC and telemetry clients.
// RunID changes whenever the daemon restarts, and counters restart with it.
type Sample struct {
	RunID       string    `json:"run_id"`
	Pulses      int64     `json:"pulses"`
	Revolutions int64     `json:"revolutions"`
	Position    float64   `json:"position"`
	Speed       float64   `json:"speed"`
	State       string    `json:"state"`
	Invalid     uint64    `json:"invalid"`
	At          time.Time `json:"at"`
}

// CommandEnvelope wraps a command with a type discriminator for JSON.
type CommandEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse is sent back to IPC clients, one per request line.
type IPCResponse struct {
	Status string  `json:"status"`           // "ok" or "error"
	Error  string  `json:"error,omitempty"`  // set if status == "error"
	Sample *Sample `json:"sample,omitempty"` // set for successful commands
}

// UnmarshalCommand decodes a JSON envelope into a concrete Command.
func UnmarshalCommand(data []byte) (Command, error) {
	var env CommandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "read":
		return ReadCounters{}, nil

	case "reset":
		return ResetCounters{}, nil

	case "write":
		var c WriteCounter
		if err := unmarshalData(env.Data, &c); err != nil {
			return nil, fmt.Errorf("unmarshal WriteCounter: %w", err)
		}
		return c, nil

	case "set_speed_factor":
		var c SetSpeedFactor
		if err := unmarshalData(env.Data, &c); err != nil {
			return nil, fmt.Errorf("unmarshal SetSpeedFactor: %w", err)
		}
		return c, nil

	case "set_position_factor":
		var c SetPositionFactor
		if err := unmarshalData(env.Data, &c); err != nil {
			return nil, fmt.Errorf("unmarshal SetPositionFactor: %w", err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown command type: %q", env.Type)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}

// MarshalCommand encodes a Command into a JSON envelope.
func MarshalCommand(c Command) ([]byte, error) {
	var env CommandEnvelope

	switch c := c.(type) {
	case ReadCounters:
		env.Type = "read"
	case ResetCounters:
		env.Type = "reset"
	case WriteCounter:
		env.Type = "write"
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal WriteCounter: %w", err)
		}
		env.Data = data
	case SetSpeedFactor:
		env.Type = "set_speed_factor"
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal SetSpeedFactor: %w", err)
		}
		env.Data = data
	case SetPositionFactor:
		env.Type = "set_position_factor"
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal SetPositionFactor: %w", err)
		}
		env.Data = data
	default:
		return nil, fmt.Errorf("unsupported command type: %T", c)
	}

	return json.Marshal(env)
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// qei-ctl - Command-line IPC client for qeid
// ============================================================================
// Usage:
//   qei-ctl read
//   qei-ctl reset
//   qei-ctl write 1000
//   qei-ctl speed-factor 0.15
//   qei-ctl position-factor 0.9
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/qeid.sock)
// ============================================================================

// Request types (duplicated from qeid for a standalone binary)
type request struct {
	Type string
	Data any
}

type writeData struct {
	Pulses int64 `json:"pulses"`
}

type factorData struct {
	Factor float64 `json:"factor"`
}

// commandEnvelope wraps a request for JSON
type commandEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Sample mirrors the daemon's counter snapshot.
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

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string  `json:"status"`
	Error  string  `json:"error,omitempty"`
	Sample *Sample `json:"sample,omitempty"`
}

func main() {
	socketPath := "/tmp/qeid.sock"

	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-socket" || args[0] == "--socket") {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		return
	}

	req, err := parseCommand(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	resp, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	printSample(resp.Sample)
}

// parseCommand converts command-line arguments into a request.
func parseCommand(args []string) (request, error) {
	switch args[0] {
	case "read", "get":
		return request{Type: "read"}, nil

	case "reset":
		return request{Type: "reset"}, nil

	case "write", "set":
		if len(args) < 2 {
			return request{}, errors.New("write requires a pulse count")
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return request{}, fmt.Errorf("invalid pulse count: %w", err)
		}
		return request{Type: "write", Data: writeData{Pulses: n}}, nil

	case "speed-factor", "position-factor":
		if len(args) < 2 {
			return request{}, fmt.Errorf("%s requires a factor", args[0])
		}
		f, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return request{}, fmt.Errorf("invalid factor: %w", err)
		}
		typ := "set_speed_factor"
		if args[0] == "position-factor" {
			typ = "set_position_factor"
		}
		return request{Type: typ, Data: factorData{Factor: f}}, nil

	default:
		return request{}, fmt.Errorf("unknown command: %s", args[0])
	}
}

func marshalRequest(req request) ([]byte, error) {
	env := commandEnvelope{Type: req.Type}
	if req.Data != nil {
		data, err := json.Marshal(req.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", req.Type, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func send(socketPath string, req request) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := marshalRequest(req)
	if err != nil {
		return IPCResponse{}, err
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send command: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printSample(s *Sample) {
	if s == nil {
		fmt.Println("ok")
		return
	}
	fmt.Printf("pulses:      %d\n", s.Pulses)
	fmt.Printf("revolutions: %d\n", s.Revolutions)
	fmt.Printf("position:    %g\n", s.Position)
	fmt.Printf("speed:       %g\n", s.Speed)
	fmt.Printf("state:       %s\n", s.State)
	fmt.Printf("run:         %s\n", s.RunID)
	if s.Invalid > 0 {
		fmt.Printf("invalid:     %d\n", s.Invalid)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `qei-ctl - Control the qeid daemon via IPC

Usage:
  qei-ctl [options] <command> [args]

Options:
  -socket PATH         Unix domain socket path (default: /tmp/qeid.sock)

Commands:
  read                 Print counters, position and speed
  reset                Zero the pulse and revolution counters
  write <pulses>       Overwrite the pulse counter
  speed-factor <f>     Set the speed scale factor
  position-factor <f>  Set the position scale factor
  help                 Show this help message

Examples:
  qei-ctl read
  qei-ctl write -2048
  qei-ctl -socket /run/qeid.sock reset
`)
}

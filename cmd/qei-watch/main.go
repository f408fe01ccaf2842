package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type sample struct {
	RunID       string  `json:"run_id"`
	Pulses      int64   `json:"pulses"`
	Revolutions int64   `json:"revolutions"`
	Position    float64 `json:"position"`
	Speed       float64 `json:"speed"`
	State       string  `json:"state"`
	Invalid     uint64  `json:"invalid"`
}

// watcher prints only what changed between telemetry frames.
type watcher struct {
	mu        sync.Mutex
	last      *sample
	speedStep float64 // smallest speed change worth printing
}

func main() {
	var (
		wsURL     = flag.String("ws", "ws://127.0.0.1:3002/ws/telemetry", "qeid telemetry websocket URL")
		speedStep = flag.Float64("speed-step", 0.01, "Smallest speed change to print")
		raw       = flag.Bool("raw", false, "Print every frame as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// The daemon pings every 20s; answer with pongs and extend the deadline.
	var writeMu sync.Mutex
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	w := &watcher{speedStep: *speedStep}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Printf("%s\n", message)
				continue
			}
			for _, line := range w.handle(message) {
				fmt.Println(line)
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handle returns the lines to print for one frame.
func (w *watcher) handle(message []byte) []string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return []string{fmt.Sprintf("[TEXT] %s", message)}
	}

	switch env.Type {
	case "telemetry_init", "telemetry":
		var s sample
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return []string{fmt.Sprintf("[BAD %s] %v", env.Type, err)}
		}
		return w.diff(s, env.Type == "telemetry_init")

	case "counter_reset":
		return []string{"[RESET]"}

	case "counter_written":
		var d struct {
			Pulses int64 `json:"pulses"`
		}
		_ = json.Unmarshal(env.Data, &d)
		return []string{fmt.Sprintf("[WRITTEN] %d", d.Pulses)}

	default:
		return []string{fmt.Sprintf("[%s] %s", env.Type, env.Data)}
	}
}

func (w *watcher) diff(s sample, init bool) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.last
	w.last = &s

	if init || prev == nil {
		return []string{fmt.Sprintf("[INIT] pulses=%d revolutions=%d position=%g speed=%.2f state=%s",
			s.Pulses, s.Revolutions, s.Position, s.Speed, s.State)}
	}

	var out []string
	if s.RunID != prev.RunID {
		out = append(out, fmt.Sprintf("[RESTART] daemon run %s", s.RunID))
	}
	if s.Pulses != prev.Pulses {
		out = append(out, fmt.Sprintf("[PULSES] %d (%+d) position=%g", s.Pulses, s.Pulses-prev.Pulses, s.Position))
	}
	if s.Revolutions != prev.Revolutions {
		out = append(out, fmt.Sprintf("[REVOLUTIONS] %d", s.Revolutions))
	}
	if math.Abs(s.Speed-prev.Speed) >= w.speedStep {
		out = append(out, fmt.Sprintf("[SPEED] %.2f", s.Speed))
	}
	if s.Invalid != prev.Invalid {
		out = append(out, fmt.Sprintf("[INVALID] %d (+%d)", s.Invalid, s.Invalid-prev.Invalid))
	}
	return out
}

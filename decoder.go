package qei

import (
	"fmt"
	"strings"
)

// State is the 2-bit channel state (A<<1)|B.
type State uint8

const (
	prevMask  State = 0x01 // bit of the previous state used for direction
	currMask  State = 0x02 // bit of the current state used for direction
	bothFlips State = 0x03 // prev^curr when both channels changed
)

// MakeState packs two channel levels into a State. Any non-zero level is high.
func MakeState(a, b int) State {
	var s State
	if a != 0 {
		s |= 0x02
	}
	if b != 0 {
		s |= 0x01
	}
	return s
}

func (s State) String() string {
	return fmt.Sprintf("%02b", uint8(s&0x03))
}

// Encoding selects how many counts are produced per encoder cycle.
// The zero value is X4Encoding.
type Encoding int

const (
	X4Encoding Encoding = iota // both edges of A and B
	X2Encoding                 // both edges of A only
)

func (e Encoding) String() string {
	switch e {
	case X4Encoding:
		return "x4"
	case X2Encoding:
		return "x2"
	default:
		return "unknown"
	}
}

// ParseEncoding converts "x2" or "x4" (case-insensitive) to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x4", "":
		return X4Encoding, nil
	case "x2":
		return X2Encoding, nil
	default:
		return 0, fmt.Errorf("invalid encoding: %s (must be x2 or x4)", s)
	}
}

// Direction of a counted pulse.
type Direction int8

const (
	Backward Direction = -1
	NoPulse  Direction = 0
	Forward  Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "none"
	}
}

// decodeFunc classifies a transition. ok is false when the transition
// violates the gray-code sequence.
type decodeFunc func(prev, curr State) (dir Direction, ok bool)

func decoderFor(enc Encoding) (decodeFunc, error) {
	switch enc {
	case X4Encoding:
		return decodeX4, nil
	case X2Encoding:
		return decodeX2, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %d", int(enc))
	}
}

// decodeX2 only ever sees states sampled on channel A edges:
//
//	11 -> 00 -> 11 -> 00   forward
//	10 -> 01 -> 10 -> 01   backward
//
// Channel B is never armed in this mode, so B-only transitions cannot
// reach this function.
func decodeX2(prev, curr State) (Direction, bool) {
	switch {
	case prev == 0x03 && curr == 0x00, prev == 0x00 && curr == 0x02:
		return Forward, true
	case prev == 0x02 && curr == 0x01, prev == 0x01 && curr == 0x02:
		return Backward, true
	}
	return NoPulse, true
}

// decodeX4 treats the states as 2-bit gray code:
//
//	00 01 11 10 00   forward
//	00 10 11 01 00   backward
//
// A change of both bits cannot come from a single step; it is rejected and
// the caller resynchronizes on the new state.
func decodeX4(prev, curr State) (Direction, bool) {
	x := prev ^ curr
	if x == bothFlips {
		return NoPulse, false
	}
	if x == 0 {
		return NoPulse, true
	}
	if (prev&prevMask)^((curr&currMask)>>1) == 0 {
		return Forward, true
	}
	return Backward, true
}

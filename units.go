package qei

import (
	"fmt"
	"math"
	"strings"
)

// Multiplier returns the number of counts per encoder cycle for enc.
func Multiplier(enc Encoding) int {
	if enc == X2Encoding {
		return 2
	}
	return 4
}

// SpeedFactor returns the factor that converts pulses per second into unit
// for an encoder with cpr counts (cycles) per revolution.
//
//	hz           pulses per second
//	rps          revolutions per second
//	rpm          revolutions per minute
//	deg_per_sec  degrees per second
func SpeedFactor(unit string, enc Encoding, cpr int) (float64, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	if u == "" || u == "hz" {
		return 1.0, nil
	}
	if cpr <= 0 {
		return 0, fmt.Errorf("speed unit %s needs counts per revolution > 0", unit)
	}
	perRev := float64(Multiplier(enc) * cpr)
	switch u {
	case "rps":
		return 1 / perRev, nil
	case "rpm":
		return 60 / perRev, nil
	case "deg_per_sec":
		return 360 / perRev, nil
	default:
		return 0, fmt.Errorf("invalid speed unit: %s (must be hz, rps, rpm or deg_per_sec)", unit)
	}
}

// PositionFactor returns the factor that converts pulse counts into unit
// for an encoder with cpr counts (cycles) per revolution.
//
//	counts       raw pulses
//	revolutions  full turns
//	degrees      degrees
//	radians      radians
func PositionFactor(unit string, enc Encoding, cpr int) (float64, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	if u == "" || u == "counts" {
		return 1.0, nil
	}
	if cpr <= 0 {
		return 0, fmt.Errorf("position unit %s needs counts per revolution > 0", unit)
	}
	perRev := float64(Multiplier(enc) * cpr)
	switch u {
	case "revolutions":
		return 1 / perRev, nil
	case "degrees":
		return 360 / perRev, nil
	case "radians":
		return 2 * math.Pi / perRev, nil
	default:
		return 0, fmt.Errorf("invalid position unit: %s (must be counts, revolutions, degrees or radians)", unit)
	}
}

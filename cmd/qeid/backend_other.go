//go:build !linux

package main

import "fmt"

func openHardware(cfg EncoderConfig) (*backend, error) {
	return nil, fmt.Errorf("backend %q requires linux", cfg.Backend)
}

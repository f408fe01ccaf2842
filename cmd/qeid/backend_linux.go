//go:build linux

package main

import (
	"fmt"

	"qei"
	"qei/gpio"
)

func openHardware(cfg EncoderConfig) (*backend, error) {
	b := &backend{}
	fail := func(err error) (*backend, error) {
		_ = b.Close()
		return nil, err
	}

	bias := gpio.BiasAsIs
	if cfg.PullUp {
		bias = gpio.BiasPullUp
	}

	open := func(name string, n int) (qei.Line, error) {
		switch cfg.Backend {
		case BackendSysfs:
			l, err := gpio.OpenSysfs(gpio.SysfsConfig{Number: n})
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", name, err)
			}
			b.closers = append(b.closers, l)
			return l, nil
		default:
			l, err := gpio.OpenCdev(gpio.CdevConfig{
				Chip:     cfg.Chip,
				Offset:   n,
				Bias:     bias,
				Debounce: cfg.Debounce(),
			})
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", name, err)
			}
			b.closers = append(b.closers, l)
			return l, nil
		}
	}

	var err error
	if b.A, err = open("channel A", cfg.ChannelA); err != nil {
		return fail(err)
	}
	if b.B, err = open("channel B", cfg.ChannelB); err != nil {
		return fail(err)
	}
	if cfg.Index >= 0 {
		if b.Index, err = open("index", cfg.Index); err != nil {
			return fail(err)
		}
	}
	return b, nil
}

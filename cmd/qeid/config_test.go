package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadConfigFile_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qeid.yaml")
	yml := `
encoder:
  backend: sim
  index: 22
  encoding: x2
  counts_per_rev: 100
  speed_unit: rpm
sampler:
  hz: 50
sim:
  rate_hz: -400
  index_every: 200
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Encoder.Backend != BackendSim || cfg.Encoder.Index != 22 || cfg.Encoder.Encoding != "x2" {
		t.Fatalf("unexpected encoder config: %+v", cfg.Encoder)
	}
	if cfg.Encoder.ChannelA != 17 || cfg.Encoder.ChannelB != 27 {
		t.Fatalf("expected default channels to survive, got %d/%d", cfg.Encoder.ChannelA, cfg.Encoder.ChannelB)
	}
	if cfg.Sampler.Hz != 50 || cfg.Sim.RateHz != -400 || cfg.Sim.IndexEvery != 200 {
		t.Fatalf("unexpected sampler/sim config: %+v %+v", cfg.Sampler, cfg.Sim)
	}
	if cfg.IPC.SocketPath != defaultSocketPath {
		t.Fatalf("expected default socket path, got %q", cfg.IPC.SocketPath)
	}

	speed, position, err := cfg.Factors()
	if err != nil {
		t.Fatalf("factors: %v", err)
	}
	// rpm = 60 / (2 * 100)
	if speed != 0.3 {
		t.Errorf("expected speed factor 0.3, got %v", speed)
	}
	if position != 1 {
		t.Errorf("expected position factor 1, got %v", position)
	}
}

func TestLoadConfigFile_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qeid.yaml")
	if err := os.WriteFile(path, []byte("encoder:\n  chanel_a: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadConfigFile_RejectsTrailingDocument(t *testing.T) {
	if _, err := parseConfig([]byte("sampler:\n  hz: 5\n---\nsampler:\n  hz: 6\n")); err == nil {
		t.Fatal("expected error for trailing document")
	}
}

func TestConfig_ExplicitFactorsWin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encoder.SpeedUnit = "rpm" // would fail without counts_per_rev
	cfg.Encoder.SpeedFactor = 2.5
	cfg.Encoder.PositionFactor = 0.1

	speed, position, err := cfg.Factors()
	if err != nil {
		t.Fatalf("factors: %v", err)
	}
	if speed != 2.5 || position != 0.1 {
		t.Fatalf("expected explicit factors, got %v/%v", speed, position)
	}
}

func TestConfig_ValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Encoder.Backend = "spi" }, "encoder.backend"},
		{"empty chip", func(c *Config) { c.Encoder.Chip = "" }, "encoder.chip"},
		{"same channels", func(c *Config) { c.Encoder.ChannelB = c.Encoder.ChannelA }, "must differ"},
		{"negative channel", func(c *Config) { c.Encoder.ChannelA = -1 }, ">= 0"},
		{"index below -1", func(c *Config) { c.Encoder.Index = -2 }, "encoder.index"},
		{"index on channel", func(c *Config) { c.Encoder.Index = c.Encoder.ChannelA }, "encoder.index"},
		{"encoding", func(c *Config) { c.Encoder.Encoding = "x3" }, "encoder.encoding"},
		{"unit without cpr", func(c *Config) { c.Encoder.PositionUnit = "degrees" }, "encoder.position_unit"},
		{"unknown unit", func(c *Config) { c.Encoder.CountsPerRev = 10; c.Encoder.SpeedUnit = "mph" }, "encoder.speed_unit"},
		{"sample hz", func(c *Config) { c.Sampler.Hz = 0 }, "sampler.hz"},
		{"telemetry path", func(c *Config) { c.Telemetry.Path = "ws" }, "telemetry.path"},
		{"socket", func(c *Config) { c.IPC.SocketPath = "" }, "ipc.socket_path"},
		{"sim index", func(c *Config) { c.Encoder.Backend = BackendSim; c.Sim.IndexEvery = -1 }, "sim.index_every"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestFlagOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()
	backend := BackendSim
	index := 5
	listen := ""
	FlagOverrides{Backend: &backend, Index: &index, TelemetryListen: &listen}.Apply(&cfg)

	if cfg.Encoder.Backend != BackendSim || cfg.Encoder.Index != 5 {
		t.Fatalf("overrides not applied: %+v", cfg.Encoder)
	}
	if cfg.Telemetry.Listen != "" {
		t.Fatalf("expected zero-value override to apply, got %q", cfg.Telemetry.Listen)
	}
	if cfg.Encoder.Chip != defaultChip {
		t.Fatalf("unset override changed chip: %q", cfg.Encoder.Chip)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/qeid.yaml"); got != filepath.Join(home, "qeid.yaml") {
		t.Errorf("unexpected expansion: %q", got)
	}
	if got := ExpandPath("/etc/qeid.yaml"); got != "/etc/qeid.yaml" {
		t.Errorf("absolute path changed: %q", got)
	}
}

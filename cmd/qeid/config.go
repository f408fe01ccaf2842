package main

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"qei"
)

// Config is the top-level YAML configuration for qeid.
//
// Defaults and validation live here so the rest of the daemon can assume a
// well-formed config.
type Config struct {
	Encoder   EncoderConfig   `yaml:"encoder"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	IPC       IPCConfig       `yaml:"ipc"`
	Sim       SimConfig       `yaml:"sim"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Backend names accepted by encoder.backend.
const (
	BackendCdev  = "cdev"
	BackendSysfs = "sysfs"
	BackendSim   = "sim"
)

type EncoderConfig struct {
	Backend string `yaml:"backend"` // cdev, sysfs or sim
	Chip    string `yaml:"chip"`    // cdev only

	// Line offsets (cdev) or GPIO numbers (sysfs). Index -1 means no index channel.
	ChannelA int `yaml:"channel_a"`
	ChannelB int `yaml:"channel_b"`
	Index    int `yaml:"index"`

	Encoding   string `yaml:"encoding"` // x2 or x4
	PullUp     bool   `yaml:"pull_up"`
	DebounceUS int    `yaml:"debounce_us"` // cdev only

	// Unit conversion. A non-zero explicit factor wins over the unit name.
	CountsPerRev   int     `yaml:"counts_per_rev"`
	SpeedUnit      string  `yaml:"speed_unit"`
	PositionUnit   string  `yaml:"position_unit"`
	SpeedFactor    float64 `yaml:"speed_factor,omitempty"`
	PositionFactor float64 `yaml:"position_factor,omitempty"`
}

type SamplerConfig struct {
	Hz int `yaml:"hz"`
}

type TelemetryConfig struct {
	Listen string `yaml:"listen"` // empty disables the telemetry server
	Path   string `yaml:"path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type SimConfig struct {
	RateHz     float64 `yaml:"rate_hz"` // transitions per second, negative turns backward
	IndexEvery int     `yaml:"index_every"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Encoder: EncoderConfig{
			Backend:      BackendCdev,
			Chip:         defaultChip,
			ChannelA:     17,
			ChannelB:     27,
			Index:        -1,
			Encoding:     "x4",
			PullUp:       true,
			SpeedUnit:    "hz",
			PositionUnit: "counts",
		},
		Sampler: SamplerConfig{
			Hz: defaultSampleHz,
		},
		Telemetry: TelemetryConfig{
			Listen: defaultTelemetryAddr,
			Path:   defaultTelemetryPath,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		Sim: SimConfig{
			RateHz: defaultSimRateHz,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace and comments may follow the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds command-line overrides applied on top of a loaded
// config. A nil pointer means the flag was not set.
type FlagOverrides struct {
	Backend  *string
	Chip     *string
	ChannelA *int
	ChannelB *int
	Index    *int
	Encoding *string

	SampleHz *int

	TelemetryListen *string
	IPCSocketPath   *string

	SimRateHz *float64

	LogLevel *string
}

// Apply merges the overrides into cfg. A non-nil pointer is applied even if
// it holds a zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Backend != nil {
		cfg.Encoder.Backend = *o.Backend
	}
	if o.Chip != nil {
		cfg.Encoder.Chip = *o.Chip
	}
	if o.ChannelA != nil {
		cfg.Encoder.ChannelA = *o.ChannelA
	}
	if o.ChannelB != nil {
		cfg.Encoder.ChannelB = *o.ChannelB
	}
	if o.Index != nil {
		cfg.Encoder.Index = *o.Index
	}
	if o.Encoding != nil {
		cfg.Encoder.Encoding = *o.Encoding
	}
	if o.SampleHz != nil {
		cfg.Sampler.Hz = *o.SampleHz
	}
	if o.TelemetryListen != nil {
		cfg.Telemetry.Listen = *o.TelemetryListen
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.SimRateHz != nil {
		cfg.Sim.RateHz = *o.SimRateHz
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults, file and overrides are applied.
func (c *Config) Validate() error {
	e := &c.Encoder

	switch e.Backend {
	case BackendCdev:
		if e.Chip == "" {
			return errors.New("encoder.chip must not be empty for the cdev backend")
		}
	case BackendSysfs, BackendSim:
	default:
		return fmt.Errorf("encoder.backend must be %q, %q or %q", BackendCdev, BackendSysfs, BackendSim)
	}

	if e.ChannelA < 0 || e.ChannelB < 0 {
		return errors.New("encoder.channel_a and encoder.channel_b must be >= 0")
	}
	if e.ChannelA == e.ChannelB {
		return errors.New("encoder.channel_a and encoder.channel_b must differ")
	}
	if e.Index < -1 {
		return errors.New("encoder.index must be >= 0, or -1 for none")
	}
	if e.Index >= 0 && (e.Index == e.ChannelA || e.Index == e.ChannelB) {
		return errors.New("encoder.index must differ from both channels")
	}
	if _, err := qei.ParseEncoding(e.Encoding); err != nil {
		return fmt.Errorf("encoder.encoding: %w", err)
	}
	if e.DebounceUS < 0 {
		return errors.New("encoder.debounce_us must be >= 0")
	}
	if e.CountsPerRev < 0 {
		return errors.New("encoder.counts_per_rev must be >= 0")
	}
	if _, _, err := c.Factors(); err != nil {
		return err
	}

	if c.Sampler.Hz <= 0 || c.Sampler.Hz > maxSampleHz {
		return fmt.Errorf("sampler.hz must be between 1 and %d", maxSampleHz)
	}

	if c.Telemetry.Listen != "" && !strings.HasPrefix(c.Telemetry.Path, "/") {
		return errors.New("telemetry.path must start with /")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if e.Backend == BackendSim {
		if math.IsNaN(c.Sim.RateHz) || math.IsInf(c.Sim.RateHz, 0) {
			return errors.New("sim.rate_hz must be finite")
		}
		if c.Sim.IndexEvery < 0 {
			return errors.New("sim.index_every must be >= 0")
		}
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// Factors resolves the speed and position factors from the explicit
// factors or the unit names.
func (c *Config) Factors() (speed, position float64, err error) {
	e := &c.Encoder
	enc, err := qei.ParseEncoding(e.Encoding)
	if err != nil {
		return 0, 0, fmt.Errorf("encoder.encoding: %w", err)
	}

	speed = e.SpeedFactor
	if speed == 0 {
		if speed, err = qei.SpeedFactor(e.SpeedUnit, enc, e.CountsPerRev); err != nil {
			return 0, 0, fmt.Errorf("encoder.speed_unit: %w", err)
		}
	}
	position = e.PositionFactor
	if position == 0 {
		if position, err = qei.PositionFactor(e.PositionUnit, enc, e.CountsPerRev); err != nil {
			return 0, 0, fmt.Errorf("encoder.position_unit: %w", err)
		}
	}
	return speed, position, nil
}

// Debounce returns encoder.debounce_us as a duration.
func (e EncoderConfig) Debounce() time.Duration {
	return time.Duration(e.DebounceUS) * time.Microsecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}

// Command qeid decodes a quadrature encoder on GPIO lines and serves its
// counters over a Unix socket and a telemetry WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"qei"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("qeid v%s\n", version)
	fmt.Println("Quadrature encoder daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  qeid [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Decodes a two-channel quadrature encoder (optionally with an index")
	fmt.Println("  channel) into pulse, revolution, position and speed readings. Counters")
	fmt.Println("  are served over a Unix domain socket and streamed over WebSocket.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run from a config file")
	fmt.Println("  qeid -config /etc/qeid.yaml")
	fmt.Println()
	fmt.Println("  # Encoder on gpiochip0 lines 17/27 with index on 22, X2 decoding")
	fmt.Println("  qeid -channel-a 17 -channel-b 27 -index 22 -encoding x2")
	fmt.Println()
	fmt.Println("  # Simulated encoder turning backward at 500 transitions/s")
	fmt.Println("  qeid -backend sim -sim-rate-hz -500")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Flags override values from the config file")
	fmt.Println("  - Requires access to /dev/gpiochipN (cdev) or /sys/class/gpio (sysfs)")
	fmt.Println()
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")

		backendName = flag.String("backend", BackendCdev, "GPIO backend: cdev, sysfs or sim")
		chip        = flag.String("chip", defaultChip, "GPIO chip for the cdev backend")
		channelA    = flag.Int("channel-a", 17, "Channel A line offset (cdev) or GPIO number (sysfs)")
		channelB    = flag.Int("channel-b", 27, "Channel B line offset (cdev) or GPIO number (sysfs)")
		index       = flag.Int("index", -1, "Index line, -1 for none")
		encoding    = flag.String("encoding", "x4", "Encoding: x2 or x4")
		sampleHz    = flag.Int("sample-hz", defaultSampleHz, "Speed sampling rate in Hz")
		telemetry   = flag.String("telemetry-listen", defaultTelemetryAddr, "Telemetry WebSocket listen address, empty to disable")
		ipcSocket   = flag.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		simRateHz   = flag.Float64("sim-rate-hz", defaultSimRateHz, "Sim backend transitions per second, negative turns backward")
		logLevelStr = flag.String("log-level", "info", "Log level: error, warn, info, debug")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			o.Backend = backendName
		case "chip":
			o.Chip = chip
		case "channel-a":
			o.ChannelA = channelA
		case "channel-b":
			o.ChannelB = channelB
		case "index":
			o.Index = index
		case "encoding":
			o.Encoding = encoding
		case "sample-hz":
			o.SampleHz = sampleHz
		case "telemetry-listen":
			o.TelemetryListen = telemetry
		case "ipc-socket":
			o.IPCSocketPath = ipcSocket
		case "sim-rate-hz":
			o.SimRateHz = simRateHz
		case "log-level":
			o.LogLevel = logLevelStr
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("qeid stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	enc, err := qei.ParseEncoding(cfg.Encoder.Encoding)
	if err != nil {
		return err
	}
	speedFactor, positionFactor, err := cfg.Factors()
	if err != nil {
		return err
	}

	lines, err := openBackend(cfg.Encoder, cfg.Sim)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer func() {
		if err := lines.Close(); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}()

	encoder, err := qei.New(lines.A, lines.B, lines.Index, qei.Config{
		Encoding: enc,
		Logger:   logger.With("component", "encoder"),
	})
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	defer func() {
		if err := encoder.Close(); err != nil {
			logger.Warn("close encoder", "error", err)
		}
	}()
	encoder.SetSpeedFactor(speedFactor)
	encoder.SetPositionFactor(positionFactor)

	logger.Debug("starting qeid", "version", version)
	logger.Debug("configuration",
		"backend", cfg.Encoder.Backend,
		"chip", cfg.Encoder.Chip,
		"channel_a", cfg.Encoder.ChannelA,
		"channel_b", cfg.Encoder.ChannelB,
		"index", cfg.Encoder.Index,
		"encoding", enc,
		"pull_up", cfg.Encoder.PullUp,
		"debounce", cfg.Encoder.Debounce(),
		"speed_factor", speedFactor,
		"position_factor", positionFactor,
		"sample_hz", cfg.Sampler.Hz,
		"telemetry", cfg.Telemetry.Listen,
		"ipc_socket", cfg.IPC.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	requests := make(chan Request, requestQueueSize)

	var broadcasts chan Broadcast
	if cfg.Telemetry.Listen != "" {
		broadcasts = make(chan Broadcast, broadcastQueueSize)
	}

	daemon := NewDaemon(encoder, broadcasts, logger.With("component", "daemon"))

	g.Go(func() error {
		return daemon.Run(gctx, requests, cfg.Sampler.Hz)
	})
	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, requests, logger.With("component", "ipc"))
	})

	if broadcasts != nil {
		wsLogger := logger.With("component", "telemetry")
		srv := NewServer(wsLogger, daemon.Latest, ServerConfig{})
		mux := http.NewServeMux()
		srv.Register(mux, cfg.Telemetry.Path)

		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, srv.Hub(), broadcasts, wsLogger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.Telemetry.Listen, mux, wsLogger)
		})
	}

	if lines.Sim != nil {
		g.Go(func() error {
			lines.Sim.Run(gctx, cfg.Sim.RateHz)
			return nil
		})
	}

	listenInfo := []any{"backend", cfg.Encoder.Backend, "encoding", enc, "ipc", cfg.IPC.SocketPath, "sample_hz", cfg.Sampler.Hz}
	if cfg.Telemetry.Listen != "" {
		listenInfo = append(listenInfo, "telemetry", cfg.Telemetry.Listen+cfg.Telemetry.Path)
	}
	logger.Info("listening", listenInfo...)

	err = g.Wait()
	logger.Info("shutting down",
		"pulses", encoder.Read(),
		"revolutions", encoder.Revolutions(),
		"invalid", encoder.Invalid(),
		"read_errors", lines.ReadErrors())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Command squelch receives raw radio audio over UDP, removes background noise
// and plays the cleaned signal on a local output device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/MrWong99/squelch/internal/app"
	"github.com/MrWong99/squelch/internal/config"
	"github.com/MrWong99/squelch/internal/observe"
	"github.com/MrWong99/squelch/internal/settings"
	"github.com/MrWong99/squelch/internal/sink"
)

var version = "0.1.0"

// CLI defines the command-line interface. Flags override the config file.
type CLI struct {
	Config       string `short:"c" type:"path" help:"Path to the YAML config file. Enables hot reload of the dsp section and log level."`
	Listen       string `short:"l" help:"UDP address to receive audio on (e.g. 0.0.0.0:7355)."`
	HTTP         string `name:"http" help:"HTTP address for health, metrics, control and monitor endpoints; '-' disables it."`
	SampleRate   int    `help:"Stream sample rate in Hz."`
	ChunkSamples int    `help:"Samples per chunk; a multiple of 256."`
	Output       string `short:"o" help:"Output backend (malgo or null)."`
	Device       string `short:"d" help:"Output device name; empty selects the system default."`
	LogLevel     string `help:"Log level (debug, info, warn, error)."`
	NoConsole    bool   `help:"Do not read commands from stdin."`
	ListDevices  bool   `help:"List playback devices and exit."`
	Version      bool   `short:"v" help:"Show version information."`

	DSPFlags `embed:""`
}

// DSPFlags set the initial processing settings. Unset flags keep the value
// from the config file or the default.
type DSPFlags struct {
	NoiseReduction      *float64 `placeholder:"FLOAT" help:"Noise reduction strength from 0 to 1."`
	VoiceLow            *float64 `placeholder:"HZ" help:"Lower edge of the voice band."`
	VoiceHigh           *float64 `placeholder:"HZ" help:"Upper edge of the voice band; must stay below half the sample rate."`
	VoiceGain           *float64 `placeholder:"DB" help:"Output gain in dB (use --voice-gain=-6 for negative values)."`
	SpectralGate        *float64 `placeholder:"DB" help:"Spectral gate threshold in dBFS."`
	NoiseProfileSamples *int     `placeholder:"N" help:"Chunks measured to build the noise profile."`
	StationaryThreshold *float64 `placeholder:"FLOAT" help:"Standard deviations above the profile that mark a bin as signal."`
	NoBandpass          bool     `help:"Disable the voice bandpass filter."`
	SpectralGating      bool     `help:"Enable spectral gating."`
	NoStationary        bool     `help:"Use the adaptive noise estimate instead of the frozen profile."`
}

// apply overrides the flags that were given on the command line.
func (f DSPFlags) apply(s *settings.Settings) {
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.NoiseReductionStrength, f.NoiseReduction)
	set(&s.VoiceLowHz, f.VoiceLow)
	set(&s.VoiceHighHz, f.VoiceHigh)
	set(&s.VoiceGainDB, f.VoiceGain)
	set(&s.SpectralGateDB, f.SpectralGate)
	set(&s.StationaryThreshold, f.StationaryThreshold)
	if f.NoiseProfileSamples != nil {
		s.NoiseProfileSamples = *f.NoiseProfileSamples
	}
	if f.NoBandpass {
		s.BandpassEnabled = false
	}
	if f.SpectralGating {
		s.SpectralGatingEnabled = true
	}
	if f.NoStationary {
		s.StationaryModeEnabled = false
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	cli := &CLI{}
	kong.Parse(cli,
		kong.Name("squelch"),
		kong.Description("Real-time noise reduction for radio audio streams"),
		kong.UsageOnError(),
	)

	if cli.Version {
		fmt.Println("squelch", version)
		return 0
	}
	if cli.ListDevices {
		return listDevices(os.Stdout)
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "squelch: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("squelch starting",
		"version", version,
		"config", cli.Config,
		"listen", cfg.Network.Listen,
		"http", cfg.Server.ListenAddr,
		"output", cfg.Output.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	opts := []app.Option{app.WithLogLevel(level)}
	if cli.Config != "" {
		opts = append(opts, app.WithConfigWatch(cli.Config))
	}
	if !cli.NoConsole {
		opts = append(opts, app.WithConsole(os.Stdin, os.Stdout))
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cli *CLI) (*config.Config, error) {
	cfg := config.Default()
	if cli.Config != "" {
		var err error
		cfg, err = config.Load(cli.Config)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %q not found", cli.Config)
			}
			return nil, err
		}
	}

	if cli.Listen != "" {
		cfg.Network.Listen = cli.Listen
	}
	if cli.HTTP != "" {
		cfg.Server.ListenAddr = cli.HTTP
	}
	if cli.SampleRate != 0 {
		cfg.Network.SampleRate = cli.SampleRate
	}
	if cli.ChunkSamples != 0 {
		cfg.Network.ChunkSamples = cli.ChunkSamples
	}
	if cli.Output != "" {
		cfg.Output.Backend = cli.Output
	}
	if cli.Device != "" {
		cfg.Output.Device = cli.Device
	}
	if cli.LogLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(cli.LogLevel)
	}
	cli.DSPFlags.apply(&cfg.DSP)

	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func listDevices(w io.Writer) int {
	devices, err := sink.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "squelch: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No playback devices found.")
		return 0
	}
	for _, d := range devices {
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s\n", mark, d.Name)
	}
	return 0
}

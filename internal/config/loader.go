package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/squelch/internal/dsp"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults. Unknown keys
// are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields that have no meaningful zero, such
// as sizes and addresses. It is called by [LoadFromReader] and by callers
// that build a [Config] in code or override fields from flags.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultHTTPAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Network.Listen == "" {
		cfg.Network.Listen = DefaultListenAddr
	}
	if cfg.Network.SampleRate == 0 {
		cfg.Network.SampleRate = DefaultSampleRate
	}
	if cfg.Network.ChunkSamples == 0 {
		cfg.Network.ChunkSamples = DefaultChunkSamples
	}
	if cfg.Network.Framing == "" {
		cfg.Network.Framing = FramingStrict
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = DefaultQueueCapacity
	}
	if cfg.Output.Backend == "" {
		cfg.Output.Backend = BackendMalgo
	}
	if cfg.Output.RingSize == 0 {
		cfg.Output.RingSize = DefaultRingSize
	}
	if cfg.Adaptive.ResetPolicy == "" {
		cfg.Adaptive.ResetPolicy = "never"
	}
	if cfg.Monitor.Bitrate == 0 {
		cfg.Monitor.Bitrate = DefaultMonitorBitrate
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Network
	if cfg.Network.Listen == "" {
		errs = append(errs, errors.New("network.listen is required"))
	}
	if cfg.Network.SampleRate < 8000 || cfg.Network.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("network.sample_rate %d is out of range [8000, 192000]", cfg.Network.SampleRate))
	}
	if cfg.Network.ChunkSamples <= 0 || cfg.Network.ChunkSamples%dsp.HopSize != 0 {
		errs = append(errs, fmt.Errorf("network.chunk_samples %d must be a positive multiple of %d", cfg.Network.ChunkSamples, dsp.HopSize))
	}
	if cfg.Network.Framing != "" && !cfg.Network.Framing.IsValid() {
		errs = append(errs, fmt.Errorf("network.framing %q is invalid; valid values: strict, stream", cfg.Network.Framing))
	}

	// Queue
	if cfg.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity %d must be at least 1", cfg.Queue.Capacity))
	}

	// Output
	if cfg.Output.RingSize < cfg.Network.ChunkSamples {
		errs = append(errs, fmt.Errorf("output.ring_size %d must hold at least one chunk (%d samples)", cfg.Output.RingSize, cfg.Network.ChunkSamples))
	}
	if cfg.Output.PeriodFrames < 0 {
		errs = append(errs, fmt.Errorf("output.period_frames %d must not be negative", cfg.Output.PeriodFrames))
	}
	if cfg.Output.RetrySeconds < 0 {
		errs = append(errs, fmt.Errorf("output.retry_seconds %g must not be negative", cfg.Output.RetrySeconds))
	}
	if cfg.Output.Backend == BackendNull && cfg.Output.Device != "" {
		slog.Warn("output.device is ignored by the null backend", "device", cfg.Output.Device)
	}

	// DSP
	if cfg.Network.SampleRate > 0 {
		if err := cfg.DSP.Validate(cfg.Network.SampleRate); err != nil {
			errs = append(errs, fmt.Errorf("dsp: %w", err))
		}
	}

	// Adaptive
	if cfg.Adaptive.Smoothing <= 0 || cfg.Adaptive.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("adaptive.smoothing %g is out of range (0, 1]", cfg.Adaptive.Smoothing))
	}
	if cfg.Adaptive.MaxOutliers < 0 || cfg.Adaptive.MaxOutliers > 1 {
		errs = append(errs, fmt.Errorf("adaptive.max_outliers %g is out of range [0, 1]", cfg.Adaptive.MaxOutliers))
	}
	switch cfg.Adaptive.ResetPolicy {
	case "", "never", "rewarm_on_silence":
	default:
		errs = append(errs, fmt.Errorf("adaptive.reset_policy %q is invalid; valid values: never, rewarm_on_silence", cfg.Adaptive.ResetPolicy))
	}
	if cfg.Adaptive.ResetPolicy == "rewarm_on_silence" && cfg.Adaptive.SilenceChunks < 1 {
		errs = append(errs, fmt.Errorf("adaptive.silence_chunks %d must be at least 1 with rewarm_on_silence", cfg.Adaptive.SilenceChunks))
	}

	// Monitor
	if cfg.Monitor.Enabled {
		switch cfg.Network.SampleRate {
		case 8000, 12000, 16000, 24000, 48000:
		default:
			errs = append(errs, fmt.Errorf("monitor.enabled requires an Opus sample rate (8, 12, 16, 24 or 48 kHz), got %d", cfg.Network.SampleRate))
		}
		if cfg.Monitor.Bitrate < 6000 || cfg.Monitor.Bitrate > 510000 {
			errs = append(errs, fmt.Errorf("monitor.bitrate %d is out of range [6000, 510000]", cfg.Monitor.Bitrate))
		}
	}

	return errors.Join(errs...)
}

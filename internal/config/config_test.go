package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/squelch/internal/config"
	"github.com/MrWong99/squelch/internal/dsp"
	"github.com/MrWong99/squelch/pkg/audio"
	"github.com/MrWong99/squelch/pkg/audio/mock"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

network:
  listen: "127.0.0.1:7355"
  sample_rate: 48000
  chunk_samples: 2048
  framing: stream

queue:
  capacity: 16

output:
  backend: null
  ring_size: 16384
  fallback_null: false

dsp:
  noise_reduction_strength: 0.8
  voice_low_hz: 300
  voice_high_hz: 3400
  spectral_gating_enabled: true

adaptive:
  reset_policy: rewarm_on_silence
  silence_chunks: 10

monitor:
  enabled: false
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Network.ChunkSamples != 2048 || cfg.Network.Framing != config.FramingStream {
		t.Errorf("network: got %+v", cfg.Network)
	}
	if cfg.Queue.Capacity != 16 {
		t.Errorf("queue.capacity: got %d, want 16", cfg.Queue.Capacity)
	}
	if cfg.Output.Backend != config.BackendNull || cfg.Output.FallbackNull {
		t.Errorf("output: got %+v", cfg.Output)
	}
	if cfg.DSP.NoiseReductionStrength != 0.8 || cfg.DSP.VoiceLowHz != 300 || !cfg.DSP.SpectralGatingEnabled {
		t.Errorf("dsp: got %+v", cfg.DSP)
	}
	if cfg.Adaptive.ResetPolicy != "rewarm_on_silence" || cfg.Adaptive.SilenceChunks != 10 {
		t.Errorf("adaptive: got %+v", cfg.Adaptive)
	}
	if cfg.Monitor.Enabled {
		t.Error("monitor should be disabled")
	}
}

func TestLoadFromReader_OmittedKeysKeepDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("dsp:\n  voice_gain_db: 6\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := config.Default()
	want.DSP.VoiceGainDB = 6
	if cfg.DSP != want.DSP {
		t.Errorf("dsp: got %+v, want %+v", cfg.DSP, want.DSP)
	}
	// Booleans that default to true must survive a partial section.
	if !cfg.DSP.NoiseReductionEnabled || !cfg.DSP.BandpassEnabled || !cfg.DSP.StationaryModeEnabled {
		t.Errorf("enabled flags lost: %+v", cfg.DSP)
	}
	if cfg.Network != want.Network || cfg.Output != want.Output {
		t.Errorf("non-dsp sections changed: %+v %+v", cfg.Network, cfg.Output)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	if *cfg != *config.Default() {
		t.Errorf("empty config = %+v, want defaults", cfg)
	}
}

func TestLoad_ExampleFileMatchesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/squelch.example.yaml")
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if *cfg != *config.Default() {
		t.Errorf("example config = %+v, want defaults", cfg)
	}
}

func TestLoadFromReader_UnknownKey(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("dsp:\n  noise_strength: 0.5\n"))
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	if !strings.Contains(err.Error(), "noise_strength") {
		t.Errorf("error should name the key, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/squelch.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{"log level", "server:\n  log_level: loud\n", []string{"server.log_level"}},
		{"sample rate", "network:\n  sample_rate: 100\n", []string{"network.sample_rate"}},
		{"chunk not multiple of hop", "network:\n  chunk_samples: 1000\n", []string{"network.chunk_samples"}},
		{"framing", "network:\n  framing: packets\n", []string{"network.framing"}},
		{"queue capacity", "queue:\n  capacity: -1\n", []string{"queue.capacity"}},
		{"ring smaller than chunk", "output:\n  ring_size: 512\n", []string{"output.ring_size"}},
		{"strength", "dsp:\n  noise_reduction_strength: 1.5\n", []string{"dsp:", "noise_reduction_strength"}},
		{"voice band above nyquist", "network:\n  sample_rate: 16000\ndsp:\n  voice_high_hz: 9000\n", []string{"voice_high_hz"}},
		{"smoothing", "adaptive:\n  smoothing: 0\n", []string{"adaptive.smoothing"}},
		{"reset policy", "adaptive:\n  reset_policy: sometimes\n", []string{"adaptive.reset_policy"}},
		{"monitor rate", "network:\n  sample_rate: 44100\n", []string{"monitor.enabled"}},
		{"monitor bitrate", "monitor:\n  bitrate: 100\n", []string{"monitor.bitrate"}},
		{
			"joined errors",
			"server:\n  log_level: loud\nqueue:\n  capacity: -1\n",
			[]string{"server.log_level", "queue.capacity"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_ChunkFollowsHopSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		chunk int
		ok    bool
	}{
		{dsp.HopSize, true},
		{4 * dsp.HopSize, true},
		{dsp.HopSize + 1, false},
		{dsp.HopSize / 2, false},
		{0, false},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Network.ChunkSamples = tt.chunk
		err := config.Validate(cfg)
		if (err == nil) != tt.ok {
			t.Errorf("chunk_samples %d: err = %v, want ok=%v", tt.chunk, err, tt.ok)
		}
	}
}

func TestApplyDefaults_FillsZeroConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{DSP: config.Default().DSP, Adaptive: config.Default().Adaptive}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("defaulted config invalid: %v", err)
	}
	if cfg.Network.SampleRate != config.DefaultSampleRate || cfg.Queue.Capacity != config.DefaultQueueCapacity {
		t.Errorf("defaults not applied: %+v %+v", cfg.Network, cfg.Queue)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("%q.Level() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.Create("pulse", audio.DeviceConfig{SampleRate: 48000})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("expected ErrBackendNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	dev := &mock.Device{NameResult: "test"}
	r.Register(config.BackendNull, mock.Factory(dev, nil))
	r.Register(config.BackendMalgo, mock.Factory(nil, errors.New("no audio")))

	if got := r.Names(); len(got) != 2 || got[0] != "malgo" || got[1] != "null" {
		t.Errorf("Names() = %v", got)
	}
	if !r.Has(config.BackendNull) || r.Has("pulse") {
		t.Error("Has reports wrong membership")
	}

	got, err := r.Create(config.BackendNull, audio.DeviceConfig{SampleRate: 16000, DeviceName: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() != "test" {
		t.Errorf("Name() = %q, want %q", got.Name(), "test")
	}
	if dev.Config.SampleRate != 16000 || dev.Config.DeviceName != "x" {
		t.Errorf("factory received %+v", dev.Config)
	}

	if _, err := r.Create(config.BackendMalgo, audio.DeviceConfig{}); err == nil || err.Error() != "no audio" {
		t.Errorf("factory error not propagated: %v", err)
	}
}

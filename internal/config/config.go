// Package config provides the configuration schema, loader, file watcher and
// output backend registry for squelch.
package config

import (
	"log/slog"

	"github.com/MrWong99/squelch/internal/settings"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Framing selects how UDP datagrams are cut into chunks.
type Framing string

const (
	// FramingStrict accepts only datagrams of exactly one chunk.
	FramingStrict Framing = "strict"

	// FramingStream concatenates datagrams and re-cuts them into chunks.
	FramingStream Framing = "stream"
)

// IsValid reports whether f is a recognised framing mode.
func (f Framing) IsValid() bool {
	return f == FramingStrict || f == FramingStream
}

// Output backend names registered by default.
const (
	BackendMalgo = "malgo"
	BackendNull  = "null"
)

// Defaults.
const (
	DefaultHTTPAddr       = ":8080"
	DefaultListenAddr     = "0.0.0.0:7355"
	DefaultSampleRate     = 48000
	DefaultChunkSamples   = 1024
	DefaultQueueCapacity  = 48
	DefaultRingSize       = 8192
	DefaultMonitorBitrate = 32000
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Network  NetworkConfig     `yaml:"network"`
	Queue    QueueConfig       `yaml:"queue"`
	Output   OutputConfig      `yaml:"output"`
	DSP      settings.Settings `yaml:"dsp"`
	Adaptive AdaptiveConfig    `yaml:"adaptive"`
	Monitor  MonitorConfig     `yaml:"monitor"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server serving health,
	// metrics, control and monitor endpoints. "-" disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// NetworkConfig describes the incoming audio stream.
type NetworkConfig struct {
	// Listen is the UDP address audio arrives on.
	Listen string `yaml:"listen"`

	// SampleRate of the incoming mono stream in Hz.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSamples is the number of samples per chunk. It must be a multiple
	// of the STFT hop (256).
	ChunkSamples int `yaml:"chunk_samples"`

	// Framing selects strict (one datagram per chunk) or stream framing.
	Framing Framing `yaml:"framing"`
}

// QueueConfig sizes the chunk queue between receiver and processor.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// OutputConfig selects and tunes the playback device.
type OutputConfig struct {
	// Backend names a registered output backend ("malgo" or "null").
	Backend string `yaml:"backend"`

	// Device selects a playback device by (sub)name; empty is the default.
	Device string `yaml:"device"`

	// RingSize is the sink ring capacity in samples.
	RingSize int `yaml:"ring_size"`

	// PeriodFrames is the preferred device callback size. Zero lets the back
	// end choose.
	PeriodFrames int `yaml:"period_frames"`

	// FallbackNull opens the null device when the configured backend fails.
	FallbackNull bool `yaml:"fallback_null"`

	// RetrySeconds is the wait before reopening a failed device.
	RetrySeconds float64 `yaml:"retry_seconds"`
}

// AdaptiveConfig tunes the live noise profile used when stationary mode is
// off.
type AdaptiveConfig struct {
	// Smoothing is the EMA factor in (0, 1].
	Smoothing float64 `yaml:"smoothing"`

	// MaxOutliers is the highest fraction of outlier bins a frame may have
	// and still count as noise.
	MaxOutliers float64 `yaml:"max_outliers"`

	// ResetPolicy is "never" or "rewarm_on_silence".
	ResetPolicy string `yaml:"reset_policy"`

	// SilenceDBFS is the chunk level below which a chunk counts as silent.
	SilenceDBFS float64 `yaml:"silence_dbfs"`

	// SilenceChunks is how many consecutive silent chunks arm a rebuild.
	SilenceChunks int `yaml:"silence_chunks"`
}

// MonitorConfig configures the Opus monitor stream.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	Bitrate int  `yaml:"bitrate"`
}

// Default returns a complete configuration with every default applied.
// [LoadFromReader] decodes on top of it, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultHTTPAddr,
			LogLevel:   LogInfo,
		},
		Network: NetworkConfig{
			Listen:       DefaultListenAddr,
			SampleRate:   DefaultSampleRate,
			ChunkSamples: DefaultChunkSamples,
			Framing:      FramingStrict,
		},
		Queue: QueueConfig{Capacity: DefaultQueueCapacity},
		Output: OutputConfig{
			Backend:      BackendMalgo,
			RingSize:     DefaultRingSize,
			FallbackNull: true,
			RetrySeconds: 2,
		},
		DSP: settings.Defaults(),
		Adaptive: AdaptiveConfig{
			Smoothing:     0.05,
			MaxOutliers:   0.05,
			ResetPolicy:   "never",
			SilenceDBFS:   -60,
			SilenceChunks: 50,
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Bitrate: DefaultMonitorBitrate,
		},
	}
}

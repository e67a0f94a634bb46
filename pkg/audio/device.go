// Package audio defines the stream types and the playback device abstraction
// used by squelch.
//
// The primary abstraction is [Device]: a playback endpoint that pulls samples
// through a [FillFunc] on its own real-time cadence. Implementations live in
// internal/sink (miniaudio and a headless null device); tests use
// audio/mock.
//
// This package lives under pkg/ because external code may implement [Device]
// for other audio back ends.
package audio

// FillFunc supplies mono float32 samples for playback. It is called from the
// device's real-time thread and must fill all of out without blocking,
// allocating or performing I/O.
type FillFunc func(out []float32)

// DeviceConfig describes the playback stream a [Device] should open.
type DeviceConfig struct {
	// SampleRate in Hz. The stream is always mono.
	SampleRate int

	// PeriodFrames is the preferred callback size in frames. Zero lets the
	// back end choose.
	PeriodFrames int

	// DeviceName selects an output device by (sub)name. Empty selects the
	// system default.
	DeviceName string

	// OnStop is invoked when the device stops on its own (unplugged, driver
	// error). It is not invoked for Close. It may be called on a device
	// thread and must not block.
	OnStop func(err error)
}

// Device is a playback endpoint.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Name returns a human-readable identifier for logs and status output.
	Name() string

	// Start begins invoking fill on the device's cadence. Start may be called
	// at most once.
	Start(fill FillFunc) error

	// Running reports whether the device is currently pulling samples.
	Running() bool

	// Close stops playback and releases all resources. It is safe to call
	// Close more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// DeviceFactory opens a [Device] for cfg.
type DeviceFactory func(cfg DeviceConfig) (Device, error)

package resilience

import (
	"github.com/MrWong99/squelch/pkg/audio"
)

// DeviceFallback opens playback devices with automatic failover across
// several output backends. Each backend has its own circuit breaker, so a
// backend whose opens keep failing is skipped until its breaker half-opens.
type DeviceFallback struct {
	group *FallbackGroup[audio.DeviceFactory]
}

// NewDeviceFallback creates a [DeviceFallback] with primary as the preferred
// backend.
func NewDeviceFallback(primary audio.DeviceFactory, primaryName string, cfg FallbackConfig) *DeviceFallback {
	return &DeviceFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional backend.
func (f *DeviceFallback) AddFallback(name string, factory audio.DeviceFactory) {
	f.group.AddFallback(name, factory)
}

// Backends returns the backend names in the order they are tried.
func (f *DeviceFallback) Backends() []string { return f.group.Names() }

// States returns the breaker state of every backend.
func (f *DeviceFallback) States() map[string]State { return f.group.States() }

// Open opens a device from the first healthy backend.
func (f *DeviceFallback) Open(cfg audio.DeviceConfig) (audio.Device, error) {
	return ExecuteWithResult(f.group, func(factory audio.DeviceFactory) (audio.Device, error) {
		return factory(cfg)
	})
}

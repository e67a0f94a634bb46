// Package mock provides an in-memory mock implementation of [audio.Device]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values. Instead of a real-time thread, the
// test drives playback by calling [Device.Pull].
//
// Typical usage:
//
//	dev := &mock.Device{NameResult: "test"}
//	_ = dev.Start(sink.Fill)
//	out := dev.Pull(480)
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/squelch/pkg/audio"
)

// Device is a mock implementation of [audio.Device].
// Set the exported Result fields before use; inspect the CallCount fields after.
type Device struct {
	mu sync.Mutex

	// NameResult is returned by [Device.Name].
	NameResult string

	// StartError is returned by [Device.Start]. When non-nil the fill
	// function is not recorded.
	StartError error

	// CloseError is returned by [Device.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Config is the configuration the device was opened with, if it was
	// created through [Factory].
	Config audio.DeviceConfig

	fill    audio.FillFunc
	running bool
}

// Name implements [audio.Device]. Returns NameResult, or "mock" if empty.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NameResult == "" {
		return "mock"
	}
	return d.NameResult
}

// Start implements [audio.Device]. Records fill unless StartError is set.
func (d *Device) Start(fill audio.FillFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartError != nil {
		return d.StartError
	}
	if d.fill != nil {
		return errors.New("mock: device already started")
	}
	d.fill = fill
	d.running = true
	return nil
}

// Running implements [audio.Device].
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Close implements [audio.Device]. Returns CloseError.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.running = false
	return d.CloseError
}

// Pull simulates one device callback of n frames and returns the samples
// produced by the registered fill function. Pull returns nil if the device
// is not running.
func (d *Device) Pull(n int) []float32 {
	d.mu.Lock()
	fill, running := d.fill, d.running
	d.mu.Unlock()
	if !running || fill == nil {
		return nil
	}
	out := make([]float32, n)
	fill(out)
	return out
}

// Stop simulates an unexpected device stop: the device stops running and
// cfg.OnStop (if set) is invoked with err.
func (d *Device) Stop(err error) {
	d.mu.Lock()
	d.running = false
	onStop := d.Config.OnStop
	d.mu.Unlock()
	if onStop != nil {
		onStop(err)
	}
}

// Factory returns an [audio.DeviceFactory] that records the requested
// configuration on dev and returns it, or returns err if non-nil.
func Factory(dev *Device, err error) audio.DeviceFactory {
	return func(cfg audio.DeviceConfig) (audio.Device, error) {
		if err != nil {
			return nil, err
		}
		dev.mu.Lock()
		dev.Config = cfg
		dev.mu.Unlock()
		return dev, nil
	}
}

var _ audio.Device = (*Device)(nil)

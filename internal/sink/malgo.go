package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/squelch/pkg/audio"
)

// maxMalgoPeriod bounds the preallocated callback scratch buffer. Larger
// callbacks are served in several slices.
const maxMalgoPeriod = 8192

// MalgoDevice plays mono float32 audio through miniaudio.
type MalgoDevice struct {
	cfg  audio.DeviceConfig
	ctx  *malgo.AllocatedContext
	dev  *malgo.Device
	name string

	fill    audio.FillFunc
	scratch []float32

	started   atomic.Bool
	running   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
}

// NewMalgoDevice implements [audio.DeviceFactory]. It initialises a
// miniaudio context and playback device but does not start playback.
func NewMalgoDevice(cfg audio.DeviceConfig) (audio.Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("sink: init audio context: %w", err)
	}

	d := &MalgoDevice{
		cfg:     cfg,
		ctx:     mctx,
		name:    "default",
		scratch: make([]float32, maxMalgoPeriod),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	devCfg.Alsa.NoMMap = 1

	if cfg.DeviceName != "" && cfg.DeviceName != "default" {
		info, err := findPlayback(mctx, cfg.DeviceName)
		if err != nil {
			d.freeContext()
			return nil, err
		}
		devCfg.Playback.DeviceID = info.ID.Pointer()
		d.name = info.Name()
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: d.onData,
		Stop: d.onStop,
	})
	if err != nil {
		d.freeContext()
		return nil, fmt.Errorf("sink: init playback device %q: %w", d.name, err)
	}
	if got := dev.SampleRate(); got != uint32(cfg.SampleRate) {
		slog.Warn("playback device runs at a different rate; miniaudio will resample",
			"device", d.name, "requested", cfg.SampleRate, "actual", got)
	}
	d.dev = dev
	return d, nil
}

// Name implements [audio.Device].
func (d *MalgoDevice) Name() string { return "malgo:" + d.name }

// Start implements [audio.Device].
func (d *MalgoDevice) Start(fill audio.FillFunc) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("sink: malgo device already started")
	}
	d.fill = fill
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("sink: start playback device %q: %w", d.name, err)
	}
	d.running.Store(true)
	return nil
}

// Running implements [audio.Device].
func (d *MalgoDevice) Running() bool { return d.running.Load() }

// Close implements [audio.Device].
func (d *MalgoDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closing.Store(true)
		if d.running.Load() {
			_ = d.dev.Stop()
		}
		d.running.Store(false)
		d.dev.Uninit()
		d.freeContext()
	})
	return nil
}

// onData runs on the miniaudio thread. out holds frameCount little-endian
// float32 samples.
func (d *MalgoDevice) onData(out, _ []byte, frameCount uint32) {
	remaining := int(frameCount)
	for off := 0; remaining > 0; {
		n := min(remaining, len(d.scratch))
		buf := d.scratch[:n]
		d.fill(buf)
		for i, s := range buf {
			binary.LittleEndian.PutUint32(out[(off+i)*4:], math.Float32bits(s))
		}
		off += n
		remaining -= n
	}
}

// onStop runs on a miniaudio thread when the device stops, including after
// our own Stop.
func (d *MalgoDevice) onStop() {
	d.running.Store(false)
	if d.closing.Load() || d.cfg.OnStop == nil {
		return
	}
	d.cfg.OnStop(fmt.Errorf("sink: playback device %q stopped", d.name))
}

func (d *MalgoDevice) freeContext() {
	_ = d.ctx.Uninit()
	d.ctx.Free()
}

// findPlayback returns the first playback device whose name contains want
// (case-insensitive).
func findPlayback(mctx *malgo.AllocatedContext, want string) (malgo.DeviceInfo, error) {
	infos, err := mctx.Devices(malgo.Playback)
	if err != nil {
		return malgo.DeviceInfo{}, fmt.Errorf("sink: enumerate playback devices: %w", err)
	}
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(want)) {
			return info, nil
		}
	}
	return malgo.DeviceInfo{}, fmt.Errorf("sink: no playback device matches %q", want)
}

// DeviceInfo describes one playback device.
type DeviceInfo struct {
	Name    string
	Default bool
}

// ListDevices enumerates the playback devices miniaudio can see.
func ListDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("sink: init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("sink: enumerate playback devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, DeviceInfo{Name: info.Name(), Default: info.IsDefault != 0})
	}
	return out, nil
}

var _ audio.Device = (*MalgoDevice)(nil)

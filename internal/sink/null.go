package sink

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/squelch/pkg/audio"
)

// defaultNullPeriod is the callback size used when the config leaves
// PeriodFrames at zero.
const defaultNullPeriod = 480

// NullDevice is a headless playback device: a goroutine pulls one period of
// samples per period duration and discards them. It keeps the pipeline
// draining on machines without a sound card and serves as the fallback when
// the real device cannot be opened.
type NullDevice struct {
	period   int
	interval time.Duration

	started atomic.Bool
	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewNullDevice implements [audio.DeviceFactory].
func NewNullDevice(cfg audio.DeviceConfig) (audio.Device, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("sink: null device needs a sample rate")
	}
	period := cfg.PeriodFrames
	if period <= 0 {
		period = defaultNullPeriod
	}
	return &NullDevice{
		period:   period,
		interval: time.Duration(period) * time.Second / time.Duration(cfg.SampleRate),
		stop:     make(chan struct{}),
	}, nil
}

// Name implements [audio.Device].
func (d *NullDevice) Name() string { return "null" }

// Start implements [audio.Device].
func (d *NullDevice) Start(fill audio.FillFunc) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("sink: null device already started")
	}
	d.running.Store(true)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		buf := make([]float32, d.period)
		t := time.NewTicker(d.interval)
		defer t.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-t.C:
				fill(buf)
			}
		}
	}()
	return nil
}

// Running implements [audio.Device].
func (d *NullDevice) Running() bool { return d.running.Load() }

// Close implements [audio.Device].
func (d *NullDevice) Close() error {
	d.once.Do(func() {
		close(d.stop)
		d.wg.Wait()
		d.running.Store(false)
	})
	return nil
}

var _ audio.Device = (*NullDevice)(nil)

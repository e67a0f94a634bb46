// Package sink delivers processed audio to a playback device.
//
// The processor writes whole chunks with [Sink.Write]; the device pulls
// samples on its own cadence through [Sink.Fill], which only drains a
// lock-free [Ring]. A supervising loop ([Sink.Run]) publishes ring counters
// as metrics and reopens the device after it fails. While no device is
// attached the ring keeps accepting input and overwriting the oldest
// samples, so the processor never blocks.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/squelch/internal/observe"
	"github.com/MrWong99/squelch/pkg/audio"
)

// Defaults.
const (
	DefaultRingSize       = 8192
	DefaultReportInterval = time.Second
	DefaultRetryInterval  = 2 * time.Second
)

// Opener opens a fresh playback device. The sink calls it at Start and again
// after the device stops unexpectedly.
type Opener func(onStop func(error)) (audio.Device, error)

// Option configures a [Sink] during construction.
type Option func(*Sink)

// WithRingSize sets the ring capacity in samples (rounded up to a power of
// two).
func WithRingSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.ringSize = n
		}
	}
}

// WithMetrics sets the metrics the supervising loop publishes to.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sink) {
		s.metrics = m
	}
}

// WithOpener sets the function used to (re)open the playback device.
func WithOpener(open Opener) Option {
	return func(s *Sink) {
		s.open = open
	}
}

// WithReportInterval sets how often ring counters are published.
func WithReportInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.reportEvery = d
		}
	}
}

// WithRetryInterval sets how long the sink waits before reopening a failed
// device.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.retryEvery = d
		}
	}
}

// Sink is the bridge between the processor and the playback device.
//
// Write must be called from a single goroutine and Fill from the device
// callback; all other methods are safe for concurrent use.
type Sink struct {
	ringSize    int
	reportEvery time.Duration
	retryEvery  time.Duration
	metrics     *observe.Metrics
	open        Opener

	ring *Ring

	mu       sync.Mutex
	dev      audio.Device
	reported RingStats

	stopped chan error
}

// New creates a sink. Without [WithOpener] the sink runs headless: Write
// still works and the ring simply overwrites itself.
func New(opts ...Option) *Sink {
	s := &Sink{
		ringSize:    DefaultRingSize,
		reportEvery: DefaultReportInterval,
		retryEvery:  DefaultRetryInterval,
		stopped:     make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.ring = NewRing(s.ringSize)
	return s
}

// Write hands processed samples to the device side. It never blocks.
func (s *Sink) Write(samples []float32) {
	s.ring.Write(samples)
}

// Fill is the device callback: it copies buffered samples into out and pads
// with silence on underrun. It never blocks, allocates or logs.
func (s *Sink) Fill(out []float32) {
	s.ring.Read(out)
}

// Buffered returns the number of samples waiting for the device.
func (s *Sink) Buffered() int { return s.ring.Len() }

// Stats returns the ring counters.
func (s *Sink) Stats() RingStats { return s.ring.Stats() }

// Device returns the attached device, or nil while none is attached.
func (s *Sink) Device() audio.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

// Start opens the device and begins playback. It returns the open error so
// callers can fail fast at startup.
func (s *Sink) Start() error {
	if s.open == nil {
		return nil
	}
	return s.attach()
}

// Run supervises the device until ctx is done: it publishes ring counters
// and reopens the device after an unexpected stop. The device is closed
// before Run returns.
func (s *Sink) Run(ctx context.Context) error {
	report := time.NewTicker(s.reportEvery)
	defer report.Stop()

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			s.report(context.WithoutCancel(ctx))
			return s.Close()

		case err := <-s.stopped:
			name := s.detach()
			slog.Error("output device stopped", "device", name, "err", err)
			if s.metrics != nil {
				s.metrics.RecordDeviceError(ctx, name)
			}
			if s.open != nil {
				retry = time.After(s.retryEvery)
			}

		case <-retry:
			retry = nil
			if err := s.attach(); err != nil {
				slog.Warn("reopening output device failed", "err", err, "retry_in", s.retryEvery)
				retry = time.After(s.retryEvery)
				continue
			}
			slog.Info("output device reopened", "device", s.Device().Name())

		case <-report.C:
			s.report(ctx)
		}
	}
}

// Close stops playback and releases the device. It is safe to call more than
// once.
func (s *Sink) Close() error {
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Close()
}

// deviceStopped is handed to the device as its stop callback. It must not
// block: a pending stop already triggers a reopen.
func (s *Sink) deviceStopped(err error) {
	if err == nil {
		err = errors.New("sink: device stopped")
	}
	select {
	case s.stopped <- err:
	default:
	}
}

func (s *Sink) attach() error {
	dev, err := s.open(s.deviceStopped)
	if err != nil {
		return err
	}
	if err := dev.Start(s.Fill); err != nil {
		_ = dev.Close()
		return err
	}
	s.mu.Lock()
	old := s.dev
	s.dev = dev
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *Sink) detach() string {
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.mu.Unlock()
	if dev == nil {
		return "none"
	}
	if err := dev.Close(); err != nil {
		slog.Warn("closing stopped output device", "device", dev.Name(), "err", err)
	}
	return dev.Name()
}

// report publishes counter deltas since the previous report.
func (s *Sink) report(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	cur := s.ring.Stats()
	s.mu.Lock()
	prev := s.reported
	s.reported = cur
	s.mu.Unlock()

	if d := cur.Dropped - prev.Dropped; d > 0 {
		s.metrics.SinkDropped.Add(ctx, int64(d))
	}
	if d := cur.Underruns - prev.Underruns; d > 0 {
		s.metrics.SinkUnderruns.Add(ctx, int64(d))
	}
}

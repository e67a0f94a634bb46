// Package processor runs the per-chunk signal chain between the chunk queue
// and the output sink.
//
// Each chunk is decoded, bandpass filtered, passed through a streaming STFT
// where noise reduction and spectral gating happen, amplified and clipped.
// The processor starts in [PhaseWarmup], where the STFT frames are only
// measured to build a noise profile, and moves to [PhaseActive] once the
// configured number of chunks has been seen and at least one full analysis
// frame reached the profile. Settings are read once per
// chunk from a [settings.Store].
//
// All filter state is owned by the goroutine calling [Processor.Run] (or
// [Processor.Process]); only [Processor.Phase] and [Processor.Stats] are
// safe to call concurrently.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/squelch/internal/dsp"
	"github.com/MrWong99/squelch/internal/observe"
	"github.com/MrWong99/squelch/internal/queue"
	"github.com/MrWong99/squelch/internal/settings"
	"github.com/MrWong99/squelch/pkg/audio"
)

// Stage names used in logs and the squelch.dsp.resets metric.
const (
	StageBandpass = "bandpass"
	StageSpectral = "spectral"
)

// Source yields raw chunks. Pop blocks until a chunk is available.
// *queue.Queue satisfies it.
type Source interface {
	Pop(ctx context.Context) (audio.Chunk, error)
}

// Writer accepts processed samples without blocking. *sink.Sink satisfies it.
type Writer interface {
	Write(samples []float32)
}

// ResetPolicy decides when an active processor rebuilds its noise profile on
// its own.
type ResetPolicy string

const (
	// ResetNever keeps the profile until an operator asks for a rebuild.
	ResetNever ResetPolicy = "never"
	// ResetRewarmOnSilence re-enters warm-up on the first chunk with signal
	// after a run of silent chunks, e.g. when a squelched receiver opens.
	ResetRewarmOnSilence ResetPolicy = "rewarm_on_silence"
)

// Adaptive tunes the non-stationary noise estimate and the reset policy.
type Adaptive struct {
	// Smoothing is the EMA factor applied to noise-like frames, in (0, 1].
	Smoothing float64
	// MaxOutliers is the fraction of bins allowed above
	// mean + stationary_threshold·stddev for a frame to count as noise.
	MaxOutliers float64
	// ResetPolicy selects automatic profile rebuilds.
	ResetPolicy ResetPolicy
	// SilenceDBFS is the input level below which a chunk counts as silent.
	SilenceDBFS float64
	// SilenceChunks is the length of the silent run that arms a rebuild.
	SilenceChunks int
}

// DefaultAdaptive returns the adaptive parameters used when none are given.
func DefaultAdaptive() Adaptive {
	return Adaptive{
		Smoothing:     0.05,
		MaxOutliers:   0.05,
		ResetPolicy:   ResetNever,
		SilenceDBFS:   -60,
		SilenceChunks: 50,
	}
}

// Option configures a [Processor].
type Option func(*Processor)

// WithMetrics sets the metrics the processor records to.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithTap registers fn to receive every processed chunk after it has been
// written to the sink. fn must not block; it owns the slice it is given.
func WithTap(fn func([]float32)) Option {
	return func(p *Processor) { p.tap = fn }
}

// WithAdaptive overrides [DefaultAdaptive].
func WithAdaptive(a Adaptive) Option {
	return func(p *Processor) { p.adaptive = a }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// filter is the streaming bandpass stage.
type filter interface {
	Process(buf []float32, low, high float64) error
	Reset()
}

// transform is the streaming spectral stage.
type transform interface {
	Process(buf []float32, fn dsp.FrameFunc) error
	Reset()
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Phase       Phase
	Processed   uint64
	StageResets uint64
	Transitions uint64
}

// Processor is the audio processing stage. Create it with [New].
type Processor struct {
	store    *settings.Store
	src      Source
	out      Writer
	metrics  *observe.Metrics
	tap      func([]float32)
	adaptive Adaptive
	log      *slog.Logger

	bp        filter
	stft      transform
	fullScale float64
	bins      int
	frameFn   dsp.FrameFunc

	// Per-chunk state; touched only by the processing goroutine.
	cur     settings.Settings
	state   state
	epoch   uint64
	bpWasOn bool
	silent  int
	armed   bool
	mag     []float64
	backup  []float32

	phase       atomic.Int32
	processed   atomic.Uint64
	resets      atomic.Uint64
	transitions atomic.Uint64
}

// New creates a processor that pops chunks from src, reads settings from
// store and writes processed samples to out. It starts in warm-up using the
// store's current noise_profile_samples.
func New(store *settings.Store, src Source, out Writer, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, errors.New("processor: settings store is required")
	}
	stft, err := dsp.NewSTFT(dsp.FrameSize, dsp.HopSize)
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	p := &Processor{
		store:     store,
		src:       src,
		out:       out,
		adaptive:  DefaultAdaptive(),
		log:       slog.Default(),
		bp:        dsp.NewBandpass(store.SampleRate()),
		stft:      stft,
		fullScale: stft.FullScale(),
		bins:      stft.Bins(),
		epoch:     store.ProfileEpoch(),
	}
	for _, o := range opts {
		o(p)
	}
	if a := p.adaptive; a.Smoothing <= 0 || a.Smoothing > 1 || math.IsNaN(a.Smoothing) {
		return nil, fmt.Errorf("processor: adaptive smoothing must be in (0, 1], got %g", a.Smoothing)
	}
	switch p.adaptive.ResetPolicy {
	case ResetNever, ResetRewarmOnSilence:
	case "":
		p.adaptive.ResetPolicy = ResetNever
	default:
		return nil, fmt.Errorf("processor: unknown reset policy %q", p.adaptive.ResetPolicy)
	}
	p.frameFn = p.frame
	p.cur = store.Get()
	p.bpWasOn = p.cur.BandpassEnabled
	p.state = &warmupState{
		target:  p.cur.NoiseProfileSamples,
		profile: dsp.NewNoiseProfile(p.bins),
	}
	return p, nil
}

// Phase returns the current lifecycle phase.
func (p *Processor) Phase() Phase { return Phase(p.phase.Load()) }

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Phase:       p.Phase(),
		Processed:   p.processed.Load(),
		StageResets: p.resets.Load(),
		Transitions: p.transitions.Load(),
	}
}

// Run pops and processes chunks until the source is closed or ctx is done.
// A chunk whose processing finishes after cancellation is not forwarded.
func (p *Processor) Run(ctx context.Context) error {
	for {
		c, err := p.src.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("processor: pop chunk: %w", err)
		}

		start := time.Now()
		out := p.Process(c)
		if p.metrics != nil {
			p.metrics.ProcessDuration.Record(ctx, time.Since(start).Seconds())
		}

		if ctx.Err() != nil {
			return nil
		}
		p.out.Write(out)
		if p.tap != nil {
			p.tap(out)
		}
	}
}

// Process runs one chunk through the signal chain and returns a new buffer
// of the same length. It must not be called concurrently with itself or Run.
func (p *Processor) Process(c audio.Chunk) []float32 {
	p.cur = p.store.Get()
	if e := p.store.ProfileEpoch(); e != p.epoch {
		p.epoch = e
		p.rewarm("profile reset requested")
	}

	buf := audio.ToFloat32(make([]float32, 0, c.Len()), c.Samples)
	silent := audio.DBFS(audio.RMS(buf)) < p.adaptive.SilenceDBFS

	p.bandpass(buf)
	p.spectral(buf)
	dsp.ApplyGain(buf, p.cur.GainLinear())
	dsp.Clip(buf)

	p.processed.Add(1)
	p.advance(silent)
	return buf
}

func (p *Processor) bandpass(buf []float32) {
	on := p.cur.BandpassEnabled
	if on && !p.bpWasOn {
		// Stale history from before the bypass would click.
		p.bp.Reset()
	}
	p.bpWasOn = on
	if !on {
		return
	}
	p.guard(StageBandpass, buf, p.bp.Reset, func() error {
		return p.bp.Process(buf, p.cur.VoiceLowHz, p.cur.VoiceHighHz)
	})
}

// spectral always runs the STFT so the output latency is one hop regardless
// of which reduction stages are enabled.
func (p *Processor) spectral(buf []float32) {
	var fn dsp.FrameFunc
	if _, warm := p.state.(*warmupState); warm || p.cur.NoiseReductionEnabled || p.cur.SpectralGatingEnabled {
		fn = p.frameFn
	}
	p.guard(StageSpectral, buf, p.stft.Reset, func() error {
		return p.stft.Process(buf, fn)
	})
}

// guard runs stage on buf. If the stage fails or leaves non-finite samples
// behind, buf is restored to its input, the stage memory is reset and the
// event is logged and counted.
func (p *Processor) guard(name string, buf []float32, reset func(), stage func() error) {
	p.backup = append(p.backup[:0], buf...)
	err := stage()
	if err == nil && dsp.Finite(buf) {
		return
	}
	copy(buf, p.backup)
	reset()
	p.resets.Add(1)
	if err == nil {
		err = errors.New("non-finite output")
	}
	p.log.Warn("processing stage reset; bypassed for one chunk", "stage", name, "err", err)
	if p.metrics != nil {
		p.metrics.RecordStageReset(context.Background(), name)
	}
}

// frame is the STFT callback. It runs once per hop.
func (p *Processor) frame(spec []complex128, primed bool) {
	p.mag = dsp.Magnitudes(p.mag, spec)

	switch st := p.state.(type) {
	case *warmupState:
		if primed && finite(p.mag) {
			st.profile.Accumulate(p.mag)
		}

	case *activeState:
		if p.cur.NoiseReductionEnabled {
			noise := st.frozen
			if !p.cur.StationaryModeEnabled {
				if primed && finite(p.mag) &&
					st.live.IsNoiseLike(p.mag, p.cur.StationaryThreshold, p.adaptive.MaxOutliers) {
					st.live.Blend(p.mag, p.adaptive.Smoothing)
				}
				noise = st.live
			}
			dsp.Subtract(spec, p.mag, noise.Mean(), p.cur.NoiseReductionStrength)
		}
		if p.cur.SpectralGatingEnabled {
			dsp.Gate(spec, p.mag, p.fullScale, p.cur.SpectralGateDB)
		}
	}
}

// advance updates the lifecycle after a chunk has been processed.
func (p *Processor) advance(silent bool) {
	switch st := p.state.(type) {
	case *warmupState:
		st.seen++
		// The first frames after start-up span pre-stream zeros and are not
		// accumulated; a short warm-up waits for a full one.
		if st.seen >= st.target && st.profile.Frames() > 0 {
			p.activate(st)
		}

	case *activeState:
		if p.adaptive.ResetPolicy != ResetRewarmOnSilence {
			return
		}
		if silent {
			p.silent++
			if p.silent >= p.adaptive.SilenceChunks {
				p.armed = true
			}
			return
		}
		p.silent = 0
		if p.armed {
			p.armed = false
			p.rewarm("signal returned after silence")
		}
	}
}

func (p *Processor) activate(w *warmupState) {
	p.state = &activeState{frozen: w.profile, live: w.profile.Clone()}
	p.setPhase(PhaseActive)
	p.log.Info("noise profile ready; reduction active",
		"chunks", w.seen, "frames", w.profile.Frames())
}

func (p *Processor) rewarm(reason string) {
	p.state = &warmupState{
		target:  p.cur.NoiseProfileSamples,
		profile: dsp.NewNoiseProfile(p.bins),
	}
	p.silent = 0
	p.armed = false
	p.setPhase(PhaseWarmup)
	p.log.Info("rebuilding noise profile", "reason", reason, "chunks", p.cur.NoiseProfileSamples)
}

func (p *Processor) setPhase(ph Phase) {
	p.phase.Store(int32(ph))
	p.transitions.Add(1)
	if p.metrics != nil {
		p.metrics.RecordTransition(context.Background(), ph.String())
	}
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

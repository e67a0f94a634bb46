package processor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"

	"github.com/MrWong99/squelch/internal/dsp"
	"github.com/MrWong99/squelch/internal/observe"
	"github.com/MrWong99/squelch/internal/queue"
	"github.com/MrWong99/squelch/internal/settings"
	"github.com/MrWong99/squelch/pkg/audio"
)

const rate = 48000

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- helpers ---

func newStore(t *testing.T, mutate func(*settings.Settings)) *settings.Store {
	t.Helper()
	s := settings.Defaults()
	if mutate != nil {
		mutate(&s)
	}
	st, err := settings.NewStore(s, rate)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func newProcessor(t *testing.T, store *settings.Store, opts ...Option) *Processor {
	t.Helper()
	p, err := New(store, nil, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func newMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter sums the data points of the named Int64 counter whose attribute
// key has the given value.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// signal builds a chunk of Gaussian noise at noiseRMS plus an optional sine
// at toneHz with the given RMS. start is the absolute sample index of the
// first sample so tones stay continuous across chunks.
func signal(rng *rand.Rand, n, start int, noiseRMS, toneHz, toneRMS float64) audio.Chunk {
	samples := make([]int16, n)
	for i := range samples {
		v := noiseRMS * rng.NormFloat64()
		if toneRMS > 0 {
			v += toneRMS * math.Sqrt2 * math.Sin(2*math.Pi*toneHz*float64(start+i)/rate)
		}
		samples[i] = int16(max(-32768, min(32767, math.Round(v*32768))))
	}
	return audio.Chunk{Samples: samples}
}

func rms(buf []float32) float64 { return audio.RMS(buf) }

// fitTone least-squares fits a sine at freq to buf (which must span a whole
// number of cycles) and returns the tone RMS and the RMS of what is left.
func fitTone(buf []float32, freq float64) (tone, residual float64) {
	w := 2 * math.Pi * freq / rate
	var a, b float64
	for i, y := range buf {
		a += float64(y) * math.Sin(w*float64(i))
		b += float64(y) * math.Cos(w*float64(i))
	}
	n := float64(len(buf))
	a, b = 2*a/n, 2*b/n
	var sq float64
	for i, y := range buf {
		r := float64(y) - a*math.Sin(w*float64(i)) - b*math.Cos(w*float64(i))
		sq += r * r
	}
	return math.Hypot(a, b) / math.Sqrt2, math.Sqrt(sq / n)
}

// --- tests ---

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store := newStore(t, nil)
	if _, err := New(nil, nil, nil); err == nil {
		t.Error("New without store succeeded")
	}

	bad := DefaultAdaptive()
	bad.Smoothing = 0
	if _, err := New(store, nil, nil, WithAdaptive(bad)); err == nil {
		t.Error("New accepted zero smoothing")
	}

	bad = DefaultAdaptive()
	bad.ResetPolicy = "sometimes"
	if _, err := New(store, nil, nil, WithAdaptive(bad)); err == nil {
		t.Error("New accepted unknown reset policy")
	}
}

func TestProcess_SilenceStaysSilent(t *testing.T) {
	t.Parallel()

	store := newStore(t, func(s *settings.Settings) {
		s.SpectralGatingEnabled = true
		s.NoiseProfileSamples = 2
	})
	p := newProcessor(t, store)

	for i := range 6 {
		out := p.Process(audio.Chunk{Samples: make([]int16, 1024)})
		if len(out) != 1024 {
			t.Fatalf("chunk %d: output length %d, want 1024", i, len(out))
		}
		for j, v := range out {
			if v != 0 {
				t.Fatalf("chunk %d: out[%d] = %v, want 0", i, j, v)
			}
		}
	}
	if got := p.Phase(); got != PhaseActive {
		t.Errorf("Phase = %v, want active", got)
	}
}

func TestProcess_WarmupTransitionsExactlyOnce(t *testing.T) {
	t.Parallel()

	m, reader := newMetrics(t)
	store := newStore(t, func(s *settings.Settings) { s.NoiseProfileSamples = 3 })
	p := newProcessor(t, store, WithMetrics(m))
	rng := rand.New(rand.NewPCG(1, 2))

	for i := range 3 {
		if got := p.Phase(); got != PhaseWarmup {
			t.Fatalf("before chunk %d: Phase = %v, want warmup", i+1, got)
		}
		p.Process(signal(rng, 1024, i*1024, 0.05, 0, 0))
	}
	if got := p.Phase(); got != PhaseActive {
		t.Fatalf("after 3 chunks: Phase = %v, want active", got)
	}

	// A later change only affects the next rebuild.
	if err := store.Set(settings.FieldNoiseProfileSamples, 10); err != nil {
		t.Fatalf("Set: %v", err)
	}
	for i := range 10 {
		p.Process(signal(rng, 1024, (3+i)*1024, 0.05, 0, 0))
	}

	st := p.Stats()
	if st.Phase != PhaseActive || st.Transitions != 1 || st.Processed != 13 {
		t.Errorf("Stats = %+v, want active, 1 transition, 13 processed", st)
	}
	if got := counter(t, reader, "squelch.processor.transitions", "phase", "active"); got != 1 {
		t.Errorf("transitions{phase=active} = %d, want 1", got)
	}
}

func TestProcess_SameChunkMoreAttenuatedWhenActive(t *testing.T) {
	t.Parallel()

	store := newStore(t, func(s *settings.Settings) { s.NoiseProfileSamples = 3 })
	p := newProcessor(t, store)
	noisy := signal(rand.New(rand.NewPCG(3, 4)), 2048, 0, 0.2, 0, 0)

	var warm []float32
	for range 3 {
		warm = p.Process(noisy)
	}
	active := p.Process(noisy)

	if w, a := rms(warm), rms(active); a >= 0.6*w {
		t.Errorf("active RMS %.5f not below 0.6 x warm-up RMS %.5f", a, w)
	}
}

func TestProcess_ShortWarmupWaitsForFullFrame(t *testing.T) {
	t.Parallel()

	// One hop-sized chunk only fills half an analysis frame, so a warm-up
	// of one chunk has nothing to measure until the second arrives.
	noisy := signal(rand.New(rand.NewPCG(21, 22)), dsp.HopSize, 0, 0.1, 0, 0)
	run := func(reduce bool) (*Processor, []float32) {
		store := newStore(t, func(s *settings.Settings) {
			s.NoiseProfileSamples = 1
			s.NoiseReductionEnabled = reduce
		})
		p := newProcessor(t, store)
		p.Process(noisy)
		if got := p.Phase(); got != PhaseWarmup {
			t.Fatalf("after an unprimed chunk: Phase = %v, want warmup", got)
		}
		p.Process(noisy)
		if got := p.Phase(); got != PhaseActive {
			t.Fatalf("after a primed chunk: Phase = %v, want active", got)
		}
		var out []float32
		for range 6 {
			out = p.Process(noisy)
		}
		return p, out
	}

	p, on := run(true)
	if st, ok := p.state.(*activeState); !ok || st.frozen.Frames() == 0 {
		t.Fatalf("active profile is empty: %+v", p.state)
	}
	_, off := run(false)
	if a, b := rms(on), rms(off); a >= 0.5*b {
		t.Errorf("RMS with reduction %.5f not below 0.5 x RMS without %.5f", a, b)
	}
}

func TestProcess_ToneSurvivesNoiseReduction(t *testing.T) {
	t.Parallel()

	const (
		chunk    = 4096
		noiseRMS = 0.1
		toneHz   = 1000
	)
	store := newStore(t, func(s *settings.Settings) {
		s.NoiseReductionStrength = 0.95
		s.VoiceLowHz = 300
		s.VoiceHighHz = 3400
		s.NoiseProfileSamples = 5
	})
	p := newProcessor(t, store)
	rng := rand.New(rand.NewPCG(5, 6))

	var warm []float32
	for i := range 5 {
		warm = p.Process(signal(rng, chunk, i*chunk, noiseRMS, 0, 0))
	}
	if p.Phase() != PhaseActive {
		t.Fatal("processor not active after 5 warm-up chunks")
	}
	out := p.Process(signal(rng, chunk, 5*chunk, noiseRMS, toneHz, noiseRMS))

	// Skip the frames that straddle the last warm-up chunk; 3072 samples
	// hold exactly 64 cycles of the tone.
	tone, residual := fitTone(out[1024:], toneHz)
	if tone < 0.5*residual {
		t.Errorf("tone RMS %.5f is more than 6 dB below residual noise %.5f", tone, residual)
	}
	if w := rms(warm); residual > 0.6*w {
		t.Errorf("residual noise RMS %.5f not reduced below 0.6 x warm-up output %.5f", residual, w)
	}
}

func TestProcess_GainScalesOutput(t *testing.T) {
	t.Parallel()

	flat := newStore(t, func(s *settings.Settings) { s.NoiseProfileSamples = 1 })
	loud := newStore(t, func(s *settings.Settings) { s.NoiseProfileSamples = 1 })
	if err := loud.Set(settings.FieldVoiceGainDB, 6.0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := loud.Get().VoiceGainDB; got != 6.0 {
		t.Fatalf("VoiceGainDB = %v, want 6.0", got)
	}

	p0, p6 := newProcessor(t, flat), newProcessor(t, loud)
	rng := rand.New(rand.NewPCG(7, 8))
	var out0, out6 []float32
	for i := range 4 {
		c := signal(rng, 1024, i*1024, 0.02, 440, 0.05)
		out0, out6 = p0.Process(c), p6.Process(c)
	}
	ratio := rms(out6) / rms(out0)
	if math.Abs(ratio-2) > 0.05 {
		t.Errorf("RMS ratio = %.4f, want 2 +/- 0.05", ratio)
	}
}

func TestProcess_ClipsToFullScale(t *testing.T) {
	t.Parallel()

	store := newStore(t, func(s *settings.Settings) {
		s.VoiceGainDB = 20
		s.BandpassEnabled = false
		s.NoiseReductionEnabled = false
	})
	p := newProcessor(t, store)
	for i := range 3 {
		out := p.Process(signal(rand.New(rand.NewPCG(9, uint64(i))), 1024, i*1024, 0.5, 0, 0))
		for j, v := range out {
			if v > 1 || v < -1 {
				t.Fatalf("out[%d] = %v outside [-1, 1]", j, v)
			}
		}
	}
}

type poisonFilter struct {
	left   int
	resets int
}

func (f *poisonFilter) Process(buf []float32, _, _ float64) error {
	if f.left > 0 {
		f.left--
		buf[len(buf)/2] = float32(math.NaN())
	}
	return nil
}

func (f *poisonFilter) Reset() { f.resets++ }

func TestProcess_NonFiniteStageIsResetAndBypassed(t *testing.T) {
	t.Parallel()

	m, reader := newMetrics(t)
	p := newProcessor(t, newStore(t, nil), WithMetrics(m))
	poison := &poisonFilter{left: 1}
	p.bp = poison

	rng := rand.New(rand.NewPCG(10, 11))
	for i := range 3 {
		out := p.Process(signal(rng, 1024, i*1024, 0.1, 0, 0))
		if !dsp.Finite(out) {
			t.Fatalf("chunk %d: output contains non-finite samples", i)
		}
	}
	if poison.resets != 1 {
		t.Errorf("filter resets = %d, want 1", poison.resets)
	}
	if got := p.Stats().StageResets; got != 1 {
		t.Errorf("StageResets = %d, want 1", got)
	}
	if got := counter(t, reader, "squelch.dsp.resets", "stage", StageBandpass); got != 1 {
		t.Errorf("resets{stage=bandpass} = %d, want 1", got)
	}
}

func TestProcess_ProfileResetRequest(t *testing.T) {
	t.Parallel()

	store := newStore(t, func(s *settings.Settings) { s.NoiseProfileSamples = 1 })
	p := newProcessor(t, store)
	rng := rand.New(rand.NewPCG(12, 13))

	p.Process(signal(rng, 1024, 0, 0.05, 0, 0))
	if p.Phase() != PhaseActive {
		t.Fatal("not active after one chunk")
	}

	if err := store.Set(settings.FieldNoiseProfileSamples, 2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	store.RequestProfileReset()

	p.Process(signal(rng, 1024, 1024, 0.05, 0, 0))
	if p.Phase() != PhaseWarmup {
		t.Fatal("reset request did not restart warm-up")
	}
	p.Process(signal(rng, 1024, 2048, 0.05, 0, 0))
	if p.Phase() != PhaseActive {
		t.Fatal("not active after the rebuilt warm-up")
	}
	if got := p.Stats().Transitions; got != 3 {
		t.Errorf("Transitions = %d, want 3", got)
	}
}

func TestProcess_RewarmOnSilence(t *testing.T) {
	t.Parallel()

	a := DefaultAdaptive()
	a.ResetPolicy = ResetRewarmOnSilence
	a.SilenceChunks = 3
	store := newStore(t, func(s *settings.Settings) { s.NoiseProfileSamples = 1 })
	p := newProcessor(t, store, WithAdaptive(a))
	rng := rand.New(rand.NewPCG(14, 15))
	silence := audio.Chunk{Samples: make([]int16, 1024)}

	p.Process(signal(rng, 1024, 0, 0.05, 0, 0))
	for range 3 {
		p.Process(silence)
	}
	if p.Phase() != PhaseActive {
		t.Fatal("silence alone must not restart warm-up")
	}
	p.Process(signal(rng, 1024, 0, 0.05, 0, 0))
	if p.Phase() != PhaseWarmup {
		t.Fatal("signal after silence did not restart warm-up")
	}
	p.Process(signal(rng, 1024, 0, 0.05, 0, 0))
	if p.Phase() != PhaseActive {
		t.Fatal("not active after rebuilt warm-up")
	}

	// Two silent chunks are not enough to arm another rebuild.
	for range 2 {
		p.Process(silence)
	}
	p.Process(signal(rng, 1024, 0, 0.05, 0, 0))
	if p.Phase() != PhaseActive {
		t.Error("short silence restarted warm-up")
	}
}

func TestProcess_AdaptiveProfileLearnsOnlyFromNoise(t *testing.T) {
	t.Parallel()

	store := newStore(t, func(s *settings.Settings) { s.StationaryModeEnabled = false })
	p := newProcessor(t, store)
	rng := rand.New(rand.NewPCG(16, 17))

	for i := range 5 {
		p.Process(signal(rng, 1024, i*1024, 0.05, 0, 0))
	}
	st, ok := p.state.(*activeState)
	if !ok {
		t.Fatal("processor not active")
	}
	frozen := st.frozen.Frames()

	for i := range 4 {
		p.Process(signal(rng, 1024, (5+i)*1024, 0.05, 0, 0))
	}
	learned := st.live.Frames()
	if learned <= frozen {
		t.Fatalf("live profile frames = %d, want more than %d", learned, frozen)
	}
	if st.frozen.Frames() != frozen {
		t.Error("frozen profile changed in adaptive mode")
	}

	for i := range 4 {
		p.Process(signal(rng, 1024, (9+i)*1024, 0, 1000, 0.6))
	}
	// Only the frames straddling the noise-to-tone boundary may still count.
	if got := st.live.Frames(); got > learned+2 {
		t.Errorf("live profile learned from a pure tone: frames %d -> %d", learned, got)
	}
}

// --- Run ---

type recorder struct {
	mu     sync.Mutex
	chunks [][]float32
}

func (r *recorder) Write(s []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func TestRun_ForwardsUntilQueueCloses(t *testing.T) {
	t.Parallel()

	q := queue.New()
	rec := &recorder{}
	var tapped sync.WaitGroup
	tapped.Add(3)
	p, err := New(newStore(t, nil), q, rec, WithTap(func([]float32) { tapped.Done() }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	rng := rand.New(rand.NewPCG(18, 19))
	for i := range 3 {
		if _, err := q.Push(signal(rng, 512, i*512, 0.05, 0, 0)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	tapped.Wait()
	q.Close()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after queue close")
	}
	if got := rec.count(); got != 3 {
		t.Errorf("writer received %d chunks, want 3", got)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	q := queue.New()
	defer q.Close()
	p, err := New(newStore(t, nil), q, &recorder{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// Package dsp contains the streaming signal-processing primitives used by the
// audio processor: RBJ cookbook biquads, a voice bandpass built from them, a
// streaming short-time Fourier transform with overlap-add resynthesis, the
// per-bin noise profile and the spectral subtraction and gating operators.
//
// Every type in this package keeps its own streaming state and is owned by a
// single goroutine. None of them are safe for concurrent use.
package dsp

import (
	"errors"
	"math"
)

// ButterworthQ is the Q of a maximally flat second-order section.
const ButterworthQ = math.Sqrt2 / 2

// Kind selects the biquad response.
type Kind int

const (
	// LowPass passes frequencies below the cutoff.
	LowPass Kind = iota + 1
	// HighPass passes frequencies above the cutoff.
	HighPass
)

// String returns the filter kind name.
func (k Kind) String() string {
	switch k {
	case LowPass:
		return "lowpass"
	case HighPass:
		return "highpass"
	default:
		return "unknown"
	}
}

// Biquad is a direct-form I second-order IIR section applied in one or more
// cascaded passes. Each pass keeps its own history so the response is
// continuous across calls to [Biquad.Apply].
type Biquad struct {
	kind   Kind
	passes int

	// normalised coefficients (divided by a0)
	b0, b1, b2, a1, a2 float64

	// per-pass history
	in1, in2, out1, out2 []float64
}

// NewBiquad returns a filter of the given kind. Each pass adds 12 dB/octave
// of slope outside the passband.
func NewBiquad(kind Kind, sampleRate, frequency, q float64, passes int) (*Biquad, error) {
	if passes < 1 {
		return nil, errors.New("dsp: passes must be 1 or greater")
	}
	f := &Biquad{
		kind:   kind,
		passes: passes,
		in1:    make([]float64, passes),
		in2:    make([]float64, passes),
		out1:   make([]float64, passes),
		out2:   make([]float64, passes),
	}
	if err := f.Tune(sampleRate, frequency, q); err != nil {
		return nil, err
	}
	return f, nil
}

// Tune recomputes the coefficients for a new corner frequency. Filter
// history is kept so a retune does not click.
func (f *Biquad) Tune(sampleRate, frequency, q float64) error {
	if sampleRate <= 0 || frequency <= 0 || frequency >= sampleRate/2 {
		return errors.New("dsp: corner frequency must be between 0 and Nyquist")
	}
	if q <= 0 {
		return errors.New("dsp: q must be positive")
	}

	w0 := 2 * math.Pi * frequency / sampleRate
	cosW0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)

	var b0, b1, b2 float64
	switch f.kind {
	case LowPass:
		b0 = (1 - cosW0) / 2
		b1 = 1 - cosW0
		b2 = (1 - cosW0) / 2
	case HighPass:
		b0 = (1 + cosW0) / 2
		b1 = -(1 + cosW0)
		b2 = (1 + cosW0) / 2
	default:
		return errors.New("dsp: unsupported filter kind")
	}
	a0 := 1 + alpha
	f.b0, f.b1, f.b2 = b0/a0, b1/a0, b2/a0
	f.a1, f.a2 = -2*cosW0/a0, (1-alpha)/a0
	return nil
}

// Apply filters buf in place.
func (f *Biquad) Apply(buf []float32) {
	for p := range f.passes {
		in1, in2, out1, out2 := f.in1[p], f.in2[p], f.out1[p], f.out2[p]
		for i, x := range buf {
			xf := float64(x)
			y := f.b0*xf + f.b1*in1 + f.b2*in2 - f.a1*out1 - f.a2*out2
			in2, in1 = in1, xf
			out2, out1 = out1, y
			buf[i] = float32(y)
		}
		f.in1[p], f.in2[p], f.out1[p], f.out2[p] = in1, in2, out1, out2
	}
}

// Reset clears the filter history.
func (f *Biquad) Reset() {
	clear(f.in1)
	clear(f.in2)
	clear(f.out1)
	clear(f.out2)
}

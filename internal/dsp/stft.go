package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Default analysis parameters. At 48 kHz a 512-sample frame resolves ~94 Hz
// per bin and the hop adds 5.3 ms of latency.
const (
	FrameSize = 512
	HopSize   = FrameSize / 2
)

// FrameFunc inspects or modifies one frame's positive-frequency spectrum in
// place. primed is false while the analysis window still contains samples
// from before the first call to [STFT.Process].
type FrameFunc func(spec []complex128, primed bool)

// STFT is a streaming short-time Fourier transform with weighted overlap-add
// resynthesis. Analysis and synthesis both use a square-root periodic Hann
// window; at 50% overlap their product sums to one, so an unmodified
// spectrum reconstructs the input exactly, delayed by [STFT.Latency] samples.
type STFT struct {
	n, hop int
	fft    *fourier.FFT
	window []float64

	in    []float64 // most recent n input samples
	acc   []float64 // overlap-add accumulator
	frame []float64 // scratch
	spec  []complex128
	fed   int // samples consumed since Reset, saturating at n
}

// NewSTFT returns a transform with the given frame and hop size. frameSize
// must be even and hop must divide it; only hop == frameSize/2 gives perfect
// reconstruction with the built-in window.
func NewSTFT(frameSize, hop int) (*STFT, error) {
	if frameSize < 4 || frameSize%2 != 0 || hop <= 0 || frameSize%hop != 0 {
		return nil, fmt.Errorf("dsp: invalid stft geometry frame=%d hop=%d", frameSize, hop)
	}
	w := make([]float64, frameSize)
	for i := range w {
		w[i] = math.Sqrt(0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(frameSize))))
	}
	return &STFT{
		n:      frameSize,
		hop:    hop,
		fft:    fourier.NewFFT(frameSize),
		window: w,
		in:     make([]float64, frameSize),
		acc:    make([]float64, frameSize),
		frame:  make([]float64, frameSize),
		spec:   make([]complex128, frameSize/2+1),
	}, nil
}

// Bins returns the number of positive-frequency bins per frame.
func (s *STFT) Bins() int { return s.n/2 + 1 }

// Hop returns the hop size in samples.
func (s *STFT) Hop() int { return s.hop }

// Latency returns the delay in samples between input and output.
func (s *STFT) Latency() int { return s.n - s.hop }

// FullScale returns the bin magnitude produced by a full-scale sine centred
// on a bin. Dividing a magnitude by it yields a level relative to full scale.
func (s *STFT) FullScale() float64 {
	var sum float64
	for _, w := range s.window {
		sum += w
	}
	return sum / 2
}

// BinHz returns the centre frequency of bin k at sampleRate Hz.
func (s *STFT) BinHz(k int, sampleRate int) float64 {
	return float64(k) * float64(sampleRate) / float64(s.n)
}

// Process runs buf through the transform in place, calling fn once per hop.
// len(buf) must be a multiple of the hop size. A nil fn passes spectra
// through unchanged.
func (s *STFT) Process(buf []float32, fn FrameFunc) error {
	if len(buf)%s.hop != 0 {
		return fmt.Errorf("dsp: stft input length %d is not a multiple of hop %d", len(buf), s.hop)
	}
	keep := s.n - s.hop
	for off := 0; off < len(buf); off += s.hop {
		block := buf[off : off+s.hop]

		copy(s.in, s.in[s.hop:])
		for i, x := range block {
			s.in[keep+i] = float64(x)
		}
		if s.fed < s.n {
			s.fed += s.hop
		}

		for i, x := range s.in {
			s.frame[i] = x * s.window[i]
		}
		s.spec = s.fft.Coefficients(s.spec, s.frame)
		if fn != nil {
			fn(s.spec, s.fed >= s.n)
		}
		s.frame = s.fft.Sequence(s.frame, s.spec)

		scale := 1 / float64(s.n)
		for i, x := range s.frame {
			s.acc[i] += x * scale * s.window[i]
		}
		for i := range block {
			block[i] = float32(s.acc[i])
		}
		copy(s.acc, s.acc[s.hop:])
		clear(s.acc[keep:])
	}
	return nil
}

// Reset clears all buffered samples.
func (s *STFT) Reset() {
	clear(s.in)
	clear(s.acc)
	s.fed = 0
}

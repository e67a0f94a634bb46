package dsp

// bandpassPasses is the number of cascaded sections per edge (24 dB/octave).
const bandpassPasses = 2

// Bandpass is a streaming voice bandpass: a highpass at the low edge followed
// by a lowpass at the high edge. Coefficients are recomputed only when the
// edges change.
type Bandpass struct {
	sampleRate float64
	low, high  float64
	hp, lp     *Biquad
}

// NewBandpass returns a bandpass for a stream at sampleRate Hz. The first
// call to [Bandpass.Process] tunes it.
func NewBandpass(sampleRate int) *Bandpass {
	return &Bandpass{sampleRate: float64(sampleRate)}
}

// Process filters buf in place with passband [low, high] Hz. Filter memory
// persists across calls. It returns an error, leaving buf untouched, if the
// edges cannot be realised at this sample rate.
func (b *Bandpass) Process(buf []float32, low, high float64) error {
	if err := b.tune(low, high); err != nil {
		return err
	}
	b.hp.Apply(buf)
	b.lp.Apply(buf)
	return nil
}

// Edges returns the edges the filter is currently tuned to. Both are zero
// before the first Process.
func (b *Bandpass) Edges() (low, high float64) {
	return b.low, b.high
}

// Reset clears filter memory. The next Process starts from silence.
func (b *Bandpass) Reset() {
	if b.hp != nil {
		b.hp.Reset()
		b.lp.Reset()
	}
}

func (b *Bandpass) tune(low, high float64) error {
	if b.hp != nil && low == b.low && high == b.high {
		return nil
	}
	if b.hp == nil {
		hp, err := NewBiquad(HighPass, b.sampleRate, low, ButterworthQ, bandpassPasses)
		if err != nil {
			return err
		}
		lp, err := NewBiquad(LowPass, b.sampleRate, high, ButterworthQ, bandpassPasses)
		if err != nil {
			return err
		}
		b.hp, b.lp = hp, lp
	} else {
		if err := b.hp.Tune(b.sampleRate, low, ButterworthQ); err != nil {
			return err
		}
		if err := b.lp.Tune(b.sampleRate, high, ButterworthQ); err != nil {
			// Restore the highpass so both sections describe the same band.
			_ = b.hp.Tune(b.sampleRate, b.low, ButterworthQ)
			return err
		}
	}
	b.low, b.high = low, high
	return nil
}

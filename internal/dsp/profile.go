package dsp

import "math"

// NoiseProfile is a per-bin estimate of the noise magnitude spectrum: a mean
// and variance accumulated exactly while warming up ([NoiseProfile.Accumulate])
// and tracked with an exponential moving average afterwards
// ([NoiseProfile.Blend]).
type NoiseProfile struct {
	mean []float64
	m2   []float64 // sum of squared deviations while accumulating
	vari []float64
	n    int
}

// NewNoiseProfile returns an empty profile for bins frequency bins.
func NewNoiseProfile(bins int) *NoiseProfile {
	return &NoiseProfile{
		mean: make([]float64, bins),
		m2:   make([]float64, bins),
		vari: make([]float64, bins),
	}
}

// Accumulate adds one frame's magnitudes using Welford's algorithm.
func (p *NoiseProfile) Accumulate(mag []float64) {
	p.n++
	n := float64(p.n)
	for i, x := range mag[:len(p.mean)] {
		d := x - p.mean[i]
		p.mean[i] += d / n
		p.m2[i] += d * (x - p.mean[i])
		p.vari[i] = p.m2[i] / n
	}
}

// Blend moves the profile toward mag with smoothing factor alpha in (0, 1].
// An empty profile is seeded with mag.
func (p *NoiseProfile) Blend(mag []float64, alpha float64) {
	if p.n == 0 {
		p.Accumulate(mag)
		return
	}
	for i, x := range mag[:len(p.mean)] {
		d := x - p.mean[i]
		inc := alpha * d
		p.mean[i] += inc
		p.vari[i] = (1 - alpha) * (p.vari[i] + d*inc)
	}
	p.n++
}

// IsNoiseLike reports whether mag looks like the profiled noise: fewer than
// maxOutliers (a fraction of all bins) exceed mean + threshold·stddev.
func (p *NoiseProfile) IsNoiseLike(mag []float64, threshold, maxOutliers float64) bool {
	if p.n == 0 {
		return true
	}
	outliers := 0
	for i, x := range mag[:len(p.mean)] {
		if x > p.mean[i]+threshold*math.Sqrt(p.vari[i]) {
			outliers++
		}
	}
	return float64(outliers) < maxOutliers*float64(len(p.mean))
}

// Mean returns the per-bin mean magnitude. The slice is owned by the profile.
func (p *NoiseProfile) Mean() []float64 { return p.mean }

// StdDev returns the standard deviation of bin i.
func (p *NoiseProfile) StdDev(i int) float64 { return math.Sqrt(p.vari[i]) }

// Frames returns the number of frames that contributed to the profile.
func (p *NoiseProfile) Frames() int { return p.n }

// Bins returns the number of frequency bins.
func (p *NoiseProfile) Bins() int { return len(p.mean) }

// Clone returns an independent copy.
func (p *NoiseProfile) Clone() *NoiseProfile {
	return &NoiseProfile{
		mean: append([]float64(nil), p.mean...),
		m2:   append([]float64(nil), p.m2...),
		vari: append([]float64(nil), p.vari...),
		n:    p.n,
	}
}

// Reset empties the profile.
func (p *NoiseProfile) Reset() {
	clear(p.mean)
	clear(p.m2)
	clear(p.vari)
	p.n = 0
}

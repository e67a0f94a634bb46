package dsp

import (
	"math"
	"math/cmplx"
)

// Magnitudes writes |spec[i]| to dst and returns it. dst is grown if needed.
func Magnitudes(dst []float64, spec []complex128) []float64 {
	if cap(dst) < len(spec) {
		dst = make([]float64, len(spec))
	}
	dst = dst[:len(spec)]
	for i, c := range spec {
		dst[i] = cmplx.Abs(c)
	}
	return dst
}

// Subtract performs magnitude spectral subtraction: each bin's magnitude is
// reduced by strength·noise[i] and floored at zero. Phase is preserved by
// scaling the complex bin. mag holds the precomputed magnitudes of spec.
func Subtract(spec []complex128, mag, noise []float64, strength float64) {
	for i, c := range spec {
		m := mag[i]
		if m == 0 {
			continue
		}
		target := m - strength*noise[i]
		if target <= 0 {
			spec[i] = 0
			mag[i] = 0
			continue
		}
		spec[i] = c * complex(target/m, 0)
		mag[i] = target
	}
}

// Gate zeroes every bin whose level relative to fullScale is below
// thresholdDB. mag holds the current magnitudes of spec and is updated.
func Gate(spec []complex128, mag []float64, fullScale, thresholdDB float64) {
	floor := fullScale * math.Pow(10, thresholdDB/20)
	for i := range spec {
		if mag[i] < floor {
			spec[i] = 0
			mag[i] = 0
		}
	}
}

// ApplyGain multiplies buf by the linear factor g.
func ApplyGain(buf []float32, g float64) {
	if g == 1 {
		return
	}
	gf := float32(g)
	for i := range buf {
		buf[i] *= gf
	}
}

// Clip clamps buf to [-1, 1]. NaN samples become zero.
func Clip(buf []float32) {
	for i, x := range buf {
		switch {
		case math.IsNaN(float64(x)):
			buf[i] = 0
		case x > 1:
			buf[i] = 1
		case x < -1:
			buf[i] = -1
		}
	}
}

// Finite reports whether every sample in buf is a finite number.
func Finite(buf []float32) bool {
	for _, x := range buf {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

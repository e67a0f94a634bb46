package audio

import (
	"encoding/binary"
	"math"
)

// DecodePCM16 appends the little-endian int16 samples in b to dst and returns
// the extended slice. A trailing odd byte is ignored.
func DecodePCM16(dst []int16, b []byte) []int16 {
	for i := 0; i+1 < len(b); i += 2 {
		dst = append(dst, int16(binary.LittleEndian.Uint16(b[i:])))
	}
	return dst
}

// EncodePCM16 converts int16 samples to little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// ToFloat32 converts int16 samples to float32 in [-1, 1) and writes them to
// dst, which must be at least len(src) long. It returns dst[:len(src)].
func ToFloat32(dst []float32, src []int16) []float32 {
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = float32(s) / 32768
	}
	return dst
}

// ToInt16 converts float32 samples to int16, clamping to the int16 range.
// NaN maps to zero.
func ToInt16(dst []int16, src []float32) []int16 {
	dst = dst[:len(src)]
	for i, s := range src {
		v := float64(s) * 32768
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		dst[i] = int16(math.Round(v))
	}
	return dst
}

// RMS returns the root-mean-square level of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts a linear RMS level to decibels relative to full scale.
// Zero maps to -Inf.
func DBFS(rms float64) float64 {
	return 20 * math.Log10(rms)
}

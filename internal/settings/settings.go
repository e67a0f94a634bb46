// Package settings holds the runtime-tunable processing parameters and the
// concurrency-safe store through which they are read and mutated.
//
// The processor takes one [Settings] snapshot per chunk via [Store.Get];
// operator commands and configuration reloads write through [Store.Set] and
// [Store.Replace]. Every write is validated and published as a new immutable
// snapshot, so readers never observe a partial update and never block.
package settings

import (
	"fmt"
	"math"
)

// Settings is an immutable snapshot of all processing parameters.
// The zero value is not valid; start from [Defaults].
type Settings struct {
	NoiseReductionStrength float64 `yaml:"noise_reduction_strength"`
	NoiseReductionEnabled  bool    `yaml:"noise_reduction_enabled"`
	VoiceLowHz             float64 `yaml:"voice_low_hz"`
	VoiceHighHz            float64 `yaml:"voice_high_hz"`
	BandpassEnabled        bool    `yaml:"bandpass_enabled"`
	VoiceGainDB            float64 `yaml:"voice_gain_db"`
	SpectralGateDB         float64 `yaml:"spectral_gate_db"`
	SpectralGatingEnabled  bool    `yaml:"spectral_gating_enabled"`
	StationaryModeEnabled  bool    `yaml:"stationary_mode_enabled"`
	StationaryThreshold    float64 `yaml:"stationary_threshold"`
	NoiseProfileSamples    int     `yaml:"noise_profile_samples"`
}

// Limits on individual fields.
const (
	MinGainDB = -20.0
	MaxGainDB = 20.0
)

// Defaults returns the settings squelch starts with when nothing else is
// configured.
func Defaults() Settings {
	return Settings{
		NoiseReductionStrength: 0.95,
		NoiseReductionEnabled:  true,
		VoiceLowHz:             80,
		VoiceHighHz:            8000,
		BandpassEnabled:        true,
		VoiceGainDB:            0,
		SpectralGateDB:         -35,
		SpectralGatingEnabled:  false,
		StationaryModeEnabled:  true,
		StationaryThreshold:    2.5,
		NoiseProfileSamples:    5,
	}
}

// GainLinear returns the voice gain as a linear amplitude factor.
func (s Settings) GainLinear() float64 {
	return math.Pow(10, s.VoiceGainDB/20)
}

// Validate checks every field of s for a stream at sampleRate Hz and returns
// the first violation as a [*ValidationError]. A sampleRate of zero skips the
// Nyquist check.
func (s Settings) Validate(sampleRate int) error {
	for _, f := range allFields {
		if err := s.checkField(f, sampleRate); err != nil {
			return err
		}
	}
	return nil
}

func (s Settings) checkField(f Field, sampleRate int) error {
	invalid := func(format string, args ...any) error {
		return &ValidationError{Field: f, Reason: fmt.Sprintf(format, args...)}
	}
	switch f {
	case FieldNoiseReductionStrength:
		if !finite(s.NoiseReductionStrength) || s.NoiseReductionStrength < 0 || s.NoiseReductionStrength > 1 {
			return invalid("must be between 0.0 and 1.0, got %g", s.NoiseReductionStrength)
		}
	case FieldVoiceLowHz:
		if !finite(s.VoiceLowHz) || s.VoiceLowHz <= 0 {
			return invalid("must be positive, got %g", s.VoiceLowHz)
		}
		if s.VoiceLowHz >= s.VoiceHighHz {
			return invalid("must be below voice_high_hz (%g), got %g", s.VoiceHighHz, s.VoiceLowHz)
		}
	case FieldVoiceHighHz:
		if !finite(s.VoiceHighHz) || s.VoiceHighHz <= 0 {
			return invalid("must be positive, got %g", s.VoiceHighHz)
		}
		if s.VoiceHighHz <= s.VoiceLowHz {
			return invalid("must be above voice_low_hz (%g), got %g", s.VoiceLowHz, s.VoiceHighHz)
		}
		if nyquist := float64(sampleRate) / 2; sampleRate > 0 && s.VoiceHighHz >= nyquist {
			return invalid("must be below the Nyquist frequency (%g Hz), got %g", nyquist, s.VoiceHighHz)
		}
	case FieldVoiceGainDB:
		if !finite(s.VoiceGainDB) || s.VoiceGainDB < MinGainDB || s.VoiceGainDB > MaxGainDB {
			return invalid("must be between %g and %g dB, got %g", MinGainDB, MaxGainDB, s.VoiceGainDB)
		}
	case FieldSpectralGateDB:
		if !finite(s.SpectralGateDB) {
			return invalid("must be a finite number of dB")
		}
	case FieldStationaryThreshold:
		if !finite(s.StationaryThreshold) || s.StationaryThreshold <= 0 {
			return invalid("must be positive, got %g", s.StationaryThreshold)
		}
	case FieldNoiseProfileSamples:
		if s.NoiseProfileSamples < 1 {
			return invalid("must be at least 1, got %d", s.NoiseProfileSamples)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

package settings

import (
	"fmt"
	"strings"
)

// Field identifies a single [Settings] parameter.
type Field int

const (
	FieldNoiseReductionStrength Field = iota + 1
	FieldNoiseReductionEnabled
	FieldVoiceLowHz
	FieldVoiceHighHz
	FieldBandpassEnabled
	FieldVoiceGainDB
	FieldSpectralGateDB
	FieldSpectralGatingEnabled
	FieldStationaryModeEnabled
	FieldStationaryThreshold
	FieldNoiseProfileSamples
)

var allFields = []Field{
	FieldNoiseReductionStrength,
	FieldNoiseReductionEnabled,
	FieldVoiceLowHz,
	FieldVoiceHighHz,
	FieldBandpassEnabled,
	FieldVoiceGainDB,
	FieldSpectralGateDB,
	FieldSpectralGatingEnabled,
	FieldStationaryModeEnabled,
	FieldStationaryThreshold,
	FieldNoiseProfileSamples,
}

var fieldNames = map[Field]string{
	FieldNoiseReductionStrength: "noise_reduction_strength",
	FieldNoiseReductionEnabled:  "noise_reduction_enabled",
	FieldVoiceLowHz:             "voice_low_hz",
	FieldVoiceHighHz:            "voice_high_hz",
	FieldBandpassEnabled:        "bandpass_enabled",
	FieldVoiceGainDB:            "voice_gain_db",
	FieldSpectralGateDB:         "spectral_gate_db",
	FieldSpectralGatingEnabled:  "spectral_gating_enabled",
	FieldStationaryModeEnabled:  "stationary_mode_enabled",
	FieldStationaryThreshold:    "stationary_threshold",
	FieldNoiseProfileSamples:    "noise_profile_samples",
}

// Fields returns all fields in declaration order.
func Fields() []Field {
	out := make([]Field, len(allFields))
	copy(out, allFields)
	return out
}

// String returns the configuration name of the field.
func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Field(%d)", int(f))
}

// IsBool reports whether the field holds an on/off toggle.
func (f Field) IsBool() bool {
	switch f {
	case FieldNoiseReductionEnabled, FieldBandpassEnabled, FieldSpectralGatingEnabled, FieldStationaryModeEnabled:
		return true
	}
	return false
}

// ParseField looks up a field by its configuration name (case-insensitive).
func ParseField(name string) (Field, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, n := range fieldNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("settings: unknown field %q", name)
}

// Value returns the current value of f in s as float64, bool or int.
func (s Settings) Value(f Field) any {
	switch f {
	case FieldNoiseReductionStrength:
		return s.NoiseReductionStrength
	case FieldNoiseReductionEnabled:
		return s.NoiseReductionEnabled
	case FieldVoiceLowHz:
		return s.VoiceLowHz
	case FieldVoiceHighHz:
		return s.VoiceHighHz
	case FieldBandpassEnabled:
		return s.BandpassEnabled
	case FieldVoiceGainDB:
		return s.VoiceGainDB
	case FieldSpectralGateDB:
		return s.SpectralGateDB
	case FieldSpectralGatingEnabled:
		return s.SpectralGatingEnabled
	case FieldStationaryModeEnabled:
		return s.StationaryModeEnabled
	case FieldStationaryThreshold:
		return s.StationaryThreshold
	case FieldNoiseProfileSamples:
		return s.NoiseProfileSamples
	}
	return nil
}

// with returns a copy of s with f set to value. It fails only if value has
// the wrong type for f; range checks are left to Validate.
func (s Settings) with(f Field, value any) (Settings, error) {
	wrongType := func() error {
		return &ValidationError{Field: f, Reason: fmt.Sprintf("unsupported value type %T", value)}
	}
	if f.IsBool() {
		b, ok := value.(bool)
		if !ok {
			return s, wrongType()
		}
		switch f {
		case FieldNoiseReductionEnabled:
			s.NoiseReductionEnabled = b
		case FieldBandpassEnabled:
			s.BandpassEnabled = b
		case FieldSpectralGatingEnabled:
			s.SpectralGatingEnabled = b
		case FieldStationaryModeEnabled:
			s.StationaryModeEnabled = b
		}
		return s, nil
	}

	if f == FieldNoiseProfileSamples {
		switch v := value.(type) {
		case int:
			s.NoiseProfileSamples = v
		case int64:
			s.NoiseProfileSamples = int(v)
		case float64:
			if v != float64(int(v)) {
				return s, &ValidationError{Field: f, Reason: fmt.Sprintf("must be a whole number, got %g", v)}
			}
			s.NoiseProfileSamples = int(v)
		default:
			return s, wrongType()
		}
		return s, nil
	}

	var v float64
	switch x := value.(type) {
	case float64:
		v = x
	case float32:
		v = float64(x)
	case int:
		v = float64(x)
	default:
		return s, wrongType()
	}
	switch f {
	case FieldNoiseReductionStrength:
		s.NoiseReductionStrength = v
	case FieldVoiceLowHz:
		s.VoiceLowHz = v
	case FieldVoiceHighHz:
		s.VoiceHighHz = v
	case FieldVoiceGainDB:
		s.VoiceGainDB = v
	case FieldSpectralGateDB:
		s.SpectralGateDB = v
	case FieldStationaryThreshold:
		s.StationaryThreshold = v
	default:
		return s, &ValidationError{Field: f, Reason: "unknown field"}
	}
	return s, nil
}

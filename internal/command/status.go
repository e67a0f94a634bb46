package command

import (
	"fmt"
	"strings"

	"github.com/MrWong99/squelch/internal/settings"
)

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// formatValue renders f from s the way /status shows it.
func formatValue(f settings.Field, s settings.Settings) string {
	switch f {
	case settings.FieldNoiseReductionStrength:
		return fmt.Sprintf("%.1f%%", s.NoiseReductionStrength*100)
	case settings.FieldVoiceLowHz:
		return fmt.Sprintf("%g Hz", s.VoiceLowHz)
	case settings.FieldVoiceHighHz:
		return fmt.Sprintf("%g Hz", s.VoiceHighHz)
	case settings.FieldVoiceGainDB:
		return fmt.Sprintf("%+.1f dB", s.VoiceGainDB)
	case settings.FieldSpectralGateDB:
		return fmt.Sprintf("%.1f dB", s.SpectralGateDB)
	case settings.FieldStationaryThreshold:
		return fmt.Sprintf("%.2f", s.StationaryThreshold)
	case settings.FieldNoiseProfileSamples:
		return fmt.Sprintf("%d chunks", s.NoiseProfileSamples)
	}
	if v, ok := s.Value(f).(bool); ok {
		return onOff(v)
	}
	return fmt.Sprint(s.Value(f))
}

var labels = map[settings.Field]string{
	settings.FieldNoiseReductionStrength: "Noise reduction strength",
	settings.FieldNoiseReductionEnabled:  "Noise reduction",
	settings.FieldVoiceLowHz:             "Voice low frequency",
	settings.FieldVoiceHighHz:            "Voice high frequency",
	settings.FieldBandpassEnabled:        "Bandpass filter",
	settings.FieldVoiceGainDB:            "Voice gain",
	settings.FieldSpectralGateDB:         "Spectral gate threshold",
	settings.FieldSpectralGatingEnabled:  "Spectral gating",
	settings.FieldStationaryModeEnabled:  "Stationary mode",
	settings.FieldStationaryThreshold:    "Stationary threshold",
	settings.FieldNoiseProfileSamples:    "Noise profile length",
}

// confirm is the reply to a successful setting change.
func confirm(f settings.Field, s settings.Settings) string {
	if f.IsBool() {
		return labels[f] + " " + formatValue(f, s)
	}
	msg := fmt.Sprintf("%s set to %s", labels[f], formatValue(f, s))
	if f == settings.FieldNoiseProfileSamples {
		msg += " (applies from the next profile rebuild)"
	}
	return msg
}

func (in *Interpreter) status() string {
	s := in.store.Get()
	var b strings.Builder
	line := func(label, format string, args ...any) {
		fmt.Fprintf(&b, "  %-24s "+format+"\n", append([]any{label + ":"}, args...)...)
	}

	b.WriteString("Current settings:\n")
	if s.NoiseReductionEnabled {
		line("Noise reduction", "%s", formatValue(settings.FieldNoiseReductionStrength, s))
	} else {
		line("Noise reduction", "disabled (strength %s)", formatValue(settings.FieldNoiseReductionStrength, s))
	}
	line("Voice frequency range", "%g-%g Hz", s.VoiceLowHz, s.VoiceHighHz)
	for _, f := range []settings.Field{
		settings.FieldVoiceGainDB,
		settings.FieldSpectralGateDB,
		settings.FieldStationaryThreshold,
		settings.FieldBandpassEnabled,
		settings.FieldSpectralGatingEnabled,
		settings.FieldStationaryModeEnabled,
		settings.FieldNoiseProfileSamples,
	} {
		line(labels[f], "%s", formatValue(f, s))
	}

	if in.pipeline != nil {
		p := in.pipeline()
		b.WriteString("Pipeline:\n")
		line("Phase", "%s", p.Phase)
		line("Chunks received", "%d (%d malformed datagrams)", p.Received, p.Malformed)
		line("Queue", "%d waiting, %d dropped", p.QueueDepth, p.QueueDropped)
		line("Chunks processed", "%d (%d stage resets)", p.Processed, p.StageResets)
		line("Output", "%s, %d samples buffered", p.Device, p.SinkBuffered)
		line("Output drops", "%d samples dropped, %d underruns", p.SinkDropped, p.Underruns)
	}
	return strings.TrimRight(b.String(), "\n")
}

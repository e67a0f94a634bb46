package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/squelch/internal/config"
	"github.com/MrWong99/squelch/internal/settings"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, config.Default())
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
	cfg.Monitor.Bitrate = 64000
	if config.Diff(config.Default(), cfg).Empty() {
		t.Error("monitor change reported as empty")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_DSPFields(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.DSP.VoiceGainDB = 6
	new.DSP.BandpassEnabled = false
	new.DSP.NoiseProfileSamples = 8

	d := config.Diff(old, new)
	if !d.DSPChanged {
		t.Fatal("expected DSPChanged=true")
	}
	want := []settings.Field{
		settings.FieldBandpassEnabled,
		settings.FieldVoiceGainDB,
		settings.FieldNoiseProfileSamples,
	}
	if !slices.Equal(d.DSPFields, want) {
		t.Errorf("DSPFields = %v, want %v", d.DSPFields, want)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("dsp changes must not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9999"
	new.Network.ChunkSamples = 2048
	new.Output.Backend = config.BackendNull
	new.Monitor.Enabled = false

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "network", "output", "monitor"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.DSPChanged {
		t.Error("expected DSPChanged=false")
	}
}

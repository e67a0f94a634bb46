package config

import "github.com/MrWong99/squelch/internal/settings"

// ConfigDiff describes what changed between two configs.
// Only the dsp section and the log level can be applied without a restart;
// every other changed section is listed in RestartRequired.
type ConfigDiff struct {
	DSPChanged bool
	DSPFields  []settings.Field // changed fields in declaration order

	LogLevelChanged bool
	NewLogLevel     LogLevel

	RestartRequired []string // names of changed sections that only apply on restart
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.DSPChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	for _, f := range settings.Fields() {
		if old.DSP.Value(f) != new.DSP.Value(f) {
			d.DSPFields = append(d.DSPFields, f)
		}
	}
	d.DSPChanged = len(d.DSPFields) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Network != new.Network {
		d.RestartRequired = append(d.RestartRequired, "network")
	}
	if old.Queue != new.Queue {
		d.RestartRequired = append(d.RestartRequired, "queue")
	}
	if old.Output != new.Output {
		d.RestartRequired = append(d.RestartRequired, "output")
	}
	if old.Adaptive != new.Adaptive {
		d.RestartRequired = append(d.RestartRequired, "adaptive")
	}
	if old.Monitor != new.Monitor {
		d.RestartRequired = append(d.RestartRequired, "monitor")
	}

	return d
}

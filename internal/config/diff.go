package config

// ConfigDiff describes what changed between two configs. Changes to log
// level and pipeline behaviour are applied live; anything else is only
// reported and takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AutoContinueChanged bool
	NewAutoContinue     bool

	HistoryLimitChanged bool
	NewHistoryLimit     int

	// RestartRequired lists the top-level sections whose changes cannot be
	// applied to a running session.
	RestartRequired []string
}

// Changed reports whether any difference was found.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AutoContinueChanged || d.HistoryLimitChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if a, b := old.Pipeline.AutoContinueEnabled(), new.Pipeline.AutoContinueEnabled(); a != b {
		d.AutoContinueChanged = true
		d.NewAutoContinue = b
	}
	if old.Pipeline.HistoryLimit != new.Pipeline.HistoryLimit {
		d.HistoryLimitChanged = true
		d.NewHistoryLimit = new.Pipeline.HistoryLimit
	}

	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if !audioEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Diagnostics != new.Diagnostics {
		d.RestartRequired = append(d.RestartRequired, "diagnostics")
	}
	return d
}

// audioEqual compares audio sections by their effective values.
func audioEqual(a, b AudioConfig) bool {
	return a.Capture == b.Capture &&
		a.Playback == b.Playback &&
		a.SampleRate == b.SampleRate &&
		a.WindowSamples == b.WindowSamples &&
		a.ResponseSampleRate == b.ResponseSampleRate &&
		a.EchoCancellationEnabled() == b.EchoCancellationEnabled() &&
		a.NoiseSuppressionEnabled() == b.NoiseSuppressionEnabled()
}

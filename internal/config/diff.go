package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (room credentials, provider wiring, engine mode) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EnvironmentChanged means the default VAD tuning profile changed.
	EnvironmentChanged bool

	// InterruptionsChanged means the default barge-in toggle flipped.
	InterruptionsChanged bool

	// LanguagesChanged means the default language, denylist, or switch
	// policy changed.
	LanguagesChanged bool

	// TimeoutsChanged means a model or tool budget changed.
	TimeoutsChanged bool

	// MockFallbackChanged means the flight mock-fallback flag flipped.
	MockFallbackChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.EnvironmentChanged || d.InterruptionsChanged ||
		d.LanguagesChanged || d.TimeoutsChanged || d.MockFallbackChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Audio.Environment != new.Audio.Environment {
		d.EnvironmentChanged = true
	}
	if old.Audio.InterruptionsEnabled != new.Audio.InterruptionsEnabled {
		d.InterruptionsChanged = true
	}
	if old.Languages.Default != new.Languages.Default ||
		!slices.Equal(old.Languages.Denylist, new.Languages.Denylist) ||
		old.Languages.SwitchThreshold != new.Languages.SwitchThreshold ||
		old.Languages.MinConfidence != new.Languages.MinConfidence {
		d.LanguagesChanged = true
	}
	if old.Timeouts != new.Timeouts {
		d.TimeoutsChanged = true
	}
	if old.Flights.EnableMockFallback != new.Flights.EnableMockFallback {
		d.MockFallbackChanged = true
	}

	return d
}

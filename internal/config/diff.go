package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// everything else sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TTSChanged lists TTS provider ids whose overlay changed (added,
	// removed, or modified). The registry can re-apply these live.
	TTSChanged []string

	// DefaultsChanged is true when the default gateway, TTS provider, or
	// response cap changed.
	DefaultsChanged bool

	// RestartRequired is true when server or path settings changed; those
	// are bound at startup and cannot be re-applied live.
	RestartRequired bool
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.TTSChanged) == 0 && !d.DefaultsChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Overlay changes, both directions.
	for id, entry := range new.TTS {
		prev, ok := old.TTS[id]
		if !ok || !entryEqual(prev, entry) {
			d.TTSChanged = append(d.TTSChanged, id)
		}
	}
	for id := range old.TTS {
		if _, ok := new.TTS[id]; !ok {
			d.TTSChanged = append(d.TTSChanged, id)
		}
	}

	if old.Defaults != new.Defaults {
		d.DefaultsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		old.Paths != new.Paths ||
		old.Sink != new.Sink ||
		old.Fallback != new.Fallback {
		d.RestartRequired = true
	}

	return d
}

func entryEqual(a, b ProviderEntry) bool {
	return a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Voice == b.Voice &&
		maps.Equal(a.Options, b.Options)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// Hot-reloadable settings.
	LogLevelChanged       bool
	NewLogLevel           LogLevel
	LanguageChanged       bool
	NewLanguage           string
	AutoTranscribeChanged bool
	NewAutoTranscribe     bool

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.HotChanged() && len(d.RestartRequired) == 0
}

// HotChanged reports whether a hot-reloadable setting changed.
func (d ConfigDiff) HotChanged() bool {
	return d.LogLevelChanged || d.LanguageChanged || d.AutoTranscribeChanged
}

// WithHotSettings returns a copy of cfg carrying the hot-reloadable settings
// of next.
func WithHotSettings(cfg, next *Config) *Config {
	c := *cfg
	c.Server.LogLevel = next.Server.LogLevel
	c.Transcription.Language = next.Transcription.Language
	c.Clips.AutoTranscribe = next.Clips.AutoTranscribe
	return &c
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Transcription.Language != new.Transcription.Language {
		d.LanguageChanged = true
		d.NewLanguage = new.Transcription.Language
	}
	if old.Clips.Auto() != new.Clips.Auto() {
		d.AutoTranscribeChanged = true
		d.NewAutoTranscribe = new.Clips.Auto()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Device, new.Device) {
		d.RestartRequired = append(d.RestartRequired, "device")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !reflect.DeepEqual(old.Transcription.Live, new.Transcription.Live) ||
		!reflect.DeepEqual(old.Transcription.Batch, new.Transcription.Batch) ||
		old.Transcription.KeepAliveInterval != new.Transcription.KeepAliveInterval {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if old.Clips.MaxClips != new.Clips.MaxClips || old.Clips.Workers != new.Clips.Workers {
		d.RestartRequired = append(d.RestartRequired, "clips")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

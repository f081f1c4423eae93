package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/pendant/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
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
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not need a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_HotReloadableTranscriptionSettings(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Transcription.Language = "mr"
	off := false
	new.Clips.AutoTranscribe = &off

	d := config.Diff(old, new)
	if !d.LanguageChanged || d.NewLanguage != "mr" {
		t.Errorf("language diff = %v %q", d.LanguageChanged, d.NewLanguage)
	}
	if !d.AutoTranscribeChanged || d.NewAutoTranscribe {
		t.Errorf("auto transcribe diff = %v %v", d.AutoTranscribeChanged, d.NewAutoTranscribe)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server.listen_addr"},
		{"device codec", func(c *config.Config) { c.Device.Codec = "mulaw" }, "device"},
		{"segment duration", func(c *config.Config) { c.Audio.SegmentDuration *= 2 }, "audio"},
		{"live provider", func(c *config.Config) { c.Transcription.Live.Name = "deepgram" }, "transcription"},
		{"batch providers", func(c *config.Config) {
			c.Transcription.Batch = append(c.Transcription.Batch, config.ProviderEntry{Name: "whisper"})
		}, "transcription"},
		{"max clips", func(c *config.Config) { c.Clips.MaxClips = 5 }, "clips"},
		{"service name", func(c *config.Config) { c.Telemetry.ServiceName = "other" }, "telemetry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.section) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tt.section)
			}
			if d.Empty() {
				t.Error("Empty() = true")
			}
		})
	}
}

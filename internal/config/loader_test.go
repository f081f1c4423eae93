package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/pendant/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			mention: "log_level",
		},
		{
			name:    "invalid codec",
			yaml:    "device:\n  codec: opus\n",
			mention: "device.codec",
		},
		{
			name:    "invalid transport",
			yaml:    "device:\n  transport: serial\n",
			mention: "device.transport",
		},
		{
			name:    "negative attempts",
			yaml:    "device:\n  max_connection_attempts: -1\n",
			mention: "max_connection_attempts",
		},
		{
			name:    "same start and stop command",
			yaml:    "device:\n  start_command: GO\n  stop_command: GO\n",
			mention: "must differ",
		},
		{
			name:    "negative segment duration",
			yaml:    "audio:\n  segment_duration: -5s\n",
			mention: "segment_duration",
		},
		{
			name:    "unsupported language",
			yaml:    "transcription:\n  language: fr\n",
			mention: "transcription.language",
		},
		{
			name:    "batch entry without name",
			yaml:    "transcription:\n  batch:\n    - api_key: x\n",
			mention: "batch[0].name",
		},
		{
			name:    "duplicate batch provider",
			yaml:    "transcription:\n  batch:\n    - name: whisper\n    - name: whisper\n",
			mention: "duplicate",
		},
		{
			name:    "negative max clips",
			yaml:    "clips:\n  max_clips: -3\n",
			mention: "clips.max_clips",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: chatty
device:
  codec: adpcm
clips:
  workers: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "device.codec", "clips.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
transcription:
  live:
    name: assemblyai
  batch:
    - name: custom-backend
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should not fail validation: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pendant.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Errorf("audio.sample_rate: got %d", cfg.Audio.SampleRate)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Transcription.Live.Name != "deepgram" || len(cfg.Transcription.Batch) != 2 {
		t.Fatalf("transcription = %+v", cfg.Transcription)
	}
	if rms, ok := cfg.Transcription.Batch[1].OptFloat("silence_rms"); !ok || rms != 200 {
		t.Errorf("whisper silence_rms = %v, %v", rms, ok)
	}
	if !cfg.Clips.Auto() {
		t.Error("auto_transcribe should be enabled")
	}
}

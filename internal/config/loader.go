package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pendant/pkg/audio"
	"github.com/MrWong99/pendant/pkg/provider/stt"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr            = ":8080"
	DefaultServiceUUID           = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultAudioCharacteristic   = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultCommandCharacteristic = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultSampleRate            = 16000
	DefaultSegmentDuration       = 10 * time.Second
	DefaultMaxConnectionAttempts = 3
	DefaultReconnectDelay        = 1 * time.Second
	DefaultScanTimeout           = 15 * time.Second
	DefaultStopDelay             = 100 * time.Millisecond
	DefaultKeepAliveInterval     = 3 * time.Second
	DefaultMaxClips              = 100
	DefaultClipWorkers           = 2
	DefaultServiceName           = "pendant"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":  {"deepgram"},
	"batch": {"deepgram", "whisper"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. ${VAR} references are expanded from the environment before
// decoding so secrets can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field of cfg that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	d := &cfg.Device
	if d.Transport == "" {
		d.Transport = TransportBLE
	}
	if d.ServiceUUID == "" {
		d.ServiceUUID = DefaultServiceUUID
	}
	if d.AudioCharacteristic == "" {
		d.AudioCharacteristic = DefaultAudioCharacteristic
	}
	if d.CommandCharacteristic == "" {
		d.CommandCharacteristic = DefaultCommandCharacteristic
	}
	if d.Codec == "" {
		d.Codec = audio.CodecPCM16
	}
	if d.MaxConnectionAttempts == 0 {
		d.MaxConnectionAttempts = DefaultMaxConnectionAttempts
	}
	if d.ReconnectDelay == 0 {
		d.ReconnectDelay = DefaultReconnectDelay
	}
	if d.ScanTimeout == 0 {
		d.ScanTimeout = DefaultScanTimeout
	}
	if d.StartCommand == "" {
		d.StartCommand = "START"
	}
	if d.StopCommand == "" {
		d.StopCommand = "STOP"
	}
	if d.StopDelay == 0 {
		d.StopDelay = DefaultStopDelay
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.SegmentDuration == 0 {
		cfg.Audio.SegmentDuration = DefaultSegmentDuration
	}

	if cfg.Transcription.KeepAliveInterval == 0 {
		cfg.Transcription.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = stt.DefaultLanguage
	}

	if cfg.Clips.MaxClips == 0 {
		cfg.Clips.MaxClips = DefaultMaxClips
	}
	if cfg.Clips.Workers == 0 {
		cfg.Clips.Workers = DefaultClipWorkers
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Device
	d := cfg.Device
	if d.Transport != "" && !d.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("device.transport %q is invalid; valid values: ble", d.Transport))
	}
	if d.Codec != "" && !d.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("device.codec %q is invalid; valid values: pcm16, mulaw", d.Codec))
	}
	if d.MaxConnectionAttempts < 0 {
		errs = append(errs, fmt.Errorf("device.max_connection_attempts must not be negative, got %d", d.MaxConnectionAttempts))
	}
	if d.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("device.reconnect_delay must not be negative, got %s", d.ReconnectDelay))
	}
	if d.ScanTimeout < 0 {
		errs = append(errs, fmt.Errorf("device.scan_timeout must not be negative, got %s", d.ScanTimeout))
	}
	if d.StartCommand != "" && d.StartCommand == d.StopCommand {
		errs = append(errs, fmt.Errorf("device.start_command and device.stop_command must differ, both are %q", d.StartCommand))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must not be negative, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.SegmentDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.segment_duration must not be negative, got %s", cfg.Audio.SegmentDuration))
	}

	// Transcription
	tc := cfg.Transcription
	validateProviderName("live", tc.Live.Name)
	seen := make(map[string]bool, len(tc.Batch))
	for i, entry := range tc.Batch {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("transcription.batch[%d].name is required", i))
			continue
		}
		validateProviderName("batch", entry.Name)
		if seen[entry.Name] {
			errs = append(errs, fmt.Errorf("transcription.batch[%d]: duplicate provider %q", i, entry.Name))
		}
		seen[entry.Name] = true
	}
	if !stt.ValidLanguage(tc.Language) {
		errs = append(errs, fmt.Errorf("transcription.language %q is invalid; valid values: %s", tc.Language, strings.Join(stt.Languages, ", ")))
	}
	if tc.KeepAliveInterval < 0 {
		errs = append(errs, fmt.Errorf("transcription.keep_alive_interval must not be negative, got %s", tc.KeepAliveInterval))
	}

	// Clips
	if cfg.Clips.MaxClips < 0 {
		errs = append(errs, fmt.Errorf("clips.max_clips must not be negative, got %d", cfg.Clips.MaxClips))
	}
	if cfg.Clips.Workers < 0 {
		errs = append(errs, fmt.Errorf("clips.workers must not be negative, got %d", cfg.Clips.Workers))
	}
	if cfg.Clips.Auto() && len(tc.Batch) == 0 {
		slog.Warn("clips.auto_transcribe is enabled but no batch transcription provider is configured; clips will not be transcribed")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not in the
// known list for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if !slices.Contains(known, name) {
		slog.Warn("unknown provider name; it must be registered at runtime",
			"kind", kind,
			"name", name,
			"known", known,
		)
	}
}

// parse decodes and validates an in-memory config file.
func parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

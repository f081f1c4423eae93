// Package config provides the configuration schema, loader, and provider registry
// for the pendant capture service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/pendant/pkg/audio"
)

// LogLevel controls log verbosity for the pendant server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the corresponding [slog.Level]. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Transport selects the radio stack used to reach the device.
type Transport string

const (
	// TransportBLE uses the host Bluetooth Low Energy adapter.
	TransportBLE Transport = "ble"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportBLE
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Device        DeviceConfig        `yaml:"device"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Clips         ClipsConfig         `yaml:"clips"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DeviceConfig describes the capture device and the commands it understands.
type DeviceConfig struct {
	// Transport selects the radio stack. Defaults to "ble".
	Transport Transport `yaml:"transport"`

	// ServiceUUID is the GATT service the device advertises.
	ServiceUUID string `yaml:"service_uuid"`

	// AudioCharacteristic is the notify characteristic carrying audio packets.
	AudioCharacteristic string `yaml:"audio_characteristic"`

	// CommandCharacteristic receives the start and stop commands.
	CommandCharacteristic string `yaml:"command_characteristic"`

	// Codec is the payload encoding of audio packets ("pcm16" or "mulaw").
	Codec audio.Codec `yaml:"codec"`

	// MaxConnectionAttempts bounds automatic reconnection after a loss.
	MaxConnectionAttempts int `yaml:"max_connection_attempts"`

	// ReconnectDelay is the fixed delay before each reconnection attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ScanTimeout bounds device discovery.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// StartCommand and StopCommand are written to the command characteristic.
	StartCommand string `yaml:"start_command"`
	StopCommand  string `yaml:"stop_command"`

	// StopDelay separates closing the live session from sending the stop
	// command.
	StopDelay time.Duration `yaml:"stop_delay"`

	// AutoConnect connects to the device at startup.
	AutoConnect bool `yaml:"auto_connect"`
}

// AudioConfig describes the captured audio.
type AudioConfig struct {
	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// SegmentDuration is the clip window and the flush backstop period.
	SegmentDuration time.Duration `yaml:"segment_duration"`
}

// TranscriptionConfig selects the live and batch speech-to-text providers.
type TranscriptionConfig struct {
	// Live is the streaming provider. An empty name disables live
	// transcription.
	Live ProviderEntry `yaml:"live"`

	// KeepAliveInterval is the live session keep-alive period.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// Batch lists clip transcription providers in priority order. Later
	// entries are fallbacks for earlier ones.
	Batch []ProviderEntry `yaml:"batch"`

	// Language is the default clip transcription language (auto, en, hi, mr).
	Language string `yaml:"language"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// OptString returns the string option key, or "" if it is absent or not a
// string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptFloat returns the numeric option key and whether it was present.
func (e ProviderEntry) OptFloat(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// ClipsConfig controls clip retention and automatic transcription.
type ClipsConfig struct {
	// MaxClips is the number of clips kept in memory.
	MaxClips int `yaml:"max_clips"`

	// Workers is the number of concurrent batch transcriptions.
	Workers int `yaml:"workers"`

	// AutoTranscribe queues every new clip for batch transcription.
	// Defaults to true.
	AutoTranscribe *bool `yaml:"auto_transcribe"`
}

// Auto reports whether new clips are transcribed automatically.
func (c ClipsConfig) Auto() bool {
	return c.AutoTranscribe == nil || *c.AutoTranscribe
}

// TelemetryConfig names the service in exported metrics and traces.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

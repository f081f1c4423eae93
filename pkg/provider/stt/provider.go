// Package stt defines the provider interfaces for speech-to-text backends.
//
// Two shapes of backend are supported:
//
//   - [LiveProvider] opens a duplex [Stream]: the caller pushes a configuration
//     message, periodic keep-alives and raw linear PCM, and pulls [Event]
//     values (transcript results, service errors, everything else).
//   - [BatchProvider] transcribes a complete WAV clip in one request.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// Default live configuration values.
const (
	DefaultEncoding = "linear16"
	DefaultLanguage = "en"
	DefaultModel    = "nova-2"
)

var (
	// ErrStreamClosed is returned by [Stream] methods after the stream has
	// been closed locally or by the remote end.
	ErrStreamClosed = errors.New("stt: stream closed")

	// ErrNoTranscript is returned by [BatchProvider.Transcribe] when the
	// service answered but recognised no speech.
	ErrNoTranscript = errors.New("stt: no transcription available")

	// ErrBackpressure is returned by [Stream.SendAudio] when the outbound
	// queue is full. The chunk is dropped.
	ErrBackpressure = errors.New("stt: audio queue full")

	// ErrNotConfigured is returned when an operation needs a provider kind
	// that was not configured.
	ErrNotConfigured = errors.New("stt: provider not configured")
)

// LiveConfig is the configuration message sent when a live stream opens.
type LiveConfig struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int `json:"sample_rate"`

	// Encoding is the audio encoding, "linear16" for 16-bit little-endian PCM.
	Encoding string `json:"encoding"`

	// Channels is the channel count.
	Channels int `json:"channels"`

	// InterimResults requests non-final results.
	InterimResults bool `json:"interim_results"`

	// Punctuate requests punctuation.
	Punctuate bool `json:"punctuate"`

	// Language is the recognition language, e.g. "en".
	Language string `json:"language"`

	// Model is the provider model name.
	Model string `json:"model"`

	// SmartFormat requests number and date formatting.
	SmartFormat bool `json:"smart_format"`

	// Diarize requests speaker labels.
	Diarize bool `json:"diarize"`

	// Utterances requests utterance segmentation.
	Utterances bool `json:"utterances"`
}

// DefaultLiveConfig returns the configuration used for a mono capture stream
// at sampleRate.
func DefaultLiveConfig(sampleRate int) LiveConfig {
	return LiveConfig{
		SampleRate:     sampleRate,
		Encoding:       DefaultEncoding,
		Channels:       1,
		InterimResults: true,
		Punctuate:      true,
		Language:       DefaultLanguage,
		Model:          DefaultModel,
		SmartFormat:    true,
		Diarize:        false,
		Utterances:     true,
	}
}

// EventKind classifies an inbound stream message.
type EventKind int

const (
	// EventOther is any message the engine does not act on.
	EventOther EventKind = iota

	// EventResults carries a transcript fragment.
	EventResults

	// EventError carries a service-side error. The stream stays open.
	EventError
)

// String implements [fmt.Stringer].
func (k EventKind) String() string {
	switch k {
	case EventResults:
		return "results"
	case EventError:
		return "error"
	default:
		return "other"
	}
}

// Event is one decoded inbound message.
type Event struct {
	Kind EventKind

	// Type is the raw message type reported by the service.
	Type string

	// Transcript is the best alternative for EventResults. It may be empty.
	Transcript string

	// IsFinal reports whether the result is final.
	IsFinal bool

	// Message is the error description for EventError.
	Message string
}

// Stream is an open live transcription session.
//
// Recv must only be called from one goroutine at a time. All other methods are
// safe for concurrent use.
type Stream interface {
	// SendConfig sends the configuration message.
	SendConfig(ctx context.Context, cfg LiveConfig) error

	// SendKeepAlive sends a keep-alive ping.
	SendKeepAlive(ctx context.Context) error

	// SendAudio queues a chunk of linear16 PCM without blocking. It returns
	// [ErrBackpressure] when the chunk was dropped and [ErrStreamClosed] after
	// Close.
	SendAudio(chunk []byte) error

	// Recv blocks until the next inbound message. It returns an error wrapping
	// [ErrStreamClosed] once the stream ends, whichever side closed it.
	Recv(ctx context.Context) (Event, error)

	// Close terminates the stream. Calling Close more than once is safe.
	Close() error
}

// LiveProvider opens live transcription streams.
type LiveProvider interface {
	// Open dials a new stream. cfg describes the audio the caller will send;
	// implementations may use it to negotiate the connection.
	Open(ctx context.Context, cfg LiveConfig) (Stream, error)
}

// BatchOptions tune a single batch request.
type BatchOptions struct {
	// Language is the recognition language. "" or "auto" lets the service
	// detect it.
	Language string
}

// BatchProvider transcribes complete clips.
type BatchProvider interface {
	// Transcribe returns the transcript of a WAV clip. It returns
	// [ErrNoTranscript] when no speech was recognised.
	Transcribe(ctx context.Context, wav []byte, opts BatchOptions) (string, error)
}

// Languages lists the values accepted for [BatchOptions.Language].
var Languages = []string{"auto", "en", "hi", "mr"}

// ValidLanguage reports whether lang is empty or listed in [Languages].
func ValidLanguage(lang string) bool {
	if lang == "" {
		return true
	}
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

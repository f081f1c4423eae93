// Package audio defines the decoded audio frame that flows through the capture
// pipeline, the codecs the peripheral can emit, and the WAV container used for
// finished clips.
//
// Notification payloads arrive from the peripheral with a fixed 3-byte
// transport header followed by sample data. [Decode] turns one payload into
// one [Frame]; it never fails, because a truncated packet must not stop the
// stream.
package audio

import (
	"encoding/binary"
	"time"
)

// HeaderSize is the number of framing bytes that precede the samples in
// every notification payload.
const HeaderSize = 3

// Codec selects how the bytes after the header are interpreted.
type Codec string

const (
	// CodecPCM16 is little-endian signed 16-bit linear PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecMuLaw is 8-bit logarithmic companding, one byte per sample. The
	// peripheral uses it in its low-bandwidth mode.
	CodecMuLaw Codec = "mulaw"
)

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM16 || c == CodecMuLaw
}

// Frame is one decoded notification. Frames are immutable once decoded.
type Frame struct {
	// Samples holds mono signed 16-bit PCM in arrival order.
	Samples []int16

	// Arrived is the wall-clock time the notification was received.
	Arrived time.Time
}

// Len returns the number of samples in the frame.
func (f Frame) Len() int { return len(f.Samples) }

// Bytes returns the samples as little-endian 16-bit PCM, the wire format
// expected by linear16 speech-to-text streams.
func (f Frame) Bytes() []byte {
	return SamplesToBytes(f.Samples)
}

// Duration returns the playback length of the frame at sampleRate.
func (f Frame) Duration(sampleRate int) time.Duration {
	return SamplesDuration(len(f.Samples), sampleRate)
}

// SamplesDuration converts a mono sample count to a duration at sampleRate.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// Package segment accumulates decoded frames into fixed-duration clips.
//
// A [Segmenter] owns one continuous buffer. Every [Segmenter.Append] is
// followed by a duration check; once the configured window has elapsed since
// the buffer started, the buffer is flushed into a WAV-encoded [Clip] and the
// window restarts at the flush time. Callers that may go quiet for longer
// than a window drive [Segmenter.MaybeFlush] from a backstop timer aligned to
// [Segmenter.Deadline], and call [Segmenter.Flush] once more on stop.
//
// A Segmenter is not safe for concurrent use; it is meant to be owned by a
// single event loop.
package segment

import (
	"strings"
	"time"

	"github.com/MrWong99/pendant/internal/clock"
	"github.com/MrWong99/pendant/pkg/audio"
)

// DefaultDuration is the segment length used when [Config.Duration] is zero.
const DefaultDuration = 10 * time.Second

// DefaultSampleRate is the capture rate used when [Config.SampleRate] is zero.
const DefaultSampleRate = 16000

// Config configures a [Segmenter].
type Config struct {
	// SampleRate is written into every clip's WAV header.
	SampleRate int

	// Duration is the segment window. Defaults to [DefaultDuration].
	Duration time.Duration

	// Clock supplies the time used for windows and filenames. Defaults to
	// [clock.Real].
	Clock clock.Clock
}

// Clip is a finalised, encoded segment.
type Clip struct {
	// Samples is the number of PCM samples in the clip.
	Samples int

	// WAV is the encoded container.
	WAV []byte

	// Filename is derived from FlushedAt.
	Filename string

	// StartedAt is when the buffer window opened.
	StartedAt time.Time

	// FlushedAt is when the buffer was captured.
	FlushedAt time.Time

	// Duration is the audio length of the clip at the configured rate.
	Duration time.Duration
}

// Segmenter is the continuous buffer.
type Segmenter struct {
	sampleRate int
	duration   time.Duration
	clock      clock.Clock

	samples []int16
	start   time.Time

	appended uint64
	flushed  uint64
	clips    uint64
}

// New creates a [Segmenter] whose first window starts now.
func New(cfg Config) *Segmenter {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Segmenter{
		sampleRate: cfg.SampleRate,
		duration:   cfg.Duration,
		clock:      cfg.Clock,
		start:      cfg.Clock.Now(),
	}
}

// Reset discards buffered samples without producing a clip and restarts the
// window at the current time.
func (s *Segmenter) Reset() {
	s.samples = nil
	s.start = s.clock.Now()
}

// Append adds f's samples to the buffer and then checks the window. It
// returns the clip produced by that check, if any.
func (s *Segmenter) Append(f audio.Frame) (Clip, bool) {
	s.samples = append(s.samples, f.Samples...)
	s.appended += uint64(len(f.Samples))
	return s.MaybeFlush()
}

// MaybeFlush flushes when the window has elapsed. An elapsed window with an
// empty buffer still restarts the window but produces no clip.
func (s *Segmenter) MaybeFlush() (Clip, bool) {
	if s.clock.Now().Sub(s.start) < s.duration {
		return Clip{}, false
	}
	return s.Flush()
}

// Flush captures and clears the buffer and restarts the window. It returns
// false when the buffer was empty.
func (s *Segmenter) Flush() (Clip, bool) {
	now := s.clock.Now()
	startedAt := s.start
	s.start = now

	if len(s.samples) == 0 {
		return Clip{}, false
	}

	captured := s.samples
	s.samples = nil
	s.flushed += uint64(len(captured))
	s.clips++

	return Clip{
		Samples:   len(captured),
		WAV:       audio.EncodeWAV(captured, s.sampleRate),
		Filename:  Filename(now),
		StartedAt: startedAt,
		FlushedAt: now,
		Duration:  audio.SamplesDuration(len(captured), s.sampleRate),
	}, true
}

// Buffered returns the number of samples waiting for the next flush.
func (s *Segmenter) Buffered() int { return len(s.samples) }

// Deadline returns the time at which the current window elapses.
func (s *Segmenter) Deadline() time.Time { return s.start.Add(s.duration) }

// Window returns the configured segment duration.
func (s *Segmenter) Window() time.Duration { return s.duration }

// Stats reports lifetime counters: samples appended, samples flushed into
// clips, and clips produced.
func (s *Segmenter) Stats() (appended, flushed, clips uint64) {
	return s.appended, s.flushed, s.clips
}

// Filename returns the clip name for a flush at t, e.g.
// "recording-2025-03-01T14-05-09-120Z.wav".
func Filename(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15-04-05.000") + "Z"
	return "recording-" + strings.ReplaceAll(stamp, ".", "-") + ".wav"
}

// Package mock provides test doubles for the stt package interfaces.
//
// Use LiveProvider to hand out scripted Streams and verify how often the
// caller opened one. Use Stream to push inbound events, simulate a remote
// closure, and inspect what was sent. Use BatchProvider to script clip
// transcription results.
//
// Example:
//
//	s := mock.NewStream()
//	p := &mock.LiveProvider{Streams: []*mock.Stream{s}}
//	st, _ := p.Open(ctx, cfg)
//	s.Push(stt.Event{Kind: stt.EventResults, Transcript: "hi"})
//	s.CloseRemote() // Recv now returns stt.ErrStreamClosed
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pendant/pkg/provider/stt"
)

// ─── LiveProvider ────────────────────────────────────────────────────────────

// LiveProvider is a mock implementation of [stt.LiveProvider].
type LiveProvider struct {
	mu sync.Mutex

	// Streams are returned by successive Open calls. Once exhausted, Open
	// creates a fresh Stream. Opened streams are appended to Opened.
	Streams []*Stream

	// OpenErrs, when non-empty, are consumed by successive Open calls before
	// any stream is handed out. A nil entry means "succeed".
	OpenErrs []error

	// Block, when non-nil, makes Open wait until it is closed or ctx is done.
	Block chan struct{}

	// OpenCalls records the config of every Open call.
	OpenCalls []stt.LiveConfig

	// Opened records every stream handed out, in order.
	Opened []*Stream
}

// Open records the call and returns the next scripted stream or error.
func (p *LiveProvider) Open(ctx context.Context, cfg stt.LiveConfig) (stt.Stream, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, cfg)
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.OpenErrs) > 0 {
		err := p.OpenErrs[0]
		p.OpenErrs = p.OpenErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var s *Stream
	if len(p.Streams) > 0 {
		s = p.Streams[0]
		p.Streams = p.Streams[1:]
	} else {
		s = NewStream()
	}
	p.Opened = append(p.Opened, s)
	return s, nil
}

// OpenCount returns the number of Open calls. Thread-safe.
func (p *LiveProvider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Last returns the most recently opened stream, or nil.
func (p *LiveProvider) Last() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Opened) == 0 {
		return nil
	}
	return p.Opened[len(p.Opened)-1]
}

// Ensure LiveProvider implements stt.LiveProvider at compile time.
var _ stt.LiveProvider = (*LiveProvider)(nil)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [stt.Stream].
type Stream struct {
	mu sync.Mutex

	// SendConfigErr, if non-nil, is returned by SendConfig.
	SendConfigErr error

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// CloseBlock, when non-nil, makes Close wait until it is closed before
	// ending the stream. Set it before the stream is handed out.
	CloseBlock chan struct{}

	// --- Call records ---

	// Configs records every SendConfig call.
	Configs []stt.LiveConfig

	// KeepAlives counts SendKeepAlive calls.
	KeepAlives int

	// Audio records a copy of every chunk accepted by SendAudio.
	Audio [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events chan stt.Event
	done   chan struct{}
	once   sync.Once
}

// NewStream returns an open Stream.
func NewStream() *Stream {
	return &Stream{
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SendConfig records the call.
func (s *Stream) SendConfig(_ context.Context, cfg stt.LiveConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return stt.ErrStreamClosed
	}
	s.Configs = append(s.Configs, cfg)
	return s.SendConfigErr
}

// SendKeepAlive records the call.
func (s *Stream) SendKeepAlive(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return stt.ErrStreamClosed
	}
	s.KeepAlives++
	return nil
}

// SendAudio records a copy of chunk.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return stt.ErrStreamClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.Audio = append(s.Audio, append([]byte(nil), chunk...))
	return nil
}

// Recv returns pushed events until the stream is closed from either side.
func (s *Stream) Recv(ctx context.Context) (stt.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return stt.Event{}, stt.ErrStreamClosed
	case <-ctx.Done():
		return stt.Event{}, ctx.Err()
	}
}

// Close records the call and ends the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	block := s.CloseBlock
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	s.once.Do(func() { close(s.done) })
	return nil
}

// Push delivers ev to the next Recv.
func (s *Stream) Push(ev stt.Event) {
	s.events <- ev
}

// CloseRemote simulates the service closing the stream. It does not count
// as a Close call.
func (s *Stream) CloseRemote() {
	s.once.Do(func() { close(s.done) })
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool { return s.isClosed() }

// KeepAliveCount returns the number of keep-alives sent. Thread-safe.
func (s *Stream) KeepAliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.KeepAlives
}

// AudioCount returns the number of audio chunks accepted. Thread-safe.
func (s *Stream) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audio)
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ConfigCount returns the number of SendConfig calls. Thread-safe.
func (s *Stream) ConfigCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Configs)
}

// Ensure Stream implements stt.Stream at compile time.
var _ stt.Stream = (*Stream)(nil)

// ─── BatchProvider ───────────────────────────────────────────────────────────

// TranscribeCall records a single invocation of BatchProvider.Transcribe.
type TranscribeCall struct {
	WAV  []byte
	Opts stt.BatchOptions
}

// BatchProvider is a mock implementation of [stt.BatchProvider].
type BatchProvider struct {
	mu sync.Mutex

	// Text is returned when Func is nil.
	Text string

	// Err is returned when Func is nil.
	Err error

	// Func, when set, computes the result of every call.
	Func func(ctx context.Context, wav []byte, opts stt.BatchOptions) (string, error)

	// Calls records every Transcribe call.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the scripted result.
func (b *BatchProvider) Transcribe(ctx context.Context, wav []byte, opts stt.BatchOptions) (string, error) {
	b.mu.Lock()
	b.Calls = append(b.Calls, TranscribeCall{WAV: wav, Opts: opts})
	fn, text, err := b.Func, b.Text, b.Err
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, wav, opts)
	}
	return text, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (b *BatchProvider) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

// Ensure BatchProvider implements stt.BatchProvider at compile time.
var _ stt.BatchProvider = (*BatchProvider)(nil)

package clips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/provider/stt"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
	defaultTimeout   = 60 * time.Second
)

var (
	// ErrQueueFull is returned by [Transcriber.Enqueue] when the backlog is
	// full.
	ErrQueueFull = errors.New("clips: transcription queue full")

	// ErrStopped is returned by [Transcriber.Enqueue] once [Transcriber.Run]
	// has returned.
	ErrStopped = errors.New("clips: transcriber stopped")
)

// namedTranscriber is implemented by backends that report which of several
// providers answered, such as resilience.BatchFallback.
type namedTranscriber interface {
	TranscribeNamed(ctx context.Context, wav []byte, opts stt.BatchOptions) (string, string, error)
}

// TranscriberConfig configures a [Transcriber].
type TranscriberConfig struct {
	// Store holds the clips to transcribe. Required.
	Store *Store

	// Provider performs batch transcription. Required.
	Provider stt.BatchProvider

	// Name labels metrics when the provider does not report its own.
	Name string

	// Language is the default recognition language ("auto" lets the
	// backend detect it).
	Language string

	// Workers is the number of queue consumers started by
	// [Transcriber.Run]. Defaults to 2.
	Workers int

	// QueueSize bounds the automatic transcription backlog. Defaults to 64.
	QueueSize int

	// Timeout bounds a single transcription. Defaults to 60s.
	Timeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnResult is called with the updated clip after every transcription,
	// including ones interrupted by shutdown. May be nil.
	OnResult func(Clip)
}

// Transcriber turns stored clips into text. Automatic transcription goes
// through a bounded queue drained by [Transcriber.Run]; on-demand requests
// call [Transcriber.Transcribe] directly.
type Transcriber struct {
	cfg      TranscriberConfig
	queue    chan string
	language atomic.Value // string

	mu      sync.Mutex // guards stopped and sends on queue
	stopped bool
}

// NewTranscriber creates a [Transcriber].
func NewTranscriber(cfg TranscriberConfig) *Transcriber {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Name == "" {
		cfg.Name = "batch"
	}
	t := &Transcriber{cfg: cfg, queue: make(chan string, cfg.QueueSize)}
	t.language.Store(cfg.Language)
	return t
}

// SetLanguage replaces the default recognition language for subsequent
// transcriptions.
func (t *Transcriber) SetLanguage(language string) { t.language.Store(language) }

// Language returns the default recognition language.
func (t *Transcriber) Language() string { return t.language.Load().(string) }

// Enqueue marks the clip pending and schedules it for the workers. It never
// blocks.
func (t *Transcriber) Enqueue(ref string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if _, err := t.cfg.Store.update(ref, func(c *Clip) {
		c.Status = StatusPending
		c.Transcript = TextPending
	}); err != nil {
		return err
	}
	select {
	case t.queue <- ref:
		return nil
	default:
		_, _ = t.cfg.Store.update(ref, resetStatus)
		slog.Warn("clip transcription queue full", "ref", ref, "queue_size", t.cfg.QueueSize)
		return ErrQueueFull
	}
}

// Run drains the queue with the configured number of workers until ctx is
// cancelled. Clips still queued at that point return to [StatusNone] and
// later Enqueue calls fail with [ErrStopped].
func (t *Transcriber) Run(ctx context.Context) error {
	defer t.stop()

	g, ctx := errgroup.WithContext(ctx)
	for range t.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ref := <-t.queue:
					if _, err := t.Transcribe(ctx, ref, ""); err != nil && !errors.Is(err, ErrNotFound) {
						slog.Debug("queued clip transcription failed", "ref", ref, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

func (t *Transcriber) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	for {
		select {
		case ref := <-t.queue:
			t.interrupted(ref)
		default:
			return
		}
	}
}

// interrupted returns a clip whose transcription never completed to
// [StatusNone].
func (t *Transcriber) interrupted(ref string) {
	c, err := t.cfg.Store.update(ref, resetStatus)
	if err != nil {
		return
	}
	slog.Debug("clip transcription interrupted", "ref", ref)
	if t.cfg.OnResult != nil {
		t.cfg.OnResult(c)
	}
}

func resetStatus(c *Clip) {
	c.Status = StatusNone
	c.Transcript = ""
	c.Error = ""
}

// Transcribe transcribes the stored clip synchronously and records the
// outcome on it. An empty language uses the configured default. A backend
// failure marks the clip failed and is returned; an empty result marks it
// empty and is not an error. When ctx is cancelled mid-call the clip returns
// to [StatusNone] and the context error is returned.
func (t *Transcriber) Transcribe(ctx context.Context, ref, language string) (Clip, error) {
	parent := ctx
	c, err := t.cfg.Store.Get(ref)
	if err != nil {
		return Clip{}, err
	}
	if language == "" {
		language = t.Language()
	}
	if _, err := t.cfg.Store.update(ref, func(c *Clip) {
		c.Status = StatusPending
		c.Transcript = TextPending
		c.Error = ""
	}); err != nil {
		return Clip{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "clips.transcribe",
		observe.AttrClip.String(ref),
		observe.AttrLanguage.String(language),
		observe.AttrSamples.Int(c.Samples),
	)
	defer span.End()

	start := time.Now()
	text, provider, err := t.call(ctx, c.WAV, stt.BatchOptions{Language: language})
	elapsed := time.Since(start)

	span.SetAttributes(observe.AttrProvider.String(provider))

	if err != nil && parent.Err() != nil {
		observe.RecordError(span, context.Canceled)
		t.interrupted(ref)
		return Clip{}, fmt.Errorf("clips: transcribe %s: %w", ref, parent.Err())
	}

	recorded := err
	if errors.Is(err, stt.ErrNoTranscript) {
		recorded = nil
	}
	t.cfg.Metrics.RecordTranscription(ctx, provider, elapsed, recorded)

	updated, uerr := t.cfg.Store.update(ref, func(c *Clip) {
		c.Provider = provider
		switch {
		case err == nil && text != "":
			c.Status = StatusDone
			c.Transcript = text
		case err == nil || errors.Is(err, stt.ErrNoTranscript):
			c.Status = StatusEmpty
			c.Transcript = TextEmpty
		default:
			c.Status = StatusFailed
			c.Transcript = TextFailed
			c.Error = err.Error()
		}
	})
	if uerr != nil {
		// Evicted while in flight.
		return Clip{}, uerr
	}

	if updated.Status == StatusDone {
		t.cfg.Metrics.RecordTranscript(ctx, "batch", true)
	}
	if updated.Status == StatusFailed {
		observe.RecordError(span, err)
		observe.Logger(ctx).Warn("clip transcription failed", "ref", ref, "provider", provider, "error", err)
	} else {
		observe.Logger(ctx).Info("clip transcribed", "ref", ref, "provider", provider, "status", string(updated.Status), "duration", elapsed)
	}
	if t.cfg.OnResult != nil {
		t.cfg.OnResult(updated)
	}
	if updated.Status == StatusFailed {
		return updated, fmt.Errorf("clips: transcribe %s: %w", ref, err)
	}
	return updated, nil
}

func (t *Transcriber) call(ctx context.Context, wav []byte, opts stt.BatchOptions) (string, string, error) {
	if n, ok := t.cfg.Provider.(namedTranscriber); ok {
		text, name, err := n.TranscribeNamed(ctx, wav, opts)
		if name == "" {
			name = t.cfg.Name
		}
		return text, name, err
	}
	text, err := t.cfg.Provider.Transcribe(ctx, wav, opts)
	return text, t.cfg.Name, err
}

// Package app wires all pendant subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the event loops and the HTTP API, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithClock, WithMetrics,
// WithListener, etc.). When an option is not provided, New uses the real
// implementation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pendant/internal/clips"
	"github.com/MrWong99/pendant/internal/clock"
	"github.com/MrWong99/pendant/internal/config"
	"github.com/MrWong99/pendant/internal/health"
	"github.com/MrWong99/pendant/internal/httpapi"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/internal/pipeline"
	"github.com/MrWong99/pendant/internal/resilience"
	"github.com/MrWong99/pendant/internal/session"
	"github.com/MrWong99/pendant/internal/transcribe"
	"github.com/MrWong99/pendant/pkg/audio/segment"
	"github.com/MrWong99/pendant/pkg/peripheral"
	"github.com/MrWong99/pendant/pkg/provider/stt"
)

const gracefulStopTimeout = 5 * time.Second

// Providers holds the external dependencies built from the config registry.
// Nil Live or Batch disables that kind of transcription.
type Providers struct {
	Transport peripheral.Transport

	Live     stt.LiveProvider
	LiveName string

	Batch     stt.BatchProvider
	BatchName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	clock          clock.Clock
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	listener       net.Listener
	configPath     string
	watchInterval  time.Duration

	// Subsystems, initialised in New.
	device      *session.Manager
	live        *transcribe.Manager
	coord       *pipeline.Coordinator
	store       *clips.Store
	transcriber *clips.Transcriber
	hub         *httpapi.Hub
	health      *health.Handler
	server      *httpapi.Server

	autoTranscribe atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithClock injects the clock used for timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener makes Run serve the HTTP API on ln instead of listening on
// the configured address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch makes Run watch path and apply hot-reloadable changes.
// A zero interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Providers come from
// main.go (populated via the config registry).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Transport == nil {
		return nil, errors.New("app: a device transport is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.clock == nil {
		a.clock = clock.Real{}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.autoTranscribe.Store(cfg.Clips.Auto())

	a.hub = httpapi.NewHub(0)
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})

	// ── 1. Clip store + batch transcription ─────────────────────────────
	a.store = clips.NewStore(cfg.Clips.MaxClips, a.clock)
	a.initTranscriber()

	// ── 2. Live transcription ────────────────────────────────────────────
	a.initLive()

	// ── 3. Device connection ─────────────────────────────────────────────
	a.initDevice()

	// ── 4. Pipeline coordinator ──────────────────────────────────────────
	a.initCoordinator()

	// ── 5. HTTP API ──────────────────────────────────────────────────────
	a.health = health.New(a.checkers()...)
	a.server = httpapi.New(httpapi.Config{
		Backend:        a,
		Hub:            a.hub,
		Health:         a.health,
		MetricsHandler: a.metricsHandler,
		Metrics:        a.metrics,
	})

	return a, nil
}

func (a *App) initTranscriber() {
	if a.providers.Batch == nil {
		slog.Warn("no batch transcription provider configured, clips will not be transcribed")
		return
	}
	a.transcriber = clips.NewTranscriber(clips.TranscriberConfig{
		Store:    a.store,
		Provider: a.providers.Batch,
		Name:     a.providers.BatchName,
		Language: a.cfg.Transcription.Language,
		Workers:  a.cfg.Clips.Workers,
		Metrics:  a.metrics,
		OnResult: func(c clips.Clip) {
			a.hub.Publish(httpapi.Event{Type: httpapi.EventClip, Clip: &c})
		},
	})
}

func (a *App) initLive() {
	if a.providers.Live == nil {
		slog.Info("live transcription disabled")
		return
	}
	a.live = transcribe.New(transcribe.Config{
		Provider:  a.providers.Live,
		Name:      a.providers.LiveName,
		Live:      liveConfig(a.cfg),
		KeepAlive: a.cfg.Transcription.KeepAliveInterval,
		Clock:     a.clock,
		Metrics:   a.metrics,
		OnTranscript: func(text string, final bool) {
			a.hub.Publish(httpapi.Event{Type: httpapi.EventTranscript, Text: text, Final: final})
		},
		OnError: func(err error) {
			a.hub.Publish(httpapi.Event{Type: httpapi.EventError, Error: err.Error()})
		},
	})
	a.closers = append(a.closers, func() error {
		a.live.Stop()
		a.live.Wait()
		return nil
	})
}

func (a *App) initDevice() {
	dc := a.cfg.Device
	a.device = session.NewManager(session.ManagerConfig{
		Transport:       a.providers.Transport,
		ServiceUUID:     dc.ServiceUUID,
		AudioCharUUID:   dc.AudioCharacteristic,
		CommandCharUUID: dc.CommandCharacteristic,
		MaxAttempts:     dc.MaxConnectionAttempts,
		RetryDelay:      dc.ReconnectDelay,
		ScanTimeout:     dc.ScanTimeout,
		Clock:           a.clock,
		Metrics:         a.metrics,
		OnStatus: func(connected bool, status string) {
			a.hub.Publish(httpapi.Event{Type: httpapi.EventDevice, Connected: connected, Status: status})
		},
		OnPacket: func(payload []byte) {
			a.coord.HandlePacket(payload)
		},
		OnReconnected: func() {
			a.coord.DeviceReconnected()
		},
		OnTerminal: func(err error) {
			a.coord.DeviceLost(err)
			a.hub.Publish(httpapi.Event{Type: httpapi.EventError, Error: err.Error()})
		},
	})
	a.closers = append(a.closers, a.device.Disconnect)
}

func (a *App) initCoordinator() {
	var live pipeline.LiveSession
	if a.live != nil {
		live = a.live
	}
	a.coord = pipeline.New(pipeline.Config{
		Device:          a.device,
		Live:            live,
		Codec:           a.cfg.Device.Codec,
		SampleRate:      a.cfg.Audio.SampleRate,
		SegmentDuration: a.cfg.Audio.SegmentDuration,
		StartCommand:    []byte(a.cfg.Device.StartCommand),
		StopCommand:     []byte(a.cfg.Device.StopCommand),
		StopDelay:       a.cfg.Device.StopDelay,
		Clock:           a.clock,
		Metrics:         a.metrics,
		OnClip:          a.saveClip,
		OnState: func(s pipeline.State, reason string) {
			a.hub.Publish(httpapi.Event{Type: httpapi.EventRecording, Status: s.String(), Text: reason})
		},
	})
}

// saveClip stores a flushed clip and queues it for transcription. It runs on
// the coordinator goroutine and never blocks.
func (a *App) saveClip(clip segment.Clip) {
	ref := a.store.Save(clip.WAV, clip.Filename)
	if a.transcriber != nil && a.autoTranscribe.Load() {
		if err := a.transcriber.Enqueue(ref); err != nil {
			slog.Warn("clip not queued for transcription", "ref", ref, "err", err)
		}
	}
	if c, err := a.store.Get(ref); err == nil {
		a.hub.Publish(httpapi.Event{Type: httpapi.EventClip, Clip: &c})
	}
}

func (a *App) checkers() []health.Checker {
	cs := []health.Checker{health.Connected("device", a.device.Connected)}
	if a.live != nil {
		cs = append(cs, health.State("live", func() string { return a.live.State().String() },
			transcribe.StateClosed.String(), transcribe.StateOpening.String(), transcribe.StateOpen.String()))
	}
	if fb, ok := a.providers.Batch.(*resilience.BatchFallback); ok {
		cs = append(cs, batchChecker(fb))
	}
	return cs
}

// batchChecker degrades readiness while every batch provider's circuit is
// open.
func batchChecker(fb *resilience.BatchFallback) health.Checker {
	return health.Checker{
		Name:     "batch",
		Optional: true,
		Check: func(context.Context) error {
			states := fb.States()
			var open []string
			for name, s := range states {
				if s == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(open) == 0 || len(open) < len(states) {
				return nil
			}
			sort.Strings(open)
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		},
	}
}

// liveConfig derives the streaming session configuration. Audio is always
// forwarded as decoded 16-bit PCM.
func liveConfig(cfg *config.Config) stt.LiveConfig {
	lc := stt.DefaultLiveConfig(cfg.Audio.SampleRate)
	entry := cfg.Transcription.Live
	if entry.Model != "" {
		lc.Model = entry.Model
	}
	if lang := entry.OptString("language"); lang != "" {
		lc.Language = lang
	}
	return lc
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the coordinator, the clip workers, the HTTP API and the config
// watcher, and blocks until ctx is cancelled or one of them fails. An active
// recording is stopped gracefully, including the device stop command, before
// the event loops exit.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	// Subsystems run on their own context so they outlive ctx long enough
	// for the graceful stop below.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return a.coord.Run(gctx) })
	if a.transcriber != nil {
		g.Go(func() error { return a.transcriber.Run(gctx) })
	}
	g.Go(func() error { return a.server.Serve(gctx, ln) })

	if a.configPath != "" {
		wopts := []config.WatcherOption{config.WithClock(a.clock)}
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.configPath, a.cfg, a.applyReload, wopts...)
		if err != nil {
			slog.Warn("config watcher disabled", "path", a.configPath, "err", err)
		} else {
			defer w.Stop()
		}
	}

	if a.cfg.Device.AutoConnect {
		g.Go(func() error {
			if err := a.device.Connect(gctx); err != nil {
				slog.Warn("auto-connect failed", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		a.stopGracefully()
		cancel()
		return nil
	})

	slog.Info("app running",
		"addr", ln.Addr().String(),
		"live", a.live != nil,
		"batch", a.transcriber != nil,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// stopGracefully ends an active recording through the normal stop path so
// the device receives the stop command and the final clip is flushed.
func (a *App) stopGracefully() {
	if !a.coord.Recording() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
	defer cancel()
	if err := a.coord.StopRecording(ctx); err != nil && !errors.Is(err, pipeline.ErrNotRecording) {
		slog.Warn("graceful recording stop failed", "err", err)
	}
}

// applyReload applies the hot-reloadable part of a configuration change and
// logs what needs a restart.
func (a *App) applyReload(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LanguageChanged && a.transcriber != nil {
		a.transcriber.SetLanguage(d.NewLanguage)
		slog.Info("transcription language changed", "language", d.NewLanguage)
	}
	if d.AutoTranscribeChanged {
		a.autoTranscribe.Store(d.NewAutoTranscribe)
		slog.Info("auto transcription changed", "enabled", d.NewAutoTranscribe)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Backend ─────────────────────────────────────────────────────────────────

var _ httpapi.Backend = (*App)(nil)

// Status implements [httpapi.Backend].
func (a *App) Status() httpapi.Status {
	snap := a.coord.Snapshot()
	st := httpapi.Status{
		Device:     a.device.State().String(),
		DeviceName: a.device.DeviceName(),
		Connected:  a.device.Connected(),
		Attempts:   a.device.Attempts(),
		Recording:  snap.State.String(),
		Packets:    snap.Packets,
		Buffered:   snap.Buffered,
		Live:       "disabled",
		Clips:      a.store.Len(),
	}
	if snap.State != pipeline.StateIdle && !snap.Started.IsZero() {
		started := snap.Started
		st.Since = &started
	}
	if a.live != nil {
		st.Live = a.live.State().String()
	}
	return st
}

// Connect implements [httpapi.Backend].
func (a *App) Connect(ctx context.Context) error {
	return a.device.Connect(ctx)
}

// Disconnect implements [httpapi.Backend]. An active recording is stopped
// first.
func (a *App) Disconnect() error {
	a.stopGracefully()
	return a.device.Disconnect()
}

// StartRecording implements [httpapi.Backend].
func (a *App) StartRecording(ctx context.Context) error {
	return a.coord.StartRecording(ctx)
}

// StopRecording implements [httpapi.Backend].
func (a *App) StopRecording(ctx context.Context) error {
	return a.coord.StopRecording(ctx)
}

// Clips implements [httpapi.Backend].
func (a *App) Clips() []clips.Clip { return a.store.List() }

// Clip implements [httpapi.Backend].
func (a *App) Clip(ref string) (clips.Clip, error) { return a.store.Get(ref) }

// TranscribeClip implements [httpapi.Backend].
func (a *App) TranscribeClip(ctx context.Context, ref, language string) (clips.Clip, error) {
	if a.transcriber == nil {
		if _, err := a.store.Get(ref); err != nil {
			return clips.Clip{}, err
		}
		return clips.Clip{}, fmt.Errorf("app: batch transcription: %w", stt.ErrNotConfigured)
	}
	return a.transcriber.Transcribe(ctx, ref, language)
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the device and closes the live session and the event
// feed. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				err = ctx.Err()
				return
			}
			if cerr := a.closers[i](); cerr != nil {
				slog.Warn("closer error", "index", i, "err", cerr)
			}
		}
		slog.Info("shutdown complete")
	})
	return err
}

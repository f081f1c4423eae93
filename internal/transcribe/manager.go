// Package transcribe owns the live transcription session used while a
// recording is active. It opens a streaming STT session, keeps it alive,
// forwards audio, dispatches inbound results and reopens the session when it
// closes underneath an active recording.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pendant/internal/clock"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/provider/stt"
)

// Default session parameters.
const (
	defaultKeepAlive      = 3 * time.Second
	defaultOpenTimeout    = 10 * time.Second
	defaultReopenInterval = 1 * time.Second
	defaultMaxFailures    = 3
	sendTimeout           = 2 * time.Second
)

var (
	// ErrLiveUnavailable is reported to [Config.OnError] when consecutive
	// open attempts keep failing. Recording continues without live
	// transcripts.
	ErrLiveUnavailable = errors.New("transcribe: live transcription unavailable")

	// ErrService wraps error messages sent by the transcription service.
	// The session stays open.
	ErrService = errors.New("transcribe: service error")
)

// State is the live session state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	StateReconnecting
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a [Manager].
type Config struct {
	// Provider opens streaming sessions. Required.
	Provider stt.LiveProvider

	// Name labels metrics and logs (e.g., "deepgram").
	Name string

	// Live is sent as the session configuration on every open.
	Live stt.LiveConfig

	// KeepAlive is the keep-alive period. Defaults to 3s.
	KeepAlive time.Duration

	// OpenTimeout bounds a single open attempt. Defaults to 10s.
	OpenTimeout time.Duration

	// ReopenInterval is the minimum spacing between open attempts triggered
	// by forwarded audio. A session that closes sooner than this after opening
	// is reopened once the interval has passed. Defaults to 1s.
	ReopenInterval time.Duration

	// MaxFailures is the number of consecutive failed opens after which
	// [ErrLiveUnavailable] is reported. Defaults to 3.
	MaxFailures int

	// Clock drives keep-alives and reopen spacing. Defaults to [clock.Real].
	Clock clock.Clock

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnTranscript receives every non-empty transcript fragment. It runs on
	// the session's read goroutine. May be nil.
	OnTranscript func(text string, final bool)

	// OnError receives service errors and [ErrLiveUnavailable]. May be nil.
	OnError func(err error)
}

// Manager is the live transcription session state machine:
//
//	Closed → Opening → Open → Closing → Closed
//	Open → Reconnecting → Open | Closed
//
// [Manager.Start] marks recording active and opens a session in the
// background. [Manager.Stop] marks it inactive, cancels any in-flight open and
// closes the session in the background. A generation counter, bumped by both, keeps late opens,
// keep-alive ticks and read loops from touching a newer session.
//
// All methods are safe for concurrent use and never block on the network.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	state     State
	active    bool
	gen       uint64
	stream    stt.Stream
	draining  stt.Stream
	cancel    context.CancelFunc
	keepAlive clock.Timer
	reopen    clock.Timer
	lastOpen  time.Time
	openedAt  time.Time
	failures  int
	wg        sync.WaitGroup
}

// New creates a [Manager] in the Closed state.
func New(cfg Config) *Manager {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.ReopenInterval <= 0 {
		cfg.ReopenInterval = defaultReopenInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Name == "" {
		cfg.Name = "live"
	}
	return &Manager{cfg: cfg}
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether recording is active.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start marks recording active and opens a session in the background. It is
// a no-op while already active.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	m.active = true
	m.gen++
	m.failures = 0
	m.startOpenLocked(m.gen, StateOpening)
}

// Stop marks recording inactive, cancels an in-flight open, disarms the
// keep-alive and closes the session. Closing runs in the background, so Stop
// returns without waiting for the service; [Manager.Wait] joins it. It is
// idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active && (m.state == StateClosed || m.state == StateClosing) {
		return
	}
	m.active = false
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.disarmLocked()
	st := m.stream
	m.stream = nil
	if st == nil {
		m.state = StateClosed
		slog.Debug("live session stopped", "provider", m.cfg.Name)
		return
	}

	// Results the service flushes while closing are still delivered.
	m.state = StateClosing
	m.draining = st
	gen := m.gen
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := st.Close(); err != nil {
			slog.Warn("live session close failed", "provider", m.cfg.Name, "error", err)
		}
		m.mu.Lock()
		if m.draining == st {
			m.draining = nil
		}
		if m.gen == gen {
			m.state = StateClosed
		}
		m.mu.Unlock()
		slog.Debug("live session stopped", "provider", m.cfg.Name)
	}()
}

// Wait blocks until every background open and read loop has returned. Call
// it after [Manager.Stop] during shutdown.
func (m *Manager) Wait() { m.wg.Wait() }

// Forward sends one chunk of little-endian PCM to the open session. While
// recording is active but no session is open, it triggers a background reopen
// (at most one per ReopenInterval) and drops the chunk. It reports whether
// the chunk was handed to the session.
func (m *Manager) Forward(chunk []byte) bool {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return false
	}
	if m.state != StateOpen || m.stream == nil {
		if m.state == StateClosed && m.cfg.Clock.Now().Sub(m.lastOpen) >= m.cfg.ReopenInterval {
			slog.Info("live session not open, reopening", "provider", m.cfg.Name)
			m.startOpenLocked(m.gen, StateReconnecting)
		}
		m.mu.Unlock()
		m.cfg.Metrics.RecordDroppedFrame(context.Background(), "live_closed")
		return false
	}
	st := m.stream
	m.mu.Unlock()

	if err := st.SendAudio(chunk); err != nil {
		reason := "live_closed"
		if errors.Is(err, stt.ErrBackpressure) {
			reason = "backpressure"
		}
		m.cfg.Metrics.RecordDroppedFrame(context.Background(), reason)
		return false
	}
	return true
}

// startOpenLocked launches an open attempt for gen. m.mu must be held.
func (m *Manager) startOpenLocked(gen uint64, s State) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpenTimeout)
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.state = s
	m.lastOpen = m.cfg.Clock.Now()
	reopen := s == StateReconnecting

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.open(ctx, gen, reopen)
	}()
}

// open dials the provider, sends the configuration and an initial
// keep-alive, then publishes the stream if gen is still current.
func (m *Manager) open(ctx context.Context, gen uint64, reopen bool) {
	st, err := m.cfg.Provider.Open(ctx, m.cfg.Live)
	if err == nil {
		err = st.SendConfig(ctx, m.cfg.Live)
		if err == nil {
			err = st.SendKeepAlive(ctx)
		}
		if err != nil {
			_ = st.Close()
			st = nil
		}
	}

	m.mu.Lock()
	if m.gen != gen || !m.active {
		m.mu.Unlock()
		if st != nil {
			_ = st.Close()
		}
		return
	}
	m.cancel = nil

	if err != nil {
		m.failures++
		failures := m.failures
		m.state = StateClosed
		m.mu.Unlock()

		if reopen {
			m.cfg.Metrics.RecordLiveReopen(context.Background(), "error")
		}
		slog.Warn("live session open failed", "provider", m.cfg.Name, "failures", failures, "error", err)
		if failures == m.cfg.MaxFailures {
			m.report(fmt.Errorf("%w after %d attempts: %w", ErrLiveUnavailable, failures, err))
		}
		return
	}

	m.failures = 0
	m.stream = st
	m.state = StateOpen
	m.openedAt = m.cfg.Clock.Now()
	m.armLocked(gen, st)
	m.wg.Add(1)
	m.mu.Unlock()

	if reopen {
		m.cfg.Metrics.RecordLiveReopen(context.Background(), "ok")
	}
	slog.Info("live session open", "provider", m.cfg.Name, "reopen", reopen)
	go m.readLoop(gen, st)
}

// readLoop dispatches inbound events until the stream ends.
func (m *Manager) readLoop(gen uint64, st stt.Stream) {
	defer m.wg.Done()
	ctx := context.Background()
	for {
		ev, err := st.Recv(ctx)
		if err != nil {
			m.closed(gen, st, err)
			return
		}
		if !m.delivers(gen, st) {
			continue
		}
		switch ev.Kind {
		case stt.EventResults:
			if ev.Transcript == "" {
				continue
			}
			m.cfg.Metrics.RecordTranscript(ctx, "live", ev.IsFinal)
			if m.cfg.OnTranscript != nil {
				m.cfg.OnTranscript(ev.Transcript, ev.IsFinal)
			}
		case stt.EventError:
			slog.Warn("live transcription service error", "provider", m.cfg.Name, "message", ev.Message)
			m.report(fmt.Errorf("%w: %s", ErrService, ev.Message))
		}
	}
}

// closed handles the end of st. A closure of the current stream while
// recording is active reopens immediately, unless the stream closed within
// ReopenInterval of opening; then the reopen waits out the rest of the
// interval.
func (m *Manager) closed(gen uint64, st stt.Stream, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.stream != st {
		m.mu.Unlock()
		return
	}
	m.disarmLocked()
	m.stream = nil
	if !m.active {
		m.state = StateClosed
		m.mu.Unlock()
		_ = st.Close()
		return
	}
	wait := m.cfg.ReopenInterval - m.cfg.Clock.Now().Sub(m.openedAt)
	if wait <= 0 {
		m.startOpenLocked(gen, StateReconnecting)
	} else {
		m.state = StateClosed
		m.reopen = m.cfg.Clock.AfterFunc(wait, func() { m.reopenAfterWait(gen) })
	}
	m.mu.Unlock()

	_ = st.Close()
	slog.Warn("live session closed unexpectedly", "provider", m.cfg.Name, "error", cause, "reopen_in", max(wait, 0))
}

// reopenAfterWait reopens a session that closed too soon after opening,
// unless it was stopped or forwarded audio already reopened it.
func (m *Manager) reopenAfterWait(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reopen = nil
	if m.gen != gen || !m.active || m.state != StateClosed {
		return
	}
	m.startOpenLocked(gen, StateReconnecting)
}

// armLocked schedules the next keep-alive for st. m.mu must be held.
func (m *Manager) armLocked(gen uint64, st stt.Stream) {
	m.keepAlive = m.cfg.Clock.AfterFunc(m.cfg.KeepAlive, func() { m.tick(gen, st) })
}

func (m *Manager) disarmLocked() {
	if m.keepAlive != nil {
		m.keepAlive.Stop()
		m.keepAlive = nil
	}
	if m.reopen != nil {
		m.reopen.Stop()
		m.reopen = nil
	}
}

// tick sends one keep-alive and re-arms the timer while st is current.
func (m *Manager) tick(gen uint64, st stt.Stream) {
	if !m.owns(gen, st) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	err := st.SendKeepAlive(ctx)
	cancel()
	if err != nil {
		slog.Debug("live keep-alive failed", "provider", m.cfg.Name, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen && m.stream == st {
		m.armLocked(gen, st)
	}
}

func (m *Manager) owns(gen uint64, st stt.Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.stream == st
}

// delivers reports whether events read from st are still dispatched: st is
// the current stream or the one being closed by Stop.
func (m *Manager) delivers(gen uint64, st stt.Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.gen == gen && m.stream == st) || m.draining == st
}

func (m *Manager) report(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

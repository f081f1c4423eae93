// Package session manages the link to the capture device: discovery,
// connection, notification subscription, command writes and bounded
// automatic reconnection after an unexpected loss.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pendant/internal/clock"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/peripheral"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 1 * time.Second
	defaultScanTimeout = 15 * time.Second
)

var (
	// ErrNotConnected is returned by [Manager.Send] outside the Connected
	// state.
	ErrNotConnected = errors.New("session: device not connected")

	// ErrBusy is returned by [Manager.Connect] while a connection sequence or
	// reconnection is already in progress.
	ErrBusy = errors.New("session: connection already in progress")

	// ErrReconnectExhausted is reported to [ManagerConfig.OnTerminal] after the
	// last automatic reconnection attempt fails.
	ErrReconnectExhausted = errors.New("session: reconnection attempts exhausted")

	// errSuperseded aborts a connection sequence overtaken by Disconnect.
	errSuperseded = errors.New("session: connection superseded")
)

// State is the device connection state.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateSubscribing
	StateConnected
	StateDisconnected
	StateReconnecting
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Transport discovers and opens devices. Required.
	Transport peripheral.Transport

	// ServiceUUID is the GATT service advertised by the device. Required.
	ServiceUUID string

	// AudioCharUUID is the notify characteristic carrying audio. Required.
	AudioCharUUID string

	// CommandCharUUID is the characteristic commands are written to.
	// Required.
	CommandCharUUID string

	// MaxAttempts is the number of automatic reconnection attempts after an
	// unexpected loss. Defaults to 3 if zero.
	MaxAttempts int

	// RetryDelay is the fixed delay before each reconnection attempt.
	// Defaults to 1s if zero.
	RetryDelay time.Duration

	// ScanTimeout bounds discovery. Defaults to 15s if zero.
	ScanTimeout time.Duration

	// Clock schedules retries. Defaults to [clock.Real].
	Clock clock.Clock

	// Metrics records reconnection outcomes. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnStatus is called after every state transition with the connectivity
	// flag and a human-readable status line. May be nil.
	OnStatus func(connected bool, status string)

	// OnPacket receives every notification payload. It runs on a transport
	// goroutine. May be nil.
	OnPacket func(payload []byte)

	// OnReconnected is called after an automatic reconnection succeeds. May
	// be nil.
	OnReconnected func()

	// OnTerminal is called once when automatic reconnection gives up. The
	// error wraps [ErrReconnectExhausted]. May be nil.
	OnTerminal func(err error)
}

// Manager is the device connection state machine:
//
//	Idle → Discovering → Connecting → Subscribing → Connected
//	Connected → Disconnected → Reconnecting → Connected | Idle
//
// Any state returns to Idle on [Manager.Disconnect]. A generation counter
// invalidates timers, callbacks and connection sequences that were started
// before the most recent Disconnect.
//
// All methods are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	state    State
	device   peripheral.Device
	name     string
	attempts int
	gen      uint64
	retry    clock.Timer
	cancel   context.CancelFunc
}

// NewManager creates a [Manager] in the Idle state.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = defaultScanTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{cfg: cfg}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the state is Connected.
func (m *Manager) Connected() bool { return m.State() == StateConnected }

// DeviceName returns the name of the connected device, or "" when none.
func (m *Manager) DeviceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Attempts returns the number of reconnection attempts made since the last
// successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect runs the discovery and connection sequence once. It does not retry;
// failures return the device to Idle and are reported with an error wrapping
// one of the peripheral sentinels. Connect on a connected manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateIdle, StateDisconnected:
	default:
		m.mu.Unlock()
		return ErrBusy
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()

	dev, err := m.establish(ctx, gen, false)
	if err != nil {
		observe.RecordError(span, err)
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return fmt.Errorf("session: connect: %w", context.Canceled)
		}
		m.state = StateIdle
		m.cancel = nil
		m.mu.Unlock()
		m.notify(false, "Connection failed: "+err.Error())
		observe.Logger(ctx).Warn("device connect failed", "error", err)
		return fmt.Errorf("session: connect: %w", err)
	}

	if !m.commit(gen, dev) {
		_ = dev.Disconnect()
		observe.RecordError(span, context.Canceled)
		return fmt.Errorf("session: connect: %w", context.Canceled)
	}
	span.SetAttributes(observe.AttrDevice.String(dev.Name()))
	observe.Logger(ctx).Info("device connected", "name", dev.Name())
	return nil
}

// establish performs availability check, discovery, connection and
// subscription. When reconnecting, intermediate states are not published.
func (m *Manager) establish(ctx context.Context, gen uint64, reconnecting bool) (peripheral.Device, error) {
	step := func(s State, status string) error {
		if reconnecting {
			if !m.current(gen) {
				return errSuperseded
			}
			return nil
		}
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return errSuperseded
		}
		m.state = s
		m.mu.Unlock()
		m.notify(false, status)
		return nil
	}

	if err := m.cfg.Transport.Available(ctx); err != nil {
		return nil, err
	}

	if err := step(StateDiscovering, "Searching for device..."); err != nil {
		return nil, err
	}
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	dev, err := m.cfg.Transport.Discover(scanCtx, m.cfg.ServiceUUID)
	cancel()
	if err != nil {
		return nil, err
	}

	if err := step(StateConnecting, "Connecting to "+displayName(dev)+"..."); err != nil {
		return nil, err
	}
	dev.OnDisconnect(func(err error) { m.lost(gen, err) })
	if err := dev.Connect(ctx); err != nil {
		return nil, err
	}

	if err := step(StateSubscribing, "Subscribing to audio notifications..."); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	onPacket := m.cfg.OnPacket
	err = dev.Subscribe(ctx, m.cfg.ServiceUUID, m.cfg.AudioCharUUID, func(p []byte) {
		if onPacket != nil && m.current(gen) {
			onPacket(p)
		}
	})
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	return dev, nil
}

// commit publishes a freshly established device as Connected. It reports
// false when gen has been superseded.
func (m *Manager) commit(gen uint64, dev peripheral.Device) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.state = StateConnected
	m.device = dev
	m.name = dev.Name()
	m.attempts = 0
	m.cancel = nil
	m.mu.Unlock()

	m.cfg.Metrics.ConnectedDevices.Add(context.Background(), 1)
	m.notify(true, "Connected to "+displayName(dev))
	return true
}

// Send writes cmd to the command characteristic. A transport failure while
// connected is handled like an unexpected disconnect.
func (m *Manager) Send(ctx context.Context, cmd []byte) error {
	m.mu.Lock()
	if m.state != StateConnected || m.device == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	dev, gen := m.device, m.gen
	m.mu.Unlock()

	if err := dev.Write(ctx, m.cfg.ServiceUUID, m.cfg.CommandCharUUID, cmd); err != nil {
		if ctx.Err() == nil {
			slog.Warn("command write failed, treating as link loss", "command", string(cmd), "error", err)
			m.lost(gen, err)
		}
		return fmt.Errorf("session: send %q: %w", cmd, err)
	}
	return nil
}

// Disconnect returns to Idle from any state, cancels pending reconnection and
// any in-flight connection sequence, and releases the device. It is
// idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	prev := m.state
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	dev := m.device
	m.device = nil
	m.name = ""
	m.attempts = 0
	m.state = StateIdle
	m.mu.Unlock()

	if prev == StateIdle {
		return nil
	}
	if prev == StateConnected {
		m.cfg.Metrics.ConnectedDevices.Add(context.Background(), -1)
	}

	var err error
	if dev != nil {
		err = dev.Disconnect()
	}
	m.notify(false, "Disconnected")
	slog.Info("device disconnected", "previous_state", prev.String())
	if err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	return nil
}

// lost handles an unexpected link loss reported by the device or a failed
// write. Only a loss from Connected starts reconnection.
func (m *Manager) lost(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	dev := m.device
	m.device = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if dev != nil {
		_ = dev.Disconnect()
	}
	m.cfg.Metrics.ConnectedDevices.Add(context.Background(), -1)
	reason := "connection lost"
	if cause != nil {
		reason = cause.Error()
	}
	m.notify(false, "Disconnected: "+reason)
	slog.Warn("device link lost, reconnecting", "error", cause, "max_attempts", m.cfg.MaxAttempts)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.attempts = 0
	m.scheduleLocked(gen)
	m.mu.Unlock()
	m.notify(false, fmt.Sprintf("Reconnecting in %s...", m.cfg.RetryDelay))
}

// scheduleLocked arms the retry timer. m.mu must be held.
func (m *Manager) scheduleLocked(gen uint64) {
	m.retry = m.cfg.Clock.AfterFunc(m.cfg.RetryDelay, func() { m.reconnect(gen) })
}

// reconnect performs one automatic reconnection attempt.
func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.attempts++
	attempt := m.attempts
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.notify(false, fmt.Sprintf("Reconnecting (attempt %d/%d)...", attempt, m.cfg.MaxAttempts))
	slog.Info("attempting device reconnection", "attempt", attempt, "max_attempts", m.cfg.MaxAttempts)

	dev, err := m.establish(ctx, gen, true)
	if err == nil {
		if !m.commit(gen, dev) {
			_ = dev.Disconnect()
			return
		}
		m.cfg.Metrics.RecordDeviceReconnect(ctx, "ok")
		slog.Info("device reconnection successful", "attempt", attempt)
		if m.cfg.OnReconnected != nil {
			m.cfg.OnReconnected()
		}
		return
	}
	if errors.Is(err, errSuperseded) {
		return
	}
	m.cfg.Metrics.RecordDeviceReconnect(ctx, "error")
	slog.Warn("device reconnection attempt failed", "attempt", attempt, "error", err)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.cancel = nil
	if attempt < m.cfg.MaxAttempts {
		m.scheduleLocked(gen)
		m.mu.Unlock()
		return
	}
	m.state = StateIdle
	m.attempts = 0
	m.mu.Unlock()

	terminal := fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, err)
	m.notify(false, "Reconnection failed")
	slog.Error("device reconnection failed after max attempts", "max_attempts", m.cfg.MaxAttempts, "error", err)
	if m.cfg.OnTerminal != nil {
		m.cfg.OnTerminal(terminal)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) notify(connected bool, status string) {
	if m.cfg.OnStatus != nil {
		m.cfg.OnStatus(connected, status)
	}
}

func displayName(d peripheral.Device) string {
	if n := d.Name(); n != "" {
		return n
	}
	return "device"
}

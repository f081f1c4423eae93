// Package pipeline coordinates a recording: it owns the segmenter and routes
// device notifications into it and into the live transcription session.
//
// Every mutation happens on the goroutine running [Coordinator.Run].
// Notifications, backstop ticks and control requests are events on one
// ordered channel, so frames are appended in arrival order and no two flushes
// can race.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pendant/internal/clock"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/audio"
	"github.com/MrWong99/pendant/pkg/audio/segment"
)

const (
	defaultStopDelay   = 100 * time.Millisecond
	eventQueueSize     = 256
	commandSendTimeout = 2 * time.Second
)

var (
	// ErrNotConnected is returned by [Coordinator.StartRecording] when the
	// device is not connected.
	ErrNotConnected = errors.New("pipeline: device not connected")

	// ErrNotRecording is returned by [Coordinator.StopRecording] when no
	// recording is active.
	ErrNotRecording = errors.New("pipeline: not recording")

	// ErrStopped is returned by control calls after [Coordinator.Run] has
	// returned.
	ErrStopped = errors.New("pipeline: coordinator stopped")
)

// Device is the part of the device connection the coordinator drives.
type Device interface {
	Connected() bool
	Send(ctx context.Context, cmd []byte) error
}

// LiveSession is the live transcription session. Its methods are called on
// the event loop and must not block on the network.
type LiveSession interface {
	Start()
	Stop()
	Forward(chunk []byte) bool
}

// State is the recording state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a [Coordinator].
type Config struct {
	// Device receives the start and stop commands. Required.
	Device Device

	// Live receives audio while recording. May be nil.
	Live LiveSession

	// Codec selects the frame decoder. Defaults to [audio.CodecPCM16].
	Codec audio.Codec

	// SampleRate is the capture rate. Defaults to 16000.
	SampleRate int

	// SegmentDuration is both the clip window and the backstop period.
	// Defaults to 10s.
	SegmentDuration time.Duration

	// StartCommand and StopCommand are written to the device. Default to
	// "START" and "STOP".
	StartCommand []byte
	StopCommand  []byte

	// StopDelay separates closing the live session from writing the stop
	// command. Defaults to 100ms; negative disables it.
	StopDelay time.Duration

	// Clock defaults to [clock.Real].
	Clock clock.Clock

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnClip receives every flushed clip on the coordinator goroutine. It
	// must not block. May be nil.
	OnClip func(segment.Clip)

	// OnState is called on every recording state change with a human
	// readable reason. May be nil.
	OnState func(s State, reason string)
}

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	State    State
	Packets  uint64
	Buffered int
	Clips    uint64
	Started  time.Time
}

// Coordinator is the pipeline coordinator. Create it with [New] and run it
// with [Coordinator.Run].
type Coordinator struct {
	cfg    Config
	events chan event
	done   chan struct{}

	// Owned by the Run goroutine.
	seg         *segment.Segmenter
	state       State
	backstop    clock.Timer
	backstopGen uint64
	stopTimer   clock.Timer
	stopGen     uint64
	stopReply   []chan error
	starting    bool
	startGen    uint64
	startReply  []chan error
	stopPending []chan error

	mu   sync.Mutex
	snap Snapshot
}

// New creates a [Coordinator] in the idle state.
func New(cfg Config) *Coordinator {
	if cfg.Codec == "" {
		cfg.Codec = audio.CodecPCM16
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = segment.DefaultSampleRate
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = segment.DefaultDuration
	}
	if len(cfg.StartCommand) == 0 {
		cfg.StartCommand = []byte("START")
	}
	if len(cfg.StopCommand) == 0 {
		cfg.StopCommand = []byte("STOP")
	}
	if cfg.StopDelay == 0 {
		cfg.StopDelay = defaultStopDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Coordinator{
		cfg:    cfg,
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
		seg: segment.New(segment.Config{
			SampleRate: cfg.SampleRate,
			Duration:   cfg.SegmentDuration,
			Clock:      cfg.Clock,
		}),
	}
}

// ─── events ──────────────────────────────────────────────────────────────────

type event interface{ isEvent() }

type (
	packetEvent struct {
		payload []byte
		arrived time.Time
	}
	tickEvent      struct{ gen uint64 }
	stopDelayEvent struct{ gen uint64 }
	stopSentEvent  struct{ gen uint64 }
	startEvent     struct {
		ctx   context.Context
		reply chan error
	}
	startSentEvent struct {
		gen uint64
		err error
	}
	stopEvent        struct{ reply chan error }
	deviceLostEvent  struct{ cause error }
	reconnectedEvent struct{}
	syncEvent        struct{ reply chan struct{} }
)

func (packetEvent) isEvent()      {}
func (tickEvent) isEvent()        {}
func (stopDelayEvent) isEvent()   {}
func (stopSentEvent) isEvent()    {}
func (startEvent) isEvent()       {}
func (startSentEvent) isEvent()   {}
func (stopEvent) isEvent()        {}
func (deviceLostEvent) isEvent()  {}
func (reconnectedEvent) isEvent() {}
func (syncEvent) isEvent()        {}

// ─── public API ──────────────────────────────────────────────────────────────

// HandlePacket queues a raw notification payload. It never blocks; a payload
// that does not fit in the queue is dropped.
func (c *Coordinator) HandlePacket(payload []byte) {
	ev := packetEvent{payload: payload, arrived: c.cfg.Clock.Now()}
	select {
	case c.events <- ev:
	default:
		c.cfg.Metrics.RecordDroppedFrame(context.Background(), "queue_full")
	}
}

// StartRecording starts a recording. It fails with [ErrNotConnected] when the
// device is not connected and is a no-op while already recording.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, startEvent{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// StopRecording stops the live session, waits the stop delay, writes the stop
// command and flushes the remaining buffer. It fails with [ErrNotRecording]
// when idle. Concurrent calls during the stop delay all wait for the same
// stop.
func (c *Coordinator) StopRecording(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, stopEvent{reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// DeviceLost tears the recording down after the device is gone for good.
func (c *Coordinator) DeviceLost(cause error) {
	_ = c.post(context.Background(), deviceLostEvent{cause: cause})
}

// DeviceReconnected re-issues the start command if a recording is active.
func (c *Coordinator) DeviceReconnected() {
	_ = c.post(context.Background(), reconnectedEvent{})
}

// Sync returns once every event queued before it has been handled.
func (c *Coordinator) Sync(ctx context.Context) error {
	reply := make(chan struct{})
	if err := c.post(ctx, syncEvent{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current recording state and counters.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Recording reports whether a recording is active or stopping.
func (c *Coordinator) Recording() bool { return c.Snapshot().State != StateIdle }

func (c *Coordinator) post(ctx context.Context, ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── event loop ──────────────────────────────────────────────────────────────

// Run handles events until ctx is cancelled. An active recording is torn
// down, including its final flush, before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.teardown("shutdown")
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev := ev.(type) {
	case packetEvent:
		c.onPacket(ev)
	case tickEvent:
		c.onTick(ev.gen)
	case startEvent:
		c.onStart(ev.ctx, ev.reply)
	case startSentEvent:
		c.onStartSent(ev.gen, ev.err)
	case stopEvent:
		c.onStop(ev.reply)
	case stopDelayEvent:
		c.onStopDelay(ev.gen)
	case stopSentEvent:
		if ev.gen == c.stopGen && c.state == StateStopping {
			c.teardown("recording stopped")
		}
	case deviceLostEvent:
		if c.state != StateIdle {
			slog.Warn("device lost during recording", "error", ev.cause)
			c.teardown("device lost")
		}
	case reconnectedEvent:
		c.onReconnected()
	case syncEvent:
		close(ev.reply)
	}
}

func (c *Coordinator) onPacket(ev packetEvent) {
	ctx := context.Background()
	frame := audio.Decode(ev.payload, c.cfg.Codec, ev.arrived)
	c.cfg.Metrics.RecordPacket(ctx, string(c.cfg.Codec), frame.Len())
	if frame.Len() == 0 {
		return
	}

	c.mu.Lock()
	c.snap.Packets++
	c.mu.Unlock()

	if c.state == StateIdle {
		c.cfg.Metrics.RecordDroppedFrame(ctx, "not_recording")
		return
	}
	if clip, ok := c.seg.Append(frame); ok {
		c.emit(clip)
		c.armBackstop()
	}
	if c.state == StateRecording && c.cfg.Live != nil {
		c.cfg.Live.Forward(frame.Bytes())
	}
	c.publish()
}

func (c *Coordinator) onTick(gen uint64) {
	if gen != c.backstopGen || c.state == StateIdle {
		return
	}
	if clip, ok := c.seg.MaybeFlush(); ok {
		c.emit(clip)
	}
	c.armBackstop()
	c.publish()
}

// onStart validates the request and writes the start command off the loop.
// Concurrent requests while the command is in flight share its result.
func (c *Coordinator) onStart(ctx context.Context, reply chan error) {
	switch {
	case c.state == StateRecording:
		reply <- nil
		return
	case c.state == StateStopping:
		reply <- fmt.Errorf("pipeline: start: stop in progress")
		return
	case c.starting:
		c.startReply = append(c.startReply, reply)
		return
	case !c.cfg.Device.Connected():
		reply <- ErrNotConnected
		return
	}

	c.starting = true
	c.startGen++
	c.startReply = append(c.startReply, reply)
	gen := c.startGen
	go func() {
		err := c.cfg.Device.Send(ctx, c.cfg.StartCommand)
		_ = c.post(context.Background(), startSentEvent{gen: gen, err: err})
	}()
}

func (c *Coordinator) onStartSent(gen uint64, err error) {
	if gen != c.startGen || !c.starting {
		return
	}
	replies, stops := c.startReply, c.stopPending
	c.starting = false
	c.startReply, c.stopPending = nil, nil
	if err != nil {
		err = fmt.Errorf("pipeline: start: %w", err)
		slog.Warn("start command failed", "error", err)
	} else {
		c.begin()
	}
	for _, r := range replies {
		r <- err
	}
	for _, r := range stops {
		if err != nil {
			r <- ErrNotRecording
			continue
		}
		c.onStop(r)
	}
}

// begin enters the recording state after the device accepted the start
// command.
func (c *Coordinator) begin() {
	c.seg.Reset()
	if c.cfg.Live != nil {
		c.cfg.Live.Start()
	}
	c.armBackstop()
	c.cfg.Metrics.ActiveRecordings.Add(context.Background(), 1)

	c.mu.Lock()
	c.snap.Started = c.cfg.Clock.Now()
	c.mu.Unlock()
	c.setState(StateRecording, "recording started")
	slog.Info("recording started", "codec", string(c.cfg.Codec), "segment_duration", c.cfg.SegmentDuration)
}

func (c *Coordinator) onStop(reply chan error) {
	switch c.state {
	case StateIdle:
		if c.starting {
			c.stopPending = append(c.stopPending, reply)
			return
		}
		reply <- ErrNotRecording
		return
	case StateStopping:
		c.stopReply = append(c.stopReply, reply)
		return
	}

	if c.cfg.Live != nil {
		c.cfg.Live.Stop()
	}
	c.stopReply = append(c.stopReply, reply)
	c.setState(StateStopping, "stopping")

	c.stopGen++
	if c.cfg.StopDelay < 0 {
		c.onStopDelay(c.stopGen)
		return
	}
	gen := c.stopGen
	c.stopTimer = c.cfg.Clock.AfterFunc(c.cfg.StopDelay, func() {
		_ = c.post(context.Background(), stopDelayEvent{gen: gen})
	})
}

func (c *Coordinator) onStopDelay(gen uint64) {
	if gen != c.stopGen || c.state != StateStopping {
		return
	}
	if !c.cfg.Device.Connected() {
		c.teardown("recording stopped")
		return
	}
	// Frames keep arriving while the stop command is written; they belong to
	// the final clip.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandSendTimeout)
		defer cancel()
		if err := c.cfg.Device.Send(ctx, c.cfg.StopCommand); err != nil {
			slog.Warn("stop command failed", "error", err)
		}
		_ = c.post(context.Background(), stopSentEvent{gen: gen})
	}()
}

func (c *Coordinator) onReconnected() {
	if c.state != StateRecording {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandSendTimeout)
		defer cancel()
		if err := c.cfg.Device.Send(ctx, c.cfg.StartCommand); err != nil {
			slog.Warn("resuming recording after reconnect failed", "error", err)
			return
		}
		slog.Info("recording resumed after reconnect")
	}()
}

// teardown is the single exit path of a recording: it closes the live
// session, disarms the backstop, performs the final flush and returns to
// idle. It is a no-op when idle.
func (c *Coordinator) teardown(reason string) {
	if c.state == StateIdle {
		return
	}
	if c.cfg.Live != nil {
		c.cfg.Live.Stop()
	}
	if c.backstop != nil {
		c.backstop.Stop()
		c.backstop = nil
	}
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	c.backstopGen++
	c.stopGen++

	if clip, ok := c.seg.Flush(); ok {
		c.emit(clip)
	}
	c.state = StateIdle
	c.cfg.Metrics.ActiveRecordings.Add(context.Background(), -1)
	c.setState(StateIdle, reason)
	slog.Info("recording ended", "reason", reason)

	for _, r := range c.stopReply {
		r <- nil
	}
	c.stopReply = nil
}

// armBackstop schedules a flush check at the end of the current window.
func (c *Coordinator) armBackstop() {
	if c.backstop != nil {
		c.backstop.Stop()
	}
	c.backstopGen++
	gen := c.backstopGen
	d := c.seg.Deadline().Sub(c.cfg.Clock.Now())
	c.backstop = c.cfg.Clock.AfterFunc(d, func() {
		_ = c.post(context.Background(), tickEvent{gen: gen})
	})
}

func (c *Coordinator) emit(clip segment.Clip) {
	c.cfg.Metrics.RecordClip(context.Background(), clip.Duration)
	slog.Debug("clip flushed", "filename", clip.Filename, "samples", clip.Samples, "duration", clip.Duration)
	if c.cfg.OnClip != nil {
		c.cfg.OnClip(clip)
	}
}

func (c *Coordinator) setState(s State, reason string) {
	c.state = s
	c.publish()
	if c.cfg.OnState != nil {
		c.cfg.OnState(s, reason)
	}
}

func (c *Coordinator) publish() {
	_, _, clips := c.seg.Stats()
	c.mu.Lock()
	c.snap.State = c.state
	c.snap.Buffered = c.seg.Buffered()
	c.snap.Clips = clips
	c.mu.Unlock()
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/pendant/internal/clock"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/audio"
	"github.com/MrWong99/pendant/pkg/audio/segment"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeDevice struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []string

	// Writes of holdCmd wait until hold is closed.
	holdCmd string
	hold    chan struct{}
}

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) Send(ctx context.Context, cmd []byte) error {
	d.mu.Lock()
	hold := d.hold
	if string(cmd) != d.holdCmd {
		hold = nil
	}
	d.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, string(cmd))
	return nil
}

func (d *fakeDevice) setConnected(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = v
}

// holdWrites makes writes of cmd block until the returned func is called.
func (d *fakeDevice) holdWrites(cmd string) (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holdCmd = cmd
	d.hold = make(chan struct{})
	hold := d.hold
	return sync.OnceFunc(func() { close(hold) })
}

func (d *fakeDevice) commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

type fakeLive struct {
	mu     sync.Mutex
	active bool
	starts int
	stops  int
	chunks int
	bytes  int
}

func (l *fakeLive) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = true
	l.starts++
}

func (l *fakeLive) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = false
	l.stops++
}

func (l *fakeLive) Forward(chunk []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return false
	}
	l.chunks++
	l.bytes += len(chunk)
	return true
}

func (l *fakeLive) counts() (starts, stops, chunks int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts, l.stops, l.chunks
}

// ─── harness ─────────────────────────────────────────────────────────────────

var t0 = time.Date(2025, 3, 1, 13, 5, 0, 0, time.UTC)

type harness struct {
	clk    *clock.Fake
	device *fakeDevice
	live   *fakeLive
	coord  *Coordinator

	mu     sync.Mutex
	clips  []segment.Clip
	states []State
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		clk:    clock.NewFake(t0),
		device: &fakeDevice{connected: true},
		live:   &fakeLive{},
	}
	cfg := Config{
		Device:          h.device,
		Live:            h.live,
		Codec:           audio.CodecMuLaw,
		SampleRate:      16000,
		SegmentDuration: 10 * time.Second,
		Clock:           h.clk,
		Metrics:         metrics,
		OnClip: func(c segment.Clip) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.clips = append(h.clips, c)
		},
		OnState: func(s State, _ string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, s)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.coord = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return h
}

func (h *harness) gotClips() []segment.Clip {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]segment.Clip(nil), h.clips...)
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	if err := h.coord.Sync(t.Context()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

// packet returns a µ-law notification carrying n samples.
func packet(n int) []byte {
	p := make([]byte, audio.HeaderSize+n)
	for i := audio.HeaderSize; i < len(p); i++ {
		p[i] = 0x80
	}
	return p
}

// stop runs StopRecording across the stop delay.
func (h *harness) stop(t *testing.T) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- h.coord.StopRecording(t.Context()) }()

	deadline := time.Now().Add(time.Second)
	for h.coord.Snapshot().State == StateRecording {
		if time.Now().After(deadline) {
			t.Fatal("coordinator never entered stopping")
		}
		time.Sleep(time.Millisecond)
	}
	h.sync(t)
	h.clk.Advance(100 * time.Millisecond)

	select {
	case err := <-errc:
		return err
	case <-time.After(time.Second):
		t.Fatal("StopRecording did not return")
		return nil
	}
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func totalSamples(clips []segment.Clip) int {
	n := 0
	for _, c := range clips {
		n += c.Samples
	}
	return n
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestStartRecording_NotConnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.device.setConnected(false)

	if err := h.coord.StartRecording(t.Context()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if cmds := h.device.commands(); len(cmds) != 0 {
		t.Errorf("commands sent while disconnected: %v", cmds)
	}
	if starts, _, _ := h.live.counts(); starts != 0 {
		t.Error("live session opened while disconnected")
	}
}

func TestStartRecording_SendsStartAndOpensLive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	// Frames before the recording starts are not kept.
	h.coord.HandlePacket(packet(20))
	h.sync(t)

	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatalf("second StartRecording: %v", err)
	}

	if cmds := h.device.commands(); len(cmds) != 1 || cmds[0] != "START" {
		t.Errorf("commands = %v, want [START]", cmds)
	}
	if starts, _, _ := h.live.counts(); starts != 1 {
		t.Errorf("live starts = %d, want 1", starts)
	}
	snap := h.coord.Snapshot()
	if snap.State != StateRecording || snap.Buffered != 0 || !snap.Started.Equal(t0) {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStartRecording_CommandFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	writeErr := errors.New("gatt write failed")
	h.device.sendErr = writeErr

	if err := h.coord.StartRecording(t.Context()); !errors.Is(err, writeErr) {
		t.Fatalf("err = %v, want wrapped write error", err)
	}
	if h.coord.Recording() {
		t.Error("recording active after failed start")
	}
}

func TestStopRecording_NotRecording(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.coord.StopRecording(t.Context()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("err = %v, want ErrNotRecording", err)
	}
}

func TestStopRecording_Order(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	h.coord.HandlePacket(packet(20))
	h.sync(t)

	errc := make(chan error, 1)
	go func() { errc <- h.coord.StopRecording(t.Context()) }()
	deadline := time.Now().Add(time.Second)
	for h.coord.Snapshot().State != StateStopping {
		if time.Now().After(deadline) {
			t.Fatal("never entered stopping")
		}
		time.Sleep(time.Millisecond)
	}
	h.sync(t)

	// Live session is closed first, STOP waits for the delay.
	if _, stops, _ := h.live.counts(); stops != 1 {
		t.Errorf("live stops = %d before delay, want 1", stops)
	}
	if cmds := h.device.commands(); len(cmds) != 1 {
		t.Errorf("commands before delay = %v, want only START", cmds)
	}
	if n := len(h.gotClips()); n != 0 {
		t.Errorf("clips before delay = %d, want 0", n)
	}

	h.clk.Advance(99 * time.Millisecond)
	h.sync(t)
	if cmds := h.device.commands(); len(cmds) != 1 {
		t.Fatalf("STOP sent before the delay elapsed: %v", cmds)
	}

	h.clk.Advance(time.Millisecond)
	if err := <-errc; err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if cmds := h.device.commands(); len(cmds) != 2 || cmds[1] != "STOP" {
		t.Errorf("commands = %v, want [START STOP]", cmds)
	}
	clips := h.gotClips()
	if len(clips) != 1 || clips[0].Samples != 20 {
		t.Fatalf("final flush clips = %+v", clips)
	}
	if h.coord.Recording() {
		t.Error("still recording after stop")
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("%d timers armed after stop", n)
	}
}

func TestStopRecording_EmptyBufferProducesNoClip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := h.stop(t); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := len(h.gotClips()); n != 0 {
		t.Errorf("clips = %d, want none for an empty stop", n)
	}
	if err := h.coord.StopRecording(t.Context()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("second stop err = %v, want ErrNotRecording", err)
	}
}

// 25 packets of 20 samples, one every 500ms over 12 seconds.
func TestScenario_TwentyFivePacketsOverTwelveSeconds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}

	for i := range 25 {
		if i > 0 {
			h.clk.Advance(500 * time.Millisecond)
		}
		h.coord.HandlePacket(packet(20))
		h.sync(t)
	}

	clips := h.gotClips()
	if len(clips) != 1 {
		t.Fatalf("clips before stop = %d, want 1", len(clips))
	}
	first := clips[0]
	if want := t0.Add(10 * time.Second); !first.FlushedAt.Equal(want) {
		t.Errorf("first clip flushed at %v, want %v", first.FlushedAt, want)
	}
	if first.Samples != 400 {
		t.Errorf("first clip samples = %d, want 400 (packets 0-19)", first.Samples)
	}
	if first.Filename != "recording-2025-03-01T13-05-10-000Z.wav" {
		t.Errorf("first clip filename = %q", first.Filename)
	}

	if err := h.stop(t); err != nil {
		t.Fatalf("stop: %v", err)
	}
	clips = h.gotClips()
	if len(clips) != 2 {
		t.Fatalf("clips after stop = %d, want 2", len(clips))
	}
	if clips[1].Samples != 100 {
		t.Errorf("final clip samples = %d, want 100", clips[1].Samples)
	}
	if got := totalSamples(clips); got != 500 {
		t.Errorf("total samples = %d, want 500", got)
	}

	// Every clip decodes back to its samples.
	for _, c := range clips {
		samples, format, err := audio.DecodeWAV(c.WAV)
		if err != nil || len(samples) != c.Samples || format.SampleRate != 16000 {
			t.Errorf("clip %s: %d samples @%d, err %v", c.Filename, len(samples), format.SampleRate, err)
		}
	}
	if _, _, chunks := h.live.counts(); chunks != 25 {
		t.Errorf("live chunks = %d, want 25", chunks)
	}
}

func TestBackstopFlushesWithoutTraffic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	h.coord.HandlePacket(packet(20))
	h.sync(t)

	h.clk.Advance(9 * time.Second)
	h.sync(t)
	if n := len(h.gotClips()); n != 0 {
		t.Fatalf("flushed before window elapsed: %d clips", n)
	}

	h.clk.Advance(time.Second)
	h.sync(t)
	clips := h.gotClips()
	if len(clips) != 1 || clips[0].Samples != 20 {
		t.Fatalf("backstop clips = %+v", clips)
	}

	// An idle window produces no clip but keeps the backstop armed.
	h.clk.Advance(10 * time.Second)
	h.sync(t)
	if n := len(h.gotClips()); n != 1 {
		t.Errorf("idle window produced a clip: %d clips", n)
	}
	if h.clk.Pending() == 0 {
		t.Error("backstop not re-armed")
	}
}

func TestMalformedPacketsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	h.coord.HandlePacket(nil)
	h.coord.HandlePacket([]byte{1, 2})
	h.coord.HandlePacket(packet(0))
	h.coord.HandlePacket(packet(5))
	h.sync(t)

	snap := h.coord.Snapshot()
	if snap.Packets != 1 || snap.Buffered != 5 {
		t.Errorf("snapshot = %+v, want 1 packet with 5 samples", snap)
	}
	if _, _, chunks := h.live.counts(); chunks != 1 {
		t.Errorf("live chunks = %d, want 1", chunks)
	}
}

func TestDeviceLostTearsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	h.coord.HandlePacket(packet(30))
	h.sync(t)

	h.device.setConnected(false)
	h.coord.DeviceLost(errors.New("reconnection attempts exhausted"))
	h.sync(t)

	if h.coord.Recording() {
		t.Fatal("still recording after device loss")
	}
	clips := h.gotClips()
	if len(clips) != 1 || clips[0].Samples != 30 {
		t.Errorf("teardown clips = %+v, want the buffered 30 samples", clips)
	}
	if _, stops, _ := h.live.counts(); stops != 1 {
		t.Errorf("live stops = %d, want 1", stops)
	}
	if cmds := h.device.commands(); len(cmds) != 1 {
		t.Errorf("commands = %v, STOP must not be written to a lost device", cmds)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Errorf("%d timers armed after teardown", n)
	}

	// A second loss is a no-op.
	h.coord.DeviceLost(nil)
	h.sync(t)
	if n := len(h.gotClips()); n != 1 {
		t.Errorf("clips = %d after second loss", n)
	}
}

func TestDeviceReconnectedResumes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.coord.DeviceReconnected()
	h.sync(t)
	if cmds := h.device.commands(); len(cmds) != 0 {
		t.Fatalf("START re-sent while idle: %v", cmds)
	}

	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	h.coord.DeviceReconnected()
	waitFor(t, "START re-sent", func() bool { return len(h.device.commands()) == 2 })
	if cmds := h.device.commands(); cmds[1] != "START" {
		t.Errorf("commands = %v, want START re-sent", cmds)
	}
}

func TestStopRecording_IngestsWhileStopCommandIsWritten(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	h.coord.HandlePacket(packet(20))
	h.sync(t)

	release := h.device.holdWrites("STOP")
	defer release()

	errc := make(chan error, 1)
	go func() { errc <- h.coord.StopRecording(t.Context()) }()
	waitFor(t, "stopping", func() bool { return h.coord.Snapshot().State == StateStopping })
	h.sync(t)
	h.clk.Advance(100 * time.Millisecond)

	// The loop keeps draining notifications while the write is pending.
	for range 50 {
		h.coord.HandlePacket(packet(20))
	}
	h.sync(t)
	if snap := h.coord.Snapshot(); snap.State != StateStopping || snap.Buffered != 51*20 {
		t.Fatalf("snapshot while STOP pending = %+v", snap)
	}
	select {
	case err := <-errc:
		t.Fatalf("StopRecording returned before STOP was written: %v", err)
	default:
	}

	release()
	if err := <-errc; err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	clips := h.gotClips()
	if got := totalSamples(clips); got != 51*20 {
		t.Errorf("samples in clips = %d, want %d", got, 51*20)
	}
	if cmds := h.device.commands(); len(cmds) != 2 || cmds[1] != "STOP" {
		t.Errorf("commands = %v, want [START STOP]", cmds)
	}
}

func TestStartRecording_LoopRunsWhileStartIsWritten(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	release := h.device.holdWrites("START")
	defer release()

	// Two starts and a stop, queued in order while START is in flight.
	first, second, stopped := make(chan error, 1), make(chan error, 1), make(chan error, 1)
	for _, ev := range []event{
		startEvent{ctx: t.Context(), reply: first},
		startEvent{ctx: t.Context(), reply: second},
		stopEvent{reply: stopped},
	} {
		if err := h.coord.post(t.Context(), ev); err != nil {
			t.Fatal(err)
		}
	}
	h.coord.HandlePacket(packet(20))
	h.sync(t)
	if h.coord.Recording() {
		t.Fatal("recording before the device accepted START")
	}
	if snap := h.coord.Snapshot(); snap.Packets != 1 {
		t.Errorf("packets handled while START pending = %d, want 1", snap.Packets)
	}

	release()
	for _, reply := range []chan error{first, second} {
		if err := <-reply; err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
	}
	waitFor(t, "stopping", func() bool { return h.coord.Snapshot().State == StateStopping })
	h.sync(t)
	h.clk.Advance(100 * time.Millisecond)
	if err := <-stopped; err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if cmds := h.device.commands(); len(cmds) != 2 || cmds[0] != "START" || cmds[1] != "STOP" {
		t.Errorf("commands = %v, want [START STOP]", cmds)
	}
	if _, stops, _ := h.live.counts(); stops < 1 {
		t.Error("live session not stopped")
	}
}

func TestShutdownFlushes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.coord = New(Config{
		Device:  h.device,
		Clock:   h.clk,
		Codec:   audio.CodecMuLaw,
		Metrics: observe.DefaultMetrics(),
		OnClip: func(c segment.Clip) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.clips = append(h.clips, c)
		},
	})
	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- h.coord.Run(ctx) }()

	if err := h.coord.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	h.coord.HandlePacket(packet(8))
	h.sync(t)
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if clips := h.gotClips(); len(clips) != 1 || clips[0].Samples != 8 {
		t.Errorf("shutdown clips = %+v", clips)
	}
	if err := h.coord.StartRecording(t.Context()); !errors.Is(err, ErrStopped) {
		t.Errorf("StartRecording after Run = %v, want ErrStopped", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateRecording, "recording"},
		{StateStopping, "stopping"},
		{State(7), "State(7)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

// Package mock provides in-memory implementations of [peripheral.Transport]
// and [peripheral.Device] for unit tests.
//
// All mocks are safe for concurrent use. They record calls and expose
// exported fields that control return values.
//
// Typical usage:
//
//	dev := &mock.Device{DeviceName: "Pendant"}
//	tr := &mock.Transport{Devices: []*mock.Device{dev}}
//	d, _ := tr.Discover(ctx, svc)
//	_ = d.Connect(ctx)
//	dev.Notify([]byte{0, 0, 0, 1, 0}) // deliver a packet
//	dev.Drop(errors.New("link lost")) // simulate an unexpected disconnect
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pendant/pkg/peripheral"
)

// ─── Device ──────────────────────────────────────────────────────────────────

// WriteCall records one [Device.Write] invocation.
type WriteCall struct {
	ServiceUUID string
	CharUUID    string
	Data        []byte
}

// Device is a mock [peripheral.Device].
type Device struct {
	mu sync.Mutex

	// DeviceName is returned by Name.
	DeviceName string

	// ConnectError is returned by Connect.
	ConnectError error

	// SubscribeError is returned by Subscribe.
	SubscribeError error

	// WriteError is returned by Write.
	WriteError error

	// CallCountConnect records Connect calls.
	CallCountConnect int

	// CallCountDisconnect records Disconnect calls.
	CallCountDisconnect int

	// Writes records every Write call in order.
	Writes []WriteCall

	connected    bool
	onNotify     func([]byte)
	onDisconnect func(error)
}

// Name implements [peripheral.Device].
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DeviceName
}

// Connect implements [peripheral.Device].
func (d *Device) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountConnect++
	if d.ConnectError != nil {
		return d.ConnectError
	}
	d.connected = true
	return nil
}

// Subscribe implements [peripheral.Device].
func (d *Device) Subscribe(_ context.Context, _, _ string, onNotify func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SubscribeError != nil {
		return d.SubscribeError
	}
	d.onNotify = onNotify
	return nil
}

// Write implements [peripheral.Device].
func (d *Device) Write(_ context.Context, svc, char string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteError != nil {
		return d.WriteError
	}
	d.Writes = append(d.Writes, WriteCall{ServiceUUID: svc, CharUUID: char, Data: append([]byte(nil), data...)})
	return nil
}

// OnDisconnect implements [peripheral.Device].
func (d *Device) OnDisconnect(cb func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDisconnect = cb
}

// Disconnect implements [peripheral.Device].
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountDisconnect++
	d.connected = false
	d.onNotify = nil
	return nil
}

// Connected reports whether Connect succeeded and Disconnect has not been
// called since.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Notify delivers payload to the subscribed callback, if any. It reports
// whether a subscriber received it.
func (d *Device) Notify(payload []byte) bool {
	d.mu.Lock()
	cb := d.onNotify
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(payload)
	return true
}

// Subscriber returns the callback registered by the last Subscribe, or nil
// after Disconnect.
func (d *Device) Subscriber() func([]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onNotify
}

// Drop simulates an unexpected link loss: the device is marked disconnected
// and the registered OnDisconnect callback is invoked with err.
func (d *Device) Drop(err error) {
	d.mu.Lock()
	d.connected = false
	d.onNotify = nil
	cb := d.onDisconnect
	d.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// WrittenCommands returns the payloads of every Write as strings.
func (d *Device) WrittenCommands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.Writes))
	for i, w := range d.Writes {
		out[i] = string(w.Data)
	}
	return out
}

// Ensure Device implements peripheral.Device at compile time.
var _ peripheral.Device = (*Device)(nil)

// ─── Transport ───────────────────────────────────────────────────────────────

// Transport is a mock [peripheral.Transport]. Each Discover call returns the
// next entry of Devices (the last one is repeated once exhausted).
type Transport struct {
	mu sync.Mutex

	// AvailableError is returned by Available.
	AvailableError error

	// DiscoverErrors, when non-empty, are returned by successive Discover
	// calls before any device is handed out. A nil entry means "succeed".
	DiscoverErrors []error

	// Devices are handed out by Discover.
	Devices []*Device

	// CallCountDiscover records Discover calls.
	CallCountDiscover int

	// DiscoveredServices records the serviceUUID of each Discover call.
	DiscoveredServices []string

	next int
}

// Available implements [peripheral.Transport].
func (t *Transport) Available(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AvailableError
}

// Discover implements [peripheral.Transport].
func (t *Transport) Discover(_ context.Context, serviceUUID string) (peripheral.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountDiscover++
	t.DiscoveredServices = append(t.DiscoveredServices, serviceUUID)

	if len(t.DiscoverErrors) > 0 {
		err := t.DiscoverErrors[0]
		t.DiscoverErrors = t.DiscoverErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(t.Devices) == 0 {
		return nil, peripheral.ErrDeviceNotFound
	}
	d := t.Devices[min(t.next, len(t.Devices)-1)]
	t.next++
	return d, nil
}

// DiscoverCalls returns the number of Discover calls so far.
func (t *Transport) DiscoverCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountDiscover
}

// Ensure Transport implements peripheral.Transport at compile time.
var _ peripheral.Transport = (*Transport)(nil)

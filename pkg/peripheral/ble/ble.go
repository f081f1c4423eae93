// Package ble implements [peripheral.Transport] on top of the host Bluetooth
// Low Energy stack using tinygo.org/x/bluetooth.
//
// The adapter is enabled lazily on first use. Only one connect handler can be
// registered per adapter, so the transport keeps a table of live devices and
// routes disconnect events to the matching [Device].
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/MrWong99/pendant/pkg/peripheral"
)

// Transport is a BLE [peripheral.Transport].
type Transport struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu      sync.Mutex
	devices map[string]*Device
}

// New returns a Transport bound to the default host adapter.
func New() *Transport {
	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		devices: make(map[string]*Device),
	}
}

// Available implements [peripheral.Transport].
func (t *Transport) Available(context.Context) error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = classifyEnableError(err)
			return
		}
		t.adapter.SetConnectHandler(t.handleConnect)
	})
	return t.enableErr
}

// Discover implements [peripheral.Transport]. It scans until a device
// advertising serviceUUID is seen or ctx is done.
func (t *Transport) Discover(ctx context.Context, serviceUUID string) (peripheral.Device, error) {
	if err := t.Available(ctx); err != nil {
		return nil, err
	}
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service uuid %q: %w", serviceUUID, err)
	}

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !r.HasServiceUUID(svc) {
				return
			}
			select {
			case found <- r:
			default:
			}
			_ = a.StopScan()
		})
	}()

	select {
	case r := <-found:
		<-scanErr
		d := &Device{transport: t, address: r.Address, name: r.LocalName()}
		slog.Debug("ble: device discovered", "name", d.name, "address", r.Address.String(), "rssi", r.RSSI)
		return d, nil
	case err := <-scanErr:
		if err != nil {
			return nil, fmt.Errorf("ble: scan: %w", err)
		}
		return nil, peripheral.ErrDeviceNotFound
	case <-ctx.Done():
		_ = t.adapter.StopScan()
		<-scanErr
		return nil, fmt.Errorf("ble: scan for %s: %w", serviceUUID, errors.Join(peripheral.ErrDeviceNotFound, ctx.Err()))
	}
}

func (t *Transport) handleConnect(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	key := dev.Address.String()
	t.mu.Lock()
	d := t.devices[key]
	delete(t.devices, key)
	t.mu.Unlock()
	if d != nil {
		d.lost()
	}
}

func (t *Transport) track(d *Device) {
	t.mu.Lock()
	t.devices[d.address.String()] = d
	t.mu.Unlock()
}

func (t *Transport) untrack(d *Device) {
	t.mu.Lock()
	if t.devices[d.address.String()] == d {
		delete(t.devices, d.address.String())
	}
	t.mu.Unlock()
}

// classifyEnableError maps adapter errors to the peripheral sentinels. BlueZ
// reports missing permissions as D-Bus access errors.
func classifyEnableError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "accessdenied") || strings.Contains(msg, "not authorized") {
		return fmt.Errorf("ble: enable adapter: %w: %w", peripheral.ErrInsecureContext, err)
	}
	return fmt.Errorf("ble: enable adapter: %w: %w", peripheral.ErrTransportUnavailable, err)
}

// Ensure Transport implements peripheral.Transport at compile time.
var _ peripheral.Transport = (*Transport)(nil)

// Device is a BLE [peripheral.Device].
type Device struct {
	transport *Transport
	address   bluetooth.Address
	name      string

	mu           sync.Mutex
	conn         *bluetooth.Device
	chars        map[string]bluetooth.DeviceCharacteristic
	onDisconnect func(error)
	closing      bool
}

// Name implements [peripheral.Device].
func (d *Device) Name() string { return d.name }

// Connect implements [peripheral.Device].
func (d *Device) Connect(ctx context.Context) error {
	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := d.transport.adapter.Connect(d.address, bluetooth.ConnectionParams{})
		ch <- result{dev, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("ble: connect %s: %w", d.address.String(), r.err)
		}
		d.mu.Lock()
		d.conn = &r.dev
		d.chars = make(map[string]bluetooth.DeviceCharacteristic)
		d.closing = false
		d.mu.Unlock()
		d.transport.track(d)
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.dev.Disconnect()
			}
		}()
		return ctx.Err()
	}
}

// characteristic resolves and caches a characteristic handle.
func (d *Device) characteristic(serviceUUID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero bluetooth.DeviceCharacteristic
	if d.conn == nil {
		return zero, peripheral.ErrDisconnected
	}
	key := serviceUUID + "/" + charUUID
	if c, ok := d.chars[key]; ok {
		return c, nil
	}

	svcID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return zero, fmt.Errorf("ble: parse service uuid %q: %w", serviceUUID, err)
	}
	charID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return zero, fmt.Errorf("ble: parse characteristic uuid %q: %w", charUUID, err)
	}

	svcs, err := d.conn.DiscoverServices([]bluetooth.UUID{svcID})
	if err != nil || len(svcs) == 0 {
		return zero, fmt.Errorf("ble: service %s: %w", serviceUUID, errors.Join(peripheral.ErrServiceUnavailable, err))
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charID})
	if err != nil || len(chars) == 0 {
		return zero, fmt.Errorf("ble: characteristic %s: %w", charUUID, errors.Join(peripheral.ErrCharacteristicUnavailable, err))
	}
	d.chars[key] = chars[0]
	return chars[0], nil
}

// Subscribe implements [peripheral.Device].
func (d *Device) Subscribe(_ context.Context, serviceUUID, charUUID string, onNotify func([]byte)) error {
	c, err := d.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := c.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after the callback returns.
		onNotify(append([]byte(nil), buf...))
	}); err != nil {
		return fmt.Errorf("ble: enable notifications on %s: %w", charUUID, err)
	}
	return nil
}

// Write implements [peripheral.Device].
func (d *Device) Write(_ context.Context, serviceUUID, charUUID string, data []byte) error {
	c, err := d.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if _, err := c.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write %s: %w", charUUID, err)
	}
	return nil
}

// OnDisconnect implements [peripheral.Device].
func (d *Device) OnDisconnect(cb func(error)) {
	d.mu.Lock()
	d.onDisconnect = cb
	d.mu.Unlock()
}

// Disconnect implements [peripheral.Device].
func (d *Device) Disconnect() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.chars = nil
	d.closing = true
	d.mu.Unlock()

	d.transport.untrack(d)
	if conn == nil {
		return nil
	}
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", d.address.String(), err)
	}
	return nil
}

// lost is called by the transport when the stack reports a link drop.
func (d *Device) lost() {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.conn = nil
	d.chars = nil
	cb := d.onDisconnect
	d.mu.Unlock()

	slog.Info("ble: link lost", "name", d.name, "address", d.address.String())
	if cb != nil {
		cb(peripheral.ErrDisconnected)
	}
}

// Ensure Device implements peripheral.Device at compile time.
var _ peripheral.Device = (*Device)(nil)

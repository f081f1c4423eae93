// Package peripheral defines the transport abstraction for the wireless audio
// source.
//
// The two abstractions are:
//
//   - [Transport]: discovers a device advertising a given service.
//   - [Device]: a discovered peripheral that can be connected, subscribed to,
//     written to and disconnected.
//
// The capture engine depends on nothing else from the radio stack, so a BLE
// adapter (see peripheral/ble), a replay source or a test double can be
// swapped in freely.
package peripheral

import (
	"context"
	"errors"
)

// Sentinel errors. Implementations wrap these with %w so callers can classify
// failures with errors.Is.
var (
	// ErrTransportUnavailable means no usable radio stack is present.
	ErrTransportUnavailable = errors.New("peripheral: transport unavailable")

	// ErrInsecureContext means the process lacks the permissions or security
	// context the radio stack requires.
	ErrInsecureContext = errors.New("peripheral: insecure context")

	// ErrDeviceNotFound means discovery found no device advertising the
	// requested service.
	ErrDeviceNotFound = errors.New("peripheral: device not found")

	// ErrServiceUnavailable means the connected device does not expose the
	// expected service.
	ErrServiceUnavailable = errors.New("peripheral: service unavailable")

	// ErrCharacteristicUnavailable means the service lacks an expected
	// characteristic.
	ErrCharacteristicUnavailable = errors.New("peripheral: characteristic unavailable")

	// ErrDisconnected is reported for a connection lost without a request.
	ErrDisconnected = errors.New("peripheral: disconnected")
)

// Transport is the entry point to a radio stack.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Available reports whether the stack can be used at all. It returns an
	// error wrapping [ErrTransportUnavailable] or [ErrInsecureContext].
	Available(ctx context.Context) error

	// Discover returns the first device advertising serviceUUID. It returns an
	// error wrapping [ErrDeviceNotFound] when ctx expires without a match.
	Discover(ctx context.Context, serviceUUID string) (Device, error)
}

// Device is a discovered peripheral.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Name returns the advertised local name, or "" if none.
	Name() string

	// Connect establishes the link.
	Connect(ctx context.Context) error

	// Subscribe enables notifications on the characteristic and delivers each
	// payload to onNotify. onNotify runs on a transport goroutine and must not
	// block for long. Missing endpoints yield [ErrServiceUnavailable] or
	// [ErrCharacteristicUnavailable].
	Subscribe(ctx context.Context, serviceUUID, charUUID string, onNotify func(payload []byte)) error

	// Write sends a command to the characteristic without waiting for a
	// response.
	Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error

	// OnDisconnect registers cb to be invoked when the link drops for any
	// reason other than a call to Disconnect. Only one callback is kept.
	OnDisconnect(cb func(err error))

	// Disconnect tears the link down. Calling it more than once is safe.
	Disconnect() error
}

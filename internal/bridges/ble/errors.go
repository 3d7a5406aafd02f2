package ble

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Domain errors for the BLE bridge package.
var (
	// ErrDeviceNotFound indicates the peripheral was not visible when a
	// connection was required: no advertisement arrived within the
	// visibility window, or the adapter reported the address as unknown.
	ErrDeviceNotFound = errors.New("ble: device was not found")

	// ErrConnectTimeout indicates the connection attempt did not complete
	// within its budget.
	ErrConnectTimeout = errors.New("ble: connection timed out")

	// ErrCommandTimeout indicates a command was written but no reply
	// notification arrived in time.
	ErrCommandTimeout = errors.New("ble: command reply timed out")

	// ErrDisconnected indicates the peripheral dropped the connection
	// while a handler loop still needed it.
	ErrDisconnected = errors.New("ble: device disconnected")

	// ErrQueueClosed indicates the command queue was shut down while a
	// command was queued or in flight.
	ErrQueueClosed = errors.New("ble: command queue closed")

	// ErrNotConnected indicates an operation that needs a live connection
	// was attempted without one.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrAuthRejected indicates the peripheral refused the pairing key.
	// The key in the configuration does not match the one the device is
	// bound to.
	ErrAuthRejected = errors.New("ble: authentication rejected")

	// ErrNotPairable indicates the peripheral is not in pairing mode and
	// no key has been established yet. The user must put the device into
	// pairing mode (usually a long button press) and retry.
	ErrNotPairable = errors.New("ble: device is not in pairing mode")
)

// TransportError wraps a failure of the underlying BLE stack: a GATT read or
// write, a notification subscription, or the connection itself. The wrapped
// error keeps the stack's message so hardware-fault classification can
// inspect it.
type TransportError struct {
	// Op names the operation that failed, e.g. "write characteristic".
	Op string

	// Err is the underlying stack error.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError indicates a peripheral sent a frame the protocol engine
// could not accept: bad magic, checksum mismatch, counter out of step, or a
// truncated payload. The offending frame is kept for logging.
type ProtocolError struct {
	// Op names the decode step that failed, e.g. "parse response".
	Op string

	// Frame is the raw bytes that failed to decode.
	Frame []byte

	// Reason describes what was wrong with the frame.
	Reason string
}

func (e *ProtocolError) Error() string {
	if len(e.Frame) == 0 {
		return fmt.Sprintf("ble: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("ble: %s: %s (frame %s)", e.Op, e.Reason, hex.EncodeToString(e.Frame))
}

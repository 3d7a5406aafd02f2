// Package am43 drives A-OK AM43 blind motors.
//
// Frames are 0x9a, command, length, data..., checksum where the checksum is
// the XOR of every preceding byte. Replies reuse the shape and echo the
// command; movement commands answer 0x5a for accepted and 0xa5 for refused.
// The motor also pushes unsolicited position frames while it is moving.
package am43

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// DataCharUUID is the control characteristic for commands and notifications.
const DataCharUUID = "0000fe51-0000-1000-8000-00805f9b34fb"

// frameHeader opens every frame in both directions.
const frameHeader = 0x9a

// Command codes.
const (
	cmdMove           = 0x0a
	cmdSetPosition    = 0x0d
	cmdNotifyPosition = 0xa1
	cmdGetBattery     = 0xa2
	cmdGetPosition    = 0xa7
	cmdGetIlluminance = 0xaa
)

// Move arguments.
const (
	moveStop = 0xcc
)

// Movement reply statuses.
const (
	responseACK  = 0x5a
	responseNACK = 0xa5
)

// Position bounds in Home Assistant convention, 100 fully open.
const (
	ClosedPosition = 0
	OpenPosition   = 100
)

// commandTimeout bounds one exchange.
const commandTimeout = 25 * time.Second

// Transport plays one framed exchange against the peripheral. It is
// satisfied by *ble.CommandQueue.
type Transport interface {
	Send(ctx context.Context, request []byte, expectReply bool, timeout time.Duration) ([]byte, error)
}

// Engine speaks the AM43 protocol over a command transport.
type Engine struct {
	transport Transport
}

// NewEngine wraps transport with AM43 framing.
func NewEngine(transport Transport) *Engine {
	return &Engine{transport: transport}
}

// flipPosition converts between the motor's convention (100 closed) and
// Home Assistant's (100 open). It is its own inverse.
func flipPosition(v int) int { return 100 - v }

// xorChecksum folds the frame bytes into the trailing checksum value.
func xorChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// buildFrame wraps data in header, command, length and checksum.
func buildFrame(cmd byte, data []byte) []byte {
	frame := make([]byte, 0, len(data)+4)
	frame = append(frame, frameHeader, cmd, byte(len(data)))
	frame = append(frame, data...)
	return append(frame, xorChecksum(frame))
}

// parseFrame validates framing and the command echo and returns the data
// block.
func parseFrame(frame []byte, cmd byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, &ble.ProtocolError{Op: "parse frame", Frame: frame, Reason: "frame too short"}
	}
	if frame[0] != frameHeader {
		return nil, &ble.ProtocolError{Op: "parse frame", Frame: frame, Reason: "bad frame header"}
	}
	if int(frame[2]) != len(frame)-4 {
		return nil, &ble.ProtocolError{
			Op:     "parse frame",
			Frame:  frame,
			Reason: fmt.Sprintf("length byte %d, frame carries %d", frame[2], len(frame)-4),
		}
	}
	if xorChecksum(frame[:len(frame)-1]) != frame[len(frame)-1] {
		return nil, &ble.ProtocolError{Op: "parse frame", Frame: frame, Reason: "checksum mismatch"}
	}
	if frame[1] != cmd {
		return nil, &ble.ProtocolError{
			Op:     "parse frame",
			Frame:  frame,
			Reason: fmt.Sprintf("reply carries command 0x%02x, sent 0x%02x", frame[1], cmd),
		}
	}
	return frame[3 : len(frame)-1], nil
}

// call runs one command exchange and returns the reply's data block.
func (e *Engine) call(ctx context.Context, cmd byte, data []byte) ([]byte, error) {
	reply, err := e.transport.Send(ctx, buildFrame(cmd, data), true, commandTimeout)
	if err != nil {
		return nil, err
	}
	return parseFrame(reply, cmd)
}

// Battery reads the charge level in percent.
func (e *Engine) Battery(ctx context.Context) (uint8, error) {
	body, err := e.call(ctx, cmdGetBattery, []byte{0x01})
	if err != nil {
		return 0, fmt.Errorf("am43: battery: %w", err)
	}
	if len(body) < 5 {
		return 0, &ble.ProtocolError{Op: "battery", Frame: body, Reason: "battery reply too short"}
	}
	return body[4], nil
}

// Illuminance reads the light sensor in lux.
func (e *Engine) Illuminance(ctx context.Context) (float64, error) {
	body, err := e.call(ctx, cmdGetIlluminance, []byte{0x01})
	if err != nil {
		return 0, fmt.Errorf("am43: illuminance: %w", err)
	}
	if len(body) < 2 {
		return 0, &ble.ProtocolError{Op: "illuminance", Frame: body, Reason: "illuminance reply too short"}
	}
	// The sensor reports 12.5 lx steps.
	return float64(body[1]) * 12.5, nil
}

// Position reads the blind position, 100 fully open.
func (e *Engine) Position(ctx context.Context) (int, error) {
	body, err := e.call(ctx, cmdGetPosition, []byte{0x01})
	if err != nil {
		return 0, fmt.Errorf("am43: position: %w", err)
	}
	if len(body) < 3 {
		return 0, &ble.ProtocolError{Op: "position", Frame: body, Reason: "position reply too short"}
	}
	return flipPosition(int(body[2])), nil
}

// SetPosition starts a move to the target position, 100 fully open.
func (e *Engine) SetPosition(ctx context.Context, position int) error {
	if position < ClosedPosition || position > OpenPosition {
		return fmt.Errorf("am43: position %d out of range %d..%d", position, ClosedPosition, OpenPosition)
	}
	body, err := e.call(ctx, cmdSetPosition, []byte{byte(flipPosition(position))})
	if err != nil {
		return fmt.Errorf("am43: set position: %w", err)
	}
	return checkAck("set position", body)
}

// Stop halts an ongoing move.
func (e *Engine) Stop(ctx context.Context) error {
	body, err := e.call(ctx, cmdMove, []byte{moveStop})
	if err != nil {
		return fmt.Errorf("am43: stop: %w", err)
	}
	return checkAck("stop", body)
}

// checkAck validates a movement reply status byte.
func checkAck(op string, body []byte) error {
	if len(body) == 0 {
		return &ble.ProtocolError{Op: op, Frame: body, Reason: "empty movement reply"}
	}
	if body[0] == responseNACK {
		return &ble.ProtocolError{Op: op, Frame: body, Reason: "motor refused the move"}
	}
	if body[0] != responseACK {
		return &ble.ProtocolError{
			Op:     op,
			Frame:  body,
			Reason: fmt.Sprintf("unexpected movement status 0x%02x", body[0]),
		}
	}
	return nil
}

// DecodePosition extracts a live position report from an unsolicited
// notification. ok is false for any other or malformed frame; the motor
// emits these only while moving.
func DecodePosition(frame []byte) (position int, ok bool) {
	body, err := parseFrame(frame, cmdNotifyPosition)
	if err != nil || len(body) < 2 {
		return 0, false
	}
	return flipPosition(int(body[1])), true
}

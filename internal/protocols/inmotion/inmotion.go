// Package inmotion drives InMotion electric unicycles and scooters.
//
// Commands ride in CAN-style messages: a little-endian message id, payload
// length, channel, format and frame type, then the payload. On the wire the
// message plus an additive checksum sits between 0xAA 0xAA and 0x55 0x55
// markers; marker-class bytes inside are escaped with a 0xA5 prefix so the
// delimiters stay unambiguous.
package inmotion

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// Vendor UART characteristics. Commands go to TX, replies arrive as
// notifications on RX.
const (
	TXCharUUID = "0000ffe9-0000-1000-8000-00805f9b34fb"
	RXCharUUID = "0000ffe4-0000-1000-8000-00805f9b34fb"
)

// Wire markers.
const (
	markerHeader = 0xaa
	markerFooter = 0x55
	markerEscape = 0xa5
)

// Message ids.
const (
	idGetFastInfo   = 0x0f550113
	idRemoteControl = 0x0f550116
	idLight         = 0x0f55010d
)

// Frame types.
const (
	dataFrame   = 0
	remoteFrame = 1
)

// defaultChannel is the CAN channel the vendor app uses for every command.
const defaultChannel = 5

// fastInfoLen is the part of the fast-info block this engine decodes.
const fastInfoLen = 52

// commandTimeout bounds one exchange.
const commandTimeout = 25 * time.Second

// Transport plays one framed exchange against the peripheral. It is
// satisfied by *ble.CommandQueue.
type Transport interface {
	Send(ctx context.Context, request []byte, expectReply bool, timeout time.Duration) ([]byte, error)
}

// Engine speaks the InMotion protocol over a command transport.
type Engine struct {
	transport Transport
}

// NewEngine wraps transport with InMotion framing.
func NewEngine(transport Transport) *Engine {
	return &Engine{transport: transport}
}

// message is one CAN-style command before wire framing.
type message struct {
	id      uint32
	ch      byte
	format  byte
	typ     byte
	payload []byte
}

// encode lays the message out as id, length, channel, format, type, payload.
func (m message) encode() []byte {
	body := make([]byte, 0, len(m.payload)+8)
	body = binary.LittleEndian.AppendUint32(body, m.id)
	body = append(body, byte(len(m.payload)), m.ch, m.format, m.typ)
	return append(body, m.payload...)
}

// isMarker reports whether b collides with the wire delimiters.
func isMarker(b byte) bool {
	return b == markerHeader || b == markerFooter || b == markerEscape
}

// escapeMarkers prefixes every marker-class byte with the escape byte.
func escapeMarkers(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if isMarker(b) {
			out = append(out, markerEscape)
		}
		out = append(out, b)
	}
	return out
}

// unescapeMarkers reverses escapeMarkers.
func unescapeMarkers(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == markerEscape {
			i++
			if i >= len(data) {
				return nil, &ble.ProtocolError{Op: "unescape", Frame: data, Reason: "dangling escape byte"}
			}
		}
		out = append(out, data[i])
	}
	return out, nil
}

// additiveChecksum folds body into the single trailing checksum byte.
func additiveChecksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}

// buildWireFrame wraps body and its checksum between the markers, escaping
// both uniformly.
func buildWireFrame(body []byte) []byte {
	escaped := escapeMarkers(append(append([]byte(nil), body...), additiveChecksum(body)))
	frame := make([]byte, 0, len(escaped)+4)
	frame = append(frame, markerHeader, markerHeader)
	frame = append(frame, escaped...)
	return append(frame, markerFooter, markerFooter)
}

// decodeWireFrame strips the markers, unescapes and verifies the checksum,
// returning the message body.
func decodeWireFrame(frame []byte) ([]byte, error) {
	if len(frame) < 6 {
		return nil, &ble.ProtocolError{Op: "decode frame", Frame: frame, Reason: "frame too short"}
	}
	if frame[0] != markerHeader || frame[1] != markerHeader {
		return nil, &ble.ProtocolError{Op: "decode frame", Frame: frame, Reason: "bad header markers"}
	}
	if frame[len(frame)-2] != markerFooter || frame[len(frame)-1] != markerFooter {
		return nil, &ble.ProtocolError{Op: "decode frame", Frame: frame, Reason: "bad footer markers"}
	}
	raw, err := unescapeMarkers(frame[2 : len(frame)-2])
	if err != nil {
		return nil, err
	}
	if len(raw) < 2 {
		return nil, &ble.ProtocolError{Op: "decode frame", Frame: frame, Reason: "empty message body"}
	}
	body, sum := raw[:len(raw)-1], raw[len(raw)-1]
	if additiveChecksum(body) != sum {
		return nil, &ble.ProtocolError{Op: "decode frame", Frame: frame, Reason: "checksum mismatch"}
	}
	return body, nil
}

// call runs one message exchange and returns the reply body.
func (e *Engine) call(ctx context.Context, m message) ([]byte, error) {
	reply, err := e.transport.Send(ctx, buildWireFrame(m.encode()), true, commandTimeout)
	if err != nil {
		return nil, err
	}
	body, err := decodeWireFrame(reply)
	if err != nil {
		return nil, err
	}
	if len(body) < 8 {
		return nil, &ble.ProtocolError{Op: "decode reply", Frame: body, Reason: "message header too short"}
	}
	if got := binary.LittleEndian.Uint32(body[0:4]); got != m.id {
		return nil, &ble.ProtocolError{
			Op:     "decode reply",
			Frame:  body,
			Reason: fmt.Sprintf("reply carries id 0x%08x, sent 0x%08x", got, m.id),
		}
	}
	return body, nil
}

// FastInfo is the live telemetry block the wheel reports.
type FastInfo struct {
	VoltageVolts        float64
	CurrentAmps         float64
	BatteryPercent      int
	TemperatureC        int
	Temperature2C       int
	TotalDistanceMeters uint32
	TripDistanceMeters  uint32
}

// FastInfo polls the live telemetry block.
func (e *Engine) FastInfo(ctx context.Context) (FastInfo, error) {
	body, err := e.call(ctx, message{
		id:      idGetFastInfo,
		ch:      defaultChannel,
		typ:     dataFrame,
		payload: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	})
	if err != nil {
		return FastInfo{}, fmt.Errorf("inmotion: fast info: %w", err)
	}
	return parseFastInfo(body[8:])
}

// SetLight switches the headlight.
func (e *Engine) SetLight(ctx context.Context, on bool) error {
	var value byte
	if on {
		value = 1
	}
	_, err := e.call(ctx, message{
		id:      idLight,
		ch:      defaultChannel,
		typ:     dataFrame,
		payload: []byte{value, 0, 0, 0, 0, 0, 0, 0},
	})
	if err != nil {
		return fmt.Errorf("inmotion: set light: %w", err)
	}
	return nil
}

// Beep sounds the wheel's buzzer, useful for locating it.
func (e *Engine) Beep(ctx context.Context) error {
	_, err := e.call(ctx, message{
		id:      idRemoteControl,
		ch:      defaultChannel,
		typ:     dataFrame,
		payload: []byte{0xb2, 0, 0, 0, 0x11, 0, 0, 0},
	})
	if err != nil {
		return fmt.Errorf("inmotion: beep: %w", err)
	}
	return nil
}

// parseFastInfo decodes the extended data block of a fast-info reply.
func parseFastInfo(ex []byte) (FastInfo, error) {
	if len(ex) < fastInfoLen {
		return FastInfo{}, &ble.ProtocolError{Op: "parse fast info", Frame: ex, Reason: "telemetry block too short"}
	}
	voltage := float64(binary.LittleEndian.Uint32(ex[24:28])) / 100.0
	return FastInfo{
		VoltageVolts:        voltage,
		CurrentAmps:         float64(int32(binary.LittleEndian.Uint32(ex[20:24]))) / 100.0,
		BatteryPercent:      batteryFromVoltage(voltage),
		TemperatureC:        int(int8(ex[32])),
		Temperature2C:       int(int8(ex[34])),
		TotalDistanceMeters: binary.LittleEndian.Uint32(ex[44:48]),
		TripDistanceMeters:  binary.LittleEndian.Uint32(ex[48:52]),
	}, nil
}

// batteryFromVoltage maps pack voltage onto the vendor's linear
// 68..82.5 V charge curve.
func batteryFromVoltage(volts float64) int {
	switch {
	case volts >= 82.5:
		return 100
	case volts > 68.0:
		return int((volts - 68.0) / 14.5 * 100.0)
	default:
		return 0
	}
}

// Package redmond implements the framed command protocol spoken by Redmond
// R4S kettles and cookers over the Nordic UART service.
//
// Every request travels as 0x55, counter, command, payload..., 0xAA. The
// counter advances once per command and wraps above 100; the peripheral
// echoes it back in the reply together with the command byte. Most commands
// answer with a single status byte.
package redmond

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// Nordic UART characteristics the R4S series exposes. Commands go to TX,
// replies arrive as notifications on RX.
const (
	TXCharUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	RXCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Frame markers.
const (
	frameStart = 0x55
	frameEnd   = 0xaa
)

// counterMax is the last counter value before the firmware expects a wrap
// back to zero.
const counterMax = 100

// Command codes.
const (
	cmdVersion        = 0x01
	cmdRun            = 0x03
	cmdStop           = 0x04
	cmdWriteMode      = 0x05
	cmdReadMode       = 0x06
	cmdSetTemperature = 0x0b
	cmdStatistics     = 0x47
	cmdSetTime        = 0x6e
	cmdAuth           = 0xff
)

// KeyLen is the pairing key size the firmware expects.
const KeyLen = 8

// commandTimeout bounds one exchange. The kettle answers well under a
// second; the margin covers a congested adapter.
const commandTimeout = 25 * time.Second

// SubscribeEnable is written to the TX characteristic before notifications
// are started on RX. Without it the kettle never notifies.
var SubscribeEnable = []byte{0x01, 0x00}

// ProgramMode selects what the kettle does when started.
type ProgramMode uint8

// Kettle programs.
const (
	ModeBoil  ProgramMode = 0x00
	ModeHeat  ProgramMode = 0x01 // hold at TargetTemperature
	ModeLight ProgramMode = 0x03 // backlight only
)

// RunState is the live on/off phase of the current program.
type RunState uint8

// Run states as the firmware reports them.
const (
	StateOff RunState = 0x00
	StateOn  RunState = 0x02
)

// State mirrors the 16-byte mode block behind READ_MODE and WRITE_MODE.
// Reads fill every field; writes only carry the program selection, the
// firmware ignores the live readings.
type State struct {
	Mode               ProgramMode
	TargetTemperature  uint8
	Locked             bool
	SoundEnabled       bool
	CurrentTemperature uint8
	ColorChangePeriod  uint16
	State              RunState
	BoilTimeAdjust     int8 // relative boil time, -5..+5
	Error              uint8
}

// stateLen is the size of the mode block.
const stateLen = 16

// Boiling reports whether the kettle is actively running its program.
func (s State) Boiling() bool { return s.State == StateOn }

// Statistics is the lifetime usage block behind GET_STATISTICS.
type Statistics struct {
	WorkSeconds     uint32
	EnergyWattHours uint32
	Starts          uint16
}

// statisticsMinLen covers the fields through Starts; firmware revisions pad
// the tail differently.
const statisticsMinLen = 12

// Transport plays one framed exchange against the peripheral. It is
// satisfied by *ble.CommandQueue.
type Transport interface {
	Send(ctx context.Context, request []byte, expectReply bool, timeout time.Duration) ([]byte, error)
}

// Engine speaks the R4S protocol over a command transport. It owns only the
// frame counter; connection state lives with the caller. Safe for concurrent
// use, though the transport serializes exchanges anyway.
type Engine struct {
	transport Transport

	mu      sync.Mutex
	counter uint8
}

// NewEngine wraps transport with R4S framing.
func NewEngine(transport Transport) *Engine {
	return &Engine{transport: transport}
}

// nextCounter returns the current counter and advances it. The firmware
// wraps above 100, not at 255.
func (e *Engine) nextCounter() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.counter
	e.counter++
	if e.counter > counterMax {
		e.counter = 0
	}
	return c
}

// frame builds one request around the next counter value.
func (e *Engine) frame(cmd byte, payload []byte) ([]byte, byte) {
	ctr := e.nextCounter()
	req := make([]byte, 0, len(payload)+4)
	req = append(req, frameStart, ctr, cmd)
	req = append(req, payload...)
	req = append(req, frameEnd)
	return req, ctr
}

// parseReply validates reply framing and returns the payload with the
// 3-byte header and the footer stripped.
func parseReply(reply []byte, counter, cmd byte) ([]byte, error) {
	if len(reply) < 4 {
		return nil, &ble.ProtocolError{Op: "parse reply", Frame: reply, Reason: "frame too short"}
	}
	if reply[0] != frameStart || reply[len(reply)-1] != frameEnd {
		return nil, &ble.ProtocolError{Op: "parse reply", Frame: reply, Reason: "bad frame markers"}
	}
	if reply[1] != counter {
		return nil, &ble.ProtocolError{
			Op:     "parse reply",
			Frame:  reply,
			Reason: fmt.Sprintf("counter echo %d, sent %d", reply[1], counter),
		}
	}
	if reply[2] != cmd {
		return nil, &ble.ProtocolError{
			Op:     "parse reply",
			Frame:  reply,
			Reason: fmt.Sprintf("reply carries command 0x%02x, sent 0x%02x", reply[2], cmd),
		}
	}
	return reply[3 : len(reply)-1], nil
}

// call runs one command exchange and returns the reply payload.
func (e *Engine) call(ctx context.Context, cmd byte, payload []byte) ([]byte, error) {
	req, ctr := e.frame(cmd, payload)
	reply, err := e.transport.Send(ctx, req, true, commandTimeout)
	if err != nil {
		return nil, err
	}
	return parseReply(reply, ctr, cmd)
}

// statusOK reports a reply whose first byte signals acceptance.
func statusOK(payload []byte) bool {
	return len(payload) > 0 && payload[0] != 0
}

// statusZero reports a reply whose first byte must be zero. SetTime uses
// this inverted convention.
func statusZero(payload []byte) bool {
	return len(payload) > 0 && payload[0] == 0
}

// Authenticate presents the pairing key. A rejected key means the kettle is
// bound to a different one; holding its button during login binds the
// presented key instead.
func (e *Engine) Authenticate(ctx context.Context, key []byte) error {
	if len(key) != KeyLen {
		return fmt.Errorf("redmond: auth key must be %d bytes, got %d", KeyLen, len(key))
	}
	payload, err := e.call(ctx, cmdAuth, key)
	if err != nil {
		return fmt.Errorf("redmond: auth: %w", err)
	}
	if !statusOK(payload) {
		return ble.ErrAuthRejected
	}
	return nil
}

// Version reads the firmware version as "major.minor".
func (e *Engine) Version(ctx context.Context) (string, error) {
	payload, err := e.call(ctx, cmdVersion, nil)
	if err != nil {
		return "", fmt.Errorf("redmond: version: %w", err)
	}
	if len(payload) < 2 {
		return "", &ble.ProtocolError{Op: "version", Frame: payload, Reason: "version payload too short"}
	}
	return fmt.Sprintf("%d.%d", payload[0], payload[1]), nil
}

// Run starts the program selected by the last SetMode.
func (e *Engine) Run(ctx context.Context) error {
	payload, err := e.call(ctx, cmdRun, nil)
	if err != nil {
		return fmt.Errorf("redmond: run: %w", err)
	}
	if !statusOK(payload) {
		return &ble.ProtocolError{Op: "run", Frame: payload, Reason: "start refused"}
	}
	return nil
}

// Stop halts the running program.
func (e *Engine) Stop(ctx context.Context) error {
	payload, err := e.call(ctx, cmdStop, nil)
	if err != nil {
		return fmt.Errorf("redmond: stop: %w", err)
	}
	if !statusOK(payload) {
		return &ble.ProtocolError{Op: "stop", Frame: payload, Reason: "stop refused"}
	}
	return nil
}

// Mode reads the program block and live readings.
func (e *Engine) Mode(ctx context.Context) (State, error) {
	payload, err := e.call(ctx, cmdReadMode, nil)
	if err != nil {
		return State{}, fmt.Errorf("redmond: read mode: %w", err)
	}
	return parseState(payload)
}

// SetMode writes a program selection. The kettle only accepts it while
// stopped.
func (e *Engine) SetMode(ctx context.Context, s State) error {
	payload, err := e.call(ctx, cmdWriteMode, s.encode())
	if err != nil {
		return fmt.Errorf("redmond: write mode: %w", err)
	}
	if !statusOK(payload) {
		return &ble.ProtocolError{Op: "write mode", Frame: payload, Reason: "mode refused"}
	}
	return nil
}

// SetTemperature sets the heat program's hold temperature in celsius.
func (e *Engine) SetTemperature(ctx context.Context, celsius uint8) error {
	payload, err := e.call(ctx, cmdSetTemperature, []byte{celsius})
	if err != nil {
		return fmt.Errorf("redmond: set temperature: %w", err)
	}
	if !statusOK(payload) {
		return &ble.ProtocolError{Op: "set temperature", Frame: payload, Reason: "temperature refused"}
	}
	return nil
}

// SetTime syncs the kettle clock. The statistics counters depend on it.
func (e *Engine) SetTime(ctx context.Context, now time.Time) error {
	_, offset := now.Zone()
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(int32(offset)))
	reply, err := e.call(ctx, cmdSetTime, payload)
	if err != nil {
		return fmt.Errorf("redmond: set time: %w", err)
	}
	if !statusZero(reply) {
		return &ble.ProtocolError{Op: "set time", Frame: reply, Reason: "clock write refused"}
	}
	return nil
}

// Statistics reads the lifetime usage counters.
func (e *Engine) Statistics(ctx context.Context) (Statistics, error) {
	payload, err := e.call(ctx, cmdStatistics, []byte{0x00})
	if err != nil {
		return Statistics{}, fmt.Errorf("redmond: statistics: %w", err)
	}
	return parseStatistics(payload)
}

// parseState decodes a READ_MODE payload.
func parseState(payload []byte) (State, error) {
	if len(payload) < stateLen {
		return State{}, &ble.ProtocolError{Op: "parse state", Frame: payload, Reason: "state block too short"}
	}
	return State{
		Mode:               ProgramMode(payload[0]),
		TargetTemperature:  payload[2],
		Locked:             payload[3] != 0,
		SoundEnabled:       payload[4] != 0,
		CurrentTemperature: payload[5],
		ColorChangePeriod:  binary.LittleEndian.Uint16(payload[6:8]),
		State:              RunState(payload[8]),
		BoilTimeAdjust:     int8(payload[13] - 0x80),
		Error:              payload[15],
	}, nil
}

// encode packs the block for WRITE_MODE. Read-only fields stay zero.
func (s State) encode() []byte {
	buf := make([]byte, stateLen)
	buf[0] = byte(s.Mode)
	buf[2] = s.TargetTemperature
	if s.Locked {
		buf[3] = 1
	}
	if s.SoundEnabled {
		buf[4] = 1
	}
	buf[5] = s.CurrentTemperature
	binary.LittleEndian.PutUint16(buf[6:8], s.ColorChangePeriod)
	buf[8] = byte(s.State)
	buf[13] = byte(s.BoilTimeAdjust) + 0x80
	return buf
}

// parseStatistics decodes a GET_STATISTICS payload.
func parseStatistics(payload []byte) (Statistics, error) {
	if len(payload) < statisticsMinLen {
		return Statistics{}, &ble.ProtocolError{Op: "parse statistics", Frame: payload, Reason: "statistics block too short"}
	}
	return Statistics{
		WorkSeconds:     binary.LittleEndian.Uint32(payload[2:6]),
		EnergyWattHours: binary.LittleEndian.Uint32(payload[6:10]),
		Starts:          binary.LittleEndian.Uint16(payload[10:12]),
	}, nil
}

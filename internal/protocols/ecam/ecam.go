// Package ecam drives De'Longhi ECAM series coffee machines over their
// vendor GATT service.
//
// Requests travel as 0x0d, length, payload..., crc16 with the CRC computed
// big-endian over header, length and payload (CRC-16/AUG-CCITT, poly 0x1021,
// init 0x1d0f). Responses mirror the shape under header 0xd0 and echo the
// two command bytes in front of the data. The machine counts the length
// field differently on each side: requests carry payload+3, responses carry
// frame-2.
package ecam

import (
	"context"
	"fmt"
	"time"

	"github.com/sigurn/crc16"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// DataCharUUID is the single vendor characteristic the machine exposes for
// both commands and notifications.
const DataCharUUID = "00035b03-58e6-07dd-021a-08123a000301"

// Frame headers.
const (
	requestHeader  = 0x0d
	responseHeader = 0xd0
)

// Command payloads. The machine addresses functions by two-byte selectors
// with inline parameters.
var (
	cmdTurnOn  = []byte{0x84, 0x0f, 0x02, 0x01}
	cmdMonitor = []byte{0x75, 0x0f}
)

// monitorLen is the data block size of a monitor response.
const monitorLen = 14

// commandTimeout bounds one exchange.
const commandTimeout = 10 * time.Second

var crcTable = crc16.MakeTable(crc16.CRC16_AUG_CCITT)

// Alarm bits the machine raises in its monitor block, by bit number.
var alarmNames = map[uint]string{
	0:  "water_tank_empty",
	1:  "waste_container_full",
	2:  "descale_needed",
	3:  "replace_water_filter",
	4:  "grounds_too_fine",
	5:  "beans_empty",
	6:  "service_needed",
	7:  "heater_probe_failure",
	8:  "too_much_coffee",
	10: "steamer_probe_failure",
	11: "drip_tray_full",
	12: "hydraulic_circuit_problem",
	14: "clean_knob",
	15: "beans_empty_secondary",
	17: "bean_hopper_absent",
	18: "grid_absent",
	19: "infuser_absent",
	25: "condense_fan_problem",
}

// Status is one monitor snapshot from the machine.
type Status struct {
	// Switches is the machine switch bitmask. Zero means every sensor
	// reads inactive, which is what standby looks like.
	Switches uint16

	// Alarms is the raw alarm bitmask.
	Alarms uint32

	// Ongoing is the id of the beverage being dispensed, zero when idle.
	Ongoing byte

	// Progress is the dispensing progress of the ongoing beverage.
	Progress byte
}

// On reports whether the machine is awake. In standby the GATT link stays
// up but the monitor block reads all zeroes.
func (s Status) On() bool {
	return s.Switches != 0 || s.Ongoing != 0
}

// AlarmNames resolves the alarm bitmask into stable identifiers. Unknown
// bits come out as alarm_<n> so nothing is silently dropped.
func (s Status) AlarmNames() []string {
	if s.Alarms == 0 {
		return nil
	}
	var names []string
	for bit := uint(0); bit < 32; bit++ {
		if s.Alarms&(1<<bit) == 0 {
			continue
		}
		name, ok := alarmNames[bit]
		if !ok {
			name = fmt.Sprintf("alarm_%d", bit)
		}
		names = append(names, name)
	}
	return names
}

// Transport plays one framed exchange against the peripheral. It is
// satisfied by *ble.CommandQueue.
type Transport interface {
	Send(ctx context.Context, request []byte, expectReply bool, timeout time.Duration) ([]byte, error)
}

// Engine speaks the ECAM protocol over a command transport.
type Engine struct {
	transport Transport
}

// NewEngine wraps transport with ECAM framing.
func NewEngine(transport Transport) *Engine {
	return &Engine{transport: transport}
}

// checksum computes the big-endian frame CRC.
func checksum(data []byte) [2]byte {
	c := crc16.Checksum(data, crcTable)
	return [2]byte{byte(c >> 8), byte(c)}
}

// buildFrame wraps payload in header, length and CRC.
func buildFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, requestHeader, byte(len(payload)+3))
	frame = append(frame, payload...)
	c := checksum(frame)
	return append(frame, c[0], c[1])
}

// parseFrame validates a response frame and returns the data between the
// command echo and the CRC.
func parseFrame(frame, echo []byte) ([]byte, error) {
	if len(frame) < len(echo)+4 {
		return nil, &ble.ProtocolError{Op: "parse frame", Frame: frame, Reason: "frame too short"}
	}
	if frame[0] != responseHeader {
		return nil, &ble.ProtocolError{Op: "parse frame", Frame: frame, Reason: "bad response header"}
	}
	if int(frame[1]) != len(frame)-2 {
		return nil, &ble.ProtocolError{
			Op:     "parse frame",
			Frame:  frame,
			Reason: fmt.Sprintf("length byte %d, frame carries %d", frame[1], len(frame)-2),
		}
	}
	body, crc := frame[:len(frame)-2], frame[len(frame)-2:]
	if want := checksum(body); crc[0] != want[0] || crc[1] != want[1] {
		return nil, &ble.ProtocolError{Op: "parse frame", Frame: frame, Reason: "checksum mismatch"}
	}
	for i := range echo {
		if frame[2+i] != echo[i] {
			return nil, &ble.ProtocolError{Op: "parse frame", Frame: frame, Reason: "command echo mismatch"}
		}
	}
	return frame[2+len(echo) : len(frame)-2], nil
}

// PowerOn wakes the machine from standby. The machine acknowledges with its
// usual monitor notification; matching the vendor app, the reply is not
// awaited.
func (e *Engine) PowerOn(ctx context.Context) error {
	if _, err := e.transport.Send(ctx, buildFrame(cmdTurnOn), false, commandTimeout); err != nil {
		return fmt.Errorf("ecam: power on: %w", err)
	}
	return nil
}

// Status requests a monitor snapshot.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	reply, err := e.transport.Send(ctx, buildFrame(cmdMonitor), true, commandTimeout)
	if err != nil {
		return Status{}, fmt.Errorf("ecam: status: %w", err)
	}
	monitor, err := parseFrame(reply, cmdMonitor)
	if err != nil {
		return Status{}, fmt.Errorf("ecam: status: %w", err)
	}
	return parseStatus(monitor)
}

// parseStatus decodes the monitor data block. Offsets follow the vendor
// app's 0x75 layout with the four leading frame bytes already stripped.
func parseStatus(monitor []byte) (Status, error) {
	if len(monitor) < monitorLen {
		return Status{}, &ble.ProtocolError{Op: "parse status", Frame: monitor, Reason: "monitor block too short"}
	}
	return Status{
		Switches: uint16(monitor[1]) | uint16(monitor[2])<<8,
		Alarms: uint32(monitor[3]) | uint32(monitor[4])<<8 |
			uint32(monitor[8])<<16 | uint32(monitor[9])<<24,
		Ongoing:  monitor[5],
		Progress: monitor[6],
	}, nil
}

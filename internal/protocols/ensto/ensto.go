// Package ensto drives Ensto BLE thermostats (EPHBEBT series).
//
// The thermostat frames nothing; everything is direct reads and writes of
// vendor characteristics. Access requires a pairing key: the factory-reset
// characteristic yields one while the thermostat is in pairing mode, and
// writing the key back unlocks the session. The same characteristic
// separates the three failure shapes: wrong key, not in pairing mode, and
// plain transport trouble.
package ensto

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// Vendor characteristics. The factory-reset characteristic doubles as the
// pairing-key exchange; the heating-power characteristic is unused by the
// firmware and borrowed as persistent storage for the target temperature.
const (
	MeasurementsCharUUID = "66ad3e6b-3135-4ada-bb2b-8b22916b21d4"
	vacationCharUUID     = "6584e9c6-4784-41aa-ac09-c899191048ae"
	dateCharUUID         = "b43f918a-b084-45c8-9b60-df648c4a4a1e"
	memorySlotCharUUID   = "53b7bf87-6cf0-4790-839a-e72d3afbec44"
	authCharUUID         = "f366dddb-ebe2-43ee-83c0-472ded74c8fa"
)

// KeyLen is the pairing key size in bytes.
const KeyLen = 4

// resetBlockMinLen is the smallest factory-reset read that carries a key.
const resetBlockMinLen = 10

// Block sizes.
const (
	measurementsLen = 21
	vacationLen     = 15
)

// ActiveMode is the thermostat's current control source.
type ActiveMode uint8

// Control sources as the firmware reports them.
const (
	ModeManual   ActiveMode = 1
	ModeCalendar ActiveMode = 2
	ModeVacation ActiveMode = 3
)

// Measurements is the thermostat's live reporting block.
type Measurements struct {
	TargetTemperature float64
	Temperature       float64
	RelayOn           bool
	AlarmCode         uint32
	ActiveMode        ActiveMode
	BoostOn           bool
	BoostMinutes      uint16
	BoostMinutesLeft  uint16
	Potentiometer     uint8
}

// Vacation is the offset program the bridge drives the target temperature
// through. The physical dial stays authoritative; vacation mode applies a
// signed offset on top of it.
type Vacation struct {
	OffsetCelsius float64
	Enabled       bool
}

// Transport is the characteristic access this engine needs. It is satisfied
// by ble.Client.
type Transport interface {
	ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, uuid string, data []byte, withResponse bool) error
}

// Engine speaks the Ensto characteristic protocol.
type Engine struct {
	transport Transport
	key       []byte
}

// NewEngine wraps transport. key may be nil when the thermostat is expected
// to be in pairing mode; Authenticate then learns one and LearnedKey exposes
// it for the operator to persist.
func NewEngine(transport Transport, key []byte) *Engine {
	return &Engine{transport: transport, key: append([]byte(nil), key...)}
}

// isNotAuthorized matches the bluez permission error raised on access to
// the locked characteristic.
func isNotAuthorized(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NotAuthorized")
}

// Authenticate unlocks the session. Without a configured key it reads the
// factory-reset characteristic, readable only in pairing mode, and adopts
// the first four bytes. It then presents the key; the thermostat refuses
// the write when the key does not match its bound one.
func (e *Engine) Authenticate(ctx context.Context) error {
	if len(e.key) == 0 {
		data, err := e.transport.ReadCharacteristic(ctx, authCharUUID)
		if err != nil {
			if isNotAuthorized(err) {
				return fmt.Errorf("ensto: read pairing key: %w", ble.ErrNotPairable)
			}
			return fmt.Errorf("ensto: read pairing key: %w", err)
		}
		if len(data) < resetBlockMinLen {
			return fmt.Errorf("ensto: reset block carries no key: %w", ble.ErrNotPairable)
		}
		e.key = append([]byte(nil), data[:KeyLen]...)
	}
	if err := e.transport.WriteCharacteristic(ctx, authCharUUID, e.key, true); err != nil {
		if isNotAuthorized(err) {
			return fmt.Errorf("ensto: present pairing key: %w", ble.ErrAuthRejected)
		}
		return fmt.Errorf("ensto: present pairing key: %w", err)
	}
	return nil
}

// LearnedKey returns the pairing key in use, hex encoded. After a first
// pairing the operator persists it in the device configuration.
func (e *Engine) LearnedKey() string {
	return hex.EncodeToString(e.key)
}

// Measurements reads the live reporting block.
func (e *Engine) Measurements(ctx context.Context) (Measurements, error) {
	data, err := e.transport.ReadCharacteristic(ctx, MeasurementsCharUUID)
	if err != nil {
		return Measurements{}, fmt.Errorf("ensto: read measurements: %w", err)
	}
	return parseMeasurements(data)
}

// parseMeasurements decodes the reporting block.
func parseMeasurements(data []byte) (Measurements, error) {
	if len(data) < measurementsLen {
		return Measurements{}, &ble.ProtocolError{Op: "parse measurements", Frame: data, Reason: "reporting block too short"}
	}
	return Measurements{
		TargetTemperature: float64(binary.LittleEndian.Uint16(data[1:3])) / 10,
		Temperature:       float64(int16(binary.LittleEndian.Uint16(data[4:6]))) / 10,
		RelayOn:           data[8] == 1,
		AlarmCode:         binary.LittleEndian.Uint32(data[9:13]),
		ActiveMode:        ActiveMode(data[13]),
		BoostOn:           data[15] == 1,
		BoostMinutes:      binary.LittleEndian.Uint16(data[16:18]),
		BoostMinutesLeft:  binary.LittleEndian.Uint16(data[18:20]),
		Potentiometer:     data[20],
	}, nil
}

// ReadVacation reads the offset program.
func (e *Engine) ReadVacation(ctx context.Context) (Vacation, error) {
	data, err := e.transport.ReadCharacteristic(ctx, vacationCharUUID)
	if err != nil {
		return Vacation{}, fmt.Errorf("ensto: read vacation block: %w", err)
	}
	return parseVacation(data)
}

// parseVacation decodes the offset program block.
func parseVacation(data []byte) (Vacation, error) {
	if len(data) < vacationLen {
		return Vacation{}, &ble.ProtocolError{Op: "parse vacation block", Frame: data, Reason: "vacation block too short"}
	}
	return Vacation{
		OffsetCelsius: float64(int16(binary.LittleEndian.Uint16(data[10:12]))) / 100,
		Enabled:       data[13] != 0,
	}, nil
}

// SetVacation programs a permanent offset window covering years 2000
// through 2255. offsetCelsius is the difference between the wanted target
// and the dial temperature.
func (e *Engine) SetVacation(ctx context.Context, offsetCelsius float64, enable bool) error {
	data := make([]byte, vacationLen)
	// Window runs jan 1st of year byte 0 through dec 31st of year byte 255.
	data[1], data[2] = 1, 1
	data[5] = 255
	data[6], data[7] = 12, 31
	offset := int16(math.Round(offsetCelsius * 100))
	binary.LittleEndian.PutUint16(data[10:12], uint16(offset))
	if enable {
		data[13] = 1
		data[14] = 1
	}
	if err := e.transport.WriteCharacteristic(ctx, vacationCharUUID, data, false); err != nil {
		return fmt.Errorf("ensto: write vacation block: %w", err)
	}
	return nil
}

// SetClock writes the wall clock, which the calendar program depends on.
func (e *Engine) SetClock(ctx context.Context, now time.Time) error {
	data := make([]byte, 7)
	binary.LittleEndian.PutUint16(data[0:2], uint16(now.Year()))
	data[2] = byte(now.Month())
	data[3] = byte(now.Day())
	data[4] = byte(now.Hour())
	data[5] = byte(now.Minute())
	data[6] = byte(now.Second())
	if err := e.transport.WriteCharacteristic(ctx, dateCharUUID, data, false); err != nil {
		return fmt.Errorf("ensto: write clock: %w", err)
	}
	return nil
}

// StoredTarget reads the target temperature remembered across restarts,
// zero when never written.
func (e *Engine) StoredTarget(ctx context.Context) (float64, error) {
	data, err := e.transport.ReadCharacteristic(ctx, memorySlotCharUUID)
	if err != nil {
		return 0, fmt.Errorf("ensto: read stored target: %w", err)
	}
	if len(data) < 2 {
		return 0, &ble.ProtocolError{Op: "read stored target", Frame: data, Reason: "storage slot too short"}
	}
	return float64(binary.LittleEndian.Uint16(data[0:2])) / 10, nil
}

// StoreTarget persists the target temperature.
func (e *Engine) StoreTarget(ctx context.Context, celsius float64) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, uint16(math.Round(celsius*10)))
	if err := e.transport.WriteCharacteristic(ctx, memorySlotCharUUID, data, false); err != nil {
		return fmt.Errorf("ensto: write stored target: %w", err)
	}
	return nil
}

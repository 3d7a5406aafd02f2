package devices

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// Device type strings as they appear in the configuration file.
const (
	TypePresence        = "presence"
	TypeXiaomiATC       = "xiaomi_atc"
	TypeRedmondKettle   = "redmond_kettle"
	TypeAM43Cover       = "am43_cover"
	TypeECAMCoffee      = "ecam_coffee"
	TypeInMotionScooter = "inmotion_scooter"
	TypeEnstoThermostat = "ensto_thermostat"
)

// Binary entity payloads.
const (
	payloadOn  = "ON"
	payloadOff = "OFF"
)

// Options carries one configuration entry's settings to a device
// constructor. Zero values select the device type's defaults.
type Options struct {
	// Address is the peripheral MAC, colon-hex.
	Address string

	// Name overrides the derived friendly name.
	Name string

	// Key is the pairing or auth key for devices that need one, hex
	// encoded.
	Key string

	// Mode overrides the device type's default connection mode.
	Mode ble.ConnectionMode

	// Threshold tunes presence detection: how long without a sighting
	// before the tracker reports away.
	Threshold time.Duration

	// Connection policy overrides.
	ReconnectionInterval    time.Duration
	ActiveInterval          time.Duration
	PassiveInterval         time.Duration
	ConnectionFailuresLimit int

	// Logger is optional.
	Logger ble.Logger
}

// Factory builds one device from its configuration entry.
type Factory func(opts Options) (ble.Device, error)

// factories maps configuration type strings to device constructors.
// Supporting a new peripheral means adding a row here.
var factories = map[string]Factory{
	TypePresence:        newPresence,
	TypeXiaomiATC:       newXiaomiATC,
	TypeRedmondKettle:   newRedmondKettle,
	TypeAM43Cover:       newAM43Cover,
	TypeECAMCoffee:      newECAMCoffee,
	TypeInMotionScooter: newInMotionScooter,
	TypeEnstoThermostat: newEnstoThermostat,
}

// New builds the device for one configuration entry.
func New(deviceType string, opts Options) (ble.Device, error) {
	factory, ok := factories[deviceType]
	if !ok {
		return nil, fmt.Errorf("devices: unknown device type %q, known types: %s",
			deviceType, strings.Join(Types(), ", "))
	}
	return factory(opts)
}

// Types lists the registered device types, sorted.
func Types() []string {
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// resolveMode picks the connection mode for a device instance: the
// configuration override when present, the type's default otherwise.
func resolveMode(override, fallback ble.ConnectionMode) ble.ConnectionMode {
	if override != "" {
		return override
	}
	return fallback
}

// formatNumber renders a reading as a plain decimal state payload.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// newCommandQueue builds a command queue that transmits frames on txUUID
// and feeds replies back from rxUUID notifications. handler, when not nil,
// sees every notification first and reports whether it consumed it;
// unconsumed notifications go to the queue's reply matching.
func newCommandQueue(ctx context.Context, client ble.Client, txUUID, rxUUID string, withResponse bool, handler func(data []byte) bool, log ble.Logger) (*ble.CommandQueue, error) {
	queue := ble.NewCommandQueue(func(ctx context.Context, payload []byte) error {
		return client.WriteCharacteristic(ctx, txUUID, payload, withResponse)
	}, log)
	notify := queue.HandleNotification
	if handler != nil {
		notify = func(data []byte) {
			if handler(data) {
				return
			}
			queue.HandleNotification(data)
		}
	}
	if err := client.Subscribe(ctx, rxUUID, notify); err != nil {
		queue.Close()
		return nil, fmt.Errorf("subscribe %s: %w", rxUUID, err)
	}
	return queue, nil
}

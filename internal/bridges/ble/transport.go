package ble

import "context"

// AddressType is the BLE address kind a peripheral advertises with.
type AddressType string

// Peripheral address types.
const (
	AddressPublic AddressType = "public"
	AddressRandom AddressType = "random"
)

// ServiceData is one advertised service UUID with its payload.
type ServiceData struct {
	UUID string
	Data []byte
}

// Advertisement is one sighting of a peripheral during a scan cycle.
type Advertisement struct {
	// Address is the peripheral MAC, colon-hex, lower case.
	Address string

	// RSSI is the received signal strength in dBm, negative.
	RSSI int

	// LocalName is the advertised device name, if present.
	LocalName string

	// ManufacturerData is the raw manufacturer-specific payload, if present.
	ManufacturerData []byte

	// ServiceData holds advertised service payloads. Passive sensors such
	// as ATC thermometers broadcast their readings here.
	ServiceData []ServiceData
}

// Client is one live GATT connection to a peripheral. Characteristics are
// addressed by their 128-bit UUID string; short 16-bit forms are accepted.
//
// Implementations must be safe for concurrent use: a device's poll loop and
// its command handler can touch the connection at the same time.
type Client interface {
	// ReadCharacteristic reads the characteristic's current value.
	ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error)

	// WriteCharacteristic writes data to the characteristic. When
	// withResponse is set the peripheral acknowledges the write.
	WriteCharacteristic(ctx context.Context, uuid string, data []byte, withResponse bool) error

	// Subscribe starts notifications on the characteristic. The handler is
	// invoked from the stack's receive loop and must not block.
	Subscribe(ctx context.Context, uuid string, handler func(data []byte)) error

	// Unsubscribe stops notifications on the characteristic.
	Unsubscribe(ctx context.Context, uuid string) error

	// Disconnected is closed when the connection drops, whether the
	// peripheral hung up or Close was called.
	Disconnected() <-chan struct{}

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens GATT connections. The production implementation sits on the
// host HCI stack; tests substitute their own.
type Dialer interface {
	// Dial connects to the peripheral at address and discovers its GATT
	// profile. The context bounds the whole attempt.
	Dial(ctx context.Context, address string, addressType AddressType) (Client, error)
}

// AdapterRestarter recovers a wedged host adapter. Exactly one restart runs
// at a time; concurrent callers wait the sequence out.
type AdapterRestarter interface {
	Restart(ctx context.Context) error
	Barrier(ctx context.Context) error
}

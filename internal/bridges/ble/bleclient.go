package ble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/cmd"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stack drives the host Bluetooth adapter through the kernel HCI socket.
// One Stack owns the adapter exclusively and both scans and dials for every
// configured device.
//
// Thread Safety:
//   - Dial and Scan are safe for concurrent use; the HCI layer serializes
//     radio commands internally.
type Stack struct {
	dev     *linux.Device
	adapter string
	log     Logger
}

// Ensure Stack implements Dialer.
var _ Dialer = (*Stack)(nil)

// NewStack opens the adapter named like "hci0". When passiveScan is set the
// controller listens without sending scan requests, so broadcast-only
// sensors are heard without waking them.
//
// Parameters:
//   - adapter: kernel adapter name, "hciN"
//   - passiveScan: listen-only scanning
//   - log: optional logger, may be nil
//
// Returns an error when the adapter cannot be opened, which usually means
// it is missing, held by another process, or rfkill-blocked.
func NewStack(adapter string, passiveScan bool, log Logger) (*Stack, error) {
	if log == nil {
		log = noopLogger{}
	}
	id, err := adapterID(adapter)
	if err != nil {
		return nil, err
	}

	dev, err := linux.NewDevice(goble.OptDeviceID(id))
	if err != nil {
		return nil, &TransportError{Op: "open adapter " + adapter, Err: err}
	}

	if passiveScan {
		if err := dev.HCI.Send(&cmd.LESetScanParameters{
			LEScanType:           0x00,   // 0x00: passive, 0x01: active
			LEScanInterval:       0x4000, // N * 0.625 ms
			LEScanWindow:         0x4000, // N * 0.625 ms
			OwnAddressType:       0x00,   // public
			ScanningFilterPolicy: 0x00,   // accept all
		}, nil); err != nil {
			_ = dev.Stop()
			return nil, &TransportError{Op: "set passive scan parameters", Err: err}
		}
	}

	log.Info("bluetooth adapter ready",
		"adapter", adapter,
		"passive_scan", passiveScan)

	return &Stack{dev: dev, adapter: adapter, log: log}, nil
}

// adapterID extracts the numeric id from an adapter name such as "hci0".
func adapterID(adapter string) (int, error) {
	digits := strings.TrimPrefix(strings.ToLower(adapter), "hci")
	id, err := strconv.Atoi(digits)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("ble: adapter name %q is not of the form hciN", adapter)
	}
	return id, nil
}

// Dial connects to the peripheral and discovers its full GATT profile. The
// context bounds the whole attempt, connection plus discovery.
func (s *Stack) Dial(ctx context.Context, address string, addressType AddressType) (Client, error) {
	addr := goble.Addr(goble.NewAddr(address))
	if addressType == AddressRandom {
		addr = hci.RandomAddress{Addr: addr}
	}

	cln, err := s.dev.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	profile, err := discoverProfile(ctx, cln)
	if err != nil {
		_ = cln.CancelConnection()
		return nil, fmt.Errorf("discover profile: %w", err)
	}

	chars := make(map[string]*goble.Characteristic)
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			chars[char.UUID.String()] = char
		}
	}

	s.log.Debug("peripheral connected",
		"address", address,
		"services", len(profile.Services),
		"characteristics", len(chars))

	return &gattClient{cln: cln, chars: chars, log: s.log}, nil
}

// discoverProfile bounds the blocking profile discovery with the dial
// context. On early return the caller cancels the connection, which also
// unblocks the discovery goroutine.
func discoverProfile(ctx context.Context, cln goble.Client) (*goble.Profile, error) {
	type result struct {
		profile *goble.Profile
		err     error
	}
	done := make(chan result, 1)
	go func() {
		p, err := cln.DiscoverProfile(true)
		done <- result{profile: p, err: err}
	}()
	select {
	case r := <-done:
		return r.profile, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cln.Disconnected():
		return nil, ErrDisconnected
	}
}

// Scan runs one scan pass, invoking handler for every advertisement heard,
// duplicates included, until ctx ends. A scan window that expires or is
// cancelled is a clean finish, not an error.
func (s *Stack) Scan(ctx context.Context, handler func(Advertisement)) error {
	h := func(a goble.Advertisement) {
		handler(convertAdvertisement(a))
	}
	err := s.dev.Scan(ctx, true, h)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Op: "scan", Err: err}
	}
	return nil
}

// convertAdvertisement copies one sighting out of the stack's buffers.
func convertAdvertisement(a goble.Advertisement) Advertisement {
	adv := Advertisement{
		Address:   strings.ToLower(a.Addr().String()),
		RSSI:      a.RSSI(),
		LocalName: a.LocalName(),
	}
	if md := a.ManufacturerData(); len(md) > 0 {
		adv.ManufacturerData = append([]byte(nil), md...)
	}
	for _, sd := range a.ServiceData() {
		adv.ServiceData = append(adv.ServiceData, ServiceData{
			UUID: sd.UUID.String(),
			Data: append([]byte(nil), sd.Data...),
		})
	}
	return adv
}

// Close releases the adapter. Dial and Scan fail afterwards.
func (s *Stack) Close() error {
	return s.dev.Stop()
}

// gattClient adapts one go-ble connection to the Client interface,
// addressing characteristics by UUID and bounding every exchange with a
// context.
type gattClient struct {
	cln   goble.Client
	chars map[string]*goble.Characteristic
	log   Logger

	closeOnce sync.Once
	closeErr  error
}

// Ensure gattClient implements Client.
var _ Client = (*gattClient)(nil)

// characteristic resolves a UUID string against the discovered profile.
// Short 16-bit forms and dashed 128-bit forms are both accepted.
func (c *gattClient) characteristic(uuid string) (*goble.Characteristic, error) {
	u, err := goble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("ble: characteristic uuid %q: %w", uuid, err)
	}
	char, ok := c.chars[u.String()]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not present on %s", uuid, c.cln.Addr())
	}
	return char, nil
}

// await runs op in its own goroutine so a stuck GATT exchange cannot outlive
// its context. An abandoned operation still runs to completion in the
// background; the radio serializes it with whatever comes next.
func (c *gattClient) await(ctx context.Context, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cln.Disconnected():
		return ErrDisconnected
	}
}

func (c *gattClient) ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error) {
	char, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	type result struct {
		value []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := c.cln.ReadCharacteristic(char)
		done <- result{value: v, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, &TransportError{Op: "read " + uuid, Err: r.err}
		}
		return r.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.cln.Disconnected():
		return nil, ErrDisconnected
	}
}

func (c *gattClient) WriteCharacteristic(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	char, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	return c.await(ctx, func() error {
		if err := c.cln.WriteCharacteristic(char, data, !withResponse); err != nil {
			return &TransportError{Op: "write " + uuid, Err: err}
		}
		return nil
	})
}

// Subscribe starts notifications. The stack reuses its receive buffer
// between callbacks, so each payload is copied before it leaves.
func (c *gattClient) Subscribe(ctx context.Context, uuid string, handler func(data []byte)) error {
	char, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	relay := func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	}
	return c.await(ctx, func() error {
		if err := c.cln.Subscribe(char, false, relay); err != nil {
			return &TransportError{Op: "subscribe " + uuid, Err: err}
		}
		return nil
	})
}

func (c *gattClient) Unsubscribe(ctx context.Context, uuid string) error {
	char, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	return c.await(ctx, func() error {
		if err := c.cln.Unsubscribe(char, false); err != nil {
			return &TransportError{Op: "unsubscribe " + uuid, Err: err}
		}
		return nil
	})
}

// Disconnected is closed by the HCI layer when the link drops.
func (c *gattClient) Disconnected() <-chan struct{} {
	return c.cln.Disconnected()
}

// Close drops the connection. Later calls return the first result.
func (c *gattClient) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.cln.CancelConnection()
	})
	return c.closeErr
}

package ble

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// ConnectionMode is how a device talks to its peripheral.
type ConnectionMode string

// Connection modes.
const (
	// ModePassive never connects; state arrives in advertisements.
	ModePassive ConnectionMode = "passive"

	// ModeActivePollWithDisconnect connects, polls, and lets the
	// peripheral drop the link between rounds.
	ModeActivePollWithDisconnect ConnectionMode = "active_poll_with_disconnect"

	// ModeActiveKeepConnection holds the link open and streams
	// notifications until something breaks it.
	ModeActiveKeepConnection ConnectionMode = "active_keep_connection"

	// ModeOnDemand connects only while a command or poll needs the link.
	ModeOnDemand ConnectionMode = "on_demand"
)

// Valid reports whether m is a known connection mode.
func (m ConnectionMode) Valid() bool {
	switch m {
	case ModePassive, ModeActivePollWithDisconnect, ModeActiveKeepConnection, ModeOnDemand:
		return true
	}
	return false
}

// HoldsConnection reports whether the supervisor should watch the link for
// drops while handler loops run. Only persistent connections warrant it; a
// device that hangs up by design would trip the watcher every round.
func (m ConnectionMode) HoldsConnection() bool {
	return m == ModeActiveKeepConnection
}

// Transient reports whether the link comes and goes as part of normal
// operation. Transient devices skip the availability=offline publish on
// ordinary disconnects so consumers do not see them flap.
func (m ConnectionMode) Transient() bool {
	return m == ModeActivePollWithDisconnect || m == ModeOnDemand
}

// Home Assistant component classes an entity may belong to.
const (
	ComponentBinarySensor  = "binary_sensor"
	ComponentButton        = "button"
	ComponentClimate       = "climate"
	ComponentCover         = "cover"
	ComponentDeviceTracker = "device_tracker"
	ComponentLight         = "light"
	ComponentSelect        = "select"
	ComponentSensor        = "sensor"
	ComponentSwitch        = "switch"
)

// Command topic postfixes. A writable entity's command topics are its state
// topic with one of these appended, e.g. "kettle_aabbcc/pot/set".
const (
	SetPostfix                  = "set"
	SetPositionPostfix          = "set_position"
	SetModePostfix              = "set_mode"
	SetTargetTemperaturePostfix = "set_target_temperature"
)

// commandRoutes maps each postfix to the component classes that subscribe to
// it. Order is fixed so derived topic lists are deterministic.
var commandRoutes = []struct {
	postfix    string
	components []string
}{
	{SetPostfix, []string{ComponentButton, ComponentClimate, ComponentCover, ComponentLight, ComponentSelect, ComponentSwitch}},
	{SetPositionPostfix, []string{ComponentCover}},
	{SetModePostfix, []string{ComponentClimate}},
	{SetTargetTemperaturePostfix, []string{ComponentClimate}},
}

// Entity describes one value or control a device exposes. The discovery
// layer turns entities into Home Assistant config payloads; the device's
// handler loops publish matching state.
type Entity struct {
	// Component is the HA component class, e.g. ComponentSensor.
	Component string

	// Name is the entity name and its subtopic under the device.
	Name string

	// DeviceClass is the optional HA device class, e.g. "temperature".
	DeviceClass string

	// Unit is the optional unit of measurement.
	Unit string

	// Icon is the optional mdi icon name, without the "mdi:" prefix.
	Icon string

	// EntityCategory marks housekeeping entities ("diagnostic").
	EntityCategory string

	// Options carries extra component-specific discovery keys, e.g.
	// climate modes. May be nil.
	Options map[string]any
}

// linkQualityEntity is injected next to every device's own entities.
var linkQualityEntity = Entity{
	Component:      ComponentSensor,
	Name:           "linkquality",
	Unit:           "lqi",
	Icon:           "signal",
	EntityCategory: "diagnostic",
}

// WithLinkQuality returns entities with the standard link quality sensor
// appended.
func WithLinkQuality(entities []Entity) []Entity {
	out := make([]Entity, 0, len(entities)+1)
	out = append(out, entities...)
	return append(out, linkQualityEntity)
}

// LinkQuality converts an RSSI reading in dBm to the 0..255 quality scale
// used in state payloads. -100 dBm and below map to 0, 0 dBm to 255.
func LinkQuality(rssi int) int {
	q := int(math.Round(255 * (float64(rssi) + 100) / 100))
	if q < 0 {
		return 0
	}
	return q
}

// Message is one inbound command delivered to a device, with the topic
// relative to the bridge base, e.g. "kettle_aabbcc/pot/set".
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher is the outbound MQTT surface handed to device handler loops.
// Topics are relative to the bridge base and start with the device's unique
// id. Publishing state also refreshes the device's availability, so
// consumers always see "online" next to fresh data.
type Publisher interface {
	// Publish sends one state payload.
	Publish(ctx context.Context, topic string, payload []byte) error

	// SendConfig publishes the device's discovery configs. Handler loops
	// call it once per connection, before the first state publish.
	SendConfig(ctx context.Context) error
}

// Device is one configured peripheral: identity, connection policy, and the
// handler loops the supervisor runs while the device is up. BaseDevice
// implements everything except Handle.
type Device interface {
	UniqueID() string
	FriendlyName() string
	Address() string
	AddressType() AddressType
	Model() string
	Manufacturer() string
	Version() string

	ConnectionMode() ConnectionMode
	ReconnectionInterval() time.Duration
	ConnectionFailuresLimit() int

	// Entities lists the device's capability surface. Read-only.
	Entities() []Entity

	// SubscribedTopics lists the command topics the device consumes,
	// relative to the bridge base.
	SubscribedTopics() []string

	// EntityTopic returns the state topic for one entity, relative to
	// the bridge base.
	EntityTopic(entity string) string

	// AvailabilityTopic returns the device's availability topic,
	// relative to the bridge base.
	AvailabilityTopic() string

	// Connect acquires a fresh link handle. No-op for passive devices.
	Connect(ctx context.Context, dialer Dialer) error

	// Init runs one-time post-connect setup: identity reads, notification
	// subscriptions, protocol auth. Failure reports up without retry.
	Init(ctx context.Context) error

	// Handle is the device's main loop. It runs until ctx is cancelled,
	// the link drops, or the device fails.
	Handle(ctx context.Context, pub Publisher) error

	// HandleMessages consumes the inbound command queue. Only raced when
	// the device has writable entities.
	HandleMessages(ctx context.Context, pub Publisher) error

	// HandleAdvert digests one advertisement. Synchronous, non-blocking,
	// no I/O; called from the scan fan-out.
	HandleAdvert(adv Advertisement)

	// Close releases the link handle. Idempotent, safe when never
	// connected.
	Close() error

	// MarkSeen records a sighting from the scanner.
	MarkSeen(rssi int)

	// WaitSeenOnce blocks until the device has been seen at least once
	// since startup. ErrDeviceNotFound after timeout.
	WaitSeenOnce(ctx context.Context, timeout time.Duration) error

	// WaitAdvert blocks until an advertisement arrives that was not yet
	// consumed, or the timeout passes. Used to cut reconnect backoff
	// short as soon as the device reappears.
	WaitAdvert(ctx context.Context, timeout time.Duration)

	// EnqueueMessage hands an inbound command to the device. Reports
	// false when the queue is full.
	EnqueueMessage(msg Message) bool

	IsConnected() bool

	// Disconnected returns the live link's drop channel, or nil when not
	// connected. A nil channel blocks forever in a select.
	Disconnected() <-chan struct{}

	RSSI() int
}

// Standard GATT characteristics read during Init.
const (
	deviceNameUUID       = "00002a00-0000-1000-8000-00805f9b34fb"
	firmwareRevisionUUID = "00002a26-0000-1000-8000-00805f9b34fb"

	// deviceInfoReadTimeout bounds each identity characteristic read.
	deviceInfoReadTimeout = 5 * time.Second
)

// Default device policy values, overridable per device in DeviceOptions.
const (
	// DefaultReconnectionInterval is the pause between connection cycles.
	DefaultReconnectionInterval = 60 * time.Second

	// DefaultActiveInterval is the pause between poll rounds while
	// connected.
	DefaultActiveInterval = 60 * time.Second

	// DefaultPassiveInterval is the publish cadence for passive devices.
	DefaultPassiveInterval = 60 * time.Second

	// DefaultNotReadyInterval is the retry tick while a device has no
	// state to publish yet.
	DefaultNotReadyInterval = 5 * time.Second

	// DefaultConnectionFailuresLimit is how many consecutive
	// missing-device cycles trigger an adapter restart.
	DefaultConnectionFailuresLimit = 5

	// defaultInboundQueueSize bounds commands waiting for HandleMessages.
	defaultInboundQueueSize = 16
)

// DeviceOptions configures a BaseDevice.
type DeviceOptions struct {
	// Address is the peripheral MAC, colon-hex.
	Address string

	// AddressType is the BLE address kind. Defaults to public.
	AddressType AddressType

	// FriendlyName labels the device in entity names. Defaults to the
	// unique id.
	FriendlyName string

	// Model and Manufacturer describe the hardware.
	Model        string
	Manufacturer string

	// Mode is the resolved connection mode for this device instance.
	Mode ConnectionMode

	// SupportsPassive and SupportsActive declare what the device type can
	// do; Mode is validated against them.
	SupportsPassive bool
	SupportsActive  bool

	// Entities is the device's capability surface, without linkquality.
	Entities []Entity

	// Policy overrides. Zero values select the defaults above.
	ReconnectionInterval    time.Duration
	ActiveInterval          time.Duration
	PassiveInterval         time.Duration
	NotReadyInterval        time.Duration
	ConnectionFailuresLimit int
	InboundQueueSize        int

	// Logger is optional.
	Logger Logger
}

// advertSignal is a one-slot advertisement notification: set on every
// sighting, cleared when consumed or when a connection succeeds.
type advertSignal struct {
	ch chan struct{}
}

func newAdvertSignal() advertSignal {
	return advertSignal{ch: make(chan struct{}, 1)}
}

func (s advertSignal) set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s advertSignal) clear() {
	select {
	case <-s.ch:
	default:
	}
}

// BaseDevice carries the identity, policy and runtime plumbing shared by all
// device implementations. Concrete devices embed *BaseDevice and add their
// own Handle loop; most also override Init and Close.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The client handle, RSSI and
//     version fields are guarded by one mutex; the seen signals are
//     channel-based.
type BaseDevice struct {
	address      string
	addressType  AddressType
	uniqueID     string
	friendlyName string
	mode         ConnectionMode

	reconnectionInterval time.Duration
	activeInterval       time.Duration
	passiveInterval      time.Duration
	notReadyInterval     time.Duration
	failuresLimit        int

	entities []Entity

	// everSeen latches on the first advertisement and never resets.
	everSeen *closeOnce

	// advertSeen pulses per sighting; connects clear it so backoff waits
	// need a sighting that happened after the disconnect.
	advertSeen advertSignal

	inbound chan Message

	mu           sync.Mutex
	client       Client
	rssi         int
	model        string
	manufacturer string
	version      string

	logger Logger
}

// NewBaseDevice validates opts and builds the shared device core.
func NewBaseDevice(opts DeviceOptions) (*BaseDevice, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("ble: device address is required")
	}
	if opts.AddressType == "" {
		opts.AddressType = AddressPublic
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("ble: connection mode %q is not recognised", opts.Mode)
	}
	if opts.Mode == ModePassive && !opts.SupportsPassive {
		return nil, fmt.Errorf("ble: device %s does not support passive mode", opts.Address)
	}
	if opts.Mode != ModePassive && !opts.SupportsActive {
		return nil, fmt.Errorf("ble: device %s only supports passive mode", opts.Address)
	}
	if opts.ReconnectionInterval == 0 {
		opts.ReconnectionInterval = DefaultReconnectionInterval
	}
	if opts.ActiveInterval == 0 {
		opts.ActiveInterval = DefaultActiveInterval
	}
	if opts.PassiveInterval == 0 {
		opts.PassiveInterval = DefaultPassiveInterval
	}
	if opts.NotReadyInterval == 0 {
		opts.NotReadyInterval = DefaultNotReadyInterval
	}
	if opts.ConnectionFailuresLimit == 0 {
		opts.ConnectionFailuresLimit = DefaultConnectionFailuresLimit
	}
	if opts.InboundQueueSize == 0 {
		opts.InboundQueueSize = defaultInboundQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	uniqueID := DeriveUniqueID(opts.Manufacturer, opts.Model, opts.Address)
	friendly := opts.FriendlyName
	if friendly == "" {
		friendly = uniqueID
	}

	return &BaseDevice{
		address:              strings.ToLower(opts.Address),
		addressType:          opts.AddressType,
		uniqueID:             uniqueID,
		friendlyName:         friendly,
		mode:                 opts.Mode,
		reconnectionInterval: opts.ReconnectionInterval,
		activeInterval:       opts.ActiveInterval,
		passiveInterval:      opts.PassiveInterval,
		notReadyInterval:     opts.NotReadyInterval,
		failuresLimit:        opts.ConnectionFailuresLimit,
		entities:             opts.Entities,
		everSeen:             newCloseOnce(),
		advertSeen:           newAdvertSignal(),
		inbound:              make(chan Message, opts.InboundQueueSize),
		model:                opts.Model,
		manufacturer:         opts.Manufacturer,
		logger:               opts.Logger,
	}, nil
}

// DeriveUniqueID builds the stable device id used in topics: manufacturer
// and model, lower snake case, with the last three MAC octets appended.
// Example: DeriveUniqueID("Redmond", "RK-G200S", "AA:BB:CC:DD:EE:FF") =
// "redmond_rk_g200s_ddeeff".
func DeriveUniqueID(manufacturer, model, address string) string {
	suffix := strings.ToLower(strings.ReplaceAll(address, ":", ""))
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{manufacturer, model} {
		if p == "" {
			continue
		}
		p = strings.ToLower(p)
		p = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
				return r
			default:
				return '_'
			}
		}, p)
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return "0x" + strings.ToLower(strings.ReplaceAll(address, ":", ""))
	}
	parts = append(parts, suffix)
	return strings.Join(parts, "_")
}

// ===== Identity and policy accessors

func (d *BaseDevice) UniqueID() string { return d.uniqueID }

func (d *BaseDevice) FriendlyName() string { return d.friendlyName }

func (d *BaseDevice) Address() string { return d.address }

func (d *BaseDevice) AddressType() AddressType { return d.addressType }

func (d *BaseDevice) Model() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

func (d *BaseDevice) Manufacturer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manufacturer
}

// Version is the firmware revision read during Init, if any.
func (d *BaseDevice) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// SetVersion records the firmware revision when a protocol reports it
// directly instead of through the standard characteristic.
func (d *BaseDevice) SetVersion(version string) {
	d.mu.Lock()
	d.version = version
	d.mu.Unlock()
}

func (d *BaseDevice) ConnectionMode() ConnectionMode { return d.mode }

func (d *BaseDevice) ReconnectionInterval() time.Duration { return d.reconnectionInterval }

func (d *BaseDevice) ConnectionFailuresLimit() int { return d.failuresLimit }

// ActiveInterval is the pause between poll rounds while connected.
func (d *BaseDevice) ActiveInterval() time.Duration { return d.activeInterval }

// PassiveInterval is the publish cadence for passive devices.
func (d *BaseDevice) PassiveInterval() time.Duration { return d.passiveInterval }

// NotReadyInterval is the retry tick while no state is available yet.
func (d *BaseDevice) NotReadyInterval() time.Duration { return d.notReadyInterval }

// Logger returns the device's logger, never nil.
func (d *BaseDevice) Logger() Logger { return d.logger }

func (d *BaseDevice) Entities() []Entity { return d.entities }

// SubscribedTopics derives the command topics from the entity surface:
// every writable component class gets its postfix topics, relative to the
// bridge base.
func (d *BaseDevice) SubscribedTopics() []string {
	var topics []string
	for _, route := range commandRoutes {
		for _, entity := range d.entities {
			for _, component := range route.components {
				if entity.Component != component {
					continue
				}
				topics = append(topics, d.EntityTopic(entity.Name)+"/"+route.postfix)
			}
		}
	}
	return topics
}

// EntityTopic returns the state topic for one entity, relative to the
// bridge base: "{unique_id}/{entity}".
func (d *BaseDevice) EntityTopic(entity string) string {
	return d.uniqueID + "/" + entity
}

// AvailabilityTopic returns the device's availability topic, relative to
// the bridge base.
func (d *BaseDevice) AvailabilityTopic() string {
	return d.uniqueID + "/availability"
}

// ParseCommandTopic splits an inbound command topic into the entity name
// and the action postfix. The topic may carry the unique id prefix or not.
// Unknown postfixes return the trimmed topic and an empty postfix.
func (d *BaseDevice) ParseCommandTopic(topic string) (entity, postfix string) {
	rel := strings.TrimPrefix(topic, d.uniqueID)
	rel = strings.Trim(rel, "/")
	for _, route := range commandRoutes {
		if rel == route.postfix {
			return "", route.postfix
		}
		if strings.HasSuffix(rel, "/"+route.postfix) {
			return strings.TrimSuffix(rel, "/"+route.postfix), route.postfix
		}
	}
	return rel, ""
}

// ===== Seen-event plumbing

// MarkSeen records one scanner sighting: updates RSSI, latches first
// visibility, and pulses the advertisement signal.
func (d *BaseDevice) MarkSeen(rssi int) {
	if rssi != 0 {
		d.SetRSSI(rssi)
	}
	d.everSeen.Close()
	d.advertSeen.set()
}

// WaitSeenOnce blocks until the device has been seen at least once since
// startup. After the first sighting it returns immediately forever.
func (d *BaseDevice) WaitSeenOnce(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.everSeen.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: not visible for %v", ErrDeviceNotFound, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAdvert blocks until a sighting arrives that has not been consumed
// yet, or the timeout passes. Connecting clears the pending signal, so the
// wait only wakes on advertisements seen after the last connect.
func (d *BaseDevice) WaitAdvert(ctx context.Context, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.advertSeen.ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// HandleAdvert is a no-op; passive devices override it.
func (d *BaseDevice) HandleAdvert(Advertisement) {}

// ===== Link lifecycle

// Connect acquires a fresh client handle through the dialer. Passive
// devices skip it. A successful connect clears the pending advertisement
// signal.
func (d *BaseDevice) Connect(ctx context.Context, dialer Dialer) error {
	if d.mode == ModePassive {
		return nil
	}
	client, err := dialer.Dial(ctx, d.address, d.addressType)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	d.advertSeen.clear()
	return nil
}

// Init is a no-op by default; devices override it for identity reads,
// notification subscriptions and protocol auth.
func (d *BaseDevice) Init(context.Context) error { return nil }

// Close releases the client handle. Idempotent; safe when never connected.
func (d *BaseDevice) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// Client returns the live client handle, or nil when not connected.
func (d *BaseDevice) Client() Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// IsConnected reports whether a client handle is held and its link has not
// dropped.
func (d *BaseDevice) IsConnected() bool {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return false
	}
	select {
	case <-client.Disconnected():
		return false
	default:
		return true
	}
}

// Disconnected returns the live link's drop channel, or nil when no client
// is held.
func (d *BaseDevice) Disconnected() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	return d.client.Disconnected()
}

// ===== Runtime state

// SetRSSI records the latest signal reading.
func (d *BaseDevice) SetRSSI(rssi int) {
	d.mu.Lock()
	d.rssi = rssi
	d.mu.Unlock()
}

// RSSI returns the latest signal reading, 0 when never seen.
func (d *BaseDevice) RSSI() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi
}

// LinkQuality returns the current link quality and whether a reading
// exists.
func (d *BaseDevice) LinkQuality() (int, bool) {
	d.mu.Lock()
	rssi := d.rssi
	d.mu.Unlock()
	if rssi == 0 {
		return 0, false
	}
	return LinkQuality(rssi), true
}

// PublishLinkQuality sends the device's linkquality entity state, when a
// reading exists.
func (d *BaseDevice) PublishLinkQuality(ctx context.Context, pub Publisher) error {
	quality, ok := d.LinkQuality()
	if !ok {
		return nil
	}
	return pub.Publish(ctx, d.EntityTopic("linkquality"), []byte(fmt.Sprintf("%d", quality)))
}

// ReadDeviceInfo reads the standard identity characteristics, tolerating
// failures: peripherals that omit them keep their configured model. Locked
// firmware strings update Version.
func (d *BaseDevice) ReadDeviceInfo(ctx context.Context) {
	client := d.Client()
	if client == nil {
		return
	}
	if value := cleanIdentity(d.readWithTimeout(ctx, client, deviceNameUUID)); value != "" {
		d.mu.Lock()
		d.model = value
		d.mu.Unlock()
	}
	if value := cleanIdentity(d.readWithTimeout(ctx, client, firmwareRevisionUUID)); value != "" {
		d.mu.Lock()
		d.version = value
		d.mu.Unlock()
	}
}

// cleanIdentity strips the padding and control bytes some peripherals wrap
// identity strings in.
func cleanIdentity(value []byte) string {
	return strings.TrimFunc(string(value), func(r rune) bool {
		return r <= ' ' || r == 0x7f
	})
}

func (d *BaseDevice) readWithTimeout(ctx context.Context, client Client, uuid string) []byte {
	readCtx, cancel := context.WithTimeout(ctx, deviceInfoReadTimeout)
	defer cancel()
	value, err := client.ReadCharacteristic(readCtx, uuid)
	if err != nil {
		d.logger.Debug("identity characteristic read failed",
			"device", d.uniqueID,
			"characteristic", uuid,
			"error", err)
		return nil
	}
	return value
}

// ===== Inbound commands

// EnqueueMessage hands an inbound command to the device's queue. Reports
// false when the queue is full; the router logs the drop.
func (d *BaseDevice) EnqueueMessage(msg Message) bool {
	select {
	case d.inbound <- msg:
		return true
	default:
		return false
	}
}

// NextMessage blocks until a command arrives or ctx is done.
func (d *BaseDevice) NextMessage(ctx context.Context) (Message, error) {
	select {
	case msg := <-d.inbound:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// HandleMessages blocks until ctx is done. Devices with writable entities
// override it to consume the inbound queue.
func (d *BaseDevice) HandleMessages(ctx context.Context, _ Publisher) error {
	<-ctx.Done()
	return ctx.Err()
}

// String identifies the device in logs.
func (d *BaseDevice) String() string {
	return d.uniqueID
}

package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBrokerReconnectInterval paces broker reconnection attempts when the
// configuration does not say otherwise.
const defaultBrokerReconnectInterval = 10 * time.Second

// sightingInterval throttles journal sighting rows per device. Sightings
// exist for post-mortem signal-strength history, not per-advert tracing.
const sightingInterval = 5 * time.Minute

// recordTimeout bounds journal writes that run outside a session context.
const recordTimeout = 1 * time.Second

// DefaultBaseTopic prefixes every topic the bridge touches.
const DefaultBaseTopic = "blebridge"

// errBrokerLost ends a session epoch when the broker connection drops.
var errBrokerLost = errors.New("ble: broker connection lost")

// BrokerClient is the broker session surface the fleet consumes. The
// concrete client wraps paho; tests substitute their own.
type BrokerClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error

	// SetOnDisconnect registers a callback for connection loss.
	SetOnDisconnect(callback func(err error))

	// IsConnected reports whether the session is live.
	IsConnected() bool

	// Close disconnects gracefully, publishing the bridge's offline
	// status first.
	Close() error
}

// BrokerDialer opens one broker session. The fleet dials a fresh session for
// every connection epoch.
type BrokerDialer func(ctx context.Context) (BrokerClient, error)

// ConfigPublisher emits Home Assistant discovery configs for a device
// through the current broker session. It is optional; if nil, the fleet
// operates without discovery.
type ConfigPublisher interface {
	PublishConfig(ctx context.Context, broker BrokerClient, dev Device) error
}

// Event kinds recorded by the EventRecorder.
const (
	EventDeviceOnline    = "online"
	EventDeviceOffline   = "offline"
	EventDeviceSeen      = "seen"
	EventDeviceConnected = "connected"
	EventDeviceMissing   = "missing"
	EventDeviceFailure   = "failure"
	EventAdapterRestart  = "adapter_restart"
)

// ConnectionEvent is one device lifecycle transition worth keeping.
type ConnectionEvent struct {
	Device  string
	Address string
	Event   string
	Detail  string
	RSSI    int
}

// EventRecorder persists availability transitions. It is optional; if nil,
// the fleet operates without a journal.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev ConnectionEvent) error
}

// StateSample is one published entity state.
type StateSample struct {
	Device  string
	Entity  string
	Payload []byte
}

// StateRecorder mirrors published state into storage. It is optional; if
// nil, the fleet operates without telemetry. Implementations must not block.
type StateRecorder interface {
	RecordState(ctx context.Context, sample StateSample) error
}

// FleetOptions holds configuration for creating a fleet coordinator.
type FleetOptions struct {
	// Devices are the configured peripherals, one supervisor each.
	Devices []Device

	// DialBroker opens one broker session per connection epoch.
	DialBroker BrokerDialer

	// Transport dials BLE connections.
	Transport Dialer

	// Radio is the scanning surface of the host stack.
	Radio Radio

	// Restarter recovers the adapter. Shared with the supervisors.
	Restarter AdapterRestarter

	// BaseTopic prefixes every topic. Defaults to DefaultBaseTopic.
	BaseTopic string

	// QoS applies to every publish and subscription. Defaults to 1.
	QoS byte

	// ReconnectInterval paces broker reconnection attempts.
	ReconnectInterval time.Duration

	// Scan configures the scanner cycles.
	Scan ScannerConfig

	// Discovery emits Home Assistant configs. May be nil.
	Discovery ConfigPublisher

	// Events persists availability transitions. May be nil.
	Events EventRecorder

	// States mirrors published state into storage. May be nil.
	States StateRecorder

	// HardwareFault classifies errors that mean the adapter itself has
	// wedged. May be nil.
	HardwareFault func(error) bool

	// FatalBrokerError reports dial errors that retrying cannot fix,
	// such as refused credentials. May be nil.
	FatalBrokerError func(error) bool

	// Logger is optional.
	Logger Logger
}

// FleetStats holds fleet counters.
type FleetStats struct {
	// Sessions is the number of broker sessions established.
	Sessions uint64

	// Devices is the number of managed devices.
	Devices int

	// Scanner is the scanner's counters.
	Scanner ScannerStats
}

// FleetCoordinator runs the whole bridge: it holds one broker session at a
// time and, under it, the scanner plus one supervisor per device. When the
// broker drops, everything winds down and the fleet reconnects from scratch,
// so device state is never published into a dead session.
//
// Thread Safety: Run is the only entry point and is not reentrant.
type FleetCoordinator struct {
	devices   []Device
	byAddress map[string]Device

	dialBroker BrokerDialer
	transport  Dialer
	restarter  AdapterRestarter
	scanner    *Scanner

	discovery ConfigPublisher
	events    EventRecorder
	states    StateRecorder

	hardwareFault func(error) bool
	fatalBroker   func(error) bool

	baseTopic         string
	qos               byte
	reconnectInterval time.Duration
	log               Logger

	// configSent tracks which devices had their discovery configs
	// published. Configs are retained, so once per process is enough.
	configMu   sync.Mutex
	configSent map[string]struct{}

	// lastAvail deduplicates availability transitions for the journal.
	availMu   sync.Mutex
	lastAvail map[string]bool

	// lastSight throttles scanner sighting rows to one per device per
	// sightingInterval.
	sightMu   sync.Mutex
	lastSight map[string]time.Time

	sessions atomic.Uint64
}

// NewFleetCoordinator validates opts and builds the coordinator.
// Call Run to begin operation.
func NewFleetCoordinator(opts FleetOptions) (*FleetCoordinator, error) {
	if opts.DialBroker == nil {
		return nil, fmt.Errorf("broker dialer is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Radio == nil {
		return nil, fmt.Errorf("radio is required")
	}
	if opts.Restarter == nil {
		return nil, fmt.Errorf("adapter restarter is required")
	}
	if opts.BaseTopic == "" {
		opts.BaseTopic = DefaultBaseTopic
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultBrokerReconnectInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	byAddress := make(map[string]Device, len(opts.Devices))
	byID := make(map[string]struct{}, len(opts.Devices))
	for _, dev := range opts.Devices {
		addr := strings.ToLower(dev.Address())
		if _, dup := byAddress[addr]; dup {
			return nil, fmt.Errorf("duplicate device address %s", addr)
		}
		if _, dup := byID[dev.UniqueID()]; dup {
			return nil, fmt.Errorf("duplicate device id %s", dev.UniqueID())
		}
		byAddress[addr] = dev
		byID[dev.UniqueID()] = struct{}{}
	}

	f := &FleetCoordinator{
		devices:           opts.Devices,
		byAddress:         byAddress,
		dialBroker:        opts.DialBroker,
		transport:         opts.Transport,
		restarter:         opts.Restarter,
		discovery:         opts.Discovery,
		events:            opts.Events,
		states:            opts.States,
		hardwareFault:     opts.HardwareFault,
		fatalBroker:       opts.FatalBrokerError,
		baseTopic:         opts.BaseTopic,
		qos:               opts.QoS,
		reconnectInterval: opts.ReconnectInterval,
		log:               opts.Logger,
		configSent:        make(map[string]struct{}),
		lastAvail:         make(map[string]bool),
		lastSight:         make(map[string]time.Time),
	}
	f.scanner = NewScanner(opts.Radio, opts.Restarter, f.dispatchAdvert, opts.Scan, opts.Logger)
	return f, nil
}

// Run operates the bridge until ctx ends or the broker refuses the session
// permanently.
func (f *FleetCoordinator) Run(ctx context.Context) error {
	f.log.Info("fleet coordinator started",
		"devices", len(f.devices),
		"base_topic", f.baseTopic)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := f.runSession(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil && f.fatalBroker != nil && f.fatalBroker(err):
			f.log.Error("broker refused the session permanently", "error", err)
			return err
		case err != nil:
			f.log.Warn("broker session ended, reconnecting",
				"retry_in", f.reconnectInterval,
				"error", err)
		}

		if err := sleepCtx(ctx, f.reconnectInterval); err != nil {
			return err
		}
	}
}

// runSession runs one broker session epoch: dial, then race the broker
// watch, the scanner and every device supervisor until something ends it.
func (f *FleetCoordinator) runSession(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, f.reconnectInterval)
	broker, err := f.dialBroker(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer func() {
		if cerr := broker.Close(); cerr != nil {
			f.log.Debug("broker close failed", "error", cerr)
		}
	}()

	brokerDown := newCloseOnce()
	broker.SetOnDisconnect(func(err error) {
		f.log.Warn("broker connection lost", "error", err)
		brokerDown.Close()
	})

	f.sessions.Add(1)
	f.log.Info("broker session established", "devices", len(f.devices))

	tasks := make([]Task, 0, len(f.devices)+2)
	tasks = append(tasks, Task{
		Name: "broker watch",
		Run: func(taskCtx context.Context) error {
			select {
			case <-brokerDown.Done():
				return errBrokerLost
			case <-taskCtx.Done():
				return taskCtx.Err()
			}
		},
	})
	tasks = append(tasks, Task{Name: "scan", Run: f.scanner.Run})

	for _, dev := range f.devices {
		sup, err := NewSupervisor(SupervisorOptions{
			Device:        dev,
			Dialer:        f.transport,
			Session:       &fleetSession{fleet: f, broker: broker, device: dev},
			Restarter:     f.restarter,
			HardwareFault: f.hardwareFault,
			Events: func(evCtx context.Context, event, detail string) {
				f.recordEvent(evCtx, dev, ConnectionEvent{Event: event, Detail: detail})
			},
			Logger: f.log,
		})
		if err != nil {
			return err
		}
		tasks = append(tasks, Task{Name: "supervise " + dev.UniqueID(), Run: sup.Run})
	}

	return RaceTasks(ctx, f.log, tasks...)
}

// dispatchAdvert routes one sighting to its device, if any is configured at
// that address.
func (f *FleetCoordinator) dispatchAdvert(adv Advertisement) {
	dev, ok := f.byAddress[adv.Address]
	if !ok {
		return
	}
	dev.MarkSeen(adv.RSSI)
	dev.HandleAdvert(adv)
	f.recordSighting(dev, adv.RSSI)
}

// recordSighting journals a scanner sighting with its signal strength, at
// most once per device per sightingInterval.
func (f *FleetCoordinator) recordSighting(dev Device, rssi int) {
	if f.events == nil {
		return
	}
	now := time.Now()
	f.sightMu.Lock()
	last, seen := f.lastSight[dev.UniqueID()]
	if seen && now.Sub(last) < sightingInterval {
		f.sightMu.Unlock()
		return
	}
	f.lastSight[dev.UniqueID()] = now
	f.sightMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	f.recordEvent(ctx, dev, ConnectionEvent{Event: EventDeviceSeen, RSSI: rssi})
}

// routeCommand delivers one inbound command to its device. Commands for
// devices whose BLE link is down are dropped with a warning rather than
// queued into the past.
func (f *FleetCoordinator) routeCommand(dev Device, topic string, payload []byte) error {
	rel := strings.TrimPrefix(topic, f.baseTopic+"/")
	if dev.ConnectionMode() != ModePassive && !dev.IsConnected() {
		f.log.Warn("command for disconnected device dropped",
			"device", dev.UniqueID(),
			"topic", rel)
		return nil
	}
	if !dev.EnqueueMessage(Message{Topic: rel, Payload: payload}) {
		f.log.Warn("command queue full, dropping message",
			"device", dev.UniqueID(),
			"topic", rel)
	}
	return nil
}

// fullTopic prefixes a bridge-relative topic with the base topic.
func (f *FleetCoordinator) fullTopic(rel string) string {
	return f.baseTopic + "/" + rel
}

// sendConfigOnce publishes a device's discovery configs the first time it is
// asked to. Configs are retained by the broker, so later sessions skip it.
func (f *FleetCoordinator) sendConfigOnce(ctx context.Context, broker BrokerClient, dev Device) error {
	if f.discovery == nil {
		return nil
	}
	f.configMu.Lock()
	_, done := f.configSent[dev.UniqueID()]
	f.configMu.Unlock()
	if done {
		return nil
	}
	if err := f.discovery.PublishConfig(ctx, broker, dev); err != nil {
		return err
	}
	f.configMu.Lock()
	f.configSent[dev.UniqueID()] = struct{}{}
	f.configMu.Unlock()
	f.log.Info("discovery config published", "device", dev.UniqueID())
	return nil
}

// recordTransition journals availability flips, deduplicating repeats.
func (f *FleetCoordinator) recordTransition(ctx context.Context, dev Device, online bool) {
	f.availMu.Lock()
	prev, seen := f.lastAvail[dev.UniqueID()]
	if seen && prev == online {
		f.availMu.Unlock()
		return
	}
	f.lastAvail[dev.UniqueID()] = online
	f.availMu.Unlock()

	event := EventDeviceOffline
	if online {
		event = EventDeviceOnline
	}
	f.recordEvent(ctx, dev, ConnectionEvent{Event: event})
}

// recordEvent journals one lifecycle event, filling in the device identity.
func (f *FleetCoordinator) recordEvent(ctx context.Context, dev Device, ev ConnectionEvent) {
	if f.events == nil {
		return
	}
	ev.Device = dev.UniqueID()
	ev.Address = dev.Address()
	if err := f.events.RecordEvent(ctx, ev); err != nil {
		f.log.Debug("event record failed",
			"device", dev.UniqueID(),
			"event", ev.Event,
			"error", err)
	}
}

// recordState mirrors one state publish into telemetry.
func (f *FleetCoordinator) recordState(ctx context.Context, dev Device, relTopic string, payload []byte) {
	if f.states == nil {
		return
	}
	entity := strings.TrimPrefix(relTopic, dev.UniqueID()+"/")
	sample := StateSample{
		Device:  dev.UniqueID(),
		Entity:  entity,
		Payload: payload,
	}
	if err := f.states.RecordState(ctx, sample); err != nil {
		f.log.Debug("state record failed",
			"device", dev.UniqueID(),
			"entity", entity,
			"error", err)
	}
}

// Stats returns a snapshot of the fleet counters.
func (f *FleetCoordinator) Stats() FleetStats {
	return FleetStats{
		Sessions: f.sessions.Load(),
		Devices:  len(f.devices),
		Scanner:  f.scanner.Stats(),
	}
}

// fleetSession binds one device to the current broker session. It is the
// Session the supervisor and the device handler loops publish through.
type fleetSession struct {
	fleet  *FleetCoordinator
	broker BrokerClient
	device Device
}

// Ensure fleetSession implements Session.
var _ Session = (*fleetSession)(nil)

// Publish sends one state payload, retained, then refreshes availability so
// consumers receive "online" next to fresh data.
func (s *fleetSession) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := s.fleet.fullTopic(topic)
	if err := s.broker.Publish(full, payload, s.fleet.qos, true); err != nil {
		return fmt.Errorf("publish %s: %w", full, err)
	}
	s.fleet.recordState(ctx, s.device, topic, payload)
	return s.PublishAvailability(ctx, true)
}

// PublishAvailability sets the device's availability topic, retained.
func (s *fleetSession) PublishAvailability(ctx context.Context, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := EventDeviceOffline
	if online {
		payload = EventDeviceOnline
	}
	topic := s.fleet.fullTopic(s.device.AvailabilityTopic())
	if err := s.broker.Publish(topic, []byte(payload), s.fleet.qos, true); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	s.fleet.recordTransition(ctx, s.device, online)
	return nil
}

// SendConfig publishes the device's discovery configs, once per process.
func (s *fleetSession) SendConfig(ctx context.Context) error {
	return s.fleet.sendConfigOnce(ctx, s.broker, s.device)
}

// SubscribeCommands subscribes the device's command topics. A device with no
// writable entities is a no-op.
func (s *fleetSession) SubscribeCommands(ctx context.Context) error {
	for _, rel := range s.device.SubscribedTopics() {
		if err := ctx.Err(); err != nil {
			return err
		}
		topic := s.fleet.fullTopic(rel)
		err := s.broker.Subscribe(topic, s.fleet.qos, func(topic string, payload []byte) error {
			return s.fleet.routeCommand(s.device, topic, payload)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

package devices

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-ble/internal/protocols/ecam"
)

// Coffee machine entities and status labels.
const (
	entityPower  = "power"
	entityStatus = "status"
	entityAlarms = "alarms"

	statusStandby = "standby"
	statusOn      = "on"
	statusBrewing = "brewing"

	alarmsClear = "none"
)

// ecamTick is the monitor poll cadence. Unchanged state is republished
// every ecamPublishPeriod polls anyway so retained values never go stale.
const (
	ecamTick          = 5 * time.Second
	ecamPublishPeriod = 12
)

// ECAMCoffee bridges a De'Longhi ECAM coffee machine: a power switch, a
// status sensor and the machine's alarm list. Standby keeps the GATT link
// alive, so power off over the air is not possible and the switch only
// wakes the machine.
type ECAMCoffee struct {
	*ble.BaseDevice

	mu          sync.Mutex
	queue       *ble.CommandQueue
	engine      *ecam.Engine
	status      *ecam.Status
	initialSent bool
}

func newECAMCoffee(opts Options) (ble.Device, error) {
	activeInterval := opts.ActiveInterval
	if activeInterval <= 0 {
		activeInterval = ecamTick
	}
	base, err := ble.NewBaseDevice(ble.DeviceOptions{
		Address:        opts.Address,
		FriendlyName:   opts.Name,
		Model:          "ECAM",
		Manufacturer:   "De'Longhi",
		Mode:           resolveMode(opts.Mode, ble.ModeActiveKeepConnection),
		SupportsActive: true,
		Entities: ble.WithLinkQuality([]ble.Entity{
			{Component: ble.ComponentSwitch, Name: entityPower, Icon: "coffee-maker"},
			{Component: ble.ComponentSensor, Name: entityStatus, Icon: "coffee"},
			{Component: ble.ComponentSensor, Name: entityAlarms, Icon: "alert-circle",
				EntityCategory: "diagnostic"},
		}),
		ReconnectionInterval:    opts.ReconnectionInterval,
		ActiveInterval:          activeInterval,
		ConnectionFailuresLimit: opts.ConnectionFailuresLimit,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &ECAMCoffee{BaseDevice: base}, nil
}

// Init wires the command queue over the vendor characteristic and reads the
// first monitor snapshot.
func (m *ECAMCoffee) Init(ctx context.Context) error {
	client := m.Client()
	if client == nil {
		return ble.ErrNotConnected
	}
	queue, err := newCommandQueue(ctx, client, ecam.DataCharUUID, ecam.DataCharUUID, true, nil, m.Logger())
	if err != nil {
		return err
	}
	engine := ecam.NewEngine(queue)

	m.mu.Lock()
	m.closeQueueLocked()
	m.queue = queue
	m.engine = engine
	m.status = nil
	m.initialSent = false
	m.mu.Unlock()

	m.ReadDeviceInfo(ctx)
	status, err := engine.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	m.mu.Lock()
	m.status = &status
	m.mu.Unlock()
	return nil
}

// Close shuts the command queue down before releasing the link.
func (m *ECAMCoffee) Close() error {
	m.mu.Lock()
	m.closeQueueLocked()
	m.mu.Unlock()
	return m.BaseDevice.Close()
}

func (m *ECAMCoffee) closeQueueLocked() {
	if m.queue != nil {
		m.queue.Close()
		m.queue = nil
		m.engine = nil
	}
}

func (m *ECAMCoffee) currentEngine() *ecam.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// Handle polls the monitor block and publishes on change, with a periodic
// refresh in between.
func (m *ECAMCoffee) Handle(ctx context.Context, pub ble.Publisher) error {
	if err := pub.SendConfig(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(m.ActiveInterval())
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		engine := m.currentEngine()
		if engine == nil {
			return ble.ErrNotConnected
		}
		status, err := engine.Status(ctx)
		if err != nil {
			return fmt.Errorf("poll status: %w", err)
		}

		ticks++
		due := ticks >= ecamPublishPeriod
		if m.noteStatus(status) || due {
			if err := m.publishState(ctx, pub); err != nil {
				return err
			}
			ticks = 0
		}
	}
}

// noteStatus stores a fresh snapshot and reports whether the published
// values would differ from the last ones.
func (m *ECAMCoffee) noteStatus(status ecam.Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := !m.initialSent || m.status == nil ||
		statusLabel(*m.status) != statusLabel(status) ||
		alarmsLabel(*m.status) != alarmsLabel(status)
	m.status = &status
	return changed
}

func (m *ECAMCoffee) publishState(ctx context.Context, pub ble.Publisher) error {
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()
	if status == nil {
		return nil
	}

	power := payloadOff
	if status.On() {
		power = payloadOn
	}
	if err := pub.Publish(ctx, m.EntityTopic(entityPower), []byte(power)); err != nil {
		return err
	}
	if err := pub.Publish(ctx, m.EntityTopic(entityStatus),
		[]byte(statusLabel(*status))); err != nil {
		return err
	}
	if err := pub.Publish(ctx, m.EntityTopic(entityAlarms),
		[]byte(alarmsLabel(*status))); err != nil {
		return err
	}
	if err := m.PublishLinkQuality(ctx, pub); err != nil {
		return err
	}
	m.mu.Lock()
	m.initialSent = true
	m.mu.Unlock()
	return nil
}

// HandleMessages consumes power switch commands. Only switching on is
// possible; an off command republishes the real state so the panel snaps
// back.
func (m *ECAMCoffee) HandleMessages(ctx context.Context, pub ble.Publisher) error {
	for {
		msg, err := m.NextMessage(ctx)
		if err != nil {
			return err
		}
		entity, postfix := m.ParseCommandTopic(msg.Topic)
		if entity != entityPower || postfix != ble.SetPostfix {
			m.Logger().Debug("unhandled command",
				"device", m.UniqueID(),
				"topic", msg.Topic)
			continue
		}
		engine := m.currentEngine()
		if engine == nil {
			return ble.ErrNotConnected
		}

		if strings.EqualFold(strings.TrimSpace(string(msg.Payload)), payloadOn) {
			if err := engine.PowerOn(ctx); err != nil {
				return fmt.Errorf("power on: %w", err)
			}
		} else {
			m.Logger().Warn("machine cannot be switched off remotely",
				"device", m.UniqueID())
		}

		status, err := engine.Status(ctx)
		if err != nil {
			return fmt.Errorf("read back status: %w", err)
		}
		m.noteStatus(status)
		if err := m.publishState(ctx, pub); err != nil {
			return err
		}
	}
}

// statusLabel folds a monitor snapshot into the published status value.
func statusLabel(status ecam.Status) string {
	switch {
	case status.Ongoing != 0:
		return statusBrewing
	case status.On():
		return statusOn
	default:
		return statusStandby
	}
}

// alarmsLabel folds the alarm list into one comparable payload.
func alarmsLabel(status ecam.Status) string {
	names := status.AlarmNames()
	if len(names) == 0 {
		return alarmsClear
	}
	return strings.Join(names, ",")
}

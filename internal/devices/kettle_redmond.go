package devices

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-ble/internal/protocols/redmond"
)

// Kettle entity names.
const (
	entityBoil       = "boil"
	entityStatistics = "statistics"
)

// defaultKettleKey is the out-of-the-box pairing key most units accept.
const defaultKettleKey = "ffffffffffffffff"

// kettleTick is the poll cadence while connected. Publishing is paced
// separately: every publishPeriod ticks while a program runs, stretched by
// standbyMultiplier otherwise.
const (
	kettleTick        = 1 * time.Second
	publishPeriod     = 5
	standbyMultiplier = 12
)

// kettleStatistics is the persistent usage counters payload, published as
// one JSON sensor.
type kettleStatistics struct {
	Starts         uint16  `json:"number_of_starts"`
	EnergyKWh      float64 `json:"energy_spent_kwh"`
	WorkingMinutes float64 `json:"working_time_min"`
}

func newKettleStatistics(stats redmond.Statistics) *kettleStatistics {
	return &kettleStatistics{
		Starts:         stats.Starts,
		EnergyKWh:      math.Round(float64(stats.EnergyWattHours)/10) / 100,
		WorkingMinutes: math.Round(float64(stats.WorkSeconds)/6) / 10,
	}
}

// RedmondKettle bridges an R4S series kettle: a boil switch, the water
// temperature, and the unit's lifetime statistics. The kettle streams
// nothing on its own, so the link is held and polled every second.
type RedmondKettle struct {
	*ble.BaseDevice

	key []byte

	mu          sync.Mutex
	queue       *ble.CommandQueue
	engine      *redmond.Engine
	state       *redmond.State
	statistics  *kettleStatistics
	initialSent bool
}

func newRedmondKettle(opts Options) (ble.Device, error) {
	keyHex := opts.Key
	if keyHex == "" {
		keyHex = defaultKettleKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != redmond.KeyLen {
		return nil, fmt.Errorf("devices: redmond kettle key must be %d hex-encoded bytes", redmond.KeyLen)
	}

	activeInterval := opts.ActiveInterval
	if activeInterval <= 0 {
		activeInterval = kettleTick
	}
	base, err := ble.NewBaseDevice(ble.DeviceOptions{
		Address:        opts.Address,
		AddressType:    ble.AddressRandom,
		FriendlyName:   opts.Name,
		Model:          "RK-G200S",
		Manufacturer:   "Redmond",
		Mode:           resolveMode(opts.Mode, ble.ModeActiveKeepConnection),
		SupportsActive: true,
		Entities: ble.WithLinkQuality([]ble.Entity{
			{Component: ble.ComponentSwitch, Name: entityBoil, Icon: "kettle"},
			{Component: ble.ComponentSensor, Name: entityTemperature, DeviceClass: "temperature", Unit: "°C"},
			{Component: ble.ComponentSensor, Name: entityStatistics, Icon: "chart-bar",
				Options: map[string]any{"main_value": "number_of_starts"}},
		}),
		ReconnectionInterval:    opts.ReconnectionInterval,
		ActiveInterval:          activeInterval,
		ConnectionFailuresLimit: opts.ConnectionFailuresLimit,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &RedmondKettle{BaseDevice: base, key: key}, nil
}

// Init wires the command queue over the Nordic UART pair, authenticates,
// and primes state: protocol version, current mode, wall clock, statistics.
func (k *RedmondKettle) Init(ctx context.Context) error {
	client := k.Client()
	if client == nil {
		return ble.ErrNotConnected
	}

	// The kettle gates notifications behind an enable write on TX.
	if err := client.WriteCharacteristic(ctx, redmond.TXCharUUID, redmond.SubscribeEnable, true); err != nil {
		return fmt.Errorf("enable notifications: %w", err)
	}
	queue, err := newCommandQueue(ctx, client, redmond.TXCharUUID, redmond.RXCharUUID, true, nil, k.Logger())
	if err != nil {
		return err
	}
	engine := redmond.NewEngine(queue)

	k.mu.Lock()
	k.closeQueueLocked()
	k.queue = queue
	k.engine = engine
	k.state = nil
	k.initialSent = false
	k.mu.Unlock()

	if err := engine.Authenticate(ctx, k.key); err != nil {
		return err
	}
	k.ReadDeviceInfo(ctx)
	if version, err := engine.Version(ctx); err == nil {
		k.SetVersion(version)
	}

	state, err := engine.Mode(ctx)
	if err != nil {
		return fmt.Errorf("read mode: %w", err)
	}
	if err := engine.SetTime(ctx, time.Now()); err != nil {
		return fmt.Errorf("set clock: %w", err)
	}
	stats, err := engine.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("read statistics: %w", err)
	}

	k.mu.Lock()
	k.state = &state
	k.statistics = newKettleStatistics(stats)
	k.mu.Unlock()
	return nil
}

// Close shuts the command queue down before releasing the link.
func (k *RedmondKettle) Close() error {
	k.mu.Lock()
	k.closeQueueLocked()
	k.mu.Unlock()
	return k.BaseDevice.Close()
}

func (k *RedmondKettle) closeQueueLocked() {
	if k.queue != nil {
		k.queue.Close()
		k.queue = nil
		k.engine = nil
	}
}

func (k *RedmondKettle) currentEngine() *redmond.Engine {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.engine
}

// Handle polls the kettle every tick and publishes on run-state changes,
// plus a full refresh with statistics every publish period.
func (k *RedmondKettle) Handle(ctx context.Context, pub ble.Publisher) error {
	if err := pub.SendConfig(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(k.ActiveInterval())
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		engine := k.currentEngine()
		if engine == nil {
			return ble.ErrNotConnected
		}
		state, err := engine.Mode(ctx)
		if err != nil {
			return fmt.Errorf("poll mode: %w", err)
		}
		if err := k.noteState(ctx, pub, state); err != nil {
			return err
		}

		ticks++
		if ticks >= publishPeriod*k.publishMultiplier() {
			stats, err := engine.Statistics(ctx)
			if err != nil {
				return fmt.Errorf("poll statistics: %w", err)
			}
			k.mu.Lock()
			k.statistics = newKettleStatistics(stats)
			k.mu.Unlock()
			if err := k.publishState(ctx, pub); err != nil {
				return err
			}
			ticks = 0
		}
	}
}

// publishMultiplier stretches the publish period while nothing is heating.
func (k *RedmondKettle) publishMultiplier() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != nil && k.state.State == redmond.StateOn &&
		(k.state.Mode == redmond.ModeBoil || k.state.Mode == redmond.ModeHeat) {
		return 1
	}
	return standbyMultiplier
}

// noteState stores a fresh poll result and publishes when the run state or
// program changed, or nothing has been sent yet this connection.
func (k *RedmondKettle) noteState(ctx context.Context, pub ble.Publisher, state redmond.State) error {
	k.mu.Lock()
	changed := !k.initialSent || k.state == nil ||
		k.state.State != state.State || k.state.Mode != state.Mode
	k.state = &state
	k.mu.Unlock()

	if !changed {
		return nil
	}
	if err := k.publishState(ctx, pub); err != nil {
		return err
	}
	k.mu.Lock()
	k.initialSent = true
	k.mu.Unlock()
	return nil
}

func (k *RedmondKettle) publishState(ctx context.Context, pub ble.Publisher) error {
	k.mu.Lock()
	state := k.state
	stats := k.statistics
	k.mu.Unlock()
	if state == nil {
		return nil
	}

	boil := payloadOff
	if state.State == redmond.StateOn && state.Mode == redmond.ModeBoil {
		boil = payloadOn
	}
	if err := pub.Publish(ctx, k.EntityTopic(entityBoil), []byte(boil)); err != nil {
		return err
	}
	temperature := strconv.Itoa(int(state.CurrentTemperature))
	if err := pub.Publish(ctx, k.EntityTopic(entityTemperature), []byte(temperature)); err != nil {
		return err
	}
	if stats != nil {
		payload, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, k.EntityTopic(entityStatistics), payload); err != nil {
			return err
		}
	}
	return k.PublishLinkQuality(ctx, pub)
}

// HandleMessages consumes boil switch commands.
func (k *RedmondKettle) HandleMessages(ctx context.Context, pub ble.Publisher) error {
	for {
		msg, err := k.NextMessage(ctx)
		if err != nil {
			return err
		}
		entity, postfix := k.ParseCommandTopic(msg.Topic)
		if entity != entityBoil || postfix != ble.SetPostfix {
			k.Logger().Debug("unhandled command",
				"device", k.UniqueID(),
				"topic", msg.Topic)
			continue
		}
		on := strings.EqualFold(strings.TrimSpace(string(msg.Payload)), payloadOn)
		if err := k.switchBoil(ctx, on); err != nil {
			return fmt.Errorf("switch boil: %w", err)
		}

		// Read back so the published state reflects what the kettle
		// actually did.
		engine := k.currentEngine()
		if engine == nil {
			return ble.ErrNotConnected
		}
		state, err := engine.Mode(ctx)
		if err != nil {
			return fmt.Errorf("read back mode: %w", err)
		}
		k.mu.Lock()
		k.state = &state
		k.mu.Unlock()
		if err := k.publishState(ctx, pub); err != nil {
			return err
		}
	}
}

// switchBoil starts or stops a boil program. The kettle refuses redundant
// transitions, so refusals count as already satisfied.
func (k *RedmondKettle) switchBoil(ctx context.Context, on bool) error {
	engine := k.currentEngine()
	if engine == nil {
		return ble.ErrNotConnected
	}
	if !on {
		if err := engine.Stop(ctx); err != nil && !commandRefused(err) {
			return err
		}
		return nil
	}

	k.mu.Lock()
	boilProgram := k.state != nil && k.state.Mode == redmond.ModeBoil
	k.mu.Unlock()
	if !boilProgram {
		if err := engine.Stop(ctx); err != nil && !commandRefused(err) {
			return err
		}
		next := k.snapshotState()
		next.Mode = redmond.ModeBoil
		next.State = redmond.StateOff
		if err := engine.SetMode(ctx, next); err != nil && !commandRefused(err) {
			return err
		}
	}
	if err := engine.Run(ctx); err != nil && !commandRefused(err) {
		return err
	}
	return nil
}

// snapshotState copies the last read state so mode writes keep the
// kettle's other settings intact.
func (k *RedmondKettle) snapshotState() redmond.State {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != nil {
		return *k.state
	}
	return redmond.State{SoundEnabled: true, ColorChangePeriod: 600}
}

// commandRefused reports whether the peripheral rejected a command
// outright, which kettles do when the requested transition is already in
// effect.
func commandRefused(err error) bool {
	var protoErr *ble.ProtocolError
	return errors.As(err, &protoErr) && strings.HasSuffix(protoErr.Reason, "refused")
}

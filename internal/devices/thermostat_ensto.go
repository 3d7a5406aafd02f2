package devices

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-ble/internal/protocols/ensto"
)

// Thermostat entities and climate modes.
const (
	entityClimate = "climate"
	entityRelay   = "relay"

	modeOff  = "off"
	modeHeat = "heat"
)

// thermostatTick is the measurements poll cadence.
const thermostatTick = 60 * time.Second

// defaultTargetTemperature seeds the memory slot the first time heat is
// switched on with nothing stored.
const defaultTargetTemperature = 18.0

// minPotentiometerTemperature is the floor the vacation offset drives the
// heater to. A vacation target at or under it reads as switched off.
const minPotentiometerTemperature = 5.0

// climateState is the composite climate payload.
type climateState struct {
	Mode              string  `json:"mode"`
	Temperature       float64 `json:"temperature"`
	TargetTemperature float64 `json:"target_temperature"`
}

// EnstoThermostat bridges an Ensto floor heating thermostat. The heater has
// no remote setpoint of its own, only a potentiometer on the wall, so the
// bridge steers it through the vacation offset: the commanded target is
// written as an offset against the guessed potentiometer position, and off
// is an offset that lands on the floor temperature.
type EnstoThermostat struct {
	*ble.BaseDevice

	mu               sync.Mutex
	key              []byte
	engine           *ensto.Engine
	mode             string
	temperature      float64
	target           float64
	targetWithOffset float64
	potentiometer    float64
	relayOn          bool
	haveState        bool
	initialSent      bool
}

func newEnstoThermostat(opts Options) (ble.Device, error) {
	var key []byte
	if opts.Key != "" {
		raw, err := hex.DecodeString(opts.Key)
		if err != nil || len(raw) != ensto.KeyLen {
			return nil, fmt.Errorf("devices: ensto thermostat key must be %d hex-encoded bytes", ensto.KeyLen)
		}
		key = raw
	}

	activeInterval := opts.ActiveInterval
	if activeInterval <= 0 {
		activeInterval = thermostatTick
	}
	base, err := ble.NewBaseDevice(ble.DeviceOptions{
		Address:        opts.Address,
		FriendlyName:   opts.Name,
		Model:          "EPHBEBT",
		Manufacturer:   "Ensto",
		Mode:           resolveMode(opts.Mode, ble.ModeActivePollWithDisconnect),
		SupportsActive: true,
		Entities: ble.WithLinkQuality([]ble.Entity{
			{Component: ble.ComponentClimate, Name: entityClimate,
				Options: map[string]any{"modes": []string{modeOff, modeHeat}}},
			{Component: ble.ComponentBinarySensor, Name: entityRelay, DeviceClass: "power",
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
	return &EnstoThermostat{
		BaseDevice: base,
		key:        key,
		mode:       modeOff,
		// Sane starting guess until the first measurements round.
		potentiometer: 20.0,
	}, nil
}

// Init authenticates, syncs the clock and primes state: the stored target,
// the potentiometer guess and the first measurements round.
func (t *EnstoThermostat) Init(ctx context.Context) error {
	client := t.Client()
	if client == nil {
		return ble.ErrNotConnected
	}

	t.mu.Lock()
	hadKey := len(t.key) > 0
	engine := ensto.NewEngine(client, t.key)
	t.engine = engine
	t.initialSent = false
	t.mu.Unlock()

	if err := engine.Authenticate(ctx); err != nil {
		return err
	}
	if !hadKey {
		learned := engine.LearnedKey()
		t.Logger().Info("pairing key learned, add it to the device config to survive pairing mode",
			"device", t.UniqueID(),
			"key", learned)
		if raw, err := hex.DecodeString(learned); err == nil {
			t.mu.Lock()
			t.key = raw
			t.mu.Unlock()
		}
	}
	if err := engine.SetClock(ctx, time.Now()); err != nil {
		return fmt.Errorf("set clock: %w", err)
	}
	t.ReadDeviceInfo(ctx)

	stored, err := engine.StoredTarget(ctx)
	if err != nil {
		return fmt.Errorf("read stored target: %w", err)
	}
	t.mu.Lock()
	t.target = stored
	t.mu.Unlock()

	if err := t.refreshState(ctx); err != nil {
		return err
	}
	// The live target carries the vacation offset; the memory slot keeps
	// the value the user actually asked for.
	if stored, err := engine.StoredTarget(ctx); err == nil && stored > 0 {
		t.mu.Lock()
		t.target = stored
		t.mu.Unlock()
	}
	return nil
}

func (t *EnstoThermostat) currentEngine() *ensto.Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine
}

// refreshState reads measurements and the vacation block, re-guesses the
// potentiometer position and derives the climate mode.
func (t *EnstoThermostat) refreshState(ctx context.Context) error {
	engine := t.currentEngine()
	if engine == nil {
		return ble.ErrNotConnected
	}
	m, err := engine.Measurements(ctx)
	if err != nil {
		return fmt.Errorf("read measurements: %w", err)
	}
	vacation, err := engine.ReadVacation(ctx)
	if err != nil {
		return fmt.Errorf("read vacation block: %w", err)
	}

	t.mu.Lock()
	t.temperature = m.Temperature
	t.targetWithOffset = m.TargetTemperature
	t.relayOn = m.RelayOn
	switch m.ActiveMode {
	case ensto.ModeManual:
		t.potentiometer = m.TargetTemperature
	case ensto.ModeVacation:
		t.potentiometer = m.TargetTemperature - vacation.OffsetCelsius
	}
	if m.ActiveMode != ensto.ModeVacation || m.TargetTemperature > minPotentiometerTemperature {
		t.mode = modeHeat
		t.target = m.TargetTemperature
	} else {
		t.mode = modeOff
	}
	t.haveState = true
	t.mu.Unlock()
	return nil
}

// Handle publishes the primed state immediately, then polls measurements on
// the active interval.
func (t *EnstoThermostat) Handle(ctx context.Context, pub ble.Publisher) error {
	if err := pub.SendConfig(ctx); err != nil {
		return err
	}
	if err := t.publishState(ctx, pub); err != nil {
		return err
	}
	ticker := time.NewTicker(t.ActiveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := t.refreshState(ctx); err != nil {
			return err
		}
		if err := t.publishState(ctx, pub); err != nil {
			return err
		}
	}
}

func (t *EnstoThermostat) publishState(ctx context.Context, pub ble.Publisher) error {
	t.mu.Lock()
	if !t.haveState {
		t.mu.Unlock()
		return nil
	}
	state := climateState{
		Mode:              t.mode,
		Temperature:       t.temperature,
		TargetTemperature: t.target,
	}
	relayOn := t.relayOn
	t.mu.Unlock()

	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, t.EntityTopic(entityClimate), payload); err != nil {
		return err
	}
	relay := payloadOff
	if relayOn {
		relay = payloadOn
	}
	if err := pub.Publish(ctx, t.EntityTopic(entityRelay), []byte(relay)); err != nil {
		return err
	}
	if err := t.PublishLinkQuality(ctx, pub); err != nil {
		return err
	}
	t.mu.Lock()
	t.initialSent = true
	t.mu.Unlock()
	return nil
}

// HandleMessages consumes mode and target temperature commands.
func (t *EnstoThermostat) HandleMessages(ctx context.Context, pub ble.Publisher) error {
	for {
		msg, err := t.NextMessage(ctx)
		if err != nil {
			return err
		}
		entity, postfix := t.ParseCommandTopic(msg.Topic)
		if entity != entityClimate {
			t.Logger().Debug("unhandled command",
				"device", t.UniqueID(),
				"topic", msg.Topic)
			continue
		}
		payload := strings.TrimSpace(string(msg.Payload))

		switch postfix {
		case ble.SetModePostfix:
			mode := strings.ToLower(payload)
			if mode != modeOff && mode != modeHeat {
				t.Logger().Warn("unsupported climate mode",
					"device", t.UniqueID(),
					"mode", payload)
				continue
			}
			if err := t.switchMode(ctx, mode); err != nil {
				return fmt.Errorf("switch mode: %w", err)
			}
		case ble.SetTargetTemperaturePostfix:
			value, convErr := strconv.ParseFloat(payload, 64)
			if convErr != nil {
				t.Logger().Warn("bad target temperature payload",
					"device", t.UniqueID(),
					"payload", payload)
				continue
			}
			if err := t.setTargetTemperature(ctx, value); err != nil {
				return fmt.Errorf("set target temperature: %w", err)
			}
		default:
			t.Logger().Debug("unhandled command",
				"device", t.UniqueID(),
				"topic", msg.Topic)
			continue
		}
		if err := t.publishState(ctx, pub); err != nil {
			return err
		}
	}
}

// setTargetTemperature stores the requested target and, while heating,
// steers the heater there through the vacation offset.
func (t *EnstoThermostat) setTargetTemperature(ctx context.Context, value float64) error {
	engine := t.currentEngine()
	if engine == nil {
		return ble.ErrNotConnected
	}
	if err := engine.StoreTarget(ctx, value); err != nil {
		return fmt.Errorf("store target: %w", err)
	}

	t.mu.Lock()
	mode := t.mode
	potentiometer := t.potentiometer
	t.mu.Unlock()
	if mode != modeOff {
		if err := engine.SetVacation(ctx, value-potentiometer, true); err != nil {
			return fmt.Errorf("set vacation offset: %w", err)
		}
	}
	t.mu.Lock()
	t.target = value
	t.mu.Unlock()
	return t.refreshState(ctx)
}

// switchMode drives the heater to the stored target for heat or down to the
// potentiometer floor for off.
func (t *EnstoThermostat) switchMode(ctx context.Context, next string) error {
	engine := t.currentEngine()
	if engine == nil {
		return ble.ErrNotConnected
	}
	var temp float64
	if next == modeHeat {
		stored, err := engine.StoredTarget(ctx)
		if err != nil {
			return fmt.Errorf("read stored target: %w", err)
		}
		temp = stored
		if temp == 0 {
			temp = defaultTargetTemperature
			if err := engine.StoreTarget(ctx, temp); err != nil {
				return fmt.Errorf("store target: %w", err)
			}
		}
	} else {
		temp = minPotentiometerTemperature
	}

	t.mu.Lock()
	potentiometer := t.potentiometer
	t.mu.Unlock()
	if err := engine.SetVacation(ctx, temp-potentiometer, true); err != nil {
		return fmt.Errorf("set vacation offset: %w", err)
	}
	return t.refreshState(ctx)
}

package devices

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-ble/internal/protocols/inmotion"
)

// Scooter entities.
const (
	entityVoltage               = "voltage"
	entityCurrent               = "current"
	entityControllerTemperature = "controller_temperature"
	entityOdometer              = "odometer"
	entityTripDistance          = "trip_distance"
	entityLight                 = "light"
	entityBeep                  = "beep"
)

// scooterTick is the telemetry poll cadence. Every poll publishes.
const scooterTick = 30 * time.Second

// InMotionScooter bridges an InMotion wheel: pack telemetry, the odometer,
// a headlight switch and a momentary beep for locating it. The wheel does
// not report the headlight state, so the switch tracks the last command.
type InMotionScooter struct {
	*ble.BaseDevice

	mu     sync.Mutex
	queue  *ble.CommandQueue
	engine *inmotion.Engine
	info   *inmotion.FastInfo
	light  bool
}

func newInMotionScooter(opts Options) (ble.Device, error) {
	activeInterval := opts.ActiveInterval
	if activeInterval <= 0 {
		activeInterval = scooterTick
	}
	base, err := ble.NewBaseDevice(ble.DeviceOptions{
		Address:        opts.Address,
		FriendlyName:   opts.Name,
		Model:          "Scooter",
		Manufacturer:   "InMotion",
		Mode:           resolveMode(opts.Mode, ble.ModeActivePollWithDisconnect),
		SupportsActive: true,
		Entities: ble.WithLinkQuality([]ble.Entity{
			{Component: ble.ComponentSensor, Name: entityBattery, DeviceClass: "battery", Unit: "%"},
			{Component: ble.ComponentSensor, Name: entityVoltage, DeviceClass: "voltage",
				Unit: "V", EntityCategory: "diagnostic"},
			{Component: ble.ComponentSensor, Name: entityCurrent, DeviceClass: "current",
				Unit: "A", EntityCategory: "diagnostic"},
			{Component: ble.ComponentSensor, Name: entityTemperature, DeviceClass: "temperature", Unit: "°C"},
			{Component: ble.ComponentSensor, Name: entityControllerTemperature, DeviceClass: "temperature",
				Unit: "°C", EntityCategory: "diagnostic"},
			{Component: ble.ComponentSensor, Name: entityOdometer, Unit: "km", Icon: "map-marker-distance"},
			{Component: ble.ComponentSensor, Name: entityTripDistance, Unit: "km", Icon: "map-marker-path"},
			{Component: ble.ComponentSwitch, Name: entityLight, Icon: "lightbulb"},
			{Component: ble.ComponentSwitch, Name: entityBeep, Icon: "bullhorn"},
		}),
		ReconnectionInterval:    opts.ReconnectionInterval,
		ActiveInterval:          activeInterval,
		ConnectionFailuresLimit: opts.ConnectionFailuresLimit,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &InMotionScooter{BaseDevice: base}, nil
}

// Init wires the command queue over the vendor UART pair and primes the
// telemetry block.
func (s *InMotionScooter) Init(ctx context.Context) error {
	client := s.Client()
	if client == nil {
		return ble.ErrNotConnected
	}
	queue, err := newCommandQueue(ctx, client, inmotion.TXCharUUID, inmotion.RXCharUUID, false, nil, s.Logger())
	if err != nil {
		return err
	}
	engine := inmotion.NewEngine(queue)

	s.mu.Lock()
	s.closeQueueLocked()
	s.queue = queue
	s.engine = engine
	s.info = nil
	s.mu.Unlock()

	s.ReadDeviceInfo(ctx)
	info, err := engine.FastInfo(ctx)
	if err != nil {
		return fmt.Errorf("read telemetry: %w", err)
	}
	s.mu.Lock()
	s.info = &info
	s.mu.Unlock()
	return nil
}

// Close shuts the command queue down before releasing the link.
func (s *InMotionScooter) Close() error {
	s.mu.Lock()
	s.closeQueueLocked()
	s.mu.Unlock()
	return s.BaseDevice.Close()
}

func (s *InMotionScooter) closeQueueLocked() {
	if s.queue != nil {
		s.queue.Close()
		s.queue = nil
		s.engine = nil
	}
}

func (s *InMotionScooter) currentEngine() *inmotion.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Handle publishes the primed telemetry immediately, then polls on the
// active interval. Every poll publishes the full round.
func (s *InMotionScooter) Handle(ctx context.Context, pub ble.Publisher) error {
	if err := pub.SendConfig(ctx); err != nil {
		return err
	}
	if err := s.publishState(ctx, pub); err != nil {
		return err
	}
	ticker := time.NewTicker(s.ActiveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		engine := s.currentEngine()
		if engine == nil {
			return ble.ErrNotConnected
		}
		info, err := engine.FastInfo(ctx)
		if err != nil {
			return fmt.Errorf("poll telemetry: %w", err)
		}
		s.mu.Lock()
		s.info = &info
		s.mu.Unlock()
		if err := s.publishState(ctx, pub); err != nil {
			return err
		}
	}
}

func (s *InMotionScooter) publishState(ctx context.Context, pub ble.Publisher) error {
	s.mu.Lock()
	info := s.info
	light := s.light
	s.mu.Unlock()
	if info == nil {
		return nil
	}

	values := map[string]string{
		entityBattery:               strconv.Itoa(info.BatteryPercent),
		entityVoltage:               formatNumber(info.VoltageVolts),
		entityCurrent:               formatNumber(info.CurrentAmps),
		entityTemperature:           strconv.Itoa(info.TemperatureC),
		entityControllerTemperature: strconv.Itoa(info.Temperature2C),
		entityOdometer:              formatNumber(kilometres(info.TotalDistanceMeters)),
		entityTripDistance:          formatNumber(kilometres(info.TripDistanceMeters)),
	}
	for _, entity := range []string{
		entityBattery, entityVoltage, entityCurrent, entityTemperature,
		entityControllerTemperature, entityOdometer, entityTripDistance,
	} {
		if err := pub.Publish(ctx, s.EntityTopic(entity), []byte(values[entity])); err != nil {
			return err
		}
	}
	if err := s.publishLight(ctx, pub, light); err != nil {
		return err
	}
	if err := pub.Publish(ctx, s.EntityTopic(entityBeep), []byte(payloadOff)); err != nil {
		return err
	}
	return s.PublishLinkQuality(ctx, pub)
}

func (s *InMotionScooter) publishLight(ctx context.Context, pub ble.Publisher, on bool) error {
	state := payloadOff
	if on {
		state = payloadOn
	}
	return pub.Publish(ctx, s.EntityTopic(entityLight), []byte(state))
}

// HandleMessages consumes headlight and beep commands.
func (s *InMotionScooter) HandleMessages(ctx context.Context, pub ble.Publisher) error {
	for {
		msg, err := s.NextMessage(ctx)
		if err != nil {
			return err
		}
		entity, postfix := s.ParseCommandTopic(msg.Topic)
		if postfix != ble.SetPostfix {
			s.Logger().Debug("unhandled command",
				"device", s.UniqueID(),
				"topic", msg.Topic)
			continue
		}
		engine := s.currentEngine()
		if engine == nil {
			return ble.ErrNotConnected
		}
		on := strings.EqualFold(strings.TrimSpace(string(msg.Payload)), payloadOn)

		switch entity {
		case entityLight:
			if err := engine.SetLight(ctx, on); err != nil {
				return fmt.Errorf("set light: %w", err)
			}
			s.mu.Lock()
			s.light = on
			s.mu.Unlock()
			if err := s.publishLight(ctx, pub, on); err != nil {
				return err
			}
		case entityBeep:
			if on {
				if err := engine.Beep(ctx); err != nil {
					return fmt.Errorf("beep: %w", err)
				}
			}
			// Momentary control: always snap back to off.
			if err := pub.Publish(ctx, s.EntityTopic(entityBeep), []byte(payloadOff)); err != nil {
				return err
			}
		default:
			s.Logger().Debug("unhandled command",
				"device", s.UniqueID(),
				"topic", msg.Topic)
		}
	}
}

// kilometres converts a metre odometer reading to one decimal place.
func kilometres(meters uint32) float64 {
	return math.Round(float64(meters)/100) / 10
}

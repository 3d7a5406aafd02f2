package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-ble/internal/protocols/am43"
)

// Cover entities and run states in Home Assistant vocabulary.
const (
	entityCover       = "cover"
	entityIlluminance = "illuminance"

	coverOpen    = "open"
	coverOpening = "opening"
	coverClosed  = "closed"
	coverClosing = "closing"
	coverStopped = "stopped"
)

// Poll pacing: position every movePollPeriod ticks while the motor runs, a
// full refresh every movePollPeriod*coverStandbyMultiplier otherwise.
const (
	coverTick              = 1 * time.Second
	movePollPeriod         = 5
	coverStandbyMultiplier = 12 * 5
)

// coverState is the composite cover payload.
type coverState struct {
	State    string `json:"state"`
	Position int    `json:"position"`
}

// AM43Cover bridges an A-OK AM43 blind motor: a positional cover plus the
// motor's battery and light sensor. The motor reports position on its own
// only while it is moving, so run state is derived by polling.
type AM43Cover struct {
	*ble.BaseDevice

	mu          sync.Mutex
	queue       *ble.CommandQueue
	engine      *am43.Engine
	battery     uint8
	illuminance float64
	position    int
	target      int
	runState    string
	initialSent bool
}

func newAM43Cover(opts Options) (ble.Device, error) {
	activeInterval := opts.ActiveInterval
	if activeInterval <= 0 {
		activeInterval = coverTick
	}
	base, err := ble.NewBaseDevice(ble.DeviceOptions{
		Address:        opts.Address,
		FriendlyName:   opts.Name,
		Model:          "AM43",
		Manufacturer:   "A-OK",
		Mode:           resolveMode(opts.Mode, ble.ModeActivePollWithDisconnect),
		SupportsActive: true,
		Entities: ble.WithLinkQuality([]ble.Entity{
			{Component: ble.ComponentCover, Name: entityCover, DeviceClass: "shade"},
			{Component: ble.ComponentSensor, Name: entityBattery, DeviceClass: "battery",
				Unit: "%", EntityCategory: "diagnostic"},
			{Component: ble.ComponentSensor, Name: entityIlluminance, DeviceClass: "illuminance", Unit: "lx"},
		}),
		ReconnectionInterval:    opts.ReconnectionInterval,
		ActiveInterval:          activeInterval,
		ConnectionFailuresLimit: opts.ConnectionFailuresLimit,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &AM43Cover{BaseDevice: base, target: -1, runState: coverClosed}, nil
}

// Init wires the command queue over the single control characteristic and
// reads the first full state.
func (c *AM43Cover) Init(ctx context.Context) error {
	client := c.Client()
	if client == nil {
		return ble.ErrNotConnected
	}
	queue, err := newCommandQueue(ctx, client, am43.DataCharUUID, am43.DataCharUUID, false,
		c.handleNotification, c.Logger())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.closeQueueLocked()
	c.queue = queue
	c.engine = am43.NewEngine(queue)
	c.initialSent = false
	c.mu.Unlock()

	c.ReadDeviceInfo(ctx)
	return c.refreshFullState(ctx)
}

// Close shuts the command queue down before releasing the link.
func (c *AM43Cover) Close() error {
	c.mu.Lock()
	c.closeQueueLocked()
	c.mu.Unlock()
	return c.BaseDevice.Close()
}

func (c *AM43Cover) closeQueueLocked() {
	if c.queue != nil {
		c.queue.Close()
		c.queue = nil
		c.engine = nil
	}
}

func (c *AM43Cover) currentEngine() *am43.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// handleNotification consumes the live position frames the motor pushes
// while moving; everything else is a command reply.
func (c *AM43Cover) handleNotification(data []byte) bool {
	position, ok := am43.DecodePosition(data)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.position = position
	c.mu.Unlock()
	return true
}

// Handle polls the motor on a one second tick. While a move runs the
// position is checked every few seconds to catch the end of travel; at rest
// the full state is refreshed a couple of times an hour.
func (c *AM43Cover) Handle(ctx context.Context, pub ble.Publisher) error {
	if err := pub.SendConfig(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(c.ActiveInterval())
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		moving := c.isMoving()
		multiplier := coverStandbyMultiplier
		if moving {
			multiplier = 1
		}
		ticks++
		if c.sentInitial() && ticks < movePollPeriod*multiplier {
			continue
		}

		if moving {
			if err := c.pollMovement(ctx); err != nil {
				return fmt.Errorf("poll position: %w", err)
			}
		} else {
			if err := c.refreshFullState(ctx); err != nil {
				return fmt.Errorf("refresh state: %w", err)
			}
		}
		if err := c.publishState(ctx, pub); err != nil {
			return err
		}
		ticks = 0
	}
}

func (c *AM43Cover) isMoving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runState == coverOpening || c.runState == coverClosing
}

func (c *AM43Cover) sentInitial() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialSent
}

// pollMovement reads the position mid-move and settles the run state when
// the blind reaches an end stop or the commanded target.
func (c *AM43Cover) pollMovement(ctx context.Context) error {
	engine := c.currentEngine()
	if engine == nil {
		return ble.ErrNotConnected
	}
	position, err := engine.Position(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.position = position
	switch {
	case position == am43.ClosedPosition:
		c.runState = coverClosed
		c.target = -1
	case position == am43.OpenPosition:
		c.runState = coverOpen
		c.target = -1
	case c.target >= 0 && position == c.target:
		c.runState = coverStopped
		c.target = -1
	}
	c.mu.Unlock()
	return nil
}

// refreshFullState reads battery, illuminance and position in one pass.
func (c *AM43Cover) refreshFullState(ctx context.Context) error {
	engine := c.currentEngine()
	if engine == nil {
		return ble.ErrNotConnected
	}
	battery, err := engine.Battery(ctx)
	if err != nil {
		return err
	}
	illuminance, err := engine.Illuminance(ctx)
	if err != nil {
		return err
	}
	position, err := engine.Position(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.battery = battery
	c.illuminance = illuminance
	c.position = position
	if c.runState != coverOpening && c.runState != coverClosing {
		switch position {
		case am43.ClosedPosition:
			c.runState = coverClosed
		case am43.OpenPosition:
			c.runState = coverOpen
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *AM43Cover) publishState(ctx context.Context, pub ble.Publisher) error {
	c.mu.Lock()
	cover := coverState{State: c.runState, Position: c.position}
	battery := c.battery
	illuminance := c.illuminance
	c.mu.Unlock()

	payload, err := json.Marshal(cover)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, c.EntityTopic(entityCover), payload); err != nil {
		return err
	}
	if err := pub.Publish(ctx, c.EntityTopic(entityBattery),
		[]byte(strconv.Itoa(int(battery)))); err != nil {
		return err
	}
	if err := pub.Publish(ctx, c.EntityTopic(entityIlluminance),
		[]byte(formatNumber(illuminance))); err != nil {
		return err
	}
	if err := c.PublishLinkQuality(ctx, pub); err != nil {
		return err
	}
	c.mu.Lock()
	c.initialSent = true
	c.mu.Unlock()
	return nil
}

// HandleMessages consumes open, close, stop and set position commands.
func (c *AM43Cover) HandleMessages(ctx context.Context, pub ble.Publisher) error {
	for {
		msg, err := c.NextMessage(ctx)
		if err != nil {
			return err
		}
		entity, postfix := c.ParseCommandTopic(msg.Topic)
		if entity != entityCover {
			c.Logger().Debug("unhandled command",
				"device", c.UniqueID(),
				"topic", msg.Topic)
			continue
		}
		payload := strings.TrimSpace(string(msg.Payload))

		switch postfix {
		case ble.SetPostfix:
			switch strings.ToLower(payload) {
			case "open":
				err = c.moveTo(ctx, am43.OpenPosition)
			case "close":
				err = c.moveTo(ctx, am43.ClosedPosition)
			default:
				err = c.stopMove(ctx)
			}
		case ble.SetPositionPostfix:
			target, convErr := strconv.Atoi(payload)
			if convErr != nil || target < am43.ClosedPosition || target > am43.OpenPosition {
				c.Logger().Warn("bad position payload",
					"device", c.UniqueID(),
					"payload", payload)
				continue
			}
			err = c.moveTo(ctx, target)
		default:
			c.Logger().Debug("unhandled command",
				"device", c.UniqueID(),
				"topic", msg.Topic)
			continue
		}
		if err != nil {
			return fmt.Errorf("move cover: %w", err)
		}
		if err := c.publishState(ctx, pub); err != nil {
			return err
		}
	}
}

// moveTo commands a positional move and derives the transitional run state
// from the direction of travel.
func (c *AM43Cover) moveTo(ctx context.Context, target int) error {
	engine := c.currentEngine()
	if engine == nil {
		return ble.ErrNotConnected
	}
	if err := engine.SetPosition(ctx, target); err != nil {
		return err
	}
	c.mu.Lock()
	switch {
	case c.position > target:
		c.target = target
		c.runState = coverClosing
	case c.position < target:
		c.target = target
		c.runState = coverOpening
	default:
		c.target = -1
		switch target {
		case am43.OpenPosition:
			c.runState = coverOpen
		case am43.ClosedPosition:
			c.runState = coverClosed
		default:
			c.runState = coverStopped
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *AM43Cover) stopMove(ctx context.Context) error {
	engine := c.currentEngine()
	if engine == nil {
		return ble.ErrNotConnected
	}
	if err := engine.Stop(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.target = -1
	c.runState = coverStopped
	c.mu.Unlock()
	return nil
}

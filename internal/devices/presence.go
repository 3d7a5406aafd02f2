package devices

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// Presence entity names and payloads.
const (
	entityPresence = "presence"
	entityTracker  = "device_tracker"

	trackerHome    = "home"
	trackerNotHome = "not_home"
)

// defaultPresenceThreshold is how long without a sighting before the
// tracker reports away.
const defaultPresenceThreshold = 300 * time.Second

// presenceTick is the evaluation cadence. Sightings and the away threshold
// resolve at this granularity.
const presenceTick = 1 * time.Second

// Presence is a passive tracker: any advertisement from the configured
// address counts as home, and silence longer than the threshold counts as
// away. It never connects.
type Presence struct {
	*ble.BaseDevice

	threshold time.Duration

	mu       sync.Mutex
	seen     bool
	lastSeen time.Time
	present  bool

	sentOnce  bool
	lastSent  time.Time
	sentValue bool
}

func newPresence(opts Options) (ble.Device, error) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = defaultPresenceThreshold
	}
	base, err := ble.NewBaseDevice(ble.DeviceOptions{
		Address:         opts.Address,
		FriendlyName:    opts.Name,
		Model:           "Presence tracker",
		Manufacturer:    "Generic",
		Mode:            resolveMode(opts.Mode, ble.ModePassive),
		SupportsPassive: true,
		Entities: ble.WithLinkQuality([]ble.Entity{
			{Component: ble.ComponentBinarySensor, Name: entityPresence, DeviceClass: "presence"},
			{Component: ble.ComponentDeviceTracker, Name: entityTracker},
		}),
		ReconnectionInterval:    opts.ReconnectionInterval,
		PassiveInterval:         opts.PassiveInterval,
		ConnectionFailuresLimit: opts.ConnectionFailuresLimit,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Presence{BaseDevice: base, threshold: threshold}, nil
}

// HandleAdvert marks the device home. Payload contents do not matter; the
// sighting itself is the signal.
func (p *Presence) HandleAdvert(ble.Advertisement) {
	p.mu.Lock()
	p.seen = true
	p.present = true
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// Handle evaluates presence every tick and publishes on change or at least
// once per passive interval.
func (p *Presence) Handle(ctx context.Context, pub ble.Publisher) error {
	if err := pub.SendConfig(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(presenceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := p.tick(ctx, pub, now); err != nil {
				return err
			}
		}
	}
}

// tick ages the last sighting and publishes when the state changed or the
// periodic refresh is due. Nothing is sent before the first sighting.
func (p *Presence) tick(ctx context.Context, pub ble.Publisher, now time.Time) error {
	p.mu.Lock()
	if !p.seen {
		p.mu.Unlock()
		return nil
	}
	if p.present && now.Sub(p.lastSeen) > p.threshold {
		p.present = false
	}
	present := p.present
	due := !p.sentOnce || present != p.sentValue || now.Sub(p.lastSent) >= p.PassiveInterval()
	p.mu.Unlock()

	if !due {
		return nil
	}
	if err := p.publishState(ctx, pub, present); err != nil {
		return err
	}

	p.mu.Lock()
	p.sentOnce = true
	p.sentValue = present
	p.lastSent = now
	p.mu.Unlock()
	return nil
}

func (p *Presence) publishState(ctx context.Context, pub ble.Publisher, present bool) error {
	presence, tracker := payloadOff, trackerNotHome
	if present {
		presence, tracker = payloadOn, trackerHome
	}
	if err := pub.Publish(ctx, p.EntityTopic(entityPresence), []byte(presence)); err != nil {
		return err
	}
	if err := pub.Publish(ctx, p.EntityTopic(entityTracker), []byte(tracker)); err != nil {
		return err
	}
	return p.PublishLinkQuality(ctx, pub)
}

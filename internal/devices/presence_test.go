package devices

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

func newTestPresence(t *testing.T) *Presence {
	t.Helper()
	dev, err := New(TypePresence, Options{Address: testAddress, Name: "keys"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return dev.(*Presence)
}

// ===== Presence Tests

func TestPresenceSilentBeforeFirstSighting(t *testing.T) {
	p := newTestPresence(t)
	pub := newFakePublisher()

	if err := p.tick(context.Background(), pub, time.Now()); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if got := len(pub.GetPublished()); got != 0 {
		t.Errorf("published %d messages before any sighting, want 0", got)
	}
}

func TestPresencePublishesOnSighting(t *testing.T) {
	p := newTestPresence(t)
	pub := newFakePublisher()

	p.HandleAdvert(ble.Advertisement{Address: testAddress, RSSI: -60})
	if err := p.tick(context.Background(), pub, time.Now()); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if got, _ := pub.PayloadFor(p.EntityTopic(entityPresence)); got != payloadOn {
		t.Errorf("presence payload = %q, want %q", got, payloadOn)
	}
	if got, _ := pub.PayloadFor(p.EntityTopic(entityTracker)); got != trackerHome {
		t.Errorf("tracker payload = %q, want %q", got, trackerHome)
	}
}

func TestPresenceQuietWhileUnchanged(t *testing.T) {
	p := newTestPresence(t)
	pub := newFakePublisher()
	ctx := context.Background()
	now := time.Now()

	p.HandleAdvert(ble.Advertisement{Address: testAddress})
	if err := p.tick(ctx, pub, now); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	pub.Reset()

	if err := p.tick(ctx, pub, now.Add(time.Second)); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if got := len(pub.GetPublished()); got != 0 {
		t.Errorf("published %d messages with no change, want 0", got)
	}
}

func TestPresencePeriodicRefresh(t *testing.T) {
	p := newTestPresence(t)
	pub := newFakePublisher()
	ctx := context.Background()
	now := time.Now()

	p.HandleAdvert(ble.Advertisement{Address: testAddress})
	if err := p.tick(ctx, pub, now); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	pub.Reset()

	if err := p.tick(ctx, pub, now.Add(p.PassiveInterval())); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if got, ok := pub.PayloadFor(p.EntityTopic(entityPresence)); !ok || got != payloadOn {
		t.Errorf("refresh presence payload = %q (published %v), want %q", got, ok, payloadOn)
	}
}

func TestPresenceAgeOut(t *testing.T) {
	p := newTestPresence(t)
	pub := newFakePublisher()
	ctx := context.Background()

	p.HandleAdvert(ble.Advertisement{Address: testAddress})
	if err := p.tick(ctx, pub, time.Now()); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	pub.Reset()

	if err := p.tick(ctx, pub, time.Now().Add(p.threshold+time.Second)); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if got, _ := pub.PayloadFor(p.EntityTopic(entityPresence)); got != payloadOff {
		t.Errorf("presence payload = %q, want %q", got, payloadOff)
	}
	if got, _ := pub.PayloadFor(p.EntityTopic(entityTracker)); got != trackerNotHome {
		t.Errorf("tracker payload = %q, want %q", got, trackerNotHome)
	}
}

func TestPresenceReturnsHome(t *testing.T) {
	p := newTestPresence(t)
	pub := newFakePublisher()
	ctx := context.Background()

	p.HandleAdvert(ble.Advertisement{Address: testAddress})
	if err := p.tick(ctx, pub, time.Now()); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if err := p.tick(ctx, pub, time.Now().Add(p.threshold+time.Second)); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	pub.Reset()

	p.HandleAdvert(ble.Advertisement{Address: testAddress})
	if err := p.tick(ctx, pub, time.Now()); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if got, _ := pub.PayloadFor(p.EntityTopic(entityTracker)); got != trackerHome {
		t.Errorf("tracker payload = %q, want %q", got, trackerHome)
	}
}

func TestPresenceThresholdOption(t *testing.T) {
	dev, err := New(TypePresence, Options{Address: testAddress, Threshold: 10 * time.Second})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	p := dev.(*Presence)
	if p.threshold != 10*time.Second {
		t.Errorf("threshold = %v, want 10s", p.threshold)
	}

	p.HandleAdvert(ble.Advertisement{Address: testAddress})
	pub := newFakePublisher()
	ctx := context.Background()
	if err := p.tick(ctx, pub, time.Now()); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if err := p.tick(ctx, pub, time.Now().Add(11*time.Second)); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if got, _ := pub.PayloadFor(p.EntityTopic(entityPresence)); got != payloadOff {
		t.Errorf("presence payload = %q, want %q", got, payloadOff)
	}
}

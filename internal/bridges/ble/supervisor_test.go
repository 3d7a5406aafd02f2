package ble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptDevice wraps BaseDevice with scriptable handler loops for testing.
// The zero hooks give a device that connects cleanly and idles until told
// otherwise.
type scriptDevice struct {
	*BaseDevice
	mu          sync.Mutex
	handleFunc  func(ctx context.Context, pub Publisher) error
	initFunc    func(ctx context.Context) error
	seenErr     error
	handleCalls int
	initCalls   int
}

func newScriptDevice(t *testing.T, opts DeviceOptions) *scriptDevice {
	t.Helper()
	base, err := NewBaseDevice(opts)
	if err != nil {
		t.Fatalf("NewBaseDevice() error: %v", err)
	}
	return &scriptDevice{BaseDevice: base}
}

func (d *scriptDevice) Handle(ctx context.Context, pub Publisher) error {
	d.mu.Lock()
	d.handleCalls++
	fn := d.handleFunc
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, pub)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *scriptDevice) Init(ctx context.Context) error {
	d.mu.Lock()
	d.initCalls++
	fn := d.initFunc
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// WaitSeenOnce caps the visibility wait so unseen devices fail fast in
// tests, and lets scripts force a missing device outright.
func (d *scriptDevice) WaitSeenOnce(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	err := d.seenErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if timeout > 250*time.Millisecond {
		timeout = 250 * time.Millisecond
	}
	return d.BaseDevice.WaitSeenOnce(ctx, timeout)
}

func (d *scriptDevice) SetSeenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seenErr = err
}

func (d *scriptDevice) SetHandleFunc(fn func(ctx context.Context, pub Publisher) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handleFunc = fn
}

func (d *scriptDevice) SetInitFunc(fn func(ctx context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initFunc = fn
}

func (d *scriptDevice) GetInitCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initCalls
}

// mockSession implements Session for testing.
type mockSession struct {
	mu           sync.Mutex
	published    []mockStatePublish
	availability []bool
	subscribes   int
	configs      int
	subscribeErr error
}

func (m *mockSession) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockStatePublish{Topic: topic, Payload: payload})
	return nil
}

func (m *mockSession) SendConfig(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs++
	return nil
}

func (m *mockSession) PublishAvailability(ctx context.Context, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability = append(m.availability, online)
	return nil
}

func (m *mockSession) SubscribeCommands(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscribes++
	return nil
}

func (m *mockSession) GetPublished() []mockStatePublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockStatePublish, len(m.published))
	copy(out, m.published)
	return out
}

func (m *mockSession) GetSubscribes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes
}

func (m *mockSession) CountOffline() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, online := range m.availability {
		if !online {
			n++
		}
	}
	return n
}

func supervisorDeviceOptions(mode ConnectionMode) DeviceOptions {
	opts := kettleOptions()
	opts.Mode = mode
	opts.SupportsActive = true
	opts.SupportsPassive = true
	opts.ReconnectionInterval = 5 * time.Millisecond
	return opts
}

func createTestSupervisor(t *testing.T, dev Device, dialer Dialer, session Session, restarter AdapterRestarter, fault func(error) bool) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(SupervisorOptions{
		Device:        dev,
		Dialer:        dialer,
		Session:       session,
		Restarter:     restarter,
		HardwareFault: fault,
	})
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}
	return s
}

// ===== Supervisor Tests

func TestNewSupervisorValidation(t *testing.T) {
	dev := newScriptDevice(t, supervisorDeviceOptions(ModePassive))
	dialer := newMockDialer()
	session := &mockSession{}
	restarter := &mockRestarter{}

	tests := []struct {
		name string
		opts SupervisorOptions
	}{
		{"missing device", SupervisorOptions{Dialer: dialer, Session: session, Restarter: restarter}},
		{"missing dialer", SupervisorOptions{Device: dev, Session: session, Restarter: restarter}},
		{"missing session", SupervisorOptions{Device: dev, Dialer: dialer, Restarter: restarter}},
		{"missing restarter", SupervisorOptions{Device: dev, Dialer: dialer, Session: session}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSupervisor(tt.opts); err == nil {
				t.Error("NewSupervisor() expected error, got nil")
			}
		})
	}
}

func TestSupervisorConnectsAndServes(t *testing.T) {
	dev := newScriptDevice(t, supervisorDeviceOptions(ModeActiveKeepConnection))
	dev.MarkSeen(-55)
	dev.SetHandleFunc(func(ctx context.Context, pub Publisher) error {
		if err := pub.Publish(ctx, dev.EntityTopic("temperature"), []byte("92")); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	dialer := newMockDialer()
	session := &mockSession{}
	restarter := &mockRestarter{}
	s := createTestSupervisor(t, dev, dialer, session, restarter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitUntil(t, time.Second, func() bool {
		return len(session.GetPublished()) >= 1
	}, "handler loop published state")

	// The link dropping ends the cycle; the supervisor classifies it as
	// the device going missing and cycles again.
	dialer.LastClient().SimulateDrop()

	waitUntil(t, time.Second, func() bool {
		return s.Stats().Missing >= 1
	}, "link drop classified")
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	stats := s.Stats()
	if stats.Connects < 1 {
		t.Errorf("Connects = %d, want >= 1", stats.Connects)
	}
	if dev.GetInitCalls() < 1 {
		t.Error("Init was never called")
	}
	if session.GetSubscribes() < 1 {
		t.Error("SubscribeCommands was never called")
	}
	if session.CountOffline() < 1 {
		t.Error("Expected an offline publish after the cycle ended")
	}

	published := session.GetPublished()
	if published[0].Topic != "redmond_rk_g200s_ddeeff/temperature" {
		t.Errorf("Published topic = %q", published[0].Topic)
	}
	if string(published[0].Payload) != "92" {
		t.Errorf("Published payload = %q, want %q", published[0].Payload, "92")
	}
}

func TestSupervisorMissingDeviceEscalates(t *testing.T) {
	opts := supervisorDeviceOptions(ModeActiveKeepConnection)
	opts.ConnectionFailuresLimit = 2
	dev := newScriptDevice(t, opts)
	dev.SetSeenError(ErrDeviceNotFound)

	dialer := newMockDialer()
	session := &mockSession{}
	restarter := &mockRestarter{}
	s := createTestSupervisor(t, dev, dialer, session, restarter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Two missing cycles in a row hit the device's limit and restart the
	// adapter; the counter starts over.
	waitUntil(t, time.Second, func() bool {
		return restarter.GetRestarts() >= 1
	}, "missing device escalated to adapter restart")
	cancel()
	<-done

	if dials := dialer.GetDials(); len(dials) != 0 {
		t.Errorf("Expected no dials for an invisible device, got %d", len(dials))
	}
	if s.Stats().Connects != 0 {
		t.Errorf("Connects = %d, want 0", s.Stats().Connects)
	}
}

func TestSupervisorInitFailureCountsAsFailure(t *testing.T) {
	dev := newScriptDevice(t, supervisorDeviceOptions(ModeActiveKeepConnection))
	dev.MarkSeen(-55)
	dev.SetInitFunc(func(ctx context.Context) error {
		return errors.New("auth handshake refused")
	})

	dialer := newMockDialer()
	session := &mockSession{}
	restarter := &mockRestarter{}
	s := createTestSupervisor(t, dev, dialer, session, restarter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Five real failures in a row restart the adapter.
	waitUntil(t, 2*time.Second, func() bool {
		return restarter.GetRestarts() >= 1
	}, "repeated failures escalated to adapter restart")
	cancel()
	<-done

	if got := s.Stats().Connects; got < 5 {
		t.Errorf("Connects = %d, want >= 5", got)
	}
	if session.GetSubscribes() != 0 {
		t.Error("SubscribeCommands must not run when Init fails")
	}
}

func TestSupervisorHardwareFaultRestartsAdapter(t *testing.T) {
	dev := newScriptDevice(t, supervisorDeviceOptions(ModeActiveKeepConnection))
	dev.MarkSeen(-55)
	dev.SetHandleFunc(func(ctx context.Context, pub Publisher) error {
		return &TransportError{Op: "write characteristic", Err: errors.New("input/output error")}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newMockDialer()
	session := &mockSession{}
	restarter := &mockRestarter{}
	// Cancelling inside the restart hook keeps the test out of the
	// post-restart recovery sleep.
	restarter.onRestart = cancel

	fault := func(err error) bool {
		return strings.Contains(err.Error(), "input/output error")
	}
	s := createTestSupervisor(t, dev, dialer, session, restarter, fault)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitUntil(t, time.Second, func() bool {
		return restarter.GetRestarts() >= 1
	}, "hardware fault restarted the adapter")
	<-done

	if got := s.Stats().Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
	if got := s.Stats().Missing; got != 0 {
		t.Errorf("Missing = %d, want 0", got)
	}
}

func TestSupervisorTransientModeShutdownPublishesOffline(t *testing.T) {
	dev := newScriptDevice(t, supervisorDeviceOptions(ModeActivePollWithDisconnect))
	dev.MarkSeen(-55)

	dialer := newMockDialer()
	session := &mockSession{}
	restarter := &mockRestarter{}
	s := createTestSupervisor(t, dev, dialer, session, restarter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitUntil(t, time.Second, func() bool {
		return s.Stats().Connects >= 1
	}, "device connected")
	cancel()
	<-done

	// Transient modes skip the offline publish on ordinary teardown but
	// still get one on shutdown, so consumers see the bridge go away.
	if got := session.CountOffline(); got != 1 {
		t.Errorf("Offline publishes = %d, want 1", got)
	}
}

func TestSupervisorCountersResetAfterInit(t *testing.T) {
	dev := newScriptDevice(t, supervisorDeviceOptions(ModeActiveKeepConnection))
	dev.SetSeenError(ErrDeviceNotFound)

	dialer := newMockDialer()
	session := &mockSession{}
	restarter := &mockRestarter{}
	s := createTestSupervisor(t, dev, dialer, session, restarter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitUntil(t, time.Second, func() bool {
		return s.Stats().Missing >= 1
	}, "missing cycle counted")

	// The device reappears; a full connect and init clears the run of
	// missing cycles.
	dev.SetSeenError(nil)
	dev.MarkSeen(-55)

	waitUntil(t, time.Second, func() bool {
		stats := s.Stats()
		return stats.Connects >= 1 && stats.Missing == 0
	}, "missing counter reset after successful init")
	cancel()
	<-done

	if restarter.GetRestarts() != 0 {
		t.Errorf("Restarts = %d, want 0", restarter.GetRestarts())
	}
}

func TestSupervisorPassiveDeviceSkipsDial(t *testing.T) {
	dev := newScriptDevice(t, supervisorDeviceOptions(ModePassive))
	dev.SetHandleFunc(func(ctx context.Context, pub Publisher) error {
		if err := pub.Publish(ctx, dev.EntityTopic("temperature"), []byte("21.5")); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	dialer := newMockDialer()
	session := &mockSession{}
	restarter := &mockRestarter{}
	s := createTestSupervisor(t, dev, dialer, session, restarter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitUntil(t, time.Second, func() bool {
		return len(session.GetPublished()) >= 1
	}, "passive handler published state")
	cancel()
	<-done

	if dials := dialer.GetDials(); len(dials) != 0 {
		t.Errorf("Expected no dials for a passive device, got %d", len(dials))
	}
}

func TestSupervisorEmitsLifecycleEvents(t *testing.T) {
	opts := supervisorDeviceOptions(ModeActiveKeepConnection)
	opts.ConnectionFailuresLimit = 2
	dev := newScriptDevice(t, opts)
	dev.SetSeenError(ErrDeviceNotFound)

	var mu sync.Mutex
	events := make(map[string]int)

	dialer := newMockDialer()
	session := &mockSession{}
	restarter := &mockRestarter{}
	s, err := NewSupervisor(SupervisorOptions{
		Device:    dev,
		Dialer:    dialer,
		Session:   session,
		Restarter: restarter,
		Events: func(_ context.Context, event, _ string) {
			mu.Lock()
			events[event]++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events[EventDeviceMissing] >= 2 && events[EventAdapterRestart] >= 1
	}, "missing and restart events recorded")
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if events[EventDeviceConnected] != 0 {
		t.Errorf("connected events = %d, want 0 for an invisible device", events[EventDeviceConnected])
	}
}

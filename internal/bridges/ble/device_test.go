package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockClient implements Client for testing.
type mockClient struct {
	mu           sync.Mutex
	readValues   map[string][]byte
	readErr      error
	writeErr     error
	writes       []mockWrite
	handlers     map[string]func([]byte)
	disconnected *closeOnce
	closed       bool
}

type mockWrite struct {
	UUID         string
	Data         []byte
	WithResponse bool
}

func newMockClient() *mockClient {
	return &mockClient{
		readValues:   make(map[string][]byte),
		handlers:     make(map[string]func([]byte)),
		disconnected: newCloseOnce(),
	}
}

func (m *mockClient) ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	value, ok := m.readValues[uuid]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not present", uuid)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *mockClient) WriteCharacteristic(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, mockWrite{UUID: uuid, Data: data, WithResponse: withResponse})
	return nil
}

func (m *mockClient) Subscribe(ctx context.Context, uuid string, handler func(data []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[uuid] = handler
	return nil
}

func (m *mockClient) Unsubscribe(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, uuid)
	return nil
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.disconnected.Done()
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.disconnected.Close()
	return nil
}

func (m *mockClient) SetReadValue(uuid string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readValues[uuid] = value
}

func (m *mockClient) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *mockClient) GetWrites() []mockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *mockClient) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SimulateNotification delivers a frame to the subscription handler.
func (m *mockClient) SimulateNotification(uuid string, data []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[uuid]
	m.mu.Unlock()
	if ok {
		handler(data)
	}
}

// SimulateDrop closes the disconnect channel as if the peripheral hung up.
func (m *mockClient) SimulateDrop() {
	m.disconnected.Close()
}

// mockDialer implements Dialer for testing. Every Dial hands out a fresh
// client, optionally primed by the prepare hook.
type mockDialer struct {
	mu      sync.Mutex
	dialErr error
	dials   []mockDial
	clients []*mockClient
	prepare func(*mockClient)
}

type mockDial struct {
	Address     string
	AddressType AddressType
}

func newMockDialer() *mockDialer {
	return &mockDialer{}
}

func (m *mockDialer) Dial(ctx context.Context, address string, addressType AddressType) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials = append(m.dials, mockDial{Address: address, AddressType: addressType})
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	client := newMockClient()
	if m.prepare != nil {
		m.prepare(client)
	}
	m.clients = append(m.clients, client)
	return client, nil
}

func (m *mockDialer) SetDialError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialErr = err
}

func (m *mockDialer) GetDials() []mockDial {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockDial, len(m.dials))
	copy(out, m.dials)
	return out
}

func (m *mockDialer) LastClient() *mockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) == 0 {
		return nil
	}
	return m.clients[len(m.clients)-1]
}

// mockPublisher implements Publisher for testing.
type mockPublisher struct {
	mu        sync.Mutex
	published []mockStatePublish
	configs   int
}

type mockStatePublish struct {
	Topic   string
	Payload []byte
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockStatePublish{Topic: topic, Payload: payload})
	return nil
}

func (m *mockPublisher) SendConfig(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs++
	return nil
}

func (m *mockPublisher) GetPublished() []mockStatePublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockStatePublish, len(m.published))
	copy(out, m.published)
	return out
}

func createTestDevice(t *testing.T, opts DeviceOptions) *BaseDevice {
	t.Helper()
	dev, err := NewBaseDevice(opts)
	if err != nil {
		t.Fatalf("NewBaseDevice() error: %v", err)
	}
	return dev
}

func kettleOptions() DeviceOptions {
	return DeviceOptions{
		Address:         "AA:BB:CC:DD:EE:FF",
		Model:           "RK-G200S",
		Manufacturer:    "Redmond",
		Mode:            ModeActiveKeepConnection,
		SupportsActive:  true,
		SupportsPassive: false,
		Entities: []Entity{
			{Component: ComponentSwitch, Name: "pot", Icon: "kettle"},
			{Component: ComponentSensor, Name: "temperature", DeviceClass: "temperature", Unit: "°C"},
		},
	}
}

// ===== Construction Tests

func TestNewBaseDeviceDefaults(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())

	if dev.UniqueID() != "redmond_rk_g200s_ddeeff" {
		t.Errorf("UniqueID() = %q, want %q", dev.UniqueID(), "redmond_rk_g200s_ddeeff")
	}
	if dev.FriendlyName() != dev.UniqueID() {
		t.Errorf("FriendlyName() = %q, want unique id fallback", dev.FriendlyName())
	}
	if dev.Address() != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Address() = %q, want lower case", dev.Address())
	}
	if dev.AddressType() != AddressPublic {
		t.Errorf("AddressType() = %q, want public default", dev.AddressType())
	}
	if dev.ReconnectionInterval() != DefaultReconnectionInterval {
		t.Errorf("ReconnectionInterval() = %v, want %v", dev.ReconnectionInterval(), DefaultReconnectionInterval)
	}
	if dev.ConnectionFailuresLimit() != DefaultConnectionFailuresLimit {
		t.Errorf("ConnectionFailuresLimit() = %d, want %d", dev.ConnectionFailuresLimit(), DefaultConnectionFailuresLimit)
	}
}

func TestNewBaseDeviceValidation(t *testing.T) {
	tests := []struct {
		name string
		opts DeviceOptions
	}{
		{
			name: "missing address",
			opts: DeviceOptions{Mode: ModePassive, SupportsPassive: true},
		},
		{
			name: "unknown mode",
			opts: DeviceOptions{Address: "aa:bb:cc:dd:ee:ff", Mode: "sometimes", SupportsActive: true},
		},
		{
			name: "passive not supported",
			opts: DeviceOptions{Address: "aa:bb:cc:dd:ee:ff", Mode: ModePassive, SupportsActive: true},
		},
		{
			name: "active not supported",
			opts: DeviceOptions{Address: "aa:bb:cc:dd:ee:ff", Mode: ModeActiveKeepConnection, SupportsPassive: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBaseDevice(tt.opts); err == nil {
				t.Error("NewBaseDevice() expected error, got nil")
			}
		})
	}
}

func TestDeriveUniqueID(t *testing.T) {
	tests := []struct {
		manufacturer string
		model        string
		address      string
		want         string
	}{
		{"Redmond", "RK-G200S", "AA:BB:CC:DD:EE:FF", "redmond_rk_g200s_ddeeff"},
		{"Xiaomi", "LYWSD03MMC", "A4:C1:38:01:02:03", "xiaomi_lywsd03mmc_010203"},
		{"", "AM43", "11:22:33:44:55:66", "am43_445566"},
		{"De'Longhi", "ECAM 650.85", "11:22:33:44:55:66", "de_longhi_ecam_650_85_445566"},
		{"", "", "AA:BB:CC:DD:EE:FF", "0xaabbccddeeff"},
	}

	for _, tt := range tests {
		got := DeriveUniqueID(tt.manufacturer, tt.model, tt.address)
		if got != tt.want {
			t.Errorf("DeriveUniqueID(%q, %q, %q) = %q, want %q",
				tt.manufacturer, tt.model, tt.address, got, tt.want)
		}
	}
}

// ===== Topic Tests

func TestSubscribedTopics(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())

	topics := dev.SubscribedTopics()
	want := []string{"redmond_rk_g200s_ddeeff/pot/set"}
	if len(topics) != len(want) {
		t.Fatalf("SubscribedTopics() = %v, want %v", topics, want)
	}
	if topics[0] != want[0] {
		t.Errorf("SubscribedTopics()[0] = %q, want %q", topics[0], want[0])
	}
}

func TestSubscribedTopicsClimate(t *testing.T) {
	opts := kettleOptions()
	opts.Manufacturer = "Ensto"
	opts.Model = "EPHBEBT"
	opts.Entities = []Entity{
		{Component: ComponentClimate, Name: "thermostat"},
	}
	dev := createTestDevice(t, opts)

	topics := dev.SubscribedTopics()
	want := []string{
		"ensto_ephbebt_ddeeff/thermostat/set",
		"ensto_ephbebt_ddeeff/thermostat/set_mode",
		"ensto_ephbebt_ddeeff/thermostat/set_target_temperature",
	}
	if len(topics) != len(want) {
		t.Fatalf("SubscribedTopics() = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("SubscribedTopics()[%d] = %q, want %q", i, topics[i], want[i])
		}
	}
}

func TestSubscribedTopicsReadOnlyDevice(t *testing.T) {
	opts := kettleOptions()
	opts.Entities = []Entity{
		{Component: ComponentSensor, Name: "temperature"},
		{Component: ComponentBinarySensor, Name: "presence"},
	}
	dev := createTestDevice(t, opts)

	if topics := dev.SubscribedTopics(); len(topics) != 0 {
		t.Errorf("SubscribedTopics() = %v, want none", topics)
	}
}

func TestParseCommandTopic(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())

	tests := []struct {
		topic       string
		wantEntity  string
		wantPostfix string
	}{
		{"redmond_rk_g200s_ddeeff/pot/set", "pot", "set"},
		{"pot/set", "pot", "set"},
		{"curtain/set_position", "curtain", "set_position"},
		{"thermostat/set_target_temperature", "thermostat", "set_target_temperature"},
		{"set", "", "set"},
		{"pot/state", "pot/state", ""},
	}

	for _, tt := range tests {
		entity, postfix := dev.ParseCommandTopic(tt.topic)
		if entity != tt.wantEntity || postfix != tt.wantPostfix {
			t.Errorf("ParseCommandTopic(%q) = (%q, %q), want (%q, %q)",
				tt.topic, entity, postfix, tt.wantEntity, tt.wantPostfix)
		}
	}
}

func TestEntityTopics(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())

	if got := dev.EntityTopic("temperature"); got != "redmond_rk_g200s_ddeeff/temperature" {
		t.Errorf("EntityTopic() = %q", got)
	}
	if got := dev.AvailabilityTopic(); got != "redmond_rk_g200s_ddeeff/availability" {
		t.Errorf("AvailabilityTopic() = %q", got)
	}
}

// ===== Link Quality Tests

func TestLinkQualityScale(t *testing.T) {
	tests := []struct {
		rssi int
		want int
	}{
		{-100, 0},
		{-120, 0},
		{-50, 128},
		{-30, 179},
		{0, 255},
	}

	for _, tt := range tests {
		if got := LinkQuality(tt.rssi); got != tt.want {
			t.Errorf("LinkQuality(%d) = %d, want %d", tt.rssi, got, tt.want)
		}
	}
}

func TestPublishLinkQuality(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())
	pub := &mockPublisher{}

	// No reading yet: nothing to publish.
	if err := dev.PublishLinkQuality(context.Background(), pub); err != nil {
		t.Fatalf("PublishLinkQuality() error: %v", err)
	}
	if len(pub.GetPublished()) != 0 {
		t.Fatal("Expected no publish without an RSSI reading")
	}

	dev.SetRSSI(-50)
	if err := dev.PublishLinkQuality(context.Background(), pub); err != nil {
		t.Fatalf("PublishLinkQuality() error: %v", err)
	}
	published := pub.GetPublished()
	if len(published) != 1 {
		t.Fatalf("Expected 1 publish, got %d", len(published))
	}
	if published[0].Topic != "redmond_rk_g200s_ddeeff/linkquality" {
		t.Errorf("Topic = %q", published[0].Topic)
	}
	if string(published[0].Payload) != "128" {
		t.Errorf("Payload = %q, want %q", published[0].Payload, "128")
	}
}

func TestWithLinkQuality(t *testing.T) {
	entities := []Entity{{Component: ComponentSensor, Name: "temperature"}}

	out := WithLinkQuality(entities)
	if len(out) != 2 {
		t.Fatalf("WithLinkQuality() returned %d entities, want 2", len(out))
	}
	last := out[len(out)-1]
	if last.Name != "linkquality" || last.Component != ComponentSensor {
		t.Errorf("Appended entity = %+v, want linkquality sensor", last)
	}
	if last.EntityCategory != "diagnostic" {
		t.Errorf("EntityCategory = %q, want diagnostic", last.EntityCategory)
	}
	if len(entities) != 1 {
		t.Error("WithLinkQuality mutated its input")
	}
}

// ===== Visibility Tests

func TestWaitSeenOnce(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())

	err := dev.WaitSeenOnce(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("WaitSeenOnce() error = %v, want ErrDeviceNotFound", err)
	}

	dev.MarkSeen(-60)

	// Latched: returns immediately from now on.
	if err := dev.WaitSeenOnce(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("WaitSeenOnce() after sighting error: %v", err)
	}
	if err := dev.WaitSeenOnce(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("WaitSeenOnce() second call error: %v", err)
	}
	if dev.RSSI() != -60 {
		t.Errorf("RSSI() = %d, want -60", dev.RSSI())
	}
}

func TestWaitSeenOnceContextCancelled(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dev.WaitSeenOnce(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitSeenOnce() error = %v, want context.Canceled", err)
	}
}

func TestWaitAdvertConsumesSignal(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())

	dev.MarkSeen(-60)

	start := time.Now()
	dev.WaitAdvert(context.Background(), time.Second)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("WaitAdvert() with pending signal took %v, want immediate", elapsed)
	}

	// The signal was consumed; the next wait runs out the clock.
	start = time.Now()
	dev.WaitAdvert(context.Background(), 30*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("WaitAdvert() without signal returned after %v, want full timeout", elapsed)
	}
}

func TestConnectClearsAdvertSignal(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())
	dialer := newMockDialer()

	dev.MarkSeen(-60)
	if err := dev.Connect(context.Background(), dialer); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer dev.Close()

	// The sighting predates the connect, so it must not wake the wait.
	start := time.Now()
	dev.WaitAdvert(context.Background(), 30*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("WaitAdvert() returned after %v, want full timeout", elapsed)
	}
}

// ===== Link Lifecycle Tests

func TestConnectAndClose(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())
	dialer := newMockDialer()

	if dev.IsConnected() {
		t.Fatal("IsConnected() = true before Connect")
	}
	if dev.Disconnected() != nil {
		t.Fatal("Disconnected() != nil before Connect")
	}

	if err := dev.Connect(context.Background(), dialer); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if !dev.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
	if dev.Disconnected() == nil {
		t.Fatal("Disconnected() = nil after Connect")
	}

	dials := dialer.GetDials()
	if len(dials) != 1 {
		t.Fatalf("Expected 1 dial, got %d", len(dials))
	}
	if dials[0].Address != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Dial address = %q", dials[0].Address)
	}

	client := dialer.LastClient()
	if err := dev.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !client.IsClosed() {
		t.Error("Close() did not close the client")
	}
	if dev.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	// Idempotent.
	if err := dev.Close(); err != nil {
		t.Fatalf("Second Close() error: %v", err)
	}
}

func TestConnectPassiveSkipsDial(t *testing.T) {
	opts := kettleOptions()
	opts.Mode = ModePassive
	opts.SupportsPassive = true
	dev := createTestDevice(t, opts)
	dialer := newMockDialer()

	if err := dev.Connect(context.Background(), dialer); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if dials := dialer.GetDials(); len(dials) != 0 {
		t.Errorf("Expected no dials for passive device, got %d", len(dials))
	}
}

func TestConnectWrapsDialError(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())
	dialer := newMockDialer()
	dialer.SetDialError(errors.New("le connection refused"))

	err := dev.Connect(context.Background(), dialer)
	if err == nil {
		t.Fatal("Connect() expected error, got nil")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Connect() error = %T, want *TransportError", err)
	}
	if terr.Op != "connect" {
		t.Errorf("TransportError.Op = %q, want %q", terr.Op, "connect")
	}
}

func TestIsConnectedAfterLinkDrop(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())
	dialer := newMockDialer()

	if err := dev.Connect(context.Background(), dialer); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer dev.Close()

	dialer.LastClient().SimulateDrop()
	if dev.IsConnected() {
		t.Error("IsConnected() = true after link drop")
	}
}

func TestReadDeviceInfo(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())
	dialer := newMockDialer()
	dialer.prepare = func(c *mockClient) {
		c.SetReadValue(deviceNameUUID, []byte("RK-G211S\x00"))
		c.SetReadValue(firmwareRevisionUUID, []byte("3.10.1"))
	}

	if err := dev.Connect(context.Background(), dialer); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer dev.Close()

	dev.ReadDeviceInfo(context.Background())
	if dev.Model() != "RK-G211S" {
		t.Errorf("Model() = %q, want %q", dev.Model(), "RK-G211S")
	}
	if dev.Version() != "3.10.1" {
		t.Errorf("Version() = %q, want %q", dev.Version(), "3.10.1")
	}
}

func TestReadDeviceInfoToleratesMissingCharacteristics(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())
	dialer := newMockDialer()

	if err := dev.Connect(context.Background(), dialer); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer dev.Close()

	dev.ReadDeviceInfo(context.Background())
	if dev.Model() != "RK-G200S" {
		t.Errorf("Model() = %q, want configured model kept", dev.Model())
	}
	if dev.Version() != "" {
		t.Errorf("Version() = %q, want empty", dev.Version())
	}
}

// ===== Inbound Command Tests

func TestEnqueueMessage(t *testing.T) {
	opts := kettleOptions()
	opts.InboundQueueSize = 2
	dev := createTestDevice(t, opts)

	if !dev.EnqueueMessage(Message{Topic: "pot/set", Payload: []byte("ON")}) {
		t.Fatal("EnqueueMessage() = false, want true")
	}
	if !dev.EnqueueMessage(Message{Topic: "pot/set", Payload: []byte("OFF")}) {
		t.Fatal("EnqueueMessage() = false, want true")
	}
	if dev.EnqueueMessage(Message{Topic: "pot/set", Payload: []byte("ON")}) {
		t.Fatal("EnqueueMessage() = true on a full queue, want false")
	}

	msg, err := dev.NextMessage(context.Background())
	if err != nil {
		t.Fatalf("NextMessage() error: %v", err)
	}
	if msg.Topic != "pot/set" || string(msg.Payload) != "ON" {
		t.Errorf("NextMessage() = %+v, want first enqueued command", msg)
	}
}

func TestNextMessageContextCancelled(t *testing.T) {
	dev := createTestDevice(t, kettleOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dev.NextMessage(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("NextMessage() error = %v, want context.Canceled", err)
	}
}

// ===== Mode Tests

func TestConnectionModePredicates(t *testing.T) {
	tests := []struct {
		mode            ConnectionMode
		valid           bool
		holdsConnection bool
		transient       bool
	}{
		{ModePassive, true, false, false},
		{ModeActivePollWithDisconnect, true, false, true},
		{ModeActiveKeepConnection, true, true, false},
		{ModeOnDemand, true, false, true},
		{"sometimes", false, false, false},
	}

	for _, tt := range tests {
		if got := tt.mode.Valid(); got != tt.valid {
			t.Errorf("%s.Valid() = %v, want %v", tt.mode, got, tt.valid)
		}
		if got := tt.mode.HoldsConnection(); got != tt.holdsConnection {
			t.Errorf("%s.HoldsConnection() = %v, want %v", tt.mode, got, tt.holdsConnection)
		}
		if got := tt.mode.Transient(); got != tt.transient {
			t.Errorf("%s.Transient() = %v, want %v", tt.mode, got, tt.transient)
		}
	}
}

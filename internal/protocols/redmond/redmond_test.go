package redmond

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// fakeTransport records requests and answers them through a script. The
// default script echoes the request's counter and command around a single
// success byte.
type fakeTransport struct {
	mu       sync.Mutex
	requests [][]byte
	script   func(request []byte) ([]byte, error)
}

func (f *fakeTransport) Send(_ context.Context, request []byte, _ bool, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, append([]byte(nil), request...))
	if f.script != nil {
		return f.script(request)
	}
	return echoReply(request, 0x01), nil
}

func (f *fakeTransport) GetRequests() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.requests))
	copy(out, f.requests)
	return out
}

// echoReply frames payload the way the peripheral would answer request.
func echoReply(request []byte, payload ...byte) []byte {
	reply := []byte{frameStart, request[1], request[2]}
	reply = append(reply, payload...)
	return append(reply, frameEnd)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ===== Framing Tests

func TestFrameLayout(t *testing.T) {
	transport := &fakeTransport{}
	engine := NewEngine(transport)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if err := engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	reqs := transport.GetRequests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if want := []byte{0x55, 0x00, 0x03, 0xaa}; !bytesEqual(reqs[0], want) {
		t.Errorf("first request = %x, want %x", reqs[0], want)
	}
	if want := []byte{0x55, 0x01, 0x04, 0xaa}; !bytesEqual(reqs[1], want) {
		t.Errorf("second request = %x, want %x", reqs[1], want)
	}
}

func TestCounterWrapsAboveHundred(t *testing.T) {
	transport := &fakeTransport{}
	engine := NewEngine(transport)

	for i := 0; i < 103; i++ {
		if err := engine.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error: %v", i, err)
		}
	}

	reqs := transport.GetRequests()
	if got := reqs[100][1]; got != 100 {
		t.Errorf("counter at command 100 = %d, want 100", got)
	}
	if got := reqs[101][1]; got != 0 {
		t.Errorf("counter after wrap = %d, want 0", got)
	}
	if got := reqs[102][1]; got != 1 {
		t.Errorf("counter after wrap+1 = %d, want 1", got)
	}
}

func TestReplyValidation(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"too short", []byte{0x55, 0x00, 0xaa}},
		{"bad start marker", []byte{0x54, 0x00, 0x03, 0x01, 0xaa}},
		{"bad end marker", []byte{0x55, 0x00, 0x03, 0x01, 0xab}},
		{"counter out of step", []byte{0x55, 0x07, 0x03, 0x01, 0xaa}},
		{"command mismatch", []byte{0x55, 0x00, 0x04, 0x01, 0xaa}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &fakeTransport{
				script: func([]byte) ([]byte, error) { return tt.reply, nil },
			}
			engine := NewEngine(transport)

			err := engine.Run(context.Background())
			if err == nil {
				t.Fatal("Run() expected error, got nil")
			}
			var perr *ble.ProtocolError
			if !errors.As(err, &perr) {
				t.Errorf("error = %v, want *ble.ProtocolError", err)
			}
		})
	}
}

func TestTransportErrorPassesThrough(t *testing.T) {
	transport := &fakeTransport{
		script: func([]byte) ([]byte, error) { return nil, ble.ErrCommandTimeout },
	}
	engine := NewEngine(transport)

	err := engine.Run(context.Background())
	if !errors.Is(err, ble.ErrCommandTimeout) {
		t.Errorf("error = %v, want ErrCommandTimeout", err)
	}
}

// ===== Command Tests

func TestAuthenticate(t *testing.T) {
	transport := &fakeTransport{}
	engine := NewEngine(transport)
	key := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	if err := engine.Authenticate(context.Background(), key); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	reqs := transport.GetRequests()
	want := append([]byte{0x55, 0x00, 0xff}, key...)
	want = append(want, 0xaa)
	if !bytesEqual(reqs[0], want) {
		t.Errorf("auth request = %x, want %x", reqs[0], want)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	transport := &fakeTransport{
		script: func(request []byte) ([]byte, error) { return echoReply(request, 0x00), nil },
	}
	engine := NewEngine(transport)
	key := make([]byte, KeyLen)

	err := engine.Authenticate(context.Background(), key)
	if !errors.Is(err, ble.ErrAuthRejected) {
		t.Errorf("error = %v, want ErrAuthRejected", err)
	}
}

func TestAuthenticateKeyLength(t *testing.T) {
	transport := &fakeTransport{}
	engine := NewEngine(transport)

	err := engine.Authenticate(context.Background(), []byte{0x01, 0x02})
	if err == nil {
		t.Fatal("Authenticate() expected error for short key, got nil")
	}
	if len(transport.GetRequests()) != 0 {
		t.Error("short key should not reach the transport")
	}
}

func TestVersion(t *testing.T) {
	transport := &fakeTransport{
		script: func(request []byte) ([]byte, error) { return echoReply(request, 3, 10), nil },
	}
	engine := NewEngine(transport)

	got, err := engine.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error: %v", err)
	}
	if got != "3.10" {
		t.Errorf("Version() = %q, want %q", got, "3.10")
	}
}

func TestRunRefused(t *testing.T) {
	transport := &fakeTransport{
		script: func(request []byte) ([]byte, error) { return echoReply(request, 0x00), nil },
	}
	engine := NewEngine(transport)

	err := engine.Run(context.Background())
	var perr *ble.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ble.ProtocolError", err)
	}
}

func TestSetTimePayload(t *testing.T) {
	transport := &fakeTransport{
		script: func(request []byte) ([]byte, error) { return echoReply(request, 0x00), nil },
	}
	engine := NewEngine(transport)
	now := time.Unix(1700000000, 0).In(time.FixedZone("UTC+3", 3*3600))

	if err := engine.SetTime(context.Background(), now); err != nil {
		t.Fatalf("SetTime() error: %v", err)
	}

	req := transport.GetRequests()[0]
	payload := req[3 : len(req)-1]
	if len(payload) != 8 {
		t.Fatalf("time payload = %d bytes, want 8", len(payload))
	}
	want := []byte{
		0x00, 0xf1, 0x53, 0x65, // 1700000000 little-endian
		0x30, 0x2a, 0x00, 0x00, // 10800 little-endian
	}
	if !bytesEqual(payload, want) {
		t.Errorf("time payload = %x, want %x", payload, want)
	}
}

func TestSetTimeRefused(t *testing.T) {
	// SetTime inverts the status convention: non-zero means refused.
	transport := &fakeTransport{}
	engine := NewEngine(transport)

	err := engine.SetTime(context.Background(), time.Now())
	var perr *ble.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ble.ProtocolError", err)
	}
}

// ===== State Codec Tests

func TestModeParsesState(t *testing.T) {
	raw := []byte{
		0x00,       // mode: boil
		0x00,       // submode
		0x28,       // target 40
		0x00,       // not locked
		0x01,       // sound on
		0x5a,       // current 90
		0x78, 0x00, // color period 120
		0x02,       // running
		0x00,       //
		0x00, 0x00, // ionization
		0x00,
		0x85, // boil adjust +5
		0x00,
		0x00, // error
	}
	transport := &fakeTransport{
		script: func(request []byte) ([]byte, error) { return echoReply(request, raw...), nil },
	}
	engine := NewEngine(transport)

	got, err := engine.Mode(context.Background())
	if err != nil {
		t.Fatalf("Mode() error: %v", err)
	}
	if got.Mode != ModeBoil {
		t.Errorf("Mode = %d, want ModeBoil", got.Mode)
	}
	if got.TargetTemperature != 40 {
		t.Errorf("TargetTemperature = %d, want 40", got.TargetTemperature)
	}
	if !got.SoundEnabled {
		t.Error("SoundEnabled = false, want true")
	}
	if got.CurrentTemperature != 90 {
		t.Errorf("CurrentTemperature = %d, want 90", got.CurrentTemperature)
	}
	if got.ColorChangePeriod != 120 {
		t.Errorf("ColorChangePeriod = %d, want 120", got.ColorChangePeriod)
	}
	if !got.Boiling() {
		t.Error("Boiling() = false, want true")
	}
	if got.BoilTimeAdjust != 5 {
		t.Errorf("BoilTimeAdjust = %d, want 5", got.BoilTimeAdjust)
	}
}

func TestStateEncodeRoundTrip(t *testing.T) {
	in := State{
		Mode:               ModeHeat,
		TargetTemperature:  65,
		Locked:             true,
		SoundEnabled:       true,
		CurrentTemperature: 22,
		ColorChangePeriod:  600,
		State:              StateOff,
		BoilTimeAdjust:     -3,
	}

	got, err := parseState(in.encode())
	if err != nil {
		t.Fatalf("parseState() error: %v", err)
	}
	if got != in {
		t.Errorf("round trip = %+v, want %+v", got, in)
	}
}

func TestParseStateTooShort(t *testing.T) {
	_, err := parseState([]byte{0x00, 0x01})
	var perr *ble.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ble.ProtocolError", err)
	}
}

// ===== Statistics Tests

func TestStatistics(t *testing.T) {
	raw := []byte{
		0x00, 0x00, // header word
		0x10, 0x0e, 0x00, 0x00, // 3600 seconds
		0xdc, 0x05, 0x00, 0x00, // 1500 watt hours
		0x2a, 0x00, // 42 starts
		0x00, 0x00, 0x00, 0x00,
	}
	transport := &fakeTransport{
		script: func(request []byte) ([]byte, error) { return echoReply(request, raw...), nil },
	}
	engine := NewEngine(transport)

	got, err := engine.Statistics(context.Background())
	if err != nil {
		t.Fatalf("Statistics() error: %v", err)
	}
	if got.WorkSeconds != 3600 {
		t.Errorf("WorkSeconds = %d, want 3600", got.WorkSeconds)
	}
	if got.EnergyWattHours != 1500 {
		t.Errorf("EnergyWattHours = %d, want 1500", got.EnergyWattHours)
	}
	if got.Starts != 42 {
		t.Errorf("Starts = %d, want 42", got.Starts)
	}

	// The request must carry the single selector byte.
	req := transport.GetRequests()[0]
	if want := []byte{0x55, 0x00, 0x47, 0x00, 0xaa}; !bytesEqual(req, want) {
		t.Errorf("statistics request = %x, want %x", req, want)
	}
}

func TestParseStatisticsTooShort(t *testing.T) {
	_, err := parseStatistics([]byte{0x00, 0x00, 0x10})
	var perr *ble.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ble.ProtocolError", err)
	}
}

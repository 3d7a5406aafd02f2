package telemetry

import (
	"sync"
	"testing"
)

// mockWriter records every metric write for assertions.
type mockWriter struct {
	mu     sync.Mutex
	points []writtenPoint
}

type writtenPoint struct {
	device string
	entity string
	value  float64
}

func (m *mockWriter) WriteStateMetric(deviceID, entity string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, writtenPoint{device: deviceID, entity: entity, value: value})
}

func (m *mockWriter) written() []writtenPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]writtenPoint, len(m.points))
	copy(out, m.points)
	return out
}

func TestRecord(t *testing.T) {
	tests := []struct {
		name    string
		entity  string
		payload string
		want    []writtenPoint
	}{
		{
			name:    "plain decimal",
			entity:  "temperature",
			payload: "21.5",
			want:    []writtenPoint{{device: "dev-1", entity: "temperature", value: 21.5}},
		},
		{
			name:    "plain integer",
			entity:  "battery",
			payload: "87",
			want:    []writtenPoint{{device: "dev-1", entity: "battery", value: 87}},
		},
		{
			name:    "negative with whitespace",
			entity:  "rssi",
			payload: " -72 \n",
			want:    []writtenPoint{{device: "dev-1", entity: "rssi", value: -72}},
		},
		{
			name:    "on maps to one",
			entity:  "state",
			payload: "ON",
			want:    []writtenPoint{{device: "dev-1", entity: "state", value: 1}},
		},
		{
			name:    "off maps to zero",
			entity:  "state",
			payload: "OFF",
			want:    []writtenPoint{{device: "dev-1", entity: "state", value: 0}},
		},
		{
			name:    "lowercase true",
			entity:  "occupancy",
			payload: "true",
			want:    []writtenPoint{{device: "dev-1", entity: "occupancy", value: 1}},
		},
		{
			name:    "cover closed",
			entity:  "state",
			payload: "closed",
			want:    []writtenPoint{{device: "dev-1", entity: "state", value: 0}},
		},
		{
			name:    "json object flattens sorted",
			entity:  "status",
			payload: `{"temperature": 21.5, "battery": 87}`,
			want: []writtenPoint{
				{device: "dev-1", entity: "status_battery", value: 87},
				{device: "dev-1", entity: "status_temperature", value: 21.5},
			},
		},
		{
			name:    "json skips non-numeric fields",
			entity:  "status",
			payload: `{"mode": "boil", "target": 100}`,
			want:    []writtenPoint{{device: "dev-1", entity: "status_target", value: 100}},
		},
		{
			name:    "json boolean field",
			entity:  "status",
			payload: `{"heating": true}`,
			want:    []writtenPoint{{device: "dev-1", entity: "status_heating", value: 1}},
		},
		{
			name:    "json numeric string field",
			entity:  "status",
			payload: `{"position": "42"}`,
			want:    []writtenPoint{{device: "dev-1", entity: "status_position", value: 42}},
		},
		{
			name:    "mode string skipped",
			entity:  "mode",
			payload: "espresso",
			want:    nil,
		},
		{
			name:    "empty payload skipped",
			entity:  "temperature",
			payload: "",
			want:    nil,
		},
		{
			name:    "malformed json skipped",
			entity:  "status",
			payload: `{"temperature": `,
			want:    nil,
		},
		{
			name:    "json array skipped",
			entity:  "status",
			payload: `[1, 2, 3]`,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &mockWriter{}
			rec := NewRecorder(writer)

			rec.Record("dev-1", tt.entity, []byte(tt.payload))

			got := writer.written()
			if len(got) != len(tt.want) {
				t.Fatalf("Record() wrote %d points, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Record() point[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRecordConcurrent(t *testing.T) {
	writer := &mockWriter{}
	rec := NewRecorder(writer)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				rec.Record("dev-1", "temperature", []byte("21.5"))
			}
		}()
	}
	wg.Wait()

	if got := len(writer.written()); got != 200 {
		t.Errorf("Record() wrote %d points, want 200", got)
	}
}

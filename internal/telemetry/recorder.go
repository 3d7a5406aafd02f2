package telemetry

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// MetricWriter is the subset of the InfluxDB client the recorder needs.
// Writes are batched and asynchronous; they never block.
type MetricWriter interface {
	WriteStateMetric(deviceID, entity string, value float64)
}

// Recorder extracts numeric readings from entity state payloads and writes
// them as time-series points.
//
// Thread Safety:
//   - Record is safe for concurrent use; the recorder holds no mutable state.
type Recorder struct {
	writer MetricWriter
}

// NewRecorder creates a recorder backed by the given metric writer.
func NewRecorder(writer MetricWriter) *Recorder {
	return &Recorder{writer: writer}
}

// Record mirrors one state publish into storage.
//
// The payload is parsed for numeric content; payloads that carry nothing
// numeric are skipped. A JSON object payload produces one point per numeric
// field, named entity_field.
func (r *Recorder) Record(device, entity string, payload []byte) {
	for _, s := range extractSamples(entity, payload) {
		r.writer.WriteStateMetric(device, s.entity, s.value)
	}
}

// sample is one extracted numeric reading.
type sample struct {
	entity string
	value  float64
}

// extractSamples parses a payload into zero or more numeric samples.
func extractSamples(entity string, payload []byte) []sample {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil
	}

	// Plain decimal is the common case for sensor entities.
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return []sample{{entity: entity, value: v}}
	}

	// Binary states map to 1/0 so availability-style entities chart cleanly.
	if v, ok := parseBinary(text); ok {
		return []sample{{entity: entity, value: v}}
	}

	// JSON object: flatten numeric (and boolean) fields.
	if strings.HasPrefix(text, "{") {
		return extractObject(entity, payload)
	}

	return nil
}

// parseBinary maps on/off style tokens to 1/0.
func parseBinary(text string) (float64, bool) {
	switch strings.ToUpper(text) {
	case "ON", "TRUE", "OPEN":
		return 1, true
	case "OFF", "FALSE", "CLOSED":
		return 0, true
	default:
		return 0, false
	}
}

// extractObject flattens a JSON object into one sample per numeric field.
// Field order is sorted so repeated payloads produce points in a stable
// order.
func extractObject(entity string, payload []byte) []sample {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	samples := make([]sample, 0, len(keys))
	for _, k := range keys {
		var v float64
		switch val := fields[k].(type) {
		case float64:
			v = val
		case bool:
			if val {
				v = 1
			}
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				continue
			}
			v = parsed
		default:
			continue
		}
		samples = append(samples, sample{entity: entity + "_" + k, value: v})
	}
	return samples
}

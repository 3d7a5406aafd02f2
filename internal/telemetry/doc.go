// Package telemetry mirrors published entity state into InfluxDB.
//
// Every state publish that carries a numeric reading is worth a time-series
// point: temperatures, battery levels, cover positions, kettle temperatures.
// The Recorder sits between the bridge and the InfluxDB client, extracting
// numbers from the payload formats devices actually emit:
//
//   - Plain decimals ("21.5", "87")
//   - Binary states ("ON"/"OFF", "true"/"false") mapped to 1/0
//   - JSON objects ({"temperature": 21.5, "battery": 87}) flattened to one
//     point per numeric field
//
// Payloads with nothing numeric in them (mode strings, free text) are
// silently skipped; telemetry is best-effort and never an error source for
// the bridge.
//
// Usage:
//
//	rec := telemetry.NewRecorder(influxClient)
//	rec.Record("xiaomi_lywsd03mmc_a4c138", "temperature", []byte("21.5"))
package telemetry

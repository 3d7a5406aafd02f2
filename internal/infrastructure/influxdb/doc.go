// Package influxdb provides InfluxDB connectivity for the bridge.
//
// It wraps the official influxdb-client-go v2 library with bridge-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series storage for the optional telemetry
// mirror: numeric device state and link quality, one point per publish.
// Payload interpretation lives in internal/telemetry; this package only
// moves points.
//
// # Usage
//
//	cfg := config.TelemetryConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "blebridge",
//	    Bucket: "metrics",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Mirror a reading
//	client.WriteStateMetric("redmond_rkg211s_ddeef0", "temperature", 92.0)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This reduces network overhead for high-frequency telemetry data.
package influxdb

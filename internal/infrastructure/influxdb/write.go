package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteStateMetric writes one device entity reading.
//
// This is the primary method for mirroring published state. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: the device's unique id (e.g. "redmond_rkg211s_ddeef0")
//   - entity: the entity subtopic (e.g. "temperature", "linkquality")
//   - value: the numeric reading
//
// Example:
//
//	client.WriteStateMetric("redmond_rkg211s_ddeef0", "temperature", 92.0)
func (c *Client) WriteStateMetric(deviceID string, entity string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"ble_state",
		map[string]string{
			"device": deviceID,
			"entity": entity,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit WriteStateMetric.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("ble_bridge",
//	    map[string]string{"adapter": "hci0"},
//	    map[string]interface{}{"restarts": 2, "sessions": 5})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}

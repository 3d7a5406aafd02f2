package mqtt

import (
	"fmt"
	"strings"
)

// bridgeTopic and bridgeStateTopic form the bridge-level availability topic
// under the configured base, e.g. "blebridge/bridge/state". The broker's
// last-will publishes "offline" there when the bridge dies.
const (
	bridgeTopic      = "bridge"
	bridgeStateTopic = "state"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
// Device topics use the flat scheme: {base}/{device_id}/{entity}[/set]
//
//	topics := mqtt.Topics{Base: "blebridge"}
//	stateTopic := topics.DeviceEntity("kettle_aabbcc", "temperature")
//	// Returns: "blebridge/kettle_aabbcc/temperature"
type Topics struct {
	Base string
}

// =============================================================================
// Bridge Topics
// =============================================================================

// BridgeState returns the bridge-level availability topic, used for the
// last-will registration and the online/offline announcements.
//
// Example: blebridge/bridge/state
func (t Topics) BridgeState() string {
	return fmt.Sprintf("%s/%s/%s", t.Base, bridgeTopic, bridgeStateTopic)
}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceEntity returns the state topic for one entity of a device.
//
// Example: blebridge/kettle_aabbcc/temperature
func (t Topics) DeviceEntity(deviceID, entity string) string {
	return fmt.Sprintf("%s/%s/%s", t.Base, deviceID, entity)
}

// DeviceAvailability returns the per-device availability topic.
//
// Example: blebridge/kettle_aabbcc/availability
func (t Topics) DeviceAvailability(deviceID string) string {
	return fmt.Sprintf("%s/%s/availability", t.Base, deviceID)
}

// DeviceCommand returns the command topic for a writable entity.
//
// Example: blebridge/kettle_aabbcc/pot/set
func (t Topics) DeviceCommand(deviceID, entity, postfix string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Base, deviceID, entity, postfix)
}

// =============================================================================
// Relative Topic Helpers
// =============================================================================

// Devices describe their own topics relative to the base ("kettle_aabbcc/pot/set");
// the coordinator prefixes the base before talking to the broker.

// Join prefixes a device-relative topic with the configured base.
//
// Example: Join("kettle_aabbcc/pot/set") = "blebridge/kettle_aabbcc/pot/set"
func (t Topics) Join(relative string) string {
	return fmt.Sprintf("%s/%s", t.Base, relative)
}

// Relative strips the base prefix from an absolute topic. The second return
// reports whether the topic belonged to this base at all.
func (t Topics) Relative(topic string) (string, bool) {
	prefix := t.Base + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, prefix), true
}

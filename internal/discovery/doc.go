// Package discovery builds and publishes Home Assistant MQTT discovery
// configs for bridged BLE devices.
//
// Each entity a device exposes becomes one retained config payload under
// the discovery prefix:
//
//	{prefix}/{component}/{config_prefix}{unique_id}/{entity}/config
//
// Home Assistant consumes these to create entities without any manual
// configuration. Payloads carry an availability list pairing the bridge's
// last-will topic with the device's own availability topic, so entities go
// unavailable when either the bridge dies or the peripheral drops off.
//
// The fleet coordinator calls PublishConfig once per device per process;
// configs are retained by the broker, so reconnecting sessions need not
// resend them.
package discovery

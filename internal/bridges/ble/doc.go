// Package ble implements the Bluetooth Low Energy side of the bridge.
//
// This package connects BLE peripherals (kettles, thermometers, blinds,
// thermostats, coffee machines, scooters) to the MQTT bus, publishing their
// state as Home Assistant compatible topics and feeding commands back.
//
// # Architecture
//
// The bridge sits between two unreliable worlds and keeps both honest:
//
//	┌─────────────┐          ┌──────────────────┐          ┌────────────┐
//	│ MQTT broker │◄────────►│  Fleet / Bridge  │◄────────►│ BLE radio  │
//	│ (HA, tools) │          │   (this pkg)     │   GATT   │ peripherals│
//	└─────────────┘          └──────────────────┘          └────────────┘
//
// One FleetCoordinator holds one broker session at a time. Under it run a
// Scanner, which listens for advertisements in discrete cycles, and one
// Supervisor per configured device, which owns that device's connection
// lifecycle: wait until the scanner hears it, connect, run its handler
// loops, classify whatever ended the cycle, and back off before retrying.
//
// # Key Responsibilities
//
//   - Scan for advertisements and route sightings to their devices
//   - Maintain GATT connections per each device's connection mode
//   - Serialize vendor protocol exchanges through a command queue
//   - Publish entity state and per-device availability over MQTT
//   - Subscribe to command topics and deliver writes to devices
//   - Escalate persistent trouble to a host adapter restart
//
// # Connection Modes
//
// Devices declare how they want to be driven:
//
//   - passive: never connect; state arrives in advertisements
//   - active_poll_with_disconnect: connect, poll, let the device hang up
//   - active_keep_connection: hold the link and stream notifications
//   - on_demand: connect only while a command or poll needs the link
//
// # Thread Safety
//
// All exported types are safe for concurrent use unless their documentation
// says otherwise. FleetCoordinator.Run and Supervisor.Run are single-entry
// loops, one goroutine each.
//
// # References
//
//   - Bluetooth Core Specification: https://www.bluetooth.com/specifications
//   - Home Assistant MQTT discovery: https://www.home-assistant.io/integrations/mqtt
package ble

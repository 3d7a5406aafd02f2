// Package devices implements the peripherals the bridge knows how to talk
// to: passive advertisement listeners (presence trackers, ATC thermometers)
// and connected appliances (Redmond kettles, AM43 blind drives, De'Longhi
// coffee machines, InMotion scooters, Ensto thermostats).
//
// Every device embeds *ble.BaseDevice for identity, policy and link
// plumbing, and adds its own handler loops on top. Protocol framing lives
// in internal/protocols; devices translate between engine calls and MQTT
// entity payloads.
//
// New devices are registered in the factory table in registry.go and
// constructed from configuration entries by type string.
package devices

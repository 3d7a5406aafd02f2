// Package journal records device connection events in SQLite.
//
// The journal is an append-only log of device lifecycle events: availability
// transitions, connection attempts that went missing or failed, adapter
// restarts, and throttled scanner sightings with their RSSI. It exists for
// post-mortem work on unattended installations, where a peripheral that
// flaps at 03:00 leaves no other trace.
//
// Writes come from the fleet coordinator and the per-device supervisors;
// reads are ad hoc, through List. Old rows are dropped by Prune on a
// retention window. The journal is optional: when disabled in
// configuration the bridge runs without one.
package journal

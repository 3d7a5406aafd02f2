// Package bluez provides recovery management for the host Bluetooth stack.
//
// BlueZ and the HCI adapter underneath it wedge in ways no retry at the
// connection layer can fix: bluetoothd loses its D-Bus registration, the
// adapter stops returning advertisements, or every GATT operation aborts
// at the transport. The fix is always the same operator ritual, automated
// here:
//
//   - hciconfig <adapter> down
//   - restart the bluetooth service
//   - hciconfig <adapter> up
//
// with settle delays between steps so the stack is actually usable when
// the sequence returns.
//
// The package exposes two things:
//
//   - Monitor: owns the restart sequence and guarantees only one restart
//     runs at a time across the whole process. Callers that hit a restart
//     already in flight wait out a fixed delay and report success, so
//     every device supervisor converges on the same recovery without
//     stampeding the adapter.
//   - IsHardwareFault: classifies a BLE error as a stack-level fault that
//     a restart can plausibly fix, as opposed to a per-device failure
//     that retrying the device handles.
//
// Commands run via exec with bounded timeouts; the service restart tries
// systemctl first and falls back to the init.d scripts used on minimal
// images.
package bluez

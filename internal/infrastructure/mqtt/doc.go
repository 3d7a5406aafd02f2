// Package mqtt provides MQTT client connectivity for the BLE bridge.
//
// This package manages:
//   - Connection to the broker (one attempt per session, no auto-reconnect)
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on the bridge availability topic
//   - Connection health monitoring
//
// # Architecture
//
// The bridge republishes BLE peripheral state onto MQTT topics a
// home-automation hub consumes, and relays hub commands back to the
// hardware:
//
//	BLE peripherals ↔ blebridge ↔ MQTT Broker ↔ Home Assistant
//
// Reconnection is deliberately NOT handled here. Losing the broker must
// tear down every device supervisor before a new session begins, so the
// fleet coordinator owns the reconnect loop and this client reports loss
// through its OnDisconnect callback.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Base: cfg.MQTT.BaseTopic}
//
//	// Subscribe to a device command topic
//	err = client.Subscribe(topics.DeviceCommand("kettle_aabbcc", "pot", "set"), 1,
//	    func(topic string, payload []byte) error {
//	        return router.Dispatch(topic, payload)
//	    })
//
//	// Publish entity state
//	topic := topics.DeviceEntity("kettle_aabbcc", "temperature")
//	client.Publish(topic, []byte(`{"temperature":93,"linkquality":120}`), 1, false)
package mqtt

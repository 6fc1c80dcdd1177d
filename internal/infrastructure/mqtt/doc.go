// Package mqtt provides MQTT client connectivity for the GridLink fleet server.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// GridLink uses MQTT as the transport between the fleet server and field
// devices (smart breakers). The broker decouples the server from device
// connectivity: devices publish telemetry and management frames, the
// server routes commands back.
//
//	Field Devices ↔ MQTT Broker ↔ GridLink Fleet Server
//
// Protocol topic grammar (mgmt/{endpoint}/... and telemetry/{group}/...)
// is owned by the codec package; this package only knows its own system
// topics (gridlink/system/status for LWT).
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all device registrations
//	err = client.Subscribe("mgmt/+/register", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a command
//	client.Publish("mgmt/breaker-001/command", []byte(`{"command":"trip"}`), 1, false)
package mqtt

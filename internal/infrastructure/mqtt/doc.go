// Package mqtt provides MQTT client connectivity for the mesh uplink.
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
// Gateway nodes in the field publish the raw envelope frames they hear
// to per-gateway uplink topics. The pool agent subscribes to the whole
// uplink subtree, decodes the frames, and folds sightings into the
// inventory without a radio of its own.
//
//	Gateway Nodes → MQTT Broker → Pool Agent
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Frame payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to every gateway's uplink
//	err = client.Subscribe(client.Topics().AllUplinks(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("frame from %s: %d bytes", topic, len(payload))
//	        return nil
//	    })
package mqtt

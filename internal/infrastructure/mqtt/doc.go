// Package mqtt provides MQTT client connectivity for canbridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored after reconnect
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The broker is one side of the translation bridge. Applications publish
// JSON commands on table entry topics; the bridge encodes them into CAN
// frames and publishes decoded frames back on the entry's state topic.
//
//	MQTT clients ↔ MQTT Broker ↔ canbridge ↔ CAN bus
//
// # Security Considerations
//
//   - Use TLS outside a trusted network (cfg.Broker.TLS=true)
//   - Credentials come from CANBRIDGE_MQTT_USERNAME/PASSWORD
//   - Payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.Command("led/config"), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	client.Publish(mqtt.Topics{}.State("led/config", "state"), payload, 1, false)
package mqtt

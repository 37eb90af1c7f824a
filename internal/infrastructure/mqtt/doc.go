// Package mqtt connects OPC Proxy to an MQTT broker.
//
// The broker carries two kinds of traffic:
//
//   - Field gateway exchange for the mqttgw backend: item values in,
//     write commands out, acknowledgements back.
//   - Retained item state on opcproxy/item/{name}/state for dashboards
//     and historians (see package notify).
//
// Subscriptions are replayed after a reconnect. The proxy announces itself
// retained on opcproxy/system/status and leaves a Last Will there, so
// subscribers can tell a shutdown from a lost connection.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllGatewayValues("line1", "plc"), 1, handleValue)
package mqtt

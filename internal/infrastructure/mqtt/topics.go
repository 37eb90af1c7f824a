package mqtt

import "strings"

// TopicRoot is the first level of every topic the proxy uses.
const TopicRoot = "opcproxy"

// Topics builds the proxy's topic names.
//
//	opcproxy/gateway/{channel}/{device}/value/{item}   gateway -> proxy
//	opcproxy/gateway/{channel}/{device}/command        proxy -> gateway
//	opcproxy/gateway/{channel}/{device}/ack            gateway -> proxy
//	opcproxy/item/{item}/state                         retained item state
//	opcproxy/system/status                             retained presence
type Topics struct{}

func join(levels ...string) string {
	return TopicRoot + "/" + strings.Join(levels, "/")
}

// GatewayValue is where a field gateway reports one item's value.
func (Topics) GatewayValue(channel, device, itemName string) string {
	return join("gateway", channel, device, "value", itemName)
}

// AllGatewayValues matches every item value of one device.
func (Topics) AllGatewayValues(channel, device string) string {
	return join("gateway", channel, device, "value", "+")
}

// GatewayCommand carries write commands to a device's gateway.
func (Topics) GatewayCommand(channel, device string) string {
	return join("gateway", channel, device, "command")
}

// GatewayAck carries the gateway's command acknowledgements.
func (Topics) GatewayAck(channel, device string) string {
	return join("gateway", channel, device, "ack")
}

// ItemState is the retained state topic for one item.
func (Topics) ItemState(itemName string) string {
	return join("item", itemName, "state")
}

// AllItemStates matches every published item state.
func (Topics) AllItemStates() string {
	return join("item", "+", "state")
}

// Presence is the proxy's retained online/offline topic.
func (Topics) Presence() string {
	return join("system", "status")
}

// Package relay connects the relay channel bank to MQTT.
//
// The bridge subscribes to {prefix}/command/relay/+ and switches the channel
// named by the last topic segment. Every command is answered on
// {prefix}/ack/relay/{channel}. Every successful switch, whatever its
// origin (API, console or MQTT), is published retained on
// {prefix}/state/relay/{channel}, so a subscriber that connects later sees
// the current relay state. Bridge health is published retained on
// {prefix}/health/relay at a fixed interval.
//
// Command payload:
//
//	{"id": "0b6c…", "command": "on", "source": "billing"}
//
// Commands are "on", "off" and "toggle". A missing id is replaced with a
// generated UUID so acknowledgements can always be correlated.
package relay

// Package mqtt connects the relay core to an MQTT broker.
//
// The broker is how building systems and the billing application reach the
// relays without the HTTP API: commands arrive on
// {prefix}/command/relay/{channel}, acknowledgements and retained channel
// states go back out. The client reconnects on its own, restores its
// subscriptions and keeps a retained online/offline status (with a Last Will)
// on {prefix}/system/status.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllRelayCommands(), 1, handle)
//
// TLS (cfg.Broker.TLS) should be enabled whenever the broker is not on
// localhost.
package mqtt

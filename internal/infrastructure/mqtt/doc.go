// Package mqtt is the gateway's broker connection and topic layout.
//
// The client owns a retained availability topic: "online" is published on
// every connect and the broker publishes "offline" as the will. Connection
// loss is survived, not reported as an error: paho reconnects with backoff
// and tracked subscriptions are restored each time.
//
// # Topic layout
//
//	<path>/status                           availability
//	<path>/<controller>/<entity>/state      register state
//	<path>/<controller>/<entity>/command    register writes, action triggers
//	<prefix>/<component>/<unique_id>/config discovery payloads
//	<prefix>/status                         Home Assistant birth message
//
//	topics := mqtt.NewTopics(cfg.Discovery.Prefix, cfg.Discovery.Path)
//	client := mqtt.Start(cfg.MQTT, mqtt.Availability{Topic: topics.Availability()})
//	defer client.Close()
//	_ = client.SubscribeOnConnect(topics.AllCommands(), 1, handleCommand)
package mqtt

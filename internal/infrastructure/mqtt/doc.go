// Package mqtt connects the bridge to an MQTT broker.
//
// Device clients talk to the bridge over MQTT: they publish commands on
// {prefix}/command/{device} and receive retained state on
// {prefix}/state/{device}. Account health is published on
// {prefix}/health/{account}. The bridge's own liveness is a retained
// payload on {prefix}/status, with a Last Will for unexpected disconnects.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllCommands(), client.QoS(), handleCommand)
package mqtt

package mqtt

import "strings"

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "onecta"

// Topics builds the bridge's MQTT topic names under a common prefix:
//
//	{prefix}/command/{device}   device commands (subscribed)
//	{prefix}/ack/{device}       command acknowledgements
//	{prefix}/state/{device}     device state (retained)
//	{prefix}/health/{account}   account health (retained)
//	{prefix}/status             bridge online/offline (retained, LWT)
type Topics struct {
	prefix string
}

// NewTopics returns a topic builder for prefix. Trailing slashes are trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic prefix.
func (t Topics) Prefix() string {
	return t.p()
}

func (t Topics) p() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Command returns the command topic for a device.
func (t Topics) Command(device string) string {
	return t.p() + "/command/" + device
}

// AllCommands matches every device command topic.
func (t Topics) AllCommands() string {
	return t.p() + "/command/+"
}

// Ack returns the command acknowledgement topic for a device.
func (t Topics) Ack(device string) string {
	return t.p() + "/ack/" + device
}

// State returns the state topic for a device.
func (t Topics) State(device string) string {
	return t.p() + "/state/" + device
}

// Health returns the health topic for an account.
func (t Topics) Health(account string) string {
	return t.p() + "/health/" + account
}

// Status returns the bridge status topic used for the LWT.
func (t Topics) Status() string {
	return t.p() + "/status"
}

// DeviceFromTopic extracts the device segment from a command topic.
// It returns false if topic is not a command topic under this prefix.
func (t Topics) DeviceFromTopic(topic string) (string, bool) {
	device, ok := strings.CutPrefix(topic, t.p()+"/command/")
	if !ok || device == "" || strings.Contains(device, "/") {
		return "", false
	}
	return device, true
}

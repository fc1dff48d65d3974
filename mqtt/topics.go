package mqtt

import (
	"strings"
)

// Topics builds the topic names used by the bridge.
type Topics struct {
	DiscoveryPrefix string
	BaseTopic       string
}

// Discovery returns <prefix>/sensor/<device>/<metric>/config.
func (t Topics) Discovery(deviceID, metric string) string {
	return t.DiscoveryPrefix + "/sensor/" + deviceID + "/" + metric + "/config"
}

// State returns <base>/<device>/<metric>/state.
func (t Topics) State(deviceID, metric string) string {
	return t.BaseTopic + "/" + deviceID + "/" + metric + "/state"
}

// Availability is the bridge-wide online/offline topic.
func (t Topics) Availability() string {
	return t.BaseTopic + "/bridge/availability"
}

// StateWildcard matches every state topic.
func (t Topics) StateWildcard() string {
	return t.BaseTopic + "/+/+/state"
}

// DiscoveryWildcard matches every sensor discovery topic.
func (t Topics) DiscoveryWildcard() string {
	return t.DiscoveryPrefix + "/sensor/+/+/config"
}

// ParseState extracts the device id and metric from a state topic.
func (t Topics) ParseState(topic string) (deviceID, metric string, ok bool) {
	return t.parse(topic, t.BaseTopic, "state")
}

// ParseDiscovery extracts the device id and metric from a discovery topic.
func (t Topics) ParseDiscovery(topic string) (deviceID, metric string, ok bool) {
	return t.parse(topic, t.DiscoveryPrefix+"/sensor", "config")
}

func (t Topics) parse(topic, prefix, suffix string) (string, string, bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != suffix || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

package fvbus

import (
	"encoding/json"
)

// discoveryDevice is the Home Assistant device block shared by every
// entity of a controller.
type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// discovery renders the register's discovery topic and payload.
// Kind extras are merged last and may override base keys.
func (r *Register) discovery() (string, []byte, error) {
	c := r.controller
	b := c.bus
	uniqueID := c.entityUniqueID(r.name)

	msg := map[string]any{
		"availability_topic": b.topics.Availability(),
		"device":             c.deviceInfo(),
		"object_id":          c.entityID(r.name),
		"name":               r.label,
		"state_topic":        r.stateTopic,
		"unique_id":          uniqueID,
		"expire_after":       int(r.pollInterval.Seconds()) + 30,
	}
	if r.kind.Writable {
		msg["command_topic"] = r.commandTopic
	}
	for k, v := range r.kind.Discovery {
		msg[k] = v
	}

	payload, err := json.Marshal(msg)
	return b.topics.DiscoveryConfig(r.kind.Component, uniqueID), payload, err
}

// discovery renders the action as a Home Assistant button.
func (a *CompositeAction) discovery() (string, []byte, error) {
	c := a.controller
	b := c.bus
	uniqueID := c.entityUniqueID(a.name)

	msg := map[string]any{
		"availability_topic": b.topics.Availability(),
		"device":             c.deviceInfo(),
		"object_id":          c.entityID(a.name),
		"name":               a.label,
		"command_topic":      a.commandTopic,
		"unique_id":          uniqueID,
		"entity_category":    "config",
	}

	payload, err := json.Marshal(msg)
	return b.topics.DiscoveryConfig(ComponentButton, uniqueID), payload, err
}

package mqtt

import (
	"fmt"
	"strings"
)

// Default topic roots.
const (
	// DefaultDiscoveryPrefix is Home Assistant's default discovery prefix.
	DefaultDiscoveryPrefix = "homeassistant"

	// DefaultPath is the root of gateway state and command topics.
	DefaultPath = "fvcontrol"
)

// Topics provides builders for gateway MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.NewTopics("homeassistant", "fvcontrol")
//	stateTopic := topics.State("F1", "set/lo")
//	// Returns: "fvcontrol/F1/set_lo/state"
type Topics struct {
	Prefix string
	Path   string
}

// NewTopics returns a builder, substituting defaults for empty roots.
func NewTopics(prefix, path string) Topics {
	if prefix == "" {
		prefix = DefaultDiscoveryPrefix
	}
	if path == "" {
		path = DefaultPath
	}
	return Topics{Prefix: prefix, Path: path}
}

// EntityName converts a register name to a single topic level.
//
// Example: "m0/a/lo" -> "m0_a_lo"
func EntityName(register string) string {
	return strings.ReplaceAll(register, "/", "_")
}

// Availability returns the gateway liveness topic.
//
// Example: fvcontrol/status
func (t Topics) Availability() string {
	return fmt.Sprintf("%s/status", t.Path)
}

// State returns the state topic for a controller entity.
//
// Example: fvcontrol/F1/t0/state
func (t Topics) State(controller, register string) string {
	return fmt.Sprintf("%s/%s/%s/state", t.Path, controller, EntityName(register))
}

// Command returns the command topic for a controller entity.
//
// Example: fvcontrol/F1/set_lo/command
func (t Topics) Command(controller, register string) string {
	return fmt.Sprintf("%s/%s/%s/command", t.Path, controller, EntityName(register))
}

// AllCommands returns the wildcard covering every entity command topic.
//
// Example: fvcontrol/+/+/command
func (t Topics) AllCommands() string {
	return fmt.Sprintf("%s/+/+/command", t.Path)
}

// DiscoveryConfig returns the Home Assistant discovery topic for an entity.
//
// Example: homeassistant/sensor/fvc_F1_t0/config
func (t Topics) DiscoveryConfig(component, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/config", t.Prefix, component, uniqueID)
}

// DiscoveryStatus returns the Home Assistant birth/last-will topic.
//
// Example: homeassistant/status
func (t Topics) DiscoveryStatus() string {
	return fmt.Sprintf("%s/status", t.Prefix)
}

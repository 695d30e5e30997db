//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"meshlink/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/meshlink_D2/signal/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

func deviceIdentifier(id string) string {
	return "meshlink_" + topicSafe(id)
}

// topicSafe maps an id onto characters that are safe in MQTT topics and HA
// object ids.
func topicSafe(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, id)
}

func deviceStateTopic(prefix, id string) string {
	return prefix + "/devices/" + topicSafe(id)
}

// buildDiscovery generates HA discovery messages for a mesh device: signal
// strength, connectivity and neighbour count. localID marks the gateway the
// device is reached through.
func buildDiscovery(dev *store.Device, prefix, localID string) []discoveryMsg {
	if dev == nil || dev.ID == "" {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := deviceStateTopic(prefix, dev.ID)
	nodeID := deviceIdentifier(dev.ID)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "meshlink",
		Model:        string(dev.Type),
		Name:         dev.ID,
	}
	if localID != "" && dev.ID != localID {
		haDev.ViaDevice = deviceIdentifier(localID)
	}

	return []discoveryMsg{
		buildSensor(nodeID, dev.ID, stateTopic, avail, haDev,
			"signal", "Signal", "%", "measurement", "", "{{ value_json.signal }}"),
		buildSensor(nodeID, dev.ID, stateTopic, avail, haDev,
			"connections", "Connections", "", "measurement", "diagnostic", "{{ value_json.connections | count }}"),
		buildBinarySensor(nodeID, dev.ID, stateTopic, avail, haDev,
			"connectivity", "Connectivity", "connectivity",
			"{{ 'ON' if value_json.status == 'online' else 'OFF' }}"),
	}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, unit, stateClass, category, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		StateClass:        stateClass,
		EntityCategory:    category,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(id string) []discoveryMsg {
	nodeID := deviceIdentifier(id)
	components := []struct{ comp, obj string }{
		{"sensor", "signal"},
		{"sensor", "connections"},
		{"binary_sensor", "connectivity"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

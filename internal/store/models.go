package store

import (
	"encoding/json"
	"time"
)

// DeviceType classifies a mesh participant.
type DeviceType string

const (
	DeviceNode      DeviceType = "node"
	DeviceGateway   DeviceType = "gateway"
	DeviceSensor    DeviceType = "sensor"
	DeviceRepeater  DeviceType = "repeater"
	DeviceEndDevice DeviceType = "end_device"
)

// Valid reports whether t is a known device type.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceNode, DeviceGateway, DeviceSensor, DeviceRepeater, DeviceEndDevice:
		return true
	}
	return false
}

// DeviceStatus is the last known reachability of a device.
type DeviceStatus string

const (
	StatusOnline     DeviceStatus = "online"
	StatusOffline    DeviceStatus = "offline"
	StatusConnecting DeviceStatus = "connecting"
	StatusError      DeviceStatus = "error"
)

// Device represents a known mesh device and its pairwise connections.
type Device struct {
	ID          string       `json:"id"`
	Type        DeviceType   `json:"type"`
	Status      DeviceStatus `json:"status"`
	Signal      int          `json:"signal"`
	LastSeen    time.Time    `json:"last_seen"`
	Connections []string     `json:"connections"`
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	cp := *d
	cp.Connections = append([]string(nil), d.Connections...)
	return &cp
}

// RouteRecord is the persisted form of one routing table entry.
type RouteRecord struct {
	From      string        `json:"from"`
	Target    string        `json:"target"`
	NextHop   string        `json:"next_hop"`
	HopCount  int           `json:"hop_count"`
	Signal    int           `json:"signal"`
	Latency   time.Duration `json:"latency"`
	UpdatedAt time.Time     `json:"updated_at"`
	Active    bool          `json:"active"`
}

// MeshState is the reloadable snapshot saved when the mesh service stops.
type MeshState struct {
	LocalDeviceID string                    `json:"local_device_id"`
	Routes        []RouteRecord             `json:"routes"`
	Adjacency     map[string]map[string]int `json:"adjacency"`
	SavedAt       time.Time                 `json:"saved_at"`
}

// SyncItem is one versioned record exchanged with a sync authority.
type SyncItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

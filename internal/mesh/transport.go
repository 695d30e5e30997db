package mesh

import (
	"context"
	"time"

	"meshlink/internal/store"
)

// Transport moves raw packets between neighbouring devices. Bindings for a
// specific medium implement it; the service never looks past this contract.
type Transport interface {
	// Send hands packet to the medium for delivery to nextHop. Broadcast
	// media may ignore nextHop and let receivers filter by target.
	Send(ctx context.Context, nextHop string, packet []byte) error
	// OnPacket registers the callback for every received packet.
	OnPacket(handler func(packet []byte))
	Close() error
}

// Candidate is a device reported reachable by a DeviceSource.
type Candidate struct {
	ID     string           `json:"id"`
	Type   store.DeviceType `json:"type"`
	Signal int              `json:"signal"`
}

// DeviceSource reports which devices are currently reachable.
type DeviceSource interface {
	Reachable(ctx context.Context) ([]Candidate, error)
}

// SeenGuard remembers message ids already processed on this node.
type SeenGuard interface {
	MarkSeen(id string, at time.Time) (bool, error)
	PruneSeen(before time.Time) (int, error)
}

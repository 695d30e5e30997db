package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(id string) (*Device, error)
	DeleteDevice(id string) error
	ListDevices() ([]*Device, error)

	// Mesh state document
	SaveMeshState(state *MeshState) error
	GetMeshState() (*MeshState, error)

	// Versioned sync items. Deleted items stay as tombstones.
	PutSyncItem(item *SyncItem) error
	GetSyncItem(id string) (*SyncItem, error)
	SyncItemsSince(version int64, types []string) ([]*SyncItem, error)
	DeletedSince(version int64) ([]string, error)
	// NextSyncVersion allocates the next version number for a local write.
	NextSyncVersion() (int64, error)
	// SyncHead is the highest version allocated by NextSyncVersion.
	SyncHead() (int64, error)
	// SyncCursor is the last remote version this node has applied.
	SyncCursor() (int64, error)
	SetSyncCursor(version int64) error

	// Relay replay guard. MarkSeen reports true when id was not seen before.
	MarkSeen(id string, at time.Time) (bool, error)
	PruneSeen(before time.Time) (int, error)

	// Close the store
	Close() error
}

// Package syncbridge reconciles versioned items between devices and a sync
// authority over the mesh. Records travel as TypeSync messages.
package syncbridge

import (
	"encoding/json"
	"time"

	"meshlink/internal/store"
)

// Kind tags a sync record on the wire.
type Kind string

const (
	KindRequest Kind = "sync_request"
	KindDelta   Kind = "sync_delta"
	KindPush    Kind = "sync_push"
	KindAck     Kind = "sync_ack"
)

// Record is one of Request, Delta, Push or Ack.
type Record interface {
	Kind() Kind
}

// Item is a versioned record. In a push, Version is the authority version
// the device based its edit on.
type Item struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Request asks the authority for changes after DeviceVersion.
type Request struct {
	DeviceID      string   `json:"device_id"`
	DeviceVersion int64    `json:"device_version"`
	ItemTypes     []string `json:"item_types,omitempty"`
}

// Delta carries the changes in (FromVersion, ToVersion].
type Delta struct {
	FromVersion int64    `json:"from_version"`
	ToVersion   int64    `json:"to_version"`
	Items       []Item   `json:"items"`
	DeletedIDs  []string `json:"deleted_ids"`
}

// Push offers local changes to the authority.
type Push struct {
	DeviceID string `json:"device_id"`
	Items    []Item `json:"items"`
}

// Ack answers a push with the authority head and the ids it refused.
type Ack struct {
	NewVersion  int64    `json:"new_version"`
	RejectedIDs []string `json:"rejected_ids,omitempty"`
}

func (*Request) Kind() Kind { return KindRequest }
func (*Delta) Kind() Kind   { return KindDelta }
func (*Push) Kind() Kind    { return KindPush }
func (*Ack) Kind() Kind     { return KindAck }

func itemFromStore(s *store.SyncItem) Item {
	return Item{
		ID:        s.ID,
		Type:      s.Type,
		Version:   s.Version,
		Data:      s.Data,
		Deleted:   s.Deleted,
		UpdatedAt: s.UpdatedAt,
	}
}

func (it Item) toStore() *store.SyncItem {
	return &store.SyncItem{
		ID:        it.ID,
		Type:      it.Type,
		Version:   it.Version,
		Data:      it.Data,
		Deleted:   it.Deleted,
		UpdatedAt: it.UpdatedAt,
	}
}

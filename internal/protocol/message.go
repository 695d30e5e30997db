// Package protocol defines the mesh wire message and the helpers that travel
// with it: codec, stream framing, acknowledgment tracking and rate limiting.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the purpose of a mesh message.
type MessageType string

const (
	TypeDiscovery       MessageType = "discovery"
	TypePairingRequest  MessageType = "pairing_request"
	TypePairingResponse MessageType = "pairing_response"
	TypeUnpair          MessageType = "unpair"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeData            MessageType = "data"
	TypeBroadcast       MessageType = "broadcast"
	TypeRouteRequest    MessageType = "route_request"
	TypeRouteResponse   MessageType = "route_response"
	TypeAck             MessageType = "ack"
	TypeNack            MessageType = "nack"
	TypeSync            MessageType = "sync"
)

// Priority is advisory metadata; queues do not reorder on it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

const (
	// BroadcastTarget addresses every paired device.
	BroadcastTarget = "*"
	// DefaultTTL is the hop budget used when a caller passes zero.
	DefaultTTL = 5
)

// sequence is shared by every message built in this process.
var sequence atomic.Uint64

// Message is a single mesh packet.
type Message struct {
	ID        string      `json:"id"`
	Source    string      `json:"source"`
	Target    string      `json:"target"`
	Type      MessageType `json:"type"`
	Payload   []byte      `json:"payload"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
	TTL       int         `json:"ttl"`
	Priority  Priority    `json:"priority"`
	Sequence  uint64      `json:"sequence"`
	Checksum  string      `json:"checksum"`
	Route     []string    `json:"route"`
}

// NewMessage builds a message with a fresh id, timestamp, sequence number and
// checksum. The route starts with the source.
func NewMessage(source, target string, payload []byte, typ MessageType, prio Priority, ttl int) *Message {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prio == "" {
		prio = PriorityNormal
	}
	return &Message{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		TTL:       ttl,
		Priority:  prio,
		Sequence:  sequence.Add(1),
		Checksum:  Checksum(payload),
		Route:     []string{source},
	}
}

// NewAck acknowledges original. The payload is the acknowledged message id.
func NewAck(local string, original *Message) *Message {
	return NewMessage(local, original.Source, []byte(original.ID), TypeAck, PriorityHigh, 0)
}

// NewNack rejects original with a short reason.
func NewNack(local string, original *Message, reason string) *Message {
	return NewMessage(local, original.Source, []byte(original.ID+":"+reason), TypeNack, PriorityHigh, 0)
}

// Checksum returns the hex encoding of the first 8 bytes of the payload's SHA-256.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

// Validate reports whether the stored checksum matches the payload.
func (m *Message) Validate() bool {
	return m != nil && m.Checksum == Checksum(m.Payload)
}

// IsBroadcast reports whether the message addresses every paired device.
func (m *Message) IsBroadcast() bool {
	return m.Target == BroadcastTarget
}

// Visited reports whether id already appears in the hop list.
func (m *Message) Visited(id string) bool {
	for _, hop := range m.Route {
		if hop == id {
			return true
		}
	}
	return false
}

// Forwarded returns a relay copy with one hop consumed and hop appended to
// the route. The checksum covers only the payload and is kept.
func (m *Message) Forwarded(hop string) *Message {
	cp := *m
	cp.TTL = m.TTL - 1
	cp.Route = append(append(make([]string, 0, len(m.Route)+1), m.Route...), hop)
	return &cp
}

// Size is the payload length used for byte counters.
func (m *Message) Size() int {
	return len(m.Payload)
}

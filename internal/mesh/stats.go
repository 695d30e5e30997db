package mesh

import "sync/atomic"

// Stats are running counters for one service run. They reset on Start.
type Stats struct {
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	BytesSent         uint64 `json:"bytes_sent"`
	BytesReceived     uint64 `json:"bytes_received"`
	DevicesDiscovered uint64 `json:"devices_discovered"`
	RoutesComputed    uint64 `json:"routes_computed"`
	MessagesRelayed   uint64 `json:"messages_relayed"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	Retransmissions   uint64 `json:"retransmissions"`
	AckTimeouts       uint64 `json:"ack_timeouts"`
}

type counters struct {
	messagesSent      atomic.Uint64
	messagesReceived  atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	devicesDiscovered atomic.Uint64
	routesComputed    atomic.Uint64
	messagesRelayed   atomic.Uint64
	messagesDropped   atomic.Uint64
	retransmissions   atomic.Uint64
	ackTimeouts       atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		MessagesSent:      c.messagesSent.Load(),
		MessagesReceived:  c.messagesReceived.Load(),
		BytesSent:         c.bytesSent.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		DevicesDiscovered: c.devicesDiscovered.Load(),
		RoutesComputed:    c.routesComputed.Load(),
		MessagesRelayed:   c.messagesRelayed.Load(),
		MessagesDropped:   c.messagesDropped.Load(),
		Retransmissions:   c.retransmissions.Load(),
		AckTimeouts:       c.ackTimeouts.Load(),
	}
}

func (c *counters) reset() {
	for _, v := range []*atomic.Uint64{
		&c.messagesSent, &c.messagesReceived, &c.bytesSent, &c.bytesReceived,
		&c.devicesDiscovered, &c.routesComputed, &c.messagesRelayed,
		&c.messagesDropped, &c.retransmissions, &c.ackTimeouts,
	} {
		v.Store(0)
	}
}

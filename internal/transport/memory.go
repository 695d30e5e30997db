// Package transport provides packet bindings for the mesh service: an
// in-memory hub for tests and simulations, a serial radio modem and TCP.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Broadcast is the next-hop value that reaches every endpoint on a medium.
const Broadcast = "*"

// MemoryHub connects in-process endpoints by device id.
type MemoryHub struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryEndpoint
	down      map[[2]string]bool
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		endpoints: make(map[string]*MemoryEndpoint),
		down:      make(map[[2]string]bool),
	}
}

// Endpoint returns the endpoint for id, creating it on first use.
func (h *MemoryHub) Endpoint(id string) *MemoryEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		return ep
	}
	ep := &MemoryEndpoint{id: id, hub: h}
	h.endpoints[id] = ep
	return ep
}

// SetLink marks the link between a and b as up or down. Links are up by
// default.
func (h *MemoryHub) SetLink(a, b string, up bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a > b {
		a, b = b, a
	}
	if up {
		delete(h.down, [2]string{a, b})
	} else {
		h.down[[2]string{a, b}] = true
	}
}

func (h *MemoryHub) linkUp(a, b string) bool {
	if a > b {
		a, b = b, a
	}
	return !h.down[[2]string{a, b}]
}

func (h *MemoryHub) deliver(from, to string, packet []byte) error {
	h.mu.RLock()
	var targets []*MemoryEndpoint
	if to == Broadcast {
		ids := make([]string, 0, len(h.endpoints))
		for id := range h.endpoints {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if id != from && h.linkUp(from, id) {
				targets = append(targets, h.endpoints[id])
			}
		}
	} else {
		ep, ok := h.endpoints[to]
		if !ok || !h.linkUp(from, to) {
			h.mu.RUnlock()
			return fmt.Errorf("memory transport: %s unreachable from %s", to, from)
		}
		targets = append(targets, ep)
	}
	h.mu.RUnlock()

	for _, ep := range targets {
		ep.receive(append([]byte(nil), packet...))
	}
	return nil
}

// MemoryEndpoint is one device's attachment to a MemoryHub.
type MemoryEndpoint struct {
	id  string
	hub *MemoryHub

	mu      sync.RWMutex
	handler func([]byte)
	closed  bool
}

// Send delivers packet synchronously to nextHop's handler.
func (e *MemoryEndpoint) Send(ctx context.Context, nextHop string, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return fmt.Errorf("memory transport: endpoint %s closed", e.id)
	}
	return e.hub.deliver(e.id, nextHop, packet)
}

func (e *MemoryEndpoint) OnPacket(handler func([]byte)) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

func (e *MemoryEndpoint) receive(packet []byte) {
	e.mu.RLock()
	h, closed := e.handler, e.closed
	e.mu.RUnlock()
	if h != nil && !closed {
		h(packet)
	}
}

// Close detaches the endpoint; later sends fail and packets are ignored.
func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

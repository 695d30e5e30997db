package mesh

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"meshlink/internal/protocol"
	"meshlink/internal/registry"
	"meshlink/internal/routing"
	"meshlink/internal/store"
)

// handlePacket is the transport callback for every received packet.
func (s *Service) handlePacket(packet []byte) {
	if !s.Running() {
		return
	}

	m, err := protocol.Parse(packet)
	if err != nil {
		s.stats.messagesDropped.Add(1)
		s.logger.Debug("malformed packet dropped", "bytes", len(packet), "err", err)
		return
	}
	if m == nil {
		s.stats.messagesDropped.Add(1)
		s.logger.Warn("checksum mismatch, packet dropped", "bytes", len(packet))
		return
	}

	local := s.LocalID()
	if m.Source == local {
		return
	}
	if m.Target != local && !m.IsBroadcast() {
		// Retransmissions pass through relays unchanged; the route and TTL
		// stop loops.
		s.relay(local, m)
		return
	}

	fresh, err := s.store.MarkSeen(m.ID, time.Now())
	if err != nil {
		s.logger.Warn("replay guard unavailable", "id", m.ID, "err", err)
		fresh = true
	}
	if !fresh {
		// The sender is retrying, so our ack was probably lost.
		if m.Target == local && ackable(m.Type) {
			s.SendMessage(protocol.NewAck(local, m))
		}
		return
	}

	s.touchNeighbour(local, m)

	switch m.Type {
	case protocol.TypeAck:
		if s.acks.Acknowledge(string(m.Payload)) {
			s.logger.Debug("ack received", "id", string(m.Payload), "from", m.Source)
		}
		return
	case protocol.TypeNack:
		id, reason, _ := strings.Cut(string(m.Payload), ":")
		s.acks.Acknowledge(id)
		s.logger.Warn("message rejected", "id", id, "from", m.Source, "reason", reason)
		return
	case protocol.TypePairingRequest:
		s.acceptPairing(local, m)
		s.SendMessage(protocol.NewAck(local, m))
		return
	case protocol.TypePairingResponse:
		s.logger.Info("pairing confirmed", "id", m.Source)
		return
	case protocol.TypeUnpair:
		if s.unlink(local, m.Source) {
			s.logger.Info("device unpaired by peer", "id", m.Source)
		}
		return
	case protocol.TypeHeartbeat:
		return
	case protocol.TypeRouteRequest:
		s.answerRouteRequest(local, m)
		return
	case protocol.TypeRouteResponse:
		s.mergeRoutes(local, m)
		return
	}

	if m.Target == local && ackable(m.Type) {
		s.SendMessage(protocol.NewAck(local, m))
	}
	s.accept(m)
}

// accept hands m to a registered handler or the inbound queue.
func (s *Service) accept(m *protocol.Message) {
	s.handlersMu.RLock()
	fn := s.handlers[m.Type]
	s.handlersMu.RUnlock()

	if fn != nil {
		s.stats.messagesReceived.Add(1)
		s.stats.bytesReceived.Add(uint64(m.Size()))
		fn(m)
	} else {
		select {
		case s.inbound <- m:
		default:
			s.stats.messagesDropped.Add(1)
			s.logger.Warn("inbound queue full", "id", m.ID, "from", m.Source)
			return
		}
	}

	s.events.Emit(EventMessageReceived, map[string]any{
		"id":     m.ID,
		"source": m.Source,
		"type":   string(m.Type),
		"hops":   len(m.Route),
		"bytes":  m.Size(),
	})
}

// relay forwards a message addressed to another device.
func (s *Service) relay(local string, m *protocol.Message) {
	if m.TTL <= 1 || m.Visited(local) {
		s.stats.messagesDropped.Add(1)
		s.logger.Debug("relay dropped", "id", m.ID, "ttl", m.TTL, "target", m.Target)
		return
	}
	if !s.markRelayed(m.ID, time.Now()) {
		return
	}
	if s.SendMessage(m.Forwarded(local)) {
		s.stats.messagesRelayed.Add(1)
	}
}

// touchNeighbour refreshes the device the packet arrived from.
func (s *Service) touchNeighbour(local string, m *protocol.Message) {
	if len(m.Route) == 0 {
		return
	}
	hop := m.Route[len(m.Route)-1]
	if err := s.registry.UpdateStatus(hop, store.StatusOnline); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.Warn("refresh neighbour", "id", hop, "err", err)
	}
	if r, ok := s.routes.Get(local, hop); ok && !r.Active {
		s.routes.SetActive(local, hop, true)
		s.events.Emit(EventRouteUpdated, map[string]any{"source": local, "target": hop, "action": "active"})
	}
}

func (s *Service) acceptPairing(local string, m *protocol.Message) {
	dev, err := s.registry.Get(m.Source)
	if errors.Is(err, registry.ErrNotFound) {
		dev, err = s.registry.Register(m.Source, store.DeviceNode)
	}
	if err != nil {
		s.logger.Error("register pairing device", "id", m.Source, "err", err)
		return
	}
	if !s.link(local, dev) {
		return
	}
	s.SendMessage(protocol.NewMessage(local, m.Source, nil, protocol.TypePairingResponse, protocol.PriorityHigh, 1))
	s.logger.Info("pairing accepted", "id", m.Source)
}

func (s *Service) answerRouteRequest(local string, m *protocol.Message) {
	payload, err := json.Marshal(s.routes.Links())
	if err != nil {
		s.logger.Error("encode route response", "err", err)
		return
	}
	s.SendMessage(protocol.NewMessage(local, m.Source, payload, protocol.TypeRouteResponse, protocol.PriorityNormal, s.cfg.DefaultTTL))
}

// mergeRoutes adds links advertised by a neighbour. Links touching the local
// device are skipped; local measurements win.
func (s *Service) mergeRoutes(local string, m *protocol.Message) {
	var links []routing.Link
	if err := json.Unmarshal(m.Payload, &links); err != nil {
		s.logger.Warn("bad route response", "from", m.Source, "err", err)
		return
	}
	added := 0
	for _, l := range links {
		if l.A == local || l.B == local || l.A == "" || l.B == "" {
			continue
		}
		s.routes.AddDirectRoute(l.A, l.B, l.Signal)
		added++
	}
	if added > 0 {
		s.events.Emit(EventRouteUpdated, map[string]any{"source": m.Source, "action": "merged", "links": added})
	}
}

// markRelayed reports whether id may be relayed now. Copies heard again
// within half the ack timeout are suppressed; later ones are retransmissions
// and pass.
func (s *Service) markRelayed(id string, now time.Time) bool {
	window := s.cfg.AckTimeout / 2

	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	if at, ok := s.relayed[id]; ok && now.Sub(at) < window {
		return false
	}
	s.relayed[id] = now
	if len(s.relayed) > maxRelayMemory {
		for k, at := range s.relayed {
			if now.Sub(at) >= window {
				delete(s.relayed, k)
			}
		}
	}
	return true
}

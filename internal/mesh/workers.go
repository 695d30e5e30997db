package mesh

import (
	"context"
	"sync"
	"time"

	"meshlink/internal/protocol"
)

const ackCheckInterval = 250 * time.Millisecond

// outgoing is one entry of the outbound queue. retry marks a retransmission
// queued by the ack tracker rather than a first send.
type outgoing struct {
	msg   *protocol.Message
	retry bool
}

// discoveryLoop scans on every interval tick and keeps paired links alive
// with heartbeats.
func (s *Service) discoveryLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(s.cfg.ScanTimeout)
			s.sendHeartbeats()
		}
	}
}

// pumpLoop drains the outbound queue under the rate limiter and drives
// retransmission and housekeeping.
func (s *Service) pumpLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ackTicker := time.NewTicker(ackCheckInterval)
	defer ackTicker.Stop()

	houseEvery := s.cfg.SeenTTL
	if s.cfg.RouteMaxAge > 0 && s.cfg.RouteMaxAge < houseEvery {
		houseEvery = s.cfg.RouteMaxAge
	}
	houseTicker := time.NewTicker(houseEvery)
	defer houseTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case o := <-s.outbound:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.deliver(ctx, o)
		case <-ackTicker.C:
			s.retryTimedOut()
		case <-houseTicker.C:
			s.housekeep()
		}
	}
}

func (s *Service) deliver(ctx context.Context, o outgoing) {
	m := o.msg
	if s.transport == nil {
		s.loopback(m)
		return
	}

	local := s.LocalID()
	tracked := s.needsAck(local, m)
	if o.retry {
		// Acknowledged or expired while it sat in the queue.
		if _, pending := s.acks.Pending(m.ID); !pending {
			s.logger.Debug("retransmit skipped, no longer pending", "id", m.ID)
			return
		}
	} else if tracked {
		s.acks.Track(m)
	}

	packet, err := protocol.Serialize(m)
	if err != nil {
		if tracked {
			s.acks.Acknowledge(m.ID)
		}
		s.stats.messagesDropped.Add(1)
		s.logger.Error("serialize outbound", "id", m.ID, "err", err)
		return
	}

	hop := s.nextHop(local, m.Target)
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	err = s.transport.Send(sendCtx, hop, packet)
	cancel()

	if tracked {
		s.acks.Touch(m.ID)
	}

	if err != nil {
		s.logger.Warn("transport send failed", "id", m.ID, "next_hop", hop, "err", err)
		if hop != protocol.BroadcastTarget && s.routes.SetActive(local, hop, false) {
			s.events.Emit(EventRouteUpdated, map[string]any{
				"source": local, "target": hop, "action": "inactive",
			})
		}
		if !tracked {
			s.stats.messagesDropped.Add(1)
		}
		return
	}

	s.events.Emit(EventMessageSent, map[string]any{
		"id":       m.ID,
		"target":   m.Target,
		"type":     string(m.Type),
		"next_hop": hop,
		"bytes":    m.Size(),
	})
}

// loopback stands in for a transport: the message lands on the local
// inbound queue and counts as delivered.
func (s *Service) loopback(m *protocol.Message) {
	select {
	case s.inbound <- m:
	default:
		s.stats.messagesDropped.Add(1)
		s.logger.Warn("inbound queue full, loopback dropped", "id", m.ID)
		return
	}
	s.events.Emit(EventMessageSent, map[string]any{
		"id":       m.ID,
		"target":   m.Target,
		"type":     string(m.Type),
		"next_hop": "loopback",
		"bytes":    m.Size(),
	})
}

// nextHop picks the first hop towards target, falling back to the target
// itself when no route is known.
func (s *Service) nextHop(local, target string) string {
	if target == protocol.BroadcastTarget {
		return target
	}
	if path, ok := s.routes.FindRoute(local, target); ok && len(path) > 1 {
		return path[1]
	}
	return target
}

// needsAck reports whether m is an acknowledged message originated here.
func (s *Service) needsAck(local string, m *protocol.Message) bool {
	return m.Source == local && !m.IsBroadcast() && ackable(m.Type)
}

func ackable(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeData, protocol.TypeBroadcast, protocol.TypeSync, protocol.TypePairingRequest:
		return true
	}
	return false
}

func (s *Service) retryTimedOut() {
	due, expired := s.acks.TimedOut()
	for _, m := range expired {
		s.stats.ackTimeouts.Add(1)
		s.stats.messagesDropped.Add(1)
		s.logger.Warn("ack timeout, message dropped", "id", m.ID, "target", m.Target, "type", m.Type)
	}
	for _, m := range due {
		if !s.acks.MarkRetry(m.ID) {
			continue
		}
		select {
		case s.outbound <- outgoing{msg: m, retry: true}:
			s.stats.retransmissions.Add(1)
			s.logger.Debug("retransmitting", "id", m.ID, "target", m.Target)
		default:
			s.logger.Warn("outbound queue full, retry deferred", "id", m.ID)
		}
	}
}

func (s *Service) housekeep() {
	if s.cfg.RouteMaxAge > 0 {
		s.PruneStaleRoutes(s.cfg.RouteMaxAge)
	}
	n, err := s.store.PruneSeen(time.Now().Add(-s.cfg.SeenTTL))
	if err != nil {
		s.logger.Warn("prune seen ids", "err", err)
		return
	}
	if n > 0 {
		s.logger.Debug("pruned seen ids", "removed", n)
	}
}

func (s *Service) sendHeartbeats() {
	if s.transport == nil || !s.Running() {
		return
	}
	local := s.LocalID()
	for _, id := range s.Paired() {
		s.SendMessage(protocol.NewMessage(local, id, nil, protocol.TypeHeartbeat, protocol.PriorityLow, 1))
	}
}

package mesh

import (
	"context"
	"time"

	"meshlink/internal/protocol"
	"meshlink/internal/store"
)

// Scan queries the device source for reachable devices, records each one in
// the registry and emits a discovered event per device. The service shows
// SCANNING for the duration and then returns to its previous state.
func (s *Service) Scan(timeout time.Duration) []*store.Device {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	if !s.enterScanning() {
		return nil
	}
	defer s.leaveScanning()

	if s.source == nil {
		return []*store.Device{}
	}
	if timeout <= 0 {
		timeout = s.cfg.ScanTimeout
	}
	ctx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	candidates, err := s.source.Reachable(ctx)
	if err != nil {
		s.logger.Warn("scan failed", "err", err)
	}

	local := s.LocalID()
	found := make([]*store.Device, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == "" || c.ID == local {
			continue
		}
		dev, isNew, err := s.registry.Observe(c.ID, c.Type, c.Signal)
		if err != nil {
			s.logger.Error("record discovered device", "id", c.ID, "err", err)
			continue
		}
		found = append(found, dev)
		s.stats.devicesDiscovered.Add(1)

		if s.routes.UpdateRouteSignal(local, c.ID, dev.Signal) {
			s.events.Emit(EventRouteUpdated, map[string]any{
				"source": local, "target": c.ID, "signal": dev.Signal, "action": "signal",
			})
		}
		s.events.Emit(EventDiscovered, map[string]any{
			"device_id": dev.ID,
			"type":      string(dev.Type),
			"signal":    dev.Signal,
			"new":       isNew,
		})
	}
	s.logger.Debug("scan complete", "found", len(found))
	return found
}

func (s *Service) enterScanning() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.resume = from
	s.state = StateScanning
	s.mu.Unlock()
	s.emitState(from, StateScanning)
	return true
}

func (s *Service) leaveScanning() {
	s.mu.Lock()
	if !s.running || s.state != StateScanning {
		s.mu.Unlock()
		return
	}
	to := s.resume
	s.state = to
	s.mu.Unlock()
	s.emitState(StateScanning, to)
}

// Pair links the local device with a device already known to the registry:
// a bidirectional registry connection plus a one-hop route at the device's
// current signal.
func (s *Service) Pair(id string) bool {
	if !s.Running() {
		return false
	}
	local := s.LocalID()
	if id == local {
		return false
	}
	dev, err := s.registry.Get(id)
	if err != nil {
		s.logger.Warn("pair unknown device", "id", id)
		return false
	}
	if !s.link(local, dev) {
		return false
	}

	if s.transport != nil {
		s.SendMessage(protocol.NewMessage(local, id, nil, protocol.TypePairingRequest, protocol.PriorityHigh, 1))
	}
	s.logger.Info("device paired", "id", id, "signal", dev.Signal)
	return true
}

func (s *Service) link(local string, dev *store.Device) bool {
	if err := s.registry.Connect(local, dev.ID); err != nil {
		s.logger.Error("connect devices", "a", local, "b", dev.ID, "err", err)
		return false
	}
	s.routes.AddDirectRoute(local, dev.ID, dev.Signal)

	s.events.Emit(EventConnected, map[string]any{"device_id": dev.ID, "signal": dev.Signal})
	s.events.Emit(EventRouteUpdated, map[string]any{
		"source": local, "target": dev.ID, "signal": dev.Signal, "action": "added",
	})
	return true
}

// Unpair removes the registry connection and the route to id.
func (s *Service) Unpair(id string) bool {
	if !s.Running() {
		return false
	}
	local := s.LocalID()
	if _, err := s.registry.Get(id); err != nil {
		s.logger.Warn("unpair unknown device", "id", id)
		return false
	}

	if s.transport != nil {
		s.SendMessage(protocol.NewMessage(local, id, nil, protocol.TypeUnpair, protocol.PriorityHigh, 1))
	}
	if !s.unlink(local, id) {
		return false
	}
	s.logger.Info("device unpaired", "id", id)
	return true
}

func (s *Service) unlink(local, id string) bool {
	if err := s.registry.Disconnect(local, id); err != nil {
		s.logger.Error("disconnect devices", "a", local, "b", id, "err", err)
		return false
	}
	s.routes.RemoveRoute(local, id)

	s.events.Emit(EventDisconnected, map[string]any{"device_id": id})
	s.events.Emit(EventRouteUpdated, map[string]any{
		"source": local, "target": id, "action": "removed",
	})
	return true
}

// Paired returns the ids connected to the local device.
func (s *Service) Paired() []string {
	conns, err := s.registry.Connections(s.LocalID())
	if err != nil {
		return nil
	}
	return conns
}

// Send builds a message from the local device and queues it for delivery.
// An empty typ sends data.
func (s *Service) Send(target string, payload []byte, typ protocol.MessageType) bool {
	if typ == "" {
		typ = protocol.TypeData
	}
	if !s.Running() {
		return false
	}
	m := protocol.NewMessage(s.LocalID(), target, payload, typ, protocol.PriorityNormal, s.cfg.DefaultTTL)
	return s.SendMessage(m)
}

// SendMessage queues a prepared message. It returns false when the service
// is not running or the outbound queue is full.
func (s *Service) SendMessage(m *protocol.Message) bool {
	if !s.Running() {
		return false
	}
	select {
	case s.outbound <- outgoing{msg: m}:
		s.stats.messagesSent.Add(1)
		s.stats.bytesSent.Add(uint64(m.Size()))
		return true
	default:
		s.stats.messagesDropped.Add(1)
		s.logger.Warn("outbound queue full", "id", m.ID, "target", m.Target)
		return false
	}
}

// Broadcast sends payload to every paired device and returns how many sends
// were attempted.
func (s *Service) Broadcast(payload []byte) int {
	if !s.Running() {
		return 0
	}
	peers := s.Paired()
	for _, id := range peers {
		s.Send(id, payload, protocol.TypeBroadcast)
	}
	return len(peers)
}

// Receive returns the next inbound message, waiting up to timeout. A zero
// timeout does not wait.
func (s *Service) Receive(timeout time.Duration) (*protocol.Message, bool) {
	if !s.Running() {
		return nil, false
	}

	var m *protocol.Message
	if timeout <= 0 {
		select {
		case m = <-s.inbound:
		default:
			return nil, false
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case m = <-s.inbound:
		case <-timer.C:
			return nil, false
		}
	}

	s.stats.messagesReceived.Add(1)
	s.stats.bytesReceived.Add(uint64(m.Size()))
	return m, true
}

// FindRoute returns the path from src to dst.
func (s *Service) FindRoute(src, dst string) ([]string, bool) {
	path, ok := s.routes.FindRoute(src, dst)
	if ok {
		s.stats.routesComputed.Add(1)
	}
	return path, ok
}

// Topology maps each known device to its connections.
func (s *Service) Topology() map[string][]string {
	topo := s.registry.Topology()
	s.stats.routesComputed.Add(1)
	return topo
}

// PruneStaleRoutes drops routes older than maxAge.
func (s *Service) PruneStaleRoutes(maxAge time.Duration) int {
	n := s.routes.PruneStaleRoutes(maxAge)
	if n > 0 {
		s.logger.Info("pruned stale routes", "removed", n)
		s.events.Emit(EventRouteUpdated, map[string]any{"source": s.LocalID(), "action": "pruned", "removed": n})
	}
	return n
}

// RequestRoutes asks every paired device for its links and returns how
// many requests were queued.
func (s *Service) RequestRoutes() int {
	if !s.Running() {
		return 0
	}
	sent := 0
	for _, id := range s.Paired() {
		if s.Send(id, nil, protocol.TypeRouteRequest) {
			sent++
		}
	}
	return sent
}

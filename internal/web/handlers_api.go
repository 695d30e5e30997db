package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"meshlink/internal/mesh"
	"meshlink/internal/protocol"
	"meshlink/internal/registry"
	"meshlink/internal/routing"
	"meshlink/internal/store"
)

const (
	maxScanTimeout    = 30 * time.Second
	maxReceiveTimeout = 30 * time.Second
)

type statusResponse struct {
	mesh.Status
	Version   string   `json:"version,omitempty"`
	Paired    []string `json:"paired"`
	Routes    int      `json:"routes"`
	WSClients int      `json:"ws_clients"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	paired := s.svc.Paired()
	if paired == nil {
		paired = []string{}
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:    s.svc.Status(),
		Version:   s.version,
		Paired:    paired,
		Routes:    s.svc.Routes().Len(),
		WSClients: s.wsHub.Clients(),
	})
}

// handleAPIListDevices accepts repeated ?status= filters.
func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	var statuses []store.DeviceStatus
	for _, v := range r.URL.Query()["status"] {
		statuses = append(statuses, store.DeviceStatus(v))
	}
	devices := s.svc.Registry().List(statuses...)
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.svc.Registry().Get(r.PathValue("id"))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type registerDeviceRequest struct {
	ID   string           `json:"id"`
	Type store.DeviceType `json:"type"`
}

func (s *Server) handleAPIRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if req.Type == "" {
		req.Type = store.DeviceNode
	}
	dev, err := s.svc.Registry().Register(req.ID, req.Type)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.svc.Unpair(id)
	if err := s.svc.Registry().Remove(id); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIPair(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireRunning(w) {
		return
	}
	if _, err := s.svc.Registry().Get(id); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	if !s.svc.Pair(id) {
		s.writeError(w, http.StatusConflict, "pairing refused")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paired", "id": id})
}

func (s *Server) handleAPIUnpair(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireRunning(w) {
		return
	}
	if !s.svc.Unpair(id) {
		s.writeError(w, http.StatusNotFound, "device not paired")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unpaired", "id": id})
}

// handleAPIScan runs one discovery scan. ?timeout= takes a Go duration and
// is capped at 30s.
func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	if !s.requireRunning(w) {
		return
	}
	timeout, err := durationParam(r, "timeout", 0, maxScanTimeout)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	found := s.svc.Scan(timeout)
	if found == nil {
		found = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, found)
}

type sendRequest struct {
	Target   string               `json:"target"`
	Payload  string               `json:"payload"`
	Type     protocol.MessageType `json:"type"`
	Priority protocol.Priority    `json:"priority"`
	TTL      int                  `json:"ttl"`
}

func (s *Server) handleAPISend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Target == "" {
		s.writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	if !s.requireRunning(w) {
		return
	}
	if req.Type == "" {
		req.Type = protocol.TypeData
	}

	m := protocol.NewMessage(s.svc.LocalID(), req.Target, []byte(req.Payload), req.Type, req.Priority, req.TTL)
	if !s.svc.SendMessage(m) {
		s.writeError(w, http.StatusServiceUnavailable, "outbound queue full")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": m.ID})
}

// messageView renders a message with a text payload.
type messageView struct {
	ID        string               `json:"id"`
	Source    string               `json:"source"`
	Target    string               `json:"target"`
	Type      protocol.MessageType `json:"type"`
	Priority  protocol.Priority    `json:"priority"`
	Payload   string               `json:"payload"`
	Timestamp time.Time            `json:"timestamp"`
	Route     []string             `json:"route"`
}

func newMessageView(m *protocol.Message) messageView {
	return messageView{
		ID:        m.ID,
		Source:    m.Source,
		Target:    m.Target,
		Type:      m.Type,
		Priority:  m.Priority,
		Payload:   string(m.Payload),
		Timestamp: time.UnixMilli(m.Timestamp).UTC(),
		Route:     m.Route,
	}
}

// handleAPIReceive long-polls the inbound queue. It answers 204 when
// nothing arrives within ?timeout= (default 0, capped at 30s).
func (s *Server) handleAPIReceive(w http.ResponseWriter, r *http.Request) {
	if !s.requireRunning(w) {
		return
	}
	timeout, err := durationParam(r, "timeout", 0, maxReceiveTimeout)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, ok := s.svc.Receive(timeout)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, newMessageView(m))
}

func (s *Server) handleAPIBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload string `json:"payload"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.requireRunning(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"peers": s.svc.Broadcast([]byte(req.Payload))})
}

// handleAPIRoutes returns the best path for ?dst= (from ?src=, default the
// local device), or every known link when dst is absent.
func (s *Server) handleAPIRoutes(w http.ResponseWriter, r *http.Request) {
	dst := r.URL.Query().Get("dst")
	if dst == "" {
		links := s.svc.Routes().Links()
		if links == nil {
			links = []routing.Link{}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"links": links})
		return
	}
	src := r.URL.Query().Get("src")
	if src == "" {
		src = s.svc.LocalID()
	}
	path, ok := s.svc.FindRoute(src, dst)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no route")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"path": path, "hops": len(path) - 1})
}

func (s *Server) handleAPIRefreshRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.requireRunning(w) {
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"requests": s.svc.RequestRoutes()})
}

func (s *Server) handleAPITopology(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Topology())
}

func (s *Server) requireRunning(w http.ResponseWriter) bool {
	if s.svc.Running() {
		return true
	}
	s.writeError(w, http.StatusServiceUnavailable, "mesh service not running")
	return false
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, registry.ErrInvalidDevice):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("registry", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func durationParam(r *http.Request, name string, def, max time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		ms, nerr := strconv.Atoi(v)
		if nerr != nil {
			return 0, errors.New("invalid " + name)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d < 0 {
		return 0, errors.New("invalid " + name)
	}
	return min(d, max), nil
}
